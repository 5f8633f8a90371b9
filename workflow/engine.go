package workflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/approval-engine/events"
	"github.com/songzhibin97/approval-engine/graph"
	"github.com/songzhibin97/approval-engine/lock"
	"github.com/songzhibin97/approval-engine/resolver"
	"github.com/songzhibin97/approval-engine/rules"
	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/types"
)

// MaxDispatchDepth bounds how many nodes one dispatch may traverse without
// stopping at an approval node.
const MaxDispatchDepth = 100

// Engine drives workflow instances through their lifecycle.
type Engine struct {
	store       storage.Storage
	generate    generator.Generator
	resolver    *resolver.Resolver
	conditions  *rules.ConditionEvaluator
	expressions rules.Evaluator
	locker      lock.Locker
	notifier    Notifier
	eventBus    *events.EventBus
	syncEvents  bool
	logger      *slog.Logger
	now         func() time.Time

	graphs map[uint64]*graph.Graph // parsed snapshots of live instances
	mu     sync.RWMutex
}

// NewEngine creates an Engine. directory may be nil, in which case only
// user and self_select approvers resolve.
func NewEngine(generate generator.Generator, store storage.Storage, directory resolver.Directory, opts ...Option) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}

	e := &Engine{
		store:       store,
		generate:    generate,
		expressions: rules.NewExprEvaluator(),
		locker:      lock.NewKeyedMutex(),
		logger:      slog.Default(),
		now:         time.Now,
		graphs:      make(map[uint64]*graph.Graph),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.eventBus == nil {
		e.eventBus = events.NewEventBus(events.WithLogger(e.logger))
	}
	e.resolver = resolver.New(directory, e.logger)
	e.conditions = rules.NewConditionEvaluator(e.expressions, e.logger)
	return e, nil
}

// SubscribeEvent subscribes an event handler to a specific event type.
func (e *Engine) SubscribeEvent(eventType string, handler events.EventHandler) {
	e.eventBus.Subscribe(eventType, handler)
}

// UnsubscribeEvent removes a handler added with SubscribeEvent and reports
// whether it was subscribed.
func (e *Engine) UnsubscribeEvent(eventType string, handler events.EventHandler) bool {
	return e.eventBus.Unsubscribe(eventType, handler)
}

// GenerateID generates a unique ID using the configured generator.
func (e *Engine) GenerateID() (uint64, error) {
	return e.generate.NextID()
}

// SaveDefinition stores a definition. Drafts are stored unchecked; a
// published definition must validate. Once a code and version is published
// it can only be saved again unchanged; edits go into a new version.
func (e *Engine) SaveDefinition(ctx context.Context, def types.WorkflowDefinition) (*types.WorkflowDefinition, error) {
	if def.Code == "" || def.Version <= 0 {
		return nil, fmt.Errorf("%w: definition needs a code and a positive version", ErrInvalidRequest)
	}
	if def.Status == "" {
		def.Status = types.DefinitionDraft
	}
	existing, err := e.store.GetDefinition(ctx, def.Code, def.Version)
	switch {
	case err == nil:
		if existing.Status == types.DefinitionPublished {
			if def.Status != existing.Status || def.Name != existing.Name || !bytes.Equal(def.Graph, existing.Graph) {
				return nil, fmt.Errorf("%w: %s@%d", ErrDefinitionPublished, def.Code, def.Version)
			}
			return &existing, nil
		}
		def.ID = existing.ID
		def.CreatedAt = existing.CreatedAt
	case !errors.Is(err, storage.ErrDefinitionNotFound):
		return nil, fmt.Errorf("failed to load definition: %w", err)
	}
	if def.Status == types.DefinitionPublished {
		if _, err := checkGraph(def.Graph); err != nil {
			return nil, err
		}
	}
	if def.ID == 0 {
		id, err := e.GenerateID()
		if err != nil {
			return nil, fmt.Errorf("failed to generate ID: %w", err)
		}
		def.ID = id
	}
	now := e.now()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	if err := e.store.SaveDefinition(ctx, def); err != nil {
		return nil, fmt.Errorf("failed to save definition: %w", err)
	}
	return &def, nil
}

// PublishDefinition validates a stored definition and marks it published.
func (e *Engine) PublishDefinition(ctx context.Context, code string, version int) (*types.WorkflowDefinition, error) {
	def, err := e.store.GetDefinition(ctx, code, version)
	if err != nil {
		return nil, err
	}
	def.Status = types.DefinitionPublished
	return e.SaveDefinition(ctx, def)
}

// GetDefinition retrieves a definition by code and version.
func (e *Engine) GetDefinition(ctx context.Context, code string, version int) (*types.WorkflowDefinition, error) {
	def, err := e.store.GetDefinition(ctx, code, version)
	if err != nil {
		return nil, err
	}
	return &def, nil
}

// checkGraph parses and validates raw definition bytes.
func checkGraph(raw []byte) (*graph.Graph, error) {
	wire, err := graph.Parse(raw)
	if err != nil {
		return nil, &ValidationError{Errors: []string{err.Error()}}
	}
	if res := graph.Validate(wire); !res.OK {
		return nil, &ValidationError{Errors: res.Errors}
	}
	g, err := graph.Build(wire)
	if err != nil {
		return nil, &ValidationError{Errors: []string{err.Error()}}
	}
	return g, nil
}

// graphFor returns the parsed snapshot of inst.
func (e *Engine) graphFor(inst *types.WorkflowInstance) (*graph.Graph, error) {
	e.mu.RLock()
	g, ok := e.graphs[inst.ID]
	e.mu.RUnlock()
	if ok {
		return g, nil
	}

	g, err := graph.Load(inst.GraphSnapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to load graph snapshot of instance %d: %w", inst.ID, err)
	}

	e.mu.Lock()
	e.graphs[inst.ID] = g
	e.mu.Unlock()
	return g, nil
}

func (e *Engine) forgetGraph(instanceID uint64) {
	e.mu.Lock()
	delete(e.graphs, instanceID)
	e.mu.Unlock()
}

// withInstance runs fn on a fresh copy of the instance state while holding
// the instance lock, then commits everything fn changed in one step.
func (e *Engine) withInstance(ctx context.Context, instanceID uint64, fn func(o *operation) error) (*types.WorkflowInstance, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	unlock, err := e.locker.Lock(ctx, lock.InstanceKey(instanceID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock instance %d: %w", instanceID, err)
	}
	defer unlock()

	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	tasks, err := e.store.ListTasks(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tasks of instance %d: %w", instanceID, err)
	}
	g, err := e.graphFor(&inst)
	if err != nil {
		return nil, err
	}

	o := e.newOperation(ctx, g, inst, tasks)
	if err := fn(o); err != nil {
		return nil, err
	}
	return e.commit(ctx, o)
}

// commit persists o and then delivers its side effects.
func (e *Engine) commit(ctx context.Context, o *operation) (*types.WorkflowInstance, error) {
	cs := o.changeSet()
	if err := e.store.Commit(ctx, cs); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			return nil, fmt.Errorf("%w: %w", ErrConflict, err)
		}
		return nil, fmt.Errorf("failed to commit instance %d: %w", o.inst.ID, err)
	}
	if o.inst.Status.IsTerminal() {
		e.forgetGraph(o.inst.ID)
	}

	// Side effects must not be cut short by a caller that has gone away
	// once the state change is durable.
	sideCtx := context.WithoutCancel(ctx)
	for _, ev := range o.events {
		e.publish(sideCtx, ev)
	}
	if e.notifier != nil {
		for _, n := range o.notifications {
			if err := e.notifier.Notify(sideCtx, n); err != nil {
				e.logger.Warn("notification failed", "instance_id", n.InstanceID, "node_id", n.NodeID, "error", err)
			}
		}
	}

	inst := o.inst
	return &inst, nil
}

func (e *Engine) publish(ctx context.Context, ev events.Event) {
	var errs []error
	if e.syncEvents {
		errs = e.eventBus.PublishSync(ctx, ev)
	} else if err := e.eventBus.Publish(ctx, ev); err != nil {
		errs = append(errs, err)
	}
	for _, err := range errs {
		if errors.Is(err, events.ErrNoHandler) {
			continue
		}
		e.logger.Warn("failed to publish event", "event", ev.Type, "instance_id", ev.InstanceID, "error", err)
	}
}

// StartRequest holds the arguments of StartWorkflow.
type StartRequest struct {
	Definition         types.WorkflowDefinition
	BusinessObjectCode string
	BusinessID         string
	BusinessNo         string
	Initiator          string
	Variables          map[string]interface{}
	Title              string
	Priority           int
}

// StartWorkflow creates an instance of a published definition and
// dispatches the nodes after its start node.
func (e *Engine) StartWorkflow(ctx context.Context, req StartRequest) (*types.WorkflowInstance, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	def := req.Definition
	if def.Status != types.DefinitionPublished {
		return nil, fmt.Errorf("%w: %s@%d is %s", ErrDefinitionNotPublished, def.Code, def.Version, def.Status)
	}
	if req.Initiator == "" || req.BusinessObjectCode == "" || req.BusinessID == "" {
		return nil, fmt.Errorf("%w: initiator, business object code and business id are required", ErrInvalidRequest)
	}
	g, err := checkGraph(def.Graph)
	if err != nil {
		return nil, err
	}

	id, err := e.GenerateID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ID: %w", err)
	}
	now := e.now()
	variables := make(map[string]interface{}, len(req.Variables))
	for k, v := range req.Variables {
		variables[k] = v
	}
	inst := types.WorkflowInstance{
		ID:                 id,
		DefinitionID:       def.ID,
		DefinitionCode:     def.Code,
		DefinitionVersion:  def.Version,
		InstanceNo:         fmt.Sprintf("WF-%s-%d", now.Format("20060102"), id),
		Title:              req.Title,
		Priority:           req.Priority,
		Status:             types.InstanceRunning,
		BusinessObjectCode: req.BusinessObjectCode,
		BusinessID:         req.BusinessID,
		BusinessNo:         req.BusinessNo,
		Initiator:          req.Initiator,
		Variables:          variables,
		CurrentNodeID:      g.Start().ID(),
		GraphSnapshot:      append([]byte(nil), def.Graph...),
		StartedAt:          now,
	}

	unlock, err := e.locker.Lock(ctx, lock.InstanceKey(id))
	if err != nil {
		return nil, fmt.Errorf("failed to lock instance %d: %w", id, err)
	}
	defer unlock()

	o := e.newOperation(ctx, g, inst, nil)
	o.emit(events.InstanceStarted, 0, inst.CurrentNodeID, req.Initiator, map[string]interface{}{
		"instance_no":     inst.InstanceNo,
		"definition_code": def.Code,
	})
	if err := o.dispatchSuccessors(g.Start().ID(), 1); err != nil {
		return nil, err
	}
	o.settle()

	started, err := e.commit(ctx, o)
	if err != nil {
		return nil, err
	}
	e.logger.Info("workflow started",
		"instance_id", started.ID,
		"instance_no", started.InstanceNo,
		"definition", def.Code,
		"status", started.Status,
	)
	return started, nil
}

// GetInstance retrieves a workflow instance by ID.
func (e *Engine) GetInstance(ctx context.Context, instanceID uint64) (*types.WorkflowInstance, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// GetTask retrieves a task by ID.
func (e *Engine) GetTask(ctx context.Context, taskID uint64) (*types.WorkflowTask, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTasks returns every task of an instance in creation order.
func (e *Engine) ListTasks(ctx context.Context, instanceID uint64) ([]types.WorkflowTask, error) {
	return e.store.ListTasks(ctx, instanceID)
}

// ListApprovals returns the audit log of an instance.
func (e *Engine) ListApprovals(ctx context.Context, instanceID uint64) ([]types.WorkflowApproval, error) {
	return e.store.ListApprovals(ctx, instanceID)
}

// PendingTasks returns the tasks waiting on assignee.
func (e *Engine) PendingTasks(ctx context.Context, assignee string) ([]types.WorkflowTask, error) {
	return e.store.ListPendingTasks(ctx, assignee)
}

// IsTaskOverdue reports whether task is pending past its due date. Acting
// on overdue tasks is left to the caller's scheduler.
func (e *Engine) IsTaskOverdue(task types.WorkflowTask, now time.Time) bool {
	return task.IsOverdue(now)
}

// Stop gracefully stops the workflow engine.
func (e *Engine) Stop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		e.eventBus.Stop()
		return nil
	}
}
