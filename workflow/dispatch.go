package workflow

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/songzhibin97/approval-engine/events"
	"github.com/songzhibin97/approval-engine/graph"
	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/types"
)

// operation is the working copy of one instance during a single engine
// call. Nothing in it is visible to other callers until it is committed.
type operation struct {
	e   *Engine
	ctx context.Context
	g   *graph.Graph
	now time.Time

	inst          types.WorkflowInstance
	tasks         []types.WorkflowTask
	index         map[uint64]int
	changed       map[uint64]bool
	approvals     []types.WorkflowApproval
	events        []events.Event
	notifications []Notification
	endNodeID     string
}

func (e *Engine) newOperation(ctx context.Context, g *graph.Graph, inst types.WorkflowInstance, tasks []types.WorkflowTask) *operation {
	o := &operation{
		e:       e,
		ctx:     ctx,
		g:       g,
		now:     e.now(),
		inst:    inst,
		tasks:   tasks,
		index:   make(map[uint64]int, len(tasks)),
		changed: make(map[uint64]bool),
	}
	for i, t := range tasks {
		o.index[t.ID] = i
	}
	return o
}

func (o *operation) task(id uint64) (*types.WorkflowTask, bool) {
	i, ok := o.index[id]
	if !ok {
		return nil, false
	}
	return &o.tasks[i], true
}

func (o *operation) touch(t *types.WorkflowTask) {
	t.UpdatedAt = o.now
	o.changed[t.ID] = true
}

// finish moves a task to a final status.
func (o *operation) finish(t *types.WorkflowTask, status types.TaskStatus) {
	t.Status = status
	completed := o.now
	t.CompletedAt = &completed
	o.touch(t)
}

// addTask registers a new task. The returned pointer is only valid until
// the next addTask.
func (o *operation) addTask(t types.WorkflowTask) (*types.WorkflowTask, error) {
	id, err := o.e.GenerateID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ID: %w", err)
	}
	t.ID = id
	t.InstanceID = o.inst.ID
	t.CreatedAt = o.now
	t.UpdatedAt = o.now
	o.tasks = append(o.tasks, t)
	o.index[id] = len(o.tasks) - 1
	o.changed[id] = true
	return &o.tasks[len(o.tasks)-1], nil
}

// audit appends an entry to the approval log.
func (o *operation) audit(t *types.WorkflowTask, actor string, action types.ApprovalAction, comment, from, to string) {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	o.approvals = append(o.approvals, types.WorkflowApproval{
		ID:           id.String(),
		TaskID:       t.ID,
		InstanceID:   o.inst.ID,
		NodeID:       t.NodeID,
		Actor:        actor,
		Action:       action,
		Comment:      comment,
		FromAssignee: from,
		ToAssignee:   to,
		CreatedAt:    o.now,
	})
}

func (o *operation) emit(eventType string, taskID uint64, nodeID, actor string, data map[string]interface{}) {
	o.events = append(o.events, events.Event{
		Type:       eventType,
		InstanceID: o.inst.ID,
		TaskID:     taskID,
		NodeID:     nodeID,
		Actor:      actor,
		Data:       data,
		OccurredAt: o.now,
	})
}

// pending returns the pending tasks in creation order.
func (o *operation) pending() []*types.WorkflowTask {
	var out []*types.WorkflowTask
	for i := range o.tasks {
		if o.tasks[i].Status == types.TaskPending {
			out = append(out, &o.tasks[i])
		}
	}
	return out
}

func (o *operation) hasPending(nodeID string) bool {
	for _, t := range o.pending() {
		if t.NodeID == nodeID {
			return true
		}
	}
	return false
}

func (o *operation) latestRound(nodeID string) int {
	round := 0
	for _, t := range o.tasks {
		if t.NodeID == nodeID && t.Round > round {
			round = t.Round
		}
	}
	return round
}

// roundTasks returns the tasks of nodeID dispatched in round, ordered by
// sequence.
func (o *operation) roundTasks(nodeID string, round int) []*types.WorkflowTask {
	var out []*types.WorkflowTask
	for i := range o.tasks {
		if o.tasks[i].NodeID == nodeID && o.tasks[i].Round == round {
			out = append(out, &o.tasks[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// dispatchSuccessors dispatches every target of the edges leaving nodeID.
func (o *operation) dispatchSuccessors(nodeID string, depth int) error {
	for _, edge := range o.g.Outgoing(nodeID) {
		if err := o.dispatch(edge.Target, depth); err != nil {
			return err
		}
	}
	return nil
}

func (o *operation) dispatch(nodeID string, depth int) error {
	if depth > MaxDispatchDepth {
		return fmt.Errorf("%w: instance %d at node %q", ErrDispatchDepth, o.inst.ID, nodeID)
	}
	select {
	case <-o.ctx.Done():
		return o.ctx.Err()
	default:
	}

	node, ok := o.g.Node(nodeID)
	if !ok {
		return fmt.Errorf("%w: %q", graph.ErrNodeNotFound, nodeID)
	}

	switch n := node.(type) {
	case graph.StartNode:
		return o.dispatchSuccessors(n.ID(), depth+1)
	case graph.EndNode:
		o.endNodeID = n.ID()
		return nil
	case graph.ApprovalNode:
		return o.dispatchApproval(n)
	case graph.ConditionNode:
		for _, edge := range o.routeCondition(n) {
			if err := o.dispatch(edge.Target, depth+1); err != nil {
				return err
			}
		}
		return nil
	case graph.CcNode:
		if err := o.dispatchCc(n); err != nil {
			return err
		}
		return o.dispatchSuccessors(n.ID(), depth+1)
	case graph.ParallelNode:
		return o.dispatchSuccessors(n.ID(), depth+1)
	case graph.NotifyNode:
		o.dispatchNotify(n)
		return o.dispatchSuccessors(n.ID(), depth+1)
	default:
		return fmt.Errorf("unsupported node type %q at node %q", node.Type(), nodeID)
	}
}

// dispatchApproval fans an approval node out into tasks. A node that still
// has pending tasks is left alone, so paths joining on it do not duplicate
// work.
func (o *operation) dispatchApproval(n graph.ApprovalNode) error {
	if o.hasPending(n.ID()) {
		return nil
	}

	approvers := o.e.resolver.Resolve(o.ctx, n.Approvers, &o.inst)
	if len(approvers) == 0 {
		o.e.logger.Warn("approval node resolved no approvers",
			"instance_id", o.inst.ID,
			"node_id", n.ID(),
		)
		o.emit(events.ApproverUnresolved, 0, n.ID(), "", nil)
		return nil
	}
	if n.ApproveType == types.ApproveTypeOr {
		approvers = approvers[:1]
	}

	round := o.latestRound(n.ID()) + 1
	var due *time.Time
	if n.TimeoutHours > 0 {
		d := o.now.Add(time.Duration(n.TimeoutHours) * time.Hour)
		due = &d
	}
	for i, assignee := range approvers {
		seq := 0
		if n.ApproveType == types.ApproveTypeSequence {
			seq = i
		}
		t, err := o.addTask(types.WorkflowTask{
			NodeID:      n.ID(),
			NodeType:    types.NodeTypeApproval,
			ApproveType: n.ApproveType,
			Assignee:    assignee,
			Sequence:    seq,
			Round:       round,
			Status:      types.TaskPending,
			DueDate:     due,
		})
		if err != nil {
			return err
		}
		o.emit(events.TaskCreated, t.ID, t.NodeID, "", map[string]interface{}{
			"assignee": t.Assignee,
			"sequence": t.Sequence,
		})
	}
	return nil
}

// routeCondition picks the edges of the first matching branch, falling
// back to the default flow.
func (o *operation) routeCondition(n graph.ConditionNode) []graph.Edge {
	edges := o.g.Outgoing(n.ID())
	if branch, ok := o.e.conditions.SelectBranch(n.Branches, o.inst.Variables); ok {
		var out []graph.Edge
		for _, edge := range edges {
			if edge.BranchID == branch.ID {
				out = append(out, edge)
			}
		}
		if len(out) == 0 {
			o.e.logger.Warn("matched branch has no edge",
				"instance_id", o.inst.ID,
				"node_id", n.ID(),
				"branch", branch.ID,
			)
			o.emit(events.BranchUnmatched, 0, n.ID(), "", map[string]interface{}{"branch": branch.ID})
		}
		return out
	}

	if n.DefaultFlow != "" {
		for _, edge := range edges {
			if edge.ID == n.DefaultFlow {
				return []graph.Edge{edge}
			}
		}
		for _, edge := range edges {
			if edge.BranchID == "" {
				return []graph.Edge{edge}
			}
		}
	}

	o.e.logger.Warn("no condition branch matched",
		"instance_id", o.inst.ID,
		"node_id", n.ID(),
	)
	o.emit(events.BranchUnmatched, 0, n.ID(), "", nil)
	return nil
}

// dispatchCc records one already-approved task per cc user.
func (o *operation) dispatchCc(n graph.CcNode) error {
	users := o.e.resolver.Resolve(o.ctx, n.CcUsers, &o.inst)
	round := o.latestRound(n.ID()) + 1
	for _, user := range users {
		completed := o.now
		t, err := o.addTask(types.WorkflowTask{
			NodeID:      n.ID(),
			NodeType:    types.NodeTypeCc,
			Assignee:    user,
			Round:       round,
			Status:      types.TaskApproved,
			CompletedAt: &completed,
		})
		if err != nil {
			return err
		}
		o.emit(events.TaskCreated, t.ID, t.NodeID, "", map[string]interface{}{
			"assignee": t.Assignee,
			"cc":       true,
		})
	}
	return nil
}

func (o *operation) dispatchNotify(n graph.NotifyNode) {
	recipients := o.e.resolver.Resolve(o.ctx, n.Recipients, &o.inst)
	o.notifications = append(o.notifications, Notification{
		InstanceID: o.inst.ID,
		InstanceNo: o.inst.InstanceNo,
		NodeID:     n.ID(),
		Initiator:  o.inst.Initiator,
		Recipients: recipients,
		Message:    n.Message,
	})
	o.emit(events.NodeNotified, 0, n.ID(), "", map[string]interface{}{
		"recipients": recipients,
		"message":    n.Message,
	})
}

// nodeComplete applies the approve type's completion rule to one round.
func nodeComplete(approveType types.ApproveType, round []*types.WorkflowTask) bool {
	if len(round) == 0 {
		return false
	}
	switch approveType {
	case types.ApproveTypeOr:
		for _, t := range round {
			if t.Status == types.TaskApproved {
				return true
			}
		}
		return false
	case types.ApproveTypeSequence:
		// round is ordered by sequence; approvals must run 0..n-1 unbroken.
		for i, t := range round {
			if t.Sequence != i || t.Status != types.TaskApproved {
				return false
			}
		}
		return true
	default:
		for _, t := range round {
			if t.Status != types.TaskApproved {
				return false
			}
		}
		return true
	}
}

func (o *operation) progress() int {
	if len(o.tasks) == 0 {
		return 0
	}
	done := 0
	for _, t := range o.tasks {
		if t.Status != types.TaskPending {
			done++
		}
	}
	return done * 100 / len(o.tasks)
}

// settle derives the instance status from its tasks after a dispatch.
func (o *operation) settle() {
	pending := o.pending()
	if len(pending) == 0 {
		o.inst.Status = types.InstanceApproved
		completed := o.now
		o.inst.CompletedAt = &completed
		o.inst.Progress = 100
		if o.endNodeID != "" {
			o.inst.CurrentNodeID = o.endNodeID
		}
		o.emit(events.InstanceApproved, 0, o.inst.CurrentNodeID, "", nil)
		return
	}
	o.inst.Status = types.InstancePendingApproval
	o.inst.CurrentNodeID = pending[0].NodeID
	o.inst.Progress = o.progress()
}

// cancelPending closes every pending task of the instance.
func (o *operation) cancelPending(status types.TaskStatus, keep func(*types.WorkflowTask) bool) []*types.WorkflowTask {
	var closed []*types.WorkflowTask
	for _, t := range o.pending() {
		if keep != nil && keep(t) {
			continue
		}
		o.finish(t, status)
		closed = append(closed, t)
	}
	return closed
}

func (o *operation) changeSet() storage.ChangeSet {
	o.inst.Version++
	o.inst.UpdatedAt = o.now

	ids := make([]uint64, 0, len(o.changed))
	for id := range o.changed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	tasks := make([]types.WorkflowTask, 0, len(ids))
	for _, id := range ids {
		t, _ := o.task(id)
		tasks = append(tasks, *t)
	}

	inst := o.inst
	return storage.ChangeSet{
		Instance:  &inst,
		Tasks:     tasks,
		Approvals: o.approvals,
	}
}
