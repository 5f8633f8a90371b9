package workflow

import (
	"context"
	"fmt"

	"github.com/songzhibin97/approval-engine/events"
	"github.com/songzhibin97/approval-engine/graph"
	"github.com/songzhibin97/approval-engine/types"
)

// ExecuteTask applies approve, reject or return to a pending task on behalf
// of its assignee and advances the instance.
func (e *Engine) ExecuteTask(ctx context.Context, taskID uint64, action types.ApprovalAction, actor, comment string) (*types.WorkflowInstance, error) {
	switch action {
	case types.ActionApprove, types.ActionReject, types.ActionReturn:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}

	stored, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	inst, err := e.withInstance(ctx, stored.InstanceID, func(o *operation) error {
		if o.inst.Status.IsTerminal() {
			return fmt.Errorf("%w: instance %d is %s", ErrInstanceTerminal, o.inst.ID, o.inst.Status)
		}
		t, ok := o.task(taskID)
		if !ok {
			return fmt.Errorf("%w: id=%d", ErrTaskNotFound, taskID)
		}
		if t.Status != types.TaskPending {
			return fmt.Errorf("%w: task %d is %s", ErrTaskNotPending, t.ID, t.Status)
		}
		if actor != t.Assignee {
			return fmt.Errorf("%w: task %d is assigned to %s", ErrNotAssignee, t.ID, t.Assignee)
		}

		switch action {
		case types.ActionApprove:
			return o.approve(t, actor, comment)
		case types.ActionReject:
			o.reject(t, actor, comment)
			return nil
		default:
			return o.returnTask(t, actor, comment)
		}
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("task executed",
		"task_id", taskID,
		"instance_id", inst.ID,
		"action", action,
		"actor", actor,
		"status", inst.Status,
	)
	return inst, nil
}

func (o *operation) approve(t *types.WorkflowTask, actor, comment string) error {
	o.finish(t, types.TaskApproved)
	o.audit(t, actor, types.ActionApprove, comment, "", "")
	o.emit(events.TaskCompleted, t.ID, t.NodeID, actor, map[string]interface{}{"action": string(types.ActionApprove)})

	nodeID, round, approveType := t.NodeID, t.Round, t.ApproveType
	siblings := o.roundTasks(nodeID, round)
	if !nodeComplete(approveType, siblings) {
		o.inst.Status = types.InstancePendingApproval
		o.inst.Progress = o.progress()
		return nil
	}

	// or completes on the first approval; nobody else needs to act.
	for _, s := range siblings {
		if s.Status == types.TaskPending {
			o.finish(s, types.TaskCancelled)
		}
	}
	if err := o.dispatchSuccessors(nodeID, 1); err != nil {
		return err
	}
	o.settle()
	return nil
}

// reject vetoes the whole instance whatever the approve type.
func (o *operation) reject(t *types.WorkflowTask, actor, comment string) {
	o.finish(t, types.TaskRejected)
	o.audit(t, actor, types.ActionReject, comment, "", "")
	o.emit(events.TaskCompleted, t.ID, t.NodeID, actor, map[string]interface{}{"action": string(types.ActionReject)})
	o.cancelPending(types.TaskCancelled, nil)

	o.inst.Status = types.InstanceRejected
	o.inst.CurrentNodeID = t.NodeID
	completed := o.now
	o.inst.CompletedAt = &completed
	o.inst.Progress = o.progress()
	o.emit(events.InstanceRejected, t.ID, t.NodeID, actor, nil)
}

// returnTask sends the instance back to the approval node feeding t's node.
func (o *operation) returnTask(t *types.WorkflowTask, actor, comment string) error {
	incoming := o.g.Incoming(t.NodeID)
	if len(incoming) != 1 {
		return fmt.Errorf("%w: node %q has %d incoming edges", ErrNoPredecessor, t.NodeID, len(incoming))
	}
	predecessor := incoming[0].Source
	node, ok := o.g.Node(predecessor)
	if !ok {
		return fmt.Errorf("%w: %q", graph.ErrNodeNotFound, predecessor)
	}
	if _, ok := node.(graph.ApprovalNode); !ok {
		return fmt.Errorf("%w: node %q is %s", ErrReturnNotAllowed, predecessor, node.Type())
	}
	previous := o.roundTasks(predecessor, o.latestRound(predecessor))
	if len(previous) == 0 {
		return fmt.Errorf("%w: node %q has no tasks to reopen", ErrNoPredecessor, predecessor)
	}

	o.finish(t, types.TaskReturned)
	o.audit(t, actor, types.ActionReturn, comment, "", "")
	for _, s := range o.roundTasks(t.NodeID, t.Round) {
		if s.Status == types.TaskPending {
			o.finish(s, types.TaskCancelled)
		}
	}
	for _, p := range previous {
		p.Status = types.TaskPending
		p.CompletedAt = nil
		o.touch(p)
	}

	o.inst.Status = types.InstancePendingApproval
	o.inst.CurrentNodeID = predecessor
	o.inst.Progress = o.progress()
	o.emit(events.TaskReturned, t.ID, t.NodeID, actor, map[string]interface{}{"to_node": predecessor})
	return nil
}

// WithdrawInstance lets the initiator cancel a running instance.
func (e *Engine) WithdrawInstance(ctx context.Context, instanceID uint64, actor string) error {
	_, err := e.withInstance(ctx, instanceID, func(o *operation) error {
		if o.inst.Status.IsTerminal() {
			return fmt.Errorf("%w: instance %d is %s", ErrInstanceTerminal, o.inst.ID, o.inst.Status)
		}
		if actor != o.inst.Initiator {
			return fmt.Errorf("%w: instance %d was started by %s", ErrNotInitiator, o.inst.ID, o.inst.Initiator)
		}
		switch o.inst.Status {
		case types.InstanceRunning, types.InstancePendingApproval:
		default:
			return fmt.Errorf("%w: instance %d is %s", ErrConflict, o.inst.ID, o.inst.Status)
		}

		for _, t := range o.cancelPending(types.TaskWithdrawn, nil) {
			o.audit(t, actor, types.ActionWithdraw, "", "", "")
		}
		o.inst.Status = types.InstanceCancelled
		completed := o.now
		o.inst.CompletedAt = &completed
		o.emit(events.InstanceCancelled, 0, o.inst.CurrentNodeID, actor, nil)
		return nil
	})
	if err != nil {
		return err
	}
	e.logger.Info("workflow withdrawn", "instance_id", instanceID, "actor", actor)
	return nil
}

// TerminateInstance stops a non-terminal instance. Whether actor may do so
// is decided by the caller.
func (e *Engine) TerminateInstance(ctx context.Context, instanceID uint64, actor, reason string) error {
	_, err := e.withInstance(ctx, instanceID, func(o *operation) error {
		if o.inst.Status.IsTerminal() {
			return fmt.Errorf("%w: instance %d is %s", ErrInstanceTerminal, o.inst.ID, o.inst.Status)
		}
		o.cancelPending(types.TaskCancelled, nil)
		o.inst.Status = types.InstanceTerminated
		terminated := o.now
		o.inst.TerminatedBy = actor
		o.inst.TerminatedAt = &terminated
		o.inst.TerminateReason = reason
		o.emit(events.InstanceTerminated, 0, o.inst.CurrentNodeID, actor, map[string]interface{}{"reason": reason})
		return nil
	})
	if err != nil {
		return err
	}
	e.logger.Info("workflow terminated", "instance_id", instanceID, "actor", actor, "reason", reason)
	return nil
}

// ReassignTask hands a pending task to another user. Status and due date
// are kept.
func (e *Engine) ReassignTask(ctx context.Context, taskID uint64, newAssignee, actor, reason string) error {
	if newAssignee == "" {
		return fmt.Errorf("%w: new assignee is empty", ErrInvalidAssignee)
	}
	stored, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	_, err = e.withInstance(ctx, stored.InstanceID, func(o *operation) error {
		if o.inst.Status.IsTerminal() {
			return fmt.Errorf("%w: instance %d is %s", ErrInstanceTerminal, o.inst.ID, o.inst.Status)
		}
		t, ok := o.task(taskID)
		if !ok {
			return fmt.Errorf("%w: id=%d", ErrTaskNotFound, taskID)
		}
		if t.Status != types.TaskPending {
			return fmt.Errorf("%w: task %d is %s", ErrTaskNotPending, t.ID, t.Status)
		}
		if t.Assignee == newAssignee {
			return fmt.Errorf("%w: task %d is already assigned to %s", ErrInvalidAssignee, t.ID, newAssignee)
		}

		from := t.Assignee
		t.Assignee = newAssignee
		o.touch(t)
		o.audit(t, actor, types.ActionDelegate, reason, from, newAssignee)
		o.emit(events.TaskReassigned, t.ID, t.NodeID, actor, map[string]interface{}{
			"from": from,
			"to":   newAssignee,
		})
		return nil
	})
	return err
}
