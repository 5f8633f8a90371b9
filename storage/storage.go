package storage

import (
	"context"
	"errors"

	"github.com/songzhibin97/approval-engine/types"
)

// Errors
var (
	ErrDefinitionNotFound = errors.New("definition not found")
	ErrInstanceNotFound   = errors.New("instance not found")
	ErrTaskNotFound       = errors.New("task not found")
	ErrVersionConflict    = errors.New("instance version conflict")
)

// ChangeSet is everything one engine operation writes. Commit applies it
// all or not at all.
type ChangeSet struct {
	// Instance is upserted. Its Version must be exactly one more than the
	// stored version, or 1 for a new instance.
	Instance *types.WorkflowInstance
	// Tasks are upserted.
	Tasks []types.WorkflowTask
	// Approvals are appended.
	Approvals []types.WorkflowApproval
}

// Storage defines the interface for persisting definitions, instances,
// tasks and the approval log.
type Storage interface {
	// SaveDefinition upserts a definition keyed by code and version.
	SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error

	// GetDefinition retrieves a definition by code and version.
	GetDefinition(ctx context.Context, code string, version int) (types.WorkflowDefinition, error)

	// GetInstance retrieves a workflow instance by ID.
	GetInstance(ctx context.Context, id uint64) (types.WorkflowInstance, error)

	// GetTask retrieves a task by ID.
	GetTask(ctx context.Context, id uint64) (types.WorkflowTask, error)

	// ListTasks returns the tasks of an instance ordered by ID.
	ListTasks(ctx context.Context, instanceID uint64) ([]types.WorkflowTask, error)

	// ListApprovals returns the approval log of an instance in append order.
	ListApprovals(ctx context.Context, instanceID uint64) ([]types.WorkflowApproval, error)

	// ListPendingTasks returns the pending tasks assigned to assignee.
	ListPendingTasks(ctx context.Context, assignee string) ([]types.WorkflowTask, error)

	// Commit atomically applies cs.
	Commit(ctx context.Context, cs ChangeSet) error
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// expectedStoredVersion is the version the store must hold for cs to apply.
func expectedStoredVersion(inst *types.WorkflowInstance) int {
	return inst.Version - 1
}
