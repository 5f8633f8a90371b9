package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/songzhibin97/approval-engine/types"
)

type definitionKey struct {
	code    string
	version int
}

// MemoryStorage is an in-memory implementation of the Storage interface.
type MemoryStorage struct {
	definitions map[definitionKey]types.WorkflowDefinition
	instances   map[uint64]types.WorkflowInstance
	tasks       map[uint64]types.WorkflowTask
	byInstance  map[uint64][]uint64
	approvals   map[uint64][]types.WorkflowApproval
	mu          sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		definitions: make(map[definitionKey]types.WorkflowDefinition),
		instances:   make(map[uint64]types.WorkflowInstance),
		tasks:       make(map[uint64]types.WorkflowTask),
		byInstance:  make(map[uint64][]uint64),
		approvals:   make(map[uint64][]types.WorkflowApproval),
	}
}

// getItem looks up id and returns a copy made by clone.
func getItem[K comparable, T any](ctx context.Context, mu *sync.RWMutex, m map[K]T, id K, clone func(T) T, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%v", errNotFound, id)
		}
		return clone(item), nil
	})
}

// SaveDefinition saves a definition to memory.
func (s *MemoryStorage) SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.definitions[definitionKey{def.Code, def.Version}] = cloneDefinition(def)
		return nil
	})
}

// GetDefinition retrieves a definition from memory.
func (s *MemoryStorage) GetDefinition(ctx context.Context, code string, version int) (types.WorkflowDefinition, error) {
	return getItem(ctx, &s.mu, s.definitions, definitionKey{code, version}, cloneDefinition, ErrDefinitionNotFound)
}

// GetInstance retrieves a workflow instance from memory.
func (s *MemoryStorage) GetInstance(ctx context.Context, id uint64) (types.WorkflowInstance, error) {
	return getItem(ctx, &s.mu, s.instances, id, cloneInstance, ErrInstanceNotFound)
}

// GetTask retrieves a task from memory.
func (s *MemoryStorage) GetTask(ctx context.Context, id uint64) (types.WorkflowTask, error) {
	return getItem(ctx, &s.mu, s.tasks, id, cloneTask, ErrTaskNotFound)
}

// ListTasks returns the tasks of an instance ordered by ID.
func (s *MemoryStorage) ListTasks(ctx context.Context, instanceID uint64) ([]types.WorkflowTask, error) {
	return withContext(ctx, func() ([]types.WorkflowTask, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		ids := s.byInstance[instanceID]
		out := make([]types.WorkflowTask, 0, len(ids))
		for _, id := range ids {
			out = append(out, cloneTask(s.tasks[id]))
		}
		return out, nil
	})
}

// ListApprovals returns the approval log of an instance.
func (s *MemoryStorage) ListApprovals(ctx context.Context, instanceID uint64) ([]types.WorkflowApproval, error) {
	return withContext(ctx, func() ([]types.WorkflowApproval, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return append([]types.WorkflowApproval(nil), s.approvals[instanceID]...), nil
	})
}

// ListPendingTasks returns pending tasks for assignee ordered by ID.
func (s *MemoryStorage) ListPendingTasks(ctx context.Context, assignee string) ([]types.WorkflowTask, error) {
	return withContext(ctx, func() ([]types.WorkflowTask, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.WorkflowTask
		for _, t := range s.tasks {
			if t.Assignee == assignee && t.Status == types.TaskPending {
				out = append(out, cloneTask(t))
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// Commit applies cs under a single lock after checking the instance version.
func (s *MemoryStorage) Commit(ctx context.Context, cs ChangeSet) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		if cs.Instance != nil {
			stored, ok := s.instances[cs.Instance.ID]
			current := 0
			if ok {
				current = stored.Version
			}
			if current != expectedStoredVersion(cs.Instance) {
				return fmt.Errorf("%w: instance %d at version %d, change expects %d",
					ErrVersionConflict, cs.Instance.ID, current, expectedStoredVersion(cs.Instance))
			}
			s.instances[cs.Instance.ID] = cloneInstance(*cs.Instance)
		}
		for _, t := range cs.Tasks {
			if _, exists := s.tasks[t.ID]; !exists {
				ids := append(s.byInstance[t.InstanceID], t.ID)
				sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
				s.byInstance[t.InstanceID] = ids
			}
			s.tasks[t.ID] = cloneTask(t)
		}
		for _, a := range cs.Approvals {
			s.approvals[a.InstanceID] = append(s.approvals[a.InstanceID], a)
		}
		return nil
	})
}
