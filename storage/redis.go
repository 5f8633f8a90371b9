package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/songzhibin97/approval-engine/types"
)

const (
	definitionPrefix = "definition:"
	instancePrefix   = "instance:"
	taskPrefix       = "task:"
	assigneePrefix   = "assignee:"
)

// RedisStorage is a Redis-backed implementation of the Storage interface.
// Records are JSON values; per-instance task ids and approval entries live
// in lists next to the instance key.
type RedisStorage struct {
	client *redis.Client
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// NewRedisClient connects and pings a Redis server.
func NewRedisClient(opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}
	return client, nil
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client, err := NewRedisClient(opts)
	if err != nil {
		return nil, err
	}
	return &RedisStorage{client: client}, nil
}

// NewRedisStorageFromClient wraps an existing client.
func NewRedisStorageFromClient(client *redis.Client) *RedisStorage {
	return &RedisStorage{client: client}
}

// Client exposes the underlying client so that a lock can share it.
func (s *RedisStorage) Client() *redis.Client {
	return s.client
}

func definitionKeyOf(code string, version int) string {
	return fmt.Sprintf("%s%s:%d", definitionPrefix, code, version)
}

func instanceKey(id uint64) string {
	return instancePrefix + strconv.FormatUint(id, 10)
}

func instanceTasksKey(id uint64) string {
	return instanceKey(id) + ":tasks"
}

func instanceApprovalsKey(id uint64) string {
	return instanceKey(id) + ":approvals"
}

// graphKey is where the graph of the record at key is kept verbatim. Embedding it in
// the JSON record would compact and re-escape it.
func graphKey(key string) string {
	return key + ":graph"
}

func taskKey(id uint64) string {
	return taskPrefix + strconv.FormatUint(id, 10)
}

func assigneePendingKey(assignee string) string {
	return assigneePrefix + assignee + ":pending"
}

// getFromRedis retrieves and unmarshals a value from Redis.
func getFromRedis[T any](ctx context.Context, client redis.Cmdable, key string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %v", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %v", key, err)
		}
		return result, nil
	})
}

// getGraph returns the raw graph stored beside key, or nil when none was
// written.
func getGraph(ctx context.Context, client redis.Cmdable, key string) (json.RawMessage, error) {
	data, err := client.Get(ctx, graphKey(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get %s from Redis: %v", graphKey(key), err)
	}
	return json.RawMessage(data), nil
}

// mgetTasks loads the task records behind ids, skipping missing keys.
func mgetTasks(ctx context.Context, client redis.Cmdable, ids []string) (map[uint64]types.WorkflowTask, error) {
	out := make(map[uint64]types.WorkflowTask, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = taskPrefix + id
	}
	values, err := client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load tasks: %v", err)
	}
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var t types.WorkflowTask
		if err := json.Unmarshal([]byte(s), &t); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %v", keys[i], err)
		}
		out[t.ID] = t
	}
	return out, nil
}

func sortedTasks(m map[uint64]types.WorkflowTask, keep func(types.WorkflowTask) bool) []types.WorkflowTask {
	out := make([]types.WorkflowTask, 0, len(m))
	for _, t := range m {
		if keep == nil || keep(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SaveDefinition saves a definition to Redis.
func (s *RedisStorage) SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error {
	return withContextError(ctx, func() error {
		key := definitionKeyOf(def.Code, def.Version)
		graph := def.Graph
		def.Graph = nil
		data, err := json.Marshal(def)
		if err != nil {
			return fmt.Errorf("failed to marshal definition %s: %v", def.Code, err)
		}
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if graph != nil {
				pipe.Set(ctx, graphKey(key), []byte(graph), 0)
			} else {
				pipe.Del(ctx, graphKey(key))
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to set %s in Redis: %v", key, err)
		}
		return nil
	})
}

// GetDefinition retrieves a definition from Redis.
func (s *RedisStorage) GetDefinition(ctx context.Context, code string, version int) (types.WorkflowDefinition, error) {
	key := definitionKeyOf(code, version)
	def, err := getFromRedis[types.WorkflowDefinition](ctx, s.client, key, ErrDefinitionNotFound)
	if err != nil {
		return def, err
	}
	def.Graph, err = getGraph(ctx, s.client, key)
	return def, err
}

// GetInstance retrieves a workflow instance from Redis.
func (s *RedisStorage) GetInstance(ctx context.Context, id uint64) (types.WorkflowInstance, error) {
	inst, err := getFromRedis[types.WorkflowInstance](ctx, s.client, instanceKey(id), ErrInstanceNotFound)
	if err != nil {
		return inst, err
	}
	inst.GraphSnapshot, err = getGraph(ctx, s.client, instanceKey(id))
	return inst, err
}

// GetTask retrieves a task from Redis.
func (s *RedisStorage) GetTask(ctx context.Context, id uint64) (types.WorkflowTask, error) {
	return getFromRedis[types.WorkflowTask](ctx, s.client, taskKey(id), ErrTaskNotFound)
}

// ListTasks returns the tasks of an instance ordered by ID.
func (s *RedisStorage) ListTasks(ctx context.Context, instanceID uint64) ([]types.WorkflowTask, error) {
	return withContext(ctx, func() ([]types.WorkflowTask, error) {
		ids, err := s.client.LRange(ctx, instanceTasksKey(instanceID), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list tasks of instance %d: %v", instanceID, err)
		}
		tasks, err := mgetTasks(ctx, s.client, ids)
		if err != nil {
			return nil, err
		}
		return sortedTasks(tasks, nil), nil
	})
}

// ListApprovals returns the approval log of an instance.
func (s *RedisStorage) ListApprovals(ctx context.Context, instanceID uint64) ([]types.WorkflowApproval, error) {
	return withContext(ctx, func() ([]types.WorkflowApproval, error) {
		entries, err := s.client.LRange(ctx, instanceApprovalsKey(instanceID), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list approvals of instance %d: %v", instanceID, err)
		}
		out := make([]types.WorkflowApproval, 0, len(entries))
		for _, e := range entries {
			var a types.WorkflowApproval
			if err := json.Unmarshal([]byte(e), &a); err != nil {
				return nil, fmt.Errorf("failed to unmarshal approval entry: %v", err)
			}
			out = append(out, a)
		}
		return out, nil
	})
}

// ListPendingTasks returns pending tasks assigned to assignee.
func (s *RedisStorage) ListPendingTasks(ctx context.Context, assignee string) ([]types.WorkflowTask, error) {
	return withContext(ctx, func() ([]types.WorkflowTask, error) {
		ids, err := s.client.SMembers(ctx, assigneePendingKey(assignee)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list pending tasks of %s: %v", assignee, err)
		}
		tasks, err := mgetTasks(ctx, s.client, ids)
		if err != nil {
			return nil, err
		}
		return sortedTasks(tasks, func(t types.WorkflowTask) bool {
			return t.Status == types.TaskPending && t.Assignee == assignee
		}), nil
	})
}

// Commit applies cs in one MULTI/EXEC. The instance and task keys are
// watched, so a concurrent writer aborts the transaction.
func (s *RedisStorage) Commit(ctx context.Context, cs ChangeSet) error {
	return withContextError(ctx, func() error {
		watch := make([]string, 0, len(cs.Tasks)+1)
		if cs.Instance != nil {
			watch = append(watch, instanceKey(cs.Instance.ID))
		}
		taskIDs := make([]string, 0, len(cs.Tasks))
		for _, t := range cs.Tasks {
			watch = append(watch, taskKey(t.ID))
			taskIDs = append(taskIDs, strconv.FormatUint(t.ID, 10))
		}

		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			if cs.Instance != nil {
				current := 0
				stored, err := getFromRedis[types.WorkflowInstance](ctx, tx, instanceKey(cs.Instance.ID), ErrInstanceNotFound)
				switch {
				case err == nil:
					current = stored.Version
				case !errors.Is(err, ErrInstanceNotFound):
					return err
				}
				if current != expectedStoredVersion(cs.Instance) {
					return fmt.Errorf("%w: instance %d at version %d, change expects %d",
						ErrVersionConflict, cs.Instance.ID, current, expectedStoredVersion(cs.Instance))
				}
			}
			previous, err := mgetTasks(ctx, tx, taskIDs)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if cs.Instance != nil {
					record := *cs.Instance
					record.GraphSnapshot = nil
					data, err := json.Marshal(record)
					if err != nil {
						return fmt.Errorf("failed to marshal instance %d: %v", cs.Instance.ID, err)
					}
					pipe.Set(ctx, instanceKey(cs.Instance.ID), data, 0)
					if cs.Instance.GraphSnapshot != nil {
						pipe.Set(ctx, graphKey(instanceKey(cs.Instance.ID)), []byte(cs.Instance.GraphSnapshot), 0)
					}
				}
				for _, t := range cs.Tasks {
					data, err := json.Marshal(t)
					if err != nil {
						return fmt.Errorf("failed to marshal task %d: %v", t.ID, err)
					}
					id := strconv.FormatUint(t.ID, 10)
					pipe.Set(ctx, taskKey(t.ID), data, 0)
					old, existed := previous[t.ID]
					if !existed {
						pipe.RPush(ctx, instanceTasksKey(t.InstanceID), id)
					} else if old.Assignee != t.Assignee {
						pipe.SRem(ctx, assigneePendingKey(old.Assignee), id)
					}
					if t.Status == types.TaskPending {
						pipe.SAdd(ctx, assigneePendingKey(t.Assignee), id)
					} else {
						pipe.SRem(ctx, assigneePendingKey(t.Assignee), id)
					}
				}
				for _, a := range cs.Approvals {
					data, err := json.Marshal(a)
					if err != nil {
						return fmt.Errorf("failed to marshal approval %s: %v", a.ID, err)
					}
					pipe.RPush(ctx, instanceApprovalsKey(a.InstanceID), data)
				}
				return nil
			})
			return err
		}, watch...)

		if errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("%w: concurrent write detected", ErrVersionConflict)
		}
		return err
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
