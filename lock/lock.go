// Package lock serializes operations that mutate the same workflow instance.
package lock

import (
	"context"
	"strconv"
)

// Locker acquires exclusive ownership of a key. The returned function
// releases it and is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// InstanceKey is the lock key of a workflow instance.
func InstanceKey(instanceID uint64) string {
	return "instance:" + strconv.FormatUint(instanceID, 10)
}
