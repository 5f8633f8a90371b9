package workflow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/songzhibin97/approval-engine/storage"
)

var (
	ErrDefinitionNotPublished = errors.New("definition is not published")
	ErrInvalidDefinition      = errors.New("invalid workflow definition")
	ErrInvalidRequest         = errors.New("invalid request")
	ErrInstanceNotFound       = storage.ErrInstanceNotFound
	ErrTaskNotFound           = storage.ErrTaskNotFound
	ErrNotAssignee            = errors.New("actor is not the task assignee")
	ErrNotInitiator           = errors.New("actor is not the instance initiator")
	ErrInvalidAction          = errors.New("invalid task action")
	ErrInvalidAssignee        = errors.New("invalid assignee")
	ErrNoPredecessor          = errors.New("task node has no unique predecessor")
	ErrReturnNotAllowed       = errors.New("predecessor is not an approval node")
	ErrDispatchDepth          = fmt.Errorf("dispatch exceeded %d nested nodes", MaxDispatchDepth)

	// ErrConflict is wrapped by every error caused by the current state of
	// a definition, instance or task rather than by the request itself.
	ErrConflict            = errors.New("state conflict")
	ErrInstanceTerminal    = fmt.Errorf("%w: instance is in a terminal state", ErrConflict)
	ErrTaskNotPending      = fmt.Errorf("%w: task is not pending", ErrConflict)
	ErrDefinitionPublished = fmt.Errorf("%w: published definitions are immutable", ErrConflict)
)

// ValidationError carries every problem found in a definition graph.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s", ErrInvalidDefinition, strings.Join(e.Errors, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidDefinition
}
