package workflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/songzhibin97/approval-engine/events"
	"github.com/songzhibin97/approval-engine/lock"
	"github.com/songzhibin97/approval-engine/rules"
)

// Notification is what a notify node hands to the Notifier.
type Notification struct {
	InstanceID uint64
	InstanceNo string
	NodeID     string
	Initiator  string
	Recipients []string
	Message    string
}

// Notifier delivers notify node side effects. It is called after the
// operation that reached the node has been committed; failures are logged.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithLocker replaces the in-process per-instance lock, e.g. with a
// lock.RedisLocker when several engines share one store.
func WithLocker(l lock.Locker) Option {
	return func(e *Engine) {
		if l != nil {
			e.locker = l
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(e *Engine) {
		e.notifier = n
	}
}

// WithEvaluator sets the evaluator for branch expressions.
func WithEvaluator(evaluator rules.Evaluator) Option {
	return func(e *Engine) {
		if evaluator != nil {
			e.expressions = evaluator
		}
	}
}

func WithEventBus(bus *events.EventBus) Option {
	return func(e *Engine) {
		if bus != nil {
			e.eventBus = bus
		}
	}
}

// WithSyncEvents delivers events before the operation returns instead of on
// the bus goroutine. Handlers then run while the instance is still locked,
// so they must not act on that instance through the engine.
func WithSyncEvents() Option {
	return func(e *Engine) {
		e.syncEvents = true
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}
