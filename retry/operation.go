package retry

import (
	"context"

	"github.com/aponysus/ferry/loop"
	"github.com/aponysus/ferry/task"
)

// OperationKind tags how an Operation executes.
type OperationKind int

const (
	// KindBlocking is a plain function that may block its goroutine.
	KindBlocking OperationKind = iota + 1
	// KindCooperative runs as a coroutine on a loop.
	KindCooperative
	// KindHandle produces a fresh task handle per attempt.
	KindHandle
)

func (k OperationKind) String() string {
	switch k {
	case KindBlocking:
		return "blocking"
	case KindCooperative:
		return "cooperative"
	case KindHandle:
		return "handle"
	default:
		return "unknown"
	}
}

// Operation is the unit of work retried by the orchestrator. Build one with
// Blocking, Cooperative or FromHandle.
type Operation[T any] struct {
	kind     OperationKind
	blocking func(context.Context) (T, error)
	coop     loop.Func[T]
	factory  func(context.Context) *task.Handle[T]
}

// Blocking wraps a function that may block.
func Blocking[T any](fn func(ctx context.Context) (T, error)) Operation[T] {
	return Operation[T]{kind: KindBlocking, blocking: fn}
}

// Cooperative wraps a coroutine body.
func Cooperative[T any](fn loop.Func[T]) Operation[T] {
	return Operation[T]{kind: KindCooperative, coop: fn}
}

// FromHandle retries bridged work: every attempt calls factory for a new
// handle and awaits it.
func FromHandle[T any](factory func(ctx context.Context) *task.Handle[T]) Operation[T] {
	return Operation[T]{kind: KindHandle, factory: factory}
}

func (op Operation[T]) Kind() OperationKind { return op.kind }

func (op Operation[T]) valid() bool {
	switch op.kind {
	case KindBlocking:
		return op.blocking != nil
	case KindCooperative:
		return op.coop != nil
	case KindHandle:
		return op.factory != nil
	default:
		return false
	}
}
