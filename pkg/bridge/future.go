package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrNotReady is returned for an absent awaitable, or a future whose
	// result was requested before it resolved.
	ErrNotReady = errors.New("result not ready")
	// ErrTimeout is returned by WaitFor when the timeout elapses first.
	ErrTimeout = errors.New("timed out waiting for result")
	// ErrBlockingOnLoop is returned when loop code tries to block on a
	// pending future. Use Then instead.
	ErrBlockingOnLoop = errors.New("refusing to block the event loop")
)

// PanicError carries a panic recovered from submitted work.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Future is the eventual result of work running on a Pool.
type Future[T any] struct {
	done chan struct{}
	once sync.Once
	val  T
	err  error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolve returns a future that is already complete.
func Resolve[T any](v T, err error) *Future[T] {
	f := newFuture[T]()
	f.resolve(v, err)
	return f
}

func (f *Future[T]) resolve(v T, err error) {
	f.once.Do(func() {
		f.val = v
		f.err = err
		close(f.done)
	})
}

// Done is closed when the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Result returns the outcome without blocking. Before resolution it returns
// ErrNotReady.
func (f *Future[T]) Result() (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	default:
		var zero T
		return zero, ErrNotReady
	}
}

type awaitKind uint8

const (
	kindNone awaitKind = iota
	kindResolved
	kindPending
)

// Awaitable is a closed union over the things a caller may wait on: nothing,
// an already known result, or a pending Future. The zero value is None.
type Awaitable[T any] struct {
	kind awaitKind
	val  T
	err  error
	fut  *Future[T]
}

// None is an absent awaitable; waiting on it yields ErrNotReady immediately.
func None[T any]() Awaitable[T] {
	return Awaitable[T]{}
}

// Resolved wraps a synchronous result.
func Resolved[T any](v T, err error) Awaitable[T] {
	return Awaitable[T]{kind: kindResolved, val: v, err: err}
}

// Pending wraps a future. A nil future is treated as None.
func Pending[T any](f *Future[T]) Awaitable[T] {
	if f == nil {
		return None[T]()
	}
	return Awaitable[T]{kind: kindPending, fut: f}
}

func (a Awaitable[T]) IsNone() bool {
	return a.kind == kindNone
}

// Await returns the awaitable's result, blocking until it is available or ctx
// ends. It never blocks the event loop: called from loop code on an
// unresolved future, it returns ErrBlockingOnLoop.
func Await[T any](ctx context.Context, a Awaitable[T]) (T, error) {
	var zero T
	switch a.kind {
	case kindResolved:
		return a.val, a.err
	case kindPending:
	default:
		return zero, ErrNotReady
	}

	select {
	case <-a.fut.Done():
		return a.fut.Result()
	default:
	}
	if OnLoop(ctx) {
		return zero, ErrBlockingOnLoop
	}

	select {
	case <-a.fut.Done():
		return a.fut.Result()
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// WaitFor is Await bounded by timeout. A timeout <= 0 waits without a bound.
func WaitFor[T any](ctx context.Context, a Awaitable[T], timeout time.Duration) (T, error) {
	var zero T
	if a.kind != kindPending || timeout <= 0 {
		return Await(ctx, a)
	}

	select {
	case <-a.fut.Done():
		return a.fut.Result()
	default:
	}
	if OnLoop(ctx) {
		return zero, ErrBlockingOnLoop
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-a.fut.Done():
		return a.fut.Result()
	case <-timer.C:
		return zero, ErrTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Then delivers the future's result to fn on the loop once it resolves.
func Then[T any](l *Loop, f *Future[T], fn func(context.Context, T, error)) {
	if f == nil || fn == nil {
		return
	}
	go func() {
		select {
		case <-f.Done():
		case <-l.Done():
			return
		}
		v, err := f.Result()
		_ = l.Post(func(ctx context.Context) { fn(ctx, v, err) })
	}()
}
