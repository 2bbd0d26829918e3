// Package bridge lets blocking, callback-driven radio and storage calls coexist
// with the relay's single event loop.
//
// Relay logic runs on one Loop goroutine and is never allowed to block on
// device or disk I/O. Blocking calls are submitted to a Pool and surface as a
// Future; the loop either picks the result up with Then, or code running off
// the loop waits for it with Await/WaitFor. Backend callbacks fired from
// arbitrary goroutines hand their data to the loop with Post.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sourcegraph/conc/panics"
)

var (
	// ErrLoopStopped is returned when work is posted to a loop that has exited.
	ErrLoopStopped = errors.New("event loop stopped")
)

type loopKey struct{}

// Loop is a single-goroutine scheduler. Functions posted to it run one at a
// time, in the order they were posted.
type Loop struct {
	log *slog.Logger

	mu      sync.Mutex
	pending []func(context.Context)
	wake    chan struct{}

	done     chan struct{}
	doneOnce sync.Once
}

// NewLoop creates a loop. Nothing runs until Run is called.
func NewLoop(log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		log:  log,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post schedules fn on the loop. It never blocks and is safe to call from any
// goroutine, including the loop itself. A nil fn is ignored.
func (l *Loop) Post(fn func(context.Context)) error {
	if fn == nil {
		return nil
	}
	select {
	case <-l.done:
		return ErrLoopStopped
	default:
	}

	l.mu.Lock()
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run executes posted functions until ctx is cancelled. Work still pending when
// the context ends is discarded.
func (l *Loop) Run(ctx context.Context) error {
	defer l.doneOnce.Do(func() { close(l.done) })

	loopCtx := context.WithValue(ctx, loopKey{}, l)
	for {
		if ctx.Err() != nil {
			l.discard()
			return nil
		}

		batch := l.take()
		for _, fn := range batch {
			if ctx.Err() != nil {
				break
			}
			l.exec(loopCtx, fn)
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
		case <-l.wake:
		}
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Owns reports whether ctx belongs to code executing on this loop.
func (l *Loop) Owns(ctx context.Context) bool {
	owner, _ := ctx.Value(loopKey{}).(*Loop)
	return owner == l
}

// OnLoop reports whether ctx belongs to code executing on any loop.
func OnLoop(ctx context.Context) bool {
	owner, _ := ctx.Value(loopKey{}).(*Loop)
	return owner != nil
}

func (l *Loop) take() []func(context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	batch := l.pending
	l.pending = nil
	return batch
}

func (l *Loop) discard() {
	if n := len(l.take()); n > 0 {
		l.log.Debug("discarding loop work on shutdown", "pending", n)
	}
}

func (l *Loop) exec(ctx context.Context, fn func(context.Context)) {
	var pc panics.Catcher
	pc.Try(func() { fn(ctx) })
	if r := pc.Recovered(); r != nil {
		l.log.Error("panic in event loop task", "panic", fmt.Sprint(r.Value), "stack", string(r.Stack))
	}
}

// Call runs fn on the loop and returns its result. When the caller is
// already executing on the loop, fn runs inline instead of being queued
// behind the caller, which would deadlock.
func Call[T any](ctx context.Context, l *Loop, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if l.Owns(ctx) {
		return fn(ctx)
	}

	fut := newFuture[T]()
	err := l.Post(func(loopCtx context.Context) {
		var v T
		var err error
		var pc panics.Catcher
		pc.Try(func() { v, err = fn(loopCtx) })
		if r := pc.Recovered(); r != nil {
			err = &PanicError{Value: r.Value, Stack: r.Stack}
		}
		fut.resolve(v, err)
	})
	if err != nil {
		return zero, err
	}

	select {
	case <-fut.Done():
		return fut.Result()
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-l.done:
		// Run may have exited after executing fn
		select {
		case <-fut.Done():
			return fut.Result()
		default:
			return zero, ErrLoopStopped
		}
	}
}
