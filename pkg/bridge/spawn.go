package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sourcegraph/conc/panics"
)

// Go runs fn in the background without anyone waiting on it. Failures are
// logged, cancellation is not. A nil fn does nothing.
func Go(ctx context.Context, log *slog.Logger, name string, fn func(context.Context) error) {
	if fn == nil {
		return
	}
	if log == nil {
		log = slog.Default()
	}
	go func() {
		var err error
		var pc panics.Catcher
		pc.Try(func() { err = fn(ctx) })
		if r := pc.Recovered(); r != nil {
			log.Error("background task panicked", "task", name, "panic", fmt.Sprint(r.Value), "stack", string(r.Stack))
			return
		}
		report(log, name, err)
	}()
}

// GoOn is Go for work that has to run on a pool worker.
func GoOn(ctx context.Context, log *slog.Logger, p *Pool, name string, fn func(context.Context) error) {
	if fn == nil {
		return
	}
	if log == nil {
		log = slog.Default()
	}
	fut := Submit(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	go func() {
		<-fut.Done()
		_, err := fut.Result()
		var pe *PanicError
		if errors.As(err, &pe) {
			// already logged by the worker
			return
		}
		report(log, name, err)
	}()
}

func report(log *slog.Logger, name string, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	log.Error("background task failed", "task", name, "error", err)
}
