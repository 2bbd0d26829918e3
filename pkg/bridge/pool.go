package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sourcegraph/conc/panics"
)

// ErrPoolClosed is returned for work submitted after Close.
var ErrPoolClosed = errors.New("worker pool closed")

type workerKey struct{}

// WorkerID returns the identity of the pool worker executing ctx, or "" when
// ctx does not come from a pool worker. Storage uses it to pin connections.
func WorkerID(ctx context.Context) string {
	id, _ := ctx.Value(workerKey{}).(string)
	return id
}

type job struct {
	ctx context.Context
	fn  func(context.Context)
}

// Pool is a fixed set of named worker goroutines. Submission never blocks;
// jobs queue until a worker is free.
type Pool struct {
	name string
	log  *slog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	jobs   []job
	closed bool

	wg sync.WaitGroup
}

// NewPool starts size workers named "<name>-<n>". A size below one starts a
// single worker.
func NewPool(log *slog.Logger, name string, size int) *Pool {
	if log == nil {
		log = slog.Default()
	}
	if size < 1 {
		size = 1
	}
	p := &Pool{name: name, log: log.With("pool", name)}
	p.cond = sync.NewCond(&p.mu)

	for i := range size {
		id := fmt.Sprintf("%s-%d", name, i)
		p.wg.Add(1)
		go p.worker(id)
	}
	return p
}

func (p *Pool) worker(id string) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.jobs) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.jobs) == 0 {
			p.mu.Unlock()
			return
		}
		j := p.jobs[0]
		p.jobs[0] = job{}
		p.jobs = p.jobs[1:]
		p.mu.Unlock()

		j.fn(context.WithValue(j.ctx, workerKey{}, id))
	}
}

func (p *Pool) enqueue(ctx context.Context, fn func(context.Context)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.jobs = append(p.jobs, job{ctx: ctx, fn: fn})
	p.cond.Signal()
	return nil
}

// Close stops accepting work, lets the workers finish what is queued, and
// waits for them to exit.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}

// Submit runs fn on a pool worker and returns its future result. A panic in
// fn resolves the future with a *PanicError.
func Submit[T any](ctx context.Context, p *Pool, fn func(context.Context) (T, error)) *Future[T] {
	fut := newFuture[T]()
	err := p.enqueue(ctx, func(wctx context.Context) {
		if err := wctx.Err(); err != nil {
			var zero T
			fut.resolve(zero, err)
			return
		}

		var v T
		var err error
		var pc panics.Catcher
		pc.Try(func() { v, err = fn(wctx) })
		if r := pc.Recovered(); r != nil {
			p.log.Error("panic in pool worker", "worker", WorkerID(wctx), "panic", fmt.Sprint(r.Value), "stack", string(r.Stack))
			err = &PanicError{Value: r.Value, Stack: r.Stack}
		}
		fut.resolve(v, err)
	})
	if err != nil {
		var zero T
		fut.resolve(zero, err)
	}
	return fut
}

// Run submits fn and waits for its result. It must not be called from the loop.
func Run[T any](ctx context.Context, p *Pool, fn func(context.Context) (T, error)) (T, error) {
	return Await(ctx, Pending(Submit(ctx, p, fn)))
}
