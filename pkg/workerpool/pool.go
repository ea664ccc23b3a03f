// Package workerpool bounds the number of goroutines running background
// jobs such as swap handlers and pending key delivery.
package workerpool

import (
	"context"
	"sync"

	"github.com/LumeraProtocol/keynode/pkg/errors"
	"github.com/LumeraProtocol/keynode/pkg/logtrace"
	"golang.org/x/sync/semaphore"
)

// ErrSaturated is returned by TryGo when every worker is busy.
var ErrSaturated = errors.New("worker pool saturated")

// Pool runs jobs on at most size goroutines at a time.
type Pool struct {
	name string
	size int64
	sem  *semaphore.Weighted
	wg   sync.WaitGroup
}

// New returns a pool of the given size. Sizes below one are raised to one.
func New(name string, size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{name: name, size: int64(size), sem: semaphore.NewWeighted(int64(size))}
}

// Name returns the pool name used in logs.
func (p *Pool) Name() string { return p.name }

// TryGo starts fn if a worker is free and returns ErrSaturated otherwise.
// It never blocks.
func (p *Pool) TryGo(ctx context.Context, job string, fn func(context.Context)) error {
	if !p.sem.TryAcquire(1) {
		return ErrSaturated
	}
	p.wg.Add(1)
	go p.run(ctx, job, fn)
	return nil
}

// Submit waits for a free worker and starts fn. It returns ctx.Err() if the
// context ends first.
func (p *Pool) Submit(ctx context.Context, job string, fn func(context.Context)) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.wg.Add(1)
	go p.run(ctx, job, fn)
	return nil
}

// Go queues fn without blocking the caller. The job starts once a worker
// frees up; it is dropped if ctx ends before that.
func (p *Pool) Go(ctx context.Context, job string, fn func(context.Context)) {
	p.wg.Add(1)
	go func() {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			p.wg.Done()
			logtrace.Debug(ctx, "worker pool: job dropped", logtrace.Fields{
				logtrace.FieldModule: p.name,
				"job":                job,
				logtrace.FieldError:  err.Error(),
			})
			return
		}
		p.run(ctx, job, fn)
	}()
}

func (p *Pool) run(ctx context.Context, job string, fn func(context.Context)) {
	defer p.wg.Done()
	defer p.sem.Release(1)
	defer errors.Recover(func(err error) {
		logtrace.Error(ctx, "worker pool: job panicked", logtrace.Fields{
			logtrace.FieldModule:     p.name,
			"job":                    job,
			logtrace.FieldError:      err.Error(),
			logtrace.FieldStackTrace: errors.Stack(err),
		})
	})
	fn(ctx)
}

// Busy reports how many workers are running a job right now.
func (p *Pool) Busy() int {
	free := int64(0)
	for free < p.size && p.sem.TryAcquire(1) {
		free++
	}
	if free > 0 {
		p.sem.Release(free)
	}
	return int(p.size - free)
}

// Wait blocks until every started or queued job has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}
