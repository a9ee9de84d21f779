package core

import (
	"context"

	"go.uber.org/multierr"
)

// job is a unit of blocking work posted to a WorkerPool thread, with a
// one-shot channel for its result.
type job struct {
	fn     func() (any, error)
	result chan jobResult
}

type jobResult struct {
	value any
	err   error
}

// WorkerPool is the bounded two-thread pool described in §5: one
// goroutine for general (read-only) RecordKeeper calls, one for priority
// (mutating) calls. The reactor posts blocking work here and never blocks
// on storage itself. Exactly two goroutines regardless of core count —
// automaxprocs only affects the process's observed GOMAXPROCS for the Go
// runtime's own scheduler, not the size of this pool.
type WorkerPool struct {
	general  chan job
	priority chan job

	done chan struct{}
}

func NewWorkerPool() *WorkerPool {
	p := &WorkerPool{
		general:  make(chan job, 256),
		priority: make(chan job, 256),
		done:     make(chan struct{}),
	}
	go p.run(p.general)
	go p.run(p.priority)
	return p
}

func (p *WorkerPool) run(queue chan job) {
	for {
		select {
		case j := <-queue:
			v, err := j.fn()
			j.result <- jobResult{value: v, err: err}
		case <-p.done:
			return
		}
	}
}

// SubmitGeneral posts a read-only call to the general thread.
func (p *WorkerPool) SubmitGeneral(ctx context.Context, fn func() (any, error)) (any, error) {
	return p.submit(ctx, p.general, fn)
}

// SubmitPriority posts a mutating call to the priority thread; every
// mutating RecordKeeper call (AddBlock, AddPendingTxn, StepBack,
// ImportPkg) must go through this queue so they stay totally ordered.
func (p *WorkerPool) SubmitPriority(ctx context.Context, fn func() (any, error)) (any, error) {
	return p.submit(ctx, p.priority, fn)
}

func (p *WorkerPool) submit(ctx context.Context, queue chan job, fn func() (any, error)) (any, error) {
	j := job{fn: fn, result: make(chan jobResult, 1)}
	select {
	case queue <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, context.Canceled
	}
	select {
	case r := <-j.result:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown stops both worker goroutines, draining nothing: in-flight jobs
// whose caller is still waiting will see ctx cancellation on their next
// select. Combines any cleanup errors the caller supplies via multierr so
// a graceful shutdown reports every failure, not just the first.
func (p *WorkerPool) Shutdown(cleanup ...error) error {
	close(p.done)
	var err error
	for _, c := range cleanup {
		err = multierr.Append(err, c)
	}
	return err
}
