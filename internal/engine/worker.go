package engine

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkerPool bounds the goroutines spent on parallel-branch fan-out. Submit
// blocks while the pool is at capacity, so one execution's fan-out cannot
// starve the process of goroutines.
type WorkerPool struct {
	slots chan struct{}
	quit  chan struct{}

	mu     sync.Mutex
	active sync.WaitGroup
	closed bool
}

// NewWorkerPool creates a pool running at most size tasks concurrently.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		slots: make(chan struct{}, size),
		quit:  make(chan struct{}),
	}
}

// Submit runs fn on its own goroutine once a slot frees. Waiting for a slot
// honors ctx; submitting to a pool that shut down, or shuts down while
// waiting, returns ErrPoolShutdown. A panic inside fn is contained to its
// goroutine and still releases the slot.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrPoolShutdown
	}

	// Holding a slot does not mean the pool is still open: Shutdown may have
	// closed it since the select, and active.Add must never race the drain.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return ErrPoolShutdown
	}
	p.active.Add(1)
	p.mu.Unlock()

	go func() {
		defer func() {
			_ = recover()
			<-p.slots
			p.active.Done()
		}()
		_ = fn(ctx)
	}()
	return nil
}

// Shutdown rejects further submissions and blocks until running tasks drain.
// Safe to call repeatedly.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.quit)
	}
	p.mu.Unlock()
	p.active.Wait()
}
