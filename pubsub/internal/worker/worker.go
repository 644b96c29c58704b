package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var ErrClosed = errors.New("worker: pool closed")

// Pool runs submitted jobs on a fixed number of goroutines. A queued job whose
// context has ended by the time a worker picks it up is dropped, not run.
type Pool struct {
	size    int
	ch      chan job
	once    sync.Once
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	running atomic.Int64
	dropped atomic.Int64
}

type job struct {
	ctx context.Context
	fn  func(context.Context)
}

func New(size int, queue int) *Pool {
	if size <= 0 {
		size = 1
	}
	if queue <= 0 {
		queue = size
	}
	p := &Pool{
		size: size,
		ch:   make(chan job, queue),
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for j := range p.ch {
				if j.ctx.Err() != nil {
					p.dropped.Add(1)
					continue
				}
				p.running.Add(1)
				j.fn(j.ctx)
				p.running.Add(-1)
			}
		}()
	}
	return p
}

// Submit queues fn. It blocks while the queue is full.
func (p *Pool) Submit(ctx context.Context, fn func(context.Context)) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	select {
	case p.ch <- job{ctx: ctx, fn: fn}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) Size() int { return p.size }

// Queued is the number of jobs waiting for a worker.
func (p *Pool) Queued() int { return len(p.ch) }

func (p *Pool) Running() int { return int(p.running.Load()) }

// Dropped counts queued jobs skipped because their context had ended.
func (p *Pool) Dropped() int { return int(p.dropped.Load()) }

func (p *Pool) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.ch)
	})
}

func (p *Pool) Wait() {
	p.wg.Wait()
}
