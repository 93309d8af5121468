// Package executor abstracts "post a unit of work for asynchronous
// execution". The event dispatcher posts hook fan-out here.
package executor

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/lk2023060901/zeus-sub000/pkg/log"
)

// Executor accepts work for asynchronous execution.
type Executor interface {
	Post(fn func())
}

// Func adapts a function to the Executor interface.
type Func func(fn func())

// Post calls f(fn).
func (f Func) Post(fn func()) {
	f(fn)
}

// Inline runs work synchronously on the posting goroutine.
var Inline Executor = Func(func(fn func()) { fn() })

// Pool runs posted work on a fixed set of worker goroutines draining one
// FIFO queue. Tasks start in posting order; with more than one worker they
// may finish out of order, so callers needing per-source ordering use a
// pool of one. Work posted after Close is dropped.
type Pool struct {
	logger *log.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool

	tasks   sync.WaitGroup // posted and not yet finished or dropped
	workers sync.WaitGroup
	pending atomic.Int64
}

// NewPool starts a pool of workers goroutines. workers <= 0 selects
// GOMAXPROCS.
func NewPool(workers int, logger *log.Logger) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	p := &Pool{logger: logger}
	p.cond = sync.NewCond(&p.mu)

	p.workers.Add(workers)
	for i := 0; i < workers; i++ {
		go p.work()
	}
	return p
}

// Post queues fn. It never blocks the caller.
func (p *Pool) Post(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		p.logger.DebugMsg("executor: dropping work posted after close")
		return
	}
	p.tasks.Add(1)
	p.pending.Add(1)
	p.queue = append(p.queue, fn)
	p.cond.Signal()
}

func (p *Pool) work() {
	defer p.workers.Done()

	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		fn := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.run(fn)
	}
}

func (p *Pool) run(fn func()) {
	defer p.tasks.Done()
	defer p.pending.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			p.logger.ErrorMsg("executor: task panic: %v", r)
		}
	}()

	fn()
}

// Pending returns the number of tasks queued or running.
func (p *Pool) Pending() int {
	return int(p.pending.Load())
}

// Close stops accepting work, drops tasks that have not started and waits
// for running tasks to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	dropped := len(p.queue)
	p.queue = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	if dropped > 0 {
		p.logger.DebugMsg("executor: dropped %d queued tasks on close", dropped)
	}
	for i := 0; i < dropped; i++ {
		p.pending.Add(-1)
		p.tasks.Done()
	}
	p.workers.Wait()
}

// Drain waits for every task posted so far without closing the pool.
func (p *Pool) Drain() {
	p.tasks.Wait()
}
