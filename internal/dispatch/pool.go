package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// DefaultWorkers is the pool size used when none is configured.
const DefaultWorkers = 8

// ErrPoolStopped is returned by Dispatch after Stop.
var ErrPoolStopped = errors.New("dispatch pool stopped")

// Task is one unit of work.
type Task func()

// Stats is a point-in-time view of pool load.
type Stats struct {
	Workers    int    `json:"workers"`
	Busy       int    `json:"busy"`
	Queued     int    `json:"queued"`
	Dispatched uint64 `json:"dispatched"`
	Completed  uint64 `json:"completed"`
}

// Pool runs tasks on a fixed number of workers.
type Pool struct {
	workers int
	logger  *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	backlog []Task
	started bool
	stopped bool

	busy       atomic.Int64
	dispatched atomic.Uint64
	completed  atomic.Uint64

	wg sync.WaitGroup
}

// New creates a pool with n workers. n <= 0 selects DefaultWorkers.
func New(n int, logger *slog.Logger) *Pool {
	if n <= 0 {
		n = DefaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		workers: n,
		logger:  logger.With("component", "dispatch"),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start launches the workers. Cancelling ctx has the same effect as Stop.
// Start may be called once.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("dispatch pool already started")
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolStopped
	}
	p.started = true
	p.mu.Unlock()

	for i := range p.workers {
		p.wg.Add(1)
		go p.work(i)
	}
	p.logger.Info("dispatch pool started", "workers", p.workers)

	go func() {
		<-ctx.Done()
		p.Stop()
	}()
	return nil
}

// Dispatch queues task and returns immediately.
func (p *Pool) Dispatch(task Task) error {
	if task == nil {
		return fmt.Errorf("task is nil")
	}
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolStopped
	}
	p.backlog = append(p.backlog, task)
	queued := len(p.backlog)
	p.mu.Unlock()

	p.dispatched.Add(1)
	p.cond.Signal()

	if queued > p.workers && queued%p.workers == 0 {
		p.logger.Warn("dispatch backlog growing", "queued", queued, "workers", p.workers)
	}
	return nil
}

// Stop prevents further dispatches, drops the backlog and waits for running
// tasks to return. It is safe to call more than once.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.stopped = true
	abandoned := len(p.backlog)
	p.backlog = nil
	p.mu.Unlock()

	p.cond.Broadcast()
	p.wg.Wait()
	p.logger.Info("dispatch pool stopped", "abandoned", abandoned)
}

// Stats returns current pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	queued := len(p.backlog)
	busy := p.busy.Load()
	p.mu.Unlock()
	return Stats{
		Workers:    p.workers,
		Busy:       int(busy),
		Queued:     queued,
		Dispatched: p.dispatched.Load(),
		Completed:  p.completed.Load(),
	}
}

func (p *Pool) next() (Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.backlog) == 0 && !p.stopped {
		p.cond.Wait()
	}
	if p.stopped {
		return nil, false
	}
	task := p.backlog[0]
	p.backlog[0] = nil
	p.backlog = p.backlog[1:]
	// Counted busy before the lock drops so Busy+Queued never reads zero
	// while a task is in hand.
	p.busy.Add(1)
	return task, true
}

func (p *Pool) work(id int) {
	defer p.wg.Done()
	for {
		task, ok := p.next()
		if !ok {
			return
		}
		p.run(id, task)
	}
}

func (p *Pool) run(id int, task Task) {
	defer func() {
		p.busy.Add(-1)
		p.completed.Add(1)
		if r := recover(); r != nil {
			p.logger.Error("task panicked", "worker", id, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task()
}
