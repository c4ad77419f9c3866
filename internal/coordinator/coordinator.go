// Package coordinator turns webhook notifications into pipeline runs,
// allowing at most one run per participant key at any time.
//
// Two strategies are available. Coalesce (the default) tries the key lock
// when a notification arrives and, if the key is busy, parks the
// notification in a one-slot buffer that the running pipeline picks up when
// it finishes. Resubmit puts a task on the pool that tries the lock and
// re-queues itself until it wins.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mattjoyce/evexec/internal/dispatch"
	"github.com/mattjoyce/evexec/internal/lock"
	"github.com/mattjoyce/evexec/internal/pipeline"
)

// Strategy selects how contention on a busy key is handled.
type Strategy string

const (
	StrategyCoalesce Strategy = "coalesce"
	StrategyResubmit Strategy = "resubmit"
)

// ParseStrategy maps a config value to a Strategy. Empty selects coalesce.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "", StrategyCoalesce:
		return StrategyCoalesce, nil
	case StrategyResubmit:
		return StrategyResubmit, nil
	default:
		return "", fmt.Errorf("unknown coordinator strategy %q (want %q or %q)", s, StrategyCoalesce, StrategyResubmit)
	}
}

// Dispatcher queues tasks for asynchronous execution.
type Dispatcher interface {
	Dispatch(task dispatch.Task) error
}

// Pipeline runs the two flows for one notification. Check rejects
// notifications the flows must never run for.
type Pipeline interface {
	Check(n pipeline.Notification) error
	Registration(ctx context.Context, n pipeline.Notification) pipeline.Report
	Push(ctx context.Context, n pipeline.Notification) pipeline.Report
}

type Config struct {
	Strategy Strategy
	// SerializeRegistration routes registrations through the key lock too.
	// When false, registrations run as soon as a worker is free.
	SerializeRegistration bool
}

// Stats are cumulative coordinator counters.
type Stats struct {
	Keys      int    `json:"keys"`
	Pending   int    `json:"pending"`
	Runs      uint64 `json:"runs"`
	Resubmits uint64 `json:"resubmits"`
	Coalesced uint64 `json:"coalesced"`
}

type job struct {
	kind pipeline.Kind
	n    pipeline.Notification
}

type Coordinator struct {
	ctx    context.Context
	pool   Dispatcher
	locks  *lock.Registry
	pipe   Pipeline
	events pipeline.Publisher
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]job

	runs      atomic.Uint64
	resubmits atomic.Uint64
	coalesced atomic.Uint64
}

// New creates a Coordinator. ctx bounds every pipeline run it starts; events
// may be nil.
func New(ctx context.Context, pool Dispatcher, locks *lock.Registry, pipe Pipeline, events pipeline.Publisher, cfg Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyCoalesce
	}
	return &Coordinator{
		ctx:     ctx,
		pool:    pool,
		locks:   locks,
		pipe:    pipe,
		events:  events,
		cfg:     cfg,
		logger:  logger.With("component", "coordinator", "strategy", string(cfg.Strategy)),
		pending: make(map[string]job),
	}
}

// Registration schedules the registration flow for n and returns without
// waiting for it.
func (c *Coordinator) Registration(n pipeline.Notification) error {
	if err := c.pipe.Check(n); err != nil {
		return err
	}
	j := job{kind: pipeline.KindRegistration, n: n}
	if !c.cfg.SerializeRegistration {
		key := n.Key()
		c.locks.Init(key)
		if c.locks.State(key) == lock.Busy {
			c.logger.Warn("registration overlaps a running pipeline", "participant", key)
		}
		return c.dispatch(j, func() { c.execute(j) })
	}
	return c.submit(j)
}

// Push schedules the push flow for n and returns without waiting for it.
func (c *Coordinator) Push(n pipeline.Notification) error {
	if err := c.pipe.Check(n); err != nil {
		return err
	}
	return c.submit(job{kind: pipeline.KindPush, n: n})
}

// Stats returns a snapshot of the coordinator counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	pending := len(c.pending)
	c.mu.Unlock()
	return Stats{
		Keys:      c.locks.Len(),
		Pending:   pending,
		Runs:      c.runs.Load(),
		Resubmits: c.resubmits.Load(),
		Coalesced: c.coalesced.Load(),
	}
}

func (c *Coordinator) submit(j job) error {
	c.locks.Init(j.n.Key())
	if c.cfg.Strategy == StrategyResubmit {
		return c.dispatch(j, c.contend(j))
	}
	return c.admit(j)
}

// admit starts j now if its key is idle, otherwise parks it.
func (c *Coordinator) admit(j job) error {
	key := j.n.Key()

	c.mu.Lock()
	if c.locks.TryAcquire(key) {
		c.mu.Unlock()
		return c.start(j)
	}
	c.parkLocked(j)
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) parkLocked(j job) {
	key := j.n.Key()
	prev, ok := c.pending[key]
	if !ok {
		c.pending[key] = j
		c.logger.Debug("key busy, notification parked", "participant", key, "kind", string(j.kind))
		return
	}

	dropped := prev
	// A parked push already covers registration when the workspace is missing.
	if prev.kind == pipeline.KindPush && j.kind == pipeline.KindRegistration {
		dropped = j
	} else {
		c.pending[key] = j
	}
	c.coalesced.Add(1)
	c.logger.Info("notification coalesced",
		"participant", key,
		"dropped_kind", string(dropped.kind),
		"dropped_fingerprint", dropped.n.Fingerprint(),
		"pending_kind", string(c.pending[key].kind),
	)
	c.publish("push.coalesced", map[string]any{
		"participant":  key,
		"dropped_kind": dropped.kind,
		"pending_kind": c.pending[key].kind,
	})
}

// start dispatches j, which must already hold its key.
func (c *Coordinator) start(j job) error {
	err := c.dispatch(j, func() {
		defer c.finish(j.n.Key())
		c.execute(j)
	})
	if err != nil {
		c.locks.Release(j.n.Key())
	}
	return err
}

// finish releases key and starts the parked notification, if any.
func (c *Coordinator) finish(key string) {
	if c.cfg.Strategy == StrategyResubmit {
		c.locks.Release(key)
		return
	}

	c.mu.Lock()
	c.locks.Release(key)
	next, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
		ok = c.locks.TryAcquire(key)
	}
	c.mu.Unlock()

	if ok {
		c.logger.Debug("starting parked notification", "participant", key, "kind", string(next.kind))
		if err := c.start(next); err != nil {
			c.logger.Warn("parked notification dropped", "participant", key, "error", err)
		}
	}
}

// contend is the resubmit task: it runs j when the key is free and
// re-queues itself otherwise. Only one copy of the task is ever queued, so
// spins needs no lock. Every spin is counted in Stats; the hub sees one
// push.resubmitted event per notification, on its first spin.
func (c *Coordinator) contend(j job) dispatch.Task {
	var (
		task  dispatch.Task
		spins uint64
	)
	task = func() {
		key := j.n.Key()
		if c.locks.TryAcquire(key) {
			defer c.finish(key)
			if spins > 0 {
				c.logger.Debug("resubmitted notification started", "participant", key, "kind", string(j.kind), "spins", spins)
			}
			c.execute(j)
			return
		}
		c.resubmits.Add(1)
		spins++
		if spins == 1 {
			c.logger.Debug("key busy, resubmitting", "participant", key, "kind", string(j.kind))
			c.publish("push.resubmitted", map[string]any{"participant": key, "kind": j.kind})
		}
		if err := c.pool.Dispatch(task); err != nil {
			c.logger.Warn("resubmit failed, notification dropped", "participant", key, "spins", spins, "error", err)
		}
	}
	return task
}

func (c *Coordinator) dispatch(j job, task dispatch.Task) error {
	if err := c.pool.Dispatch(task); err != nil {
		return fmt.Errorf("dispatch %s for %s: %w", j.kind, j.n.Key(), err)
	}
	return nil
}

func (c *Coordinator) execute(j job) {
	c.runs.Add(1)
	switch j.kind {
	case pipeline.KindRegistration:
		c.pipe.Registration(c.ctx, j.n)
	default:
		c.pipe.Push(c.ctx, j.n)
	}
}

func (c *Coordinator) publish(eventType string, data any) {
	if c.events != nil {
		c.events.Publish(eventType, data)
	}
}
