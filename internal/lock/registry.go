package lock

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// KeyState is the run state of one participant key.
type KeyState int32

const (
	Idle KeyState = iota
	Busy
)

func (s KeyState) String() string {
	if s == Busy {
		return "busy"
	}
	return "idle"
}

type keySlot struct {
	state atomic.Int32
}

// Registry tracks, per participant key, whether a pipeline is running.
//
// Entries are created on first observation of a key and are never removed, so
// memory grows with the number of distinct keys seen over the process
// lifetime. Len exposes that growth.
type Registry struct {
	slots  sync.Map // string -> *keySlot
	count  atomic.Int64
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger.With("component", "keylock")}
}

func (r *Registry) slot(key string) *keySlot {
	if s, ok := r.slots.Load(key); ok {
		return s.(*keySlot)
	}
	s, loaded := r.slots.LoadOrStore(key, &keySlot{})
	if !loaded {
		n := r.count.Add(1)
		r.logger.Debug("key registered", "participant", key, "keys", n)
	}
	return s.(*keySlot)
}

// Init records key as Idle if it has not been seen yet. It never changes the
// state of a known key.
func (r *Registry) Init(key string) {
	r.slot(key)
}

// TryAcquire marks key Busy and returns true if it was Idle (or unknown).
// A Busy key is left untouched and false is returned.
func (r *Registry) TryAcquire(key string) bool {
	return r.slot(key).state.CompareAndSwap(int32(Idle), int32(Busy))
}

// Release marks key Idle unconditionally.
func (r *Registry) Release(key string) {
	r.slot(key).state.Store(int32(Idle))
}

// State reports the current state of key. Unknown keys are Idle.
func (r *Registry) State(key string) KeyState {
	s, ok := r.slots.Load(key)
	if !ok {
		return Idle
	}
	return KeyState(s.(*keySlot).state.Load())
}

// Len returns the number of distinct keys observed.
func (r *Registry) Len() int {
	return int(r.count.Load())
}
