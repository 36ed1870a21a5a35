package pending

import (
	"context"
	"sync"
	"time"
)

// Registry tracks every outstanding timer and cancellable request context so a
// shutdown can terminate all of them in one pass. Callbacks of timers that were
// stopped or shut down never fire.
type Registry struct {
	mu      sync.Mutex
	closed  bool
	nextID  uint64
	timers  map[uint64]*time.Timer
	cancels map[uint64]context.CancelFunc
}

func NewRegistry() *Registry {
	return &Registry{
		timers:  make(map[uint64]*time.Timer),
		cancels: make(map[uint64]context.CancelFunc),
	}
}

// AfterFunc schedules fn after d and returns a cancel func. The callback
// deregisters itself before running; once Shutdown has been called, or after
// cancel, fn does not run.
func (r *Registry) AfterFunc(d time.Duration, fn func()) (cancel func()) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return func() {}
	}
	r.nextID++
	id := r.nextID
	t := time.AfterFunc(d, func() {
		r.mu.Lock()
		_, live := r.timers[id]
		if live && !r.closed {
			delete(r.timers, id)
		}
		closed := r.closed
		r.mu.Unlock()
		if !live || closed {
			return
		}
		fn()
	})
	r.timers[id] = t
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		if t, ok := r.timers[id]; ok {
			t.Stop()
			delete(r.timers, id)
		}
		r.mu.Unlock()
	}
}

// WithTimeout derives a request context with deadline d that is also cancelled
// by Shutdown. The returned cancel must be called when the request completes;
// it deregisters the entry.
func (r *Registry) WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(parent, d)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return ctx, func() {}
	}
	r.nextID++
	id := r.nextID
	r.cancels[id] = cancel
	r.mu.Unlock()

	return ctx, func() {
		r.mu.Lock()
		c, ok := r.cancels[id]
		delete(r.cancels, id)
		r.mu.Unlock()
		if ok {
			c()
		}
	}
}

// Outstanding reports how many timers and contexts are still registered.
func (r *Registry) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers) + len(r.cancels)
}

// Shutdown stops all pending timers and cancels all registered contexts.
// Further registrations are no-ops.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.closed = true
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
	for id, c := range r.cancels {
		c()
		delete(r.cancels, id)
	}
	r.mu.Unlock()
}
