package lb

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
)

// ErrNoHealthyBackend is returned when every backend in the pool is unhealthy.
var ErrNoHealthyBackend = errors.New("lb: no healthy backend available")

// Picker selects the next backend port for an incoming request. Done must
// be called exactly once after the proxied request completes, regardless of
// outcome, so LeastConnections stays accurate.
type Picker interface {
	Next() (*Backend, error)
	Done(b *Backend)
}

// NewPicker constructs the Picker named by strategy. Valid names:
// "round_robin" (default), "random", "least_connections".
//
// counter is the round-robin cursor. It must be the same *atomic.Uint64
// across every call for a given pool — NewPicker is cheap to call per
// request, but the cursor it rotates has to outlive any single call, or
// round-robin never advances past index 0. Pass nil to get a picker with
// its own private, zero-valued cursor (only correct when the caller also
// owns the Picker across repeated Next() calls, e.g. in tests).
func NewPicker(strategy string, backends []*Backend, counter *atomic.Uint64) (Picker, error) {
	switch strategy {
	case "round_robin", "":
		if counter == nil {
			counter = new(atomic.Uint64)
		}
		return &roundRobin{backends: backends, counter: counter}, nil
	case "random":
		return &randomPicker{backends: backends}, nil
	case "least_connections":
		return &leastConnections{backends: backends}, nil
	default:
		return nil, fmt.Errorf("lb: unknown strategy %q", strategy)
	}
}

// roundRobin cycles through healthy backends using a lock-free atomic index
// owned by the Pool, so the cursor survives across the many short-lived
// roundRobin values NewPicker constructs.
type roundRobin struct {
	backends []*Backend
	counter  *atomic.Uint64
}

func (r *roundRobin) Next() (*Backend, error) {
	healthy := healthySubset(r.backends)
	if len(healthy) == 0 {
		return nil, ErrNoHealthyBackend
	}
	idx := r.counter.Add(1) - 1
	b := healthy[idx%uint64(len(healthy))]
	b.incConns()
	return b, nil
}

func (r *roundRobin) Done(b *Backend) { b.decConns() }

// randomPicker selects a uniformly random healthy backend.
type randomPicker struct {
	backends []*Backend
}

func (r *randomPicker) Next() (*Backend, error) {
	healthy := healthySubset(r.backends)
	if len(healthy) == 0 {
		return nil, ErrNoHealthyBackend
	}
	b := healthy[rand.IntN(len(healthy))]
	b.incConns()
	return b, nil
}

func (r *randomPicker) Done(b *Backend) { b.decConns() }

// leastConnections routes to the healthy backend with fewest active
// connections. Ties resolve to whichever is encountered first in the slice —
// callers must not depend on a particular tie-break order.
type leastConnections struct {
	mu       sync.RWMutex
	backends []*Backend
}

func (l *leastConnections) Next() (*Backend, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var best *Backend
	for _, b := range l.backends {
		if !b.IsHealthy() {
			continue
		}
		if best == nil || b.ActiveConns() < best.ActiveConns() {
			best = b
		}
	}
	if best == nil {
		return nil, ErrNoHealthyBackend
	}
	best.incConns()
	return best, nil
}

func (l *leastConnections) Done(b *Backend) { b.decConns() }
