package lb

import (
	"sync"
	"sync/atomic"
)

// Pool is the set of replica backends currently registered for one
// hostname, with a selection strategy over them.
type Pool struct {
	mu        sync.RWMutex
	strategy  string
	backends  []*Backend
	rrCounter atomic.Uint64 // round-robin cursor, shared across every Next() call
}

// NewPool returns an empty pool using the named strategy.
func NewPool(strategy string) *Pool {
	return &Pool{strategy: strategy}
}

// Add registers a backend, idempotent by ID — re-adding an existing ID is a
// no-op so a duplicate ready-notification can't double-register a replica.
func (p *Pool) Add(b *Backend) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.backends {
		if existing.ID == b.ID {
			return
		}
	}
	p.backends = append(p.backends, b)
}

// Remove deletes the backend with the given ID, if present.
func (p *Pool) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, b := range p.backends {
		if b.ID == id {
			p.backends = append(p.backends[:i], p.backends[i+1:]...)
			return
		}
	}
}

// SetHealthy flips the health flag of the backend with the given ID.
func (p *Pool) SetHealthy(id string, healthy bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, b := range p.backends {
		if b.ID == id {
			b.SetHealthy(healthy)
			return
		}
	}
}

// Next picks the next backend per the pool's strategy.
func (p *Pool) Next() (*Backend, error) {
	p.mu.RLock()
	snapshot := make([]*Backend, len(p.backends))
	copy(snapshot, p.backends)
	strategy := p.strategy
	p.mu.RUnlock()

	picker, err := NewPicker(strategy, snapshot, &p.rrCounter)
	if err != nil {
		return nil, err
	}
	return picker.Next()
}

// Done releases the in-flight connection slot acquired by Next.
func (p *Pool) Done(b *Backend) { b.decConns() }

// HealthyCount returns the number of currently healthy backends.
func (p *Pool) HealthyCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, b := range p.backends {
		if b.IsHealthy() {
			n++
		}
	}
	return n
}

// TotalCount returns the total number of registered backends, healthy or not.
func (p *Pool) TotalCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.backends)
}

// Ports returns the loopback ports of every registered backend.
func (p *Pool) Ports() []int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]int, len(p.backends))
	for i, b := range p.backends {
		out[i] = b.Port
	}
	return out
}

// Backends returns a snapshot of every registered backend, for callers (the
// Health Monitor) that need both ID and Port together.
func (p *Pool) Backends() []*Backend {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Backend, len(p.backends))
	copy(out, p.backends)
	return out
}

// Manager owns one Pool per hostname.
type Manager struct {
	mu    sync.RWMutex
	pools map[string]*Pool
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{pools: make(map[string]*Pool)}
}

// GetOrCreate returns the pool for hostname, creating it with the given
// strategy on first use.
func (m *Manager) GetOrCreate(hostname, strategy string) *Pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[hostname]
	if !ok {
		p = NewPool(strategy)
		m.pools[hostname] = p
	}
	return p
}

// Get returns the pool for hostname, if it has been created.
func (m *Manager) Get(hostname string) (*Pool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[hostname]
	return p, ok
}

// Remove deletes a hostname's pool entirely (used when a backend spec is
// removed from the registry).
func (m *Manager) Remove(hostname string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pools, hostname)
}

// Hostnames lists every hostname with a live pool.
func (m *Manager) Hostnames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.pools))
	for h := range m.pools {
		out = append(out, h)
	}
	return out
}
