// Package health implements the Health Monitor (C5): a single periodic task
// that TCP-probes every running replica's port, maintains per-replica
// consecutive success/failure counters, and fires edge-triggered
// healthy/unhealthy transitions into the Load Balancer and the Instance
// Supervisor. Grounded on the teacher's ticker-driven Monitor
// (internal/health/monitor.go), generalized from HTTP-GET probing to a bare
// TCP connect per spec.md §4.5, and wired to notify C3 instead of only
// flipping a local flag.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"paasproxy/internal/metrics"
	"paasproxy/internal/pool"
)

// Replica is the minimal view of a running instance the monitor needs:
// an identity for edge tracking and the loopback port to probe.
type Replica struct {
	Hostname string
	ID       string
	Port     int
}

// Source supplies the current set of replicas to probe on each tick. The
// Load Balancer's Manager.Hostnames()+Pool.Backends() combination, which
// carries both ID and Port, is the usual backing implementation.
type Source interface {
	Replicas() []Replica
}

// Notifier receives edge-triggered health transitions.
type Notifier interface {
	// NotifyHealthy is called on the Unhealthy→Healthy (or first-ever
	// success) edge for a replica.
	NotifyHealthy(hostname, replicaID string)
	// NotifyUnhealthy is called once the consecutive-failure threshold is
	// crossed for a replica that was previously considered healthy.
	NotifyUnhealthy(hostname, replicaID string)
}

// Config holds the monitor's tunables; defaults match spec.md §4.5.
type Config struct {
	Interval         time.Duration // default 30s
	ProbeTimeout     time.Duration // default 5s
	SuccessThreshold int           // default 1
	FailureThreshold int           // default 3
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		Interval:         30 * time.Second,
		ProbeTimeout:     5 * time.Second,
		SuccessThreshold: 1,
		FailureThreshold: 3,
	}
}

type counters struct {
	consecutiveSuccess int
	consecutiveFailure int
	healthy            bool
}

// Monitor runs the periodic probe loop.
type Monitor struct {
	cfg      Config
	source   Source
	notifier Notifier
	met      *metrics.Metrics // nil-safe; metrics.New() wires the real collector

	mu    sync.Mutex
	state map[string]*counters // keyed by hostname + "/" + replicaID

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Monitor; call Start to begin probing. Pass nil for met to
// run without recording the total-health-checks-sent counter.
func New(source Source, notifier Notifier, cfg Config, met *metrics.Metrics) *Monitor {
	return &Monitor{
		cfg:      cfg,
		source:   source,
		notifier: notifier,
		met:      met,
		state:    make(map[string]*counters),
	}
}

// Start begins the background probe loop, with an immediate first pass so
// replicas are classified quickly at startup.
func (m *Monitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		m.probeAll(ctx)
		for {
			select {
			case <-ticker.C:
				m.probeAll(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the background loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) probeAll(ctx context.Context) {
	replicas := m.source.Replicas()

	var wg sync.WaitGroup
	for _, r := range replicas {
		wg.Add(1)
		go func(r Replica) {
			defer wg.Done()
			m.probeOne(ctx, r)
		}(r)
	}
	wg.Wait()
}

func (m *Monitor) probeOne(ctx context.Context, r Replica) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	err := pool.TCPProbe(probeCtx, r.Port)
	m.met.ObserveHealthCheck()

	key := r.Hostname + "/" + r.ID
	m.mu.Lock()
	st, ok := m.state[key]
	if !ok {
		st = &counters{}
		m.state[key] = st
	}
	m.mu.Unlock()

	if err == nil {
		st.consecutiveFailure = 0
		st.consecutiveSuccess++
		if !st.healthy && st.consecutiveSuccess >= m.cfg.SuccessThreshold {
			st.healthy = true
			slog.Info("health: replica became healthy", "hostname", r.Hostname, "replica", r.ID)
			m.notifier.NotifyHealthy(r.Hostname, r.ID)
		}
		return
	}

	st.consecutiveSuccess = 0
	st.consecutiveFailure++
	if st.healthy && st.consecutiveFailure >= m.cfg.FailureThreshold {
		st.healthy = false
		slog.Warn("health: replica became unhealthy",
			"hostname", r.Hostname, "replica", r.ID, "error", err)
		m.notifier.NotifyUnhealthy(r.Hostname, r.ID)
	}
}

// Forget drops tracking state for a replica that has been stopped, so a
// future replica reusing the same id starts with a clean counter.
func (m *Monitor) Forget(hostname, replicaID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.state, hostname+"/"+replicaID)
}
