// Package instance implements the Instance Manager (C6): multi-replica
// scaling, rolling restarts, and loopback port allocation, layered above
// the Instance Supervisor (C3) and the Load Balancer (C4). Grounded on
// original_source/src/instance.rs (allocate_port's wraparound scan,
// rolling_restart's spawn→wait→stop-old sequence, scale's newest-first
// scale-down).
package instance

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"paasproxy/internal/config"
	"paasproxy/internal/lb"
	"paasproxy/internal/pool"
	"paasproxy/internal/supervisor"
)

const (
	portRangeStart = 10000
	portRangeEnd   = 20000
)

// ScaleResult reports how a scale() call changed a pool.
type ScaleResult struct {
	Added   int
	Removed int
}

// RestartResult reports a rolling_restart's outcome.
type RestartResult struct {
	Total      int
	Successful int
	Failed     int
}

type replicaRecord struct {
	id        string
	port      int
	startedAt time.Time
}

// Manager owns per-hostname replica sets, a port allocator, and the wiring
// between the Supervisor (lifecycle) and the Load Balancer (routing).
type Manager struct {
	sup *supervisor.Supervisor
	lb  *lb.Manager

	mu          sync.Mutex
	nextPort    int
	assigned    map[int]bool
	replicasets map[string][]*replicaRecord // hostname -> replicas, oldest first
}

// New builds a Manager.
func New(sup *supervisor.Supervisor, lbMgr *lb.Manager) *Manager {
	return &Manager{
		sup:         sup,
		lb:          lbMgr,
		nextPort:    portRangeStart,
		assigned:    make(map[int]bool),
		replicasets: make(map[string][]*replicaRecord),
	}
}

// Scale computes the delta between target and the current replica count
// for hostname and spawns or stops replicas to reach it. Scale-down removes
// the newest replicas first so the longest-running ones survive.
func (m *Manager) Scale(ctx context.Context, hostname string, spec config.BackendSpec, defaults config.Defaults, target int) (ScaleResult, error) {
	m.mu.Lock()
	current := len(m.replicasets[hostname])
	m.mu.Unlock()

	delta := target - current
	if delta == 0 {
		return ScaleResult{}, nil
	}

	if delta > 0 {
		added := 0
		for i := 0; i < delta; i++ {
			if err := m.spawnReplica(ctx, hostname, spec, defaults); err != nil {
				slog.Error("instance: scale-up spawn failed", "hostname", hostname, "error", err)
				continue
			}
			added++
		}
		return ScaleResult{Added: added}, nil
	}

	m.mu.Lock()
	set := append([]*replicaRecord(nil), m.replicasets[hostname]...)
	m.mu.Unlock()
	sort.Slice(set, func(i, j int) bool { return set[i].startedAt.After(set[j].startedAt) })

	removed := 0
	for i := 0; i < -delta && i < len(set); i++ {
		m.stopReplica(ctx, hostname, set[i].id, defaults)
		removed++
	}
	return ScaleResult{Removed: removed}, nil
}

// RollingRestart replaces every currently running replica of hostname one
// at a time: spawn a replacement on a fresh port, wait up to 30s (polling
// every 500ms) for it to accept TCP connections, then stop the old replica.
// A spawn failure counts as failed and moves on; a readiness failure stops
// the new replica and keeps the old one running.
func (m *Manager) RollingRestart(ctx context.Context, hostname string, spec config.BackendSpec, defaults config.Defaults) RestartResult {
	m.mu.Lock()
	set := append([]*replicaRecord(nil), m.replicasets[hostname]...)
	m.mu.Unlock()

	result := RestartResult{Total: len(set)}
	if len(set) == 0 {
		return result
	}

	for _, old := range set {
		newID, newPort, err := m.allocateAndRegister(hostname, spec, defaults)
		if err != nil {
			slog.Error("instance: rolling restart spawn failed", "hostname", hostname, "error", err)
			result.Failed++
			continue
		}

		ready := waitForTCPReady(ctx, newPort, 30*time.Second)
		if ready {
			m.stopReplica(ctx, hostname, old.id, defaults)
			result.Successful++
		} else {
			slog.Warn("instance: replacement never became ready, keeping old replica",
				"hostname", hostname, "replica", newID)
			m.stopReplica(ctx, hostname, newID, defaults)
			result.Failed++
		}
	}
	return result
}

// spawnReplica allocates a port, registers with the Load Balancer before
// the replica accepts traffic, and records it in the replica set.
func (m *Manager) spawnReplica(ctx context.Context, hostname string, spec config.BackendSpec, defaults config.Defaults) error {
	_, _, err := m.allocateAndRegister(hostname, spec, defaults)
	return err
}

// replicaKey gives each replica its own Supervisor-tracked lifecycle slot:
// the Supervisor itself is hostname-keyed and single-replica, so the
// Instance Manager fans a hostname out into one supervisor key per replica.
func replicaKey(hostname, replicaID string) string {
	return hostname + "/" + replicaID
}

func (m *Manager) allocateAndRegister(hostname string, spec config.BackendSpec, defaults config.Defaults) (string, int, error) {
	port, err := m.allocatePort()
	if err != nil {
		return "", 0, err
	}

	id := uuid.New().String()
	perReplicaSpec := spec
	perReplicaSpec.Port = port

	p := m.lb.GetOrCreate(hostname, "round_robin")
	backend := lb.NewBackend(id, port, 1)
	backend.SetHealthy(true) // spec.md §4.6: registered healthy=true on spawn
	p.Add(backend)

	m.mu.Lock()
	m.replicasets[hostname] = append(m.replicasets[hostname], &replicaRecord{
		id: id, port: port, startedAt: time.Now(),
	})
	m.mu.Unlock()

	key := replicaKey(hostname, id)
	go func() {
		if err := m.sup.EnsureReady(context.Background(), key, perReplicaSpec, defaults); err != nil {
			slog.Error("instance: replica failed to become ready", "hostname", hostname, "replica", id, "error", err)
		}
	}()

	return id, port, nil
}

// stopReplica deregisters the replica from the Load Balancer first (so no
// new requests arrive), then lets the Supervisor drain and terminate it,
// then releases its port.
func (m *Manager) stopReplica(ctx context.Context, hostname, replicaID string, defaults config.Defaults) {
	if p, ok := m.lb.Get(hostname); ok {
		p.Remove(replicaID)
	}
	m.sup.Stop(ctx, replicaKey(hostname, replicaID), defaults)

	m.mu.Lock()
	set := m.replicasets[hostname]
	for i, r := range set {
		if r.id == replicaID {
			m.release(r.port)
			m.replicasets[hostname] = append(set[:i], set[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
}

// allocatePort scans forward from the last-assigned port, wrapping around
// the reserved range, skipping ports already assigned or in use on the host.
func (m *Manager) allocatePort() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	attempts := 0
	maxAttempts := portRangeEnd - portRangeStart
	for attempts <= maxAttempts {
		port := m.nextPort
		m.nextPort++
		if m.nextPort >= portRangeEnd {
			m.nextPort = portRangeStart
		}

		attempts++
		if m.assigned[port] {
			continue
		}
		if !isPortAvailable(port) {
			continue
		}
		m.assigned[port] = true
		return port, nil
	}
	return 0, fmt.Errorf("instance: no available ports in range %d-%d", portRangeStart, portRangeEnd)
}

func (m *Manager) release(port int) {
	delete(m.assigned, port)
}

func isPortAvailable(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

func waitForTCPReady(ctx context.Context, port int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := pool.TCPProbe(ctx, port); err == nil {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(500 * time.Millisecond):
		}
	}
	return false
}
