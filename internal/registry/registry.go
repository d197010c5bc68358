// Package registry holds the authoritative {hostname → spec} map (C2). It is
// the single source of truth read by the Request Router and written by
// config hot-reload: reads take a shared read lock and return copies, and a reload diffs the
// incoming generation against the current one.
package registry

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"paasproxy/internal/config"
)

// Diff reports the result of a Reload: hostnames that are new, hostnames
// that disappeared (the caller must drive Supervisor.Stop for each), and
// hostnames that were present in both generations.
type Diff struct {
	Added    []string
	Removed  []string
	Retained []string
}

// Registry is a thread-safe snapshot of the current backend generation.
type Registry struct {
	mu         sync.RWMutex
	generation uuid.UUID
	backends   map[string]config.BackendSpec
	defaults   config.Defaults
}

// New builds a Registry seeded with an initial generation.
func New(backends map[string]config.BackendSpec, defaults config.Defaults) *Registry {
	return &Registry{
		generation: uuid.New(),
		backends:   cloneBackends(backends),
		defaults:   defaults,
	}
}

// Generation returns the id of the currently active backend set.
func (r *Registry) Generation() uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}

// Lookup returns the spec for hostname and whether it exists.
func (r *Registry) Lookup(hostname string) (config.BackendSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[hostname]
	return b, ok
}

// Defaults returns the currently active defaults block.
func (r *Registry) Defaults() config.Defaults {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults
}

// Hostnames returns a snapshot of every registered hostname.
func (r *Registry) Hostnames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.backends))
	for h := range r.backends {
		out = append(out, h)
	}
	return out
}

// Reload swaps in a new backend map and defaults block, diffing against the
// current generation. Retained hostnames keep serving under their existing
// replica; per spec, a changed port on a retained hostname does not force a
// stop — it only takes effect on that hostname's next spawn.
func (r *Registry) Reload(backends map[string]config.BackendSpec, defaults config.Defaults) Diff {
	r.mu.Lock()
	defer r.mu.Unlock()

	var diff Diff
	for h, newSpec := range backends {
		old, existed := r.backends[h]
		if !existed {
			diff.Added = append(diff.Added, h)
			continue
		}
		diff.Retained = append(diff.Retained, h)
		if old.Port != newSpec.Port {
			slog.Warn("reload: port changed on a retained backend; deferred to next restart",
				"hostname", h, "old_port", old.Port, "new_port", newSpec.Port)
		}
	}
	for h := range r.backends {
		if _, stillPresent := backends[h]; !stillPresent {
			diff.Removed = append(diff.Removed, h)
		}
	}

	r.backends = cloneBackends(backends)
	r.defaults = defaults
	r.generation = uuid.New()

	slog.Info("registry reloaded",
		"generation", r.generation,
		"added", len(diff.Added), "removed", len(diff.Removed), "retained", len(diff.Retained))

	return diff
}

func cloneBackends(in map[string]config.BackendSpec) map[string]config.BackendSpec {
	out := make(map[string]config.BackendSpec, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
