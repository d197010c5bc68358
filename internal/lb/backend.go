// Package lb implements the Load Balancer (C4): a per-hostname pool of
// healthy replica ports with a pluggable selection strategy. Unlike an
// HTTP-reverse-proxy load balancer, backends here are addressed by loopback
// port, not by URL — C8 dials the chosen port directly through C1.
package lb

import "sync/atomic"

// Backend is one replica port of a hostname's pool.
type Backend struct {
	ID   string
	Port int

	healthy     atomic.Bool
	activeConns atomic.Int64
	weight      atomic.Int32
}

// NewBackend returns a Backend marked unhealthy until SetHealthy(true) is
// called; an unhealthy Backend is never selected. The Instance Manager calls
// SetHealthy(true) itself when it registers a freshly spawned replica.
func NewBackend(id string, port int, weight int) *Backend {
	b := &Backend{ID: id, Port: port}
	b.weight.Store(int32(weight))
	return b
}

func (b *Backend) IsHealthy() bool    { return b.healthy.Load() }
func (b *Backend) SetHealthy(v bool)  { b.healthy.Store(v) }
func (b *Backend) ActiveConns() int64 { return b.activeConns.Load() }
func (b *Backend) Weight() int        { return int(b.weight.Load()) }

func (b *Backend) incConns() int64 { return b.activeConns.Add(1) }
func (b *Backend) decConns() int64 {
	for {
		cur := b.activeConns.Load()
		if cur <= 0 {
			return 0
		}
		if b.activeConns.CompareAndSwap(cur, cur-1) {
			return cur - 1
		}
	}
}

// healthySubset returns only the healthy backends from the given slice.
func healthySubset(all []*Backend) []*Backend {
	out := make([]*Backend, 0, len(all))
	for _, b := range all {
		if b.IsHealthy() {
			out = append(out, b)
		}
	}
	return out
}
