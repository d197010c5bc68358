// Package admin implements the Admin Callback Endpoint (C9): a loopback-
// bound HTTP server serving unauthenticated /health and /version, plus
// bearer-authenticated /ready/<hostname> and /backends, and Prometheus
// /metrics. Grounded on the teacher's internal/admin/server.go
// (mux-per-method-path, jsonOK/jsonErr helpers) and
// original_source/src/admin.rs (bearer check, ready/backends shape).
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"paasproxy/internal/metrics"
	"paasproxy/internal/registry"
	"paasproxy/internal/supervisor"
)

// idleCleanupInterval matches spec.md §4.9's "every 10s" idle sweep.
const idleCleanupInterval = 10 * time.Second

// Server is the Admin Callback Endpoint.
type Server struct {
	reg   *registry.Registry
	sup   *supervisor.Supervisor
	token string

	startTime time.Time
	version   string
	srv       *http.Server

	cleanupCancel context.CancelFunc
	cleanupDone   chan struct{}
}

// New builds an admin Server bound to listenAddr (loopback only). If token
// is empty, a random one is generated and logged once, per spec.md §4.9.
// met may be nil, in which case /metrics serves an empty registry.
func New(reg *registry.Registry, sup *supervisor.Supervisor, listenAddr, token, version string, met *metrics.Metrics) *Server {
	if token == "" {
		token = uuid.New().String()
		slog.Info("admin: no token configured, generated a random one for this run", "token", token)
	}

	s := &Server{
		reg:       reg,
		sup:       sup,
		token:     token,
		startTime: time.Now(),
		version:   version,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.Handle("GET /metrics", met.Handler())
	mux.HandleFunc("POST /ready/{hostname}", s.withAuth(s.handleReady))
	mux.HandleFunc("GET /backends", s.withAuth(s.handleBackends))

	s.srv = &http.Server{
		Addr:         listenAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start begins listening in a background goroutine and kicks off the idle
// cleanup loop, colocated here per spec.md §4.9.
func (s *Server) Start() {
	go func() {
		slog.Info("admin: listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("admin: server error", "error", err)
		}
	}()
	s.startCleanupLoop()
}

// startCleanupLoop runs Supervisor.CleanupIdle every idleCleanupInterval for
// each registered hostname's own effective defaults, matching spec.md §4.9's
// per-backend idle-window override.
func (s *Server) startCleanupLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cleanupCancel = cancel
	s.cleanupDone = make(chan struct{})

	go func() {
		defer close(s.cleanupDone)
		ticker := time.NewTicker(idleCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				// CleanupIdle consults each replica's own spawn-time spec for
				// its effective idle window, so one call covers every hostname.
				s.sup.CleanupIdle(ctx, s.reg.Defaults())
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop gracefully shuts down the admin server and the idle cleanup loop.
func (s *Server) Stop(ctx context.Context) error {
	if s.cleanupCancel != nil {
		s.cleanupCancel()
		<-s.cleanupDone
	}
	return s.srv.Shutdown(ctx)
}

// Handler exposes the underlying mux for tests (e.g. httptest.NewServer).
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix ||
			subtle.ConstantTimeCompare([]byte(header[len(prefix):]), []byte(s.token)) != 1 {
			jsonErr(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	jsonOK(w, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	jsonOK(w, map[string]string{
		"version": s.version,
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
	})
}

// handleReady implements POST /ready/<hostname>: calls Supervisor.MarkReady
// and reports whether the transition actually happened.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	hostname := r.PathValue("hostname")
	if hostname == "" {
		jsonErr(w, "hostname is required", http.StatusBadRequest)
		return
	}
	if !s.sup.MarkReady(hostname) {
		jsonErr(w, "not starting or unhealthy", http.StatusNotFound)
		return
	}
	jsonOK(w, map[string]string{"status": "ready"})
}

type backendSnapshot struct {
	Hostname string `json:"hostname"`
	State    string `json:"state"`
	Port     int    `json:"port"`
	InFlight int    `json:"in_flight"`
}

// handleBackends returns a snapshot of {hostname, state, port, in_flight}
// for every registered backend, per spec.md §4.9.
func (s *Server) handleBackends(w http.ResponseWriter, _ *http.Request) {
	hostnames := s.reg.Hostnames()
	out := make([]backendSnapshot, 0, len(hostnames))
	for _, h := range hostnames {
		port, _ := s.sup.Port(h)
		out = append(out, backendSnapshot{
			Hostname: h,
			State:    s.sup.State(h).String(),
			Port:     port,
			InFlight: s.sup.InFlight(h),
		})
	}
	jsonOK(w, out)
}

func jsonOK(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func jsonErr(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
