// Package proxy is the Request Router (C8): the per-request algorithm of
// spec.md §4.8. It extracts and validates the Host header, looks up the
// backend spec in the Registry (C2), drives the Supervisor (C3) to a Ready
// replica, selects a port through the Load Balancer (C4), and forwards the
// request through the Connection Pool (C1) — or, for Connection: upgrade
// requests, tunnels raw bytes per §4.8.a. Grounded on the teacher's
// internal/proxy/proxy.go (director/modifyResponse/errorHandler shape,
// generalized away from httputil.ReverseProxy) and corrected against
// original_source/src/proxy.rs's exact header and upgrade semantics.
package proxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"paasproxy/internal/config"
	"paasproxy/internal/lb"
	"paasproxy/internal/metrics"
	"paasproxy/internal/perr"
	"paasproxy/internal/pool"
	"paasproxy/internal/registry"
	"paasproxy/internal/supervisor"
)

const maxHostnameLen = 253

// Router is the central http.Handler implementing C8.
type Router struct {
	reg *registry.Registry
	sup *supervisor.Supervisor
	lb  *lb.Manager
	pl  *pool.Pool
	met *metrics.Metrics // nil-safe; metrics.New() wires the real collectors

	mu sync.Mutex
}

// New builds a Router wired to the Registry, Supervisor, Load Balancer
// manager, Connection Pool, and (optionally) a Metrics sink — pass nil for
// met to run without recording domain metrics.
func New(reg *registry.Registry, sup *supervisor.Supervisor, lbMgr *lb.Manager, pl *pool.Pool, met *metrics.Metrics) *Router {
	return &Router{
		reg: reg,
		sup: sup,
		lb:  lbMgr,
		pl:  pl,
		met: met,
	}
}

// ServeHTTP implements the per-request algorithm of spec.md §4.8. ACME
// HTTP-01 short-circuit and HTTPS-redirect (steps 1–2) happen in
// internal/frontdoor before the request ever reaches the Router.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hostname, err := extractHostname(r)
	if err != nil {
		perr.WriteJSON(w, perr.MissingHostHeader, "missing or invalid Host header")
		return
	}

	clientIP := clientIPOf(r)
	r.Header.Set("X-Forwarded-For", clientIP)
	r.Header.Set("X-Forwarded-Host", hostname)
	r.Header.Set("X-Forwarded-Proto", requestScheme(r))
	if r.Header.Get("X-Request-Id") == "" {
		r.Header.Set("X-Request-Id", newRequestID())
	}

	spec, ok := rt.reg.Lookup(hostname)
	if !ok {
		perr.WriteJSON(w, perr.UnknownHost, "not found")
		return
	}
	defaults := rt.reg.Defaults()

	switch rt.sup.State(hostname) {
	case supervisor.Stopping:
		rt.met.ObserveError(hostname)
		perr.WriteJSON(w, perr.BackendShutting, "backend is shutting down")
		return
	case supervisor.Unhealthy:
		rt.met.ObserveError(hostname)
		perr.WriteJSON(w, perr.BackendUnhealthy, "backend is unhealthy")
		return
	}

	if err := rt.sup.EnsureReady(r.Context(), hostname, spec, defaults); err != nil {
		rt.met.ObserveError(hostname)
		if resp, ok := err.(perr.Response); ok {
			perr.WriteJSON(w, resp.Code, resp.Message)
			return
		}
		perr.WriteJSON(w, perr.BackendStartFail, "backend did not become ready")
		return
	}
	rt.sup.Touch(hostname)

	p := rt.ensureRegistered(hostname, spec)

	if isUpgradeRequest(r) {
		if !rt.sup.TryIncrement(hostname) {
			perr.WriteJSON(w, perr.BackendShutting, "backend is shutting down")
			return
		}
		defer rt.sup.Decrement(hostname)
		rt.handleUpgrade(w, r, p, defaults, spec)
		return
	}

	if !rt.sup.TryIncrement(hostname) {
		perr.WriteJSON(w, perr.BackendShutting, "backend is shutting down")
		return
	}
	defer rt.sup.Decrement(hostname)

	backend, err := p.Next()
	if err != nil {
		rt.met.ObserveError(hostname)
		perr.WriteJSON(w, perr.BackendUnhealthy, "no healthy backend available")
		return
	}
	defer p.Done(backend)

	rt.met.IncInFlight(hostname)
	defer rt.met.DecInFlight(hostname)

	ctx, cancel := context.WithTimeout(r.Context(), defaults.EffectiveRequestTimeout(spec))
	defer cancel()

	resp, err := rt.pl.Forward(ctx, backend.Port, r)
	if err != nil {
		rt.met.ObserveError(hostname)
		if ctx.Err() != nil {
			perr.WriteJSON(w, perr.RequestTimeout, "backend did not respond in time")
			return
		}
		perr.WriteJSON(w, perr.ConnectionFailed, "failed to reach backend")
		return
	}
	defer resp.Body.Close()

	rt.met.ObserveRequest(hostname)
	if resp.StatusCode >= 500 {
		rt.met.ObserveError(hostname)
	}

	copyHeaders(w.Header(), resp.Header)
	stripHopByHop(w.Header())
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// ensureRegistered registers a hostname's single-replica slot with the Load
// Balancer the first time it is observed Ready, and on every later call
// re-confirms the existing entry: EnsureReady just proved the replica live,
// so this also flips it healthy immediately rather than leaving it at
// whatever the Health Monitor last observed. Without this, a replica that
// goes through idle-stop then cold-restart stays marked unhealthy (the
// monitor flipped it on the dead port) until the next 30s probe tick, and
// Pool.Next returns ErrNoHealthyBackend for a backend the Supervisor
// already reports Ready.
func (rt *Router) ensureRegistered(hostname string, spec config.BackendSpec) *lb.Pool {
	p := rt.lb.GetOrCreate(hostname, "round_robin")

	port, ok := rt.sup.Port(hostname)
	if !ok {
		return p
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	for _, b := range p.Backends() {
		if b.ID != hostname {
			continue
		}
		if b.Port != port {
			// A new replica was spawned on a different port (e.g. after an
			// idle-stop cold-restart); drop the stale entry and fall through
			// to register the new one below.
			p.Remove(hostname)
			break
		}
		b.SetHealthy(true)
		return p
	}

	backend := lb.NewBackend(hostname, port, 1)
	backend.SetHealthy(true)
	p.Add(backend)
	return p
}

// handleUpgrade implements §4.8.a: a raw TCP tunnel to the backend for
// WebSocket-style protocol upgrades, held open for the connection's
// lifetime rather than bounded by the per-request timeout.
func (rt *Router) handleUpgrade(w http.ResponseWriter, r *http.Request, p *lb.Pool, defaults config.Defaults, spec config.BackendSpec) {
	hostname := r.Header.Get("X-Forwarded-Host")

	backend, err := p.Next()
	if err != nil {
		rt.met.ObserveError(hostname)
		perr.WriteJSON(w, perr.BackendUnhealthy, "no healthy backend available")
		return
	}
	defer p.Done(backend)

	rt.met.IncInFlight(hostname)
	defer rt.met.DecInFlight(hostname)

	backendConn, err := pool.DialTimeout(backend.Port, 5*time.Second)
	if err != nil {
		rt.met.ObserveError(hostname)
		perr.WriteJSON(w, perr.ConnectionFailed, "failed to reach backend")
		return
	}
	defer backendConn.Close()

	if err := writeUpgradeRequest(backendConn, r, backend.Port); err != nil {
		rt.met.ObserveError(hostname)
		perr.WriteJSON(w, perr.ConnectionFailed, "failed to reach backend")
		return
	}

	backendReader := bufio.NewReader(backendConn)
	resp, err := http.ReadResponse(backendReader, r)
	if err != nil {
		rt.met.ObserveError(hostname)
		perr.WriteJSON(w, perr.ConnectionFailed, "failed to reach backend")
		return
	}
	defer resp.Body.Close()
	rt.met.ObserveRequest(hostname)

	if resp.StatusCode != http.StatusSwitchingProtocols {
		copyHeaders(w.Header(), resp.Header)
		stripHopByHop(w.Header())
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		perr.WriteJSON(w, perr.InternalError, "upgrade not supported by this server")
		return
	}
	clientConn, clientBuf, err := hj.Hijack()
	if err != nil {
		slog.Error("proxy: hijack failed", "error", err)
		return
	}
	defer clientConn.Close()

	if err := resp.Write(clientConn); err != nil {
		slog.Error("proxy: failed writing 101 response to client", "error", err)
		return
	}

	forwardBidirectional(clientConn, backendConn, clientBuf)
}

func writeUpgradeRequest(conn net.Conn, r *http.Request, port int) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", r.Method, r.URL.RequestURI())
	for k, vs := range r.Header {
		if isHopByHopHeader(k) {
			continue
		}
		for _, v := range vs {
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
	}
	fmt.Fprintf(&b, "Connection: %s\r\n", r.Header.Get("Connection"))
	fmt.Fprintf(&b, "Upgrade: %s\r\n", r.Header.Get("Upgrade"))
	fmt.Fprintf(&b, "Host: 127.0.0.1:%d\r\n\r\n", port)
	_, err := io.WriteString(conn, b.String())
	return err
}

// forwardBidirectional copies bytes between the client and backend
// connections until either side closes — the Go equivalent of
// tokio::io::copy_bidirectional in original_source/src/proxy.rs.
func forwardBidirectional(client net.Conn, backend net.Conn, clientBuf *bufio.ReadWriter) {
	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(backend, clientBuf)
		if c, ok := backend.(interface{ CloseWrite() error }); ok {
			_ = c.CloseWrite()
		}
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(client, backend)
		if c, ok := client.(interface{ CloseWrite() error }); ok {
			_ = c.CloseWrite()
		}
		done <- struct{}{}
	}()
	<-done
	<-done
}

func extractHostname(r *http.Request) (string, error) {
	host := r.Host
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		if _, _, err := net.SplitHostPort(host); err == nil {
			host = host[:idx]
		}
	}
	if host == "" || len(host) > maxHostnameLen {
		return "", fmt.Errorf("invalid host")
	}
	for _, c := range host {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '.' || c == '-') {
			return "", fmt.Errorf("invalid host character")
		}
	}
	return host, nil
}

func clientIPOf(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func requestScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func isUpgradeRequest(r *http.Request) bool {
	return containsToken(r.Header.Get("Connection"), "upgrade") && r.Header.Get("Upgrade") != ""
}

func containsToken(header, token string) bool {
	for _, part := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailers":            true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func isHopByHopHeader(k string) bool {
	return hopByHopHeaders[http.CanonicalHeaderKey(k)]
}

func stripHopByHop(h http.Header) {
	for k := range hopByHopHeaders {
		h.Del(k)
	}
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func newRequestID() string {
	return fmt.Sprintf("%d", time.Now().UnixNano())
}
