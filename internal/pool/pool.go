// Package pool is the Connection Pool (C1): two keep-alive HTTP clients
// shared across every request — one tuned for proxied traffic, one for
// health probes — so neither workload starves the other's idle-connection
// budget. Grounded on the teacher's httputil.ReverseProxy Transport tuning,
// generalized to a loopback-port-addressed backend model.
package pool

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Pool owns the forward and probe transports and the loopback address
// backends are bound to.
type Pool struct {
	forward *http.Client
	probe   *http.Client
}

// New builds a Pool. maxIdlePerHost and idleTimeout come from
// config.ServerConfig's pool_max_idle_per_host / pool_idle_timeout_secs.
func New(maxIdlePerHost int, idleTimeout time.Duration) *Pool {
	forwardTransport := &http.Transport{
		MaxIdleConns:        maxIdlePerHost * 16,
		MaxIdleConnsPerHost: maxIdlePerHost,
		IdleConnTimeout:     idleTimeout,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	probeTransport := &http.Transport{
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout: 2 * time.Second,
		}).DialContext,
	}
	return &Pool{
		forward: &http.Client{Transport: forwardTransport},
		probe:   &http.Client{Transport: probeTransport, Timeout: 2 * time.Second},
	}
}

// Forward sends req to the given loopback port and returns the raw response.
// The caller owns closing resp.Body. req's scheme/host are overwritten to
// target the backend; the caller is responsible for header rewriting before
// calling Forward.
func (p *Pool) Forward(ctx context.Context, port int, req *http.Request) (*http.Response, error) {
	out := req.Clone(ctx)
	out.URL.Scheme = "http"
	out.URL.Host = loopback(port)
	out.Host = req.Host
	out.RequestURI = ""
	return p.forward.Do(out)
}

// Probe issues a GET to the backend's health path on the given port, with a
// short fixed per-attempt timeout, and returns whether the response status
// was 2xx.
func (p *Pool) Probe(ctx context.Context, port int, healthPath string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+loopback(port)+healthPath, nil)
	if err != nil {
		return false, err
	}
	resp, err := p.probe.Do(req)
	if err != nil {
		return false, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

// TCPProbe performs a bare TCP connect test against the backend's port,
// without any HTTP exchange — used during the earliest startup window
// before a process's HTTP listener may be ready to accept.
func TCPProbe(ctx context.Context, port int) error {
	d := net.Dialer{Timeout: 2 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", loopback(port))
	if err != nil {
		return err
	}
	return conn.Close()
}

// DialTimeout is exposed for the raw-bytes upgrade tunnel (C8), which needs
// a plain net.Conn to a backend port rather than a managed http.Client call.
func DialTimeout(port int, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", loopback(port), timeout)
}

func loopback(port int) string {
	return fmt.Sprintf("127.0.0.1:%d", port)
}
