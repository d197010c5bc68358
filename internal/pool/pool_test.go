package pool_test

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paasproxy/internal/pool"
)

func TestProbe_HealthyBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	port := portOf(t, srv.URL)
	p := pool.New(10, 90*time.Second)

	ok, err := p.Probe(context.Background(), port, "/health")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestProbe_NonHealthyStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	port := portOf(t, srv.URL)
	p := pool.New(10, 90*time.Second)

	ok, err := p.Probe(context.Background(), port, "/health")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestForward_RewritesToBackendPort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "client.example", r.Host)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	port := portOf(t, srv.URL)
	p := pool.New(10, 90*time.Second)

	req := httptest.NewRequest(http.MethodGet, "http://client.example/path", nil)
	req.Host = "client.example"
	resp, err := p.Forward(context.Background(), port, req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTCPProbe_UnreachablePort_Errors(t *testing.T) {
	err := pool.TCPProbe(context.Background(), 1)
	assert.Error(t, err)
}

func portOf(t *testing.T, rawURL string) int {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	_, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	p, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return p
}
