package admin_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paasproxy/internal/admin"
	"paasproxy/internal/config"
	"paasproxy/internal/pool"
	"paasproxy/internal/registry"
	"paasproxy/internal/supervisor"
)

func newTestServer(t *testing.T, token string) (*admin.Server, *httptest.Server) {
	t.Helper()
	reg := registry.New(map[string]config.BackendSpec{"a.test": {Command: "fake", Port: 8080}}, config.Defaults{})
	p := pool.New(10, 90*time.Second)
	sup := supervisor.New(supervisor.ProcessLauncher{}, nil, p, "http://127.0.0.1:9999")
	s := admin.New(reg, sup, "127.0.0.1:0", token, "test-version", nil)
	httpSrv := httptest.NewServer(s.Handler())
	return s, httpSrv
}

func TestHealth_IsUnauthenticated(t *testing.T) {
	_, httpSrv := newTestServer(t, "secret")
	defer httpSrv.Close()

	resp, err := http.Get(httpSrv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestVersion_IsUnauthenticated(t *testing.T) {
	_, httpSrv := newTestServer(t, "secret")
	defer httpSrv.Close()

	resp, err := http.Get(httpSrv.URL + "/version")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReady_RequiresBearerToken(t *testing.T) {
	_, httpSrv := newTestServer(t, "secret-token")
	defer httpSrv.Close()

	req, _ := http.NewRequest(http.MethodPost, httpSrv.URL+"/ready/a.test", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestReady_AcceptsValidToken(t *testing.T) {
	_, httpSrv := newTestServer(t, "secret-token")
	defer httpSrv.Close()

	req, _ := http.NewRequest(http.MethodPost, httpSrv.URL+"/ready/unknown-host", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	// never spawned, so MarkReady has nothing to transition
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBackends_ListsRegisteredHostnames(t *testing.T) {
	_, httpSrv := newTestServer(t, "secret-token")
	defer httpSrv.Close()

	req, _ := http.NewRequest(http.MethodGet, httpSrv.URL+"/backends", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetrics_ServesPrometheusFormat(t *testing.T) {
	_, httpSrv := newTestServer(t, "secret")
	defer httpSrv.Close()

	resp, err := http.Get(httpSrv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStart_IdleCleanupLoopStopsCleanly(t *testing.T) {
	reg := registry.New(map[string]config.BackendSpec{"a.test": {Command: "fake", Port: 8080}}, config.Defaults{})
	p := pool.New(10, 90*time.Second)
	sup := supervisor.New(supervisor.ProcessLauncher{}, nil, p, "http://127.0.0.1:9999")
	s := admin.New(reg, sup, "127.0.0.1:0", "secret", "test-version", nil)

	s.Start()
	err := s.Stop(t.Context())
	assert.NoError(t, err)
}
