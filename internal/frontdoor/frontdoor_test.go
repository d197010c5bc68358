package frontdoor

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paasproxy/internal/acmeclient"
	"paasproxy/internal/config"
)

func newNoopHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
}

func TestWithACMEChallenge_ServesKnownTokenWithoutReachingHandler(t *testing.T) {
	acmeMgr, err := acmeclient.New(config.AcmeConfig{CacheDir: "./acme_cache_test"})
	require.NoError(t, err)
	acmeMgr.Http01.Set("tok", "tok.key-thumbprint")

	reached := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { reached = true })

	fd := &Frontdoor{acme: acmeMgr}
	handler := fd.withACMEChallenge(next)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/acme-challenge/tok", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.False(t, reached)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "tok.key-thumbprint", w.Body.String())
}

func TestWithACMEChallenge_UnknownTokenFallsThroughToHandler(t *testing.T) {
	acmeMgr, err := acmeclient.New(config.AcmeConfig{CacheDir: "./acme_cache_test"})
	require.NoError(t, err)

	reached := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { reached = true })

	fd := &Frontdoor{acme: acmeMgr}
	handler := fd.withACMEChallenge(next)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/acme-challenge/unknown", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.True(t, reached)
}

func TestWithHTTPSRedirect_RedirectsToHTTPS(t *testing.T) {
	fd := &Frontdoor{cfg: config.ServerConfig{TLS: true, TLSPort: 8443}}
	handler := fd.withHTTPSRedirect(newNoopHandler())

	req := httptest.NewRequest(http.MethodGet, "/path?x=1", nil)
	req.Host = "example.test:80"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusMovedPermanently, w.Code)
	assert.Equal(t, "https://example.test:8443/path?x=1", w.Header().Get("Location"))
}

func TestWithHTTPSRedirect_OmitsPortWhen443(t *testing.T) {
	fd := &Frontdoor{cfg: config.ServerConfig{TLS: true}}
	handler := fd.withHTTPSRedirect(newNoopHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "example.test"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, "https://example.test/", w.Header().Get("Location"))
}

func TestFrontdoor_StartStop_NoListenersConfigured(t *testing.T) {
	fd := New(config.ServerConfig{}, newNoopHandler(), nil)
	require.NoError(t, fd.Start(t.Context()))
	fd.Stop(t.Context())
}

func TestFrontdoor_HTTPListener_ServesHandler(t *testing.T) {
	fd := New(config.ServerConfig{Port: 18080, Bind: "127.0.0.1"}, newNoopHandler(), nil)
	require.NoError(t, fd.Start(t.Context()))
	defer fd.Stop(t.Context())
	time.Sleep(50 * time.Millisecond) // let the listener goroutine bind

	resp, err := http.Get("http://127.0.0.1:18080/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
}

func TestBuildTLSConfig_FallsBackToSelfSigned(t *testing.T) {
	fd := &Frontdoor{cfg: config.ServerConfig{TLS: true}}
	tlsConfig, err := fd.buildTLSConfig(t.Context())
	require.NoError(t, err)
	require.Len(t, tlsConfig.Certificates, 1)
}
