package e2e

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backendCfg describes one [backends."host"] entry for the generated TOML.
type backendCfg struct {
	hostname string
	port     int
	echoBody string
}

type proxydConfig struct {
	httpAddr  string
	adminAddr string
	backends  []backendCfg
	rateLimit *rateLimitCfg
	auth      *authCfg
}

type rateLimitCfg struct {
	rps   float64
	burst int
}

type authCfg struct {
	secret  string
	exclude []string
}

func splitHostPort(addr string) (string, string) {
	i := strings.LastIndex(addr, ":")
	return addr[:i], addr[i+1:]
}

func (c proxydConfig) TOML() string {
	_, httpPort := splitHostPort(c.httpAddr)
	adminHost, adminPort := splitHostPort(c.adminAddr)

	var b strings.Builder
	fmt.Fprintf(&b, "[server]\n")
	fmt.Fprintf(&b, "port = %s\n", httpPort)
	fmt.Fprintf(&b, "tls_port = 0\n")
	fmt.Fprintf(&b, "bind = %q\n", adminHost)
	fmt.Fprintf(&b, "admin_port = %s\n", adminPort)
	fmt.Fprintf(&b, "pool_max_idle_per_host = 10\n")
	fmt.Fprintf(&b, "pool_idle_timeout_secs = 90\n")

	if c.rateLimit != nil {
		fmt.Fprintf(&b, "\n[server.rate_limit]\nenabled = true\nrps = %v\nburst = %d\n", c.rateLimit.rps, c.rateLimit.burst)
	}
	if c.auth != nil {
		fmt.Fprintf(&b, "\n[server.auth]\nenabled = true\nsecret = %q\n", c.auth.secret)
		if len(c.auth.exclude) > 0 {
			fmt.Fprintf(&b, "exclude = [")
			for i, p := range c.auth.exclude {
				if i > 0 {
					fmt.Fprint(&b, ", ")
				}
				fmt.Fprintf(&b, "%q", p)
			}
			fmt.Fprintf(&b, "]\n")
		}
	}

	fmt.Fprintf(&b, "\n[defaults]\n")
	fmt.Fprintf(&b, "idle_timeout_secs = 600\n")
	fmt.Fprintf(&b, "startup_timeout_secs = 5\n")
	fmt.Fprintf(&b, "health_check_interval_ms = 50\n")
	fmt.Fprintf(&b, "health_path = \"/health\"\n")
	fmt.Fprintf(&b, "shutdown_grace_period_secs = 2\n")
	fmt.Fprintf(&b, "drain_timeout_secs = 2\n")
	fmt.Fprintf(&b, "request_timeout_secs = 5\n")
	fmt.Fprintf(&b, "ready_health_check_interval_ms = 1000\n")
	fmt.Fprintf(&b, "unhealthy_threshold = 3\n")

	for _, be := range c.backends {
		fmt.Fprintf(&b, "\n[backends.%q]\n", be.hostname)
		fmt.Fprintf(&b, "type = \"local\"\n")
		fmt.Fprintf(&b, "command = %q\n", echoBin)
		fmt.Fprintf(&b, "port = %d\n", be.port)
		fmt.Fprintf(&b, "[backends.%q.env]\n", be.hostname)
		fmt.Fprintf(&b, "ECHO_BODY = %q\n", be.echoBody)
	}

	return b.String()
}

// ── Admin health endpoint ────────────────────────────────────────────────────

func TestE2E_AdminHealthEndpoint(t *testing.T) {
	cfg := proxydConfig{httpAddr: freeAddr(t), adminAddr: freeAddr(t)}
	startProxyd(t, cfg.TOML(), cfg.httpAddr, cfg.adminAddr)

	status, body := doGet(t, "http://"+cfg.adminAddr+"/health", "")
	assert.Equal(t, 200, status)
	assert.Contains(t, body, `"status":"ok"`)
}

// ── Cold-start basic proxy ───────────────────────────────────────────────────

func TestE2E_ColdStart_ForwardsRequest(t *testing.T) {
	cfg := proxydConfig{
		httpAddr:  freeAddr(t),
		adminAddr: freeAddr(t),
		backends:  []backendCfg{{hostname: "a.test", port: freePort(t), echoBody: "hello-world"}},
	}
	p := startProxyd(t, cfg.TOML(), cfg.httpAddr, cfg.adminAddr)

	status, body := doGet(t, "http://"+p.httpAddr+"/anything", "a.test")
	assert.Equal(t, 200, status)
	assert.Equal(t, "hello-world", body)
}

// ── Unknown host ─────────────────────────────────────────────────────────────

func TestE2E_UnknownHost_Returns404(t *testing.T) {
	cfg := proxydConfig{
		httpAddr:  freeAddr(t),
		adminAddr: freeAddr(t),
		backends:  []backendCfg{{hostname: "a.test", port: freePort(t), echoBody: "ok"}},
	}
	p := startProxyd(t, cfg.TOML(), cfg.httpAddr, cfg.adminAddr)

	status, _ := doGet(t, "http://"+p.httpAddr+"/", "nobody-registered.test")
	assert.Equal(t, 404, status)
}

// ── Warm request reuses the same spawned replica ────────────────────────────

func TestE2E_WarmRequests_ReuseReplica(t *testing.T) {
	cfg := proxydConfig{
		httpAddr:  freeAddr(t),
		adminAddr: freeAddr(t),
		backends:  []backendCfg{{hostname: "a.test", port: freePort(t), echoBody: "warm"}},
	}
	p := startProxyd(t, cfg.TOML(), cfg.httpAddr, cfg.adminAddr)

	for i := 0; i < 5; i++ {
		status, body := doGet(t, "http://"+p.httpAddr+"/", "a.test")
		require.Equal(t, 200, status)
		assert.Equal(t, "warm", body)
	}
}

// ── Rate limiting ────────────────────────────────────────────────────────────

func TestE2E_RateLimit_BlocksAfterBurst(t *testing.T) {
	cfg := proxydConfig{
		httpAddr:  freeAddr(t),
		adminAddr: freeAddr(t),
		backends:  []backendCfg{{hostname: "a.test", port: freePort(t), echoBody: "ok"}},
		rateLimit: &rateLimitCfg{rps: 0.001, burst: 2},
	}
	p := startProxyd(t, cfg.TOML(), cfg.httpAddr, cfg.adminAddr)

	for i := 0; i < 2; i++ {
		status, _ := doGet(t, "http://"+p.httpAddr+"/", "a.test")
		require.Equal(t, 200, status, "request %d within burst must pass", i+1)
	}

	status, _ := doGet(t, "http://"+p.httpAddr+"/", "a.test")
	assert.Equal(t, 429, status)
}

// ── JWT authentication in front of the Request Router ───────────────────────

func TestE2E_JWTAuth_Enforced(t *testing.T) {
	const secret = "e2e-jwt-secret-32chars-long!!!!!"
	cfg := proxydConfig{
		httpAddr:  freeAddr(t),
		adminAddr: freeAddr(t),
		backends:  []backendCfg{{hostname: "a.test", port: freePort(t), echoBody: "protected"}},
		auth:      &authCfg{secret: secret},
	}
	p := startProxyd(t, cfg.TOML(), cfg.httpAddr, cfg.adminAddr)

	status, _ := doGet(t, "http://"+p.httpAddr+"/api", "a.test")
	assert.Equal(t, 401, status, "missing token must return 401")

	status, _ = doGet(t, "http://"+p.httpAddr+"/api", "a.test", "Authorization", "Bearer bogus.token.here")
	assert.Equal(t, 401, status, "invalid token must return 401")

	token := makeJWT(t, secret)
	status, body := doGet(t, "http://"+p.httpAddr+"/api", "a.test", "Authorization", "Bearer "+token)
	assert.Equal(t, 200, status, "valid token must pass")
	assert.Equal(t, "protected", body)
}

// ── Hot-reload ───────────────────────────────────────────────────────────────

func TestE2E_HotReload_AddsBackend(t *testing.T) {
	cfg := proxydConfig{
		httpAddr:  freeAddr(t),
		adminAddr: freeAddr(t),
		backends:  []backendCfg{{hostname: "a.test", port: freePort(t), echoBody: "a"}},
	}
	p := startProxyd(t, cfg.TOML(), cfg.httpAddr, cfg.adminAddr)

	status, body := doGet(t, "http://"+p.httpAddr+"/", "a.test")
	require.Equal(t, 200, status)
	assert.Equal(t, "a", body)

	updated := proxydConfig{
		httpAddr:  cfg.httpAddr,
		adminAddr: cfg.adminAddr,
		backends: []backendCfg{
			{hostname: "a.test", port: freePort(t), echoBody: "a"},
			{hostname: "b.test", port: freePort(t), echoBody: "b"},
		},
	}
	rewriteConfig(t, p, updated.TOML())
	time.Sleep(500 * time.Millisecond)

	status, body = doGet(t, "http://"+p.httpAddr+"/", "b.test")
	require.Equal(t, 200, status)
	assert.Equal(t, "b", body)
}

// ── Admin backends listing ───────────────────────────────────────────────────

func TestE2E_AdminBackends_RequiresToken(t *testing.T) {
	cfg := proxydConfig{
		httpAddr:  freeAddr(t),
		adminAddr: freeAddr(t),
		backends:  []backendCfg{{hostname: "a.test", port: freePort(t), echoBody: "ok"}},
	}
	p := startProxyd(t, cfg.TOML(), cfg.httpAddr, cfg.adminAddr)

	status, _ := doGet(t, "http://"+p.adminAddr+"/backends", "")
	assert.Equal(t, 401, status)
}
