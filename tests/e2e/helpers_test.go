// Package e2e contains end-to-end tests that compile and run the real
// proxyd binary as a subprocess. Each test writes a temporary proxyd.toml
// pointing at one or more instances of the echobackend test helper, starts
// the binary, and exercises the full HTTP path: cold start, hot-reload,
// and the admin API.
package e2e

import (
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

// proxydBin and echoBin are the compiled test binaries, built once by
// TestMain.
var (
	proxydBin string
	echoBin   string
)

func TestMain(m *testing.M) {
	tmp, err := os.MkdirTemp("", "paasproxy-e2e-*")
	if err != nil {
		log.Fatalf("e2e: create temp dir: %v", err)
	}
	defer os.RemoveAll(tmp)

	root, err := filepath.Abs("../..")
	if err != nil {
		log.Fatalf("e2e: resolve module root: %v", err)
	}

	proxydBin = filepath.Join(tmp, "proxyd")
	if err := buildBinary(root, proxydBin, "./cmd/proxyd"); err != nil {
		log.Fatalf("e2e: build proxyd binary: %v", err)
	}

	echoBin = filepath.Join(tmp, "echobackend")
	if err := buildBinary(root, echoBin, "./tests/e2e/testdata/echobackend"); err != nil {
		log.Fatalf("e2e: build echobackend binary: %v", err)
	}

	os.Exit(m.Run())
}

func buildBinary(root, out, pkg string) error {
	cmd := exec.Command("go", "build", "-o", out, pkg)
	cmd.Dir = root
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// proxydProcess holds a running proxyd subprocess and its bound addresses.
type proxydProcess struct {
	httpAddr  string
	adminAddr string
	cmd       *exec.Cmd
	cfgFile   string
}

// startProxyd writes configTOML to a temp file and starts the proxyd
// binary against it.
func startProxyd(t *testing.T, configTOML string, httpAddr, adminAddr string) *proxydProcess {
	t.Helper()

	f, err := os.CreateTemp(t.TempDir(), "proxyd-*.toml")
	require.NoError(t, err)
	_, err = f.WriteString(configTOML)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	p := &proxydProcess{
		cfgFile:   f.Name(),
		httpAddr:  httpAddr,
		adminAddr: adminAddr,
		cmd:       exec.Command(proxydBin, "-config", f.Name()),
	}
	if os.Getenv("TEST_VERBOSE") != "" {
		p.cmd.Stdout = os.Stdout
		p.cmd.Stderr = os.Stderr
	}

	require.NoError(t, p.cmd.Start())

	t.Cleanup(func() {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
		_ = p.cmd.Wait()
	})

	waitAdminReady(t, p.adminAddr)
	return p
}

// rewriteConfig overwrites proxyd's config file in place, triggering a
// hot-reload. Call time.Sleep(>=500ms) afterwards to let the watcher fire.
func rewriteConfig(t *testing.T, p *proxydProcess, configTOML string) {
	t.Helper()
	require.NoError(t, os.WriteFile(p.cfgFile, []byte(configTOML), 0o644))
}

func waitAdminReady(t *testing.T, adminAddr string) {
	t.Helper()
	client := &http.Client{Timeout: 200 * time.Millisecond}
	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := client.Get("http://" + adminAddr + "/health")
		if err == nil && resp.StatusCode == http.StatusOK {
			resp.Body.Close()
			return
		}
		if resp != nil {
			resp.Body.Close()
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("proxyd admin at %s did not become ready within 8 seconds", adminAddr)
}

// freeAddr returns an unused "127.0.0.1:PORT" address.
func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func freePort(t *testing.T) int {
	t.Helper()
	addr := freeAddr(t)
	_, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

// makeJWT creates a signed HS256 JWT token with a 1-hour expiry.
func makeJWT(t *testing.T, secret string) string {
	t.Helper()
	tok := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, jwtlib.MapClaims{
		"sub": "e2e-test",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	s, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

// doGet performs a GET request with the given Host header and returns the
// status code and body.
func doGet(t *testing.T, url, host string, headers ...string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if host != "" {
		req.Host = host
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

// newUnreachableBackend returns a port nothing is listening on, for
// negative (connection-refused) test cases.
func newUnreachableBackend(t *testing.T) int {
	t.Helper()
	return freePort(t)
}
