// Command proxyd is the self-hosted PaaS control-plane entry point: the
// on-demand reverse proxy and container-lifecycle controller described by
// components C1–C9.
//
// Usage:
//
//	proxyd [-config path/to/proxyd.toml]
//
// proxyd supports zero-downtime config hot-reload: edit the TOML file while
// the process is running and added or removed backends take effect
// immediately; a changed spec for a retained backend takes effect on that
// backend's next spawn. Shutdown is graceful: send SIGINT or SIGTERM and every
// running replica is drained and stopped within its configured grace
// window, bounded by a hard outer deadline.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"paasproxy/internal/acmeclient"
	"paasproxy/internal/admin"
	"paasproxy/internal/config"
	"paasproxy/internal/frontdoor"
	"paasproxy/internal/health"
	"paasproxy/internal/lb"
	"paasproxy/internal/metrics"
	"paasproxy/internal/middleware"
	"paasproxy/internal/pool"
	"paasproxy/internal/proxy"
	"paasproxy/internal/registry"
	"paasproxy/internal/supervisor"
	"paasproxy/internal/supervisor/containerrt"
)

// Version information — set at build time via -ldflags.
//
//	-X main.version=$(git describe --tags --always)
//	-X main.commit=$(git rev-parse --short HEAD)
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/proxyd.toml", "path to proxyd.toml")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, v, err := config.Load(*configPath)
	if err != nil {
		slog.Warn("could not load config file, using defaults", "path", *configPath, "error", err)
		cfg = config.Default()
		v = nil
	}

	app, err := buildApp(cfg)
	if err != nil {
		slog.Error("failed to initialise proxyd", "error", err)
		os.Exit(1)
	}

	var currentHandler atomic.Value
	currentHandler.Store(buildHandlerChain(cfg, app.router))
	atomicHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		currentHandler.Load().(http.Handler).ServeHTTP(w, r)
	})

	if v != nil {
		config.Watch(v, func(newCfg config.Config) {
			diff := app.reg.Reload(newCfg.Backends, newCfg.Defaults)
			for _, hostname := range diff.Removed {
				app.sup.Stop(context.Background(), hostname, newCfg.Defaults)
				app.lbMgr.Remove(hostname)
			}
			currentHandler.Store(buildHandlerChain(newCfg, app.router))
			slog.Info("hot-reload applied",
				"added", len(diff.Added), "removed", len(diff.Removed), "retained", len(diff.Retained))
		})
	}

	app.health.Start()
	app.admin.Start()

	fd := frontdoor.New(cfg.Server, atomicHandler, app.acme)
	ctx, stop := newShutdownContext()
	defer stop()

	if err := fd.Start(ctx); err != nil {
		slog.Error("failed to start frontdoor listeners", "error", err)
		os.Exit(1)
	}

	slog.Info("proxyd listening",
		"http_port", cfg.Server.Port,
		"tls", cfg.Server.TLSEnabled(),
		"backends", len(cfg.Backends),
		"version", version,
		"commit", commit,
	)

	<-ctx.Done()
	slog.Info("shutting down proxyd")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fd.Stop(shutdownCtx)
	app.health.Stop()
	_ = app.admin.Stop(shutdownCtx)
	app.sup.StopAll(shutdownCtx, cfg.Defaults)

	slog.Info("proxyd stopped")
}

// application bundles every long-lived component wired together by
// buildApp, so main can start/stop them in the right order.
type application struct {
	reg    *registry.Registry
	sup    *supervisor.Supervisor
	lbMgr  *lb.Manager
	pl     *pool.Pool
	router *proxy.Router
	health *health.Monitor
	admin  *admin.Server
	acme   *acmeclient.Manager
	met    *metrics.Metrics
}

// lbHealthSource adapts the Load Balancer's per-hostname pools into the
// Health Monitor's Source interface.
type lbHealthSource struct{ lbMgr *lb.Manager }

func (s lbHealthSource) Replicas() []health.Replica {
	var out []health.Replica
	for _, hostname := range s.lbMgr.Hostnames() {
		p, ok := s.lbMgr.Get(hostname)
		if !ok {
			continue
		}
		for _, b := range p.Backends() {
			out = append(out, health.Replica{Hostname: hostname, ID: b.ID, Port: b.Port})
		}
	}
	return out
}

// lbHealthNotifier adapts health transitions into the Load Balancer and the
// Instance Supervisor.
type lbHealthNotifier struct {
	lbMgr *lb.Manager
	sup   *supervisor.Supervisor
}

func (n lbHealthNotifier) NotifyHealthy(hostname, replicaID string) {
	if p, ok := n.lbMgr.Get(hostname); ok {
		p.SetHealthy(replicaID, true)
	}
}

func (n lbHealthNotifier) NotifyUnhealthy(hostname, replicaID string) {
	if p, ok := n.lbMgr.Get(hostname); ok {
		p.SetHealthy(replicaID, false)
	}
	n.sup.MarkUnhealthy(hostname)
}

func buildApp(cfg config.Config) (*application, error) {
	met := metrics.New()
	reg := registry.New(cfg.Backends, cfg.Defaults)
	pl := pool.New(cfg.Server.PoolMaxIdlePerHost, time.Duration(cfg.Server.PoolIdleTimeoutSec)*time.Second)
	lbMgr := lb.NewManager()

	var ctrLauncher supervisor.Launcher
	if hasContainerBackend(cfg.Backends) {
		l, err := containerrt.New(cfg.Server.ContainerSocket)
		if err != nil {
			slog.Warn("containerd unavailable; container-kind backends will fail to launch", "error", err)
		} else {
			ctrLauncher = l
		}
	}

	adminBaseURL := "http://127.0.0.1:" + strconv.Itoa(cfg.Server.AdminPort)
	sup := supervisor.New(supervisor.ProcessLauncher{}, ctrLauncher, pl, adminBaseURL)

	router := proxy.New(reg, sup, lbMgr, pl, met)

	mon := health.New(lbHealthSource{lbMgr: lbMgr}, lbHealthNotifier{lbMgr: lbMgr, sup: sup}, health.DefaultConfig(), met)

	adminSrv := admin.New(reg, sup, "127.0.0.1:"+strconv.Itoa(cfg.Server.AdminPort), cfg.Server.AdminToken, version, met)

	var acmeMgr *acmeclient.Manager
	if cfg.Server.ACMEEnabled() {
		m, err := acmeclient.New(cfg.Server.ACME)
		if err != nil {
			return nil, err
		}
		acmeMgr = m
	}

	return &application{
		reg:    reg,
		sup:    sup,
		lbMgr:  lbMgr,
		pl:     pl,
		router: router,
		health: mon,
		admin:  adminSrv,
		acme:   acmeMgr,
		met:    met,
	}, nil
}

// buildHandlerChain composes the ambient HTTP middleware (optional JWT auth,
// optional rate limiting, always-on request logging) in front of the
// Request Router, matching the teacher's buildChain ordering.
func buildHandlerChain(cfg config.Config, router *proxy.Router) http.Handler {
	var h http.Handler = router
	if cfg.Server.Auth.Enabled {
		h = middleware.JWTAuth(cfg.Server.Auth.Secret, cfg.Server.Auth.Exclude)(h)
	}
	if cfg.Server.RateLimit.Enabled {
		h = middleware.RateLimiter(cfg.Server.RateLimit.RPS, cfg.Server.RateLimit.Burst)(h)
	}
	return middleware.Logger(h)
}

// newShutdownContext returns a context cancelled on SIGINT/SIGTERM, the
// broadcast shutdown signal every long-lived task observes per spec.md §5.
func newShutdownContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func hasContainerBackend(backends map[string]config.BackendSpec) bool {
	for _, b := range backends {
		if b.IsContainer() {
			return true
		}
	}
	return false
}
