// Package supervisor implements the Instance Supervisor (C3): the
// per-hostname replica lifecycle state machine, spawn contracts for
// process- and container-kind backends, the cold-start health-polling loop,
// and the drain/SIGTERM/SIGKILL stop sequence. Grounded in full on
// original_source/src/process.rs's ProcessManager.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"paasproxy/internal/config"
	"paasproxy/internal/perr"
	"paasproxy/internal/pool"
)

// State is a replica's lifecycle state.
type State int

const (
	Stopped State = iota
	Starting
	Ready
	Unhealthy
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Unhealthy:
		return "unhealthy"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Launcher starts and stops a single replica's underlying process or
// container. ProcessLauncher and containerrt.Launcher are the
// two concrete implementations selected by BackendSpec.IsContainer().
type Launcher interface {
	// Launch starts the workload and returns once it has been started
	// (not once it is healthy). It must not block for the lifetime of the
	// workload.
	Launch(ctx context.Context, hostname string, spec config.BackendSpec, readyURL string) (handle any, err error)
	// Stop sends a graceful termination signal and waits up to grace for
	// exit; on timeout it force-kills.
	Stop(ctx context.Context, handle any, grace time.Duration) error
}

// replica is one running backend instance.
type replica struct {
	mu sync.Mutex

	hostname string
	port     int
	spec     config.BackendSpec

	state              State
	handle             any
	lastActivity       time.Time
	inFlight           int
	consecutiveFailure int

	readyCh chan struct{} // closed and replaced on every Ready transition
}

func newReplica(hostname string, port int, spec config.BackendSpec) *replica {
	return &replica{
		hostname:     hostname,
		port:         port,
		spec:         spec,
		state:        Starting,
		lastActivity: time.Now(),
		readyCh:      make(chan struct{}),
	}
}

// broadcastReady closes the current ready channel (waking every waiter) and
// installs a fresh one for the next cycle. Must be called with r.mu held.
func (r *replica) broadcastReady() {
	close(r.readyCh)
	r.readyCh = make(chan struct{})
}

// Supervisor owns every running replica, keyed by hostname. One replica per
// hostname is tracked at a time — scaling to multiple replicas per hostname
// is layered on top by internal/instance, which runs one Supervisor-managed
// slot per replica id.
type Supervisor struct {
	procLauncher Launcher
	ctrLauncher  Launcher
	pool         *pool.Pool
	adminBaseURL string

	mu       sync.Mutex
	replicas map[string]*replica
}

// New builds a Supervisor. ctrLauncher may be nil if no backend in the
// configuration is container-kind.
func New(procLauncher, ctrLauncher Launcher, p *pool.Pool, adminBaseURL string) *Supervisor {
	return &Supervisor{
		procLauncher: procLauncher,
		ctrLauncher:  ctrLauncher,
		pool:         p,
		adminBaseURL: adminBaseURL,
		replicas:     make(map[string]*replica),
	}
}

func (s *Supervisor) launcherFor(spec config.BackendSpec) (Launcher, error) {
	if spec.IsContainer() {
		if s.ctrLauncher == nil {
			return nil, fmt.Errorf("supervisor: container backend requested but no container runtime configured")
		}
		return s.ctrLauncher, nil
	}
	return s.procLauncher, nil
}

// State returns the current lifecycle state of hostname, or Stopped if it
// has never been spawned.
func (s *Supervisor) State(hostname string) State {
	s.mu.Lock()
	r, ok := s.replicas[hostname]
	s.mu.Unlock()
	if !ok {
		return Stopped
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Touch records recent activity for the idle-cleanup loop.
func (s *Supervisor) Touch(hostname string) {
	s.mu.Lock()
	r, ok := s.replicas[hostname]
	s.mu.Unlock()
	if !ok {
		return
	}
	r.mu.Lock()
	r.lastActivity = time.Now()
	r.mu.Unlock()
}

// TryIncrement increments the in-flight counter iff the replica is exactly
// Ready. Callers must not forward a request when this returns false.
func (s *Supervisor) TryIncrement(hostname string) bool {
	s.mu.Lock()
	r, ok := s.replicas[hostname]
	s.mu.Unlock()
	if !ok {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Ready {
		return false
	}
	r.inFlight++
	r.lastActivity = time.Now()
	return true
}

// Decrement releases an in-flight slot acquired by TryIncrement. Safe to
// call on every exit path (success, error, panic recovery, disconnect).
func (s *Supervisor) Decrement(hostname string) {
	s.mu.Lock()
	r, ok := s.replicas[hostname]
	s.mu.Unlock()
	if !ok {
		return
	}
	r.mu.Lock()
	if r.inFlight > 0 {
		r.inFlight--
	}
	r.mu.Unlock()
}

// InFlight returns the current in-flight request count of hostname's
// replica, or 0 if it has never been spawned.
func (s *Supervisor) InFlight(hostname string) int {
	s.mu.Lock()
	r, ok := s.replicas[hostname]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight
}

// Port returns the loopback port of hostname's current replica.
func (s *Supervisor) Port(hostname string) (int, bool) {
	s.mu.Lock()
	r, ok := s.replicas[hostname]
	s.mu.Unlock()
	if !ok {
		return 0, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.port, true
}

// EnsureReady drives a hostname toward Ready, spawning it if Stopped and
// waiting on the ready channel if Starting.
func (s *Supervisor) EnsureReady(ctx context.Context, hostname string, spec config.BackendSpec, defaults config.Defaults) error {
	for {
		s.mu.Lock()
		r, ok := s.replicas[hostname]
		s.mu.Unlock()

		if !ok {
			if err := s.spawn(ctx, hostname, spec, defaults); err != nil {
				return err
			}
			continue
		}

		r.mu.Lock()
		state := r.state
		waitCh := r.readyCh
		r.mu.Unlock()

		switch state {
		case Ready:
			return nil
		case Starting:
			select {
			case <-waitCh:
				continue
			case <-ctx.Done():
				return perr.New(perr.RequestTimeout, "timed out waiting for backend to become ready")
			case <-time.After(defaults.EffectiveStartupTimeout(spec)):
				return perr.New(perr.BackendStartFail, "backend did not become ready in time")
			}
		case Unhealthy:
			return perr.New(perr.BackendUnhealthy, "backend is unhealthy; auto-restart in progress")
		case Stopping:
			time.Sleep(50 * time.Millisecond)
			continue
		default:
			time.Sleep(50 * time.Millisecond)
			continue
		}
	}
}

// spawn launches a fresh replica for hostname and starts its startup health
// polling loop in the background.
func (s *Supervisor) spawn(ctx context.Context, hostname string, spec config.BackendSpec, defaults config.Defaults) error {
	launcher, err := s.launcherFor(spec)
	if err != nil {
		return perr.New(perr.BackendConfigErr, err.Error())
	}

	readyURL := fmt.Sprintf("%s/ready/%s", s.adminBaseURL, hostname)
	handle, err := launcher.Launch(ctx, hostname, spec, readyURL)
	if err != nil {
		slog.Error("supervisor: spawn failed", "hostname", hostname, "error", err)
		return perr.New(perr.BackendStartFail, "backend failed to start")
	}

	r := newReplica(hostname, spec.Port, spec)
	r.handle = handle

	s.mu.Lock()
	s.replicas[hostname] = r
	s.mu.Unlock()

	go s.pollStartup(hostname, spec, defaults)
	return nil
}

// pollStartup implements spec.md §4.3's startup health-polling algorithm.
func (s *Supervisor) pollStartup(hostname string, spec config.BackendSpec, defaults config.Defaults) {
	start := time.Now()
	timeout := defaults.EffectiveStartupTimeout(spec)
	interval := defaults.EffectiveHealthInterval(spec)
	healthPath := defaults.EffectiveHealthPath(spec)

	for {
		if s.State(hostname) != Starting {
			return
		}
		if time.Since(start) > timeout {
			slog.Error("supervisor: startup timeout exceeded", "hostname", hostname)
			s.Stop(context.Background(), hostname, defaults)
			return
		}

		ok, _ := s.pool.Probe(context.Background(), spec.Port, healthPath)
		if ok && s.MarkReady(hostname) {
			return
		}
		time.Sleep(interval)
	}
}

// MarkReady transitions Starting|Unhealthy → Ready. Legal only from those
// two states; called by the health poller and by the admin /ready callback.
func (s *Supervisor) MarkReady(hostname string) bool {
	s.mu.Lock()
	r, ok := s.replicas[hostname]
	s.mu.Unlock()
	if !ok {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Starting && r.state != Unhealthy {
		return false
	}
	wasUnhealthy := r.state == Unhealthy
	r.state = Ready
	r.lastActivity = time.Now()
	r.consecutiveFailure = 0
	r.broadcastReady()
	if wasUnhealthy {
		slog.Info("supervisor: backend recovered", "hostname", hostname)
	} else {
		slog.Info("supervisor: backend ready", "hostname", hostname)
	}
	return true
}

// MarkUnhealthy transitions Ready → Unhealthy, called by the Health Monitor
// on a consecutive-failure edge.
func (s *Supervisor) MarkUnhealthy(hostname string) {
	s.mu.Lock()
	r, ok := s.replicas[hostname]
	s.mu.Unlock()
	if !ok {
		return
	}
	r.mu.Lock()
	if r.state == Ready {
		r.state = Unhealthy
		slog.Warn("supervisor: backend marked unhealthy", "hostname", hostname)
	}
	r.mu.Unlock()
}

// Stop drains, terminates, and removes hostname's replica. Safe to call on
// an unknown hostname (no-op).
func (s *Supervisor) Stop(ctx context.Context, hostname string, defaults config.Defaults) {
	s.mu.Lock()
	r, ok := s.replicas[hostname]
	s.mu.Unlock()
	if !ok {
		return
	}

	r.mu.Lock()
	r.state = Stopping
	spec := r.spec
	r.mu.Unlock()

	drainTimeout := defaults.EffectiveDrainTimeout(spec)
	grace := defaults.EffectiveShutdownGrace(spec)

	drainStart := time.Now()
	for {
		r.mu.Lock()
		inFlight := r.inFlight
		r.mu.Unlock()
		if inFlight == 0 {
			break
		}
		if time.Since(drainStart) > drainTimeout {
			slog.Warn("supervisor: drain timeout exceeded, proceeding with shutdown",
				"hostname", hostname, "remaining", inFlight)
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	s.mu.Lock()
	delete(s.replicas, hostname)
	s.mu.Unlock()

	launcher, err := s.launcherFor(spec)
	if err != nil {
		slog.Error("supervisor: no launcher to stop backend", "hostname", hostname, "error", err)
		return
	}
	if err := launcher.Stop(ctx, r.handle, grace); err != nil {
		slog.Error("supervisor: error stopping backend", "hostname", hostname, "error", err)
	}
}

// AutoRestart stops then respawns hostname — invoked after the Health
// Monitor crosses the unhealthy threshold.
func (s *Supervisor) AutoRestart(hostname string, spec config.BackendSpec, defaults config.Defaults) {
	go func() {
		s.Stop(context.Background(), hostname, defaults)
		time.Sleep(500 * time.Millisecond)
		if err := s.spawn(context.Background(), hostname, spec, defaults); err != nil {
			slog.Error("supervisor: auto-restart failed", "hostname", hostname, "error", err)
		}
	}()
}

// CleanupIdle stops every Ready replica whose last activity exceeds its
// idle window. Intended to run on a periodic background tick.
func (s *Supervisor) CleanupIdle(ctx context.Context, defaults config.Defaults) {
	s.mu.Lock()
	var toStop []string
	for hostname, r := range s.replicas {
		r.mu.Lock()
		if r.state == Ready && time.Since(r.lastActivity) > defaults.EffectiveIdleTimeout(r.spec) {
			toStop = append(toStop, hostname)
		}
		r.mu.Unlock()
	}
	s.mu.Unlock()

	for _, hostname := range toStop {
		slog.Info("supervisor: idle timeout reached", "hostname", hostname)
		s.Stop(ctx, hostname, defaults)
	}
}

// StopAll stops every running replica — used on proxy shutdown.
func (s *Supervisor) StopAll(ctx context.Context, defaults config.Defaults) {
	s.mu.Lock()
	hostnames := make([]string, 0, len(s.replicas))
	for h := range s.replicas {
		hostnames = append(hostnames, h)
	}
	s.mu.Unlock()

	for _, h := range hostnames {
		s.Stop(ctx, h, defaults)
	}
}

// ProcessLauncher starts and stops backends as plain host processes via
// os/exec, grounded on process.rs's start_local_backend/stop_local_process.
type ProcessLauncher struct{}

type processHandle struct {
	cmd *exec.Cmd
}

func (ProcessLauncher) Launch(ctx context.Context, hostname string, spec config.BackendSpec, readyURL string) (any, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("process launcher: backend %q has no command", hostname)
	}
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.WorkingDir

	env := []string{fmt.Sprintf("PORT=%d", spec.Port), fmt.Sprintf("SERVERLESS_PROXY_READY_URL=%s", readyURL)}
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = append(cmd.Environ(), env...)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("process launcher: start %q: %w", spec.Command, err)
	}
	slog.Info("process launcher: backend spawned", "hostname", hostname, "pid", cmd.Process.Pid)
	return &processHandle{cmd: cmd}, nil
}

func (ProcessLauncher) Stop(ctx context.Context, handle any, grace time.Duration) error {
	h, ok := handle.(*processHandle)
	if !ok || h.cmd.Process == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- h.cmd.Wait() }()

	_ = h.cmd.Process.Signal(gracefulSignal())
	select {
	case <-done:
		return nil
	case <-time.After(grace):
		_ = h.cmd.Process.Kill()
		<-done
		return nil
	}
}
