// Package config loads and hot-reloads the proxy's TOML configuration via
// Viper. Struct fields map 1-to-1 onto the [server]/[defaults]/[backends.*]
// sections documented in spec.md §6.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// AcmeConfig configures automatic certificate provisioning.
type AcmeConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	Domains       []string `mapstructure:"domains"`
	Email         string   `mapstructure:"email"`
	DirectoryURL  string   `mapstructure:"directory_url"`
	CacheDir      string   `mapstructure:"cache_dir"`
	ChallengeType string   `mapstructure:"challenge_type"` // "http-01" | "tls-alpn-01"
}

// RateLimitConfig controls per-IP token-bucket rate limiting applied in
// front of the Request Router, grounded on the teacher's RateLimitCfg.
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

// AuthConfig controls an optional JWT Bearer-token gate in front of the
// Request Router (distinct from the Admin Callback Endpoint's own bearer
// token), grounded on the teacher's AuthCfg.
type AuthConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Secret  string   `mapstructure:"secret"`
	Exclude []string `mapstructure:"exclude"`
}

// ServerConfig is the [server] section.
type ServerConfig struct {
	Port               int             `mapstructure:"port"`
	TLSPort            int             `mapstructure:"tls_port"`
	Bind               string          `mapstructure:"bind"`
	AdminPort          int             `mapstructure:"admin_port"`
	AdminToken         string          `mapstructure:"admin_token"`
	PoolMaxIdlePerHost int             `mapstructure:"pool_max_idle_per_host"`
	PoolIdleTimeoutSec int             `mapstructure:"pool_idle_timeout_secs"`
	TLS                bool            `mapstructure:"tls"`
	TLSCert            string          `mapstructure:"tls_cert"`
	TLSKey             string          `mapstructure:"tls_key"`
	ForceHTTPS         bool            `mapstructure:"force_https"`
	PIDFile            string          `mapstructure:"pid_file"`
	ContainerSocket    string          `mapstructure:"container_socket"`
	ACME               AcmeConfig      `mapstructure:"acme"`
	RateLimit          RateLimitConfig `mapstructure:"rate_limit"`
	Auth               AuthConfig      `mapstructure:"auth"`
}

// TLSEnabled reports whether any TLS certificate source is configured.
func (s ServerConfig) TLSEnabled() bool {
	return s.ACMEEnabled() || s.TLS || (s.TLSCert != "" && s.TLSKey != "")
}

// ACMEEnabled reports whether ACME issuance is active.
func (s ServerConfig) ACMEEnabled() bool {
	return s.ACME.Enabled && len(s.ACME.Domains) > 0
}

// HTTPSPort returns the effective HTTPS port, or 0 if HTTPS is disabled.
func (s ServerConfig) HTTPSPort() int {
	if !s.TLSEnabled() {
		return 0
	}
	if s.TLSPort != 0 {
		return s.TLSPort
	}
	return 443
}

// Defaults is the [defaults] section, applied when a per-backend override
// is absent.
type Defaults struct {
	IdleTimeoutSec        int    `mapstructure:"idle_timeout_secs"`
	StartupTimeoutSec     int    `mapstructure:"startup_timeout_secs"`
	HealthIntervalMs      int    `mapstructure:"health_check_interval_ms"`
	HealthPath            string `mapstructure:"health_path"`
	ShutdownGraceSec      int    `mapstructure:"shutdown_grace_period_secs"`
	DrainTimeoutSec       int    `mapstructure:"drain_timeout_secs"`
	RequestTimeoutSec     int    `mapstructure:"request_timeout_secs"`
	ReadyHealthIntervalMs int    `mapstructure:"ready_health_check_interval_ms"`
	UnhealthyThreshold    int    `mapstructure:"unhealthy_threshold"`
}

// BackendSpec is a single [backends."host"] entry. Exactly one of
// {Command, Image} must be set — process-launch XOR image-launch.
type BackendSpec struct {
	Type          string            `mapstructure:"type"` // "local" | "docker"
	Command       string            `mapstructure:"command"`
	Args          []string          `mapstructure:"args"`
	WorkingDir    string            `mapstructure:"working_dir"`
	Image         string            `mapstructure:"image"`
	ContainerName string            `mapstructure:"container_name"`
	Network       string            `mapstructure:"network"`
	PullPolicy    string            `mapstructure:"pull_policy"` // "if-not-present" | "always" | "never"
	Memory        string            `mapstructure:"memory"`
	CPUs          string            `mapstructure:"cpus"`
	Env           map[string]string `mapstructure:"env"`
	Port          int               `mapstructure:"port"`

	// Per-backend overrides; zero value means "inherit from Defaults".
	HealthPath            string `mapstructure:"health_path"`
	IdleTimeoutSec        int    `mapstructure:"idle_timeout_secs"`
	StartupTimeoutSec     int    `mapstructure:"startup_timeout_secs"`
	HealthIntervalMs      int    `mapstructure:"health_check_interval_ms"`
	ShutdownGraceSec      int    `mapstructure:"shutdown_grace_period_secs"`
	DrainTimeoutSec       int    `mapstructure:"drain_timeout_secs"`
	RequestTimeoutSec     int    `mapstructure:"request_timeout_secs"`
	ReadyHealthIntervalMs int    `mapstructure:"ready_health_check_interval_ms"`
	UnhealthyThreshold    int    `mapstructure:"unhealthy_threshold"`
}

// IsContainer reports whether this spec launches a container image.
func (b BackendSpec) IsContainer() bool { return b.Type == "docker" }

// Config is the top-level proxy configuration.
type Config struct {
	Server   ServerConfig           `mapstructure:"server"`
	Defaults Defaults               `mapstructure:"defaults"`
	Backends map[string]BackendSpec `mapstructure:"backends"`
}

// Default returns a minimal, usable configuration (HTTP only, no backends).
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:               80,
			Bind:               "0.0.0.0",
			AdminPort:          9999,
			PoolMaxIdlePerHost: 10,
			PoolIdleTimeoutSec: 90,
			RateLimit: RateLimitConfig{
				Enabled: false,
				RPS:     100,
				Burst:   200,
			},
			Auth: AuthConfig{
				Enabled: false,
			},
		},
		Defaults: Defaults{
			IdleTimeoutSec:        600,
			StartupTimeoutSec:     30,
			HealthIntervalMs:      100,
			HealthPath:            "/health",
			ShutdownGraceSec:      10,
			DrainTimeoutSec:       30,
			RequestTimeoutSec:     30,
			ReadyHealthIntervalMs: 5000,
			UnhealthyThreshold:    3,
		},
		Backends: map[string]BackendSpec{},
	}
}

// Load reads and parses the TOML file at path using Viper. It returns the
// parsed Config and the Viper instance (needed for Watch).
func Load(path string) (Config, *viper.Viper, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, nil, fmt.Errorf("config: reading %q: %w", path, err)
	}
	cfg, err := unmarshal(v)
	if err != nil {
		return Config{}, nil, err
	}
	return cfg, v, nil
}

// Watch registers an onChange callback that fires whenever the config file
// is saved. Invalid reloads are logged and silently skipped (the previous
// config stays active) so a bad edit never takes the proxy down.
func Watch(v *viper.Viper, onChange func(Config)) {
	v.WatchConfig()
	v.OnConfigChange(func(_ fsnotify.Event) {
		cfg, err := unmarshal(v)
		if err != nil {
			slog.Error("config hot-reload failed", "error", err)
			return
		}
		slog.Info("config hot-reloaded", "backends", len(cfg.Backends))
		onChange(cfg)
	})
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	v.SetDefault("server.port", 80)
	v.SetDefault("server.bind", "0.0.0.0")
	v.SetDefault("server.admin_port", 9999)
	v.SetDefault("server.pool_max_idle_per_host", 10)
	v.SetDefault("server.pool_idle_timeout_secs", 90)
	v.SetDefault("server.acme.cache_dir", "./acme_cache")
	v.SetDefault("server.acme.challenge_type", "http-01")

	v.SetDefault("defaults.idle_timeout_secs", 600)
	v.SetDefault("defaults.startup_timeout_secs", 30)
	v.SetDefault("defaults.health_check_interval_ms", 100)
	v.SetDefault("defaults.health_path", "/health")
	v.SetDefault("defaults.shutdown_grace_period_secs", 10)
	v.SetDefault("defaults.drain_timeout_secs", 30)
	v.SetDefault("defaults.request_timeout_secs", 30)
	v.SetDefault("defaults.ready_health_check_interval_ms", 5000)
	v.SetDefault("defaults.unhealthy_threshold", 3)

	return v
}

func unmarshal(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing: %w", err)
	}
	for host, b := range cfg.Backends {
		if b.Port <= 0 {
			return Config{}, fmt.Errorf("config: backend %q: port must be > 0", host)
		}
		if b.Type == "" {
			b.Type = "local"
		}
		hasProcess := b.Command != ""
		hasImage := b.Image != ""
		if hasProcess == hasImage {
			return Config{}, fmt.Errorf("config: backend %q must declare exactly one of command or image", host)
		}
		if b.PullPolicy == "" {
			b.PullPolicy = "if-not-present"
		}
		cfg.Backends[host] = b
	}
	return cfg, nil
}

// EffectiveIdleTimeout resolves the per-backend override against d.
func (d Defaults) EffectiveIdleTimeout(b BackendSpec) time.Duration {
	if b.IdleTimeoutSec > 0 {
		return time.Duration(b.IdleTimeoutSec) * time.Second
	}
	return time.Duration(d.IdleTimeoutSec) * time.Second
}

// EffectiveStartupTimeout resolves the per-backend override against d.
func (d Defaults) EffectiveStartupTimeout(b BackendSpec) time.Duration {
	if b.StartupTimeoutSec > 0 {
		return time.Duration(b.StartupTimeoutSec) * time.Second
	}
	return time.Duration(d.StartupTimeoutSec) * time.Second
}

// EffectiveHealthInterval resolves the per-backend override against d.
func (d Defaults) EffectiveHealthInterval(b BackendSpec) time.Duration {
	if b.HealthIntervalMs > 0 {
		return time.Duration(b.HealthIntervalMs) * time.Millisecond
	}
	return time.Duration(d.HealthIntervalMs) * time.Millisecond
}

// EffectiveReadyHealthInterval resolves the per-backend override against d.
func (d Defaults) EffectiveReadyHealthInterval(b BackendSpec) time.Duration {
	if b.ReadyHealthIntervalMs > 0 {
		return time.Duration(b.ReadyHealthIntervalMs) * time.Millisecond
	}
	return time.Duration(d.ReadyHealthIntervalMs) * time.Millisecond
}

// EffectiveShutdownGrace resolves the per-backend override against d.
func (d Defaults) EffectiveShutdownGrace(b BackendSpec) time.Duration {
	if b.ShutdownGraceSec > 0 {
		return time.Duration(b.ShutdownGraceSec) * time.Second
	}
	return time.Duration(d.ShutdownGraceSec) * time.Second
}

// EffectiveDrainTimeout resolves the per-backend override against d.
func (d Defaults) EffectiveDrainTimeout(b BackendSpec) time.Duration {
	if b.DrainTimeoutSec > 0 {
		return time.Duration(b.DrainTimeoutSec) * time.Second
	}
	return time.Duration(d.DrainTimeoutSec) * time.Second
}

// EffectiveRequestTimeout resolves the per-backend override against d.
func (d Defaults) EffectiveRequestTimeout(b BackendSpec) time.Duration {
	if b.RequestTimeoutSec > 0 {
		return time.Duration(b.RequestTimeoutSec) * time.Second
	}
	return time.Duration(d.RequestTimeoutSec) * time.Second
}

// EffectiveUnhealthyThreshold resolves the per-backend override against d.
func (d Defaults) EffectiveUnhealthyThreshold(b BackendSpec) int {
	if b.UnhealthyThreshold > 0 {
		return b.UnhealthyThreshold
	}
	return d.UnhealthyThreshold
}

// EffectiveHealthPath resolves the per-backend override against d.
func (d Defaults) EffectiveHealthPath(b BackendSpec) string {
	if b.HealthPath != "" {
		return b.HealthPath
	}
	return d.HealthPath
}
