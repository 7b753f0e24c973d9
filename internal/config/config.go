package config

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Config is an immutable snapshot of runtime configuration. Handlers read it
// through Manager.Current(); updates swap the whole pointer, never mutate.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Redis     RedisConfig     `yaml:"redis"`
	Pool      PoolConfig      `yaml:"pool"`
	Refresh   RefreshConfig   `yaml:"refresh"`
	Selection SelectionConfig `yaml:"selection"`
	Limits    LimitsConfig    `yaml:"limits"`
	Pricing   PricingConfig   `yaml:"pricing"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Security  SecurityConfig  `yaml:"security"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Listen          string `yaml:"listen"`
	DefaultProvider string `yaml:"default_provider"`
	RateLimitRPS    int    `yaml:"rate_limit_rps"`
	RateLimitBurst  int    `yaml:"rate_limit_burst"`
	PprofEnabled    bool   `yaml:"pprof_enabled"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Backend     string `yaml:"backend"` // "memory" or "postgres"
	PostgresDSN string `yaml:"postgres_dsn"`
}

// RedisConfig configures the optional redis session/rate-limit store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// PoolConfig controls the credential pool runtime.
type PoolConfig struct {
	// DisableCredentialLock removes per-credential serialization. Upstreams
	// may reject concurrent use of one token; enable at your own risk.
	DisableCredentialLock bool `yaml:"disable_credential_lock"`
	MaxAttempts           int  `yaml:"max_attempts"`
	QuarantineAfter       int  `yaml:"quarantine_after"` // consecutive auth failures before error-table move
}

// RefreshConfig controls token refresh behaviour.
type RefreshConfig struct {
	SweepIntervalMin int `yaml:"sweep_interval_min"`
	ThresholdMin     int `yaml:"threshold_min"`
	TimeoutSec       int `yaml:"timeout_sec"`
}

// SelectionConfig controls the credential selector.
type SelectionConfig struct {
	Strategy        string  `yaml:"strategy"` // hybrid | sticky | round-robin
	StickyTTLMin    int     `yaml:"sticky_ttl_min"`
	WeightHealth    float64 `yaml:"weight_health"`
	WeightBucket    float64 `yaml:"weight_bucket"`
	WeightQuota     float64 `yaml:"weight_quota"`
	WeightLRU       float64 `yaml:"weight_lru"`
	QuotaSweepMin   int     `yaml:"quota_sweep_min"`
	QuotaStaleAfter int     `yaml:"quota_stale_after_min"`
}

// LimitsConfig carries global fallbacks for per-key limits.
type LimitsConfig struct {
	UpstreamTimeoutSec  int `yaml:"upstream_timeout_sec"`
	AncillaryTimeoutSec int `yaml:"ancillary_timeout_sec"`
	LogTTLDays          int `yaml:"log_ttl_days"`
}

// PricingConfig controls the price cascade.
type PricingConfig struct {
	RemoteURL     string  `yaml:"remote_url"`
	SyncHourly    bool    `yaml:"sync_hourly"`
	CacheWriteMul float64 `yaml:"cache_write_multiplier"`
	CacheReadMul  float64 `yaml:"cache_read_multiplier"`
}

// UpstreamConfig carries provider endpoint overrides.
type UpstreamConfig struct {
	KiroRefreshURL   string `yaml:"kiro_refresh_url"` // region templated with %s
	KiroAPIURL       string `yaml:"kiro_api_url"`     // region templated with %s
	IDCTokenURL      string `yaml:"idc_token_url"`    // region templated with %s
	AntigravityURL   string `yaml:"antigravity_url"`
	GoogleTokenURL   string `yaml:"google_token_url"`
	AnthropicBaseURL string `yaml:"anthropic_base_url"`
	WarpRefreshURL   string `yaml:"warp_refresh_url"`
	ProxyURL         string `yaml:"proxy_url"`
}

// SecurityConfig covers logging and debug switches.
type SecurityConfig struct {
	Debug   bool   `yaml:"debug"`
	LogFile string `yaml:"log_file"`
}

// Validate rejects snapshots that cannot serve traffic.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Listen) == "" {
		return fmt.Errorf("server.listen must not be empty")
	}
	switch c.Storage.Backend {
	case "memory", "postgres":
	default:
		return fmt.Errorf("storage.backend must be memory or postgres, got %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "postgres" && strings.TrimSpace(c.Storage.PostgresDSN) == "" {
		return fmt.Errorf("storage.postgres_dsn required for postgres backend")
	}
	switch c.Selection.Strategy {
	case "hybrid", "sticky", "round-robin":
	default:
		return fmt.Errorf("selection.strategy must be hybrid, sticky or round-robin, got %q", c.Selection.Strategy)
	}
	return nil
}

// RefreshSweepInterval returns the periodic sweep cadence.
func (c *Config) RefreshSweepInterval() time.Duration {
	return minutesOr(c.Refresh.SweepIntervalMin, 30*time.Minute)
}

// RefreshThreshold returns the expiry window triggering pre-refresh.
func (c *Config) RefreshThreshold() time.Duration {
	return minutesOr(c.Refresh.ThresholdMin, 10*time.Minute)
}

// RefreshTimeout bounds a single refresh call.
func (c *Config) RefreshTimeout() time.Duration {
	return secondsOr(c.Refresh.TimeoutSec, 30*time.Second)
}

// StickyTTL returns the sticky-session lifetime.
func (c *Config) StickyTTL() time.Duration {
	return minutesOr(c.Selection.StickyTTLMin, 30*time.Minute)
}

// UpstreamTimeout bounds a full upstream response.
func (c *Config) UpstreamTimeout() time.Duration {
	return secondsOr(c.Limits.UpstreamTimeoutSec, 5*time.Minute)
}

// AncillaryTimeout bounds side lookups (price sync, version probes).
func (c *Config) AncillaryTimeout() time.Duration {
	return secondsOr(c.Limits.AncillaryTimeoutSec, 3*time.Second)
}

func minutesOr(v int, fallback time.Duration) time.Duration {
	if v > 0 {
		return time.Duration(v) * time.Minute
	}
	return fallback
}

func secondsOr(v int, fallback time.Duration) time.Duration {
	if v > 0 {
		return time.Duration(v) * time.Second
	}
	return fallback
}

// Manager holds the current snapshot and swaps it atomically on reload.
type Manager struct {
	current atomic.Pointer[Config]
}

// NewManager wraps an initial snapshot.
func NewManager(cfg *Config) *Manager {
	m := &Manager{}
	m.current.Store(cfg)
	return m
}

// Current returns the live snapshot. Callers must not mutate it.
func (m *Manager) Current() *Config {
	return m.current.Load()
}

// Swap installs a new snapshot after validation.
func (m *Manager) Swap(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.current.Store(cfg)
	return nil
}
