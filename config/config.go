package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Upstream     UpstreamConfig     `yaml:"upstream"`
	LiveUpdates  LiveUpdatesConfig  `yaml:"live_updates"`
	Freshness    FreshnessConfig    `yaml:"freshness"`
	Reconnect    ReconnectConfig    `yaml:"reconnect"`
	Verification VerificationConfig `yaml:"verification"`
}

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	Port            int     `yaml:"port"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// UpstreamConfig defines the on-demand poll request against the charging
// network provider.
type UpstreamConfig struct {
	URL            string            `yaml:"url"`
	Headers        map[string]string `yaml:"headers"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`
	Timeout        time.Duration     `yaml:"-"` // Ignored by YAML parser
}

// LiveUpdatesConfig points at the push-subscription transport.
type LiveUpdatesConfig struct {
	URL string `yaml:"url"`
}

// FreshnessConfig controls the merge engine's cache/poll decisions.
type FreshnessConfig struct {
	TTLSeconds             int           `yaml:"ttl_seconds"`
	FallbackWindowSeconds  int           `yaml:"fallback_window_seconds"`
	RepollIntervalSeconds  int           `yaml:"repoll_interval_seconds"`
	DefaultCooldownSeconds int           `yaml:"default_cooldown_seconds"`
	TTL                    time.Duration `yaml:"-"`
	FallbackWindow         time.Duration `yaml:"-"`
	RepollInterval         time.Duration `yaml:"-"`
}

// ReconnectConfig controls the live-update channel's backoff schedule.
type ReconnectConfig struct {
	InitialDelayMillis int           `yaml:"initial_delay_millis"`
	MaxDelayMillis     int           `yaml:"max_delay_millis"`
	Multiplier         float64       `yaml:"multiplier"`
	MaxAttempts        int           `yaml:"max_attempts"`
	InitialDelay       time.Duration `yaml:"-"`
	MaxDelay           time.Duration `yaml:"-"`
}

// VerificationConfig controls the server-side verification queue worker.
type VerificationConfig struct {
	Enabled                  bool          `yaml:"enabled"`
	WebhookURL               string        `yaml:"webhook_url"`
	BatchSize                int           `yaml:"batch_size"`
	ClaimIntervalSeconds     int           `yaml:"claim_interval_seconds"`
	ReconcileIntervalSeconds int           `yaml:"reconcile_interval_seconds"`
	LeaseTimeoutSeconds      int           `yaml:"lease_timeout_seconds"`
	MaxDispatchAttempts      int           `yaml:"max_dispatch_attempts"`
	ClaimInterval            time.Duration `yaml:"-"`
	ReconcileInterval        time.Duration `yaml:"-"`
	LeaseTimeout             time.Duration `yaml:"-"`
}

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills every unset parameter with its canonical value.
func (cfg *Config) ApplyDefaults() {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 5
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 300
	}

	if cfg.Upstream.TimeoutSeconds <= 0 {
		cfg.Upstream.TimeoutSeconds = 30
	}
	cfg.Upstream.Timeout = time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second

	if cfg.Freshness.TTLSeconds <= 0 {
		cfg.Freshness.TTLSeconds = 900
	}
	if cfg.Freshness.FallbackWindowSeconds <= 0 {
		cfg.Freshness.FallbackWindowSeconds = 40
	}
	if cfg.Freshness.RepollIntervalSeconds <= 0 {
		cfg.Freshness.RepollIntervalSeconds = 60
	}
	if cfg.Freshness.DefaultCooldownSeconds <= 0 {
		cfg.Freshness.DefaultCooldownSeconds = 300
	}
	cfg.Freshness.TTL = time.Duration(cfg.Freshness.TTLSeconds) * time.Second
	cfg.Freshness.FallbackWindow = time.Duration(cfg.Freshness.FallbackWindowSeconds) * time.Second
	cfg.Freshness.RepollInterval = time.Duration(cfg.Freshness.RepollIntervalSeconds) * time.Second

	if cfg.Reconnect.InitialDelayMillis <= 0 {
		cfg.Reconnect.InitialDelayMillis = 1000
	}
	if cfg.Reconnect.MaxDelayMillis <= 0 {
		cfg.Reconnect.MaxDelayMillis = 30000
	}
	if cfg.Reconnect.Multiplier <= 1 {
		cfg.Reconnect.Multiplier = 2
	}
	if cfg.Reconnect.MaxAttempts <= 0 {
		cfg.Reconnect.MaxAttempts = 10
	}
	cfg.Reconnect.InitialDelay = time.Duration(cfg.Reconnect.InitialDelayMillis) * time.Millisecond
	cfg.Reconnect.MaxDelay = time.Duration(cfg.Reconnect.MaxDelayMillis) * time.Millisecond

	// Claim batches are capped at 5 server-side regardless of what the
	// config or a caller asks for.
	if cfg.Verification.BatchSize <= 0 || cfg.Verification.BatchSize > 5 {
		cfg.Verification.BatchSize = 5
	}
	if cfg.Verification.ClaimIntervalSeconds <= 0 {
		cfg.Verification.ClaimIntervalSeconds = 60
	}
	if cfg.Verification.ReconcileIntervalSeconds <= 0 {
		cfg.Verification.ReconcileIntervalSeconds = 300
	}
	if cfg.Verification.LeaseTimeoutSeconds <= 0 {
		cfg.Verification.LeaseTimeoutSeconds = 1200
	}
	if cfg.Verification.MaxDispatchAttempts <= 0 {
		cfg.Verification.MaxDispatchAttempts = 2
	}
	cfg.Verification.ClaimInterval = time.Duration(cfg.Verification.ClaimIntervalSeconds) * time.Second
	cfg.Verification.ReconcileInterval = time.Duration(cfg.Verification.ReconcileIntervalSeconds) * time.Second
	cfg.Verification.LeaseTimeout = time.Duration(cfg.Verification.LeaseTimeoutSeconds) * time.Second
}
