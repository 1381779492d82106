// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all pipeline configuration knobs loaded via Viper.
type Config struct {
	Catalog      string                 `mapstructure:"catalog"`
	Output       OutputConfig           `mapstructure:"output"`
	RateLimits   map[string]ServiceRate `mapstructure:"rate_limits"`
	Retry        RetryConfig            `mapstructure:"retry"`
	Pools        PoolConfig             `mapstructure:"pools"`
	HTTP         HTTPConfig             `mapstructure:"http"`
	Headless     HeadlessConfig         `mapstructure:"headless"`
	GitHub       GitHubConfig           `mapstructure:"github"`
	DB           DBConfig               `mapstructure:"db"`
	Mirror       MirrorConfig           `mapstructure:"mirror"`
	PubSub       PubSubConfig           `mapstructure:"pubsub"`
	Server       ServerConfig           `mapstructure:"server"`
	Orchestrator OrchestratorConfig     `mapstructure:"orchestrator"`
	Logging      LoggingConfig          `mapstructure:"logging"`
}

// OutputConfig sets the on-disk layout roots.
type OutputConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// ServiceRate is one rate-limit entry: Calls tokens per Period.
type ServiceRate struct {
	Calls  int           `mapstructure:"calls"`
	Period time.Duration `mapstructure:"period"`
}

// RetryConfig governs the retry/backoff wrapper.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffMin  time.Duration `mapstructure:"backoff_min"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
}

// PoolConfig sizes the per-kind worker pools. Rendering contexts are
// memory-heavy so the page pool stays small.
type PoolConfig struct {
	Repository int `mapstructure:"repository"`
	Page       int `mapstructure:"page"`
	Archive    int `mapstructure:"archive"`
	Normalize  int `mapstructure:"normalize"`
}

// HTTPConfig configures HTTP fetch behavior.
type HTTPConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
}

// HeadlessConfig configures the chromedp rendering subsystem.
type HeadlessConfig struct {
	MaxParallel   int `mapstructure:"max_parallel"`
	NavTimeoutSec int `mapstructure:"nav_timeout_seconds"`
}

// GitHubConfig carries the optional API token for repository metadata.
type GitHubConfig struct {
	Token          string `mapstructure:"token"`
	CloneTimeoutS  int    `mapstructure:"clone_timeout_seconds"`
	UpdateTimeoutS int    `mapstructure:"update_timeout_seconds"`
}

// DBConfig controls access to the Postgres index.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// MirrorConfig enables mirroring raw artifacts to a GCS bucket.
type MirrorConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ServerConfig controls the optional status/metrics HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// OrchestratorConfig bounds phase-level failure tolerance.
type OrchestratorConfig struct {
	MaxFailures int `mapstructure:"max_failures"`
}

// LoggingConfig controls zap output mode and verbosity.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("catalog", "sources.yaml")
	v.SetDefault("output.base_dir", "output")
	v.SetDefault("rate_limits.github.calls", 30)
	v.SetDefault("rate_limits.github.period", "60s")
	v.SetDefault("rate_limits.pages.calls", 10)
	v.SetDefault("rate_limits.pages.period", "60s")
	v.SetDefault("rate_limits.bulk.calls", 5)
	v.SetDefault("rate_limits.bulk.period", "60s")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.backoff_min", "1s")
	v.SetDefault("retry.backoff_max", "10s")
	v.SetDefault("pools.repository", 8)
	v.SetDefault("pools.page", 3)
	v.SetDefault("pools.archive", 2)
	v.SetDefault("pools.normalize", 4)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.user_agent", "harvester/1.0")
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("github.clone_timeout_seconds", 300)
	v.SetDefault("github.update_timeout_seconds", 120)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("orchestrator.max_failures", 0)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Output.BaseDir) == "" {
		return fmt.Errorf("output.base_dir must be set")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Retry.BackoffMin <= 0 || c.Retry.BackoffMax < c.Retry.BackoffMin {
		return fmt.Errorf("retry backoff bounds are invalid")
	}
	if c.Pools.Repository <= 0 || c.Pools.Page <= 0 || c.Pools.Archive <= 0 {
		return fmt.Errorf("pool sizes must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0")
	}
	for service, rl := range c.RateLimits {
		if rl.Calls <= 0 || rl.Period <= 0 {
			return fmt.Errorf("rate_limits.%s must have calls > 0 and period > 0", service)
		}
	}
	if c.Mirror.Enabled && c.Mirror.Bucket == "" {
		return fmt.Errorf("mirror.bucket must be set when mirror is enabled")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0 when server is enabled")
	}
	return nil
}

// FetchTimeout returns the per-attempt HTTP timeout.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}
