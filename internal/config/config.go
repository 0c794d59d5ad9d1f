// Package config loads and validates client configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config captures all client configuration knobs loaded via Viper.
type Config struct {
	Backend  BackendConfig  `mapstructure:"backend"`
	Poll     PollConfig     `mapstructure:"poll"`
	Progress ProgressConfig `mapstructure:"progress"`
	Download DownloadConfig `mapstructure:"download"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// BackendConfig locates the crawl backend and tunes requests against it.
type BackendConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	SubmitAttempts int    `mapstructure:"submit_attempts"`
	SubmitDelayMs  int    `mapstructure:"submit_delay_ms"`
	// MaxRPS paces requests per host; 0 disables pacing.
	MaxRPS float64 `mapstructure:"max_rps"`
	Burst  int     `mapstructure:"burst"`
}

// PollConfig governs the status polling loop.
type PollConfig struct {
	IntervalMs int `mapstructure:"interval_ms"`
	// MaxFailureSeconds bounds a streak of transport failures; 0 retries forever.
	MaxFailureSeconds int `mapstructure:"max_failure_seconds"`
	BackoffInitialMs  int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs      int `mapstructure:"backoff_max_ms"`
}

// ProgressConfig sizes the progress event hub.
type ProgressConfig struct {
	BufferSize     int `mapstructure:"buffer_size"`
	MaxBatchEvents int `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int `mapstructure:"max_batch_wait_ms"`
	// LogEvents mirrors every progress event into the debug log.
	LogEvents bool `mapstructure:"log_events"`
}

// DownloadConfig controls artifact downloads after completion.
type DownloadConfig struct {
	Dir      string `mapstructure:"dir"`
	PagePDFs bool   `mapstructure:"page_pdfs"`
	Attempts int    `mapstructure:"attempts"`
}

// MetricsConfig exposes Prometheus metrics when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
}

// TracingConfig enables OpenTelemetry spans around backend calls.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Option customizes the Viper instance before unmarshalling.
type Option func(v *viper.Viper) error

// WithFlag binds a command-line flag to a configuration key. Unset flags keep
// the file/env/default value.
func WithFlag(key string, flag *pflag.Flag) Option {
	return func(v *viper.Viper) error {
		if flag == nil {
			return nil
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag %s: %w", key, err)
		}
		return nil
	}
}

// Load builds a Config from disk/environment.
func Load(path string, opts ...Option) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SITEPDF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	for _, opt := range opts {
		if err := opt(v); err != nil {
			return Config{}, err
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
	v.SetDefault("backend.base_url", "http://localhost:8000")
	v.SetDefault("backend.timeout_seconds", 30)
	v.SetDefault("backend.submit_attempts", 3)
	v.SetDefault("backend.submit_delay_ms", 500)
	v.SetDefault("backend.max_rps", 0)
	v.SetDefault("backend.burst", 4)
	v.SetDefault("poll.interval_ms", 2000)
	v.SetDefault("poll.max_failure_seconds", 120)
	v.SetDefault("poll.backoff_initial_ms", 2000)
	v.SetDefault("poll.backoff_max_ms", 30000)
	v.SetDefault("progress.buffer_size", 256)
	v.SetDefault("progress.max_batch_events", 32)
	v.SetDefault("progress.max_batch_wait_ms", 250)
	v.SetDefault("progress.log_events", false)
	v.SetDefault("download.dir", "")
	v.SetDefault("download.page_pdfs", false)
	v.SetDefault("download.attempts", 3)
	v.SetDefault("metrics.addr", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	base, err := url.Parse(strings.TrimSpace(c.Backend.BaseURL))
	if err != nil || base.Host == "" || (base.Scheme != "http" && base.Scheme != "https") {
		return fmt.Errorf("backend.base_url must be an absolute http(s) URL")
	}
	if c.Backend.TimeoutSeconds < 0 {
		return fmt.Errorf("backend.timeout_seconds must be >= 0")
	}
	if c.Backend.SubmitAttempts <= 0 {
		return fmt.Errorf("backend.submit_attempts must be > 0")
	}
	if c.Backend.MaxRPS < 0 {
		return fmt.Errorf("backend.max_rps must be >= 0")
	}
	if c.Poll.IntervalMs <= 0 {
		return fmt.Errorf("poll.interval_ms must be > 0")
	}
	if c.Poll.MaxFailureSeconds < 0 {
		return fmt.Errorf("poll.max_failure_seconds must be >= 0")
	}
	if c.Poll.BackoffInitialMs <= 0 || c.Poll.BackoffMaxMs < c.Poll.BackoffInitialMs {
		return fmt.Errorf("poll.backoff_initial_ms must be > 0 and <= poll.backoff_max_ms")
	}
	if c.Download.Attempts <= 0 {
		return fmt.Errorf("download.attempts must be > 0")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	return nil
}

// PollInterval returns the fixed tick interval of the status poller.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Poll.IntervalMs) * time.Millisecond
}

// RequestTimeout returns the per-request HTTP timeout; zero defers to the transport.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Backend.TimeoutSeconds) * time.Second
}
