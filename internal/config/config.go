package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dripflow/dripflow/internal/sequence"
	"github.com/dripflow/dripflow/internal/transport"
)

// Config is the main configuration structure.
type Config struct {
	API       APIConfig       `yaml:"api"`
	Storage   StorageConfig   `yaml:"storage"`
	Engine    EngineConfig    `yaml:"engine"`
	Transport TransportConfig `yaml:"transport"`
	Defaults  DefaultsConfig  `yaml:"defaults"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// APIConfig contains HTTP API settings.
type APIConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`
	APIKey       string        `yaml:"api_key"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // default 30s
	WriteTimeout time.Duration `yaml:"write_timeout"` // default 30s
	IdleTimeout  time.Duration `yaml:"idle_timeout"`  // default 60s
}

// StorageConfig contains run state store settings.
type StorageConfig struct {
	Path         string        `yaml:"path"`
	ArchiveAfter time.Duration `yaml:"archive_after"`    // archive items of runs finished longer ago than this (0 = never)
	ArchiveEvery time.Duration `yaml:"archive_interval"` // how often the archive pass runs
}

// EngineConfig contains scheduling and dispatch settings.
type EngineConfig struct {
	Workers         int           `yaml:"workers"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	ClaimBatch      int           `yaml:"claim_batch"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
	// ResumeInFlight controls interrupted-dispatch semantics: true
	// re-attempts items a crash left in flight (at-least-once, the
	// default); false records them as failed instead.
	ResumeInFlight *bool `yaml:"resume_in_flight"`
}

// TransportConfig selects and configures the mail transport.
type TransportConfig struct {
	// Mode is "smtp" or "dryrun".
	Mode string               `yaml:"mode"`
	SMTP transport.SMTPConfig `yaml:"smtp"`
}

// DefaultsConfig supplies launch defaults applied when a start request
// omits them. They are snapshotted into the run at launch; changing
// them later never affects a run in progress.
type DefaultsConfig struct {
	MaxPerMinute  int      `yaml:"max_per_minute"`
	JitterMinutes int      `yaml:"jitter_minutes"`
	SendingDays   []string `yaml:"sending_days"`
	Timezone      string   `yaml:"timezone"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`    // default :9090
	Path          string        `yaml:"path"`           // default /metrics
	FlushInterval time.Duration `yaml:"flush_interval"` // default 10s
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration.
func (c *Config) setDefaults() {
	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/dripflow/runs.db"
	}
	if c.Storage.ArchiveEvery == 0 {
		c.Storage.ArchiveEvery = time.Hour
	}

	if c.Engine.Workers == 0 {
		c.Engine.Workers = 4
	}
	if c.Engine.PollInterval == 0 {
		c.Engine.PollInterval = time.Second
	}
	if c.Engine.ClaimBatch == 0 {
		c.Engine.ClaimBatch = 50
	}
	if c.Engine.MaxRetries == 0 {
		c.Engine.MaxRetries = 2
	}
	if c.Engine.RetryBackoff == 0 {
		c.Engine.RetryBackoff = 5 * time.Second
	}
	if c.Engine.DispatchTimeout == 0 {
		c.Engine.DispatchTimeout = 30 * time.Second
	}
	if c.Engine.ResumeInFlight == nil {
		resume := true
		c.Engine.ResumeInFlight = &resume
	}

	if c.Transport.Mode == "" {
		c.Transport.Mode = "smtp"
	}
	if c.Transport.SMTP.Port == 0 {
		c.Transport.SMTP.Port = 587
	}

	if c.Defaults.MaxPerMinute == 0 {
		c.Defaults.MaxPerMinute = sequence.DefaultMaxPerMinute
	}
	if len(c.Defaults.SendingDays) == 0 {
		c.Defaults.SendingDays = []string{"monday", "tuesday", "wednesday", "thursday", "friday"}
	}
	if c.Defaults.Timezone == "" {
		c.Defaults.Timezone = "UTC"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Transport.Mode {
	case "smtp":
		if c.Transport.SMTP.Host == "" {
			return fmt.Errorf("transport.smtp.host is required when transport.mode is smtp")
		}
		if c.Transport.SMTP.From == "" {
			return fmt.Errorf("transport.smtp.from is required when transport.mode is smtp")
		}
	case "dryrun":
	default:
		return fmt.Errorf("transport.mode must be smtp or dryrun, got %q", c.Transport.Mode)
	}

	if c.Engine.MaxRetries < 0 {
		return fmt.Errorf("engine.max_retries must not be negative")
	}
	if c.Defaults.MaxPerMinute < 0 {
		return fmt.Errorf("defaults.max_per_minute must not be negative")
	}
	if _, err := c.SendingDaysPolicy(); err != nil {
		return err
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}

	return nil
}

// SendingDaysPolicy builds the default sending-days policy from the
// configured weekday names.
func (c *Config) SendingDaysPolicy() (sequence.SendingDays, error) {
	policy := sequence.SendingDays{Timezone: c.Defaults.Timezone}
	for _, name := range c.Defaults.SendingDays {
		day, err := sequence.ParseWeekday(name)
		if err != nil {
			return sequence.SendingDays{}, fmt.Errorf("defaults.sending_days: %w", err)
		}
		policy.Days = append(policy.Days, day)
	}
	return policy, policy.Validate()
}
