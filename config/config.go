// Package config loads the phaseflow engine configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/nomis52/phaseflow/logging"
	"github.com/nomis52/phaseflow/statestore"
)

const (
	defaultPollInterval        = 250 * time.Millisecond
	defaultRunTimeout          = 8 * time.Hour
	defaultCompensationTimeout = 5 * time.Minute

	defaultMetricsPrefix = "phaseflow"
	defaultJobName       = "phaseflow"
	defaultPushInterval  = 15 * time.Second

	defaultHistoryMaxRuns = 100
)

// Config is the complete process configuration.
type Config struct {
	Engine     EngineConfig     `yaml:"engine"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Store      StoreConfig      `yaml:"store"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
	History    HistoryConfig    `yaml:"history"`
	Logging    logging.Config   `yaml:"logging"`
}

// EngineConfig tunes the orchestrator control loop.
type EngineConfig struct {
	// PollInterval is the longest the loop sleeps without an event. It bounds how
	// late timeouts, retries and manual polls are noticed.
	PollInterval time.Duration `yaml:"poll_interval"`

	// RunTimeout is the deadline for a whole run.
	RunTimeout time.Duration `yaml:"run_timeout"`

	// DefaultTimeout applies to templates that declare no timeout. Zero means
	// such templates never time out.
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// MaxParallel bounds concurrently running parallel-mode instances. Zero is unbounded.
	MaxParallel int `yaml:"max_parallel"`

	// CompensationTimeout bounds each Compensate call.
	CompensationTimeout time.Duration `yaml:"compensation_timeout"`
}

// CatalogConfig locates the activity catalog.
type CatalogConfig struct {
	Path   string   `yaml:"path"`
	Phases []string `yaml:"phases"`
}

// StoreConfig selects the state sink.
type StoreConfig struct {
	Driver      string `yaml:"driver"` // memory, sqlite, redis
	SQLitePath  string `yaml:"sqlite_path"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix"`
}

// Options converts the section to statestore options.
func (s StoreConfig) Options() statestore.Options {
	return statestore.Options{
		Driver:      s.Driver,
		SQLitePath:  s.SQLitePath,
		RedisAddr:   s.RedisAddr,
		RedisPrefix: s.RedisPrefix,
	}
}

// MonitoringConfig holds metrics settings. ListenAddr serves /metrics for
// scraping; PushURL pushes to a remote write endpoint instead.
type MonitoringConfig struct {
	ListenAddr    string        `yaml:"listen_addr"`
	PushURL       string        `yaml:"push_url"`
	PushInterval  time.Duration `yaml:"push_interval"`
	MetricsPrefix string        `yaml:"metrics_prefix"`
	JobName       string        `yaml:"jobname"`
}

// ScheduleConfig enables periodic runs.
type ScheduleConfig struct {
	// Cron is a standard five-field cron expression. Empty runs once and exits.
	Cron string `yaml:"cron"`
}

// HistoryConfig controls run history retention.
type HistoryConfig struct {
	// StateDir keeps run history as JSON files. Empty keeps it in memory.
	StateDir string `yaml:"state_dir"`
	MaxRuns  int    `yaml:"max_runs"`
}

// Validate performs basic validation on the configuration.
func (c *Config) Validate() error {
	if c.Catalog.Path == "" {
		return fmt.Errorf("catalog path is required")
	}
	if len(c.Catalog.Phases) == 0 {
		return fmt.Errorf("at least one catalog phase is required")
	}
	if c.Engine.PollInterval <= 0 {
		return fmt.Errorf("engine poll interval must be positive")
	}
	if c.Engine.RunTimeout <= 0 {
		return fmt.Errorf("engine run timeout must be positive")
	}
	if c.Engine.DefaultTimeout < 0 {
		return fmt.Errorf("engine default timeout must not be negative")
	}
	if c.Engine.MaxParallel < 0 {
		return fmt.Errorf("engine max parallel must not be negative")
	}

	switch c.Store.Driver {
	case statestore.DriverMemory, statestore.DriverSQLite:
	case statestore.DriverRedis:
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("redis store requires redis_addr")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	if c.Monitoring.ListenAddr != "" && c.Monitoring.PushURL != "" {
		return fmt.Errorf("monitoring listen_addr and push_url are mutually exclusive")
	}

	if c.Schedule.Cron != "" {
		if _, err := cron.ParseStandard(c.Schedule.Cron); err != nil {
			return fmt.Errorf("invalid schedule cron %q: %w", c.Schedule.Cron, err)
		}
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}
	return nil
}

// SetDefaults sets reasonable default values for optional fields.
func (c *Config) SetDefaults() {
	if c.Engine.PollInterval == 0 {
		c.Engine.PollInterval = defaultPollInterval
	}
	if c.Engine.RunTimeout == 0 {
		c.Engine.RunTimeout = defaultRunTimeout
	}
	if c.Engine.CompensationTimeout == 0 {
		c.Engine.CompensationTimeout = defaultCompensationTimeout
	}
	if c.Store.Driver == "" {
		c.Store.Driver = statestore.DriverMemory
	}
	if c.Store.RedisPrefix == "" {
		c.Store.RedisPrefix = statestore.DefaultRedisPrefix
	}
	if c.Monitoring.MetricsPrefix == "" {
		c.Monitoring.MetricsPrefix = defaultMetricsPrefix
	}
	if c.Monitoring.JobName == "" {
		c.Monitoring.JobName = defaultJobName
	}
	if c.Monitoring.PushInterval == 0 {
		c.Monitoring.PushInterval = defaultPushInterval
	}
	if c.History.MaxRuns == 0 {
		c.History.MaxRuns = defaultHistoryMaxRuns
	}
	c.Logging.SetDefaults()
}

// LoadConfig reads the YAML config file at path, applies defaults and validates.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decoding %s: %w", path, err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
