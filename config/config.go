// Package config loads the engine configuration from TOML or YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/vinayprograms/agentloop/heartbeat"
	"github.com/vinayprograms/agentloop/logging"
	"github.com/vinayprograms/agentloop/model"
	"github.com/vinayprograms/agentloop/telemetry"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendNATS   = "nats"
	BackendRedis  = "redis"
)

// Environment overrides.
const (
	EnvStorePath = "AGENTLOOP_STORE_PATH"
	EnvNATSURL   = "AGENTLOOP_NATS_URL"
	EnvRedisURL  = "AGENTLOOP_REDIS_URL"
	EnvLogLevel  = "AGENTLOOP_LOG_LEVEL"
)

// Config holds all agentloop configuration.
type Config struct {
	Scheduler    SchedulerConfig    `toml:"scheduler" yaml:"scheduler"`
	Orchestrator OrchestratorConfig `toml:"orchestrator" yaml:"orchestrator"`
	Store        StoreConfig        `toml:"store" yaml:"store"`
	Memory       MemoryConfig       `toml:"memory" yaml:"memory"`
	Logging      LoggingConfig      `toml:"logging" yaml:"logging"`
	Telemetry    TelemetryConfig    `toml:"telemetry" yaml:"telemetry"`
	Producers    ProducersConfig    `toml:"producers" yaml:"producers"`

	Agents        []model.Agent        `toml:"agents" yaml:"agents"`
	Tools         []ToolConfig         `toml:"tools" yaml:"tools"`
	Subscriptions []SubscriptionConfig `toml:"subscriptions" yaml:"subscriptions"`
}

// SchedulerConfig configures heartbeat discovery and rescheduling.
type SchedulerConfig struct {
	TickInterval        string `toml:"tick_interval" yaml:"tick_interval"`
	MinIntervalMinutes  int    `toml:"min_interval_minutes" yaml:"min_interval_minutes"`
	MaxIntervalMinutes  int    `toml:"max_interval_minutes" yaml:"max_interval_minutes"`
	RescheduleOnFailure *bool  `toml:"reschedule_on_failure" yaml:"reschedule_on_failure"`
	RetryBase           string `toml:"retry_base" yaml:"retry_base"`
	WindowPolicy        string `toml:"window_policy" yaml:"window_policy"` // completion, contiguous
	MaxConcurrent       int    `toml:"max_concurrent" yaml:"max_concurrent"`
}

// OrchestratorConfig configures tool dispatch.
type OrchestratorConfig struct {
	ActionTimeout      string `toml:"action_timeout" yaml:"action_timeout"`
	RecentContentLimit int    `toml:"recent_content_limit" yaml:"recent_content_limit"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Backend  string `toml:"backend" yaml:"backend"` // memory, sqlite, nats, redis
	Path     string `toml:"path" yaml:"path"`       // sqlite database file
	NATSURL  string `toml:"nats_url" yaml:"nats_url"`
	RedisURL string `toml:"redis_url" yaml:"redis_url"`
	Bucket   string `toml:"bucket" yaml:"bucket"` // NATS bucket or Redis key prefix
}

// MemoryConfig configures the recent-content index. An empty path keeps
// the index in memory.
type MemoryConfig struct {
	Path string `toml:"path" yaml:"path"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"` // console, json
}

// TelemetryConfig configures OTLP tracing.
type TelemetryConfig struct {
	Enabled     bool              `toml:"enabled" yaml:"enabled"`
	ServiceName string            `toml:"service_name" yaml:"service_name"`
	Endpoint    string            `toml:"endpoint" yaml:"endpoint"`
	Protocol    string            `toml:"protocol" yaml:"protocol"` // grpc, http
	Insecure    bool              `toml:"insecure" yaml:"insecure"`
	Debug       bool              `toml:"debug" yaml:"debug"`
	SampleRatio float64           `toml:"sample_ratio" yaml:"sample_ratio"`
	Headers     map[string]string `toml:"headers" yaml:"headers"`
}

// ProducersConfig configures the auxiliary event producers.
type ProducersConfig struct {
	FeedChecks        bool   `toml:"feed_checks" yaml:"feed_checks"`
	FeedCheckInterval string `toml:"feed_check_interval" yaml:"feed_check_interval"`
}

// ToolConfig declares a tool record.
type ToolConfig struct {
	Name       string                 `toml:"name" yaml:"name"`
	Capability string                 `toml:"capability" yaml:"capability"`
	Config     map[string]interface{} `toml:"config" yaml:"config"`
	Active     *bool                  `toml:"active" yaml:"active"`
}

// SubscriptionConfig binds a tool, by name, to an event type.
type SubscriptionConfig struct {
	Tool           string                 `toml:"tool" yaml:"tool"`
	EventType      string                 `toml:"event_type" yaml:"event_type"`
	Filter         map[string]interface{} `toml:"filter" yaml:"filter"`
	ExecutionOrder int                    `toml:"execution_order" yaml:"execution_order"`
	Active         *bool                  `toml:"active" yaml:"active"`
}

// Default returns a configuration that runs entirely in memory.
func Default() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			TickInterval:       "60s",
			MinIntervalMinutes: 5,
			MaxIntervalMinutes: 1440,
			RetryBase:          "5m",
			WindowPolicy:       string(heartbeat.WindowContiguous),
		},
		Orchestrator: OrchestratorConfig{
			ActionTimeout:      "2m",
			RecentContentLimit: 5,
		},
		Store: StoreConfig{
			Backend: BackendMemory,
			Bucket:  "agentloop",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "agentloop",
			Protocol:    "grpc",
		},
		Producers: ProducersConfig{
			FeedCheckInterval: "30m",
		},
	}
}

// Load reads a configuration file. The format follows the extension:
// .toml, or .yaml/.yml. Values not present in the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes configuration data. format is "toml", "yaml" or "yml",
// with or without a leading dot. Environment overrides are applied.
func Parse(data []byte, format string) (*Config, error) {
	cfg := Default()
	switch strings.ToLower(strings.TrimPrefix(format, ".")) {
	case "toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown config keys: %v", undecoded)
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if path := os.Getenv(EnvStorePath); path != "" {
		c.Store.Path = path
	}
	if url := os.Getenv(EnvNATSURL); url != "" {
		c.Store.NATSURL = url
	}
	if url := os.Getenv(EnvRedisURL); url != "" {
		c.Store.RedisURL = url
	}
	if level := os.Getenv(EnvLogLevel); level != "" {
		c.Logging.Level = level
	}
}

// Validate checks the configuration for errors that would only surface at
// runtime.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if _, err := c.SchedulerOptions(); err != nil {
		add("scheduler: %v", err)
	}
	if _, err := parseDuration(c.Orchestrator.ActionTimeout, 0); err != nil {
		add("orchestrator.action_timeout: %v", err)
	}
	if _, err := parseDuration(c.Producers.FeedCheckInterval, 0); err != nil {
		add("producers.feed_check_interval: %v", err)
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Store.Path == "" {
			add("store.path is required for the sqlite backend")
		}
	case BackendNATS:
		if c.Store.NATSURL == "" {
			add("store.nats_url is required for the nats backend")
		}
	case BackendRedis:
		if c.Store.RedisURL == "" {
			add("store.redis_url is required for the redis backend")
		}
	default:
		add("store.backend %q is not one of memory, sqlite, nats, redis", c.Store.Backend)
	}

	if f := c.Logging.Format; f != "" && f != "console" && f != "json" {
		add("logging.format %q is not one of console, json", f)
	}
	if c.Telemetry.Enabled {
		if p := c.Telemetry.Protocol; p != "" && p != "grpc" && p != "http" {
			add("telemetry.protocol %q is not one of grpc, http", p)
		}
		if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
			add("telemetry.sample_ratio must be between 0 and 1")
		}
	}

	agents := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		switch {
		case a.ID == "":
			add("agents[%d]: id is required", i)
		case agents[a.ID]:
			add("agents[%d]: duplicate id %q", i, a.ID)
		}
		agents[a.ID] = true
	}

	tools := make(map[string]bool, len(c.Tools))
	for i, t := range c.Tools {
		switch {
		case t.Name == "":
			add("tools[%d]: name is required", i)
		case tools[t.Name]:
			add("tools[%d]: duplicate name %q", i, t.Name)
		}
		tools[t.Name] = true
	}

	type subKey struct{ tool, eventType string }
	subs := make(map[subKey]bool, len(c.Subscriptions))
	for i, s := range c.Subscriptions {
		if !tools[s.Tool] {
			add("subscriptions[%d]: unknown tool %q", i, s.Tool)
		}
		if s.EventType == "" {
			add("subscriptions[%d]: event_type is required", i)
		}
		key := subKey{s.Tool, s.EventType}
		if subs[key] {
			add("subscriptions[%d]: %s is already subscribed to %s", i, s.Tool, s.EventType)
		}
		subs[key] = true
		if _, err := model.ParseFilter(s.Filter); err != nil {
			add("subscriptions[%d]: filter: %v", i, err)
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  %s", strings.Join(problems, "\n  "))
	}
	return nil
}

// SchedulerOptions converts the scheduler section.
func (c *Config) SchedulerOptions() (heartbeat.Options, error) {
	opts := heartbeat.DefaultOptions()
	var err error

	if opts.TickInterval, err = parseDuration(c.Scheduler.TickInterval, opts.TickInterval); err != nil {
		return opts, fmt.Errorf("tick_interval: %w", err)
	}
	if opts.RetryBase, err = parseDuration(c.Scheduler.RetryBase, opts.RetryBase); err != nil {
		return opts, fmt.Errorf("retry_base: %w", err)
	}
	if opts.WindowPolicy, err = heartbeat.ParseWindowPolicy(c.Scheduler.WindowPolicy); err != nil {
		return opts, err
	}
	if c.Scheduler.MinIntervalMinutes > 0 {
		opts.MinInterval = time.Duration(c.Scheduler.MinIntervalMinutes) * time.Minute
	}
	if c.Scheduler.MaxIntervalMinutes > 0 {
		opts.MaxInterval = time.Duration(c.Scheduler.MaxIntervalMinutes) * time.Minute
	}
	if c.Scheduler.RescheduleOnFailure != nil {
		opts.RescheduleOnFailure = *c.Scheduler.RescheduleOnFailure
	}
	opts.MaxConcurrent = c.Scheduler.MaxConcurrent
	return opts, opts.Validate()
}

// ActionTimeout returns the per-action timeout, or zero for the default.
func (c *Config) ActionTimeout() time.Duration {
	d, _ := parseDuration(c.Orchestrator.ActionTimeout, 0)
	return d
}

// FeedCheckInterval returns the feed check interval, or zero for the default.
func (c *Config) FeedCheckInterval() time.Duration {
	d, _ := parseDuration(c.Producers.FeedCheckInterval, 0)
	return d
}

// LoggerOptions returns logger options for the logging section.
func (c *Config) LoggerOptions() logging.Options {
	return logging.Options{
		Level:  logging.ParseLevel(c.Logging.Level),
		Format: c.Logging.Format,
	}
}

// ProviderConfig returns the tracing provider configuration.
func (c *Config) ProviderConfig(version string) telemetry.ProviderConfig {
	return telemetry.ProviderConfig{
		ServiceName:    c.Telemetry.ServiceName,
		ServiceVersion: version,
		Endpoint:       c.Telemetry.Endpoint,
		Protocol:       c.Telemetry.Protocol,
		Insecure:       c.Telemetry.Insecure,
		Debug:          c.Telemetry.Debug,
		SampleRatio:    c.Telemetry.SampleRatio,
		Headers:        c.Telemetry.Headers,
	}
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def, err
	}
	if d < 0 {
		return def, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}
