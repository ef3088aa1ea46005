package daemon

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for every tunable. Seconds-valued settings are plain ints in
// the config file and environment; they become time.Duration at the edges.
const (
	DefaultPort             = 4096
	DefaultMessageTTL       = 3600
	DefaultAgentStale       = 3600
	DefaultGCInterval       = 60
	DefaultSessionPoll      = 5
	DefaultSessionCacheTTL  = 10
	DefaultInjectionWorkers = 4
	DefaultInjectionRetries = 3
	DefaultInjectionTimeout = 5
	DefaultMetricsInterval  = 30

	DefaultRateLimitMax      = 10
	DefaultRateLimitWindow   = 300
	DefaultRateLimitCooldown = 0

	DefaultOrientationRetryDelay = 120
	DefaultOrientationRetryMax   = 2

	DefaultCoordinatorTitle = "Agent Hub Coordinator"

	// List pricing in USD per million tokens.
	DefaultPriceInput      = 15.0
	DefaultPriceOutput     = 75.0
	DefaultPriceCacheRead  = 1.5
	DefaultPriceCacheWrite = 18.75
)

// Config holds daemon configuration.
//
// Configuration is assembled from three sources in priority order:
//  1. Environment variables (highest priority)
//  2. Config file (~/.config/agent-hub-daemon/config.yaml)
//  3. Defaults (lowest priority)
type Config struct {
	// Port is the TCP port of the relay HTTP server.
	Port int `yaml:"port"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// MessageTTLSeconds is how long an undelivered message stays eligible
	// for delivery before it is archived as expired.
	MessageTTLSeconds int `yaml:"message_ttl_seconds"`

	// AgentStaleSeconds is how long an agent may go unseen without a live
	// session before garbage collection removes it.
	AgentStaleSeconds int `yaml:"agent_stale_seconds"`

	// GCIntervalSeconds is how often the garbage collector runs.
	GCIntervalSeconds int `yaml:"gc_interval_seconds"`

	// SessionPollSeconds is how often the relay session list is polled.
	SessionPollSeconds int `yaml:"session_poll_seconds"`

	// SessionCacheTTLSeconds is how long a fetched session list serves
	// recipient lookups before workers refresh it.
	SessionCacheTTLSeconds int `yaml:"session_cache_ttl_seconds"`

	// InjectionWorkers is the number of concurrent delivery workers.
	InjectionWorkers int `yaml:"injection_workers"`

	// InjectionRetries caps delivery attempts against a flaky relay.
	InjectionRetries int `yaml:"injection_retries"`

	// InjectionTimeoutSeconds bounds each injection HTTP request and is
	// also the base of the retry backoff.
	InjectionTimeoutSeconds int `yaml:"injection_timeout_seconds"`

	// MetricsIntervalSeconds is how often metrics.prom is rewritten.
	MetricsIntervalSeconds int `yaml:"metrics_interval_seconds"`

	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Orientation OrientationConfig `yaml:"orientation"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`

	// orientationRetryMaxSet records that retry_max was explicitly set to
	// 0 (retries disabled) so ApplyDefaults does not overwrite it.
	orientationRetryMaxSet bool `yaml:"-"`
}

// RateLimitConfig is the per-sender message rate limit. Disabled unless
// Enabled is set.
type RateLimitConfig struct {
	Enabled         bool `yaml:"enabled"`
	MaxMessages     int  `yaml:"max_messages"`
	WindowSeconds   int  `yaml:"window_seconds"`
	CooldownSeconds int  `yaml:"cooldown_seconds"`
}

// OrientationConfig controls re-sending the orientation prompt to
// sessions that never respond.
type OrientationConfig struct {
	RetryDelaySeconds int `yaml:"retry_delay_seconds"`
	// RetryMax of 0 disables retries entirely.
	RetryMax int `yaml:"retry_max"`
}

// CoordinatorConfig controls the optional coordinator agent session the
// daemon spawns and notifies about new agents.
type CoordinatorConfig struct {
	Enabled bool `yaml:"enabled"`
	// Model is passed to the session launcher, e.g. "anthropic/claude-opus-4".
	Model string `yaml:"model"`
	// Dir is the working directory for the coordinator session. Defaults
	// to <hub root>/coordinator.
	Dir string `yaml:"dir"`
	// InstructionsFile overrides the AGENTS.md lookup chain.
	InstructionsFile string `yaml:"instructions_file"`
	// Title identifies the coordinator session at the relay.
	Title string `yaml:"title"`

	Pricing PricingConfig `yaml:"pricing"`
}

// PricingConfig is USD per million tokens, used for the estimated cost
// gauge only.
type PricingConfig struct {
	Input      float64 `yaml:"input"`
	Output     float64 `yaml:"output"`
	CacheRead  float64 `yaml:"cache_read"`
	CacheWrite float64 `yaml:"cache_write"`
}

// ApplyDefaults fills in zero-valued fields with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.MessageTTLSeconds == 0 {
		c.MessageTTLSeconds = DefaultMessageTTL
	}
	if c.AgentStaleSeconds == 0 {
		c.AgentStaleSeconds = DefaultAgentStale
	}
	if c.GCIntervalSeconds == 0 {
		c.GCIntervalSeconds = DefaultGCInterval
	}
	if c.SessionPollSeconds == 0 {
		c.SessionPollSeconds = DefaultSessionPoll
	}
	if c.SessionCacheTTLSeconds == 0 {
		c.SessionCacheTTLSeconds = DefaultSessionCacheTTL
	}
	if c.InjectionWorkers == 0 {
		c.InjectionWorkers = DefaultInjectionWorkers
	}
	if c.InjectionRetries == 0 {
		c.InjectionRetries = DefaultInjectionRetries
	}
	if c.InjectionTimeoutSeconds == 0 {
		c.InjectionTimeoutSeconds = DefaultInjectionTimeout
	}
	if c.MetricsIntervalSeconds == 0 {
		c.MetricsIntervalSeconds = DefaultMetricsInterval
	}
	if c.RateLimit.MaxMessages == 0 {
		c.RateLimit.MaxMessages = DefaultRateLimitMax
	}
	if c.RateLimit.WindowSeconds == 0 {
		c.RateLimit.WindowSeconds = DefaultRateLimitWindow
	}
	// Cooldown defaults to 0, nothing to fill.
	if c.Orientation.RetryDelaySeconds == 0 {
		c.Orientation.RetryDelaySeconds = DefaultOrientationRetryDelay
	}
	if c.Orientation.RetryMax == 0 && !c.orientationRetryMaxSet {
		c.Orientation.RetryMax = DefaultOrientationRetryMax
	}
	if c.Coordinator.Title == "" {
		c.Coordinator.Title = DefaultCoordinatorTitle
	}
	if c.Coordinator.Pricing.Input == 0 {
		c.Coordinator.Pricing.Input = DefaultPriceInput
	}
	if c.Coordinator.Pricing.Output == 0 {
		c.Coordinator.Pricing.Output = DefaultPriceOutput
	}
	if c.Coordinator.Pricing.CacheRead == 0 {
		c.Coordinator.Pricing.CacheRead = DefaultPriceCacheRead
	}
	if c.Coordinator.Pricing.CacheWrite == 0 {
		c.Coordinator.Pricing.CacheWrite = DefaultPriceCacheWrite
	}
}

// Validate checks that configuration values are valid.
// Call after ApplyDefaults.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be in 1..65535, got %d", c.Port)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}
	if c.MessageTTLSeconds <= 0 {
		return fmt.Errorf("message_ttl_seconds must be positive, got %d", c.MessageTTLSeconds)
	}
	if c.AgentStaleSeconds <= 0 {
		return fmt.Errorf("agent_stale_seconds must be positive, got %d", c.AgentStaleSeconds)
	}
	if c.GCIntervalSeconds <= 0 {
		return fmt.Errorf("gc_interval_seconds must be positive, got %d", c.GCIntervalSeconds)
	}
	if c.SessionPollSeconds <= 0 {
		return fmt.Errorf("session_poll_seconds must be positive, got %d", c.SessionPollSeconds)
	}
	if c.SessionCacheTTLSeconds <= 0 {
		return fmt.Errorf("session_cache_ttl_seconds must be positive, got %d", c.SessionCacheTTLSeconds)
	}
	if c.InjectionWorkers <= 0 {
		return fmt.Errorf("injection_workers must be positive, got %d", c.InjectionWorkers)
	}
	if c.InjectionRetries < 1 {
		return fmt.Errorf("injection_retries must be at least 1, got %d", c.InjectionRetries)
	}
	if c.InjectionTimeoutSeconds <= 0 {
		return fmt.Errorf("injection_timeout_seconds must be positive, got %d", c.InjectionTimeoutSeconds)
	}
	if c.MetricsIntervalSeconds <= 0 {
		return fmt.Errorf("metrics_interval_seconds must be positive, got %d", c.MetricsIntervalSeconds)
	}
	if c.RateLimit.MaxMessages <= 0 {
		return fmt.Errorf("rate_limit.max_messages must be positive, got %d", c.RateLimit.MaxMessages)
	}
	if c.RateLimit.WindowSeconds <= 0 {
		return fmt.Errorf("rate_limit.window_seconds must be positive, got %d", c.RateLimit.WindowSeconds)
	}
	if c.RateLimit.CooldownSeconds < 0 {
		return fmt.Errorf("rate_limit.cooldown_seconds must be non-negative, got %d", c.RateLimit.CooldownSeconds)
	}
	if c.Orientation.RetryMax < 0 {
		return fmt.Errorf("orientation.retry_max must be non-negative, got %d", c.Orientation.RetryMax)
	}
	if c.Orientation.RetryDelaySeconds <= 0 {
		return fmt.Errorf("orientation.retry_delay_seconds must be positive, got %d", c.Orientation.RetryDelaySeconds)
	}
	return nil
}

// Duration accessors keep call sites free of second→Duration conversions.

func (c *Config) MessageTTL() time.Duration       { return secs(c.MessageTTLSeconds) }
func (c *Config) AgentStale() time.Duration       { return secs(c.AgentStaleSeconds) }
func (c *Config) GCInterval() time.Duration       { return secs(c.GCIntervalSeconds) }
func (c *Config) SessionPoll() time.Duration      { return secs(c.SessionPollSeconds) }
func (c *Config) SessionCacheTTL() time.Duration  { return secs(c.SessionCacheTTLSeconds) }
func (c *Config) InjectionTimeout() time.Duration { return secs(c.InjectionTimeoutSeconds) }
func (c *Config) MetricsInterval() time.Duration  { return secs(c.MetricsIntervalSeconds) }
func (c *Config) OrientationRetryDelay() time.Duration {
	return secs(c.Orientation.RetryDelaySeconds)
}

// RelayURL is the base URL of the relay server.
func (c *Config) RelayURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", c.Port)
}

// SlogLevel maps the configured level string to slog.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func secs(n int) time.Duration { return time.Duration(n) * time.Second }

// LoadConfigFile reads a YAML config file and merges it into the config.
// Only zero-valued fields are overwritten, so values already applied from
// the environment take precedence. Returns nil if the file does not exist.
func LoadConfigFile(path string, into *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file %s: %w", path, err)
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	mergeConfig(&file, into)
	return nil
}

// mergeConfig copies non-zero fields from src into dst, but only where
// dst has the zero value. Environment values (set on dst before merge)
// take priority over file values.
func mergeConfig(src, dst *Config) {
	if dst.Port == 0 {
		dst.Port = src.Port
	}
	if dst.LogLevel == "" {
		dst.LogLevel = src.LogLevel
	}
	if dst.MessageTTLSeconds == 0 {
		dst.MessageTTLSeconds = src.MessageTTLSeconds
	}
	if dst.AgentStaleSeconds == 0 {
		dst.AgentStaleSeconds = src.AgentStaleSeconds
	}
	if dst.GCIntervalSeconds == 0 {
		dst.GCIntervalSeconds = src.GCIntervalSeconds
	}
	if dst.SessionPollSeconds == 0 {
		dst.SessionPollSeconds = src.SessionPollSeconds
	}
	if dst.SessionCacheTTLSeconds == 0 {
		dst.SessionCacheTTLSeconds = src.SessionCacheTTLSeconds
	}
	if dst.InjectionWorkers == 0 {
		dst.InjectionWorkers = src.InjectionWorkers
	}
	if dst.InjectionRetries == 0 {
		dst.InjectionRetries = src.InjectionRetries
	}
	if dst.InjectionTimeoutSeconds == 0 {
		dst.InjectionTimeoutSeconds = src.InjectionTimeoutSeconds
	}
	if dst.MetricsIntervalSeconds == 0 {
		dst.MetricsIntervalSeconds = src.MetricsIntervalSeconds
	}
	// Bool zero is false, so file values can only turn features on.
	if src.RateLimit.Enabled && !dst.RateLimit.Enabled {
		dst.RateLimit.Enabled = true
	}
	if dst.RateLimit.MaxMessages == 0 {
		dst.RateLimit.MaxMessages = src.RateLimit.MaxMessages
	}
	if dst.RateLimit.WindowSeconds == 0 {
		dst.RateLimit.WindowSeconds = src.RateLimit.WindowSeconds
	}
	if dst.RateLimit.CooldownSeconds == 0 {
		dst.RateLimit.CooldownSeconds = src.RateLimit.CooldownSeconds
	}
	if dst.Orientation.RetryDelaySeconds == 0 {
		dst.Orientation.RetryDelaySeconds = src.Orientation.RetryDelaySeconds
	}
	if dst.Orientation.RetryMax == 0 && !dst.orientationRetryMaxSet {
		dst.Orientation.RetryMax = src.Orientation.RetryMax
		dst.orientationRetryMaxSet = src.orientationRetryMaxSet
	}
	if src.Coordinator.Enabled && !dst.Coordinator.Enabled {
		dst.Coordinator.Enabled = true
	}
	if dst.Coordinator.Model == "" {
		dst.Coordinator.Model = src.Coordinator.Model
	}
	if dst.Coordinator.Dir == "" {
		dst.Coordinator.Dir = src.Coordinator.Dir
	}
	if dst.Coordinator.InstructionsFile == "" {
		dst.Coordinator.InstructionsFile = src.Coordinator.InstructionsFile
	}
	if dst.Coordinator.Title == "" {
		dst.Coordinator.Title = src.Coordinator.Title
	}
	if dst.Coordinator.Pricing.Input == 0 {
		dst.Coordinator.Pricing.Input = src.Coordinator.Pricing.Input
	}
	if dst.Coordinator.Pricing.Output == 0 {
		dst.Coordinator.Pricing.Output = src.Coordinator.Pricing.Output
	}
	if dst.Coordinator.Pricing.CacheRead == 0 {
		dst.Coordinator.Pricing.CacheRead = src.Coordinator.Pricing.CacheRead
	}
	if dst.Coordinator.Pricing.CacheWrite == 0 {
		dst.Coordinator.Pricing.CacheWrite = src.Coordinator.Pricing.CacheWrite
	}
}
