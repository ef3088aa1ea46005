package daemon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()

	if cfg.Port != 4096 {
		t.Errorf("Port = %d, want 4096", cfg.Port)
	}
	if cfg.MessageTTL() != time.Hour {
		t.Errorf("MessageTTL = %v, want 1h", cfg.MessageTTL())
	}
	if cfg.SessionPoll() != 5*time.Second {
		t.Errorf("SessionPoll = %v, want 5s", cfg.SessionPoll())
	}
	if cfg.InjectionWorkers != 4 || cfg.InjectionRetries != 3 {
		t.Errorf("injection workers/retries = %d/%d", cfg.InjectionWorkers, cfg.InjectionRetries)
	}
	if cfg.RateLimit.Enabled {
		t.Error("rate limit should default to disabled")
	}
	if cfg.RateLimit.MaxMessages != 10 || cfg.RateLimit.WindowSeconds != 300 || cfg.RateLimit.CooldownSeconds != 0 {
		t.Errorf("rate limit defaults = %+v", cfg.RateLimit)
	}
	if cfg.Orientation.RetryMax != 2 || cfg.Orientation.RetryDelaySeconds != 120 {
		t.Errorf("orientation defaults = %+v", cfg.Orientation)
	}
	if cfg.Coordinator.Title != "Agent Hub Coordinator" {
		t.Errorf("coordinator title = %q", cfg.Coordinator.Title)
	}
	if cfg.Coordinator.Pricing.Input != 15 || cfg.Coordinator.Pricing.Output != 75 ||
		cfg.Coordinator.Pricing.CacheRead != 1.5 || cfg.Coordinator.Pricing.CacheWrite != 18.75 {
		t.Errorf("pricing defaults = %+v", cfg.Coordinator.Pricing)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad port", func(c *Config) { c.Port = 70000 }, "port"},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, "log_level"},
		{"zero workers", func(c *Config) { c.InjectionWorkers = -1 }, "injection_workers"},
		{"zero retries", func(c *Config) { c.InjectionRetries = -2 }, "injection_retries"},
		{"negative cooldown", func(c *Config) { c.RateLimit.CooldownSeconds = -1 }, "cooldown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg Config
			cfg.ApplyDefaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
port: 5000
message_ttl_seconds: 120
rate_limit:
  enabled: true
  max_messages: 3
coordinator:
  enabled: true
  model: anthropic/claude-opus-4
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	var cfg Config
	if err := LoadConfigFile(path, &cfg); err != nil {
		t.Fatalf("LoadConfigFile() error: %v", err)
	}
	cfg.ApplyDefaults()

	if cfg.Port != 5000 || cfg.MessageTTLSeconds != 120 {
		t.Errorf("file values not applied: port=%d ttl=%d", cfg.Port, cfg.MessageTTLSeconds)
	}
	if !cfg.RateLimit.Enabled || cfg.RateLimit.MaxMessages != 3 {
		t.Errorf("rate limit = %+v", cfg.RateLimit)
	}
	if !cfg.Coordinator.Enabled || cfg.Coordinator.Model != "anthropic/claude-opus-4" {
		t.Errorf("coordinator = %+v", cfg.Coordinator)
	}
	// Untouched fields still get defaults.
	if cfg.GCIntervalSeconds != 60 {
		t.Errorf("gc interval = %d, want default 60", cfg.GCIntervalSeconds)
	}
}

func TestLoadConfigFileMissingIsFine(t *testing.T) {
	var cfg Config
	if err := LoadConfigFile(filepath.Join(t.TempDir(), "nope.yaml"), &cfg); err != nil {
		t.Errorf("missing config file should not error: %v", err)
	}
}

func TestEnvOutranksFile(t *testing.T) {
	t.Setenv("OPENCODE_PORT", "6000")
	t.Setenv("AGENT_HUB_MESSAGE_TTL", "99")

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("port: 5000\nmessage_ttl_seconds: 120\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var cfg Config
	if err := ApplyEnv(&cfg); err != nil {
		t.Fatalf("ApplyEnv() error: %v", err)
	}
	if err := LoadConfigFile(path, &cfg); err != nil {
		t.Fatal(err)
	}
	cfg.ApplyDefaults()

	if cfg.Port != 6000 {
		t.Errorf("Port = %d, env should outrank file", cfg.Port)
	}
	if cfg.MessageTTLSeconds != 99 {
		t.Errorf("MessageTTLSeconds = %d, env should outrank file", cfg.MessageTTLSeconds)
	}
}

func TestApplyEnvBools(t *testing.T) {
	tests := []struct {
		value   string
		want    bool
		wantErr bool
	}{
		{"1", true, false},
		{"true", true, false},
		{"YES", true, false},
		{"0", false, false},
		{"false", false, false},
		{"no", false, false},
		{"", false, false},
		{"maybe", false, true},
	}

	for _, tt := range tests {
		t.Run("value "+tt.value, func(t *testing.T) {
			t.Setenv("AGENT_HUB_RATE_LIMIT", tt.value)
			var cfg Config
			err := ApplyEnv(&cfg)
			if tt.wantErr {
				if err == nil {
					t.Error("expected parse error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ApplyEnv() error: %v", err)
			}
			if cfg.RateLimit.Enabled != tt.want {
				t.Errorf("enabled = %v, want %v", cfg.RateLimit.Enabled, tt.want)
			}
		})
	}
}

func TestApplyEnvBadInt(t *testing.T) {
	t.Setenv("AGENT_HUB_GC_INTERVAL", "soon")
	var cfg Config
	if err := ApplyEnv(&cfg); err == nil {
		t.Error("malformed int env should error")
	}
}

func TestOrientationRetryMaxZeroViaEnv(t *testing.T) {
	t.Setenv("AGENT_HUB_ORIENTATION_RETRY_MAX", "0")
	var cfg Config
	if err := ApplyEnv(&cfg); err != nil {
		t.Fatal(err)
	}
	cfg.ApplyDefaults()
	if cfg.Orientation.RetryMax != 0 {
		t.Errorf("RetryMax = %d, explicit 0 should disable retries", cfg.Orientation.RetryMax)
	}
}
