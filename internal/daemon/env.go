package daemon

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ApplyEnv overlays recognized environment variables onto the config.
// Environment values outrank the config file, so this runs before
// LoadConfigFile. Malformed values are hard errors rather than silent
// fallbacks.
func ApplyEnv(c *Config) error {
	var err error

	setInt := func(name string, dst *int) {
		if err != nil {
			return
		}
		raw, ok := os.LookupEnv(name)
		if !ok || raw == "" {
			return
		}
		n, perr := strconv.Atoi(strings.TrimSpace(raw))
		if perr != nil {
			err = fmt.Errorf("parsing %s=%q: %w", name, raw, perr)
			return
		}
		*dst = n
	}
	setString := func(name string, dst *string) {
		if raw, ok := os.LookupEnv(name); ok && raw != "" {
			*dst = raw
		}
	}
	setBool := func(name string, dst *bool) {
		if err != nil {
			return
		}
		raw, ok := os.LookupEnv(name)
		if !ok {
			return
		}
		v, perr := parseEnvBool(raw)
		if perr != nil {
			err = fmt.Errorf("parsing %s=%q: %w", name, raw, perr)
			return
		}
		*dst = v
	}

	setInt("OPENCODE_PORT", &c.Port)
	setString("AGENT_HUB_DAEMON_LOG_LEVEL", &c.LogLevel)
	setInt("AGENT_HUB_MESSAGE_TTL", &c.MessageTTLSeconds)
	setInt("AGENT_HUB_AGENT_STALE", &c.AgentStaleSeconds)
	setInt("AGENT_HUB_GC_INTERVAL", &c.GCIntervalSeconds)
	setInt("AGENT_HUB_SESSION_POLL", &c.SessionPollSeconds)
	setInt("AGENT_HUB_SESSION_CACHE_TTL", &c.SessionCacheTTLSeconds)
	setInt("AGENT_HUB_INJECTION_WORKERS", &c.InjectionWorkers)
	setInt("AGENT_HUB_INJECTION_RETRIES", &c.InjectionRetries)
	setInt("AGENT_HUB_INJECTION_TIMEOUT", &c.InjectionTimeoutSeconds)
	setInt("AGENT_HUB_METRICS_INTERVAL", &c.MetricsIntervalSeconds)

	setBool("AGENT_HUB_RATE_LIMIT", &c.RateLimit.Enabled)
	setInt("AGENT_HUB_RATE_LIMIT_MAX", &c.RateLimit.MaxMessages)
	setInt("AGENT_HUB_RATE_LIMIT_WINDOW", &c.RateLimit.WindowSeconds)
	setInt("AGENT_HUB_RATE_LIMIT_COOLDOWN", &c.RateLimit.CooldownSeconds)

	setInt("AGENT_HUB_ORIENTATION_RETRY_DELAY", &c.Orientation.RetryDelaySeconds)
	if raw, ok := os.LookupEnv("AGENT_HUB_ORIENTATION_RETRY_MAX"); ok && raw != "" {
		n, perr := strconv.Atoi(strings.TrimSpace(raw))
		if perr != nil {
			return fmt.Errorf("parsing AGENT_HUB_ORIENTATION_RETRY_MAX=%q: %w", raw, perr)
		}
		c.Orientation.RetryMax = n
		// An explicit 0 means retries off, not "use the default".
		c.orientationRetryMaxSet = true
	}

	setBool("AGENT_HUB_COORDINATOR", &c.Coordinator.Enabled)
	setString("AGENT_HUB_COORDINATOR_MODEL", &c.Coordinator.Model)
	setString("AGENT_HUB_COORDINATOR_DIR", &c.Coordinator.Dir)
	setString("AGENT_HUB_COORDINATOR_AGENTS_MD", &c.Coordinator.InstructionsFile)
	setString("AGENT_HUB_COORDINATOR_TITLE", &c.Coordinator.Title)

	return err
}

// parseEnvBool accepts the usual spellings. Empty string is false, which
// lets AGENT_HUB_RATE_LIMIT= disable an inherited setting.
func parseEnvBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes":
		return true, nil
	case "", "0", "false", "no":
		return false, nil
	default:
		return false, fmt.Errorf("expected true/false, 1/0, or yes/no")
	}
}
