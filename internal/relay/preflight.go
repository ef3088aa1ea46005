package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrMCPMissing means the agent-hub MCP server is not configured in the
// relay host, so sessions would have no tools to answer hub messages with.
var ErrMCPMissing = errors.New("agent-hub MCP server not configured")

const mcpServerName = "agent-hub"

// DefaultHostConfigPath returns the standard OpenCode config file location.
func DefaultHostConfigPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolving user config dir: %w", err)
	}
	return filepath.Join(base, "opencode", "opencode.json"), nil
}

// CheckMCP verifies that the relay host configuration registers the
// agent-hub MCP server. Without it agents can receive injected prompts but
// have no send_message tool to reply with, so this is a startup error.
func CheckMCP(configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s does not exist; install the agent-hub MCP server and add it to the relay host config", ErrMCPMissing, configPath)
		}
		return fmt.Errorf("reading relay host config %s: %w", configPath, err)
	}

	var cfg struct {
		MCP map[string]json.RawMessage `json:"mcp"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parsing relay host config %s: %w", configPath, err)
	}
	if _, ok := cfg.MCP[mcpServerName]; !ok {
		return fmt.Errorf("%w: add an %q entry to the mcp section of %s", ErrMCPMissing, mcpServerName, configPath)
	}
	return nil
}
