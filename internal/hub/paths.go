// Package hub defines the on-disk layout of the agent hub: the spool
// directory external producers drop message files into, the archive the
// daemon moves them to, and the JSON registries the daemon persists.
package hub

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	hubDirName    = ".agent-hub"
	configDirName = "agent-hub-daemon"
)

// Paths holds every filesystem location the daemon reads or writes.
// All state-file writes go through WriteFileAtomic so partially written
// files are never observed.
type Paths struct {
	// Root is the hub directory, ~/.agent-hub by default.
	Root string

	// Messages is the spool directory watched for new message files.
	Messages string

	// Archive is the terminal directory for processed messages.
	Archive string

	// Threads holds one JSON file per thread.
	Threads string

	// Agents holds one JSON file per registered agent.
	Agents string

	// OrientedFile persists the set of session ids already oriented.
	OrientedFile string

	// SessionAgentsFile persists the session id to agent id mapping.
	SessionAgentsFile string

	// MetricsFile is the Prometheus text exposition file.
	MetricsFile string

	// ConfigDir is the daemon configuration directory,
	// ~/.config/agent-hub-daemon by default.
	ConfigDir string

	// ConfigFile is the YAML configuration file inside ConfigDir.
	ConfigFile string
}

// Default returns the standard layout rooted at the user's home directory.
func Default() (Paths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Paths{}, fmt.Errorf("resolving home dir: %w", err)
	}
	cfgBase, err := os.UserConfigDir()
	if err != nil {
		return Paths{}, fmt.Errorf("resolving user config dir: %w", err)
	}
	return At(filepath.Join(home, hubDirName), filepath.Join(cfgBase, configDirName)), nil
}

// At returns a layout rooted at the given hub and config directories.
// Tests use this with t.TempDir().
func At(root, configDir string) Paths {
	return Paths{
		Root:              root,
		Messages:          filepath.Join(root, "messages"),
		Archive:           filepath.Join(root, "messages", "archive"),
		Threads:           filepath.Join(root, "threads"),
		Agents:            filepath.Join(root, "agents"),
		OrientedFile:      filepath.Join(root, "oriented_sessions.json"),
		SessionAgentsFile: filepath.Join(root, "session_agents.json"),
		MetricsFile:       filepath.Join(root, "metrics.prom"),
		ConfigDir:         configDir,
		ConfigFile:        filepath.Join(configDir, "config.yaml"),
	}
}

// EnsureDirs creates every directory in the layout.
func (p Paths) EnsureDirs() error {
	for _, dir := range []string{p.Messages, p.Archive, p.Threads, p.Agents, p.ConfigDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

// WriteFileAtomic writes data to path via a temp file in the same directory
// followed by a rename, so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("creating temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("renaming %s: %w", path, err)
	}
	return nil
}
