// Package install writes the systemd user unit that keeps the hub daemon
// running across logins. Installation is plan-then-execute so the CLI can
// show what would change before touching the filesystem.
package install

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
)

// UnitName is the systemd user unit file name.
const UnitName = "agent-hub-daemon.service"

const unitTemplate = `[Unit]
Description=Agent hub message broker daemon
After=network.target

[Service]
ExecStart=%s
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`

// Action describes what Execute will do (or did) to the unit file.
type Action int

const (
	// ActionWrite means the unit file will be created or overwritten.
	ActionWrite Action = iota
	// ActionSkip means the installed unit is already up to date.
	ActionSkip
)

// String returns a human-readable label for the action.
func (a Action) String() string {
	switch a {
	case ActionWrite:
		return "write"
	case ActionSkip:
		return "skip"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Plan is a prepared install operation.
type Plan struct {
	// UnitPath is where the unit file will be written.
	UnitPath string
	// Action is what Execute will do.
	Action Action

	content []byte
}

// DefaultUnitDir returns the systemd user unit directory.
func DefaultUnitDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolving user config dir: %w", err)
	}
	return filepath.Join(base, "systemd", "user"), nil
}

// NewPlan renders the unit for the given daemon binary and compares it
// against what is installed in unitDir.
func NewPlan(execPath, unitDir string) (*Plan, error) {
	if execPath == "" {
		panic("install.NewPlan: execPath must not be empty")
	}
	if unitDir == "" {
		panic("install.NewPlan: unitDir must not be empty")
	}
	if !filepath.IsAbs(execPath) {
		abs, err := filepath.Abs(execPath)
		if err != nil {
			return nil, fmt.Errorf("resolving daemon path %q: %w", execPath, err)
		}
		execPath = abs
	}

	content := []byte(fmt.Sprintf(unitTemplate, execPath))
	unitPath := filepath.Join(unitDir, UnitName)

	action := ActionWrite
	if existing, err := os.ReadFile(unitPath); err == nil && bytes.Equal(existing, content) {
		action = ActionSkip
	}

	return &Plan{UnitPath: unitPath, Action: action, content: content}, nil
}

// Execute writes the planned unit file. Skipped plans are a no-op.
func (p *Plan) Execute() error {
	if len(p.content) == 0 {
		panic("install.Execute: plan has empty content — not produced by NewPlan")
	}
	if p.Action == ActionSkip {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(p.UnitPath), 0o755); err != nil {
		return fmt.Errorf("creating unit directory: %w", err)
	}
	if err := os.WriteFile(p.UnitPath, p.content, 0o644); err != nil {
		return fmt.Errorf("writing unit file %s: %w", p.UnitPath, err)
	}

	// Read-back verification: a unit silently truncated by a full disk
	// would fail in systemd with a much worse error message.
	written, err := os.ReadFile(p.UnitPath)
	if err != nil {
		return fmt.Errorf("verifying unit file %s: %w", p.UnitPath, err)
	}
	if !bytes.Equal(written, p.content) {
		return fmt.Errorf("unit file %s content mismatch after write", p.UnitPath)
	}
	return nil
}

// Uninstall removes the unit file. Returns whether a file was removed.
func Uninstall(unitDir string) (bool, error) {
	if unitDir == "" {
		panic("install.Uninstall: unitDir must not be empty")
	}
	unitPath := filepath.Join(unitDir, UnitName)
	if err := os.Remove(unitPath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("removing unit file %s: %w", unitPath, err)
	}
	return true, nil
}
