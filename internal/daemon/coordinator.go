package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/xnoto/agenthub/internal/hub"
	"github.com/xnoto/agenthub/internal/metrics"
	"github.com/xnoto/agenthub/internal/state"
)

// CommandRunner executes a command and returns its combined output.
// This is the seam for testing — swap the real exec with a fake.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecCommandRunnerIn returns a runner that executes in dir.
func ExecCommandRunnerIn(dir string) CommandRunner {
	return func(ctx context.Context, name string, args ...string) ([]byte, error) {
		cmd := exec.CommandContext(ctx, name, args...)
		cmd.Dir = dir
		return cmd.CombinedOutput()
	}
}

// defaultInstructions is written when no AGENTS.md override exists.
const defaultInstructions = `# Coordinator Agent

You are the hub coordinator. You receive a NEW_AGENT notification each
time an agent joins the hub. Welcome new agents with a short task message
when coordination is useful, route work between agents, and resolve
threads you open once the work completes.

Keep messages to 1-2 sentences. Do not message agents without a reason.
`

// Coordinator manages the optional coordinator session: a dedicated
// assistant session the daemon launches (or adopts) and notifies whenever
// a new agent registers. It also tracks the session's token spend.
type Coordinator struct {
	cfg    CoordinatorConfig
	client relayAPI
	store  *state.Store
	paths  hub.Paths
	met    *metrics.Registry
	log    *slog.Logger
	run    CommandRunner

	mu        sync.Mutex
	sessionID string
}

// NewCoordinator creates a coordinator manager. run may be nil, in which
// case commands execute in the coordinator directory.
func NewCoordinator(cfg CoordinatorConfig, client relayAPI, store *state.Store, paths hub.Paths, met *metrics.Registry, log *slog.Logger, run CommandRunner) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	c := &Coordinator{
		cfg:    cfg,
		client: client,
		store:  store,
		paths:  paths,
		met:    met,
		log:    log,
		run:    run,
	}
	if c.cfg.Dir == "" {
		c.cfg.Dir = filepath.Join(paths.Root, "coordinator")
	}
	if c.run == nil {
		c.run = ExecCommandRunnerIn(c.cfg.Dir)
	}
	return c
}

// SessionID returns the coordinator's session id, or empty before Start
// succeeds. Safe for concurrent use; the registrar and GC consult it.
func (c *Coordinator) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Start brings up the coordinator session: prepares the working
// directory, adopts an existing session with the coordinator title, or
// launches a fresh one. The session is registered under the reserved
// agent id and marked oriented without an orientation prompt, since its
// instructions file already explains the hub.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.cfg.Enabled {
		return nil
	}

	if err := c.setupDirectory(); err != nil {
		return fmt.Errorf("preparing coordinator directory: %w", err)
	}

	sessionID, err := c.findByTitle(ctx)
	if err != nil {
		return err
	}
	if sessionID != "" {
		c.log.Info("reusing existing coordinator session", "session", sessionID)
		return c.adopt(sessionID)
	}

	sessionID, err = c.launch(ctx)
	if err != nil {
		return err
	}
	c.log.Info("coordinator session started", "session", sessionID)
	return c.adopt(sessionID)
}

func (c *Coordinator) setupDirectory() error {
	if err := os.MkdirAll(c.cfg.Dir, 0o755); err != nil {
		return err
	}

	instructions, err := c.loadInstructions()
	if err != nil {
		return err
	}
	return hub.WriteFileAtomic(filepath.Join(c.cfg.Dir, "AGENTS.md"), instructions)
}

// loadInstructions resolves the coordinator instructions in precedence
// order: explicit override path, then AGENTS.md and COORDINATOR.md in the
// daemon config directory, then a built-in default.
func (c *Coordinator) loadInstructions() ([]byte, error) {
	candidates := []string{}
	if c.cfg.InstructionsFile != "" {
		candidates = append(candidates, c.cfg.InstructionsFile)
	}
	candidates = append(candidates,
		filepath.Join(c.paths.ConfigDir, "AGENTS.md"),
		filepath.Join(c.paths.ConfigDir, "COORDINATOR.md"),
	)

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err == nil {
			c.log.Info("using coordinator instructions", "path", path)
			return data, nil
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		// An explicitly configured file that is missing is a config
		// error, not something to silently fall through.
		if path == c.cfg.InstructionsFile {
			return nil, fmt.Errorf("coordinator instructions file %s does not exist", path)
		}
	}
	return []byte(defaultInstructions), nil
}

// findByTitle looks for a live session whose title exactly matches the
// coordinator title.
func (c *Coordinator) findByTitle(ctx context.Context) (string, error) {
	sessions, err := c.client.ListSessions(ctx)
	if err != nil {
		return "", fmt.Errorf("listing sessions: %w", err)
	}
	for _, s := range sessions {
		if s.Title == c.cfg.Title {
			return s.ID, nil
		}
	}
	return "", nil
}

// launch runs a one-shot `opencode run` to create the session and
// captures the session id from the JSON event stream. If the output
// yields no id, a title search picks up the session instead.
func (c *Coordinator) launch(ctx context.Context) (string, error) {
	args := []string{"run", "--format", "json", "--title", c.cfg.Title}
	if c.cfg.Model != "" {
		args = append(args, "--model", c.cfg.Model)
	}
	args = append(args, "Read AGENTS.md in this directory and follow it. Acknowledge briefly and wait for hub messages.")

	output, err := c.run(ctx, "opencode", args...)
	if err != nil {
		return "", fmt.Errorf("launching coordinator: %w (output: %s)", err, truncate(output, 512))
	}

	if id := parseSessionID(output); id != "" {
		return id, nil
	}

	// Output formats drift between releases; the title is the contract.
	id, ferr := c.findByTitle(ctx)
	if ferr != nil {
		return "", ferr
	}
	if id == "" {
		return "", fmt.Errorf("coordinator started but session id not found (output: %s)", truncate(output, 512))
	}
	return id, nil
}

func (c *Coordinator) adopt(sessionID string) error {
	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()

	if err := c.store.UpsertAgent(state.Agent{
		ID:        CoordinatorAgentID,
		SessionID: sessionID,
		Directory: c.cfg.Dir,
	}); err != nil {
		return fmt.Errorf("registering coordinator agent: %w", err)
	}
	if err := c.store.MapSession(sessionID, CoordinatorAgentID); err != nil {
		return fmt.Errorf("mapping coordinator session: %w", err)
	}
	// Oriented without an orientation prompt: the instructions file
	// already covers the protocol and an injected prompt would burn an
	// LLM turn for nothing.
	if err := c.store.MarkOriented(sessionID); err != nil {
		return fmt.Errorf("marking coordinator oriented: %w", err)
	}
	return nil
}

// parseSessionID extracts the session id from the first line of a JSON
// event stream. Only string ids with the ses_ prefix count.
func parseSessionID(output []byte) string {
	line, _, _ := bytes.Cut(bytes.TrimSpace(output), []byte("\n"))
	if len(line) == 0 {
		return ""
	}
	var event struct {
		SessionID string `json:"sessionID"`
	}
	if err := json.Unmarshal(line, &event); err != nil {
		return ""
	}
	if !strings.HasPrefix(event.SessionID, "ses_") {
		return ""
	}
	return event.SessionID
}

// PollCost recomputes the coordinator session's token totals and
// estimated spend from its message history. Totals are absolute, so
// repeated polls are idempotent; a failed fetch keeps the previous
// values.
func (c *Coordinator) PollCost(ctx context.Context) {
	if !c.cfg.Enabled {
		return
	}
	sessionID := c.SessionID()
	if sessionID == "" {
		return
	}

	messages, err := c.client.SessionMessages(ctx, sessionID)
	if err != nil {
		c.log.Debug("coordinator cost poll failed", "error", err)
		return
	}

	var input, output, cacheRead, cacheWrite int64
	count := 0
	for _, m := range messages {
		if m.Info.Role != "assistant" {
			continue
		}
		count++
		input += m.Info.Tokens.Input
		output += m.Info.Tokens.Output
		cacheRead += m.Info.Tokens.Cache.Read
		cacheWrite += m.Info.Tokens.Cache.Write
	}

	p := c.cfg.Pricing
	cost := float64(input)*p.Input/1e6 +
		float64(output)*p.Output/1e6 +
		float64(cacheRead)*p.CacheRead/1e6 +
		float64(cacheWrite)*p.CacheWrite/1e6

	c.met.SetGauge(metrics.CoordTokensInput, float64(input))
	c.met.SetGauge(metrics.CoordTokensOut, float64(output))
	c.met.SetGauge(metrics.CoordCacheRead, float64(cacheRead))
	c.met.SetGauge(metrics.CoordCacheWrite, float64(cacheWrite))
	c.met.SetGauge(metrics.CoordCostUSD, cost)
	c.met.SetCounter(metrics.CoordMessages, float64(count))
}

// Cost returns the last computed coordinator spend and message count for
// the log summary.
func (c *Coordinator) Cost() (usd float64, messages int) {
	return c.met.Gauge(metrics.CoordCostUSD), int(c.met.Counter(metrics.CoordMessages))
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
