package daemon

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/xnoto/agenthub/internal/hub"
	"github.com/xnoto/agenthub/internal/metrics"
	"github.com/xnoto/agenthub/internal/protocol"
	"github.com/xnoto/agenthub/internal/state"
)

// GC reclaims hub state on a timer: expired spool leftovers, stale
// agents, dead session mappings, closed threads, and oriented-set entries
// for sessions the relay no longer knows.
type GC struct {
	client  relayAPI
	store   *state.Store
	threads *ThreadTracker
	paths   hub.Paths
	met     *metrics.Registry
	log     *slog.Logger

	interval   time.Duration
	messageTTL time.Duration
	agentStale time.Duration

	coordinatorSession func() string
	now                func() time.Time
}

// GCOptions wires a GC.
type GCOptions struct {
	Client             relayAPI
	Store              *state.Store
	Threads            *ThreadTracker
	Paths              hub.Paths
	Metrics            *metrics.Registry
	Log                *slog.Logger
	Interval           time.Duration
	MessageTTL         time.Duration
	AgentStale         time.Duration
	CoordinatorSession func() string
	Now                func() time.Time
}

// NewGC creates a garbage collector.
func NewGC(opts GCOptions) *GC {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.CoordinatorSession == nil {
		opts.CoordinatorSession = func() string { return "" }
	}
	return &GC{
		client:             opts.Client,
		store:              opts.Store,
		threads:            opts.Threads,
		paths:              opts.Paths,
		met:                opts.Metrics,
		log:                opts.Log,
		interval:           opts.Interval,
		messageTTL:         opts.MessageTTL,
		agentStale:         opts.AgentStale,
		coordinatorSession: opts.CoordinatorSession,
		now:                opts.Now,
	}
}

// Run executes collection on the configured interval until cancelled.
func (g *GC) Run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.RunOnce(ctx)
		}
	}
}

// RunOnce performs one collection pass. Each sweep is independent; one
// failing never blocks the others.
func (g *GC) RunOnce(ctx context.Context) {
	now := g.now()

	g.sweepExpiredMessages(now)
	g.sweepStaleAgents(now)
	g.sweepThreads(now)
	g.sweepOriented(ctx)
	g.met.Inc(metrics.GCRuns)
}

// sweepExpiredMessages archives spool files the workers never got to
// before the TTL ran out (for example messages addressed to an agent that
// never appeared while the daemon was down).
func (g *GC) sweepExpiredMessages(now time.Time) {
	entries, err := os.ReadDir(g.paths.Messages)
	if err != nil {
		g.log.Warn("gc: failed to read spool", "error", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() || !isMessageFile(e.Name()) {
			continue
		}
		path := filepath.Join(g.paths.Messages, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		m, err := protocol.ParseMessage(data)
		if err != nil {
			continue // the workers archive malformed files with a sidecar
		}
		if m.Age(now) <= g.messageTTL {
			continue
		}
		m.Expired = true
		out, err := m.Marshal()
		if err != nil {
			continue
		}
		dst := filepath.Join(g.paths.Archive, e.Name())
		if err := hub.WriteFileAtomic(dst, out); err != nil {
			g.log.Warn("gc: failed to archive expired message", "path", path, "error", err)
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			g.log.Warn("gc: failed to remove expired message", "path", path, "error", err)
			continue
		}
		g.met.Inc(metrics.MessagesExpired)
		g.met.Inc(metrics.GCMessagesArchived)
		g.log.Info("gc: archived expired message", "from", m.From, "to", m.To)
	}
}

// sweepStaleAgents removes agents that are both unseen past the stale
// threshold and without a live session. The coordinator is exempt.
func (g *GC) sweepStaleAgents(now time.Time) {
	coordSession := g.coordinatorSession()
	removed := 0
	var removedSessions []string

	for _, a := range g.store.Agents() {
		if a.ID == CoordinatorAgentID || (coordSession != "" && a.SessionID == coordSession) {
			continue
		}
		if now.Sub(time.UnixMilli(a.LastSeenAt)) < g.agentStale {
			continue
		}
		if a.SessionID != "" && g.store.HasSession(a.SessionID) {
			continue
		}
		if err := g.store.RemoveAgent(a.ID); err != nil {
			g.log.Warn("gc: failed to remove stale agent", "agent", a.ID, "error", err)
			continue
		}
		removed++
		if a.SessionID != "" {
			removedSessions = append(removedSessions, a.SessionID)
		}
		g.log.Info("gc: removed stale agent", "agent", a.ID, "last_seen", time.UnixMilli(a.LastSeenAt))
	}

	if removed > 0 {
		g.met.Add(metrics.AgentsRemoved, float64(removed))
		g.met.Add(metrics.GCAgentsCleaned, float64(removed))
		g.met.SetGauge(metrics.AgentsRegistered, float64(g.store.AgentCount()))
	}
	// Session mappings follow their agent out, but only for sessions
	// that are themselves dead; a live session keeps its assignment.
	var unmap []string
	for _, sid := range removedSessions {
		if !g.store.HasSession(sid) {
			unmap = append(unmap, sid)
		}
	}
	if len(unmap) > 0 {
		if err := g.store.UnmapSessions(unmap...); err != nil {
			g.log.Warn("gc: failed to prune session mappings", "error", err)
		}
	}
}

func (g *GC) sweepThreads(now time.Time) {
	removed, err := g.threads.Prune(g.messageTTL, now)
	if err != nil {
		g.log.Warn("gc: thread sweep failed", "error", err)
		return
	}
	if removed > 0 {
		g.log.Info("gc: pruned stale threads", "count", removed)
	}
}

// sweepOriented prunes oriented-set entries for sessions the relay no
// longer lists. The prune only runs on a successful fetch; an
// unavailable relay says nothing about which sessions are gone, and a
// wrongly cleared entry means a duplicate orientation later.
func (g *GC) sweepOriented(ctx context.Context) {
	sessions, err := g.client.ListSessions(ctx)
	if err != nil {
		g.log.Debug("gc: skipping oriented sweep, relay unavailable", "error", err)
		return
	}
	live := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		live[s.ID] = true
	}

	var gone []string
	for _, id := range g.store.OrientedSessions() {
		if !live[id] {
			gone = append(gone, id)
		}
	}
	if len(gone) == 0 {
		return
	}
	if err := g.store.RemoveOriented(gone...); err != nil {
		g.log.Warn("gc: failed to prune oriented set", "error", err)
		return
	}
	g.met.SetGauge(metrics.OrientedSessions, float64(g.store.OrientedCount()))
	g.met.Add(metrics.GCSessionsCleaned, float64(len(gone)))
	g.log.Info("gc: pruned oriented sessions", "count", len(gone))
}
