package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xnoto/agenthub/internal/hub"
	"github.com/xnoto/agenthub/internal/metrics"
	"github.com/xnoto/agenthub/internal/protocol"
	"github.com/xnoto/agenthub/internal/relay"
	"github.com/xnoto/agenthub/internal/state"
)

// CoordinatorAgentID is the reserved agent id of the coordinator session.
const CoordinatorAgentID = "coordinator"

// pendingOrientation tracks a session that was oriented but whose agent
// has not responded yet.
type pendingOrientation struct {
	agentID    string
	orientedAt time.Time
	retries    int
}

// Registrar auto-registers agents for new sessions and injects the
// one-time orientation prompt. It also re-orients sessions whose agent
// never responds, up to a retry cap.
type Registrar struct {
	client    relayAPI
	store     *state.Store
	paths     hub.Paths
	met       *metrics.Registry
	log       *slog.Logger
	startedAt time.Time

	injectTimeout time.Duration
	injectRetries int
	retryDelay    time.Duration
	retryMax      int

	coordinatorEnabled bool
	// coordinatorSession reports the coordinator's session id, empty
	// until the coordinator is up. Never auto-registered or retried.
	coordinatorSession func() string

	mu      sync.Mutex
	pending map[string]*pendingOrientation // session id → ledger entry
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) bool
}

// RegistrarOptions wires a Registrar.
type RegistrarOptions struct {
	Client             relayAPI
	Store              *state.Store
	Paths              hub.Paths
	Metrics            *metrics.Registry
	Log                *slog.Logger
	StartedAt          time.Time
	InjectTimeout      time.Duration
	InjectRetries      int
	RetryDelay         time.Duration
	RetryMax           int
	CoordinatorEnabled bool
	CoordinatorSession func() string

	// Now and Sleep are clock seams for tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) bool
}

// NewRegistrar creates a registrar.
func NewRegistrar(opts RegistrarOptions) *Registrar {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.CoordinatorSession == nil {
		opts.CoordinatorSession = func() string { return "" }
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	return &Registrar{
		client:             opts.Client,
		store:              opts.Store,
		paths:              opts.Paths,
		met:                opts.Metrics,
		log:                opts.Log,
		startedAt:          opts.StartedAt,
		injectTimeout:      opts.InjectTimeout,
		injectRetries:      opts.InjectRetries,
		retryDelay:         opts.RetryDelay,
		retryMax:           opts.RetryMax,
		coordinatorEnabled: opts.CoordinatorEnabled,
		coordinatorSession: opts.CoordinatorSession,
		pending:            make(map[string]*pendingOrientation),
		now:                opts.Now,
		sleep:              opts.Sleep,
	}
}

// Run consumes session diffs until the channel closes or the context is
// cancelled. Retry checks ride the same loop on a ticker.
func (r *Registrar) Run(ctx context.Context, diffs <-chan SessionDiff) {
	ticker := time.NewTicker(r.retryCheckInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case diff, ok := <-diffs:
			if !ok {
				return
			}
			for _, sess := range diff.Added {
				r.handleNewSession(ctx, sess)
			}
			for _, sess := range diff.Removed {
				r.log.Debug("session gone", "session", sess.ID)
			}
		case <-ticker.C:
			r.CheckRetries(ctx)
		}
	}
}

func (r *Registrar) retryCheckInterval() time.Duration {
	if r.retryDelay > 0 && r.retryDelay < 30*time.Second {
		return r.retryDelay
	}
	return 30 * time.Second
}

// handleNewSession registers and orients one newly appeared session.
func (r *Registrar) handleNewSession(ctx context.Context, sess state.Session) {
	if sess.ID == r.coordinatorSession() {
		return
	}
	// Sessions created before the daemon started are someone else's
	// business even if the poller only noticed them now.
	if sess.CreatedAt > 0 && time.UnixMilli(sess.CreatedAt).Before(r.startedAt) {
		r.log.Debug("skipping session created before daemon start", "session", sess.ID)
		return
	}
	if r.store.Oriented(sess.ID) {
		return
	}

	agentID := r.agentIDFor(sess)
	now := r.now()

	// LastSeenAt is pinned to the orientation time so the retry check
	// only treats activity strictly after orientation as a response.
	if err := r.store.UpsertAgent(state.Agent{
		ID:         agentID,
		SessionID:  sess.ID,
		Directory:  sess.Directory,
		LastSeenAt: now.UnixMilli(),
	}); err != nil {
		r.log.Error("failed to persist agent", "agent", agentID, "error", err)
		return
	}
	if err := r.store.MapSession(sess.ID, agentID); err != nil {
		r.log.Error("failed to persist session mapping", "session", sess.ID, "error", err)
	}
	r.met.SetGauge(metrics.AgentsRegistered, float64(r.store.AgentCount()))

	// Mark before injecting: a duplicate orientation after a crash is
	// worse than a missed one, because retries cover the missed case.
	if err := r.store.MarkOriented(sess.ID); err != nil {
		r.log.Error("failed to persist oriented set", "session", sess.ID, "error", err)
	}
	r.met.SetGauge(metrics.OrientedSessions, float64(r.store.OrientedCount()))

	if err := r.injectOrientation(ctx, sess.ID, agentID, sess.Directory); err != nil {
		r.log.Warn("orientation injection failed", "session", sess.ID, "agent", agentID, "error", err)
	} else {
		r.met.Inc(metrics.SessionsOriented)
		r.log.Info("session oriented", "session", sess.ID, "agent", agentID)
	}

	if r.retryMax > 0 {
		r.mu.Lock()
		r.pending[sess.ID] = &pendingOrientation{agentID: agentID, orientedAt: now}
		r.mu.Unlock()
	}

	if r.coordinatorEnabled {
		if err := r.notifyCoordinator(agentID, sess.Directory); err != nil {
			r.log.Warn("failed to enqueue coordinator notification", "agent", agentID, "error", err)
		}
	}
}

// agentIDFor derives the stable agent id for a session. The persisted
// session map wins so ids survive restarts; otherwise the id comes from
// the session slug, with a session-id suffix on collision.
func (r *Registrar) agentIDFor(sess state.Session) string {
	if id, ok := r.store.AgentIDForSession(sess.ID); ok {
		return id
	}
	id := protocol.AgentIDForSession(sess.ID, sess.Slug)
	if existing, ok := r.store.Agent(id); ok && existing.SessionID != sess.ID {
		id = id + "-" + protocol.ShortSessionSuffix(sess.ID)
	}
	return id
}

// injectOrientation delivers the orientation prompt with the same
// backoff-retry budget as message delivery. The 120s ledger covers an
// agent that never answers; this covers a relay that blips mid-inject.
func (r *Registrar) injectOrientation(ctx context.Context, sessionID, agentID, directory string) error {
	var others []string
	for _, a := range r.store.Agents() {
		if a.ID != agentID {
			others = append(others, a.ID)
		}
	}
	prompt := protocol.FormatOrientation(agentID, directory, others)

	var lastErr error
	for attempt := 0; attempt <= r.injectRetries; attempt++ {
		if attempt > 0 {
			if !r.sleep(ctx, backoffDelay(r.injectTimeout, attempt)) {
				return ctx.Err()
			}
			r.met.Inc(metrics.InjectionsRetried)
		}

		ictx, cancel := context.WithTimeout(ctx, r.injectTimeout)
		err := r.client.Inject(ictx, sessionID, prompt)
		cancel()
		if err == nil {
			r.met.Inc(metrics.InjectionsTotal)
			return nil
		}
		lastErr = err
		if !errors.Is(err, relay.ErrUnavailable) {
			return err
		}
	}
	return lastErr
}

// notifyCoordinator drops a NEW_AGENT message into the spool from the
// synthetic sender "daemon". It rides the normal delivery pipeline, so
// the coordinator gets it with reply instructions like any other message.
func (r *Registrar) notifyCoordinator(agentID, directory string) error {
	content := fmt.Sprintf("NEW_AGENT: %s joined the hub", agentID)
	if directory != "" {
		content += fmt.Sprintf(" (directory: %s)", directory)
	}
	m := &protocol.Message{
		From:      "daemon",
		To:        CoordinatorAgentID,
		Type:      protocol.TypeContext,
		Content:   content,
		Priority:  protocol.PriorityNormal,
		Timestamp: r.now().UnixMilli(),
	}
	data, err := m.Marshal()
	if err != nil {
		return err
	}
	name := fmt.Sprintf("msg-%d-%s.json", r.now().UnixMilli(), uuid.Must(uuid.NewV7()).String()[:8])
	return hub.WriteFileAtomic(filepath.Join(r.paths.Messages, name), data)
}

// CheckRetries walks the orientation ledger. An agent seen after its
// orientation clears the entry; silent sessions get the prompt again
// after the delay, until the retry cap is reached.
func (r *Registrar) CheckRetries(ctx context.Context) {
	now := r.now()

	r.mu.Lock()
	due := make(map[string]*pendingOrientation)
	for sessionID, p := range r.pending {
		if agent, ok := r.store.Agent(p.agentID); ok && agent.LastSeenAt > p.orientedAt.UnixMilli() {
			delete(r.pending, sessionID)
			continue
		}
		if now.Sub(p.orientedAt) >= r.retryDelay {
			due[sessionID] = p
		}
	}
	r.mu.Unlock()

	for sessionID, p := range due {
		if !r.store.HasSession(sessionID) {
			r.mu.Lock()
			delete(r.pending, sessionID)
			r.mu.Unlock()
			continue
		}
		if p.retries >= r.retryMax {
			r.met.Inc(metrics.OrientationGaveUp)
			r.log.Warn("giving up on orientation", "session", sessionID, "agent", p.agentID, "retries", p.retries)
			r.mu.Lock()
			delete(r.pending, sessionID)
			r.mu.Unlock()
			continue
		}

		agent, _ := r.store.Agent(p.agentID)
		if err := r.injectOrientation(ctx, sessionID, p.agentID, agent.Directory); err != nil {
			r.log.Warn("orientation retry failed", "session", sessionID, "error", err)
			continue
		}
		r.met.Inc(metrics.OrientationRetries)
		r.log.Info("orientation re-sent", "session", sessionID, "agent", p.agentID, "attempt", p.retries+1)

		r.mu.Lock()
		p.retries++
		p.orientedAt = now
		r.mu.Unlock()
	}
}

// PendingOrientations returns the sessions currently in the retry ledger.
func (r *Registrar) PendingOrientations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.pending))
	for id := range r.pending {
		out = append(out, id)
	}
	return out
}
