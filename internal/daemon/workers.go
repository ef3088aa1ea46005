package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/xnoto/agenthub/internal/hub"
	"github.com/xnoto/agenthub/internal/metrics"
	"github.com/xnoto/agenthub/internal/protocol"
	"github.com/xnoto/agenthub/internal/relay"
	"github.com/xnoto/agenthub/internal/state"
)

// WorkerPool drains the delivery queue. Each worker walks one message
// through the full pipeline: rate check, TTL check, recipient resolution,
// envelope compose, injection with retries, archive, thread update.
type WorkerPool struct {
	client  relayAPI
	poller  *Poller
	store   *state.Store
	threads *ThreadTracker
	limiter *RateLimiter
	paths   hub.Paths
	met     *metrics.Registry
	log     *slog.Logger

	workers    int
	retries    int
	timeout    time.Duration
	messageTTL time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

// WorkerPoolOptions wires a WorkerPool.
type WorkerPoolOptions struct {
	Client     relayAPI
	Poller     *Poller
	Store      *state.Store
	Threads    *ThreadTracker
	Limiter    *RateLimiter
	Paths      hub.Paths
	Metrics    *metrics.Registry
	Log        *slog.Logger
	Workers    int
	Retries    int
	Timeout    time.Duration
	MessageTTL time.Duration

	// Now and Sleep are clock seams for tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) bool
}

// NewWorkerPool creates a pool; Run starts it.
func NewWorkerPool(opts WorkerPoolOptions) *WorkerPool {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	return &WorkerPool{
		client:     opts.Client,
		poller:     opts.Poller,
		store:      opts.Store,
		threads:    opts.Threads,
		limiter:    opts.Limiter,
		paths:      opts.Paths,
		met:        opts.Metrics,
		log:        opts.Log,
		workers:    opts.Workers,
		retries:    opts.Retries,
		timeout:    opts.Timeout,
		messageTTL: opts.MessageTTL,
		now:        opts.Now,
		sleep:      opts.Sleep,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Run consumes tasks until the channel is closed and all in-flight
// deliveries finish. Cancelling the context aborts retries in progress.
func (p *WorkerPool) Run(ctx context.Context, tasks <-chan DeliveryTask) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range tasks {
				p.met.SetGauge(metrics.MessageQueueSize, float64(len(tasks)))
				p.Process(ctx, task.Path)
			}
		}()
	}
	wg.Wait()
}

// Process handles one spool file end to end. Task-scope failures are
// archived with annotations; only the file read racing another worker is
// silently skipped.
func (p *WorkerPool) Process(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Create+rename from a producer can queue the same path twice;
		// the loser of that race finds the file gone.
		if !os.IsNotExist(err) {
			p.log.Error("failed to read spool file", "path", path, "error", err)
		}
		return
	}

	m, err := protocol.ParseMessage(data)
	if err != nil {
		p.log.Warn("malformed message, archiving", "path", path, "error", err)
		p.met.IncFailed("parse")
		p.archiveRaw(path, data, err)
		return
	}

	now := p.now()

	// Any message from an agent proves its session is alive.
	if err := p.store.TouchAgent(m.From, now); err != nil {
		p.log.Warn("failed to touch sender", "agent", m.From, "error", err)
	}

	if ok, reason := p.limiter.Allow(m.From); !ok {
		m.RateLimited = true
		m.RateLimitReason = reason
		p.met.Inc(metrics.MessagesRateLimited)
		p.met.IncFailed("rate")
		p.log.Info("message rate limited", "from", m.From, "reason", reason)
		p.archive(path, m)
		return
	}

	if m.Age(now) > p.messageTTL {
		m.Expired = true
		p.met.Inc(metrics.MessagesExpired)
		p.met.IncFailed("expired")
		p.log.Info("message expired", "from", m.From, "to", m.To, "age", m.Age(now))
		p.archive(path, m)
		return
	}

	if _, err := p.threads.Ensure(m, now); err != nil {
		p.log.Warn("failed to update thread", "thread", m.ThreadID, "error", err)
	}

	targets, err := p.resolve(ctx, m)
	if err != nil || len(targets) == 0 {
		m.Undeliverable = true
		p.met.IncFailed("undeliverable")
		p.log.Warn("message undeliverable", "from", m.From, "to", m.To, "error", err)
		p.archive(path, m)
		return
	}

	delivered := 0
	var lastInjectErr error
	for _, tgt := range targets {
		prompt := protocol.FormatNotification(m, tgt.agentID)
		if err := p.inject(ctx, tgt.sessionID, prompt); err != nil {
			lastInjectErr = err
			p.log.Warn("injection failed", "to", tgt.agentID, "session", tgt.sessionID, "error", err)
			continue
		}
		delivered++
	}

	if delivered == 0 {
		// A 404 that survived the cache refresh means the recipient
		// session is gone, which is an addressing failure rather than a
		// relay one.
		if errors.Is(lastInjectErr, relay.ErrNotFound) {
			m.Undeliverable = true
			p.met.IncFailed("undeliverable")
		} else {
			m.InjectFailed = true
			p.met.IncFailed("inject")
		}
		p.archive(path, m)
		return
	}

	m.Read = true
	m.DeliveredAt = float64(p.now().UnixMilli()) / 1000.0
	// One message counts once no matter how many broadcast recipients.
	p.met.Inc(metrics.MessagesDelivered)
	p.log.Info("message delivered", "from", m.From, "to", m.To, "type", m.Type, "recipients", delivered)

	if _, err := p.threads.RecordDelivery(m, p.now()); err != nil {
		p.log.Warn("failed to record thread delivery", "thread", m.ThreadID, "error", err)
	}

	p.archive(path, m)
}

// target is one resolved recipient.
type target struct {
	agentID   string
	sessionID string
}

// resolve maps the message's to-address onto live sessions. Directed
// messages retry with backoff because the recipient may still be
// registering; broadcasts take whoever is live right now.
func (p *WorkerPool) resolve(ctx context.Context, m *protocol.Message) ([]target, error) {
	if m.Broadcast() {
		sessions, err := p.poller.Sessions(ctx)
		if err != nil {
			return nil, err
		}
		live := make(map[string]bool, len(sessions))
		for _, s := range sessions {
			live[s.ID] = true
		}
		var targets []target
		for _, a := range p.store.Agents() {
			if a.ID == m.From || a.SessionID == "" || !live[a.SessionID] {
				continue
			}
			targets = append(targets, target{agentID: a.ID, sessionID: a.SessionID})
		}
		return targets, nil
	}

	// An unknown or session-less recipient gets the same retry budget as
	// an unavailable relay: the agent may be mid-registration and appear
	// between attempts.
	var lastErr error
	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 {
			p.poller.Invalidate()
			if !p.sleep(ctx, p.backoff(attempt)) {
				return nil, ctx.Err()
			}
		}
		tgt, err := p.resolveDirect(ctx, m.To)
		if err == nil {
			return []target{tgt}, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (p *WorkerPool) resolveDirect(ctx context.Context, agentID string) (target, error) {
	agent, ok := p.store.Agent(agentID)
	if !ok || agent.SessionID == "" {
		return target{}, fmt.Errorf("no registered agent %q", agentID)
	}
	sessions, err := p.poller.Sessions(ctx)
	if err != nil {
		return target{}, err
	}
	for _, s := range sessions {
		if s.ID == agent.SessionID {
			return target{agentID: agentID, sessionID: agent.SessionID}, nil
		}
	}
	return target{}, fmt.Errorf("agent %q session %s is not live", agentID, agent.SessionID)
}

// inject delivers one prompt with the retry policy: a 404 invalidates the
// session cache and retries once, unavailability backs off exponentially
// with jitter.
func (p *WorkerPool) inject(ctx context.Context, sessionID, text string) error {
	refreshed := false
	var lastErr error
	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 {
			if !p.sleep(ctx, p.backoff(attempt)) {
				return ctx.Err()
			}
			p.met.Inc(metrics.InjectionsRetried)
		}

		ictx, cancel := context.WithTimeout(ctx, p.timeout)
		err := p.client.Inject(ictx, sessionID, text)
		cancel()
		if err == nil {
			p.met.Inc(metrics.InjectionsTotal)
			return nil
		}
		lastErr = err

		switch {
		case errors.Is(err, relay.ErrNotFound):
			if refreshed {
				return err
			}
			// The cached session list lied; refresh once and try again.
			refreshed = true
			p.poller.Invalidate()
		case errors.Is(err, relay.ErrUnavailable):
			// Retry with backoff.
		default:
			return err
		}
	}
	return lastErr
}

// backoff returns timeout × 2^(attempt−1) with ±20% jitter.
func (p *WorkerPool) backoff(attempt int) time.Duration {
	return backoffDelay(p.timeout, attempt)
}

func backoffDelay(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}

// archive annotates the message and moves it to the archive directory.
// The annotated copy is written first; removing the spool file is the
// acknowledgment, so a crash in between redelivers rather than loses.
func (p *WorkerPool) archive(path string, m *protocol.Message) {
	data, err := m.Marshal()
	if err != nil {
		p.log.Error("failed to marshal for archive", "path", path, "error", err)
		return
	}
	dst := filepath.Join(p.paths.Archive, filepath.Base(path))
	if err := hub.WriteFileAtomic(dst, data); err != nil {
		p.log.Error("failed to write archive file", "path", dst, "error", err)
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		p.log.Error("failed to remove spool file", "path", path, "error", err)
	}
}

// archiveRaw preserves an unparseable file verbatim with an .error
// sidecar describing what went wrong.
func (p *WorkerPool) archiveRaw(path string, data []byte, cause error) {
	base := filepath.Base(path)
	dst := filepath.Join(p.paths.Archive, base)
	if err := hub.WriteFileAtomic(dst, data); err != nil {
		p.log.Error("failed to archive malformed file", "path", dst, "error", err)
		return
	}
	sidecar := fmt.Sprintf("%s\n", cause)
	if err := hub.WriteFileAtomic(dst+".error", []byte(sidecar)); err != nil {
		p.log.Warn("failed to write error sidecar", "path", dst, "error", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		p.log.Error("failed to remove spool file", "path", path, "error", err)
	}
}
