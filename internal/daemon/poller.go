package daemon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xnoto/agenthub/internal/metrics"
	"github.com/xnoto/agenthub/internal/relay"
	"github.com/xnoto/agenthub/internal/state"
)

// relayAPI is the slice of the relay client the daemon loops use. Tests
// substitute a fake.
type relayAPI interface {
	ListSessions(ctx context.Context) ([]relay.Session, error)
	Inject(ctx context.Context, sessionID, text string) error
	SessionMessages(ctx context.Context, sessionID string) ([]relay.SessionMessage, error)
}

// SessionDiff is one poll's worth of session table changes.
type SessionDiff struct {
	Added   []state.Session
	Removed []state.Session
}

// Poller tracks the relay's session list: it feeds the registrar with
// appear/disappear diffs and serves cached lookups to the workers.
type Poller struct {
	client   relayAPI
	store    *state.Store
	interval time.Duration
	cacheTTL time.Duration
	log      *slog.Logger
	met      *metrics.Registry

	mu       sync.Mutex
	cached   []relay.Session
	cachedAt time.Time
	primed   bool // first successful poll completed
}

// NewPoller creates a session poller.
func NewPoller(client relayAPI, store *state.Store, interval, cacheTTL time.Duration, met *metrics.Registry, log *slog.Logger) *Poller {
	if log == nil {
		log = slog.Default()
	}
	return &Poller{
		client:   client,
		store:    store,
		interval: interval,
		cacheTTL: cacheTTL,
		log:      log,
		met:      met,
	}
}

// Sessions returns the relay session list, served from cache when it is
// younger than the cache TTL. Workers call this on every delivery, so the
// cache is what keeps recipient resolution from hammering the relay.
func (p *Poller) Sessions(ctx context.Context) ([]relay.Session, error) {
	p.mu.Lock()
	if p.cached != nil && time.Since(p.cachedAt) < p.cacheTTL {
		sessions := p.cached
		p.mu.Unlock()
		p.met.Inc(metrics.SessionCacheHits)
		return sessions, nil
	}
	p.mu.Unlock()

	p.met.Inc(metrics.SessionCacheMisses)
	sessions, err := p.client.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	p.setCache(sessions)
	return sessions, nil
}

// Invalidate drops the cache so the next lookup refetches. Workers call
// this after a 404 injection, when the cached list is provably stale.
func (p *Poller) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = nil
}

func (p *Poller) setCache(sessions []relay.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = sessions
	p.cachedAt = time.Now()
}

// Start runs the poll loop, sending session diffs to the returned channel.
// The channel is closed when the context is cancelled.
func (p *Poller) Start(ctx context.Context) <-chan SessionDiff {
	ch := make(chan SessionDiff)

	go func() {
		defer close(ch)

		p.log.Info("session poll loop started", "interval", p.interval)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		// Poll immediately on start, then on interval.
		p.pollAndSend(ctx, ch)

		for {
			select {
			case <-ctx.Done():
				p.log.Info("session poll loop stopped")
				return
			case <-ticker.C:
				p.pollAndSend(ctx, ch)
			}
		}
	}()

	return ch
}

func (p *Poller) pollAndSend(ctx context.Context, ch chan<- SessionDiff) {
	sessions, err := p.client.ListSessions(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		// A failed poll says nothing about which sessions are gone, so
		// the known table is left untouched.
		p.log.Warn("session poll failed", "error", err)
		return
	}
	p.setCache(sessions)

	current := make([]state.Session, 0, len(sessions))
	for _, s := range sessions {
		current = append(current, toStateSession(s))
	}
	added, removed := p.store.SetSessions(current)
	p.met.SetGauge(metrics.SessionsActive, float64(len(current)))

	p.mu.Lock()
	first := !p.primed
	p.primed = true
	p.mu.Unlock()

	if first {
		// Sessions present at startup are pre-existing. They populate
		// the table for recipient resolution but are not announced, so
		// they never get oriented or auto-registered.
		if len(added) > 0 {
			p.log.Info("adopted pre-existing sessions", "count", len(added))
		}
		return
	}

	if len(added) == 0 && len(removed) == 0 {
		return
	}
	p.log.Debug("session diff", "added", len(added), "removed", len(removed))

	select {
	case ch <- SessionDiff{Added: added, Removed: removed}:
	case <-ctx.Done():
	}
}

func toStateSession(s relay.Session) state.Session {
	return state.Session{
		ID:        s.ID,
		Title:     s.Title,
		Slug:      s.Slug,
		Directory: s.Directory,
		CreatedAt: s.Time.Created,
	}
}
