package daemon

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xnoto/agenthub/internal/hub"
	"github.com/xnoto/agenthub/internal/metrics"
	"github.com/xnoto/agenthub/internal/relay"
	"github.com/xnoto/agenthub/internal/state"
)

func testState(t *testing.T) (*state.Store, hub.Paths) {
	t.Helper()
	paths := hub.At(t.TempDir(), t.TempDir())
	if err := paths.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	store, err := state.Open(paths, nil)
	if err != nil {
		t.Fatal(err)
	}
	return store, paths
}

func testMetrics() *metrics.Registry {
	return metrics.New(time.Now())
}

func TestPollerFirstPollAdoptsWithoutAnnouncing(t *testing.T) {
	store, _ := testState(t)
	f := &fakeRelay{}
	f.setSessions(relay.Session{ID: "ses_old", Slug: "old"})

	p := NewPoller(f, store, time.Hour, time.Hour, testMetrics(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := make(chan SessionDiff, 1)
	p.pollAndSend(ctx, ch)

	select {
	case diff := <-ch:
		t.Fatalf("first poll should not announce, got %+v", diff)
	default:
	}
	if !store.HasSession("ses_old") {
		t.Error("pre-existing session should still enter the table")
	}
}

func TestPollerDiffsAfterFirstPoll(t *testing.T) {
	store, _ := testState(t)
	f := &fakeRelay{}
	f.setSessions(relay.Session{ID: "ses_1"})

	p := NewPoller(f, store, time.Hour, time.Hour, testMetrics(), nil)
	ctx := context.Background()
	ch := make(chan SessionDiff, 1)

	p.pollAndSend(ctx, ch) // primes

	f.setSessions(relay.Session{ID: "ses_1"}, relay.Session{ID: "ses_2", Slug: "fix-bug", Directory: "/w"})
	p.pollAndSend(ctx, ch)

	diff := <-ch
	if len(diff.Added) != 1 || diff.Added[0].ID != "ses_2" || diff.Added[0].Slug != "fix-bug" {
		t.Errorf("added = %+v", diff.Added)
	}
	if len(diff.Removed) != 0 {
		t.Errorf("removed = %+v", diff.Removed)
	}

	f.setSessions(relay.Session{ID: "ses_2"})
	p.pollAndSend(ctx, ch)
	diff = <-ch
	if len(diff.Removed) != 1 || diff.Removed[0].ID != "ses_1" {
		t.Errorf("removed = %+v", diff.Removed)
	}
}

func TestPollerFailureKeepsSessions(t *testing.T) {
	store, _ := testState(t)
	f := &fakeRelay{}
	f.setSessions(relay.Session{ID: "ses_1"})

	p := NewPoller(f, store, time.Hour, time.Hour, testMetrics(), nil)
	ctx := context.Background()
	ch := make(chan SessionDiff, 1)
	p.pollAndSend(ctx, ch)

	f.mu.Lock()
	f.listErr = relay.ErrUnavailable
	f.mu.Unlock()
	p.pollAndSend(ctx, ch)

	select {
	case diff := <-ch:
		t.Fatalf("failed poll must not produce a diff, got %+v", diff)
	default:
	}
	if !store.HasSession("ses_1") {
		t.Error("failed poll must not mark sessions gone")
	}
}

func TestPollerSessionCache(t *testing.T) {
	store, _ := testState(t)
	f := &fakeRelay{}
	f.setSessions(relay.Session{ID: "ses_1"})
	met := testMetrics()

	p := NewPoller(f, store, time.Hour, time.Hour, met, nil)
	ctx := context.Background()

	if _, err := p.Sessions(ctx); err != nil {
		t.Fatal(err)
	}
	before := f.calls()
	if _, err := p.Sessions(ctx); err != nil {
		t.Fatal(err)
	}
	if f.calls() != before {
		t.Error("second lookup inside TTL should be served from cache")
	}
	if met.Counter(metrics.SessionCacheHits) != 1 || met.Counter(metrics.SessionCacheMisses) != 1 {
		t.Errorf("hits=%v misses=%v, want 1/1",
			met.Counter(metrics.SessionCacheHits), met.Counter(metrics.SessionCacheMisses))
	}

	p.Invalidate()
	if _, err := p.Sessions(ctx); err != nil {
		t.Fatal(err)
	}
	if f.calls() != before+1 {
		t.Error("lookup after Invalidate should hit the relay")
	}
}

func TestPollerCacheExpiry(t *testing.T) {
	store, _ := testState(t)
	f := &fakeRelay{}
	f.setSessions(relay.Session{ID: "ses_1"})

	p := NewPoller(f, store, time.Hour, time.Millisecond, testMetrics(), nil)
	ctx := context.Background()

	if _, err := p.Sessions(ctx); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	before := f.calls()
	if _, err := p.Sessions(ctx); err != nil {
		t.Fatal(err)
	}
	if f.calls() != before+1 {
		t.Error("lookup after TTL should refetch")
	}
}

func TestPollerCacheErrorPropagates(t *testing.T) {
	store, _ := testState(t)
	f := &fakeRelay{listErr: relay.ErrUnavailable}
	p := NewPoller(f, store, time.Hour, time.Hour, testMetrics(), nil)

	if _, err := p.Sessions(context.Background()); !errors.Is(err, relay.ErrUnavailable) {
		t.Errorf("error = %v, want ErrUnavailable", err)
	}
}
