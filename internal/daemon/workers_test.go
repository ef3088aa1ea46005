package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xnoto/agenthub/internal/hub"
	"github.com/xnoto/agenthub/internal/metrics"
	"github.com/xnoto/agenthub/internal/protocol"
	"github.com/xnoto/agenthub/internal/relay"
	"github.com/xnoto/agenthub/internal/state"
)

type workerFixture struct {
	pool  *WorkerPool
	relay *fakeRelay
	store *state.Store
	paths hub.Paths
	met   *metrics.Registry
}

func testWorkers(t *testing.T, mutate func(*WorkerPoolOptions)) *workerFixture {
	t.Helper()
	store, paths := testState(t)
	f := &fakeRelay{}
	met := testMetrics()
	opts := WorkerPoolOptions{
		Client:     f,
		Poller:     NewPoller(f, store, time.Hour, time.Hour, met, nil),
		Store:      store,
		Threads:    NewThreadTracker(paths, met, nil),
		Limiter:    NewRateLimiter(RateLimitConfig{}, nil),
		Paths:      paths,
		Metrics:    met,
		Workers:    1,
		Retries:    1,
		Timeout:    time.Second,
		MessageTTL: time.Hour,
		Sleep:      func(ctx context.Context, d time.Duration) bool { return true },
	}
	if mutate != nil {
		mutate(&opts)
	}
	return &workerFixture{
		pool:  NewWorkerPool(opts),
		relay: f,
		store: store,
		paths: paths,
		met:   met,
	}
}

// registerAgent sets up an agent with a live relay session.
func (fx *workerFixture) registerAgent(t *testing.T, id, sessionID string) {
	t.Helper()
	if err := fx.store.UpsertAgent(state.Agent{ID: id, SessionID: sessionID}); err != nil {
		t.Fatal(err)
	}
	fx.relay.mu.Lock()
	fx.relay.sessions = append(fx.relay.sessions, relay.Session{ID: sessionID})
	fx.relay.mu.Unlock()
}

func (fx *workerFixture) writeSpool(t *testing.T, name string, m *protocol.Message) string {
	t.Helper()
	if m.Timestamp == 0 {
		m.Timestamp = time.Now().UnixMilli()
	}
	data, err := m.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(fx.paths.Messages, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func (fx *workerFixture) readArchive(t *testing.T, name string) *protocol.Message {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(fx.paths.Archive, name))
	if err != nil {
		t.Fatalf("archive copy missing: %v", err)
	}
	var m protocol.Message
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	return &m
}

func TestProcessDeliversDirected(t *testing.T) {
	fx := testWorkers(t, nil)
	fx.registerAgent(t, "bob", "ses_bob")

	path := fx.writeSpool(t, "msg-1.json", &protocol.Message{
		From: "alice", To: "bob", Type: protocol.TypeQuestion, Content: "does the cache flush?",
	})
	fx.pool.Process(context.Background(), path)

	inj := fx.relay.injections()
	if len(inj) != 1 || inj[0].sessionID != "ses_bob" {
		t.Fatalf("injections = %+v", inj)
	}
	if !strings.Contains(inj[0].text, "does the cache flush?") {
		t.Errorf("prompt missing content:\n%s", inj[0].text)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("spool file should be removed after archive")
	}
	archived := fx.readArchive(t, "msg-1.json")
	if !archived.Read || archived.DeliveredAt == 0 {
		t.Errorf("archive annotations = %+v", archived)
	}
	if archived.ThreadID == "" {
		t.Error("delivery should have assigned a thread id")
	}
	if fx.met.Counter(metrics.MessagesDelivered) != 1 {
		t.Errorf("delivered counter = %v", fx.met.Counter(metrics.MessagesDelivered))
	}
}

func TestProcessRateLimited(t *testing.T) {
	now := time.Unix(1000, 0)
	fx := testWorkers(t, func(o *WorkerPoolOptions) {
		o.Limiter = NewRateLimiter(RateLimitConfig{Enabled: true, MaxMessages: 1, WindowSeconds: 300}, func() time.Time { return now })
	})
	fx.registerAgent(t, "bob", "ses_bob")

	p1 := fx.writeSpool(t, "msg-1.json", &protocol.Message{From: "alice", To: "bob", Type: protocol.TypeContext, Content: "one"})
	p2 := fx.writeSpool(t, "msg-2.json", &protocol.Message{From: "alice", To: "bob", Type: protocol.TypeContext, Content: "two"})
	fx.pool.Process(context.Background(), p1)
	fx.pool.Process(context.Background(), p2)

	if len(fx.relay.injections()) != 1 {
		t.Fatalf("injections = %d, want 1", len(fx.relay.injections()))
	}
	archived := fx.readArchive(t, "msg-2.json")
	if !archived.RateLimited || archived.RateLimitReason == "" {
		t.Errorf("second message annotations = %+v", archived)
	}
	if archived.Read {
		t.Error("limited message must not be marked read")
	}
	if fx.met.Counter(metrics.MessagesRateLimited) != 1 {
		t.Errorf("rate limited counter = %v", fx.met.Counter(metrics.MessagesRateLimited))
	}
	if fx.met.Counter(metrics.MessagesFailed) != 1 {
		t.Errorf("failed counter = %v, want the rate rejection counted", fx.met.Counter(metrics.MessagesFailed))
	}
	if !strings.Contains(fx.met.Render(), `agent_hub_messages_failed_total{reason="rate"} 1`) {
		t.Error("rate rejection missing from the failed-by-reason series")
	}
}

func TestProcessExpired(t *testing.T) {
	fx := testWorkers(t, func(o *WorkerPoolOptions) {
		o.MessageTTL = time.Minute
	})
	fx.registerAgent(t, "bob", "ses_bob")

	path := fx.writeSpool(t, "msg-1.json", &protocol.Message{
		From: "alice", To: "bob", Type: protocol.TypeContext, Content: "stale",
		Timestamp: time.Now().Add(-time.Hour).UnixMilli(),
	})
	fx.pool.Process(context.Background(), path)

	if len(fx.relay.injections()) != 0 {
		t.Error("expired message must not be injected")
	}
	archived := fx.readArchive(t, "msg-1.json")
	if !archived.Expired {
		t.Errorf("annotations = %+v", archived)
	}
	if fx.met.Counter(metrics.MessagesExpired) != 1 {
		t.Errorf("expired counter = %v", fx.met.Counter(metrics.MessagesExpired))
	}
	if !strings.Contains(fx.met.Render(), `agent_hub_messages_failed_total{reason="expired"} 1`) {
		t.Error("expiry missing from the failed-by-reason series")
	}
}

func TestProcessUndeliverable(t *testing.T) {
	fx := testWorkers(t, func(o *WorkerPoolOptions) {
		o.Retries = 0
	})

	path := fx.writeSpool(t, "msg-1.json", &protocol.Message{From: "alice", To: "nobody", Type: protocol.TypeTask, Content: "x"})
	fx.pool.Process(context.Background(), path)

	archived := fx.readArchive(t, "msg-1.json")
	if !archived.Undeliverable {
		t.Errorf("annotations = %+v", archived)
	}
	if fx.met.Counter(metrics.MessagesFailed) != 1 {
		t.Errorf("failed counter = %v", fx.met.Counter(metrics.MessagesFailed))
	}
}

func TestProcessRecipientAppearsDuringRetries(t *testing.T) {
	var fx *workerFixture
	fx = testWorkers(t, func(o *WorkerPoolOptions) {
		o.Retries = 3
		o.Sleep = func(ctx context.Context, d time.Duration) bool {
			// The recipient registers between attempts.
			if _, ok := fx.store.Agent("bob"); !ok {
				fx.registerAgent(t, "bob", "ses_bob")
			}
			return true
		}
	})

	path := fx.writeSpool(t, "msg-1.json", &protocol.Message{From: "alice", To: "bob", Type: protocol.TypeTask, Content: "x"})
	fx.pool.Process(context.Background(), path)

	if len(fx.relay.injections()) != 1 {
		t.Fatalf("injections = %d, want delivery once the recipient registered", len(fx.relay.injections()))
	}
	archived := fx.readArchive(t, "msg-1.json")
	if !archived.Read || archived.Undeliverable {
		t.Errorf("annotations = %+v", archived)
	}
}

func TestProcessRelayFlaps(t *testing.T) {
	fx := testWorkers(t, func(o *WorkerPoolOptions) {
		o.Retries = 3
	})
	fx.registerAgent(t, "bob", "ses_bob")

	attempts := 0
	fx.relay.injectFn = func(sessionID, text string) error {
		attempts++
		if attempts <= 2 {
			return relay.ErrUnavailable
		}
		return nil
	}

	path := fx.writeSpool(t, "msg-1.json", &protocol.Message{From: "alice", To: "bob", Type: protocol.TypeTask, Content: "x"})
	fx.pool.Process(context.Background(), path)

	if attempts != 3 {
		t.Errorf("attempts = %d, want success on the third", attempts)
	}
	if len(fx.relay.injections()) != 1 {
		t.Errorf("injections = %d, want exactly one delivery", len(fx.relay.injections()))
	}
	if fx.met.Counter(metrics.MessagesDelivered) != 1 {
		t.Errorf("delivered counter = %v", fx.met.Counter(metrics.MessagesDelivered))
	}
	if fx.met.Counter(metrics.InjectionsRetried) != 2 {
		t.Errorf("retried counter = %v, want 2", fx.met.Counter(metrics.InjectionsRetried))
	}
	if fx.met.Counter(metrics.InjectionsTotal) != 1 {
		t.Errorf("injections counter = %v, want 1", fx.met.Counter(metrics.InjectionsTotal))
	}
}

func TestProcessMalformed(t *testing.T) {
	fx := testWorkers(t, nil)

	path := filepath.Join(fx.paths.Messages, "msg-bad.json")
	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	fx.pool.Process(context.Background(), path)

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("malformed spool file should be moved aside")
	}
	raw, err := os.ReadFile(filepath.Join(fx.paths.Archive, "msg-bad.json"))
	if err != nil || string(raw) != "{broken" {
		t.Errorf("raw archive = %q, %v", raw, err)
	}
	sidecar, err := os.ReadFile(filepath.Join(fx.paths.Archive, "msg-bad.json.error"))
	if err != nil || len(sidecar) == 0 {
		t.Errorf("error sidecar = %q, %v", sidecar, err)
	}
	if fx.met.Counter(metrics.MessagesFailed) != 1 {
		t.Errorf("failed counter = %v", fx.met.Counter(metrics.MessagesFailed))
	}
}

func TestProcessMissingFileIsSilentlySkipped(t *testing.T) {
	fx := testWorkers(t, nil)
	fx.pool.Process(context.Background(), filepath.Join(fx.paths.Messages, "msg-gone.json"))
	if fx.met.Counter(metrics.MessagesFailed) != 0 {
		t.Error("a racing duplicate task must not count as a failure")
	}
}

func TestProcessBroadcast(t *testing.T) {
	fx := testWorkers(t, nil)
	fx.registerAgent(t, "alice", "ses_alice")
	fx.registerAgent(t, "bob", "ses_bob")
	// carol's session is not live on the relay.
	if err := fx.store.UpsertAgent(state.Agent{ID: "carol", SessionID: "ses_carol"}); err != nil {
		t.Fatal(err)
	}

	path := fx.writeSpool(t, "msg-1.json", &protocol.Message{From: "alice", To: "all", Type: protocol.TypeContext, Content: "heads up"})
	fx.pool.Process(context.Background(), path)

	inj := fx.relay.injections()
	if len(inj) != 1 || inj[0].sessionID != "ses_bob" {
		t.Fatalf("broadcast must reach live non-senders only, injections = %+v", inj)
	}
	if fx.met.Counter(metrics.MessagesDelivered) != 1 {
		t.Errorf("one broadcast counts once, counter = %v", fx.met.Counter(metrics.MessagesDelivered))
	}
}

func TestProcessNotFoundRefreshesOnce(t *testing.T) {
	fx := testWorkers(t, nil)
	fx.registerAgent(t, "bob", "ses_bob")

	attempts := 0
	fx.relay.injectFn = func(sessionID, text string) error {
		attempts++
		if attempts == 1 {
			return relay.ErrNotFound
		}
		return nil
	}

	before := fx.relay.calls()
	path := fx.writeSpool(t, "msg-1.json", &protocol.Message{From: "alice", To: "bob", Type: protocol.TypeTask, Content: "x"})
	fx.pool.Process(context.Background(), path)

	if attempts != 2 {
		t.Errorf("attempts = %d, want retry after 404", attempts)
	}
	if fx.relay.calls() <= before {
		t.Error("a 404 should invalidate the session cache")
	}
	archived := fx.readArchive(t, "msg-1.json")
	if !archived.Read {
		t.Errorf("annotations = %+v", archived)
	}
}

func TestProcessSessionGoneIsUndeliverable(t *testing.T) {
	fx := testWorkers(t, nil)
	fx.registerAgent(t, "bob", "ses_bob")

	// The relay 404s even after the cache refresh: the session is gone.
	fx.relay.injectFn = func(sessionID, text string) error {
		return relay.ErrNotFound
	}

	path := fx.writeSpool(t, "msg-1.json", &protocol.Message{From: "alice", To: "bob", Type: protocol.TypeTask, Content: "x"})
	fx.pool.Process(context.Background(), path)

	archived := fx.readArchive(t, "msg-1.json")
	if !archived.Undeliverable || archived.InjectFailed {
		t.Errorf("annotations = %+v, want undeliverable", archived)
	}
	if !strings.Contains(fx.met.Render(), `agent_hub_messages_failed_total{reason="undeliverable"} 1`) {
		t.Error("vanished recipient missing from the failed-by-reason series")
	}
}

func TestProcessInjectFailureExhaustsRetries(t *testing.T) {
	fx := testWorkers(t, func(o *WorkerPoolOptions) {
		o.Retries = 2
	})
	fx.registerAgent(t, "bob", "ses_bob")

	attempts := 0
	fx.relay.injectFn = func(sessionID, text string) error {
		attempts++
		return relay.ErrUnavailable
	}

	path := fx.writeSpool(t, "msg-1.json", &protocol.Message{From: "alice", To: "bob", Type: protocol.TypeTask, Content: "x"})
	fx.pool.Process(context.Background(), path)

	if attempts != 3 {
		t.Errorf("attempts = %d, want initial try plus 2 retries", attempts)
	}
	archived := fx.readArchive(t, "msg-1.json")
	if !archived.InjectFailed || archived.Read {
		t.Errorf("annotations = %+v", archived)
	}
	if fx.met.Counter(metrics.MessagesFailed) != 1 {
		t.Errorf("failed counter = %v", fx.met.Counter(metrics.MessagesFailed))
	}
}

func TestProcessTouchesSender(t *testing.T) {
	fx := testWorkers(t, nil)
	fx.registerAgent(t, "alice", "ses_alice")
	fx.registerAgent(t, "bob", "ses_bob")
	beforeSeen, _ := fx.store.Agent("alice")

	time.Sleep(2 * time.Millisecond)
	path := fx.writeSpool(t, "msg-1.json", &protocol.Message{From: "alice", To: "bob", Type: protocol.TypeContext, Content: "x"})
	fx.pool.Process(context.Background(), path)

	after, _ := fx.store.Agent("alice")
	if after.LastSeenAt <= beforeSeen.LastSeenAt {
		t.Error("sending a message should refresh the sender's last seen time")
	}
}

func TestProcessResolvesThread(t *testing.T) {
	fx := testWorkers(t, nil)
	fx.registerAgent(t, "alice", "ses_alice")
	fx.registerAgent(t, "bob", "ses_bob")

	opener := fx.writeSpool(t, "msg-1.json", &protocol.Message{
		From: "alice", To: "bob", Type: protocol.TypeQuestion, Content: "can you check?", ThreadID: "alice-bob-t1",
	})
	fx.pool.Process(context.Background(), opener)

	resolve := fx.writeSpool(t, "msg-2.json", &protocol.Message{
		From: "alice", To: "bob", Type: protocol.TypeCompletion, Content: "RESOLVED: confirmed", ThreadID: "alice-bob-t1",
	})
	fx.pool.Process(context.Background(), resolve)

	if fx.met.Counter(metrics.ThreadsResolved) != 1 {
		t.Errorf("resolved counter = %v", fx.met.Counter(metrics.ThreadsResolved))
	}
	data, err := os.ReadFile(filepath.Join(fx.paths.Threads, "alice-bob-t1.json"))
	if err != nil {
		t.Fatal(err)
	}
	th, err := protocol.ParseThread(data)
	if err != nil {
		t.Fatal(err)
	}
	if !th.Closed || th.ClosedBy != "alice" {
		t.Errorf("thread = %+v", th)
	}
}

func TestRunDrainsQueue(t *testing.T) {
	fx := testWorkers(t, func(o *WorkerPoolOptions) {
		o.Workers = 3
	})
	fx.registerAgent(t, "bob", "ses_bob")

	tasks := make(chan DeliveryTask, 8)
	for i := 0; i < 5; i++ {
		path := fx.writeSpool(t, fmt.Sprintf("msg-%d.json", i), &protocol.Message{
			From: "alice", To: "bob", Type: protocol.TypeContext, Content: fmt.Sprintf("n%d", i),
		})
		tasks <- DeliveryTask{Path: path}
	}
	close(tasks)

	fx.pool.Run(context.Background(), tasks)

	if got := len(fx.relay.injections()); got != 5 {
		t.Errorf("injections = %d, want 5", got)
	}
	if fx.met.Counter(metrics.MessagesDelivered) != 5 {
		t.Errorf("delivered counter = %v", fx.met.Counter(metrics.MessagesDelivered))
	}
}
