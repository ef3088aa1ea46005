package daemon

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/xnoto/agenthub/internal/hub"
	"github.com/xnoto/agenthub/internal/metrics"
	"github.com/xnoto/agenthub/internal/protocol"
)

// ThreadTracker maintains the thread files under ~/.agent-hub/threads/.
// Threads live on disk only; the tracker serializes access with a mutex
// and re-reads the file per operation so external inspection stays cheap.
type ThreadTracker struct {
	paths hub.Paths
	met   *metrics.Registry
	log   *slog.Logger

	mu sync.Mutex
}

// NewThreadTracker creates a tracker over the hub's threads directory.
func NewThreadTracker(paths hub.Paths, met *metrics.Registry, log *slog.Logger) *ThreadTracker {
	if log == nil {
		log = slog.Default()
	}
	return &ThreadTracker{paths: paths, met: met, log: log}
}

func (t *ThreadTracker) threadPath(id string) string {
	return filepath.Join(t.paths.Threads, id+".json")
}

// Ensure assigns a thread id to the message if it has none, creates the
// thread file on first sight, and records the activity. Returns the
// thread id the message now carries.
func (t *ThreadTracker) Ensure(m *protocol.Message, now time.Time) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if m.ThreadID == "" {
		m.ThreadID = protocol.NewThreadID(m.From, m.To)
	}

	th, err := t.loadLocked(m.ThreadID)
	if err != nil {
		return "", err
	}
	if th == nil {
		th = protocol.NewThread(m.ThreadID, m, now)
	} else {
		th.Touch(m, now)
	}
	if err := t.writeLocked(th); err != nil {
		return "", err
	}
	return m.ThreadID, nil
}

// RecordDelivery closes the thread when a delivered completion resolves
// it. Only the thread creator may resolve a directed thread; a broadcast
// completion may resolve regardless of creator. Returns whether the
// thread was closed by this call.
func (t *ThreadTracker) RecordDelivery(m *protocol.Message, now time.Time) (bool, error) {
	if m.ThreadID == "" {
		return false, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	th, err := t.loadLocked(m.ThreadID)
	if err != nil || th == nil {
		return false, err
	}

	th.Touch(m, now)

	resolves := m.Type == protocol.TypeCompletion &&
		protocol.ContainsResolved(m.Content) &&
		(m.From == th.CreatedBy || m.Broadcast())

	closed := false
	if resolves && !th.Closed {
		th.Close(m.From, now)
		closed = true
		t.met.Inc(metrics.ThreadsResolved)
		t.log.Info("thread resolved", "thread", th.ID, "by", m.From)
	}
	if err := t.writeLocked(th); err != nil {
		return closed, err
	}
	return closed, nil
}

// Prune deletes threads whose last activity is older than maxAge. Closed
// threads are finished conversations; open ones past the age are
// abandoned and expire the same way. Returns how many were removed.
func (t *ThreadTracker) Prune(maxAge time.Duration, now time.Time) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries, err := os.ReadDir(t.paths.Threads)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading threads dir: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		th, err := t.loadLocked(id)
		if err != nil || th == nil {
			continue
		}
		if now.Sub(time.UnixMilli(th.LastActivityAt)) < maxAge {
			continue
		}
		if !th.Closed {
			t.log.Info("expiring idle open thread", "thread", id, "last_activity", time.UnixMilli(th.LastActivityAt))
		}
		if err := os.Remove(t.threadPath(id)); err != nil {
			t.log.Warn("failed to remove stale thread", "thread", id, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// loadLocked returns nil, nil when the thread file does not exist.
func (t *ThreadTracker) loadLocked(id string) (*protocol.Thread, error) {
	data, err := os.ReadFile(t.threadPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading thread %s: %w", id, err)
	}
	th, err := protocol.ParseThread(data)
	if err != nil {
		t.log.Warn("malformed thread file, recreating", "thread", id, "error", err)
		return nil, nil
	}
	return th, nil
}

func (t *ThreadTracker) writeLocked(th *protocol.Thread) error {
	data, err := th.Marshal()
	if err != nil {
		return err
	}
	return hub.WriteFileAtomic(t.threadPath(th.ID), data)
}
