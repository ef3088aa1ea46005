package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/xnoto/agenthub/internal/hub"
	"github.com/xnoto/agenthub/internal/metrics"
)

// queueCapacity bounds the delivery queue. Producers writing faster than
// the workers drain simply block the watcher goroutine; the files are
// already durable on disk.
const queueCapacity = 256

// DeliveryTask points at one spool file awaiting delivery.
type DeliveryTask struct {
	Path string
}

// Watcher turns spool file appearances into delivery tasks. It combines
// an fsnotify watch on messages/ with a full directory scan at startup,
// so messages deposited while the daemon was down are picked up too.
type Watcher struct {
	paths hub.Paths
	met   *metrics.Registry
	log   *slog.Logger

	// agentsChanged is signaled when a file under agents/ changes, so
	// the store can reload externally registered agents.
	agentsChanged func()
}

// NewWatcher creates a spool watcher. agentsChanged may be nil.
func NewWatcher(paths hub.Paths, met *metrics.Registry, log *slog.Logger, agentsChanged func()) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{paths: paths, met: met, log: log, agentsChanged: agentsChanged}
}

// Start begins watching and returns the delivery task channel. The
// channel is closed when the context is cancelled.
func (w *Watcher) Start(ctx context.Context) (<-chan DeliveryTask, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fs watcher: %w", err)
	}
	if err := fsw.Add(w.paths.Messages); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", w.paths.Messages, err)
	}
	if err := fsw.Add(w.paths.Agents); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", w.paths.Agents, err)
	}

	ch := make(chan DeliveryTask, queueCapacity)

	go func() {
		defer close(ch)
		defer fsw.Close()

		w.log.Info("spool watcher started", "dir", w.paths.Messages)

		// Backlog first: messages deposited before this start, in name
		// order so producers using sortable names get FIFO-ish delivery.
		w.scanExisting(ctx, ch)

		for {
			select {
			case <-ctx.Done():
				w.log.Info("spool watcher stopped")
				return
			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				w.handleEvent(ctx, event, ch)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.log.Warn("fs watcher error", "error", err)
			}
		}
	}()

	return ch, nil
}

func (w *Watcher) scanExisting(ctx context.Context, ch chan<- DeliveryTask) {
	entries, err := os.ReadDir(w.paths.Messages)
	if err != nil {
		w.log.Error("startup spool scan failed", "error", err)
		return
	}
	count := 0
	for _, e := range entries {
		if e.IsDir() || !isMessageFile(e.Name()) {
			continue
		}
		select {
		case ch <- DeliveryTask{Path: filepath.Join(w.paths.Messages, e.Name())}:
			count++
		case <-ctx.Done():
			return
		}
	}
	if count > 0 {
		w.log.Info("queued backlog messages", "count", count)
	}
	w.met.SetGauge(metrics.MessageQueueSize, float64(len(ch)))
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event, ch chan<- DeliveryTask) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}

	if filepath.Dir(event.Name) == w.paths.Agents {
		if w.agentsChanged != nil && strings.HasSuffix(event.Name, ".json") {
			w.agentsChanged()
		}
		return
	}

	name := filepath.Base(event.Name)
	if !isMessageFile(name) {
		return
	}
	if info, err := os.Stat(event.Name); err != nil || info.IsDir() {
		return
	}

	select {
	case ch <- DeliveryTask{Path: event.Name}:
		w.met.SetGauge(metrics.MessageQueueSize, float64(len(ch)))
	case <-ctx.Done():
	}
}

// isMessageFile accepts *.json spool files. Dot-prefixed names are
// skipped so atomic-write temp files from producers are never delivered.
func isMessageFile(name string) bool {
	return strings.HasSuffix(name, ".json") && !strings.HasPrefix(name, ".")
}
