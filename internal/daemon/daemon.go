// Package daemon implements the agent hub daemon.
//
// The daemon is a local message broker that:
//   - Watches a spool directory for JSON message files from agents
//   - Injects them as prompts into recipient sessions via the relay API
//   - Auto-registers an agent identity for every new session
//   - Garbage-collects expired messages, stale agents, and dead threads
//   - Optionally runs a coordinator session notified of new agents
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xnoto/agenthub/internal/hub"
	"github.com/xnoto/agenthub/internal/metrics"
	"github.com/xnoto/agenthub/internal/relay"
	"github.com/xnoto/agenthub/internal/state"
)

// Daemon wires the hub components together.
type Daemon struct {
	cfg   Config
	paths hub.Paths
	log   *slog.Logger

	client      *relay.Client
	store       *state.Store
	met         *metrics.Registry
	poller      *Poller
	registrar   *Registrar
	watcher     *Watcher
	workers     *WorkerPool
	gc          *GC
	threads     *ThreadTracker
	limiter     *RateLimiter
	coordinator *Coordinator

	// Starter launches the relay process when none is listening.
	// Swapped by tests.
	Starter relay.ProcessStarter

	// HostConfigPath overrides the MCP preflight target. Empty means the
	// standard OpenCode config location.
	HostConfigPath string
}

// New creates a daemon. Call cfg.ApplyDefaults and cfg.Validate first.
func New(cfg Config, paths hub.Paths, log *slog.Logger) *Daemon {
	if log == nil {
		log = slog.Default()
	}
	return &Daemon{cfg: cfg, paths: paths, log: log}
}

// Run starts the daemon and blocks until the context is cancelled. The
// relay process, if this daemon started one, is left running for the
// sessions that depend on it.
func (d *Daemon) Run(ctx context.Context) error {
	startedAt := time.Now()

	if err := d.paths.EnsureDirs(); err != nil {
		return fmt.Errorf("preparing hub directories: %w", err)
	}

	hostConfig := d.HostConfigPath
	if hostConfig == "" {
		var err error
		hostConfig, err = relay.DefaultHostConfigPath()
		if err != nil {
			return err
		}
	}
	if err := relay.CheckMCP(hostConfig); err != nil {
		return err
	}

	d.client = relay.New(d.cfg.RelayURL(), 30*time.Second)
	if _, err := d.client.EnsureRunning(ctx, d.cfg.Port, d.Starter, func(msg string, args ...any) {
		d.log.Info(msg, args...)
	}); err != nil {
		return err
	}

	store, err := state.Open(d.paths, d.log)
	if err != nil {
		return fmt.Errorf("loading hub state: %w", err)
	}
	d.store = store

	d.met = metrics.New(startedAt)
	d.met.SetGauge(metrics.AgentsRegistered, float64(store.AgentCount()))
	d.met.SetGauge(metrics.OrientedSessions, float64(store.OrientedCount()))

	d.coordinator = NewCoordinator(d.cfg.Coordinator, d.client, store, d.paths, d.met, d.log, nil)
	if err := d.coordinator.Start(ctx); err != nil {
		// The hub is useful without a coordinator; keep going.
		d.log.Warn("coordinator startup failed", "error", err)
	}

	d.threads = NewThreadTracker(d.paths, d.met, d.log)
	d.limiter = NewRateLimiter(d.cfg.RateLimit, nil)
	d.poller = NewPoller(d.client, store, d.cfg.SessionPoll(), d.cfg.SessionCacheTTL(), d.met, d.log)
	d.registrar = NewRegistrar(RegistrarOptions{
		Client:             d.client,
		Store:              store,
		Paths:              d.paths,
		Metrics:            d.met,
		Log:                d.log,
		StartedAt:          startedAt,
		InjectTimeout:      d.cfg.InjectionTimeout(),
		InjectRetries:      d.cfg.InjectionRetries,
		RetryDelay:         d.cfg.OrientationRetryDelay(),
		RetryMax:           d.cfg.Orientation.RetryMax,
		CoordinatorEnabled: d.cfg.Coordinator.Enabled,
		CoordinatorSession: d.coordinator.SessionID,
	})
	d.watcher = NewWatcher(d.paths, d.met, d.log, func() {
		if err := store.ReloadAgents(); err != nil {
			d.log.Warn("failed to reload agents", "error", err)
		}
		d.met.SetGauge(metrics.AgentsRegistered, float64(store.AgentCount()))
	})
	d.workers = NewWorkerPool(WorkerPoolOptions{
		Client:     d.client,
		Poller:     d.poller,
		Store:      store,
		Threads:    d.threads,
		Limiter:    d.limiter,
		Paths:      d.paths,
		Metrics:    d.met,
		Log:        d.log,
		Workers:    d.cfg.InjectionWorkers,
		Retries:    d.cfg.InjectionRetries,
		Timeout:    d.cfg.InjectionTimeout(),
		MessageTTL: d.cfg.MessageTTL(),
	})
	d.gc = NewGC(GCOptions{
		Client:             d.client,
		Store:              store,
		Threads:            d.threads,
		Paths:              d.paths,
		Metrics:            d.met,
		Log:                d.log,
		Interval:           d.cfg.GCInterval(),
		MessageTTL:         d.cfg.MessageTTL(),
		AgentStale:         d.cfg.AgentStale(),
		CoordinatorSession: d.coordinator.SessionID,
	})

	d.log.Info("daemon started",
		"hub", d.paths.Root,
		"relay", d.cfg.RelayURL(),
		"workers", d.cfg.InjectionWorkers,
		"coordinator", d.cfg.Coordinator.Enabled,
	)

	diffs := d.poller.Start(ctx)
	go d.registrar.Run(ctx, diffs)

	tasks, err := d.watcher.Start(ctx)
	if err != nil {
		return err
	}
	workersDone := make(chan struct{})
	go func() {
		// The drain context outlives ctx so queued messages still get
		// their delivery attempt during shutdown, bounded by the grace
		// period below.
		d.workers.Run(context.WithoutCancel(ctx), tasks)
		close(workersDone)
	}()

	go d.gc.Run(ctx)
	go d.metricsLoop(ctx)

	<-ctx.Done()
	d.log.Info("shutting down")

	// The watcher closes the task channel on cancellation; give the
	// workers a bounded window to drain what is already queued.
	grace := d.cfg.InjectionTimeout() * time.Duration(d.cfg.InjectionRetries)
	select {
	case <-workersDone:
	case <-time.After(grace):
		d.log.Warn("shutdown grace expired with deliveries in flight", "grace", grace)
	}

	if err := d.store.Flush(); err != nil {
		d.log.Error("failed to flush state", "error", err)
	}
	if err := d.met.WriteFile(d.paths.MetricsFile); err != nil {
		d.log.Warn("failed to write final metrics", "error", err)
	}
	d.log.Info("daemon stopped", "uptime", d.met.Uptime(time.Now()).Round(time.Second))
	return nil
}

// metricsLoop rewrites metrics.prom on the configured interval and emits
// a one-line human summary. Coordinator cost polling rides the same tick.
func (d *Daemon) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.MetricsInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.coordinator.PollCost(ctx)
			if err := d.met.WriteFile(d.paths.MetricsFile); err != nil {
				d.log.Warn("failed to write metrics", "error", err)
				continue
			}
			d.logSummary()
		}
	}
}

func (d *Daemon) logSummary() {
	args := []any{
		"uptime", d.met.Uptime(time.Now()).Round(time.Second),
		"agents", d.store.AgentCount(),
		"sessions", int(d.met.Gauge(metrics.SessionsActive)),
		"delivered", int(d.met.Counter(metrics.MessagesDelivered)),
		"failed", int(d.met.Counter(metrics.MessagesFailed)),
		"queue", int(d.met.Gauge(metrics.MessageQueueSize)),
	}
	if d.cfg.Coordinator.Enabled {
		usd, msgs := d.coordinator.Cost()
		args = append(args, "coord", fmt.Sprintf("$%.2f/%dmsgs", usd, msgs))
	}
	d.log.Info("hub status", args...)
}
