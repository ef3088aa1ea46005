// Package metrics is a small text-exposition registry for the daemon's
// counters and gauges. The daemon has no scrape endpoint; the registry
// renders to a .prom file on a timer so node_exporter's textfile collector
// (or plain cat) can pick it up.
package metrics

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xnoto/agenthub/internal/hub"
)

// Counter and gauge names. All series share the agent_hub_ prefix.
const (
	MessagesDelivered   = "agent_hub_messages_delivered_total"
	MessagesFailed      = "agent_hub_messages_failed_total"
	MessagesExpired     = "agent_hub_messages_expired_total"
	MessagesRateLimited = "agent_hub_messages_rate_limited_total"
	SessionsOriented    = "agent_hub_sessions_oriented_total"
	OrientationRetries  = "agent_hub_orientation_retries_total"
	OrientationGaveUp   = "agent_hub_orientation_gave_up_total"
	AgentsRemoved       = "agent_hub_agents_removed_total"
	ThreadsResolved     = "agent_hub_threads_resolved_total"
	InjectionsTotal     = "agent_hub_injections_total"
	InjectionsRetried   = "agent_hub_injections_retried_total"
	SessionCacheHits    = "agent_hub_session_cache_hits_total"
	SessionCacheMisses  = "agent_hub_session_cache_misses_total"
	CoordMessages       = "agent_hub_coordinator_messages_total"
	GCRuns              = "agent_hub_gc_runs_total"
	GCAgentsCleaned     = "agent_hub_gc_agents_cleaned_total"
	GCSessionsCleaned   = "agent_hub_gc_sessions_cleaned_total"
	GCMessagesArchived  = "agent_hub_gc_messages_archived_total"

	AgentsRegistered = "agent_hub_agents_registered"
	SessionsActive   = "agent_hub_sessions_active"
	MessageQueueSize = "agent_hub_message_queue_size"
	OrientedSessions = "agent_hub_oriented_sessions"
	StartTimeSeconds = "agent_hub_start_time_seconds"
	CoordTokensInput = "agent_hub_coordinator_tokens_input"
	CoordTokensOut   = "agent_hub_coordinator_tokens_output"
	CoordCacheRead   = "agent_hub_coordinator_tokens_cache_read"
	CoordCacheWrite  = "agent_hub_coordinator_tokens_cache_write"
	CoordCostUSD     = "agent_hub_coordinator_estimated_cost_usd"
)

type metricKind int

const (
	kindCounter metricKind = iota
	kindGauge
)

type descriptor struct {
	name string
	help string
	kind metricKind
}

// descriptors fixes exposition order so the rendered file is diffable.
var descriptors = []descriptor{
	{MessagesDelivered, "Messages successfully injected into recipient sessions.", kindCounter},
	{MessagesFailed, "Messages that permanently failed delivery, by reason.", kindCounter},
	{MessagesExpired, "Messages dropped because they outlived the delivery TTL.", kindCounter},
	{MessagesRateLimited, "Messages deferred by the per-sender rate limit.", kindCounter},
	{SessionsOriented, "Sessions that received the one-time orientation prompt.", kindCounter},
	{OrientationRetries, "Orientation prompts re-sent to unresponsive sessions.", kindCounter},
	{OrientationGaveUp, "Sessions whose orientation retries were exhausted.", kindCounter},
	{AgentsRemoved, "Agent registrations removed by garbage collection.", kindCounter},
	{ThreadsResolved, "Conversation threads closed by a RESOLVED completion.", kindCounter},
	{InjectionsTotal, "Prompts successfully injected into sessions.", kindCounter},
	{InjectionsRetried, "Injection attempts repeated after a relay failure.", kindCounter},
	{SessionCacheHits, "Session list requests served from the poll cache.", kindCounter},
	{SessionCacheMisses, "Session list requests that hit the relay.", kindCounter},
	{CoordMessages, "Messages observed in the coordinator session history.", kindCounter},
	{GCRuns, "Garbage collection passes completed.", kindCounter},
	{GCAgentsCleaned, "Stale agents removed by garbage collection.", kindCounter},
	{GCSessionsCleaned, "Dead oriented-set entries removed by garbage collection.", kindCounter},
	{GCMessagesArchived, "Expired spool files archived by garbage collection.", kindCounter},
	{AgentsRegistered, "Agents currently registered with the hub.", kindGauge},
	{SessionsActive, "Sessions currently visible at the relay.", kindGauge},
	{MessageQueueSize, "Delivery tasks waiting for an injection worker.", kindGauge},
	{OrientedSessions, "Sessions currently in the oriented set.", kindGauge},
	{StartTimeSeconds, "Unix time the daemon started.", kindGauge},
	{CoordTokensInput, "Input tokens consumed by the coordinator session.", kindGauge},
	{CoordTokensOut, "Output tokens produced by the coordinator session.", kindGauge},
	{CoordCacheRead, "Cache read tokens consumed by the coordinator session.", kindGauge},
	{CoordCacheWrite, "Cache write tokens consumed by the coordinator session.", kindGauge},
	{CoordCostUSD, "Estimated coordinator spend in USD at list pricing.", kindGauge},
}

// series is one exposition line: a metric name plus an optional single
// label rendered inline.
type series struct {
	name  string
	label string // rendered as-is inside braces, e.g. reason="timeout"
}

// Registry accumulates counters and gauges behind one mutex.
type Registry struct {
	mu        sync.Mutex
	startTime time.Time
	counters  map[series]float64
	gauges    map[series]float64
}

// New creates a registry with the start time gauge preset.
func New(startTime time.Time) *Registry {
	r := &Registry{
		startTime: startTime,
		counters:  make(map[series]float64),
		gauges:    make(map[series]float64),
	}
	r.gauges[series{name: StartTimeSeconds}] = float64(startTime.Unix())
	return r
}

// Inc adds one to a counter.
func (r *Registry) Inc(name string) { r.Add(name, 1) }

// Add adds v to a counter.
func (r *Registry) Add(name string, v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[series{name: name}] += v
}

// SetCounter replaces a counter's absolute value. Used by pollers that
// recompute totals from source data instead of observing increments.
func (r *Registry) SetCounter(name string, v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[series{name: name}] = v
}

// IncFailed bumps the failure counter for a reason label.
func (r *Registry) IncFailed(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[series{name: MessagesFailed, label: fmt.Sprintf("reason=%q", reason)}]++
}

// SetGauge replaces a gauge value.
func (r *Registry) SetGauge(name string, v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[series{name: name}] = v
}

// Counter reads a counter's current value. Exists for tests and the
// status summary.
func (r *Registry) Counter(name string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0.0
	for s, v := range r.counters {
		if s.name == name {
			total += v
		}
	}
	return total
}

// Gauge reads a gauge's current value.
func (r *Registry) Gauge(name string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gauges[series{name: name}]
}

// Uptime returns time elapsed since daemon start.
func (r *Registry) Uptime(now time.Time) time.Duration {
	return now.Sub(r.startTime)
}

// Render produces the Prometheus text exposition for all metrics, in
// declaration order, with HELP and TYPE comments. Counters with no
// observations yet render as 0 so dashboards see the full series set from
// the first write.
func (r *Registry) Render() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var b strings.Builder
	for _, d := range descriptors {
		fmt.Fprintf(&b, "# HELP %s %s\n", d.name, d.help)
		typ := "counter"
		source := r.counters
		if d.kind == kindGauge {
			typ = "gauge"
			source = r.gauges
		}
		fmt.Fprintf(&b, "# TYPE %s %s\n", d.name, typ)

		var lines []string
		for s, v := range source {
			if s.name != d.name {
				continue
			}
			key := s.name
			if s.label != "" {
				key += "{" + s.label + "}"
			}
			lines = append(lines, key+" "+formatValue(v))
		}
		if len(lines) == 0 {
			lines = []string{d.name + " 0"}
		}
		sort.Strings(lines)
		for _, line := range lines {
			b.WriteString(line + "\n")
		}
	}
	return b.String()
}

// WriteFile renders the registry to path atomically.
func (r *Registry) WriteFile(path string) error {
	return hub.WriteFileAtomic(path, []byte(r.Render()))
}

func formatValue(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
