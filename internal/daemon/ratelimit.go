package daemon

import (
	"fmt"
	"sync"
	"time"
)

// RateLimiter enforces the per-sender message budget. State is process
// local; a daemon restart resets all windows.
type RateLimiter struct {
	cfg RateLimitConfig
	now func() time.Time

	mu   sync.Mutex
	sent map[string][]time.Time
	last map[string]time.Time
}

// NewRateLimiter creates a limiter for the given policy. now is a clock
// seam for tests; nil means time.Now.
func NewRateLimiter(cfg RateLimitConfig, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{
		cfg:  cfg,
		now:  now,
		sent: make(map[string][]time.Time),
		last: make(map[string]time.Time),
	}
}

// Allow reports whether sender may send now and records the send if so.
// A send is allowed only when the window count is under the max AND the
// cooldown since the last send has elapsed. When denied, reason is a
// human-readable explanation for the archive annotation.
func (r *RateLimiter) Allow(sender string) (bool, string) {
	if !r.cfg.Enabled {
		return true, ""
	}

	now := r.now()
	window := time.Duration(r.cfg.WindowSeconds) * time.Second
	cooldown := time.Duration(r.cfg.CooldownSeconds) * time.Second

	r.mu.Lock()
	defer r.mu.Unlock()

	times := r.sent[sender]
	kept := times[:0]
	for _, t := range times {
		if now.Sub(t) < window {
			kept = append(kept, t)
		}
	}
	r.sent[sender] = kept

	if len(kept) >= r.cfg.MaxMessages {
		return false, fmt.Sprintf("rate limit: %d messages in %ds window", len(kept), r.cfg.WindowSeconds)
	}
	if cooldown > 0 {
		if last, ok := r.last[sender]; ok && now.Sub(last) < cooldown {
			return false, fmt.Sprintf("rate limit: cooldown %ds not elapsed", r.cfg.CooldownSeconds)
		}
	}

	r.sent[sender] = append(kept, now)
	r.last[sender] = now
	return true, ""
}
