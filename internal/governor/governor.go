// Package governor converts upstream throttling signals into a live
// concurrency budget using additive-increase/multiplicative-decrease.
package governor

import (
	"sync"
	"time"
)

const (
	// DefaultRecoveryThreshold is the number of consecutive successes,
	// observed after the cooldown deadline, required for one additive step.
	DefaultRecoveryThreshold = 3

	// DefaultInitialCooldown is the cooldown applied on the first throttle
	// event when the provider gives no retry-after hint.
	DefaultInitialCooldown = 30 * time.Second

	// DefaultMaxCooldown caps the exponential cooldown growth.
	DefaultMaxCooldown = 5 * time.Minute
)

// Config configures the governor
type Config struct {
	// MaxWorkers is the initial and maximum concurrency limit
	MaxWorkers int

	// RecoveryThreshold overrides DefaultRecoveryThreshold when positive
	RecoveryThreshold int

	// InitialCooldown overrides DefaultInitialCooldown when positive
	InitialCooldown time.Duration

	// MaxCooldown overrides DefaultMaxCooldown when positive
	MaxCooldown time.Duration

	// Clock overrides time.Now, for tests
	Clock func() time.Time
}

// Governor maintains the live concurrency limit. Decrease is multiplicative
// (halve, floor 1) and immediate; increase is additive (+1) and gated on the
// cooldown deadline plus a consecutive-success streak. The limit may shrink
// while work is in flight; in-flight work is never cancelled, only new
// dispatch is throttled.
type Governor struct {
	mu sync.Mutex

	limit         int
	max           int
	threshold     int
	streak        int
	cooldownUntil time.Time
	backoff       time.Duration
	initial       time.Duration
	maxBackoff    time.Duration
	now           func() time.Time
}

// New creates a governor with the limit initialized to MaxWorkers
func New(cfg Config) *Governor {
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 1
	}
	g := &Governor{
		limit:      cfg.MaxWorkers,
		max:        cfg.MaxWorkers,
		threshold:  cfg.RecoveryThreshold,
		initial:    cfg.InitialCooldown,
		maxBackoff: cfg.MaxCooldown,
		now:        cfg.Clock,
	}
	if g.threshold <= 0 {
		g.threshold = DefaultRecoveryThreshold
	}
	if g.initial <= 0 {
		g.initial = DefaultInitialCooldown
	}
	if g.maxBackoff <= 0 {
		g.maxBackoff = DefaultMaxCooldown
	}
	g.backoff = g.initial
	if g.now == nil {
		g.now = time.Now
	}
	return g
}

// Limit returns a snapshot of the current concurrency limit
func (g *Governor) Limit() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limit
}

// ReportSuccess records one successful completion. Successes observed before
// the cooldown deadline do not count toward recovery.
func (g *Governor) ReportSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.now().Before(g.cooldownUntil) {
		return
	}

	g.streak++
	if g.streak < g.threshold || g.limit >= g.max {
		return
	}

	g.limit++
	g.streak = 0
	if g.limit == g.max {
		// Fully recovered; forget the escalated backoff.
		g.backoff = g.initial
	}
}

// ReportThrottled records an upstream throttle signal: the limit is halved
// (floor 1) immediately and a cooldown deadline is set from the retry-after
// hint, or from an exponential backoff when no hint is given.
func (g *Governor) ReportThrottled(retryAfter time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.limit /= 2
	if g.limit < 1 {
		g.limit = 1
	}
	g.streak = 0

	cooldown := retryAfter
	if cooldown <= 0 {
		cooldown = g.backoff
		g.backoff *= 2
		if g.backoff > g.maxBackoff {
			g.backoff = g.maxBackoff
		}
	}
	deadline := g.now().Add(cooldown)
	if deadline.After(g.cooldownUntil) {
		g.cooldownUntil = deadline
	}
}
