// Package runner is the control loop: it pulls ready features from the graph,
// respects the governor's concurrency budget and the worktree capacity,
// dispatches worker goroutines running the session executor, and feeds
// outcomes back into the graph and the governor.
package runner

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/autoforge/internal/event"
	"github.com/felixgeelhaar/autoforge/internal/governor"
	"github.com/felixgeelhaar/autoforge/internal/graph"
	"github.com/felixgeelhaar/autoforge/internal/log"
	"github.com/felixgeelhaar/autoforge/internal/session"
	"github.com/felixgeelhaar/autoforge/internal/worktree"
)

const (
	// DefaultMaxWorkers bounds the worker pool
	DefaultMaxWorkers = 4
	// DefaultAcquireRetries bounds retries of infrastructure-transient
	// worktree creation failures. Not charged against the feature's
	// logic-attempt budget.
	DefaultAcquireRetries = 3
	// DefaultAcquireBackoff is the initial delay between acquire retries
	DefaultAcquireBackoff = 500 * time.Millisecond
)

// Worktrees is the worktree lifecycle the runner depends on
type Worktrees interface {
	Acquire(ctx context.Context, featureID string) (*worktree.Handle, error)
	Reset(ctx context.Context, h *worktree.Handle) error
	CommitAndMerge(ctx context.Context, h *worktree.Handle, message string) error
	Release(ctx context.Context, h *worktree.Handle, mode worktree.ReleaseMode) error
	AvailableSlots() int
}

// Config configures the runner
type Config struct {
	MaxWorkers     int
	AcquireRetries int
	AcquireBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = DefaultMaxWorkers
	}
	if c.AcquireRetries <= 0 {
		c.AcquireRetries = DefaultAcquireRetries
	}
	if c.AcquireBackoff <= 0 {
		c.AcquireBackoff = DefaultAcquireBackoff
	}
	return c
}

// Runner coordinates one full orchestration run
type Runner struct {
	runID    string
	cfg      Config
	graph    *graph.Graph
	trees    Worktrees
	executor *session.Executor
	gov      *governor.Governor
	sink     event.Sink
	logger   *log.Logger

	// outcomes carries per-feature terminal detail into the final report.
	// Written only by the control loop.
	outcomes map[string]completion
}

// completion is what a worker hands back to the control loop
type completion struct {
	featureID     string
	outcome       session.Outcome
	mergeConflict *worktree.MergeConflictError
	infraErr      error
	preservedPath string
}

// New creates a runner. The governor must be configured with the same
// MaxWorkers so the effective concurrency is min(limit, worktree slots, pool).
func New(g *graph.Graph, trees Worktrees, exec *session.Executor, gov *governor.Governor, sink event.Sink, logger *log.Logger, cfg Config) *Runner {
	if logger == nil {
		logger = log.Default()
	}
	if sink == nil {
		sink = event.NewMemorySink()
	}
	runID := uuid.NewString()
	return &Runner{
		runID:    runID,
		cfg:      cfg.withDefaults(),
		graph:    g,
		trees:    trees,
		executor: exec,
		gov:      gov,
		sink:     sink,
		logger:   logger,
		outcomes: make(map[string]completion),
	}
}

// RunID returns the unique identifier stamped on this run's events
func (r *Runner) RunID() string { return r.runID }

// Run drives the scheduling cycle until no feature remains pending or
// running, then returns the final enumeration of done/failed/blocked
// features. An operator abort via ctx is cooperative: in-flight attempts
// finish their boundary check, nothing new is dispatched, and already-merged
// work is never rolled back.
func (r *Runner) Run(ctx context.Context) *Result {
	started := time.Now()
	logger := r.logger.With("run_id", r.runID)
	logger.Info("run starting", "features", r.graph.Remaining(), "max_workers", r.cfg.MaxWorkers)

	r.executor.OnThrottle(func(retryAfter time.Duration) {
		r.gov.ReportThrottled(retryAfter)
		logger.Warn("provider throttled, shrinking concurrency", "limit", r.gov.Limit(), "retry_after", retryAfter)
	})
	r.executor.OnAttempt(func(featureID string, a session.Attempt) {
		to := "failed"
		if a.Passed {
			to = "passed"
		}
		r.emit(featureID, "validating", to, a.Number, string(a.Category))
	})

	done := make(chan completion)
	running := 0

	for {
		if ctx.Err() == nil {
			running += r.dispatch(ctx, done, running)
		}

		if running == 0 {
			if r.graph.Remaining() == 0 || ctx.Err() != nil {
				break
			}
			// Nothing dispatchable right now (capacity still being
			// returned); re-poll shortly.
			select {
			case <-ctx.Done():
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		c := <-done
		running--
		r.complete(c)
	}

	result := r.report(started)
	logger.Info("run finished",
		"success", result.Success,
		"completed", len(result.Completed),
		"failed", len(result.Failed),
		"blocked", len(result.Blocked),
		"duration", result.Duration)
	return result
}

// dispatch launches workers for ready features while the governor limit, the
// worker pool, and the worktree capacity all have headroom. Features are
// picked in declaration order.
func (r *Runner) dispatch(ctx context.Context, done chan<- completion, running int) int {
	launched := 0
	for _, f := range r.graph.ReadySet() {
		limit := r.gov.Limit()
		if limit > r.cfg.MaxWorkers {
			limit = r.cfg.MaxWorkers
		}
		if running+launched >= limit {
			break
		}
		if r.trees.AvailableSlots() <= 0 {
			break
		}
		if err := r.graph.MarkRunning(f.ID); err != nil {
			continue
		}
		r.emit(f.ID, string(graph.StatusPending), string(graph.StatusRunning), 0, "")
		feature := f
		go r.work(ctx, feature, done)
		launched++
	}
	return launched
}

// work runs one feature end to end: worktree acquisition, the full bounded
// attempt/retry loop, and integration of a passing result.
func (r *Runner) work(ctx context.Context, f *graph.Feature, done chan<- completion) {
	c := completion{featureID: f.ID}

	h, err := r.acquireWithRetry(ctx, f.ID)
	if err != nil {
		if ctx.Err() != nil {
			// Operator abort during acquire or its backoff: the feature
			// never ran, leave it unresolved.
			c.outcome.Canceled = true
		} else {
			c.infraErr = err
		}
		done <- c
		return
	}

	out := r.executor.Run(ctx, f.ID, f.Description, workspace{h: h, trees: r.trees})
	c.outcome = out

	if !out.Passed {
		c.preservedPath = h.Dir()
		r.releaseQuietly(h, worktree.ReleaseAbandoned)
		done <- c
		return
	}

	message := fmt.Sprintf("feature %s: %s", f.ID, firstLine(f.Description))
	err = r.trees.CommitAndMerge(context.WithoutCancel(ctx), h, message)
	switch {
	case err == nil:
		r.releaseQuietly(h, worktree.ReleaseMerged)
	default:
		var conflict *worktree.MergeConflictError
		if stderrors.As(err, &conflict) {
			c.mergeConflict = conflict
		} else {
			c.infraErr = err
		}
		c.preservedPath = h.Dir()
		r.releaseQuietly(h, worktree.ReleaseAbandoned)
	}

	done <- c
}

// releaseQuietly frees the worktree slot; release failures never decide a
// feature's fate, they are only logged.
func (r *Runner) releaseQuietly(h *worktree.Handle, mode worktree.ReleaseMode) {
	if err := r.trees.Release(context.Background(), h, mode); err != nil {
		r.logger.Warn("worktree release failed", "feature", h.FeatureID, "error", err)
	}
}

// acquireWithRetry retries infrastructure-transient worktree creation
// failures with exponential backoff
func (r *Runner) acquireWithRetry(ctx context.Context, featureID string) (*worktree.Handle, error) {
	backoff := r.cfg.AcquireBackoff
	var last error
	for i := 0; i <= r.cfg.AcquireRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		h, err := r.trees.Acquire(ctx, featureID)
		if err == nil {
			return h, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		last = err
		r.logger.Warn("worktree acquire failed, retrying", "feature", featureID, "attempt", i+1, "error", last)
	}
	return nil, last
}

// complete applies a worker's terminal outcome to the graph and the governor.
// Runs only on the control loop, so graph transitions observe a single total
// order.
func (r *Runner) complete(c completion) {
	r.outcomes[c.featureID] = c
	out := c.outcome

	switch {
	case out.Canceled:
		// Operator abort: the feature never resolved; leave it unresolved
		// and report nothing to the governor.
		r.logger.Info("feature aborted mid-run", "feature", c.featureID)
		return

	case c.infraErr != nil:
		reason := fmt.Sprintf("infrastructure failure: %v", c.infraErr)
		r.fail(c.featureID, reason, string(session.CategoryTransientInfra), len(out.Attempts))

	case c.mergeConflict != nil:
		reason := fmt.Sprintf("merge conflict: %s", strings.Join(c.mergeConflict.Paths, ", "))
		r.fail(c.featureID, reason, string(session.CategoryMergeConflict), len(out.Attempts))
		// The provider behaved; a conflict is not an overload signal.
		if !out.Throttled {
			r.gov.ReportSuccess()
		}

	case out.Passed:
		r.graph.MarkDone(c.featureID)
		r.emit(c.featureID, string(graph.StatusRunning), string(graph.StatusDone), len(out.Attempts), "")
		if !out.Throttled {
			r.gov.ReportSuccess()
		}

	default:
		reason := fmt.Sprintf("%s: %s", out.Category, out.Diagnostics)
		r.fail(c.featureID, reason, string(out.Category), len(out.Attempts))
		// A logic failure says nothing about provider overload.
		if !out.Throttled {
			r.gov.ReportSuccess()
		}
	}
}

// fail marks the feature failed and emits events for it and every newly
// blocked descendant
func (r *Runner) fail(featureID, reason, category string, attempts int) {
	blocked := r.graph.MarkFailed(featureID, reason)
	r.emit(featureID, string(graph.StatusRunning), string(graph.StatusFailed), attempts, category)
	for _, id := range blocked {
		r.emit(id, string(graph.StatusPending), string(graph.StatusBlocked), 0, "")
		r.logger.Info("feature blocked by failed ancestor", "feature", id, "ancestor", featureID)
	}
}

func (r *Runner) emit(featureID, from, to string, attemptNo int, category string) {
	r.sink.Emit(event.Event{
		RunID:     r.runID,
		FeatureID: featureID,
		From:      from,
		To:        to,
		Timestamp: time.Now(),
		AttemptNo: attemptNo,
		Category:  category,
	})
}

// workspace adapts a worktree handle to the executor's Workspace interface
type workspace struct {
	h     *worktree.Handle
	trees Worktrees
}

func (w workspace) Dir() string { return w.h.Dir() }

func (w workspace) Reset(ctx context.Context) error { return w.trees.Reset(ctx, w.h) }

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
