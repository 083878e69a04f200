package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/felixgeelhaar/autoforge/internal/log"
)

const (
	// DefaultMaxAttempts is the logic-attempt budget per feature
	DefaultMaxAttempts = 5
	// DefaultTransientRetries is the separate transient-infrastructure budget
	DefaultTransientRetries = 3
	// DefaultSessionTimeout is the wall-clock budget for one CodingSession call
	DefaultSessionTimeout = 10 * time.Minute
	// DefaultValidateTimeout is the wall-clock budget for one Validator call
	DefaultValidateTimeout = 5 * time.Minute
)

// Config bounds the executor's retry state machine
type Config struct {
	MaxAttempts      int
	TransientRetries int
	SessionTimeout   time.Duration
	ValidateTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.TransientRetries <= 0 {
		c.TransientRetries = DefaultTransientRetries
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = DefaultSessionTimeout
	}
	if c.ValidateTimeout <= 0 {
		c.ValidateTimeout = DefaultValidateTimeout
	}
	return c
}

// Executor drives the Dispatched → Executing → Validating → {Passed | Failed}
// state machine for one feature at a time. Failures are classified into the
// closed ErrorCategory set; validator-reported categories consume the bounded
// logic-attempt budget, infrastructure faults consume a separate transient
// budget, and diagnostics are carried into the next attempt.
type Executor struct {
	session   CodingSession
	validator Validator
	cfg       Config
	logger    *log.Logger

	// onThrottle is invoked the moment a rate-limit signal is observed so
	// admission control reacts before the feature resolves
	onThrottle func(retryAfter time.Duration)
	// onAttempt is invoked after each attempt record is sealed
	onAttempt func(featureID string, a Attempt)
}

// NewExecutor creates an executor for the given collaborators
func NewExecutor(s CodingSession, v Validator, cfg Config, logger *log.Logger) *Executor {
	if logger == nil {
		logger = log.Default()
	}
	return &Executor{
		session:   s,
		validator: v,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
}

// OnThrottle registers the rate-limit hook
func (e *Executor) OnThrottle(fn func(retryAfter time.Duration)) {
	e.onThrottle = fn
}

// OnAttempt registers the per-attempt observer hook
func (e *Executor) OnAttempt(fn func(featureID string, a Attempt)) {
	e.onAttempt = fn
}

// Run executes the full bounded attempt/retry loop for one feature. It only
// returns a terminal outcome: passed, failed with a category, or canceled.
// Cancellation is cooperative and observed at attempt boundaries only.
func (e *Executor) Run(ctx context.Context, featureID, description string, ws Workspace) Outcome {
	out := Outcome{FeatureID: featureID}
	logger := e.logger.With("feature", featureID)

	var prior *Diagnostics
	attemptNo := 0
	transient := 0

	for {
		if ctx.Err() != nil {
			out.Canceled = true
			out.Diagnostics = ctx.Err().Error()
			return out
		}

		// Deterministic retry: every attempt after the first starts from the
		// clean post-acquire workspace state.
		if attemptNo > 0 {
			if err := ws.Reset(ctx); err != nil {
				transient++
				logger.Warn("workspace reset failed", "error", err, "transient_retries", transient)
				if transient > e.cfg.TransientRetries {
					out.Category = CategoryTransientInfra
					out.Diagnostics = fmt.Sprintf("transient-retry budget exhausted: %v", err)
					return out
				}
				continue
			}
		}

		attemptNo++
		attempt := Attempt{Number: attemptNo, Start: time.Now()}
		logger.Debug("attempt starting", "attempt", attemptNo, "logic_attempts", out.LogicAttempts)

		res, err := e.apply(ctx, &Request{
			FeatureID:    featureID,
			Description:  description,
			WorkDir:      ws.Dir(),
			Attempt:      attemptNo,
			PriorFailure: prior,
		})
		if err != nil {
			category, retryAfter := e.classifyInfra(err)
			if category == CategoryRateLimited {
				out.Throttled = true
				if e.onThrottle != nil {
					e.onThrottle(retryAfter)
				}
			}
			transient++
			e.seal(featureID, &out, &attempt, category, err.Error())
			if ctx.Err() != nil {
				out.Canceled = true
				out.Diagnostics = ctx.Err().Error()
				return out
			}
			if transient > e.cfg.TransientRetries {
				out.Category = CategoryTransientInfra
				out.Diagnostics = fmt.Sprintf("transient-retry budget exhausted: %v", err)
				return out
			}
			logger.Warn("coding session failed, retrying", "attempt", attemptNo, "category", category, "error", err)
			continue
		}

		verdict, err := e.validate(ctx, ws.Dir())
		if err != nil {
			category, retryAfter := e.classifyInfra(err)
			if category == CategoryRateLimited {
				out.Throttled = true
				if e.onThrottle != nil {
					e.onThrottle(retryAfter)
				}
			}
			transient++
			e.seal(featureID, &out, &attempt, category, err.Error())
			if ctx.Err() != nil {
				out.Canceled = true
				out.Diagnostics = ctx.Err().Error()
				return out
			}
			if transient > e.cfg.TransientRetries {
				out.Category = CategoryTransientInfra
				out.Diagnostics = fmt.Sprintf("transient-retry budget exhausted: %v", err)
				return out
			}
			logger.Warn("validator failed, retrying", "attempt", attemptNo, "category", category, "error", err)
			continue
		}

		if verdict.Passed {
			attempt.Passed = true
			e.seal(featureID, &out, &attempt, "", res.Summary)
			out.Passed = true
			logger.Info("feature passed validation", "attempt", attemptNo, "diff_applied", res.DiffApplied)
			return out
		}

		category := verdict.Category
		if !category.CountsAgainstAttempts() && category != CategoryUnrecoverable {
			// The validator reported outside the closed enum; treat as logic.
			category = CategoryLogic
		}
		e.seal(featureID, &out, &attempt, category, verdict.Diagnostics)

		if category == CategoryUnrecoverable {
			out.Category = CategoryUnrecoverable
			out.Diagnostics = verdict.Diagnostics
			logger.Warn("feature unrecoverable", "attempt", attemptNo)
			return out
		}

		out.LogicAttempts++
		prior = &Diagnostics{Category: category, Detail: verdict.Diagnostics}

		if out.LogicAttempts >= e.cfg.MaxAttempts {
			out.Category = category
			out.Diagnostics = fmt.Sprintf("attempt budget exhausted after %d attempts: %s", out.LogicAttempts, verdict.Diagnostics)
			logger.Warn("attempt budget exhausted", "logic_attempts", out.LogicAttempts, "category", category)
			return out
		}

		logger.Info("validation failed, self-healing retry", "attempt", attemptNo, "category", category, "logic_attempts", out.LogicAttempts)
	}
}

func (e *Executor) apply(ctx context.Context, req *Request) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.SessionTimeout)
	defer cancel()
	return e.session.Apply(ctx, req)
}

func (e *Executor) validate(ctx context.Context, workDir string) (*Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ValidateTimeout)
	defer cancel()
	return e.validator.Validate(ctx, workDir)
}

// classifyInfra maps an external-call error to a transient category and an
// optional retry-after hint. Timeouts, cancellations and unknown faults are
// transient; only an explicit provider signal counts as rate limiting.
func (e *Executor) classifyInfra(err error) (ErrorCategory, time.Duration) {
	var perr *ProviderError
	if errors.As(err, &perr) && perr.RateLimited {
		return CategoryRateLimited, perr.RetryAfter
	}
	return CategoryTransientInfra, 0
}

// seal finalizes an attempt record, appends it to the outcome, and notifies
// the attempt observer.
func (e *Executor) seal(featureID string, out *Outcome, a *Attempt, category ErrorCategory, detail string) {
	a.End = time.Now()
	a.Category = category
	a.Detail = detail
	out.Attempts = append(out.Attempts, *a)
	if e.onAttempt != nil {
		e.onAttempt(featureID, *a)
	}
}
