// Package session runs the bounded attempt/retry state machine for a single
// feature against the external CodingSession and Validator capabilities.
package session

import (
	"context"
	"fmt"
	"time"
)

// ErrorCategory is the closed set of attempt failure classifications
type ErrorCategory string

const (
	// CategoryTransientInfra covers timeouts, provider unavailability, and
	// network faults. Retried against the transient budget.
	CategoryTransientInfra ErrorCategory = "transient_infra"
	// CategoryRateLimited is a throttle signal from the provider. Retried
	// against the transient budget and reported to the governor.
	CategoryRateLimited ErrorCategory = "rate_limited"
	// CategorySyntaxOrImport is a compile or import failure reported by the validator
	CategorySyntaxOrImport ErrorCategory = "syntax_or_import"
	// CategoryLogic is a behavioral test failure reported by the validator
	CategoryLogic ErrorCategory = "logic"
	// CategoryTypeMismatch is an interface/type failure reported by the validator
	CategoryTypeMismatch ErrorCategory = "type_mismatch"
	// CategoryUnrecoverable means the validator judged the feature impossible
	// as specified. Never retried.
	CategoryUnrecoverable ErrorCategory = "unrecoverable"
	// CategoryMergeConflict marks a terminal integration conflict. Assigned
	// by the scheduler, never by the executor.
	CategoryMergeConflict ErrorCategory = "merge_conflict"
)

// CountsAgainstAttempts reports whether a failure of this category consumes
// one unit of the logic-attempt budget.
func (c ErrorCategory) CountsAgainstAttempts() bool {
	switch c {
	case CategorySyntaxOrImport, CategoryLogic, CategoryTypeMismatch:
		return true
	}
	return false
}

// Diagnostics is failure context carried into the next attempt
type Diagnostics struct {
	Category ErrorCategory
	Detail   string
}

// Request is the input to one CodingSession invocation
type Request struct {
	FeatureID   string
	Description string
	WorkDir     string
	// Attempt is the monotonically increasing attempt number for this feature
	Attempt int
	// PriorFailure carries the diagnostics of the immediately preceding
	// failed attempt, enabling corrective context. Nil on the first attempt.
	PriorFailure *Diagnostics
}

// Result is the output of one CodingSession invocation
type Result struct {
	DiffApplied bool
	Summary     string
}

// CodingSession is the external code-generation capability
type CodingSession interface {
	Apply(ctx context.Context, req *Request) (*Result, error)
}

// Verdict is the validator's judgement of a workspace state
type Verdict struct {
	Passed      bool
	Category    ErrorCategory
	Diagnostics string
}

// Validator is the external validation capability
type Validator interface {
	Validate(ctx context.Context, workDir string) (*Verdict, error)
}

// Workspace is the slice of worktree behavior the executor needs: a working
// directory and the ability to reset it to its clean post-acquire state.
type Workspace interface {
	Dir() string
	Reset(ctx context.Context) error
}

// ProviderError signals an infrastructure fault from an external capability
type ProviderError struct {
	// RateLimited marks an upstream throttle signal
	RateLimited bool
	// RetryAfter is the provider's cooldown hint, zero when absent
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	if e.RateLimited {
		return fmt.Sprintf("provider rate limited (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("provider unavailable: %v", e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Attempt is an append-only record of one bounded execution. Never mutated
// after the attempt resolves.
type Attempt struct {
	Number   int
	Start    time.Time
	End      time.Time
	Passed   bool
	Category ErrorCategory
	Detail   string
}

// Outcome is the terminal result of running the state machine for one feature
type Outcome struct {
	FeatureID string
	Passed    bool
	// Canceled means an operator abort was observed at an attempt boundary
	Canceled bool
	// Category and Diagnostics describe the terminal failure when Passed is false
	Category    ErrorCategory
	Diagnostics string
	// LogicAttempts is how many units of the logic-attempt budget were consumed
	LogicAttempts int
	// Throttled reports whether any attempt observed a rate-limit signal
	Throttled bool
	Attempts  []Attempt
}
