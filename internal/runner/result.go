package runner

import (
	"time"

	"github.com/felixgeelhaar/autoforge/internal/graph"
	"github.com/felixgeelhaar/autoforge/internal/session"
)

// FeatureResult is the per-feature entry in the final report
type FeatureResult struct {
	ID       string
	Status   graph.Status
	Attempts int
	// Category and Diagnostics are set for failed features
	Category    session.ErrorCategory
	Diagnostics string
	// BlockedBy names the failed ancestor for blocked features
	BlockedBy string
	// WorktreePath is the preserved workspace of a failed feature
	WorktreePath string
}

// Result is the run's terminal surface: every feature enumerated by outcome
type Result struct {
	RunID     string
	Completed []FeatureResult
	Failed    []FeatureResult
	Blocked   []FeatureResult
	// Success is true iff no feature ended failed or blocked
	Success bool
	// Aborted is true when an operator abort cut the run short; features
	// that never resolved appear in none of the lists
	Aborted  bool
	Started  time.Time
	Finished time.Time
	Duration time.Duration
}

func (r *Runner) report(started time.Time) *Result {
	completed, failed, blocked := r.graph.Results()
	finished := time.Now()

	result := &Result{
		RunID:    r.runID,
		Success:  len(failed) == 0 && len(blocked) == 0 && r.graph.Remaining() == 0,
		Aborted:  r.graph.Remaining() > 0,
		Started:  started,
		Finished: finished,
		Duration: finished.Sub(started),
	}

	for _, f := range completed {
		result.Completed = append(result.Completed, r.featureResult(f))
	}
	for _, f := range failed {
		result.Failed = append(result.Failed, r.featureResult(f))
	}
	for _, f := range blocked {
		result.Blocked = append(result.Blocked, r.featureResult(f))
	}
	return result
}

func (r *Runner) featureResult(f graph.Feature) FeatureResult {
	fr := FeatureResult{
		ID:        f.ID,
		Status:    f.Status,
		BlockedBy: f.BlockedBy,
	}

	c, ok := r.outcomes[f.ID]
	if !ok {
		return fr
	}

	fr.Attempts = len(c.outcome.Attempts)
	fr.WorktreePath = c.preservedPath

	switch {
	case c.mergeConflict != nil:
		fr.Category = session.CategoryMergeConflict
		fr.Diagnostics = c.mergeConflict.Error()
	case c.infraErr != nil:
		fr.Category = session.CategoryTransientInfra
		fr.Diagnostics = c.infraErr.Error()
	case !c.outcome.Passed && f.Status == graph.StatusFailed:
		fr.Category = c.outcome.Category
		fr.Diagnostics = c.outcome.Diagnostics
	}
	return fr
}
