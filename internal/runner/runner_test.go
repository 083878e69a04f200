package runner

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/autoforge/internal/backlog"
	"github.com/felixgeelhaar/autoforge/internal/event"
	"github.com/felixgeelhaar/autoforge/internal/governor"
	"github.com/felixgeelhaar/autoforge/internal/graph"
	"github.com/felixgeelhaar/autoforge/internal/session"
	"github.com/felixgeelhaar/autoforge/internal/worktree"
)

// fakeTrees simulates the worktree lifecycle in memory.
type fakeTrees struct {
	mu          sync.Mutex
	max         int
	active      map[string]bool
	conflicts   map[string]bool
	failAcquire map[string]int
	mergeOrder  []string
	released    map[string]worktree.ReleaseMode
	resets      int
}

func newFakeTrees(max int) *fakeTrees {
	return &fakeTrees{
		max:         max,
		active:      make(map[string]bool),
		conflicts:   make(map[string]bool),
		failAcquire: make(map[string]int),
		released:    make(map[string]worktree.ReleaseMode),
	}
}

func (f *fakeTrees) Acquire(ctx context.Context, featureID string) (*worktree.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.failAcquire[featureID]; n > 0 {
		f.failAcquire[featureID] = n - 1
		return nil, stderrors.New("disk full")
	}
	f.active[featureID] = true
	return &worktree.Handle{
		FeatureID: featureID,
		Path:      "/fake/" + featureID,
		Branch:    worktree.BranchPrefix + featureID,
	}, nil
}

func (f *fakeTrees) Reset(ctx context.Context, h *worktree.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

func (f *fakeTrees) CommitAndMerge(ctx context.Context, h *worktree.Handle, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conflicts[h.FeatureID] {
		return &worktree.MergeConflictError{Branch: h.Branch, Paths: []string{"shared.txt"}}
	}
	f.mergeOrder = append(f.mergeOrder, h.FeatureID)
	return nil
}

func (f *fakeTrees) Release(ctx context.Context, h *worktree.Handle, mode worktree.ReleaseMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, h.FeatureID)
	f.released[h.FeatureID] = mode
	return nil
}

func (f *fakeTrees) AvailableSlots() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.max - len(f.active)
}

// stubSession is a scriptable coding session that also tracks concurrency.
type stubSession struct {
	mu    sync.Mutex
	calls map[string]int
	cur   int
	peak  int
	delay time.Duration
	// apply overrides the default always-succeed behavior
	apply func(ctx context.Context, featureID string, call int) (*session.Result, error)
}

func newStubSession() *stubSession {
	return &stubSession{calls: make(map[string]int)}
}

func (s *stubSession) Apply(ctx context.Context, req *session.Request) (*session.Result, error) {
	s.mu.Lock()
	s.calls[req.FeatureID]++
	call := s.calls[req.FeatureID]
	s.cur++
	if s.cur > s.peak {
		s.peak = s.cur
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.cur--
		s.mu.Unlock()
	}()

	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, &session.ProviderError{Err: ctx.Err()}
		case <-time.After(s.delay):
		}
	}

	if s.apply != nil {
		return s.apply(ctx, req.FeatureID, call)
	}
	return &session.Result{DiffApplied: true, Summary: "applied"}, nil
}

func (s *stubSession) callCount(featureID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[featureID]
}

func (s *stubSession) peakConcurrency() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

// stubValidator judges by workDir; the fake worktree path encodes the feature id.
type stubValidator struct {
	fn func(featureID string) (*session.Verdict, error)
}

func (v *stubValidator) Validate(ctx context.Context, workDir string) (*session.Verdict, error) {
	id := strings.TrimPrefix(workDir, "/fake/")
	if v.fn == nil {
		return &session.Verdict{Passed: true}, nil
	}
	return v.fn(id)
}

func buildGraph(t *testing.T, features ...backlog.Feature) *graph.Graph {
	t.Helper()
	g, err := graph.Build(&backlog.Backlog{Features: features})
	require.NoError(t, err)
	return g
}

type harness struct {
	runner  *Runner
	trees   *fakeTrees
	session *stubSession
	gov     *governor.Governor
	sink    *event.MemorySink
}

func newHarness(t *testing.T, g *graph.Graph, s *stubSession, v *stubValidator, maxWorkers int, execCfg session.Config) *harness {
	t.Helper()
	trees := newFakeTrees(maxWorkers)
	exec := session.NewExecutor(s, v, execCfg, nil)
	gov := governor.New(governor.Config{MaxWorkers: maxWorkers})
	sink := event.NewMemorySink()
	r := New(g, trees, exec, gov, sink, nil, Config{
		MaxWorkers:     maxWorkers,
		AcquireBackoff: time.Millisecond,
	})
	return &harness{runner: r, trees: trees, session: s, gov: gov, sink: sink}
}

func completedIDs(result *Result) []string {
	ids := make([]string, 0, len(result.Completed))
	for _, f := range result.Completed {
		ids = append(ids, f.ID)
	}
	return ids
}

func eventIndex(events []event.Event, featureID, to string) int {
	for i, e := range events {
		if e.FeatureID == featureID && e.To == to {
			return i
		}
	}
	return -1
}

func TestRun_DependentWaitsForBothParents(t *testing.T) {
	g := buildGraph(t,
		backlog.Feature{ID: "a", Description: "feature a"},
		backlog.Feature{ID: "b", Description: "feature b"},
		backlog.Feature{ID: "c", Description: "feature c", DependsOn: []string{"a", "b"}},
	)
	s := newStubSession()
	s.delay = 10 * time.Millisecond
	h := newHarness(t, g, s, &stubValidator{}, 4, session.Config{})

	result := h.runner.Run(context.Background())

	assert.True(t, result.Success)
	assert.False(t, result.Aborted)
	assert.Equal(t, []string{"a", "b", "c"}, completedIDs(result))
	assert.Empty(t, result.Failed)
	assert.Empty(t, result.Blocked)

	events := h.sink.Events()
	cStart := eventIndex(events, "c", "running")
	require.GreaterOrEqual(t, cStart, 0)
	assert.Greater(t, cStart, eventIndex(events, "a", "done"), "c dispatched only after a merged")
	assert.Greater(t, cStart, eventIndex(events, "b", "done"), "c dispatched only after b merged")

	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, worktree.ReleaseMerged, h.trees.released[id])
	}
	assert.Equal(t, "c", h.trees.mergeOrder[len(h.trees.mergeOrder)-1])
}

func TestRun_FailedFeatureBlocksDescendants(t *testing.T) {
	g := buildGraph(t,
		backlog.Feature{ID: "x", Description: "doomed"},
		backlog.Feature{ID: "y", Description: "downstream", DependsOn: []string{"x"}},
		backlog.Feature{ID: "z", Description: "independent"},
	)
	s := newStubSession()
	v := &stubValidator{fn: func(id string) (*session.Verdict, error) {
		if id == "x" {
			return &session.Verdict{Category: session.CategoryLogic, Diagnostics: "TestX keeps failing"}, nil
		}
		return &session.Verdict{Passed: true}, nil
	}}
	h := newHarness(t, g, s, v, 2, session.Config{MaxAttempts: 2})

	result := h.runner.Run(context.Background())

	assert.False(t, result.Success)
	assert.False(t, result.Aborted, "the run drains; it does not abort")
	assert.Equal(t, []string{"z"}, completedIDs(result))

	require.Len(t, result.Failed, 1)
	failed := result.Failed[0]
	assert.Equal(t, "x", failed.ID)
	assert.Equal(t, session.CategoryLogic, failed.Category)
	assert.Equal(t, 2, failed.Attempts)
	assert.Equal(t, "/fake/x", failed.WorktreePath)

	require.Len(t, result.Blocked, 1)
	assert.Equal(t, "y", result.Blocked[0].ID)
	assert.Equal(t, "x", result.Blocked[0].BlockedBy)

	assert.Equal(t, 0, h.session.callCount("y"), "blocked features never start a session")
	assert.Equal(t, worktree.ReleaseAbandoned, h.trees.released["x"], "failed worktree preserved")
}

func TestRun_RespectsWorkerLimit(t *testing.T) {
	features := []backlog.Feature{
		{ID: "f1"}, {ID: "f2"}, {ID: "f3"}, {ID: "f4"}, {ID: "f5"}, {ID: "f6"},
	}
	g := buildGraph(t, features...)
	s := newStubSession()
	s.delay = 15 * time.Millisecond
	h := newHarness(t, g, s, &stubValidator{}, 2, session.Config{})

	result := h.runner.Run(context.Background())

	assert.True(t, result.Success)
	assert.Len(t, result.Completed, 6)
	assert.LessOrEqual(t, h.session.peakConcurrency(), 2)
}

func TestRun_ThrottleShrinksConcurrency(t *testing.T) {
	g := buildGraph(t,
		backlog.Feature{ID: "a"},
		backlog.Feature{ID: "b"},
		backlog.Feature{ID: "c"},
		backlog.Feature{ID: "d"},
	)
	s := newStubSession()
	s.apply = func(ctx context.Context, featureID string, call int) (*session.Result, error) {
		if featureID == "a" && call == 1 {
			return nil, &session.ProviderError{RateLimited: true, RetryAfter: time.Minute, Err: stderrors.New("429")}
		}
		return &session.Result{DiffApplied: true}, nil
	}
	h := newHarness(t, g, s, &stubValidator{}, 4, session.Config{})

	result := h.runner.Run(context.Background())

	assert.True(t, result.Success, "the throttled feature recovers on retry")
	assert.Equal(t, 2, h.gov.Limit(), "one throttle halved the limit; cooldown gates recovery")
}

func TestRun_AcquireRetriesTransientFailures(t *testing.T) {
	g := buildGraph(t, backlog.Feature{ID: "a"})
	s := newStubSession()
	h := newHarness(t, g, s, &stubValidator{}, 2, session.Config{})
	h.trees.failAcquire["a"] = 2

	result := h.runner.Run(context.Background())

	assert.True(t, result.Success)
	assert.Equal(t, []string{"a"}, completedIDs(result))
	assert.Equal(t, 1, h.session.callCount("a"), "acquire retries never charge the attempt budget")
}

func TestRun_AcquireExhaustionFailsAsInfra(t *testing.T) {
	g := buildGraph(t, backlog.Feature{ID: "a"})
	s := newStubSession()
	h := newHarness(t, g, s, &stubValidator{}, 2, session.Config{})
	h.trees.failAcquire["a"] = 100
	h.runner.cfg.AcquireRetries = 2

	result := h.runner.Run(context.Background())

	assert.False(t, result.Success)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, session.CategoryTransientInfra, result.Failed[0].Category)
	assert.Contains(t, result.Failed[0].Diagnostics, "disk full")
	assert.Equal(t, 0, h.session.callCount("a"))
}

func TestRun_MergeConflictIsTerminal(t *testing.T) {
	g := buildGraph(t,
		backlog.Feature{ID: "a"},
		backlog.Feature{ID: "b", DependsOn: []string{"a"}},
	)
	s := newStubSession()
	h := newHarness(t, g, s, &stubValidator{}, 2, session.Config{})
	h.trees.conflicts["a"] = true

	result := h.runner.Run(context.Background())

	assert.False(t, result.Success)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "a", result.Failed[0].ID)
	assert.Equal(t, session.CategoryMergeConflict, result.Failed[0].Category)
	assert.Equal(t, "/fake/a", result.Failed[0].WorktreePath)
	assert.Equal(t, worktree.ReleaseAbandoned, h.trees.released["a"])

	require.Len(t, result.Blocked, 1)
	assert.Equal(t, "b", result.Blocked[0].ID)
	assert.Equal(t, 1, h.session.callCount("a"), "a conflict is never retried")
}

func TestRun_OperatorAbortLeavesInFlightUnresolved(t *testing.T) {
	g := buildGraph(t, backlog.Feature{ID: "slow"})
	s := newStubSession()
	s.apply = func(ctx context.Context, featureID string, call int) (*session.Result, error) {
		<-ctx.Done()
		return nil, &session.ProviderError{Err: ctx.Err()}
	}
	h := newHarness(t, g, s, &stubValidator{}, 2, session.Config{TransientRetries: 1})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	result := h.runner.Run(ctx)

	assert.True(t, result.Aborted)
	assert.False(t, result.Success)
	assert.Empty(t, result.Completed)
	assert.Empty(t, result.Failed, "an aborted feature is unresolved, not failed")
	assert.Empty(t, result.Blocked)
}

func TestRun_AbortDuringAcquireBackoffLeavesUnresolved(t *testing.T) {
	g := buildGraph(t, backlog.Feature{ID: "a"})
	s := newStubSession()
	h := newHarness(t, g, s, &stubValidator{}, 2, session.Config{})
	h.trees.failAcquire["a"] = 100
	h.runner.cfg.AcquireBackoff = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	result := h.runner.Run(ctx)

	assert.True(t, result.Aborted, "operator abort must leave the run aborted")
	assert.Empty(t, result.Failed, "an aborted feature is unresolved, not failed")
	assert.Empty(t, result.Completed)
	assert.Empty(t, result.Blocked)
	assert.Equal(t, 0, h.session.callCount("a"))
}

func TestRun_AlreadyDoneBacklogExitsImmediately(t *testing.T) {
	g := buildGraph(t,
		backlog.Feature{ID: "a"},
		backlog.Feature{ID: "b"},
	)
	g.MarkDone("a")
	g.MarkDone("b")

	s := newStubSession()
	h := newHarness(t, g, s, &stubValidator{}, 2, session.Config{})

	result := h.runner.Run(context.Background())

	assert.True(t, result.Success)
	assert.Len(t, result.Completed, 2)
	assert.Empty(t, h.session.calls, "nothing to dispatch")
}
