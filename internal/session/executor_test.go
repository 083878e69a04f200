package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptSession replays a per-call script as the coding session.
type scriptSession struct {
	mu   sync.Mutex
	reqs []*Request
	fn   func(ctx context.Context, call int, req *Request) (*Result, error)
}

func (s *scriptSession) Apply(ctx context.Context, req *Request) (*Result, error) {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	call := len(s.reqs)
	s.mu.Unlock()
	return s.fn(ctx, call, req)
}

func (s *scriptSession) requests() []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Request(nil), s.reqs...)
}

// scriptValidator replays a per-call script as the validator.
type scriptValidator struct {
	mu    sync.Mutex
	calls int
	fn    func(call int) (*Verdict, error)
}

func (v *scriptValidator) Validate(ctx context.Context, workDir string) (*Verdict, error) {
	v.mu.Lock()
	v.calls++
	call := v.calls
	v.mu.Unlock()
	return v.fn(call)
}

type fakeWorkspace struct {
	mu       sync.Mutex
	dir      string
	resets   int
	resetErr error
}

func (w *fakeWorkspace) Dir() string { return w.dir }

func (w *fakeWorkspace) Reset(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.resets++
	return w.resetErr
}

func okSession() *scriptSession {
	return &scriptSession{fn: func(ctx context.Context, call int, req *Request) (*Result, error) {
		return &Result{DiffApplied: true, Summary: "applied"}, nil
	}}
}

func passValidator() *scriptValidator {
	return &scriptValidator{fn: func(call int) (*Verdict, error) {
		return &Verdict{Passed: true}, nil
	}}
}

func failValidator(category ErrorCategory, detail string) *scriptValidator {
	return &scriptValidator{fn: func(call int) (*Verdict, error) {
		return &Verdict{Category: category, Diagnostics: detail}, nil
	}}
}

func TestRun_PassesFirstAttempt(t *testing.T) {
	s := okSession()
	ws := &fakeWorkspace{dir: "/work/auth"}
	e := NewExecutor(s, passValidator(), Config{}, nil)

	out := e.Run(context.Background(), "auth", "Add login endpoint", ws)

	assert.True(t, out.Passed)
	assert.Equal(t, 0, out.LogicAttempts)
	require.Len(t, out.Attempts, 1)
	assert.True(t, out.Attempts[0].Passed)
	assert.Equal(t, 0, ws.resets, "no reset before the first attempt")

	reqs := s.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "auth", reqs[0].FeatureID)
	assert.Equal(t, "/work/auth", reqs[0].WorkDir)
	assert.Equal(t, 1, reqs[0].Attempt)
	assert.Nil(t, reqs[0].PriorFailure)
}

func TestRun_LogicBudgetExhausted(t *testing.T) {
	s := okSession()
	ws := &fakeWorkspace{dir: "/work/x"}
	e := NewExecutor(s, failValidator(CategoryLogic, "TestFoo failed"), Config{MaxAttempts: 5}, nil)

	out := e.Run(context.Background(), "x", "impossible feature", ws)

	assert.False(t, out.Passed)
	assert.False(t, out.Canceled)
	assert.Equal(t, CategoryLogic, out.Category)
	assert.Equal(t, 5, out.LogicAttempts)
	assert.Len(t, out.Attempts, 5)
	assert.Contains(t, out.Diagnostics, "attempt budget exhausted")
	assert.Equal(t, 4, ws.resets, "reset before every attempt after the first")
}

func TestRun_PriorDiagnosticsCarriedForward(t *testing.T) {
	s := okSession()
	calls := 0
	v := &scriptValidator{fn: func(call int) (*Verdict, error) {
		calls++
		if call == 1 {
			return &Verdict{Category: CategorySyntaxOrImport, Diagnostics: "undefined: frobnicate"}, nil
		}
		return &Verdict{Passed: true}, nil
	}}
	e := NewExecutor(s, v, Config{}, nil)

	out := e.Run(context.Background(), "x", "desc", &fakeWorkspace{dir: "/work/x"})

	assert.True(t, out.Passed)
	assert.Equal(t, 1, out.LogicAttempts)

	reqs := s.requests()
	require.Len(t, reqs, 2)
	assert.Nil(t, reqs[0].PriorFailure)
	require.NotNil(t, reqs[1].PriorFailure)
	assert.Equal(t, CategorySyntaxOrImport, reqs[1].PriorFailure.Category)
	assert.Equal(t, "undefined: frobnicate", reqs[1].PriorFailure.Detail)
	assert.Equal(t, 2, reqs[1].Attempt, "attempt numbers are monotonic")
}

func TestRun_TransientBudgetExhausted(t *testing.T) {
	s := &scriptSession{fn: func(ctx context.Context, call int, req *Request) (*Result, error) {
		return nil, &ProviderError{Err: errors.New("connection refused")}
	}}
	e := NewExecutor(s, passValidator(), Config{TransientRetries: 2}, nil)

	out := e.Run(context.Background(), "x", "desc", &fakeWorkspace{dir: "/work/x"})

	assert.False(t, out.Passed)
	assert.Equal(t, CategoryTransientInfra, out.Category)
	assert.Equal(t, 0, out.LogicAttempts, "infra faults never charge the logic budget")
	assert.Len(t, out.Attempts, 3, "initial call plus two retries")
	assert.Contains(t, out.Diagnostics, "transient-retry budget exhausted")
}

func TestRun_TransientThenRecovers(t *testing.T) {
	s := &scriptSession{fn: func(ctx context.Context, call int, req *Request) (*Result, error) {
		if call == 1 {
			return nil, &ProviderError{Err: errors.New("temporary outage")}
		}
		return &Result{DiffApplied: true}, nil
	}}
	ws := &fakeWorkspace{dir: "/work/x"}
	e := NewExecutor(s, passValidator(), Config{}, nil)

	out := e.Run(context.Background(), "x", "desc", ws)

	assert.True(t, out.Passed)
	assert.Len(t, out.Attempts, 2)
	assert.Equal(t, 1, ws.resets)
}

func TestRun_TransientAndLogicBudgetsAreIndependent(t *testing.T) {
	// Alternate one infra fault with one logic failure: both budgets have
	// headroom, so the loop keeps going until validation passes.
	s := &scriptSession{fn: func(ctx context.Context, call int, req *Request) (*Result, error) {
		if call%2 == 1 && call < 5 {
			return nil, &ProviderError{Err: errors.New("flaky network")}
		}
		return &Result{DiffApplied: true}, nil
	}}
	v := &scriptValidator{fn: func(call int) (*Verdict, error) {
		if call < 3 {
			return &Verdict{Category: CategoryLogic, Diagnostics: "assertion failed"}, nil
		}
		return &Verdict{Passed: true}, nil
	}}
	e := NewExecutor(s, v, Config{MaxAttempts: 5, TransientRetries: 3}, nil)

	out := e.Run(context.Background(), "x", "desc", &fakeWorkspace{dir: "/work/x"})

	assert.True(t, out.Passed)
	assert.Equal(t, 2, out.LogicAttempts)
}

func TestRun_UnrecoverableIsTerminal(t *testing.T) {
	s := okSession()
	e := NewExecutor(s, failValidator(CategoryUnrecoverable, "contradictory requirements"), Config{}, nil)

	out := e.Run(context.Background(), "x", "desc", &fakeWorkspace{dir: "/work/x"})

	assert.False(t, out.Passed)
	assert.Equal(t, CategoryUnrecoverable, out.Category)
	assert.Equal(t, "contradictory requirements", out.Diagnostics)
	assert.Len(t, s.requests(), 1, "never retried")
}

func TestRun_UnknownCategoryCoercedToLogic(t *testing.T) {
	s := okSession()
	e := NewExecutor(s, failValidator("martian", "odd verdict"), Config{MaxAttempts: 1}, nil)

	out := e.Run(context.Background(), "x", "desc", &fakeWorkspace{dir: "/work/x"})

	assert.False(t, out.Passed)
	assert.Equal(t, CategoryLogic, out.Category)
	assert.Equal(t, 1, out.LogicAttempts)
}

func TestRun_SessionTimeoutIsTransient(t *testing.T) {
	s := &scriptSession{fn: func(ctx context.Context, call int, req *Request) (*Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	e := NewExecutor(s, passValidator(), Config{
		SessionTimeout:   10 * time.Millisecond,
		TransientRetries: 1,
	}, nil)

	out := e.Run(context.Background(), "x", "desc", &fakeWorkspace{dir: "/work/x"})

	assert.False(t, out.Passed)
	assert.False(t, out.Canceled, "a per-call timeout is not an operator abort")
	assert.Equal(t, CategoryTransientInfra, out.Category)
	assert.Len(t, out.Attempts, 2)
}

func TestRun_CanceledAtAttemptBoundary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	s := &scriptSession{fn: func(c context.Context, call int, req *Request) (*Result, error) {
		cancel()
		return &Result{DiffApplied: true}, nil
	}}
	e := NewExecutor(s, failValidator(CategoryLogic, "fails"), Config{}, nil)

	out := e.Run(ctx, "x", "desc", &fakeWorkspace{dir: "/work/x"})

	assert.True(t, out.Canceled)
	assert.False(t, out.Passed)
	assert.Len(t, s.requests(), 1, "in-flight attempt finished, no new attempt started")
}

func TestRun_CanceledBeforeFirstAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := okSession()
	e := NewExecutor(s, passValidator(), Config{}, nil)

	out := e.Run(ctx, "x", "desc", &fakeWorkspace{dir: "/work/x"})

	assert.True(t, out.Canceled)
	assert.Empty(t, s.requests())
}

func TestRun_RateLimitSignalsThrottleHook(t *testing.T) {
	s := &scriptSession{fn: func(ctx context.Context, call int, req *Request) (*Result, error) {
		if call == 1 {
			return nil, &ProviderError{RateLimited: true, RetryAfter: 42 * time.Second, Err: errors.New("429")}
		}
		return &Result{DiffApplied: true}, nil
	}}
	e := NewExecutor(s, passValidator(), Config{}, nil)

	var hints []time.Duration
	e.OnThrottle(func(retryAfter time.Duration) { hints = append(hints, retryAfter) })

	out := e.Run(context.Background(), "x", "desc", &fakeWorkspace{dir: "/work/x"})

	assert.True(t, out.Passed)
	assert.True(t, out.Throttled)
	require.Len(t, hints, 1)
	assert.Equal(t, 42*time.Second, hints[0])
	require.Len(t, out.Attempts, 2)
	assert.Equal(t, CategoryRateLimited, out.Attempts[0].Category)
}

func TestRun_ResetFailureCountsTransient(t *testing.T) {
	ws := &fakeWorkspace{dir: "/work/x", resetErr: fmt.Errorf("worktree gone")}
	s := okSession()
	e := NewExecutor(s, failValidator(CategoryLogic, "fails"), Config{TransientRetries: 2}, nil)

	out := e.Run(context.Background(), "x", "desc", ws)

	assert.False(t, out.Passed)
	assert.Equal(t, CategoryTransientInfra, out.Category)
	assert.Len(t, s.requests(), 1, "only the first attempt ran; resets kept failing")
	assert.Equal(t, 3, ws.resets)
}

func TestRun_OnAttemptObservesEveryAttempt(t *testing.T) {
	s := okSession()
	v := &scriptValidator{fn: func(call int) (*Verdict, error) {
		if call == 1 {
			return &Verdict{Category: CategoryTypeMismatch, Diagnostics: "wrong signature"}, nil
		}
		return &Verdict{Passed: true}, nil
	}}
	e := NewExecutor(s, v, Config{}, nil)

	var seen []Attempt
	e.OnAttempt(func(featureID string, a Attempt) {
		assert.Equal(t, "x", featureID)
		seen = append(seen, a)
	})

	out := e.Run(context.Background(), "x", "desc", &fakeWorkspace{dir: "/work/x"})

	assert.True(t, out.Passed)
	require.Len(t, seen, 2)
	assert.Equal(t, 1, seen[0].Number)
	assert.Equal(t, CategoryTypeMismatch, seen[0].Category)
	assert.Equal(t, 2, seen[1].Number)
	assert.True(t, seen[1].Passed)
}
