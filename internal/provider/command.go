// Package provider supplies command-backed implementations of the external
// CodingSession and Validator capabilities. Any executable can be a
// collaborator: the session command receives its prompt on stdin and edits
// the worktree in place; the validator command judges the worktree by exit
// code.
package provider

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/felixgeelhaar/autoforge/internal/errors"
	"github.com/felixgeelhaar/autoforge/internal/log"
	"github.com/felixgeelhaar/autoforge/internal/session"
)

// CommandSession runs a configured executable inside the worktree with the
// feature description (and prior-failure diagnostics from the second attempt
// on) on stdin.
type CommandSession struct {
	path   string
	args   []string
	logger *log.Logger
}

// NewCommandSession verifies the executable exists and returns a session
func NewCommandSession(path string, args []string, logger *log.Logger) (*CommandSession, error) {
	if _, err := exec.LookPath(path); err != nil {
		return nil, errors.Wrap(errors.ErrCodeProviderConfig, fmt.Sprintf("session command not found: %s", path), err)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &CommandSession{path: path, args: args, logger: logger}, nil
}

// Apply implements session.CodingSession
func (s *CommandSession) Apply(ctx context.Context, req *session.Request) (*session.Result, error) {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Feature: %s\n\n%s\n", req.FeatureID, req.Description)
	if req.PriorFailure != nil {
		fmt.Fprintf(&prompt, "\nThe previous attempt failed (%s). Fix the following and try again:\n%s\n",
			req.PriorFailure.Category, req.PriorFailure.Detail)
	}

	cmd := exec.CommandContext(ctx, s.path, s.args...)
	cmd.Dir = req.WorkDir
	cmd.Stdin = strings.NewReader(prompt.String())

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &session.ProviderError{Err: errors.NewProviderTimeoutError("coding session", ctx.Err())}
		}
		return nil, &session.ProviderError{Err: ctx.Err()}
	}
	if err != nil {
		combined := strings.TrimSpace(stderr.String())
		cause := fmt.Errorf("%w: %s", err, combined)
		if rateLimited(combined) {
			return nil, &session.ProviderError{RateLimited: true, Err: errors.NewProviderRateLimitError("", cause)}
		}
		return nil, &session.ProviderError{Err: errors.Wrap(errors.ErrCodeProviderTransient, "coding session command failed", cause)}
	}

	summary := strings.TrimSpace(stdout.String())
	s.logger.Debug("coding session completed", "feature", req.FeatureID, "attempt", req.Attempt)
	return &session.Result{DiffApplied: true, Summary: summary}, nil
}

var rateLimitPattern = regexp.MustCompile(`(?i)rate.?limit|too many requests|429|overloaded`)

func rateLimited(output string) bool {
	return rateLimitPattern.MatchString(output)
}

// CommandValidator runs a configured validation command in the worktree.
// Exit code zero means the feature passed; a non-zero exit is classified
// into the closed error-category set from the command's output.
type CommandValidator struct {
	path   string
	args   []string
	logger *log.Logger
}

// NewCommandValidator verifies the executable exists and returns a validator
func NewCommandValidator(path string, args []string, logger *log.Logger) (*CommandValidator, error) {
	if _, err := exec.LookPath(path); err != nil {
		return nil, errors.Wrap(errors.ErrCodeProviderConfig, fmt.Sprintf("validator command not found: %s", path), err)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &CommandValidator{path: path, args: args, logger: logger}, nil
}

// Validate implements session.Validator
func (v *CommandValidator) Validate(ctx context.Context, workDir string) (*session.Verdict, error) {
	cmd := exec.CommandContext(ctx, v.path, v.args...)
	cmd.Dir = workDir

	out, err := cmd.CombinedOutput()
	if ctx.Err() != nil {
		if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &session.ProviderError{Err: errors.NewProviderTimeoutError("validation", ctx.Err())}
		}
		return nil, &session.ProviderError{Err: ctx.Err()}
	}

	diagnostics := strings.TrimSpace(string(out))
	if err == nil {
		return &session.Verdict{Passed: true, Diagnostics: diagnostics}, nil
	}

	if _, ok := err.(*exec.ExitError); !ok {
		// The command itself could not run: infrastructure, not a verdict.
		return nil, &session.ProviderError{Err: errors.Wrap(errors.ErrCodeProviderTransient, "validation command failed", err)}
	}

	return &session.Verdict{
		Passed:      false,
		Category:    classify(diagnostics),
		Diagnostics: diagnostics,
	}, nil
}

var (
	syntaxPattern = regexp.MustCompile(`(?i)syntax error|cannot find (package|module)|undefined:|import .* not found|expected .*, found`)
	typePattern   = regexp.MustCompile(`(?i)type mismatch|cannot use .* as .* value|incompatible type|does not implement`)
	unrecPattern  = regexp.MustCompile(`(?i)unrecoverable|spec contradiction`)
)

// classify maps validator output onto the closed category enum. Anything it
// cannot recognize is a logic failure, the retryable default.
func classify(output string) session.ErrorCategory {
	switch {
	case unrecPattern.MatchString(output):
		return session.CategoryUnrecoverable
	case syntaxPattern.MatchString(output):
		return session.CategorySyntaxOrImport
	case typePattern.MatchString(output):
		return session.CategoryTypeMismatch
	default:
		return session.CategoryLogic
	}
}
