package errors

import (
	"fmt"
	"strings"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

// Error categories
const (
	// Backlog errors (BACKLOG-001 to BACKLOG-099)
	ErrCodeBacklogNotFound  ErrorCode = "BACKLOG-001"
	ErrCodeBacklogInvalid   ErrorCode = "BACKLOG-002"
	ErrCodeBacklogUnmarshal ErrorCode = "BACKLOG-003"

	// Graph errors (GRAPH-001 to GRAPH-099)
	ErrCodeGraphCycle       ErrorCode = "GRAPH-001"
	ErrCodeGraphUnknownDep  ErrorCode = "GRAPH-002"
	ErrCodeGraphDuplicateID ErrorCode = "GRAPH-003"
	ErrCodeGraphBadState    ErrorCode = "GRAPH-004"

	// Worktree errors (WORKTREE-001 to WORKTREE-099)
	ErrCodeWorktreeCreate   ErrorCode = "WORKTREE-001"
	ErrCodeWorktreeConflict ErrorCode = "WORKTREE-002"
	ErrCodeWorktreeCommit   ErrorCode = "WORKTREE-003"
	ErrCodeWorktreeRemove   ErrorCode = "WORKTREE-004"
	ErrCodeWorktreeReset    ErrorCode = "WORKTREE-005"
	ErrCodeWorktreeRepo     ErrorCode = "WORKTREE-006"
	ErrCodeWorktreeMerge    ErrorCode = "WORKTREE-007"

	// Provider errors (PROVIDER-001 to PROVIDER-099)
	ErrCodeProviderTransient ErrorCode = "PROVIDER-001"
	ErrCodeProviderRateLimit ErrorCode = "PROVIDER-002"
	ErrCodeProviderTimeout   ErrorCode = "PROVIDER-003"
	ErrCodeProviderConfig    ErrorCode = "PROVIDER-004"

	// File I/O errors (IO-001 to IO-099)
	ErrCodeFileReadFailed ErrorCode = "IO-001"
)

// AutoforgeError represents an enhanced error with code, suggestions, and documentation
type AutoforgeError struct {
	Code        ErrorCode
	Message     string
	Suggestions []string
	Cause       error
}

// Error implements the error interface
func (e *AutoforgeError) Error() string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if e.Cause != nil {
		b.WriteString(fmt.Sprintf(": %v", e.Cause))
	}

	if len(e.Suggestions) > 0 {
		b.WriteString("\n\nSuggestions:")
		for _, suggestion := range e.Suggestions {
			b.WriteString(fmt.Sprintf("\n  • %s", suggestion))
		}
	}

	return b.String()
}

// Unwrap implements error unwrapping for errors.Is and errors.As
func (e *AutoforgeError) Unwrap() error {
	return e.Cause
}

// New creates a new AutoforgeError
func New(code ErrorCode, message string) *AutoforgeError {
	return &AutoforgeError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new AutoforgeError wrapping an existing error
func Wrap(code ErrorCode, message string, cause error) *AutoforgeError {
	return &AutoforgeError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// WithSuggestion adds a suggestion to the error
func (e *AutoforgeError) WithSuggestion(suggestion string) *AutoforgeError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

// WithSuggestions adds multiple suggestions to the error
func (e *AutoforgeError) WithSuggestions(suggestions ...string) *AutoforgeError {
	e.Suggestions = append(e.Suggestions, suggestions...)
	return e
}

// Common error constructors for frequently used errors

// NewBacklogNotFoundError creates a backlog file not found error
func NewBacklogNotFoundError(path string) *AutoforgeError {
	return New(ErrCodeBacklogNotFound, fmt.Sprintf("backlog file not found: %s", path)).
		WithSuggestion("Check if the file path is correct").
		WithSuggestion("Pass the backlog location with --backlog")
}

// NewBacklogInvalidError creates a backlog validation error
func NewBacklogInvalidError(details string) *AutoforgeError {
	return New(ErrCodeBacklogInvalid, fmt.Sprintf("invalid backlog: %s", details)).
		WithSuggestion("Every feature needs a unique id and its depends_on entries must name known features")
}

// NewWorktreeCreateError creates a worktree creation error
func NewWorktreeCreateError(featureID string, cause error) *AutoforgeError {
	return Wrap(ErrCodeWorktreeCreate, fmt.Sprintf("failed to create worktree for feature %s", featureID), cause).
		WithSuggestion("Check that the repository is a valid git repository").
		WithSuggestion("Check free disk space and filesystem permissions")
}

// NewProviderRateLimitError creates a rate limit error
func NewProviderRateLimitError(retryAfter string, cause error) *AutoforgeError {
	msg := "rate limit exceeded by coding session provider"
	if retryAfter != "" {
		msg += fmt.Sprintf(" (retry after: %s)", retryAfter)
	}

	return Wrap(ErrCodeProviderRateLimit, msg, cause).
		WithSuggestions(
			"The concurrency governor will back off automatically",
			"Lower --max-workers if throttling persists")
}

// NewProviderTimeoutError creates a provider timeout error
func NewProviderTimeoutError(op string, cause error) *AutoforgeError {
	return Wrap(ErrCodeProviderTimeout, fmt.Sprintf("%s exceeded its wall-clock budget", op), cause).
		WithSuggestion("Raise --session-timeout or --validate-timeout for long-running features")
}
