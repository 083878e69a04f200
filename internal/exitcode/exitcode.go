// Package exitcode defines exit codes for consistent error handling across the CLI
package exitcode

import (
	"os"
	"strings"
)

const (
	// Success indicates every feature completed and merged
	Success = 0

	// GeneralError indicates a general error condition
	GeneralError = 1

	// UsageError indicates invalid command usage (bad flags, missing args, etc.)
	UsageError = 2

	// CycleDetected indicates the backlog contained a dependency cycle
	CycleDetected = 3

	// RunFailed indicates the run drained but some features failed or were blocked
	RunFailed = 4

	// Interrupted indicates the run was cancelled by the operator
	Interrupted = 130
)

// Exit terminates the program with the given exit code
func Exit(code int) {
	os.Exit(code)
}

// ExitWithError exits with an appropriate code based on error type
func ExitWithError(err error) {
	if err == nil {
		Exit(Success)
		return
	}
	Exit(DetermineExitCode(err))
}

// DetermineExitCode analyzes an error and returns the appropriate exit code
func DetermineExitCode(err error) int {
	if err == nil {
		return Success
	}

	errMsg := strings.ToLower(err.Error())

	if strings.Contains(errMsg, "cycle detected") || strings.Contains(errMsg, "dependency cycle") {
		return CycleDetected
	}
	if strings.Contains(errMsg, "run finished with") {
		return RunFailed
	}
	if strings.Contains(errMsg, "invalid flag") || strings.Contains(errMsg, "unknown command") ||
		strings.Contains(errMsg, "required flag") || strings.Contains(errMsg, "missing argument") {
		return UsageError
	}

	return GeneralError
}
