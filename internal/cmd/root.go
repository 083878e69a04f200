package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "autoforge",
	Short: "Autonomous feature-build orchestrator",
	Long: `autoforge takes a backlog of features with dependencies, executes each in an
isolated git worktree through an external coding-session command, validates the
result, retries failures with bounded self-healing, and serially merges
successful work into a shared integration branch under adaptive admission
control.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// ExecuteContext runs the root command with the given context
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}
