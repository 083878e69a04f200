package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/autoforge/internal/backlog"
	"github.com/felixgeelhaar/autoforge/internal/event"
	"github.com/felixgeelhaar/autoforge/internal/governor"
	"github.com/felixgeelhaar/autoforge/internal/graph"
	"github.com/felixgeelhaar/autoforge/internal/log"
	"github.com/felixgeelhaar/autoforge/internal/provider"
	"github.com/felixgeelhaar/autoforge/internal/runner"
	"github.com/felixgeelhaar/autoforge/internal/session"
	"github.com/felixgeelhaar/autoforge/internal/worktree"
)

var runFlags struct {
	backlogPath       string
	repoRoot          string
	integrationBranch string
	baseRef           string
	sessionCmd        string
	sessionArgs       []string
	validateCmd       string
	validateArgs      []string
	maxWorkers        int
	maxWorktrees      int
	maxAttempts       int
	transientRetries  int
	sessionTimeout    time.Duration
	validateTimeout   time.Duration
	logLevel          string
	logFormat         string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the backlog end to end",
	RunE:  runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.backlogPath, "backlog", "backlog.yaml", "path to the feature backlog file")
	f.StringVar(&runFlags.repoRoot, "repo", ".", "git repository to operate on")
	f.StringVar(&runFlags.integrationBranch, "branch", "autoforge-integration", "shared integration branch")
	f.StringVar(&runFlags.baseRef, "base", "", "ref new worktrees branch from (default: integration branch)")
	f.StringVar(&runFlags.sessionCmd, "session-cmd", "", "coding session command, run inside each worktree")
	f.StringSliceVar(&runFlags.sessionArgs, "session-arg", nil, "argument for the coding session command (repeatable)")
	f.StringVar(&runFlags.validateCmd, "validate-cmd", "", "validation command, run inside each worktree")
	f.StringSliceVar(&runFlags.validateArgs, "validate-arg", nil, "argument for the validation command (repeatable)")
	f.IntVar(&runFlags.maxWorkers, "max-workers", runner.DefaultMaxWorkers, "maximum concurrent features")
	f.IntVar(&runFlags.maxWorktrees, "max-worktrees", worktree.DefaultMaxActive, "maximum simultaneously active worktrees")
	f.IntVar(&runFlags.maxAttempts, "max-attempts", session.DefaultMaxAttempts, "logic-attempt budget per feature")
	f.IntVar(&runFlags.transientRetries, "transient-retries", session.DefaultTransientRetries, "transient-infrastructure retry budget per feature")
	f.DurationVar(&runFlags.sessionTimeout, "session-timeout", session.DefaultSessionTimeout, "wall-clock budget per coding session call")
	f.DurationVar(&runFlags.validateTimeout, "validate-timeout", session.DefaultValidateTimeout, "wall-clock budget per validation call")
	f.StringVar(&runFlags.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	f.StringVar(&runFlags.logFormat, "log-format", "text", "log format (text, json)")

	_ = runCmd.MarkFlagRequired("session-cmd")
	_ = runCmd.MarkFlagRequired("validate-cmd")

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	logCfg := log.DefaultConfig()
	logCfg.Level = log.ParseLevel(runFlags.logLevel)
	logCfg.Format = log.ParseFormat(runFlags.logFormat)
	logger := log.New(logCfg)

	b, err := backlog.Load(runFlags.backlogPath)
	if err != nil {
		return err
	}

	// A cyclic backlog must be rejected before any feature is dispatched.
	g, err := graph.Build(b)
	if err != nil {
		return err
	}

	trees, err := worktree.NewManager(ctx, worktree.Config{
		RepoRoot:          runFlags.repoRoot,
		IntegrationBranch: runFlags.integrationBranch,
		BaseRef:           runFlags.baseRef,
		MaxActive:         runFlags.maxWorktrees,
	}, logger)
	if err != nil {
		return err
	}

	coder, err := provider.NewCommandSession(runFlags.sessionCmd, runFlags.sessionArgs, logger)
	if err != nil {
		return err
	}
	validator, err := provider.NewCommandValidator(runFlags.validateCmd, runFlags.validateArgs, logger)
	if err != nil {
		return err
	}

	exec := session.NewExecutor(coder, validator, session.Config{
		MaxAttempts:      runFlags.maxAttempts,
		TransientRetries: runFlags.transientRetries,
		SessionTimeout:   runFlags.sessionTimeout,
		ValidateTimeout:  runFlags.validateTimeout,
	}, logger)

	gov := governor.New(governor.Config{MaxWorkers: runFlags.maxWorkers})

	r := runner.New(g, trees, exec, gov, event.NewLogSink(logger), logger, runner.Config{
		MaxWorkers: runFlags.maxWorkers,
	})

	result := r.Run(ctx)
	printReport(cmd.OutOrStdout(), result)

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !result.Success {
		return fmt.Errorf("run finished with %d failed and %d blocked features",
			len(result.Failed), len(result.Blocked))
	}
	return nil
}
