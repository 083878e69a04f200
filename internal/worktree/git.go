package worktree

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// runGit executes a git command in dir and returns its combined output.
// Failures include the output, which is where git explains itself.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	trimmed := strings.TrimSpace(string(out))
	if err != nil {
		return trimmed, fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, trimmed)
	}
	return trimmed, nil
}

// refExists reports whether a ref resolves in the repository at dir
func refExists(ctx context.Context, dir, ref string) bool {
	_, err := runGit(ctx, dir, "rev-parse", "--verify", "--quiet", ref)
	return err == nil
}
