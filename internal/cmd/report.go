package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/felixgeelhaar/autoforge/internal/runner"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	doneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	blockedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
)

// printReport renders the final run enumeration. The runner.Result is the
// machine surface; this is only presentation.
func printReport(w io.Writer, result *runner.Result) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, titleStyle.Render("Run report"), mutedStyle.Render(result.RunID))
	fmt.Fprintln(w, mutedStyle.Render(fmt.Sprintf("duration %s", result.Duration.Round(time.Millisecond))))

	for _, f := range result.Completed {
		fmt.Fprintf(w, "  %s %s %s\n",
			doneStyle.Render("✓"), f.ID,
			mutedStyle.Render(fmt.Sprintf("(%d attempts)", f.Attempts)))
	}
	for _, f := range result.Failed {
		fmt.Fprintf(w, "  %s %s %s\n",
			failedStyle.Render("✗"), f.ID,
			mutedStyle.Render(fmt.Sprintf("(%s)", f.Category)))
		if f.Diagnostics != "" {
			fmt.Fprintf(w, "      %s\n", mutedStyle.Render(f.Diagnostics))
		}
		if f.WorktreePath != "" {
			fmt.Fprintf(w, "      %s\n", mutedStyle.Render("worktree preserved: "+f.WorktreePath))
		}
	}
	for _, f := range result.Blocked {
		fmt.Fprintf(w, "  %s %s %s\n",
			blockedStyle.Render("⊘"), f.ID,
			mutedStyle.Render(fmt.Sprintf("(blocked by %s)", f.BlockedBy)))
	}

	summary := fmt.Sprintf("%d completed, %d failed, %d blocked",
		len(result.Completed), len(result.Failed), len(result.Blocked))
	if result.Aborted {
		summary += " (aborted)"
	}
	if result.Success {
		fmt.Fprintln(w, doneStyle.Render(summary))
	} else {
		fmt.Fprintln(w, failedStyle.Render(summary))
	}
}
