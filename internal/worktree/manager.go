// Package worktree owns the lifecycle of isolated, disk-backed workspaces and
// performs serialized, atomic integration of successful work into the shared
// integration branch.
package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/felixgeelhaar/autoforge/internal/errors"
	"github.com/felixgeelhaar/autoforge/internal/log"
)

// State is the lifecycle state of a worktree
type State string

const (
	// StateActive means a feature owns the worktree and may write to it
	StateActive State = "active"
	// StateMerging means the worktree is being integrated under the merge mutex
	StateMerging State = "merging"
	// StateMerged means integration succeeded; the worktree awaits removal
	StateMerged State = "merged"
	// StateAbandoned means the worktree was detached from the active pool
	// with its contents preserved for post-mortem inspection
	StateAbandoned State = "abandoned"
)

// ReleaseMode selects what Release does with the workspace
type ReleaseMode int

const (
	// ReleaseMerged deletes the workspace and its branch
	ReleaseMerged ReleaseMode = iota
	// ReleaseAbandoned frees the capacity slot but leaves the filesystem
	// contents and branch intact
	ReleaseAbandoned
)

// BranchPrefix namespaces the per-feature branches created by the manager
const BranchPrefix = "autoforge/"

// DefaultMaxActive bounds simultaneously active worktrees (disk/IO limited)
const DefaultMaxActive = 4

// MergeConflictError reports a failed integration attempt. Always terminal
// for the owning feature; the worktree is preserved untouched.
type MergeConflictError struct {
	Branch string
	Paths  []string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("[%s] merge conflict integrating %s: %s",
		errors.ErrCodeWorktreeConflict, e.Branch, strings.Join(e.Paths, ", "))
}

// Handle identifies one worktree and the feature that owns it
type Handle struct {
	FeatureID string
	Path      string
	Branch    string
	BaseRef   string

	mu    sync.Mutex
	state State
}

// Dir returns the worktree's working directory
func (h *Handle) Dir() string { return h.Path }

// State returns the worktree's lifecycle state
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Config configures the manager
type Config struct {
	// RepoRoot is the git repository the harness operates on
	RepoRoot string
	// IntegrationBranch is the shared branch successful work merges into.
	// Created from BaseRef if it does not exist. Defaults to "autoforge-integration".
	IntegrationBranch string
	// BaseRef is what new worktrees branch from. Defaults to IntegrationBranch,
	// so features always build on the latest integrated state at acquire time.
	BaseRef string
	// Root is the directory worktrees are created under.
	// Defaults to <RepoRoot>/.autoforge/worktrees.
	Root string
	// MaxActive bounds simultaneously active worktrees. Defaults to DefaultMaxActive.
	MaxActive int
}

func (c Config) withDefaults() Config {
	if c.IntegrationBranch == "" {
		c.IntegrationBranch = "autoforge-integration"
	}
	if c.BaseRef == "" {
		c.BaseRef = c.IntegrationBranch
	}
	if c.Root == "" {
		c.Root = filepath.Join(c.RepoRoot, ".autoforge", "worktrees")
	}
	if c.MaxActive <= 0 {
		c.MaxActive = DefaultMaxActive
	}
	return c
}

// Manager creates and destroys worktrees and serializes integration. Exactly
// one feature owns a worktree at a time and worktrees are never reused.
type Manager struct {
	cfg    Config
	logger *log.Logger

	// slots bounds active worktrees; Acquire blocks cooperatively at capacity
	slots *semaphore.Weighted

	// mergeMu globally serializes CommitAndMerge so the integration branch
	// history is strictly linear
	mergeMu sync.Mutex

	// integrationDir is a dedicated worktree checked out on the integration
	// branch; merges run there so the repository's own checkout is never touched
	integrationDir string

	mu     sync.Mutex
	active map[string]*Handle
}

// NewManager verifies the repository, ensures the integration branch and its
// dedicated worktree exist, and returns a manager with MaxActive capacity.
func NewManager(ctx context.Context, cfg Config, logger *log.Logger) (*Manager, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.Default()
	}

	if _, err := runGit(ctx, cfg.RepoRoot, "rev-parse", "--git-dir"); err != nil {
		return nil, errors.Wrap(errors.ErrCodeWorktreeRepo, fmt.Sprintf("%s is not a git repository", cfg.RepoRoot), err)
	}

	if err := os.MkdirAll(cfg.Root, 0o750); err != nil {
		return nil, errors.Wrap(errors.ErrCodeWorktreeCreate, "create worktree root", err)
	}

	m := &Manager{
		cfg:            cfg,
		logger:         logger,
		slots:          semaphore.NewWeighted(int64(cfg.MaxActive)),
		integrationDir: filepath.Join(cfg.Root, "_integration"),
		active:         make(map[string]*Handle),
	}

	if !refExists(ctx, cfg.RepoRoot, cfg.IntegrationBranch) {
		base := cfg.BaseRef
		if base == cfg.IntegrationBranch {
			base = "HEAD"
		}
		if _, err := runGit(ctx, cfg.RepoRoot, "branch", cfg.IntegrationBranch, base); err != nil {
			return nil, errors.Wrap(errors.ErrCodeWorktreeCreate, fmt.Sprintf("create integration branch %s", cfg.IntegrationBranch), err)
		}
	}

	if _, err := os.Stat(m.integrationDir); os.IsNotExist(err) {
		if _, err := runGit(ctx, cfg.RepoRoot, "worktree", "add", m.integrationDir, cfg.IntegrationBranch); err != nil {
			return nil, errors.Wrap(errors.ErrCodeWorktreeCreate, "create integration worktree", err)
		}
	}

	return m, nil
}

// IntegrationBranch returns the name of the shared integration branch
func (m *Manager) IntegrationBranch() string { return m.cfg.IntegrationBranch }

// AvailableSlots returns how many worktrees can still be acquired without
// blocking. Advisory: the scheduler uses it as a dispatch gate.
func (m *Manager) AvailableSlots() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.MaxActive - len(m.active)
}

// Acquire creates an isolated worktree for the feature, branched from BaseRef
// on a deterministically named branch. Blocks cooperatively when at capacity.
func (m *Manager) Acquire(ctx context.Context, featureID string) (*Handle, error) {
	if err := m.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, exists := m.active[featureID]; exists {
		m.mu.Unlock()
		m.slots.Release(1)
		return nil, errors.New(errors.ErrCodeWorktreeCreate, fmt.Sprintf("feature %s already owns a worktree", featureID))
	}
	m.mu.Unlock()

	branch := BranchPrefix + featureID
	path := filepath.Join(m.cfg.Root, featureID)

	if _, err := runGit(ctx, m.cfg.RepoRoot, "worktree", "add", "-b", branch, path, m.cfg.BaseRef); err != nil {
		m.slots.Release(1)
		return nil, errors.NewWorktreeCreateError(featureID, err)
	}

	h := &Handle{
		FeatureID: featureID,
		Path:      path,
		Branch:    branch,
		BaseRef:   m.cfg.BaseRef,
		state:     StateActive,
	}

	m.mu.Lock()
	m.active[featureID] = h
	m.mu.Unlock()

	m.logger.Debug("worktree acquired", "feature", featureID, "path", path, "branch", branch)
	return h, nil
}

// Reset restores the worktree to its clean post-acquire state, discarding
// tracked modifications and untracked files.
func (m *Manager) Reset(ctx context.Context, h *Handle) error {
	if _, err := runGit(ctx, h.Path, "reset", "--hard", "HEAD"); err != nil {
		return errors.Wrap(errors.ErrCodeWorktreeReset, fmt.Sprintf("reset worktree for %s", h.FeatureID), err)
	}
	if _, err := runGit(ctx, h.Path, "clean", "-fd"); err != nil {
		return errors.Wrap(errors.ErrCodeWorktreeReset, fmt.Sprintf("clean worktree for %s", h.FeatureID), err)
	}
	return nil
}

// CommitAndMerge stages and commits all changes in the worktree, then merges
// its branch into the integration branch. Globally serialized: only one merge
// executes at a time, so integration history is strictly linear. On conflict
// the merge is aborted, the worktree is preserved untouched, and a
// *MergeConflictError is returned — always terminal for the feature.
func (m *Manager) CommitAndMerge(ctx context.Context, h *Handle, message string) error {
	m.mergeMu.Lock()
	defer m.mergeMu.Unlock()

	h.setState(StateMerging)

	if _, err := runGit(ctx, h.Path, "add", "-A"); err != nil {
		h.setState(StateActive)
		return errors.Wrap(errors.ErrCodeWorktreeCommit, fmt.Sprintf("stage changes for %s", h.FeatureID), err)
	}

	status, err := runGit(ctx, h.Path, "status", "--porcelain")
	if err != nil {
		h.setState(StateActive)
		return errors.Wrap(errors.ErrCodeWorktreeCommit, fmt.Sprintf("inspect worktree for %s", h.FeatureID), err)
	}
	commitArgs := []string{"commit", "-m", message}
	if status == "" {
		// A passed feature with no diff still gets a commit so the
		// integration history records every completed feature.
		commitArgs = append(commitArgs, "--allow-empty")
	}
	if _, err := runGit(ctx, h.Path, commitArgs...); err != nil {
		h.setState(StateActive)
		return errors.Wrap(errors.ErrCodeWorktreeCommit, fmt.Sprintf("commit changes for %s", h.FeatureID), err)
	}

	if _, err := runGit(ctx, m.integrationDir, "merge", "--no-ff", "--no-edit", "-m", fmt.Sprintf("merge %s", h.Branch), h.Branch); err != nil {
		paths := m.conflictPaths(ctx)
		if len(paths) == 0 {
			// The merge failed without leaving unmerged entries (refused
			// outright, I/O fault, ...): infrastructure, not a conflict
			// verdict against the feature.
			h.setState(StateActive)
			return errors.Wrap(errors.ErrCodeWorktreeMerge,
				fmt.Sprintf("merge %s into %s", h.Branch, m.cfg.IntegrationBranch), err)
		}
		if _, abortErr := runGit(ctx, m.integrationDir, "merge", "--abort"); abortErr != nil {
			m.logger.Warn("merge abort failed", "feature", h.FeatureID, "error", abortErr)
		}
		h.setState(StateActive)
		m.logger.Warn("merge conflict", "feature", h.FeatureID, "branch", h.Branch, "paths", paths)
		return &MergeConflictError{Branch: h.Branch, Paths: paths}
	}

	h.setState(StateMerged)
	m.logger.Info("feature merged", "feature", h.FeatureID, "branch", h.Branch, "into", m.cfg.IntegrationBranch)
	return nil
}

func (m *Manager) conflictPaths(ctx context.Context) []string {
	out, err := runGit(ctx, m.integrationDir, "diff", "--name-only", "--diff-filter=U")
	if err != nil || out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

// Release returns the worktree's capacity slot. ReleaseMerged removes the
// workspace and deletes its branch; ReleaseAbandoned detaches it from the
// active pool while leaving its contents intact for post-mortem inspection.
func (m *Manager) Release(ctx context.Context, h *Handle, mode ReleaseMode) error {
	m.mu.Lock()
	delete(m.active, h.FeatureID)
	m.mu.Unlock()
	defer m.slots.Release(1)

	if mode == ReleaseAbandoned {
		h.setState(StateAbandoned)
		m.logger.Info("worktree preserved for inspection", "feature", h.FeatureID, "path", h.Path)
		return nil
	}

	if _, err := runGit(ctx, m.cfg.RepoRoot, "worktree", "remove", "--force", h.Path); err != nil {
		return errors.Wrap(errors.ErrCodeWorktreeRemove, fmt.Sprintf("remove worktree for %s", h.FeatureID), err)
	}
	if _, err := runGit(ctx, m.cfg.RepoRoot, "branch", "-D", h.Branch); err != nil {
		return errors.Wrap(errors.ErrCodeWorktreeRemove, fmt.Sprintf("delete branch %s", h.Branch), err)
	}
	m.logger.Debug("worktree removed", "feature", h.FeatureID)
	return nil
}
