// Package workspace manages per-task git clones and the staging branch
// lifecycle. Each active task gets an isolated clone under a shared base
// directory with its own work branch; merges into the staging branch are
// serialized process-wide.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	git "github.com/go-git/go-git/v5"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autodev/internal/config"
	"github.com/fyrsmithlabs/autodev/internal/faults"
	"github.com/fyrsmithlabs/autodev/internal/logging"
)

// branchPrefix namespaces work branches created by the daemon.
const branchPrefix = "claude/"

// maxSlugLen bounds the summary-derived part of a branch name.
const maxSlugLen = 40

// ErrNoChanges reports that an implementation cycle produced nothing to push.
var ErrNoChanges = errors.New("no changes to push")

// Workspace is one task's clone.
type Workspace struct {
	Key    string
	Path   string
	Branch string
}

// Manager creates, pushes, merges, and destroys task workspaces.
type Manager struct {
	base       string
	remoteURL  string
	production string
	staging    string

	logger *logging.Logger
	runner GitRunner

	// stagingMu serializes every staging-branch mutation in the process.
	stagingMu sync.Mutex
}

// NewManager returns a Manager rooted at base.
func NewManager(base string, hosting config.HostingConfig, logger *logging.Logger, runner GitRunner) *Manager {
	if runner == nil {
		runner = NewGitRunner()
	}
	return &Manager{
		base:       base,
		remoteURL:  hosting.RemoteURL,
		production: hosting.ProductionBranch,
		staging:    hosting.StagingBranch,
		logger:     logger.Named("workspace"),
		runner:     runner,
	}
}

// BranchName derives the work branch for a task, e.g.
// "claude/PROJ-1-add-health-check".
func BranchName(key, summary string) string {
	slug := slugify(summary)
	if slug == "" {
		return branchPrefix + key
	}
	return branchPrefix + key + "-" + slug
}

func slugify(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
		if b.Len() >= maxSlugLen {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}

// Create clones the repository and checks out a fresh work branch from the
// production branch. A leftover directory from a prior run of the same task
// is removed first, so Create is safe to call again after a crash.
func (m *Manager) Create(ctx context.Context, key, summary string) (*Workspace, error) {
	path := filepath.Join(m.base, key)
	if _, err := os.Stat(path); err == nil {
		m.logger.Warn(ctx, "removing stale workspace", zap.String("path", path))
		if err := os.RemoveAll(path); err != nil {
			return nil, faults.New(faults.Permanent, "workspace.create", fmt.Errorf("removing stale workspace: %w", err))
		}
	}
	if err := os.MkdirAll(m.base, 0o750); err != nil {
		return nil, faults.New(faults.Permanent, "workspace.create", err)
	}

	if _, err := m.runner.Git(ctx, "", "clone", "--branch", m.production, m.remoteURL, path); err != nil {
		return nil, faults.New(faults.Transient, "workspace.create", err)
	}

	branch := BranchName(key, summary)
	// A remote branch left by a prior cycle would reject the eventual push
	// as non-fast-forward. Clearing it usually fails because no such branch
	// exists, which is fine.
	if _, err := m.runner.Git(ctx, path, "push", "origin", "--delete", branch); err == nil {
		m.logger.Info(ctx, "removed stale remote branch", zap.String("branch", branch))
	}
	if _, err := m.runner.Git(ctx, path, "checkout", "-b", branch); err != nil {
		return nil, faults.New(faults.Permanent, "workspace.create", err)
	}

	m.logger.Info(ctx, "workspace created",
		zap.String("path", path),
		zap.String("branch", branch))
	return &Workspace{Key: key, Path: path, Branch: branch}, nil
}

// CommitAndPush commits any pending working-tree changes and pushes the work
// branch. It returns ErrNoChanges when the cycle produced no commit the
// remote does not already have: on the first push the branch is compared
// against the production branch, on later pushes against its own remote ref,
// so a rework that commits nothing is surfaced instead of re-pushed.
func (m *Manager) CommitAndPush(ctx context.Context, ws *Workspace, message string) error {
	dirty, err := m.hasPendingChanges(ws.Path)
	if err != nil {
		return faults.New(faults.Permanent, "workspace.push", err)
	}
	if dirty {
		if _, err := m.runner.Git(ctx, ws.Path, "add", "-A"); err != nil {
			return faults.New(faults.Permanent, "workspace.push", err)
		}
		if _, err := m.runner.Git(ctx, ws.Path,
			"-c", "user.name=autodev",
			"-c", "user.email=autodev@localhost",
			"commit", "-m", message); err != nil {
			return faults.New(faults.Permanent, "workspace.push", err)
		}
	}

	upstream := "origin/" + m.production
	if _, err := m.runner.Git(ctx, ws.Path, "rev-parse", "--verify", "origin/"+ws.Branch); err == nil {
		upstream = "origin/" + ws.Branch
	}
	count, err := m.runner.Git(ctx, ws.Path, "rev-list", "--count", upstream+"..HEAD")
	if err != nil {
		return faults.New(faults.Permanent, "workspace.push", err)
	}
	if strings.TrimSpace(count) == "0" {
		return ErrNoChanges
	}

	if _, err := m.runner.Git(ctx, ws.Path, "push", "-u", "origin", ws.Branch); err != nil {
		return faults.New(faults.Transient, "workspace.push", err)
	}
	return nil
}

// hasPendingChanges inspects the working tree for uncommitted modifications.
func (m *Manager) hasPendingChanges(path string) (bool, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return false, fmt.Errorf("opening repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("opening worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("reading worktree status: %w", err)
	}
	return !status.IsClean(), nil
}

// MergeIntoStaging merges the work branch into the shared staging branch and
// pushes it. Only one merge runs at a time across all tasks. A merge that
// cannot complete cleanly is aborted, the workspace is restored to its work
// branch, and a conflict fault is returned; the staging branch is never left
// mid-merge.
func (m *Manager) MergeIntoStaging(ctx context.Context, ws *Workspace) error {
	m.stagingMu.Lock()
	defer m.stagingMu.Unlock()

	if _, err := m.runner.Git(ctx, ws.Path, "fetch", "origin"); err != nil {
		return faults.New(faults.Transient, "workspace.merge", err)
	}

	// Track the remote staging branch, creating it from production on
	// first use.
	base := "origin/" + m.staging
	if _, err := m.runner.Git(ctx, ws.Path, "rev-parse", "--verify", base); err != nil {
		base = "origin/" + m.production
	}
	if _, err := m.runner.Git(ctx, ws.Path, "checkout", "-B", m.staging, base); err != nil {
		return faults.New(faults.Permanent, "workspace.merge", err)
	}

	if out, err := m.runner.Git(ctx, ws.Path, "merge", "--no-ff", "--no-edit", ws.Branch); err != nil {
		if _, abortErr := m.runner.Git(ctx, ws.Path, "merge", "--abort"); abortErr != nil {
			m.logger.Warn(ctx, "merge abort failed", zap.Error(abortErr))
		}
		if _, coErr := m.runner.Git(ctx, ws.Path, "checkout", ws.Branch); coErr != nil {
			m.logger.Warn(ctx, "restoring work branch failed", zap.Error(coErr))
		}
		return faults.New(faults.Conflict, "workspace.merge",
			fmt.Errorf("merging %s into %s: %s", ws.Branch, m.staging, firstLine(out)))
	}

	if _, err := m.runner.Git(ctx, ws.Path, "push", "origin", m.staging); err != nil {
		return faults.New(faults.Transient, "workspace.merge", err)
	}
	if _, err := m.runner.Git(ctx, ws.Path, "checkout", ws.Branch); err != nil {
		return faults.New(faults.Permanent, "workspace.merge", err)
	}

	m.logger.Info(ctx, "merged into staging", zap.String("branch", ws.Branch))
	return nil
}

// Destroy removes the workspace directory. Failures are logged, not fatal.
func (m *Manager) Destroy(ctx context.Context, ws *Workspace) {
	if err := os.RemoveAll(ws.Path); err != nil {
		m.logger.Warn(ctx, "workspace removal failed",
			zap.String("path", ws.Path),
			zap.Error(err))
		return
	}
	m.logger.Info(ctx, "workspace destroyed", zap.String("path", ws.Path))
}

// Open rebuilds the Workspace handle for a task whose clone already exists
// on disk, as recorded in the task's durable state.
func (m *Manager) Open(key, path, branch string) (*Workspace, error) {
	if _, err := os.Stat(filepath.Join(path, ".git")); err != nil {
		return nil, faults.New(faults.Permanent, "workspace.open",
			fmt.Errorf("workspace %s missing or not a repository: %w", path, err))
	}
	return &Workspace{Key: key, Path: path, Branch: branch}, nil
}

// Sweep removes workspaces under the base directory whose paths are not in
// keep. Run at startup against the set of paths live task records still
// reference, and at shutdown once in-flight tasks have drained.
func (m *Manager) Sweep(ctx context.Context, keep map[string]bool) {
	entries, err := os.ReadDir(m.base)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Warn(ctx, "workspace sweep failed", zap.Error(err))
		}
		return
	}
	for _, e := range entries {
		path := filepath.Join(m.base, e.Name())
		if keep[path] {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			m.logger.Warn(ctx, "workspace sweep failed",
				zap.String("path", path),
				zap.Error(err))
		}
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
