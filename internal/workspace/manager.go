// Package workspace allocates and tears down the isolated filesystem areas
// agents work in. Two isolation modes are supported: a git worktree with a
// dedicated task branch, and a sandboxed directory tree. In both modes the
// write boundary is enforced by a path guard.
package workspace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/loomhq/loom/internal/taskgraph"
)

// Manager allocates one workspace per task and computes each workspace's
// change set for the merge phase.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	gitMu  sync.Mutex // serializes git operations on the main repo
}

// NewManager creates a workspace manager.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if cfg.BaseDir == "" {
		cfg.BaseDir = filepath.Join(".loom", "workspaces")
	}
	if cfg.WorktreeDir == "" {
		cfg.WorktreeDir = filepath.Join(".loom", "worktrees")
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cfg: cfg, logger: logger}
}

// Allocate provisions an isolated workspace for the task. Infrastructure
// faults are returned as *AllocationError.
func (m *Manager) Allocate(ctx context.Context, task *taskgraph.Task) (*Workspace, error) {
	switch task.Isolation {
	case taskgraph.IsolationWorktree:
		return m.allocateWorktree(ctx, task.ID)
	case taskgraph.IsolationContainer:
		return m.allocateContainer(task.ID)
	default:
		return nil, &AllocationError{TaskID: task.ID, Err: fmt.Errorf("unknown isolation mode %q", task.Isolation)}
	}
}

func (m *Manager) allocateContainer(taskID string) (*Workspace, error) {
	root := filepath.Join(m.cfg.BaseDir, taskID, "work")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &AllocationError{TaskID: taskID, Err: err}
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, &AllocationError{TaskID: taskID, Err: err}
	}
	guard, err := NewGuard(absRoot, m.cfg.ContractsDir)
	if err != nil {
		return nil, &AllocationError{TaskID: taskID, Err: err}
	}
	return &Workspace{
		TaskID:    taskID,
		Mode:      taskgraph.IsolationContainer,
		Root:      absRoot,
		Contracts: m.cfg.ContractsDir,
		guard:     guard,
	}, nil
}

func (m *Manager) allocateWorktree(ctx context.Context, taskID string) (*Workspace, error) {
	m.gitMu.Lock()
	defer m.gitMu.Unlock()

	branch := "loom/" + taskID
	wtPath := filepath.Join(m.cfg.RepoPath, m.cfg.WorktreeDir, taskID)

	out, err := m.git(ctx, m.cfg.RepoPath, "worktree", "add", "-b", branch, wtPath, m.cfg.BaseBranch)
	if err != nil {
		return nil, &AllocationError{TaskID: taskID, Err: fmt.Errorf("git worktree add: %w (output: %s)", err, out)}
	}

	head, err := m.git(ctx, wtPath, "rev-parse", "HEAD")
	if err != nil {
		return nil, &AllocationError{TaskID: taskID, Err: fmt.Errorf("git rev-parse: %w (output: %s)", err, head)}
	}

	absRoot, err := filepath.Abs(wtPath)
	if err != nil {
		return nil, &AllocationError{TaskID: taskID, Err: err}
	}
	guard, err := NewGuard(absRoot, m.cfg.ContractsDir)
	if err != nil {
		return nil, &AllocationError{TaskID: taskID, Err: err}
	}
	return &Workspace{
		TaskID:   taskID,
		Mode:     taskgraph.IsolationWorktree,
		Root:     absRoot,
		Branch:   branch,
		BaseHead: head,
		guard:    guard,
	}, nil
}

// Seal commits the agent's output onto the task branch. Worktree
// workspaces must be sealed before the merge phase can read their change
// set; sealing a container workspace is a no-op.
func (m *Manager) Seal(ctx context.Context, ws *Workspace) error {
	if ws.Mode != taskgraph.IsolationWorktree {
		return nil
	}
	if out, err := m.git(ctx, ws.Root, "add", "-A"); err != nil {
		return fmt.Errorf("git add: %w (output: %s)", err, out)
	}
	out, err := m.git(ctx, ws.Root, "commit", "--allow-empty", "-m", fmt.Sprintf("task %s output", ws.TaskID))
	if err != nil {
		return fmt.Errorf("git commit: %w (output: %s)", err, out)
	}
	return nil
}

// Release tears down the workspace after merge. When preserve is true
// (the task failed) the private area is kept for postmortem.
func (m *Manager) Release(ctx context.Context, ws *Workspace, preserve bool) error {
	if preserve {
		m.logger.Info("preserving workspace for postmortem", "task", ws.TaskID, "path", ws.Root)
		return nil
	}

	switch ws.Mode {
	case taskgraph.IsolationContainer:
		return os.RemoveAll(filepath.Dir(ws.Root))
	case taskgraph.IsolationWorktree:
		m.gitMu.Lock()
		defer m.gitMu.Unlock()

		if out, err := m.git(ctx, m.cfg.RepoPath, "worktree", "remove", ws.Root); err != nil {
			if fout, ferr := m.git(ctx, m.cfg.RepoPath, "worktree", "remove", "--force", ws.Root); ferr != nil {
				return fmt.Errorf("git worktree remove: %w (output: %s, force output: %s)", err, out, fout)
			}
		}
		if out, err := m.git(ctx, m.cfg.RepoPath, "branch", "-d", ws.Branch); err != nil {
			if fout, ferr := m.git(ctx, m.cfg.RepoPath, "branch", "-D", ws.Branch); ferr != nil {
				return fmt.Errorf("git branch delete: %w (output: %s, force output: %s)", err, out, fout)
			}
		}
		return nil
	}
	return nil
}

// Prune removes stale worktree metadata from prior crashed runs.
func (m *Manager) Prune(ctx context.Context) error {
	if m.cfg.RepoPath == "" {
		return nil
	}
	m.gitMu.Lock()
	defer m.gitMu.Unlock()

	if out, err := m.git(ctx, m.cfg.RepoPath, "worktree", "prune"); err != nil {
		return fmt.Errorf("git worktree prune: %w (output: %s)", err, out)
	}
	return nil
}

// ChangedPaths returns the workspace's modified paths relative to its
// baseline, mapped to content hashes. Container workspaces start empty, so
// every file present is a change; worktree workspaces diff against the
// baseline commit.
func (m *Manager) ChangedPaths(ctx context.Context, ws *Workspace) (map[string]string, error) {
	switch ws.Mode {
	case taskgraph.IsolationContainer:
		return m.hashTree(ws.Root)
	case taskgraph.IsolationWorktree:
		out, err := m.git(ctx, ws.Root, "diff", "--name-only", ws.BaseHead, "HEAD")
		if err != nil {
			return nil, fmt.Errorf("git diff: %w (output: %s)", err, out)
		}
		changes := make(map[string]string)
		for _, rel := range splitLines(out) {
			sum, err := hashFile(filepath.Join(ws.Root, rel))
			if err != nil {
				return nil, err
			}
			changes[rel] = sum
		}
		return changes, nil
	}
	return nil, fmt.Errorf("unknown isolation mode %q", ws.Mode)
}

// ReadFile reads a file from the workspace by its change-set path.
func (m *Manager) ReadFile(ws *Workspace, rel string) ([]byte, error) {
	if filepath.IsAbs(rel) {
		return nil, fmt.Errorf("path %q must be relative", rel)
	}
	return os.ReadFile(filepath.Join(ws.Root, filepath.Clean(rel)))
}

func (m *Manager) hashTree(root string) (map[string]string, error) {
	changes := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		sum, err := hashFile(path)
		if err != nil {
			return err
		}
		changes[rel] = sum
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk workspace: %w", err)
	}
	return changes, nil
}

func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
