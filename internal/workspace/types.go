package workspace

import (
	"fmt"

	"github.com/loomhq/loom/internal/taskgraph"
)

// Workspace is the private, isolated area owned by one agent for one task
// run. Writes go through the guard; the shared contracts view is read-only.
type Workspace struct {
	TaskID    string
	Mode      taskgraph.Isolation
	Root      string // private writable area (absolute)
	Contracts string // read-only shared contract files (may be empty)
	Branch    string // worktree mode: task branch name
	BaseHead  string // worktree mode: baseline commit hash

	guard *Guard
}

// WriteFile writes content to a path relative to the workspace root,
// creating parent directories. Paths escaping the private area or pointing
// into the contracts view are rejected.
func (w *Workspace) WriteFile(rel string, content []byte) error {
	return w.guard.WriteFile(rel, content)
}

// AllocationError reports an infrastructure fault while provisioning a
// workspace. The affected task is marked failed without retry.
type AllocationError struct {
	TaskID string
	Err    error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("allocating workspace for task %q: %v", e.TaskID, e.Err)
}

func (e *AllocationError) Unwrap() error { return e.Err }

// Config configures the workspace manager.
type Config struct {
	BaseDir      string // root directory for container workspaces
	RepoPath     string // git repository for worktree mode
	BaseBranch   string // branch worktrees are created from (default "main")
	WorktreeDir  string // directory under the repo for worktrees (default ".loom/worktrees")
	ContractsDir string // shared read-only contract artifacts (optional)
}
