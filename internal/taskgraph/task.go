package taskgraph

import "fmt"

// Isolation selects how a task's workspace is provisioned.
type Isolation string

const (
	// IsolationWorktree allocates a git worktree with a dedicated branch.
	IsolationWorktree Isolation = "worktree"
	// IsolationContainer allocates a sandboxed directory tree.
	IsolationContainer Isolation = "container"
)

// ParseIsolation validates an isolation mode string.
func ParseIsolation(s string) (Isolation, error) {
	switch Isolation(s) {
	case IsolationWorktree, IsolationContainer:
		return Isolation(s), nil
	}
	return "", fmt.Errorf("unknown isolation mode %q", s)
}

// Priority orders tasks within a topological group. Lower values dispatch first.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow
)

// ParsePriority validates a priority string. Empty defaults to medium.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "high":
		return PriorityHigh, nil
	case "medium", "":
		return PriorityMedium, nil
	case "low":
		return PriorityLow, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// String returns the configuration name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "medium"
	}
}

// Task is one unit of work in the graph. Tasks are defined before a run
// and immutable during execution.
type Task struct {
	ID              string    // Unique identifier
	DependsOn       []string  // Task IDs that must complete first
	Isolation       Isolation // Workspace provisioning mode
	Priority        Priority  // Tie-break within a topological group
	Instructions    string    // Free-text work description for the agent
	SuccessCriteria []string  // Human-checkable completion criteria
	Publishes       []string  // Discovery keys this task must publish on completion
	WritesPaths     []string  // Declared write paths, used for shared-resource locking
}

// Clone returns a deep copy so callers cannot mutate graph-held tasks.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.DependsOn = append([]string(nil), t.DependsOn...)
	cp.SuccessCriteria = append([]string(nil), t.SuccessCriteria...)
	cp.Publishes = append([]string(nil), t.Publishes...)
	cp.WritesPaths = append([]string(nil), t.WritesPaths...)
	return &cp
}
