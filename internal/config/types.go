package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration wraps time.Duration so config files can use "250ms" / "2m" strings.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// InvokerConfig defines the agent CLI used to execute tasks. Invokers are
// keyed by name so multiple task sets can share one binary definition.
type InvokerConfig struct {
	Command string   `json:"command"`        // CLI binary name
	Args    []string `json:"args,omitempty"` // Default args appended to every invocation
}

// RunConfig tunes the coordinator for one run.
type RunConfig struct {
	MaxAgents    int      `json:"max_agents,omitempty"`    // bounded concurrency
	PollInterval Duration `json:"poll_interval,omitempty"` // status sampling interval
	IdleTimeout  Duration `json:"idle_timeout,omitempty"`  // no-activity threshold forcing failure
}

// WorkspaceConfig locates workspace roots and the git repository worktrees
// are carved from.
type WorkspaceConfig struct {
	BaseDir     string `json:"base_dir,omitempty"`
	WorktreeDir string `json:"worktree_dir,omitempty"`
	RepoPath    string `json:"repo_path,omitempty"`
	BaseBranch  string `json:"base_branch,omitempty"`
}

// LoomConfig is the top-level configuration.
type LoomConfig struct {
	Invokers       map[string]InvokerConfig `json:"invokers"`
	DefaultInvoker string                   `json:"default_invoker,omitempty"`
	Run            RunConfig                `json:"run"`
	Workspace      WorkspaceConfig          `json:"workspace"`
	DBPath         string                   `json:"db_path,omitempty"`
	LogFile        string                   `json:"log_file,omitempty"`
}
