package config

import "time"

// DefaultConfig returns the default configuration with built-in invokers
// and conservative run limits.
func DefaultConfig() *LoomConfig {
	return &LoomConfig{
		Invokers: map[string]InvokerConfig{
			"claude": {
				Command: "claude",
				Args:    []string{"-p"},
			},
			"codex": {
				Command: "codex",
				Args:    []string{"exec"},
			},
		},
		DefaultInvoker: "claude",
		Run: RunConfig{
			MaxAgents:    4,
			PollInterval: Duration(250 * time.Millisecond),
			IdleTimeout:  Duration(2 * time.Minute),
		},
		Workspace: WorkspaceConfig{
			BaseDir:     ".loom/workspaces",
			WorktreeDir: ".loom/worktrees",
			BaseBranch:  "main",
		},
		DBPath:  ".loom/loom.db",
		LogFile: ".loom/loom.log",
	}
}
