package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed JSON returns an error.
func Load(globalPath, projectPath string) (*LoomConfig, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.loom/config.json
// Project: .loom/config.json (relative to cwd)
func LoadDefault() (*LoomConfig, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	globalPath := filepath.Join(homeDir, ".loom", "config.json")
	projectPath := filepath.Join(".loom", "config.json")

	return Load(globalPath, projectPath)
}

// mergeConfigFile reads a JSON config file and merges it into the base config.
// Missing files are silently skipped. Malformed JSON returns an error.
func mergeConfigFile(base *LoomConfig, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded LoomConfig
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	for key, inv := range loaded.Invokers {
		base.Invokers[key] = inv
	}
	if loaded.DefaultInvoker != "" {
		base.DefaultInvoker = loaded.DefaultInvoker
	}

	if loaded.Run.MaxAgents != 0 {
		base.Run.MaxAgents = loaded.Run.MaxAgents
	}
	if loaded.Run.PollInterval != 0 {
		base.Run.PollInterval = loaded.Run.PollInterval
	}
	if loaded.Run.IdleTimeout != 0 {
		base.Run.IdleTimeout = loaded.Run.IdleTimeout
	}

	if loaded.Workspace.BaseDir != "" {
		base.Workspace.BaseDir = loaded.Workspace.BaseDir
	}
	if loaded.Workspace.WorktreeDir != "" {
		base.Workspace.WorktreeDir = loaded.Workspace.WorktreeDir
	}
	if loaded.Workspace.RepoPath != "" {
		base.Workspace.RepoPath = loaded.Workspace.RepoPath
	}
	if loaded.Workspace.BaseBranch != "" {
		base.Workspace.BaseBranch = loaded.Workspace.BaseBranch
	}

	if loaded.DBPath != "" {
		base.DBPath = loaded.DBPath
	}
	if loaded.LogFile != "" {
		base.LogFile = loaded.LogFile
	}

	return nil
}
