package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/loomhq/loom/internal/taskgraph"
)

// taskFile is the YAML shape of a task definition file.
type taskFile struct {
	Tasks []taskEntry `yaml:"tasks"`
}

type taskEntry struct {
	ID              string   `yaml:"id"`
	DependsOn       []string `yaml:"depends_on"`
	Isolation       string   `yaml:"isolation"`
	Priority        string   `yaml:"priority"`
	Instructions    string   `yaml:"instructions"`
	SuccessCriteria []string `yaml:"success_criteria"`
	Publishes       []string `yaml:"publishes"`
	Writes          []string `yaml:"writes"`
	Invoker         string   `yaml:"invoker"`
}

// TaskDefinition pairs a parsed task with its invoker selection.
type TaskDefinition struct {
	Task    *taskgraph.Task
	Invoker string // key into LoomConfig.Invokers; empty selects the default
}

// LoadTasks parses a YAML task definition file. Validation is fail-fast:
// the first malformed entry aborts the load. Isolation defaults to
// worktree, priority to medium.
func LoadTasks(path string) ([]TaskDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var file taskFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(file.Tasks) == 0 {
		return nil, fmt.Errorf("%s defines no tasks", path)
	}

	defs := make([]TaskDefinition, 0, len(file.Tasks))
	for i, entry := range file.Tasks {
		if entry.ID == "" {
			return nil, fmt.Errorf("task %d: missing id", i)
		}
		if entry.Instructions == "" {
			return nil, fmt.Errorf("task %q: missing instructions", entry.ID)
		}

		isolation := taskgraph.IsolationWorktree
		if entry.Isolation != "" {
			isolation, err = taskgraph.ParseIsolation(entry.Isolation)
			if err != nil {
				return nil, fmt.Errorf("task %q: %w", entry.ID, err)
			}
		}
		priority, err := taskgraph.ParsePriority(entry.Priority)
		if err != nil {
			return nil, fmt.Errorf("task %q: %w", entry.ID, err)
		}

		defs = append(defs, TaskDefinition{
			Task: &taskgraph.Task{
				ID:              entry.ID,
				DependsOn:       entry.DependsOn,
				Isolation:       isolation,
				Priority:        priority,
				Instructions:    entry.Instructions,
				SuccessCriteria: entry.SuccessCriteria,
				Publishes:       entry.Publishes,
				WritesPaths:     entry.Writes,
			},
			Invoker: entry.Invoker,
		})
	}
	return defs, nil
}

// Tasks extracts the task list from definitions for graph construction.
func Tasks(defs []TaskDefinition) []*taskgraph.Task {
	tasks := make([]*taskgraph.Task, len(defs))
	for i, def := range defs {
		tasks[i] = def.Task
	}
	return tasks
}
