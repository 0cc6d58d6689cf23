// Package taskgraph holds the immutable task dependency graph and its
// dispatch ordering. A graph is loaded once, validated before any task is
// dispatched, and never mutated during a run.
package taskgraph

import (
	"fmt"
	"sort"

	"github.com/gammazero/toposort"
)

// ConfigurationError reports an invalid task graph: an unresolved or
// duplicate task ID, or a dependency cycle. A run never starts when
// loading returns one.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "task graph configuration: " + e.Reason
}

// Graph is a validated, acyclic set of tasks.
type Graph struct {
	tasks      map[string]*Task
	order      []string            // topological order of all task IDs
	dependents map[string][]string // taskID -> tasks that depend on it
}

// Load validates the task list and builds the graph. Returns
// *ConfigurationError on duplicate IDs, unresolved dependencies, or cycles.
func Load(tasks []*Task) (*Graph, error) {
	g := &Graph{
		tasks:      make(map[string]*Task, len(tasks)),
		dependents: make(map[string][]string),
	}

	for _, t := range tasks {
		if t.ID == "" {
			return nil, &ConfigurationError{Reason: "task with empty ID"}
		}
		if _, exists := g.tasks[t.ID]; exists {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("duplicate task ID %q", t.ID)}
		}
		g.tasks[t.ID] = t.Clone()
	}

	for id, t := range g.tasks {
		for _, dep := range t.DependsOn {
			if _, ok := g.tasks[dep]; !ok {
				return nil, &ConfigurationError{
					Reason: fmt.Sprintf("task %q depends on undefined task %q", id, dep),
				}
			}
			g.dependents[dep] = append(g.dependents[dep], id)
		}
	}

	// Cycle detection via topological sort. Tasks without dependencies get
	// a nil source edge so they are still part of the sort.
	var edges []toposort.Edge
	for id, t := range g.tasks {
		if len(t.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, dep := range t.DependsOn {
			edges = append(edges, toposort.Edge{dep, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("dependency cycle: %v", err)}
	}

	g.order = make([]string, 0, len(g.tasks))
	for _, id := range sorted {
		if id != nil {
			g.order = append(g.order, id.(string))
		}
	}
	if len(g.order) != len(g.tasks) {
		return nil, &ConfigurationError{
			Reason: fmt.Sprintf("topological sort covered %d of %d tasks", len(g.order), len(g.tasks)),
		}
	}

	// Deterministic dependents for reporting and cascade order.
	for dep := range g.dependents {
		sort.Strings(g.dependents[dep])
	}

	return g, nil
}

// Len returns the number of tasks in the graph.
func (g *Graph) Len() int { return len(g.tasks) }

// Get returns a copy of the task with the given ID.
func (g *Graph) Get(id string) (*Task, bool) {
	t, ok := g.tasks[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// Tasks returns copies of all tasks in topological order.
func (g *Graph) Tasks() []*Task {
	out := make([]*Task, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.tasks[id].Clone())
	}
	return out
}

// Dependents returns the IDs of tasks that directly depend on the given task.
func (g *Graph) Dependents(id string) []string {
	return append([]string(nil), g.dependents[id]...)
}

// TransitiveDependents returns every task downstream of the given task,
// in topological order.
func (g *Graph) TransitiveDependents(id string) []string {
	seen := map[string]bool{}
	var walk func(string)
	walk = func(cur string) {
		for _, d := range g.dependents[cur] {
			if !seen[d] {
				seen[d] = true
				walk(d)
			}
		}
	}
	walk(id)

	out := make([]string, 0, len(seen))
	for _, tid := range g.order {
		if seen[tid] {
			out = append(out, tid)
		}
	}
	return out
}

// Groups partitions tasks into topological groups: every task's
// dependencies live in strictly earlier groups, so tasks within one group
// may run concurrently. Within a group, tasks are ordered by priority
// (high, medium, low), then by ID.
func (g *Graph) Groups() [][]*Task {
	level := make(map[string]int, len(g.tasks))
	maxLevel := 0
	for _, id := range g.order {
		lvl := 0
		for _, dep := range g.tasks[id].DependsOn {
			if level[dep]+1 > lvl {
				lvl = level[dep] + 1
			}
		}
		level[id] = lvl
		if lvl > maxLevel {
			maxLevel = lvl
		}
	}

	groups := make([][]*Task, maxLevel+1)
	for _, id := range g.order {
		lvl := level[id]
		groups[lvl] = append(groups[lvl], g.tasks[id].Clone())
	}
	for _, group := range groups {
		sort.Slice(group, func(i, j int) bool {
			if group[i].Priority != group[j].Priority {
				return group[i].Priority < group[j].Priority
			}
			return group[i].ID < group[j].ID
		})
	}
	return groups
}
