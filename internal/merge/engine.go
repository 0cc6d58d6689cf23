// Package merge integrates completed tasks' workspace outputs into a
// unified result. Conflict detection is content-based: two tasks conflict
// when they changed the same path with differing content. Conflicts are a
// reported outcome requiring manual resolution, never silently resolved.
package merge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/loomhq/loom/internal/events"
	"github.com/loomhq/loom/internal/workspace"
)

// Outcome classifies one task's merge result.
type Outcome string

const (
	OutcomeClean    Outcome = "clean"
	OutcomeConflict Outcome = "conflict"
)

// Conflict records one overlapping path and both candidate contents.
type Conflict struct {
	Path     string
	Contents map[string][]byte // taskID -> candidate content
}

// TaskResult is the per-task merge record.
type TaskResult struct {
	TaskID    string
	Outcome   Outcome
	Paths     []string // changed paths, sorted
	Conflicts []Conflict
}

// Report aggregates per-task results for one merge phase.
type Report struct {
	Results               []TaskResult // in merge (scheduling) order
	Clean                 int
	Conflicted            int
	NeedsManualResolution bool
}

// Error reports an infrastructure fault during the merge phase, e.g. an
// unreadable workspace. Domain conflicts are never an Error.
type Error struct {
	TaskID string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("merging task %q: %v", e.TaskID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Engine computes merge reports over completed workspaces.
type Engine struct {
	ws     *workspace.Manager
	bus    *events.Bus
	logger *slog.Logger
}

// NewEngine creates a merge engine. bus may be nil.
func NewEngine(ws *workspace.Manager, bus *events.Bus, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{ws: ws, bus: bus, logger: logger}
}

// Merge computes the merge report for the given workspaces, which must be
// in scheduling order so dependent tasks layer deterministically onto
// their dependencies. Merge reads workspaces without modifying them, so
// re-running it over the same set produces an identical report. On an
// infrastructure fault it returns the partial report alongside *Error.
func (e *Engine) Merge(ctx context.Context, ordered []*workspace.Workspace) (*Report, error) {
	report := &Report{}

	type owner struct {
		taskID string
		ws     *workspace.Workspace
		hash   string
	}
	owners := make(map[string][]owner)
	results := make([]*TaskResult, 0, len(ordered))
	byTask := make(map[string]*TaskResult, len(ordered))
	finish := func() *Report {
		for _, r := range results {
			report.Results = append(report.Results, *r)
		}
		return report
	}

	for _, ws := range ordered {
		if err := ctx.Err(); err != nil {
			return finish(), &Error{TaskID: ws.TaskID, Err: err}
		}

		changes, err := e.ws.ChangedPaths(ctx, ws)
		if err != nil {
			return finish(), &Error{TaskID: ws.TaskID, Err: err}
		}

		result := &TaskResult{TaskID: ws.TaskID, Outcome: OutcomeClean}
		for path := range changes {
			result.Paths = append(result.Paths, path)
		}
		sort.Strings(result.Paths)

		for _, path := range result.Paths {
			prevs := owners[path]
			owners[path] = append(prevs, owner{taskID: ws.TaskID, ws: ws, hash: changes[path]})

			// Pairwise against every earlier task that touched the path.
			// Identical content is not a conflict.
			var differing []owner
			for _, prev := range prevs {
				if prev.hash != changes[path] {
					differing = append(differing, prev)
				}
			}
			if len(differing) == 0 {
				continue
			}

			curContent, err := e.ws.ReadFile(ws, path)
			if err != nil {
				return finish(), &Error{TaskID: ws.TaskID, Err: err}
			}
			contents := map[string][]byte{ws.TaskID: curContent}
			for _, prev := range differing {
				prevContent, err := e.ws.ReadFile(prev.ws, path)
				if err != nil {
					return finish(), &Error{TaskID: prev.taskID, Err: err}
				}
				contents[prev.taskID] = prevContent
			}
			conflict := Conflict{Path: path, Contents: contents}
			result.Conflicts = append(result.Conflicts, conflict)

			// The earlier tasks' records gain the conflict too.
			for _, prev := range differing {
				if prevResult := byTask[prev.taskID]; prevResult != nil {
					prevResult.Conflicts = append(prevResult.Conflicts, conflict)
					prevResult.Outcome = OutcomeConflict
				}
			}
		}
		if len(result.Conflicts) > 0 {
			result.Outcome = OutcomeConflict
		}

		results = append(results, result)
		byTask[ws.TaskID] = result
	}
	finish()

	for i := range report.Results {
		if report.Results[i].Outcome == OutcomeConflict {
			report.Conflicted++
		} else {
			report.Clean++
		}
	}
	report.NeedsManualResolution = report.Conflicted > 0

	if e.bus != nil {
		for _, r := range report.Results {
			paths := make([]string, 0, len(r.Conflicts))
			for _, c := range r.Conflicts {
				paths = append(paths, c.Path)
			}
			e.bus.Publish(events.TopicMerge, events.TaskMergedEvent{
				ID:            r.TaskID,
				Outcome:       string(r.Outcome),
				ConflictPaths: paths,
				Timestamp:     time.Now(),
			})
		}
	}

	return report, nil
}

// Apply writes every changed file into dest, layering workspaces in order.
// It refuses to apply a report that needs manual resolution.
func (e *Engine) Apply(ctx context.Context, ordered []*workspace.Workspace, report *Report, dest string) error {
	if report.NeedsManualResolution {
		return fmt.Errorf("refusing to apply: %d task(s) have conflicts needing manual resolution", report.Conflicted)
	}

	byID := make(map[string]*workspace.Workspace, len(ordered))
	for _, ws := range ordered {
		byID[ws.TaskID] = ws
	}

	for _, r := range report.Results {
		ws, ok := byID[r.TaskID]
		if !ok {
			return &Error{TaskID: r.TaskID, Err: fmt.Errorf("workspace not provided")}
		}
		for _, path := range r.Paths {
			if err := ctx.Err(); err != nil {
				return &Error{TaskID: r.TaskID, Err: err}
			}
			content, err := e.ws.ReadFile(ws, path)
			if err != nil {
				return &Error{TaskID: r.TaskID, Err: err}
			}
			target := filepath.Join(dest, path)
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return &Error{TaskID: r.TaskID, Err: err}
			}
			if err := os.WriteFile(target, content, 0o644); err != nil {
				return &Error{TaskID: r.TaskID, Err: err}
			}
		}
	}
	return nil
}
