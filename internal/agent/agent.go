// Package agent implements the execution unit that performs one task's
// work inside an isolated workspace. The actual generation is delegated to
// an injected Invoker; the unit's own responsibilities are confining side
// effects to the workspace, publishing the task's cross-agent contract
// discoveries, and maintaining the liveness signal the coordinator polls.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/loomhq/loom/internal/events"
	"github.com/loomhq/loom/internal/memory"
	"github.com/loomhq/loom/internal/taskgraph"
	"github.com/loomhq/loom/internal/workspace"
)

// ExecutionError reports that an agent's work failed or was cut short.
// Dependent tasks are blocked, unrelated branches continue.
type ExecutionError struct {
	TaskID string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("executing task %q: %v", e.TaskID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Outcome is the result of one task run.
type Outcome struct {
	TaskID    string
	Completed bool
	Artifacts []string // workspace-relative paths of produced files
	Err       error
}

// Unit executes one task. A unit is created per dispatch and discarded
// after the outcome is reported.
type Unit struct {
	invoker Invoker
	mem     *memory.Store
	bus     *events.Bus
	logger  *slog.Logger
	breaker *gobreaker.CircuitBreaker
	retry   RetryPolicy

	mu           sync.Mutex
	lastActivity time.Time
	files        int
}

// NewUnit creates an execution unit. bus may be nil; breaker may be nil to
// disable circuit breaking for tests.
func NewUnit(invoker Invoker, mem *memory.Store, bus *events.Bus, breaker *gobreaker.CircuitBreaker, retry RetryPolicy, logger *slog.Logger) *Unit {
	if logger == nil {
		logger = slog.Default()
	}
	return &Unit{
		invoker: invoker,
		mem:     mem,
		bus:     bus,
		logger:  logger,
		breaker: breaker,
		retry:   retry,
	}
}

// LastActivity returns the time of the unit's most recent observable
// progress. Zero means the unit has not started.
func (u *Unit) LastActivity() time.Time {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastActivity
}

// FilesProduced returns the number of artifact files written so far.
func (u *Unit) FilesProduced() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.files
}

func (u *Unit) touch() {
	u.mu.Lock()
	u.lastActivity = time.Now()
	u.mu.Unlock()
}

// Run performs the task's work. Side effects are confined to the owned
// workspace and shared-memory publishes. On cancellation the unit stops
// without publishing further discoveries.
func (u *Unit) Run(ctx context.Context, task *taskgraph.Task, ws *workspace.Workspace) Outcome {
	u.touch()
	log := u.logger.With("task", task.ID)

	snapshot := u.mem.Snapshot()
	var artifacts []Artifact
	var err error
	if u.breaker != nil {
		artifacts, err = generateWithRetry(ctx, u.invoker, task.Instructions, snapshot, u.breaker, u.retry)
	} else {
		artifacts, err = u.invoker.Generate(ctx, task.Instructions, snapshot)
	}
	if err != nil {
		return Outcome{TaskID: task.ID, Err: &ExecutionError{TaskID: task.ID, Err: err}}
	}
	u.touch()

	paths := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		if ctx.Err() != nil {
			return Outcome{TaskID: task.ID, Err: &ExecutionError{TaskID: task.ID, Err: ctx.Err()}}
		}
		if err := ws.WriteFile(a.Path, a.Content); err != nil {
			return Outcome{TaskID: task.ID, Err: &ExecutionError{TaskID: task.ID, Err: err}}
		}
		paths = append(paths, a.Path)
		u.mu.Lock()
		u.files++
		u.lastActivity = time.Now()
		u.mu.Unlock()
	}

	// Contract discoveries are published only for completed work, and
	// never after cancellation.
	if ctx.Err() != nil {
		return Outcome{TaskID: task.ID, Err: &ExecutionError{TaskID: task.ID, Err: ctx.Err()}}
	}
	for _, key := range task.Publishes {
		u.mem.Publish(ctx, key, memory.ContractPayload{Paths: paths, Ready: true}, task.ID)
		if u.bus != nil {
			u.bus.Publish(events.TopicDiscovery, events.DiscoveryEvent{
				Key:       key,
				AgentID:   task.ID,
				Timestamp: time.Now(),
			})
		}
		log.Debug("published contract discovery", "key", key)
	}
	u.touch()

	return Outcome{TaskID: task.ID, Completed: true, Artifacts: paths}
}
