// Package coordinator drives a run: it resolves the task graph's dispatch
// order, fans tasks out to agent execution units with bounded concurrency,
// observes progress by polling each unit's liveness signal, cascades
// Blocked status from failed dependencies, and hands completed workspaces
// to the merge engine. Scheduling decisions are serialized on one mutex so
// the per-task state machine stays consistent while work runs in parallel.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/loomhq/loom/internal/agent"
	"github.com/loomhq/loom/internal/events"
	"github.com/loomhq/loom/internal/merge"
	"github.com/loomhq/loom/internal/taskgraph"
	"github.com/loomhq/loom/internal/workspace"
)

// Config configures a coordinator.
type Config struct {
	RunID        string        // run identifier (default: new UUID)
	MaxAgents    int           // bounded concurrency (default 4)
	PollInterval time.Duration // status sampling interval (default 250ms)
	IdleTimeout  time.Duration // no-activity threshold forcing failure (default 2m)
}

// UnitFactory creates the execution unit for a task at dispatch time.
type UnitFactory func(task *taskgraph.Task) (*agent.Unit, error)

// Coordinator owns task states for one run.
type Coordinator struct {
	cfg     Config
	graph   *taskgraph.Graph
	ws      *workspace.Manager
	engine  *merge.Engine
	bus     *events.Bus
	locks   *PathLocks
	factory UnitFactory
	logger  *slog.Logger

	mu         sync.Mutex
	states     map[string]State
	errs       map[string]error
	blockedBy  map[string]string
	artifacts  map[string][]string
	units      map[string]*agent.Unit
	cancels    map[string]context.CancelFunc
	dispatched map[string]time.Time
	workspaces map[string]*workspace.Workspace
}

// New creates a coordinator for one run over the given graph.
func New(cfg Config, graph *taskgraph.Graph, ws *workspace.Manager, engine *merge.Engine, bus *events.Bus, factory UnitFactory, logger *slog.Logger) *Coordinator {
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	if cfg.MaxAgents <= 0 {
		cfg.MaxAgents = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Coordinator{
		cfg:        cfg,
		graph:      graph,
		ws:         ws,
		engine:     engine,
		bus:        bus,
		locks:      NewPathLocks(),
		factory:    factory,
		logger:     logger,
		states:     make(map[string]State),
		errs:       make(map[string]error),
		blockedBy:  make(map[string]string),
		artifacts:  make(map[string][]string),
		units:      make(map[string]*agent.Unit),
		cancels:    make(map[string]context.CancelFunc),
		dispatched: make(map[string]time.Time),
		workspaces: make(map[string]*workspace.Workspace),
	}
	for _, task := range graph.Tasks() {
		c.states[task.ID] = StatePending
	}
	return c
}

// State returns the current state of a task.
func (c *Coordinator) State(taskID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[taskID]
}

// Schedule runs the graph to completion (or cancellation) and returns the
// run report. Dependency order is a hard guarantee: a task is dispatched
// only after every dependency reached Completed. On cancellation,
// already-completed tasks' outputs are retained and merged.
func (c *Coordinator) Schedule(ctx context.Context) (*RunReport, error) {
	report := &RunReport{RunID: c.cfg.RunID, StartedAt: time.Now().UTC()}

	if err := c.ws.Prune(ctx); err != nil {
		c.logger.Warn("pruning stale worktrees failed", "error", err)
	}

	pollDone := make(chan struct{})
	pollStop := make(chan struct{})
	go c.pollLoop(pollStop, pollDone)

	for _, group := range c.graph.Groups() {
		if ctx.Err() != nil {
			break
		}

		runnable := c.partitionGroup(group)
		if len(runnable) == 0 {
			continue
		}

		g := new(errgroup.Group)
		g.SetLimit(c.cfg.MaxAgents)
		for _, task := range runnable {
			task := task
			g.Go(func() error {
				c.executeTask(ctx, task)
				return nil
			})
		}
		_ = g.Wait()
	}

	close(pollStop)
	<-pollDone

	// Tasks never dispatched because the run was cancelled stay out of the
	// merge but must still carry a terminal state in the report.
	c.mu.Lock()
	for id, st := range c.states {
		if !st.Terminal() {
			c.states[id] = StateFailed
			c.errs[id] = fmt.Errorf("run cancelled before task %q finished", id)
		}
	}
	c.mu.Unlock()

	// The merge phase and workspace teardown still run after a run-level
	// cancellation: already-completed outputs are retained for partial merge.
	cleanupCtx := context.WithoutCancel(ctx)
	mergeReport, mergeErr := c.mergeCompleted(cleanupCtx)
	report.Merge = mergeReport
	if mergeErr != nil {
		c.logger.Error("merge phase infrastructure fault", "error", mergeErr)
	}

	c.releaseWorkspaces(cleanupCtx, mergeReport)
	c.fillReport(report)
	report.FinishedAt = time.Now().UTC()

	if mergeErr != nil {
		return report, mergeErr
	}
	if ctx.Err() != nil {
		return report, ctx.Err()
	}
	return report, nil
}

// partitionGroup marks tasks with failed or blocked dependencies as
// Blocked and returns the tasks eligible for dispatch.
func (c *Coordinator) partitionGroup(group []*taskgraph.Task) []*taskgraph.Task {
	c.mu.Lock()
	defer c.mu.Unlock()

	var runnable []*taskgraph.Task
	for _, task := range group {
		if c.states[task.ID] != StatePending {
			continue
		}
		blocked := false
		for _, dep := range task.DependsOn {
			if st := c.states[dep]; st != StateCompleted {
				c.setBlockedLocked(task.ID, dep)
				blocked = true
				break
			}
		}
		if !blocked {
			runnable = append(runnable, task)
		}
	}
	return runnable
}

// executeTask drives one task from dispatch to a terminal state.
func (c *Coordinator) executeTask(ctx context.Context, task *taskgraph.Task) {
	start := time.Now()
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.states[task.ID] = StateDispatched
	c.cancels[task.ID] = cancel
	c.dispatched[task.ID] = start
	c.mu.Unlock()
	c.publish(events.TopicTask, events.TaskDispatchedEvent{ID: task.ID, Isolation: string(task.Isolation), Timestamp: start})

	ws, err := c.ws.Allocate(taskCtx, task)
	if err != nil {
		c.failTask(task.ID, err, time.Since(start))
		return
	}
	c.mu.Lock()
	c.workspaces[task.ID] = ws
	c.mu.Unlock()

	unit, err := c.factory(task)
	if err != nil {
		c.failTask(task.ID, fmt.Errorf("creating execution unit: %w", err), time.Since(start))
		return
	}

	c.mu.Lock()
	c.units[task.ID] = unit
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.units, task.ID)
		delete(c.cancels, task.ID)
		c.mu.Unlock()
	}()

	c.locks.LockAll(task.WritesPaths)
	outcome := unit.Run(taskCtx, task, ws)
	c.locks.UnlockAll(task.WritesPaths)

	if !outcome.Completed {
		c.failTask(task.ID, outcome.Err, time.Since(start))
		return
	}

	if err := c.ws.Seal(taskCtx, ws); err != nil {
		c.failTask(task.ID, fmt.Errorf("sealing workspace: %w", err), time.Since(start))
		return
	}

	c.mu.Lock()
	// The poll loop may have forced this task Failed on idle-timeout
	// while the outcome was in flight; a terminal state is never replaced.
	if c.states[task.ID].Terminal() {
		c.mu.Unlock()
		return
	}
	c.states[task.ID] = StateCompleted
	c.artifacts[task.ID] = outcome.Artifacts
	c.mu.Unlock()

	c.publish(events.TopicTask, events.TaskCompletedEvent{
		ID:        task.ID,
		Artifacts: outcome.Artifacts,
		Duration:  time.Since(start),
		Timestamp: time.Now(),
	})
}

// failTask moves a task to Failed (unless already terminal) and blocks
// its transitive dependents. Independent subtrees keep running.
func (c *Coordinator) failTask(taskID string, cause error, elapsed time.Duration) {
	c.mu.Lock()
	if c.states[taskID].Terminal() {
		c.mu.Unlock()
		return
	}
	c.states[taskID] = StateFailed
	c.errs[taskID] = cause
	blocked := c.blockDependentsLocked(taskID)
	c.mu.Unlock()

	c.logger.Error("task failed", "task", taskID, "error", cause)
	c.publish(events.TopicTask, events.TaskFailedEvent{ID: taskID, Err: cause, Duration: elapsed, Timestamp: time.Now()})
	for _, id := range blocked {
		c.publish(events.TopicTask, events.TaskBlockedEvent{ID: id, Cause: taskID, Timestamp: time.Now()})
	}
}

// blockDependentsLocked marks every non-terminal transitive dependent of
// taskID as Blocked. Caller holds c.mu.
func (c *Coordinator) blockDependentsLocked(taskID string) []string {
	var blocked []string
	for _, id := range c.graph.TransitiveDependents(taskID) {
		if c.states[id].Terminal() {
			continue
		}
		c.setBlockedLocked(id, taskID)
		blocked = append(blocked, id)
	}
	return blocked
}

func (c *Coordinator) setBlockedLocked(taskID, cause string) {
	c.states[taskID] = StateBlocked
	// Blame the original failure, not an intermediate blocked task.
	if root, ok := c.blockedBy[cause]; ok {
		cause = root
	}
	c.blockedBy[taskID] = cause
}

// pollLoop is the coordinator's only progress observation: on each tick it
// samples every live unit's activity, promotes Dispatched tasks to Running
// on their first liveness signal, and forces Failed on idle-timeout.
// Detection latency is bounded by the poll interval.
func (c *Coordinator) pollLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.pollOnce()
		}
	}
}

func (c *Coordinator) pollOnce() {
	now := time.Now()

	type sample struct {
		id    string
		unit  *agent.Unit
		state State
		last  time.Time
		ref   time.Time // last activity, or dispatch time before any signal
	}

	c.mu.Lock()
	var samples []sample
	for id, unit := range c.units {
		last := unit.LastActivity()
		ref := last
		if ref.IsZero() {
			ref = c.dispatched[id]
		}
		samples = append(samples, sample{
			id:    id,
			unit:  unit,
			state: c.states[id],
			last:  last,
			ref:   ref,
		})
	}
	c.mu.Unlock()

	for _, s := range samples {
		if s.state == StateDispatched && !s.last.IsZero() {
			c.mu.Lock()
			if c.states[s.id] == StateDispatched {
				c.states[s.id] = StateRunning
			}
			c.mu.Unlock()
			c.publish(events.TopicTask, events.TaskRunningEvent{ID: s.id, Timestamp: now})
		}

		idle := !s.last.IsZero() && now.Sub(s.last) > c.cfg.PollInterval
		c.publish(events.TopicTask, events.AgentActivityEvent{
			ID:            s.id,
			FilesProduced: s.unit.FilesProduced(),
			LastActivity:  s.last,
			Idle:          idle,
			Timestamp:     now,
		})

		if now.Sub(s.ref) > c.cfg.IdleTimeout {
			c.failTask(s.id, &agent.ExecutionError{
				TaskID: s.id,
				Err:    fmt.Errorf("no activity for %s (idle-timeout %s)", now.Sub(s.ref).Round(time.Millisecond), c.cfg.IdleTimeout),
			}, now.Sub(s.ref))
			c.mu.Lock()
			cancel := c.cancels[s.id]
			c.mu.Unlock()
			if cancel != nil {
				cancel()
			}
		}
	}

	c.publishProgress(now)
}

func (c *Coordinator) publishProgress(now time.Time) {
	c.mu.Lock()
	ev := events.RunProgressEvent{Total: len(c.states), Timestamp: now}
	for _, st := range c.states {
		switch st {
		case StatePending:
			ev.Pending++
		case StateDispatched, StateRunning:
			ev.Running++
		case StateCompleted:
			ev.Completed++
		case StateFailed:
			ev.Failed++
		case StateBlocked:
			ev.Blocked++
		}
	}
	c.mu.Unlock()

	c.publish(events.TopicRun, ev)
}

// mergeCompleted merges completed tasks' workspaces in scheduling order.
func (c *Coordinator) mergeCompleted(ctx context.Context) (*merge.Report, error) {
	var ordered []*workspace.Workspace
	for _, group := range c.graph.Groups() {
		for _, task := range group {
			c.mu.Lock()
			ws := c.workspaces[task.ID]
			completed := c.states[task.ID] == StateCompleted
			c.mu.Unlock()
			if completed && ws != nil {
				ordered = append(ordered, ws)
			}
		}
	}
	if len(ordered) == 0 {
		return &merge.Report{}, nil
	}
	return c.engine.Merge(ctx, ordered)
}

// releaseWorkspaces tears down workspaces after merge. Failed tasks'
// workspaces are preserved for postmortem, as are conflicted tasks' so the
// operator can resolve from the originals.
func (c *Coordinator) releaseWorkspaces(ctx context.Context, mergeReport *merge.Report) {
	conflicted := make(map[string]bool)
	if mergeReport != nil {
		for _, r := range mergeReport.Results {
			if r.Outcome == merge.OutcomeConflict {
				conflicted[r.TaskID] = true
			}
		}
	}

	c.mu.Lock()
	type rel struct {
		ws       *workspace.Workspace
		preserve bool
	}
	var rels []rel
	for id, ws := range c.workspaces {
		// Failed tasks keep their workspace for postmortem, conflicted
		// ones so the operator can resolve from the originals. Tasks cut
		// short by run cancellation release theirs.
		failed := c.states[id] == StateFailed && !errors.Is(c.errs[id], context.Canceled)
		rels = append(rels, rel{ws: ws, preserve: failed || conflicted[id]})
	}
	c.mu.Unlock()

	for _, r := range rels {
		if err := c.ws.Release(ctx, r.ws, r.preserve); err != nil {
			c.logger.Warn("workspace release failed", "task", r.ws.TaskID, "error", err)
		}
	}
}

func (c *Coordinator) fillReport(report *RunReport) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, task := range c.graph.Tasks() {
		tr := TaskReport{
			ID:        task.ID,
			State:     c.states[task.ID].String(),
			Artifacts: c.artifacts[task.ID],
			BlockedBy: c.blockedBy[task.ID],
		}
		if err := c.errs[task.ID]; err != nil {
			tr.Error = err.Error()
		}
		report.Tasks = append(report.Tasks, tr)

		switch c.states[task.ID] {
		case StateCompleted:
			report.Completed++
		case StateFailed:
			report.Failed++
		case StateBlocked:
			report.Blocked++
		}
	}
}

func (c *Coordinator) publish(topic string, ev events.Event) {
	if c.bus != nil {
		c.bus.Publish(topic, ev)
	}
}
