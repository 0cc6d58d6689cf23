package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/loomhq/loom/internal/agent"
	"github.com/loomhq/loom/internal/events"
	"github.com/loomhq/loom/internal/memory"
	"github.com/loomhq/loom/internal/merge"
	"github.com/loomhq/loom/internal/taskgraph"
	"github.com/loomhq/loom/internal/workspace"
)

// scriptedInvoker drives tests: per-task artifacts, failures, and hangs.
// Task instructions carry the task ID so the invoker can tell tasks apart.
type scriptedInvoker struct {
	mu        sync.Mutex
	order     []string
	artifacts map[string][]agent.Artifact
	fail      map[string]error
	hang      map[string]bool
	observe   func(taskID string)
}

func (s *scriptedInvoker) Generate(ctx context.Context, instructions string, snapshot map[string]memory.Discovery) ([]agent.Artifact, error) {
	s.mu.Lock()
	s.order = append(s.order, instructions)
	s.mu.Unlock()

	if s.observe != nil {
		s.observe(instructions)
	}
	if s.hang[instructions] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := s.fail[instructions]; err != nil {
		return nil, err
	}
	return s.artifacts[instructions], nil
}

func (s *scriptedInvoker) callOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

type testRig struct {
	coord *Coordinator
	inv   *scriptedInvoker
	mem   *memory.Store
	bus   *events.Bus
}

func newTestRig(t *testing.T, tasks []*taskgraph.Task, inv *scriptedInvoker, cfg Config) *testRig {
	return newTestRigWithInvoker(t, tasks, inv, inv, cfg)
}

func newTestRigWithInvoker(t *testing.T, tasks []*taskgraph.Task, invoker agent.Invoker, scripted *scriptedInvoker, cfg Config) *testRig {
	t.Helper()

	for _, task := range tasks {
		if task.Isolation == "" {
			task.Isolation = taskgraph.IsolationContainer
		}
		task.Instructions = task.ID
	}
	graph, err := taskgraph.Load(tasks)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if scripted.artifacts == nil {
		scripted.artifacts = map[string][]agent.Artifact{}
	}
	if scripted.fail == nil {
		scripted.fail = map[string]error{}
	}
	if scripted.hang == nil {
		scripted.hang = map[string]bool{}
	}

	mgr := workspace.NewManager(workspace.Config{BaseDir: t.TempDir()}, nil)
	mem := memory.NewStore(nil, nil)
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	engine := merge.NewEngine(mgr, bus, nil)

	factory := func(task *taskgraph.Task) (*agent.Unit, error) {
		return agent.NewUnit(invoker, mem, bus, nil, agent.DefaultRetryPolicy(), nil), nil
	}

	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	coord := New(cfg, graph, mgr, engine, bus, factory, nil)
	return &testRig{coord: coord, inv: scripted, mem: mem, bus: bus}
}

func diamondTasks() []*taskgraph.Task {
	return []*taskgraph.Task{
		{ID: "db"},
		{ID: "backend", DependsOn: []string{"db"}},
		{ID: "frontend", DependsOn: []string{"db"}},
		{ID: "tests", DependsOn: []string{"backend", "frontend"}},
	}
}

func TestScheduleRunsAllTasks(t *testing.T) {
	inv := &scriptedInvoker{artifacts: map[string][]agent.Artifact{
		"db":       {{Path: "schema.sql", Content: []byte("CREATE TABLE t;\n")}},
		"backend":  {{Path: "api/server.go", Content: []byte("package api\n")}},
		"frontend": {{Path: "web/app.js", Content: []byte("render()\n")}},
		"tests":    {{Path: "tests/e2e.go", Content: []byte("package tests\n")}},
	}}
	rig := newTestRig(t, diamondTasks(), inv, Config{})

	report, err := rig.coord.Schedule(context.Background())
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if report.Completed != 4 || report.Failed != 0 || report.Blocked != 0 {
		t.Fatalf("completed=%d failed=%d blocked=%d", report.Completed, report.Failed, report.Blocked)
	}
	if !report.Success() {
		t.Error("run with all tasks completed and no conflicts should be a success")
	}
	if report.Merge == nil || report.Merge.Clean != 4 {
		t.Errorf("merge report = %+v", report.Merge)
	}
}

func TestDependencyOrderIsHardGuarantee(t *testing.T) {
	var rig *testRig
	inv := &scriptedInvoker{}
	inv.observe = func(taskID string) {
		// When a task starts, every dependency must already be Completed.
		deps := map[string][]string{
			"backend":  {"db"},
			"frontend": {"db"},
			"tests":    {"backend", "frontend"},
		}
		for _, dep := range deps[taskID] {
			if st := rig.coord.State(dep); st != StateCompleted {
				t.Errorf("task %s started while dependency %s is %s", taskID, dep, st)
			}
		}
	}
	rig = newTestRig(t, diamondTasks(), inv, Config{})

	if _, err := rig.coord.Schedule(context.Background()); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	order := inv.callOrder()
	if len(order) != 4 {
		t.Fatalf("expected 4 invocations, got %v", order)
	}
	if order[0] != "db" || order[3] != "tests" {
		t.Errorf("dispatch order = %v", order)
	}
}

func TestFailureCascadesToBlocked(t *testing.T) {
	inv := &scriptedInvoker{fail: map[string]error{"db": errors.New("schema generation failed")}}
	rig := newTestRig(t, diamondTasks(), inv, Config{})

	report, err := rig.coord.Schedule(context.Background())
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	if report.Failed != 1 || report.Blocked != 3 || report.Completed != 0 {
		t.Fatalf("failed=%d blocked=%d completed=%d", report.Failed, report.Blocked, report.Completed)
	}
	if report.Success() {
		t.Error("run with failures must not be a success")
	}

	// Blocked tasks are never dispatched.
	if order := inv.callOrder(); len(order) != 1 || order[0] != "db" {
		t.Errorf("only db should have been invoked, got %v", order)
	}

	for _, tr := range report.Tasks {
		switch tr.ID {
		case "db":
			if tr.State != "failed" {
				t.Errorf("db state = %s", tr.State)
			}
		default:
			if tr.State != "blocked" {
				t.Errorf("%s state = %s, want blocked", tr.ID, tr.State)
			}
			if tr.BlockedBy != "db" {
				t.Errorf("%s blocked by %q, want db", tr.ID, tr.BlockedBy)
			}
		}
	}
}

func TestIndependentSubtreeContinues(t *testing.T) {
	inv := &scriptedInvoker{
		fail: map[string]error{"db": errors.New("boom")},
		artifacts: map[string][]agent.Artifact{
			"docs": {{Path: "README.md", Content: []byte("# docs\n")}},
		},
	}
	tasks := append(diamondTasks(), &taskgraph.Task{ID: "docs"})
	rig := newTestRig(t, tasks, inv, Config{})

	report, err := rig.coord.Schedule(context.Background())
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if report.Completed != 1 {
		t.Errorf("independent docs task should complete, report: completed=%d", report.Completed)
	}
}

func TestIdleTimeoutForcesFailure(t *testing.T) {
	inv := &scriptedInvoker{
		artifacts: map[string][]agent.Artifact{
			"db": {{Path: "schema.sql", Content: []byte("x")}},
		},
		hang: map[string]bool{"frontend": true},
	}
	rig := newTestRig(t, diamondTasks(), inv, Config{
		PollInterval: 5 * time.Millisecond,
		IdleTimeout:  30 * time.Millisecond,
	})

	start := time.Now()
	report, err := rig.coord.Schedule(context.Background())
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("idle-timeout did not unstick the hung agent")
	}

	var frontend, tests *TaskReport
	for i := range report.Tasks {
		switch report.Tasks[i].ID {
		case "frontend":
			frontend = &report.Tasks[i]
		case "tests":
			tests = &report.Tasks[i]
		}
	}
	if frontend == nil || frontend.State != "failed" {
		t.Fatalf("frontend = %+v, want failed", frontend)
	}
	if frontend.Error == "" {
		t.Error("frontend report should carry the idle-timeout error")
	}
	if tests == nil || tests.State != "blocked" || tests.BlockedBy != "frontend" {
		t.Errorf("tests = %+v, want blocked by frontend", tests)
	}
}

func TestCancellationRetainsCompletedWork(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	inv := &scriptedInvoker{
		artifacts: map[string][]agent.Artifact{
			"db": {{Path: "schema.sql", Content: []byte("CREATE TABLE t;\n")}},
		},
	}
	// Cancel the run once db has completed and backend/frontend started.
	var once sync.Once
	inv.observe = func(taskID string) {
		if taskID == "backend" || taskID == "frontend" {
			once.Do(cancel)
		}
	}
	rig := newTestRig(t, diamondTasks(), inv, Config{})

	report, err := rig.coord.Schedule(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	var db *TaskReport
	for i := range report.Tasks {
		if report.Tasks[i].ID == "db" {
			db = &report.Tasks[i]
		}
	}
	if db == nil || db.State != "completed" {
		t.Fatalf("db = %+v, want completed", db)
	}
	// Completed outputs are retained for partial merge.
	if report.Merge == nil || len(report.Merge.Results) == 0 {
		t.Fatal("partial merge of completed tasks missing")
	}
	found := false
	for _, r := range report.Merge.Results {
		if r.TaskID == "db" {
			found = true
		}
	}
	if !found {
		t.Error("db output missing from partial merge")
	}
}

func TestConflictingTasksReported(t *testing.T) {
	inv := &scriptedInvoker{artifacts: map[string][]agent.Artifact{
		"a": {{Path: "config.json", Content: []byte(`{"port": 8080}`)}},
		"b": {{Path: "config.json", Content: []byte(`{"port": 3000}`)}},
	}}
	rig := newTestRig(t, []*taskgraph.Task{{ID: "a"}, {ID: "b"}}, inv, Config{})

	report, err := rig.coord.Schedule(context.Background())
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if report.Completed != 2 {
		t.Fatalf("both tasks should complete, got %d", report.Completed)
	}
	if report.Merge.Conflicted != 2 || !report.Merge.NeedsManualResolution {
		t.Errorf("merge = %+v", report.Merge)
	}
	if report.Success() {
		t.Error("a run with merge conflicts is not a success")
	}
}

func TestDiscoveriesFlowBetweenTasks(t *testing.T) {
	inv := &scriptedInvoker{artifacts: map[string][]agent.Artifact{
		"db": {{Path: "schema.sql", Content: []byte("x")}},
	}}
	var backendSnapshot map[string]memory.Discovery
	wrapped := &snapshotInvoker{inner: inv, capture: func(taskID string, snap map[string]memory.Discovery) {
		if taskID == "backend" {
			backendSnapshot = snap
		}
	}}

	tasks := []*taskgraph.Task{
		{ID: "db", Publishes: []string{"db/schema"}},
		{ID: "backend", DependsOn: []string{"db"}},
	}
	rig := newTestRigWithInvoker(t, tasks, wrapped, inv, Config{})

	if _, err := rig.coord.Schedule(context.Background()); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if backendSnapshot == nil {
		t.Fatal("backend never ran")
	}
	d, ok := backendSnapshot["db/schema"]
	if !ok {
		t.Fatal("backend should see db's contract discovery")
	}
	if payload := d.Value.(memory.ContractPayload); !payload.Ready {
		t.Errorf("payload = %+v", payload)
	}
}

// snapshotInvoker captures the shared-memory snapshot each task receives.
type snapshotInvoker struct {
	inner   agent.Invoker
	capture func(taskID string, snap map[string]memory.Discovery)
}

func (s *snapshotInvoker) Generate(ctx context.Context, instructions string, snapshot map[string]memory.Discovery) ([]agent.Artifact, error) {
	s.capture(instructions, snapshot)
	return s.inner.Generate(ctx, instructions, snapshot)
}

func TestUnitFactoryFailureFailsTask(t *testing.T) {
	inv := &scriptedInvoker{}
	rig := newTestRig(t, []*taskgraph.Task{{ID: "solo"}}, inv, Config{})
	rig.coord.factory = func(task *taskgraph.Task) (*agent.Unit, error) {
		return nil, fmt.Errorf("no invoker configured")
	}

	report, err := rig.coord.Schedule(context.Background())
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if report.Failed != 1 {
		t.Errorf("failed=%d, want 1", report.Failed)
	}
}
