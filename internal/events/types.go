package events

import "time"

// Event is the base interface for all run events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask      = "task"
	TopicDiscovery = "discovery"
	TopicMerge     = "merge"
	TopicRun       = "run"
)

// Event type constants
const (
	EventTypeTaskDispatched = "task.dispatched"
	EventTypeTaskRunning    = "task.running"
	EventTypeTaskCompleted  = "task.completed"
	EventTypeTaskFailed     = "task.failed"
	EventTypeTaskBlocked    = "task.blocked"
	EventTypeAgentActivity  = "task.activity"
	EventTypeDiscovery      = "discovery.published"
	EventTypeTaskMerged     = "merge.task"
	EventTypeRunProgress    = "run.progress"
)

// TaskDispatchedEvent is published when a task's workspace is allocated
// and its agent is started.
type TaskDispatchedEvent struct {
	ID        string
	Isolation string
	Timestamp time.Time
}

func (e TaskDispatchedEvent) EventType() string { return EventTypeTaskDispatched }
func (e TaskDispatchedEvent) TaskID() string    { return e.ID }

// TaskRunningEvent is published when the coordinator observes the first
// liveness signal from a dispatched agent.
type TaskRunningEvent struct {
	ID        string
	Timestamp time.Time
}

func (e TaskRunningEvent) EventType() string { return EventTypeTaskRunning }
func (e TaskRunningEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when an agent reports success.
type TaskCompletedEvent struct {
	ID        string
	Artifacts []string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when an agent fails, workspace allocation
// fails, or the idle-timeout fires.
type TaskFailedEvent struct {
	ID        string
	Err       error
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// TaskBlockedEvent is published when a task is blocked by a failed or
// blocked dependency. Blocked is terminal and distinct from Failed.
type TaskBlockedEvent struct {
	ID        string
	Cause     string // ID of the failed dependency
	Timestamp time.Time
}

func (e TaskBlockedEvent) EventType() string { return EventTypeTaskBlocked }
func (e TaskBlockedEvent) TaskID() string    { return e.ID }

// AgentActivityEvent is a periodic liveness sample for a running agent.
type AgentActivityEvent struct {
	ID            string
	FilesProduced int
	LastActivity  time.Time
	Idle          bool
	Timestamp     time.Time
}

func (e AgentActivityEvent) EventType() string { return EventTypeAgentActivity }
func (e AgentActivityEvent) TaskID() string    { return e.ID }

// DiscoveryEvent is published when an agent publishes to shared memory.
type DiscoveryEvent struct {
	Key       string
	AgentID   string
	Timestamp time.Time
}

func (e DiscoveryEvent) EventType() string { return EventTypeDiscovery }
func (e DiscoveryEvent) TaskID() string    { return e.AgentID }

// TaskMergedEvent is published per task during the merge phase.
type TaskMergedEvent struct {
	ID            string
	Outcome       string // "clean" or "conflict"
	ConflictPaths []string
	Timestamp     time.Time
}

func (e TaskMergedEvent) EventType() string { return EventTypeTaskMerged }
func (e TaskMergedEvent) TaskID() string    { return e.ID }

// RunProgressEvent summarizes run state, sampled on each poll tick.
type RunProgressEvent struct {
	Total     int
	Pending   int
	Running   int
	Completed int
	Failed    int
	Blocked   int
	Timestamp time.Time
}

func (e RunProgressEvent) EventType() string { return EventTypeRunProgress }
func (e RunProgressEvent) TaskID() string    { return "" }
