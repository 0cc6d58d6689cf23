package events

import (
	"testing"
	"time"
)

func TestSubscribePublish(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	taskSub := bus.Subscribe(TopicTask, 8)
	mergeSub := bus.Subscribe(TopicMerge, 8)

	bus.Publish(TopicTask, TaskDispatchedEvent{ID: "db", Isolation: "worktree", Timestamp: time.Now()})

	select {
	case ev := <-taskSub:
		if ev.EventType() != EventTypeTaskDispatched || ev.TaskID() != "db" {
			t.Errorf("unexpected event %v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for task event")
	}

	select {
	case ev := <-mergeSub:
		t.Errorf("merge subscriber received task event %v", ev)
	default:
	}
}

func TestSubscribeAllReceivesEveryTopic(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	all := bus.SubscribeAll(8)

	bus.Publish(TopicTask, TaskRunningEvent{ID: "a", Timestamp: time.Now()})
	bus.Publish(TopicDiscovery, DiscoveryEvent{Key: "a/schema", AgentID: "a", Timestamp: time.Now()})
	bus.Publish(TopicMerge, TaskMergedEvent{ID: "a", Outcome: "clean", Timestamp: time.Now()})

	types := map[string]bool{}
	for i := 0; i < 3; i++ {
		select {
		case ev := <-all:
			types[ev.EventType()] = true
		case <-time.After(time.Second):
			t.Fatalf("timed out after %d events", i)
		}
	}
	for _, want := range []string{EventTypeTaskRunning, EventTypeDiscovery, EventTypeTaskMerged} {
		if !types[want] {
			t.Errorf("missing event type %q", want)
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(TopicRun, 1)
	bus.Publish(TopicRun, RunProgressEvent{Total: 1})
	// Second publish must not block even though the buffer is full.
	done := make(chan struct{})
	go func() {
		bus.Publish(TopicRun, RunProgressEvent{Total: 2})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on full subscriber")
	}

	ev := <-sub
	if ev.(RunProgressEvent).Total != 1 {
		t.Errorf("expected first event retained, got %v", ev)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(TopicTask, 1)

	bus.Close()
	bus.Close()

	if _, open := <-sub; open {
		t.Error("subscriber channel should be closed")
	}

	// Publishing and subscribing after close must not panic.
	bus.Publish(TopicTask, TaskRunningEvent{ID: "x"})
	late := bus.Subscribe(TopicTask, 1)
	if _, open := <-late; open {
		t.Error("late subscription should return a closed channel")
	}
}
