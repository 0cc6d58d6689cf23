// Package events provides the channel-based pub/sub bus that carries run
// observability events from the coordinator to reporting surfaces. The bus
// is a read-only window onto a run, never a control channel: publishing is
// non-blocking and slow subscribers lose events rather than stall agents.
package events

import "sync"

// Bus fans events out to topic subscribers and firehose subscribers.
type Bus struct {
	mu       sync.RWMutex
	byTopic  map[string][]chan Event
	firehose []chan Event
	closed   bool
}

// NewBus creates an open bus.
func NewBus() *Bus {
	return &Bus{byTopic: make(map[string][]chan Event)}
}

// Subscribe returns a channel receiving events published to topic.
// bufSize <= 0 selects the default of 256.
func (b *Bus) Subscribe(topic string, bufSize int) <-chan Event {
	ch := newSubChan(bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.byTopic[topic] = append(b.byTopic[topic], ch)
	return ch
}

// SubscribeAll returns a channel receiving events from every topic.
func (b *Bus) SubscribeAll(bufSize int) <-chan Event {
	ch := newSubChan(bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.firehose = append(b.firehose, ch)
	return ch
}

func newSubChan(bufSize int) chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}
	return make(chan Event, bufSize)
}

// Publish delivers event to topic subscribers and firehose subscribers.
// Full subscriber channels drop the event.
func (b *Bus) Publish(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, ch := range b.byTopic[topic] {
		select {
		case ch <- event:
		default:
		}
	}
	for _, ch := range b.firehose {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close closes all subscriber channels. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	for _, subs := range b.byTopic {
		for _, ch := range subs {
			close(ch)
		}
	}
	for _, ch := range b.firehose {
		close(ch)
	}
}
