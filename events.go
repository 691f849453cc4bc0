package flowgraph

import (
	"sync"
	"time"
)

// Topic names an event stream published by the engine.
type Topic string

const (
	TopicExecutionStarted   Topic = "execution.started"
	TopicExecutionCompleted Topic = "execution.completed"
	TopicExecutionFailed    Topic = "execution.failed"
	TopicExecutionCancelled Topic = "execution.cancelled"
	TopicNodeStarted        Topic = "node.started"
	TopicNodeCompleted      Topic = "node.completed"
	TopicNodeFailed         Topic = "node.failed"
)

// Event is one lifecycle notification. Node-level fields are empty for
// execution-level topics.
type Event struct {
	Topic       Topic     `json:"topic"`
	ExecutionID string    `json:"execution_id"`
	WorkflowID  string    `json:"workflow_id"`
	UserID      string    `json:"user_id,omitempty"`
	NodeID      string    `json:"node_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Error       string    `json:"error,omitempty"`
}

// Bus is an in-process event bus with one buffered channel per subscriber.
// Publish blocks until every matching subscriber's buffer accepts the
// event, giving at-least-once delivery to live subscribers: a subscriber
// that stops draining eventually blocks publishers rather than losing
// events silently.
type Bus struct {
	mutex  sync.RWMutex
	subs   map[Topic][]chan Event
	buffer int
	closed bool
}

// NewBus creates a bus whose subscriber channels hold up to buffer events.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 16
	}
	return &Bus{
		subs:   map[Topic][]chan Event{},
		buffer: buffer,
	}
}

// Subscribe returns a channel receiving events for the given topics. The
// channel is closed when the bus closes.
func (b *Bus) Subscribe(topics ...Topic) <-chan Event {
	ch := make(chan Event, b.buffer)
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	for _, topic := range topics {
		b.subs[topic] = append(b.subs[topic], ch)
	}
	return ch
}

// Publish delivers an event to every subscriber of its topic.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	// The read lock is held across the sends so a concurrent Close cannot
	// close a channel mid-send.
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs[event.Topic] {
		ch <- event
	}
}

// Close closes all subscriber channels. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	seen := map[chan Event]bool{}
	for _, subscribers := range b.subs {
		for _, ch := range subscribers {
			if !seen[ch] {
				seen[ch] = true
				close(ch)
			}
		}
	}
	b.subs = map[Topic][]chan Event{}
}
