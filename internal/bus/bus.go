// Package bus provides the in-process pub/sub channel that carries every
// orchestration event: task state transitions, retries, cancellations,
// dedup claims, and checkpoint flushes. Payloads on the bus are bounded;
// large task results live in the exchange layer and are referenced by path.
package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Task lifecycle topics.
const (
	TopicTaskStateChanged = "task.state_changed"
	TopicTaskCompleted    = "task.completed"
	TopicTaskFailed       = "task.failed"
	TopicTaskCancelled    = "task.cancelled"
	TopicTaskRetrying     = "task.retrying"
	TopicTaskTimeout      = "task.timeout"
)

// Graph and run topics.
const (
	TopicGraphExpanded = "graph.expanded"
	TopicRunCheckpoint = "run.checkpoint"
	TopicRunCompleted  = "run.completed"
)

// Dedup topics.
const (
	TopicDedupClaimed  = "dedup.claimed"
	TopicDedupResidual = "dedup.residual"
)

// TaskStateChangedEvent is published on every committed task transition.
type TaskStateChangedEvent struct {
	RunID     string
	TaskID    string
	OldStatus string
	NewStatus string
	Reason    string // root-cause task id for cancellations, error summary for failures
}

// TaskRetryEvent is published when a failed or timed-out task is requeued.
type TaskRetryEvent struct {
	RunID   string
	TaskID  string
	Attempt int
	Error   string
}

// GraphExpandedEvent is published when a running worker registers child tasks.
type GraphExpandedEvent struct {
	RunID    string
	ParentID string
	ChildIDs []string
}

// DedupClaimEvent is published when a dedup key is claimed or a residual
// duplicate is detected against the external listing.
type DedupClaimEvent struct {
	Namespace   string
	Key         string
	Acquired    bool
	ExternalRef string
}

// CheckpointEvent is published after a checkpoint flush.
type CheckpointEvent struct {
	RunID string
	Path  string
	Tasks int
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events; slow consumers will miss
// events (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers.
// Delivery is non-blocking: if a subscriber's buffer is full, the event is dropped.
func (b *Bus) Publish(topic string, payload any) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- event:
			default:
				// Buffer full, drop event for this subscriber.
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
