// Package bus implements the gateway's in-process event bus: a monotonically
// sequenced pub/sub broadcaster that every run, channel adapter and control
// plane connection publishes to and subscribes from.
package bus

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// defaultBufferSize is the bounded per-subscriber queue depth. On overflow
// the event is dropped for that subscriber only and its lag counter
// increments; other subscribers are unaffected.
const defaultBufferSize = 1024

// Event is a message published on the bus. Seq is assigned by the Bus at
// publish time and is strictly increasing across the bus's lifetime; it is
// the ordering primitive the control plane uses for replay and resume.
type Event struct {
	Seq       uint64
	Ts        time.Time
	Topic     string
	RunID     string
	ChannelID string
	Payload   interface{}
}

// Gateway-level event topics. Topic values are dotted and hierarchical;
// subscribers filter by prefix. Most of these map 1:1 onto the control
// plane's evt: catalog; a few (message.outbound, approval.resolved,
// policy.reloaded) are internal-only and never reach a websocket client.
const (
	TopicRunProgress  = "run.progress"
	TopicRunToolCall  = "run.tool_call"
	TopicRunOutput    = "run.output"
	TopicRunCompleted = "run.completed"

	TopicMessageInbound  = "message.inbound"
	TopicMessageOutbound = "message.outbound"

	TopicApprovalRequired = "approval.required"
	TopicApprovalResolved = "approval.resolved"

	TopicSecurityBlocked = "security.blocked"

	TopicChannelStatus = "channel.status"

	TopicPolicyReloaded = "policy.reloaded"
)

// Filter narrows a subscription to events matching both a topic prefix and,
// when non-empty, a specific run. An empty Prefix matches every topic; an
// empty RunID matches every run.
type Filter struct {
	Prefix string
	RunID  string
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	filter Filter
	ch     chan Event
	lag    atomic.Int64
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Lag returns the number of events dropped for this subscriber because its
// queue was full at publish time.
func (s *Subscription) Lag() int64 {
	return s.lag.Load()
}

// Bus is a simple in-process pub/sub message bus with topic prefix and run
// matching. Every published Event is stamped with a strictly increasing Seq
// under the same critical section that fans it out, so subscribers observe
// a single consistent order regardless of which topics they filter on.
type Bus struct {
	mu              sync.RWMutex
	subs            map[int]*Subscription
	nextID          int
	seq             uint64
	logger          *slog.Logger
	droppedEvents   atomic.Int64
	lastDropWarning atomic.Int64 // last threshold at which a warning was logged
}

// New creates a new Bus.
func New() *Bus {
	return NewWithLogger(nil)
}

// NewWithLogger creates a new Bus with an optional logger for observability.
func NewWithLogger(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]*Subscription),
		logger: logger,
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics. The returned channel has a buffer of
// 100 events; slow consumers will miss events (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	return b.SubscribeFilter(Filter{Prefix: topicPrefix})
}

// SubscribeFilter creates a subscription matching both a topic prefix and,
// when set, a single run ID. Used by control plane connections that replay
// and tail a specific run's events.
func (b *Bus) SubscribeFilter(filter Filter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		filter: filter,
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

// Publish sends an event to all matching subscribers, assigning it the next
// sequence number. Delivery is non-blocking: if a subscriber's buffer is
// full, the event is dropped for that subscriber only.
func (b *Bus) Publish(topic string, payload interface{}) {
	b.publish(Event{Topic: topic, Payload: payload})
}

// PublishRun is Publish for an event scoped to a specific agent run and,
// optionally, the channel that originated it.
func (b *Bus) PublishRun(topic, runID, channelID string, payload interface{}) {
	b.publish(Event{Topic: topic, RunID: runID, ChannelID: channelID, Payload: payload})
}

func (b *Bus) publish(event Event) {
	b.mu.Lock()
	b.seq++
	event.Seq = b.seq
	event.Ts = time.Now()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		if !matches(sub.filter, event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Buffer full: drop the oldest queued event for this
			// subscriber, not the incoming one, so delivery order
			// never reorders and only ever loses a contiguous run
			// of old events.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- event:
			default:
			}
			sub.lag.Add(1)
			newCount := b.droppedEvents.Add(1)
			b.maybeLogDropWarning(newCount, event.Topic)
		}
	}
}

func matches(f Filter, e Event) bool {
	if f.Prefix != "" && !strings.HasPrefix(e.Topic, f.Prefix) {
		return false
	}
	if f.RunID != "" && e.RunID != f.RunID {
		return false
	}
	return true
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// DroppedEventCount returns the total number of events dropped due to full buffers.
func (b *Bus) DroppedEventCount() int64 {
	return b.droppedEvents.Load()
}

// Seq returns the sequence number of the most recently published event (0 if
// none have been published yet).
func (b *Bus) Seq() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seq
}

// dropThreshold returns the next exponential threshold (1, 10, 100, 1000, ...) at or below count.
func dropThreshold(count int64) int64 {
	threshold := int64(1)
	for threshold*10 <= count {
		threshold *= 10
	}
	return threshold
}

// maybeLogDropWarning logs a warning when dropped event count crosses an exponential threshold.
// Uses CompareAndSwap to avoid duplicate logs from concurrent publishers.
func (b *Bus) maybeLogDropWarning(newCount int64, topic string) {
	if b.logger == nil {
		return
	}
	threshold := dropThreshold(newCount)
	if newCount < threshold {
		return
	}
	if newCount != threshold {
		return
	}
	lastWarned := b.lastDropWarning.Load()
	if threshold <= lastWarned {
		return
	}
	if b.lastDropWarning.CompareAndSwap(lastWarned, threshold) {
		b.logger.Warn("bus_dropped_events_reached_threshold",
			slog.Int64("count", newCount),
			slog.String("topic", topic),
		)
	}
}
