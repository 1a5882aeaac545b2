package bus

import (
	"strings"
	"sync"
	"time"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
	Time    time.Time
}

// Notification topics consumed by UI collaborators.
const (
	TopicSetupStatus  = "setup.status"
	TopicServerStatus = "server.status"
	TopicServerError  = "server.error"
	TopicServerLog    = "server.log"
	TopicSetupLog     = "setup.log"
)

// SetupStatusEvent is published on every setup phase change.
type SetupStatusEvent struct {
	Phase string `json:"phase"`
}

// ServerStatusEvent is published whenever the backend's liveness changes.
type ServerStatusEvent struct {
	IsRunning bool   `json:"isRunning"`
	URL       string `json:"url"`
}

// ServerErrorEvent carries an operator-readable failure message.
type ServerErrorEvent struct {
	Kind    string `json:"kind"` // e.g. FailedToSpawn, ProcessCrashed, NotReady
	Message string `json:"message"`
}

// ServerLogEvent is one line of backend output. It is also used for the
// tool's output during setup, on TopicSetupLog.
type ServerLogEvent struct {
	Stream string `json:"stream"` // stdout or stderr
	Line   string `json:"line"`
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
// An empty prefix matches all topics. Once a slow consumer's buffer of 100
// fills up, new log lines are dropped while status and error events evict
// the oldest queued event.
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
	if b == nil || sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers without blocking.
// A nil bus drops everything, so components can run without observers.
func (b *Bus) Publish(topic string, payload interface{}) {
	if b == nil {
		return
	}
	event := Event{
		Topic:   topic,
		Payload: payload,
		Time:    time.Now(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			deliver(sub.ch, event)
		}
	}
}

func deliver(ch chan Event, event Event) {
	select {
	case ch <- event:
		return
	default:
	}
	if IsLogTopic(event.Topic) {
		return
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- event:
	default:
	}
}

// IsLogTopic reports whether topic carries output lines, which may be
// dropped under load.
func IsLogTopic(topic string) bool {
	return strings.HasSuffix(topic, ".log")
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
