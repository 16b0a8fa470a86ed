package topicstore

import (
	"sync"

	"github.com/primetype-labs/asmtpd/internal/topic"
)

// EventKind distinguishes the two event shapes a Notifier can report.
type EventKind int

const (
	EventInsert EventKind = iota
	EventUnsubscribe
)

// Event is a single coalesced change-notification.
type Event struct {
	Kind      EventKind
	Topic     topic.Topic
	MessageID topic.MessageId // meaningful only when Kind == EventInsert
}

// Notifier coalesces per-topic change notifications for admin clients
// watching the topic store: multiple inserts to the same topic between
// two Drain calls collapse to the latest MessageId; unsubscribes are
// reported as their own event kind, one per topic.
type Notifier struct {
	mu           sync.Mutex
	inserts      map[topic.Topic]topic.MessageId
	unsubscribes map[topic.Topic]struct{}
	signal       chan struct{}
}

// NewNotifier creates an empty Notifier.
func NewNotifier() *Notifier {
	return &Notifier{
		inserts:      make(map[topic.Topic]topic.MessageId),
		unsubscribes: make(map[topic.Topic]struct{}),
		signal:       make(chan struct{}, 1),
	}
}

// NotifyInsert records that t received a new message, coalescing with
// any pending insert notification for the same topic.
func (n *Notifier) NotifyInsert(t topic.Topic, id topic.MessageId) {
	n.mu.Lock()
	n.inserts[t] = id
	n.mu.Unlock()
	n.wake()
}

// NotifyUnsubscribe records that t was unsubscribed.
func (n *Notifier) NotifyUnsubscribe(t topic.Topic) {
	n.mu.Lock()
	delete(n.inserts, t)
	n.unsubscribes[t] = struct{}{}
	n.mu.Unlock()
	n.wake()
}

func (n *Notifier) wake() {
	select {
	case n.signal <- struct{}{}:
	default:
	}
}

// Wait returns a channel that receives once when new events are pending.
// Callers should call Drain after waking, since the channel carries no
// payload.
func (n *Notifier) Wait() <-chan struct{} {
	return n.signal
}

// Drain returns and clears all pending events.
func (n *Notifier) Drain() []Event {
	n.mu.Lock()
	defer n.mu.Unlock()

	events := make([]Event, 0, len(n.inserts)+len(n.unsubscribes))
	for t, id := range n.inserts {
		events = append(events, Event{Kind: EventInsert, Topic: t, MessageID: id})
	}
	for t := range n.unsubscribes {
		events = append(events, Event{Kind: EventUnsubscribe, Topic: t})
	}
	n.inserts = make(map[topic.Topic]topic.MessageId)
	n.unsubscribes = make(map[topic.Topic]struct{})
	return events
}
