package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind identifies one of the fixed event kinds the bus carries (§4.9).
type Kind string

const (
	WorkerSelected Kind = "worker:selected"
	WorkerReleased Kind = "worker:released"
	BuildStarted   Kind = "build:started"
	BuildCompleted Kind = "build:completed"
	HealthChanged  Kind = "health:changed"
	CircuitChanged Kind = "circuit:changed"
	QueueEnqueued  Kind = "queue:enqueued"
	QueueDequeued  Kind = "queue:dequeued"
)

// Event is one published occurrence. Fields is kind-specific; see the
// Publish call sites in registry, queue, health and coordinator for the
// keys each kind carries.
type Event struct {
	ID        string
	Kind      Kind
	Timestamp time.Time
	Fields    map[string]any
}

// Subscriber is a bounded channel of events handed out by Subscribe.
type Subscriber chan *Event

// subscriberBuffer is the fixed per-subscriber capacity (§4.9: bounded,
// slow subscribers dropped rather than back-pressured).
const subscriberBuffer = 64

// Broker distributes published events to every live subscriber.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]bool
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once

	droppedMu sync.Mutex
	dropped   map[Subscriber]int
}

// NewBroker creates a Broker with its distribution loop not yet started.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
		dropped:     make(map[Subscriber]int),
	}
}

// Start begins the broker's distribution loop in its own goroutine.
func (b *Broker) Start() {
	go b.run()
}

// Stop halts distribution and closes every subscriber channel.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })

	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subscribers {
		close(sub)
	}
	b.subscribers = make(map[Subscriber]bool)
}

// Subscribe registers a new subscriber with a bounded buffer.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := make(Subscriber, subscriberBuffer)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes a subscriber's channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish enqueues kind/fields as a new Event. It implements
// queue.EventPublisher and the equivalent narrow interfaces used by the
// registry, health prober, and coordinator so every producer depends
// only on the method it needs, not on *Broker directly.
func (b *Broker) Publish(kind string, fields map[string]any) {
	event := &Event{
		ID:        uuid.NewString(),
		Kind:      Kind(kind),
		Timestamp: time.Now(),
		Fields:    fields,
	}
	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
		// Internal dispatch queue is full; drop rather than block the
		// publisher, consistent with the per-subscriber drop policy.
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			b.droppedMu.Lock()
			b.dropped[sub]++
			b.droppedMu.Unlock()
		}
	}
}

// SubscriberCount reports the number of live subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// DroppedFor reports how many events have been dropped for sub because
// its buffer was full, for diagnostics on a slow SSE consumer.
func (b *Broker) DroppedFor(sub Subscriber) int {
	b.droppedMu.Lock()
	defer b.droppedMu.Unlock()
	return b.dropped[sub]
}
