// Package bus provides typed, best-effort in-process pub/sub for sensor,
// actuator, and workflow events. Publishers never block: each subscriber has
// a bounded queue and overflow drops the oldest pending event.
package bus

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sysgrow/sysgrow/core/observability"
)

// Topic is a closed set of event channels.
type Topic string

const (
	TopicSensorEnvUpdate      Topic = "sensor.env.update"
	TopicSensorPlantUpdate    Topic = "sensor.plant.update"
	TopicActuatorStateChanged Topic = "actuator.state.changed"
	TopicRequestCreated       Topic = "irrigation.request.created"
	TopicRequestApproved      Topic = "irrigation.request.approved"
	TopicRequestDelayed       Topic = "irrigation.request.delayed"
	TopicRequestCancelled     Topic = "irrigation.request.cancelled"
	TopicRequestExecuted      Topic = "irrigation.request.executed"
	TopicRequestExpired       Topic = "irrigation.request.expired"
	TopicSystemHealth         Topic = "system.health.changed"
)

// Event is one published message. Every sensor and actuator event carries
// UnitID; subscribers must filter on it before reacting.
type Event struct {
	Topic       Topic
	UnitID      string
	Payload     interface{}
	PublishedAt time.Time
}

// Handler consumes one event. Handlers run on the subscriber's own worker,
// never on the publisher's goroutine.
type Handler func(Event)

// Token identifies a subscription for Unsubscribe.
type Token struct {
	topic Topic
	id    int64
}

// HealthEvent is the payload published on TopicSystemHealth when a
// subscriber queue overflows.
type HealthEvent struct {
	Subscriber string `json:"subscriber"`
	Topic      Topic  `json:"topic"`
	Dropped    uint64 `json:"dropped_total"`
}

type subscriber struct {
	id      int64
	name    string
	topic   Topic
	handler Handler
	queue   chan Event
	quit    chan struct{}
	dropped uint64
}

// Bus is the process-wide event bus. Construct with New, tear down with Close.
type Bus struct {
	mu        sync.RWMutex
	subs      map[Topic][]*subscriber
	nextID    int64
	queueSize int
	closed    bool
	wg        sync.WaitGroup
}

// DefaultQueueSize is the per-subscriber queue bound.
const DefaultQueueSize = 64

// New creates a Bus with the given per-subscriber queue size.
func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		subs:      make(map[Topic][]*subscriber),
		queueSize: queueSize,
	}
}

// Subscribe registers a handler for a topic. The name labels queue metrics
// and overflow health events.
func (b *Bus) Subscribe(topic Topic, name string, handler Handler) Token {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscriber{
		id:      b.nextID,
		name:    name,
		topic:   topic,
		handler: handler,
		queue:   make(chan Event, b.queueSize),
		quit:    make(chan struct{}),
	}
	b.subs[topic] = append(b.subs[topic], sub)

	b.wg.Add(1)
	go b.drain(sub)

	return Token{topic: topic, id: sub.id}
}

// Unsubscribe removes a handler. Idempotent; deliveries already queued may
// still fire once before the worker observes the stop signal.
func (b *Bus) Unsubscribe(token Token) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[token.topic]
	for i, sub := range list {
		if sub.id == token.id {
			b.subs[token.topic] = append(list[:i], list[i+1:]...)
			close(sub.quit)
			return
		}
	}
}

// Publish enqueues the event for every current subscriber and returns.
// A full subscriber queue sheds its oldest event; the drop is counted and a
// health event is emitted (health-topic drops are counted only, to avoid
// recursion).
func (b *Bus) Publish(ev Event) {
	if ev.PublishedAt.IsZero() {
		ev.PublishedAt = time.Now().UTC()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]*subscriber, len(b.subs[ev.Topic]))
	copy(subs, b.subs[ev.Topic])
	b.mu.RUnlock()

	observability.BusPublished.WithLabelValues(string(ev.Topic)).Inc()

	for _, sub := range subs {
		b.offer(sub, ev)
	}
}

func (b *Bus) offer(sub *subscriber, ev Event) {
	for {
		select {
		case sub.queue <- ev:
			observability.BusQueueDepth.WithLabelValues(string(sub.topic), sub.name).Set(float64(len(sub.queue)))
			return
		default:
		}
		// Queue full: shed the oldest and retry.
		select {
		case <-sub.queue:
			dropped := atomic.AddUint64(&sub.dropped, 1)
			observability.BusDropped.WithLabelValues(string(sub.topic)).Inc()
			if sub.topic != TopicSystemHealth {
				b.Publish(Event{
					Topic:   TopicSystemHealth,
					UnitID:  ev.UnitID,
					Payload: HealthEvent{Subscriber: sub.name, Topic: sub.topic, Dropped: dropped},
				})
			}
		default:
		}
	}
}

func (b *Bus) drain(sub *subscriber) {
	defer b.wg.Done()
	for {
		select {
		case <-sub.quit:
			return
		case ev := <-sub.queue:
			sub.handler(ev)
		}
	}
}

// Close stops all subscriber workers. Publish becomes a no-op afterward.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, list := range b.subs {
		for _, sub := range list {
			close(sub.quit)
		}
	}
	b.subs = make(map[Topic][]*subscriber)
	b.mu.Unlock()

	b.wg.Wait()
	log.Printf("bus: closed")
}
