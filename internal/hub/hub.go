// Package hub implements the process-wide realtime event pub/sub
// described in spec.md §4.8, keyed by service with bounded per
// subscription queues. Grounded on the single-goroutine-owns-the-map
// concurrency pattern of internal/dashboard/websocket.go in the teacher
// repo, but replacing its drop-the-whole-connection-when-full policy
// with drop-oldest-event semantics per subscription, and keying
// subscriptions by service instead of broadcasting globally.
package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const queueCapacity = 256

// Event is a JSON-serializable lifecycle event. Its "type" field is one
// of started, progress, completed, lb_switch, lb_reset, lb_exhausted
// (from the engine) or config_changed (from internal/notify).
type Event map[string]any

// Subscription is a single-producer (hub), single-consumer (caller)
// bounded queue for one service's events.
type Subscription struct {
	id      string
	service string
	ch      chan Event

	mu     sync.Mutex
	closed bool
}

func (s *Subscription) ID() string { return s.id }

// Events returns the channel to range over. It is closed when the
// subscription is closed.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Hub is the process-wide pub/sub. All exported methods are safe for
// concurrent use.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[string]*Subscription // service -> id -> subscription
}

func New() *Hub {
	return &Hub{subs: map[string]map[string]*Subscription{}}
}

// Subscribe registers a new subscription for service and returns a
// handle carrying a bounded event queue.
func (h *Hub) Subscribe(service string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &Subscription{
		id:      uuid.NewString(),
		service: service,
		ch:      make(chan Event, queueCapacity),
	}
	if h.subs[service] == nil {
		h.subs[service] = map[string]*Subscription{}
	}
	h.subs[service][sub.id] = sub
	return sub
}

// Unsubscribe closes and removes sub. Idempotent.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	if m, ok := h.subs[sub.service]; ok {
		delete(m, sub.id)
	}
	h.mu.Unlock()

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// Publish enqueues event to every subscription for service. If a
// subscription's queue is full, the oldest queued event is dropped to
// make room — this never blocks the request's hot path (spec.md §4.8,
// §9: "lossy by design").
func (h *Hub) Publish(service string, event Event) {
	if _, ok := event["timestamp"]; !ok {
		event["timestamp"] = time.Now().UTC()
	}
	if _, ok := event["service"]; !ok {
		event["service"] = service
	}

	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs[service]))
	for _, s := range h.subs[service] {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.enqueue(event)
	}
}

func (s *Subscription) enqueue(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- event:
			return
		default:
			select {
			case <-s.ch:
				// dropped oldest, retry enqueue
			default:
				return
			}
		}
	}
}
