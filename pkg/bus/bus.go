package bus

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/sipeed/wabridge/pkg/logger"
)

const defaultBuffer = 64

// Subscriber is one connected observer. Events are delivered on a buffered
// channel; a full buffer means the subscriber is not ready and the event is
// skipped for it.
type Subscriber struct {
	ID      string
	ch      chan Event
	hub     *Hub
	closed  bool // guarded by hub.mu
	dropped atomic.Int64
}

// Events returns the receive side of the subscriber's stream. It is closed
// on Unsubscribe.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// Send delivers ev to this subscriber only (replies such as pong). It
// reports whether the event was queued.
func (s *Subscriber) Send(ev Event) bool {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if s.closed {
		return false
	}
	return s.offer(ev)
}

// Dropped counts events skipped because the subscriber was not ready.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

func (s *Subscriber) offer(ev Event) bool {
	select {
	case s.ch <- ev:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Hub fans session events out to every subscriber and keeps the last known
// snapshot so late joiners can be brought up to date on connect.
type Hub struct {
	mu       sync.Mutex
	subs     map[string]*Subscriber
	snapshot Snapshot
	qr       *Event
	buffer   int
}

func NewHub(buffer int) *Hub {
	if buffer < 8 {
		buffer = defaultBuffer
	}
	return &Hub{
		subs:     make(map[string]*Subscriber),
		snapshot: Snapshot{State: "uninitialized"},
		buffer:   buffer,
	}
}

// Subscribe registers a new observer and queues the replay (status, then
// authenticated or the cached QR image) before any later event can reach it.
func (h *Hub) Subscribe() *Subscriber {
	s := &Subscriber{
		ID:  uuid.NewString(),
		ch:  make(chan Event, h.buffer),
		hub: h,
	}

	h.mu.Lock()
	for _, ev := range h.replayLocked() {
		s.offer(ev)
	}
	h.subs[s.ID] = s
	total := len(h.subs)
	h.mu.Unlock()

	logger.DebugCF("bus", "Subscriber connected", map[string]interface{}{
		"subscriber": s.ID,
		"total":      total,
	})
	return s
}

func (h *Hub) replayLocked() []Event {
	events := []Event{StatusEvent(h.snapshot)}
	if h.snapshot.Authenticated {
		events = append(events, AuthenticatedEvent("already_connected", ""))
	} else if h.qr != nil {
		cached := *h.qr
		cached.Source = "cached"
		events = append(events, cached)
	}
	return events
}

// Unsubscribe removes s and closes its channel. Safe to call twice.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(h.subs, s.ID)
	close(s.ch)
}

// Publish fans ev out without touching the cached snapshot.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fanoutLocked(ev)
}

// Transition records the new snapshot and publishes events in order under
// the same lock, so a concurrent Subscribe sees either the old snapshot
// followed by these events or the new snapshot alone.
func (h *Hub) Transition(snap Snapshot, events ...Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.snapshot = snap
	for _, ev := range events {
		if ev.Type == TypeQR {
			cp := ev
			h.qr = &cp
		}
	}
	if !snap.HasQR || snap.Authenticated {
		h.qr = nil
	}
	for _, ev := range events {
		h.fanoutLocked(ev)
	}
}

func (h *Hub) fanoutLocked(ev Event) {
	if len(h.subs) == 0 {
		logger.DebugCF("bus", "Broadcasting but no subscribers connected", map[string]interface{}{
			"type": ev.Type,
		})
		return
	}
	delivered := 0
	for _, s := range h.subs {
		if s.offer(ev) {
			delivered++
		}
	}
	if delivered < len(h.subs) {
		logger.DebugCF("bus", "Skipped subscribers that were not ready", map[string]interface{}{
			"type":    ev.Type,
			"skipped": len(h.subs) - delivered,
		})
	}
}

// Count returns the number of live subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Snapshot returns the last published snapshot.
func (h *Hub) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshot
}

// Close unsubscribes everyone.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.subs {
		s.closed = true
		close(s.ch)
		delete(h.subs, id)
	}
}
