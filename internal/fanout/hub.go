// Package fanout delivers session events to subscribed realtime clients.
package fanout

import (
	"log/slog"
	"sync"

	"github.com/classpulse/classpulse/internal/domain"
	"github.com/google/uuid"
)

// Role identifies the kind of client behind a subscription.
type Role string

const (
	RoleInstructor Role = "instructor"
	RoleStudent    Role = "student"
)

// Subscriber is one bounded event feed. Events arrive in session log order;
// if the buffer overflows the subscriber is dropped and must resubscribe to
// get a fresh snapshot rather than stale data.
type Subscriber struct {
	ID        string
	SessionID string
	Role      Role

	ch  chan domain.Event
	hub *Hub

	closeOnce sync.Once
}

// Events returns the subscriber's event channel. It is closed when the
// subscriber is dropped or the session stops.
func (s *Subscriber) Events() <-chan domain.Event {
	return s.ch
}

// Close detaches the subscriber from the hub.
func (s *Subscriber) Close() {
	s.hub.unsubscribe(s)
}

// Hub is the per-session registry of bounded output channels. Publish is
// called only from a session's serialized loop, so per-session event order is
// exactly the log order; the hub never reorders.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*Subscriber
	buffer   int
}

// NewHub creates a hub with the given per-subscriber buffer size.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 32
	}
	return &Hub{
		sessions: make(map[string]map[string]*Subscriber),
		buffer:   buffer,
	}
}

// Subscribe registers a new subscriber and queues the snapshot event before
// registration completes, so the subscriber sees snapshot first and then
// every subsequent live event with no gap.
func (h *Hub) Subscribe(sessionID string, role Role, snapshot domain.Event) *Subscriber {
	sub := &Subscriber{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		ch:        make(chan domain.Event, h.buffer),
		hub:       h,
	}
	sub.ch <- snapshot

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[sessionID]; !ok {
		h.sessions[sessionID] = make(map[string]*Subscriber)
	}
	h.sessions[sessionID][sub.ID] = sub

	slog.Info("Subscriber registered", "session_id", sessionID, "subscriber_id", sub.ID, "role", role)
	return sub
}

// Publish delivers an event to every subscriber of the session. A slow
// subscriber never blocks publication: its channel is closed and it is
// removed from the registry instead.
func (h *Hub) Publish(sessionID string, ev domain.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.sessions[sessionID]
	if !ok {
		return
	}

	for id, sub := range subs {
		select {
		case sub.ch <- ev:
		default:
			delete(subs, id)
			sub.closeOnce.Do(func() { close(sub.ch) })
			slog.Warn("Subscriber dropped on overflow",
				"session_id", sessionID,
				"subscriber_id", id,
				"role", sub.Role,
				"error", domain.ErrSubscriberOverflow)
		}
	}
}

// CloseSession closes every subscriber channel for the session and removes
// the session from the registry. Called after the terminal stopped event has
// been published.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.sessions[sessionID]
	if !ok {
		return
	}
	for _, sub := range subs {
		sub.closeOnce.Do(func() { close(sub.ch) })
	}
	delete(h.sessions, sessionID)
	slog.Info("Fanout session closed", "session_id", sessionID, "subscribers", len(subs))
}

// SubscriberCount returns the number of live subscribers for a session.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

func (h *Hub) unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.sessions[sub.SessionID]
	if !ok {
		return
	}
	if current, exists := subs[sub.ID]; exists && current == sub {
		delete(subs, sub.ID)
		if len(subs) == 0 {
			delete(h.sessions, sub.SessionID)
		}
		sub.closeOnce.Do(func() { close(sub.ch) })
		slog.Info("Subscriber unregistered", "session_id", sub.SessionID, "subscriber_id", sub.ID)
	}
}
