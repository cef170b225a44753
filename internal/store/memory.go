package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/classpulse/classpulse/internal/domain"
)

// MemoryStore is an in-memory Repository used in tests and ephemeral dev
// runs (DB_PATH=:memory:). It honors the same contracts as the SQLite
// implementation, including duplicate-sequence rejection.
type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]domain.Session
	questions map[string]domain.Question
	responses map[string][]domain.Response
	events    map[string][]domain.Event
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[string]domain.Session),
		questions: make(map[string]domain.Question),
		responses: make(map[string][]domain.Response),
		events:    make(map[string][]domain.Event),
	}
}

func (m *MemoryStore) SaveSession(_ context.Context, sess *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.ID] = *sess
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, sessionID string) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return &sess, nil
}

func (m *MemoryStore) ListSessions(_ context.Context) ([]*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		s := sess
		out = append(out, &s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) SaveQuestion(_ context.Context, q *domain.Question) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.questions[q.ID] = *q
	return nil
}

func (m *MemoryStore) GetQuestion(_ context.Context, questionID string) (*domain.Question, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.questions[questionID]
	if !ok {
		return nil, nil
	}
	return &q, nil
}

func (m *MemoryStore) MarkQuestionDelivered(_ context.Context, questionID string, deliveredAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.questions[questionID]
	if !ok {
		return fmt.Errorf("question %s not found", questionID)
	}
	q.DeliveredAt = time.Unix(deliveredAt, 0)
	m.questions[questionID] = q
	return nil
}

func (m *MemoryStore) SaveResponse(_ context.Context, r *domain.Response) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[r.SessionID] = append(m.responses[r.SessionID], *r)
	return nil
}

func (m *MemoryStore) ListResponses(_ context.Context, sessionID string) ([]*domain.Response, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.responses[sessionID]
	out := make([]*domain.Response, len(list))
	for i := range list {
		r := list[i]
		out[i] = &r
	}
	return out, nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, ev *domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := m.events[ev.SessionID]
	for _, existing := range log {
		if existing.Sequence == ev.Sequence {
			return fmt.Errorf("duplicate sequence %d for session %s", ev.Sequence, ev.SessionID)
		}
	}
	m.events[ev.SessionID] = append(log, *ev)
	return nil
}

func (m *MemoryStore) ListEvents(_ context.Context, sessionID string) ([]*domain.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	log := m.events[sessionID]
	out := make([]*domain.Event, len(log))
	for i := range log {
		ev := log[i]
		out[i] = &ev
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
