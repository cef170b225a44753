// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/classpulse/classpulse/internal/domain"
)

// Repository defines the interface for persisting sessions, questions,
// responses and the per-session event log. The core depends only on these
// operations succeeding or failing, never on store internals.
type Repository interface {
	// SaveSession creates or updates a session record.
	SaveSession(ctx context.Context, sess *domain.Session) error

	// GetSession retrieves a session by ID. Returns nil, nil when absent.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// ListSessions returns all sessions in creation order.
	ListSessions(ctx context.Context) ([]*domain.Session, error)

	// SaveQuestion persists a generated question.
	SaveQuestion(ctx context.Context, q *domain.Question) error

	// GetQuestion retrieves a question by ID. Returns nil, nil when absent.
	GetQuestion(ctx context.Context, questionID string) (*domain.Question, error)

	// MarkQuestionDelivered stamps a question's delivery time.
	MarkQuestionDelivered(ctx context.Context, questionID string, deliveredAt int64) error

	// SaveResponse persists a participant response.
	SaveResponse(ctx context.Context, r *domain.Response) error

	// ListResponses returns all responses for a session in submission order.
	ListResponses(ctx context.Context, sessionID string) ([]*domain.Response, error)

	// AppendEvent appends one entry to a session's event log. Sequence
	// numbers are unique per session; a duplicate append fails.
	AppendEvent(ctx context.Context, ev *domain.Event) error

	// ListEvents returns a session's event log in sequence order.
	ListEvents(ctx context.Context, sessionID string) ([]*domain.Event, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
