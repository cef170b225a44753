package questions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/classpulse/classpulse/internal/domain"
	"github.com/classpulse/classpulse/internal/store"
	"github.com/google/uuid"
)

// ErrUnknownQuestion is returned when a response references a question the
// store does not know.
var ErrUnknownQuestion = errors.New("unknown question")

// Service owns the per-session question pools and handles participant
// responses. Pools hold undelivered questions in FIFO order; when a pool
// runs dry the service calls the generator once over the session's retained
// slide text before reporting starvation.
type Service struct {
	repo store.Repository
	gen  Generator

	mu     sync.Mutex
	pools  map[string][]domain.Question
	slides map[string][]string
}

// NewService creates a question service.
func NewService(repo store.Repository, gen Generator) *Service {
	return &Service{
		repo:   repo,
		gen:    gen,
		pools:  make(map[string][]domain.Question),
		slides: make(map[string][]string),
	}
}

// GenerateForSession generates questions from slide text, persists them and
// adds them to the session's pool. The text is retained so the pool can be
// refilled on starvation.
func (s *Service) GenerateForSession(ctx context.Context, sessionID string, textChunks []string, n int) ([]domain.Question, error) {
	generated, err := s.gen.Generate(ctx, sessionID, textChunks, n)
	if err != nil {
		return nil, &domain.CollaboratorError{Collaborator: "question generator", Err: err}
	}

	for i := range generated {
		if err := s.repo.SaveQuestion(ctx, &generated[i]); err != nil {
			return nil, &domain.CollaboratorError{Collaborator: "store", Err: err}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(textChunks) > 0 {
		s.slides[sessionID] = textChunks
	}
	s.pools[sessionID] = append(s.pools[sessionID], generated...)

	slog.Info("Questions generated", "session_id", sessionID, "count", len(generated), "pool_size", len(s.pools[sessionID]))
	return generated, nil
}

// Next pops the next undelivered question for a session. An empty pool is
// refilled from retained slide text once; if nothing is available the call
// fails with ErrDeliveryStarved.
func (s *Service) Next(ctx context.Context, sessionID string) (*domain.Question, error) {
	s.mu.Lock()
	pool := s.pools[sessionID]
	s.mu.Unlock()

	if len(pool) == 0 {
		s.mu.Lock()
		chunks := s.slides[sessionID]
		s.mu.Unlock()
		if len(chunks) > 0 {
			if _, err := s.GenerateForSession(ctx, sessionID, chunks, len(chunks)); err != nil {
				return nil, err
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	pool = s.pools[sessionID]
	if len(pool) == 0 {
		return nil, domain.ErrDeliveryStarved
	}
	q := pool[0]
	s.pools[sessionID] = pool[1:]
	return &q, nil
}

// Requeue puts a question back at the front of its session's pool. Used when
// a delivery fails after the question was already taken.
func (s *Service) Requeue(q *domain.Question) {
	if q == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pools[q.SessionID] = append([]domain.Question{*q}, s.pools[q.SessionID]...)
}

// PoolSize returns the number of undelivered questions for a session.
func (s *Service) PoolSize(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pools[sessionID])
}

// DropSession releases pool state for a stopped session.
func (s *Service) DropSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pools, sessionID)
	delete(s.slides, sessionID)
}

// MarkDelivered stamps the question's delivery time in the store.
func (s *Service) MarkDelivered(ctx context.Context, questionID string, at time.Time) error {
	if err := s.repo.MarkQuestionDelivered(ctx, questionID, at.Unix()); err != nil {
		return &domain.CollaboratorError{Collaborator: "store", Err: err}
	}
	return nil
}

// SubmitResponse grades and persists a participant's answer and returns the
// stored response together with the engagement sample it implies.
func (s *Service) SubmitResponse(ctx context.Context, sessionID, participantID, questionID, text string, responseTimeMS int) (*domain.Response, domain.EngagementSample, error) {
	q, err := s.repo.GetQuestion(ctx, questionID)
	if err != nil {
		return nil, domain.EngagementSample{}, &domain.CollaboratorError{Collaborator: "store", Err: err}
	}
	if q == nil || q.SessionID != sessionID {
		return nil, domain.EngagementSample{}, fmt.Errorf("%w: %s", ErrUnknownQuestion, questionID)
	}

	now := time.Now()
	resp := &domain.Response{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		ParticipantID:  participantID,
		QuestionID:     questionID,
		Text:           text,
		ResponseTimeMS: responseTimeMS,
		Correct:        gradeAnswer(q.CorrectAnswer, text),
		SubmittedAt:    now,
	}
	if err := s.repo.SaveResponse(ctx, resp); err != nil {
		return nil, domain.EngagementSample{}, &domain.CollaboratorError{Collaborator: "store", Err: err}
	}

	// Answering is itself an engagement signal: the response latency and the
	// act of answering feed back into the classifier.
	attention := 0.5
	if resp.Correct {
		attention = 1.0
	}
	sample := domain.EngagementSample{
		ParticipantID: participantID,
		Timestamp:     now,
		Attention:     attention,
		LatencyMS:     float64(responseTimeMS),
		Active:        true,
	}
	return resp, sample, nil
}

func gradeAnswer(correct, given string) bool {
	return strings.EqualFold(strings.TrimSpace(correct), strings.TrimSpace(given))
}
