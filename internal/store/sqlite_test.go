package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/classpulse/classpulse/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return repo
}

func testSession(id string) *domain.Session {
	return &domain.Session{
		ID:           id,
		InstructorID: "instr-1",
		MeetingID:    "meeting-9",
		State:        domain.SessionCreated,
		Config: domain.SessionConfig{
			BaseInterval:     60 * time.Second,
			MinInterval:      15 * time.Second,
			MinSpacing:       10 * time.Second,
			ShrinkFactor:     0.75,
			LowThreshold:     0.33,
			HighThreshold:    0.66,
			LowStreakTrigger: 2,
		},
		CreatedAt: time.Now().Truncate(time.Second),
	}
}

func TestSQLiteStore_SessionRoundTrip(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	sess := testSession("s1")
	if err := repo.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	got, err := repo.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got == nil {
		t.Fatal("GetSession returned nil for existing session")
	}
	if got.State != domain.SessionCreated || got.InstructorID != "instr-1" || got.MeetingID != "meeting-9" {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.Config.BaseInterval != 60*time.Second || got.Config.LowStreakTrigger != 2 {
		t.Errorf("config round trip mismatch: %+v", got.Config)
	}

	// Update state and sequence.
	sess.State = domain.SessionActive
	sess.LastSequence = 5
	sess.StartedAt = time.Now().Truncate(time.Second)
	if err := repo.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession update: %v", err)
	}
	got, err = repo.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession after update: %v", err)
	}
	if got.State != domain.SessionActive || got.LastSequence != 5 || got.StartedAt.IsZero() {
		t.Errorf("update not persisted: %+v", got)
	}
}

func TestSQLiteStore_GetSessionMissing(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)

	got, err := repo.GetSession(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing session, got %+v", got)
	}
}

func TestSQLiteStore_QuestionLifecycle(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	q := &domain.Question{
		ID:            "q1",
		SessionID:     "s1",
		Text:          "What is the main topic discussed in this lecture?",
		CorrectAnswer: "The main topic is covered in the lecture material.",
		SourceSlide:   2,
		CreatedAt:     time.Now().Truncate(time.Second),
	}
	if err := repo.SaveQuestion(ctx, q); err != nil {
		t.Fatalf("SaveQuestion: %v", err)
	}

	got, err := repo.GetQuestion(ctx, "q1")
	if err != nil {
		t.Fatalf("GetQuestion: %v", err)
	}
	if got == nil || got.Text != q.Text || !got.DeliveredAt.IsZero() {
		t.Fatalf("question round trip mismatch: %+v", got)
	}

	now := time.Now().Unix()
	if err := repo.MarkQuestionDelivered(ctx, "q1", now); err != nil {
		t.Fatalf("MarkQuestionDelivered: %v", err)
	}
	got, err = repo.GetQuestion(ctx, "q1")
	if err != nil {
		t.Fatalf("GetQuestion after delivery: %v", err)
	}
	if got.DeliveredAt.IsZero() {
		t.Error("delivered_at not persisted")
	}

	if err := repo.MarkQuestionDelivered(ctx, "missing", now); err == nil {
		t.Error("expected error marking a missing question delivered")
	}
}

func TestSQLiteStore_EventLogOrdering(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	for seq := uint64(1); seq <= 5; seq++ {
		ev := &domain.Event{
			Type:      domain.EventMetricUpdated,
			SessionID: "s1",
			Sequence:  seq,
			Timestamp: time.Now(),
			Metric:    &domain.SessionEngagementMetric{SessionID: "s1", Value: float64(seq) / 10},
		}
		if err := repo.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("AppendEvent seq %d: %v", seq, err)
		}
	}

	// Duplicate sequence must be rejected.
	dup := &domain.Event{Type: domain.EventMetricUpdated, SessionID: "s1", Sequence: 3, Timestamp: time.Now()}
	if err := repo.AppendEvent(ctx, dup); err == nil {
		t.Error("expected duplicate sequence append to fail")
	}

	events, err := repo.ListEvents(ctx, "s1")
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("event count = %d, want 5", len(events))
	}
	for i, ev := range events {
		if ev.Sequence != uint64(i+1) {
			t.Errorf("event %d has sequence %d", i, ev.Sequence)
		}
		if ev.Metric == nil {
			t.Errorf("event %d lost its payload", i)
		}
	}
}

func TestSQLiteStore_ResponseRoundTrip(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	r := &domain.Response{
		ID:             "r1",
		SessionID:      "s1",
		ParticipantID:  "p1",
		QuestionID:     "q1",
		Text:           "an answer",
		ResponseTimeMS: 3200,
		Correct:        true,
		SubmittedAt:    time.Now().Truncate(time.Second),
	}
	if err := repo.SaveResponse(ctx, r); err != nil {
		t.Fatalf("SaveResponse: %v", err)
	}

	responses, err := repo.ListResponses(ctx, "s1")
	if err != nil {
		t.Fatalf("ListResponses: %v", err)
	}
	if len(responses) != 1 {
		t.Fatalf("response count = %d, want 1", len(responses))
	}
	if responses[0].ResponseTimeMS != 3200 || !responses[0].Correct {
		t.Errorf("response round trip mismatch: %+v", responses[0])
	}
}
