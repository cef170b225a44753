package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/classpulse/classpulse/internal/domain"
	"github.com/classpulse/classpulse/internal/fanout"
	"github.com/classpulse/classpulse/internal/questions"
	"github.com/classpulse/classpulse/internal/store"
)

func testDefaults() domain.SessionConfig {
	return domain.SessionConfig{
		BaseInterval:     time.Minute,
		MinInterval:      15 * time.Second,
		MinSpacing:       10 * time.Second,
		ShrinkFactor:     0.75,
		LowThreshold:     0.33,
		HighThreshold:    0.66,
		LowStreakTrigger: 2,
		TrendHysteresis:  0.05,
	}
}

type testEnv struct {
	orc  *Orchestrator
	repo *store.MemoryStore
	hub  *fanout.Hub
	qs   *questions.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo := store.NewMemory()
	hub := fanout.NewHub(64)
	qs := questions.NewService(repo, questions.TemplateGenerator{})
	orc := New(repo, hub, qs, nil, testDefaults())
	t.Cleanup(func() { orc.Shutdown(context.Background()) })
	return &testEnv{orc: orc, repo: repo, hub: hub, qs: qs}
}

func (e *testEnv) createStarted(t *testing.T) *domain.Session {
	t.Helper()
	ctx := context.Background()
	sess, err := e.orc.CreateSession(ctx, "instr-1", "", domain.SessionConfig{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := e.orc.Start(ctx, sess.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return sess
}

func sample(participantID string, attention float64) domain.EngagementSample {
	return domain.EngagementSample{
		ParticipantID: participantID,
		Timestamp:     time.Now(),
		Attention:     attention,
		LatencyMS:     -1,
		Active:        attention > 0.5,
	}
}

func TestOrchestrator_LifecycleEventsAndSequences(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	sess := env.createStarted(t)
	if err := env.orc.Pause(ctx, sess.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := env.orc.Resume(ctx, sess.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := env.orc.Stop(ctx, sess.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	events, err := env.repo.ListEvents(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	wantTypes := []domain.EventType{
		domain.EventSessionStarted,
		domain.EventSessionPaused,
		domain.EventSessionResumed,
		domain.EventSessionStopped,
	}
	if len(events) != len(wantTypes) {
		t.Fatalf("event count = %d, want %d", len(events), len(wantTypes))
	}
	for i, ev := range events {
		if ev.Type != wantTypes[i] {
			t.Errorf("event %d type = %s, want %s", i, ev.Type, wantTypes[i])
		}
		if ev.Sequence != uint64(i+1) {
			t.Errorf("event %d sequence = %d, want %d", i, ev.Sequence, i+1)
		}
	}
}

func TestOrchestrator_StoppedIsTerminal(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	sess := env.createStarted(t)
	if err := env.orc.Stop(ctx, sess.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	var invalid *domain.InvalidTransitionError
	ops := map[string]error{
		"start":  env.orc.Start(ctx, sess.ID),
		"pause":  env.orc.Pause(ctx, sess.ID),
		"resume": env.orc.Resume(ctx, sess.ID),
		"stop":   env.orc.Stop(ctx, sess.ID),
	}
	_, sampleErr := env.orc.RecordSample(ctx, sess.ID, sample("p1", 0.5))
	ops["record_sample"] = sampleErr
	ops["manual_override"] = env.orc.ManualOverride(ctx, sess.ID)

	for op, err := range ops {
		if !errors.As(err, &invalid) {
			t.Errorf("%s on stopped session: got %v, want InvalidTransitionError", op, err)
		}
	}
}

func TestOrchestrator_PauseRejectsSamples(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	sess := env.createStarted(t)
	if err := env.orc.Pause(ctx, sess.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	var invalid *domain.InvalidTransitionError
	if _, err := env.orc.RecordSample(ctx, sess.ID, sample("p1", 0.5)); !errors.As(err, &invalid) {
		t.Fatalf("sample on paused session: got %v, want InvalidTransitionError", err)
	}

	if err := env.orc.Resume(ctx, sess.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if _, err := env.orc.RecordSample(ctx, sess.ID, sample("p1", 0.5)); err != nil {
		t.Fatalf("sample after resume: %v", err)
	}
}

func TestOrchestrator_RecordSampleEmitsOrderedMetrics(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	sess := env.createStarted(t)
	sub, err := env.orc.Subscribe(sess.ID, fanout.RoleInstructor)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	first := <-sub.Events()
	if first.Type != domain.EventSnapshot {
		t.Fatalf("first event = %s, want snapshot", first.Type)
	}
	lastSeq := first.Sequence

	for i := 0; i < 10; i++ {
		if _, err := env.orc.RecordSample(ctx, sess.ID, sample("p1", 0.7)); err != nil {
			t.Fatalf("RecordSample %d: %v", i, err)
		}
	}

	for i := 0; i < 10; i++ {
		ev := <-sub.Events()
		if ev.Type != domain.EventMetricUpdated {
			t.Fatalf("event %d type = %s, want metric_updated", i, ev.Type)
		}
		if ev.Sequence != lastSeq+1 {
			t.Fatalf("sequence %d after %d: gap or reorder", ev.Sequence, lastSeq)
		}
		lastSeq = ev.Sequence
	}
}

func TestOrchestrator_MalformedSampleDiscarded(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	sess := env.createStarted(t)
	before, _ := env.repo.ListEvents(ctx, sess.ID)

	bad := domain.EngagementSample{Timestamp: time.Now()}
	var cerr *domain.ClassificationError
	if _, err := env.orc.RecordSample(ctx, sess.ID, bad); !errors.As(err, &cerr) {
		t.Fatalf("expected ClassificationError, got %v", err)
	}

	after, _ := env.repo.ListEvents(ctx, sess.ID)
	if len(after) != len(before) {
		t.Errorf("discarded sample still appended %d events", len(after)-len(before))
	}
}

func TestOrchestrator_ManualOverrideDeliversQuestion(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	sess := env.createStarted(t)
	if _, err := env.qs.GenerateForSession(ctx, sess.ID, []string{"slide text"}, 1); err != nil {
		t.Fatalf("GenerateForSession: %v", err)
	}

	if err := env.orc.ManualOverride(ctx, sess.ID); err != nil {
		t.Fatalf("ManualOverride: %v", err)
	}

	events, err := env.repo.ListEvents(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	last := events[len(events)-1]
	if last.Type != domain.EventQuestionDelivered {
		t.Fatalf("last event = %s, want question_delivered", last.Type)
	}
	if last.Delivery == nil || last.Delivery.Reason != domain.TriggerManualOverride {
		t.Fatalf("delivery payload = %+v", last.Delivery)
	}
	if last.Delivery.NextInterval != testDefaults().BaseInterval {
		t.Errorf("override next interval = %s, want base %s", last.Delivery.NextInterval, testDefaults().BaseInterval)
	}
	if last.Delivery.Sequence != last.Sequence {
		t.Errorf("delivery sequence %d != event sequence %d", last.Delivery.Sequence, last.Sequence)
	}
}

func TestOrchestrator_DeliveryStarvedDowngrades(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	sess := env.createStarted(t)
	// No questions generated: an override downgrades to a starved warning
	// instead of failing the loop.
	if err := env.orc.ManualOverride(ctx, sess.ID); err != nil {
		t.Fatalf("ManualOverride on empty pool: %v", err)
	}

	events, err := env.repo.ListEvents(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	last := events[len(events)-1]
	if last.Type != domain.EventDeliveryStarved {
		t.Fatalf("last event = %s, want delivery_starved", last.Type)
	}
	if last.Starved == nil || last.Starved.Reason != domain.TriggerManualOverride {
		t.Errorf("starved payload = %+v", last.Starved)
	}

	// The session is still alive.
	if _, err := env.orc.RecordSample(ctx, sess.ID, sample("p1", 0.5)); err != nil {
		t.Errorf("RecordSample after starved delivery: %v", err)
	}
}

func TestOrchestrator_EngagementDropTriggersDelivery(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	sess, err := env.orc.CreateSession(ctx, "instr-1", "", domain.SessionConfig{
		MinSpacing: time.Nanosecond, // effectively disable debounce for the test
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := env.orc.Start(ctx, sess.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := env.qs.GenerateForSession(ctx, sess.ID, []string{"a", "b", "c"}, 3); err != nil {
		t.Fatalf("GenerateForSession: %v", err)
	}

	// Establish a high baseline, then collapse it in two strictly
	// decreasing steps. Each collapse sample yields a falling trend and a
	// sub-threshold aggregate; strike K=2 fires the drop trigger.
	for i, attention := range []float64{1.0, 0.2, 0.0} {
		if _, err := env.orc.RecordSample(ctx, sess.ID, sample("p1", attention)); err != nil {
			t.Fatalf("sample %d: %v", i, err)
		}
	}

	events, err := env.repo.ListEvents(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	var drops int
	for _, ev := range events {
		if ev.Type == domain.EventQuestionDelivered && ev.Delivery.Reason == domain.TriggerEngagementDrop {
			drops++
		}
	}
	if drops != 1 {
		t.Errorf("engagement drop deliveries = %d, want 1", drops)
	}
}

func TestOrchestrator_StopClosesSubscribers(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	sess := env.createStarted(t)
	sub, err := env.orc.Subscribe(sess.ID, fanout.RoleStudent)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := env.orc.Stop(ctx, sess.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	var sawStopped bool
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				if !sawStopped {
					t.Fatal("channel closed before the terminal stopped event")
				}
				return
			}
			if ev.Type == domain.EventSessionStopped {
				sawStopped = true
			}
		case <-deadline:
			t.Fatal("subscriber channel never closed after stop")
		}
	}
}

func TestOrchestrator_RemoveParticipant(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	sess := env.createStarted(t)
	if _, err := env.orc.RecordSample(ctx, sess.ID, sample("p1", 1.0)); err != nil {
		t.Fatalf("RecordSample p1: %v", err)
	}
	if _, err := env.orc.RecordSample(ctx, sess.ID, sample("p2", 0.0)); err != nil {
		t.Fatalf("RecordSample p2: %v", err)
	}

	if err := env.orc.RemoveParticipant(ctx, sess.ID, "p2"); err != nil {
		t.Fatalf("RemoveParticipant: %v", err)
	}

	metric, counts, err := env.orc.EngagementStats(sess.ID)
	if err != nil {
		t.Fatalf("EngagementStats: %v", err)
	}
	if metric.Participants != 1 {
		t.Errorf("participants = %d, want 1", metric.Participants)
	}
	if counts[domain.EngagementLow] != 0 {
		t.Errorf("removed participant still counted: %v", counts)
	}

	ids, err := env.orc.Participants(sess.ID)
	if err != nil {
		t.Fatalf("Participants: %v", err)
	}
	if len(ids) != 1 || ids[0] != "p1" {
		t.Errorf("participant ids = %v, want [p1]", ids)
	}
}

func TestOrchestrator_SessionsAreIndependent(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	a := env.createStarted(t)
	b := env.createStarted(t)

	if err := env.orc.Stop(ctx, a.ID); err != nil {
		t.Fatalf("Stop a: %v", err)
	}
	// Session b is untouched by a's terminal state.
	if _, err := env.orc.RecordSample(ctx, b.ID, sample("p1", 0.5)); err != nil {
		t.Errorf("RecordSample on independent session: %v", err)
	}
}

func TestOrchestrator_SessionNotFound(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	if err := env.orc.Start(context.Background(), "missing"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

// faultStore wraps the in-memory repository with a switchable append
// failure, simulating a store outage in the middle of a lifecycle change.
type faultStore struct {
	*store.MemoryStore
	mu   sync.Mutex
	fail bool
}

func (f *faultStore) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *faultStore) AppendEvent(ctx context.Context, ev *domain.Event) error {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return errors.New("disk I/O error")
	}
	return f.MemoryStore.AppendEvent(ctx, ev)
}

func newFaultEnv(t *testing.T) (*Orchestrator, *faultStore) {
	t.Helper()
	repo := &faultStore{MemoryStore: store.NewMemory()}
	hub := fanout.NewHub(64)
	qs := questions.NewService(repo, questions.TemplateGenerator{})
	orc := New(repo, hub, qs, nil, testDefaults())
	t.Cleanup(func() { orc.Shutdown(context.Background()) })
	return orc, repo
}

// A lifecycle change whose event cannot be appended must leave no trace:
// the session keeps its previous state and the same operation succeeds once
// the store recovers, with the lifecycle event first in the log.
func TestOrchestrator_StartRollsBackWhenAppendFails(t *testing.T) {
	t.Parallel()
	orc, repo := newFaultEnv(t)
	ctx := context.Background()

	sess, err := orc.CreateSession(ctx, "instr-1", "", domain.SessionConfig{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	repo.setFail(true)
	if err := orc.Start(ctx, sess.ID); err == nil {
		t.Fatal("Start succeeded while the event log was failing")
	}
	snap, _, err := orc.Snapshot(sess.ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.State != domain.SessionCreated {
		t.Fatalf("state after failed start = %s, want %s", snap.State, domain.SessionCreated)
	}
	if events, _ := repo.ListEvents(ctx, sess.ID); len(events) != 0 {
		t.Fatalf("failed start left %d events in the log", len(events))
	}

	repo.setFail(false)
	if err := orc.Start(ctx, sess.ID); err != nil {
		t.Fatalf("retried Start: %v", err)
	}
	events, err := repo.ListEvents(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 1 || events[0].Type != domain.EventSessionStarted || events[0].Sequence != 1 {
		t.Fatalf("log after retried start = %+v, want single session_started at sequence 1", events)
	}
}

// A stop that cannot record its terminal event must not tear the session
// down: subscribers stay connected, the session stays active and a retried
// stop emits session_stopped before the channels close.
func TestOrchestrator_StopFailureKeepsSessionStoppable(t *testing.T) {
	t.Parallel()
	orc, repo := newFaultEnv(t)
	ctx := context.Background()

	sess, err := orc.CreateSession(ctx, "instr-1", "", domain.SessionConfig{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := orc.Start(ctx, sess.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sub, err := orc.Subscribe(sess.ID, fanout.RoleInstructor)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if first := <-sub.Events(); first.Type != domain.EventSnapshot {
		t.Fatalf("first event = %s, want snapshot", first.Type)
	}

	repo.setFail(true)
	if err := orc.Stop(ctx, sess.ID); err == nil {
		t.Fatal("Stop succeeded while the event log was failing")
	}
	snap, _, err := orc.Snapshot(sess.ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.State != domain.SessionActive {
		t.Fatalf("state after failed stop = %s, want %s", snap.State, domain.SessionActive)
	}
	if !snap.StoppedAt.IsZero() {
		t.Errorf("failed stop stamped StoppedAt = %v", snap.StoppedAt)
	}

	// The subscriber channel is still live: a sample flows through it.
	repo.setFail(false)
	if _, err := orc.RecordSample(ctx, sess.ID, sample("p1", 0.8)); err != nil {
		t.Fatalf("RecordSample after failed stop: %v", err)
	}
	if ev := <-sub.Events(); ev.Type != domain.EventMetricUpdated {
		t.Fatalf("event after failed stop = %s, want metric_updated", ev.Type)
	}

	if err := orc.Stop(ctx, sess.ID); err != nil {
		t.Fatalf("retried Stop: %v", err)
	}
	var sawStopped bool
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				if !sawStopped {
					t.Fatal("channel closed before the terminal stopped event")
				}
				return
			}
			if ev.Type == domain.EventSessionStopped {
				sawStopped = true
			}
		case <-deadline:
			t.Fatal("subscriber channel never closed after stop")
		}
	}
}
