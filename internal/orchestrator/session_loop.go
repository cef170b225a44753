package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/classpulse/classpulse/internal/aggregator"
	"github.com/classpulse/classpulse/internal/classifier"
	"github.com/classpulse/classpulse/internal/controller"
	"github.com/classpulse/classpulse/internal/domain"
	"github.com/classpulse/classpulse/internal/fanout"
	"github.com/classpulse/classpulse/internal/shared"
)

// minTimerRearm bounds how tightly the scheduled-interval timer can respin,
// so a starved session retries at a sane pace instead of busy-looping.
const minTimerRearm = time.Second

// Store writes retry on SQLite concurrency conflicts before surfacing a
// collaborator error.
const (
	storeRetries    = 3
	storeRetryDelay = 50 * time.Millisecond
)

// sessionLoop is the serialized execution context for one session. All
// mutable per-session state (aggregator, controller, event log tail) is
// owned by the loop goroutine; the command channel is the only way in.
type sessionLoop struct {
	orc  *Orchestrator
	sess *domain.Session

	agg    *aggregator.Aggregator
	ctrl   *controller.Controller
	scorer classifier.Scorer
	priors map[string]domain.EngagementScore

	cmds  chan func()
	timer *time.Timer

	closeOnce sync.Once
	closed    chan struct{}
}

func newSessionLoop(o *Orchestrator, sess *domain.Session) *sessionLoop {
	return &sessionLoop{
		orc:    o,
		sess:   sess,
		agg:    aggregator.New(sess.ID, sess.Config.TrendHysteresis),
		ctrl:   controller.New(sess.Config),
		scorer: o.newScorer(sess.Config),
		priors: make(map[string]domain.EngagementScore),
		cmds:   make(chan func(), 64),
		closed: make(chan struct{}),
	}
}

// run consumes commands and timer firings until the session stops. It is the
// single writer for all session state.
func (l *sessionLoop) run() {
	l.timer = time.NewTimer(time.Hour)
	if !l.timer.Stop() {
		<-l.timer.C
	}
	defer l.timer.Stop()

	for {
		select {
		case fn := <-l.cmds:
			fn()
		case <-l.timer.C:
			l.onTimer()
		case <-l.closed:
			return
		}
	}
}

// do submits an operation to the loop and waits for its result. Submission
// order is execution order.
func (l *sessionLoop) do(op func(*sessionLoop) error) error {
	errc := make(chan error, 1)
	select {
	case l.cmds <- func() { errc <- op(l) }:
	case <-l.closed:
		return domain.ErrSessionClosed
	}
	select {
	case err := <-errc:
		return err
	case <-l.closed:
		// The loop may have executed the operation and shut down in the
		// same instant; prefer the real result if it is already there.
		select {
		case err := <-errc:
			return err
		default:
			return domain.ErrSessionClosed
		}
	}
}

// terminate ends the loop goroutine. Called on process shutdown; stopped
// sessions otherwise stay resolvable so late operations are rejected with
// InvalidTransition rather than not-found.
func (l *sessionLoop) terminate() {
	l.closeOnce.Do(func() { close(l.closed) })
}

func (l *sessionLoop) snapshotSession() (domain.Session, error) {
	var sess domain.Session
	err := l.do(func(l *sessionLoop) error {
		sess = *l.sess
		return nil
	})
	return sess, err
}

func (l *sessionLoop) start(ctx context.Context) error {
	if l.sess.State != domain.SessionCreated {
		return &domain.InvalidTransitionError{SessionID: l.sess.ID, From: l.sess.State, Op: "start"}
	}
	now := time.Now()
	l.sess.StartedAt = now
	if err := l.changeState(ctx, domain.SessionActive, "start", domain.EventSessionStarted); err != nil {
		l.sess.StartedAt = time.Time{}
		return err
	}
	l.ctrl.Activate(now)
	l.rearmTimer(now)
	return nil
}

func (l *sessionLoop) pause(ctx context.Context) error {
	if l.sess.State != domain.SessionActive {
		return &domain.InvalidTransitionError{SessionID: l.sess.ID, From: l.sess.State, Op: "pause"}
	}
	if err := l.changeState(ctx, domain.SessionPaused, "pause", domain.EventSessionPaused); err != nil {
		return err
	}
	l.stopTimer()
	return nil
}

func (l *sessionLoop) resume(ctx context.Context) error {
	if l.sess.State != domain.SessionPaused {
		return &domain.InvalidTransitionError{SessionID: l.sess.ID, From: l.sess.State, Op: "resume"}
	}
	if err := l.changeState(ctx, domain.SessionActive, "resume", domain.EventSessionResumed); err != nil {
		return err
	}
	l.rearmTimer(time.Now())
	return nil
}

func (l *sessionLoop) stop(ctx context.Context) error {
	prevStopped := l.sess.StoppedAt
	l.sess.StoppedAt = time.Now()
	if err := l.changeState(ctx, domain.SessionStopped, "stop", domain.EventSessionStopped); err != nil {
		l.sess.StoppedAt = prevStopped
		return err
	}
	l.stopTimer()

	// Terminal event is out; release fanout and question-pool resources.
	// The loop itself stays registered so later operations are rejected
	// with InvalidTransition.
	l.orc.hub.CloseSession(l.sess.ID)
	l.orc.source.DropSession(l.sess.ID)
	l.priors = make(map[string]domain.EngagementScore)

	slog.Info("Session stopped", "session_id", l.sess.ID, "last_sequence", l.sess.LastSequence)
	return nil
}

func (l *sessionLoop) recordSample(ctx context.Context, sample domain.EngagementSample) (domain.SessionEngagementMetric, error) {
	if l.sess.State != domain.SessionActive {
		return domain.SessionEngagementMetric{}, &domain.InvalidTransitionError{
			SessionID: l.sess.ID,
			From:      l.sess.State,
			Op:        "record_sample",
		}
	}

	var prior *domain.EngagementScore
	if p, ok := l.priors[sample.ParticipantID]; ok {
		prior = &p
	}
	score, err := l.scorer.Score(sample, prior)
	if err != nil {
		// Malformed sample: discard, log, emit nothing.
		slog.Warn("Sample discarded", "session_id", l.sess.ID, "participant_id", sample.ParticipantID, "error", err)
		return domain.SessionEngagementMetric{}, err
	}
	l.priors[sample.ParticipantID] = score

	metric := l.agg.Update(score)
	if err := l.appendEvent(ctx, domain.Event{
		Type:      domain.EventMetricUpdated,
		SessionID: l.sess.ID,
		Timestamp: metric.Timestamp,
		Metric:    &metric,
	}); err != nil {
		return metric, err
	}

	now := time.Now()
	decision := l.ctrl.Evaluate(metric, now)
	if decision.Trigger {
		if err := l.deliver(ctx, decision, now); err != nil {
			return metric, err
		}
	}
	return metric, nil
}

func (l *sessionLoop) manualOverride(ctx context.Context) error {
	if l.sess.State != domain.SessionActive {
		return &domain.InvalidTransitionError{SessionID: l.sess.ID, From: l.sess.State, Op: "manual_override"}
	}
	return l.deliver(ctx, l.ctrl.ManualOverride(), time.Now())
}

func (l *sessionLoop) removeParticipant(ctx context.Context, participantID string) error {
	delete(l.priors, participantID)
	metric := l.agg.Remove(participantID)
	if l.sess.State == domain.SessionStopped {
		return nil
	}
	return l.appendEvent(ctx, domain.Event{
		Type:      domain.EventMetricUpdated,
		SessionID: l.sess.ID,
		Timestamp: metric.Timestamp,
		Metric:    &metric,
	})
}

func (l *sessionLoop) subscribe(role fanout.Role) *fanout.Subscriber {
	metric := l.agg.Snapshot()
	snapshot := domain.Event{
		Type:      domain.EventSnapshot,
		SessionID: l.sess.ID,
		Sequence:  l.sess.LastSequence,
		Timestamp: time.Now(),
		Snapshot: &domain.SnapshotPayload{
			State:  l.sess.State,
			Metric: &metric,
		},
	}
	return l.orc.hub.Subscribe(l.sess.ID, role, snapshot)
}

// onTimer runs a scheduled policy evaluation against the current metric.
func (l *sessionLoop) onTimer() {
	if l.sess.State != domain.SessionActive {
		return
	}
	now := time.Now()
	decision := l.ctrl.Evaluate(l.agg.Snapshot(), now)
	if decision.Trigger {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.deliver(ctx, decision, now); err != nil {
			slog.Warn("Scheduled delivery failed", "session_id", l.sess.ID, "error", err)
		}
	}
	l.rearmTimer(now)
}

// deliver executes a triggered decision: take a question, commit the event,
// then adjust the cadence. A starved supply downgrades to a warning event;
// a store failure is atomic (the question is requeued, nothing is emitted).
func (l *sessionLoop) deliver(ctx context.Context, decision controller.Decision, now time.Time) error {
	q, err := l.orc.source.Next(ctx, l.sess.ID)
	if err != nil {
		if errors.Is(err, domain.ErrDeliveryStarved) {
			slog.Warn("Delivery starved", "session_id", l.sess.ID, "reason", decision.Reason)
			if emitErr := l.appendEvent(ctx, domain.Event{
				Type:      domain.EventDeliveryStarved,
				SessionID: l.sess.ID,
				Timestamp: now,
				Starved:   &domain.StarvedPayload{Reason: decision.Reason},
			}); emitErr != nil {
				return emitErr
			}
			// Keep the schedule moving so starvation is reported at cadence,
			// not on every sample.
			l.ctrl.MarkDelivered(now, 0)
			l.rearmTimer(now)
			return nil
		}
		return err
	}

	delivery := &domain.DeliveryEvent{
		SessionID:    l.sess.ID,
		Sequence:     l.sess.LastSequence + 1,
		Reason:       decision.Reason,
		QuestionID:   q.ID,
		QuestionText: q.Text,
		NextInterval: decision.NextInterval,
		EmittedAt:    now,
	}
	ev := domain.Event{
		Type:      domain.EventQuestionDelivered,
		SessionID: l.sess.ID,
		Timestamp: now,
		Delivery:  delivery,
	}
	if err := l.appendEvent(ctx, ev); err != nil {
		l.orc.source.Requeue(q)
		return err
	}

	if err := l.orc.source.MarkDelivered(ctx, q.ID, now); err != nil {
		slog.Warn("Failed to stamp question delivery", "session_id", l.sess.ID, "question_id", q.ID, "error", err)
	}

	l.ctrl.MarkDelivered(now, decision.NextInterval)
	l.rearmTimer(now)

	slog.Info("Question delivered",
		"session_id", l.sess.ID,
		"question_id", q.ID,
		"reason", decision.Reason,
		"next_interval", decision.NextInterval)
	return nil
}

// changeState validates and commits a lifecycle change. The event append is
// the commit point: if it fails, the in-memory state rolls back, the
// sequence stays unconsumed and the caller can retry the same operation.
// The session row is refreshed afterwards; the event log is the source of
// truth, so a failed row update only costs a warning.
func (l *sessionLoop) changeState(ctx context.Context, next domain.SessionState, op string, t domain.EventType) error {
	if !l.sess.State.CanTransition(next) {
		return &domain.InvalidTransitionError{SessionID: l.sess.ID, From: l.sess.State, Op: op}
	}
	prev := l.sess.State
	l.sess.State = next
	if err := l.appendEvent(ctx, domain.Event{
		Type:      t,
		SessionID: l.sess.ID,
		Lifecycle: &domain.LifecyclePayload{State: next},
	}); err != nil {
		l.sess.State = prev
		return err
	}
	err := shared.RetryOnConflict(ctx, storeRetries, storeRetryDelay, func() error {
		return l.orc.repo.SaveSession(ctx, l.sess)
	})
	if err != nil {
		slog.Warn("Failed to persist session state", "session_id", l.sess.ID, "state", next, "error", err)
	}
	return nil
}

// appendEvent assigns the next sequence number, commits the entry to the
// store and only then publishes it. A failed append leaves no trace: the
// sequence is not consumed and nothing reaches subscribers.
func (l *sessionLoop) appendEvent(ctx context.Context, ev domain.Event) error {
	ev.Sequence = l.sess.LastSequence + 1
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	err := shared.RetryOnConflict(ctx, storeRetries, storeRetryDelay, func() error {
		return l.orc.repo.AppendEvent(ctx, &ev)
	})
	if err != nil {
		return &domain.CollaboratorError{Collaborator: "store", Err: err}
	}
	l.sess.LastSequence = ev.Sequence
	l.orc.hub.Publish(l.sess.ID, ev)
	return nil
}

func (l *sessionLoop) rearmTimer(now time.Time) {
	if l.sess.State != domain.SessionActive {
		return
	}
	d := l.ctrl.NextDue(now)
	if d < minTimerRearm {
		d = minTimerRearm
	}
	l.stopTimer()
	l.timer.Reset(d)
}

func (l *sessionLoop) stopTimer() {
	if l.timer == nil {
		return
	}
	if !l.timer.Stop() {
		select {
		case <-l.timer.C:
		default:
		}
	}
}
