// Package orchestrator owns session lifecycles and serializes all session
// state mutation.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/classpulse/classpulse/internal/classifier"
	"github.com/classpulse/classpulse/internal/domain"
	"github.com/classpulse/classpulse/internal/fanout"
	"github.com/classpulse/classpulse/internal/questions"
	"github.com/classpulse/classpulse/internal/store"
	"github.com/google/uuid"
)

// QuestionSource supplies questions for delivery decisions.
type QuestionSource interface {
	Next(ctx context.Context, sessionID string) (*domain.Question, error)
	Requeue(q *domain.Question)
	MarkDelivered(ctx context.Context, questionID string, at time.Time) error
	DropSession(sessionID string)
}

// ScorerFactory builds the classifier strategy for a new session. Injected
// at configuration time so a learned model can replace the rule scorer.
type ScorerFactory func(cfg domain.SessionConfig) classifier.Scorer

// Orchestrator is the registry of live sessions. Every session has its own
// serialized execution loop; operations on different sessions run
// concurrently, operations on one session never interleave.
type Orchestrator struct {
	mu       sync.RWMutex
	sessions map[string]*sessionLoop

	repo      store.Repository
	hub       *fanout.Hub
	source    QuestionSource
	newScorer ScorerFactory
	defaults  domain.SessionConfig
}

// New creates an orchestrator. defaults fill in zero-valued fields of
// per-session configuration at creation time.
func New(repo store.Repository, hub *fanout.Hub, source QuestionSource, newScorer ScorerFactory, defaults domain.SessionConfig) *Orchestrator {
	if newScorer == nil {
		newScorer = func(cfg domain.SessionConfig) classifier.Scorer {
			return classifier.NewRuleScorer(cfg.LowThreshold, cfg.HighThreshold, cfg.ScoreSmoothing)
		}
	}
	return &Orchestrator{
		sessions:  make(map[string]*sessionLoop),
		repo:      repo,
		hub:       hub,
		source:    source,
		newScorer: newScorer,
		defaults:  defaults,
	}
}

// CreateSession registers a new session in the Created state. Creation is
// not an observable event; the log starts with SessionStarted.
func (o *Orchestrator) CreateSession(ctx context.Context, instructorID, meetingID string, cfg domain.SessionConfig) (*domain.Session, error) {
	sess := &domain.Session{
		ID:           uuid.NewString(),
		InstructorID: instructorID,
		MeetingID:    meetingID,
		State:        domain.SessionCreated,
		Config:       mergeConfig(cfg, o.defaults),
		CreatedAt:    time.Now(),
	}
	if err := o.repo.SaveSession(ctx, sess); err != nil {
		return nil, &domain.CollaboratorError{Collaborator: "store", Err: err}
	}

	loop := newSessionLoop(o, sess)

	o.mu.Lock()
	o.sessions[sess.ID] = loop
	o.mu.Unlock()

	go loop.run()

	slog.Info("Session created", "session_id", sess.ID, "instructor_id", instructorID)
	return sess, nil
}

// Start transitions Created -> Active and begins adaptive delivery.
func (o *Orchestrator) Start(ctx context.Context, sessionID string) error {
	return o.dispatch(sessionID, func(l *sessionLoop) error { return l.start(ctx) })
}

// Pause transitions Active -> Paused. Samples are rejected until resume.
func (o *Orchestrator) Pause(ctx context.Context, sessionID string) error {
	return o.dispatch(sessionID, func(l *sessionLoop) error { return l.pause(ctx) })
}

// Resume transitions Paused -> Active.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) error {
	return o.dispatch(sessionID, func(l *sessionLoop) error { return l.resume(ctx) })
}

// Stop transitions to the terminal Stopped state, emits the final event and
// closes all subscriber channels.
func (o *Orchestrator) Stop(ctx context.Context, sessionID string) error {
	return o.dispatch(sessionID, func(l *sessionLoop) error { return l.stop(ctx) })
}

// RecordSample pipes one engagement sample through classifier, aggregator
// and controller, emitting MetricUpdated and possibly a delivery.
func (o *Orchestrator) RecordSample(ctx context.Context, sessionID string, sample domain.EngagementSample) (domain.SessionEngagementMetric, error) {
	var metric domain.SessionEngagementMetric
	err := o.dispatch(sessionID, func(l *sessionLoop) error {
		m, err := l.recordSample(ctx, sample)
		metric = m
		return err
	})
	return metric, err
}

// ManualOverride forces a delivery regardless of timing. Once the delivery
// commits, the cadence resets to the base interval.
func (o *Orchestrator) ManualOverride(ctx context.Context, sessionID string) error {
	return o.dispatch(sessionID, func(l *sessionLoop) error { return l.manualOverride(ctx) })
}

// RemoveParticipant drops a disconnected participant from the aggregate.
func (o *Orchestrator) RemoveParticipant(ctx context.Context, sessionID, participantID string) error {
	return o.dispatch(sessionID, func(l *sessionLoop) error { return l.removeParticipant(ctx, participantID) })
}

// Subscribe attaches a fanout subscriber. The snapshot event is built inside
// the session loop, so the subscriber observes snapshot first and then every
// later event with no causal gap.
func (o *Orchestrator) Subscribe(sessionID string, role fanout.Role) (*fanout.Subscriber, error) {
	var sub *fanout.Subscriber
	err := o.dispatch(sessionID, func(l *sessionLoop) error {
		sub = l.subscribe(role)
		return nil
	})
	return sub, err
}

// Snapshot returns a copy of the session and its current metric.
func (o *Orchestrator) Snapshot(sessionID string) (*domain.Session, domain.SessionEngagementMetric, error) {
	var sess domain.Session
	var metric domain.SessionEngagementMetric
	err := o.dispatch(sessionID, func(l *sessionLoop) error {
		sess = *l.sess
		metric = l.agg.Snapshot()
		return nil
	})
	if err != nil {
		return nil, metric, err
	}
	return &sess, metric, nil
}

// EngagementStats reports the current metric and per-level participant
// counts for a session.
func (o *Orchestrator) EngagementStats(sessionID string) (domain.SessionEngagementMetric, map[domain.EngagementLevel]int, error) {
	var metric domain.SessionEngagementMetric
	var counts map[domain.EngagementLevel]int
	err := o.dispatch(sessionID, func(l *sessionLoop) error {
		metric = l.agg.Snapshot()
		counts = l.agg.LevelCounts()
		return nil
	})
	return metric, counts, err
}

// Participants lists the participant IDs currently contributing to the
// session metric.
func (o *Orchestrator) Participants(sessionID string) ([]string, error) {
	var ids []string
	err := o.dispatch(sessionID, func(l *sessionLoop) error {
		ids = l.agg.Participants()
		return nil
	})
	return ids, err
}

// ActiveSessions returns sessions currently in the registry that carry a
// meeting reference (candidates for roster reconciliation).
func (o *Orchestrator) ActiveSessions() []domain.Session {
	o.mu.RLock()
	loops := make([]*sessionLoop, 0, len(o.sessions))
	for _, loop := range o.sessions {
		loops = append(loops, loop)
	}
	o.mu.RUnlock()

	out := make([]domain.Session, 0, len(loops))
	for _, loop := range loops {
		sess, err := loop.snapshotSession()
		if err != nil {
			continue
		}
		if sess.State == domain.SessionActive && sess.MeetingID != "" {
			out = append(out, sess)
		}
	}
	return out
}

// Shutdown stops every live session and terminates its loop. Used on
// process shutdown.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	loops := o.sessions
	o.sessions = make(map[string]*sessionLoop)
	o.mu.Unlock()

	var invalid *domain.InvalidTransitionError
	for id, loop := range loops {
		if err := loop.do(func(l *sessionLoop) error { return l.stop(ctx) }); err != nil && !errors.As(err, &invalid) {
			slog.Warn("Failed to stop session during shutdown", "session_id", id, "error", err)
		}
		loop.terminate()
		// Idempotent when stop already released the session's subscribers.
		o.hub.CloseSession(id)
	}
}

// dispatch routes an operation into the session's serialized loop.
func (o *Orchestrator) dispatch(sessionID string, op func(*sessionLoop) error) error {
	o.mu.RLock()
	loop, ok := o.sessions[sessionID]
	o.mu.RUnlock()
	if !ok {
		return domain.ErrSessionNotFound
	}
	return loop.do(op)
}

func mergeConfig(cfg, defaults domain.SessionConfig) domain.SessionConfig {
	if cfg.BaseInterval <= 0 {
		cfg.BaseInterval = defaults.BaseInterval
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = defaults.MinInterval
	}
	if cfg.MinSpacing <= 0 {
		cfg.MinSpacing = defaults.MinSpacing
	}
	if cfg.ShrinkFactor <= 0 || cfg.ShrinkFactor >= 1 {
		cfg.ShrinkFactor = defaults.ShrinkFactor
	}
	if cfg.LowThreshold <= 0 {
		cfg.LowThreshold = defaults.LowThreshold
	}
	if cfg.HighThreshold <= 0 {
		cfg.HighThreshold = defaults.HighThreshold
	}
	if cfg.LowStreakTrigger <= 0 {
		cfg.LowStreakTrigger = defaults.LowStreakTrigger
	}
	if cfg.TrendHysteresis <= 0 {
		cfg.TrendHysteresis = defaults.TrendHysteresis
	}
	if cfg.ScoreSmoothing < 0 {
		cfg.ScoreSmoothing = defaults.ScoreSmoothing
	}
	return cfg
}

// ensure the questions service satisfies the source contract.
var _ QuestionSource = (*questions.Service)(nil)
