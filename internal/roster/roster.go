// Package roster reconciles session participants against an external
// meeting roster, so participants who left the meeting stop contributing to
// the engagement aggregate.
package roster

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/classpulse/classpulse/internal/domain"
)

// Fetcher resolves the current participant roster of a meeting.
type Fetcher interface {
	FetchParticipants(ctx context.Context, meetingID string) ([]domain.Participant, error)
}

// SessionDirectory is the orchestrator surface the reconciler needs.
type SessionDirectory interface {
	ActiveSessions() []domain.Session
	Participants(sessionID string) ([]string, error)
	RemoveParticipant(ctx context.Context, sessionID, participantID string) error
}

// StaticFetcher serves rosters from an in-process table. Used in development
// and tests in place of a meeting-platform API client.
type StaticFetcher struct {
	mu       sync.RWMutex
	meetings map[string][]domain.Participant
}

func NewStaticFetcher() *StaticFetcher {
	return &StaticFetcher{meetings: make(map[string][]domain.Participant)}
}

// SetRoster replaces the roster for a meeting.
func (f *StaticFetcher) SetRoster(meetingID string, participants []domain.Participant) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.meetings[meetingID] = append([]domain.Participant(nil), participants...)
}

// FetchParticipants implements Fetcher.
func (f *StaticFetcher) FetchParticipants(_ context.Context, meetingID string) ([]domain.Participant, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]domain.Participant(nil), f.meetings[meetingID]...), nil
}

// StartReconciler runs a background goroutine that periodically diffs each
// active session's known participants against the meeting roster and evicts
// the ones that left.
func StartReconciler(ctx context.Context, dir SessionDirectory, fetcher Fetcher, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Roster reconciler started", "interval", interval)

		for {
			select {
			case <-ticker.C:
				ReconcileOnce(ctx, dir, fetcher)
			case <-ctx.Done():
				slog.Info("Roster reconciler shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// ReconcileOnce sweeps every active session once. Sessions without a meeting
// binding are skipped; a fetch failure leaves that session's roster as is.
func ReconcileOnce(ctx context.Context, dir SessionDirectory, fetcher Fetcher) {
	for _, sess := range dir.ActiveSessions() {
		if sess.MeetingID == "" {
			continue
		}

		roster, err := fetcher.FetchParticipants(ctx, sess.MeetingID)
		if err != nil {
			slog.Warn("Roster fetch failed",
				"session_id", sess.ID,
				"meeting_id", sess.MeetingID,
				"error", err)
			continue
		}

		present := make(map[string]bool, len(roster))
		for _, p := range roster {
			present[p.ID] = true
		}

		known, err := dir.Participants(sess.ID)
		if err != nil {
			slog.Warn("Failed to list session participants", "session_id", sess.ID, "error", err)
			continue
		}

		var evicted int
		for _, id := range known {
			if present[id] {
				continue
			}
			if err := dir.RemoveParticipant(ctx, sess.ID, id); err != nil {
				slog.Warn("Failed to evict participant",
					"session_id", sess.ID,
					"participant_id", id,
					"error", err)
				continue
			}
			evicted++
		}
		if evicted > 0 {
			slog.Info("Roster reconciled",
				"session_id", sess.ID,
				"meeting_id", sess.MeetingID,
				"evicted", evicted)
		}
	}
}
