// Package domain contains core domain types for the ClassPulse engagement engine.
package domain

import (
	"time"
)

// SessionState is the lifecycle state of a session.
type SessionState string

const (
	SessionCreated SessionState = "created"
	SessionActive  SessionState = "active"
	SessionPaused  SessionState = "paused"
	SessionStopped SessionState = "stopped"
)

// CanTransition reports whether the lifecycle allows moving to next.
// Stopped is terminal.
func (s SessionState) CanTransition(next SessionState) bool {
	switch s {
	case SessionCreated:
		return next == SessionActive || next == SessionStopped
	case SessionActive:
		return next == SessionPaused || next == SessionStopped
	case SessionPaused:
		return next == SessionActive || next == SessionStopped
	case SessionStopped:
		return false
	}
	return false
}

// SessionConfig holds the per-session delivery tuning.
// Zero values are replaced with server defaults at creation time.
type SessionConfig struct {
	BaseInterval     time.Duration `json:"base_interval"`
	MinInterval      time.Duration `json:"min_interval"`
	MinSpacing       time.Duration `json:"min_spacing"`
	ShrinkFactor     float64       `json:"shrink_factor"`
	LowThreshold     float64       `json:"low_threshold"`
	HighThreshold    float64       `json:"high_threshold"`
	LowStreakTrigger int           `json:"low_streak_trigger"`
	TrendHysteresis  float64       `json:"trend_hysteresis"`
	ScoreSmoothing   float64       `json:"score_smoothing"`
}

// Session is the orchestrator-owned record of one live presentation.
// It is mutated only inside the session's serialized execution loop.
type Session struct {
	ID           string        `json:"id"`
	InstructorID string        `json:"instructor_id"`
	MeetingID    string        `json:"meeting_id,omitempty"`
	State        SessionState  `json:"state"`
	Config       SessionConfig `json:"config"`
	LastSequence uint64        `json:"last_sequence"`
	CreatedAt    time.Time     `json:"created_at"`
	StartedAt    time.Time     `json:"started_at,omitzero"`
	StoppedAt    time.Time     `json:"stopped_at,omitzero"`
}

// Participant is one audience member attached to a session.
type Participant struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Name      string    `json:"name,omitempty"`
	Connected bool      `json:"connected"`
	JoinedAt  time.Time `json:"joined_at"`
}
