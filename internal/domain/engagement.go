package domain

import (
	"time"
)

// EngagementLevel is the discrete label derived from a scalar score.
type EngagementLevel string

const (
	EngagementHigh   EngagementLevel = "high"
	EngagementMedium EngagementLevel = "medium"
	EngagementLow    EngagementLevel = "low"
)

// Trend is the short-term direction of the session metric.
type Trend string

const (
	TrendRising  Trend = "rising"
	TrendStable  Trend = "stable"
	TrendFalling Trend = "falling"
)

// EngagementSample is one raw signal reading for a participant.
// Samples are immutable and ephemeral: they are consumed by the
// classifier and never stored.
type EngagementSample struct {
	ParticipantID string    `json:"participant_id"`
	Timestamp     time.Time `json:"timestamp"`

	// Attention is a [0,1] attention proxy (gaze, focus, tab visibility).
	Attention float64 `json:"attention"`
	// LatencyMS is the response latency in milliseconds, -1 if unknown.
	LatencyMS float64 `json:"latency_ms"`
	// Active reports whether the participant produced any activity
	// (answered, typed, reacted) since the previous sample.
	Active bool `json:"active"`
}

// EngagementScore is the classifier output for one sample.
type EngagementScore struct {
	ParticipantID string          `json:"participant_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Value         float64         `json:"value"`
	Level         EngagementLevel `json:"level"`
}

// SessionEngagementMetric is the aggregate over the latest score of every
// connected participant. A new metric supersedes the previous one.
type SessionEngagementMetric struct {
	SessionID    string    `json:"session_id"`
	Timestamp    time.Time `json:"timestamp"`
	Value        float64   `json:"value"`
	Trend        Trend     `json:"trend"`
	Participants int       `json:"participants"`
}
