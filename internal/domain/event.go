package domain

import (
	"time"
)

// EventType enumerates every outbound event kind. The set is closed:
// subscribers can switch over it exhaustively.
type EventType string

const (
	EventSessionStarted    EventType = "session_started"
	EventSessionPaused     EventType = "session_paused"
	EventSessionResumed    EventType = "session_resumed"
	EventSessionStopped    EventType = "session_stopped"
	EventMetricUpdated     EventType = "metric_updated"
	EventQuestionDelivered EventType = "question_delivered"
	EventDeliveryStarved   EventType = "delivery_starved"
	EventSnapshot          EventType = "snapshot"
)

// TriggerReason records why a delivery decision fired.
type TriggerReason string

const (
	TriggerScheduledInterval TriggerReason = "scheduled_interval"
	TriggerEngagementDrop    TriggerReason = "engagement_drop"
	TriggerManualOverride    TriggerReason = "manual_override"
)

// Event is one entry in a session's ordered event log. Sequence numbers are
// assigned by the session loop and are strictly monotonic with no gaps; the
// fanout layer must never reorder relative to them.
//
// Exactly one payload pointer is non-nil, matching Type. Snapshot events are
// synthetic (sequence of the last applied event, not a new one) and are only
// sent to late-joining subscribers.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`

	Lifecycle *LifecyclePayload        `json:"lifecycle,omitempty"`
	Metric    *SessionEngagementMetric `json:"metric,omitempty"`
	Delivery  *DeliveryEvent           `json:"delivery,omitempty"`
	Starved   *StarvedPayload          `json:"starved,omitempty"`
	Snapshot  *SnapshotPayload         `json:"snapshot,omitempty"`
}

// LifecyclePayload accompanies the four session lifecycle events.
type LifecyclePayload struct {
	State SessionState `json:"state"`
}

// DeliveryEvent is the permanent record of one question push decision.
type DeliveryEvent struct {
	SessionID    string        `json:"session_id"`
	Sequence     uint64        `json:"sequence"`
	Reason       TriggerReason `json:"reason"`
	QuestionID   string        `json:"question_id"`
	QuestionText string        `json:"question_text"`
	NextInterval time.Duration `json:"next_interval"`
	EmittedAt    time.Time     `json:"emitted_at"`
}

// StarvedPayload surfaces a delivery decision that was downgraded to a no-op
// because no question was available.
type StarvedPayload struct {
	Reason TriggerReason `json:"reason"`
}

// SnapshotPayload gives a late joiner the current session state and metric so
// it never observes a causal gap before its first live event.
type SnapshotPayload struct {
	State  SessionState             `json:"state"`
	Metric *SessionEngagementMetric `json:"metric,omitempty"`
}
