package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the core failure taxonomy. Failures are always scoped
// to one session; nothing here may take down the process.
var (
	// ErrSessionNotFound is returned for operations on unknown session IDs.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionClosed is returned when an operation races session shutdown.
	ErrSessionClosed = errors.New("session closed")

	// ErrDeliveryStarved marks a delivery decision downgraded to a no-op
	// because no question was available.
	ErrDeliveryStarved = errors.New("no question available for delivery")

	// ErrSubscriberOverflow marks a slow consumer that was dropped from the
	// fanout registry. The session itself is unaffected.
	ErrSubscriberOverflow = errors.New("subscriber buffer overflow")
)

// InvalidTransitionError reports an illegal lifecycle operation. The
// operation is rejected and no state changes or events are produced.
type InvalidTransitionError struct {
	SessionID string
	From      SessionState
	Op        string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s on session %s in state %s", e.Op, e.SessionID, e.From)
}

// ClassificationError reports a malformed engagement sample. The sample is
// discarded and no score is emitted.
type ClassificationError struct {
	ParticipantID string
	Reason        string
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classification failed for participant %s: %s", e.ParticipantID, e.Reason)
}

// CollaboratorError wraps a failed call to an external collaborator (store or
// question generator). The triggering operation fails atomically and may be
// retried by the caller.
type CollaboratorError struct {
	Collaborator string
	Err          error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("collaborator %s unavailable: %v", e.Collaborator, e.Err)
}

func (e *CollaboratorError) Unwrap() error {
	return e.Err
}
