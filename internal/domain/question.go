package domain

import (
	"time"
)

// Question is opaque payload from the generator's point of view of the
// delivery core: the engine only routes it, never interprets the text.
type Question struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	Text          string    `json:"text"`
	CorrectAnswer string    `json:"correct_answer"`
	SourceSlide   int       `json:"source_slide"`
	CreatedAt     time.Time `json:"created_at"`
	DeliveredAt   time.Time `json:"delivered_at,omitzero"`
}

// Response is a participant's answer to a delivered question.
type Response struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	ParticipantID  string    `json:"participant_id"`
	QuestionID     string    `json:"question_id"`
	Text           string    `json:"text"`
	ResponseTimeMS int       `json:"response_time_ms"`
	Correct        bool      `json:"correct"`
	SubmittedAt    time.Time `json:"submitted_at"`
}
