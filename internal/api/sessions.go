package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/classpulse/classpulse/internal/domain"
	"github.com/go-chi/chi/v5"
)

// SessionHandler handles session lifecycle and engagement endpoints.
type SessionHandler struct {
	*Handler
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(base *Handler) *SessionHandler {
	return &SessionHandler{Handler: base}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Post("/start", h.Start)
			r.Post("/pause", h.Pause)
			r.Post("/resume", h.Resume)
			r.Post("/stop", h.Stop)
			r.Post("/samples", h.RecordSample)
			r.Post("/override", h.Override)
			r.Post("/responses", h.SubmitResponse)
			r.Post("/questions/generate", h.GenerateQuestions)
			r.Get("/engagement", h.Engagement)
			r.Get("/events", h.Events)
		})
	})
}

// sessionConfigRequest carries optional per-session tuning overrides.
// Durations are given in seconds; zero or omitted fields fall back to the
// server defaults.
type sessionConfigRequest struct {
	BaseIntervalSeconds float64 `json:"base_interval_seconds,omitempty"`
	MinIntervalSeconds  float64 `json:"min_interval_seconds,omitempty"`
	MinSpacingSeconds   float64 `json:"min_spacing_seconds,omitempty"`
	ShrinkFactor        float64 `json:"shrink_factor,omitempty"`
	LowThreshold        float64 `json:"low_threshold,omitempty"`
	HighThreshold       float64 `json:"high_threshold,omitempty"`
	LowStreakTrigger    int     `json:"low_streak_trigger,omitempty"`
	TrendHysteresis     float64 `json:"trend_hysteresis,omitempty"`
	ScoreSmoothing      float64 `json:"score_smoothing,omitempty"`
}

func (r sessionConfigRequest) toConfig() domain.SessionConfig {
	return domain.SessionConfig{
		BaseInterval:     time.Duration(r.BaseIntervalSeconds * float64(time.Second)),
		MinInterval:      time.Duration(r.MinIntervalSeconds * float64(time.Second)),
		MinSpacing:       time.Duration(r.MinSpacingSeconds * float64(time.Second)),
		ShrinkFactor:     r.ShrinkFactor,
		LowThreshold:     r.LowThreshold,
		HighThreshold:    r.HighThreshold,
		LowStreakTrigger: r.LowStreakTrigger,
		TrendHysteresis:  r.TrendHysteresis,
		ScoreSmoothing:   r.ScoreSmoothing,
	}
}

type createSessionRequest struct {
	InstructorID string               `json:"instructor_id"`
	MeetingID    string               `json:"meeting_id,omitempty"`
	Config       sessionConfigRequest `json:"config"`
}

// Create creates a session in the Created state.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.InstructorID == "" {
		Error(w, http.StatusBadRequest, "instructor_id is required")
		return
	}

	sess, err := h.orc.CreateSession(r.Context(), req.InstructorID, req.MeetingID, req.Config.toConfig())
	if err != nil {
		slog.Error("Failed to create session", "error", err, "instructor_id", req.InstructorID)
		ErrorFrom(w, err)
		return
	}
	JSON(w, http.StatusCreated, sess)
}

// Get returns the session snapshot with its current engagement metric.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sess, metric, err := h.orc.Snapshot(chi.URLParam(r, "id"))
	if err != nil {
		ErrorFrom(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"session": sess,
		"metric":  metric,
	})
}

func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.orc.Start)
}

func (h *SessionHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.orc.Pause)
}

func (h *SessionHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.orc.Resume)
}

func (h *SessionHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.orc.Stop)
}

func (h *SessionHandler) lifecycle(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string) error) {
	id := chi.URLParam(r, "id")
	if err := op(r.Context(), id); err != nil {
		ErrorFrom(w, err)
		return
	}
	sess, metric, err := h.orc.Snapshot(id)
	if err != nil {
		ErrorFrom(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"session": sess,
		"metric":  metric,
	})
}

type sampleRequest struct {
	ParticipantID string   `json:"participant_id"`
	Attention     float64  `json:"attention"`
	LatencyMS     *float64 `json:"latency_ms,omitempty"`
	Active        bool     `json:"active"`
}

// RecordSample ingests one engagement sample and returns the updated
// session-level metric.
func (h *SessionHandler) RecordSample(w http.ResponseWriter, r *http.Request) {
	var req sampleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	latency := -1.0
	if req.LatencyMS != nil {
		latency = *req.LatencyMS
	}
	sample := domain.EngagementSample{
		ParticipantID: req.ParticipantID,
		Timestamp:     time.Now(),
		Attention:     req.Attention,
		LatencyMS:     latency,
		Active:        req.Active,
	}

	metric, err := h.orc.RecordSample(r.Context(), chi.URLParam(r, "id"), sample)
	if err != nil {
		ErrorFrom(w, err)
		return
	}
	JSON(w, http.StatusOK, metric)
}

// Override forces an immediate question delivery and resets the cadence.
func (h *SessionHandler) Override(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.orc.ManualOverride(r.Context(), id); err != nil {
		ErrorFrom(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "delivered"})
}

type responseRequest struct {
	ParticipantID  string `json:"participant_id"`
	QuestionID     string `json:"question_id"`
	Answer         string `json:"answer"`
	ResponseTimeMS int    `json:"response_time_ms"`
}

// SubmitResponse grades a student answer and feeds the derived engagement
// sample back into the control loop.
func (h *SessionHandler) SubmitResponse(w http.ResponseWriter, r *http.Request) {
	var req responseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ParticipantID == "" || req.QuestionID == "" {
		Error(w, http.StatusBadRequest, "participant_id and question_id are required")
		return
	}

	id := chi.URLParam(r, "id")
	resp, sample, err := h.qs.SubmitResponse(r.Context(), id, req.ParticipantID, req.QuestionID, req.Answer, req.ResponseTimeMS)
	if err != nil {
		ErrorFrom(w, err)
		return
	}

	// A paused session keeps the graded response but drops the sample.
	var invalid *domain.InvalidTransitionError
	if _, err := h.orc.RecordSample(r.Context(), id, sample); err != nil && !errors.As(err, &invalid) {
		slog.Warn("Failed to record response sample", "error", err, "session_id", id)
	}

	JSON(w, http.StatusCreated, resp)
}

type generateRequest struct {
	SlideTexts []string `json:"slide_texts"`
	Count      int      `json:"count"`
}

// GenerateQuestions builds the session's question pool from slide text.
func (h *SessionHandler) GenerateQuestions(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.SlideTexts) == 0 {
		Error(w, http.StatusBadRequest, "slide_texts cannot be empty")
		return
	}
	if req.Count <= 0 {
		req.Count = len(req.SlideTexts)
	}

	id := chi.URLParam(r, "id")
	qs, err := h.qs.GenerateForSession(r.Context(), id, req.SlideTexts, req.Count)
	if err != nil {
		slog.Error("Failed to generate questions", "error", err, "session_id", id)
		ErrorFrom(w, err)
		return
	}
	JSON(w, http.StatusCreated, map[string]interface{}{
		"questions": qs,
		"pool_size": h.qs.PoolSize(id),
	})
}

// Engagement returns the current aggregate metric and per-level counts.
func (h *SessionHandler) Engagement(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	metric, counts, err := h.orc.EngagementStats(id)
	if err != nil {
		ErrorFrom(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"metric": metric,
		"levels": counts,
	})
}

// Events returns the session's persisted event log in sequence order.
func (h *SessionHandler) Events(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	events, err := h.repo.ListEvents(r.Context(), id)
	if err != nil {
		ErrorFrom(w, err)
		return
	}
	if len(events) == 0 {
		// Distinguish an empty log from a session that never existed.
		if sess, err := h.repo.GetSession(r.Context(), id); err != nil {
			ErrorFrom(w, err)
			return
		} else if sess == nil {
			Error(w, http.StatusNotFound, "session not found")
			return
		}
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"session_id": id,
		"events":     events,
	})
}

// Health reports process and store liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Ping(r.Context()); err != nil {
		Error(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
