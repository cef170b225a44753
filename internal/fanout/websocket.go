package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/classpulse/classpulse/internal/domain"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// SessionStream hands out event subscriptions for live sessions.
type SessionStream interface {
	Subscribe(sessionID string, role Role) (*Subscriber, error)
}

// SampleSink accepts engagement samples for a session.
type SampleSink interface {
	RecordSample(ctx context.Context, sessionID string, sample domain.EngagementSample) (domain.SessionEngagementMetric, error)
}

// ResponseRecorder grades and persists a student answer, returning the
// engagement sample derived from it.
type ResponseRecorder interface {
	SubmitResponse(ctx context.Context, sessionID, participantID, questionID, text string, responseTimeMS int) (*domain.Response, domain.EngagementSample, error)
}

// WebSocketHandler bridges one WebSocket connection to a session's event
// feed. Outbound frames are JSON-encoded events in log order; inbound frames
// carry pings, engagement samples and question answers.
type WebSocketHandler struct {
	stream        SessionStream
	sink          SampleSink
	responses     ResponseRecorder
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(stream SessionStream, sink SampleSink, responses ResponseRecorder, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		stream:        stream,
		sink:          sink,
		responses:     responses,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// clientMessage represents an inbound WebSocket frame.
type clientMessage struct {
	Type           string  `json:"type"`
	ParticipantID  string  `json:"participant_id,omitempty"`
	QuestionID     string  `json:"question_id,omitempty"`
	Answer         string  `json:"answer,omitempty"`
	ResponseTimeMS int     `json:"response_time_ms,omitempty"`
	Attention      float64 `json:"attention,omitempty"`
	LatencyMS      float64 `json:"latency_ms,omitempty"`
	Active         bool    `json:"active,omitempty"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	role := RoleStudent
	if r.URL.Query().Get("role") == string(RoleInstructor) {
		role = RoleInstructor
	}
	slog.Info("WebSocket connection request", "session_id", sessionID, "role", role, "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	sub, err := h.stream.Subscribe(sessionID, role)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
		} else {
			http.Error(w, "subscription failed", http.StatusInternalServerError)
		}
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		sub.Close()
		slog.Error("Failed to accept WebSocket", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()
	defer sub.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	// Write loop: session events -> WebSocket.
	go func() {
		defer wg.Done()
		defer cancel()
		h.writeLoop(ctx, ws, sub)
	}()

	// Read loop: WebSocket -> samples and answers.
	go func() {
		defer wg.Done()
		defer cancel()
		h.readLoop(ctx, ws, sessionID)
	}()

	wg.Wait()
	slog.Info("WebSocket session ended", "session_id", sessionID, "subscriber_id", sub.ID)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

// writeLoop drains the subscriber feed into the socket. It exits when the
// feed closes (session stopped or subscriber dropped on overflow) or the
// connection dies.
func (h *WebSocketHandler) writeLoop(ctx context.Context, ws *websocket.Conn, sub *Subscriber) {
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				slog.Error("Failed to encode event", "error", err, "session_id", sub.SessionID)
				continue
			}
			if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
				if ctx.Err() == nil {
					slog.Debug("WebSocket write error", "error", err, "session_id", sub.SessionID)
				}
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, sessionID string) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "session_id", sessionID)
			} else if ctx.Err() == nil {
				slog.Warn("WebSocket read error", "error", err, "session_id", sessionID)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			slog.Debug("Malformed client frame", "error", err, "session_id", sessionID)
			h.writeError(ctx, ws, "malformed frame")
			continue
		}

		switch msg.Type {
		case "ping":
			if err := h.writeJSON(ctx, ws, map[string]string{"type": "pong"}); err != nil {
				slog.Debug("Failed to send pong", "error", err, "session_id", sessionID)
			}
		case "sample":
			sample := domain.EngagementSample{
				ParticipantID: msg.ParticipantID,
				Timestamp:     time.Now(),
				Attention:     msg.Attention,
				LatencyMS:     msg.LatencyMS,
				Active:        msg.Active,
			}
			if _, err := h.sink.RecordSample(ctx, sessionID, sample); err != nil {
				slog.Debug("Sample rejected", "error", err, "session_id", sessionID, "participant_id", msg.ParticipantID)
				h.writeError(ctx, ws, "sample rejected")
			}
		case "response":
			h.handleResponse(ctx, ws, sessionID, msg)
		default:
			slog.Debug("Unknown frame type", "type", msg.Type, "session_id", sessionID)
		}
	}
}

// handleResponse grades the answer and feeds the derived engagement sample
// back into the control loop. A paused session keeps the graded response but
// drops the sample.
func (h *WebSocketHandler) handleResponse(ctx context.Context, ws *websocket.Conn, sessionID string, msg clientMessage) {
	resp, sample, err := h.responses.SubmitResponse(ctx, sessionID, msg.ParticipantID, msg.QuestionID, msg.Answer, msg.ResponseTimeMS)
	if err != nil {
		slog.Warn("Response rejected", "error", err, "session_id", sessionID, "question_id", msg.QuestionID)
		h.writeError(ctx, ws, "response rejected")
		return
	}

	var invalid *domain.InvalidTransitionError
	if _, err := h.sink.RecordSample(ctx, sessionID, sample); err != nil && !errors.As(err, &invalid) {
		slog.Warn("Failed to record response sample", "error", err, "session_id", sessionID)
	}

	ack := map[string]any{
		"type":        "response_ack",
		"response_id": resp.ID,
		"question_id": resp.QuestionID,
		"correct":     resp.Correct,
	}
	if err := h.writeJSON(ctx, ws, ack); err != nil {
		slog.Debug("Failed to send response ack", "error", err, "session_id", sessionID)
	}
}

func (h *WebSocketHandler) writeError(ctx context.Context, ws *websocket.Conn, reason string) {
	if err := h.writeJSON(ctx, ws, map[string]string{"type": "error", "error": reason}); err != nil {
		slog.Debug("Failed to send error frame", "error", err)
	}
}

func (h *WebSocketHandler) writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}
