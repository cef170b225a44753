// Package api provides HTTP handlers for the ClassPulse API.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/classpulse/classpulse/internal/domain"
	"github.com/classpulse/classpulse/internal/orchestrator"
	"github.com/classpulse/classpulse/internal/questions"
	"github.com/classpulse/classpulse/internal/store"
)

// Handler provides common handler utilities and dependencies.
type Handler struct {
	orc  *orchestrator.Orchestrator
	qs   *questions.Service
	repo store.Repository
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(orc *orchestrator.Orchestrator, qs *questions.Service, repo store.Repository) *Handler {
	return &Handler{
		orc:  orc,
		qs:   qs,
		repo: repo,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// ErrorFrom maps a domain error to its HTTP status and writes it.
func ErrorFrom(w http.ResponseWriter, err error) {
	var (
		invalid *domain.InvalidTransitionError
		classif *domain.ClassificationError
	)
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		Error(w, http.StatusNotFound, "session not found")
	case errors.Is(err, domain.ErrSessionClosed):
		Error(w, http.StatusServiceUnavailable, "session shutting down")
	case errors.As(err, &invalid):
		Error(w, http.StatusConflict, invalid.Error())
	case errors.As(err, &classif):
		Error(w, http.StatusBadRequest, classif.Error())
	case errors.Is(err, questions.ErrUnknownQuestion):
		Error(w, http.StatusNotFound, "question not found")
	default:
		Error(w, http.StatusInternalServerError, err.Error())
	}
}
