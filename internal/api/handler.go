// Package api provides HTTP handlers for the chat REST API.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/matestay/matestay-chat/internal/chat"
	"github.com/matestay/matestay-chat/internal/domain"
	"github.com/matestay/matestay-chat/internal/presence"
)

const maxBodyBytes = 1 << 20

// Notifier pushes realtime events to online users.
type Notifier interface {
	NotifyUser(userID, eventType string, data any) bool
}

// PresenceLister reports who is online.
type PresenceLister interface {
	Online() []presence.Entry
}

// Handler serves the conversation, message and user endpoints.
type Handler struct {
	chat     *chat.Service
	notifier Notifier
	presence PresenceLister
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(svc *chat.Service, notifier Notifier, presence PresenceLister) *Handler {
	return &Handler{
		chat:     svc,
		notifier: notifier,
		presence: presence,
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

// writeServiceError maps domain errors onto status codes. Unexpected errors are
// logged and reported without detail.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error, op string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		Error(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrForbidden):
		Error(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, domain.ErrInvalid):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrConflict):
		Error(w, http.StatusConflict, err.Error())
	default:
		slog.Error("Request failed", "op", op, "path", r.URL.Path, "error", err)
		Error(w, http.StatusInternalServerError, "internal server error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: malformed JSON body", domain.ErrInvalid)
	}
	return nil
}
