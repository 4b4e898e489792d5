package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"modengine/internal/middleware"
	"modengine/internal/moderation"

	"github.com/rs/zerolog/log"
)

// Config holds handler configuration options
type Config struct {
	// AuditPageLimit caps the number of entries returned by one audit listing
	AuditPageLimit int

	// SubscribePollInterval is how often an audit subscription checks for new entries
	SubscribePollInterval time.Duration
}

// DefaultConfig returns the handler configuration used by the server
func DefaultConfig() Config {
	return Config{
		AuditPageLimit:        500,
		SubscribePollInterval: time.Second,
	}
}

// Handler contains all HTTP handler methods and their dependencies.
type Handler struct {
	engine *moderation.Engine
	audit  moderation.AuditLog
	config Config
}

// NewHandler creates a new Handler backed by engine
func NewHandler(engine *moderation.Engine, config Config) *Handler {
	def := DefaultConfig()
	if config.AuditPageLimit <= 0 {
		config.AuditPageLimit = def.AuditPageLimit
	}
	if config.SubscribePollInterval <= 0 {
		config.SubscribePollInterval = def.SubscribePollInterval
	}
	return &Handler{
		engine: engine,
		audit:  engine.Store(),
		config: config,
	}
}

// Response is the envelope of every JSON response
type Response struct {
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// writeJSON encodes and writes a JSON response
func writeJSON(w http.ResponseWriter, status int, v any, entityName string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode " + entityName + " response")
	}
}

// writeMessage writes an envelope carrying only a message
func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Response{Message: msg}, "message")
}

// statusFor maps engine errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, moderation.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, moderation.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, moderation.ErrInvalidTransition),
		errors.Is(err, moderation.ErrContention),
		errors.Is(err, moderation.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, moderation.ErrTimeout),
		errors.Is(err, moderation.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err to a status code and writes it as a message envelope.
// Server-side failures are logged and their details withheld from the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()

	switch status {
	case http.StatusNotFound:
		msg = "Not found"
	case http.StatusServiceUnavailable:
		if errors.Is(err, moderation.ErrTimeout) {
			msg = "Request timed out, retry later"
		} else {
			msg = "Storage unavailable, retry later"
		}
		w.Header().Set("Retry-After", "1")
	case http.StatusInternalServerError:
		msg = "Internal server error"
	}
	if errors.Is(err, moderation.ErrContention) {
		msg = "Too many concurrent changes, retry later"
	}

	if status >= http.StatusInternalServerError {
		log.Error().
			Err(err).
			Str("path", r.URL.Path).
			Str("request_id", middleware.RequestIDFromContext(r.Context())).
			Msg("Request failed")
	}
	writeMessage(w, status, msg)
}

// decodeJSON decodes the request body into target. It writes the error response
// and returns false when the body is unusable.
func decodeJSON(w http.ResponseWriter, r *http.Request, target any) bool {
	if r.Body == nil || r.Body == http.NoBody {
		writeMessage(w, http.StatusBadRequest, "Request body is required")
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeMessage(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return false
		}
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// pathID returns a non-blank path parameter, writing a 400 when it is missing
func pathID(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	id := strings.TrimSpace(r.PathValue(name))
	if id == "" {
		writeMessage(w, http.StatusBadRequest, name+" is required")
		return "", false
	}
	return id, true
}

// HandleNotFound is the fallback for unmatched routes
func (h *Handler) HandleNotFound(w http.ResponseWriter, r *http.Request) {
	writeMessage(w, http.StatusNotFound, "Endpoint not found")
}

// HandleHealth reports liveness
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	seq, err := h.audit.LastSequence(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Message: "ok", Data: map[string]uint64{"sequence": seq}}, "health")
}
