package handlers

import (
	"encoding/json"
	"net/http"

	"modengine/internal/middleware"

	"github.com/rs/zerolog/log"
)

// registerUserRequest is the optional request body for registering a user
type registerUserRequest struct {
	Profile json.RawMessage `json:"profile,omitempty"`
}

// HandleRegisterPost handles PUT /moderation/admin/post/{id}
func (h *Handler) HandleRegisterPost(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	post, err := h.engine.RegisterPost(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	log.Info().
		Str("post_id", id).
		Str("actor", middleware.ActorFromContext(r.Context())).
		Msg("Post registered via admin API")

	writeJSON(w, http.StatusCreated, Response{Message: "Post registered successfully", Data: post}, "post")
}

// HandleRegisterUser handles PUT /moderation/admin/user/{id}. The body is optional.
func (h *Handler) HandleRegisterUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var req registerUserRequest
	if r.ContentLength != 0 && r.Body != nil && r.Body != http.NoBody {
		if !decodeJSON(w, r, &req) {
			return
		}
	}

	user, err := h.engine.RegisterUser(r.Context(), id, req.Profile)
	if err != nil {
		writeError(w, r, err)
		return
	}

	log.Info().
		Str("user_id", id).
		Str("actor", middleware.ActorFromContext(r.Context())).
		Msg("User registered via admin API")

	writeJSON(w, http.StatusCreated, Response{Message: "User registered successfully", Data: user}, "user")
}
