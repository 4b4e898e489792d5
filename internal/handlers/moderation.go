package handlers

import (
	"net/http"
	"time"

	"modengine/internal/middleware"
	"modengine/internal/moderation"
)

// moderateRequest is the request body for moderating a post
type moderateRequest struct {
	Action   string `json:"action"`
	Reason   string `json:"reason"`
	Category string `json:"category,omitempty"`
}

// flagRequest is the request body for flagging a user
type flagRequest struct {
	Reason   string `json:"reason"`
	Category string `json:"category"`
	Severity string `json:"severity"`
}

// FlagResponse is the data returned after flagging a user
type FlagResponse struct {
	UserID    string              `json:"userId"`
	FlaggedAt time.Time           `json:"flaggedAt"`
	Severity  moderation.Severity `json:"severity"`
}

// HandleGetPost handles GET /moderation/post/{id}
func (h *Handler) HandleGetPost(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	post, err := h.engine.GetPost(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, Response{Message: "Post retrieved successfully", Data: post}, "post")
}

// HandleModeratePost handles POST /moderation/post/{id}/moderate
func (h *Handler) HandleModeratePost(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var req moderateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.engine.Moderate(r.Context(), id, moderation.ModerateRequest{
		Action:   moderation.ActionKind(req.Action),
		Reason:   req.Reason,
		Category: moderation.ContentCategory(req.Category),
		Actor:    middleware.ActorFromContext(r.Context()),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, Response{Message: "Post moderated successfully", Data: result}, "moderation result")
}

// HandleGetUserProfile handles GET /moderation/user/{id}/profile
func (h *Handler) HandleGetUserProfile(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	user, err := h.engine.GetUser(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, Response{Message: "User profile retrieved successfully", Data: user}, "user")
}

// HandleFlagUser handles POST /moderation/user/{id}/flag
func (h *Handler) HandleFlagUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var req flagRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.engine.FlagUser(r.Context(), id, moderation.FlagRequest{
		Reason:   req.Reason,
		Category: moderation.FlagCategory(req.Category),
		Severity: moderation.Severity(req.Severity),
		Actor:    middleware.ActorFromContext(r.Context()),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, Response{
		Message: "User flagged successfully",
		Data: FlagResponse{
			UserID:    result.User.ID,
			FlaggedAt: result.Flag.Timestamp,
			Severity:  result.Flag.Severity,
		},
	}, "flag")
}

// HandleFlagStats handles GET /moderation/content/flags/stats?timeframe=&category=
func (h *Handler) HandleFlagStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	stats, err := h.engine.Stats(r.Context(), moderation.StatsQuery{
		Timeframe: moderation.Timeframe(q.Get("timeframe")),
		Category:  moderation.ContentCategory(q.Get("category")),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, Response{Message: "Flagged content statistics", Data: stats}, "stats")
}
