package handler

import (
	"net/http"

	"github.com/plantsocial/backend/internal/presence"
)

type PresenceHandler struct {
	tracker *presence.Tracker
}

func NewPresenceHandler(tracker *presence.Tracker) *PresenceHandler {
	return &PresenceHandler{tracker: tracker}
}

type onlineMemberResponse struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	FullName string `json:"full_name"`
}

// ListOnline returns the current online snapshot. The same data arrives over
// the presence channel; this endpoint serves the initial page render.
func (h *PresenceHandler) ListOnline(w http.ResponseWriter, r *http.Request) {
	entries := h.tracker.ListOnline()
	out := make([]onlineMemberResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, onlineMemberResponse{
			UserID:   e.UserID,
			Username: e.Username,
			FullName: e.FullName,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
