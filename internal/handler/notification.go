package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/plantsocial/backend/internal/middleware"
	"github.com/plantsocial/backend/internal/notify"
)

type NotificationHandler struct {
	svc *notify.Service
}

func NewNotificationHandler(svc *notify.Service) *NotificationHandler {
	return &NotificationHandler{svc: svc}
}

func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	currentUserID := middleware.GetUserID(r.Context())
	page := queryInt(r, "page", 0)
	pageSize := queryInt(r, "page_size", 20)
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	list, err := h.svc.List(r.Context(), currentUserID, page, pageSize)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *NotificationHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	currentUserID := middleware.GetUserID(r.Context())
	count, err := h.svc.UnreadCount(r.Context(), currentUserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"unread": count})
}

// MarkRead marks one notification read. Scoped to the caller: marking
// someone else's notification is a silent no-op.
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	currentUserID := middleware.GetUserID(r.Context())
	id := chi.URLParam(r, "notificationID")
	if err := h.svc.MarkRead(r.Context(), id, currentUserID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
