package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/plantsocial/backend/internal/middleware"
	"github.com/plantsocial/backend/internal/model"
	"github.com/plantsocial/backend/internal/repository"
)

type UserHandler struct {
	users *repository.UserRepository
}

func NewUserHandler(users *repository.UserRepository) *UserHandler {
	return &UserHandler{users: users}
}

func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	currentUserID := middleware.GetUserID(r.Context())
	u, err := h.users.GetByID(r.Context(), currentUserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u.ToPublic())
}

// Search finds members by username or full name, excluding the caller.
func (h *UserHandler) Search(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeJSON(w, http.StatusOK, []model.UserPublic{})
		return
	}
	limit := queryInt(r, "limit", 20)
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	currentUserID := middleware.GetUserID(r.Context())
	users, err := h.users.Search(r.Context(), query, currentUserID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]model.UserPublic, 0, len(users))
	for i := range users {
		out = append(out, users[i].ToPublic())
	}
	writeJSON(w, http.StatusOK, out)
}
