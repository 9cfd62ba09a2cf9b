package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/plantsocial/backend/internal/chat"
	"github.com/plantsocial/backend/internal/logger"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("writeJSON encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeDomainError maps chat domain errors onto HTTP statuses; anything else
// is a 500 with a generic body.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrRoomNotFound):
		writeError(w, http.StatusNotFound, "room not found")
	case errors.Is(err, chat.ErrTargetNotFound):
		writeError(w, http.StatusNotFound, "user not found")
	case errors.Is(err, chat.ErrNotAMember):
		writeError(w, http.StatusForbidden, "not a member of this room")
	case errors.Is(err, chat.ErrAlreadyMember):
		writeError(w, http.StatusConflict, "already a member")
	case errors.Is(err, chat.ErrInvalidOperation):
		writeError(w, http.StatusBadRequest, "operation not allowed for this room")
	default:
		logger.Errorf("handler: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
