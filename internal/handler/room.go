package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/plantsocial/backend/internal/chat"
	"github.com/plantsocial/backend/internal/middleware"
)

type RoomHandler struct {
	rooms *chat.RoomService
}

func NewRoomHandler(rooms *chat.RoomService) *RoomHandler {
	return &RoomHandler{rooms: rooms}
}

type CreatePrivateRoomRequest struct {
	UserID string `json:"user_id"`
}

type CreateGroupRoomRequest struct {
	Name      string   `json:"name"`
	MemberIDs []string `json:"member_ids"`
}

type AddMemberRequest struct {
	UserID string `json:"user_id"`
}

// CreatePrivateRoom returns the private room shared with the given user,
// creating it on first use.
func (h *RoomHandler) CreatePrivateRoom(w http.ResponseWriter, r *http.Request) {
	var req CreatePrivateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	currentUserID := middleware.GetUserID(r.Context())
	summary, err := h.rooms.GetOrCreatePrivateRoom(r.Context(), currentUserID, req.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *RoomHandler) CreateGroupRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateGroupRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	currentUserID := middleware.GetUserID(r.Context())
	summary, err := h.rooms.CreateGroupRoom(r.Context(), req.Name, currentUserID, req.MemberIDs)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, summary)
}

func (h *RoomHandler) ListRooms(w http.ResponseWriter, r *http.Request) {
	currentUserID := middleware.GetUserID(r.Context())
	rooms, err := h.rooms.ListRoomsForMember(r.Context(), currentUserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rooms)
}

func (h *RoomHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	var req AddMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	currentUserID := middleware.GetUserID(r.Context())
	if err := h.rooms.AddMember(r.Context(), roomID, req.UserID, currentUserID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RoomHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	memberID := chi.URLParam(r, "userID")
	currentUserID := middleware.GetUserID(r.Context())
	if err := h.rooms.RemoveMember(r.Context(), roomID, memberID, currentUserID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Leave removes the caller from the room.
func (h *RoomHandler) Leave(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	currentUserID := middleware.GetUserID(r.Context())
	if err := h.rooms.RemoveMember(r.Context(), roomID, currentUserID, currentUserID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
