package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/plantsocial/backend/internal/chat"
	"github.com/plantsocial/backend/internal/media"
	"github.com/plantsocial/backend/internal/middleware"
	"github.com/plantsocial/backend/internal/model"
)

// MessageSender is the chat entry point used by the HTTP layer, implemented
// by chat.MessageService.
type MessageSender interface {
	Send(ctx context.Context, in chat.SendInput) (*model.Message, error)
	History(ctx context.Context, roomID, userID string, page, pageSize int) ([]model.Message, error)
	Typing(ctx context.Context, roomID, senderID string) error
}

type MessageHandler struct {
	messages MessageSender
	media    *media.Store
}

func NewMessageHandler(messages MessageSender, mediaStore *media.Store) *MessageHandler {
	return &MessageHandler{messages: messages, media: mediaStore}
}

type SendMessageRequest struct {
	Body     string `json:"body"`
	Kind     string `json:"kind,omitempty"`
	MediaRef string `json:"media_ref,omitempty"`
}

// Send accepts a message over REST. It goes through the same service path as
// WebSocket frames, so delivery to connected members is identical.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Body == "" && req.MediaRef == "" {
		writeError(w, http.StatusBadRequest, "body or media_ref is required")
		return
	}
	currentUserID := middleware.GetUserID(r.Context())
	msg, err := h.messages.Send(r.Context(), chat.SendInput{
		RoomID:   roomID,
		SenderID: currentUserID,
		Body:     req.Body,
		Kind:     req.Kind,
		MediaRef: req.MediaRef,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// SendMedia stores an uploaded attachment and sends it as an IMAGE or FILE
// message in one request. The message body is the original filename,
// media_ref the serve URL of the stored file.
func (h *MessageHandler) SendMedia(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	resp, ok := h.media.Receive(w, r)
	if !ok {
		return
	}
	currentUserID := middleware.GetUserID(r.Context())
	msg, err := h.messages.Send(r.Context(), chat.SendInput{
		RoomID:   roomID,
		SenderID: currentUserID,
		Body:     resp.FileName,
		Kind:     resp.ContentType,
		MediaRef: resp.URL,
	})
	if err != nil {
		// The upload is already on disk; do not leave it orphaned when the
		// message itself is rejected.
		h.media.Remove(resp.URL)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// History returns one page of room messages, newest first. Query: page
// (0-based), page_size.
func (h *MessageHandler) History(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	page := queryInt(r, "page", 0)
	pageSize := queryInt(r, "page_size", 0)
	currentUserID := middleware.GetUserID(r.Context())
	msgs, err := h.messages.History(r.Context(), roomID, currentUserID, page, pageSize)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// Typing broadcasts a transient typing event for the caller.
func (h *MessageHandler) Typing(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	currentUserID := middleware.GetUserID(r.Context())
	if err := h.messages.Typing(r.Context(), roomID, currentUserID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
