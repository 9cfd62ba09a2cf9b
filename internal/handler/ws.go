package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/plantsocial/backend/internal/logger"
	"github.com/plantsocial/backend/internal/middleware"
	"github.com/plantsocial/backend/internal/presence"
	"github.com/plantsocial/backend/internal/repository"
	"github.com/plantsocial/backend/internal/ws"
)

type WSHandler struct {
	hub            *ws.Hub
	users          *repository.UserRepository
	allowedOrigins string
}

// NewWSHandler creates the WebSocket upgrade handler. allowedOrigins uses
// the CORS format (comma separated, or "*").
func NewWSHandler(hub *ws.Hub, users *repository.UserRepository, allowedOrigins string) *WSHandler {
	return &WSHandler{hub: hub, users: users, allowedOrigins: strings.TrimSpace(allowedOrigins)}
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if h.allowedOrigins == "*" || h.allowedOrigins == "" {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, o := range strings.Split(h.allowedOrigins, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	// Display fields go into the presence snapshot; resolve them before the
	// upgrade while an HTTP error response is still possible.
	user, err := h.users.GetByID(r.Context(), userID)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return h.checkOrigin(r) },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("ws upgrade: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := ws.NewClient(h.hub, conn, userID, presence.DisplayInfo{
		Username: user.Username,
		FullName: user.FullName,
	})
	client.Start(ctx, cancel)
	h.hub.Register(client)
}
