// Package ws carries live client connections. The hub is deliberately thin:
// inbound frames are handed to the chat services, and outbound delivery is a
// byte pipe from each connection's bus subscription, so every node in a
// multi-node deployment sees the same traffic.
package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/plantsocial/backend/internal/bus"
	"github.com/plantsocial/backend/internal/chat"
	"github.com/plantsocial/backend/internal/logger"
	"github.com/plantsocial/backend/internal/model"
	"github.com/plantsocial/backend/internal/presence"
)

// MessageSender is the inbound side of the chat services, implemented by
// chat.MessageService. All persistence and publishing happens there; the hub
// never publishes room events itself.
type MessageSender interface {
	Send(ctx context.Context, in chat.SendInput) (*model.Message, error)
	Typing(ctx context.Context, roomID, senderID string) error
}

// RoomDirectory resolves the rooms a member belongs to, implemented by
// repository.RoomRepository.
type RoomDirectory interface {
	GetRoomIDsForMember(ctx context.Context, userID string) ([]string, error)
}

type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*Client]struct{}
	total    int
	maxConns int

	bus     bus.Bus
	rooms   RoomDirectory
	sender  MessageSender
	tracker *presence.Tracker

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(b bus.Bus, rooms RoomDirectory, sender MessageSender, tracker *presence.Tracker, maxConns int) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		maxConns:   maxConns,
		bus:        b,
		rooms:      rooms,
		sender:     sender,
		tracker:    tracker,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	// Close connections outside the lock (network I/O).
	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

// addClient admits a connection: it opens the connection's bus subscription
// (presence, the member's personal alert channel, and every room the member
// belongs to), starts the delivery pipe and registers the member as online.
func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		c.Close()
		return
	}
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.total++
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	channels := []string{bus.PresenceChannel, bus.UserNotificationsChannel(c.userID)}
	roomIDs, err := h.rooms.GetRoomIDsForMember(ctx, c.userID)
	if err != nil {
		logger.Errorf("ws list rooms user=%s: %v", c.userID, err)
	}
	for _, id := range roomIDs {
		channels = append(channels, bus.RoomChannel(id), bus.RoomTypingChannel(id))
	}
	sub, err := h.bus.Subscribe(ctx, channels...)
	if err != nil {
		logger.Errorf("ws subscribe user=%s: %v", c.userID, err)
		h.Unregister(c)
		return
	}
	// Memberships granted while the subscription was opening were queued on
	// the client; replay them so those rooms are not silently missed.
	for _, id := range c.attachSub(sub) {
		if err := sub.Subscribe(bus.RoomChannel(id), bus.RoomTypingChannel(id)); err != nil {
			logger.Errorf("ws join room %s user=%s: %v", id, c.userID, err)
		}
	}
	go c.pipe()

	h.tracker.Connect(c.userID, c, c.display)
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	if len(clients) == 0 {
		delete(h.clients, c.userID)
	}
	h.mu.Unlock()

	// Network I/O outside the lock.
	c.Close()

	// The conn handle keeps a stale disconnect from evicting a newer
	// session of the same member.
	h.tracker.Disconnect(c.userID, c)
}

// JoinRoom subscribes every live connection of the member to the room's
// channels. A connection still in registration queues the join instead; the
// hub replays it once its subscription is attached. Part of
// chat.RoomSubscriber.
func (h *Hub) JoinRoom(userID, roomID string) {
	for _, c := range h.clientsOf(userID) {
		sub := c.joinSub(roomID)
		if sub == nil {
			continue
		}
		if err := sub.Subscribe(bus.RoomChannel(roomID), bus.RoomTypingChannel(roomID)); err != nil {
			logger.Errorf("ws join room %s user=%s: %v", roomID, userID, err)
		}
	}
}

// LeaveRoom unsubscribes every live connection of the member from the room's
// channels. Part of chat.RoomSubscriber.
func (h *Hub) LeaveRoom(userID, roomID string) {
	for _, c := range h.clientsOf(userID) {
		sub := c.leaveSub(roomID)
		if sub == nil {
			continue
		}
		if err := sub.Unsubscribe(bus.RoomChannel(roomID), bus.RoomTypingChannel(roomID)); err != nil {
			logger.Errorf("ws leave room %s user=%s: %v", roomID, userID, err)
		}
	}
}

func (h *Hub) clientsOf(userID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.clients[userID]))
	for c := range h.clients[userID] {
		out = append(out, c)
	}
	return out
}

// HandleMessage dispatches incoming WebSocket frames.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	switch msg.Type {
	case bus.EventNewMessage:
		h.handleNewMessage(ctx, c, msg)
	case bus.EventTyping:
		h.handleTyping(ctx, c, msg)
	default:
		h.sendError(c, "unknown event type")
	}
}

func (h *Hub) handleNewMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleNewMessage", time.Now())()
	if msg.RoomID == "" || (msg.Body == "" && msg.MediaRef == "") {
		h.sendError(c, "room_id and body required")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := h.sender.Send(ctx, chat.SendInput{
		RoomID:   msg.RoomID,
		SenderID: c.userID,
		Body:     msg.Body,
		Kind:     msg.Kind,
		MediaRef: msg.MediaRef,
	})
	if err != nil {
		// The message reaches the sender over its own subscription when it
		// succeeds; only failures are answered directly.
		switch {
		case errors.Is(err, chat.ErrRoomNotFound):
			h.sendError(c, "room not found")
		case errors.Is(err, chat.ErrNotAMember):
			h.sendError(c, "not a member")
		default:
			logger.Errorf("ws send message room=%s user=%s: %v", msg.RoomID, c.userID, err)
			h.sendError(c, "internal error")
		}
	}
}

func (h *Hub) handleTyping(ctx context.Context, c *Client, msg IncomingMessage) {
	if msg.RoomID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := h.sender.Typing(ctx, msg.RoomID, c.userID); err != nil {
		logger.Errorf("ws typing room=%s user=%s: %v", msg.RoomID, c.userID, err)
	}
}

func (h *Hub) sendError(c *Client, text string) {
	data, err := bus.Marshal(bus.Envelope{Type: bus.EventError, Payload: bus.ErrorPayload{Message: text}})
	if err != nil {
		logger.Errorf("ws marshal error frame user=%s: %v", c.userID, err)
		return
	}
	h.sendToClient(c, data)
}

func (h *Hub) sendToClient(c *Client, data []byte) {
	select {
	case c.send <- data:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
