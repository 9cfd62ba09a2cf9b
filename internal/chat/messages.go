package chat

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/plantsocial/backend/internal/bus"
	"github.com/plantsocial/backend/internal/logger"
	"github.com/plantsocial/backend/internal/model"
	"github.com/plantsocial/backend/internal/repository"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

// MessageService routes messages: it persists every message exactly once and
// is the only place a new_message event is published. All entry points (REST
// and websocket) go through Send.
type MessageService struct {
	rooms  RoomStore
	msgs   MessageStore
	users  UserStore
	bus    bus.Bus
	notify Notifier

	roomMu keyedMutex
}

func NewMessageService(rooms RoomStore, msgs MessageStore, users UserStore, b bus.Bus, notify Notifier) *MessageService {
	return &MessageService{rooms: rooms, msgs: msgs, users: users, bus: b, notify: notify}
}

// SendInput carries one inbound message before validation.
type SendInput struct {
	RoomID   string
	SenderID string
	Body     string
	Kind     string
	MediaRef string
}

// Send validates membership, persists the message, publishes it on the room
// channel and fans out notifications to the other members. The per-room lock
// spans persist and publish so the publish order on a channel matches the
// stored order.
func (s *MessageService) Send(ctx context.Context, in SendInput) (*model.Message, error) {
	defer logger.DeferLogDuration("chat.Send", time.Now())()
	if _, err := s.getRoom(ctx, in.RoomID); err != nil {
		return nil, err
	}
	isMember, err := s.rooms.IsMember(ctx, in.RoomID, in.SenderID)
	if err != nil {
		return nil, err
	}
	if !isMember {
		return nil, ErrNotAMember
	}
	sender, err := s.users.GetByID(ctx, in.SenderID)
	if err != nil {
		return nil, err
	}

	msg := &model.Message{
		ID:        uuid.New().String(),
		RoomID:    in.RoomID,
		SenderID:  in.SenderID,
		Body:      in.Body,
		Kind:      model.ParseMessageKind(in.Kind),
		MediaRef:  in.MediaRef,
		CreatedAt: time.Now().UTC(),
	}

	unlock := s.roomMu.lock(in.RoomID)
	if err := s.msgs.Create(ctx, msg); err != nil {
		unlock()
		return nil, err
	}
	pub := *msg
	sp := sender.ToPublic()
	pub.Sender = &sp
	if err := s.publish(ctx, bus.RoomChannel(in.RoomID), bus.EventNewMessage, pub); err != nil {
		logger.Errorf("chat: publish message %s: %v", msg.ID, err)
	}
	unlock()

	s.notifyMembers(ctx, &pub, sender)
	return &pub, nil
}

// Typing broadcasts a transient typing event on the room's typing channel.
// An empty sender id is silently ignored, matching the websocket layer where
// unauthenticated frames are dropped rather than answered.
func (s *MessageService) Typing(ctx context.Context, roomID, senderID string) error {
	if senderID == "" {
		return nil
	}
	payload := bus.TypingPayload{RoomID: roomID, UserID: senderID}
	if u, err := s.users.GetByID(ctx, senderID); err == nil {
		payload.Username = u.Username
		payload.FullName = u.FullName
	}
	return s.publish(ctx, bus.RoomTypingChannel(roomID), bus.EventTyping, payload)
}

// History returns one page of a room's messages, newest first. The caller
// must be a member.
func (s *MessageService) History(ctx context.Context, roomID, userID string, page, pageSize int) ([]model.Message, error) {
	defer logger.DeferLogDuration("chat.History", time.Now())()
	if _, err := s.getRoom(ctx, roomID); err != nil {
		return nil, err
	}
	isMember, err := s.rooms.IsMember(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	if !isMember {
		return nil, ErrNotAMember
	}
	if page < 0 {
		page = 0
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return s.msgs.ListPage(ctx, roomID, page, pageSize)
}

func (s *MessageService) getRoom(ctx context.Context, roomID string) (*model.Room, error) {
	room, err := s.rooms.GetByID(ctx, roomID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}
	return room, nil
}

func (s *MessageService) publish(ctx context.Context, channel string, typ bus.EventType, payload any) error {
	data, err := bus.Marshal(bus.Envelope{Type: typ, Payload: payload})
	if err != nil {
		return err
	}
	return s.bus.Publish(ctx, channel, data)
}

// notifyMembers fans a NEW_MESSAGE alert out to every member except the
// sender. Failures are logged per recipient; the message itself already
// succeeded.
func (s *MessageService) notifyMembers(ctx context.Context, msg *model.Message, sender *model.User) {
	if s.notify == nil {
		return
	}
	memberIDs, err := s.rooms.GetMemberIDs(ctx, msg.RoomID)
	if err != nil {
		logger.Errorf("chat: list members for notify, room %s: %v", msg.RoomID, err)
		return
	}
	summary := "New message from " + sender.FullName
	for _, id := range memberIDs {
		if id == msg.SenderID {
			continue
		}
		if err := s.notify.Notify(ctx, id, msg.SenderID, model.NotificationNewMessage, summary, msg.RoomID); err != nil {
			logger.Errorf("chat: notify %s about message %s: %v", id, msg.ID, err)
		}
	}
}
