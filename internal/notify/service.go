// Package notify persists notification events and pushes them to the
// recipient's personal channel. It is shared infrastructure: chat fan-out
// uses it for NEW_MESSAGE, and other feature areas (likes, comments,
// follows) call Notify with their own kinds.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/plantsocial/backend/internal/bus"
	"github.com/plantsocial/backend/internal/logger"
	"github.com/plantsocial/backend/internal/model"
)

// Store is the durable notification record.
type Store interface {
	Create(ctx context.Context, n *model.Notification) error
	ListForRecipient(ctx context.Context, recipientID string, page, pageSize int) ([]model.Notification, error)
	UnreadCount(ctx context.Context, recipientID string) (int64, error)
	MarkRead(ctx context.Context, id, recipientID string) error
}

// Pusher delivers an out-of-band push (Web Push) to a member's devices.
// Nil disables pushes.
type Pusher interface {
	Notify(ctx context.Context, userID, title, body string, data map[string]string)
}

// PresenceChecker reports whether a member holds a live connection right
// now. Used to skip Web Push for members who will get the event over their
// personal channel anyway.
type PresenceChecker interface {
	IsOnline(userID string) bool
}

type Service struct {
	store    Store
	bus      bus.Bus
	pusher   Pusher
	presence PresenceChecker
}

func NewService(store Store, b bus.Bus, pusher Pusher, presence PresenceChecker) *Service {
	return &Service{store: store, bus: b, pusher: pusher, presence: presence}
}

// Notify records an event for recipient and best-effort pushes it to their
// personal channel. Self-notifications are suppressed except for
// NEW_MESSAGE (the chat path already excludes the sender from its member
// iteration, so the exemption is kept for symmetry with callers that do
// not).
func (s *Service) Notify(ctx context.Context, recipientID, senderID string, kind model.NotificationKind, summary, relatedID string) error {
	defer logger.DeferLogDuration("notify.Notify", time.Now())()
	if recipientID == senderID && kind != model.NotificationNewMessage {
		return nil
	}

	n := &model.Notification{
		ID:          uuid.New().String(),
		RecipientID: recipientID,
		SenderID:    senderID,
		Kind:        kind,
		Summary:     summary,
		RelatedID:   relatedID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.Create(ctx, n); err != nil {
		return err
	}

	// Channel push is best-effort: an offline recipient finds the event via
	// the notification listing instead.
	payload, err := bus.Marshal(bus.Envelope{Type: bus.EventNotification, Payload: n})
	if err != nil {
		logger.Errorf("notify: marshal event id=%s: %v", n.ID, err)
	} else if err := s.bus.Publish(ctx, bus.UserNotificationsChannel(recipientID), payload); err != nil {
		logger.Errorf("notify: publish to %s: %v", recipientID, err)
	}

	if s.pusher != nil && (s.presence == nil || !s.presence.IsOnline(recipientID)) {
		data := map[string]string{"kind": string(kind)}
		if relatedID != "" {
			data["related_id"] = relatedID
		}
		go s.pusher.Notify(context.Background(), recipientID, string(kind), summary, data)
	}
	return nil
}

func (s *Service) List(ctx context.Context, recipientID string, page, pageSize int) ([]model.Notification, error) {
	return s.store.ListForRecipient(ctx, recipientID, page, pageSize)
}

func (s *Service) UnreadCount(ctx context.Context, recipientID string) (int64, error) {
	return s.store.UnreadCount(ctx, recipientID)
}

func (s *Service) MarkRead(ctx context.Context, id, recipientID string) error {
	return s.store.MarkRead(ctx, id, recipientID)
}
