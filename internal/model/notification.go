package model

import "time"

type NotificationKind string

// NEW_MESSAGE is the chat fan-out kind; the others are emitted by feature
// areas (feed, comments, follows) reusing the same event model and push path.
const (
	NotificationNewMessage NotificationKind = "NEW_MESSAGE"
	NotificationLike       NotificationKind = "LIKE"
	NotificationComment    NotificationKind = "COMMENT"
	NotificationFollow     NotificationKind = "FOLLOW"
)

// Notification is a persisted alert for one recipient. Only the read flag is
// ever mutated after creation, and only by the recipient.
type Notification struct {
	ID          string           `json:"id"`
	RecipientID string           `json:"recipient_id"`
	SenderID    string           `json:"sender_id,omitempty"`
	Kind        NotificationKind `json:"kind"`
	Summary     string           `json:"summary"`
	RelatedID   string           `json:"related_id,omitempty"`
	Read        bool             `json:"read"`
	CreatedAt   time.Time        `json:"created_at"`

	Sender *UserPublic `json:"sender,omitempty"`
}
