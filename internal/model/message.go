package model

import (
	"strings"
	"time"
)

type MessageKind string

const (
	MessageKindText  MessageKind = "TEXT"
	MessageKindImage MessageKind = "IMAGE"
	MessageKindFile  MessageKind = "FILE"
)

// ParseMessageKind maps a wire string to a MessageKind. Unrecognized values
// fall back to TEXT rather than failing the send.
func ParseMessageKind(s string) MessageKind {
	switch MessageKind(strings.ToUpper(strings.TrimSpace(s))) {
	case MessageKindImage:
		return MessageKindImage
	case MessageKindFile:
		return MessageKindFile
	default:
		return MessageKindText
	}
}

// Message is one immutable entry in a room's append-only log. Seq is assigned
// by storage in insertion order and breaks created_at ties, so
// (created_at, seq) is the room's total order.
type Message struct {
	ID        string      `json:"id"`
	RoomID    string      `json:"room_id"`
	SenderID  string      `json:"sender_id"`
	Body      string      `json:"body"`
	Kind      MessageKind `json:"kind"`
	MediaRef  string      `json:"media_ref,omitempty"`
	Seq       int64       `json:"-"`
	CreatedAt time.Time   `json:"created_at"`

	Sender *UserPublic `json:"sender,omitempty"`
}
