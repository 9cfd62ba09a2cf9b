package ws

import "github.com/plantsocial/backend/internal/bus"

// IncomingMessage is what the client sends to the server. Outbound frames
// are bus envelopes piped through unchanged, so there is no outgoing
// counterpart here.
type IncomingMessage struct {
	Type   bus.EventType `json:"type"`
	RoomID string        `json:"room_id,omitempty"`
	Body   string        `json:"body,omitempty"`

	// For media messages
	Kind     string `json:"kind,omitempty"`
	MediaRef string `json:"media_ref,omitempty"`
}
