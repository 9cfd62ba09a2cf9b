package bus

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"
)

type EventType string

const (
	EventNewMessage   EventType = "new_message"
	EventTyping       EventType = "typing"
	EventPresence     EventType = "presence"
	EventNotification EventType = "notification"
	EventRoomCreated  EventType = "room_created"
	EventError        EventType = "error"
)

// Envelope is the wire form of every published event. Payload is a typed
// struct, never map[string]any.
type Envelope struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// TypingPayload is broadcast on a room typing channel. Transient, never
// persisted.
type TypingPayload struct {
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
	FullName string `json:"full_name,omitempty"`
}

// PresencePayload is the full online snapshot broadcast on the presence
// channel after every connect or disconnect.
type PresencePayload struct {
	Online []OnlineMember `json:"online"`
}

type OnlineMember struct {
	UserID      string    `json:"user_id"`
	Username    string    `json:"username"`
	FullName    string    `json:"full_name"`
	ConnectedAt time.Time `json:"connected_at"`
}

// ErrorPayload is sent directly to a client, never published on the bus.
type ErrorPayload struct {
	Message string `json:"message"`
}

// encBufPool pools buffers for envelope encoding in the publish hot path.
var encBufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Marshal encodes an envelope to the bytes published on the bus.
func Marshal(e Envelope) ([]byte, error) {
	buf := encBufPool.Get().(*bytes.Buffer)
	defer encBufPool.Put(buf)
	buf.Reset()
	if err := json.NewEncoder(buf).Encode(e); err != nil {
		return nil, err
	}
	data := buf.Bytes()
	// json.Encoder appends '\n'; trim it so payloads are plain JSON.
	if n := len(data); n > 0 && data[n-1] == '\n' {
		data = data[:n-1]
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}
