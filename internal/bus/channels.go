package bus

// Channel keys are part of the client contract and must stay deterministic:
// clients resolve them from the relevant id alone.

// PresenceChannel carries the full online-member snapshot.
const PresenceChannel = "presence"

// RoomChannel is the per-room message channel.
func RoomChannel(roomID string) string {
	return "room:" + roomID
}

// RoomTypingChannel is the per-room transient typing channel.
func RoomTypingChannel(roomID string) string {
	return "room:" + roomID + ":typing"
}

// UserNotificationsChannel is the per-recipient personal alert channel.
func UserNotificationsChannel(userID string) string {
	return "notifications:" + userID
}
