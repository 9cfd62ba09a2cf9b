package model

import "time"

type RoomKind string

const (
	RoomKindPrivate RoomKind = "PRIVATE"
	RoomKindGroup   RoomKind = "GROUP"
)

type MemberRole string

const (
	RoleOwner  MemberRole = "OWNER"
	RoleMember MemberRole = "MEMBER"
)

// Room is an addressable conversation context. Kind is immutable after
// creation; PRIVATE rooms hold exactly two members for their whole lifetime.
type Room struct {
	ID        string    `json:"id"`
	Kind      RoomKind  `json:"kind"`
	Name      string    `json:"name,omitempty"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`

	// PairKey is set only for PRIVATE rooms: the two member ids joined in
	// lexical order. A unique index on it makes concurrent get-or-create
	// collapse to a single row.
	PairKey string `json:"-"`
}

type Membership struct {
	RoomID   string     `json:"room_id"`
	UserID   string     `json:"user_id"`
	Role     MemberRole `json:"role"`
	JoinedAt time.Time  `json:"joined_at"`
}

// RoomSummary is a room enriched for listings: members with display fields
// and the latest message, newest rooms first.
type RoomSummary struct {
	Room        Room         `json:"room"`
	Members     []RoomMember `json:"members"`
	LastMessage *Message     `json:"last_message,omitempty"`
}

// RoomMember combines a membership row with the member's display fields.
type RoomMember struct {
	UserID    string     `json:"user_id"`
	Username  string     `json:"username"`
	FullName  string     `json:"full_name"`
	AvatarURL string     `json:"avatar_url"`
	Role      MemberRole `json:"role"`
}

// PairKey returns the canonical private-room key for an unordered user pair.
func PairKey(userA, userB string) string {
	if userB < userA {
		userA, userB = userB, userA
	}
	return userA + ":" + userB
}
