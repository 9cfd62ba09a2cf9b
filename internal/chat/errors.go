package chat

import "errors"

// Domain failures surfaced to callers as typed errors. Storage failures are
// wrapped separately by the repositories and are never one of these.
var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrNotAMember       = errors.New("not a member of this room")
	ErrAlreadyMember    = errors.New("already a member")
	ErrInvalidOperation = errors.New("operation not allowed for this room")
	ErrTargetNotFound   = errors.New("target does not exist")
)
