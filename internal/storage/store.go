package storage

import "context"

// SessionStore resolves opaque session ids to member ids. Sessions are
// written by the auth service, which is external to this backend; this side
// only reads and revokes. Implementations: redis.Client, memory.Client (for
// -dev without Redis).
type SessionStore interface {
	SetSession(ctx context.Context, sessionID, userID string) error
	GetSession(ctx context.Context, sessionID string) (string, error)
	DeleteSession(ctx context.Context, sessionID string) error
	Close() error
}
