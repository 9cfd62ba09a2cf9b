package chat

import (
	"context"
	"sync"

	"github.com/plantsocial/backend/internal/model"
)

// RoomStore is the durable record of rooms and memberships, implemented by
// repository.RoomRepository. Lookup misses return repository.ErrNotFound.
// The store's uniqueness constraints are the source of truth; in-memory
// locking in the services is only an optimization. CreatePrivateWithMembers
// inserts the room and its memberships atomically and returns
// repository.ErrDuplicate when the pair already has a room; AddMember
// returns repository.ErrDuplicate when the member is already in the room.
type RoomStore interface {
	Create(ctx context.Context, room *model.Room) error
	CreatePrivateWithMembers(ctx context.Context, room *model.Room, members []*model.Membership) error
	GetByID(ctx context.Context, id string) (*model.Room, error)
	FindPrivateRoom(ctx context.Context, userA, userB string) (*model.Room, error)
	AddMember(ctx context.Context, m *model.Membership) error
	RemoveMember(ctx context.Context, roomID, userID string) error
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
	GetMemberIDs(ctx context.Context, roomID string) ([]string, error)
	GetMembers(ctx context.Context, roomID string) ([]model.RoomMember, error)
	GetRoomsForMember(ctx context.Context, userID string) ([]model.Room, error)
}

// MessageStore is the append-only message log, implemented by
// repository.MessageRepository.
type MessageStore interface {
	Create(ctx context.Context, m *model.Message) error
	ListPage(ctx context.Context, roomID string, page, pageSize int) ([]model.Message, error)
	GetLast(ctx context.Context, roomID string) (*model.Message, error)
}

// UserStore resolves member ids to users, implemented by
// repository.UserRepository.
type UserStore interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
}

// Notifier is the notification fan-out sink, implemented by notify.Service.
type Notifier interface {
	Notify(ctx context.Context, recipientID, senderID string, kind model.NotificationKind, summary, relatedID string) error
}

// RoomSubscriber keeps live connections' channel subscriptions in step with
// membership changes, implemented by ws.Hub. Nil is fine: clients then pick
// up new rooms on reconnect.
type RoomSubscriber interface {
	JoinRoom(userID, roomID string)
	LeaveRoom(userID, roomID string)
}

// keyedMutex serializes critical sections per string key. Mutexes are kept
// for the process lifetime; key cardinality is bounded by active rooms and
// pairs.
type keyedMutex struct {
	mus sync.Map
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	v, _ := k.mus.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
