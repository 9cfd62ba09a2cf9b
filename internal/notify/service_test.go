package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plantsocial/backend/internal/bus"
	"github.com/plantsocial/backend/internal/model"
)

type memStore struct {
	mu        sync.Mutex
	created   []model.Notification
	createErr error
}

func (s *memStore) Create(ctx context.Context, n *model.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	s.created = append(s.created, *n)
	return nil
}

func (s *memStore) ListForRecipient(ctx context.Context, recipientID string, page, pageSize int) ([]model.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Notification
	for i := len(s.created) - 1; i >= 0; i-- {
		if s.created[i].RecipientID == recipientID {
			out = append(out, s.created[i])
		}
	}
	return out, nil
}

func (s *memStore) UnreadCount(ctx context.Context, recipientID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, c := range s.created {
		if c.RecipientID == recipientID && !c.Read {
			n++
		}
	}
	return n, nil
}

func (s *memStore) MarkRead(ctx context.Context, id, recipientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.created {
		if s.created[i].ID == id && s.created[i].RecipientID == recipientID {
			s.created[i].Read = true
		}
	}
	return nil
}

func (s *memStore) stored() []model.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Notification(nil), s.created...)
}

type recordingBus struct {
	mu     sync.Mutex
	events map[string][][]byte
	err    error
}

func newRecordingBus() *recordingBus {
	return &recordingBus{events: make(map[string][][]byte)}
}

func (b *recordingBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.events[channel] = append(b.events[channel], payload)
	return nil
}

func (b *recordingBus) Subscribe(ctx context.Context, channels ...string) (bus.Subscription, error) {
	return nil, nil
}

func (b *recordingBus) Close() error { return nil }

func (b *recordingBus) published(channel string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.events[channel]...)
}

type recordingPusher struct {
	mu    sync.Mutex
	calls []string
}

func (p *recordingPusher) Notify(ctx context.Context, userID, title, body string, data map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, userID)
}

func (p *recordingPusher) recorded() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

type staticPresence struct{ online map[string]bool }

func (p staticPresence) IsOnline(userID string) bool { return p.online[userID] }

func TestNotifyPersistsAndPublishes(t *testing.T) {
	store := &memStore{}
	b := newRecordingBus()
	svc := NewService(store, b, nil, nil)

	err := svc.Notify(context.Background(), "bob", "alice", model.NotificationLike, "alice liked your photo", "post-1")
	require.NoError(t, err)

	created := store.stored()
	require.Len(t, created, 1)
	assert.Equal(t, "bob", created[0].RecipientID)
	assert.Equal(t, model.NotificationLike, created[0].Kind)
	assert.False(t, created[0].Read)
	assert.NotEmpty(t, created[0].ID)

	published := b.published(bus.UserNotificationsChannel("bob"))
	require.Len(t, published, 1)
	var env struct {
		Type    string             `json:"type"`
		Payload model.Notification `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(published[0], &env))
	assert.Equal(t, string(bus.EventNotification), env.Type)
	assert.Equal(t, created[0].ID, env.Payload.ID)
	assert.Equal(t, "alice liked your photo", env.Payload.Summary)
}

func TestNotifySuppressesSelf(t *testing.T) {
	store := &memStore{}
	b := newRecordingBus()
	svc := NewService(store, b, nil, nil)

	require.NoError(t, svc.Notify(context.Background(), "alice", "alice", model.NotificationLike, "x", ""))
	assert.Empty(t, store.stored())
	assert.Empty(t, b.published(bus.UserNotificationsChannel("alice")))

	// NEW_MESSAGE is exempt from self-suppression.
	require.NoError(t, svc.Notify(context.Background(), "alice", "alice", model.NotificationNewMessage, "x", ""))
	assert.Len(t, store.stored(), 1)
}

func TestNotifyStoreFailure(t *testing.T) {
	wantErr := errors.New("db down")
	store := &memStore{createErr: wantErr}
	b := newRecordingBus()
	svc := NewService(store, b, nil, nil)

	err := svc.Notify(context.Background(), "bob", "alice", model.NotificationFollow, "x", "")
	assert.ErrorIs(t, err, wantErr)
	assert.Empty(t, b.published(bus.UserNotificationsChannel("bob")))
}

func TestNotifyPublishFailureStillPersists(t *testing.T) {
	store := &memStore{}
	b := newRecordingBus()
	b.err = errors.New("bus unavailable")
	svc := NewService(store, b, nil, nil)

	err := svc.Notify(context.Background(), "bob", "alice", model.NotificationComment, "x", "")
	require.NoError(t, err)
	assert.Len(t, store.stored(), 1)
}

func TestNotifyPushesOnlyWhenOffline(t *testing.T) {
	store := &memStore{}
	b := newRecordingBus()
	pusher := &recordingPusher{}
	presence := staticPresence{online: map[string]bool{"online-user": true}}
	svc := NewService(store, b, pusher, presence)

	require.NoError(t, svc.Notify(context.Background(), "online-user", "alice", model.NotificationLike, "x", ""))
	require.NoError(t, svc.Notify(context.Background(), "offline-user", "alice", model.NotificationLike, "x", ""))

	require.Eventually(t, func() bool {
		return len(pusher.recorded()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"offline-user"}, pusher.recorded())
}

func TestMarkReadAndUnreadCount(t *testing.T) {
	store := &memStore{}
	svc := NewService(store, newRecordingBus(), nil, nil)

	require.NoError(t, svc.Notify(context.Background(), "bob", "alice", model.NotificationLike, "one", ""))
	require.NoError(t, svc.Notify(context.Background(), "bob", "carol", model.NotificationFollow, "two", ""))

	unread, err := svc.UnreadCount(context.Background(), "bob")
	require.NoError(t, err)
	assert.EqualValues(t, 2, unread)

	list, err := svc.List(context.Background(), "bob", 0, 50)
	require.NoError(t, err)
	require.Len(t, list, 2)

	require.NoError(t, svc.MarkRead(context.Background(), list[0].ID, "bob"))
	unread, err = svc.UnreadCount(context.Background(), "bob")
	require.NoError(t, err)
	assert.EqualValues(t, 1, unread)
}
