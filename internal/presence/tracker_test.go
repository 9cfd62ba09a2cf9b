package presence

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plantsocial/backend/internal/bus"
)

type recordingBus struct {
	mu     sync.Mutex
	events map[string][][]byte
}

func newRecordingBus() *recordingBus {
	return &recordingBus{events: make(map[string][][]byte)}
}

func (b *recordingBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[channel] = append(b.events[channel], payload)
	return nil
}

func (b *recordingBus) Subscribe(ctx context.Context, channels ...string) (bus.Subscription, error) {
	return nil, nil
}

func (b *recordingBus) Close() error { return nil }

func (b *recordingBus) count(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events[channel])
}

func (b *recordingBus) last(channel string) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	evs := b.events[channel]
	if len(evs) == 0 {
		return nil
	}
	return evs[len(evs)-1]
}

type fakeConn struct{ id int }

func startTracker(t *testing.T) (*Tracker, *recordingBus) {
	t.Helper()
	b := newRecordingBus()
	tr := NewTracker(b)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		tr.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return tr, b
}

func waitOnline(t *testing.T, tr *Tracker, userID string, online bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		return tr.IsOnline(userID) == online
	}, 2*time.Second, 5*time.Millisecond)
}

func TestConnectDisconnect(t *testing.T) {
	tr, b := startTracker(t)
	conn := &fakeConn{id: 1}

	tr.Connect("u1", conn, DisplayInfo{Username: "fernlover", FullName: "Fern Lover"})
	waitOnline(t, tr, "u1", true)

	online := tr.ListOnline()
	require.Len(t, online, 1)
	assert.Equal(t, "u1", online[0].UserID)
	assert.Equal(t, "fernlover", online[0].Username)
	assert.False(t, online[0].ConnectedAt.IsZero())

	tr.Disconnect("u1", conn)
	waitOnline(t, tr, "u1", false)
	assert.Empty(t, tr.ListOnline())

	// Two snapshots went out, one per lifecycle change.
	assert.Equal(t, 2, b.count(bus.PresenceChannel))
}

func TestSnapshotPayload(t *testing.T) {
	tr, b := startTracker(t)

	tr.Connect("u2", &fakeConn{id: 2}, DisplayInfo{Username: "mossy", FullName: "Moss Grower"})
	tr.Connect("u1", &fakeConn{id: 1}, DisplayInfo{Username: "fernlover", FullName: "Fern Lover"})
	waitOnline(t, tr, "u1", true)

	var env struct {
		Type    string              `json:"type"`
		Payload bus.PresencePayload `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(b.last(bus.PresenceChannel), &env))
	assert.Equal(t, string(bus.EventPresence), env.Type)
	require.Len(t, env.Payload.Online, 2)
	// Ordered by member id.
	assert.Equal(t, "u1", env.Payload.Online[0].UserID)
	assert.Equal(t, "u2", env.Payload.Online[1].UserID)
}

func TestReplacementConnection(t *testing.T) {
	tr, _ := startTracker(t)
	first := &fakeConn{id: 1}
	second := &fakeConn{id: 2}

	tr.Connect("u1", first, DisplayInfo{Username: "fernlover"})
	waitOnline(t, tr, "u1", true)
	tr.Connect("u1", second, DisplayInfo{Username: "fernlover"})

	// The first connection's late disconnect must not evict the new session.
	tr.Disconnect("u1", first)
	time.Sleep(50 * time.Millisecond)
	assert.True(t, tr.IsOnline("u1"))
	require.Len(t, tr.ListOnline(), 1)

	tr.Disconnect("u1", second)
	waitOnline(t, tr, "u1", false)
}

func TestDisconnectUnknownMember(t *testing.T) {
	tr, b := startTracker(t)

	tr.Disconnect("ghost", &fakeConn{id: 9})
	require.Eventually(t, func() bool {
		return b.count(bus.PresenceChannel) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, tr.ListOnline())
}
