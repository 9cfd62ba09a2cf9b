// Package presence tracks which members currently hold a live connection.
// State is in-memory only; a restart forgets everyone, and clients
// re-register on reconnect.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/plantsocial/backend/internal/bus"
	"github.com/plantsocial/backend/internal/logger"
)

// Conn is an opaque connection handle. Entries compare handles on
// disconnect, so a late disconnect from a replaced connection does not evict
// the newer one. Handles must be comparable (pointers are).
type Conn any

// DisplayInfo is what the online list shows for a member.
type DisplayInfo struct {
	Username string
	FullName string
}

// Entry is the whole presence record for one member. Entries are replaced
// wholesale, never mutated in place, so readers can never observe a
// half-written record.
type Entry struct {
	UserID      string
	Username    string
	FullName    string
	ConnectedAt time.Time
	conn        Conn
}

type lifecycleEvent struct {
	connect bool
	userID  string
	conn    Conn
	info    DisplayInfo
}

// Tracker owns the presence table. Connection lifecycle events arrive over a
// channel and are applied by the Run loop, decoupling connection-handling
// goroutines from table updates; reads go straight to the table under a
// read lock and stay O(1).
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]*Entry

	bus    bus.Bus
	events chan lifecycleEvent
	done   chan struct{}
}

func NewTracker(b bus.Bus) *Tracker {
	return &Tracker{
		entries: make(map[string]*Entry),
		bus:     b,
		events:  make(chan lifecycleEvent, 64),
		done:    make(chan struct{}),
	}
}

// Run applies lifecycle events until ctx is cancelled. Exactly one Run loop
// consumes the event channel, so connect/disconnect for the same member are
// applied in arrival order.
func (t *Tracker) Run(ctx context.Context) {
	defer close(t.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-t.events:
			if ev.connect {
				t.applyConnect(ev)
			} else {
				t.applyDisconnect(ev)
			}
			t.broadcast()
		}
	}
}

// Connect registers a live connection for a member. A second connection for
// the same member replaces the first (last-connect-wins).
func (t *Tracker) Connect(userID string, conn Conn, info DisplayInfo) {
	select {
	case t.events <- lifecycleEvent{connect: true, userID: userID, conn: conn, info: info}:
	case <-t.done:
	}
}

// Disconnect removes the member's entry if it still belongs to conn.
// Disconnects for unknown members are a no-op, not an error: duplicate
// close signals are normal.
func (t *Tracker) Disconnect(userID string, conn Conn) {
	select {
	case t.events <- lifecycleEvent{userID: userID, conn: conn}:
	case <-t.done:
	}
}

func (t *Tracker) applyConnect(ev lifecycleEvent) {
	entry := &Entry{
		UserID:      ev.userID,
		Username:    ev.info.Username,
		FullName:    ev.info.FullName,
		ConnectedAt: time.Now().UTC(),
		conn:        ev.conn,
	}
	t.mu.Lock()
	t.entries[ev.userID] = entry
	t.mu.Unlock()
}

func (t *Tracker) applyDisconnect(ev lifecycleEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[ev.userID]
	if !ok {
		return
	}
	// A disconnect from a connection that was already replaced must not
	// take down the replacement session.
	if ev.conn != nil && entry.conn != ev.conn {
		return
	}
	delete(t.entries, ev.userID)
}

func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.entries[userID]
	return ok
}

// ListOnline returns a snapshot of all online members, ordered by member id
// for stable output.
func (t *Tracker) ListOnline() []Entry {
	t.mu.RLock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// broadcast publishes the full online snapshot to the presence channel.
// Runs on the Run goroutine, outside the table lock.
func (t *Tracker) broadcast() {
	online := t.ListOnline()
	members := make([]bus.OnlineMember, 0, len(online))
	for _, e := range online {
		members = append(members, bus.OnlineMember{
			UserID:      e.UserID,
			Username:    e.Username,
			FullName:    e.FullName,
			ConnectedAt: e.ConnectedAt,
		})
	}
	payload, err := bus.Marshal(bus.Envelope{Type: bus.EventPresence, Payload: bus.PresencePayload{Online: members}})
	if err != nil {
		logger.Errorf("presence: marshal snapshot: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := t.bus.Publish(ctx, bus.PresenceChannel, payload); err != nil {
		logger.Errorf("presence: publish snapshot: %v", err)
	}
}
