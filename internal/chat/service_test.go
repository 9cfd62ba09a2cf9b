package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plantsocial/backend/internal/bus"
	"github.com/plantsocial/backend/internal/model"
	"github.com/plantsocial/backend/internal/repository"
)

// ---- in-memory fakes ----

type memRooms struct {
	mu      sync.Mutex
	rooms   map[string]*model.Room
	members map[string]map[string]model.Membership
}

func newMemRooms() *memRooms {
	return &memRooms{
		rooms:   make(map[string]*model.Room),
		members: make(map[string]map[string]model.Membership),
	}
}

func (s *memRooms) Create(ctx context.Context, room *model.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *room
	s.rooms[room.ID] = &cp
	s.members[room.ID] = make(map[string]model.Membership)
	return nil
}

func (s *memRooms) CreatePrivateWithMembers(ctx context.Context, room *model.Room, members []*model.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rooms {
		if r.PairKey != "" && r.PairKey == room.PairKey {
			return repository.ErrDuplicate
		}
	}
	cp := *room
	s.rooms[room.ID] = &cp
	s.members[room.ID] = make(map[string]model.Membership)
	for _, m := range members {
		s.members[room.ID][m.UserID] = *m
	}
	return nil
}

func (s *memRooms) GetByID(ctx context.Context, id string) (*model.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *memRooms) FindPrivateRoom(ctx context.Context, userA, userB string) (*model.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := model.PairKey(userA, userB)
	for _, r := range s.rooms {
		if r.PairKey == key {
			cp := *r
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *memRooms) AddMember(ctx context.Context, m *model.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[m.RoomID]; !ok {
		s.members[m.RoomID] = make(map[string]model.Membership)
	}
	if _, ok := s.members[m.RoomID][m.UserID]; ok {
		return repository.ErrDuplicate
	}
	s.members[m.RoomID][m.UserID] = *m
	return nil
}

func (s *memRooms) RemoveMember(ctx context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members[roomID], userID)
	return nil
}

func (s *memRooms) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.members[roomID][userID]
	return ok, nil
}

func (s *memRooms) GetMemberIDs(ctx context.Context, roomID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.members[roomID]))
	for id := range s.members[roomID] {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *memRooms) GetMembers(ctx context.Context, roomID string) ([]model.RoomMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.RoomMember, 0, len(s.members[roomID]))
	for id, m := range s.members[roomID] {
		out = append(out, model.RoomMember{UserID: id, Role: m.Role})
	}
	return out, nil
}

func (s *memRooms) GetRoomsForMember(ctx context.Context, userID string) ([]model.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Room
	for id, members := range s.members {
		if _, ok := members[userID]; ok {
			out = append(out, *s.rooms[id])
		}
	}
	return out, nil
}

func (s *memRooms) roomCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

type memMessages struct {
	mu   sync.Mutex
	byID map[string][]model.Message
	seq  int64
}

func newMemMessages() *memMessages {
	return &memMessages{byID: make(map[string][]model.Message)}
}

func (s *memMessages) Create(ctx context.Context, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	m.Seq = s.seq
	s.byID[m.RoomID] = append(s.byID[m.RoomID], *m)
	return nil
}

func (s *memMessages) ListPage(ctx context.Context, roomID string, page, pageSize int) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.byID[roomID]
	// Newest first.
	out := make([]model.Message, 0, pageSize)
	for i := len(all) - 1 - page*pageSize; i >= 0 && len(out) < pageSize; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (s *memMessages) GetLast(ctx context.Context, roomID string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.byID[roomID]
	if len(all) == 0 {
		return nil, nil
	}
	cp := all[len(all)-1]
	return &cp, nil
}

func (s *memMessages) count(roomID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID[roomID])
}

type memUsers struct {
	mu    sync.Mutex
	byID  map[string]*model.User
}

func newMemUsers(users ...*model.User) *memUsers {
	s := &memUsers{byID: make(map[string]*model.User)}
	for _, u := range users {
		s.byID[u.ID] = u
	}
	return s
}

func (s *memUsers) GetByID(ctx context.Context, id string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// recordingBus captures published payloads per channel.
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
	return nil, fmt.Errorf("not implemented")
}

func (b *recordingBus) Close() error { return nil }

func (b *recordingBus) published(channel string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.events[channel]...)
}

type recordedNotify struct {
	RecipientID string
	SenderID    string
	Kind        model.NotificationKind
	Summary     string
	RelatedID   string
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []recordedNotify
}

func (n *recordingNotifier) Notify(ctx context.Context, recipientID, senderID string, kind model.NotificationKind, summary, relatedID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, recordedNotify{recipientID, senderID, kind, summary, relatedID})
	return nil
}

func (n *recordingNotifier) recorded() []recordedNotify {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]recordedNotify(nil), n.calls...)
}

func testUser(username string) *model.User {
	return &model.User{ID: uuid.New().String(), Username: username, FullName: "Full " + username}
}

// ---- RoomService ----

func TestGetOrCreatePrivateRoomConcurrent(t *testing.T) {
	alice, bob := testUser("alice"), testUser("bob")
	rooms := newMemRooms()
	svc := NewRoomService(rooms, newMemMessages(), newMemUsers(alice, bob), newRecordingBus())

	const n = 16
	sums := make([]*model.RoomSummary, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			sum, err := svc.GetOrCreatePrivateRoom(context.Background(), alice.ID, bob.ID)
			require.NoError(t, err)
			sums[i] = sum
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, rooms.roomCount())
	for _, sum := range sums {
		assert.Equal(t, sums[0].Room.ID, sum.Room.ID)
		// Losers read the winner's room; it must never appear without both
		// memberships in place.
		assert.Len(t, sum.Members, 2)
	}
}

func TestGetOrCreatePrivateRoomValidation(t *testing.T) {
	alice := testUser("alice")
	svc := NewRoomService(newMemRooms(), newMemMessages(), newMemUsers(alice), newRecordingBus())

	_, err := svc.GetOrCreatePrivateRoom(context.Background(), alice.ID, alice.ID)
	assert.ErrorIs(t, err, ErrInvalidOperation)

	_, err = svc.GetOrCreatePrivateRoom(context.Background(), alice.ID, uuid.New().String())
	assert.ErrorIs(t, err, ErrTargetNotFound)
}

func TestGetOrCreatePrivateRoomReturnsExisting(t *testing.T) {
	alice, bob := testUser("alice"), testUser("bob")
	svc := NewRoomService(newMemRooms(), newMemMessages(), newMemUsers(alice, bob), newRecordingBus())

	first, err := svc.GetOrCreatePrivateRoom(context.Background(), alice.ID, bob.ID)
	require.NoError(t, err)
	// Reversed pair resolves to the same room.
	second, err := svc.GetOrCreatePrivateRoom(context.Background(), bob.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Room.ID, second.Room.ID)
	assert.Equal(t, model.RoomKindPrivate, second.Room.Kind)
	assert.Len(t, second.Members, 2)
}

func TestCreateGroupRoomSkipsUnknownInvitees(t *testing.T) {
	alice, bob := testUser("alice"), testUser("bob")
	rooms := newMemRooms()
	svc := NewRoomService(rooms, newMemMessages(), newMemUsers(alice, bob), newRecordingBus())

	sum, err := svc.CreateGroupRoom(context.Background(), "Garden Club", alice.ID,
		[]string{bob.ID, uuid.New().String()})
	require.NoError(t, err)
	require.Equal(t, model.RoomKindGroup, sum.Room.Kind)
	require.Len(t, sum.Members, 2)

	roles := make(map[string]model.MemberRole, 2)
	for _, m := range sum.Members {
		roles[m.UserID] = m.Role
	}
	assert.Equal(t, model.RoleOwner, roles[alice.ID])
	assert.Equal(t, model.RoleMember, roles[bob.ID])
}

func TestRoomCreationAnnounced(t *testing.T) {
	alice, bob := testUser("alice"), testUser("bob")
	b := newRecordingBus()
	svc := NewRoomService(newMemRooms(), newMemMessages(), newMemUsers(alice, bob), b)

	sum, err := svc.CreateGroupRoom(context.Background(), "Garden Club", alice.ID, []string{bob.ID})
	require.NoError(t, err)

	for _, uid := range []string{alice.ID, bob.ID} {
		published := b.published(bus.UserNotificationsChannel(uid))
		require.Len(t, published, 1, "announcement for %s", uid)
		typ, payload := decodeEnvelope(t, published[0])
		assert.Equal(t, string(bus.EventRoomCreated), typ)
		var got model.RoomSummary
		require.NoError(t, json.Unmarshal(payload, &got))
		assert.Equal(t, sum.Room.ID, got.Room.ID)
	}

	// An existing room is returned, not re-announced.
	_, err = svc.GetOrCreatePrivateRoom(context.Background(), alice.ID, bob.ID)
	require.NoError(t, err)
	_, err = svc.GetOrCreatePrivateRoom(context.Background(), bob.ID, alice.ID)
	require.NoError(t, err)
	assert.Len(t, b.published(bus.UserNotificationsChannel(alice.ID)), 2)
}

func TestAddMemberErrors(t *testing.T) {
	alice, bob, carol := testUser("alice"), testUser("bob"), testUser("carol")
	rooms := newMemRooms()
	svc := NewRoomService(rooms, newMemMessages(), newMemUsers(alice, bob, carol), newRecordingBus())

	err := svc.AddMember(context.Background(), uuid.New().String(), bob.ID, alice.ID)
	assert.ErrorIs(t, err, ErrRoomNotFound)

	private, err := svc.GetOrCreatePrivateRoom(context.Background(), alice.ID, bob.ID)
	require.NoError(t, err)
	err = svc.AddMember(context.Background(), private.Room.ID, carol.ID, alice.ID)
	assert.ErrorIs(t, err, ErrInvalidOperation)

	group, err := svc.CreateGroupRoom(context.Background(), "greenhouse", alice.ID, nil)
	require.NoError(t, err)

	err = svc.AddMember(context.Background(), group.Room.ID, carol.ID, bob.ID)
	assert.ErrorIs(t, err, ErrNotAMember)

	err = svc.AddMember(context.Background(), group.Room.ID, uuid.New().String(), alice.ID)
	assert.ErrorIs(t, err, ErrTargetNotFound)

	require.NoError(t, svc.AddMember(context.Background(), group.Room.ID, carol.ID, alice.ID))
	err = svc.AddMember(context.Background(), group.Room.ID, carol.ID, alice.ID)
	assert.ErrorIs(t, err, ErrAlreadyMember)
}

// blindRooms hides one member from IsMember, like the window between a
// concurrent invite's membership check and its insert.
type blindRooms struct {
	*memRooms
	blind string
}

func (s *blindRooms) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	if userID == s.blind {
		return false, nil
	}
	return s.memRooms.IsMember(ctx, roomID, userID)
}

func TestAddMemberConcurrentInviteSurfacesAlreadyMember(t *testing.T) {
	alice, carol := testUser("alice"), testUser("carol")
	rooms := &blindRooms{memRooms: newMemRooms(), blind: carol.ID}
	svc := NewRoomService(rooms, newMemMessages(), newMemUsers(alice, carol), newRecordingBus())

	group, err := svc.CreateGroupRoom(context.Background(), "succulents", alice.ID, nil)
	require.NoError(t, err)

	require.NoError(t, svc.AddMember(context.Background(), group.Room.ID, carol.ID, alice.ID))
	// The membership check cannot see carol, so only the store's uniqueness
	// constraint stands between the two invites.
	err = svc.AddMember(context.Background(), group.Room.ID, carol.ID, alice.ID)
	assert.ErrorIs(t, err, ErrAlreadyMember)
}

func TestRemoveMember(t *testing.T) {
	alice, bob := testUser("alice"), testUser("bob")
	rooms := newMemRooms()
	svc := NewRoomService(rooms, newMemMessages(), newMemUsers(alice, bob), newRecordingBus())

	private, err := svc.GetOrCreatePrivateRoom(context.Background(), alice.ID, bob.ID)
	require.NoError(t, err)
	err = svc.RemoveMember(context.Background(), private.Room.ID, bob.ID, alice.ID)
	assert.ErrorIs(t, err, ErrInvalidOperation)

	group, err := svc.CreateGroupRoom(context.Background(), "ferns", alice.ID, []string{bob.ID})
	require.NoError(t, err)
	require.NoError(t, svc.RemoveMember(context.Background(), group.Room.ID, bob.ID, alice.ID))
	// Removing a non-member again is a no-op.
	require.NoError(t, svc.RemoveMember(context.Background(), group.Room.ID, bob.ID, alice.ID))

	isMember, err := rooms.IsMember(context.Background(), group.Room.ID, bob.ID)
	require.NoError(t, err)
	assert.False(t, isMember)
}

// ---- MessageService ----

type msgFixture struct {
	rooms    *memRooms
	msgs     *memMessages
	bus      *recordingBus
	notifier *recordingNotifier
	svc      *MessageService
	roomSvc  *RoomService
}

func newMsgFixture(users ...*model.User) *msgFixture {
	f := &msgFixture{
		rooms:    newMemRooms(),
		msgs:     newMemMessages(),
		bus:      newRecordingBus(),
		notifier: &recordingNotifier{},
	}
	userStore := newMemUsers(users...)
	f.svc = NewMessageService(f.rooms, f.msgs, userStore, f.bus, f.notifier)
	f.roomSvc = NewRoomService(f.rooms, f.msgs, userStore, f.bus)
	return f
}

func decodeEnvelope(t *testing.T, raw []byte) (string, json.RawMessage) {
	t.Helper()
	var env struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(raw, &env))
	return env.Type, env.Payload
}

func TestSendPublishesExactlyOnce(t *testing.T) {
	alice, bob, carol := testUser("alice"), testUser("bob"), testUser("carol")
	f := newMsgFixture(alice, bob, carol)

	group, err := f.roomSvc.CreateGroupRoom(context.Background(), "Garden Club", alice.ID, []string{bob.ID, carol.ID})
	require.NoError(t, err)

	msg, err := f.svc.Send(context.Background(), SendInput{
		RoomID:   group.Room.ID,
		SenderID: alice.ID,
		Body:     "the monstera is thriving",
	})
	require.NoError(t, err)
	require.NotEmpty(t, msg.ID)
	assert.Equal(t, model.MessageKindText, msg.Kind)
	require.NotNil(t, msg.Sender)
	assert.Equal(t, alice.Username, msg.Sender.Username)

	published := f.bus.published(bus.RoomChannel(group.Room.ID))
	require.Len(t, published, 1)
	typ, payload := decodeEnvelope(t, published[0])
	assert.Equal(t, string(bus.EventNewMessage), typ)
	var got model.Message
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, "the monstera is thriving", got.Body)

	// Every member except the sender gets a NEW_MESSAGE notification.
	calls := f.notifier.recorded()
	require.Len(t, calls, 2)
	recipients := map[string]bool{}
	for _, c := range calls {
		recipients[c.RecipientID] = true
		assert.Equal(t, model.NotificationNewMessage, c.Kind)
		assert.Equal(t, alice.ID, c.SenderID)
		assert.Equal(t, group.Room.ID, c.RelatedID)
		assert.Equal(t, "New message from "+alice.FullName, c.Summary)
	}
	assert.True(t, recipients[bob.ID])
	assert.True(t, recipients[carol.ID])
	assert.False(t, recipients[alice.ID])
}

func TestSendRejectsNonMember(t *testing.T) {
	alice, bob, mallory := testUser("alice"), testUser("bob"), testUser("mallory")
	f := newMsgFixture(alice, bob, mallory)

	room, err := f.roomSvc.GetOrCreatePrivateRoom(context.Background(), alice.ID, bob.ID)
	require.NoError(t, err)

	_, err = f.svc.Send(context.Background(), SendInput{
		RoomID:   room.Room.ID,
		SenderID: mallory.ID,
		Body:     "let me in",
	})
	assert.ErrorIs(t, err, ErrNotAMember)
	assert.Zero(t, f.msgs.count(room.Room.ID))
	assert.Empty(t, f.bus.published(bus.RoomChannel(room.Room.ID)))
	assert.Empty(t, f.notifier.recorded())
}

func TestSendUnknownRoom(t *testing.T) {
	alice := testUser("alice")
	f := newMsgFixture(alice)
	_, err := f.svc.Send(context.Background(), SendInput{RoomID: uuid.New().String(), SenderID: alice.ID, Body: "hi"})
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestSendLenientKindParsing(t *testing.T) {
	alice, bob := testUser("alice"), testUser("bob")
	f := newMsgFixture(alice, bob)
	room, err := f.roomSvc.GetOrCreatePrivateRoom(context.Background(), alice.ID, bob.ID)
	require.NoError(t, err)

	for in, want := range map[string]model.MessageKind{
		"":        model.MessageKindText,
		"image":   model.MessageKindImage,
		" FILE ":  model.MessageKindFile,
		"sticker": model.MessageKindText,
	} {
		msg, err := f.svc.Send(context.Background(), SendInput{
			RoomID: room.Room.ID, SenderID: alice.ID, Body: "x", Kind: in,
		})
		require.NoError(t, err)
		assert.Equal(t, want, msg.Kind, "kind %q", in)
	}
}

func TestTyping(t *testing.T) {
	alice, bob := testUser("alice"), testUser("bob")
	f := newMsgFixture(alice, bob)
	room, err := f.roomSvc.GetOrCreatePrivateRoom(context.Background(), alice.ID, bob.ID)
	require.NoError(t, err)

	// Empty sender is silently ignored.
	require.NoError(t, f.svc.Typing(context.Background(), room.Room.ID, ""))
	assert.Empty(t, f.bus.published(bus.RoomTypingChannel(room.Room.ID)))

	require.NoError(t, f.svc.Typing(context.Background(), room.Room.ID, alice.ID))
	published := f.bus.published(bus.RoomTypingChannel(room.Room.ID))
	require.Len(t, published, 1)
	typ, payload := decodeEnvelope(t, published[0])
	assert.Equal(t, string(bus.EventTyping), typ)
	var tp bus.TypingPayload
	require.NoError(t, json.Unmarshal(payload, &tp))
	assert.Equal(t, alice.ID, tp.UserID)
	assert.Equal(t, alice.Username, tp.Username)
	// Nothing persisted for typing.
	assert.Zero(t, f.msgs.count(room.Room.ID))
}

func TestHistoryNewestFirstAndClamped(t *testing.T) {
	alice, bob := testUser("alice"), testUser("bob")
	f := newMsgFixture(alice, bob)
	room, err := f.roomSvc.GetOrCreatePrivateRoom(context.Background(), alice.ID, bob.ID)
	require.NoError(t, err)

	for i := 0; i < 120; i++ {
		_, err := f.svc.Send(context.Background(), SendInput{
			RoomID: room.Room.ID, SenderID: alice.ID, Body: fmt.Sprintf("msg %03d", i),
		})
		require.NoError(t, err)
	}

	// Default page size.
	page, err := f.svc.History(context.Background(), room.Room.ID, bob.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, page, 50)
	assert.Equal(t, "msg 119", page[0].Body)
	assert.Equal(t, "msg 070", page[49].Body)

	// Oversized page size is clamped.
	page, err = f.svc.History(context.Background(), room.Room.ID, bob.ID, 0, 1000)
	require.NoError(t, err)
	assert.Len(t, page, 100)

	// Second page continues where the first left off.
	page, err = f.svc.History(context.Background(), room.Room.ID, bob.ID, 1, 50)
	require.NoError(t, err)
	require.Len(t, page, 50)
	assert.Equal(t, "msg 069", page[0].Body)

	// Non-members cannot read history.
	mallory := testUser("mallory")
	_, err = f.svc.History(context.Background(), room.Room.ID, mallory.ID, 0, 0)
	assert.ErrorIs(t, err, ErrNotAMember)
}

func TestSendOrderMatchesPersistOrder(t *testing.T) {
	alice, bob := testUser("alice"), testUser("bob")
	f := newMsgFixture(alice, bob)
	room, err := f.roomSvc.GetOrCreatePrivateRoom(context.Background(), alice.ID, bob.ID)
	require.NoError(t, err)

	const n = 40
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.Send(context.Background(), SendInput{
				RoomID: room.Room.ID, SenderID: alice.ID, Body: fmt.Sprintf("m%d", i),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	published := f.bus.published(bus.RoomChannel(room.Room.ID))
	require.Len(t, published, n)

	// The publish order on the channel matches the stored order.
	stored, err := f.svc.History(context.Background(), room.Room.ID, bob.ID, 0, 100)
	require.NoError(t, err)
	require.Len(t, stored, n)
	for i, raw := range published {
		_, payload := decodeEnvelope(t, raw)
		var got model.Message
		require.NoError(t, json.Unmarshal(payload, &got))
		// stored is newest first, published is oldest first.
		assert.Equal(t, stored[n-1-i].ID, got.ID)
	}
}
