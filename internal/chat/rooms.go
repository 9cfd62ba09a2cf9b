// Package chat is the core of the messaging subsystem: room management and
// message routing over durable stores and the pub/sub bus.
package chat

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/plantsocial/backend/internal/bus"
	"github.com/plantsocial/backend/internal/logger"
	"github.com/plantsocial/backend/internal/model"
	"github.com/plantsocial/backend/internal/repository"
)

// RoomService creates and locates rooms and enforces membership rules.
type RoomService struct {
	rooms RoomStore
	msgs  MessageStore
	users UserStore
	bus   bus.Bus

	subs   RoomSubscriber
	pairMu keyedMutex
}

func NewRoomService(rooms RoomStore, msgs MessageStore, users UserStore, b bus.Bus) *RoomService {
	return &RoomService{rooms: rooms, msgs: msgs, users: users, bus: b}
}

// SetSubscriber wires the live-connection layer in after construction (the
// hub depends on services, so it cannot be passed to the constructor).
func (s *RoomService) SetSubscriber(subs RoomSubscriber) {
	s.subs = subs
}

// CreateGroupRoom creates a GROUP room with creator as OWNER and every
// resolvable invited id as MEMBER. Unresolvable ids are skipped, not an
// error.
func (s *RoomService) CreateGroupRoom(ctx context.Context, name, creatorID string, memberIDs []string) (*model.RoomSummary, error) {
	defer logger.DeferLogDuration("chat.CreateGroupRoom", time.Now())()
	now := time.Now().UTC()
	room := &model.Room{
		ID:        uuid.New().String(),
		Kind:      model.RoomKindGroup,
		Name:      name,
		CreatedBy: creatorID,
		CreatedAt: now,
	}
	if err := s.rooms.Create(ctx, room); err != nil {
		return nil, err
	}

	if err := s.addMember(ctx, room.ID, creatorID, model.RoleOwner, now); err != nil {
		return nil, err
	}
	seen := map[string]bool{creatorID: true}
	for _, id := range memberIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, err := s.users.GetByID(ctx, id); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				logger.Infof("chat: skipping unknown invitee %s for room %s", id, room.ID)
				continue
			}
			return nil, err
		}
		if err := s.addMember(ctx, room.ID, id, model.RoleMember, now); err != nil {
			return nil, err
		}
	}

	logger.Infof("chat: group room %q created by %s", name, creatorID)
	sum, err := s.summary(ctx, room)
	if err != nil {
		return nil, err
	}
	s.announceRoom(ctx, sum)
	return sum, nil
}

// GetOrCreatePrivateRoom returns the PRIVATE room for the pair, creating it
// on first use. Safe under concurrent calls for the same pair: the pair_key
// uniqueness constraint in the store decides the winner, the per-pair mutex
// just keeps one process from racing itself.
func (s *RoomService) GetOrCreatePrivateRoom(ctx context.Context, userID, otherID string) (*model.RoomSummary, error) {
	defer logger.DeferLogDuration("chat.GetOrCreatePrivateRoom", time.Now())()
	if userID == otherID {
		return nil, ErrInvalidOperation
	}
	other, err := s.users.GetByID(ctx, otherID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrTargetNotFound
		}
		return nil, err
	}

	unlock := s.pairMu.lock(model.PairKey(userID, otherID))
	defer unlock()

	existing, err := s.rooms.FindPrivateRoom(ctx, userID, otherID)
	if err == nil {
		return s.summary(ctx, existing)
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	room := &model.Room{
		ID:        uuid.New().String(),
		Kind:      model.RoomKindPrivate,
		PairKey:   model.PairKey(userID, otherID),
		CreatedBy: userID,
		CreatedAt: now,
	}
	members := []*model.Membership{
		{RoomID: room.ID, UserID: userID, Role: model.RoleMember, JoinedAt: now},
		{RoomID: room.ID, UserID: otherID, Role: model.RoleMember, JoinedAt: now},
	}
	// Room and memberships land atomically, so a caller that loses the race
	// never reads the winner's room half-populated.
	if err := s.rooms.CreatePrivateWithMembers(ctx, room, members); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			// Another caller won the insert; use their room.
			winner, findErr := s.rooms.FindPrivateRoom(ctx, userID, otherID)
			if findErr != nil {
				return nil, findErr
			}
			return s.summary(ctx, winner)
		}
		return nil, err
	}
	if s.subs != nil {
		s.subs.JoinRoom(userID, room.ID)
		s.subs.JoinRoom(otherID, room.ID)
	}
	logger.Infof("chat: private room created between %s and %s", userID, other.ID)
	sum, err := s.summary(ctx, room)
	if err != nil {
		return nil, err
	}
	s.announceRoom(ctx, sum)
	return sum, nil
}

// ListRoomsForMember returns the member's rooms, most recently created
// first, enriched with member info and the last message.
func (s *RoomService) ListRoomsForMember(ctx context.Context, userID string) ([]model.RoomSummary, error) {
	defer logger.DeferLogDuration("chat.ListRoomsForMember", time.Now())()
	rooms, err := s.rooms.GetRoomsForMember(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]model.RoomSummary, 0, len(rooms))
	for i := range rooms {
		sum, err := s.summary(ctx, &rooms[i])
		if err != nil {
			logger.Errorf("chat: enrich room %s: %v", rooms[i].ID, err)
			continue
		}
		out = append(out, *sum)
	}
	return out, nil
}

// AddMember invites a member into a GROUP room on behalf of an existing
// member.
func (s *RoomService) AddMember(ctx context.Context, roomID, newMemberID, requesterID string) error {
	defer logger.DeferLogDuration("chat.AddMember", time.Now())()
	room, err := s.getRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room.Kind == model.RoomKindPrivate {
		return ErrInvalidOperation
	}
	isMember, err := s.rooms.IsMember(ctx, roomID, requesterID)
	if err != nil {
		return err
	}
	if !isMember {
		return ErrNotAMember
	}
	if _, err := s.users.GetByID(ctx, newMemberID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrTargetNotFound
		}
		return err
	}
	already, err := s.rooms.IsMember(ctx, roomID, newMemberID)
	if err != nil {
		return err
	}
	if already {
		return ErrAlreadyMember
	}
	if err := s.addMember(ctx, roomID, newMemberID, model.RoleMember, time.Now().UTC()); err != nil {
		// The membership check above can miss a concurrent invite; the
		// store's uniqueness constraint still reports it.
		if errors.Is(err, repository.ErrDuplicate) {
			return ErrAlreadyMember
		}
		return err
	}
	return nil
}

// RemoveMember removes a member from a GROUP room. Idempotent: removing a
// non-member is a no-op.
func (s *RoomService) RemoveMember(ctx context.Context, roomID, memberID, requesterID string) error {
	defer logger.DeferLogDuration("chat.RemoveMember", time.Now())()
	room, err := s.getRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room.Kind == model.RoomKindPrivate {
		return ErrInvalidOperation
	}
	if err := s.rooms.RemoveMember(ctx, roomID, memberID); err != nil {
		return err
	}
	if s.subs != nil {
		s.subs.LeaveRoom(memberID, roomID)
	}
	return nil
}

func (s *RoomService) getRoom(ctx context.Context, roomID string) (*model.Room, error) {
	room, err := s.rooms.GetByID(ctx, roomID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}
	return room, nil
}

func (s *RoomService) addMember(ctx context.Context, roomID, userID string, role model.MemberRole, now time.Time) error {
	m := &model.Membership{RoomID: roomID, UserID: userID, Role: role, JoinedAt: now}
	if err := s.rooms.AddMember(ctx, m); err != nil {
		return err
	}
	if s.subs != nil {
		s.subs.JoinRoom(userID, roomID)
	}
	return nil
}

// announceRoom tells every member about a new room over their personal
// channel, so open connections can show it without a refresh. Best-effort.
func (s *RoomService) announceRoom(ctx context.Context, sum *model.RoomSummary) {
	data, err := bus.Marshal(bus.Envelope{Type: bus.EventRoomCreated, Payload: sum})
	if err != nil {
		logger.Errorf("chat: marshal room %s announcement: %v", sum.Room.ID, err)
		return
	}
	for _, m := range sum.Members {
		if err := s.bus.Publish(ctx, bus.UserNotificationsChannel(m.UserID), data); err != nil {
			logger.Errorf("chat: announce room %s to %s: %v", sum.Room.ID, m.UserID, err)
		}
	}
}

func (s *RoomService) summary(ctx context.Context, room *model.Room) (*model.RoomSummary, error) {
	members, err := s.rooms.GetMembers(ctx, room.ID)
	if err != nil {
		return nil, err
	}
	last, err := s.msgs.GetLast(ctx, room.ID)
	if err != nil {
		return nil, err
	}
	return &model.RoomSummary{Room: *room, Members: members, LastMessage: last}, nil
}
