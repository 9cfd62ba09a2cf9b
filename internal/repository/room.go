package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/plantsocial/backend/internal/logger"
	"github.com/plantsocial/backend/internal/model"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

// RoomRepository is the durable record of rooms and who belongs to them.
type RoomRepository struct {
	pool *pgxpool.Pool
}

func NewRoomRepository(pool *pgxpool.Pool) *RoomRepository {
	return &RoomRepository{pool: pool}
}

func (r *RoomRepository) Create(ctx context.Context, room *model.Room) error {
	defer logger.DeferLogDuration("room.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO rooms (id, kind, name, pair_key, created_by, created_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)`,
		room.ID, room.Kind, room.Name, room.PairKey, room.CreatedBy, room.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("roomRepo.Create: %w", err)
	}
	return nil
}

// CreatePrivateWithMembers inserts a PRIVATE room and both memberships in
// one transaction, so a concurrent reader never observes the room before its
// members are in place. The unique index on pair_key is the source of truth
// for "one private room per pair": the losing insert affects zero rows, the
// transaction rolls back and ErrDuplicate is returned, after which the
// caller re-reads the winner.
func (r *RoomRepository) CreatePrivateWithMembers(ctx context.Context, room *model.Room, members []*model.Membership) error {
	defer logger.DeferLogDuration("room.CreatePrivateWithMembers", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("roomRepo.CreatePrivateWithMembers begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO rooms (id, kind, name, pair_key, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (pair_key) DO NOTHING`,
		room.ID, room.Kind, room.Name, room.PairKey, room.CreatedBy, room.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("roomRepo.CreatePrivateWithMembers room: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicate
	}
	for _, m := range members {
		if _, err := tx.Exec(ctx,
			`INSERT INTO room_members (room_id, user_id, role, joined_at)
			 VALUES ($1, $2, $3, $4)`,
			m.RoomID, m.UserID, m.Role, m.JoinedAt,
		); err != nil {
			return fmt.Errorf("roomRepo.CreatePrivateWithMembers member: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("roomRepo.CreatePrivateWithMembers commit: %w", err)
	}
	return nil
}

func (r *RoomRepository) GetByID(ctx context.Context, id string) (*model.Room, error) {
	defer logger.DeferLogDuration("room.GetByID", time.Now())()
	room := &model.Room{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, kind, COALESCE(name,''), COALESCE(pair_key,''), created_by, created_at
		 FROM rooms WHERE id = $1`, id,
	).Scan(&room.ID, &room.Kind, &room.Name, &room.PairKey, &room.CreatedBy, &room.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("roomRepo.GetByID: %w", err)
	}
	return room, nil
}

// FindPrivateRoom looks up the PRIVATE room for an unordered user pair.
func (r *RoomRepository) FindPrivateRoom(ctx context.Context, userA, userB string) (*model.Room, error) {
	defer logger.DeferLogDuration("room.FindPrivateRoom", time.Now())()
	room := &model.Room{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, kind, COALESCE(name,''), COALESCE(pair_key,''), created_by, created_at
		 FROM rooms WHERE pair_key = $1`, model.PairKey(userA, userB),
	).Scan(&room.ID, &room.Kind, &room.Name, &room.PairKey, &room.CreatedBy, &room.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("roomRepo.FindPrivateRoom: %w", err)
	}
	return room, nil
}

// AddMember inserts a membership row. The (room_id, user_id) unique
// constraint decides duplicates: an insert that affects zero rows reports
// ErrDuplicate, so concurrent invites of the same member cannot both claim
// success.
func (r *RoomRepository) AddMember(ctx context.Context, m *model.Membership) error {
	defer logger.DeferLogDuration("room.AddMember", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO room_members (room_id, user_id, role, joined_at)
		 VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
		m.RoomID, m.UserID, m.Role, m.JoinedAt,
	)
	if err != nil {
		return fmt.Errorf("roomRepo.AddMember: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicate
	}
	return nil
}

func (r *RoomRepository) RemoveMember(ctx context.Context, roomID, userID string) error {
	defer logger.DeferLogDuration("room.RemoveMember", time.Now())()
	_, err := r.pool.Exec(ctx,
		`DELETE FROM room_members WHERE room_id = $1 AND user_id = $2`,
		roomID, userID,
	)
	if err != nil {
		return fmt.Errorf("roomRepo.RemoveMember: %w", err)
	}
	return nil
}

func (r *RoomRepository) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	defer logger.DeferLogDuration("room.IsMember", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM room_members WHERE room_id = $1 AND user_id = $2)`,
		roomID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("roomRepo.IsMember: %w", err)
	}
	return exists, nil
}

func (r *RoomRepository) GetMemberIDs(ctx context.Context, roomID string) ([]string, error) {
	defer logger.DeferLogDuration("room.GetMemberIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT user_id FROM room_members WHERE room_id = $1`, roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("roomRepo.GetMemberIDs query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("roomRepo.GetMemberIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("roomRepo.GetMemberIDs rows: %w", err)
	}
	return ids, nil
}

// GetMembers returns memberships joined with member display fields, in join
// order.
func (r *RoomRepository) GetMembers(ctx context.Context, roomID string) ([]model.RoomMember, error) {
	defer logger.DeferLogDuration("room.GetMembers", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT u.id, u.username, u.full_name, u.avatar_url, rm.role
		 FROM users u
		 JOIN room_members rm ON rm.user_id = u.id
		 WHERE rm.room_id = $1
		 ORDER BY rm.joined_at`, roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("roomRepo.GetMembers query: %w", err)
	}
	defer rows.Close()

	members := make([]model.RoomMember, 0, 8)
	for rows.Next() {
		var m model.RoomMember
		if err := rows.Scan(&m.UserID, &m.Username, &m.FullName, &m.AvatarURL, &m.Role); err != nil {
			return nil, fmt.Errorf("roomRepo.GetMembers scan: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("roomRepo.GetMembers rows: %w", err)
	}
	return members, nil
}

// GetRoomsForMember lists the member's rooms, most recently created first.
func (r *RoomRepository) GetRoomsForMember(ctx context.Context, userID string) ([]model.Room, error) {
	defer logger.DeferLogDuration("room.GetRoomsForMember", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT r.id, r.kind, COALESCE(r.name,''), COALESCE(r.pair_key,''), r.created_by, r.created_at
		 FROM rooms r
		 JOIN room_members rm ON rm.room_id = r.id
		 WHERE rm.user_id = $1
		 ORDER BY r.created_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("roomRepo.GetRoomsForMember query: %w", err)
	}
	defer rows.Close()

	rooms := make([]model.Room, 0, 16)
	for rows.Next() {
		var room model.Room
		if err := rows.Scan(&room.ID, &room.Kind, &room.Name, &room.PairKey, &room.CreatedBy, &room.CreatedAt); err != nil {
			return nil, fmt.Errorf("roomRepo.GetRoomsForMember scan: %w", err)
		}
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("roomRepo.GetRoomsForMember rows: %w", err)
	}
	return rooms, nil
}

// GetRoomIDsForMember returns just the ids, for channel subscription setup.
func (r *RoomRepository) GetRoomIDsForMember(ctx context.Context, userID string) ([]string, error) {
	defer logger.DeferLogDuration("room.GetRoomIDsForMember", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT room_id FROM room_members WHERE user_id = $1`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("roomRepo.GetRoomIDsForMember query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("roomRepo.GetRoomIDsForMember scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("roomRepo.GetRoomIDsForMember rows: %w", err)
	}
	return ids, nil
}
