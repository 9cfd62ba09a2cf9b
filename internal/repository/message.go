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

// MessageRepository is the append-only per-room message log. Rows are never
// updated or deleted; seq is assigned by the database and breaks created_at
// ties so (created_at, seq) is the room's total order.
type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func (r *MessageRepository) Create(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	err := r.pool.QueryRow(ctx,
		`INSERT INTO messages (id, room_id, sender_id, body, kind, media_ref, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING seq`,
		m.ID, m.RoomID, m.SenderID, m.Body, m.Kind, m.MediaRef, m.CreatedAt,
	).Scan(&m.Seq)
	if err != nil {
		return fmt.Errorf("msgRepo.Create: %w", err)
	}
	return nil
}

// ListPage returns one history page, newest first.
func (r *MessageRepository) ListPage(ctx context.Context, roomID string, page, pageSize int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.ListPage", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT m.id, m.room_id, m.sender_id, m.body, m.kind, COALESCE(m.media_ref,''), m.seq, m.created_at,
		        u.id, u.username, u.full_name, u.avatar_url
		 FROM messages m
		 JOIN users u ON u.id = m.sender_id
		 WHERE m.room_id = $1
		 ORDER BY m.created_at DESC, m.seq DESC
		 LIMIT $2 OFFSET $3`, roomID, pageSize, page*pageSize,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.ListPage query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, pageSize)
	for rows.Next() {
		var m model.Message
		sender := &model.UserPublic{}
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Body, &m.Kind, &m.MediaRef, &m.Seq, &m.CreatedAt,
			&sender.ID, &sender.Username, &sender.FullName, &sender.AvatarURL); err != nil {
			return nil, fmt.Errorf("msgRepo.ListPage scan: %w", err)
		}
		m.Sender = sender
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.ListPage rows: %w", err)
	}
	return messages, nil
}

// GetLast returns the newest message of a room, or nil when the room has
// none.
func (r *MessageRepository) GetLast(ctx context.Context, roomID string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetLast", time.Now())()
	m := &model.Message{}
	sender := &model.UserPublic{}
	err := r.pool.QueryRow(ctx,
		`SELECT m.id, m.room_id, m.sender_id, m.body, m.kind, COALESCE(m.media_ref,''), m.seq, m.created_at,
		        u.id, u.username, u.full_name, u.avatar_url
		 FROM messages m
		 JOIN users u ON u.id = m.sender_id
		 WHERE m.room_id = $1
		 ORDER BY m.created_at DESC, m.seq DESC
		 LIMIT 1`, roomID,
	).Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Body, &m.Kind, &m.MediaRef, &m.Seq, &m.CreatedAt,
		&sender.ID, &sender.Username, &sender.FullName, &sender.AvatarURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetLast: %w", err)
	}
	m.Sender = sender
	return m, nil
}
