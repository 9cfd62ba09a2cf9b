package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/plantsocial/backend/internal/logger"
	"github.com/plantsocial/backend/internal/model"
)

type NotificationRepository struct {
	pool *pgxpool.Pool
}

func NewNotificationRepository(pool *pgxpool.Pool) *NotificationRepository {
	return &NotificationRepository{pool: pool}
}

func (r *NotificationRepository) Create(ctx context.Context, n *model.Notification) error {
	defer logger.DeferLogDuration("notif.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO notifications (id, recipient_id, sender_id, kind, summary, related_id, read, created_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, NULLIF($6, ''), $7, $8)`,
		n.ID, n.RecipientID, n.SenderID, n.Kind, n.Summary, n.RelatedID, n.Read, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("notifRepo.Create: %w", err)
	}
	return nil
}

// ListForRecipient returns one page of the recipient's notifications, newest
// first, with sender display fields where a sender exists.
func (r *NotificationRepository) ListForRecipient(ctx context.Context, recipientID string, page, pageSize int) ([]model.Notification, error) {
	defer logger.DeferLogDuration("notif.ListForRecipient", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT n.id, n.recipient_id, COALESCE(n.sender_id,''), n.kind, n.summary, COALESCE(n.related_id,''), n.read, n.created_at,
		        COALESCE(u.id,''), COALESCE(u.username,''), COALESCE(u.full_name,''), COALESCE(u.avatar_url,'')
		 FROM notifications n
		 LEFT JOIN users u ON u.id = n.sender_id
		 WHERE n.recipient_id = $1
		 ORDER BY n.created_at DESC, n.id
		 LIMIT $2 OFFSET $3`, recipientID, pageSize, page*pageSize,
	)
	if err != nil {
		return nil, fmt.Errorf("notifRepo.ListForRecipient query: %w", err)
	}
	defer rows.Close()

	items := make([]model.Notification, 0, pageSize)
	for rows.Next() {
		var n model.Notification
		sender := &model.UserPublic{}
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.SenderID, &n.Kind, &n.Summary, &n.RelatedID, &n.Read, &n.CreatedAt,
			&sender.ID, &sender.Username, &sender.FullName, &sender.AvatarURL); err != nil {
			return nil, fmt.Errorf("notifRepo.ListForRecipient scan: %w", err)
		}
		if sender.ID != "" {
			n.Sender = sender
		}
		items = append(items, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notifRepo.ListForRecipient rows: %w", err)
	}
	return items, nil
}

func (r *NotificationRepository) UnreadCount(ctx context.Context, recipientID string) (int64, error) {
	defer logger.DeferLogDuration("notif.UnreadCount", time.Now())()
	var count int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM notifications WHERE recipient_id = $1 AND read = false`,
		recipientID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("notifRepo.UnreadCount: %w", err)
	}
	return count, nil
}

// MarkRead flips the read flag. Scoped to the recipient so one user cannot
// mark another's notifications.
func (r *NotificationRepository) MarkRead(ctx context.Context, id, recipientID string) error {
	defer logger.DeferLogDuration("notif.MarkRead", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE notifications SET read = true WHERE id = $1 AND recipient_id = $2`,
		id, recipientID,
	)
	if err != nil {
		return fmt.Errorf("notifRepo.MarkRead: %w", err)
	}
	return nil
}
