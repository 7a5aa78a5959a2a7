package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/meridian-fin/be-approvals/internal/apperr"
	"github.com/meridian-fin/be-approvals/internal/database"
)

// NotificationRepository persists user-facing messages.
type NotificationRepository struct {
	db *database.DB
}

// NewNotificationRepository creates a new NotificationRepository.
func NewNotificationRepository(db *database.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create inserts a notification.
func (r *NotificationRepository) Create(ctx context.Context, n *Notification) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO notifications (user_id, title, body, related_type, related_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, is_read, created_at
	`, n.UserID, n.Title, n.Body, n.RelatedType, n.RelatedID).
		Scan(&n.ID, &n.IsRead, &n.CreatedAt)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to create notification")
	}
	return nil
}

// ListForUser returns a user's notifications, newest first.
func (r *NotificationRepository) ListForUser(ctx context.Context, userID string, unreadOnly bool) ([]*Notification, error) {
	query := `
		SELECT id, user_id, title, body, related_type, related_id, is_read, created_at
		FROM notifications
		WHERE user_id = $1
	`
	if unreadOnly {
		query += ` AND is_read = FALSE`
	}
	query += ` ORDER BY created_at DESC LIMIT 200`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to list notifications")
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		n := &Notification{}
		err := rows.Scan(&n.ID, &n.UserID, &n.Title, &n.Body, &n.RelatedType, &n.RelatedID, &n.IsRead, &n.CreatedAt)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to scan notification")
		}
		notifications = append(notifications, n)
	}
	return notifications, nil
}

// MarkRead marks a single notification read for its owner.
func (r *NotificationRepository) MarkRead(ctx context.Context, id, userID string) error {
	var returnedID string
	err := r.db.QueryRow(ctx, `
		UPDATE notifications
		SET is_read = TRUE
		WHERE id = $1 AND user_id = $2
		RETURNING id
	`, id, userID).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperr.NotFound("notification", id)
	}
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to mark notification read")
	}
	return nil
}
