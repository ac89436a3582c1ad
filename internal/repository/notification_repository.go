package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Notification repository errors
var (
	ErrNotificationNotFound = errors.New("notification not found")
)

// NotificationRepository stores in-portal administrator notifications
type NotificationRepository interface {
	Insert(ctx context.Context, notification *Notification) error
	ListByRecipient(ctx context.Context, recipientID uuid.UUID, unreadOnly bool, limit int) ([]Notification, error)
	MarkRead(ctx context.Context, id uuid.UUID) error
}

// notificationRepository implements NotificationRepository using PostgreSQL
type notificationRepository struct {
	pool *pgxpool.Pool
}

// NewNotificationRepository creates a new NotificationRepository instance
func NewNotificationRepository(pool *pgxpool.Pool) NotificationRepository {
	return &notificationRepository{pool: pool}
}

// Insert creates a notification row
func (r *notificationRepository) Insert(ctx context.Context, notification *Notification) error {
	query := `
		INSERT INTO notifications (recipient_account_id, title, message, severity, link)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, read, created_at
	`

	err := r.pool.QueryRow(ctx, query,
		notification.RecipientID,
		notification.Title,
		notification.Message,
		notification.Severity,
		notification.Link,
	).Scan(&notification.ID, &notification.Read, &notification.CreatedAt)

	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}

	return nil
}

// ListByRecipient returns notifications for one administrator, newest first
func (r *notificationRepository) ListByRecipient(ctx context.Context, recipientID uuid.UUID, unreadOnly bool, limit int) ([]Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `
		SELECT id, recipient_account_id, title, message, severity, link, read, created_at
		FROM notifications
		WHERE recipient_account_id = $1 AND (NOT $2 OR NOT read)
		ORDER BY created_at DESC
		LIMIT $3
	`

	rows, err := r.pool.Query(ctx, query, recipientID, unreadOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var notifications []Notification
	for rows.Next() {
		var n Notification
		err := rows.Scan(
			&n.ID,
			&n.RecipientID,
			&n.Title,
			&n.Message,
			&n.Severity,
			&n.Link,
			&n.Read,
			&n.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}

	return notifications, rows.Err()
}

// MarkRead flags a notification as read
func (r *notificationRepository) MarkRead(ctx context.Context, id uuid.UUID) error {
	result, err := r.pool.Exec(ctx, `UPDATE notifications SET read = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotificationNotFound
	}
	return nil
}
