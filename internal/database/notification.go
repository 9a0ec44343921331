package database

import (
	"context"
	"fmt"

	"github.com/voxbridge/voxbridge/internal/database/models"
)

// notificationRepo implements NotificationRepository.
type notificationRepo struct {
	db *DB
}

// NewNotificationRepository creates a new NotificationRepository.
func NewNotificationRepository(db *DB) NotificationRepository {
	return &notificationRepo{db: db}
}

func (r *notificationRepo) Create(ctx context.Context, n *models.Notification) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO notifications (level, error_code, message) VALUES (?, ?, ?)`,
		n.Level, n.ErrorCode, n.Message,
	)
	if err != nil {
		return fmt.Errorf("inserting notification: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	n.ID = id
	return nil
}

func (r *notificationRepo) ListRecent(ctx context.Context, limit int) ([]models.Notification, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, level, error_code, message, created_at
		 FROM notifications ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying notifications: %w", err)
	}
	defer rows.Close()

	var notes []models.Notification
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.Level, &n.ErrorCode, &n.Message, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning notification row: %w", err)
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}
