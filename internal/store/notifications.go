package store

import (
	"context"
	"fmt"

	"storefront-service/internal/models"
)

// CreateNotification stores a user notification
func (s *Store) CreateNotification(ctx context.Context, n *models.Notification) error {
	data := n.Data
	if len(data) == 0 {
		data = []byte("{}")
	}

	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO notifications (user_id, type, title, message, data)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		n.UserID, n.Type, n.Title, n.Message, []byte(data),
	).Scan(&n.ID, &n.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}
