package store

import (
	"context"

	"storefront-service/internal/models"
)

// HasEarnedReward reports whether an earned entry exists for the order
func (s *Store) HasEarnedReward(ctx context.Context, orderID int64) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM reward_histories WHERE order_id = $1 AND type = 'earned')", orderID)
	return exists, err
}

// ListRewardHistory returns the latest entries for a user, newest first
func (s *Store) ListRewardHistory(ctx context.Context, userID int64, limit int) ([]models.RewardHistory, error) {
	var history []models.RewardHistory
	err := s.db.SelectContext(ctx, &history, `
		SELECT rh.id, rh.user_id, rh.order_id, rh.points, rh.type, rh.description, rh.created_at,
			o.order_number
		FROM reward_histories rh
		LEFT JOIN orders o ON o.id = rh.order_id
		WHERE rh.user_id = $1
		ORDER BY rh.created_at DESC, rh.id DESC
		LIMIT $2`, userID, limit)
	return history, err
}
