package service

import (
	"encoding/json"

	"storefront-service/internal/broker"
	"storefront-service/internal/models"

	"go.uber.org/zap"
)

// notify queues a user notification. It never fails the caller.
func notify(events EventDispatcher, logger *zap.Logger, userID int64, kind, title, message string, data map[string]interface{}) {
	event := &models.NotificationRequestedEvent{
		BaseEvent:        models.NewBaseEvent(models.EventTypeNotificationRequested),
		UserID:           userID,
		NotificationType: kind,
		Title:            title,
		Message:          message,
	}

	if len(data) > 0 {
		raw, err := json.Marshal(data)
		if err != nil {
			logger.Warn("Failed to encode notification data", zap.Int64("user_id", userID), zap.Error(err))
		} else {
			event.Data = raw
		}
	}

	events.Dispatch(broker.UserKey(userID), event)
}
