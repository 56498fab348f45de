package worker

import (
	"context"
	"fmt"

	"storefront-service/internal/broker"
	"storefront-service/internal/models"
	"storefront-service/internal/util"

	"go.uber.org/zap"
)

// NotificationStore persists user notifications
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *models.Notification) error
}

// NotificationWorker consumes notification requests from the event topic and
// stores them for the user
type NotificationWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	store        NotificationStore
	logger       *zap.Logger
}

// NewNotificationWorker creates a new notification worker
func NewNotificationWorker(consumer *broker.Consumer, store NotificationStore) *NotificationWorker {
	w := &NotificationWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		store:        store,
		logger:       util.Named("notification-worker"),
	}
	w.eventHandler.OnNotificationRequested(w.HandleNotificationRequested)
	return w
}

// Start starts the worker
func (w *NotificationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting notification worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *NotificationWorker) Stop() error {
	w.logger.Info("Stopping notification worker")
	return w.consumer.Close()
}

// HandleNotificationRequested stores one requested notification
func (w *NotificationWorker) HandleNotificationRequested(ctx context.Context, event *models.NotificationRequestedEvent) error {
	n := event.Notification()
	if err := w.store.CreateNotification(ctx, n); err != nil {
		return fmt.Errorf("failed to store notification for user %d: %w", event.UserID, err)
	}

	w.logger.Debug("Stored notification",
		zap.Int64("user_id", n.UserID),
		zap.Int64("notification_id", n.ID),
		zap.String("type", n.Type))
	return nil
}
