package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"storefront-service/internal/models"
	"storefront-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const defaultPublishTimeout = 5 * time.Second

// Event is anything the dispatcher can publish
type Event interface {
	Type() string
}

// Publisher writes a keyed event to the bus. *Producer satisfies it.
type Publisher interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

type envelope struct {
	key   string
	event Event
}

// Dispatcher queues domain events and publishes them from a single background
// goroutine. Delivery is best effort: when the queue is full or the publish
// fails the event is dropped, logged and counted.
type Dispatcher struct {
	publisher      Publisher
	queue          chan envelope
	publishTimeout time.Duration
	logger         *zap.Logger
}

// NewDispatcher creates a dispatcher with a queue of the given capacity
func NewDispatcher(publisher Publisher, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Dispatcher{
		publisher:      publisher,
		queue:          make(chan envelope, queueSize),
		publishTimeout: defaultPublishTimeout,
		logger:         util.Named("dispatcher"),
	}
}

// Dispatch enqueues an event without blocking. It reports false when the
// event was dropped.
func (d *Dispatcher) Dispatch(key string, event Event) bool {
	select {
	case d.queue <- envelope{key: key, event: event}:
		return true
	default:
		util.EventsDroppedTotal.WithLabelValues("queue_full").Inc()
		d.logger.Warn("Event queue full, dropping event",
			zap.String("key", key),
			zap.String("type", event.Type()))
		return false
	}
}

// Run publishes queued events until ctx is cancelled, then flushes whatever
// is still queued.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("Event dispatcher started", zap.Int("capacity", cap(d.queue)))

	for {
		select {
		case env := <-d.queue:
			d.publish(ctx, env)
		case <-ctx.Done():
			d.drain()
			d.logger.Info("Event dispatcher stopped")
			return
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case env := <-d.queue:
			d.publish(context.Background(), env)
		default:
			return
		}
	}
}

func (d *Dispatcher) publish(ctx context.Context, env envelope) {
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, d.publishTimeout)
	defer cancel()

	if err := d.publisher.PublishEvent(ctx, env.key, env.event); err != nil {
		util.EventsDroppedTotal.WithLabelValues("publish_failed").Inc()
		d.logger.Warn("Failed to publish event, dropping",
			zap.String("key", env.key),
			zap.String("type", env.event.Type()),
			zap.Error(err))
		return
	}
	util.EventsDispatchedTotal.WithLabelValues(env.event.Type()).Inc()
}

// OrderKey is the partition key for events about one order
func OrderKey(orderID int64) string {
	return fmt.Sprintf("order-%d", orderID)
}

// UserKey is the partition key for events about one user
func UserKey(userID int64) string {
	return fmt.Sprintf("user-%d", userID)
}

// EventHandler handles incoming events
type EventHandler struct {
	onNotificationRequested func(context.Context, *models.NotificationRequestedEvent) error
	logger                  *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.Named("event-handler")}
}

// OnNotificationRequested registers a handler for NotificationRequested events
func (eh *EventHandler) OnNotificationRequested(handler func(context.Context, *models.NotificationRequestedEvent) error) {
	eh.onNotificationRequested = handler
}

// HandleMessage routes messages to appropriate handlers. Event types without
// a registered handler are acknowledged and skipped.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		eh.logger.Error("Discarding undecodable message", zap.Int64("offset", msg.Offset), zap.Error(err))
		return nil
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeNotificationRequested:
		if eh.onNotificationRequested != nil {
			var event models.NotificationRequestedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal NotificationRequested event: %w", err)
			}
			return eh.onNotificationRequested(ctx, &event)
		}
	}

	return nil
}
