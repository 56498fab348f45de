package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeOrderCreated          = "ORDER_CREATED"
	EventTypeOrderPaid             = "ORDER_PAID"
	EventTypeOrderCancelled        = "ORDER_CANCELLED"
	EventTypeOrderStatusChanged    = "ORDER_STATUS_CHANGED"
	EventTypeRewardEarned          = "REWARD_EARNED"
	EventTypeNotificationRequested = "NOTIFICATION_REQUESTED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// NewBaseEvent stamps a fresh event id and time.
func NewBaseEvent(eventType string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}

// Type returns the event type, used by the dispatcher for metrics.
func (e BaseEvent) Type() string {
	return e.EventType
}

// OrderCreatedEvent published after an order transaction commits
type OrderCreatedEvent struct {
	BaseEvent
	OrderID     int64           `json:"order_id"`
	OrderNumber string          `json:"order_number"`
	UserID      int64           `json:"user_id"`
	FinalTotal  decimal.Decimal `json:"final_total"`
	Items       []OrderItemData `json:"items"`
}

// OrderPaidEvent published when the gateway confirms payment
type OrderPaidEvent struct {
	BaseEvent
	OrderID     int64  `json:"order_id"`
	OrderNumber string `json:"order_number"`
	Reference   string `json:"reference"`
}

// OrderCancelledEvent published when stock has been restored for an order
type OrderCancelledEvent struct {
	BaseEvent
	OrderID   int64  `json:"order_id"`
	Reason    string `json:"reason"`
	ActorID   int64  `json:"actor_id"`
	ActorRole string `json:"actor_role"`
}

// OrderStatusChangedEvent published on admin status overrides
type OrderStatusChangedEvent struct {
	BaseEvent
	OrderID   int64  `json:"order_id"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
}

// RewardEarnedEvent published when points are credited
type RewardEarnedEvent struct {
	BaseEvent
	UserID  int64  `json:"user_id"`
	OrderID *int64 `json:"order_id,omitempty"`
	Points  int64  `json:"points"`
}

// NotificationRequestedEvent asks the notification worker to store a message
type NotificationRequestedEvent struct {
	BaseEvent
	UserID           int64           `json:"user_id"`
	NotificationType string          `json:"notification_type"`
	Title            string          `json:"title"`
	Message          string          `json:"message"`
	Data             json.RawMessage `json:"data,omitempty"`
}

// Notification converts the event into a storable row.
func (e *NotificationRequestedEvent) Notification() *Notification {
	return &Notification{
		UserID:  e.UserID,
		Type:    e.NotificationType,
		Title:   e.Title,
		Message: e.Message,
		Data:    e.Data,
	}
}

// OrderItemData represents item data in events
type OrderItemData struct {
	ProductID int64           `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}
