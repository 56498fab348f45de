package service

import (
	"context"
	"time"

	"storefront-service/internal/broker"
	"storefront-service/internal/gateway"
	"storefront-service/internal/models"
	"storefront-service/internal/store"
)

// Ledger is the persistence the services depend on. *store.Store satisfies it.
type Ledger interface {
	InTx(ctx context.Context, fn func(tx store.Tx) error) error

	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	GetOrderDetail(ctx context.Context, id int64) (*models.Order, error)
	ListOrders(ctx context.Context, userID int64) ([]models.Order, error)
	DeleteOrder(ctx context.Context, id int64) error
	GetDashboardStats(ctx context.Context) (*models.DashboardStats, error)
	ListRecentOrders(ctx context.Context, limit int) ([]models.Order, error)

	HasEarnedReward(ctx context.Context, orderID int64) (bool, error)
	ListRewardHistory(ctx context.Context, userID int64, limit int) ([]models.RewardHistory, error)
	ListCompletedOrdersWithoutReward(ctx context.Context) ([]models.Order, error)
}

// PaymentGateway opens payment sessions and checks callbacks.
// *gateway.Client satisfies it.
type PaymentGateway interface {
	RequestPaymentSession(ctx context.Context, order *models.Order, user *models.User, items []gateway.LineItem, paymentMethod string) (*gateway.Session, error)
	ListPaymentMethods(ctx context.Context, amount int64) []gateway.PaymentMethod
	ValidateCallback(p *gateway.CallbackPayload) bool
}

// EventDispatcher queues events for asynchronous publication.
// *broker.Dispatcher satisfies it.
type EventDispatcher interface {
	Dispatch(key string, event broker.Event) bool
}

// Cache is the Redis surface used by the payment service.
// *redisclient.Client satisfies it.
type Cache interface {
	GetJSON(ctx context.Context, key string, dst interface{}) (bool, error)
	SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey string) error
	SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	CheckIdempotencyKey(ctx context.Context, key string) (bool, error)
}
