package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Product represents a product in the catalog
type Product struct {
	ID        int64           `db:"id" json:"id"`
	Name      string          `db:"name" json:"name"`
	Price     decimal.Decimal `db:"price" json:"price"`
	Stock     int             `db:"stock" json:"stock"`
	IsActive  bool            `db:"is_active" json:"isActive"`
	CreatedAt time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time       `db:"updated_at" json:"updatedAt"`
}

// ProductSummary is the product view embedded in order items.
type ProductSummary struct {
	ID    int64           `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

// User carries the account fields the order workflow needs.
type User struct {
	ID           int64     `db:"id" json:"id"`
	Username     string    `db:"username" json:"username"`
	Email        string    `db:"email" json:"email"`
	FullName     string    `db:"full_name" json:"fullName"`
	Phone        string    `db:"phone" json:"phone,omitempty"`
	Address      string    `db:"address" json:"address,omitempty"`
	Role         string    `db:"role" json:"role"`
	RewardPoints int64     `db:"reward_points" json:"rewardPoints"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
}

// IsAdmin reports whether the user holds the admin role.
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// Order represents a customer order
type Order struct {
	ID               int64           `db:"id" json:"id"`
	OrderNumber      string          `db:"order_number" json:"orderNumber"`
	UserID           int64           `db:"user_id" json:"userId"`
	TotalAmount      decimal.Decimal `db:"total_amount" json:"totalAmount"`
	Discount         decimal.Decimal `db:"discount" json:"discount"`
	FinalTotal       decimal.Decimal `db:"final_total" json:"finalTotal"`
	CouponCode       *string         `db:"coupon_code" json:"couponCode"`
	Status           string          `db:"status" json:"status"`
	PaymentMethod    string          `db:"payment_method" json:"paymentMethod"`
	DeliveryAddress  *string         `db:"delivery_address" json:"deliveryAddress"`
	Notes            *string         `db:"notes" json:"notes"`
	PaymentURL       *string         `db:"payment_url" json:"paymentUrl"`
	PaymentReference *string         `db:"payment_reference" json:"paymentReference"`
	PaymentCode      *string         `db:"payment_code" json:"paymentCode"`
	CreatedAt        time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updatedAt"`

	Items []OrderItem `db:"-" json:"items,omitempty"`
}

// OrderItem is a line of an order. Price is the product price at order time.
type OrderItem struct {
	ID        int64           `db:"id" json:"id"`
	OrderID   int64           `db:"order_id" json:"orderId"`
	ProductID int64           `db:"product_id" json:"productId"`
	Quantity  int             `db:"quantity" json:"quantity"`
	Price     decimal.Decimal `db:"price" json:"price"`
	Size      string          `db:"size" json:"size"`

	Product *ProductSummary `db:"-" json:"product,omitempty"`
}

// Subtotal returns price × quantity for the line.
func (i OrderItem) Subtotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// RewardHistory is one entry of the append-only points ledger.
type RewardHistory struct {
	ID          int64     `db:"id" json:"id"`
	UserID      int64     `db:"user_id" json:"userId"`
	OrderID     *int64    `db:"order_id" json:"orderId"`
	Points      int64     `db:"points" json:"points"`
	Type        string    `db:"type" json:"type"`
	Description string    `db:"description" json:"description"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`

	OrderNumber *string `db:"order_number" json:"orderNumber"`
}

// Notification is a user-facing message created on status changes.
type Notification struct {
	ID        int64           `db:"id" json:"id"`
	UserID    int64           `db:"user_id" json:"userId"`
	Type      string          `db:"type" json:"type"`
	Title     string          `db:"title" json:"title"`
	Message   string          `db:"message" json:"message"`
	Data      json.RawMessage `db:"data" json:"data,omitempty"`
	IsRead    bool            `db:"is_read" json:"isRead"`
	CreatedAt time.Time       `db:"created_at" json:"createdAt"`
}

// DashboardStats aggregates order counts for the admin view.
type DashboardStats struct {
	TotalOrders      int64           `db:"total_orders" json:"totalOrders"`
	PendingOrders    int64           `db:"pending_orders" json:"pendingOrders"`
	PaidOrders       int64           `db:"paid_orders" json:"paidOrders"`
	ProcessingOrders int64           `db:"processing_orders" json:"processingOrders"`
	CompletedOrders  int64           `db:"completed_orders" json:"completedOrders"`
	CancelledOrders  int64           `db:"cancelled_orders" json:"cancelledOrders"`
	TotalRevenue     decimal.Decimal `db:"total_revenue" json:"totalRevenue"`
}

// Order statuses
const (
	OrderStatusPending    = "pending"
	OrderStatusPaid       = "paid"
	OrderStatusProcessing = "processing"
	OrderStatusCompleted  = "completed"
	OrderStatusCancelled  = "cancelled"
)

// AdminStatuses are the values accepted by the admin status override.
var AdminStatuses = []string{
	OrderStatusPending,
	OrderStatusProcessing,
	OrderStatusCompleted,
	OrderStatusCancelled,
}

// IsAdminStatus reports whether status may be set through the admin override.
func IsAdminStatus(status string) bool {
	for _, s := range AdminStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// User roles
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Reward history types
const (
	RewardTypeEarned   = "earned"
	RewardTypeRedeemed = "redeemed"
)

// Notification types
const (
	NotificationOrderUpdate = "order_update"
	NotificationReward      = "reward"
	NotificationPayment     = "payment"
)

const (
	DefaultItemSize      = "medium"
	DefaultPaymentMethod = "cash"
)
