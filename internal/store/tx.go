package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"storefront-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Tx is the set of writes the order workflow performs atomically. Reads that
// end in ForUpdate (and LockProducts) take row locks held until commit.
type Tx interface {
	LockProducts(ctx context.Context, ids []int64) (map[int64]*models.Product, error)
	UpdateProductStock(ctx context.Context, productID int64, stock int) error

	CreateOrder(ctx context.Context, order *models.Order) error
	CreateOrderItem(ctx context.Context, item *models.OrderItem) error
	GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	GetOrderForUpdate(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByNumberForUpdate(ctx context.Context, orderNumber string) (*models.Order, error)
	SetOrderPayment(ctx context.Context, orderID int64, paymentURL, reference, code string) error
	UpdateOrderStatus(ctx context.Context, orderID int64, status string) error
	MarkOrderPaid(ctx context.Context, orderID int64, reference string) error

	GetUserForUpdate(ctx context.Context, id int64) (*models.User, error)
	AddRewardPoints(ctx context.Context, userID, points int64) error
	CreateRewardHistory(ctx context.Context, entry *models.RewardHistory) error
}

type sqlTx struct {
	tx *sqlx.Tx
}

// LockProducts loads and row-locks the given products in ascending id order,
// so concurrent orders over the same products cannot deadlock.
func (t *sqlTx) LockProducts(ctx context.Context, ids []int64) (map[int64]*models.Product, error) {
	var products []models.Product
	err := t.tx.SelectContext(ctx, &products,
		"SELECT * FROM products WHERE id = ANY($1) ORDER BY id FOR UPDATE", pq.Array(ids))
	if err != nil {
		return nil, classify(fmt.Errorf("failed to lock products: %w", err))
	}

	locked := make(map[int64]*models.Product, len(products))
	for i := range products {
		locked[products[i].ID] = &products[i]
	}
	return locked, nil
}

// UpdateProductStock writes the stock value computed by the caller
func (t *sqlTx) UpdateProductStock(ctx context.Context, productID int64, stock int) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE products SET stock = $1, updated_at = NOW() WHERE id = $2",
		stock, productID)
	if err != nil {
		return classify(fmt.Errorf("failed to update stock for product %d: %w", productID, err))
	}
	return nil
}

// CreateOrder inserts the order row and fills in generated columns
func (t *sqlTx) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (order_number, user_id, total_amount, discount, final_total, coupon_code,
			status, payment_method, delivery_address, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at`

	err := t.tx.GetContext(ctx, order, query,
		order.OrderNumber, order.UserID, order.TotalAmount, order.Discount, order.FinalTotal,
		order.CouponCode, order.Status, order.PaymentMethod, order.DeliveryAddress, order.Notes)
	if err != nil {
		return classify(fmt.Errorf("failed to insert order: %w", err))
	}
	return nil
}

// CreateOrderItem creates a new order item
func (t *sqlTx) CreateOrderItem(ctx context.Context, item *models.OrderItem) error {
	query := `
		INSERT INTO order_items (order_id, product_id, quantity, price, size)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	if err := t.tx.GetContext(ctx, &item.ID, query,
		item.OrderID, item.ProductID, item.Quantity, item.Price, item.Size); err != nil {
		return classify(fmt.Errorf("failed to insert order item: %w", err))
	}
	return nil
}

// GetOrderItems retrieves the items of an order with their products
func (t *sqlTx) GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	return selectOrderItems(ctx, t.tx, orderID)
}

func (t *sqlTx) GetOrderForUpdate(ctx context.Context, id int64) (*models.Order, error) {
	return getOrder(ctx, t.tx, "SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", id)
}

func (t *sqlTx) GetOrderByNumberForUpdate(ctx context.Context, orderNumber string) (*models.Order, error) {
	return getOrder(ctx, t.tx, "SELECT "+orderColumns+" FROM orders WHERE order_number = $1 FOR UPDATE", orderNumber)
}

// SetOrderPayment stores the payment session returned by the gateway
func (t *sqlTx) SetOrderPayment(ctx context.Context, orderID int64, paymentURL, reference, code string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE orders SET payment_url = $1, payment_reference = $2, payment_code = $3, updated_at = NOW()
		WHERE id = $4`,
		paymentURL, reference, code, orderID)
	if err != nil {
		return fmt.Errorf("failed to store payment info: %w", err)
	}
	return nil
}

// UpdateOrderStatus updates order status
func (t *sqlTx) UpdateOrderStatus(ctx context.Context, orderID int64, status string) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2",
		status, orderID)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	return nil
}

// MarkOrderPaid moves the order to paid and records the gateway reference
func (t *sqlTx) MarkOrderPaid(ctx context.Context, orderID int64, reference string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE orders SET status = $1, payment_reference = $2, updated_at = NOW()
		WHERE id = $3`,
		models.OrderStatusPaid, reference, orderID)
	if err != nil {
		return fmt.Errorf("failed to mark order paid: %w", err)
	}
	return nil
}

func (t *sqlTx) GetUserForUpdate(ctx context.Context, id int64) (*models.User, error) {
	var user models.User
	err := t.tx.GetContext(ctx, &user, "SELECT "+userColumns+" FROM users WHERE id = $1 FOR UPDATE", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// AddRewardPoints increments the user's points balance
func (t *sqlTx) AddRewardPoints(ctx context.Context, userID, points int64) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE users SET reward_points = reward_points + $1 WHERE id = $2",
		points, userID)
	if err != nil {
		return fmt.Errorf("failed to add reward points: %w", err)
	}
	return nil
}

// CreateRewardHistory appends an entry to the reward ledger
func (t *sqlTx) CreateRewardHistory(ctx context.Context, entry *models.RewardHistory) error {
	query := `
		INSERT INTO reward_histories (user_id, order_id, points, type, description)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`

	if err := t.tx.QueryRowxContext(ctx, query,
		entry.UserID, entry.OrderID, entry.Points, entry.Type, entry.Description,
	).Scan(&entry.ID, &entry.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert reward history: %w", err)
	}
	return nil
}
