package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"storefront-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

const orderColumns = `id, order_number, user_id, total_amount, discount, final_total, coupon_code, status,
	payment_method, delivery_address, notes, payment_url, payment_reference, payment_code, created_at, updated_at`

// orderItemRow is an order item joined with its product
type orderItemRow struct {
	models.OrderItem
	ProductName  sql.NullString      `db:"product_name"`
	ProductPrice decimal.NullDecimal `db:"product_price"`
}

func getOrder(ctx context.Context, q sqlx.QueryerContext, query string, arg interface{}) (*models.Order, error) {
	var order models.Order
	err := sqlx.GetContext(ctx, q, &order, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %v: %w", arg, ErrNotFound)
	}
	if err != nil {
		return nil, classify(err)
	}
	return &order, nil
}

func selectOrderItems(ctx context.Context, q sqlx.QueryerContext, orderID int64) ([]models.OrderItem, error) {
	byOrder, err := selectOrderItemsIn(ctx, q, []int64{orderID})
	if err != nil {
		return nil, err
	}
	if items := byOrder[orderID]; items != nil {
		return items, nil
	}
	return []models.OrderItem{}, nil
}

// selectOrderItemsIn loads the items of several orders, grouped by order id
func selectOrderItemsIn(ctx context.Context, q sqlx.QueryerContext, orderIDs []int64) (map[int64][]models.OrderItem, error) {
	var rows []orderItemRow
	err := sqlx.SelectContext(ctx, q, &rows, `
		SELECT oi.id, oi.order_id, oi.product_id, oi.quantity, oi.price, oi.size,
			p.name AS product_name, p.price AS product_price
		FROM order_items oi
		LEFT JOIN products p ON p.id = oi.product_id
		WHERE oi.order_id = ANY($1)
		ORDER BY oi.id`, pq.Array(orderIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to load order items: %w", err)
	}

	byOrder := make(map[int64][]models.OrderItem, len(orderIDs))
	for _, row := range rows {
		item := row.OrderItem
		if row.ProductName.Valid {
			item.Product = &models.ProductSummary{
				ID:    item.ProductID,
				Name:  row.ProductName.String,
				Price: row.ProductPrice.Decimal,
			}
		}
		byOrder[item.OrderID] = append(byOrder[item.OrderID], item)
	}
	return byOrder, nil
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	return getOrder(ctx, s.db, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
}

// GetOrderDetail retrieves an order with its items and product summaries
func (s *Store) GetOrderDetail(ctx context.Context, id int64) (*models.Order, error) {
	order, err := s.GetOrderByID(ctx, id)
	if err != nil {
		return nil, err
	}

	items, err := selectOrderItems(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	order.Items = items
	return order, nil
}

// ListOrders returns orders newest first with their items. A userID of 0
// lists every order.
func (s *Store) ListOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	query := "SELECT " + orderColumns + " FROM orders"
	var args []interface{}
	if userID != 0 {
		query += " WHERE user_id = $1"
		args = append(args, userID)
	}
	query += " ORDER BY created_at DESC, id DESC"

	orders := []models.Order{}
	if err := s.db.SelectContext(ctx, &orders, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	if len(orders) == 0 {
		return orders, nil
	}

	ids := make([]int64, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ID)
	}
	byOrder, err := selectOrderItemsIn(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Items = byOrder[orders[i].ID]
	}
	return orders, nil
}

// DeleteOrder removes an order; its items go with it (ON DELETE CASCADE)
func (s *Store) DeleteOrder(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM orders WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete order: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	return nil
}

// GetDashboardStats counts orders per status and sums completed revenue
func (s *Store) GetDashboardStats(ctx context.Context) (*models.DashboardStats, error) {
	var stats models.DashboardStats
	err := s.db.GetContext(ctx, &stats, `
		SELECT
			COUNT(*) AS total_orders,
			COUNT(*) FILTER (WHERE status = 'pending') AS pending_orders,
			COUNT(*) FILTER (WHERE status = 'paid') AS paid_orders,
			COUNT(*) FILTER (WHERE status = 'processing') AS processing_orders,
			COUNT(*) FILTER (WHERE status = 'completed') AS completed_orders,
			COUNT(*) FILTER (WHERE status = 'cancelled') AS cancelled_orders,
			COALESCE(SUM(final_total) FILTER (WHERE status = 'completed'), 0) AS total_revenue
		FROM orders`)
	if err != nil {
		return nil, fmt.Errorf("failed to load dashboard stats: %w", err)
	}
	return &stats, nil
}

// ListRecentOrders returns the newest orders
func (s *Store) ListRecentOrders(ctx context.Context, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT "+orderColumns+" FROM orders ORDER BY created_at DESC LIMIT $1", limit)
	return orders, err
}

// ListCompletedOrdersWithoutReward finds completed orders that never got an
// earned reward entry
func (s *Store) ListCompletedOrdersWithoutReward(ctx context.Context) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders, `
		SELECT `+orderColumns+` FROM orders o
		WHERE o.status = 'completed'
		AND NOT EXISTS (
			SELECT 1 FROM reward_histories rh WHERE rh.order_id = o.id AND rh.type = 'earned'
		)
		ORDER BY o.id`)
	return orders, err
}
