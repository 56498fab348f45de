package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"

	"storefront-service/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore connects to TEST_DATABASE_URL, migrates it and skips the test
// when no database is reachable.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	if _, err := Migrate(url); err != nil {
		t.Skipf("database not available: %v", err)
	}

	s, err := NewStore(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedUser(t *testing.T, s *Store) *models.User {
	t.Helper()
	name := "user-" + uuid.NewString()[:8]

	var id int64
	require.NoError(t, s.db.Get(&id,
		"INSERT INTO users (username, email, address) VALUES ($1, $2, 'Jl. Kopi 1') RETURNING id",
		name, name+"@example.com"))

	user, err := s.GetUserByID(context.Background(), id)
	require.NoError(t, err)
	return user
}

func seedProduct(t *testing.T, s *Store, price string, stock int) *models.Product {
	t.Helper()

	var id int64
	require.NoError(t, s.db.Get(&id,
		"INSERT INTO products (name, price, stock) VALUES ($1, $2, $3) RETURNING id",
		"Latte "+uuid.NewString()[:8], price, stock))

	product, err := s.GetProductByID(context.Background(), id)
	require.NoError(t, err)
	return product
}

func insertOrder(t *testing.T, s *Store, user *models.User, product *models.Product, qty int) *models.Order {
	t.Helper()
	ctx := context.Background()

	order := &models.Order{
		OrderNumber:   "TEST-" + uuid.NewString(),
		UserID:        user.ID,
		TotalAmount:   product.Price.Mul(decimal.NewFromInt(int64(qty))),
		Discount:      decimal.Zero,
		FinalTotal:    product.Price.Mul(decimal.NewFromInt(int64(qty))),
		Status:        models.OrderStatusPending,
		PaymentMethod: models.DefaultPaymentMethod,
	}
	err := s.InTx(ctx, func(tx Tx) error {
		if err := tx.CreateOrder(ctx, order); err != nil {
			return err
		}
		return tx.CreateOrderItem(ctx, &models.OrderItem{
			OrderID:   order.ID,
			ProductID: product.ID,
			Quantity:  qty,
			Price:     product.Price,
			Size:      models.DefaultItemSize,
		})
	})
	require.NoError(t, err)
	return order
}

func TestLockProductsAndStockConstraint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedProduct(t, s, "5.80", 3)
	b := seedProduct(t, s, "3.00", 1)

	err := s.InTx(ctx, func(tx Tx) error {
		locked, err := tx.LockProducts(ctx, []int64{a.ID, b.ID, 0})
		if err != nil {
			return err
		}
		assert.Len(t, locked, 2)
		assert.Equal(t, 3, locked[a.ID].Stock)
		assert.True(t, decimal.RequireFromString("5.8").Equal(locked[a.ID].Price))
		return tx.UpdateProductStock(ctx, a.ID, 1)
	})
	require.NoError(t, err)

	p, err := s.GetProductByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Stock)

	err = s.InTx(ctx, func(tx Tx) error {
		if err := tx.UpdateProductStock(ctx, a.ID, 0); err != nil {
			return err
		}
		return tx.UpdateProductStock(ctx, b.ID, -1)
	})
	assert.ErrorIs(t, err, ErrStockViolation)

	p, err = s.GetProductByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Stock, "rolled back")

	_, err = s.GetProductByID(ctx, -1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLockProductsSerializesConcurrentReservations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	const stock, buyers = 5, 20
	product := seedProduct(t, s, "5.80", stock)
	errSoldOut := errors.New("sold out")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		failures  []error
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.InTx(ctx, func(tx Tx) error {
				locked, err := tx.LockProducts(ctx, []int64{product.ID})
				if err != nil {
					return err
				}
				p, ok := locked[product.ID]
				if !ok {
					return ErrNotFound
				}
				if p.Stock < 1 {
					return errSoldOut
				}
				return tx.UpdateProductStock(ctx, product.ID, p.Stock-1)
			})

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
			} else if !errors.Is(err, errSoldOut) {
				failures = append(failures, err)
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, failures)
	assert.Equal(t, stock, succeeded)

	p, err := s.GetProductByID(ctx, product.ID)
	require.NoError(t, err)
	assert.Zero(t, p.Stock)
}

func TestOrderLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := seedUser(t, s)
	product := seedProduct(t, s, "5.80", 10)

	order := insertOrder(t, s, user, product, 2)
	assert.NotZero(t, order.ID)
	assert.False(t, order.CreatedAt.IsZero())

	duplicate := *order
	err := s.InTx(ctx, func(tx Tx) error { return tx.CreateOrder(ctx, &duplicate) })
	assert.ErrorIs(t, err, ErrDuplicateOrderNumber)

	_, err = s.db.Exec("UPDATE products SET price = 9 WHERE id = $1", product.ID)
	require.NoError(t, err)

	detail, err := s.GetOrderDetail(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, detail.Items, 1)
	assert.True(t, decimal.RequireFromString("5.8").Equal(detail.Items[0].Price))
	require.NotNil(t, detail.Items[0].Product)
	assert.True(t, decimal.NewFromInt(9).Equal(detail.Items[0].Product.Price))
	assert.True(t, decimal.RequireFromString("11.6").Equal(detail.TotalAmount))

	err = s.InTx(ctx, func(tx Tx) error {
		if err := tx.SetOrderPayment(ctx, order.ID, "https://pay.test/x", "REF-1", "VC"); err != nil {
			return err
		}
		locked, err := tx.GetOrderByNumberForUpdate(ctx, order.OrderNumber)
		if err != nil {
			return err
		}
		return tx.MarkOrderPaid(ctx, locked.ID, "REF-2")
	})
	require.NoError(t, err)

	paid, err := s.GetOrderByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, paid.Status)
	assert.Equal(t, "https://pay.test/x", *paid.PaymentURL)
	assert.Equal(t, "REF-2", *paid.PaymentReference)
	assert.Equal(t, "VC", *paid.PaymentCode)

	err = s.InTx(ctx, func(tx Tx) error {
		_, err := tx.GetOrderForUpdate(ctx, -1)
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.DeleteOrder(ctx, order.ID))
	_, err = s.GetOrderDetail(ctx, order.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteOrder(ctx, order.ID), ErrNotFound)
}

func TestListOrders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := seedUser(t, s)
	other := seedUser(t, s)
	product := seedProduct(t, s, "5.80", 10)

	empty, err := s.ListOrders(ctx, user.ID)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	first := insertOrder(t, s, user, product, 1)
	second := insertOrder(t, s, user, product, 2)
	theirs := insertOrder(t, s, other, product, 1)

	mine, err := s.ListOrders(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{second.ID, first.ID}, orderIDs(mine))
	require.Len(t, mine[0].Items, 1)
	assert.Equal(t, 2, mine[0].Items[0].Quantity)
	require.NotNil(t, mine[0].Items[0].Product)
	assert.Equal(t, product.Name, mine[0].Items[0].Product.Name)

	all, err := s.ListOrders(ctx, 0)
	require.NoError(t, err)
	ids := orderIDs(all)
	assert.Contains(t, ids, first.ID)
	assert.Contains(t, ids, second.ID)
	assert.Contains(t, ids, theirs.ID)
}

func TestRewardLedger(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := seedUser(t, s)
	product := seedProduct(t, s, "10.00", 10)
	order := insertOrder(t, s, user, product, 1)

	err := s.InTx(ctx, func(tx Tx) error {
		return tx.UpdateOrderStatus(ctx, order.ID, models.OrderStatusCompleted)
	})
	require.NoError(t, err)

	pending, err := s.ListCompletedOrdersWithoutReward(ctx)
	require.NoError(t, err)
	assert.Contains(t, orderIDs(pending), order.ID)

	earned, err := s.HasEarnedReward(ctx, order.ID)
	require.NoError(t, err)
	assert.False(t, earned)

	err = s.InTx(ctx, func(tx Tx) error {
		if _, err := tx.GetUserForUpdate(ctx, user.ID); err != nil {
			return err
		}
		if err := tx.AddRewardPoints(ctx, user.ID, 2400); err != nil {
			return err
		}
		return tx.CreateRewardHistory(ctx, &models.RewardHistory{
			UserID:      user.ID,
			OrderID:     &order.ID,
			Points:      2400,
			Type:        models.RewardTypeEarned,
			Description: "Earned from order " + order.OrderNumber,
		})
	})
	require.NoError(t, err)

	earned, err = s.HasEarnedReward(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, earned)

	pending, err = s.ListCompletedOrdersWithoutReward(ctx)
	require.NoError(t, err)
	assert.NotContains(t, orderIDs(pending), order.ID)

	refreshed, err := s.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2400), refreshed.RewardPoints)

	history, err := s.ListRewardHistory(ctx, user.ID, 50)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.NotNil(t, history[0].OrderNumber)
	assert.Equal(t, order.OrderNumber, *history[0].OrderNumber)

	err = s.InTx(ctx, func(tx Tx) error {
		_, err := tx.GetUserForUpdate(ctx, -1)
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDashboardStatsAndNotifications(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := seedUser(t, s)

	stats, err := s.GetDashboardStats(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.TotalOrders, stats.CompletedOrders)

	recent, err := s.ListRecentOrders(ctx, 10)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(recent), 10)

	bare := &models.Notification{UserID: user.ID, Type: models.NotificationOrderUpdate, Title: "Order Cancelled", Message: "cancelled"}
	require.NoError(t, s.CreateNotification(ctx, bare))
	assert.NotZero(t, bare.ID)

	withData := &models.Notification{
		UserID:  user.ID,
		Type:    models.NotificationReward,
		Title:   "Reward Points Earned",
		Message: "You earned 10 reward points.",
		Data:    json.RawMessage(`{"points":10}`),
	}
	require.NoError(t, s.CreateNotification(ctx, withData))

	var stored json.RawMessage
	require.NoError(t, s.db.Get(&stored, "SELECT data FROM notifications WHERE id = $1", withData.ID))
	assert.JSONEq(t, `{"points":10}`, string(stored))

	require.NoError(t, s.Ping(ctx))
}

func orderIDs(orders []models.Order) []int64 {
	ids := make([]int64, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ID)
	}
	return ids
}
