package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"storefront-service/internal/broker"
	"storefront-service/internal/gateway"
	"storefront-service/internal/models"
	"storefront-service/internal/store"
	"storefront-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const recentOrdersLimit = 10

// OrderConfig tunes order creation
type OrderConfig struct {
	OrderNumberPrefix string
	// TrustClientTotal keeps a client supplied finalTotal. When false the
	// server charges max(totalAmount - discount, 0).
	TrustClientTotal bool
	MaxAttempts      int
}

// OrderService handles order business logic
type OrderService struct {
	ledger  Ledger
	gateway PaymentGateway
	rewards *RewardService
	events  EventDispatcher
	cfg     OrderConfig
	logger  *zap.Logger
	now     func() time.Time
}

// NewOrderService creates a new order service
func NewOrderService(
	ledger Ledger,
	gw PaymentGateway,
	rewards *RewardService,
	events EventDispatcher,
	cfg OrderConfig,
) *OrderService {
	if cfg.OrderNumberPrefix == "" {
		cfg.OrderNumberPrefix = "ORD"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &OrderService{
		ledger:  ledger,
		gateway: gw,
		rewards: rewards,
		events:  events,
		cfg:     cfg,
		logger:  util.Named("order-service"),
		now:     time.Now,
	}
}

// CreateOrderRequest represents a request to create an order
type CreateOrderRequest struct {
	Items         []OrderItemRequest `json:"items" binding:"required,min=1,dive"`
	PaymentMethod string             `json:"paymentMethod"`
	// DeliveryAddress is either a string or an address object; objects are
	// stored as their JSON text.
	DeliveryAddress json.RawMessage  `json:"deliveryAddress"`
	Notes           *string          `json:"notes"`
	Discount        *decimal.Decimal `json:"discount"`
	CouponCode      *string          `json:"couponCode"`
	FinalTotal      *decimal.Decimal `json:"finalTotal"`
}

// OrderItemRequest represents an item in an order
type OrderItemRequest struct {
	ProductID int64  `json:"productId" binding:"required,gt=0"`
	Quantity  int    `json:"quantity" binding:"required,min=1"`
	Size      string `json:"size"`
}

// Dashboard is the admin overview
type Dashboard struct {
	Stats        *models.DashboardStats `json:"stats"`
	RecentOrders []models.Order         `json:"recentOrders"`
}

// CreateOrder validates the items against stock, reserves it and persists
// the order in one transaction. When the order has something to charge a
// payment session is opened before commit; a gateway failure rolls the whole
// order back.
func (s *OrderService) CreateOrder(ctx context.Context, user *models.User, req *CreateOrderRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder", attribute.Int64("user_id", user.ID))
	defer span.End()

	start := time.Now()
	defer func() {
		util.OrderCreateLatency.Observe(time.Since(start).Seconds())
	}()

	if err := validateCreateRequest(req); err != nil {
		util.OrdersFailedTotal.WithLabelValues("validation").Inc()
		return nil, err
	}

	var (
		order *models.Order
		err   error
	)
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		var session *gateway.Session
		order, session, err = s.createOnce(ctx, user, req)
		if err == nil {
			break
		}
		if session != nil {
			// A retry would open a second session under a new order number.
			s.logger.Error("Order rolled back after payment session was opened",
				zap.String("reference", session.Reference),
				zap.Int64("user_id", user.ID),
				zap.Error(err))
			break
		}
		if !errors.Is(err, store.ErrDuplicateOrderNumber) && !errors.Is(err, store.ErrRetryable) {
			break
		}
		s.logger.Warn("Retrying order creation",
			zap.Int("attempt", attempt),
			zap.Int64("user_id", user.ID),
			zap.Error(err))
	}
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues(failureReason(err)).Inc()
		util.RecordError(span, err)
		s.logger.Warn("Order creation rolled back", zap.Int64("user_id", user.ID), zap.Error(err))
		return nil, err
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.String("final_total", order.FinalTotal.StringFixed(2)))

	itemData := make([]models.OrderItemData, 0, len(order.Items))
	for _, item := range order.Items {
		itemData = append(itemData, models.OrderItemData{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.Price,
		})
	}
	s.events.Dispatch(broker.OrderKey(order.ID), &models.OrderCreatedEvent{
		BaseEvent:   models.NewBaseEvent(models.EventTypeOrderCreated),
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		FinalTotal:  order.FinalTotal,
		Items:       itemData,
	})

	return order, nil
}

// createOnce runs one creation attempt. The returned session is non-nil when
// the gateway was called, even if the transaction failed afterwards.
func (s *OrderService) createOnce(ctx context.Context, user *models.User, req *CreateOrderRequest) (*models.Order, *gateway.Session, error) {
	var (
		created *models.Order
		session *gateway.Session
	)

	err := s.ledger.InTx(ctx, func(tx store.Tx) error {
		ids := productIDs(req.Items)
		products, err := tx.LockProducts(ctx, ids)
		if err != nil {
			return err
		}

		total := decimal.Zero
		items := make([]models.OrderItem, 0, len(req.Items))
		for _, line := range req.Items {
			product, ok := products[line.ProductID]
			if !ok {
				return fmt.Errorf("product with id %d: %w", line.ProductID, ErrNotFound)
			}
			if !product.IsActive {
				return fmt.Errorf("%w: product %s is not available", ErrValidation, product.Name)
			}
			if product.Stock < line.Quantity {
				return fmt.Errorf("%w for %s", ErrInsufficientStock, product.Name)
			}

			product.Stock -= line.Quantity
			total = total.Add(product.Price.Mul(decimal.NewFromInt(int64(line.Quantity))))
			items = append(items, models.OrderItem{
				ProductID: product.ID,
				Quantity:  line.Quantity,
				Price:     product.Price,
				Size:      orDefault(line.Size, models.DefaultItemSize),
			})
		}

		for _, id := range ids {
			if err := tx.UpdateProductStock(ctx, id, products[id].Stock); err != nil {
				return err
			}
		}

		discount, finalTotal, err := s.price(total, req)
		if err != nil {
			return err
		}

		order := &models.Order{
			OrderNumber:     s.newOrderNumber(),
			UserID:          user.ID,
			TotalAmount:     total,
			Discount:        discount,
			FinalTotal:      finalTotal,
			CouponCode:      emptyToNil(req.CouponCode),
			Status:          models.OrderStatusPending,
			PaymentMethod:   orDefault(req.PaymentMethod, models.DefaultPaymentMethod),
			DeliveryAddress: deliveryAddress(req.DeliveryAddress, user.Address),
			Notes:           req.Notes,
		}
		if err := tx.CreateOrder(ctx, order); err != nil {
			return err
		}

		for i := range items {
			items[i].OrderID = order.ID
			if err := tx.CreateOrderItem(ctx, &items[i]); err != nil {
				return err
			}
		}

		persisted, err := tx.GetOrderItems(ctx, order.ID)
		if err != nil {
			return err
		}
		order.Items = persisted

		if order.FinalTotal.IsPositive() {
			session, err = s.openPaymentSession(ctx, tx, order, user, req.PaymentMethod)
			if err != nil {
				return err
			}
		}

		created = order
		return nil
	})
	if err != nil {
		return nil, session, err
	}
	return created, session, nil
}

// openPaymentSession returns the session whenever the gateway accepted it,
// also when storing it fails.
func (s *OrderService) openPaymentSession(ctx context.Context, tx store.Tx, order *models.Order, user *models.User, method string) (*gateway.Session, error) {
	lineItems := make([]gateway.LineItem, 0, len(order.Items))
	for _, item := range order.Items {
		name := fmt.Sprintf("Product %d", item.ProductID)
		if item.Product != nil {
			name = item.Product.Name
		}
		lineItems = append(lineItems, gateway.LineItem{Name: name, Price: item.Price, Quantity: item.Quantity})
	}

	session, err := s.gateway.RequestPaymentSession(ctx, order, user, lineItems, method)
	if err != nil {
		util.PaymentSessionsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("failed to create payment: %w", err)
	}
	util.PaymentSessionsTotal.WithLabelValues("created").Inc()

	if err := tx.SetOrderPayment(ctx, order.ID, session.PaymentURL, session.Reference, session.PaymentCode); err != nil {
		return session, err
	}
	order.PaymentURL = &session.PaymentURL
	order.PaymentReference = &session.Reference
	order.PaymentCode = &session.PaymentCode
	return session, nil
}

// price resolves discount and final total. Negative values and a final total
// above the item total are rejected in both pricing modes.
func (s *OrderService) price(total decimal.Decimal, req *CreateOrderRequest) (decimal.Decimal, decimal.Decimal, error) {
	discount := decimal.Zero
	if req.Discount != nil {
		discount = *req.Discount
	}
	if discount.IsNegative() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: discount must not be negative", ErrValidation)
	}

	finalTotal := total
	if req.FinalTotal != nil {
		finalTotal = *req.FinalTotal
	}
	if finalTotal.IsNegative() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: finalTotal must not be negative", ErrValidation)
	}
	if finalTotal.GreaterThan(total) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: finalTotal exceeds order total", ErrValidation)
	}

	if !s.cfg.TrustClientTotal {
		finalTotal = decimal.Max(total.Sub(discount), decimal.Zero)
	}
	return discount, finalTotal, nil
}

// CancelOrder cancels a pending order and puts its items back in stock
func (s *OrderService) CancelOrder(ctx context.Context, orderID int64, actor *models.User) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CancelOrder", attribute.Int64("order_id", orderID))
	defer span.End()

	var order *models.Order
	err := s.ledger.InTx(ctx, func(tx store.Tx) error {
		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o.UserID != actor.ID && !actor.IsAdmin() {
			return fmt.Errorf("%w to cancel this order", ErrUnauthorized)
		}
		if o.Status != models.OrderStatusPending {
			return fmt.Errorf("%w: can only cancel pending orders", ErrInvalidState)
		}

		if err := restoreStock(ctx, tx, o.ID); err != nil {
			return err
		}
		if err := tx.UpdateOrderStatus(ctx, o.ID, models.OrderStatusCancelled); err != nil {
			return err
		}
		o.Status = models.OrderStatusCancelled
		order = o
		return nil
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	util.OrdersCancelledTotal.Inc()
	util.OrderStatusTransitions.WithLabelValues(models.OrderStatusCancelled).Inc()
	s.logger.Info("Order cancelled", zap.Int64("order_id", order.ID), zap.Int64("actor_id", actor.ID))

	s.events.Dispatch(broker.OrderKey(order.ID), &models.OrderCancelledEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeOrderCancelled),
		OrderID:   order.ID,
		Reason:    "cancelled by " + actor.Role,
		ActorID:   actor.ID,
		ActorRole: actor.Role,
	})
	notify(s.events, s.logger, order.UserID, models.NotificationOrderUpdate,
		"Order Cancelled",
		fmt.Sprintf("Your order %s has been cancelled.", order.OrderNumber),
		map[string]interface{}{"orderId": order.ID, "status": order.Status})

	return order, nil
}

var statusMessages = map[string]struct{ title, message string }{
	models.OrderStatusProcessing: {"Order is Being Prepared", "Your order %s is now being prepared."},
	models.OrderStatusCompleted:  {"Order Completed", "Your order %s has been completed. Enjoy your coffee!"},
	models.OrderStatusCancelled:  {"Order Cancelled", "Your order %s has been cancelled."},
}

// UpdateOrderStatus is the admin override. Any of the admin statuses may be
// set from any state; stock follows the order in and out of cancelled. The
// first transition into completed credits reward points.
func (s *OrderService) UpdateOrderStatus(ctx context.Context, orderID int64, status string, actor *models.User) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.UpdateOrderStatus",
		attribute.Int64("order_id", orderID),
		attribute.String("status", status))
	defer span.End()

	if !actor.IsAdmin() {
		return nil, fmt.Errorf("%w to update order status", ErrUnauthorized)
	}
	if !models.IsAdminStatus(status) {
		return nil, fmt.Errorf("%w: invalid status, must be one of: %s",
			ErrValidation, strings.Join(models.AdminStatuses, ", "))
	}

	var (
		order     *models.Order
		oldStatus string
	)
	err := s.ledger.InTx(ctx, func(tx store.Tx) error {
		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		oldStatus = o.Status

		if oldStatus != status {
			switch {
			case status == models.OrderStatusCancelled:
				err = restoreStock(ctx, tx, o.ID)
			case oldStatus == models.OrderStatusCancelled:
				err = reserveStock(ctx, tx, o.ID)
			}
			if err != nil {
				return err
			}
		}

		if err := tx.UpdateOrderStatus(ctx, o.ID, status); err != nil {
			return err
		}
		o.Status = status
		order = o
		return nil
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	util.OrderStatusTransitions.WithLabelValues(status).Inc()
	s.logger.Info("Order status updated",
		zap.Int64("order_id", order.ID),
		zap.String("old_status", oldStatus),
		zap.String("new_status", status))

	if status == models.OrderStatusCompleted && oldStatus != models.OrderStatusCompleted {
		if _, err := s.rewards.AccrueForOrder(ctx, order); err != nil {
			s.logger.Error("Reward accrual failed",
				zap.Int64("order_id", order.ID),
				zap.Error(err))
		}
	}

	if msg, ok := statusMessages[status]; ok {
		notify(s.events, s.logger, order.UserID, models.NotificationOrderUpdate,
			msg.title,
			fmt.Sprintf(msg.message, order.OrderNumber),
			map[string]interface{}{"orderId": order.ID, "status": status})
	}

	s.events.Dispatch(broker.OrderKey(order.ID), &models.OrderStatusChangedEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeOrderStatusChanged),
		OrderID:   order.ID,
		OldStatus: oldStatus,
		NewStatus: status,
	})

	return order, nil
}

// GetOrder returns the order with its items, visible to its owner and admins
func (s *OrderService) GetOrder(ctx context.Context, orderID int64, actor *models.User) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrder", attribute.Int64("order_id", orderID))
	defer span.End()

	order, err := s.ledger.GetOrderDetail(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != actor.ID && !actor.IsAdmin() {
		return nil, fmt.Errorf("%w to access this order", ErrUnauthorized)
	}
	return order, nil
}

// ListOrders returns the actor's orders with items, newest first. Admins see
// every order.
func (s *OrderService) ListOrders(ctx context.Context, actor *models.User) ([]models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ListOrders", attribute.Int64("user_id", actor.ID))
	defer span.End()

	userID := actor.ID
	if actor.IsAdmin() {
		userID = 0
	}

	orders, err := s.ledger.ListOrders(ctx, userID)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	if orders == nil {
		orders = []models.Order{}
	}
	return orders, nil
}

// DeleteOrder removes an order and its items. Stock is not touched.
func (s *OrderService) DeleteOrder(ctx context.Context, orderID int64, actor *models.User) error {
	ctx, span := util.StartSpan(ctx, "OrderService.DeleteOrder", attribute.Int64("order_id", orderID))
	defer span.End()

	if !actor.IsAdmin() {
		return fmt.Errorf("%w to delete orders", ErrUnauthorized)
	}
	if err := s.ledger.DeleteOrder(ctx, orderID); err != nil {
		return err
	}

	s.logger.Info("Order deleted", zap.Int64("order_id", orderID), zap.Int64("actor_id", actor.ID))
	return nil
}

// Dashboard returns order counts, revenue and the latest orders
func (s *OrderService) Dashboard(ctx context.Context) (*Dashboard, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Dashboard")
	defer span.End()

	stats, err := s.ledger.GetDashboardStats(ctx)
	if err != nil {
		return nil, err
	}

	recent, err := s.ledger.ListRecentOrders(ctx, recentOrdersLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent orders: %w", err)
	}
	if recent == nil {
		recent = []models.Order{}
	}

	return &Dashboard{Stats: stats, RecentOrders: recent}, nil
}

func (s *OrderService) newOrderNumber() string {
	stamp := strings.ToUpper(strconv.FormatInt(s.now().UnixMilli(), 36))
	random := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:5])
	return fmt.Sprintf("%s-%s-%s", s.cfg.OrderNumberPrefix, stamp, random)
}

// restoreStock puts every item of the order back into stock
func restoreStock(ctx context.Context, tx store.Tx, orderID int64) error {
	return adjustStock(ctx, tx, orderID, 1)
}

// reserveStock takes the order's items out of stock again
func reserveStock(ctx context.Context, tx store.Tx, orderID int64) error {
	return adjustStock(ctx, tx, orderID, -1)
}

func adjustStock(ctx context.Context, tx store.Tx, orderID int64, sign int) error {
	items, err := tx.GetOrderItems(ctx, orderID)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ProductID)
	}
	ids = uniqueSorted(ids)

	products, err := tx.LockProducts(ctx, ids)
	if err != nil {
		return err
	}

	for _, item := range items {
		product, ok := products[item.ProductID]
		if !ok {
			return fmt.Errorf("product with id %d: %w", item.ProductID, ErrNotFound)
		}
		product.Stock += sign * item.Quantity
		if product.Stock < 0 {
			return fmt.Errorf("%w for %s", ErrInsufficientStock, product.Name)
		}
	}

	for _, id := range ids {
		if err := tx.UpdateProductStock(ctx, id, products[id].Stock); err != nil {
			return err
		}
	}
	return nil
}

func validateCreateRequest(req *CreateOrderRequest) error {
	if req == nil || len(req.Items) == 0 {
		return fmt.Errorf("%w: no order items provided", ErrValidation)
	}
	for i, item := range req.Items {
		if item.ProductID <= 0 {
			return fmt.Errorf("%w: item %d has no productId", ErrValidation, i)
		}
		if item.Quantity < 1 {
			return fmt.Errorf("%w: item %d quantity must be at least 1", ErrValidation, i)
		}
	}
	return nil
}

// productIDs returns the distinct product ids in ascending order, which is
// the order rows are locked in
func productIDs(items []OrderItemRequest) []int64 {
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ProductID)
	}
	return uniqueSorted(ids)
}

func uniqueSorted(ids []int64) []int64 {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := ids[:0]
	for i, id := range ids {
		if i == 0 || id != ids[i-1] {
			out = append(out, id)
		}
	}
	return out
}

func deliveryAddress(raw json.RawMessage, fallback string) *string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		if fallback == "" {
			return nil
		}
		return &fallback
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if text == "" {
			if fallback == "" {
				return nil
			}
			return &fallback
		}
		return &text
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		text = string(raw)
	} else {
		text = compact.String()
	}
	return &text
}

func failureReason(err error) string {
	var gwErr *gateway.GatewayError
	switch {
	case errors.Is(err, ErrNotFound):
		return "product_not_found"
	case errors.Is(err, ErrInsufficientStock), errors.Is(err, store.ErrStockViolation):
		return "insufficient_stock"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.As(err, &gwErr):
		return "gateway"
	default:
		return "internal"
	}
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func emptyToNil(v *string) *string {
	if v == nil || *v == "" {
		return nil
	}
	return v
}
