package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"storefront-service/internal/broker"
	"storefront-service/internal/gateway"
	"storefront-service/internal/models"
	"storefront-service/internal/store"

	"github.com/shopspring/decimal"
)

// memState is the data behind fakeLedger. InTx works on the live state and
// restores a snapshot when the callback fails.
type memState struct {
	users    map[int64]models.User
	products map[int64]models.Product
	orders   map[int64]models.Order
	items    map[int64][]models.OrderItem
	rewards  []models.RewardHistory

	nextOrderID  int64
	nextItemID   int64
	nextRewardID int64
}

func (s *memState) clone() *memState {
	c := &memState{
		users:        make(map[int64]models.User, len(s.users)),
		products:     make(map[int64]models.Product, len(s.products)),
		orders:       make(map[int64]models.Order, len(s.orders)),
		items:        make(map[int64][]models.OrderItem, len(s.items)),
		rewards:      append([]models.RewardHistory(nil), s.rewards...),
		nextOrderID:  s.nextOrderID,
		nextItemID:   s.nextItemID,
		nextRewardID: s.nextRewardID,
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.items {
		c.items[k] = append([]models.OrderItem(nil), v...)
	}
	return c
}

// fakeLedger is an in-memory Ledger. Transactions are serialized by one
// mutex, which stands in for the row locks of the real store.
type fakeLedger struct {
	mu    sync.Mutex
	state *memState

	// duplicateOrderNumbers makes the next N CreateOrder calls fail with a
	// unique violation.
	duplicateOrderNumbers int
	// commitConflicts makes the next N commits fail as retryable conflicts
	// after the callback succeeded.
	commitConflicts int
	rewardCheckErr  error
	commits         int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{state: &memState{
		users:    map[int64]models.User{},
		products: map[int64]models.Product{},
		orders:   map[int64]models.Order{},
		items:    map[int64][]models.OrderItem{},
	}}
}

func (l *fakeLedger) addUser(u models.User) *models.User {
	l.mu.Lock()
	defer l.mu.Unlock()
	if u.Role == "" {
		u.Role = models.RoleUser
	}
	l.state.users[u.ID] = u
	return &u
}

func (l *fakeLedger) addProduct(id int64, name, price string, stock int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state.products[id] = models.Product{
		ID:       id,
		Name:     name,
		Price:    decimal.RequireFromString(price),
		Stock:    stock,
		IsActive: true,
	}
}

func (l *fakeLedger) setProduct(id int64, fn func(p *models.Product)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.state.products[id]
	fn(&p)
	l.state.products[id] = p
}

func (l *fakeLedger) product(id int64) models.Product {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.products[id]
}

func (l *fakeLedger) user(id int64) models.User {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.users[id]
}

func (l *fakeLedger) order(id int64) models.Order {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.orders[id]
}

func (l *fakeLedger) orderCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.state.orders)
}

func (l *fakeLedger) rewardRows(userID int64) []models.RewardHistory {
	l.mu.Lock()
	defer l.mu.Unlock()
	var rows []models.RewardHistory
	for _, r := range l.state.rewards {
		if r.UserID == userID {
			rows = append(rows, r)
		}
	}
	return rows
}

func (l *fakeLedger) addOrder(o models.Order, items ...models.OrderItem) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state.nextOrderID++
	o.ID = l.state.nextOrderID
	l.state.orders[o.ID] = o
	for _, item := range items {
		l.state.nextItemID++
		item.ID = l.state.nextItemID
		item.OrderID = o.ID
		l.state.items[o.ID] = append(l.state.items[o.ID], item)
	}
	return o.ID
}

func (l *fakeLedger) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	snapshot := l.state.clone()
	if err := fn(&fakeTx{l: l}); err != nil {
		l.state = snapshot
		return err
	}
	if l.commitConflicts > 0 {
		l.commitConflicts--
		l.state = snapshot
		return fmt.Errorf("failed to commit transaction: %w", store.ErrRetryable)
	}
	l.commits++
	return nil
}

func (l *fakeLedger) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	u, ok := l.state.users[id]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", id, store.ErrNotFound)
	}
	return &u, nil
}

func (l *fakeLedger) GetOrderDetail(ctx context.Context, id int64) (*models.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.state.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", id, store.ErrNotFound)
	}
	o.Items = l.itemsOf(id)
	return &o, nil
}

func (l *fakeLedger) ListOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var orders []models.Order
	for _, o := range l.sortedOrders() {
		if userID != 0 && o.UserID != userID {
			continue
		}
		o.Items = l.itemsOf(o.ID)
		orders = append([]models.Order{o}, orders...)
	}
	return orders, nil
}

func (l *fakeLedger) DeleteOrder(ctx context.Context, id int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.state.orders[id]; !ok {
		return fmt.Errorf("order %d: %w", id, store.ErrNotFound)
	}
	delete(l.state.orders, id)
	delete(l.state.items, id)
	return nil
}

func (l *fakeLedger) GetDashboardStats(ctx context.Context) (*models.DashboardStats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	stats := &models.DashboardStats{TotalRevenue: decimal.Zero}
	for _, o := range l.state.orders {
		stats.TotalOrders++
		switch o.Status {
		case models.OrderStatusPending:
			stats.PendingOrders++
		case models.OrderStatusPaid:
			stats.PaidOrders++
		case models.OrderStatusProcessing:
			stats.ProcessingOrders++
		case models.OrderStatusCompleted:
			stats.CompletedOrders++
			stats.TotalRevenue = stats.TotalRevenue.Add(o.FinalTotal)
		case models.OrderStatusCancelled:
			stats.CancelledOrders++
		}
	}
	return stats, nil
}

func (l *fakeLedger) ListRecentOrders(ctx context.Context, limit int) ([]models.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	orders := l.sortedOrders()
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID > orders[j].ID })
	if len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

func (l *fakeLedger) HasEarnedReward(ctx context.Context, orderID int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rewardCheckErr != nil {
		return false, l.rewardCheckErr
	}
	return l.hasEarned(orderID), nil
}

func (l *fakeLedger) ListRewardHistory(ctx context.Context, userID int64, limit int) ([]models.RewardHistory, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var rows []models.RewardHistory
	for i := len(l.state.rewards) - 1; i >= 0 && len(rows) < limit; i-- {
		r := l.state.rewards[i]
		if r.UserID != userID {
			continue
		}
		if r.OrderID != nil {
			if o, ok := l.state.orders[*r.OrderID]; ok {
				number := o.OrderNumber
				r.OrderNumber = &number
			}
		}
		rows = append(rows, r)
	}
	return rows, nil
}

func (l *fakeLedger) ListCompletedOrdersWithoutReward(ctx context.Context) ([]models.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var orders []models.Order
	for _, o := range l.sortedOrders() {
		if o.Status == models.OrderStatusCompleted && !l.hasEarned(o.ID) {
			orders = append(orders, o)
		}
	}
	return orders, nil
}

func (l *fakeLedger) hasEarned(orderID int64) bool {
	for _, r := range l.state.rewards {
		if r.OrderID != nil && *r.OrderID == orderID && r.Type == models.RewardTypeEarned {
			return true
		}
	}
	return false
}

func (l *fakeLedger) sortedOrders() []models.Order {
	orders := make([]models.Order, 0, len(l.state.orders))
	for _, o := range l.state.orders {
		orders = append(orders, o)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
	return orders
}

func (l *fakeLedger) itemsOf(orderID int64) []models.OrderItem {
	items := append([]models.OrderItem(nil), l.state.items[orderID]...)
	for i := range items {
		if p, ok := l.state.products[items[i].ProductID]; ok {
			items[i].Product = &models.ProductSummary{ID: p.ID, Name: p.Name, Price: p.Price}
		}
	}
	return items
}

// fakeTx runs with fakeLedger.mu held
type fakeTx struct {
	l *fakeLedger
}

func (t *fakeTx) LockProducts(ctx context.Context, ids []int64) (map[int64]*models.Product, error) {
	out := make(map[int64]*models.Product, len(ids))
	for _, id := range ids {
		if p, ok := t.l.state.products[id]; ok {
			p := p
			out[id] = &p
		}
	}
	return out, nil
}

func (t *fakeTx) UpdateProductStock(ctx context.Context, productID int64, stock int) error {
	if stock < 0 {
		return store.ErrStockViolation
	}
	p := t.l.state.products[productID]
	p.Stock = stock
	t.l.state.products[productID] = p
	return nil
}

func (t *fakeTx) CreateOrder(ctx context.Context, order *models.Order) error {
	if t.l.duplicateOrderNumbers > 0 {
		t.l.duplicateOrderNumbers--
		return fmt.Errorf("%w: %s", store.ErrDuplicateOrderNumber, order.OrderNumber)
	}
	for _, o := range t.l.state.orders {
		if o.OrderNumber == order.OrderNumber {
			return fmt.Errorf("%w: %s", store.ErrDuplicateOrderNumber, order.OrderNumber)
		}
	}

	t.l.state.nextOrderID++
	order.ID = t.l.state.nextOrderID
	order.CreatedAt = time.Now()
	order.UpdatedAt = order.CreatedAt
	stored := *order
	stored.Items = nil
	t.l.state.orders[order.ID] = stored
	return nil
}

func (t *fakeTx) CreateOrderItem(ctx context.Context, item *models.OrderItem) error {
	t.l.state.nextItemID++
	item.ID = t.l.state.nextItemID
	t.l.state.items[item.OrderID] = append(t.l.state.items[item.OrderID], *item)
	return nil
}

func (t *fakeTx) GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	return t.l.itemsOf(orderID), nil
}

func (t *fakeTx) GetOrderForUpdate(ctx context.Context, id int64) (*models.Order, error) {
	o, ok := t.l.state.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", id, store.ErrNotFound)
	}
	return &o, nil
}

func (t *fakeTx) GetOrderByNumberForUpdate(ctx context.Context, orderNumber string) (*models.Order, error) {
	for _, o := range t.l.state.orders {
		if o.OrderNumber == orderNumber {
			o := o
			return &o, nil
		}
	}
	return nil, fmt.Errorf("order %s: %w", orderNumber, store.ErrNotFound)
}

func (t *fakeTx) SetOrderPayment(ctx context.Context, orderID int64, paymentURL, reference, code string) error {
	o := t.l.state.orders[orderID]
	o.PaymentURL, o.PaymentReference, o.PaymentCode = &paymentURL, &reference, &code
	t.l.state.orders[orderID] = o
	return nil
}

func (t *fakeTx) UpdateOrderStatus(ctx context.Context, orderID int64, status string) error {
	o := t.l.state.orders[orderID]
	o.Status = status
	t.l.state.orders[orderID] = o
	return nil
}

func (t *fakeTx) MarkOrderPaid(ctx context.Context, orderID int64, reference string) error {
	o := t.l.state.orders[orderID]
	o.Status = models.OrderStatusPaid
	o.PaymentReference = &reference
	t.l.state.orders[orderID] = o
	return nil
}

func (t *fakeTx) GetUserForUpdate(ctx context.Context, id int64) (*models.User, error) {
	u, ok := t.l.state.users[id]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", id, store.ErrNotFound)
	}
	return &u, nil
}

func (t *fakeTx) AddRewardPoints(ctx context.Context, userID, points int64) error {
	u := t.l.state.users[userID]
	u.RewardPoints += points
	t.l.state.users[userID] = u
	return nil
}

func (t *fakeTx) CreateRewardHistory(ctx context.Context, entry *models.RewardHistory) error {
	t.l.state.nextRewardID++
	entry.ID = t.l.state.nextRewardID
	entry.CreatedAt = time.Now()
	t.l.state.rewards = append(t.l.state.rewards, *entry)
	return nil
}

type sessionCall struct {
	orderNumber   string
	finalTotal    decimal.Decimal
	items         []gateway.LineItem
	paymentMethod string
}

type fakeGateway struct {
	mu          sync.Mutex
	calls       []sessionCall
	err         error
	methods     []gateway.PaymentMethod
	methodCalls int
}

func (g *fakeGateway) RequestPaymentSession(ctx context.Context, order *models.Order, user *models.User, items []gateway.LineItem, paymentMethod string) (*gateway.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, sessionCall{
		orderNumber:   order.OrderNumber,
		finalTotal:    order.FinalTotal,
		items:         items,
		paymentMethod: paymentMethod,
	})
	if g.err != nil {
		return nil, g.err
	}
	return &gateway.Session{
		PaymentURL:  "https://pay.test/" + order.OrderNumber,
		Reference:   "REF-" + order.OrderNumber,
		PaymentCode: "VC",
	}, nil
}

func (g *fakeGateway) ListPaymentMethods(ctx context.Context, amount int64) []gateway.PaymentMethod {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.methodCalls++
	if g.methods == nil {
		return []gateway.PaymentMethod{}
	}
	return g.methods
}

// ValidateCallback accepts the literal signature "valid"
func (g *fakeGateway) ValidateCallback(p *gateway.CallbackPayload) bool {
	return p.Signature == "valid"
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

type fakeDispatcher struct {
	mu      sync.Mutex
	events  []broker.Event
	full    bool
	dropped int
}

// Dispatch drops every event while full is set, like a saturated queue
func (d *fakeDispatcher) Dispatch(key string, event broker.Event) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.full {
		d.dropped++
		return false
	}
	d.events = append(d.events, event)
	return true
}

func (d *fakeDispatcher) ofType(eventType string) []broker.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []broker.Event
	for _, e := range d.events {
		if e.Type() == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (d *fakeDispatcher) notifications() []*models.NotificationRequestedEvent {
	var out []*models.NotificationRequestedEvent
	for _, e := range d.ofType(models.EventTypeNotificationRequested) {
		out = append(out, e.(*models.NotificationRequestedEvent))
	}
	return out
}

type fakeCache struct {
	mu      sync.Mutex
	values  map[string][]byte
	locks   map[string]bool
	keys    map[string]bool
	lockErr error
}

func newFakeCache() *fakeCache {
	return &fakeCache{values: map[string][]byte{}, locks: map[string]bool{}, keys: map[string]bool{}}
}

func (c *fakeCache) GetJSON(ctx context.Context, key string, dst interface{}) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.values[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dst)
}

func (c *fakeCache) SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = raw
	return nil
}

func (c *fakeCache) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lockErr != nil {
		return false, c.lockErr
	}
	if c.locks[lockKey] {
		return false, nil
	}
	c.locks[lockKey] = true
	return true, nil
}

func (c *fakeCache) ReleaseLock(ctx context.Context, lockKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.locks, lockKey)
	return nil
}

func (c *fakeCache) SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[key] = true
	return nil
}

func (c *fakeCache) CheckIdempotencyKey(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keys[key], nil
}

type fixture struct {
	ledger   *fakeLedger
	gateway  *fakeGateway
	events   *fakeDispatcher
	cache    *fakeCache
	rewards  *RewardService
	orders   *OrderService
	payments *PaymentService

	customer *models.User
	admin    *models.User
}

func newFixture(trustClientTotal bool) *fixture {
	f := &fixture{
		ledger:  newFakeLedger(),
		gateway: &fakeGateway{},
		events:  &fakeDispatcher{},
		cache:   newFakeCache(),
	}
	f.rewards = NewRewardService(f.ledger, f.events, decimal.NewFromInt(16000), decimal.RequireFromString("0.015"))
	f.orders = NewOrderService(f.ledger, f.gateway, f.rewards, f.events, OrderConfig{
		OrderNumberPrefix: "ORD",
		TrustClientTotal:  trustClientTotal,
	})
	f.payments = NewPaymentService(f.ledger, f.gateway, f.cache, f.events, PaymentConfig{})

	f.customer = f.ledger.addUser(models.User{ID: 1, Username: "jane", FullName: "Jane Doe", Address: "Jl. Kopi 1"})
	f.admin = f.ledger.addUser(models.User{ID: 2, Username: "boss", Role: models.RoleAdmin})
	return f
}
