package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"storefront-service/internal/gateway"
	"storefront-service/internal/models"
	"storefront-service/internal/service"
	"storefront-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultMethodsAmount = 10000

// OrderService is the order workflow used by the handlers
type OrderService interface {
	CreateOrder(ctx context.Context, user *models.User, req *service.CreateOrderRequest) (*models.Order, error)
	GetOrder(ctx context.Context, orderID int64, actor *models.User) (*models.Order, error)
	ListOrders(ctx context.Context, actor *models.User) ([]models.Order, error)
	CancelOrder(ctx context.Context, orderID int64, actor *models.User) (*models.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, status string, actor *models.User) (*models.Order, error)
	DeleteOrder(ctx context.Context, orderID int64, actor *models.User) error
	Dashboard(ctx context.Context) (*service.Dashboard, error)
}

// PaymentService serves method listings and gateway callbacks
type PaymentService interface {
	ListPaymentMethods(ctx context.Context, amount int64) []gateway.PaymentMethod
	HandleCallback(ctx context.Context, p *gateway.CallbackPayload) error
}

// RewardService serves the points summary
type RewardService interface {
	Summary(ctx context.Context, userID int64) (*service.RewardSummary, error)
}

// UserLookup resolves the acting user
type UserLookup interface {
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
}

// Pinger is a dependency checked by the readiness check
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	orders    OrderService
	payments  PaymentService
	rewards   RewardService
	users     UserLookup
	readiness map[string]Pinger
}

// NewHandler creates a new HTTP handler
func NewHandler(orders OrderService, payments PaymentService, rewards RewardService, users UserLookup, readiness map[string]Pinger) *Handler {
	return &Handler{
		orders:    orders,
		payments:  payments,
		rewards:   rewards,
		users:     users,
		readiness: readiness,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")

	payment := api.Group("/payment")
	{
		payment.GET("/methods", h.listPaymentMethods)
		payment.POST("/callback", h.paymentCallback)
	}

	authed := api.Group("", requireUser(h.users))
	{
		authed.POST("/orders", h.createOrder)
		authed.GET("/orders", h.listOrders)
		authed.GET("/orders/:id", h.getOrder)
		authed.PUT("/orders/:id/cancel", h.cancelOrder)
		authed.PUT("/orders/:id/status", requireAdmin(), h.updateOrderStatus)
		authed.DELETE("/orders/:id", requireAdmin(), h.deleteOrder)

		authed.GET("/rewards", h.getRewards)
	}

	admin := api.Group("/admin", requireUser(h.users), requireAdmin())
	{
		admin.GET("/dashboard", h.dashboard)
		admin.GET("/orders/:id", h.getOrder)
		admin.PUT("/orders/:id/status", h.updateOrderStatus)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.readiness))
	ready := true
	for name, dep := range h.readiness {
		if err := dep.Ping(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	status, state := http.StatusOK, "ready"
	if !ready {
		status, state = http.StatusServiceUnavailable, "not ready"
	}
	c.JSON(status, gin.H{
		"status": state,
		"checks": checks,
		"time":   time.Now().Unix(),
	})
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, bindMessage(err))
		return
	}

	order, err := h.orders.CreateOrder(c.Request.Context(), currentUser(c), &req)
	if err != nil {
		writeError(c, err)
		return
	}

	respond(c, http.StatusCreated, "Order created successfully", order)
}

// listOrders returns the caller's orders, or every order for admins
func (h *Handler) listOrders(c *gin.Context) {
	orders, err := h.orders.ListOrders(c.Request.Context(), currentUser(c))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"count":   len(orders),
		"data":    orders,
	})
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(c.Request.Context(), orderID, currentUser(c))
	if err != nil {
		writeError(c, err)
		return
	}

	respond(c, http.StatusOK, "", order)
}

func (h *Handler) cancelOrder(c *gin.Context) {
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}

	order, err := h.orders.CancelOrder(c.Request.Context(), orderID, currentUser(c))
	if err != nil {
		writeError(c, err)
		return
	}

	respond(c, http.StatusOK, "Order cancelled successfully", order)
}

type updateStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

func (h *Handler) updateOrderStatus(c *gin.Context) {
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}

	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Invalid status value")
		return
	}

	order, err := h.orders.UpdateOrderStatus(c.Request.Context(), orderID, req.Status, currentUser(c))
	if err != nil {
		writeError(c, err)
		return
	}

	respond(c, http.StatusOK, "Order status updated successfully", order)
}

func (h *Handler) deleteOrder(c *gin.Context) {
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}

	if err := h.orders.DeleteOrder(c.Request.Context(), orderID, currentUser(c)); err != nil {
		writeError(c, err)
		return
	}

	respond(c, http.StatusOK, "Order deleted successfully", nil)
}

func (h *Handler) dashboard(c *gin.Context) {
	dashboard, err := h.orders.Dashboard(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	respond(c, http.StatusOK, "", dashboard)
}

func (h *Handler) getRewards(c *gin.Context) {
	summary, err := h.rewards.Summary(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		writeError(c, err)
		return
	}

	respond(c, http.StatusOK, "", summary)
}

func (h *Handler) listPaymentMethods(c *gin.Context) {
	amount := int64(defaultMethodsAmount)
	if raw := c.Query("amount"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			fail(c, http.StatusBadRequest, "Invalid amount")
			return
		}
		amount = parsed
	}

	methods := h.payments.ListPaymentMethods(c.Request.Context(), amount)
	respond(c, http.StatusOK, "", methods)
}

// paymentCallback answers in plain text; the gateway only reads the body
// status text.
func (h *Handler) paymentCallback(c *gin.Context) {
	var payload gateway.CallbackPayload
	if err := c.ShouldBind(&payload); err != nil {
		c.String(http.StatusBadRequest, "Invalid payload")
		return
	}

	status, body := callbackResponse(h.payments.HandleCallback(c.Request.Context(), &payload))
	c.String(status, body)
}

func orderIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		fail(c, http.StatusBadRequest, "Invalid order ID")
		return 0, false
	}
	return id, true
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			path,
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			path,
			status,
		).Inc()
	}
}
