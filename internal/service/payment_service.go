package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"storefront-service/internal/broker"
	"storefront-service/internal/gateway"
	"storefront-service/internal/models"
	"storefront-service/internal/store"
	"storefront-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Gateway result codes
const (
	ResultCodeSuccess = "00"
	ResultCodeFailed  = "01"
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrCallbackBusy     = errors.New("callback already being processed")
)

// PaymentConfig tunes caching and callback handling
type PaymentConfig struct {
	MethodsCacheTTL  time.Duration
	CallbackLockTTL  time.Duration
	ProcessedKeysTTL time.Duration
}

// PaymentService serves payment method listings and settles orders from
// gateway callbacks
type PaymentService struct {
	ledger  Ledger
	gateway PaymentGateway
	cache   Cache
	events  EventDispatcher
	cfg     PaymentConfig
	logger  *zap.Logger
}

// NewPaymentService creates a new payment service. cache may be nil, which
// disables method caching and the cross-instance callback lock.
func NewPaymentService(ledger Ledger, gw PaymentGateway, cache Cache, events EventDispatcher, cfg PaymentConfig) *PaymentService {
	if cfg.MethodsCacheTTL <= 0 {
		cfg.MethodsCacheTTL = 5 * time.Minute
	}
	if cfg.CallbackLockTTL <= 0 {
		cfg.CallbackLockTTL = 30 * time.Second
	}
	if cfg.ProcessedKeysTTL <= 0 {
		cfg.ProcessedKeysTTL = 24 * time.Hour
	}
	return &PaymentService{
		ledger:  ledger,
		gateway: gw,
		cache:   cache,
		events:  events,
		cfg:     cfg,
		logger:  util.Named("payment-service"),
	}
}

// ListPaymentMethods returns the methods available for amount. Results are
// cached; an empty list is never cached.
func (s *PaymentService) ListPaymentMethods(ctx context.Context, amount int64) []gateway.PaymentMethod {
	ctx, span := util.StartSpan(ctx, "PaymentService.ListPaymentMethods", attribute.Int64("amount", amount))
	defer span.End()

	key := fmt.Sprintf("payment-methods:%d", amount)
	if s.cache != nil {
		var cached []gateway.PaymentMethod
		found, err := s.cache.GetJSON(ctx, key, &cached)
		if err != nil {
			s.logger.Warn("Payment method cache read failed", zap.Error(err))
		} else if found {
			return cached
		}
	}

	methods := s.gateway.ListPaymentMethods(ctx, amount)
	if len(methods) > 0 && s.cache != nil {
		if err := s.cache.SetJSON(ctx, key, methods, s.cfg.MethodsCacheTTL); err != nil {
			s.logger.Warn("Payment method cache write failed", zap.Error(err))
		}
	}
	return methods
}

// HandleCallback applies a gateway result notification. A success on a
// pending order marks it paid; repeated deliveries are acknowledged without
// changes. Failure codes leave the order pending.
func (s *PaymentService) HandleCallback(ctx context.Context, p *gateway.CallbackPayload) error {
	ctx, span := util.StartSpan(ctx, "PaymentService.HandleCallback",
		attribute.String("order_number", p.MerchantOrderID),
		attribute.String("result_code", p.ResultCode))
	defer span.End()

	if !s.gateway.ValidateCallback(p) {
		util.PaymentCallbacksTotal.WithLabelValues("invalid_signature").Inc()
		s.logger.Warn("Rejected callback with invalid signature", zap.String("order_number", p.MerchantOrderID))
		return ErrInvalidSignature
	}

	release, err := s.lock(ctx, p.MerchantOrderID)
	if err != nil {
		util.PaymentCallbacksTotal.WithLabelValues("busy").Inc()
		return err
	}
	defer release()

	processedKey := fmt.Sprintf("callback:%s:%s", p.MerchantOrderID, p.Reference)
	if p.ResultCode == ResultCodeSuccess && s.cache != nil {
		done, err := s.cache.CheckIdempotencyKey(ctx, processedKey)
		if err != nil {
			s.logger.Warn("Idempotency check failed", zap.Error(err))
		} else if done {
			util.PaymentCallbacksTotal.WithLabelValues("duplicate").Inc()
			return nil
		}
	}

	var (
		order *models.Order
		paid  bool
	)
	err = s.ledger.InTx(ctx, func(tx store.Tx) error {
		o, err := tx.GetOrderByNumberForUpdate(ctx, p.MerchantOrderID)
		if err != nil {
			return err
		}
		order = o

		if p.ResultCode != ResultCodeSuccess || o.Status != models.OrderStatusPending {
			return nil
		}

		if err := tx.MarkOrderPaid(ctx, o.ID, p.Reference); err != nil {
			return err
		}
		o.Status = models.OrderStatusPaid
		o.PaymentReference = &p.Reference
		paid = true
		return nil
	})
	if err != nil {
		util.RecordError(span, err)
		if errors.Is(err, ErrNotFound) {
			util.PaymentCallbacksTotal.WithLabelValues("not_found").Inc()
			s.logger.Warn("Callback for unknown order", zap.String("order_number", p.MerchantOrderID))
		} else {
			util.PaymentCallbacksTotal.WithLabelValues("error").Inc()
		}
		return err
	}

	switch {
	case paid:
		util.PaymentCallbacksTotal.WithLabelValues("paid").Inc()
		util.OrderStatusTransitions.WithLabelValues(models.OrderStatusPaid).Inc()
		s.logger.Info("Order paid",
			zap.Int64("order_id", order.ID),
			zap.String("order_number", order.OrderNumber),
			zap.String("reference", p.Reference))

		if s.cache != nil {
			if err := s.cache.SetIdempotencyKey(ctx, processedKey, order.ID, s.cfg.ProcessedKeysTTL); err != nil {
				s.logger.Warn("Failed to record processed callback", zap.Error(err))
			}
		}

		notify(s.events, s.logger, order.UserID, models.NotificationPayment,
			"Payment Received",
			fmt.Sprintf("Payment for order %s has been received.", order.OrderNumber),
			map[string]interface{}{"orderId": order.ID, "reference": p.Reference})
		s.events.Dispatch(broker.OrderKey(order.ID), &models.OrderPaidEvent{
			BaseEvent:   models.NewBaseEvent(models.EventTypeOrderPaid),
			OrderID:     order.ID,
			OrderNumber: order.OrderNumber,
			Reference:   p.Reference,
		})

	case p.ResultCode == ResultCodeSuccess:
		util.PaymentCallbacksTotal.WithLabelValues("duplicate").Inc()
		s.logger.Info("Success callback for non-pending order",
			zap.String("order_number", order.OrderNumber),
			zap.String("status", order.Status))

	default:
		util.PaymentCallbacksTotal.WithLabelValues("failed").Inc()
		s.logger.Info("Payment not successful, order stays pending",
			zap.String("order_number", order.OrderNumber),
			zap.String("result_code", p.ResultCode))
	}

	return nil
}

func (s *PaymentService) lock(ctx context.Context, orderNumber string) (func(), error) {
	if s.cache == nil {
		return func() {}, nil
	}

	key := "callback:" + orderNumber
	acquired, err := s.cache.AcquireLock(ctx, key, s.cfg.CallbackLockTTL)
	if err != nil {
		// The order row lock still serializes the update.
		s.logger.Warn("Callback lock unavailable", zap.String("order_number", orderNumber), zap.Error(err))
		return func() {}, nil
	}
	if !acquired {
		return nil, fmt.Errorf("%w: %s", ErrCallbackBusy, orderNumber)
	}

	return func() {
		if err := s.cache.ReleaseLock(context.Background(), key); err != nil {
			s.logger.Warn("Failed to release callback lock", zap.String("order_number", orderNumber), zap.Error(err))
		}
	}, nil
}
