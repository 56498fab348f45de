package service

import (
	"context"
	"errors"
	"fmt"

	"storefront-service/internal/broker"
	"storefront-service/internal/models"
	"storefront-service/internal/store"
	"storefront-service/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const rewardHistoryLimit = 50

// RewardService credits loyalty points for settled orders
type RewardService struct {
	ledger         Ledger
	events         EventDispatcher
	conversionRate decimal.Decimal
	pointsRate     decimal.Decimal
	logger         *zap.Logger
}

// NewRewardService creates a new reward service. Points are
// floor(total × conversionRate × pointsRate).
func NewRewardService(ledger Ledger, events EventDispatcher, conversionRate, pointsRate decimal.Decimal) *RewardService {
	return &RewardService{
		ledger:         ledger,
		events:         events,
		conversionRate: conversionRate,
		pointsRate:     pointsRate,
		logger:         util.Named("reward-service"),
	}
}

// RewardSummary is the user's balance with recent ledger entries
type RewardSummary struct {
	TotalPoints int64                  `json:"totalPoints"`
	History     []models.RewardHistory `json:"history"`
}

// SyncResult reports a backfill run
type SyncResult struct {
	Scanned  int   `json:"scanned"`
	Rewarded int   `json:"rewarded"`
	Failed   int   `json:"failed"`
	Points   int64 `json:"points"`
}

// Points returns the points earned for an order total
func (s *RewardService) Points(total decimal.Decimal) int64 {
	return total.Mul(s.conversionRate).Mul(s.pointsRate).Floor().IntPart()
}

// Accrue credits points for orderTotal to the user and appends an earned
// history entry. It does not check whether the order was already rewarded;
// use AccrueForOrder for that.
func (s *RewardService) Accrue(ctx context.Context, userID int64, orderID *int64, orderTotal decimal.Decimal, description string) (int64, error) {
	ctx, span := util.StartSpan(ctx, "RewardService.Accrue", attribute.Int64("user_id", userID))
	defer span.End()

	points := s.Points(orderTotal)
	if points <= 0 {
		return 0, nil
	}

	missingUser := false
	err := s.ledger.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetUserForUpdate(ctx, userID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				missingUser = true
				return nil
			}
			return err
		}

		if err := tx.AddRewardPoints(ctx, userID, points); err != nil {
			return err
		}

		return tx.CreateRewardHistory(ctx, &models.RewardHistory{
			UserID:      userID,
			OrderID:     orderID,
			Points:      points,
			Type:        models.RewardTypeEarned,
			Description: description,
		})
	})
	if err != nil {
		util.RecordError(span, err)
		return 0, fmt.Errorf("failed to accrue reward points: %w", err)
	}

	if missingUser {
		s.logger.Warn("Skipping reward accrual for missing user", zap.Int64("user_id", userID))
		return 0, nil
	}

	util.RewardPointsAwarded.Add(float64(points))
	s.logger.Info("Reward points credited",
		zap.Int64("user_id", userID),
		zap.Int64("points", points),
		zap.String("description", description))

	notify(s.events, s.logger, userID, models.NotificationReward,
		"Reward Points Earned",
		fmt.Sprintf("You earned %d reward points. %s", points, description),
		map[string]interface{}{"points": points, "orderId": orderID})

	s.events.Dispatch(broker.UserKey(userID), &models.RewardEarnedEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeRewardEarned),
		UserID:    userID,
		OrderID:   orderID,
		Points:    points,
	})

	return points, nil
}

// AccrueForOrder rewards a completed order unless an earned entry for it
// already exists
func (s *RewardService) AccrueForOrder(ctx context.Context, order *models.Order) (int64, error) {
	rewarded, err := s.ledger.HasEarnedReward(ctx, order.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to check reward history: %w", err)
	}
	if rewarded {
		s.logger.Info("Order already rewarded", zap.Int64("order_id", order.ID))
		return 0, nil
	}

	orderID := order.ID
	return s.Accrue(ctx, order.UserID, &orderID, order.FinalTotal,
		fmt.Sprintf("Earned from order %s", order.OrderNumber))
}

// Summary returns the user's points with the latest history entries
func (s *RewardService) Summary(ctx context.Context, userID int64) (*RewardSummary, error) {
	ctx, span := util.StartSpan(ctx, "RewardService.Summary", attribute.Int64("user_id", userID))
	defer span.End()

	user, err := s.ledger.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	history, err := s.ledger.ListRewardHistory(ctx, userID, rewardHistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load reward history: %w", err)
	}
	if history == nil {
		history = []models.RewardHistory{}
	}

	return &RewardSummary{TotalPoints: user.RewardPoints, History: history}, nil
}

// SyncMissing rewards every completed order that has no earned entry yet.
// Failures are counted and the run continues.
func (s *RewardService) SyncMissing(ctx context.Context) (*SyncResult, error) {
	ctx, span := util.StartSpan(ctx, "RewardService.SyncMissing")
	defer span.End()

	orders, err := s.ledger.ListCompletedOrdersWithoutReward(ctx)
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to list unrewarded orders: %w", err)
	}

	result := &SyncResult{Scanned: len(orders)}
	for i := range orders {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		points, err := s.AccrueForOrder(ctx, &orders[i])
		if err != nil {
			result.Failed++
			s.logger.Error("Failed to backfill reward",
				zap.Int64("order_id", orders[i].ID),
				zap.Error(err))
			continue
		}
		if points > 0 {
			result.Rewarded++
			result.Points += points
		}
	}

	s.logger.Info("Reward sync finished",
		zap.Int("scanned", result.Scanned),
		zap.Int("rewarded", result.Rewarded),
		zap.Int("failed", result.Failed),
		zap.Int64("points", result.Points))
	return result, nil
}
