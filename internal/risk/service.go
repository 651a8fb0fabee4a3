package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantedge/tradepipe/internal/database/repositories"
	"github.com/quantedge/tradepipe/internal/domain"
)

// DeliveryConsumer is SMS's bridge from a consumed delivery to a
// freshly minted intent id (spec §4.6 step 6).
type DeliveryConsumer interface {
	ConsumeDelivery(ctx context.Context, deliveryID, intentID string) (bool, error)
}

// SignalLookup loads the Signal a delivery references.
type SignalLookup interface {
	FindActiveByID(ctx context.Context, signalID string) (domain.Signal, error)
}

// TradeLookup supplies the portfolio snapshot a gate run needs.
type TradeLookup interface {
	FindOpenByUserBroker(ctx context.Context, userBrokerID string) ([]domain.Trade, error)
	FindLastEntry(ctx context.Context, userBrokerID, symbol string) (domain.Trade, bool, error)
	SumRealizedPnLToday(ctx context.Context, userBrokerID string, tradingDay string) (domain.Decimal, error)
	SumDeployedCapital(ctx context.Context, userBrokerID string) (domain.Decimal, error)
}

// UserBrokerLookup resolves the UserBroker a delivery was fanned out to.
type UserBrokerLookup interface {
	FindActiveByID(ctx context.Context, userBrokerID string) (domain.UserBroker, error)
}

// TradingDayProvider resolves the IST trading-day string for the daily
// loss cap window.
type TradingDayProvider interface {
	TradingDay(ts time.Time) string
}

// Service is the ValidationService of spec §4.6: for each consumed
// delivery, loads user context, runs the ordered gate pipeline, sizes
// the approved quantity, and persists a TradeIntent.
type Service struct {
	sms         DeliveryConsumer
	signals     SignalLookup
	trades      TradeLookup
	userBrokers UserBrokerLookup
	calendar    TradingDayProvider
	intents     *repositories.IntentRepository
	pipeline    *Pipeline
	sizing      SizingParams
	log         zerolog.Logger
}

func NewService(
	sms DeliveryConsumer,
	signals SignalLookup,
	trades TradeLookup,
	userBrokers UserBrokerLookup,
	calendar TradingDayProvider,
	intents *repositories.IntentRepository,
	pipeline *Pipeline,
	sizing SizingParams,
	log zerolog.Logger,
) *Service {
	return &Service{
		sms:         sms,
		signals:     signals,
		trades:      trades,
		userBrokers: userBrokers,
		calendar:    calendar,
		intents:     intents,
		pipeline:    pipeline,
		sizing:      sizing,
		log:         log.With().Str("service", "risk").Logger(),
	}
}

// Validate runs the full spec §4.6 pipeline for one SignalDelivery.
// Returns the persisted intent (APPROVED or REJECTED), or ok=false if
// another validator already consumed this delivery.
func (s *Service) Validate(ctx context.Context, deliveryID, signalID, userBrokerID string) (domain.TradeIntent, bool, error) {
	intentID := uuid.NewString()

	signal, err := s.signals.FindActiveByID(ctx, signalID)
	if err != nil {
		return domain.TradeIntent{}, false, fmt.Errorf("risk: load signal: %w", err)
	}

	userBroker, err := s.userBrokers.FindActiveByID(ctx, userBrokerID)
	if err != nil {
		return domain.TradeIntent{}, false, fmt.Errorf("risk: load user broker: %w", err)
	}

	portfolio, err := s.loadPortfolio(ctx, userBroker, signal.Symbol)
	if err != nil {
		return domain.TradeIntent{}, false, fmt.Errorf("risk: load portfolio: %w", err)
	}

	equity := userBroker.CapitalAllocated.Sub(portfolio.DeployedCapital)
	sizing := Size(signal, equity, s.sizing)

	failures := s.pipeline.Run(ctx, portfolio, signal, sizing)
	approved := len(failures) == 0 && sizing.Qty > 0
	if len(failures) == 0 && sizing.Qty <= 0 {
		failures = []domain.ValidationErrorCode{domain.ErrInsufficientCapital}
	}

	consumed, err := s.sms.ConsumeDelivery(ctx, deliveryID, intentID)
	if err != nil {
		return domain.TradeIntent{}, false, fmt.Errorf("risk: consume delivery: %w", err)
	}
	if !consumed {
		return domain.TradeIntent{}, false, nil
	}

	intent := domain.TradeIntent{
		Versioned:        domain.Versioned{CreatedAt: time.Now()},
		IntentID:         intentID,
		SignalID:         signalID,
		SignalDeliveryID: deliveryID,
		UserID:           userBroker.UserID,
		UserBrokerID:     userBrokerID,
		ValidationPassed: approved,
		ValidationErrors: failures,
		CalculatedQty:    sizing.Qty,
		LimitPrice:       sizing.EntryPrice.RoundPrice(),
		OrderType:        domain.PriceTypeLimit,
		ProductType:      domain.ProductIntraday,
		Status:           domain.IntentRejected,
	}
	if approved {
		intent.Status = domain.IntentApproved
	}

	if err := s.intents.InsertV1(ctx, intent); err != nil {
		return domain.TradeIntent{}, false, fmt.Errorf("risk: persist intent: %w", err)
	}

	return intent, true, nil
}

func (s *Service) loadPortfolio(ctx context.Context, ub domain.UserBroker, symbol string) (PortfolioContext, error) {
	open, err := s.trades.FindOpenByUserBroker(ctx, ub.UserBrokerID)
	if err != nil {
		return PortfolioContext{}, err
	}
	deployed, err := s.trades.SumDeployedCapital(ctx, ub.UserBrokerID)
	if err != nil {
		return PortfolioContext{}, err
	}
	tradingDay := s.calendar.TradingDay(time.Now())
	realized, err := s.trades.SumRealizedPnLToday(ctx, ub.UserBrokerID, tradingDay)
	if err != nil {
		return PortfolioContext{}, err
	}
	var lastEntry *domain.Trade
	if last, ok, err := s.trades.FindLastEntry(ctx, ub.UserBrokerID, symbol); err != nil {
		return PortfolioContext{}, err
	} else if ok {
		lastEntry = &last
	}

	return PortfolioContext{
		UserBroker:       ub,
		OpenTrades:       open,
		DeployedCapital:  deployed,
		RealizedPnLToday: realized,
		LastEntry:        lastEntry,
	}, nil
}
