// Package execution implements the Order Placement / Execution layer
// (spec §4.7): turns an APPROVED TradeIntent into a broker order and a
// CREATED Trade, and folds broker fill/reject callbacks back onto
// Order, OrderFill, and Trade. It is the sole writer of order_fills and
// of orders, apart from the reconciler flagging an order's
// ReconcileStatus FAILED; Trade mutations are delegated to TMS, which
// remains the sole writer of trades.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantedge/tradepipe/internal/broker"
	"github.com/quantedge/tradepipe/internal/database/repositories"
	"github.com/quantedge/tradepipe/internal/domain"
	"github.com/quantedge/tradepipe/internal/events"
	"github.com/quantedge/tradepipe/internal/signals"
)

// SignalLookup loads the Signal an intent was priced from, to recover
// the zone bounds carried forward onto Trade and the stop level Sizing
// used but did not persist.
type SignalLookup interface {
	FindActiveByID(ctx context.Context, signalID string) (domain.Signal, error)
}

// UserBrokerLookup, BrokerLookup and SessionLookup resolve the broker
// connection an intent executes against.
type UserBrokerLookup interface {
	FindActiveByID(ctx context.Context, userBrokerID string) (domain.UserBroker, error)
}

type BrokerLookup interface {
	FindActiveByID(ctx context.Context, brokerID string) (domain.Broker, error)
}

type SessionLookup interface {
	FindActiveByUserBroker(ctx context.Context, userBrokerID string) (domain.UserBrokerSession, error)
}

// TradeWriter is the subset of tms.Service this package drives.
type TradeWriter interface {
	Create(ctx context.Context, t domain.Trade) error
	MarkPending(ctx context.Context, tradeID, brokerOrderID string, ts time.Time) (domain.Trade, error)
	MarkPendingUnconfirmed(ctx context.Context, tradeID string, ts time.Time) (domain.Trade, error)
	MarkRejected(ctx context.Context, tradeID string) (domain.Trade, error)
	MarkOpen(ctx context.Context, tradeID string, brokerTradeID *string, ts time.Time) (domain.Trade, error)
	MarkPartialExit(ctx context.Context, tradeID string, reason domain.ExitReason, qty int64, price, realizedPnL domain.Decimal, ts time.Time) (domain.Trade, error)
	Close(ctx context.Context, tradeID string, reason domain.ExitReason, qty int64, price, realizedPnL domain.Decimal, ts time.Time) (domain.Trade, error)
}

// TradeLookup is the read side this package needs on trades, including
// the intentId index the idempotent placement path relies on.
type TradeLookup interface {
	FindActiveByID(ctx context.Context, tradeID string) (domain.Trade, error)
	FindActiveByIntentID(ctx context.Context, intentID string) (domain.Trade, error)
}

// ExitIntentLookup resolves the ExitReason driving an exit order, which
// the unified Order row itself does not carry.
type ExitIntentLookup interface {
	FindActiveByID(ctx context.Context, exitIntentID string) (domain.ExitIntent, error)
}

// ExitFillSync lets the Exit Signal Service learn the outcome of an
// exit order placed through this package without execution importing
// the exits package back — the two packages are siblings over the
// Order table, neither owns the other (spec §4.9, §4.10).
type ExitFillSync interface {
	OnExitFilled(ctx context.Context, exitIntentID string, closed bool) error
	OnExitRejected(ctx context.Context, exitIntentID string) error
}

// Service is the Order Placement / Execution layer.
type Service struct {
	intents     *repositories.IntentRepository
	orders      *repositories.OrderRepository
	fills       *repositories.OrderFillRepository
	trades      TradeWriter
	tradeLookup TradeLookup
	signals     SignalLookup
	exitIntents ExitIntentLookup
	userBrokers UserBrokerLookup
	brokers     BrokerLookup
	sessions    SessionLookup
	registry    *broker.Registry
	config      signals.ConfigStore
	bus         *events.Manager
	exitSync    ExitFillSync
	log         zerolog.Logger
}

func NewService(
	intents *repositories.IntentRepository,
	orders *repositories.OrderRepository,
	fills *repositories.OrderFillRepository,
	trades TradeWriter,
	tradeLookup TradeLookup,
	signalLookup SignalLookup,
	exitIntents ExitIntentLookup,
	userBrokers UserBrokerLookup,
	brokers BrokerLookup,
	sessions SessionLookup,
	registry *broker.Registry,
	config signals.ConfigStore,
	bus *events.Manager,
	log zerolog.Logger,
) *Service {
	return &Service{
		intents: intents, orders: orders, fills: fills,
		trades: trades, tradeLookup: tradeLookup,
		signals: signalLookup, exitIntents: exitIntents,
		userBrokers: userBrokers, brokers: brokers, sessions: sessions,
		registry: registry, config: config, bus: bus,
		log: log.With().Str("service", "execution").Logger(),
	}
}

// SetExitSync wires the Exit Signal Service after both sides are
// constructed, breaking the natural construction-order cycle: an
// exits.Service needs this Service as its order placer, and this
// Service needs exits.Service as its fill-sync callback.
func (s *Service) SetExitSync(sync ExitFillSync) { s.exitSync = sync }

// SubmitIntent turns an APPROVED TradeIntent into a CREATED Trade and a
// placed entry order (spec §4.7). It is idempotent: a retry against an
// intent that already produced a Trade returns the existing Trade
// rather than creating a second one, and a retry against an intent
// whose Order row already exists (e.g. after MarkPendingUnconfirmed)
// reuses that row rather than inserting a duplicate.
func (s *Service) SubmitIntent(ctx context.Context, intentID string) (domain.Trade, error) {
	intent, err := s.intents.FindActiveByID(ctx, intentID)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("execution: load intent: %w", err)
	}
	if intent.Status != domain.IntentApproved {
		return domain.Trade{}, fmt.Errorf("execution: intent %s is not approved (status %s)", intentID, intent.Status)
	}

	if trade, err := s.tradeLookup.FindActiveByIntentID(ctx, intentID); err == nil {
		return trade, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Trade{}, fmt.Errorf("execution: check existing trade: %w", err)
	}

	signal, err := s.signals.FindActiveByID(ctx, intent.SignalID)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("execution: load signal: %w", err)
	}
	ub, err := s.userBrokers.FindActiveByID(ctx, intent.UserBrokerID)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("execution: load user broker: %w", err)
	}
	brokerRec, err := s.brokers.FindActiveByID(ctx, ub.BrokerID)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("execution: load broker: %w", err)
	}
	session, err := s.sessions.FindActiveByUserBroker(ctx, ub.UserBrokerID)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("execution: load session: %w", err)
	}

	targets, riskUnit := computeTargets(s.config.ConfigFor(signal.Symbol), signal, intent.LimitPrice)
	trade := domain.Trade{
		Versioned:      domain.Versioned{CreatedAt: time.Now()},
		TradeID:        uuid.NewString(),
		IntentID:       intentID,
		PortfolioID:    ub.UserBrokerID,
		UserID:         intent.UserID,
		UserBrokerID:   ub.UserBrokerID,
		SignalID:       signal.SignalID,
		Symbol:         signal.Symbol,
		Direction:      signal.Direction,
		EntryQty:       intent.CalculatedQty,
		EntryPrice:     intent.LimitPrice,
		EntryValue:     intent.LimitPrice.Mul(domain.NewFromFloat(float64(intent.CalculatedQty))),
		HtfLow:         signal.HtfLow,
		HtfHigh:        signal.HtfHigh,
		ItfLow:         signal.ItfLow,
		ItfHigh:        signal.ItfHigh,
		LtfLow:         signal.LtfLow,
		LtfHigh:        signal.LtfHigh,
		Targets:        targets,
		MaxLossAllowed: riskUnit.Mul(domain.NewFromFloat(float64(intent.CalculatedQty))),
	}
	if err := s.trades.Create(ctx, trade); err != nil {
		return domain.Trade{}, fmt.Errorf("execution: create trade: %w", err)
	}

	order, err := s.resolveOrInsertEntryOrder(ctx, trade, intent)
	if err != nil {
		return domain.Trade{}, err
	}
	return s.placeEntry(ctx, trade, order, ub, brokerRec, session)
}

func (s *Service) resolveOrInsertEntryOrder(ctx context.Context, trade domain.Trade, intent domain.TradeIntent) (domain.Order, error) {
	existing, err := s.orders.FindActiveByClientOrderID(ctx, intent.IntentID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Order{}, fmt.Errorf("execution: check existing order: %w", err)
	}

	limitPrice := intent.LimitPrice
	order := domain.Order{
		Versioned:       domain.Versioned{CreatedAt: time.Now()},
		OrderID:         uuid.NewString(),
		Kind:            domain.OrderKindEntry,
		TradeID:         &trade.TradeID,
		IntentID:        &intent.IntentID,
		UserBrokerID:    trade.UserBrokerID,
		Symbol:          trade.Symbol,
		Direction:       trade.Direction,
		ProductType:     intent.ProductType,
		PriceType:       intent.OrderType,
		LimitPrice:      &limitPrice,
		OrderedQty:      intent.CalculatedQty,
		ClientOrderID:   intent.IntentID,
		Status:          domain.OrderPending,
		ReconcileStatus: domain.ReconcilePending,
	}
	if err := s.orders.InsertV1(ctx, order); err != nil {
		if domain.IsBenignDuplicate(err) {
			return s.orders.FindActiveByClientOrderID(ctx, intent.IntentID)
		}
		return domain.Order{}, fmt.Errorf("execution: insert entry order: %w", err)
	}
	return order, nil
}

func (s *Service) placeEntry(ctx context.Context, trade domain.Trade, order domain.Order, ub domain.UserBroker, brokerRec domain.Broker, session domain.UserBrokerSession) (domain.Trade, error) {
	if order.Status != domain.OrderPending {
		// already placed by a prior attempt; nothing left to do here.
		return trade, nil
	}

	ob, err := s.registry.OrderBrokerFor(ctx, brokerRec.BrokerCode, ub, session)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("execution: resolve order broker: %w", err)
	}

	req := broker.OrderRequest{
		Symbol: trade.Symbol, Direction: trade.Direction, Qty: order.OrderedQty,
		OrderType: order.PriceType, ProductType: order.ProductType,
		LimitPrice: order.LimitPrice, ClientOrderID: order.ClientOrderID,
	}

	release, err := s.registry.AcquireOrderSlot(ctx, ub.UserBrokerID)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("execution: acquire order slot: %w", err)
	}
	now := time.Now()
	brokerOrderID, placeErr := ob.PlaceOrder(ctx, req)
	release()
	if placeErr != nil {
		return s.handlePlacementFailure(ctx, trade, order, placeErr, now)
	}

	if _, err := s.orders.Update(ctx, order.OrderID, order.Version, func(o domain.Order) domain.Order {
		o.BrokerOrderID = &brokerOrderID
		o.Status = domain.OrderPlaced
		o.LastBrokerUpdateAt = &now
		o.ReconcileStatus = domain.ReconcileInSync
		return o
	}); err != nil {
		return domain.Trade{}, fmt.Errorf("execution: mark order placed: %w", err)
	}

	updated, err := s.trades.MarkPending(ctx, trade.TradeID, brokerOrderID, now)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("execution: mark trade pending: %w", err)
	}
	s.bus.Emit(events.OrderPlaced, "execution", map[string]any{
		"order_id": order.OrderID, "trade_id": trade.TradeID, "broker_order_id": brokerOrderID,
	})
	return updated, nil
}

// handlePlacementFailure distinguishes a transient broker failure
// (connection drop, timeout, rate limit) — where the order may or may
// not have reached the broker's book — from a terminal rejection
// (invalid symbol, insufficient funds). The former leaves the Order
// row PENDING with no brokerOrderId for the pending reconciler to
// retry placement against, safe because ClientOrderID's unique index
// makes re-placement idempotent (spec §4.7 "Idempotency"). The latter
// is a final outcome: the order, trade, and intent all move to their
// respective rejected/failed terminal states.
func (s *Service) handlePlacementFailure(ctx context.Context, trade domain.Trade, order domain.Order, placeErr error, ts time.Time) (domain.Trade, error) {
	if isTransientBrokerError(placeErr) {
		s.log.Warn().Err(placeErr).Str("trade_id", trade.TradeID).Msg("entry placement did not confirm, leaving trade PENDING for reconciler retry")
		updated, err := s.trades.MarkPendingUnconfirmed(ctx, trade.TradeID, ts)
		if err != nil {
			return domain.Trade{}, fmt.Errorf("execution: mark trade pending-unconfirmed: %w", err)
		}
		return updated, nil
	}

	if _, err := s.orders.Update(ctx, order.OrderID, order.Version, func(o domain.Order) domain.Order {
		o.Status = domain.OrderRejected
		o.LastBrokerUpdateAt = &ts
		o.ReconcileStatus = domain.ReconcileInSync
		return o
	}); err != nil {
		s.log.Error().Err(err).Str("order_id", order.OrderID).Msg("failed to mark entry order rejected")
	}

	updated, err := s.trades.MarkRejected(ctx, trade.TradeID)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("execution: mark trade rejected: %w", err)
	}

	if current, err := s.intents.FindActiveByID(ctx, trade.IntentID); err == nil {
		if _, err := s.intents.Update(ctx, current.IntentID, current.Version, func(in domain.TradeIntent) domain.TradeIntent {
			in.Status = domain.IntentFailed
			return in
		}); err != nil {
			s.log.Error().Err(err).Str("intent_id", trade.IntentID).Msg("failed to mark intent failed")
		}
	}

	s.bus.Emit(events.OrderRejected, "execution", map[string]any{
		"order_id": order.OrderID, "trade_id": trade.TradeID, "reason": placeErr.Error(),
	})
	s.log.Warn().Err(placeErr).Str("trade_id", trade.TradeID).Msg("entry order rejected by broker")
	return updated, nil
}

func isTransientBrokerError(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, broker.ErrConnection) ||
		errors.Is(err, broker.ErrRateLimited) ||
		errors.Is(err, broker.ErrAuthExpired)
}

// PlaceExitOrder places a broker order for a confirmed exit intent and
// persists the Order row. Implements the ExitOrderPlacer capability
// exits.Service depends on (spec §4.9 step 3).
func (s *Service) PlaceExitOrder(ctx context.Context, exitIntent domain.ExitIntent, trade domain.Trade) (domain.Order, error) {
	order, err := s.orders.FindActiveByClientOrderID(ctx, exitIntent.ExitIntentID)
	if err == nil {
		return order, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Order{}, fmt.Errorf("execution: check existing exit order: %w", err)
	}

	limitPrice := exitIntent.LimitPrice
	order = domain.Order{
		Versioned:       domain.Versioned{CreatedAt: time.Now()},
		OrderID:         uuid.NewString(),
		Kind:            domain.OrderKindExit,
		TradeID:         &trade.TradeID,
		ExitIntentID:    &exitIntent.ExitIntentID,
		UserBrokerID:    trade.UserBrokerID,
		Symbol:          trade.Symbol,
		Direction:       trade.Direction.Opposite(),
		ProductType:     domain.ProductIntraday,
		PriceType:       exitIntent.OrderType,
		LimitPrice:      &limitPrice,
		OrderedQty:      exitIntent.CalculatedQty,
		ClientOrderID:   exitIntent.ExitIntentID,
		Status:          domain.OrderPending,
		ReconcileStatus: domain.ReconcilePending,
	}
	if err := s.orders.InsertV1(ctx, order); err != nil {
		if domain.IsBenignDuplicate(err) {
			return s.orders.FindActiveByClientOrderID(ctx, exitIntent.ExitIntentID)
		}
		return domain.Order{}, fmt.Errorf("execution: insert exit order: %w", err)
	}

	return s.placeExitViaBroker(ctx, order, trade, exitIntent.ExitIntentID)
}

// placeExitViaBroker resolves the order broker and places the exit
// order, on both the first attempt from PlaceExitOrder and a retried
// attempt from RetryPlacement for an order left PENDING by a transient
// failure.
func (s *Service) placeExitViaBroker(ctx context.Context, order domain.Order, trade domain.Trade, exitIntentID string) (domain.Order, error) {
	ub, err := s.userBrokers.FindActiveByID(ctx, trade.UserBrokerID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("execution: load user broker: %w", err)
	}
	brokerRec, err := s.brokers.FindActiveByID(ctx, ub.BrokerID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("execution: load broker: %w", err)
	}
	session, err := s.sessions.FindActiveByUserBroker(ctx, ub.UserBrokerID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("execution: load session: %w", err)
	}
	ob, err := s.registry.OrderBrokerFor(ctx, brokerRec.BrokerCode, ub, session)
	if err != nil {
		return domain.Order{}, fmt.Errorf("execution: resolve order broker: %w", err)
	}

	req := broker.OrderRequest{
		Symbol: order.Symbol, Direction: order.Direction, Qty: order.OrderedQty,
		OrderType: order.PriceType, ProductType: order.ProductType,
		LimitPrice: order.LimitPrice, ClientOrderID: order.ClientOrderID,
	}
	release, err := s.registry.AcquireOrderSlot(ctx, ub.UserBrokerID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("execution: acquire order slot: %w", err)
	}
	now := time.Now()
	brokerOrderID, placeErr := ob.PlaceOrder(ctx, req)
	release()
	if placeErr != nil {
		if isTransientBrokerError(placeErr) {
			s.log.Warn().Err(placeErr).Str("exit_intent_id", exitIntentID).Msg("exit placement did not confirm, leaving order PENDING for reconciler retry")
			return order, nil
		}
		if _, err := s.orders.Update(ctx, order.OrderID, order.Version, func(o domain.Order) domain.Order {
			o.Status = domain.OrderRejected
			o.LastBrokerUpdateAt = &now
			o.ReconcileStatus = domain.ReconcileInSync
			return o
		}); err != nil {
			s.log.Error().Err(err).Str("order_id", order.OrderID).Msg("failed to mark exit order rejected")
		}
		s.bus.Emit(events.OrderRejected, "execution", map[string]any{
			"order_id": order.OrderID, "trade_id": trade.TradeID, "reason": placeErr.Error(),
		})
		if s.exitSync != nil {
			if err := s.exitSync.OnExitRejected(ctx, exitIntentID); err != nil {
				s.log.Error().Err(err).Msg("exit rejection sync failed")
			}
		}
		return domain.Order{}, fmt.Errorf("execution: exit order rejected: %w", placeErr)
	}

	updated, err := s.orders.Update(ctx, order.OrderID, order.Version, func(o domain.Order) domain.Order {
		o.BrokerOrderID = &brokerOrderID
		o.Status = domain.OrderPlaced
		o.LastBrokerUpdateAt = &now
		o.ReconcileStatus = domain.ReconcileInSync
		return o
	})
	if err != nil {
		return domain.Order{}, fmt.Errorf("execution: mark exit order placed: %w", err)
	}
	s.bus.Emit(events.OrderPlaced, "execution", map[string]any{
		"order_id": order.OrderID, "trade_id": trade.TradeID, "broker_order_id": brokerOrderID, "kind": "EXIT",
	})
	return updated, nil
}

// ApplyFill records a fill against an order — from a broker push or
// the reconciler's polling path — and folds it onto Order, OrderFill,
// and Trade according to Order.Kind.
func (s *Service) ApplyFill(ctx context.Context, orderID string, fillQty int64, fillPrice domain.Decimal, fillTs time.Time, brokerFillID string) error {
	order, err := s.orders.FindActiveByID(ctx, orderID)
	if err != nil {
		return fmt.Errorf("execution: load order: %w", err)
	}
	if order.Status.IsTerminal() {
		s.log.Debug().Str("order_id", orderID).Msg("ignoring fill against a terminal order")
		return nil
	}

	fill := domain.OrderFill{
		FillID: uuid.NewString(), OrderID: orderID, FillQty: fillQty,
		FillPrice: fillPrice, FillTs: fillTs, BrokerFillID: brokerFillID, CreatedAt: time.Now(),
	}
	if err := s.fills.Insert(ctx, fill); err != nil {
		if domain.IsBenignDuplicate(err) {
			return nil
		}
		return fmt.Errorf("execution: insert fill: %w", err)
	}

	newFilled := order.FilledQty + fillQty
	newAvg := weightedAvgPrice(order.AvgFillPrice, order.FilledQty, fillPrice, fillQty)
	newStatus := domain.OrderOpen
	if newFilled >= order.OrderedQty {
		newStatus = domain.OrderComplete
	}

	updated, err := s.orders.Update(ctx, orderID, order.Version, func(o domain.Order) domain.Order {
		o.FilledQty = newFilled
		o.AvgFillPrice = &newAvg
		o.Status = newStatus
		o.LastBrokerUpdateAt = &fillTs
		o.ReconcileStatus = domain.ReconcileInSync
		return o
	})
	if err != nil {
		return fmt.Errorf("execution: apply fill to order: %w", err)
	}

	s.bus.Emit(events.OrderFilled, "execution", map[string]any{
		"order_id": orderID, "fill_qty": fillQty, "fill_price": fillPrice.InlineFloat(),
	})

	switch updated.Kind {
	case domain.OrderKindEntry:
		return s.applyEntryFill(ctx, updated, fill)
	case domain.OrderKindExit:
		return s.applyExitFill(ctx, updated, fill)
	default:
		return fmt.Errorf("execution: order %s has unknown kind %q", orderID, updated.Kind)
	}
}

func (s *Service) applyEntryFill(ctx context.Context, order domain.Order, fill domain.OrderFill) error {
	if order.Status != domain.OrderComplete || order.TradeID == nil {
		return nil
	}
	trade, err := s.tradeLookup.FindActiveByID(ctx, *order.TradeID)
	if err != nil {
		return fmt.Errorf("execution: load trade for entry fill: %w", err)
	}
	if trade.Status != domain.TradePending {
		return nil
	}

	brokerTradeID := fill.BrokerFillID
	if _, err := s.trades.MarkOpen(ctx, trade.TradeID, &brokerTradeID, fill.FillTs); err != nil {
		return fmt.Errorf("execution: mark trade open: %w", err)
	}

	if order.IntentID != nil {
		if in, err := s.intents.FindActiveByID(ctx, *order.IntentID); err == nil {
			executedAt := fill.FillTs
			if _, err := s.intents.Update(ctx, in.IntentID, in.Version, func(x domain.TradeIntent) domain.TradeIntent {
				x.Status = domain.IntentExecuted
				x.OrderID = &order.OrderID
				x.TradeID = &trade.TradeID
				x.ExecutedAt = &executedAt
				return x
			}); err != nil {
				s.log.Error().Err(err).Str("intent_id", *order.IntentID).Msg("failed to mark intent executed")
			}
		}
	}
	return nil
}

func (s *Service) applyExitFill(ctx context.Context, order domain.Order, fill domain.OrderFill) error {
	if order.TradeID == nil {
		return fmt.Errorf("execution: exit order %s has no trade_id", order.OrderID)
	}
	trade, err := s.tradeLookup.FindActiveByID(ctx, *order.TradeID)
	if err != nil {
		return fmt.Errorf("execution: load trade for exit fill: %w", err)
	}

	reason := domain.ExitManual
	if order.ExitIntentID != nil {
		if ei, err := s.exitIntents.FindActiveByID(ctx, *order.ExitIntentID); err == nil {
			reason = ei.ExitReason
		}
	}

	realized := realizedPnL(trade.Direction, trade.EntryPrice, fill.FillPrice, fill.FillQty)
	remaining := trade.RemainingQty() - fill.FillQty

	var updated domain.Trade
	if remaining <= 0 {
		updated, err = s.trades.Close(ctx, trade.TradeID, reason, fill.FillQty, fill.FillPrice, realized, fill.FillTs)
	} else {
		updated, err = s.trades.MarkPartialExit(ctx, trade.TradeID, reason, fill.FillQty, fill.FillPrice, realized, fill.FillTs)
	}
	if err != nil {
		return fmt.Errorf("execution: apply exit fill to trade: %w", err)
	}

	if order.ExitIntentID != nil && s.exitSync != nil {
		closed := updated.Status == domain.TradeClosed
		if err := s.exitSync.OnExitFilled(ctx, *order.ExitIntentID, closed); err != nil {
			s.log.Error().Err(err).Str("exit_intent_id", *order.ExitIntentID).Msg("exit fill sync failed")
		}
	}
	return nil
}

// Reconcile folds a broker-reported order status onto the local Order
// row and, for a newly-observed fill, onto Trade — the convergence
// logic the reconciler sweep (spec §4.10) delegates to rather than
// duplicating.
func (s *Service) Reconcile(ctx context.Context, order domain.Order, brokerStatus broker.BrokerOrderStatus) error {
	delta := brokerStatus.FilledQty - order.FilledQty
	if delta > 0 {
		if err := s.ApplyFill(ctx, order.OrderID, delta, brokerStatus.AvgPrice, brokerStatus.ExchangeTs, ""); err != nil {
			return fmt.Errorf("execution: reconcile fill: %w", err)
		}
		return nil
	}
	if brokerStatus.Status == order.Status {
		return nil
	}
	if _, err := s.orders.Update(ctx, order.OrderID, order.Version, func(o domain.Order) domain.Order {
		o.Status = brokerStatus.Status
		o.LastBrokerUpdateAt = &brokerStatus.ExchangeTs
		o.ReconcileStatus = domain.ReconcileInSync
		return o
	}); err != nil {
		return fmt.Errorf("execution: reconcile status: %w", err)
	}
	return nil
}

// RetryPlacement re-attempts broker placement for an order the
// reconciler found PENDING with no BrokerOrderID — the fork of
// handlePlacementFailure's transient-failure path (spec §4.10 "orders
// stuck PENDING longer than the retry window"). A no-op if the order
// has since progressed past PENDING or already has a BrokerOrderID.
func (s *Service) RetryPlacement(ctx context.Context, orderID string) error {
	order, err := s.orders.FindActiveByID(ctx, orderID)
	if err != nil {
		return fmt.Errorf("execution: load order: %w", err)
	}
	if order.Status != domain.OrderPending || order.BrokerOrderID != nil || order.TradeID == nil {
		return nil
	}
	trade, err := s.tradeLookup.FindActiveByID(ctx, *order.TradeID)
	if err != nil {
		return fmt.Errorf("execution: load trade: %w", err)
	}

	switch order.Kind {
	case domain.OrderKindEntry:
		ub, err := s.userBrokers.FindActiveByID(ctx, trade.UserBrokerID)
		if err != nil {
			return fmt.Errorf("execution: load user broker: %w", err)
		}
		brokerRec, err := s.brokers.FindActiveByID(ctx, ub.BrokerID)
		if err != nil {
			return fmt.Errorf("execution: load broker: %w", err)
		}
		session, err := s.sessions.FindActiveByUserBroker(ctx, ub.UserBrokerID)
		if err != nil {
			return fmt.Errorf("execution: load session: %w", err)
		}
		_, err = s.placeEntry(ctx, trade, order, ub, brokerRec, session)
		return err
	case domain.OrderKindExit:
		if order.ExitIntentID == nil {
			return fmt.Errorf("execution: exit order %s has no exit_intent_id", order.OrderID)
		}
		_, err := s.placeExitViaBroker(ctx, order, trade, *order.ExitIntentID)
		return err
	default:
		return fmt.Errorf("execution: order %s has unknown kind %q", order.OrderID, order.Kind)
	}
}

func weightedAvgPrice(prevAvg *domain.Decimal, prevQty int64, newPrice domain.Decimal, newQty int64) domain.Decimal {
	if prevAvg == nil || prevQty == 0 {
		return newPrice
	}
	prevValue := prevAvg.Mul(domain.NewFromFloat(float64(prevQty)))
	newValue := newPrice.Mul(domain.NewFromFloat(float64(newQty)))
	total := domain.NewFromFloat(float64(prevQty + newQty))
	return prevValue.Add(newValue).Div(total)
}

// realizedPnL computes the signed profit on an exit fill: (fillPrice -
// entryPrice) * qty for a BUY trade, negated for a SELL trade.
func realizedPnL(direction domain.Direction, entryPrice, fillPrice domain.Decimal, qty int64) domain.Decimal {
	diff := fillPrice.Sub(entryPrice)
	if direction == domain.DirectionSell {
		diff = diff.Neg()
	}
	return diff.Mul(domain.NewFromFloat(float64(qty))).RoundPrice()
}
