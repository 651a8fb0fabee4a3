// Package exits implements the Exit Signal Service (spec §4.9):
// evaluates every open trade against incoming ticks for target, static
// stop, trailing-stop and time-based exit conditions, confirms a
// triggered condition against brick-reversal noise, and drives the
// ExitSignal -> ExitIntent -> Order handoff. SMS remains the sole
// writer of exit_signals; this package is the sole writer of
// exit_intents.
package exits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantedge/tradepipe/internal/database/repositories"
	"github.com/quantedge/tradepipe/internal/domain"
	"github.com/quantedge/tradepipe/internal/events"
)

// ExitSignalWriter is SMS's surface for the exit_signals lifecycle.
type ExitSignalWriter interface {
	GenerateExitEpisode(ctx context.Context, tradeID string, reason domain.ExitReason) (int64, error)
	RecordExitSignal(ctx context.Context, sig domain.ExitSignal) (domain.ExitSignal, error)
	TransitionExitSignal(ctx context.Context, exitSignalID string, to domain.ExitSignalStatus) (domain.ExitSignal, error)
}

// OpenTradeLookup loads the DB-backed open-trades view this service
// evaluates per tick (spec §4.9 "Inputs": "a DB-loaded map of open
// trades... never an in-memory-only source of truth"). Querying it
// straight from TradeRepository on every tick trivially satisfies that
// — there is no in-memory cache of trade existence to go stale.
type OpenTradeLookup interface {
	FindOpenBySymbol(ctx context.Context, symbol string) ([]domain.Trade, error)
}

// TrailingWriter is TMS's surface for persisting trailing-stop updates.
type TrailingWriter interface {
	UpdateTrailing(ctx context.Context, tradeID string, highPrice, stopPrice domain.Decimal) (domain.Trade, error)
}

// ExitOrderPlacer is execution.Service's surface this package drives to
// turn a confirmed ExitIntent into a broker order.
type ExitOrderPlacer interface {
	PlaceExitOrder(ctx context.Context, exitIntent domain.ExitIntent, trade domain.Trade) (domain.Order, error)
}

// Config parameterizes the trailing-stop retracement fraction, the
// brick-reversal threshold, the cooldown window after a failed exit
// attempt, and the optional max-holding-period cutoff.
type Config struct {
	TrailingRetracement float64 // k in stopPrice = highPrice*(1-k) (spec §4.9 step 2)
	BrickThreshold      domain.Decimal
	CooldownAfterFailure time.Duration
	MaxHoldingPeriod    time.Duration // 0 disables the TIME_BASED exit
}

func DefaultConfig() Config {
	return Config{
		TrailingRetracement:  0.02,
		BrickThreshold:       domain.NewFromFloat(1.0),
		CooldownAfterFailure: 2 * time.Minute,
	}
}

// Service is the Exit Signal Service.
type Service struct {
	exitSignals     ExitSignalWriter
	exitSignalsRead *repositories.ExitSignalRepository
	exitIntents     *repositories.ExitIntentRepository
	trades          OpenTradeLookup
	trailing        TrailingWriter
	placer          ExitOrderPlacer
	bricks          *BrickTracker
	cfg             Config
	bus             *events.Manager
	log             zerolog.Logger
}

func NewService(
	exitSignals ExitSignalWriter,
	exitSignalsRead *repositories.ExitSignalRepository,
	exitIntents *repositories.ExitIntentRepository,
	trades OpenTradeLookup,
	trailing TrailingWriter,
	placer ExitOrderPlacer,
	cfg Config,
	bus *events.Manager,
	log zerolog.Logger,
) *Service {
	return &Service{
		exitSignals: exitSignals, exitSignalsRead: exitSignalsRead, exitIntents: exitIntents,
		trades: trades, trailing: trailing, placer: placer,
		bricks: NewBrickTracker(cfg.BrickThreshold), cfg: cfg, bus: bus,
		log: log.With().Str("service", "exits").Logger(),
	}
}

// OnTick evaluates every open trade on tick's symbol against the exit
// conditions of spec §4.9's per-tick algorithm.
func (s *Service) OnTick(ctx context.Context, tick domain.Tick) {
	open, err := s.trades.FindOpenBySymbol(ctx, tick.Symbol)
	if err != nil {
		s.log.Error().Err(err).Str("symbol", tick.Symbol).Msg("failed to load open trades for tick")
		return
	}
	ts := tick.EffectiveTs()
	for _, trade := range open {
		if err := s.evaluateTrade(ctx, trade, tick.LastPrice, ts); err != nil {
			s.log.Error().Err(err).Str("trade_id", trade.TradeID).Msg("exit evaluation failed")
		}
	}
}

func (s *Service) evaluateTrade(ctx context.Context, trade domain.Trade, price domain.Decimal, ts time.Time) error {
	trade, err := s.maybeUpdateTrailing(ctx, trade, price)
	if err != nil {
		return err
	}

	// Brick-reversal tracking is fed every tick for every open trade,
	// independent of whether a hard condition below also triggers this
	// tick (spec GLOSSARY "Brick movement"): a standalone, continuously
	// accumulated adverse-move trigger rather than a gate in front of
	// TARGET_HIT/STOP_LOSS/TRAILING_STOP/TIME_BASED, which fire on the
	// tick that crosses their level (spec §8 E5, E6).
	if s.bricks.Confirm(trade.TradeID, domain.ExitBrickReversal, price, trade.Direction) {
		if err := s.fireExit(ctx, trade, domain.ExitBrickReversal, price, ts); err != nil {
			return err
		}
	}

	reason, ok := detectCondition(trade, price, ts, s.cfg.MaxHoldingPeriod)
	if !ok {
		return nil
	}
	return s.fireExit(ctx, trade, reason, price, ts)
}

// maybeUpdateTrailing activates the trailing stop once price has moved
// through the trade's minProfit target favorably, then ratchets
// highPrice/stopPrice forward — never back — as price makes new
// favorable extremes (spec §4.9 step 2).
func (s *Service) maybeUpdateTrailing(ctx context.Context, trade domain.Trade, price domain.Decimal) (domain.Trade, error) {
	favorable := price.GreaterThanOrEqual(trade.Targets.MinProfit)
	if trade.Direction == domain.DirectionSell {
		favorable = price.LessThanOrEqual(trade.Targets.MinProfit)
	}
	if !favorable {
		return trade, nil
	}

	high := price
	switch {
	case !trade.Trailing.Active:
		// first activation, seed the watermark at the current price
	case trade.Direction == domain.DirectionBuy && price.GreaterThan(trade.Trailing.HighPrice):
		high = price
	case trade.Direction == domain.DirectionSell && price.LessThan(trade.Trailing.HighPrice):
		high = price
	default:
		return trade, nil // no new favorable extreme, nothing to persist
	}

	k := domain.NewFromFloat(s.cfg.TrailingRetracement)
	one := domain.NewFromFloat(1)
	var stop domain.Decimal
	if trade.Direction == domain.DirectionBuy {
		stop = high.Mul(one.Sub(k)).RoundPrice()
	} else {
		stop = high.Mul(one.Add(k)).RoundPrice()
	}

	updated, err := s.trailing.UpdateTrailing(ctx, trade.TradeID, high, stop)
	if err != nil {
		return trade, fmt.Errorf("exits: update trailing stop: %w", err)
	}
	return updated, nil
}

// detectCondition implements spec §4.9 step 1's direction-aware
// target/stop rules, plus the trailing-stop and time-based cutoffs.
func detectCondition(trade domain.Trade, price domain.Decimal, now time.Time, maxHolding time.Duration) (domain.ExitReason, bool) {
	if maxHolding > 0 && now.Sub(trade.CreatedAt) >= maxHolding {
		return domain.ExitTimeBased, true
	}

	stop := staticStopPrice(trade)
	if trade.Direction == domain.DirectionBuy {
		if price.GreaterThanOrEqual(trade.Targets.Target) {
			return domain.ExitTargetHit, true
		}
		if price.LessThanOrEqual(stop) {
			return domain.ExitStopLoss, true
		}
		if trade.Trailing.Active && price.LessThanOrEqual(trade.Trailing.StopPrice) {
			return domain.ExitTrailingStop, true
		}
		return "", false
	}

	if price.LessThanOrEqual(trade.Targets.Target) {
		return domain.ExitTargetHit, true
	}
	if price.GreaterThanOrEqual(stop) {
		return domain.ExitStopLoss, true
	}
	if trade.Trailing.Active && price.GreaterThanOrEqual(trade.Trailing.StopPrice) {
		return domain.ExitTrailingStop, true
	}
	return "", false
}

// staticStopPrice derives the entry-time stop level from maxLossAllowed
// rather than persisting it as its own Trade column: lossPerShare =
// maxLossAllowed / entryQty, stopPrice = entryPrice -/+ lossPerShare by
// direction.
func staticStopPrice(trade domain.Trade) domain.Decimal {
	if trade.EntryQty == 0 {
		return trade.EntryPrice
	}
	lossPerShare := trade.MaxLossAllowed.Div(domain.NewFromFloat(float64(trade.EntryQty)))
	if trade.Direction == domain.DirectionSell {
		return trade.EntryPrice.Add(lossPerShare)
	}
	return trade.EntryPrice.Sub(lossPerShare)
}

// fireExit runs spec §4.9 step 3: cooldown + in-flight gates, then the
// generate_exit_episode -> ExitSignal -> ExitIntent -> order placement
// handoff. Brick-reversal confirmation (for domain.ExitBrickReversal)
// has already happened in the caller by the time reason reaches here —
// TARGET_HIT, STOP_LOSS, TRAILING_STOP and TIME_BASED are hard
// conditions that fire on the crossing tick with no further gate.
func (s *Service) fireExit(ctx context.Context, trade domain.Trade, reason domain.ExitReason, price domain.Decimal, ts time.Time) error {
	latest, err := s.exitIntentLatest(ctx, trade.TradeID, reason)
	if err != nil {
		return err
	}
	if latest != nil {
		if latest.InCooldown(ts) {
			return nil
		}
		if !isExitIntentTerminal(latest.Status) {
			return nil // an exit attempt for this reason is already in flight
		}
	}

	episodeID, err := s.exitSignals.GenerateExitEpisode(ctx, trade.TradeID, reason)
	if err != nil {
		return fmt.Errorf("exits: generate episode: %w", err)
	}

	var trailingStop *domain.Decimal
	if reason == domain.ExitTrailingStop {
		stop := trade.Trailing.StopPrice
		trailingStop = &stop
	}
	favorable := price.Sub(trade.EntryPrice)
	if trade.Direction == domain.DirectionSell {
		favorable = favorable.Neg()
	}

	sig := domain.ExitSignal{
		Versioned:            domain.Versioned{CreatedAt: ts},
		TradeID:              trade.TradeID,
		ExitReason:           reason,
		EpisodeID:            episodeID,
		ExitPriceAtDetection: price,
		BrickMovement:        s.cfg.BrickThreshold,
		FavorableMovement:    favorable,
		TrailingStopPrice:    trailingStop,
		Status:               domain.ExitSignalDetected,
	}
	sig, err = s.exitSignals.RecordExitSignal(ctx, sig)
	if err != nil {
		return fmt.Errorf("exits: record exit signal: %w", err)
	}
	if _, err := s.exitSignals.TransitionExitSignal(ctx, sig.ExitSignalID, domain.ExitSignalConfirmed); err != nil {
		return fmt.Errorf("exits: confirm exit signal: %w", err)
	}

	exitIntentID := uuid.NewString()
	exitIntent := domain.ExitIntent{
		Versioned:     domain.Versioned{CreatedAt: ts},
		ExitIntentID:  exitIntentID,
		TradeID:       trade.TradeID,
		UserBrokerID:  trade.UserBrokerID,
		ExitReason:    reason,
		EpisodeID:     episodeID,
		CalculatedQty: trade.RemainingQty(),
		OrderType:     domain.PriceTypeLimit,
		LimitPrice:    price,
		Status:        domain.ExitIntentApproved,
	}
	if err := s.exitIntents.InsertV1(ctx, exitIntent); err != nil && !domain.IsBenignDuplicate(err) {
		return fmt.Errorf("exits: persist exit intent: %w", err)
	}

	if _, err := s.exitSignals.TransitionExitSignal(ctx, sig.ExitSignalID, domain.ExitSignalPublished); err != nil {
		return fmt.Errorf("exits: publish exit signal: %w", err)
	}
	s.bus.Emit(events.ExitEpisodeArmed, "exits", map[string]any{
		"trade_id": trade.TradeID, "reason": string(reason), "episode_id": episodeID,
	})

	order, err := s.placer.PlaceExitOrder(ctx, exitIntent, trade)
	if err != nil {
		// PlaceExitOrder has already invoked OnExitRejected for a
		// terminal rejection (a transient failure returns no error: the
		// order stays PENDING for the exit reconciler); nothing further
		// to do here.
		s.log.Warn().Err(err).Str("trade_id", trade.TradeID).Str("exit_intent_id", exitIntentID).Msg("exit order placement did not complete")
		return nil
	}

	if _, err := s.exitIntents.Update(ctx, exitIntentID, 1, func(e domain.ExitIntent) domain.ExitIntent {
		e.Status = domain.ExitIntentPlaced
		e.BrokerOrderID = order.BrokerOrderID
		return e
	}); err != nil {
		return fmt.Errorf("exits: mark exit intent placed: %w", err)
	}
	return nil
}

func (s *Service) exitIntentLatest(ctx context.Context, tradeID string, reason domain.ExitReason) (*domain.ExitIntent, error) {
	e, err := s.exitIntents.FindLatestByTradeAndReason(ctx, tradeID, reason)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("exits: load latest exit intent: %w", err)
	}
	return &e, nil
}

func isExitIntentTerminal(status domain.ExitIntentStatus) bool {
	switch status {
	case domain.ExitIntentFilled, domain.ExitIntentFailed, domain.ExitIntentRejected:
		return true
	default:
		return false
	}
}

// OnExitFilled implements execution.ExitFillSync: marks the exit
// intent FILLED and its exit signal EXECUTED, and clears brick state
// for the (trade, reason) pair so a future episode starts clean.
func (s *Service) OnExitFilled(ctx context.Context, exitIntentID string, closed bool) error {
	ei, err := s.exitIntents.FindActiveByID(ctx, exitIntentID)
	if err != nil {
		return fmt.Errorf("exits: load exit intent: %w", err)
	}
	if _, err := s.exitIntents.Update(ctx, exitIntentID, ei.Version, func(e domain.ExitIntent) domain.ExitIntent {
		e.Status = domain.ExitIntentFilled
		return e
	}); err != nil {
		return fmt.Errorf("exits: mark exit intent filled: %w", err)
	}

	if sig, err := s.exitSignalsRead.FindByEpisode(ctx, ei.TradeID, ei.ExitReason, ei.EpisodeID); err == nil {
		if _, err := s.exitSignals.TransitionExitSignal(ctx, sig.ExitSignalID, domain.ExitSignalExecuted); err != nil {
			s.log.Error().Err(err).Str("exit_signal_id", sig.ExitSignalID).Msg("failed to mark exit signal executed")
		}
	} else {
		s.log.Error().Err(err).Str("trade_id", ei.TradeID).Msg("failed to load exit signal for filled exit intent")
	}

	s.bricks.Reset(ei.TradeID, ei.ExitReason)
	if closed {
		// no tick will evaluate this trade again; drop its reversal
		// accumulator too instead of leaking it for the trade's lifetime.
		s.bricks.Reset(ei.TradeID, domain.ExitBrickReversal)
	}
	return nil
}

// OnExitRejected implements execution.ExitFillSync: marks the exit
// intent FAILED, arms a cooldown so the same (trade, reason) cannot
// re-fire immediately, cancels the exit signal, and leaves the trade
// OPEN (spec §4.9 step 4: "on reject, mark_failed and leave trade
// OPEN").
func (s *Service) OnExitRejected(ctx context.Context, exitIntentID string) error {
	ei, err := s.exitIntents.FindActiveByID(ctx, exitIntentID)
	if err != nil {
		return fmt.Errorf("exits: load exit intent: %w", err)
	}
	cooldownUntil := time.Now().Add(s.cfg.CooldownAfterFailure)
	if _, err := s.exitIntents.Update(ctx, exitIntentID, ei.Version, func(e domain.ExitIntent) domain.ExitIntent {
		e.Status = domain.ExitIntentFailed
		e.CooldownUntil = &cooldownUntil
		return e
	}); err != nil {
		return fmt.Errorf("exits: mark exit intent failed: %w", err)
	}

	if sig, err := s.exitSignalsRead.FindByEpisode(ctx, ei.TradeID, ei.ExitReason, ei.EpisodeID); err == nil {
		if _, err := s.exitSignals.TransitionExitSignal(ctx, sig.ExitSignalID, domain.ExitSignalCancelled); err != nil {
			s.log.Error().Err(err).Str("exit_signal_id", sig.ExitSignalID).Msg("failed to cancel exit signal after rejection")
		}
	}
	s.bricks.Reset(ei.TradeID, ei.ExitReason)
	return nil
}
