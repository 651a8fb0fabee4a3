// Package tms implements the Trade Management Service (spec §4.8): the
// single writer of the trades table. Every status change is validated
// against domain.CanTransition before it is persisted; a caller that
// reaches for an edge outside the table gets domain.ErrIllegalTransition
// instead of a silently-applied mutation.
package tms

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantedge/tradepipe/internal/database/repositories"
	"github.com/quantedge/tradepipe/internal/domain"
	"github.com/quantedge/tradepipe/internal/events"
)

type Service struct {
	trades *repositories.TradeRepository
	bus    *events.Manager
	log    zerolog.Logger
}

func NewService(trades *repositories.TradeRepository, bus *events.Manager, log zerolog.Logger) *Service {
	return &Service{trades: trades, bus: bus, log: log.With().Str("service", "tms").Logger()}
}

// Create inserts a new Trade in CREATED status from an approved,
// sized intent (spec §4.7 step 1: "create the Trade row first in
// status CREATED, before any broker call").
func (s *Service) Create(ctx context.Context, t domain.Trade) error {
	t.Status = domain.TradeCreated
	if err := s.trades.InsertV1(ctx, t); err != nil {
		return fmt.Errorf("tms: create trade: %w", err)
	}
	s.log.Info().Str("trade_id", t.TradeID).Str("symbol", t.Symbol).Msg("trade created")
	return nil
}

// MarkPending records that the entry order was accepted by the broker
// (CREATED -> PENDING).
func (s *Service) MarkPending(ctx context.Context, tradeID, brokerOrderID string, ts time.Time) (domain.Trade, error) {
	return s.transition(ctx, tradeID, domain.TradePending, func(t domain.Trade) domain.Trade {
		t.BrokerOrderID = &brokerOrderID
		t.LastBrokerUpdateAt = &ts
		return t
	})
}

// MarkRejected records an immediate broker rejection of the entry
// order (CREATED -> REJECTED). The entry Order row, inserted before
// placement, is kept and marked REJECTED by the execution layer.
func (s *Service) MarkRejected(ctx context.Context, tradeID string) (domain.Trade, error) {
	return s.transition(ctx, tradeID, domain.TradeRejected, nil)
}

// MarkPendingUnconfirmed records that the entry order placement call
// itself timed out or hit a transient broker error, so the brokerOrderId
// is unknown (CREATED -> PENDING, BrokerOrderID left nil). The pending
// reconciler recovers such trades by retrying placement with the same
// clientOrderId, which the Order.ClientOrderID unique index makes safe
// to repeat (spec §4.7 "Idempotency").
func (s *Service) MarkPendingUnconfirmed(ctx context.Context, tradeID string, ts time.Time) (domain.Trade, error) {
	return s.transition(ctx, tradeID, domain.TradePending, func(t domain.Trade) domain.Trade {
		t.LastBrokerUpdateAt = &ts
		return t
	})
}

// Cancel records that a still-pending entry order was cancelled before
// any fill arrived (PENDING -> CANCELLED).
func (s *Service) Cancel(ctx context.Context, tradeID string) (domain.Trade, error) {
	return s.transition(ctx, tradeID, domain.TradeCancelled, nil)
}

// MarkOpen records the entry fill confirmation (PENDING -> OPEN).
func (s *Service) MarkOpen(ctx context.Context, tradeID string, brokerTradeID *string, ts time.Time) (domain.Trade, error) {
	return s.transition(ctx, tradeID, domain.TradeOpen, func(t domain.Trade) domain.Trade {
		t.BrokerTradeID = brokerTradeID
		t.LastBrokerUpdateAt = &ts
		return t
	})
}

// UpdateTrailing persists a new trailing-stop high-water-mark for an
// open position (spec §4.9). Not a status transition: only OPEN and
// PARTIAL_EXIT trades carry a trailing stop, so it is rejected outside
// those two statuses rather than routed through domain.CanTransition.
func (s *Service) UpdateTrailing(ctx context.Context, tradeID string, highPrice, stopPrice domain.Decimal) (domain.Trade, error) {
	current, err := s.trades.FindActiveByID(ctx, tradeID)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("tms: load trade: %w", err)
	}
	if current.Status != domain.TradeOpen && current.Status != domain.TradePartialExit {
		return domain.Trade{}, fmt.Errorf("tms: trailing update on %s trade: %w", current.Status, domain.ErrIllegalTransition)
	}
	updated, err := s.trades.Update(ctx, tradeID, current.Version, func(t domain.Trade) domain.Trade {
		t.Trailing.Active = true
		t.Trailing.HighPrice = highPrice
		t.Trailing.StopPrice = stopPrice
		return t
	})
	if err != nil {
		return domain.Trade{}, fmt.Errorf("tms: apply trailing update: %w", err)
	}
	return updated, nil
}

// MarkPartialExit records a partial exit fill against an OPEN trade,
// accumulating realized qty/pnl without closing the position
// (OPEN -> PARTIAL_EXIT, and PARTIAL_EXIT -> PARTIAL_EXIT for any
// subsequent partial).
func (s *Service) MarkPartialExit(ctx context.Context, tradeID string, reason domain.ExitReason, qty int64, price, realizedPnL domain.Decimal, ts time.Time) (domain.Trade, error) {
	return s.transition(ctx, tradeID, domain.TradePartialExit, func(t domain.Trade) domain.Trade {
		t.Exit = accumulateExit(t.Exit, reason, qty, price, realizedPnL, ts, t.CreatedAt)
		t.LastBrokerUpdateAt = &ts
		return t
	})
}

// Close records the fill that exhausts a trade's remaining quantity
// (OPEN -> CLOSED or PARTIAL_EXIT -> CLOSED).
func (s *Service) Close(ctx context.Context, tradeID string, reason domain.ExitReason, qty int64, price, realizedPnL domain.Decimal, ts time.Time) (domain.Trade, error) {
	updated, err := s.transition(ctx, tradeID, domain.TradeClosed, func(t domain.Trade) domain.Trade {
		t.Exit = accumulateExit(t.Exit, reason, qty, price, realizedPnL, ts, t.CreatedAt)
		t.LastBrokerUpdateAt = &ts
		return t
	})
	if err != nil {
		return domain.Trade{}, err
	}
	s.bus.Emit(events.TradeClosed, "tms", map[string]interface{}{
		"trade_id": tradeID, "reason": string(reason),
	})
	return updated, nil
}

func accumulateExit(exit *domain.TradeExit, reason domain.ExitReason, qty int64, price, realizedPnL domain.Decimal, ts, openedAt time.Time) *domain.TradeExit {
	if exit == nil {
		exit = &domain.TradeExit{}
	}
	exit.Price = price
	exit.Reason = reason
	exit.Qty += qty
	exit.RealizedPnL = exit.RealizedPnL.Add(realizedPnL)
	exit.HoldingMinutes = int64(ts.Sub(openedAt).Minutes())
	return exit
}

// transition loads the current row, checks the edge against
// domain.CanTransition (same-status mutations are always allowed,
// since they carry no status change), applies mutate under the
// optimistic version check, and emits TRADE_STATE_CHANGED.
func (s *Service) transition(ctx context.Context, tradeID string, to domain.TradeStatus, mutate func(domain.Trade) domain.Trade) (domain.Trade, error) {
	current, err := s.trades.FindActiveByID(ctx, tradeID)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("tms: load trade: %w", err)
	}
	if to != current.Status && !domain.CanTransition(current.Status, to) {
		return domain.Trade{}, fmt.Errorf("tms: %s -> %s: %w", current.Status, to, domain.ErrIllegalTransition)
	}

	updated, err := s.trades.Update(ctx, tradeID, current.Version, func(t domain.Trade) domain.Trade {
		t.Status = to
		if mutate != nil {
			t = mutate(t)
		}
		return t
	})
	if err != nil {
		return domain.Trade{}, fmt.Errorf("tms: apply %s -> %s: %w", current.Status, to, err)
	}

	s.log.Info().Str("trade_id", tradeID).Str("from", string(current.Status)).Str("to", string(to)).Msg("trade transitioned")
	s.bus.Emit(events.TradeStateChanged, "tms", map[string]interface{}{
		"trade_id": tradeID, "from": string(current.Status), "to": string(to),
	})
	return updated, nil
}
