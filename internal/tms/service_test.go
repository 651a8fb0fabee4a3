package tms

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/quantedge/tradepipe/internal/database"
	"github.com/quantedge/tradepipe/internal/database/repositories"
	"github.com/quantedge/tradepipe/internal/domain"
	"github.com/quantedge/tradepipe/internal/events"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := database.New(":memory:", 1)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	log := zerolog.Nop()
	trades := repositories.NewTradeRepository(db.Conn(), log)
	eventRepo := repositories.NewEventRepository(db.Conn(), log)
	bus := events.NewManager(eventRepo, log)
	return NewService(trades, bus, log)
}

func newTestTrade(tradeID string) domain.Trade {
	return domain.Trade{
		Versioned:    domain.Versioned{CreatedAt: time.Now()},
		TradeID:      tradeID,
		IntentID:     "intent-1",
		PortfolioID:  "portfolio-1",
		UserID:       "user-1",
		UserBrokerID: "ub-1",
		SignalID:     "signal-1",
		Symbol:       "RELIANCE",
		Direction:    domain.DirectionBuy,
		EntryQty:     10,
		EntryPrice:   domain.NewFromFloat(2500),
		EntryValue:   domain.NewFromFloat(25000),
		MaxLossAllowed: domain.NewFromFloat(1000),
	}
}

func TestService_Create_StartsInCreated(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Create(ctx, newTestTrade("trade-1")))

	got, err := svc.trades.FindActiveByID(ctx, "trade-1")
	require.NoError(t, err)
	require.Equal(t, domain.TradeCreated, got.Status)
}

func TestService_EntryLifecycle_CreatedToOpen(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.Create(ctx, newTestTrade("trade-2")))

	pending, err := svc.MarkPending(ctx, "trade-2", "BROKER-ORD-1", time.Now())
	require.NoError(t, err)
	require.Equal(t, domain.TradePending, pending.Status)
	require.NotNil(t, pending.BrokerOrderID)
	require.Equal(t, "BROKER-ORD-1", *pending.BrokerOrderID)

	brokerTradeID := "BROKER-TRD-1"
	open, err := svc.MarkOpen(ctx, "trade-2", &brokerTradeID, time.Now())
	require.NoError(t, err)
	require.Equal(t, domain.TradeOpen, open.Status)
	require.NotNil(t, open.BrokerTradeID)
}

func TestService_MarkRejected_FromCreated(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.Create(ctx, newTestTrade("trade-3")))

	rejected, err := svc.MarkRejected(ctx, "trade-3")
	require.NoError(t, err)
	require.Equal(t, domain.TradeRejected, rejected.Status)
}

func TestService_IllegalTransition_RejectedCannotReopen(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.Create(ctx, newTestTrade("trade-4")))
	_, err := svc.MarkRejected(ctx, "trade-4")
	require.NoError(t, err)

	_, err = svc.MarkPending(ctx, "trade-4", "BROKER-ORD-2", time.Now())
	require.ErrorIs(t, err, domain.ErrIllegalTransition)
}

func TestService_PartialExitThenClose(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.Create(ctx, newTestTrade("trade-5")))
	_, err := svc.MarkPending(ctx, "trade-5", "BROKER-ORD-3", time.Now())
	require.NoError(t, err)
	brokerTradeID := "BROKER-TRD-3"
	_, err = svc.MarkOpen(ctx, "trade-5", &brokerTradeID, time.Now())
	require.NoError(t, err)

	partial, err := svc.MarkPartialExit(ctx, "trade-5", domain.ExitTargetHit, 4, domain.NewFromFloat(2550), domain.NewFromFloat(200), time.Now())
	require.NoError(t, err)
	require.Equal(t, domain.TradePartialExit, partial.Status)
	require.Equal(t, int64(4), partial.Exit.Qty)
	require.Equal(t, int64(6), partial.RemainingQty())

	closed, err := svc.Close(ctx, "trade-5", domain.ExitStopLoss, 6, domain.NewFromFloat(2480), domain.NewFromFloat(-120), time.Now())
	require.NoError(t, err)
	require.Equal(t, domain.TradeClosed, closed.Status)
	require.Equal(t, int64(10), closed.Exit.Qty)
	require.Equal(t, int64(0), closed.RemainingQty())
}

func TestService_UpdateTrailing_RequiresOpenTrade(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.Create(ctx, newTestTrade("trade-6")))

	_, err := svc.UpdateTrailing(ctx, "trade-6", domain.NewFromFloat(2600), domain.NewFromFloat(2570))
	require.ErrorIs(t, err, domain.ErrIllegalTransition)

	_, err = svc.MarkPending(ctx, "trade-6", "BROKER-ORD-4", time.Now())
	require.NoError(t, err)
	brokerTradeID := "BROKER-TRD-4"
	_, err = svc.MarkOpen(ctx, "trade-6", &brokerTradeID, time.Now())
	require.NoError(t, err)

	updated, err := svc.UpdateTrailing(ctx, "trade-6", domain.NewFromFloat(2600), domain.NewFromFloat(2570))
	require.NoError(t, err)
	require.True(t, updated.Trailing.Active)
	require.True(t, updated.Trailing.StopPrice.Equal(domain.NewFromFloat(2570)))
}
