package exits

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
	"github.com/quantedge/tradepipe/internal/sms"
	"github.com/quantedge/tradepipe/internal/tms"
)

// stubUserBrokerLookup returns no EXEC brokers; the exits tests never
// exercise signal fan-out, only the exit-episode path sms.Service also
// happens to carry.
type stubUserBrokerLookup struct{}

func (stubUserBrokerLookup) FindActiveByRole(ctx context.Context, role domain.BrokerRole) ([]domain.UserBroker, error) {
	return nil, nil
}

// recordingPlacer captures every PlaceExitOrder call so tests can assert
// exactly when (and how many times) an exit order was placed.
type recordingPlacer struct {
	calls []domain.ExitIntent
}

func (p *recordingPlacer) PlaceExitOrder(ctx context.Context, exitIntent domain.ExitIntent, trade domain.Trade) (domain.Order, error) {
	p.calls = append(p.calls, exitIntent)
	brokerOrderID := "BROKER-EXIT-" + exitIntent.ExitIntentID
	return domain.Order{
		Versioned:     domain.Versioned{CreatedAt: time.Now()},
		OrderID:       "order-" + exitIntent.ExitIntentID,
		Kind:          domain.OrderKindExit,
		BrokerOrderID: &brokerOrderID,
		Status:        domain.OrderPlaced,
	}, nil
}

type testHarness struct {
	svc    *Service
	trades *repositories.TradeRepository
	placer *recordingPlacer
}

func newTestHarness(t *testing.T, cfg Config) *testHarness {
	t.Helper()
	db, err := database.New(":memory:", 1)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	log := zerolog.Nop()
	conn := db.Conn()
	eventRepo := repositories.NewEventRepository(conn, log)
	bus := events.NewManager(eventRepo, log)

	signalRepo := repositories.NewSignalRepository(conn, log)
	deliveryRepo := repositories.NewDeliveryRepository(conn, log)
	exitSignalRepo := repositories.NewExitSignalRepository(conn, log)
	exitIntentRepo := repositories.NewExitIntentRepository(conn, log)
	tradeRepo := repositories.NewTradeRepository(conn, log)

	smsSvc := sms.NewService(conn, signalRepo, deliveryRepo, exitSignalRepo, stubUserBrokerLookup{}, bus, log)
	tmsSvc := tms.NewService(tradeRepo, bus, log)
	placer := &recordingPlacer{}

	svc := NewService(smsSvc, exitSignalRepo, exitIntentRepo, tradeRepo, tmsSvc, placer, cfg, bus, log)
	return &testHarness{svc: svc, trades: tradeRepo, placer: placer}
}

func newOpenLongTrade(t *testing.T, h *testHarness, tradeID string, target domain.Decimal) domain.Trade {
	t.Helper()
	trade := domain.Trade{
		Versioned:      domain.Versioned{CreatedAt: time.Now()},
		TradeID:        tradeID,
		IntentID:       "intent-" + tradeID,
		PortfolioID:    "portfolio-1",
		UserID:         "user-1",
		UserBrokerID:   "ub-1",
		SignalID:       "signal-1",
		Symbol:         "RELIANCE",
		Direction:      domain.DirectionBuy,
		EntryQty:       10,
		EntryPrice:     domain.NewFromFloat(2500),
		EntryValue:     domain.NewFromFloat(25000),
		Targets:        domain.TradeTargets{MinProfit: domain.NewFromFloat(2520), Target: target, Stretch: target},
		MaxLossAllowed: domain.NewFromFloat(300), // lossPerShare = 30, stop = entry-30 = 2470 by default
	}
	ctx := context.Background()
	require.NoError(t, h.trades.InsertV1(ctx, trade))

	current, err := h.trades.FindActiveByID(ctx, tradeID)
	require.NoError(t, err)
	current, err = h.trades.Update(ctx, tradeID, current.Version, func(tr domain.Trade) domain.Trade {
		tr.Status = domain.TradePending
		return tr
	})
	require.NoError(t, err)
	brokerTradeID := "BROKER-TRD-" + tradeID
	current, err = h.trades.Update(ctx, tradeID, current.Version, func(tr domain.Trade) domain.Trade {
		tr.Status = domain.TradeOpen
		tr.BrokerTradeID = &brokerTradeID
		return tr
	})
	require.NoError(t, err)
	return current
}

// TestOnTick_TargetHit_FiresOnCrossingTick exercises spec §8 scenario
// E5: a single tick that crosses the target must produce an ExitSignal
// immediately, on that tick — not after a separate confirmation tick.
func TestOnTick_TargetHit_FiresOnCrossingTick(t *testing.T) {
	h := newTestHarness(t, DefaultConfig())
	ctx := context.Background()
	newOpenLongTrade(t, h, "trade-e5", domain.NewFromFloat(2550))

	for _, price := range []float64{2520, 2540, 2550, 2530} {
		h.svc.OnTick(ctx, domain.Tick{Symbol: "RELIANCE", LastPrice: domain.NewFromFloat(price), ReceivedTs: time.Now()})
	}

	require.Len(t, h.placer.calls, 1)
	require.Equal(t, domain.ExitTargetHit, h.placer.calls[0].ExitReason)
	require.Equal(t, int64(1), h.placer.calls[0].EpisodeID)
}

// TestOnTick_TrailingStop_FiresOnceOnCrossing exercises spec §8 scenario
// E6: the trailing stop ratchets with favorable extremes and produces
// exactly one ExitSignal the first tick price crosses it.
func TestOnTick_TrailingStop_FiresOnceOnCrossing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TrailingRetracement = 0.02
	h := newTestHarness(t, cfg)
	ctx := context.Background()
	newOpenLongTrade(t, h, "trade-e6", domain.NewFromFloat(2800))

	for _, price := range []float64{2520, 2540, 2580, 2560, 2540} {
		h.svc.OnTick(ctx, domain.Tick{Symbol: "RELIANCE", LastPrice: domain.NewFromFloat(price), ReceivedTs: time.Now()})
	}
	require.Empty(t, h.placer.calls, "no exit expected until price crosses the trailing stop")

	trade, err := h.trades.FindActiveByID(ctx, "trade-e6")
	require.NoError(t, err)
	require.True(t, trade.Trailing.Active)
	require.True(t, trade.Trailing.StopPrice.Equal(domain.NewFromFloat(2528.40)), "stop price got %s", trade.Trailing.StopPrice)

	h.svc.OnTick(ctx, domain.Tick{Symbol: "RELIANCE", LastPrice: domain.NewFromFloat(2525), ReceivedTs: time.Now()})

	require.Len(t, h.placer.calls, 1)
	require.Equal(t, domain.ExitTrailingStop, h.placer.calls[0].ExitReason)
}

// TestBrickReversal_ConfirmsIndependentlyOfHardConditions covers the
// brick-movement accumulator directly: it must be fed every tick and
// confirm once cumulative adverse displacement crosses the threshold,
// without requiring a hard TARGET_HIT/STOP_LOSS condition to have fired
// first.
func TestBrickReversal_ConfirmsIndependentlyOfHardConditions(t *testing.T) {
	tracker := NewBrickTracker(domain.NewFromFloat(10))

	require.False(t, tracker.Confirm("t1", domain.ExitBrickReversal, domain.NewFromFloat(2500), domain.DirectionBuy), "first observation only seeds the watermark")
	require.False(t, tracker.Confirm("t1", domain.ExitBrickReversal, domain.NewFromFloat(2496), domain.DirectionBuy))
	require.False(t, tracker.Confirm("t1", domain.ExitBrickReversal, domain.NewFromFloat(2493), domain.DirectionBuy))
	require.True(t, tracker.Confirm("t1", domain.ExitBrickReversal, domain.NewFromFloat(2489), domain.DirectionBuy), "cumulative adverse move of 11 crossed the threshold of 10")

	// Confirming resets the accumulator; the very next tick reseeds.
	require.False(t, tracker.Confirm("t1", domain.ExitBrickReversal, domain.NewFromFloat(2488), domain.DirectionBuy))
}
