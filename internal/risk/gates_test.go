package risk

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/quantedge/tradepipe/internal/domain"
)

func testPortfolio() PortfolioContext {
	return PortfolioContext{
		UserBroker: domain.UserBroker{
			UserID:           "user-1",
			Enabled:          true,
			CapitalAllocated: domain.NewFromFloat(100000),
			MaxExposure:      domain.NewFromFloat(80000),
			MaxPerTrade:      domain.NewFromFloat(20000),
			MaxDailyLoss:     domain.NewFromFloat(5000),
		},
		DeployedCapital:  domain.NewFromFloat(0),
		RealizedPnLToday: domain.NewFromFloat(0),
	}
}

func testSignal() domain.Signal {
	return domain.Signal{Symbol: "RELIANCE", Kelly: domain.NewFromFloat(0.1)}
}

func TestCapitalGate_RejectsWhenOrderExceedsRemaining(t *testing.T) {
	p := testPortfolio()
	p.DeployedCapital = domain.NewFromFloat(95000)
	got := CapitalGate(context.Background(), p, testSignal(), Sizing{OrderValue: domain.NewFromFloat(10000)})
	require.NotNil(t, got)
	require.Equal(t, domain.ErrInsufficientCapital, *got)
}

func TestCapitalGate_AllowsWithinRemaining(t *testing.T) {
	p := testPortfolio()
	got := CapitalGate(context.Background(), p, testSignal(), Sizing{OrderValue: domain.NewFromFloat(10000)})
	require.Nil(t, got)
}

func TestExposureGate_RejectsOverMaxExposure(t *testing.T) {
	p := testPortfolio()
	p.DeployedCapital = domain.NewFromFloat(75000)
	got := ExposureGate(context.Background(), p, testSignal(), Sizing{OrderValue: domain.NewFromFloat(10000)})
	require.NotNil(t, got)
	require.Equal(t, domain.ErrExceedsMaxExposure, *got)
}

func TestPerTradeCapGate_RejectsOversizedOrder(t *testing.T) {
	p := testPortfolio()
	got := PerTradeCapGate(context.Background(), p, testSignal(), Sizing{OrderValue: domain.NewFromFloat(25000)})
	require.NotNil(t, got)
	require.Equal(t, domain.ErrExceedsPerTradeCap, *got)
}

func TestDailyLossCapGate_RejectsOnceCapHit(t *testing.T) {
	p := testPortfolio()
	p.RealizedPnLToday = domain.NewFromFloat(-5000)
	got := DailyLossCapGate(context.Background(), p, testSignal(), Sizing{})
	require.NotNil(t, got)
	require.Equal(t, domain.ErrDailyLossCapHit, *got)
}

func TestDailyLossCapGate_AllowsWhenUnderCap(t *testing.T) {
	p := testPortfolio()
	p.RealizedPnLToday = domain.NewFromFloat(-1000)
	got := DailyLossCapGate(context.Background(), p, testSignal(), Sizing{})
	require.Nil(t, got)
}

func TestExistingPositionGate_RejectsDuplicateSymbol(t *testing.T) {
	p := testPortfolio()
	p.OpenTrades = []domain.Trade{{Symbol: "RELIANCE"}}
	got := ExistingPositionGate(context.Background(), p, testSignal(), Sizing{})
	require.NotNil(t, got)
	require.Equal(t, domain.ErrExistingPosition, *got)
}

func TestBrokerDisabledGate_RejectsWhenDisabled(t *testing.T) {
	p := testPortfolio()
	p.UserBroker.Enabled = false
	got := BrokerDisabledGate(context.Background(), p, testSignal(), Sizing{})
	require.NotNil(t, got)
	require.Equal(t, domain.ErrBrokerDisabled, *got)
}

func TestKellyNegativeGate_RejectsNonPositiveKelly(t *testing.T) {
	p := testPortfolio()
	signal := testSignal()
	signal.Kelly = domain.NewFromFloat(0)
	got := KellyNegativeGate(context.Background(), p, signal, Sizing{})
	require.NotNil(t, got)
	require.Equal(t, domain.ErrKellyNegative, *got)
}

func TestPipeline_ShortCircuitsAtFirstRejection(t *testing.T) {
	calls := 0
	counting := func(ctx context.Context, p PortfolioContext, s domain.Signal, sz Sizing) *domain.ValidationErrorCode {
		calls++
		return nil
	}
	pipeline := NewPipeline(zerolog.Nop(), BrokerDisabledGate, counting)

	p := testPortfolio()
	p.UserBroker.Enabled = false
	errs := pipeline.Run(context.Background(), p, testSignal(), Sizing{})

	require.Equal(t, []domain.ValidationErrorCode{domain.ErrBrokerDisabled}, errs)
	require.Equal(t, 0, calls, "gate after the rejecting one must not run")
}

func TestPipeline_PassesWhenAllGatesClear(t *testing.T) {
	pipeline := NewPipeline(zerolog.Nop(), BrokerDisabledGate, KellyNegativeGate)
	errs := pipeline.Run(context.Background(), testPortfolio(), testSignal(), Sizing{OrderValue: domain.NewFromFloat(1000)})
	require.Nil(t, errs)
}
