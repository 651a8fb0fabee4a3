package risk

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quantedge/tradepipe/internal/domain"
)

func TestSize_CapsQtyByMaxPerTradeLoss(t *testing.T) {
	signal := domain.Signal{
		Symbol:         "RELIANCE",
		Direction:      domain.DirectionBuy,
		Kelly:          domain.NewFromFloat(1), // stake unconstrained by Kelly
		RefPrice:       domain.NewFromFloat(100),
		EntryHigh:      domain.NewFromFloat(110),
		EffectiveFloor: domain.NewFromFloat(95), // loss per share = 5
	}
	params := SizingParams{
		KellyFraction:   1,
		MaxPerTradeLoss: domain.NewFromFloat(500), // 500 / 5 = 100 shares
		MaxSymbolLoss:   domain.NewFromFloat(100000),
	}

	sizing := Size(signal, domain.NewFromFloat(1000000), params)

	require.Equal(t, int64(100), sizing.Qty)
	require.True(t, sizing.StopPrice.Equal(domain.NewFromFloat(95)))
	require.True(t, sizing.TargetPrice.Equal(domain.NewFromFloat(110)))
}

func TestSize_SellDirectionUsesInvertedLevels(t *testing.T) {
	signal := domain.Signal{
		Direction:        domain.DirectionSell,
		Kelly:            domain.NewFromFloat(0.5),
		RefPrice:         domain.NewFromFloat(100),
		EntryLow:         domain.NewFromFloat(90),
		EffectiveCeiling: domain.NewFromFloat(105),
	}
	params := SizingParams{KellyFraction: 0.5, MaxPerTradeLoss: domain.NewFromFloat(1000), MaxSymbolLoss: domain.NewFromFloat(5000)}

	sizing := Size(signal, domain.NewFromFloat(100000), params)

	require.True(t, sizing.TargetPrice.Equal(domain.NewFromFloat(90)))
	require.True(t, sizing.StopPrice.Equal(domain.NewFromFloat(105)))
	require.Greater(t, sizing.GainFraction, 0.0)
	require.Less(t, sizing.LossFraction, 0.0)
}

func TestSize_ZeroOrNegativeKellyYieldsNoOrder(t *testing.T) {
	signal := domain.Signal{
		Direction:      domain.DirectionBuy,
		Kelly:          domain.NewFromFloat(0),
		RefPrice:       domain.NewFromFloat(100),
		EntryHigh:      domain.NewFromFloat(110),
		EffectiveFloor: domain.NewFromFloat(95),
	}
	params := SizingParams{KellyFraction: 0.5, MaxPerTradeLoss: domain.NewFromFloat(1000), MaxSymbolLoss: domain.NewFromFloat(5000)}

	sizing := Size(signal, domain.NewFromFloat(100000), params)

	require.Equal(t, int64(0), sizing.Qty)
	require.True(t, sizing.OrderValue.IsZero())
}
