package risk

import (
	"math"

	"github.com/quantedge/tradepipe/internal/domain"
)

// SizingParams configures Kelly-fraction position sizing (spec §4.6
// step 5).
type SizingParams struct {
	KellyFraction   float64 // config fraction applied to raw Kelly, e.g. 0.5 for half-Kelly
	MaxPerTradeLoss domain.Decimal
	MaxSymbolLoss   domain.Decimal
}

// Sizing is the computed order proposal a gate pipeline run and the
// downstream OrderPlacementService share.
type Sizing struct {
	Qty          int64
	EntryPrice   domain.Decimal
	OrderValue   domain.Decimal
	TargetPrice  domain.Decimal
	StopPrice    domain.Decimal
	GainFraction float64 // (target - entry) / entry, signed by direction
	LossFraction float64 // (stop - entry) / entry, signed by direction; negative
}

// Size computes Sizing from a signal, its calibrated Kelly fraction,
// and the equity available to size against. Quantity is capped so the
// worst-case loss (entry-to-stop distance x qty) never exceeds
// MaxPerTradeLoss or MaxSymbolLoss (spec §4.6: "capped by per-trade and
// per-symbol max-log-loss").
func Size(signal domain.Signal, equity domain.Decimal, params SizingParams) Sizing {
	entry := signal.RefPrice
	target := signal.EntryHigh
	stop := signal.EffectiveFloor
	if signal.Direction == domain.DirectionSell {
		target = signal.EntryLow
		stop = signal.EffectiveCeiling
	}

	gainFraction := fractionOf(entry, target, signal.Direction)
	lossFraction := fractionOf(entry, stop, signal.Direction)

	kellyStake := signal.Kelly.InlineFloat() * params.KellyFraction
	if kellyStake < 0 {
		kellyStake = 0
	}
	if kellyStake > 1 {
		kellyStake = 1
	}

	stakeValue := equity.Mul(domain.NewFromFloat(kellyStake))
	qtyByKelly := int64(0)
	if entry.IsPositive() {
		qtyByKelly = int64(stakeValue.Div(entry).InlineFloat())
	}

	lossPerShare := entry.Sub(stop).Abs()
	qtyByPerTradeCap := maxQtyForLoss(lossPerShare, params.MaxPerTradeLoss)
	qtyBySymbolCap := maxQtyForLoss(lossPerShare, params.MaxSymbolLoss)

	qty := minInt64Positive(qtyByKelly, qtyByPerTradeCap, qtyBySymbolCap)
	if qty < 0 {
		qty = 0
	}

	orderValue := entry.Mul(domain.NewFromFloat(float64(qty)))

	return Sizing{
		Qty:          qty,
		EntryPrice:   entry,
		OrderValue:   orderValue,
		TargetPrice:  target,
		StopPrice:    stop,
		GainFraction: gainFraction,
		LossFraction: lossFraction,
	}
}

func fractionOf(entry, level domain.Decimal, direction domain.Direction) float64 {
	if entry.IsZero() {
		return 0
	}
	diff := level.Sub(entry).Div(entry).InlineFloat()
	if direction == domain.DirectionSell {
		return -diff
	}
	return diff
}

func maxQtyForLoss(lossPerShare, lossCap domain.Decimal) int64 {
	if lossPerShare.IsZero() || !lossPerShare.IsPositive() {
		return math.MaxInt64
	}
	return int64(lossCap.Div(lossPerShare).InlineFloat())
}

func minInt64Positive(vals ...int64) int64 {
	min := vals[0]
	for _, v := range vals[1:] {
		if v < min {
			min = v
		}
	}
	return min
}
