package execution

import (
	"github.com/quantedge/tradepipe/internal/domain"
	"github.com/quantedge/tradepipe/internal/signals"
)

// computeTargets rebuilds the R-multiple profit ladder sizing computed
// at validation time but never persisted onto the intent (spec §3:
// Trade carries "targets {minProfit, target, stretch}"; §4.6's Sizing
// only flows LimitPrice/CalculatedQty through). riskUnit is the
// entry-to-stop distance, derived the same way risk.Size derives
// Sizing.StopPrice: effectiveFloor/effectiveCeiling off the originating
// signal, by direction.
func computeTargets(cfg signals.MtfConfig, signal domain.Signal, entryPrice domain.Decimal) (domain.TradeTargets, domain.Decimal) {
	stop := signal.EffectiveFloor
	sign := 1.0
	if signal.Direction == domain.DirectionSell {
		stop = signal.EffectiveCeiling
		sign = -1.0
	}

	riskUnit := entryPrice.Sub(stop).Abs()

	level := func(multiplier float64) domain.Decimal {
		offset := domain.NewFromFloat(sign * multiplier).Mul(riskUnit)
		return entryPrice.Add(offset).RoundPrice()
	}

	targets := domain.TradeTargets{
		MinProfit: level(cfg.MinProfitMultiplier),
		Target:    level(cfg.TargetProfitMultiplier),
		Stretch:   level(cfg.StretchProfitMultiplier),
	}
	return targets, riskUnit
}
