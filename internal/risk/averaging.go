package risk

import (
	"context"

	"github.com/quantedge/tradepipe/internal/domain"
)

// AveragingParams configures the minimum spacing a new entry on an
// already-traded symbol must clear, expressed in multiples of ATR
// (spec §4.6 step 4).
type AveragingParams struct {
	Multiplier float64
}

// DefaultAveragingParams is a conservative one-ATR default.
func DefaultAveragingParams() AveragingParams {
	return AveragingParams{Multiplier: 1.0}
}

// ATRLookup supplies the current ATR for a symbol, computed from
// recent candles (pkg/formulas.CalculateATR).
type ATRLookup interface {
	ATR(ctx context.Context, symbol string) (domain.Decimal, bool)
}

// AveragingGate rejects an entry that falls within multiplier*ATR of
// the last entry price on the same symbol (spec §4.6 step 4: "require
// spacing >= multiplier x ATR from the last entry on the same
// symbol").
func AveragingGate(atr ATRLookup, params AveragingParams) Gate {
	return func(ctx context.Context, p PortfolioContext, signal domain.Signal, sizing Sizing) *domain.ValidationErrorCode {
		if p.LastEntry == nil {
			return nil
		}
		atrValue, ok := atr.ATR(ctx, signal.Symbol)
		if !ok {
			return nil
		}
		minSpacing := atrValue.Mul(domain.NewFromFloat(params.Multiplier))
		spacing := signal.RefPrice.Sub(p.LastEntry.EntryPrice).Abs()
		if spacing.LessThan(minSpacing) {
			return code(domain.ErrAveragingGateFailed)
		}
		return nil
	}
}
