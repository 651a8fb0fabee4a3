package risk

import (
	"context"

	"github.com/quantedge/tradepipe/internal/domain"
	"github.com/quantedge/tradepipe/pkg/formulas"
)

const atrPeriod = 14

// CandleHistory supplies the recent-N-candle window ATR is computed
// over. Satisfied by repositories.CandleRepository.
type CandleHistory interface {
	RecentCandles(ctx context.Context, symbol string, tf domain.Timeframe, n int) ([]domain.Candle, error)
}

// CandleATRLookup implements AveragingGate's ATRLookup on the HTF
// candle series, the timeframe the averaging spacing rule is scaled
// against (spec §4.6 step 4).
type CandleATRLookup struct {
	history CandleHistory
}

func NewCandleATRLookup(history CandleHistory) *CandleATRLookup {
	return &CandleATRLookup{history: history}
}

func (l *CandleATRLookup) ATR(ctx context.Context, symbol string) (domain.Decimal, bool) {
	candles, err := l.history.RecentCandles(ctx, symbol, domain.TimeframeHTF, atrPeriod+1)
	if err != nil || len(candles) < atrPeriod+1 {
		return domain.Decimal{}, false
	}

	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	closes := make([]float64, len(candles))
	for i, c := range candles {
		highs[i] = c.High.InlineFloat()
		lows[i] = c.Low.InlineFloat()
		closes[i] = c.Close.InlineFloat()
	}

	atr := formulas.CalculateATR(highs, lows, closes, atrPeriod)
	if atr == nil {
		return domain.Decimal{}, false
	}
	return domain.NewFromFloat(*atr), true
}
