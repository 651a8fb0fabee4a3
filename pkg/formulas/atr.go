package formulas

import (
	"github.com/markcheno/go-talib"
)

// CalculateATR computes the Average True Range over the given period,
// used by the averaging gate to size minimum entry spacing on a
// symbol (spec §4.6).
//
// Args:
//   highs, lows, closes: parallel candle series, oldest first
//   period: ATR lookback (typically 14)
//
// Returns:
//   Current ATR value, or nil if insufficient data.
func CalculateATR(highs, lows, closes []float64, period int) *float64 {
	if len(closes) < period+1 || len(highs) != len(closes) || len(lows) != len(closes) {
		return nil
	}

	atr := talib.Atr(highs, lows, closes, period)

	if len(atr) > 0 && !isNaN(atr[len(atr)-1]) {
		result := atr[len(atr)-1]
		return &result
	}

	return nil
}
