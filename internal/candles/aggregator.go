package candles

import (
	"time"

	"github.com/quantedge/tradepipe/internal/domain"
)

// Aggregate groups finer-grained candles into a target timeframe,
// used for historical backfill when a broker lacks a native timeframe
// (spec §4.3). Input candles must already be sorted ascending by Ts.
func Aggregate(in []domain.Candle, target domain.Timeframe, targetInterval time.Duration) []domain.Candle {
	if len(in) == 0 {
		return nil
	}

	var out []domain.Candle
	var bucketStart time.Time
	var acc domain.Candle
	open := false

	flush := func() {
		if open {
			acc.Timeframe = target
			out = append(out, acc)
			open = false
		}
	}

	for _, c := range in {
		start := c.Ts.Truncate(targetInterval)
		if !open {
			bucketStart = start
			acc = domain.Candle{
				Symbol: c.Symbol,
				Ts:     bucketStart,
				Open:   c.Open,
				High:   c.High,
				Low:    c.Low,
				Close:  c.Close,
				Volume: c.Volume,
			}
			open = true
			continue
		}
		if !start.Equal(bucketStart) {
			flush()
			bucketStart = start
			acc = domain.Candle{
				Symbol: c.Symbol,
				Ts:     bucketStart,
				Open:   c.Open,
				High:   c.High,
				Low:    c.Low,
				Close:  c.Close,
				Volume: c.Volume,
			}
			open = true
			continue
		}
		if c.High.GreaterThan(acc.High) {
			acc.High = c.High
		}
		if c.Low.LessThan(acc.Low) {
			acc.Low = c.Low
		}
		acc.Close = c.Close
		acc.Volume += c.Volume
	}
	flush()
	return out
}
