package signals

import (
	"github.com/quantedge/tradepipe/internal/domain"
)

// Zone is one equal-width partition of a timeframe's recent candle
// range, with a direction-qualified trigger flag (spec §4.4).
type Zone struct {
	Index    int
	Low      domain.Decimal
	High     domain.Decimal
	Triggers bool
	Direction domain.Direction
}

// ZoneSet is the detected zone partition for one timeframe at a point
// in time.
type ZoneSet struct {
	Timeframe domain.Timeframe
	Low       domain.Decimal
	High      domain.Decimal
	Zones     []Zone
	Current   int // index of the zone containing refPrice, or -1
}

// DetectZones partitions the (low, high) range spanned by candles into
// zoneCount equal-width zones and classifies refPrice into one of them.
// A trigger fires on the zone boundary closest to refPrice being
// crossed within thresholdPct of the zone width (spec §4.4: "Identify
// trigger conditions (e.g., price crossing into a buy zone)").
func DetectZones(tf domain.Timeframe, candles []domain.Candle, refPrice domain.Decimal, zoneCount int, thresholdPct float64) ZoneSet {
	if len(candles) == 0 || zoneCount <= 0 {
		return ZoneSet{Timeframe: tf, Current: -1}
	}

	low, high := rangeOf(candles)
	if low.Equal(high) {
		return ZoneSet{Timeframe: tf, Low: low, High: high, Current: -1}
	}

	width := high.Sub(low).Div(domain.NewFromFloat(float64(zoneCount)))
	zones := make([]Zone, zoneCount)
	current := -1

	for i := 0; i < zoneCount; i++ {
		zLow := low.Add(width.Mul(domain.NewFromFloat(float64(i))))
		zHigh := zLow.Add(width)
		z := Zone{Index: i, Low: zLow, High: zHigh}

		if !refPrice.LessThan(zLow) && refPrice.LessThan(zHigh) {
			current = i
		}

		threshold := width.Mul(domain.NewFromFloat(thresholdPct))
		distToLow := refPrice.Sub(zLow).Abs()
		distToHigh := zHigh.Sub(refPrice).Abs()

		switch {
		case distToLow.LessThanOrEqual(threshold) && refPrice.GreaterThanOrEqual(zLow):
			z.Triggers = true
			z.Direction = domain.DirectionBuy
		case distToHigh.LessThanOrEqual(threshold) && refPrice.LessThanOrEqual(zHigh):
			z.Triggers = true
			z.Direction = domain.DirectionSell
		}
		zones[i] = z
	}

	// the final zone's upper bound should include high exactly
	if current == -1 && refPrice.Equal(high) {
		current = zoneCount - 1
	}

	return ZoneSet{Timeframe: tf, Low: low, High: high, Zones: zones, Current: current}
}

func rangeOf(candles []domain.Candle) (low, high domain.Decimal) {
	low, high = candles[0].Low, candles[0].High
	for _, c := range candles[1:] {
		if c.Low.LessThan(low) {
			low = c.Low
		}
		if c.High.GreaterThan(high) {
			high = c.High
		}
	}
	return low, high
}

// TriggeredZone returns the first triggering zone in the set matching
// direction, if any.
func (z ZoneSet) TriggeredZone(direction domain.Direction) (Zone, bool) {
	for _, zone := range z.Zones {
		if zone.Triggers && zone.Direction == direction {
			return zone, true
		}
	}
	return Zone{}, false
}
