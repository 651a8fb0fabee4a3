package exits

import (
	"sync"

	"github.com/quantedge/tradepipe/internal/domain"
)

// BrickTracker confirms a directional price move against an open
// trade's exit condition before the condition is allowed to fire,
// damping single-tick noise (spec GLOSSARY "Brick movement": "a tick
// is brick-confirmed when cumulative signed displacement since the
// last confirmation exceeds a threshold"). Shaped on the peak/trough
// accumulation loop in pkg/formulas/drawdown.go, adapted from a
// one-shot price-series scan into a running per-(trade, reason)
// accumulator fed one tick at a time.
//
// State is in-memory and starts empty on every restart. That is safe
// here — unlike the open-trades view itself (always DB-loaded, spec
// §4.9 "Inputs") — because losing accumulated displacement only delays
// the next exit trigger by up to one threshold's worth of favorable
// movement; it can never manufacture a false exit or lose a trade.
type BrickTracker struct {
	mu        sync.Mutex
	threshold domain.Decimal
	last      map[string]domain.Decimal
	cum       map[string]domain.Decimal
}

func NewBrickTracker(threshold domain.Decimal) *BrickTracker {
	return &BrickTracker{
		threshold: threshold,
		last:      make(map[string]domain.Decimal),
		cum:       make(map[string]domain.Decimal),
	}
}

func brickKey(tradeID string, reason domain.ExitReason) string {
	return tradeID + "|" + string(reason)
}

// Confirm folds one tick's price into the tracker for (tradeId, reason)
// and reports whether cumulative adverse displacement since the last
// confirmation (or since tracking started) has crossed the threshold,
// resetting the accumulator when it does. direction is the trade's
// entry direction; displacement is signed so movement AGAINST the
// position (price falling for a LONG, rising for a SHORT) accumulates
// positively regardless of side. The very first call for a key seeds
// the watermark at the current price with zero accumulated
// displacement — by construction it cannot itself confirm — so callers
// must feed this on every tick of an open trade's life, starting at
// entry, rather than only from the tick a hard exit condition fires;
// otherwise the first adverse tick after any gap is silently absorbed
// as the new seed instead of contributing to the accumulator.
func (b *BrickTracker) Confirm(tradeID string, reason domain.ExitReason, price domain.Decimal, direction domain.Direction) bool {
	key := brickKey(tradeID, reason)

	b.mu.Lock()
	defer b.mu.Unlock()

	last, ok := b.last[key]
	if !ok {
		b.last[key] = price
		b.cum[key] = domain.Zero
		return false
	}

	delta := price.Sub(last)
	if direction == domain.DirectionBuy {
		delta = delta.Neg()
	}
	b.last[key] = price

	next := b.cum[key].Add(delta)
	b.cum[key] = next

	if next.GreaterThanOrEqual(b.threshold) {
		delete(b.last, key)
		delete(b.cum, key)
		return true
	}
	return false
}

// Reset discards tracked state for (tradeId, reason) — called once an
// episode resolves (filled, rejected, or superseded) so the next
// detection cycle starts its confirmation window fresh.
func (b *BrickTracker) Reset(tradeID string, reason domain.ExitReason) {
	key := brickKey(tradeID, reason)
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.last, key)
	delete(b.cum, key)
}
