package feed

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantedge/tradepipe/internal/domain"
)

const windowDuration = 30 * time.Second

// dedupKey identifies a tick for the purposes of duplicate detection
// (spec §4.3): (symbol, exchangeTs, lastPrice, volume) when exchangeTs
// is present, else (symbol, receivedTs, lastPrice, volume).
type dedupKey struct {
	symbol string
	ts     time.Time
	price  string
	volume int64
}

// Deduplicator maintains two rolling 30s windows (current, previous)
// so membership checks never need a per-tick scan over history — a
// tick is a duplicate if its key is in either window, and windows swap
// every 30s in O(1).
type Deduplicator struct {
	mu       sync.Mutex
	current  map[dedupKey]struct{}
	previous map[dedupKey]struct{}
	swapAt   time.Time
	log      zerolog.Logger

	lastFallbackWarnAt time.Time
}

func NewDeduplicator(log zerolog.Logger) *Deduplicator {
	return &Deduplicator{
		current:  make(map[dedupKey]struct{}),
		previous: make(map[dedupKey]struct{}),
		swapAt:   time.Now().Add(windowDuration),
		log:      log.With().Str("component", "tick_dedup").Logger(),
	}
}

// Seen registers tick and reports whether it is a duplicate of one
// already recorded in the current or previous window.
func (d *Deduplicator) Seen(tick domain.Tick) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if now.After(d.swapAt) {
		d.previous = d.current
		d.current = make(map[dedupKey]struct{})
		d.swapAt = now.Add(windowDuration)
	}

	usingFallback := tick.ExchangeTs.IsZero()
	key := dedupKey{
		symbol: tick.Symbol,
		ts:     tick.EffectiveTs(),
		price:  tick.LastPrice.String(),
		volume: tick.Volume,
	}

	if usingFallback && now.Sub(d.lastFallbackWarnAt) > time.Minute {
		d.log.Warn().Str("symbol", tick.Symbol).Msg("tick missing exchange timestamp, deduping on received time")
		d.lastFallbackWarnAt = now
	}

	if _, dup := d.current[key]; dup {
		return true
	}
	if _, dup := d.previous[key]; dup {
		return true
	}
	d.current[key] = struct{}{}
	return false
}
