package candles

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantedge/tradepipe/internal/broker"
	"github.com/quantedge/tradepipe/internal/domain"
)

// RangeStore is the subset of CandleRepository the backfill path needs
// to find the latest persisted candle and upsert historical ones.
type RangeStore interface {
	CandleStore
	FindRange(ctx context.Context, symbol string, tf domain.Timeframe, from, to time.Time) ([]domain.Candle, error)
}

// Backfill fetches historical candles for each active symbol and
// timeframe over the window its caller passes to Run (spec §4.3). It
// does not look up the last persisted bar to choose where that window
// starts; rows already stored are skipped as duplicates on insert.
type Backfill struct {
	store RangeStore
	log   zerolog.Logger
}

func NewBackfill(store RangeStore, log zerolog.Logger) *Backfill {
	return &Backfill{store: store, log: log.With().Str("component", "candle_backfill").Logger()}
}

// Run backfills every timeframe for symbol between from and to using
// source. A timeframe whose fetch fails (including one source does not
// serve natively) is logged and skipped; it is not aggregated from a
// finer timeframe.
func (b *Backfill) Run(ctx context.Context, source broker.DataBroker, symbol string, from, to time.Time) error {
	for _, tf := range timeframes {
		candles, err := source.GetHistoricalCandles(ctx, symbol, tf, from, to)
		if err != nil {
			b.log.Warn().Err(err).Str("symbol", symbol).Str("timeframe", string(tf)).Msg("historical candle fetch failed, skipping backfill for timeframe")
			continue
		}
		for _, c := range candles {
			if err := b.store.InsertV1(ctx, c); err != nil && !domain.IsBenignDuplicate(err) {
				b.log.Error().Err(err).Str("symbol", symbol).Str("timeframe", string(tf)).Msg("backfill insert failed")
			}
		}
		b.log.Info().Str("symbol", symbol).Str("timeframe", string(tf)).Int("count", len(candles)).Msg("backfill complete")
	}
	return nil
}

// RecoveryManager detects tick gaps during market hours (no ticks for
// longer than the configured staleness threshold) and triggers a
// targeted backfill to close them (spec §4.3 "Recovery Manager").
type RecoveryManager struct {
	backfill  *Backfill
	threshold time.Duration

	mu       sync.Mutex
	lastTick map[string]time.Time

	log zerolog.Logger
}

func NewRecoveryManager(backfill *Backfill, threshold time.Duration, log zerolog.Logger) *RecoveryManager {
	return &RecoveryManager{
		backfill:  backfill,
		threshold: threshold,
		lastTick:  make(map[string]time.Time),
		log:       log.With().Str("component", "recovery_manager").Logger(),
	}
}

// Observe records a tick arrival for gap detection bookkeeping. Called
// from the tick-ingest writer goroutine on every tick, concurrently
// with CheckGap from the periodic recovery job's own goroutine.
func (r *RecoveryManager) Observe(symbol string, ts time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastTick[symbol] = ts
}

// CheckGap reports whether symbol has gone silent longer than the
// staleness threshold and, if so, the gap window to backfill.
func (r *RecoveryManager) CheckGap(symbol string, now time.Time) (from, to time.Time, gapped bool) {
	r.mu.Lock()
	last, ok := r.lastTick[symbol]
	r.mu.Unlock()
	if !ok {
		return time.Time{}, time.Time{}, false
	}
	if now.Sub(last) <= r.threshold {
		return time.Time{}, time.Time{}, false
	}
	return last, now, true
}

// Recover runs a targeted backfill for the detected gap.
func (r *RecoveryManager) Recover(ctx context.Context, source broker.DataBroker, symbol string, from, to time.Time) error {
	r.log.Warn().Str("symbol", symbol).Time("gap_from", from).Time("gap_to", to).Msg("tick gap detected, running targeted backfill")
	return r.backfill.Run(ctx, source, symbol, from, to)
}
