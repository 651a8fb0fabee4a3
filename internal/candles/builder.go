// Package candles maintains the four per-symbol partial candles and
// closes them into immutable rows as ticks arrive (spec §4.3).
package candles

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantedge/tradepipe/internal/domain"
)

var timeframes = []domain.Timeframe{domain.TimeframeDaily, domain.TimeframeHTF, domain.TimeframeITF, domain.TimeframeLTF}

// CandleStore persists closed candles. Satisfied by
// repositories.CandleRepository.
type CandleStore interface {
	InsertV1(ctx context.Context, c domain.Candle) error
}

// CandleClosedPublisher is notified every time a partial candle closes.
type CandleClosedPublisher interface {
	PublishCandleClosed(symbol string, tf domain.Timeframe, candle domain.Candle)
}

// SessionCalendar supplies the session-start truncation DAILY candles need.
type SessionCalendar interface {
	SessionStart(ts time.Time) time.Time
}

// Builder is the single writer per symbol for partial-candle mutation.
// All calls to OnTick for a given symbol must be serialized by the
// caller (the feed ingest's single dedicated writer goroutine) —
// Builder itself only guards the cross-symbol map.
type Builder struct {
	mu       sync.Mutex
	partials map[string]map[domain.Timeframe]*domain.PartialCandle

	store     CandleStore
	publisher CandleClosedPublisher
	calendar  SessionCalendar
	log       zerolog.Logger
}

func NewBuilder(store CandleStore, publisher CandleClosedPublisher, calendar SessionCalendar, log zerolog.Logger) *Builder {
	return &Builder{
		partials:  make(map[string]map[domain.Timeframe]*domain.PartialCandle),
		store:     store,
		publisher: publisher,
		calendar:  calendar,
		log:       log.With().Str("component", "candle_builder").Logger(),
	}
}

// OnTick folds a deduplicated tick into every timeframe's partial
// candle, closing and persisting any partial whose window has elapsed.
func (b *Builder) OnTick(tick domain.Tick) {
	ts := tick.EffectiveTs()

	b.mu.Lock()
	bySymbol, ok := b.partials[tick.Symbol]
	if !ok {
		bySymbol = make(map[domain.Timeframe]*domain.PartialCandle)
		b.partials[tick.Symbol] = bySymbol
	}
	b.mu.Unlock()

	for _, tf := range timeframes {
		start := b.candleStart(tf, ts)
		partial := bySymbol[tf]

		if partial != nil && !partial.StartTs.Equal(start) {
			b.close(tick.Symbol, tf, partial)
			partial = nil
		}
		if partial == nil {
			partial = domain.NewPartialCandle(tick.Symbol, tf, start, tick.LastPrice, tick.Volume)
			bySymbol[tf] = partial
			continue
		}
		partial.Apply(tick.LastPrice, tick.Volume)
	}
}

// candleStart computes floor(ts/interval)*interval for intraday
// timeframes, or truncates to session start for DAILY (spec §4.3).
func (b *Builder) candleStart(tf domain.Timeframe, ts time.Time) time.Time {
	if tf == domain.TimeframeDaily {
		return b.calendar.SessionStart(ts)
	}
	interval := time.Duration(tf.IntervalMinutes()) * time.Minute
	return ts.Truncate(interval)
}

func (b *Builder) close(symbol string, tf domain.Timeframe, partial *domain.PartialCandle) {
	candle := partial.ToCandle()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := b.store.InsertV1(ctx, candle); err != nil {
		if domain.IsBenignDuplicate(err) {
			b.log.Debug().Str("symbol", symbol).Str("timeframe", string(tf)).Msg("candle close already persisted, treating as success")
		} else {
			b.log.Error().Err(err).Str("symbol", symbol).Str("timeframe", string(tf)).Msg("failed to persist closed candle")
		}
	}
	if b.publisher != nil {
		b.publisher.PublishCandleClosed(symbol, tf, candle)
	}
}

// Snapshot returns the in-flight partial for (symbol, tf), if any.
func (b *Builder) Snapshot(symbol string, tf domain.Timeframe) (domain.Candle, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bySymbol, ok := b.partials[symbol]
	if !ok {
		return domain.Candle{}, false
	}
	partial, ok := bySymbol[tf]
	if !ok {
		return domain.Candle{}, false
	}
	return partial.ToCandle(), true
}
