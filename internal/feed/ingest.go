package feed

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/quantedge/tradepipe/internal/domain"
)

const tickQueueCapacity = 4096

// CandleWriter receives a deduplicated tick to fold into the
// single-writer candle builder. Implemented by candles.Builder.
type CandleWriter interface {
	OnTick(tick domain.Tick)
}

// Ingest is the bounded async queue between broker callback goroutines
// (which must never block on I/O) and the single dedicated writer that
// owns the cache and candle builder mutation path (spec §4.3: "Single
// writer per (symbol) tuple; all mutations to partial candles occur on
// the broker ingest path").
type Ingest struct {
	queue  chan domain.Tick
	cache  *Cache
	dedup  *Deduplicator
	writer CandleWriter
	log    zerolog.Logger

	dropped int64
}

func NewIngest(cache *Cache, dedup *Deduplicator, writer CandleWriter, log zerolog.Logger) *Ingest {
	return &Ingest{
		queue:  make(chan domain.Tick, tickQueueCapacity),
		cache:  cache,
		dedup:  dedup,
		writer: writer,
		log:    log.With().Str("component", "tick_ingest").Logger(),
	}
}

// Push enqueues a tick from a broker callback. Never blocks: a broker's
// read goroutine stalling would risk losing the connection entirely.
// On a full queue it drops the oldest queued tick to make room for this
// one rather than dropping the tick just received — the newest price is
// always the more useful one to keep, since candle/exit evaluation only
// cares about current state, not the exact sequence of stale ticks that
// led to it.
func (in *Ingest) Push(tick domain.Tick) {
	select {
	case in.queue <- tick:
		return
	default:
	}

	select {
	case <-in.queue:
	default:
	}
	select {
	case in.queue <- tick:
	default:
		// lost the race to another concurrent Push refilling the queue;
		// this tick is dropped instead, same outcome either way.
	}

	dropped := atomic.AddInt64(&in.dropped, 1)
	in.log.Warn().Str("symbol", tick.Symbol).Int64("dropped_total", dropped).Msg("tick queue full, dropped oldest queued tick")
}

// Run drains the queue on the single writer goroutine until ctx is
// cancelled.
func (in *Ingest) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-in.queue:
			in.process(tick)
		}
	}
}

func (in *Ingest) process(tick domain.Tick) {
	if in.dedup.Seen(tick) {
		return
	}
	in.cache.Update(tick.Symbol, tick.LastPrice, tick.EffectiveTs())
	in.writer.OnTick(tick)
}

// QueueDepth reports the current backlog, for health/metrics reporting.
func (in *Ingest) QueueDepth() int {
	return len(in.queue)
}

// Dropped reports the lifetime count of ticks dropped due to a full queue.
func (in *Ingest) Dropped() int64 {
	return atomic.LoadInt64(&in.dropped)
}
