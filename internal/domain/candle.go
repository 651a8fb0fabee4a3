package domain

import "time"

// Candle is an immutable OHLCV bar for one symbol/timeframe/start. The
// composite primary key is (symbol, timeframe, ts, version) — candles
// are never mutated; corrections arrive as a new version (spec §3).
type Candle struct {
	Versioned
	Symbol    string    `db:"symbol"`
	Timeframe Timeframe `db:"timeframe"`
	Ts        time.Time `db:"ts"`
	Open      Decimal   `db:"open"`
	High      Decimal   `db:"high"`
	Low       Decimal   `db:"low"`
	Close     Decimal   `db:"close"`
	Volume    int64     `db:"volume"`
}

// Tick is the immutable unit of market data the DataBroker delivers
// (spec §4.2). receivedTs is stamped by the adapter; exchangeTs may be
// zero if the venue did not supply one, in which case dedup falls back
// to receivedTs.
type Tick struct {
	Symbol     string
	LastPrice  Decimal
	LTQ        int64
	Volume     int64
	Bid        Decimal
	Ask        Decimal
	ExchangeTs time.Time
	ReceivedTs time.Time
}

// EffectiveTs is the timestamp used for candle-bucket and dedupe-key
// computation: exchangeTs when present, receivedTs otherwise.
func (t Tick) EffectiveTs() time.Time {
	if !t.ExchangeTs.IsZero() {
		return t.ExchangeTs
	}
	return t.ReceivedTs
}

// PartialCandle is the in-memory, single-writer mutable accumulator the
// candle builder maintains per (symbol, timeframe) until a boundary is
// crossed (spec §4.3).
type PartialCandle struct {
	Symbol    string
	Timeframe Timeframe
	StartTs   time.Time
	Open      Decimal
	High      Decimal
	Low       Decimal
	Close     Decimal
	Volume    int64
	opened    bool
}

// NewPartialCandle starts a fresh accumulator at startTs, seeded with
// the opening tick.
func NewPartialCandle(symbol string, tf Timeframe, startTs time.Time, price Decimal, volume int64) *PartialCandle {
	return &PartialCandle{
		Symbol:    symbol,
		Timeframe: tf,
		StartTs:   startTs,
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
		Volume:    volume,
		opened:    true,
	}
}

// Apply folds one tick into the accumulator: high=max, low=min,
// close=last, volume+=tick.volume. Open is set only at construction.
func (p *PartialCandle) Apply(price Decimal, volume int64) {
	if !p.opened {
		p.Open = price
		p.High = price
		p.Low = price
		p.opened = true
	}
	if price.GreaterThan(p.High) {
		p.High = price
	}
	if price.LessThan(p.Low) {
		p.Low = price
	}
	p.Close = price
	p.Volume += volume
}

// ToCandle materializes the accumulator as an immutable Candle row at
// version 1 (the caller is responsible for resolving the correct
// version when upserting over a prior close at the same start).
func (p *PartialCandle) ToCandle() Candle {
	return Candle{
		Symbol:    p.Symbol,
		Timeframe: p.Timeframe,
		Ts:        p.StartTs,
		Open:      p.Open,
		High:      p.High,
		Low:       p.Low,
		Close:     p.Close,
		Volume:    p.Volume,
	}
}
