package domain

import "time"

// Instrument is the source of broker-specific identifiers for a
// tradable symbol (spec §3). Instrument master ingestion itself is out
// of scope (§1); this struct is the read side the pipeline consumes.
type Instrument struct {
	Versioned
	Symbol   string  `db:"symbol"`
	Exchange string  `db:"exchange"`
	Token    string  `db:"token"`
	LotSize  int64   `db:"lot_size"`
	TickSize Decimal `db:"tick_size"`
}

// Watchlist is a per-UserBroker subscription to a symbol with the last
// observed tick cached alongside it.
type Watchlist struct {
	Versioned
	UserBrokerID string    `db:"user_broker_id"`
	Symbol       string    `db:"symbol"`
	Enabled      bool      `db:"enabled"`
	LastPrice    Decimal   `db:"last_price"`
	LastTickTime time.Time `db:"last_tick_time"`
}
