package domain

import "time"

// Signal is an entry opportunity detected by the MTF signal generator
// at candle close (spec §3, §4.4). Numeric fields are normalized to
// DECIMAL(18,2) via Decimal.RoundPrice before being persisted.
type Signal struct {
	Versioned
	SignalID       string         `db:"signal_id"`
	Symbol         string         `db:"symbol"`
	Direction      Direction      `db:"direction"`
	SignalType     string         `db:"signal_type"`
	ConfluenceType ConfluenceType `db:"confluence_type"`
	ConfluenceScore Decimal       `db:"confluence_score"`
	PWin           Decimal        `db:"p_win"`
	PFill          Decimal        `db:"p_fill"`
	Kelly          Decimal        `db:"kelly"`
	RefPrice       Decimal        `db:"ref_price"`
	EntryLow       Decimal        `db:"entry_low"`
	EntryHigh      Decimal        `db:"entry_high"`
	HtfLow         Decimal        `db:"htf_low"`
	HtfHigh        Decimal        `db:"htf_high"`
	ItfLow         Decimal        `db:"itf_low"`
	ItfHigh        Decimal        `db:"itf_high"`
	LtfLow         Decimal        `db:"ltf_low"`
	LtfHigh        Decimal        `db:"ltf_high"`
	EffectiveFloor Decimal        `db:"effective_floor"`
	EffectiveCeiling Decimal      `db:"effective_ceiling"`
	TradingDay     string         `db:"trading_day"` // Asia/Kolkata date, YYYY-MM-DD; part of the dedupe key
	ExpiresAt      time.Time      `db:"expires_at"`
	Status         SignalStatus   `db:"status"`
}

// Valid reports the effectiveFloor < effectiveCeiling invariant
// (spec §3 invariant 2).
func (s Signal) Valid() bool {
	return s.EffectiveFloor.LessThan(s.EffectiveCeiling)
}

// DedupeKey is the tuple the partial unique index is built on
// (spec §3 invariant 3).
type DedupeKey struct {
	Symbol           string
	Direction        Direction
	ConfluenceType   ConfluenceType
	TradingDay       string
	EffectiveFloor   Decimal
	EffectiveCeiling Decimal
}

func (s Signal) DedupeKey() DedupeKey {
	return DedupeKey{
		Symbol:           s.Symbol,
		Direction:        s.Direction,
		ConfluenceType:   s.ConfluenceType,
		TradingDay:       s.TradingDay,
		EffectiveFloor:   s.EffectiveFloor,
		EffectiveCeiling: s.EffectiveCeiling,
	}
}

// SignalDelivery is a per-user-broker materialization of a Signal
// (GLOSSARY: "Delivery").
type SignalDelivery struct {
	Versioned
	DeliveryID   string         `db:"delivery_id"`
	SignalID     string         `db:"signal_id"`
	UserBrokerID string         `db:"user_broker_id"`
	UserID       string         `db:"user_id"`
	Status       DeliveryStatus `db:"status"`
	IntentID     *string        `db:"intent_id"`
	ConsumedAt   *time.Time     `db:"consumed_at"`
}
