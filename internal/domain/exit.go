package domain

import "time"

// ExitSignal records one attempt ("episode") to exit a trade for a
// given reason (spec §3, §4.9, GLOSSARY: "Episode").
type ExitSignal struct {
	Versioned
	ExitSignalID       string           `db:"exit_signal_id"`
	TradeID            string           `db:"trade_id"`
	ExitReason         ExitReason       `db:"exit_reason"`
	EpisodeID          int64            `db:"episode_id"`
	ExitPriceAtDetection Decimal        `db:"exit_price_at_detection"`
	BrickMovement      Decimal          `db:"brick_movement"`
	FavorableMovement  Decimal          `db:"favorable_movement"`
	TrailingStopPrice  *Decimal         `db:"trailing_stop_price"`
	Status             ExitSignalStatus `db:"status"`
}

// EpisodeKey is the tuple the unique index on exit_signals is built on
// (spec §3 invariant 7, §4.9 "Re-arm episodes").
type EpisodeKey struct {
	TradeID    string
	ExitReason ExitReason
	EpisodeID  int64
}

func (e ExitSignal) EpisodeKey() EpisodeKey {
	return EpisodeKey{TradeID: e.TradeID, ExitReason: e.ExitReason, EpisodeID: e.EpisodeID}
}

// ExitIntent is the order-placement proposal derived from a confirmed
// ExitSignal (spec §3).
type ExitIntent struct {
	Versioned
	ExitIntentID  string           `db:"exit_intent_id"`
	TradeID       string           `db:"trade_id"`
	UserBrokerID  string           `db:"user_broker_id"`
	ExitReason    ExitReason       `db:"exit_reason"`
	EpisodeID     int64            `db:"episode_id"`
	CalculatedQty int64            `db:"calculated_qty"`
	OrderType     PriceType        `db:"order_type"`
	LimitPrice    Decimal          `db:"limit_price"`
	Status        ExitIntentStatus `db:"status"`
	BrokerOrderID *string          `db:"broker_order_id"`
	CooldownUntil *time.Time       `db:"cooldown_until"`
}

// InCooldown reports whether a re-arm attempt for this exit intent's
// (tradeId, exitReason) is currently suppressed (spec §4.5 "Cooldown").
func (e ExitIntent) InCooldown(now time.Time) bool {
	return e.CooldownUntil != nil && now.Before(*e.CooldownUntil)
}
