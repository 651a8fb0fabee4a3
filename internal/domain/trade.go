package domain

import "time"

// TradeTargets holds the profit levels computed at entry time from the
// MTF zone snapshot (spec §3: "targets {minProfit, target, stretch}").
type TradeTargets struct {
	MinProfit Decimal
	Target    Decimal
	Stretch   Decimal
}

// TradeTrailing tracks the trailing-stop state for an open trade
// (spec §4.9).
type TradeTrailing struct {
	Active    bool
	HighPrice Decimal
	StopPrice Decimal
}

// TradeExit records the terminal exit outcome once a trade closes.
type TradeExit struct {
	Price          Decimal
	Reason         ExitReason
	Qty            int64
	RealizedPnL    Decimal
	HoldingMinutes int64
}

// Trade is the position-level state machine owned exclusively by the
// Trade Management Service (spec §3, §4.8).
type Trade struct {
	Versioned
	TradeID       string       `db:"trade_id"`
	IntentID      string       `db:"intent_id"`
	PortfolioID   string       `db:"portfolio_id"`
	UserID        string       `db:"user_id"`
	UserBrokerID  string       `db:"user_broker_id"`
	SignalID      string       `db:"signal_id"`
	Symbol        string       `db:"symbol"`
	Direction     Direction    `db:"direction"`
	EntryQty      int64        `db:"entry_qty"`
	EntryPrice    Decimal      `db:"entry_price"`
	EntryValue    Decimal      `db:"entry_value"`
	Status        TradeStatus  `db:"status"`

	// MTF-zone-at-entry, carried forward from the originating Signal so
	// exit target computation doesn't need to re-read it.
	HtfLow, HtfHigh Decimal
	ItfLow, ItfHigh Decimal
	LtfLow, LtfHigh Decimal

	Targets      TradeTargets
	MaxLossAllowed Decimal `db:"max_loss_allowed"`
	Trailing     TradeTrailing
	Exit         *TradeExit

	BrokerOrderID      *string    `db:"broker_order_id"`
	BrokerTradeID      *string    `db:"broker_trade_id"`
	LastBrokerUpdateAt *time.Time `db:"last_broker_update_at"`
}

// RemainingQty is entryQty minus whatever has already been exited.
func (t Trade) RemainingQty() int64 {
	if t.Exit == nil {
		return t.EntryQty
	}
	return t.EntryQty - t.Exit.Qty
}

// tradeTransitions is the explicit edge list of spec §4.8's table. Any
// transition not listed here is illegal.
var tradeTransitions = map[TradeStatus][]TradeStatus{
	TradeCreated:     {TradePending, TradeRejected},
	TradePending:     {TradeOpen, TradeCancelled},
	TradeOpen:        {TradePartialExit, TradeClosed},
	TradePartialExit: {TradeClosed},
}

// CanTransition reports whether from->to is a valid edge in the Trade
// state machine. TMS is the only caller that should ever act on this;
// everything else reads Trade.Status.
func CanTransition(from, to TradeStatus) bool {
	for _, candidate := range tradeTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}
