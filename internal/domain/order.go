package domain

import "time"

// Order is the unified entry+exit order row (spec §3). An ENTRY order
// carries IntentID; an EXIT order carries ExitIntentID; never both.
type Order struct {
	Versioned
	OrderID       string      `db:"order_id"`
	Kind          OrderKind   `db:"order_kind"`
	TradeID       *string     `db:"trade_id"`
	IntentID      *string     `db:"intent_id"`
	ExitIntentID  *string     `db:"exit_intent_id"`
	UserBrokerID  string      `db:"user_broker_id"`
	Symbol        string      `db:"symbol"`
	Direction     Direction   `db:"direction"`
	ProductType   ProductType `db:"product_type"`
	PriceType     PriceType   `db:"price_type"`
	LimitPrice    *Decimal    `db:"limit_price"`
	TriggerPrice  *Decimal    `db:"trigger_price"`
	OrderedQty    int64       `db:"ordered_qty"`
	FilledQty     int64       `db:"filled_qty"`
	AvgFillPrice  *Decimal    `db:"avg_fill_price"`

	// BrokerOrderID is unique among active, non-null rows (spec §3
	// invariant 5). ClientOrderID equals the originating IntentID or
	// ExitIntentID and is unique among active rows regardless.
	BrokerOrderID  *string `db:"broker_order_id"`
	ClientOrderID  string  `db:"client_order_id"`

	Status             OrderStatus     `db:"status"`
	LastBrokerUpdateAt *time.Time      `db:"last_broker_update_at"`
	ReconcileStatus    ReconcileStatus `db:"reconcile_status"`
}

// PendingQty is orderedQty - filledQty (spec §3).
func (o Order) PendingQty() int64 {
	return o.OrderedQty - o.FilledQty
}

// OrderFill is an append-only execution record against an Order.
type OrderFill struct {
	FillID       string    `db:"fill_id"`
	OrderID      string    `db:"order_id"`
	FillQty      int64     `db:"fill_qty"`
	FillPrice    Decimal   `db:"fill_price"`
	FillTs       time.Time `db:"fill_ts"`
	BrokerFillID string    `db:"broker_fill_id"`
	CreatedAt    time.Time `db:"created_at"`
}
