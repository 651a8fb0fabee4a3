package domain

import "time"

// TradeIntent is the output of the validation pass on a SignalDelivery
// (spec §3, §4.6): either an approved, sized order proposal or a
// rejection carrying enumerated error codes.
type TradeIntent struct {
	Versioned
	IntentID         string                `db:"intent_id"`
	SignalID         string                `db:"signal_id"`
	SignalDeliveryID string                `db:"signal_delivery_id"`
	UserID           string                `db:"user_id"`
	UserBrokerID     string                `db:"user_broker_id"`
	ValidationPassed bool                  `db:"validation_passed"`
	ValidationErrors []ValidationErrorCode `db:"validation_errors"`
	CalculatedQty    int64                 `db:"calculated_qty"`
	LimitPrice       Decimal               `db:"limit_price"`
	OrderType        PriceType             `db:"order_type"`
	ProductType      ProductType           `db:"product_type"`
	Status           IntentStatus          `db:"status"`
	OrderID          *string               `db:"order_id"`
	TradeID          *string               `db:"trade_id"`
	ExecutedAt       *time.Time            `db:"executed_at"`
}
