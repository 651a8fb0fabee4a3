package broker

import (
	"context"
	"time"

	"github.com/quantedge/tradepipe/internal/domain"
)

// OrderRequest is what OrderBroker.PlaceOrder/ModifyOrder consume. The
// caller-supplied ClientOrderID is the idempotency key (spec §4.2).
type OrderRequest struct {
	Symbol        string
	Direction     domain.Direction
	Qty           int64
	OrderType     domain.PriceType
	ProductType   domain.ProductType
	LimitPrice    *domain.Decimal
	TriggerPrice  *domain.Decimal
	ClientOrderID string
}

// BrokerOrderStatus is the broker-side order snapshot returned by
// GetOrderStatus.
type BrokerOrderStatus struct {
	Status     domain.OrderStatus
	FilledQty  int64
	AvgPrice   domain.Decimal
	ExchangeTs time.Time
}

// Position is a single open broker-side position, as returned by
// GetPositions — used by the reconciler to cross-check local Trade
// state against the broker's ground truth.
type Position struct {
	Symbol    string
	Direction domain.Direction
	Qty       int64
	AvgPrice  domain.Decimal
}

// OrderBroker is the order-execution capability (spec §4.2). Distinct
// from DataBroker — an adapter implements either, both, or neither;
// there is no shared base type between the two traits.
type OrderBroker interface {
	Connect(ctx context.Context, ub domain.UserBroker, session domain.UserBrokerSession) error
	PlaceOrder(ctx context.Context, req OrderRequest) (brokerOrderID string, err error)
	ModifyOrder(ctx context.Context, brokerOrderID string, req OrderRequest) error
	CancelOrder(ctx context.Context, brokerOrderID string) error
	GetOrderStatus(ctx context.Context, brokerOrderID string) (BrokerOrderStatus, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetOrderHistory(ctx context.Context, day time.Time) ([]BrokerOrderStatus, error)
}
