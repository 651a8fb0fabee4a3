package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantedge/tradepipe/internal/domain"
)

// PaperOrderBroker is the trivial degenerate OrderBroker spec.md's
// Non-goals call out explicitly: it fills every order immediately at
// the requested limit price (market orders fill at the last quoted
// price supplied by the caller), with no slippage or partial fills
// model. Used when EXECUTION_BROKER=PAPER (the default) per §6.
type PaperOrderBroker struct {
	mu     sync.Mutex
	log    zerolog.Logger
	orders map[string]*paperOrder
}

type paperOrder struct {
	req       OrderRequest
	status    domain.OrderStatus
	filledQty int64
	avgPrice  domain.Decimal
	placedAt  time.Time
}

func NewPaperOrderBroker(log zerolog.Logger) *PaperOrderBroker {
	return &PaperOrderBroker{
		log:    log.With().Str("component", "paper_order_broker").Logger(),
		orders: make(map[string]*paperOrder),
	}
}

func (p *PaperOrderBroker) Connect(ctx context.Context, ub domain.UserBroker, session domain.UserBrokerSession) error {
	p.log.Info().Str("user_broker_id", ub.UserBrokerID).Msg("paper order broker connected")
	return nil
}

func (p *PaperOrderBroker) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	if req.LimitPrice == nil && req.TriggerPrice == nil {
		return "", fmt.Errorf("%w: paper broker requires a reference price to fill against", ErrInvalidSymbol)
	}
	fillPrice := domain.Decimal{}
	if req.LimitPrice != nil {
		fillPrice = *req.LimitPrice
	} else {
		fillPrice = *req.TriggerPrice
	}

	brokerOrderID := uuid.NewString()
	p.mu.Lock()
	p.orders[brokerOrderID] = &paperOrder{
		req:       req,
		status:    domain.OrderComplete,
		filledQty: req.Qty,
		avgPrice:  fillPrice,
		placedAt:  time.Now(),
	}
	p.mu.Unlock()

	p.log.Debug().
		Str("broker_order_id", brokerOrderID).
		Str("symbol", req.Symbol).
		Int64("qty", req.Qty).
		Msg("paper order filled immediately")
	return brokerOrderID, nil
}

func (p *PaperOrderBroker) ModifyOrder(ctx context.Context, brokerOrderID string, req OrderRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[brokerOrderID]
	if !ok {
		return ErrOrderNotFound
	}
	if o.status.IsTerminal() {
		return ErrAlreadyFilled
	}
	o.req = req
	return nil
}

func (p *PaperOrderBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[brokerOrderID]
	if !ok {
		// idempotent: unknown order treated as already cancelled.
		return nil
	}
	if o.status == domain.OrderComplete {
		return ErrAlreadyFilled
	}
	o.status = domain.OrderCancelled
	return nil
}

func (p *PaperOrderBroker) GetOrderStatus(ctx context.Context, brokerOrderID string) (BrokerOrderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[brokerOrderID]
	if !ok {
		return BrokerOrderStatus{}, ErrOrderNotFound
	}
	return BrokerOrderStatus{
		Status:     o.status,
		FilledQty:  o.filledQty,
		AvgPrice:   o.avgPrice,
		ExchangeTs: o.placedAt,
	}, nil
}

func (p *PaperOrderBroker) GetPositions(ctx context.Context) ([]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Position
	for _, o := range p.orders {
		if o.status != domain.OrderComplete {
			continue
		}
		out = append(out, Position{
			Symbol:    o.req.Symbol,
			Direction: o.req.Direction,
			Qty:       o.filledQty,
			AvgPrice:  o.avgPrice,
		})
	}
	return out, nil
}

func (p *PaperOrderBroker) GetOrderHistory(ctx context.Context, day time.Time) ([]BrokerOrderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []BrokerOrderStatus
	for _, o := range p.orders {
		if !sameDay(o.placedAt, day) {
			continue
		}
		out = append(out, BrokerOrderStatus{
			Status:     o.status,
			FilledQty:  o.filledQty,
			AvgPrice:   o.avgPrice,
			ExchangeTs: o.placedAt,
		})
	}
	return out, nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
