// Package risk implements the Validation & Risk layer (spec §4.6): an
// ordered gate pipeline that turns a consumed SignalDelivery into a
// sized, approved TradeIntent or a rejection carrying an enumerated
// ValidationErrorCode.
package risk

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/quantedge/tradepipe/internal/domain"
)

// PortfolioContext is the user-state snapshot a gate pipeline run needs
// (spec §4.6 step 1: "portfolio equity, open positions, deployed
// capital, today's realized losses").
type PortfolioContext struct {
	UserBroker      domain.UserBroker
	OpenTrades      []domain.Trade
	DeployedCapital domain.Decimal
	RealizedPnLToday domain.Decimal
	LastEntry       *domain.Trade
}

// Gate evaluates one risk rule against a candidate signal/delivery and
// the loaded portfolio context. A non-nil return aborts the pipeline.
type Gate func(ctx context.Context, ctxt PortfolioContext, signal domain.Signal, sizing Sizing) *domain.ValidationErrorCode

func code(c domain.ValidationErrorCode) *domain.ValidationErrorCode { return &c }

// CapitalGate rejects when the computed order value exceeds the
// UserBroker's remaining allocated capital.
func CapitalGate(ctx context.Context, p PortfolioContext, signal domain.Signal, sizing Sizing) *domain.ValidationErrorCode {
	available := p.UserBroker.CapitalAllocated.Sub(p.DeployedCapital)
	if sizing.OrderValue.GreaterThan(available) {
		return code(domain.ErrInsufficientCapital)
	}
	return nil
}

// ExposureGate rejects when total deployed capital plus this order
// would exceed the UserBroker's max exposure.
func ExposureGate(ctx context.Context, p PortfolioContext, signal domain.Signal, sizing Sizing) *domain.ValidationErrorCode {
	projected := p.DeployedCapital.Add(sizing.OrderValue)
	if projected.GreaterThan(p.UserBroker.MaxExposure) {
		return code(domain.ErrExceedsMaxExposure)
	}
	return nil
}

// PerTradeCapGate rejects when this order's value alone exceeds the
// configured per-trade cap.
func PerTradeCapGate(ctx context.Context, p PortfolioContext, signal domain.Signal, sizing Sizing) *domain.ValidationErrorCode {
	if sizing.OrderValue.GreaterThan(p.UserBroker.MaxPerTrade) {
		return code(domain.ErrExceedsPerTradeCap)
	}
	return nil
}

// DailyLossCapGate rejects new entries once today's realized losses
// have reached the configured cap.
func DailyLossCapGate(ctx context.Context, p PortfolioContext, signal domain.Signal, sizing Sizing) *domain.ValidationErrorCode {
	if p.RealizedPnLToday.IsNegative() && p.RealizedPnLToday.Abs().GreaterThanOrEqual(p.UserBroker.MaxDailyLoss) {
		return code(domain.ErrDailyLossCapHit)
	}
	return nil
}

// ExistingPositionGate rejects a duplicate entry into a symbol this
// UserBroker already holds (the pipeline has no pyramiding feature).
func ExistingPositionGate(ctx context.Context, p PortfolioContext, signal domain.Signal, sizing Sizing) *domain.ValidationErrorCode {
	for _, t := range p.OpenTrades {
		if t.Symbol == signal.Symbol {
			return code(domain.ErrExistingPosition)
		}
	}
	return nil
}

// BrokerDisabledGate rejects when the EXEC UserBroker has been
// disabled (e.g. by an operator after a reconciliation incident).
func BrokerDisabledGate(ctx context.Context, p PortfolioContext, signal domain.Signal, sizing Sizing) *domain.ValidationErrorCode {
	if !p.UserBroker.Enabled {
		return code(domain.ErrBrokerDisabled)
	}
	return nil
}

// SymbolBlocklist supplies a per-user blocked-symbol set, e.g. for
// corporate-action windows or compliance restrictions.
type SymbolBlocklist interface {
	IsBlocked(userID, symbol string) bool
}

// SymbolBlockedGate rejects entries into a blocked symbol. Accepts a
// SymbolBlocklist so the gate itself stays pure and testable.
func SymbolBlockedGate(blocklist SymbolBlocklist) Gate {
	return func(ctx context.Context, p PortfolioContext, signal domain.Signal, sizing Sizing) *domain.ValidationErrorCode {
		if blocklist.IsBlocked(p.UserBroker.UserID, signal.Symbol) {
			return code(domain.ErrSymbolBlocked)
		}
		return nil
	}
}

// StaleFeedGate rejects entries whose symbol the supplied check reports
// as stale; the check alone decides what counts as stale.
type StaleFeedCheck func(symbol string) (stale bool)

func StaleFeedGate(check StaleFeedCheck) Gate {
	return func(ctx context.Context, p PortfolioContext, signal domain.Signal, sizing Sizing) *domain.ValidationErrorCode {
		if check(signal.Symbol) {
			return code(domain.ErrStaleDataFeed)
		}
		return nil
	}
}

// KellyNegativeGate rejects when the signal's calibrated Kelly
// fraction is non-positive, since sizing has nothing to allocate.
func KellyNegativeGate(ctx context.Context, p PortfolioContext, signal domain.Signal, sizing Sizing) *domain.ValidationErrorCode {
	if !signal.Kelly.IsPositive() {
		return code(domain.ErrKellyNegative)
	}
	return nil
}

// Pipeline is the ordered gate sequence a ValidationService runs (spec
// §4.6 step 2). Order matters: cheaper, coarser checks run first so an
// obviously-doomed intent never reaches the costlier utility/averaging
// gates.
type Pipeline struct {
	gates []Gate
	log   zerolog.Logger
}

func NewPipeline(log zerolog.Logger, gates ...Gate) *Pipeline {
	return &Pipeline{gates: gates, log: log.With().Str("component", "risk_pipeline").Logger()}
}

// Run executes every gate in order, stopping at the first rejection.
// It returns every accumulated error code in ValidationErrors (the
// pipeline only ever accumulates one, per spec's short-circuit
// evaluation, but the field is a slice to match the persisted schema).
func (p *Pipeline) Run(ctx context.Context, portfolio PortfolioContext, signal domain.Signal, sizing Sizing) []domain.ValidationErrorCode {
	for _, gate := range p.gates {
		if failure := gate(ctx, portfolio, signal, sizing); failure != nil {
			p.log.Debug().Str("symbol", signal.Symbol).Str("code", string(*failure)).Msg("gate rejected intent")
			return []domain.ValidationErrorCode{*failure}
		}
	}
	return nil
}
