// Package reconcile implements the broker reconciliation sweep (spec
// §4.10): periodically cross-checks local Order rows against
// broker-reported status and folds any drift back through
// execution.Service; the only order write made here directly is
// markFailed's ReconcileStatus FAILED flag. One Reconciler
// instance is scheduled per OrderKind so entry and exit reconciliation
// run on independent cadences rather than one monolithic sweep.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantedge/tradepipe/internal/broker"
	"github.com/quantedge/tradepipe/internal/database/repositories"
	"github.com/quantedge/tradepipe/internal/domain"
)

// Reconciler is the convergence sweep for one OrderKind (spec §4.10).
type Reconciler struct {
	kind        domain.OrderKind
	orders      *repositories.OrderRepository
	userBrokers *repositories.UserBrokerRepository
	brokers     *repositories.BrokerRepository
	sessions    *repositories.SessionRepository
	registry    *broker.Registry
	exec        executionReconciler
	staleAfter  time.Duration
	log         zerolog.Logger
}

// executionReconciler is execution.Service's surface this package
// drives; a narrow interface keeps reconcile from importing execution
// wholesale.
type executionReconciler interface {
	Reconcile(ctx context.Context, order domain.Order, brokerStatus broker.BrokerOrderStatus) error
	RetryPlacement(ctx context.Context, orderID string) error
}

// NewReconciler builds a sweep for kind, retrying/reconciling any order
// whose lastBrokerUpdateAt is older than staleAfter (or never set).
func NewReconciler(
	kind domain.OrderKind,
	orders *repositories.OrderRepository,
	userBrokers *repositories.UserBrokerRepository,
	brokers *repositories.BrokerRepository,
	sessions *repositories.SessionRepository,
	registry *broker.Registry,
	exec executionReconciler,
	staleAfter time.Duration,
	log zerolog.Logger,
) *Reconciler {
	return &Reconciler{
		kind: kind, orders: orders, userBrokers: userBrokers, brokers: brokers,
		sessions: sessions, registry: registry, exec: exec, staleAfter: staleAfter,
		log: log.With().Str("service", "reconcile").Str("kind", string(kind)).Logger(),
	}
}

// Name implements scheduler.Job.
func (r *Reconciler) Name() string { return fmt.Sprintf("reconcile-%s", strings.ToLower(string(r.kind))) }

var nonTerminalStatuses = []domain.OrderStatus{
	domain.OrderPending, domain.OrderPlaced, domain.OrderOpen,
}

// Run implements scheduler.Job: sweeps every non-terminal order of this
// Reconciler's kind whose broker status hasn't been refreshed within
// staleAfter, and converges each one.
func (r *Reconciler) Run() error {
	ctx := context.Background()
	cutoff := time.Now().Add(-r.staleAfter)

	stale, err := r.orders.FindStale(ctx, nonTerminalStatuses, cutoff)
	if err != nil {
		return fmt.Errorf("reconcile: find stale orders: %w", err)
	}

	var firstErr error
	for _, order := range stale {
		if order.Kind != r.kind {
			continue
		}
		if err := r.reconcileOne(ctx, order); err != nil {
			r.log.Error().Err(err).Str("order_id", order.OrderID).Msg("reconcile failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *Reconciler) reconcileOne(ctx context.Context, order domain.Order) error {
	if order.BrokerOrderID == nil {
		// Placement never confirmed with the broker; retry rather than
		// poll a status endpoint with nothing to ask about.
		return r.exec.RetryPlacement(ctx, order.OrderID)
	}

	ub, err := r.userBrokers.FindActiveByID(ctx, order.UserBrokerID)
	if err != nil {
		return r.markFailed(ctx, order, fmt.Errorf("load user broker: %w", err))
	}
	brokerRec, err := r.brokers.FindActiveByID(ctx, ub.BrokerID)
	if err != nil {
		return r.markFailed(ctx, order, fmt.Errorf("load broker: %w", err))
	}
	session, err := r.sessions.FindActiveByUserBroker(ctx, ub.UserBrokerID)
	if err != nil {
		return r.markFailed(ctx, order, fmt.Errorf("load session: %w", err))
	}
	ob, err := r.registry.OrderBrokerFor(ctx, brokerRec.BrokerCode, ub, session)
	if err != nil {
		return r.markFailed(ctx, order, fmt.Errorf("resolve order broker: %w", err))
	}

	release, ok := r.registry.TryAcquireOrderSlot(ub.UserBrokerID)
	if !ok {
		// every slot for this broker is busy placing or polling orders on
		// the hot path; defer this row to the next sweep rather than
		// queuing behind it (spec §4.10, §5(c)).
		r.log.Debug().Str("order_id", order.OrderID).Msg("broker order slot busy, deferring to next sweep")
		return nil
	}
	status, err := ob.GetOrderStatus(ctx, *order.BrokerOrderID)
	release()
	if err != nil {
		if errors.Is(err, broker.ErrOrderNotFound) {
			return r.markFailed(ctx, order, fmt.Errorf("broker order not found: %w", err))
		}
		// transient broker/connection error: leave lastBrokerUpdateAt
		// alone so the next sweep retries this order again.
		return fmt.Errorf("get order status: %w", err)
	}

	return r.exec.Reconcile(ctx, order, status)
}

// markFailed flags an order the sweep could not reconcile (deleted
// tenant config, broker lookup failure, broker no longer recognizes
// the order) so it stops being retried silently forever and shows up
// for operator attention (spec §3: ReconcileStatus "FAILED").
func (r *Reconciler) markFailed(ctx context.Context, order domain.Order, cause error) error {
	now := time.Now()
	if _, err := r.orders.Update(ctx, order.OrderID, order.Version, func(o domain.Order) domain.Order {
		o.ReconcileStatus = domain.ReconcileFailed
		o.LastBrokerUpdateAt = &now
		return o
	}); err != nil {
		return fmt.Errorf("reconcile: mark failed: %w", err)
	}
	return cause
}
