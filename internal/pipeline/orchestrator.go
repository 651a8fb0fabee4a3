// Package pipeline wires the synchronous handoff spec §4.6-§4.7 leave
// between services that never call one another directly: SMS fans out
// SignalDeliveries but does not validate them, risk.Service validates
// one delivery at a time but does not place orders. Orchestrator is
// the scheduled sweep that drives a DELIVERED delivery through
// risk.Validate and, on approval, execution.SubmitIntent — the same
// "poll and converge" shape internal/reconcile uses for broker drift.
package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/quantedge/tradepipe/internal/database/repositories"
	"github.com/quantedge/tradepipe/internal/domain"
)

const deliveryBatchSize = 200

// Validator is risk.Service's surface this package drives.
type Validator interface {
	Validate(ctx context.Context, deliveryID, signalID, userBrokerID string) (domain.TradeIntent, bool, error)
}

// IntentSubmitter is execution.Service's surface this package drives.
type IntentSubmitter interface {
	SubmitIntent(ctx context.Context, intentID string) (domain.Trade, error)
}

// Orchestrator sweeps DELIVERED signal_deliveries into validated,
// executed trades on a scheduler cadence.
type Orchestrator struct {
	deliveries *repositories.DeliveryRepository
	risk       Validator
	exec       IntentSubmitter
	log        zerolog.Logger
}

func NewOrchestrator(deliveries *repositories.DeliveryRepository, risk Validator, exec IntentSubmitter, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		deliveries: deliveries, risk: risk, exec: exec,
		log: log.With().Str("service", "pipeline").Logger(),
	}
}

// Name implements scheduler.Job.
func (o *Orchestrator) Name() string { return "delivery-orchestrator" }

// Run implements scheduler.Job: validates every outstanding DELIVERED
// delivery and submits any resulting APPROVED intent.
func (o *Orchestrator) Run() error {
	ctx := context.Background()
	pending, err := o.deliveries.FindByStatus(ctx, domain.DeliveryDelivered, deliveryBatchSize)
	if err != nil {
		return fmt.Errorf("pipeline: find pending deliveries: %w", err)
	}

	var firstErr error
	for _, d := range pending {
		if err := o.processOne(ctx, d); err != nil {
			o.log.Error().Err(err).Str("delivery_id", d.DeliveryID).Msg("delivery processing failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (o *Orchestrator) processOne(ctx context.Context, d domain.SignalDelivery) error {
	intent, ok, err := o.risk.Validate(ctx, d.DeliveryID, d.SignalID, d.UserBrokerID)
	if err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	if !ok {
		// already consumed by a concurrent sweep or retry; nothing to do.
		return nil
	}
	if intent.Status != domain.IntentApproved {
		return nil
	}
	if _, err := o.exec.SubmitIntent(ctx, intent.IntentID); err != nil {
		return fmt.Errorf("submit intent %s: %w", intent.IntentID, err)
	}
	return nil
}
