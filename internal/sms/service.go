// Package sms implements the Signal Management Service, the sole
// writer of signals, signal_deliveries, and exit_signals (spec §4.5).
package sms

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantedge/tradepipe/internal/database"
	"github.com/quantedge/tradepipe/internal/database/repositories"
	"github.com/quantedge/tradepipe/internal/domain"
	"github.com/quantedge/tradepipe/internal/events"
)

// UserBrokerLookup resolves the EXEC UserBrokers a published signal
// should fan out deliveries to.
type UserBrokerLookup interface {
	FindActiveByRole(ctx context.Context, role domain.BrokerRole) ([]domain.UserBroker, error)
}

// Service is the single writer of signals/deliveries/exit_signals.
// Validation and execution only ever read these tables or call
// through this API (spec §4.5 "Ownership").
type Service struct {
	db          *sql.DB
	signals     *repositories.SignalRepository
	deliveries  *repositories.DeliveryRepository
	exitSignals *repositories.ExitSignalRepository
	userBrokers UserBrokerLookup
	bus         *events.Manager
	log         zerolog.Logger
}

func NewService(
	db *sql.DB,
	signals *repositories.SignalRepository,
	deliveries *repositories.DeliveryRepository,
	exitSignals *repositories.ExitSignalRepository,
	userBrokers UserBrokerLookup,
	bus *events.Manager,
	log zerolog.Logger,
) *Service {
	return &Service{
		db:          db,
		signals:     signals,
		deliveries:  deliveries,
		exitSignals: exitSignals,
		userBrokers: userBrokers,
		bus:         bus,
		log:         log.With().Str("service", "sms").Logger(),
	}
}

// PersistAndPublish inserts signal, treating a dedupe-index collision
// as success per spec §4.4's idempotence contract, then fans out a
// SignalDelivery to every enabled EXEC UserBroker (spec §4.5).
func (s *Service) PersistAndPublish(ctx context.Context, signal domain.Signal) (domain.Signal, error) {
	if signal.SignalID == "" {
		signal.SignalID = uuid.NewString()
	}
	signal.Status = domain.SignalPublished

	err := s.signals.InsertV1(ctx, signal)
	switch {
	case err == nil:
		s.bus.Emit(events.SignalPublished, "sms", map[string]any{
			"signal_id": signal.SignalID,
			"symbol":    signal.Symbol,
			"direction": string(signal.Direction),
		})
	case domain.IsBenignDuplicate(err):
		existing, findErr := s.signals.FindActiveByDedupeKey(ctx, signal.DedupeKey())
		if findErr != nil {
			return domain.Signal{}, fmt.Errorf("sms: load existing signal after duplicate: %w", findErr)
		}
		s.log.Debug().Str("signal_id", existing.SignalID).Msg("duplicate signal detected, reusing existing active row")
		signal = existing
	default:
		return domain.Signal{}, fmt.Errorf("sms: persist signal: %w", err)
	}

	execBrokers, err := s.userBrokers.FindActiveByRole(ctx, domain.BrokerRoleExec)
	if err != nil {
		return domain.Signal{}, fmt.Errorf("sms: load exec brokers: %w", err)
	}

	for _, ub := range execBrokers {
		delivery := domain.SignalDelivery{
			DeliveryID:   uuid.NewString(),
			SignalID:     signal.SignalID,
			UserBrokerID: ub.UserBrokerID,
			UserID:       ub.UserID,
			Status:       domain.DeliveryCreated,
			Versioned:    domain.Versioned{CreatedAt: time.Now()},
		}
		if err := s.deliveries.InsertV1(ctx, delivery); err != nil {
			if domain.IsBenignDuplicate(err) {
				continue
			}
			s.log.Error().Err(err).Str("signal_id", signal.SignalID).Str("user_broker_id", ub.UserBrokerID).Msg("failed to create signal delivery")
			continue
		}
		s.bus.Emit(events.DeliveryCreated, "sms", map[string]any{
			"delivery_id": delivery.DeliveryID,
			"signal_id":   signal.SignalID,
		})

		if err := s.transitionDeliveryToDelivered(ctx, delivery.DeliveryID); err != nil {
			s.log.Error().Err(err).Str("delivery_id", delivery.DeliveryID).Msg("failed to mark delivery DELIVERED")
		}
	}

	return signal, nil
}

// transitionDeliveryToDelivered moves a freshly created delivery from
// CREATED to DELIVERED, the state consume_delivery's CAS requires.
func (s *Service) transitionDeliveryToDelivered(ctx context.Context, deliveryID string) error {
	_, err := s.deliveries.Update(ctx, deliveryID, 1, func(d domain.SignalDelivery) domain.SignalDelivery {
		d.Status = domain.DeliveryDelivered
		return d
	})
	return err
}

// ExpireSignal transitions signal and its outstanding deliveries to
// terminal EXPIRED state (spec §4.5).
func (s *Service) ExpireSignal(ctx context.Context, signalID string) error {
	return s.terminateSignal(ctx, signalID, domain.SignalExpired, domain.DeliveryExpired)
}

// CancelSignal transitions signal to terminal CANCELLED state and its
// outstanding deliveries to terminal EXPIRED state.
func (s *Service) CancelSignal(ctx context.Context, signalID string, reason string) error {
	s.log.Info().Str("signal_id", signalID).Str("reason", reason).Msg("cancelling signal")
	return s.terminateSignal(ctx, signalID, domain.SignalCancelled, domain.DeliveryExpired)
}

func (s *Service) terminateSignal(ctx context.Context, signalID string, signalStatus domain.SignalStatus, deliveryStatus domain.DeliveryStatus) error {
	signal, err := s.signals.FindActiveByID(ctx, signalID)
	if err != nil {
		return fmt.Errorf("sms: load signal: %w", err)
	}
	if _, err := s.signals.Update(ctx, signalID, signal.Version, func(sig domain.Signal) domain.Signal {
		sig.Status = signalStatus
		return sig
	}); err != nil {
		return fmt.Errorf("sms: terminate signal: %w", err)
	}

	deliveries, err := s.deliveries.FindActiveBySignal(ctx, signalID)
	if err != nil {
		return fmt.Errorf("sms: load deliveries: %w", err)
	}
	for _, d := range deliveries {
		if d.Status == domain.DeliveryConsumed {
			continue
		}
		if _, err := s.deliveries.Update(ctx, d.DeliveryID, d.Version, func(del domain.SignalDelivery) domain.SignalDelivery {
			del.Status = deliveryStatus
			return del
		}); err != nil {
			s.log.Error().Err(err).Str("delivery_id", d.DeliveryID).Msg("failed to terminate delivery")
		}
	}

	eventType := events.SignalExpired
	if signalStatus == domain.SignalCancelled {
		eventType = events.SignalCancelled
	}
	s.bus.Emit(eventType, "sms", map[string]any{"signal_id": signalID})
	return nil
}

// ConsumeDelivery is the sole admissible bridge from signals to
// intents: an atomic CAS that succeeds only if the delivery is
// currently DELIVERED (spec §4.5).
func (s *Service) ConsumeDelivery(ctx context.Context, deliveryID, intentID string) (bool, error) {
	delivery, err := s.deliveries.FindActiveByID(ctx, deliveryID)
	if err != nil {
		if err == domain.ErrNotFound {
			return false, nil
		}
		return false, fmt.Errorf("sms: load delivery: %w", err)
	}
	if delivery.Status != domain.DeliveryDelivered {
		return false, nil
	}

	now := time.Now()
	_, err = s.deliveries.Update(ctx, deliveryID, delivery.Version, func(d domain.SignalDelivery) domain.SignalDelivery {
		d.Status = domain.DeliveryConsumed
		d.IntentID = &intentID
		d.ConsumedAt = &now
		return d
	})
	if err != nil {
		if err == domain.ErrStaleVersion {
			// another validator already consumed this delivery
			return false, nil
		}
		return false, fmt.Errorf("sms: consume delivery: %w", err)
	}
	s.bus.Emit(events.DeliveryConsumed, "sms", map[string]any{"delivery_id": deliveryID, "intent_id": intentID})
	return true, nil
}

// RecordExitSignal persists a newly detected exit episode. SMS remains
// the sole writer of exit_signals (spec §4.5 "Ownership"); the Exit
// Signal Service computes the episode id via GenerateExitEpisode and
// hands the row back here rather than writing exit_signals directly. A
// duplicate (tradeId, exitReason, episodeId) — e.g. a re-detected
// condition within the same evaluation tick — is swallowed and the
// existing row returned.
func (s *Service) RecordExitSignal(ctx context.Context, sig domain.ExitSignal) (domain.ExitSignal, error) {
	if sig.ExitSignalID == "" {
		sig.ExitSignalID = uuid.NewString()
	}
	err := s.exitSignals.InsertV1(ctx, sig)
	switch {
	case err == nil:
		s.bus.Emit(events.ExitSignalGenerated, "sms", map[string]any{
			"exit_signal_id": sig.ExitSignalID, "trade_id": sig.TradeID,
			"reason": string(sig.ExitReason), "episode_id": sig.EpisodeID,
		})
		return sig, nil
	case domain.IsBenignDuplicate(err):
		existing, findErr := s.exitSignals.FindByEpisode(ctx, sig.TradeID, sig.ExitReason, sig.EpisodeID)
		if findErr != nil {
			return domain.ExitSignal{}, fmt.Errorf("sms: load existing exit signal after duplicate: %w", findErr)
		}
		return existing, nil
	default:
		return domain.ExitSignal{}, fmt.Errorf("sms: persist exit signal: %w", err)
	}
}

// TransitionExitSignal advances an exit signal's status. The ExitSignal
// machine (DETECTED -> CONFIRMED -> PUBLISHED -> {EXECUTED, CANCELLED,
// SUPERSEDED}) has no averaging/gate logic of its own, so unlike Trade
// this is a plain field update rather than a domain.CanTransition-checked
// edge table.
func (s *Service) TransitionExitSignal(ctx context.Context, exitSignalID string, to domain.ExitSignalStatus) (domain.ExitSignal, error) {
	current, err := s.exitSignals.FindActiveByID(ctx, exitSignalID)
	if err != nil {
		return domain.ExitSignal{}, fmt.Errorf("sms: load exit signal: %w", err)
	}
	updated, err := s.exitSignals.Update(ctx, exitSignalID, current.Version, func(e domain.ExitSignal) domain.ExitSignal {
		e.Status = to
		return e
	})
	if err != nil {
		return domain.ExitSignal{}, fmt.Errorf("sms: transition exit signal to %s: %w", to, err)
	}
	return updated, nil
}

// GenerateExitEpisode returns the next episode number for
// (tradeId, exitReason), computed under a row lock in its own
// transaction (spec §4.5's "MAX(version)+1 ... FOR UPDATE" pattern,
// adapted to SQLite's BEGIN IMMEDIATE row-lock equivalent).
func (s *Service) GenerateExitEpisode(ctx context.Context, tradeID string, reason domain.ExitReason) (int64, error) {
	tx, err := database.BeginImmediate(ctx, s.db)
	if err != nil {
		return 0, fmt.Errorf("sms: begin episode tx: %w", err)
	}
	defer tx.Rollback()

	max, err := s.exitSignals.MaxEpisode(ctx, tx, tradeID, reason)
	if err != nil {
		return 0, err
	}
	episodeID := max + 1

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sms: commit episode tx: %w", err)
	}
	return episodeID, nil
}
