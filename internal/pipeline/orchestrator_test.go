package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/quantedge/tradepipe/internal/database"
	"github.com/quantedge/tradepipe/internal/database/repositories"
	"github.com/quantedge/tradepipe/internal/domain"
)

func newTestDeliveryRepo(t *testing.T) *repositories.DeliveryRepository {
	t.Helper()
	db, err := database.New(":memory:", 1)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	return repositories.NewDeliveryRepository(db.Conn(), zerolog.Nop())
}

func newTestDelivery(deliveryID string) domain.SignalDelivery {
	return domain.SignalDelivery{
		Versioned:    domain.Versioned{CreatedAt: time.Now()},
		DeliveryID:   deliveryID,
		SignalID:     "signal-1",
		UserBrokerID: "ub-1",
		UserID:       "user-1",
		Status:       domain.DeliveryDelivered,
	}
}

type fakeValidator struct {
	intent domain.TradeIntent
	ok     bool
	err    error
	calls  int
}

func (f *fakeValidator) Validate(ctx context.Context, deliveryID, signalID, userBrokerID string) (domain.TradeIntent, bool, error) {
	f.calls++
	return f.intent, f.ok, f.err
}

type fakeSubmitter struct {
	submitted []string
	err       error
}

func (f *fakeSubmitter) SubmitIntent(ctx context.Context, intentID string) (domain.Trade, error) {
	f.submitted = append(f.submitted, intentID)
	return domain.Trade{IntentID: intentID}, f.err
}

func TestOrchestrator_SubmitsApprovedIntent(t *testing.T) {
	deliveries := newTestDeliveryRepo(t)
	require.NoError(t, deliveries.InsertV1(context.Background(), newTestDelivery("delivery-1")))

	validator := &fakeValidator{ok: true, intent: domain.TradeIntent{IntentID: "intent-1", Status: domain.IntentApproved}}
	submitter := &fakeSubmitter{}
	orch := NewOrchestrator(deliveries, validator, submitter, zerolog.Nop())

	require.NoError(t, orch.Run())

	require.Equal(t, 1, validator.calls)
	require.Equal(t, []string{"intent-1"}, submitter.submitted)
}

func TestOrchestrator_SkipsAlreadyConsumedDelivery(t *testing.T) {
	deliveries := newTestDeliveryRepo(t)
	require.NoError(t, deliveries.InsertV1(context.Background(), newTestDelivery("delivery-2")))

	validator := &fakeValidator{ok: false}
	submitter := &fakeSubmitter{}
	orch := NewOrchestrator(deliveries, validator, submitter, zerolog.Nop())

	require.NoError(t, orch.Run())
	require.Empty(t, submitter.submitted)
}

func TestOrchestrator_SkipsRejectedIntent(t *testing.T) {
	deliveries := newTestDeliveryRepo(t)
	require.NoError(t, deliveries.InsertV1(context.Background(), newTestDelivery("delivery-3")))

	validator := &fakeValidator{ok: true, intent: domain.TradeIntent{IntentID: "intent-3", Status: domain.IntentRejected}}
	submitter := &fakeSubmitter{}
	orch := NewOrchestrator(deliveries, validator, submitter, zerolog.Nop())

	require.NoError(t, orch.Run())
	require.Empty(t, submitter.submitted)
}

func TestOrchestrator_NoPendingDeliveriesIsNoop(t *testing.T) {
	deliveries := newTestDeliveryRepo(t)
	validator := &fakeValidator{}
	submitter := &fakeSubmitter{}
	orch := NewOrchestrator(deliveries, validator, submitter, zerolog.Nop())

	require.NoError(t, orch.Run())
	require.Equal(t, 0, validator.calls)
}
