package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/quantedge/tradepipe/internal/database"
	"github.com/quantedge/tradepipe/internal/domain"
)

var deliveryColumns = []string{
	"delivery_id", "version", "signal_id", "user_broker_id", "user_id",
	"status", "intent_id", "consumed_at", "created_at", "deleted_at",
}

func scanDelivery(row database.Scanner) (domain.SignalDelivery, error) {
	var d domain.SignalDelivery
	var deletedAt, consumedAt sql.NullTime
	var intentID sql.NullString
	err := row.Scan(&d.DeliveryID, &d.Version, &d.SignalID, &d.UserBrokerID, &d.UserID,
		&d.Status, &intentID, &consumedAt, &d.CreatedAt, &deletedAt)
	if err != nil {
		return domain.SignalDelivery{}, err
	}
	if deletedAt.Valid {
		d.DeletedAt = &deletedAt.Time
	}
	if consumedAt.Valid {
		d.ConsumedAt = &consumedAt.Time
	}
	if intentID.Valid {
		d.IntentID = &intentID.String
	}
	return d, nil
}

func bindDelivery(d domain.SignalDelivery, version int64) ([]string, []any) {
	var deletedAt, consumedAt, intentID any
	if d.DeletedAt != nil {
		deletedAt = *d.DeletedAt
	}
	if d.ConsumedAt != nil {
		consumedAt = *d.ConsumedAt
	}
	if d.IntentID != nil {
		intentID = *d.IntentID
	}
	return deliveryColumns, []any{
		d.DeliveryID, version, d.SignalID, d.UserBrokerID, d.UserID,
		d.Status, intentID, consumedAt, d.CreatedAt, deletedAt,
	}
}

// DeliveryRepository is SMS's persistence for signal_deliveries. The
// CAS in consume_delivery is implemented here via Update's optimistic
// version check (spec §4.5).
type DeliveryRepository struct {
	*database.VersionedRepo[domain.SignalDelivery]
	db  *sql.DB
	log zerolog.Logger
}

func NewDeliveryRepository(db *sql.DB, log zerolog.Logger) *DeliveryRepository {
	mapper := database.Mapper[domain.SignalDelivery]{
		Table: "signal_deliveries", IDCol: "delivery_id", Columns: deliveryColumns,
		Scan: scanDelivery, Bind: bindDelivery,
		GetID:      func(d domain.SignalDelivery) string { return d.DeliveryID },
		GetVersion: func(d domain.SignalDelivery) int64 { return d.Version },
		SetVersion: func(d *domain.SignalDelivery, v int64) { d.Version = v },
	}
	return &DeliveryRepository{
		VersionedRepo: database.NewVersionedRepo(db, mapper),
		db:            db,
		log:           log.With().Str("repo", "delivery").Logger(),
	}
}

// FindActiveBySignal returns every active delivery fanned out for a signal.
func (r *DeliveryRepository) FindActiveBySignal(ctx context.Context, signalID string) ([]domain.SignalDelivery, error) {
	q := fmt.Sprintf(`SELECT %s FROM signal_deliveries WHERE signal_id = ? AND deleted_at IS NULL`, joinColumns(deliveryColumns))
	rows, err := r.db.QueryContext(ctx, q, signalID)
	if err != nil {
		return nil, fmt.Errorf("database: find deliveries by signal: %w", err)
	}
	defer rows.Close()
	var out []domain.SignalDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// FindByStatus returns active deliveries in status, oldest first, the
// window a validation sweep processes each cycle (spec §4.6 step 1:
// "for each DELIVERED SignalDelivery not yet consumed").
func (r *DeliveryRepository) FindByStatus(ctx context.Context, status domain.DeliveryStatus, limit int) ([]domain.SignalDelivery, error) {
	q := fmt.Sprintf(`SELECT %s FROM signal_deliveries WHERE status = ? AND deleted_at IS NULL ORDER BY created_at ASC LIMIT ?`, joinColumns(deliveryColumns))
	rows, err := r.db.QueryContext(ctx, q, status, limit)
	if err != nil {
		return nil, fmt.Errorf("database: find deliveries by status: %w", err)
	}
	defer rows.Close()
	var out []domain.SignalDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// FindActiveByKey supports the (signalId, userBrokerId) partial unique
// index (spec §3 invariant 4).
func (r *DeliveryRepository) FindActiveByKey(ctx context.Context, signalID, userBrokerID string) (domain.SignalDelivery, error) {
	q := fmt.Sprintf(`SELECT %s FROM signal_deliveries WHERE signal_id = ? AND user_broker_id = ? AND deleted_at IS NULL`, joinColumns(deliveryColumns))
	d, err := scanDelivery(r.db.QueryRowContext(ctx, q, signalID, userBrokerID))
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.SignalDelivery{}, domain.ErrNotFound
		}
		return domain.SignalDelivery{}, err
	}
	return d, nil
}
