package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantedge/tradepipe/internal/database"
	"github.com/quantedge/tradepipe/internal/domain"
)

var signalColumns = []string{
	"signal_id", "version", "symbol", "direction", "signal_type",
	"confluence_type", "confluence_score", "p_win", "p_fill", "kelly",
	"ref_price", "entry_low", "entry_high",
	"htf_low", "htf_high", "itf_low", "itf_high", "ltf_low", "ltf_high",
	"effective_floor", "effective_ceiling", "trading_day", "expires_at",
	"status", "created_at", "deleted_at",
}

func scanSignal(row database.Scanner) (domain.Signal, error) {
	var s domain.Signal
	var deletedAt sql.NullTime
	err := row.Scan(
		&s.SignalID, &s.Version, &s.Symbol, &s.Direction, &s.SignalType,
		&s.ConfluenceType, &s.ConfluenceScore, &s.PWin, &s.PFill, &s.Kelly,
		&s.RefPrice, &s.EntryLow, &s.EntryHigh,
		&s.HtfLow, &s.HtfHigh, &s.ItfLow, &s.ItfHigh, &s.LtfLow, &s.LtfHigh,
		&s.EffectiveFloor, &s.EffectiveCeiling, &s.TradingDay, &s.ExpiresAt,
		&s.Status, &s.CreatedAt, &deletedAt,
	)
	if err != nil {
		return domain.Signal{}, err
	}
	if deletedAt.Valid {
		s.DeletedAt = &deletedAt.Time
	}
	return s, nil
}

func bindSignal(s domain.Signal, version int64) ([]string, []any) {
	var deletedAt any
	if s.DeletedAt != nil {
		deletedAt = *s.DeletedAt
	}
	return signalColumns, []any{
		s.SignalID, version, s.Symbol, s.Direction, s.SignalType,
		s.ConfluenceType, s.ConfluenceScore, s.PWin, s.PFill, s.Kelly,
		s.RefPrice, s.EntryLow, s.EntryHigh,
		s.HtfLow, s.HtfHigh, s.ItfLow, s.ItfHigh, s.LtfLow, s.LtfHigh,
		s.EffectiveFloor, s.EffectiveCeiling, s.TradingDay, s.ExpiresAt,
		s.Status, s.CreatedAt, deletedAt,
	}
}

// SignalRepository is SMS's persistence for the signals table — the
// only writer is the Signal Management Service (spec §4.5); everything
// else reads through FindActiveByID / FindActiveByDedupeKey.
type SignalRepository struct {
	*database.VersionedRepo[domain.Signal]
	db  *sql.DB
	log zerolog.Logger
}

func NewSignalRepository(db *sql.DB, log zerolog.Logger) *SignalRepository {
	mapper := database.Mapper[domain.Signal]{
		Table:      "signals",
		IDCol:      "signal_id",
		Columns:    signalColumns,
		Scan:       scanSignal,
		Bind:       bindSignal,
		GetID:      func(s domain.Signal) string { return s.SignalID },
		GetVersion: func(s domain.Signal) int64 { return s.Version },
		SetVersion: func(s *domain.Signal, v int64) { s.Version = v },
	}
	return &SignalRepository{
		VersionedRepo: database.NewVersionedRepo(db, mapper),
		db:            db,
		log:           log.With().Str("repo", "signal").Logger(),
	}
}

// FindActiveByDedupeKey looks up an existing active signal by the
// partial-unique-index key (spec §3 invariant 3), used by
// persist_and_publish to return the existing row on a duplicate.
func (r *SignalRepository) FindActiveByDedupeKey(ctx context.Context, key domain.DedupeKey) (domain.Signal, error) {
	q := fmt.Sprintf(`SELECT %s FROM signals WHERE symbol = ? AND direction = ? AND confluence_type = ? AND trading_day = ? AND effective_floor = ? AND effective_ceiling = ? AND deleted_at IS NULL`,
		joinColumns(signalColumns))
	row := r.db.QueryRowContext(ctx, q,
		key.Symbol, key.Direction, key.ConfluenceType, key.TradingDay,
		key.EffectiveFloor, key.EffectiveCeiling,
	)
	s, err := scanSignal(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Signal{}, domain.ErrNotFound
		}
		return domain.Signal{}, fmt.Errorf("database: find signal by dedupe key: %w", err)
	}
	return s, nil
}

// FindExpirable returns active PUBLISHED signals whose expiresAt has
// passed, for the expiry sweep.
func (r *SignalRepository) FindExpirable(ctx context.Context, now time.Time) ([]domain.Signal, error) {
	q := fmt.Sprintf(`SELECT %s FROM signals WHERE status = ? AND expires_at <= ? AND deleted_at IS NULL`, joinColumns(signalColumns))
	rows, err := r.db.QueryContext(ctx, q, domain.SignalPublished, now)
	if err != nil {
		return nil, fmt.Errorf("database: find expirable signals: %w", err)
	}
	defer rows.Close()

	var out []domain.Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func joinColumns(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}
