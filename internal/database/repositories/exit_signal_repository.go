package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/quantedge/tradepipe/internal/database"
	"github.com/quantedge/tradepipe/internal/domain"
)

var exitSignalColumns = []string{
	"exit_signal_id", "version", "trade_id", "exit_reason", "episode_id",
	"exit_price_at_detection", "brick_movement", "favorable_movement",
	"trailing_stop_price", "status", "created_at", "deleted_at",
}

func scanExitSignal(row database.Scanner) (domain.ExitSignal, error) {
	var e domain.ExitSignal
	var deletedAt sql.NullTime
	var trailingStop sql.NullString
	err := row.Scan(&e.ExitSignalID, &e.Version, &e.TradeID, &e.ExitReason, &e.EpisodeID,
		&e.ExitPriceAtDetection, &e.BrickMovement, &e.FavorableMovement,
		&trailingStop, &e.Status, &e.CreatedAt, &deletedAt)
	if err != nil {
		return domain.ExitSignal{}, err
	}
	if deletedAt.Valid {
		e.DeletedAt = &deletedAt.Time
	}
	if trailingStop.Valid {
		d, _ := domain.NewFromString(trailingStop.String)
		e.TrailingStopPrice = &d
	}
	return e, nil
}

func bindExitSignal(e domain.ExitSignal, version int64) ([]string, []any) {
	var deletedAt, trailingStop any
	if e.DeletedAt != nil {
		deletedAt = *e.DeletedAt
	}
	if e.TrailingStopPrice != nil {
		trailingStop = *e.TrailingStopPrice
	}
	return exitSignalColumns, []any{
		e.ExitSignalID, version, e.TradeID, e.ExitReason, e.EpisodeID,
		e.ExitPriceAtDetection, e.BrickMovement, e.FavorableMovement,
		trailingStop, e.Status, e.CreatedAt, deletedAt,
	}
}

// ExitSignalRepository is SMS's persistence for exit_signals, written
// only from generate_exit_episode (spec §4.5, §4.9).
type ExitSignalRepository struct {
	*database.VersionedRepo[domain.ExitSignal]
	db  *sql.DB
	log zerolog.Logger
}

func NewExitSignalRepository(db *sql.DB, log zerolog.Logger) *ExitSignalRepository {
	mapper := database.Mapper[domain.ExitSignal]{
		Table: "exit_signals", IDCol: "exit_signal_id", Columns: exitSignalColumns,
		Scan: scanExitSignal, Bind: bindExitSignal,
		GetID:      func(e domain.ExitSignal) string { return e.ExitSignalID },
		GetVersion: func(e domain.ExitSignal) int64 { return e.Version },
		SetVersion: func(e *domain.ExitSignal, v int64) { e.Version = v },
	}
	return &ExitSignalRepository{
		VersionedRepo: database.NewVersionedRepo(db, mapper),
		db:            db,
		log:           log.With().Str("repo", "exit_signal").Logger(),
	}
}

// queryRower is satisfied by both *sql.Tx and *database.ImmediateTx, so
// MaxEpisode can run under either a plain transaction or a BEGIN
// IMMEDIATE one.
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// MaxEpisode returns the highest episode id ever issued for
// (tradeId, exitReason), across all versions (including superseded
// ones), so generate_exit_episode can compute MAX(episode_id)+1 under a
// row lock (spec §4.5).
func (r *ExitSignalRepository) MaxEpisode(ctx context.Context, tx queryRower, tradeID string, reason domain.ExitReason) (int64, error) {
	const q = `SELECT COALESCE(MAX(episode_id), 0) FROM exit_signals WHERE trade_id = ? AND exit_reason = ?`
	var max int64
	if err := tx.QueryRowContext(ctx, q, tradeID, reason).Scan(&max); err != nil {
		return 0, fmt.Errorf("database: max episode: %w", err)
	}
	return max, nil
}

// FindByEpisode returns the exit signal for one (tradeId, exitReason,
// episodeId) triple, used to re-attach lifecycle transitions (CONFIRMED
// / PUBLISHED / EXECUTED) to the row a detection cycle already created.
func (r *ExitSignalRepository) FindByEpisode(ctx context.Context, tradeID string, reason domain.ExitReason, episodeID int64) (domain.ExitSignal, error) {
	q := fmt.Sprintf(`SELECT %s FROM exit_signals WHERE trade_id = ? AND exit_reason = ? AND episode_id = ? AND deleted_at IS NULL`, joinColumns(exitSignalColumns))
	e, err := scanExitSignal(r.db.QueryRowContext(ctx, q, tradeID, reason, episodeID))
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.ExitSignal{}, domain.ErrNotFound
		}
		return domain.ExitSignal{}, err
	}
	return e, nil
}

// FindActiveByTrade returns the active (non-superseded) exit signals
// for a trade.
func (r *ExitSignalRepository) FindActiveByTrade(ctx context.Context, tradeID string) ([]domain.ExitSignal, error) {
	q := fmt.Sprintf(`SELECT %s FROM exit_signals WHERE trade_id = ? AND deleted_at IS NULL`, joinColumns(exitSignalColumns))
	rows, err := r.db.QueryContext(ctx, q, tradeID)
	if err != nil {
		return nil, fmt.Errorf("database: find exit signals by trade: %w", err)
	}
	defer rows.Close()
	var out []domain.ExitSignal
	for rows.Next() {
		e, err := scanExitSignal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
