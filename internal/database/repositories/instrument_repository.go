package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/quantedge/tradepipe/internal/database"
	"github.com/quantedge/tradepipe/internal/domain"
)

var instrumentColumns = []string{"symbol", "version", "exchange", "token", "lot_size", "tick_size", "created_at", "deleted_at"}

func scanInstrument(row database.Scanner) (domain.Instrument, error) {
	var i domain.Instrument
	var deletedAt sql.NullTime
	if err := row.Scan(&i.Symbol, &i.Version, &i.Exchange, &i.Token, &i.LotSize, &i.TickSize, &i.CreatedAt, &deletedAt); err != nil {
		return domain.Instrument{}, err
	}
	if deletedAt.Valid {
		i.DeletedAt = &deletedAt.Time
	}
	return i, nil
}

func bindInstrument(i domain.Instrument, version int64) ([]string, []any) {
	var deletedAt any
	if i.DeletedAt != nil {
		deletedAt = *i.DeletedAt
	}
	return instrumentColumns, []any{i.Symbol, version, i.Exchange, i.Token, i.LotSize, i.TickSize, i.CreatedAt, deletedAt}
}

// InstrumentRepository's business key is the symbol itself, not a
// generated id, so like CandleRepository it talks to the table
// directly rather than through database.VersionedRepo.
type InstrumentRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewInstrumentRepository(db *sql.DB, log zerolog.Logger) *InstrumentRepository {
	return &InstrumentRepository{db: db, log: log.With().Str("repo", "instrument").Logger()}
}

func (r *InstrumentRepository) InsertV1(ctx context.Context, i domain.Instrument) error {
	cols, args := bindInstrument(i, 1)
	return insertVersioned(ctx, r.db, "instruments", cols, args)
}

func (r *InstrumentRepository) FindActive(ctx context.Context, symbol string) (domain.Instrument, error) {
	q := fmt.Sprintf(`SELECT %s FROM instruments WHERE symbol = ? AND deleted_at IS NULL`, joinColumns(instrumentColumns))
	i, err := scanInstrument(r.db.QueryRowContext(ctx, q, symbol))
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Instrument{}, domain.ErrNotFound
		}
		return domain.Instrument{}, err
	}
	return i, nil
}

func (r *InstrumentRepository) FindAllActive(ctx context.Context) ([]domain.Instrument, error) {
	q := fmt.Sprintf(`SELECT %s FROM instruments WHERE deleted_at IS NULL ORDER BY symbol ASC`, joinColumns(instrumentColumns))
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("database: find instruments: %w", err)
	}
	defer rows.Close()
	var out []domain.Instrument
	for rows.Next() {
		i, err := scanInstrument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

var watchlistColumns = []string{"user_broker_id", "symbol", "version", "enabled", "last_price", "last_tick_time", "created_at", "deleted_at"}

func scanWatchlist(row database.Scanner) (domain.Watchlist, error) {
	var w domain.Watchlist
	var deletedAt, lastTick sql.NullTime
	if err := row.Scan(&w.UserBrokerID, &w.Symbol, &w.Version, &w.Enabled, &w.LastPrice, &lastTick, &w.CreatedAt, &deletedAt); err != nil {
		return domain.Watchlist{}, err
	}
	if deletedAt.Valid {
		w.DeletedAt = &deletedAt.Time
	}
	if lastTick.Valid {
		w.LastTickTime = lastTick.Time
	}
	return w, nil
}

func bindWatchlist(w domain.Watchlist, version int64) ([]string, []any) {
	var deletedAt any
	if w.DeletedAt != nil {
		deletedAt = *w.DeletedAt
	}
	var lastTick any
	if !w.LastTickTime.IsZero() {
		lastTick = w.LastTickTime
	}
	return watchlistColumns, []any{w.UserBrokerID, w.Symbol, version, w.Enabled, w.LastPrice, lastTick, w.CreatedAt, deletedAt}
}

// WatchlistRepository keys on (userBrokerId, symbol), another
// composite identity that sidesteps database.VersionedRepo.
type WatchlistRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewWatchlistRepository(db *sql.DB, log zerolog.Logger) *WatchlistRepository {
	return &WatchlistRepository{db: db, log: log.With().Str("repo", "watchlist").Logger()}
}

func (r *WatchlistRepository) InsertV1(ctx context.Context, w domain.Watchlist) error {
	cols, args := bindWatchlist(w, 1)
	return insertVersioned(ctx, r.db, "watchlists", cols, args)
}

// Touch replaces the active watchlist row for (userBrokerId, symbol)
// with a new version carrying the latest tick (spec §4.2).
func (r *WatchlistRepository) Touch(ctx context.Context, userBrokerID, symbol string, price domain.Decimal, tickTime sql.NullTime) error {
	current, err := r.FindActive(ctx, userBrokerID, symbol)
	if err != nil {
		return err
	}
	current.LastPrice = price
	if tickTime.Valid {
		current.LastTickTime = tickTime.Time
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("database: begin watchlist touch: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `UPDATE watchlists SET deleted_at = ? WHERE user_broker_id = ? AND symbol = ? AND version = ? AND deleted_at IS NULL`,
		current.CreatedAt, userBrokerID, symbol, current.Version); err != nil {
		return fmt.Errorf("database: supersede watchlist: %w", err)
	}
	cols, args := bindWatchlist(current, current.Version+1)
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = "?"
	}
	q := fmt.Sprintf(`INSERT INTO watchlists (%s) VALUES (%s)`, joinColumns(cols), joinColumns(placeholders))
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("database: insert watchlist version: %w", err)
	}
	return tx.Commit()
}

func (r *WatchlistRepository) FindActive(ctx context.Context, userBrokerID, symbol string) (domain.Watchlist, error) {
	q := fmt.Sprintf(`SELECT %s FROM watchlists WHERE user_broker_id = ? AND symbol = ? AND deleted_at IS NULL`, joinColumns(watchlistColumns))
	w, err := scanWatchlist(r.db.QueryRowContext(ctx, q, userBrokerID, symbol))
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Watchlist{}, domain.ErrNotFound
		}
		return domain.Watchlist{}, err
	}
	return w, nil
}

func (r *WatchlistRepository) FindEnabledByUserBroker(ctx context.Context, userBrokerID string) ([]domain.Watchlist, error) {
	q := fmt.Sprintf(`SELECT %s FROM watchlists WHERE user_broker_id = ? AND enabled = 1 AND deleted_at IS NULL`, joinColumns(watchlistColumns))
	rows, err := r.db.QueryContext(ctx, q, userBrokerID)
	if err != nil {
		return nil, fmt.Errorf("database: find watchlist: %w", err)
	}
	defer rows.Close()
	var out []domain.Watchlist
	for rows.Next() {
		w, err := scanWatchlist(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// insertVersioned is the shared insert helper for the composite-key
// repositories (instruments, watchlists) that don't go through
// database.VersionedRepo.
func insertVersioned(ctx context.Context, db *sql.DB, table string, cols []string, args []any) error {
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = "?"
	}
	q := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, table, joinColumns(cols), joinColumns(placeholders))
	if _, err := db.ExecContext(ctx, q, args...); err != nil {
		if isLikelyUniqueViolation(err) {
			return domain.ErrDuplicateActive
		}
		return fmt.Errorf("database: insert %s: %w", table, err)
	}
	return nil
}
