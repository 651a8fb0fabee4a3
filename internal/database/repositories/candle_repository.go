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

var candleColumns = []string{
	"symbol", "timeframe", "ts", "version", "open", "high", "low", "close",
	"volume", "created_at", "deleted_at",
}

func scanCandle(row database.Scanner) (domain.Candle, error) {
	var c domain.Candle
	var deletedAt sql.NullTime
	err := row.Scan(&c.Symbol, &c.Timeframe, &c.Ts, &c.Version, &c.Open, &c.High, &c.Low, &c.Close,
		&c.Volume, &c.CreatedAt, &deletedAt)
	if err != nil {
		return domain.Candle{}, err
	}
	if deletedAt.Valid {
		c.DeletedAt = &deletedAt.Time
	}
	return c, nil
}

func bindCandle(c domain.Candle, version int64) ([]string, []any) {
	var deletedAt any
	if c.DeletedAt != nil {
		deletedAt = *c.DeletedAt
	}
	return candleColumns, []any{
		c.Symbol, c.Timeframe, c.Ts, version, c.Open, c.High, c.Low, c.Close,
		c.Volume, c.CreatedAt, deletedAt,
	}
}

// CandleRepository persists closed candles. Unlike most tables here,
// the business identity is the triple (symbol, timeframe, ts) — the
// generic VersionedRepo's single-id contract doesn't fit a composite
// key, so this repository talks to the table directly rather than
// through database.VersionedRepo.
type CandleRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewCandleRepository(db *sql.DB, log zerolog.Logger) *CandleRepository {
	return &CandleRepository{db: db, log: log.With().Str("repo", "candle").Logger()}
}

// InsertV1 persists a newly closed candle. A duplicate close for the
// same (symbol, timeframe, ts) — e.g. re-emitted after a crash mid-close —
// collides with the partial unique index and is surfaced as
// domain.ErrDuplicateActive, which the candle builder treats as success
// (spec §5 "Ordering guarantees").
func (r *CandleRepository) InsertV1(ctx context.Context, c domain.Candle) error {
	cols, args := bindCandle(c, 1)
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = "?"
	}
	q := fmt.Sprintf(`INSERT INTO candles (%s) VALUES (%s)`, joinColumns(cols), joinColumns(placeholders))
	_, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		if isLikelyUniqueViolation(err) {
			return domain.ErrDuplicateActive
		}
		return fmt.Errorf("database: insert candle: %w", err)
	}
	return nil
}

// FindActive returns the current candle for (symbol, timeframe, ts), if any.
func (r *CandleRepository) FindActive(ctx context.Context, symbol string, tf domain.Timeframe, ts time.Time) (domain.Candle, error) {
	q := fmt.Sprintf(`SELECT %s FROM candles WHERE symbol = ? AND timeframe = ? AND ts = ? AND deleted_at IS NULL`, joinColumns(candleColumns))
	c, err := scanCandle(r.db.QueryRowContext(ctx, q, symbol, tf, ts))
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Candle{}, domain.ErrNotFound
		}
		return domain.Candle{}, err
	}
	return c, nil
}

// FindRange returns active candles for a symbol/timeframe within [from, to), ascending.
func (r *CandleRepository) FindRange(ctx context.Context, symbol string, tf domain.Timeframe, from, to time.Time) ([]domain.Candle, error) {
	q := fmt.Sprintf(`SELECT %s FROM candles WHERE symbol = ? AND timeframe = ? AND ts >= ? AND ts < ? AND deleted_at IS NULL ORDER BY ts ASC`, joinColumns(candleColumns))
	rows, err := r.db.QueryContext(ctx, q, symbol, tf, from, to)
	if err != nil {
		return nil, fmt.Errorf("database: find candle range: %w", err)
	}
	defer rows.Close()
	var out []domain.Candle
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RecentCandles returns the most recent n candles for (symbol, tf) in
// ascending ts order, the window signals.Generator's zone detection
// evaluates on each close (spec §4.4).
func (r *CandleRepository) RecentCandles(ctx context.Context, symbol string, tf domain.Timeframe, n int) ([]domain.Candle, error) {
	q := fmt.Sprintf(`SELECT %s FROM candles WHERE symbol = ? AND timeframe = ? AND deleted_at IS NULL ORDER BY ts DESC LIMIT ?`, joinColumns(candleColumns))
	rows, err := r.db.QueryContext(ctx, q, symbol, tf, n)
	if err != nil {
		return nil, fmt.Errorf("database: recent candles: %w", err)
	}
	defer rows.Close()
	var out []domain.Candle
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// LatestDailyClose is the second tier of the LTP fallback (spec §4.3):
// the most recent DAILY candle's close, used when the in-memory price
// cache has no entry for symbol yet.
func (r *CandleRepository) LatestDailyClose(ctx context.Context, symbol string) (domain.Decimal, bool, error) {
	q := `SELECT close FROM candles WHERE symbol = ? AND timeframe = ? AND deleted_at IS NULL ORDER BY ts DESC LIMIT 1`
	var closePrice domain.Decimal
	err := r.db.QueryRowContext(ctx, q, symbol, domain.TimeframeDaily).Scan(&closePrice)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Decimal{}, false, nil
		}
		return domain.Decimal{}, false, fmt.Errorf("database: latest daily close: %w", err)
	}
	return closePrice, true, nil
}

func isLikelyUniqueViolation(err error) bool {
	msg := err.Error()
	return len(msg) > 0 && (contains(msg, "UNIQUE constraint failed") || contains(msg, "constraint failed: UNIQUE"))
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
