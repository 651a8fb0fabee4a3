package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/quantedge/tradepipe/internal/domain"
)

// OrderFillRepository is the append-only ledger of executions against
// an Order (spec §3). No soft-delete, no versioning — fills are never
// corrected, only appended.
type OrderFillRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewOrderFillRepository(db *sql.DB, log zerolog.Logger) *OrderFillRepository {
	return &OrderFillRepository{db: db, log: log.With().Str("repo", "order_fill").Logger()}
}

// Insert appends a fill. A duplicate (orderId, brokerFillId) is
// rejected by the unique index and treated as a benign idempotency
// violation by callers re-processing a broker push after reconnect.
func (r *OrderFillRepository) Insert(ctx context.Context, f domain.OrderFill) error {
	const q = `INSERT INTO order_fills (fill_id, order_id, fill_qty, fill_price, fill_ts, broker_fill_id, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, q, f.FillID, f.OrderID, f.FillQty, f.FillPrice, f.FillTs, f.BrokerFillID, f.CreatedAt)
	if err != nil {
		if isLikelyUniqueViolation(err) {
			return domain.ErrDuplicateActive
		}
		return fmt.Errorf("database: insert order fill: %w", err)
	}
	return nil
}

// FindByOrder returns every fill recorded against an order, oldest first.
func (r *OrderFillRepository) FindByOrder(ctx context.Context, orderID string) ([]domain.OrderFill, error) {
	const q = `SELECT fill_id, order_id, fill_qty, fill_price, fill_ts, broker_fill_id, created_at FROM order_fills WHERE order_id = ? ORDER BY fill_ts ASC`
	rows, err := r.db.QueryContext(ctx, q, orderID)
	if err != nil {
		return nil, fmt.Errorf("database: find fills by order: %w", err)
	}
	defer rows.Close()
	var out []domain.OrderFill
	for rows.Next() {
		var f domain.OrderFill
		if err := rows.Scan(&f.FillID, &f.OrderID, &f.FillQty, &f.FillPrice, &f.FillTs, &f.BrokerFillID, &f.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
