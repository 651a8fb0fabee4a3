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

var orderColumns = []string{
	"order_id", "version", "order_kind", "trade_id", "intent_id", "exit_intent_id",
	"user_broker_id", "symbol", "direction", "product_type", "price_type",
	"limit_price", "trigger_price", "ordered_qty", "filled_qty", "avg_fill_price",
	"broker_order_id", "client_order_id", "status", "last_broker_update_at",
	"reconcile_status", "created_at", "deleted_at",
}

func scanOrder(row database.Scanner) (domain.Order, error) {
	var o domain.Order
	var deletedAt, lastBrokerUpdateAt sql.NullTime
	var tradeID, intentID, exitIntentID, brokerOrderID sql.NullString
	var limitPrice, triggerPrice, avgFillPrice sql.NullString

	err := row.Scan(&o.OrderID, &o.Version, &o.Kind, &tradeID, &intentID, &exitIntentID,
		&o.UserBrokerID, &o.Symbol, &o.Direction, &o.ProductType, &o.PriceType,
		&limitPrice, &triggerPrice, &o.OrderedQty, &o.FilledQty, &avgFillPrice,
		&brokerOrderID, &o.ClientOrderID, &o.Status, &lastBrokerUpdateAt,
		&o.ReconcileStatus, &o.CreatedAt, &deletedAt)
	if err != nil {
		return domain.Order{}, err
	}
	if deletedAt.Valid {
		o.DeletedAt = &deletedAt.Time
	}
	if lastBrokerUpdateAt.Valid {
		o.LastBrokerUpdateAt = &lastBrokerUpdateAt.Time
	}
	if tradeID.Valid {
		o.TradeID = &tradeID.String
	}
	if intentID.Valid {
		o.IntentID = &intentID.String
	}
	if exitIntentID.Valid {
		o.ExitIntentID = &exitIntentID.String
	}
	if brokerOrderID.Valid {
		o.BrokerOrderID = &brokerOrderID.String
	}
	if limitPrice.Valid {
		d, _ := domain.NewFromString(limitPrice.String)
		o.LimitPrice = &d
	}
	if triggerPrice.Valid {
		d, _ := domain.NewFromString(triggerPrice.String)
		o.TriggerPrice = &d
	}
	if avgFillPrice.Valid {
		d, _ := domain.NewFromString(avgFillPrice.String)
		o.AvgFillPrice = &d
	}
	return o, nil
}

func bindOrder(o domain.Order, version int64) ([]string, []any) {
	var deletedAt, lastBrokerUpdateAt, tradeID, intentID, exitIntentID, brokerOrderID any
	var limitPrice, triggerPrice, avgFillPrice any
	if o.DeletedAt != nil {
		deletedAt = *o.DeletedAt
	}
	if o.LastBrokerUpdateAt != nil {
		lastBrokerUpdateAt = *o.LastBrokerUpdateAt
	}
	if o.TradeID != nil {
		tradeID = *o.TradeID
	}
	if o.IntentID != nil {
		intentID = *o.IntentID
	}
	if o.ExitIntentID != nil {
		exitIntentID = *o.ExitIntentID
	}
	if o.BrokerOrderID != nil {
		brokerOrderID = *o.BrokerOrderID
	}
	if o.LimitPrice != nil {
		limitPrice = *o.LimitPrice
	}
	if o.TriggerPrice != nil {
		triggerPrice = *o.TriggerPrice
	}
	if o.AvgFillPrice != nil {
		avgFillPrice = *o.AvgFillPrice
	}
	return orderColumns, []any{
		o.OrderID, version, o.Kind, tradeID, intentID, exitIntentID,
		o.UserBrokerID, o.Symbol, o.Direction, o.ProductType, o.PriceType,
		limitPrice, triggerPrice, o.OrderedQty, o.FilledQty, avgFillPrice,
		brokerOrderID, o.ClientOrderID, o.Status, lastBrokerUpdateAt,
		o.ReconcileStatus, o.CreatedAt, deletedAt,
	}
}

// OrderRepository persists the unified entry+exit order rows
// (spec §3). Writers are the order placement path (insert) and the
// reconcilers / fill callbacks (status updates via Update).
type OrderRepository struct {
	*database.VersionedRepo[domain.Order]
	db  *sql.DB
	log zerolog.Logger
}

func NewOrderRepository(db *sql.DB, log zerolog.Logger) *OrderRepository {
	mapper := database.Mapper[domain.Order]{
		Table: "orders", IDCol: "order_id", Columns: orderColumns,
		Scan: scanOrder, Bind: bindOrder,
		GetID:      func(o domain.Order) string { return o.OrderID },
		GetVersion: func(o domain.Order) int64 { return o.Version },
		SetVersion: func(o *domain.Order, v int64) { o.Version = v },
	}
	return &OrderRepository{
		VersionedRepo: database.NewVersionedRepo(db, mapper),
		db:            db,
		log:           log.With().Str("repo", "order").Logger(),
	}
}

// FindActiveByClientOrderID enforces the intentId/exitIntentId ->
// order lookup the idempotent placement path needs (spec §3 invariant 5).
func (r *OrderRepository) FindActiveByClientOrderID(ctx context.Context, clientOrderID string) (domain.Order, error) {
	q := fmt.Sprintf(`SELECT %s FROM orders WHERE client_order_id = ? AND deleted_at IS NULL`, joinColumns(orderColumns))
	o, err := scanOrder(r.db.QueryRowContext(ctx, q, clientOrderID))
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, err
	}
	return o, nil
}

// FindActiveByBrokerOrderID is how fill callbacks and reconcilers
// resolve a brokerOrderId back to the local row.
func (r *OrderRepository) FindActiveByBrokerOrderID(ctx context.Context, brokerOrderID string) (domain.Order, error) {
	q := fmt.Sprintf(`SELECT %s FROM orders WHERE broker_order_id = ? AND deleted_at IS NULL`, joinColumns(orderColumns))
	o, err := scanOrder(r.db.QueryRowContext(ctx, q, brokerOrderID))
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, err
	}
	return o, nil
}

// FindStale returns orders in a non-terminal status whose
// lastBrokerUpdateAt is older than the given threshold, for the
// reconciler sweep (spec §4.10).
func (r *OrderRepository) FindStale(ctx context.Context, statuses []domain.OrderStatus, cutoff time.Time) ([]domain.Order, error) {
	placeholders := make([]string, len(statuses))
	args := make([]any, 0, len(statuses)+1)
	for i, s := range statuses {
		placeholders[i] = "?"
		args = append(args, s)
	}
	args = append(args, cutoff)
	q := fmt.Sprintf(`SELECT %s FROM orders WHERE status IN (%s) AND deleted_at IS NULL AND (last_broker_update_at IS NULL OR last_broker_update_at <= ?)`,
		joinColumns(orderColumns), joinColumns(placeholders))
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("database: find stale orders: %w", err)
	}
	defer rows.Close()
	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
