package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/quantedge/tradepipe/internal/database"
	"github.com/quantedge/tradepipe/internal/domain"
)

var exitIntentColumns = []string{
	"exit_intent_id", "version", "trade_id", "user_broker_id", "exit_reason",
	"episode_id", "calculated_qty", "order_type", "limit_price", "status",
	"broker_order_id", "cooldown_until", "created_at", "deleted_at",
}

func scanExitIntent(row database.Scanner) (domain.ExitIntent, error) {
	var e domain.ExitIntent
	var deletedAt, cooldownUntil sql.NullTime
	var brokerOrderID sql.NullString
	err := row.Scan(&e.ExitIntentID, &e.Version, &e.TradeID, &e.UserBrokerID, &e.ExitReason,
		&e.EpisodeID, &e.CalculatedQty, &e.OrderType, &e.LimitPrice, &e.Status,
		&brokerOrderID, &cooldownUntil, &e.CreatedAt, &deletedAt)
	if err != nil {
		return domain.ExitIntent{}, err
	}
	if deletedAt.Valid {
		e.DeletedAt = &deletedAt.Time
	}
	if cooldownUntil.Valid {
		e.CooldownUntil = &cooldownUntil.Time
	}
	if brokerOrderID.Valid {
		e.BrokerOrderID = &brokerOrderID.String
	}
	return e, nil
}

func bindExitIntent(e domain.ExitIntent, version int64) ([]string, []any) {
	var deletedAt, cooldownUntil, brokerOrderID any
	if e.DeletedAt != nil {
		deletedAt = *e.DeletedAt
	}
	if e.CooldownUntil != nil {
		cooldownUntil = *e.CooldownUntil
	}
	if e.BrokerOrderID != nil {
		brokerOrderID = *e.BrokerOrderID
	}
	return exitIntentColumns, []any{
		e.ExitIntentID, version, e.TradeID, e.UserBrokerID, e.ExitReason,
		e.EpisodeID, e.CalculatedQty, e.OrderType, e.LimitPrice, e.Status,
		brokerOrderID, cooldownUntil, e.CreatedAt, deletedAt,
	}
}

// ExitIntentRepository persists exit order proposals (spec §3).
type ExitIntentRepository struct {
	*database.VersionedRepo[domain.ExitIntent]
	db  *sql.DB
	log zerolog.Logger
}

func NewExitIntentRepository(db *sql.DB, log zerolog.Logger) *ExitIntentRepository {
	mapper := database.Mapper[domain.ExitIntent]{
		Table: "exit_intents", IDCol: "exit_intent_id", Columns: exitIntentColumns,
		Scan: scanExitIntent, Bind: bindExitIntent,
		GetID:      func(e domain.ExitIntent) string { return e.ExitIntentID },
		GetVersion: func(e domain.ExitIntent) int64 { return e.Version },
		SetVersion: func(e *domain.ExitIntent, v int64) { e.Version = v },
	}
	return &ExitIntentRepository{
		VersionedRepo: database.NewVersionedRepo(db, mapper),
		db:            db,
		log:           log.With().Str("repo", "exit_intent").Logger(),
	}
}

// FindLatestByTradeAndReason returns the highest-episode ExitIntent for
// (tradeId, exitReason), the row the exit evaluation loop checks for an
// active cooldown before arming a new episode (spec §4.9 "cooldown").
func (r *ExitIntentRepository) FindLatestByTradeAndReason(ctx context.Context, tradeID string, reason domain.ExitReason) (domain.ExitIntent, error) {
	q := fmt.Sprintf(`SELECT %s FROM exit_intents WHERE trade_id = ? AND exit_reason = ? AND deleted_at IS NULL ORDER BY episode_id DESC LIMIT 1`, joinColumns(exitIntentColumns))
	e, err := scanExitIntent(r.db.QueryRowContext(ctx, q, tradeID, reason))
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.ExitIntent{}, domain.ErrNotFound
		}
		return domain.ExitIntent{}, err
	}
	return e, nil
}
