package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/quantedge/tradepipe/internal/database"
	"github.com/quantedge/tradepipe/internal/domain"
)

var intentColumns = []string{
	"intent_id", "version", "signal_id", "signal_delivery_id", "user_id",
	"user_broker_id", "validation_passed", "validation_errors",
	"calculated_qty", "limit_price", "order_type", "product_type",
	"status", "order_id", "trade_id", "executed_at", "created_at", "deleted_at",
}

func scanIntent(row database.Scanner) (domain.TradeIntent, error) {
	var in domain.TradeIntent
	var deletedAt, executedAt sql.NullTime
	var orderID, tradeID sql.NullString
	var validationErrorsJSON string
	err := row.Scan(&in.IntentID, &in.Version, &in.SignalID, &in.SignalDeliveryID, &in.UserID,
		&in.UserBrokerID, &in.ValidationPassed, &validationErrorsJSON,
		&in.CalculatedQty, &in.LimitPrice, &in.OrderType, &in.ProductType,
		&in.Status, &orderID, &tradeID, &executedAt, &in.CreatedAt, &deletedAt)
	if err != nil {
		return domain.TradeIntent{}, err
	}
	if validationErrorsJSON != "" {
		if err := json.Unmarshal([]byte(validationErrorsJSON), &in.ValidationErrors); err != nil {
			return domain.TradeIntent{}, fmt.Errorf("database: decode validation_errors: %w", err)
		}
	}
	if deletedAt.Valid {
		in.DeletedAt = &deletedAt.Time
	}
	if executedAt.Valid {
		in.ExecutedAt = &executedAt.Time
	}
	if orderID.Valid {
		in.OrderID = &orderID.String
	}
	if tradeID.Valid {
		in.TradeID = &tradeID.String
	}
	return in, nil
}

func bindIntent(in domain.TradeIntent, version int64) ([]string, []any) {
	var deletedAt, executedAt, orderID, tradeID any
	if in.DeletedAt != nil {
		deletedAt = *in.DeletedAt
	}
	if in.ExecutedAt != nil {
		executedAt = *in.ExecutedAt
	}
	if in.OrderID != nil {
		orderID = *in.OrderID
	}
	if in.TradeID != nil {
		tradeID = *in.TradeID
	}
	errsJSON, _ := json.Marshal(in.ValidationErrors)
	return intentColumns, []any{
		in.IntentID, version, in.SignalID, in.SignalDeliveryID, in.UserID,
		in.UserBrokerID, in.ValidationPassed, string(errsJSON),
		in.CalculatedQty, in.LimitPrice, in.OrderType, in.ProductType,
		in.Status, orderID, tradeID, executedAt, in.CreatedAt, deletedAt,
	}
}

// IntentRepository backs the validation layer's trade_intents writes.
type IntentRepository struct {
	*database.VersionedRepo[domain.TradeIntent]
	db  *sql.DB
	log zerolog.Logger
}

func NewIntentRepository(db *sql.DB, log zerolog.Logger) *IntentRepository {
	mapper := database.Mapper[domain.TradeIntent]{
		Table: "trade_intents", IDCol: "intent_id", Columns: intentColumns,
		Scan: scanIntent, Bind: bindIntent,
		GetID:      func(in domain.TradeIntent) string { return in.IntentID },
		GetVersion: func(in domain.TradeIntent) int64 { return in.Version },
		SetVersion: func(in *domain.TradeIntent, v int64) { in.Version = v },
	}
	return &IntentRepository{
		VersionedRepo: database.NewVersionedRepo(db, mapper),
		db:            db,
		log:           log.With().Str("repo", "intent").Logger(),
	}
}
