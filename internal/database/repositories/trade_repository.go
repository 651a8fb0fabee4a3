package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/quantedge/tradepipe/internal/database"
	"github.com/quantedge/tradepipe/internal/domain"
)

var tradeColumns = []string{
	"trade_id", "version", "intent_id", "portfolio_id", "user_id", "user_broker_id",
	"signal_id", "symbol", "direction", "entry_qty", "entry_price", "entry_value", "status",
	"htf_low", "htf_high", "itf_low", "itf_high", "ltf_low", "ltf_high",
	"target_min_profit", "target_target", "target_stretch", "max_loss_allowed",
	"trailing_active", "trailing_high_price", "trailing_stop_price",
	"exit_price", "exit_reason", "exit_qty", "exit_realized_pnl", "exit_holding_minutes",
	"broker_order_id", "broker_trade_id", "last_broker_update_at", "created_at", "deleted_at",
}

func scanTrade(row database.Scanner) (domain.Trade, error) {
	var t domain.Trade
	var deletedAt, lastBrokerUpdateAt sql.NullTime
	var brokerOrderID, brokerTradeID sql.NullString
	var htfLow, htfHigh, itfLow, itfHigh, ltfLow, ltfHigh sql.NullString
	var minProfit, target, stretch sql.NullString
	var trailingHigh, trailingStop sql.NullString
	var exitPrice, exitReason sql.NullString
	var exitQty sql.NullInt64
	var exitPnL sql.NullString
	var exitHoldingMinutes sql.NullInt64

	err := row.Scan(&t.TradeID, &t.Version, &t.IntentID, &t.PortfolioID, &t.UserID, &t.UserBrokerID,
		&t.SignalID, &t.Symbol, &t.Direction, &t.EntryQty, &t.EntryPrice, &t.EntryValue, &t.Status,
		&htfLow, &htfHigh, &itfLow, &itfHigh, &ltfLow, &ltfHigh,
		&minProfit, &target, &stretch, &t.MaxLossAllowed,
		&t.Trailing.Active, &trailingHigh, &trailingStop,
		&exitPrice, &exitReason, &exitQty, &exitPnL, &exitHoldingMinutes,
		&brokerOrderID, &brokerTradeID, &lastBrokerUpdateAt, &t.CreatedAt, &deletedAt)
	if err != nil {
		return domain.Trade{}, err
	}
	if deletedAt.Valid {
		t.DeletedAt = &deletedAt.Time
	}
	if lastBrokerUpdateAt.Valid {
		t.LastBrokerUpdateAt = &lastBrokerUpdateAt.Time
	}
	if brokerOrderID.Valid {
		t.BrokerOrderID = &brokerOrderID.String
	}
	if brokerTradeID.Valid {
		t.BrokerTradeID = &brokerTradeID.String
	}
	parseDec(htfLow, &t.HtfLow)
	parseDec(htfHigh, &t.HtfHigh)
	parseDec(itfLow, &t.ItfLow)
	parseDec(itfHigh, &t.ItfHigh)
	parseDec(ltfLow, &t.LtfLow)
	parseDec(ltfHigh, &t.LtfHigh)
	parseDec(minProfit, &t.Targets.MinProfit)
	parseDec(target, &t.Targets.Target)
	parseDec(stretch, &t.Targets.Stretch)
	parseDec(trailingHigh, &t.Trailing.HighPrice)
	parseDec(trailingStop, &t.Trailing.StopPrice)

	if exitReason.Valid {
		t.Exit = &domain.TradeExit{
			Reason:         domain.ExitReason(exitReason.String),
			Qty:            exitQty.Int64,
			HoldingMinutes: exitHoldingMinutes.Int64,
		}
		parseDec(exitPrice, &t.Exit.Price)
		parseDec(exitPnL, &t.Exit.RealizedPnL)
	}
	return t, nil
}

func parseDec(ns sql.NullString, out *domain.Decimal) {
	if !ns.Valid || ns.String == "" {
		return
	}
	if d, err := domain.NewFromString(ns.String); err == nil {
		*out = d
	}
}

func bindTrade(t domain.Trade, version int64) ([]string, []any) {
	var deletedAt, lastBrokerUpdateAt, brokerOrderID, brokerTradeID any
	if t.DeletedAt != nil {
		deletedAt = *t.DeletedAt
	}
	if t.LastBrokerUpdateAt != nil {
		lastBrokerUpdateAt = *t.LastBrokerUpdateAt
	}
	if t.BrokerOrderID != nil {
		brokerOrderID = *t.BrokerOrderID
	}
	if t.BrokerTradeID != nil {
		brokerTradeID = *t.BrokerTradeID
	}
	var exitPrice, exitReason, exitQty, exitPnL, exitHoldingMinutes any
	if t.Exit != nil {
		exitPrice = t.Exit.Price
		exitReason = t.Exit.Reason
		exitQty = t.Exit.Qty
		exitPnL = t.Exit.RealizedPnL
		exitHoldingMinutes = t.Exit.HoldingMinutes
	}
	return tradeColumns, []any{
		t.TradeID, version, t.IntentID, t.PortfolioID, t.UserID, t.UserBrokerID,
		t.SignalID, t.Symbol, t.Direction, t.EntryQty, t.EntryPrice, t.EntryValue, t.Status,
		t.HtfLow, t.HtfHigh, t.ItfLow, t.ItfHigh, t.LtfLow, t.LtfHigh,
		t.Targets.MinProfit, t.Targets.Target, t.Targets.Stretch, t.MaxLossAllowed,
		t.Trailing.Active, t.Trailing.HighPrice, t.Trailing.StopPrice,
		exitPrice, exitReason, exitQty, exitPnL, exitHoldingMinutes,
		brokerOrderID, brokerTradeID, lastBrokerUpdateAt, t.CreatedAt, deletedAt,
	}
}

// TradeRepository is TMS's sole persistence surface for trades
// (spec §4.8) — every other component must route mutations through
// the TMS service, never through this repository directly.
type TradeRepository struct {
	*database.VersionedRepo[domain.Trade]
	db  *sql.DB
	log zerolog.Logger
}

func NewTradeRepository(db *sql.DB, log zerolog.Logger) *TradeRepository {
	mapper := database.Mapper[domain.Trade]{
		Table: "trades", IDCol: "trade_id", Columns: tradeColumns,
		Scan: scanTrade, Bind: bindTrade,
		GetID:      func(t domain.Trade) string { return t.TradeID },
		GetVersion: func(t domain.Trade) int64 { return t.Version },
		SetVersion: func(t *domain.Trade, v int64) { t.Version = v },
	}
	return &TradeRepository{
		VersionedRepo: database.NewVersionedRepo(db, mapper),
		db:            db,
		log:           log.With().Str("repo", "trade").Logger(),
	}
}

// FindOpenBySymbol loads the active trades for a symbol that the Exit
// Signal Service must evaluate on every tick (spec §4.9: "a DB-loaded
// map of open trades... never an in-memory-only source of truth").
func (r *TradeRepository) FindOpenBySymbol(ctx context.Context, symbol string) ([]domain.Trade, error) {
	q := fmt.Sprintf(`SELECT %s FROM trades WHERE symbol = ? AND status IN (?, ?) AND deleted_at IS NULL`, joinColumns(tradeColumns))
	rows, err := r.db.QueryContext(ctx, q, symbol, domain.TradeOpen, domain.TradePartialExit)
	if err != nil {
		return nil, fmt.Errorf("database: find open trades: %w", err)
	}
	defer rows.Close()
	var out []domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// FindOpenByUserBroker returns the active trades a UserBroker currently
// carries, used by the existing-position and exposure gates (spec
// §4.6).
func (r *TradeRepository) FindOpenByUserBroker(ctx context.Context, userBrokerID string) ([]domain.Trade, error) {
	q := fmt.Sprintf(`SELECT %s FROM trades WHERE user_broker_id = ? AND status IN (?, ?) AND deleted_at IS NULL`, joinColumns(tradeColumns))
	rows, err := r.db.QueryContext(ctx, q, userBrokerID, domain.TradeOpen, domain.TradePartialExit)
	if err != nil {
		return nil, fmt.Errorf("database: find open trades by user broker: %w", err)
	}
	defer rows.Close()
	var out []domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// FindLastEntry returns the most recent trade opened on symbol for this
// UserBroker (by created_at), used by the averaging gate to measure
// spacing from the last entry (spec §4.6).
func (r *TradeRepository) FindLastEntry(ctx context.Context, userBrokerID, symbol string) (domain.Trade, bool, error) {
	q := fmt.Sprintf(`SELECT %s FROM trades WHERE user_broker_id = ? AND symbol = ? AND deleted_at IS NULL ORDER BY created_at DESC LIMIT 1`, joinColumns(tradeColumns))
	t, err := scanTrade(r.db.QueryRowContext(ctx, q, userBrokerID, symbol))
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Trade{}, false, nil
		}
		return domain.Trade{}, false, fmt.Errorf("database: find last entry: %w", err)
	}
	return t, true, nil
}

// SumRealizedPnLToday totals the RealizedPnL of trades this UserBroker
// closed on tradingDay, for the daily-loss-cap gate (spec §4.6).
func (r *TradeRepository) SumRealizedPnLToday(ctx context.Context, userBrokerID string, tradingDay string) (domain.Decimal, error) {
	const q = `SELECT exit_realized_pnl FROM trades WHERE user_broker_id = ? AND status = ? AND deleted_at IS NULL AND exit_realized_pnl IS NOT NULL AND substr(last_broker_update_at, 1, 10) = ?`
	rows, err := r.db.QueryContext(ctx, q, userBrokerID, domain.TradeClosed, tradingDay)
	if err != nil {
		return domain.Decimal{}, fmt.Errorf("database: sum realized pnl: %w", err)
	}
	defer rows.Close()

	total := domain.Zero
	for rows.Next() {
		var pnl sql.NullString
		if err := rows.Scan(&pnl); err != nil {
			return domain.Decimal{}, err
		}
		if pnl.Valid {
			d, err := domain.NewFromString(pnl.String)
			if err == nil {
				total = total.Add(d)
			}
		}
	}
	return total, rows.Err()
}

// SumDeployedCapital totals entryValue across this UserBroker's open
// trades, for the exposure gate (spec §4.6).
func (r *TradeRepository) SumDeployedCapital(ctx context.Context, userBrokerID string) (domain.Decimal, error) {
	open, err := r.FindOpenByUserBroker(ctx, userBrokerID)
	if err != nil {
		return domain.Decimal{}, err
	}
	total := domain.Zero
	for _, t := range open {
		total = total.Add(t.EntryValue)
	}
	return total, nil
}

// FindActiveByIntentID returns the Trade created for an intent, if any
// — the idempotency check the execution orchestrator runs before
// creating a second Trade row for a retried intent (spec §4.7).
func (r *TradeRepository) FindActiveByIntentID(ctx context.Context, intentID string) (domain.Trade, error) {
	q := fmt.Sprintf(`SELECT %s FROM trades WHERE intent_id = ? AND deleted_at IS NULL`, joinColumns(tradeColumns))
	t, err := scanTrade(r.db.QueryRowContext(ctx, q, intentID))
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Trade{}, domain.ErrNotFound
		}
		return domain.Trade{}, err
	}
	return t, nil
}

// FindAllOpen rebuilds the full open-trades cache on startup.
func (r *TradeRepository) FindAllOpen(ctx context.Context) ([]domain.Trade, error) {
	q := fmt.Sprintf(`SELECT %s FROM trades WHERE status IN (?, ?) AND deleted_at IS NULL`, joinColumns(tradeColumns))
	rows, err := r.db.QueryContext(ctx, q, domain.TradeOpen, domain.TradePartialExit)
	if err != nil {
		return nil, fmt.Errorf("database: find all open trades: %w", err)
	}
	defer rows.Close()
	var out []domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
