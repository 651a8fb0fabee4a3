package database

// schemaStatements implements the persistence layout of spec §3/§6:
// composite (business_id, version) primary keys, deleted_at soft
// delete, and partial unique indexes scoped to active rows. SQLite
// substitutes for the spec's literal PostgreSQL choice — see
// DESIGN.md for why — using the same partial-unique-index and
// transaction-locking primitives.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		user_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		email TEXT NOT NULL,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP,
		PRIMARY KEY (user_id, version)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_users_email_active ON users(email) WHERE deleted_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS brokers (
		broker_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		broker_code TEXT NOT NULL,
		name TEXT NOT NULL,
		adapter_class TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP,
		PRIMARY KEY (broker_id, version)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_brokers_code_active ON brokers(broker_code) WHERE deleted_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS user_brokers (
		user_broker_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		user_id TEXT NOT NULL,
		broker_id TEXT NOT NULL,
		role TEXT NOT NULL,
		environment TEXT NOT NULL,
		enabled INTEGER NOT NULL,
		capital_allocated TEXT NOT NULL,
		max_exposure TEXT NOT NULL,
		max_per_trade TEXT NOT NULL,
		max_daily_loss TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP,
		PRIMARY KEY (user_broker_id, version)
	)`,
	// Invariant 1: exactly one active DATA UserBroker per tenant.
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_user_brokers_data_per_user ON user_brokers(user_id) WHERE deleted_at IS NULL AND role = 'DATA'`,

	`CREATE TABLE IF NOT EXISTS user_broker_sessions (
		session_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		user_broker_id TEXT NOT NULL,
		access_token TEXT NOT NULL,
		token_valid_till TIMESTAMP NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP,
		PRIMARY KEY (session_id, version)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_sessions_per_user_broker_active ON user_broker_sessions(user_broker_id) WHERE deleted_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS instruments (
		symbol TEXT NOT NULL,
		version INTEGER NOT NULL,
		exchange TEXT NOT NULL,
		token TEXT NOT NULL,
		lot_size INTEGER NOT NULL,
		tick_size TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP,
		PRIMARY KEY (symbol, version)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_instruments_symbol_active ON instruments(symbol) WHERE deleted_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS watchlists (
		user_broker_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		version INTEGER NOT NULL,
		enabled INTEGER NOT NULL,
		last_price TEXT NOT NULL,
		last_tick_time TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP,
		PRIMARY KEY (user_broker_id, symbol, version)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_watchlists_active ON watchlists(user_broker_id, symbol) WHERE deleted_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS candles (
		symbol TEXT NOT NULL,
		timeframe TEXT NOT NULL,
		ts TIMESTAMP NOT NULL,
		version INTEGER NOT NULL,
		open TEXT NOT NULL,
		high TEXT NOT NULL,
		low TEXT NOT NULL,
		close TEXT NOT NULL,
		volume INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP,
		PRIMARY KEY (symbol, timeframe, ts, version)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_candles_active ON candles(symbol, timeframe, ts) WHERE deleted_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS signals (
		signal_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		symbol TEXT NOT NULL,
		direction TEXT NOT NULL,
		signal_type TEXT NOT NULL,
		confluence_type TEXT NOT NULL,
		confluence_score TEXT NOT NULL,
		p_win TEXT NOT NULL,
		p_fill TEXT NOT NULL,
		kelly TEXT NOT NULL,
		ref_price TEXT NOT NULL,
		entry_low TEXT NOT NULL,
		entry_high TEXT NOT NULL,
		htf_low TEXT NOT NULL, htf_high TEXT NOT NULL,
		itf_low TEXT NOT NULL, itf_high TEXT NOT NULL,
		ltf_low TEXT NOT NULL, ltf_high TEXT NOT NULL,
		effective_floor TEXT NOT NULL,
		effective_ceiling TEXT NOT NULL,
		trading_day TEXT NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP,
		PRIMARY KEY (signal_id, version)
	)`,
	// Invariant 3: at most one active signal per dedupe key.
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_signals_dedupe ON signals(symbol, direction, confluence_type, trading_day, effective_floor, effective_ceiling) WHERE deleted_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS signal_deliveries (
		delivery_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		signal_id TEXT NOT NULL,
		user_broker_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL,
		intent_id TEXT,
		consumed_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP,
		PRIMARY KEY (delivery_id, version)
	)`,
	// Invariant 4: at most one active delivery per (signal, userBroker).
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_deliveries_active ON signal_deliveries(signal_id, user_broker_id) WHERE deleted_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS trade_intents (
		intent_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		signal_id TEXT NOT NULL,
		signal_delivery_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		user_broker_id TEXT NOT NULL,
		validation_passed INTEGER NOT NULL,
		validation_errors TEXT NOT NULL,
		calculated_qty INTEGER NOT NULL,
		limit_price TEXT NOT NULL,
		order_type TEXT NOT NULL,
		product_type TEXT NOT NULL,
		status TEXT NOT NULL,
		order_id TEXT,
		trade_id TEXT,
		executed_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP,
		PRIMARY KEY (intent_id, version)
	)`,
	// Invariant 5 (intent half): at most one active intent per intentId.
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_intents_active ON trade_intents(intent_id) WHERE deleted_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS trades (
		trade_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		intent_id TEXT NOT NULL,
		portfolio_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		user_broker_id TEXT NOT NULL,
		signal_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		direction TEXT NOT NULL,
		entry_qty INTEGER NOT NULL,
		entry_price TEXT NOT NULL,
		entry_value TEXT NOT NULL,
		status TEXT NOT NULL,
		htf_low TEXT, htf_high TEXT,
		itf_low TEXT, itf_high TEXT,
		ltf_low TEXT, ltf_high TEXT,
		target_min_profit TEXT, target_target TEXT, target_stretch TEXT,
		max_loss_allowed TEXT NOT NULL,
		trailing_active INTEGER NOT NULL,
		trailing_high_price TEXT,
		trailing_stop_price TEXT,
		exit_price TEXT, exit_reason TEXT, exit_qty INTEGER,
		exit_realized_pnl TEXT, exit_holding_minutes INTEGER,
		broker_order_id TEXT,
		broker_trade_id TEXT,
		last_broker_update_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP,
		PRIMARY KEY (trade_id, version)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_trades_active ON trades(trade_id) WHERE deleted_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS orders (
		order_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		order_kind TEXT NOT NULL,
		trade_id TEXT,
		intent_id TEXT,
		exit_intent_id TEXT,
		user_broker_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		direction TEXT NOT NULL,
		product_type TEXT NOT NULL,
		price_type TEXT NOT NULL,
		limit_price TEXT,
		trigger_price TEXT,
		ordered_qty INTEGER NOT NULL,
		filled_qty INTEGER NOT NULL,
		avg_fill_price TEXT,
		broker_order_id TEXT,
		client_order_id TEXT NOT NULL,
		status TEXT NOT NULL,
		last_broker_update_at TIMESTAMP,
		reconcile_status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP,
		PRIMARY KEY (order_id, version)
	)`,
	// Invariant 5: at most one order per clientOrderId, at most one per
	// non-null brokerOrderId.
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_orders_client_id_active ON orders(client_order_id) WHERE deleted_at IS NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_orders_broker_id_active ON orders(broker_order_id) WHERE deleted_at IS NULL AND broker_order_id IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS order_fills (
		fill_id TEXT NOT NULL PRIMARY KEY,
		order_id TEXT NOT NULL,
		fill_qty INTEGER NOT NULL,
		fill_price TEXT NOT NULL,
		fill_ts TIMESTAMP NOT NULL,
		broker_fill_id TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_order_fills_broker_fill ON order_fills(order_id, broker_fill_id)`,

	`CREATE TABLE IF NOT EXISTS exit_signals (
		exit_signal_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		trade_id TEXT NOT NULL,
		exit_reason TEXT NOT NULL,
		episode_id INTEGER NOT NULL,
		exit_price_at_detection TEXT NOT NULL,
		brick_movement TEXT NOT NULL,
		favorable_movement TEXT NOT NULL,
		trailing_stop_price TEXT,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP,
		PRIMARY KEY (exit_signal_id, version)
	)`,
	// Invariant 7 / episode monotonicity: unique per (trade, reason, episode).
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_exit_signals_episode ON exit_signals(trade_id, exit_reason, episode_id) WHERE deleted_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS exit_intents (
		exit_intent_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		trade_id TEXT NOT NULL,
		user_broker_id TEXT NOT NULL,
		exit_reason TEXT NOT NULL,
		episode_id INTEGER NOT NULL,
		calculated_qty INTEGER NOT NULL,
		order_type TEXT NOT NULL,
		limit_price TEXT NOT NULL,
		status TEXT NOT NULL,
		broker_order_id TEXT,
		cooldown_until TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP,
		PRIMARY KEY (exit_intent_id, version)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_exit_intents_active ON exit_intents(exit_intent_id) WHERE deleted_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS oauth_states (
		state TEXT PRIMARY KEY,
		user_broker_id TEXT NOT NULL,
		broker_id TEXT NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		used_at TIMESTAMP
	)`,

	// Append-only event log (spec §5/§6): no soft-delete, no versioning —
	// events are a record of what happened, never corrected in place.
	`CREATE TABLE IF NOT EXISTS events (
		event_id TEXT NOT NULL PRIMARY KEY,
		event_type TEXT NOT NULL,
		module TEXT NOT NULL,
		data TEXT NOT NULL,
		occurred_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_events_type_occurred ON events(event_type, occurred_at)`,
}
