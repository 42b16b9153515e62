package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS exchange_accounts (
    id TEXT PRIMARY KEY,
    owner_user_id TEXT NOT NULL,
    venue TEXT NOT NULL,
    api_key TEXT NOT NULL,
    api_secret TEXT NOT NULL,
    passphrase TEXT,
    is_testnet BOOLEAN DEFAULT 0,
    is_active BOOLEAN DEFAULT 1,
    position_mode TEXT,
    last_sync_at DATETIME,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(owner_user_id) REFERENCES users(id)
);
CREATE INDEX IF NOT EXISTS idx_exchange_accounts_owner ON exchange_accounts(owner_user_id);

CREATE TABLE IF NOT EXISTS bots (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    default_leverage REAL DEFAULT 10,
    default_margin_usd REAL DEFAULT 100,
    default_stop_loss_pct REAL DEFAULT 3,
    default_take_profit_pct REAL DEFAULT 5,
    market_type TEXT NOT NULL DEFAULT 'futures',
    allowed_directions TEXT NOT NULL DEFAULT 'both',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS subscriptions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    bot_id TEXT NOT NULL,
    exchange_account_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'active',
    leverage_override REAL,
    margin_usd_override REAL,
    stop_loss_pct_override REAL,
    take_profit_pct_override REAL,
    max_daily_loss_usd REAL NOT NULL DEFAULT 100,
    max_concurrent_positions INTEGER NOT NULL DEFAULT 3,
    current_daily_loss_usd REAL NOT NULL DEFAULT 0,
    current_positions INTEGER NOT NULL DEFAULT 0,
    total_pnl_usd REAL NOT NULL DEFAULT 0,
    win_count INTEGER NOT NULL DEFAULT 0,
    loss_count INTEGER NOT NULL DEFAULT 0,
    total_signals_received INTEGER NOT NULL DEFAULT 0,
    total_orders_executed INTEGER NOT NULL DEFAULT 0,
    total_orders_failed INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(user_id) REFERENCES users(id),
    FOREIGN KEY(bot_id) REFERENCES bots(id),
    FOREIGN KEY(exchange_account_id) REFERENCES exchange_accounts(id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriptions_active_unique
    ON subscriptions(user_id, bot_id, exchange_account_id)
    WHERE status = 'active';
CREATE INDEX IF NOT EXISTS idx_subscriptions_bot ON subscriptions(bot_id);

CREATE TABLE IF NOT EXISTS signals (
    id TEXT PRIMARY KEY,
    bot_id TEXT NOT NULL,
    ticker TEXT NOT NULL,
    action TEXT NOT NULL,
    source_ip TEXT,
    raw_payload TEXT,
    total_subscribers INTEGER DEFAULT 0,
    successful_executions INTEGER DEFAULT 0,
    failed_executions INTEGER DEFAULT 0,
    broadcast_duration_ms INTEGER,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    completed_at DATETIME,
    FOREIGN KEY(bot_id) REFERENCES bots(id)
);
CREATE INDEX IF NOT EXISTS idx_signals_bot ON signals(bot_id);

CREATE TABLE IF NOT EXISTS signal_executions (
    id TEXT PRIMARY KEY,
    signal_id TEXT NOT NULL,
    subscription_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    exchange_account_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    exchange_order_id TEXT,
    executed_price REAL,
    executed_quantity REAL,
    sl_order_id TEXT,
    tp_order_id TEXT,
    sl_price REAL,
    tp_price REAL,
    sl_order_status TEXT,
    tp_order_status TEXT,
    realized_pnl REAL,
    close_reason TEXT,
    error_message TEXT,
    error_code TEXT,
    execution_time_ms INTEGER,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    completed_at DATETIME
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_signal_executions_unique ON signal_executions(signal_id, subscription_id);
CREATE INDEX IF NOT EXISTS idx_signal_executions_subscription ON signal_executions(subscription_id);

CREATE TABLE IF NOT EXISTS trades (
    id TEXT PRIMARY KEY,
    subscription_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    signal_execution_id TEXT,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    direction TEXT NOT NULL,
    entry_price REAL NOT NULL,
    entry_quantity REAL NOT NULL,
    entry_time DATETIME NOT NULL,
    sl_order_id TEXT,
    tp_order_id TEXT,
    exit_price REAL,
    exit_quantity REAL,
    exit_time DATETIME,
    exit_reason TEXT,
    pnl_usd REAL,
    pnl_pct REAL,
    is_winner BOOLEAN,
    status TEXT NOT NULL DEFAULT 'open',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_trades_subscription_status ON trades(subscription_id, status);
CREATE INDEX IF NOT EXISTS idx_trades_account_symbol_status ON trades(user_id, symbol, status);

CREATE TABLE IF NOT EXISTS daily_pnl_snapshots (
    subscription_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    bot_id TEXT NOT NULL,
    snapshot_date TEXT NOT NULL,
    daily_pnl_usd REAL NOT NULL DEFAULT 0,
    cumulative_pnl_usd REAL NOT NULL DEFAULT 0,
    daily_wins INTEGER NOT NULL DEFAULT 0,
    daily_losses INTEGER NOT NULL DEFAULT 0,
    cumulative_wins INTEGER NOT NULL DEFAULT 0,
    cumulative_losses INTEGER NOT NULL DEFAULT 0,
    win_rate_pct REAL NOT NULL DEFAULT 0,
    sealed BOOLEAN NOT NULL DEFAULT 0,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (subscription_id, snapshot_date)
);

CREATE TABLE IF NOT EXISTS notifications (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    type TEXT NOT NULL,
    category TEXT NOT NULL,
    title TEXT NOT NULL,
    message TEXT NOT NULL,
    metadata TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id);

CREATE TABLE IF NOT EXISTS webhooks (
    id TEXT PRIMARY KEY,
    url_path TEXT NOT NULL UNIQUE,
    bot_id TEXT,
    exchange_account_id TEXT,
    secret TEXT,
    is_public BOOLEAN DEFAULT 0,
    is_active BOOLEAN DEFAULT 1,
    margin_usd REAL DEFAULT 100,
    leverage REAL DEFAULT 10,
    stop_loss_pct REAL DEFAULT 3,
    take_profit_pct REAL DEFAULT 5,
    market_type TEXT DEFAULT 'futures',
    consecutive_errors INTEGER DEFAULT 0,
    error_threshold INTEGER DEFAULT 10,
    max_retries INTEGER DEFAULT 3,
    total_deliveries INTEGER DEFAULT 0,
    successful_deliveries INTEGER DEFAULT 0,
    failed_deliveries INTEGER DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
    id TEXT PRIMARY KEY,
    webhook_id TEXT NOT NULL,
    signal_id TEXT,
    status TEXT NOT NULL DEFAULT 'pending',
    raw_payload TEXT,
    orders_created INTEGER DEFAULT 0,
    orders_executed INTEGER DEFAULT 0,
    orders_failed INTEGER DEFAULT 0,
    attempt INTEGER DEFAULT 0,
    error_message TEXT,
    processing_time_ms INTEGER,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(webhook_id) REFERENCES webhooks(id)
);
CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_webhook ON webhook_deliveries(webhook_id);

CREATE TABLE IF NOT EXISTS scheduler_state (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Lightweight, idempotent migrations for older DB files.
	if err := ensureColumn(d.DB, "exchange_accounts", "position_mode", "TEXT"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "exchange_accounts", "last_sync_at", "DATETIME"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "subscriptions", "total_signals_received", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "trades", "exit_reason", "TEXT"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "webhooks", "consecutive_errors", "INTEGER DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "daily_pnl_snapshots", "sealed", "BOOLEAN NOT NULL DEFAULT 0"); err != nil {
		return err
	}

	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
