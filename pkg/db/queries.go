// Package db is the persistence gateway: typed access to signals,
// executions, trades, subscriptions, P&L snapshots and notifications, plus
// the transactional helpers their cross-entity updates need.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound = errors.New("record not found")
)

// Gateway is the typed persistence façade bound to the §3 entities.
type Gateway struct {
	db *sql.DB
}

// NewGateway wraps an open Database.
func NewGateway(d *Database) *Gateway {
	return &Gateway{db: d.DB}
}

// WithTx runs fn inside a transaction, committing on success. Used for the
// fixed-order compensating-update sequence (execution row -> trade row ->
// subscription counters -> daily snapshot -> notification): every step below
// writes through the *sql.Tx passed to fn so a mid-sequence failure rolls
// back cleanly where the backing store supports it.
func (g *Gateway) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ----------------------------------------
// ExchangeAccount
// ----------------------------------------

func (g *Gateway) GetExchangeAccount(ctx context.Context, id string) (*ExchangeAccount, error) {
	row := g.db.QueryRowContext(ctx, `
		SELECT id, owner_user_id, venue, api_key, api_secret, COALESCE(passphrase,''),
		       is_testnet, is_active, COALESCE(position_mode,''), last_sync_at, created_at, updated_at
		FROM exchange_accounts WHERE id = ?`, id)
	return scanExchangeAccount(row)
}

func scanExchangeAccount(row *sql.Row) (*ExchangeAccount, error) {
	var a ExchangeAccount
	var lastSync sql.NullTime
	err := row.Scan(&a.ID, &a.OwnerUserID, &a.Venue, &a.APIKey, &a.APISecret, &a.Passphrase,
		&a.IsTestnet, &a.IsActive, &a.PositionMode, &lastSync, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan exchange_account: %w", err)
	}
	if lastSync.Valid {
		a.LastSyncAt = &lastSync.Time
	}
	return &a, nil
}

func (g *Gateway) ListActiveExchangeAccounts(ctx context.Context) ([]ExchangeAccount, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT id, owner_user_id, venue, api_key, api_secret, COALESCE(passphrase,''),
		       is_testnet, is_active, COALESCE(position_mode,''), last_sync_at, created_at, updated_at
		FROM exchange_accounts WHERE is_active = 1`)
	if err != nil {
		return nil, fmt.Errorf("query exchange_accounts: %w", err)
	}
	defer rows.Close()

	var out []ExchangeAccount
	for rows.Next() {
		var a ExchangeAccount
		var lastSync sql.NullTime
		if err := rows.Scan(&a.ID, &a.OwnerUserID, &a.Venue, &a.APIKey, &a.APISecret, &a.Passphrase,
			&a.IsTestnet, &a.IsActive, &a.PositionMode, &lastSync, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan exchange_account: %w", err)
		}
		if lastSync.Valid {
			a.LastSyncAt = &lastSync.Time
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (g *Gateway) UpdateExchangeAccountSync(ctx context.Context, id string, at time.Time) error {
	_, err := g.db.ExecContext(ctx, `UPDATE exchange_accounts SET last_sync_at = ? WHERE id = ?`, at, id)
	return err
}

func (g *Gateway) SetExchangeAccountPositionMode(ctx context.Context, id, mode string) error {
	_, err := g.db.ExecContext(ctx, `UPDATE exchange_accounts SET position_mode = ? WHERE id = ?`, mode, id)
	return err
}

// ----------------------------------------
// Bot
// ----------------------------------------

func (g *Gateway) GetBot(ctx context.Context, id string) (*Bot, error) {
	row := g.db.QueryRowContext(ctx, `
		SELECT id, name, default_leverage, default_margin_usd, default_stop_loss_pct,
		       default_take_profit_pct, market_type, allowed_directions, created_at, updated_at
		FROM bots WHERE id = ?`, id)
	var b Bot
	err := row.Scan(&b.ID, &b.Name, &b.DefaultLeverage, &b.DefaultMarginUsd, &b.DefaultStopLossPct,
		&b.DefaultTakeProfitPct, &b.MarketType, &b.AllowedDirections, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan bot: %w", err)
	}
	return &b, nil
}

// ----------------------------------------
// Subscription
// ----------------------------------------

func scanSubscription(scan func(...any) error) (*Subscription, error) {
	var s Subscription
	var lev, margin, slPct, tpPct sql.NullFloat64
	err := scan(&s.ID, &s.UserID, &s.BotID, &s.ExchangeAccountID, &s.Status,
		&lev, &margin, &slPct, &tpPct,
		&s.MaxDailyLossUsd, &s.MaxConcurrentPositions, &s.CurrentDailyLossUsd, &s.CurrentPositions,
		&s.TotalPnlUsd, &s.WinCount, &s.LossCount,
		&s.TotalSignalsReceived, &s.TotalOrdersExecuted, &s.TotalOrdersFailed,
		&s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	if lev.Valid {
		s.LeverageOverride = &lev.Float64
	}
	if margin.Valid {
		s.MarginUsdOverride = &margin.Float64
	}
	if slPct.Valid {
		s.StopLossPctOverride = &slPct.Float64
	}
	if tpPct.Valid {
		s.TakeProfitPctOverride = &tpPct.Float64
	}
	return &s, nil
}

const subscriptionCols = `
	id, user_id, bot_id, exchange_account_id, status,
	leverage_override, margin_usd_override, stop_loss_pct_override, take_profit_pct_override,
	max_daily_loss_usd, max_concurrent_positions, current_daily_loss_usd, current_positions,
	total_pnl_usd, win_count, loss_count,
	total_signals_received, total_orders_executed, total_orders_failed,
	created_at, updated_at`

func (g *Gateway) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	row := g.db.QueryRowContext(ctx, `SELECT `+subscriptionCols+` FROM subscriptions WHERE id = ?`, id)
	return scanSubscription(row.Scan)
}

// ListActiveSubscriptionsForBot returns every active subscription whose
// ExchangeAccount is also active, for the broadcast fan-out (§4.7 step 3).
func (g *Gateway) ListActiveSubscriptionsForBot(ctx context.Context, botID string) ([]Subscription, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT s.id, s.user_id, s.bot_id, s.exchange_account_id, s.status,
		       s.leverage_override, s.margin_usd_override, s.stop_loss_pct_override, s.take_profit_pct_override,
		       s.max_daily_loss_usd, s.max_concurrent_positions, s.current_daily_loss_usd, s.current_positions,
		       s.total_pnl_usd, s.win_count, s.loss_count,
		       s.total_signals_received, s.total_orders_executed, s.total_orders_failed,
		       s.created_at, s.updated_at
		FROM subscriptions s
		JOIN exchange_accounts a ON a.id = s.exchange_account_id
		WHERE s.bot_id = ? AND s.status = 'active' AND a.is_active = 1`, botID)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}

// IncrementSignalReceived bumps totalSignalsReceived only — used for both
// skipped and attempted executions (Open Question 1).
func (g *Gateway) IncrementSignalReceived(ctx context.Context, subscriptionID string) error {
	_, err := g.db.ExecContext(ctx,
		`UPDATE subscriptions SET total_signals_received = total_signals_received + 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		subscriptionID)
	return err
}

// ApplyEntrySuccess increments currentPositions and totalOrdersExecuted
// (C6 §4.6 step 7); totalSignalsReceived is incremented separately per
// Open Question 1.
func (g *Gateway) ApplyEntrySuccess(ctx context.Context, tx *sql.Tx, subscriptionID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE subscriptions SET current_positions = current_positions + 1,
		       total_orders_executed = total_orders_executed + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, subscriptionID)
	return err
}

func (g *Gateway) ApplyEntryFailure(ctx context.Context, subscriptionID string) error {
	_, err := g.db.ExecContext(ctx, `
		UPDATE subscriptions SET total_orders_failed = total_orders_failed + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, subscriptionID)
	return err
}

// ApplyTradeClose decrements currentPositions, rolls P&L and win/loss into
// the subscription (C11 sole writer).
func (g *Gateway) ApplyTradeClose(ctx context.Context, tx *sql.Tx, subscriptionID string, pnlUsd float64, isWinner bool) error {
	winDelta, lossDelta := 0, 0
	if isWinner {
		winDelta = 1
	} else {
		lossDelta = 1
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE subscriptions SET
			current_positions = MAX(current_positions - 1, 0),
			total_pnl_usd = total_pnl_usd + ?,
			win_count = win_count + ?,
			loss_count = loss_count + ?,
			current_daily_loss_usd = current_daily_loss_usd + MAX(-?, 0),
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, pnlUsd, winDelta, lossDelta, pnlUsd, subscriptionID)
	return err
}

// CountOpenTrades is the live open-position count used by the risk gate's
// MAX_POSITIONS check and the counter-conservation invariant (§8 #1).
func (g *Gateway) CountOpenTrades(ctx context.Context, subscriptionID string) (int, error) {
	var n int
	err := g.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM trades WHERE subscription_id = ? AND status = 'open'`, subscriptionID).Scan(&n)
	return n, err
}

// ReconcileCurrentPositions sets currentPositions to the live open-trade
// count (C10 counter sync).
func (g *Gateway) ReconcileCurrentPositions(ctx context.Context, subscriptionID string) error {
	_, err := g.db.ExecContext(ctx, `
		UPDATE subscriptions SET current_positions = (
			SELECT COUNT(*) FROM trades WHERE subscription_id = subscriptions.id AND status = 'open'
		), updated_at = CURRENT_TIMESTAMP WHERE id = ?`, subscriptionID)
	return err
}

func (g *Gateway) ResetDailyLoss(ctx context.Context, subscriptionID string) error {
	_, err := g.db.ExecContext(ctx,
		`UPDATE subscriptions SET current_daily_loss_usd = 0, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, subscriptionID)
	return err
}

func (g *Gateway) ListAllSubscriptionIDs(ctx context.Context) ([]string, error) {
	rows, err := g.db.QueryContext(ctx, `SELECT id FROM subscriptions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ----------------------------------------
// Signal
// ----------------------------------------

func (g *Gateway) CreateSignal(ctx context.Context, s *Signal) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO signals (id, bot_id, ticker, action, source_ip, raw_payload, total_subscribers)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.BotID, s.Ticker, s.Action, s.SourceIP, s.RawPayload, s.TotalSubscribers)
	return err
}

func (g *Gateway) UpdateSignalTotals(ctx context.Context, id string, totalSub, success, failed int, durationMs int64) error {
	_, err := g.db.ExecContext(ctx, `
		UPDATE signals SET total_subscribers = ?, successful_executions = ?, failed_executions = ?,
		       broadcast_duration_ms = ?, completed_at = CURRENT_TIMESTAMP
		WHERE id = ?`, totalSub, success, failed, durationMs, id)
	return err
}

// ----------------------------------------
// SignalExecution
// ----------------------------------------

func (g *Gateway) CreateSignalExecution(ctx context.Context, ex execer, se *SignalExecution) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO signal_executions (
			id, signal_id, subscription_id, user_id, exchange_account_id, status,
			exchange_order_id, executed_price, executed_quantity,
			sl_order_id, tp_order_id, sl_price, tp_price,
			close_reason, error_message, error_code, execution_time_ms, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		se.ID, se.SignalID, se.SubscriptionID, se.UserID, se.ExchangeAccountID, se.Status,
		se.ExchangeOrderID, se.ExecutedPrice, se.ExecutedQuantity,
		nullStr(se.SlOrderID), nullStr(se.TpOrderID), se.SlPrice, se.TpPrice,
		nullStr(se.CloseReason), nullStr(se.ErrorMessage), nullStr(se.ErrorCode), se.ExecutionTimeMs, se.CompletedAt)
	return err
}

func (g *Gateway) UpdateSignalExecutionOrderStatus(ctx context.Context, id, slStatus, tpStatus string) error {
	_, err := g.db.ExecContext(ctx,
		`UPDATE signal_executions SET sl_order_status = ?, tp_order_status = ? WHERE id = ?`, slStatus, tpStatus, id)
	return err
}

// ListMonitorCandidates returns executions that still need protective-order
// resolution: successful, with at least one protective order, and not yet
// linked to a closed Trade (§4.9).
func (g *Gateway) ListMonitorCandidates(ctx context.Context) ([]SignalExecution, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT se.id, se.signal_id, se.subscription_id, se.user_id, se.exchange_account_id, se.status,
		       COALESCE(se.exchange_order_id,''), se.executed_price, se.executed_quantity,
		       COALESCE(se.sl_order_id,''), COALESCE(se.tp_order_id,''), se.sl_price, se.tp_price,
		       COALESCE(se.sl_order_status,''), COALESCE(se.tp_order_status,''), se.realized_pnl,
		       COALESCE(se.close_reason,''), COALESCE(se.error_message,''), COALESCE(se.error_code,''),
		       se.execution_time_ms, se.created_at, se.completed_at
		FROM signal_executions se
		LEFT JOIN trades t ON t.signal_execution_id = se.id AND t.status = 'closed'
		WHERE se.status = 'success'
		  AND (se.sl_order_id IS NOT NULL OR se.tp_order_id IS NOT NULL)
		  AND t.id IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("query monitor candidates: %w", err)
	}
	defer rows.Close()

	var out []SignalExecution
	for rows.Next() {
		var se SignalExecution
		if err := rows.Scan(&se.ID, &se.SignalID, &se.SubscriptionID, &se.UserID, &se.ExchangeAccountID, &se.Status,
			&se.ExchangeOrderID, &se.ExecutedPrice, &se.ExecutedQuantity,
			&se.SlOrderID, &se.TpOrderID, &se.SlPrice, &se.TpPrice,
			&se.SlOrderStatus, &se.TpOrderStatus, &se.RealizedPnl,
			&se.CloseReason, &se.ErrorMessage, &se.ErrorCode,
			&se.ExecutionTimeMs, &se.CreatedAt, &se.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan signal_execution: %w", err)
		}
		out = append(out, se)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Trade
// ----------------------------------------

func (g *Gateway) CreateTrade(ctx context.Context, ex execer, t *Trade) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO trades (
			id, subscription_id, user_id, signal_execution_id, symbol, side, direction,
			entry_price, entry_quantity, entry_time, sl_order_id, tp_order_id, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'open')`,
		t.ID, t.SubscriptionID, t.UserID, nullStr(t.SignalExecutionID), t.Symbol, t.Side, t.Direction,
		t.EntryPrice, t.EntryQuantity, t.EntryTime, nullStr(t.SlOrderID), nullStr(t.TpOrderID))
	return err
}

func (g *Gateway) GetTrade(ctx context.Context, id string) (*Trade, error) {
	row := g.db.QueryRowContext(ctx, tradeSelectSQL+` WHERE id = ?`, id)
	return scanTrade(row.Scan)
}

func (g *Gateway) GetOpenTradeByExecution(ctx context.Context, signalExecutionID string) (*Trade, error) {
	row := g.db.QueryRowContext(ctx, tradeSelectSQL+` WHERE signal_execution_id = ? AND status = 'open'`, signalExecutionID)
	return scanTrade(row.Scan)
}

const tradeSelectSQL = `
	SELECT id, subscription_id, user_id, COALESCE(signal_execution_id,''), symbol, side, direction,
	       entry_price, entry_quantity, entry_time, COALESCE(sl_order_id,''), COALESCE(tp_order_id,''),
	       exit_price, exit_quantity, exit_time, COALESCE(exit_reason,''), pnl_usd, pnl_pct, is_winner,
	       status, created_at
	FROM trades`

func scanTrade(scan func(...any) error) (*Trade, error) {
	var t Trade
	var isWinner sql.NullBool
	err := scan(&t.ID, &t.SubscriptionID, &t.UserID, &t.SignalExecutionID, &t.Symbol, &t.Side, &t.Direction,
		&t.EntryPrice, &t.EntryQuantity, &t.EntryTime, &t.SlOrderID, &t.TpOrderID,
		&t.ExitPrice, &t.ExitQuantity, &t.ExitTime, &t.ExitReason, &t.PnlUsd, &t.PnlPct, &isWinner,
		&t.Status, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan trade: %w", err)
	}
	if isWinner.Valid {
		t.IsWinner = &isWinner.Bool
	}
	return &t, nil
}

// CloseTrade is idempotent: it only transitions status open->closed; a
// second call against an already-closed row is a no-op (§8 invariant 2),
// reported as false (no row affected).
func (g *Gateway) CloseTrade(ctx context.Context, tx *sql.Tx, tradeID string, exitPrice, exitQty float64, exitTime time.Time, exitReason string, pnlUsd, pnlPct float64, isWinner bool) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE trades SET exit_price = ?, exit_quantity = ?, exit_time = ?, exit_reason = ?,
		       pnl_usd = ?, pnl_pct = ?, is_winner = ?, status = 'closed'
		WHERE id = ? AND status = 'open'`,
		exitPrice, exitQty, exitTime, exitReason, pnlUsd, pnlPct, isWinner, tradeID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListOpenTradesForAccount supports the ghost sweep's per-(account, symbol)
// comparison against the exchange's live position list.
func (g *Gateway) ListOpenTradesForAccount(ctx context.Context, exchangeAccountID string) ([]Trade, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT t.id, t.subscription_id, t.user_id, COALESCE(t.signal_execution_id,''), t.symbol, t.side, t.direction,
		       t.entry_price, t.entry_quantity, t.entry_time, COALESCE(t.sl_order_id,''), COALESCE(t.tp_order_id,''),
		       t.exit_price, t.exit_quantity, t.exit_time, COALESCE(t.exit_reason,''), t.pnl_usd, t.pnl_pct, t.is_winner,
		       t.status, t.created_at
		FROM trades t
		JOIN subscriptions s ON s.id = t.subscription_id
		WHERE s.exchange_account_id = ? AND t.status = 'open'`, exchangeAccountID)
	if err != nil {
		return nil, fmt.Errorf("query open trades: %w", err)
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		tr, err := scanTrade(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *tr)
	}
	return out, rows.Err()
}

// GetOpenTradeForSymbol finds the open Trade for one subscription's symbol,
// the lookup the client mutation endpoint (SL/TP move/create/cancel) uses
// to resolve which protective orders to touch.
func (g *Gateway) GetOpenTradeForSymbol(ctx context.Context, subscriptionID, symbol string) (*Trade, error) {
	row := g.db.QueryRowContext(ctx, tradeSelectSQL+` WHERE subscription_id = ? AND symbol = ? AND status = 'open'`, subscriptionID, symbol)
	return scanTrade(row.Scan)
}

// UpdateTradeProtectiveOrders overwrites a Trade's SL/TP order IDs after a
// client-initiated move/create/cancel.
func (g *Gateway) UpdateTradeProtectiveOrders(ctx context.Context, tradeID, slOrderID, tpOrderID string) error {
	_, err := g.db.ExecContext(ctx,
		`UPDATE trades SET sl_order_id = ?, tp_order_id = ? WHERE id = ?`,
		nullStr(slOrderID), nullStr(tpOrderID), tradeID)
	return err
}

// ----------------------------------------
// DailyPnlSnapshot
// ----------------------------------------

// UpsertDailySnapshot rolls one trade close into the subscription's
// per-day snapshot (C11 step 3). Cumulative wins/losses are read from the
// subscription's win_count/loss_count, so ApplyTradeClose runs first in the
// same transaction.
func (g *Gateway) UpsertDailySnapshot(ctx context.Context, tx *sql.Tx, subscriptionID, userID, botID, date string, pnlDelta float64, cumulativePnl float64, isWinner bool) error {
	winDelta, lossDelta := 0, 0
	if isWinner {
		winDelta = 1
	} else {
		lossDelta = 1
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO daily_pnl_snapshots (
			subscription_id, user_id, bot_id, snapshot_date, daily_pnl_usd, cumulative_pnl_usd,
			daily_wins, daily_losses, cumulative_wins, cumulative_losses, win_rate_pct, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?,
			(SELECT win_count FROM subscriptions WHERE id = ?),
			(SELECT loss_count FROM subscriptions WHERE id = ?),
			0, CURRENT_TIMESTAMP)
		ON CONFLICT(subscription_id, snapshot_date) DO UPDATE SET
			daily_pnl_usd = daily_pnl_usd + excluded.daily_pnl_usd,
			cumulative_pnl_usd = excluded.cumulative_pnl_usd,
			daily_wins = daily_wins + excluded.daily_wins,
			daily_losses = daily_losses + excluded.daily_losses,
			cumulative_wins = excluded.cumulative_wins,
			cumulative_losses = excluded.cumulative_losses,
			updated_at = CURRENT_TIMESTAMP`,
		subscriptionID, userID, botID, date, pnlDelta, cumulativePnl, winDelta, lossDelta, subscriptionID, subscriptionID)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE daily_pnl_snapshots SET win_rate_pct = CASE WHEN (cumulative_wins + cumulative_losses) > 0
			THEN 100.0 * cumulative_wins / (cumulative_wins + cumulative_losses) ELSE 0 END
		WHERE subscription_id = ? AND snapshot_date = ?`, subscriptionID, date)
	return err
}

// ListSubscriptionsMissingSnapshot returns subscription IDs with no
// daily_pnl_snapshots row for date (maintenance window step i).
func (g *Gateway) ListSubscriptionsMissingSnapshot(ctx context.Context, date string) ([]string, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT s.id FROM subscriptions s
		LEFT JOIN daily_pnl_snapshots d ON d.subscription_id = s.id AND d.snapshot_date = ?
		WHERE d.subscription_id IS NULL`, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (g *Gateway) FinalizeEmptySnapshot(ctx context.Context, subscriptionID, userID, botID, date string) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO daily_pnl_snapshots (subscription_id, user_id, bot_id, snapshot_date, sealed)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(subscription_id, snapshot_date) DO NOTHING`, subscriptionID, userID, botID, date)
	return err
}

// SealSnapshotsForDate marks every snapshot of date sealed, exactly once
// per UTC day (§8 invariant 8).
func (g *Gateway) SealSnapshotsForDate(ctx context.Context, date string) error {
	_, err := g.db.ExecContext(ctx, `UPDATE daily_pnl_snapshots SET sealed = 1 WHERE snapshot_date = ?`, date)
	return err
}

// ----------------------------------------
// Notification
// ----------------------------------------

func (g *Gateway) CreateNotification(ctx context.Context, ex execer, n *Notification) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, type, category, title, message, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, n.ID, n.UserID, n.Type, n.Category, n.Title, n.Message, n.Metadata)
	return err
}

// ----------------------------------------
// Webhook / WebhookDelivery
// ----------------------------------------

func (g *Gateway) GetWebhookByPath(ctx context.Context, path string) (*Webhook, error) {
	row := g.db.QueryRowContext(ctx, `
		SELECT id, url_path, COALESCE(bot_id,''), COALESCE(exchange_account_id,''), COALESCE(secret,''),
		       is_public, is_active, margin_usd, leverage, stop_loss_pct, take_profit_pct, market_type,
		       consecutive_errors, error_threshold, max_retries,
		       total_deliveries, successful_deliveries, failed_deliveries, created_at, updated_at
		FROM webhooks WHERE url_path = ?`, path)
	var w Webhook
	err := row.Scan(&w.ID, &w.URLPath, &w.BotID, &w.ExchangeAccountID, &w.Secret,
		&w.IsPublic, &w.IsActive, &w.MarginUsd, &w.Leverage, &w.StopLossPct, &w.TakeProfitPct, &w.MarketType,
		&w.ConsecutiveErrors, &w.ErrorThreshold, &w.MaxRetries,
		&w.TotalDeliveries, &w.SuccessfulDeliveries, &w.FailedDeliveries, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan webhook: %w", err)
	}
	return &w, nil
}

// UpdateWebhookOutcome updates the aggregate counters and auto-pauses the
// webhook once consecutiveErrors reaches errorThreshold (§4.8 step 5).
func (g *Gateway) UpdateWebhookOutcome(ctx context.Context, id string, success bool) error {
	if success {
		_, err := g.db.ExecContext(ctx, `
			UPDATE webhooks SET total_deliveries = total_deliveries + 1,
			       successful_deliveries = successful_deliveries + 1,
			       consecutive_errors = 0, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?`, id)
		return err
	}
	_, err := g.db.ExecContext(ctx, `
		UPDATE webhooks SET total_deliveries = total_deliveries + 1,
		       failed_deliveries = failed_deliveries + 1,
		       consecutive_errors = consecutive_errors + 1,
		       is_active = CASE WHEN consecutive_errors + 1 >= error_threshold THEN 0 ELSE is_active END,
		       updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, id)
	return err
}

func (g *Gateway) CreateWebhookDelivery(ctx context.Context, d *WebhookDelivery) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (id, webhook_id, signal_id, status, raw_payload, attempt)
		VALUES (?, ?, ?, ?, ?, ?)`, d.ID, d.WebhookID, nullStr(d.SignalID), d.Status, d.RawPayload, d.Attempt)
	return err
}

func (g *Gateway) UpdateWebhookDelivery(ctx context.Context, d *WebhookDelivery) error {
	_, err := g.db.ExecContext(ctx, `
		UPDATE webhook_deliveries SET status = ?, signal_id = ?, orders_created = ?, orders_executed = ?,
		       orders_failed = ?, attempt = ?, error_message = ?, processing_time_ms = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		d.Status, nullStr(d.SignalID), d.OrdersCreated, d.OrdersExecuted, d.OrdersFailed,
		d.Attempt, nullStr(d.ErrorMessage), d.ProcessingTimeMs, d.ID)
	return err
}

// ----------------------------------------
// Scheduler state (maintenance-window bookkeeping)
// ----------------------------------------

func (g *Gateway) GetSchedulerState(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := g.db.QueryRowContext(ctx, `SELECT value FROM scheduler_state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (g *Gateway) SetSchedulerState(ctx context.Context, key, value string) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO scheduler_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`, key, value)
	return err
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
