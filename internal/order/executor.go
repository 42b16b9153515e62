// Package order is the Order Execution Engine (C6): it turns one signal
// broadcast against one subscription into entry + protective-leg orders on
// the resolved venue, and persists the outcome.
package order

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"signalrelay/internal/events"
	"signalrelay/internal/gateway"
	"signalrelay/internal/risk"
	"signalrelay/pkg/config"
	"signalrelay/pkg/db"
	exchange "signalrelay/pkg/exchanges/common"
)

// Executor builds and submits entry+SL/TP orders for one subscription
// against one signal (§4.6). Gateway resolution goes through the Credential
// Store (C2) instead of a per-connection cache of its own.
type Executor struct {
	Gateways *gateway.Manager
	Queries  *db.Gateway
	Bus      *events.Bus
	Retry    RetryConfig
}

// RetryConfig mirrors config.Config's order-retry knobs.
type RetryConfig struct {
	MaxAttempts int
	BackoffSec  []int
}

// NewExecutor builds an Executor backed by the gateway pool and persistence
// layer, with retry tuned from config.Config.
func NewExecutor(gateways *gateway.Manager, queries *db.Gateway, bus *events.Bus, cfg *config.Config) *Executor {
	return &Executor{
		Gateways: gateways,
		Queries:  queries,
		Bus:      bus,
		Retry: RetryConfig{
			MaxAttempts: cfg.OrderRetryMaxAttempts,
			BackoffSec:  cfg.OrderRetryBackoffSec,
		},
	}
}

// Execute runs §4.6 steps 1-7 for a buy/sell signal against one subscription.
func (e *Executor) Execute(ctx context.Context, in Input) (Outcome, error) {
	gw, err := e.Gateways.GetOrCreate(ctx, in.Account.ID)
	if err != nil {
		return e.fail(ctx, in, "", fmt.Sprintf("gateway unavailable: %v", err)), nil
	}

	isBuy := in.Signal.Action == "buy"
	side := exchange.SideSell
	if isBuy {
		side = exchange.SideBuy
	}

	price, err := gw.GetCurrentPrice(ctx, in.Signal.Ticker)
	if err != nil {
		e.Gateways.RecordFailure(in.Account.ID)
		return e.fail(ctx, in, "", fmt.Sprintf("get current price: %v", err)), nil
	}

	rawQty := (in.Effective.MarginUsd * in.Effective.Leverage) / price
	qty, err := gw.NormalizeQuantity(in.Signal.Ticker, rawQty)
	if err != nil {
		return e.fail(ctx, in, "", fmt.Sprintf("normalize quantity: %v", err)), nil
	}

	slPrice, tpPrice := risk.ComputeSlTp(price, in.Effective.SlPct, in.Effective.TpPct, isBuy)
	if slPrice, err = gw.NormalizePrice(in.Signal.Ticker, slPrice); err != nil {
		return e.fail(ctx, in, "", fmt.Sprintf("normalize sl price: %v", err)), nil
	}
	if tpPrice, err = gw.NormalizePrice(in.Signal.Ticker, tpPrice); err != nil {
		return e.fail(ctx, in, "", fmt.Sprintf("normalize tp price: %v", err)), nil
	}

	positionSide := ""
	mode, err := e.Gateways.PositionMode(ctx, in.Account.ID)
	if err == nil && mode == exchange.PositionModeHedge {
		positionSide = "LONG"
		if !isBuy {
			positionSide = "SHORT"
		}
	}

	if err := gw.SetLeverage(ctx, in.Signal.Ticker, int(in.Effective.Leverage), positionSide); err != nil {
		log.Printf("order: set leverage failed for %s %s: %v", in.Account.ID, in.Signal.Ticker, err)
	}

	res, err := gw.ExecuteOrderWithSlTp(ctx, in.Signal.Ticker, side, qty, int(in.Effective.Leverage), slPrice, tpPrice, positionSide)
	if err != nil && res.EntryOrderID == "" {
		e.Gateways.RecordFailure(in.Account.ID)
		return e.fail(ctx, in, "", fmt.Sprintf("execute order with sl/tp: %v", err)), nil
	}
	e.Gateways.RecordSuccess(in.Account.ID)
	if err != nil {
		// SL_TP_PARTIAL (§7): entry filled but at least one protective leg
		// did not. The position is live on the exchange either way, so it
		// still has to be tracked rather than discarded. Whichever leg
		// failed comes back with an empty id below and hits the same
		// retry/partial-notification path as a nil-error partial result.
		log.Printf("order: SL_TP_PARTIAL subscription=%s symbol=%s: entry filled, %v", in.Subscription.ID, in.Signal.Ticker, err)
	}

	partial := false
	if res.SlOrderID == "" {
		if id, ok := e.retryProtectiveLeg(ctx, gw, in, side, positionSide, qty, exchange.OrderTypeStopMarket, slPrice); ok {
			res.SlOrderID = id
		} else {
			partial = true
		}
	}
	if res.TpOrderID == "" {
		if id, ok := e.retryProtectiveLeg(ctx, gw, in, side, positionSide, qty, exchange.OrderTypeTakeProfitMarket, tpPrice); ok {
			res.TpOrderID = id
		} else {
			partial = true
		}
	}

	now := time.Now()
	se := &db.SignalExecution{
		ID:                uuid.NewString(),
		SignalID:          in.Signal.ID,
		SubscriptionID:    in.Subscription.ID,
		UserID:            in.Subscription.UserID,
		ExchangeAccountID: in.Account.ID,
		Status:            "success",
		ExchangeOrderID:   res.EntryOrderID,
		ExecutedPrice:     &res.AvgPrice,
		ExecutedQuantity:  &res.ExecutedQty,
		SlOrderID:         res.SlOrderID,
		TpOrderID:         res.TpOrderID,
		SlPrice:           &slPrice,
		TpPrice:           &tpPrice,
		CompletedAt:       &now,
	}

	direction := "long"
	if !isBuy {
		direction = "short"
	}
	trade := &db.Trade{
		ID:             uuid.NewString(),
		SubscriptionID: in.Subscription.ID,
		UserID:         in.Subscription.UserID,
		Symbol:         in.Signal.Ticker,
		Side:           strings.ToLower(string(side)),
		Direction:      direction,
		EntryPrice:     res.AvgPrice,
		EntryQuantity:  res.ExecutedQty,
		EntryTime:      now,
		SlOrderID:      res.SlOrderID,
		TpOrderID:      res.TpOrderID,
	}

	if txErr := e.persist(ctx, se, trade, in.Subscription.ID); txErr != nil {
		return Outcome{Status: "failed", ErrorMessage: txErr.Error()}, txErr
	}

	if partial {
		e.notifyPartialFailure(ctx, in, se.ID)
	}

	if e.Bus != nil {
		e.Bus.Publish(events.EventExecutionCompleted, se)
	}

	return Outcome{
		Status:             "success",
		SignalExecutionID:  se.ID,
		TradeID:            trade.ID,
		ExchangeOrderID:    res.EntryOrderID,
		ExecutedPrice:      res.AvgPrice,
		ExecutedQuantity:   res.ExecutedQty,
		SlOrderID:          res.SlOrderID,
		TpOrderID:          res.TpOrderID,
		PartialSlTpFailure: partial,
	}, nil
}

// persist writes the SignalExecution, the open Trade, and the subscription
// counter bump (§4.6 steps 6-7) as one transaction.
func (e *Executor) persist(ctx context.Context, se *db.SignalExecution, trade *db.Trade, subscriptionID string) error {
	return e.Queries.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.Queries.CreateSignalExecution(ctx, tx, se); err != nil {
			return fmt.Errorf("create signal execution: %w", err)
		}
		trade.SignalExecutionID = se.ID
		if err := e.Queries.CreateTrade(ctx, tx, trade); err != nil {
			return fmt.Errorf("create trade: %w", err)
		}
		if err := e.Queries.ApplyEntrySuccess(ctx, tx, subscriptionID); err != nil {
			return fmt.Errorf("apply entry success: %w", err)
		}
		return nil
	})
}

// ExecuteClose handles action=close/close_all (§4.6 final paragraph): it
// reads live positions for the signal's symbol and submits a reverse-side
// market order per position. It writes no Trade or SignalExecution rows:
// the matching open Trade rows stay open until the scheduler's ghost-trade
// sweep sees no live position and closes them through C11 with exitReason
// ghost_cleanup_sync at the entry price.
func (e *Executor) ExecuteClose(ctx context.Context, in Input) ([]Outcome, error) {
	gw, err := e.Gateways.GetOrCreate(ctx, in.Account.ID)
	if err != nil {
		return nil, fmt.Errorf("gateway unavailable: %w", err)
	}

	positions, err := gw.ListPositions(ctx)
	if err != nil {
		e.Gateways.RecordFailure(in.Account.ID)
		return nil, fmt.Errorf("list positions: %w", err)
	}

	var outcomes []Outcome
	for _, pos := range positions {
		if pos.Symbol != in.Signal.Ticker || pos.Quantity == 0 {
			continue
		}
		reverseSide := exchange.SideSell
		if pos.Side == exchange.SideSell {
			reverseSide = exchange.SideBuy
		}
		req := exchange.OrderRequest{
			Symbol:       pos.Symbol,
			Side:         reverseSide,
			Type:         exchange.OrderTypeMarket,
			Qty:          pos.Quantity,
			ReduceOnly:   true,
			PositionSide: pos.PositionSide,
			Market:       exchange.MarketFutures,
		}
		res, err := gw.PlaceOrder(ctx, req)
		if err != nil {
			outcomes = append(outcomes, Outcome{Status: "failed", ErrorMessage: err.Error()})
			continue
		}
		outcomes = append(outcomes, Outcome{
			Status:           "success",
			ExchangeOrderID:  res.ExchangeOrderID,
			ExecutedPrice:    res.AvgPrice,
			ExecutedQuantity: res.ExecutedQty,
		})
	}
	return outcomes, nil
}

// retryProtectiveLeg retries placing a single missing protective leg with
// the exponential backoff of §4.6 step 5 (1s, 2s, 4s, capped at 3 attempts).
// entry succeeding but a leg failing is never rolled back; this only tries
// to recover the leg, returning ok=false if every attempt fails.
func (e *Executor) retryProtectiveLeg(ctx context.Context, gw exchange.Gateway, in Input, entrySide exchange.Side, positionSide string, qty float64, orderType exchange.OrderType, stopPrice float64) (string, bool) {
	closeSide := exchange.SideSell
	if entrySide == exchange.SideSell {
		closeSide = exchange.SideBuy
	}
	req := exchange.OrderRequest{
		Symbol:       in.Signal.Ticker,
		Side:         closeSide,
		Type:         orderType,
		Qty:          qty,
		StopPrice:    stopPrice,
		ReduceOnly:   true,
		PositionSide: positionSide,
		Market:       exchange.MarketFutures,
	}

	attempts := e.Retry.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	backoff := e.Retry.BackoffSec
	if len(backoff) == 0 {
		backoff = []int{1, 2, 4}
	}

	for attempt := 0; attempt < attempts; attempt++ {
		delay := backoff[len(backoff)-1]
		if attempt < len(backoff) {
			delay = backoff[attempt]
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-time.After(time.Duration(delay) * time.Second):
		}
		res, err := gw.PlaceOrder(ctx, req)
		if err == nil {
			return res.ExchangeOrderID, true
		}
		log.Printf("order: protective leg retry %d/%d for %s failed: %v", attempt+1, attempts, in.Signal.Ticker, err)
	}
	return "", false
}

func (e *Executor) fail(ctx context.Context, in Input, errCode, errMsg string) Outcome {
	if e.Queries != nil {
		_ = e.Queries.ApplyEntryFailure(ctx, in.Subscription.ID)
		se := &db.SignalExecution{
			ID:                uuid.NewString(),
			SignalID:          in.Signal.ID,
			SubscriptionID:    in.Subscription.ID,
			UserID:            in.Subscription.UserID,
			ExchangeAccountID: in.Account.ID,
			Status:            "failed",
			ErrorCode:         errCode,
			ErrorMessage:      errMsg,
		}
		err := e.Queries.WithTx(ctx, func(tx *sql.Tx) error {
			return e.Queries.CreateSignalExecution(ctx, tx, se)
		})
		if err != nil {
			log.Printf("order: failed to record failed execution: %v", err)
		}
	}
	log.Printf("order: execution failed for subscription %s: %s", in.Subscription.ID, errMsg)
	return Outcome{Status: "failed", ErrorCode: errCode, ErrorMessage: errMsg}
}

func (e *Executor) notifyPartialFailure(ctx context.Context, in Input, signalExecutionID string) {
	msg := fmt.Sprintf("entry filled but a protective leg could not be placed after retries (execution %s)", signalExecutionID)
	log.Printf("order: SL_TP_PARTIAL subscription=%s symbol=%s: %s", in.Subscription.ID, in.Signal.Ticker, msg)
	if e.Bus != nil {
		e.Bus.Publish(events.EventNotification, db.Notification{
			UserID:   in.Subscription.UserID,
			Type:     "warning",
			Category: "SL_TP_PARTIAL",
			Title:    "Protective order incomplete",
			Message:  msg,
		})
	}
}
