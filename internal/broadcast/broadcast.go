// Package broadcast is the Broadcast Fan-out (C7): it turns one signal into
// an independent execution task per active subscription of the signal's
// bot, with no cross-task dependencies, and aggregates the outcome onto the
// Signal row.
package broadcast

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"signalrelay/internal/events"
	"signalrelay/internal/order"
	"signalrelay/internal/risk"
	"signalrelay/pkg/cache"
	"signalrelay/pkg/db"
)

var validActions = map[string]bool{
	"buy": true, "sell": true, "close": true, "close_all": true,
}

// Broadcaster wires the pieces §4.7 needs: persistence, the risk gate
// (§4.5), and the order execution engine (§4.6).
type Broadcaster struct {
	Queries  *db.Gateway
	Risk     *risk.Gate
	Executor *order.Executor
	Bus      *events.Bus

	// Cooldown rejects a fresh entry for (subscription, symbol) that
	// arrives within signalCooldownMinutes of the last one. Nil disables
	// the check (e.g. in tests that don't care about re-entry gating).
	Cooldown *cache.CooldownCache
}

// NewBroadcaster builds a Broadcaster from its collaborators.
func NewBroadcaster(queries *db.Gateway, gate *risk.Gate, executor *order.Executor, bus *events.Bus) *Broadcaster {
	return &Broadcaster{Queries: queries, Risk: gate, Executor: executor, Bus: bus}
}

// Request is the (botId, ticker, action, sourceIp, payload) tuple §4.7
// takes as input, regardless of whether it arrived via webhook (C8a) or an
// internal strategy signal (C8b).
type Request struct {
	BotID      string
	Ticker     string
	Action     string
	SourceIP   string
	RawPayload string
}

// SubscriptionOutcome is one subscription's result within a broadcast.
type SubscriptionOutcome struct {
	SubscriptionID string
	Status         string // success | failed | skipped
	Reason         string
}

// Result is the aggregate of one broadcast.
type Result struct {
	Signal   db.Signal
	Outcomes []SubscriptionOutcome
}

// Broadcast runs §4.7 steps 1-5. A bot-level action rejection records a
// zero-subscriber Signal and returns without touching any subscription; a
// rejection inside one subscription's task never affects another's (the
// broadcast as a whole always "succeeds" unless the bot itself is invalid).
func (b *Broadcaster) Broadcast(ctx context.Context, req Request) (Result, error) {
	bot, err := b.Queries.GetBot(ctx, req.BotID)
	if err != nil {
		return Result{}, fmt.Errorf("get bot: %w", err)
	}

	signal := &db.Signal{
		ID:         uuid.NewString(),
		BotID:      req.BotID,
		Ticker:     req.Ticker,
		Action:     req.Action,
		SourceIP:   req.SourceIP,
		RawPayload: req.RawPayload,
	}

	if !validActions[req.Action] || (!isCloseAction(req.Action) && risk.DirectionBlocked(bot.AllowedDirections, req.Action)) {
		if err := b.Queries.CreateSignal(ctx, signal); err != nil {
			return Result{}, fmt.Errorf("create signal: %w", err)
		}
		return Result{Signal: *signal}, nil
	}

	if err := b.Queries.CreateSignal(ctx, signal); err != nil {
		return Result{}, fmt.Errorf("create signal: %w", err)
	}

	subs, err := b.Queries.ListActiveSubscriptionsForBot(ctx, req.BotID)
	if err != nil {
		return Result{}, fmt.Errorf("list subscriptions: %w", err)
	}

	start := time.Now()
	resultCh := make(chan SubscriptionOutcome, len(subs))
	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub db.Subscription) {
			defer wg.Done()
			resultCh <- b.runOne(ctx, sub, *bot, *signal)
		}(sub)
	}
	wg.Wait()
	close(resultCh)

	outcomes := make([]SubscriptionOutcome, 0, len(subs))
	success, failed := 0, 0
	for r := range resultCh {
		outcomes = append(outcomes, r)
		switch r.Status {
		case "success":
			success++
		case "failed":
			failed++
		}
	}

	durationMs := time.Since(start).Milliseconds()
	if err := b.Queries.UpdateSignalTotals(ctx, signal.ID, len(subs), success, failed, durationMs); err != nil {
		return Result{}, fmt.Errorf("update signal totals: %w", err)
	}
	signal.TotalSubscribers = len(subs)
	signal.SuccessfulExecutions = success
	signal.FailedExecutions = failed
	signal.BroadcastDurationMs = &durationMs

	if b.Bus != nil {
		b.Bus.Publish(events.EventSignalReceived, *signal)
	}

	return Result{Signal: *signal, Outcomes: outcomes}, nil
}

// runOne evaluates and, if allowed, executes one subscription's reaction to
// the signal. A panic inside the task is recovered and recorded as a failed
// outcome so one subscription's crash can never take down the fan-out.
func (b *Broadcaster) runOne(ctx context.Context, sub db.Subscription, bot db.Bot, signal db.Signal) (outcome SubscriptionOutcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = SubscriptionOutcome{SubscriptionID: sub.ID, Status: "failed", Reason: fmt.Sprintf("panic: %v", r)}
		}
	}()

	_ = b.Queries.IncrementSignalReceived(ctx, sub.ID)

	decision, err := b.Risk.Evaluate(ctx, sub, bot, signal)
	if err != nil {
		return SubscriptionOutcome{SubscriptionID: sub.ID, Status: "failed", Reason: err.Error()}
	}
	if !decision.Allowed {
		return b.recordSkipped(ctx, sub, signal, decision.Reason)
	}

	account, err := b.Queries.GetExchangeAccount(ctx, sub.ExchangeAccountID)
	if err != nil {
		return SubscriptionOutcome{SubscriptionID: sub.ID, Status: "failed", Reason: err.Error()}
	}

	in := order.Input{
		Account:      *account,
		Subscription: sub,
		Bot:          bot,
		Signal:       signal,
		Effective:    order.ResolveConfig(sub, bot),
	}

	if isCloseAction(signal.Action) {
		if _, err := b.Executor.ExecuteClose(ctx, in); err != nil {
			return SubscriptionOutcome{SubscriptionID: sub.ID, Status: "failed", Reason: err.Error()}
		}
		return SubscriptionOutcome{SubscriptionID: sub.ID, Status: "success"}
	}

	if b.Cooldown != nil && !b.Cooldown.TryEnter(sub.ID, signal.Ticker) {
		return b.recordSkipped(ctx, sub, signal, "cooldown active")
	}

	out, err := b.Executor.Execute(ctx, in)
	if err != nil {
		return SubscriptionOutcome{SubscriptionID: sub.ID, Status: "failed", Reason: err.Error()}
	}
	if out.Status != "success" {
		return SubscriptionOutcome{SubscriptionID: sub.ID, Status: "failed", Reason: out.ErrorMessage}
	}
	return SubscriptionOutcome{SubscriptionID: sub.ID, Status: "success"}
}

// recordSkipped persists the status=skipped SignalExecution row §4.5
// requires for a rejected or cooldown-gated subscription, so a subscription
// that never reaches the order engine still leaves a signal_executions row.
// runOne writes no row of its own for a risk-evaluation error, an account
// lookup error, a recovered panic, or a close action; only Executor.Execute
// records rows on those paths it handles.
func (b *Broadcaster) recordSkipped(ctx context.Context, sub db.Subscription, signal db.Signal, reason string) SubscriptionOutcome {
	se := &db.SignalExecution{
		ID:                uuid.NewString(),
		SignalID:          signal.ID,
		SubscriptionID:    sub.ID,
		UserID:            sub.UserID,
		ExchangeAccountID: sub.ExchangeAccountID,
		Status:            "skipped",
		ErrorMessage:      reason,
	}
	err := b.Queries.WithTx(ctx, func(tx *sql.Tx) error {
		return b.Queries.CreateSignalExecution(ctx, tx, se)
	})
	if err != nil {
		log.Printf("broadcast: failed to record skipped execution: %v", err)
	}
	return SubscriptionOutcome{SubscriptionID: sub.ID, Status: "skipped", Reason: reason}
}

func isCloseAction(action string) bool {
	return action == "close" || action == "close_all"
}
