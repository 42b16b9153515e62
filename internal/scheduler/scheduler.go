// Package scheduler drives the single periodic tick (C10, §4.10): per-venue
// balance/position sync, the SL/TP monitor cycle, and the UTC daily
// maintenance window.
package scheduler

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"signalrelay/internal/gateway"
	"signalrelay/internal/sltpmonitor"
	"signalrelay/internal/tradetracker"
	"signalrelay/pkg/db"
	exchange "signalrelay/pkg/exchanges/common"
)

const (
	defaultTickInterval = 30 * time.Second
	defaultSyncBudget   = 30 * time.Second
	tightSyncBudget     = 60 * time.Second
)

// NewsCollector fetches the day's market news for the AI training pipeline.
// Failures are logged and ignored — it is an external collaborator, not a
// correctness dependency (§4.10).
type NewsCollector interface {
	FetchDaily(ctx context.Context, date string) error
}

// AITrainingCollector ships a day's closed trades and signals to the
// external training pipeline.
type AITrainingCollector interface {
	Collect(ctx context.Context, date string) error
}

// ReportFn generates and delivers the daily report for date.
type ReportFn func(ctx context.Context, date string) error

// Scheduler owns the tick loop. Grounded on
// internal/reconciliation/service.go's Start(ctx)/ticker shape.
type Scheduler struct {
	Queries  *db.Gateway
	Gateways *gateway.Manager
	Monitor  *sltpmonitor.Monitor
	Tracker  *tradetracker.Tracker

	News NewsCollector
	AI   AITrainingCollector
	Report ReportFn

	TickInterval    time.Duration
	DailyReportHour int
	// TightVenues names venues with a tighter rate-limit budget (60s sync
	// interval instead of the default 30s).
	TightVenues map[string]bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a Scheduler with the teacher's defaults: a 30s tick and a
// midnight-UTC daily report.
func New(queries *db.Gateway, gateways *gateway.Manager, monitor *sltpmonitor.Monitor, tracker *tradetracker.Tracker) *Scheduler {
	return &Scheduler{
		Queries: queries, Gateways: gateways, Monitor: monitor, Tracker: tracker,
		TickInterval: defaultTickInterval, DailyReportHour: 0,
		TightVenues: map[string]bool{},
		stop:        make(chan struct{}),
	}
}

// Start runs the tick loop in a goroutine until Stop is called or ctx is
// canceled.
func (s *Scheduler) Start(ctx context.Context) {
	s.Tick(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Tick(ctx)
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop requests a cooperative shutdown and waits for the in-flight tick, if
// any, to finish naturally.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.wg.Wait()
}

// Tick runs one full cycle: §4.10 steps 1-4 in order.
func (s *Scheduler) Tick(ctx context.Context) {
	s.syncAccounts(ctx)
	if s.Monitor != nil {
		s.Monitor.RunOnce(ctx)
	}
	s.maybeRunMaintenance(ctx)
	s.maybeRunDailyReport(ctx)
}

// syncAccounts syncs each active exchange account whose per-venue sync
// budget has elapsed since its last sync (§4.10 step 1).
func (s *Scheduler) syncAccounts(ctx context.Context) {
	accounts, err := s.Queries.ListActiveExchangeAccounts(ctx)
	if err != nil {
		log.Printf("scheduler: list accounts: %v", err)
		return
	}
	for _, acct := range accounts {
		budget := defaultSyncBudget
		if s.TightVenues[acct.Venue] {
			budget = tightSyncBudget
		}
		key := "sync:" + acct.ID
		if last, ok, _ := s.Queries.GetSchedulerState(ctx, key); ok {
			if t, err := time.Parse(time.RFC3339, last); err == nil && time.Since(t) < budget {
				continue
			}
		}
		s.syncAccount(ctx, acct)
		if err := s.Queries.SetSchedulerState(ctx, key, time.Now().UTC().Format(time.RFC3339)); err != nil {
			log.Printf("scheduler: record sync time for %s: %v", acct.ID, err)
		}
	}
}

// syncAccount fetches live positions for one account and sweeps any open
// Trade with no matching live position (the ghost-trade cleanup C10 owns
// on C11's behalf).
func (s *Scheduler) syncAccount(ctx context.Context, acct db.ExchangeAccount) {
	gw, err := s.Gateways.GetOrCreate(ctx, acct.ID)
	if err != nil {
		log.Printf("scheduler: gateway for %s: %v", acct.ID, err)
		return
	}
	positions, err := gw.ListPositions(ctx)
	if err != nil {
		log.Printf("scheduler: list positions for %s: %v", acct.ID, err)
		return
	}
	s.sweepGhostTrades(ctx, acct.ID, positions)
}

// sweepGhostTrades closes any locally-open Trade whose (account, symbol)
// has no live exchange position left, then reconciles each touched
// subscription's currentPositions counter. Grounded on
// internal/reconciliation/service.go's exchange-vs-local diff.
func (s *Scheduler) sweepGhostTrades(ctx context.Context, exchangeAccountID string, positions []exchange.Position) {
	live := make(map[string]bool, len(positions))
	for _, p := range positions {
		if p.Quantity != 0 {
			live[strings.ToUpper(p.Symbol)] = true
		}
	}

	trades, err := s.Queries.ListOpenTradesForAccount(ctx, exchangeAccountID)
	if err != nil {
		log.Printf("scheduler: list open trades for %s: %v", exchangeAccountID, err)
		return
	}

	touchedSubs := make(map[string]bool)
	for _, t := range trades {
		if live[strings.ToUpper(t.Symbol)] {
			continue
		}
		_, err := s.Tracker.Close(ctx, tradetracker.CloseInput{
			Trade: t, ExitPrice: t.EntryPrice, ExitQty: t.EntryQuantity,
			ExitTime: time.Now(), ExitReason: "ghost_cleanup_sync",
		})
		if err != nil {
			log.Printf("scheduler: ghost close %s: %v", t.ID, err)
			continue
		}
		touchedSubs[t.SubscriptionID] = true
	}
	for subID := range touchedSubs {
		if err := s.Queries.ReconcileCurrentPositions(ctx, subID); err != nil {
			log.Printf("scheduler: reconcile positions for %s: %v", subID, err)
		}
	}
}

// maybeRunMaintenance opens the daily maintenance window once per UTC date
// change (§4.10 step 3).
func (s *Scheduler) maybeRunMaintenance(ctx context.Context) {
	today := time.Now().UTC().Format("2006-01-02")
	last, _, _ := s.Queries.GetSchedulerState(ctx, "daily_maintenance_date")
	if last == today {
		return
	}

	yesterday := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	s.finalizeSnapshots(ctx, yesterday)
	s.collectTrainingData(ctx, yesterday)
	s.resetDailyLoss(ctx)

	if err := s.Queries.SetSchedulerState(ctx, "daily_maintenance_date", today); err != nil {
		log.Printf("scheduler: record maintenance date: %v", err)
	}
}

// finalizeSnapshots seals yesterday's DailyPnlSnapshots, inserting an empty
// sealed row for any subscription that never traded.
func (s *Scheduler) finalizeSnapshots(ctx context.Context, date string) {
	ids, err := s.Queries.ListSubscriptionsMissingSnapshot(ctx, date)
	if err != nil {
		log.Printf("scheduler: list missing snapshots: %v", err)
	}
	for _, id := range ids {
		sub, err := s.Queries.GetSubscription(ctx, id)
		if err != nil {
			continue
		}
		if err := s.Queries.FinalizeEmptySnapshot(ctx, id, sub.UserID, sub.BotID, date); err != nil {
			log.Printf("scheduler: finalize snapshot %s: %v", id, err)
		}
	}
	if err := s.Queries.SealSnapshotsForDate(ctx, date); err != nil {
		log.Printf("scheduler: seal snapshots for %s: %v", date, err)
	}
}

// collectTrainingData invokes the external AI training and news
// collaborators. Both are best-effort: a failure is logged, never fatal to
// the maintenance window.
func (s *Scheduler) collectTrainingData(ctx context.Context, date string) {
	if s.AI != nil {
		if err := s.AI.Collect(ctx, date); err != nil {
			log.Printf("scheduler: AI training collection failed: %v", err)
		}
	}
	if s.News != nil {
		if err := s.News.FetchDaily(ctx, date); err != nil {
			log.Printf("scheduler: daily news fetch failed: %v", err)
		}
	}
}

// resetDailyLoss zeroes currentDailyLossUsd for every subscription.
func (s *Scheduler) resetDailyLoss(ctx context.Context) {
	ids, err := s.Queries.ListAllSubscriptionIDs(ctx)
	if err != nil {
		log.Printf("scheduler: list subscriptions: %v", err)
		return
	}
	for _, id := range ids {
		if err := s.Queries.ResetDailyLoss(ctx, id); err != nil {
			log.Printf("scheduler: reset daily loss %s: %v", id, err)
		}
	}
}

// maybeRunDailyReport fires the report generator once per UTC date, on the
// configured hour (§4.10 step 4).
func (s *Scheduler) maybeRunDailyReport(ctx context.Context) {
	if s.Report == nil {
		return
	}
	now := time.Now().UTC()
	if now.Hour() != s.DailyReportHour {
		return
	}
	today := now.Format("2006-01-02")
	last, _, _ := s.Queries.GetSchedulerState(ctx, "daily_report_date")
	if last == today {
		return
	}
	if err := s.Report(ctx, today); err != nil {
		log.Printf("scheduler: daily report failed: %v", err)
		return
	}
	if err := s.Queries.SetSchedulerState(ctx, "daily_report_date", today); err != nil {
		log.Printf("scheduler: record report date: %v", err)
	}
}
