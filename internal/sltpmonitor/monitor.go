// Package sltpmonitor is the SL/TP Monitor (C9): for every SignalExecution
// whose protective legs are still open, it resolves whether the stop-loss
// or take-profit order has filled on the exchange and, if so, hands the
// close off to C11.
package sltpmonitor

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"signalrelay/internal/events"
	"signalrelay/internal/gateway"
	"signalrelay/internal/tradetracker"
	"signalrelay/pkg/db"
	exchange "signalrelay/pkg/exchanges/common"
)

const recentOrdersWindow = 7 * 24 * time.Hour

// Monitor batches order-status resolution by (exchangeAccountId, symbol)
// per tick, per §4.9.
type Monitor struct {
	Queries  *db.Gateway
	Gateways *gateway.Manager
	Tracker  *tradetracker.Tracker
	Bus      *events.Bus

	// inFlight guards against overlapping ticks: a single monitor
	// instance runs at a time, and a slow tick is skipped rather than
	// queued (§4.9 ordering guarantee).
	inFlight int32
}

// NewMonitor builds a Monitor from its collaborators.
func NewMonitor(queries *db.Gateway, gateways *gateway.Manager, tracker *tradetracker.Tracker, bus *events.Bus) *Monitor {
	return &Monitor{Queries: queries, Gateways: gateways, Tracker: tracker, Bus: bus}
}

// group is one (exchangeAccountId, symbol) batch of candidates sharing one
// order-list fetch.
type group struct {
	exchangeAccountID string
	symbol            string
	candidates         []candidate
}

type candidate struct {
	execution db.SignalExecution
	trade     db.Trade
}

// Watch subscribes to the user-data-stream fill feed (C6's FillStream) as a
// fast path: a fill pushed over the websocket triggers an immediate RunOnce
// instead of waiting for the scheduler's next tick. It is a supplement, not
// a replacement, for the polling cycle — RunOnce still owns the evaluation
// logic and its own in-flight guard, so a burst of fills collapses into at
// most one extra cycle rather than one per event.
func (m *Monitor) Watch(ctx context.Context) {
	if m.Bus == nil {
		return
	}
	fills, unsub := m.Bus.Subscribe(events.EventProtectiveLegFilled, 32)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-fills:
			if !ok {
				return
			}
			m.RunOnce(ctx)
		}
	}
}

// RunOnce runs one monitor cycle. It is a no-op (returns immediately) if a
// prior cycle is still running.
func (m *Monitor) RunOnce(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&m.inFlight, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&m.inFlight, 0)

	executions, err := m.Queries.ListMonitorCandidates(ctx)
	if err != nil {
		log.Printf("sltpmonitor: list candidates: %v", err)
		return
	}
	if len(executions) == 0 {
		return
	}

	groups := m.groupBySymbol(ctx, executions)
	for _, g := range groups {
		m.resolveGroup(ctx, g)
	}
}

// groupBySymbol resolves each candidate's open Trade (for its symbol) and
// buckets candidates sharing an (account, symbol) pair together.
func (m *Monitor) groupBySymbol(ctx context.Context, executions []db.SignalExecution) []*group {
	groups := make(map[string]*group)
	var order []string

	for _, se := range executions {
		trade, err := m.Queries.GetOpenTradeByExecution(ctx, se.ID)
		if err != nil {
			continue // no open trade linked yet, or already closed elsewhere
		}
		key := se.ExchangeAccountID + "|" + trade.Symbol
		g, ok := groups[key]
		if !ok {
			g = &group{exchangeAccountID: se.ExchangeAccountID, symbol: trade.Symbol}
			groups[key] = g
			order = append(order, key)
		}
		g.candidates = append(g.candidates, candidate{execution: se, trade: *trade})
	}

	out := make([]*group, 0, len(order))
	for _, k := range order {
		out = append(out, groups[k])
	}
	return out
}

// resolveGroup fetches open + recent orders once for the group, builds an
// orderId-keyed index, then resolves every candidate in the group against
// it.
func (m *Monitor) resolveGroup(ctx context.Context, g *group) {
	gw, err := m.Gateways.GetOrCreate(ctx, g.exchangeAccountID)
	if err != nil {
		log.Printf("sltpmonitor: gateway for %s: %v", g.exchangeAccountID, err)
		return
	}

	index := make(map[string]exchange.OrderResult)
	if open, err := gw.ListOpenOrders(ctx, g.symbol); err == nil {
		for _, o := range open {
			index[o.ExchangeOrderID] = o
		}
	}
	now := time.Now()
	if recent, err := gw.ListRecentOrders(ctx, g.symbol, now.Add(-recentOrdersWindow).UnixMilli(), now.UnixMilli(), 200); err == nil {
		for _, o := range recent {
			index[o.ExchangeOrderID] = o
		}
	}

	for _, c := range g.candidates {
		m.resolveOne(ctx, gw, c, index)
	}
}

// resolveOne implements §4.9's per-execution resolution and, on a fill,
// hands the close off to C11.
func (m *Monitor) resolveOne(ctx context.Context, gw exchange.Gateway, c candidate, index map[string]exchange.OrderResult) {
	se, trade := c.execution, c.trade

	filled, reason, filledOrder := resolveFill(se, index)
	if !filled {
		return
	}

	exitPrice := filledOrder.AvgPrice
	if exitPrice == 0 {
		if reason == "stop_loss" && se.SlPrice != nil {
			exitPrice = *se.SlPrice
		} else if reason == "take_profit" && se.TpPrice != nil {
			exitPrice = *se.TpPrice
		}
	}
	exitQty := filledOrder.ExecutedQty
	if exitQty == 0 {
		exitQty = trade.EntryQuantity
	}

	otherLeg := trade.TpOrderID
	if reason == "take_profit" {
		otherLeg = trade.SlOrderID
	}
	if otherLeg != "" {
		_ = gw.CancelOrder(ctx, trade.Symbol, otherLeg)
	}

	var realizedOverride *float64
	if income, err := gw.IncomeHistory(ctx, trade.Symbol, "REALIZED_PNL", 20); err == nil {
		if v, ok := matchIncome(income, time.Now()); ok {
			realizedOverride = &v
		}
	}

	result, err := m.Tracker.Close(ctx, tradetracker.CloseInput{
		Trade:               trade,
		ExitPrice:           exitPrice,
		ExitQty:             exitQty,
		ExitTime:            time.Now(),
		ExitReason:          reason,
		RealizedPnlOverride: realizedOverride,
	})
	if err != nil {
		log.Printf("sltpmonitor: close trade %s: %v", trade.ID, err)
		return
	}
	_ = result
}

// resolveFill checks the shared order index for a FILLED sl or tp leg,
// preferring stop-loss per §4.9's evaluation order.
func resolveFill(se db.SignalExecution, index map[string]exchange.OrderResult) (filled bool, reason string, order exchange.OrderResult) {
	if se.SlOrderID != "" {
		if o, ok := index[se.SlOrderID]; ok && o.Status == exchange.StatusFilled {
			return true, "stop_loss", o
		}
	}
	if se.TpOrderID != "" {
		if o, ok := index[se.TpOrderID]; ok && o.Status == exchange.StatusFilled {
			return true, "take_profit", o
		}
	}
	return false, "", exchange.OrderResult{}
}

// incomeMatchWindow bounds how close an incomeHistory record's timestamp
// must be to the fill time to be trusted as that fill's realized P&L. The
// venue adapters key income entries by symbol/time, not orderId.
const incomeMatchWindow = 60 * time.Second

// matchIncome picks the REALIZED_PNL record closest to fillTime, if any
// falls within incomeMatchWindow. This refines the (exit-entry)*qty
// estimate per §4.9 step 1's "optionally refine" clause.
func matchIncome(records []exchange.IncomeRecord, fillTime time.Time) (float64, bool) {
	best := time.Duration(-1)
	var pnl float64
	found := false
	for _, r := range records {
		d := fillTime.Sub(time.UnixMilli(r.Time))
		if d < 0 {
			d = -d
		}
		if d > incomeMatchWindow {
			continue
		}
		if best == -1 || d < best {
			best = d
			pnl = r.Income
			found = true
		}
	}
	return pnl, found
}
