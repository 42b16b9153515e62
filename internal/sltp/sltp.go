// Package sltp implements the client mutation endpoint (spec.md §6): move,
// create, or cancel a Trade's stop-loss/take-profit orders, deduplicated by
// X-Idempotency-Key.
package sltp

import (
	"context"
	"fmt"

	"signalrelay/internal/gateway"
	"signalrelay/pkg/db"
	exchange "signalrelay/pkg/exchanges/common"
)

// Request is one client-initiated SL/TP mutation.
type Request struct {
	SubscriptionID string
	Symbol         string
	Action         string // move | create | cancel
	SlPrice        *float64
	TpPrice        *float64
}

// Result mirrors what changed so the handler can build an idempotent
// response body.
type Result struct {
	TradeID   string
	SlOrderID string
	TpOrderID string
}

// Service resolves a mutation against the subscription's open Trade and
// the venue gateway behind its ExchangeAccount.
type Service struct {
	Queries  *db.Gateway
	Gateways *gateway.Manager
}

// NewService builds a Service.
func NewService(queries *db.Gateway, gateways *gateway.Manager) *Service {
	return &Service{Queries: queries, Gateways: gateways}
}

// Apply runs one SL/TP mutation against the subscription's open Trade for
// the given symbol.
func (s *Service) Apply(ctx context.Context, req Request) (Result, error) {
	sub, err := s.Queries.GetSubscription(ctx, req.SubscriptionID)
	if err != nil {
		return Result{}, fmt.Errorf("get subscription: %w", err)
	}
	trade, err := s.Queries.GetOpenTradeForSymbol(ctx, req.SubscriptionID, req.Symbol)
	if err != nil {
		return Result{}, fmt.Errorf("get open trade: %w", err)
	}

	gw, err := s.Gateways.GetOrCreate(ctx, sub.ExchangeAccountID)
	if err != nil {
		return Result{}, fmt.Errorf("gateway unavailable: %w", err)
	}

	closeSide := exchange.SideSell
	if trade.Side == "sell" {
		closeSide = exchange.SideBuy
	}

	switch req.Action {
	case "cancel":
		s.cancelLeg(ctx, gw, req.Symbol, trade.SlOrderID)
		s.cancelLeg(ctx, gw, req.Symbol, trade.TpOrderID)
		trade.SlOrderID, trade.TpOrderID = "", ""

	case "move", "create":
		if req.SlPrice != nil {
			s.cancelLeg(ctx, gw, req.Symbol, trade.SlOrderID)
			res, err := gw.PlaceOrder(ctx, exchange.OrderRequest{
				Symbol: req.Symbol, Side: closeSide, Type: exchange.OrderTypeStopMarket,
				Qty: trade.EntryQuantity, StopPrice: *req.SlPrice, ReduceOnly: true, Market: exchange.MarketFutures,
			})
			if err != nil {
				return Result{}, fmt.Errorf("place sl order: %w", err)
			}
			trade.SlOrderID = res.ExchangeOrderID
		}
		if req.TpPrice != nil {
			s.cancelLeg(ctx, gw, req.Symbol, trade.TpOrderID)
			res, err := gw.PlaceOrder(ctx, exchange.OrderRequest{
				Symbol: req.Symbol, Side: closeSide, Type: exchange.OrderTypeTakeProfitMarket,
				Qty: trade.EntryQuantity, StopPrice: *req.TpPrice, ReduceOnly: true, Market: exchange.MarketFutures,
			})
			if err != nil {
				return Result{}, fmt.Errorf("place tp order: %w", err)
			}
			trade.TpOrderID = res.ExchangeOrderID
		}

	default:
		return Result{}, fmt.Errorf("unsupported action %q", req.Action)
	}

	if err := s.Queries.UpdateTradeProtectiveOrders(ctx, trade.ID, trade.SlOrderID, trade.TpOrderID); err != nil {
		return Result{}, fmt.Errorf("update trade: %w", err)
	}

	return Result{TradeID: trade.ID, SlOrderID: trade.SlOrderID, TpOrderID: trade.TpOrderID}, nil
}

// cancelLeg best-effort cancels an existing protective order; an already
// filled or missing order is not an error for this endpoint's purposes.
func (s *Service) cancelLeg(ctx context.Context, gw exchange.Gateway, symbol, orderID string) {
	if orderID == "" {
		return
	}
	_ = gw.CancelOrder(ctx, symbol, orderID)
}
