// Package venuec implements the Exchange Adapter (C1) for the hedge-mode
// venue family: every protective leg must carry an explicit positionSide
// and reduce-only is rejected outright, so closing a hedge-mode position is
// done via an opposite-side order tagged with the same positionSide.
// Structurally mirrors venueb, adapted for the hedge-mode quirk.
package venuec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"signalrelay/pkg/config"
	"signalrelay/pkg/exchanges/common"
)

// Config holds venue C credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64
	BaseURL    string
}

// Client is the venue C REST adapter.
type Client struct {
	cfg         Config
	baseURL     string
	httpClient  *http.Client
	timeSync    *common.TimeSync
	rateLimiter *common.RateLimiter
	meta        *config.VenueMetadata
}

// NewClient builds a venue C client.
func NewClient(cfg Config, meta *config.VenueMetadata) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.venuec.example"
		if cfg.Testnet {
			base = "https://testnet.venuec.example"
		}
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	c := &Client{cfg: cfg, baseURL: base, httpClient: &http.Client{Timeout: 10 * time.Second}, meta: meta}
	c.timeSync = common.NewTimeSync(func() (int64, error) { return c.serverTime() })
	c.rateLimiter = common.NewRateLimiter(2000, time.Minute)
	return c
}

func (c *Client) now() int64 {
	if c.timeSync != nil && c.timeSync.Offset() != 0 {
		return c.timeSync.Now()
	}
	return time.Now().UnixMilli()
}

func (c *Client) serverTime() (int64, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/api/v1/time")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	var out struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	return out.ServerTime, nil
}

func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return common.OrderResult{}, errors.New("venuec: API key/secret required")
	}
	if req.ReduceOnly {
		return common.OrderResult{}, fmt.Errorf("venuec: reduceOnly not supported in hedge mode, use positionSide")
	}
	if req.PositionSide == "" {
		return common.OrderResult{}, fmt.Errorf("venuec: positionSide required in hedge mode")
	}
	body, err := c.doSigned(ctx, http.MethodPost, "/api/v1/order", c.orderParams(req))
	if err != nil {
		return common.OrderResult{}, err
	}
	return decodeOrderResp(body)
}

func (c *Client) orderParams(req common.OrderRequest) url.Values {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", strings.ToUpper(string(req.Type)))
	params.Set("positionSide", req.PositionSide)
	if req.Qty > 0 {
		params.Set("quantity", common.FormatFloat(req.Qty))
	}
	if req.Type == common.OrderTypeLimit {
		params.Set("price", common.FormatFloat(req.Price))
		params.Set("timeInForce", string(req.TimeInForce))
	}
	if req.Type == common.OrderTypeStopMarket || req.Type == common.OrderTypeTakeProfitMarket {
		params.Set("stopPrice", common.FormatFloat(req.StopPrice))
	}
	if req.ClosePosition {
		params.Set("closePosition", "true")
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	return params
}

func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", exchangeOrderID)
	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	_, err := c.doSigned(ctx, http.MethodDelete, "/api/v1/order", params)
	if err != nil && strings.Contains(err.Error(), "Unknown order") {
		return nil
	}
	return err
}

func (c *Client) QueryOrder(ctx context.Context, symbol, exchangeOrderID string) (common.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", exchangeOrderID)
	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v1/order", params)
	if err != nil {
		return common.OrderResult{}, err
	}
	return decodeOrderResp(body)
}

func (c *Client) ListOpenOrders(ctx context.Context, symbol string) ([]common.OrderResult, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v1/openOrders", params)
	if err != nil {
		return nil, err
	}
	return decodeOrderList(body)
}

func (c *Client) ListRecentOrders(ctx context.Context, symbol string, startTime, endTime int64, limit int) ([]common.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	if startTime > 0 {
		params.Set("startTime", strconv.FormatInt(startTime, 10))
	}
	if endTime > 0 {
		params.Set("endTime", strconv.FormatInt(endTime, 10))
	}
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	params.Set("limit", strconv.Itoa(limit))
	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v1/allOrders", params)
	if err != nil {
		return nil, err
	}
	return decodeOrderList(body)
}

func (c *Client) ListPositions(ctx context.Context) ([]common.Position, error) {
	params := url.Values{}
	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v1/positions", params)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Symbol       string `json:"symbol"`
		PositionSide string `json:"positionSide"`
		PositionAmt  string `json:"positionAmt"`
		EntryPrice   string `json:"entryPrice"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	out := make([]common.Position, 0, len(raw))
	for _, p := range raw {
		amt, _ := strconv.ParseFloat(p.PositionAmt, 64)
		if amt == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
		side := common.SideBuy
		if p.PositionSide == "SHORT" {
			side = common.SideSell
		}
		if amt < 0 {
			amt = -amt
		}
		out = append(out, common.Position{Symbol: p.Symbol, Side: side, Quantity: amt, EntryPrice: entry, PositionSide: p.PositionSide})
	}
	return out, nil
}

func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int, positionSide string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	if positionSide != "" {
		params.Set("positionSide", positionSide)
	}
	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	_, err := c.doSigned(ctx, http.MethodPost, "/api/v1/leverage", params)
	return err
}

// GetPositionMode: venue C is hedge-mode only.
func (c *Client) GetPositionMode(ctx context.Context) (common.PositionMode, error) {
	return common.PositionModeHedge, nil
}

func (c *Client) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/ticker/price?symbol="+symbol, nil)
	if err != nil {
		return 0, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", common.ErrNetwork, err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		b, _ := io.ReadAll(res.Body)
		if strings.Contains(string(b), "Invalid symbol") {
			return 0, common.ErrSymbolInvalid
		}
		return 0, fmt.Errorf("ticker price status %d: %s", res.StatusCode, string(b))
	}
	var out struct {
		Price string `json:"price"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(out.Price, 64)
}

func (c *Client) NormalizePrice(symbol string, price float64) (float64, error) {
	if c.meta != nil {
		if m, ok := c.meta.Get("C", symbol); ok && m.TickSize > 0 {
			return snap(price, m.TickSize), nil
		}
	}
	return price, nil
}

func (c *Client) NormalizeQuantity(symbol string, qty float64) (float64, error) {
	if c.meta != nil {
		if m, ok := c.meta.Get("C", symbol); ok && m.StepSize > 0 {
			normalized := snap(qty, m.StepSize)
			if normalized <= 0 {
				return 0, common.ErrQtyTooSmall
			}
			return normalized, nil
		}
	}
	return qty, nil
}

func snap(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	return float64(int64(v/step)) * step
}

func (c *Client) IncomeHistory(ctx context.Context, symbol, incomeType string, limit int) ([]common.IncomeRecord, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	if incomeType != "" {
		params.Set("incomeType", incomeType)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v1/income", params)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Symbol string `json:"symbol"`
		Income string `json:"income"`
		Time   int64  `json:"time"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode income: %w", err)
	}
	out := make([]common.IncomeRecord, 0, len(raw))
	for _, r := range raw {
		v, _ := strconv.ParseFloat(r.Income, 64)
		out = append(out, common.IncomeRecord{Symbol: r.Symbol, Income: v, Time: r.Time})
	}
	return out, nil
}

// ExecuteOrderWithSlTp places the entry in the given positionSide, then the
// protective legs as opposite-side orders tagged with the same
// positionSide (reduce-only is rejected by this venue in hedge mode).
func (c *Client) ExecuteOrderWithSlTp(ctx context.Context, symbol string, side common.Side, qty float64, leverage int, slPrice, tpPrice float64, positionSide string) (common.OrderWithSlTpResult, error) {
	if positionSide == "" {
		positionSide = "LONG"
		if side == common.SideSell {
			positionSide = "SHORT"
		}
	}

	entry, err := c.PlaceOrder(ctx, common.OrderRequest{
		Symbol: symbol, Side: side, Type: common.OrderTypeMarket, Qty: qty, PositionSide: positionSide,
	})
	if err != nil {
		return common.OrderWithSlTpResult{}, fmt.Errorf("entry order: %w", err)
	}

	result := common.OrderWithSlTpResult{EntryOrderID: entry.ExchangeOrderID, AvgPrice: entry.AvgPrice, ExecutedQty: entry.ExecutedQty, Success: true}

	closeSide := common.SideSell
	if side == common.SideSell {
		closeSide = common.SideBuy
	}

	time.Sleep(300 * time.Millisecond)

	slOrder, slErr := c.PlaceOrder(ctx, common.OrderRequest{
		Symbol: symbol, Side: closeSide, Type: common.OrderTypeStopMarket, StopPrice: slPrice,
		PositionSide: positionSide, ClosePosition: true,
	})
	if slErr == nil {
		result.SlOrderID = slOrder.ExchangeOrderID
	}

	tpOrder, tpErr := c.PlaceOrder(ctx, common.OrderRequest{
		Symbol: symbol, Side: closeSide, Type: common.OrderTypeTakeProfitMarket, StopPrice: tpPrice,
		PositionSide: positionSide, ClosePosition: true,
	})
	if tpErr == nil {
		result.TpOrderID = tpOrder.ExchangeOrderID
	}

	if slErr != nil || tpErr != nil {
		return result, fmt.Errorf("SL_TP_PARTIAL: sl=%v tp=%v", slErr, tpErr)
	}
	return result, nil
}

func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	sig := common.Sign(params.Encode(), c.cfg.APISecret)
	params.Set("signature", sig)

	endpoint := c.baseURL + path
	var (
		req *http.Request
		err error
	)
	encoded := params.Encode()
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-KEY", c.cfg.APIKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrNetwork, err)
	}
	defer res.Body.Close()

	if c.rateLimiter != nil {
		c.rateLimiter.UpdateFromHeader(res.Header.Get("X-USED-WEIGHT-1M"))
	}

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: %s", common.ErrRateLimited, string(body))
	}
	if res.StatusCode >= 300 {
		if strings.Contains(string(body), "Invalid symbol") {
			return nil, common.ErrSymbolInvalid
		}
		if strings.Contains(string(body), "insufficient") {
			return nil, common.ErrInsufficientBalance
		}
		if strings.Contains(string(body), "position side") {
			return nil, common.ErrPositionModeMismatch
		}
		return nil, fmt.Errorf("venuec %s %s status %d: %s", method, path, res.StatusCode, string(body))
	}
	return body, nil
}

func decodeOrderResp(body []byte) (common.OrderResult, error) {
	var resp struct {
		OrderID     int64  `json:"orderId"`
		Status      string `json:"status"`
		AvgPrice    string `json:"avgPrice"`
		ExecutedQty string `json:"executedQty"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order: %w", err)
	}
	avg, _ := strconv.ParseFloat(resp.AvgPrice, 64)
	qty, _ := strconv.ParseFloat(resp.ExecutedQty, 64)
	return common.OrderResult{ExchangeOrderID: fmt.Sprintf("%d", resp.OrderID), Status: mapStatus(resp.Status), AvgPrice: avg, ExecutedQty: qty}, nil
}

func decodeOrderList(body []byte) ([]common.OrderResult, error) {
	var resp []struct {
		OrderID     int64  `json:"orderId"`
		Status      string `json:"status"`
		AvgPrice    string `json:"avgPrice"`
		ExecutedQty string `json:"executedQty"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode order list: %w", err)
	}
	out := make([]common.OrderResult, 0, len(resp))
	for _, o := range resp {
		avg, _ := strconv.ParseFloat(o.AvgPrice, 64)
		qty, _ := strconv.ParseFloat(o.ExecutedQty, 64)
		out = append(out, common.OrderResult{ExchangeOrderID: fmt.Sprintf("%d", o.OrderID), Status: mapStatus(o.Status), AvgPrice: avg, ExecutedQty: qty})
	}
	return out, nil
}

func mapStatus(s string) common.OrderStatus {
	switch s {
	case "NEW":
		return common.StatusNew
	case "PARTIALLY_FILLED":
		return common.StatusPartial
	case "FILLED":
		return common.StatusFilled
	case "CANCELED":
		return common.StatusCanceled
	case "REJECTED":
		return common.StatusRejected
	case "EXPIRED":
		return common.StatusExpired
	default:
		return common.StatusUnknown
	}
}
