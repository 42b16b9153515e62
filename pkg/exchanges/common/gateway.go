package common

import "context"

// Gateway is the capability set (§4.1) every venue adapter implements.
// Variant A attaches SL/TP atomically via executeOrderWithSlTp; variants
// B/C/D place the entry, then the protective legs, with a short settle
// delay between them.
type Gateway interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
	QueryOrder(ctx context.Context, symbol, exchangeOrderID string) (OrderResult, error)
	ListOpenOrders(ctx context.Context, symbol string) ([]OrderResult, error)
	ListRecentOrders(ctx context.Context, symbol string, startTime, endTime int64, limit int) ([]OrderResult, error)
	ListPositions(ctx context.Context) ([]Position, error)
	SetLeverage(ctx context.Context, symbol string, leverage int, positionSide string) error
	GetPositionMode(ctx context.Context) (PositionMode, error)
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
	NormalizePrice(symbol string, price float64) (float64, error)
	NormalizeQuantity(symbol string, qty float64) (float64, error)
	IncomeHistory(ctx context.Context, symbol, incomeType string, limit int) ([]IncomeRecord, error)
	// ExecuteOrderWithSlTp builds the entry order and its paired protective
	// legs in whatever shape the venue requires (§4.1).
	ExecuteOrderWithSlTp(ctx context.Context, symbol string, side Side, qty float64, leverage int, slPrice, tpPrice float64, positionSide string) (OrderWithSlTpResult, error)
}
