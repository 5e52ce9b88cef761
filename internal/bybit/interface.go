package bybit

import "context"

// Exchange defines the Bybit v5 operations the agent depends on.
// Every call takes a context carrying the per-request deadline.
type Exchange interface {
	// ==================== MARKET DATA ====================

	// GetKlines retrieves candles oldest to newest.
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)

	// GetTicker retrieves last/mark/bid/ask for a symbol.
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)

	// GetInstrumentInfo retrieves lot and price filters for a symbol.
	GetInstrumentInfo(ctx context.Context, symbol string) (*InstrumentInfo, error)

	// ==================== ACCOUNT ====================

	// GetWalletBalance retrieves the USD-summed account balance.
	GetWalletBalance(ctx context.Context) (*WalletBalance, error)

	// GetPosition retrieves the position for a symbol; Size 0 means flat.
	GetPosition(ctx context.Context, symbol string) (*Position, error)

	// GetAllPositions retrieves every position with Size > 0.
	GetAllPositions(ctx context.Context) ([]Position, error)

	// SetLeverage sets symbol leverage. "leverage not modified" counts as
	// success.
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// ==================== TRADING ====================

	// PlaceOrder submits one order, atomically carrying SL/TP when set.
	PlaceOrder(ctx context.Context, params OrderParams) (*OrderAck, error)

	// SetTradingStop moves the position's exchange-preset SL/TP
	// (one-way mode, positionIdx=0). Zero leaves a leg unchanged.
	SetTradingStop(ctx context.Context, symbol string, stopLoss, takeProfit float64, tickSize float64) error

	// CancelOrder cancels one order; cancelling an already-gone order is
	// not an error.
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// CancelAllOrders cancels all open orders for a symbol.
	CancelAllOrders(ctx context.Context, symbol string) error

	// GetOpenOrders retrieves open orders for a symbol.
	GetOpenOrders(ctx context.Context, symbol string) ([]Order, error)
}
