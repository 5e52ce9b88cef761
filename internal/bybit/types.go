package bybit

import (
	"strconv"

	"github.com/shopspring/decimal"
)

// Side is the order/position direction.
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType is the exchange order type.
type OrderType string

const (
	OrderTypeMarket OrderType = "Market"
	OrderTypeLimit  OrderType = "Limit"
)

// Kline is a single OHLCV candle. Confirmed is false for the live candle.
type Kline struct {
	Symbol    string  `json:"symbol"`
	Interval  string  `json:"interval"`
	OpenTime  int64   `json:"open_time"`  // epoch ms
	CloseTime int64   `json:"close_time"` // epoch ms
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Confirmed bool    `json:"confirmed"`
}

// Ticker holds the latest prices for a symbol.
type Ticker struct {
	Symbol    string  `json:"symbol"`
	LastPrice float64 `json:"last_price"`
	MarkPrice float64 `json:"mark_price"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
}

// WalletBalance is the account balance summed over all coins by USD value.
// USDT and USDC contribute their equity directly, other coins their
// exchange-reported usdValue.
type WalletBalance struct {
	TotalUSD     float64 `json:"total_usd"`
	AvailableUSD float64 `json:"available_usd"`
}

// Position mirrors one exchange position. Size is always positive; Side
// carries the direction. A zero Size means no position.
type Position struct {
	Symbol        string  `json:"symbol"`
	Side          Side    `json:"side"`
	Size          float64 `json:"size"`
	AvgPrice      float64 `json:"avg_price"`
	MarkPrice     float64 `json:"mark_price"`
	UnrealisedPnL float64 `json:"unrealised_pnl"`
	Leverage      float64 `json:"leverage"`
	LiqPrice      float64 `json:"liq_price"`
	StopLoss      float64 `json:"stop_loss"`
	TakeProfit    float64 `json:"take_profit"`
	UpdatedAt     int64   `json:"updated_at"` // epoch ms
}

// OrderParams describes one order submission. OrderLinkID is the
// caller-supplied idempotency key; StopLoss and TakeProfit ride on the
// same request so entry and protection are placed atomically.
type OrderParams struct {
	Symbol      string
	Side        Side
	Type        OrderType
	Qty         float64
	Price       float64 // limit orders only
	StopLoss    float64 // 0 = none
	TakeProfit  float64 // 0 = none
	ReduceOnly  bool
	OrderLinkID string
	QtyStep     float64 // instrument step for qty formatting
	TickSize    float64 // instrument tick for price formatting
}

// OrderAck is the exchange acknowledgement of an order submission.
type OrderAck struct {
	OrderID     string `json:"order_id"`
	OrderLinkID string `json:"order_link_id"`
}

// Order is one exchange order as reported by REST or the private feed.
type Order struct {
	OrderID      string    `json:"order_id"`
	OrderLinkID  string    `json:"order_link_id"`
	Symbol       string    `json:"symbol"`
	Side         Side      `json:"side"`
	Type         OrderType `json:"type"`
	Qty          float64   `json:"qty"`
	Price        float64   `json:"price"`
	AvgFillPrice float64   `json:"avg_fill_price"`
	FilledQty    float64   `json:"filled_qty"`
	Status       string    `json:"status"` // New, PartiallyFilled, Filled, Cancelled, Rejected
	ReduceOnly   bool      `json:"reduce_only"`
	CreatedAt    int64     `json:"created_at"` // epoch ms
	UpdatedAt    int64     `json:"updated_at"` // epoch ms
}

// InstrumentInfo holds the lot/price filters used for size rounding.
type InstrumentInfo struct {
	Symbol      string  `json:"symbol"`
	MinOrderQty float64 `json:"min_order_qty"`
	QtyStep     float64 `json:"qty_step"`
	TickSize    float64 `json:"tick_size"`
	MaxLeverage float64 `json:"max_leverage"`
}

// ExecutionUpdate reports a closed-position PnL record from the private feed.
type ExecutionUpdate struct {
	Symbol      string  `json:"symbol"`
	Side        Side    `json:"side"`
	ClosedSize  float64 `json:"closed_size"`
	ClosedPnL   float64 `json:"closed_pnl"`
	AvgExit     float64 `json:"avg_exit"`
	UpdatedAt   int64   `json:"updated_at"`
}

// parseFloat converts an exchange numeric string to float64, returning 0
// for empty strings. Exchange numerics arrive as strings and are parsed
// exactly once, here at the boundary.
func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

// FormatQty floors qty to the instrument's qty step and renders it the
// way the exchange expects. decimal arithmetic keeps step boundaries
// exact; float division would misround quantities like 0.3/0.1.
func FormatQty(qty, step float64) string {
	if step <= 0 {
		return strconv.FormatFloat(qty, 'f', -1, 64)
	}
	q := decimal.NewFromFloat(qty)
	st := decimal.NewFromFloat(step)
	floored := q.Div(st).Floor().Mul(st)
	return floored.String()
}

// FormatPrice rounds price to the instrument's tick size.
func FormatPrice(price, tick float64) string {
	if tick <= 0 {
		return strconv.FormatFloat(price, 'f', -1, 64)
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	rounded := p.Div(t).Round(0).Mul(t)
	return rounded.String()
}

// RoundQtyToStep floors a float quantity to the step and returns it as a
// float for local size math. The formatted string, not this value, is what
// goes on the wire.
func RoundQtyToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	q := decimal.NewFromFloat(qty)
	st := decimal.NewFromFloat(step)
	f, _ := q.Div(st).Floor().Mul(st).Float64()
	return f
}
