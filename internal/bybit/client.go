// Package bybit implements the Bybit v5 REST and WebSocket clients for
// linear perpetual futures.
//
// The REST client signs every private request with HMAC-SHA256 over
// timestamp + api key + recv window + payload, retries reads on 5xx/429,
// and never retries a non-idempotent write. All numeric fields arrive as
// strings and are parsed exactly once at this boundary.
package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

const (
	// MainnetBaseURL is the production Bybit REST API URL.
	MainnetBaseURL = "https://api.bybit.com"
	// TestnetBaseURL is the testnet Bybit REST API URL.
	TestnetBaseURL = "https://api-testnet.bybit.com"

	categoryLinear = "linear"

	// Bybit retCodes the client special-cases.
	retCodeOK                 = 0
	retCodeLeverageNotChanged = 110043
	retCodeDuplicateLinkID    = 110072
	retCodeStopLossNotChanged = 34040
)

// Typed errors surfaced to callers.
var (
	// ErrDuplicateOrderLinkID means the exchange already holds an order
	// with this link ID. The order manager maps it to the prior result.
	ErrDuplicateOrderLinkID = errors.New("order link id already used")

	// ErrBusy means the outbound rate-limit queue is full; the caller
	// should reject rather than buffer.
	ErrBusy = errors.New("exchange submit queue is full")

	// ErrAuth means the exchange rejected the API credentials.
	ErrAuth = errors.New("exchange rejected api credentials")
)

// APIError is a non-zero retCode from the exchange.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bybit: retCode %d: %s", e.Code, e.Message)
}

// Client is the Bybit v5 REST client.
type Client struct {
	http       *resty.Client
	apiKey     string
	apiSecret  string
	recvWindow int
	limiter    *Limiter
	logger     zerolog.Logger
}

// NewClient creates a REST client with retry on transient read failures.
func NewClient(apiKey, apiSecret, baseURL string, testnet bool, recvWindow int, timeout time.Duration, limiter *Limiter, logger zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = MainnetBaseURL
		if testnet {
			baseURL = TestnetBaseURL
		}
	}
	if recvWindow <= 0 {
		recvWindow = 5000
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:       httpClient,
		apiKey:     strings.TrimSpace(apiKey),
		apiSecret:  strings.TrimSpace(apiSecret),
		recvWindow: recvWindow,
		limiter:    limiter,
		logger:     logger.With().Str("component", "BybitClient").Logger(),
	}
}

// envelope is the standard Bybit v5 response wrapper.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// sign produces the X-BAPI-SIGN value for a request payload.
func (c *Client) sign(timestamp, payload string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(timestamp + c.apiKey + strconv.Itoa(c.recvWindow) + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// get performs a signed GET with bounded retries on transient failures.
func (c *Client) get(ctx context.Context, path string, params map[string]string, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.WaitRead(ctx); err != nil {
			return err
		}
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}

		query := buildQuery(params)
		ts := strconv.FormatInt(time.Now().UnixMilli(), 10)

		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParamsFromValues(toValues(params)).
			SetHeader("X-BAPI-API-KEY", c.apiKey).
			SetHeader("X-BAPI-TIMESTAMP", ts).
			SetHeader("X-BAPI-RECV-WINDOW", strconv.Itoa(c.recvWindow)).
			SetHeader("X-BAPI-SIGN", c.sign(ts, query)).
			Get(path)
		if err != nil {
			lastErr = fmt.Errorf("GET %s: %w", path, err)
			continue
		}
		if resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500 {
			lastErr = fmt.Errorf("GET %s: status %d", path, resp.StatusCode())
			continue
		}

		return c.decode(resp.Body(), path, out)
	}
	return lastErr
}

// post performs a signed POST. Writes are never blindly retried; the
// caller decides based on idempotency.
func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.AcquireWrite(); err != nil {
			return err
		}
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s body: %w", path, err)
	}
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(raw).
		SetHeader("X-BAPI-API-KEY", c.apiKey).
		SetHeader("X-BAPI-TIMESTAMP", ts).
		SetHeader("X-BAPI-RECV-WINDOW", strconv.Itoa(c.recvWindow)).
		SetHeader("X-BAPI-SIGN", c.sign(ts, string(raw))).
		Post(path)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
		return ErrAuth
	}

	return c.decode(resp.Body(), path, out)
}

// decode unwraps the Bybit envelope, mapping known retCodes to typed errors.
func (c *Client) decode(body []byte, path string, out interface{}) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("%s: decode envelope: %w", path, err)
	}

	switch env.RetCode {
	case retCodeOK:
	case retCodeLeverageNotChanged, retCodeStopLossNotChanged:
		// Already at the requested value: treat as success.
		return nil
	case retCodeDuplicateLinkID:
		return ErrDuplicateOrderLinkID
	default:
		if env.RetCode == 10003 || env.RetCode == 10004 {
			return ErrAuth
		}
		return &APIError{Code: env.RetCode, Message: env.RetMsg}
	}

	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", path, err)
		}
	}
	return nil
}

// ==================== MARKET DATA ====================

// GetKlines retrieves candles oldest to newest. Bybit returns newest
// first; the slice is reversed here so the candle store never sees
// exchange ordering.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	var result struct {
		Symbol string     `json:"symbol"`
		List   [][]string `json:"list"`
	}
	err := c.get(ctx, "/v5/market/kline", map[string]string{
		"category": categoryLinear,
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	}, &result)
	if err != nil {
		return nil, err
	}

	intervalMs := IntervalDuration(interval).Milliseconds()
	klines := make([]Kline, 0, len(result.List))
	for i := len(result.List) - 1; i >= 0; i-- {
		row := result.List[i]
		if len(row) < 6 {
			continue
		}
		open := parseFloat(row[1])
		openTime, _ := strconv.ParseInt(row[0], 10, 64)
		klines = append(klines, Kline{
			Symbol:    symbol,
			Interval:  interval,
			OpenTime:  openTime,
			CloseTime: openTime + intervalMs,
			Open:      open,
			High:      parseFloat(row[2]),
			Low:       parseFloat(row[3]),
			Close:     parseFloat(row[4]),
			Volume:    parseFloat(row[5]),
			Confirmed: true,
		})
	}
	// The most recent row is the still-forming candle.
	if len(klines) > 0 {
		klines[len(klines)-1].Confirmed = false
	}
	return klines, nil
}

// GetTicker retrieves last/mark/bid/ask for a symbol.
func (c *Client) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	var result struct {
		List []struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
			MarkPrice string `json:"markPrice"`
			Bid1Price string `json:"bid1Price"`
			Ask1Price string `json:"ask1Price"`
		} `json:"list"`
	}
	err := c.get(ctx, "/v5/market/tickers", map[string]string{
		"category": categoryLinear,
		"symbol":   symbol,
	}, &result)
	if err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, fmt.Errorf("no ticker returned for %s", symbol)
	}
	t := result.List[0]
	return &Ticker{
		Symbol:    t.Symbol,
		LastPrice: parseFloat(t.LastPrice),
		MarkPrice: parseFloat(t.MarkPrice),
		Bid:       parseFloat(t.Bid1Price),
		Ask:       parseFloat(t.Ask1Price),
	}, nil
}

// GetInstrumentInfo retrieves lot and price filters for a symbol.
func (c *Client) GetInstrumentInfo(ctx context.Context, symbol string) (*InstrumentInfo, error) {
	var result struct {
		List []struct {
			Symbol         string `json:"symbol"`
			LotSizeFilter  struct {
				MinOrderQty string `json:"minOrderQty"`
				QtyStep     string `json:"qtyStep"`
			} `json:"lotSizeFilter"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
			LeverageFilter struct {
				MaxLeverage string `json:"maxLeverage"`
			} `json:"leverageFilter"`
		} `json:"list"`
	}
	err := c.get(ctx, "/v5/market/instruments-info", map[string]string{
		"category": categoryLinear,
		"symbol":   symbol,
	}, &result)
	if err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, fmt.Errorf("no instrument info returned for %s", symbol)
	}
	info := result.List[0]
	return &InstrumentInfo{
		Symbol:      info.Symbol,
		MinOrderQty: parseFloat(info.LotSizeFilter.MinOrderQty),
		QtyStep:     parseFloat(info.LotSizeFilter.QtyStep),
		TickSize:    parseFloat(info.PriceFilter.TickSize),
		MaxLeverage: parseFloat(info.LeverageFilter.MaxLeverage),
	}, nil
}

// ==================== ACCOUNT ====================

// GetWalletBalance sums the account's USD value over all coins. USDT and
// USDC contribute equity directly, other coins their usdValue.
func (c *Client) GetWalletBalance(ctx context.Context) (*WalletBalance, error) {
	var result struct {
		List []struct {
			Coin []struct {
				Coin                string `json:"coin"`
				Equity              string `json:"equity"`
				UsdValue            string `json:"usdValue"`
				AvailableToWithdraw string `json:"availableToWithdraw"`
			} `json:"coin"`
		} `json:"list"`
	}
	err := c.get(ctx, "/v5/account/wallet-balance", map[string]string{
		"accountType": "UNIFIED",
	}, &result)
	if err != nil {
		return nil, err
	}

	balance := &WalletBalance{}
	for _, account := range result.List {
		for _, coin := range account.Coin {
			switch coin.Coin {
			case "USDT", "USDC":
				balance.TotalUSD += parseFloat(coin.Equity)
				avail := parseFloat(coin.AvailableToWithdraw)
				if avail == 0 {
					avail = parseFloat(coin.Equity)
				}
				balance.AvailableUSD += avail
			default:
				balance.TotalUSD += parseFloat(coin.UsdValue)
			}
		}
	}
	return balance, nil
}

// GetPosition retrieves the position for a symbol; Size 0 means flat.
func (c *Client) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	positions, err := c.positionList(ctx, symbol)
	if err != nil {
		return nil, err
	}
	for i := range positions {
		if positions[i].Symbol == symbol {
			return &positions[i], nil
		}
	}
	return &Position{Symbol: symbol}, nil
}

// GetAllPositions retrieves every position with Size > 0.
func (c *Client) GetAllPositions(ctx context.Context) ([]Position, error) {
	positions, err := c.positionList(ctx, "")
	if err != nil {
		return nil, err
	}
	open := positions[:0]
	for _, p := range positions {
		if p.Size > 0 {
			open = append(open, p)
		}
	}
	return open, nil
}

func (c *Client) positionList(ctx context.Context, symbol string) ([]Position, error) {
	params := map[string]string{"category": categoryLinear, "settleCoin": "USDT"}
	if symbol != "" {
		params["symbol"] = symbol
		delete(params, "settleCoin")
	}

	var result struct {
		List []struct {
			Symbol        string `json:"symbol"`
			Side          string `json:"side"`
			Size          string `json:"size"`
			AvgPrice      string `json:"avgPrice"`
			MarkPrice     string `json:"markPrice"`
			UnrealisedPnl string `json:"unrealisedPnl"`
			Leverage      string `json:"leverage"`
			LiqPrice      string `json:"liqPrice"`
			StopLoss      string `json:"stopLoss"`
			TakeProfit    string `json:"takeProfit"`
			UpdatedTime   string `json:"updatedTime"`
		} `json:"list"`
	}
	if err := c.get(ctx, "/v5/position/list", params, &result); err != nil {
		return nil, err
	}

	positions := make([]Position, 0, len(result.List))
	for _, p := range result.List {
		updated, _ := strconv.ParseInt(p.UpdatedTime, 10, 64)
		positions = append(positions, Position{
			Symbol:        p.Symbol,
			Side:          Side(p.Side),
			Size:          parseFloat(p.Size),
			AvgPrice:      parseFloat(p.AvgPrice),
			MarkPrice:     parseFloat(p.MarkPrice),
			UnrealisedPnL: parseFloat(p.UnrealisedPnl),
			Leverage:      parseFloat(p.Leverage),
			LiqPrice:      parseFloat(p.LiqPrice),
			StopLoss:      parseFloat(p.StopLoss),
			TakeProfit:    parseFloat(p.TakeProfit),
			UpdatedAt:     updated,
		})
	}
	return positions, nil
}

// SetLeverage sets symbol leverage; "leverage not modified" is success.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	lev := strconv.Itoa(leverage)
	return c.post(ctx, "/v5/position/set-leverage", map[string]string{
		"category":     categoryLinear,
		"symbol":       symbol,
		"buyLeverage":  lev,
		"sellLeverage": lev,
	}, nil)
}

// ==================== TRADING ====================

// PlaceOrder submits one order, atomically carrying SL/TP when set.
func (c *Client) PlaceOrder(ctx context.Context, params OrderParams) (*OrderAck, error) {
	body := map[string]interface{}{
		"category":    categoryLinear,
		"symbol":      params.Symbol,
		"side":        string(params.Side),
		"orderType":   string(params.Type),
		"qty":         FormatQty(params.Qty, params.QtyStep),
		"positionIdx": 0,
	}
	if params.Type == OrderTypeLimit {
		body["price"] = FormatPrice(params.Price, params.TickSize)
	}
	if params.StopLoss > 0 {
		body["stopLoss"] = FormatPrice(params.StopLoss, params.TickSize)
	}
	if params.TakeProfit > 0 {
		body["takeProfit"] = FormatPrice(params.TakeProfit, params.TickSize)
	}
	if params.ReduceOnly {
		body["reduceOnly"] = true
	}
	if params.OrderLinkID != "" {
		body["orderLinkId"] = params.OrderLinkID
	}

	var result struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := c.post(ctx, "/v5/order/create", body, &result); err != nil {
		return nil, err
	}
	return &OrderAck{OrderID: result.OrderID, OrderLinkID: result.OrderLinkID}, nil
}

// SetTradingStop moves the position's exchange-preset SL/TP.
func (c *Client) SetTradingStop(ctx context.Context, symbol string, stopLoss, takeProfit, tickSize float64) error {
	body := map[string]interface{}{
		"category":    categoryLinear,
		"symbol":      symbol,
		"positionIdx": 0,
	}
	if stopLoss > 0 {
		body["stopLoss"] = FormatPrice(stopLoss, tickSize)
	}
	if takeProfit > 0 {
		body["takeProfit"] = FormatPrice(takeProfit, tickSize)
	}
	return c.post(ctx, "/v5/position/trading-stop", body, nil)
}

// CancelOrder cancels one order. An already-cancelled or filled order is
// treated as success.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	err := c.post(ctx, "/v5/order/cancel", map[string]string{
		"category": categoryLinear,
		"symbol":   symbol,
		"orderId":  orderID,
	}, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && (apiErr.Code == 110001 || apiErr.Code == 110008) {
		// Order does not exist or already finished.
		return nil
	}
	return err
}

// CancelAllOrders cancels all open orders for a symbol.
func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	return c.post(ctx, "/v5/order/cancel-all", map[string]string{
		"category": categoryLinear,
		"symbol":   symbol,
	}, nil)
}

// GetOpenOrders retrieves open orders for a symbol.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	var result struct {
		List []struct {
			OrderID     string `json:"orderId"`
			OrderLinkID string `json:"orderLinkId"`
			Symbol      string `json:"symbol"`
			Side        string `json:"side"`
			OrderType   string `json:"orderType"`
			Qty         string `json:"qty"`
			Price       string `json:"price"`
			AvgPrice    string `json:"avgPrice"`
			CumExecQty  string `json:"cumExecQty"`
			OrderStatus string `json:"orderStatus"`
			ReduceOnly  bool   `json:"reduceOnly"`
			CreatedTime string `json:"createdTime"`
			UpdatedTime string `json:"updatedTime"`
		} `json:"list"`
	}
	err := c.get(ctx, "/v5/order/realtime", map[string]string{
		"category": categoryLinear,
		"symbol":   symbol,
	}, &result)
	if err != nil {
		return nil, err
	}

	orders := make([]Order, 0, len(result.List))
	for _, o := range result.List {
		created, _ := strconv.ParseInt(o.CreatedTime, 10, 64)
		updated, _ := strconv.ParseInt(o.UpdatedTime, 10, 64)
		orders = append(orders, Order{
			OrderID:      o.OrderID,
			OrderLinkID:  o.OrderLinkID,
			Symbol:       o.Symbol,
			Side:         Side(o.Side),
			Type:         OrderType(o.OrderType),
			Qty:          parseFloat(o.Qty),
			Price:        parseFloat(o.Price),
			AvgFillPrice: parseFloat(o.AvgPrice),
			FilledQty:    parseFloat(o.CumExecQty),
			Status:       o.OrderStatus,
			ReduceOnly:   o.ReduceOnly,
			CreatedAt:    created,
			UpdatedAt:    updated,
		})
	}
	return orders, nil
}

// ==================== HELPERS ====================

// IntervalDuration converts a Bybit interval string ("1", "15", "60",
// "240", "D") to its duration.
func IntervalDuration(interval string) time.Duration {
	switch interval {
	case "D":
		return 24 * time.Hour
	case "W":
		return 7 * 24 * time.Hour
	default:
		minutes, err := strconv.Atoi(interval)
		if err != nil || minutes <= 0 {
			return time.Minute
		}
		return time.Duration(minutes) * time.Minute
	}
}

// buildQuery renders params as a deterministic query string for signing.
// Bybit signs the exact query string; map iteration order would break the
// signature, so keys are sorted, matching url.Values.Encode ordering.
func buildQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(params[k])
	}
	return sb.String()
}

func toValues(params map[string]string) url.Values {
	out := make(url.Values, len(params))
	for k, v := range params {
		out.Set(k, v)
	}
	return out
}
