package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// MainnetPrivateWSURL is the production private stream.
	MainnetPrivateWSURL = "wss://stream.bybit.com/v5/private"
	// TestnetPrivateWSURL is the testnet private stream.
	TestnetPrivateWSURL = "wss://stream-testnet.bybit.com/v5/private"
)

// PrivateStream consumes the authenticated Bybit WebSocket: position,
// order, execution and wallet topics. It drives the position tracker
// and the order manager. OnDisconnect/OnReconnect let the agent enter
// and leave degraded mode.
type PrivateStream struct {
	mu sync.RWMutex

	url       string
	apiKey    string
	apiSecret string
	conn      *websocket.Conn
	logger    zerolog.Logger

	onPosition   func([]Position)
	onOrder      func([]Order)
	onExecution  func([]ExecutionUpdate)
	onWallet     func(WalletBalance)
	onDisconnect func()
	onReconnect  func()

	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewPrivateStream creates the authenticated stream client.
func NewPrivateStream(url string, testnet bool, apiKey, apiSecret string, logger zerolog.Logger) *PrivateStream {
	if url == "" {
		url = MainnetPrivateWSURL
		if testnet {
			url = TestnetPrivateWSURL
		}
	}
	return &PrivateStream{
		url:       url,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		logger:    logger.With().Str("component", "PrivateStream").Logger(),
		stopChan:  make(chan struct{}),
	}
}

// OnPosition sets the position-update callback.
func (s *PrivateStream) OnPosition(fn func([]Position)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPosition = fn
}

// OnOrder sets the order-update callback.
func (s *PrivateStream) OnOrder(fn func([]Order)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onOrder = fn
}

// OnExecution sets the fill-report callback. Executions carry the
// exchange's own closedPnl, the authoritative realized PnL figure.
func (s *PrivateStream) OnExecution(fn func([]ExecutionUpdate)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onExecution = fn
}

// OnWallet sets the wallet-update callback.
func (s *PrivateStream) OnWallet(fn func(WalletBalance)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onWallet = fn
}

// OnDisconnect sets the degraded-mode entry callback.
func (s *PrivateStream) OnDisconnect(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnect = fn
}

// OnReconnect sets the degraded-mode exit callback.
func (s *PrivateStream) OnReconnect(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReconnect = fn
}

// Start connects, authenticates and runs the read loop.
func (s *PrivateStream) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)
	return nil
}

// Stop shuts the stream down.
func (s *PrivateStream) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *PrivateStream) run(ctx context.Context) {
	defer s.wg.Done()

	first := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		default:
		}

		if err := s.connect(); err != nil {
			s.logger.Error().Err(err).Msg("Private stream connect failed, retrying")
			if first {
				first = false
			} else if s.onDisconnect != nil {
				s.onDisconnect()
			}
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-time.After(wsReconnectWait):
			}
			continue
		}

		if !first && s.onReconnect != nil {
			s.onReconnect()
		}
		first = false

		s.readLoop(ctx)

		// Read loop exit means the connection dropped.
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		default:
			if s.onDisconnect != nil {
				s.onDisconnect()
			}
		}
	}
}

func (s *PrivateStream) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}

	// Auth: HMAC over "GET/realtime" + expiry.
	expires := time.Now().Add(10 * time.Second).UnixMilli()
	mac := hmac.New(sha256.New, []byte(s.apiSecret))
	mac.Write([]byte("GET/realtime" + strconv.FormatInt(expires, 10)))
	signature := hex.EncodeToString(mac.Sum(nil))

	auth := map[string]interface{}{
		"op":   "auth",
		"args": []interface{}{s.apiKey, expires, signature},
	}
	if err := conn.WriteJSON(auth); err != nil {
		conn.Close()
		return fmt.Errorf("auth write: %w", err)
	}

	sub := map[string]interface{}{
		"op":   "subscribe",
		"args": []string{"position", "order", "execution", "wallet"},
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe write: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.logger.Info().Msg("Private stream connected")
	return nil
}

func (s *PrivateStream) readLoop(ctx context.Context) {
	pingTicker := time.NewTicker(wsPingInterval)
	defer pingTicker.Stop()

	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case <-done:
				return
			case <-pingTicker.C:
				s.mu.RLock()
				conn := s.conn
				s.mu.RUnlock()
				if conn == nil {
					return
				}
				if err := conn.WriteJSON(map[string]string{"op": "ping"}); err != nil {
					return
				}
			}
		}
	}()

	for {
		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
			case <-s.stopChan:
			default:
				s.logger.Warn().Err(err).Msg("Private stream read error, reconnecting")
			}
			conn.Close()
			s.mu.Lock()
			s.conn = nil
			s.mu.Unlock()
			return
		}

		s.handleMessage(raw)
	}
}

func (s *PrivateStream) handleMessage(raw []byte) {
	var msg struct {
		Topic string          `json:"topic"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Topic == "" {
		return
	}

	switch msg.Topic {
	case "position":
		s.handlePositions(msg.Data)
	case "order":
		s.handleOrders(msg.Data)
	case "execution":
		s.handleExecutions(msg.Data)
	case "wallet":
		s.handleWallet(msg.Data)
	}
}

func (s *PrivateStream) handlePositions(data json.RawMessage) {
	var rows []struct {
		Symbol        string `json:"symbol"`
		Side          string `json:"side"`
		Size          string `json:"size"`
		EntryPrice    string `json:"entryPrice"`
		MarkPrice     string `json:"markPrice"`
		UnrealisedPnl string `json:"unrealisedPnl"`
		Leverage      string `json:"leverage"`
		LiqPrice      string `json:"liqPrice"`
		StopLoss      string `json:"stopLoss"`
		TakeProfit    string `json:"takeProfit"`
		UpdatedTime   string `json:"updatedTime"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return
	}

	positions := make([]Position, 0, len(rows))
	for _, p := range rows {
		updated, _ := strconv.ParseInt(p.UpdatedTime, 10, 64)
		positions = append(positions, Position{
			Symbol:        p.Symbol,
			Side:          Side(p.Side),
			Size:          parseFloat(p.Size),
			AvgPrice:      parseFloat(p.EntryPrice),
			MarkPrice:     parseFloat(p.MarkPrice),
			UnrealisedPnL: parseFloat(p.UnrealisedPnl),
			Leverage:      parseFloat(p.Leverage),
			LiqPrice:      parseFloat(p.LiqPrice),
			StopLoss:      parseFloat(p.StopLoss),
			TakeProfit:    parseFloat(p.TakeProfit),
			UpdatedAt:     updated,
		})
	}

	s.mu.RLock()
	callback := s.onPosition
	s.mu.RUnlock()
	if callback != nil && len(positions) > 0 {
		callback(positions)
	}
}

func (s *PrivateStream) handleOrders(data json.RawMessage) {
	var rows []struct {
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
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return
	}

	orders := make([]Order, 0, len(rows))
	for _, o := range rows {
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

	s.mu.RLock()
	callback := s.onOrder
	s.mu.RUnlock()
	if callback != nil && len(orders) > 0 {
		callback(orders)
	}
}

func (s *PrivateStream) handleExecutions(data json.RawMessage) {
	var rows []struct {
		Symbol     string `json:"symbol"`
		Side       string `json:"side"`
		ClosedSize string `json:"closedSize"`
		ClosedPnl  string `json:"closedPnl"`
		ExecPrice  string `json:"execPrice"`
		ExecTime   string `json:"execTime"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return
	}

	execs := make([]ExecutionUpdate, 0, len(rows))
	for _, x := range rows {
		execTime, _ := strconv.ParseInt(x.ExecTime, 10, 64)
		execs = append(execs, ExecutionUpdate{
			Symbol:     x.Symbol,
			Side:       Side(x.Side),
			ClosedSize: parseFloat(x.ClosedSize),
			ClosedPnL:  parseFloat(x.ClosedPnl),
			AvgExit:    parseFloat(x.ExecPrice),
			UpdatedAt:  execTime,
		})
	}

	s.mu.RLock()
	callback := s.onExecution
	s.mu.RUnlock()
	if callback != nil && len(execs) > 0 {
		callback(execs)
	}
}

func (s *PrivateStream) handleWallet(data json.RawMessage) {
	var rows []struct {
		Coin []struct {
			Coin     string `json:"coin"`
			Equity   string `json:"equity"`
			UsdValue string `json:"usdValue"`
		} `json:"coin"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return
	}

	balance := WalletBalance{}
	for _, account := range rows {
		for _, coin := range account.Coin {
			switch coin.Coin {
			case "USDT", "USDC":
				balance.TotalUSD += parseFloat(coin.Equity)
				balance.AvailableUSD += parseFloat(coin.Equity)
			default:
				balance.TotalUSD += parseFloat(coin.UsdValue)
			}
		}
	}

	s.mu.RLock()
	callback := s.onWallet
	s.mu.RUnlock()
	if callback != nil {
		callback(balance)
	}
}
