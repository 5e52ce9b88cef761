package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// MainnetPublicWSURL is the production public stream for linear perps.
	MainnetPublicWSURL = "wss://stream.bybit.com/v5/public/linear"
	// TestnetPublicWSURL is the testnet public stream.
	TestnetPublicWSURL = "wss://stream-testnet.bybit.com/v5/public/linear"

	wsPingInterval  = 20 * time.Second
	wsReadDeadline  = 60 * time.Second
	wsReconnectWait = 3 * time.Second
)

// MarketStream consumes the Bybit public WebSocket: kline and ticker
// topics. Subscriptions survive reconnects; the stream resubscribes to
// every registered topic after each new connection.
type MarketStream struct {
	mu sync.RWMutex

	url    string
	conn   *websocket.Conn
	topics map[string]bool
	logger zerolog.Logger

	onKline  func(Kline)
	onTicker func(Ticker)

	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewMarketStream creates a public market stream client.
func NewMarketStream(url string, testnet bool, logger zerolog.Logger) *MarketStream {
	if url == "" {
		url = MainnetPublicWSURL
		if testnet {
			url = TestnetPublicWSURL
		}
	}
	return &MarketStream{
		url:      url,
		topics:   make(map[string]bool),
		logger:   logger.With().Str("component", "MarketStream").Logger(),
		stopChan: make(chan struct{}),
	}
}

// OnKline sets the kline callback. Called for live updates and confirms.
func (s *MarketStream) OnKline(fn func(Kline)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onKline = fn
}

// OnTicker sets the ticker callback.
func (s *MarketStream) OnTicker(fn func(Ticker)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTicker = fn
}

// SubscribeKline subscribes to kline.<interval>.<symbol>.
func (s *MarketStream) SubscribeKline(symbol, interval string) error {
	return s.subscribe(fmt.Sprintf("kline.%s.%s", interval, symbol))
}

// SubscribeTicker subscribes to tickers.<symbol>.
func (s *MarketStream) SubscribeTicker(symbol string) error {
	return s.subscribe(fmt.Sprintf("tickers.%s", symbol))
}

func (s *MarketStream) subscribe(topic string) error {
	s.mu.Lock()
	s.topics[topic] = true
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		// Sent on next (re)connect.
		return nil
	}
	return s.send(map[string]interface{}{"op": "subscribe", "args": []string{topic}})
}

// Start connects and runs the read loop until Stop or ctx cancellation.
func (s *MarketStream) Start(ctx context.Context) error {
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

// Stop shuts the stream down and waits for the read loop to exit.
func (s *MarketStream) Stop() {
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

func (s *MarketStream) run(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		default:
		}

		if err := s.connect(); err != nil {
			s.logger.Error().Err(err).Msg("Market stream connect failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-time.After(wsReconnectWait):
			}
			continue
		}

		s.readLoop(ctx)
	}
}

func (s *MarketStream) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}

	s.mu.Lock()
	s.conn = conn
	topics := make([]string, 0, len(s.topics))
	for t := range s.topics {
		topics = append(topics, t)
	}
	s.mu.Unlock()

	if len(topics) > 0 {
		if err := s.send(map[string]interface{}{"op": "subscribe", "args": topics}); err != nil {
			conn.Close()
			return err
		}
	}

	s.logger.Info().Int("topics", len(topics)).Msg("Market stream connected")
	return nil
}

func (s *MarketStream) send(msg interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("market stream not connected")
	}
	return s.conn.WriteJSON(msg)
}

func (s *MarketStream) readLoop(ctx context.Context) {
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
				if err := s.send(map[string]string{"op": "ping"}); err != nil {
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
				s.logger.Warn().Err(err).Msg("Market stream read error, reconnecting")
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

// marketMessage is the public-stream push envelope.
type marketMessage struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
}

func (s *MarketStream) handleMessage(raw []byte) {
	var msg marketMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Topic == "" {
		return
	}

	switch {
	case len(msg.Topic) > 6 && msg.Topic[:6] == "kline.":
		s.handleKline(msg)
	case len(msg.Topic) > 8 && msg.Topic[:8] == "tickers.":
		s.handleTicker(msg)
	}
}

func (s *MarketStream) handleKline(msg marketMessage) {
	// topic: kline.<interval>.<symbol>
	var interval, symbol string
	rest := msg.Topic[len("kline."):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '.' {
			interval = rest[:i]
			symbol = rest[i+1:]
			break
		}
	}
	if symbol == "" {
		return
	}

	var rows []struct {
		Start    int64  `json:"start"`
		End      int64  `json:"end"`
		Open     string `json:"open"`
		High     string `json:"high"`
		Low      string `json:"low"`
		Close    string `json:"close"`
		Volume   string `json:"volume"`
		Confirm  bool   `json:"confirm"`
	}
	if err := json.Unmarshal(msg.Data, &rows); err != nil {
		return
	}

	s.mu.RLock()
	callback := s.onKline
	s.mu.RUnlock()
	if callback == nil {
		return
	}

	for _, row := range rows {
		callback(Kline{
			Symbol:    symbol,
			Interval:  interval,
			OpenTime:  row.Start,
			CloseTime: row.End,
			Open:      parseFloat(row.Open),
			High:      parseFloat(row.High),
			Low:       parseFloat(row.Low),
			Close:     parseFloat(row.Close),
			Volume:    parseFloat(row.Volume),
			Confirmed: row.Confirm,
		})
	}
}

func (s *MarketStream) handleTicker(msg marketMessage) {
	symbol := msg.Topic[len("tickers."):]

	var data struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
		MarkPrice string `json:"markPrice"`
		Bid1Price string `json:"bid1Price"`
		Ask1Price string `json:"ask1Price"`
	}
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		return
	}
	if data.Symbol == "" {
		data.Symbol = symbol
	}

	s.mu.RLock()
	callback := s.onTicker
	s.mu.RUnlock()
	if callback == nil {
		return
	}

	// Ticker pushes are deltas; zero fields mean "unchanged" and are
	// dropped by the consumer.
	callback(Ticker{
		Symbol:    data.Symbol,
		LastPrice: parseFloat(data.LastPrice),
		MarkPrice: parseFloat(data.MarkPrice),
		Bid:       parseFloat(data.Bid1Price),
		Ask:       parseFloat(data.Ask1Price),
	})
}
