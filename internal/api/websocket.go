package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"bybit-trading-agent/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Single-operator tool; the UI runs wherever the operator does.
		return true
	},
}

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsPongWait   = 60 * time.Second
)

// Envelope is the outbound UI message frame.
type Envelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// WSClient is one connected UI.
type WSClient struct {
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub
}

// WSHub fans agent events out to every connected UI.
type WSHub struct {
	mu      sync.RWMutex
	clients map[*WSClient]bool

	register   chan *WSClient
	unregister chan *WSClient
	broadcast  chan []byte

	logger zerolog.Logger
}

// NewWSHub creates the hub and wires it to the event bus.
func NewWSHub(bus *events.Bus, logger zerolog.Logger) *WSHub {
	h := &WSHub{
		clients:    make(map[*WSClient]bool),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		broadcast:  make(chan []byte, 4096),
		logger:     logger.With().Str("component", "WSHub").Logger(),
	}
	bus.SubscribeAll(h.onEvent)
	return h
}

// Run pumps registrations and broadcasts. Call in its own goroutine.
func (h *WSHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow client; drop it rather than block the hub.
					delete(h.clients, client)
					close(client.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast sends one envelope to every client.
func (h *WSHub) Broadcast(msgType string, data interface{}) {
	raw, err := json.Marshal(Envelope{Type: msgType, Data: data, Timestamp: time.Now().UTC()})
	if err != nil {
		return
	}
	select {
	case h.broadcast <- raw:
	default:
		h.logger.Warn().Msg("Broadcast queue full, dropping message")
	}
}

// onEvent maps bus events onto the UI envelope vocabulary.
func (h *WSHub) onEvent(e events.Event) {
	var msgType string
	switch e.Type {
	case events.EventPositionOpened, events.EventPositionUpdated, events.EventPositionClosed, events.EventPnLUpdate:
		msgType = "position"
	case events.EventStateUpdate, events.EventBiasFlip, events.EventSupertrendFlip,
		events.EventStructureBreak, events.EventChangeOfCharacter, events.EventRiskWarning:
		msgType = "strategy"
	case events.EventTickerUpdate:
		msgType = "ticker"
	case events.EventTrailActivated, events.EventTrailUpdate, events.EventTrailDeactivated,
		events.EventStopLossSet, events.EventStopLossMoved:
		msgType = "trailUpdate"
	case events.EventBreakerTripped, events.EventBreakerReset, events.EventBreakerOverride:
		msgType = "circuitBreaker"
	case events.EventWatchCreated, events.EventWatchTriggered, events.EventWatchExpired, events.EventWatchCancelled:
		msgType = "watch"
	case events.EventTradeOpened, events.EventTradeClosed, events.EventTradeRestored,
		events.EventEntryPlaced, events.EventEntryRejected, events.EventOrderFilled:
		msgType = "trade"
	default:
		return
	}
	h.Broadcast(msgType, e)
}

// handleWS upgrades one HTTP request into a client connection.
func (h *WSHub) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &WSClient{conn: conn, send: make(chan []byte, 256), hub: h}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		// The only inbound message the UI sends is a ping.
		var msg struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(raw, &msg) == nil && msg.Type == "ping" {
			out, _ := json.Marshal(Envelope{Type: "pong", Timestamp: time.Now().UTC()})
			select {
			case c.send <- out:
			default:
			}
		}
	}
}
