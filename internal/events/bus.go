// Package events defines the closed set of audit event tags and the
// in-process bus that fans them out to the event logger, the UI hub and
// any other subscriber. Events are append-only: once published they are
// never mutated.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType tags every decision and action the agent takes.
type EventType string

const (
	// Strategy
	EventStateUpdate      EventType = "STATE_UPDATE"
	EventBiasFlip         EventType = "BIAS_FLIP"
	EventStructureBreak   EventType = "STRUCTURE_BREAK"
	EventChangeOfCharacter EventType = "CHANGE_OF_CHARACTER"
	EventSupertrendFlip   EventType = "SUPERTREND_FLIP"
	EventRiskWarning      EventType = "RISK_WARNING"

	// Entry pipeline
	EventEntryPlaced           EventType = "ENTRY_PLACED"
	EventEntryRejected         EventType = "ENTRY_REJECTED"
	EventEntryBlockedDirection EventType = "ENTRY_BLOCKED_DIRECTION"
	EventEntryBlockedLock      EventType = "ENTRY_BLOCKED_LOCK"
	EventEntryBlockedPause     EventType = "ENTRY_BLOCKED_PAUSE"
	EventEntryBlockedBreaker   EventType = "ENTRY_BLOCKED_BREAKER"
	EventLeverageClamped       EventType = "LEVERAGE_CLAMPED"
	EventSizeCalculated        EventType = "SIZE_CALCULATED"

	// Orders
	EventOrderPlaced    EventType = "ORDER_PLACED"
	EventOrderFilled    EventType = "ORDER_FILLED"
	EventOrderCancelled EventType = "ORDER_CANCELLED"
	EventOrderRejected  EventType = "ORDER_REJECTED"
	EventOrderUnknown   EventType = "ORDER_UNKNOWN"

	// Positions
	EventPositionOpened  EventType = "POSITION_OPENED"
	EventPositionUpdated EventType = "POSITION_UPDATED"
	EventPositionClosed  EventType = "POSITION_CLOSED"
	EventPnLUpdate       EventType = "PNL_UPDATE"

	// Stop loss / trailing
	EventStopLossSet        EventType = "STOP_LOSS_SET"
	EventStopLossMoved      EventType = "STOP_LOSS_MOVED"
	EventStopLossRejected   EventType = "STOP_LOSS_REJECTED"
	EventStrategicSLTrigger EventType = "STRATEGIC_SL_TRIGGERED"
	EventTakeProfitSet      EventType = "TAKE_PROFIT_SET"
	EventTrailActivated     EventType = "TRAIL_ACTIVATED"
	EventTrailUpdate        EventType = "TRAIL_UPDATE"
	EventTrailDeactivated   EventType = "TRAIL_DEACTIVATED"

	// Trade lifecycle
	EventTradeOpened   EventType = "TRADE_OPENED"
	EventTradeClosed   EventType = "TRADE_CLOSED"
	EventTradeRestored EventType = "TRADE_RESTORED"
	EventLockSet       EventType = "LOCK_SET"
	EventLockCleared   EventType = "LOCK_CLEARED"

	// Watches
	EventWatchCreated   EventType = "WATCH_CREATED"
	EventWatchTriggered EventType = "WATCH_TRIGGERED"
	EventWatchExpired   EventType = "WATCH_EXPIRED"
	EventWatchCancelled EventType = "WATCH_CANCELLED"

	// Circuit breaker / system
	EventBreakerTripped  EventType = "CIRCUIT_BREAKER_TRIPPED"
	EventBreakerReset    EventType = "CIRCUIT_BREAKER_RESET"
	EventBreakerOverride EventType = "CIRCUIT_BREAKER_OVERRIDE"
	EventAgentPaused     EventType = "AGENT_PAUSED"
	EventAgentResumed    EventType = "AGENT_RESUMED"
	EventDegradedMode    EventType = "DEGRADED_MODE"
	EventSystemError     EventType = "SYSTEM_ERROR"
	EventTickerUpdate    EventType = "TICKER_UPDATE"
)

// Event is a single append-only audit record.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Symbol    string                 `json:"symbol,omitempty"`
	TradeID   string                 `json:"trade_id,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Subscriber is a function that handles events.
type Subscriber func(Event)

// Bus manages event publishing and subscriptions.
//
// Delivery runs in its own goroutine so publishers never block; anything
// that needs strict per-symbol ordering (SL updates behind strategy
// states) is wired as a direct call, not through the bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
	}
}

// Subscribe registers a subscriber for a specific event type.
func (b *Bus) Subscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], sub)
}

// SubscribeAll registers a subscriber for every event.
func (b *Bus) SubscribeAll(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, sub)
}

// Publish sends an event to all subscribers, assigning ID and timestamp
// if the caller left them empty.
func (b *Bus) Publish(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if subs, ok := b.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}
	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// Emit is shorthand for publishing a typed event with a payload.
func (b *Bus) Emit(eventType EventType, symbol, tradeID, message string, data map[string]interface{}) {
	b.Publish(Event{
		Type:    eventType,
		Symbol:  symbol,
		TradeID: tradeID,
		Message: message,
		Data:    data,
	})
}
