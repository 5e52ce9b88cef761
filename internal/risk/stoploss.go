// Package risk maintains the two-layer stop loss per open trade and the
// trailing ratchet that moves it.
//
// The Emergency SL lives on the exchange and fires on price; it protects
// against flash moves and disconnects. The Strategic SL is the decision
// level and is checked only on confirmed candle close.
package risk

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog"

	"bybit-trading-agent/internal/bybit"
	"bybit-trading-agent/internal/events"
	"bybit-trading-agent/internal/metrics"
)

// SLRule names how a stop level was derived.
type SLRule string

const (
	SLRuleSwing      SLRule = "SWING"
	SLRuleSupertrend SLRule = "SUPERTREND"
	SLRulePrice      SLRule = "PRICE"
	SLRuleNone       SLRule = "NONE"
)

// Levels is the (Strategic, Emergency) pair for one open trade.
//
// Ordering invariant: for LONG, Emergency < Strategic < entry; for
// SHORT, Emergency > Strategic > entry. A user-pinned PRICE rule makes
// Strategic = Emergency with no buffer.
type Levels struct {
	TradeID   string     `json:"trade_id"`
	Symbol    string     `json:"symbol"`
	Side      bybit.Side `json:"side"`
	Entry     float64    `json:"entry"`
	Strategic float64    `json:"strategic"`
	Emergency float64    `json:"emergency"`
	BufferPct float64    `json:"buffer_pct"`
	Rule      SLRule     `json:"rule"`
	TickSize  float64    `json:"tick_size"`
}

// EmergencyFor derives the Emergency level from a Strategic level.
func EmergencyFor(strategic, bufferPct float64, side bybit.Side, pinned bool) float64 {
	if pinned {
		return strategic
	}
	if side == bybit.SideBuy {
		return strategic * (1 - bufferPct/100)
	}
	return strategic * (1 + bufferPct/100)
}

// CloseFunc asks the executor for a full close with the given reason.
type CloseFunc func(ctx context.Context, symbol, reason string) error

// StopManager owns the SL levels for every open trade; one trade per
// symbol in one-way mode.
type StopManager struct {
	mu     sync.RWMutex
	levels map[string]*Levels // by symbol

	exchange bybit.Exchange
	bus      *events.Bus
	logger   zerolog.Logger

	closeFn CloseFunc
}

// NewStopManager creates the SL manager.
func NewStopManager(exchange bybit.Exchange, bus *events.Bus, logger zerolog.Logger) *StopManager {
	return &StopManager{
		levels:   make(map[string]*Levels),
		exchange: exchange,
		bus:      bus,
		logger:   logger.With().Str("component", "StopManager").Logger(),
	}
}

// OnCloseRequest sets the executor callback for strategic triggers.
func (m *StopManager) OnCloseRequest(fn CloseFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeFn = fn
}

// Register installs the level pair for a freshly opened trade. The
// Emergency level is already on the exchange (it rode on the entry
// order), so no exchange call happens here.
func (m *StopManager) Register(l Levels) {
	m.mu.Lock()
	cp := l
	m.levels[l.Symbol] = &cp
	m.mu.Unlock()

	m.logger.Info().
		Str("symbol", l.Symbol).
		Float64("strategic", l.Strategic).
		Float64("emergency", l.Emergency).
		Str("rule", string(l.Rule)).
		Msg("Stop levels registered")
	m.bus.Emit(events.EventStopLossSet, l.Symbol, l.TradeID, "", map[string]interface{}{
		"strategic": l.Strategic,
		"emergency": l.Emergency,
		"rule":      l.Rule,
	})
}

// Release drops the levels for a symbol after the trade closes.
func (m *StopManager) Release(symbol string) {
	m.mu.Lock()
	delete(m.levels, symbol)
	m.mu.Unlock()
}

// Get returns a copy of the levels for a symbol.
func (m *StopManager) Get(symbol string) (Levels, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if l, ok := m.levels[symbol]; ok {
		return *l, true
	}
	return Levels{}, false
}

// Update moves the Strategic SL to candidate if that is strictly better
// in the position's favor; unfavorable candidates are silently ignored.
// A favorable move recomputes Emergency and issues one exchange call; on
// exchange error nothing is recorded, so the next close retries.
func (m *StopManager) Update(ctx context.Context, symbol string, candidate float64) (bool, error) {
	m.mu.Lock()
	l, ok := m.levels[symbol]
	if !ok {
		m.mu.Unlock()
		return false, nil
	}

	better := l.Side == bybit.SideBuy && candidate > l.Strategic ||
		l.Side == bybit.SideSell && candidate < l.Strategic
	if !better {
		m.mu.Unlock()
		return false, nil
	}

	newEmergency := EmergencyFor(candidate, l.BufferPct, l.Side, l.Rule == SLRulePrice)
	prevStrategic, prevEmergency := l.Strategic, l.Emergency
	snapshot := *l
	m.mu.Unlock()

	if err := m.exchange.SetTradingStop(ctx, symbol, newEmergency, 0, snapshot.TickSize); err != nil {
		m.bus.Emit(events.EventStopLossRejected, symbol, snapshot.TradeID, err.Error(), map[string]interface{}{
			"candidate": candidate,
		})
		return false, fmt.Errorf("move emergency SL for %s: %w", symbol, err)
	}

	m.mu.Lock()
	if l, ok = m.levels[symbol]; ok {
		l.Strategic = candidate
		l.Emergency = newEmergency
	}
	m.mu.Unlock()

	metrics.StopLossUpdates.Inc()
	m.logger.Info().
		Str("symbol", symbol).
		Float64("strategic", candidate).
		Float64("emergency", newEmergency).
		Msg("Stop moved in favor")
	m.bus.Emit(events.EventStopLossMoved, symbol, snapshot.TradeID, "", map[string]interface{}{
		"from_strategic": prevStrategic,
		"to_strategic":   candidate,
		"from_emergency": prevEmergency,
		"to_emergency":   newEmergency,
	})
	return true, nil
}

// Pin moves both layers to an explicit operator price. Unlike Update,
// the entry-time rule and buffer are discarded: Strategic and Emergency
// collapse to the given price, the same as an explicit-price stop at
// entry. Still favor-only; unfavorable prices are ignored.
func (m *StopManager) Pin(ctx context.Context, symbol string, price float64) (bool, error) {
	m.mu.Lock()
	l, ok := m.levels[symbol]
	if !ok {
		m.mu.Unlock()
		return false, nil
	}

	better := l.Side == bybit.SideBuy && price > l.Strategic ||
		l.Side == bybit.SideSell && price < l.Strategic
	if !better {
		m.mu.Unlock()
		return false, nil
	}

	prevStrategic, prevEmergency := l.Strategic, l.Emergency
	snapshot := *l
	m.mu.Unlock()

	if err := m.exchange.SetTradingStop(ctx, symbol, price, 0, snapshot.TickSize); err != nil {
		m.bus.Emit(events.EventStopLossRejected, symbol, snapshot.TradeID, err.Error(), map[string]interface{}{
			"candidate": price,
		})
		return false, fmt.Errorf("pin SL for %s: %w", symbol, err)
	}

	m.mu.Lock()
	if l, ok = m.levels[symbol]; ok {
		l.Strategic = price
		l.Emergency = price
		l.Rule = SLRulePrice
		l.BufferPct = 0
	}
	m.mu.Unlock()

	metrics.StopLossUpdates.Inc()
	m.logger.Info().
		Str("symbol", symbol).
		Float64("price", price).
		Msg("Stop pinned to operator price")
	m.bus.Emit(events.EventStopLossMoved, symbol, snapshot.TradeID, "", map[string]interface{}{
		"from_strategic": prevStrategic,
		"to_strategic":   price,
		"from_emergency": prevEmergency,
		"to_emergency":   price,
	})
	return true, nil
}

// CheckClose tests the Strategic level against a confirmed close and
// requests a full close on trigger. The Emergency SL is cancelled
// implicitly by the position closing.
func (m *StopManager) CheckClose(ctx context.Context, symbol string, close float64) bool {
	m.mu.RLock()
	l, ok := m.levels[symbol]
	if !ok {
		m.mu.RUnlock()
		return false
	}
	snapshot := *l
	closeFn := m.closeFn
	m.mu.RUnlock()

	triggered := snapshot.Side == bybit.SideBuy && close < snapshot.Strategic ||
		snapshot.Side == bybit.SideSell && close > snapshot.Strategic
	if !triggered {
		return false
	}

	m.logger.Warn().
		Str("symbol", symbol).
		Float64("close", close).
		Float64("strategic", snapshot.Strategic).
		Msg("Strategic stop triggered on close")
	m.bus.Emit(events.EventStrategicSLTrigger, symbol, snapshot.TradeID, "", map[string]interface{}{
		"close":     close,
		"strategic": snapshot.Strategic,
	})

	if closeFn != nil {
		if err := closeFn(ctx, symbol, "STOP_LOSS"); err != nil {
			m.logger.Error().Err(err).Str("symbol", symbol).Msg("Stop-triggered close failed")
			m.bus.Emit(events.EventSystemError, symbol, snapshot.TradeID, err.Error(), nil)
		}
	}
	return true
}

// InitialRisk is the per-unit risk distance at entry, used for RR math.
func (l Levels) InitialRisk() float64 {
	return math.Abs(l.Entry - l.Strategic)
}
