// Package state implements the per-symbol trade lifecycle machine and
// the global pause flag. Transitions are total: every (state, event)
// pair resolves to a defined outcome, never a panic.
package state

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bybit-trading-agent/internal/bybit"
	"bybit-trading-agent/internal/events"
)

// TradeState is one symbol's lifecycle phase.
type TradeState string

const (
	StateFlat      TradeState = "FLAT"
	StateInLong    TradeState = "IN_LONG"
	StateInShort   TradeState = "IN_SHORT"
	StateExiting   TradeState = "EXITING"
	StateLockLong  TradeState = "LOCK_LONG"
	StateLockShort TradeState = "LOCK_SHORT"
)

// DenyReason identifies why an entry was denied.
type DenyReason string

const (
	DenyNone       DenyReason = ""
	DenyPaused     DenyReason = "PAUSED"
	DenyInPosition DenyReason = "IN_POSITION"
	DenyExiting    DenyReason = "EXITING"
	DenyLocked     DenyReason = "LOCKED"
)

// SymbolState is the readable snapshot for one symbol.
type SymbolState struct {
	Symbol          string     `json:"symbol"`
	State           TradeState `json:"state"`
	Side            bybit.Side `json:"side,omitempty"`
	EnteredAt       time.Time  `json:"entered_at,omitempty"`
	LastStoppedSide bybit.Side `json:"last_stopped_side,omitempty"`
}

// Machine owns every symbol's trade state plus the process-wide pause
// flag. The trade executor and the position reactor are its only writers.
type Machine struct {
	mu      sync.RWMutex
	symbols map[string]*SymbolState
	paused  bool

	bus    *events.Bus
	logger zerolog.Logger
}

// NewMachine creates a state machine with every symbol implicitly FLAT.
func NewMachine(bus *events.Bus, logger zerolog.Logger) *Machine {
	return &Machine{
		symbols: make(map[string]*SymbolState),
		bus:     bus,
		logger:  logger.With().Str("component", "StateMachine").Logger(),
	}
}

// get returns the entry for a symbol, creating a FLAT one. Caller holds mu.
func (m *Machine) get(symbol string) *SymbolState {
	st, ok := m.symbols[symbol]
	if !ok {
		st = &SymbolState{Symbol: symbol, State: StateFlat}
		m.symbols[symbol] = st
	}
	return st
}

// Snapshot returns a copy of one symbol's state.
func (m *Machine) Snapshot(symbol string) SymbolState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.symbols[symbol]; ok {
		return *st
	}
	return SymbolState{Symbol: symbol, State: StateFlat}
}

// Snapshots returns a copy of every known symbol state.
func (m *Machine) Snapshots() []SymbolState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SymbolState, 0, len(m.symbols))
	for _, st := range m.symbols {
		out = append(out, *st)
	}
	return out
}

// Paused reports the global pause flag.
func (m *Machine) Paused() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paused
}

// Pause sets the global pause flag. Every entry is denied while paused.
func (m *Machine) Pause() {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
	m.bus.Emit(events.EventAgentPaused, "", "", "trading paused", nil)
}

// Resume clears the global pause flag.
func (m *Machine) Resume() {
	m.mu.Lock()
	m.paused = false
	m.mu.Unlock()
	m.bus.Emit(events.EventAgentResumed, "", "", "trading resumed", nil)
}

// CanEnter is the read-only admission query for one side.
func (m *Machine) CanEnter(symbol string, side bybit.Side) (bool, DenyReason, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.paused {
		return false, DenyPaused, "trading is paused"
	}

	st, ok := m.symbols[symbol]
	if !ok {
		return true, DenyNone, ""
	}

	switch st.State {
	case StateFlat:
		return true, DenyNone, ""
	case StateInLong, StateInShort:
		return false, DenyInPosition, fmt.Sprintf("already in a %s position", st.Side)
	case StateExiting:
		return false, DenyExiting, "an exit is in flight; wait for the position-closed confirmation"
	case StateLockLong:
		if side == bybit.SideBuy {
			return false, DenyLocked, "long entries are locked after the last long stop-out"
		}
		return true, DenyNone, ""
	case StateLockShort:
		if side == bybit.SideSell {
			return false, DenyLocked, "short entries are locked after the last short stop-out"
		}
		return true, DenyNone, ""
	}
	return true, DenyNone, ""
}

// EnterPosition transitions FLAT or an opposite lock to IN_side.
func (m *Machine) EnterPosition(symbol string, side bybit.Side) error {
	m.mu.Lock()
	st := m.get(symbol)

	switch st.State {
	case StateFlat, StateLockLong, StateLockShort:
		if st.State == StateLockLong && side == bybit.SideBuy ||
			st.State == StateLockShort && side == bybit.SideSell {
			cur := st.State
			m.mu.Unlock()
			return fmt.Errorf("%s: %s entry refused in state %s", symbol, side, cur)
		}
	default:
		cur := st.State
		m.mu.Unlock()
		return fmt.Errorf("%s: cannot enter from state %s", symbol, cur)
	}

	st.State = StateInLong
	if side == bybit.SideSell {
		st.State = StateInShort
	}
	st.Side = side
	st.EnteredAt = time.Now().UTC()
	next := st.State
	m.mu.Unlock()

	m.logger.Info().Str("symbol", symbol).Str("state", string(next)).Msg("Entered position")
	return nil
}

// StartExiting moves IN_* to EXITING. All entries are denied until the
// exchange confirms the close.
func (m *Machine) StartExiting(symbol string) {
	m.mu.Lock()
	st := m.get(symbol)
	if st.State == StateInLong || st.State == StateInShort {
		st.State = StateExiting
	}
	m.mu.Unlock()
}

// AbortExit returns EXITING to IN_side when the exit order never
// reached the exchange, so the intact position stays closable.
func (m *Machine) AbortExit(symbol string) {
	m.mu.Lock()
	st := m.get(symbol)
	if st.State == StateExiting {
		st.State = StateInLong
		if st.Side == bybit.SideSell {
			st.State = StateInShort
		}
	}
	m.mu.Unlock()
}

// ExitClean resolves a close that was not a stop-out: back to FLAT.
func (m *Machine) ExitClean(symbol string) {
	m.mu.Lock()
	st := m.get(symbol)
	st.State = StateFlat
	st.Side = ""
	m.mu.Unlock()
	m.logger.Info().Str("symbol", symbol).Msg("Exit resolved, symbol flat")
}

// ExitStopped resolves a stop-out: the stopped side is locked until an
// opposite-direction signal clears it. This is the anti-revenge rule.
func (m *Machine) ExitStopped(symbol string, side bybit.Side) {
	m.mu.Lock()
	st := m.get(symbol)
	st.LastStoppedSide = side
	st.Side = ""
	if side == bybit.SideBuy {
		st.State = StateLockLong
	} else {
		st.State = StateLockShort
	}
	next := st.State
	m.mu.Unlock()

	m.bus.Emit(events.EventLockSet, symbol, "", "", map[string]interface{}{
		"state":        next,
		"stopped_side": side,
	})
	m.logger.Warn().Str("symbol", symbol).Str("state", string(next)).Msg("Stop-out lock set")
}

// ClearLock releases a lock when the signal side opposes the locked
// side. A LONG lock clears on a SHORT signal and vice versa; locks have
// no time expiry.
func (m *Machine) ClearLock(symbol string, signalSide bybit.Side) bool {
	m.mu.Lock()
	st := m.get(symbol)
	cleared := false
	if st.State == StateLockLong && signalSide == bybit.SideSell ||
		st.State == StateLockShort && signalSide == bybit.SideBuy {
		st.State = StateFlat
		cleared = true
	}
	m.mu.Unlock()

	if cleared {
		m.bus.Emit(events.EventLockCleared, symbol, "", "", map[string]interface{}{
			"signal_side": signalSide,
		})
		m.logger.Info().Str("symbol", symbol).Msg("Stop-out lock cleared by opposite signal")
	}
	return cleared
}

// ForceUnlock is the admin escape hatch: any state back to FLAT.
func (m *Machine) ForceUnlock(symbol string) {
	m.mu.Lock()
	st := m.get(symbol)
	st.State = StateFlat
	st.Side = ""
	m.mu.Unlock()

	m.bus.Emit(events.EventLockCleared, symbol, "", "forced unlock", nil)
	m.logger.Warn().Str("symbol", symbol).Msg("Symbol force-unlocked")
}
