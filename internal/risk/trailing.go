package risk

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"bybit-trading-agent/internal/bybit"
	"bybit-trading-agent/internal/events"
	"bybit-trading-agent/internal/strategy"
)

// TrailMode selects the trailing candidate source.
type TrailMode string

const (
	TrailSupertrend TrailMode = "SUPERTREND"
	TrailStructure  TrailMode = "STRUCTURE"
	TrailNone       TrailMode = "NONE"
)

// trail is the trailing state for one open trade.
type trail struct {
	tradeID     string
	symbol      string
	side        bybit.Side
	mode        TrailMode
	active      bool
	entry       float64
	initialRisk float64
}

// TrailManager ratchets the Strategic SL in the position's favor on
// each confirmed close. It never moves a stop the wrong way: unfavorable
// candidates are dropped before they reach the StopManager.
type TrailManager struct {
	mu     sync.RWMutex
	trails map[string]*trail // by symbol

	stops  *StopManager
	bus    *events.Bus
	logger zerolog.Logger

	// breakevenAtR arms an inactive trail once price has moved this many
	// R in the trade's favor. Zero disables the helper.
	breakevenAtR float64
}

// NewTrailManager creates the trailing manager.
func NewTrailManager(stops *StopManager, bus *events.Bus, breakevenAtR float64, logger zerolog.Logger) *TrailManager {
	return &TrailManager{
		trails:       make(map[string]*trail),
		stops:        stops,
		bus:          bus,
		breakevenAtR: breakevenAtR,
		logger:       logger.With().Str("component", "TrailManager").Logger(),
	}
}

// Track starts trailing a trade. active=false leaves the trail armed
// but dormant until the breakeven helper (or the user) activates it.
func (m *TrailManager) Track(tradeID, symbol string, side bybit.Side, mode TrailMode, active bool, entry, initialRisk float64) {
	if mode == TrailNone {
		return
	}

	m.mu.Lock()
	m.trails[symbol] = &trail{
		tradeID:     tradeID,
		symbol:      symbol,
		side:        side,
		mode:        mode,
		active:      active,
		entry:       entry,
		initialRisk: initialRisk,
	}
	m.mu.Unlock()

	if active {
		m.bus.Emit(events.EventTrailActivated, symbol, tradeID, "", map[string]interface{}{
			"mode": mode,
		})
	}
}

// Release stops trailing a symbol after the trade closes.
func (m *TrailManager) Release(symbol string) {
	m.mu.Lock()
	t, ok := m.trails[symbol]
	delete(m.trails, symbol)
	m.mu.Unlock()

	if ok && t.active {
		m.bus.Emit(events.EventTrailDeactivated, symbol, t.tradeID, "", nil)
	}
}

// Deactivate turns a trail off without dropping it, e.g. after repeated
// exchange failures moving the stop.
func (m *TrailManager) Deactivate(symbol string) {
	m.mu.Lock()
	if t, ok := m.trails[symbol]; ok && t.active {
		t.active = false
		m.bus.Emit(events.EventTrailDeactivated, symbol, t.tradeID, "", nil)
	}
	m.mu.Unlock()
}

// SetMode changes the candidate source for an open trade.
func (m *TrailManager) SetMode(symbol string, mode TrailMode, active bool) {
	if mode == TrailNone {
		m.Release(symbol)
		return
	}
	m.mu.Lock()
	if t, ok := m.trails[symbol]; ok {
		t.mode = mode
		t.active = active
	}
	m.mu.Unlock()
}

// OnStateUpdate runs the ratchet for one symbol after a confirmed close.
// Called by the per-symbol evaluator, after the strategic-stop check and
// before the next close is processed.
func (m *TrailManager) OnStateUpdate(ctx context.Context, st strategy.State) {
	m.mu.Lock()
	t, ok := m.trails[st.Symbol]
	if !ok {
		m.mu.Unlock()
		return
	}

	if !t.active && m.breakevenAtR > 0 && t.initialRisk > 0 {
		moved := st.Snapshot.Price - t.entry
		if t.side == bybit.SideSell {
			moved = t.entry - st.Snapshot.Price
		}
		if moved >= m.breakevenAtR*t.initialRisk {
			t.active = true
			m.bus.Emit(events.EventTrailActivated, t.symbol, t.tradeID, "breakeven threshold reached", map[string]interface{}{
				"mode": t.mode,
			})
		}
	}

	if !t.active {
		m.mu.Unlock()
		return
	}
	snapshot := *t
	m.mu.Unlock()

	candidate, ok := candidateFor(snapshot, st.Snapshot)
	if !ok {
		return
	}

	moved, err := m.stops.Update(ctx, snapshot.symbol, candidate)
	if err != nil {
		m.logger.Warn().Err(err).Str("symbol", snapshot.symbol).Msg("Trail update failed, will retry next close")
		return
	}
	if moved {
		m.bus.Emit(events.EventTrailUpdate, snapshot.symbol, snapshot.tradeID, "", map[string]interface{}{
			"mode":      snapshot.mode,
			"candidate": candidate,
		})
	}
}

// candidateFor picks the trailing candidate from the latest snapshot.
func candidateFor(t trail, snap strategy.Snapshot) (float64, bool) {
	switch t.mode {
	case TrailSupertrend:
		if snap.SupertrendValue == 0 {
			return 0, false
		}
		return snap.SupertrendValue, true
	case TrailStructure:
		if t.side == bybit.SideBuy {
			if snap.ProtectedLow == nil {
				return 0, false
			}
			return snap.ProtectedLow.Price, true
		}
		if snap.ProtectedHigh == nil {
			return 0, false
		}
		return snap.ProtectedHigh.Price, true
	}
	return 0, false
}

// Active reports whether a symbol has an active trail.
func (m *TrailManager) Active(symbol string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trails[symbol]
	return ok && t.active
}
