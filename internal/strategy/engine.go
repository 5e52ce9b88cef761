// Package strategy computes the per-symbol strategy state on every
// confirmed candle close and answers entry-permission queries against
// the latest state. Permission reads are synchronous and never block.
package strategy

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bybit-trading-agent/internal/bybit"
	"bybit-trading-agent/internal/candles"
	"bybit-trading-agent/internal/events"
	"bybit-trading-agent/internal/indicators"
)

// Params are the indicator settings shared by every symbol.
type Params struct {
	SMAPeriod            int
	EMAPeriod            int
	SupertrendPeriod     int
	SupertrendMultiplier float64
	SwingLookback        int
	// RiskWarnDistancePct flags setups whose SL reference sits further
	// than this from price (wide SL means large notional per risk unit).
	RiskWarnDistancePct float64
}

// DefaultParams returns the production indicator settings.
func DefaultParams() Params {
	return Params{
		SMAPeriod:            200,
		EMAPeriod:            1000,
		SupertrendPeriod:     10,
		SupertrendMultiplier: 3.0,
		SwingLookback:        5,
		RiskWarnDistancePct:  5.0,
	}
}

// Engine owns the strategy states. Single writer per symbol: the
// per-symbol evaluator calls OnCandleClose; everyone else reads copies.
type Engine struct {
	mu     sync.RWMutex
	states map[string]State

	store     *candles.Store
	bus       *events.Bus
	params    Params
	timeframe string
	logger    zerolog.Logger
}

// NewEngine creates the strategy engine.
func NewEngine(store *candles.Store, bus *events.Bus, params Params, timeframe string, logger zerolog.Logger) *Engine {
	return &Engine{
		states:    make(map[string]State),
		store:     store,
		bus:       bus,
		params:    params,
		timeframe: timeframe,
		logger:    logger.With().Str("component", "StrategyEngine").Logger(),
	}
}

// Register seeds an empty warmup state so the symbol shows up in
// listings before its first close.
func (e *Engine) Register(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.states[symbol]; ok {
		return
	}
	e.states[symbol] = State{
		Symbol:    symbol,
		Timeframe: e.timeframe,
		Bias:      BiasNeutral,
		Warmup:    true,
		UpdatedAt: time.Now().UTC(),
	}
}

// Symbols returns the registered symbols.
func (e *Engine) Symbols() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.states))
	for s := range e.states {
		out = append(out, s)
	}
	return out
}

// State returns a copy of the latest state for the symbol.
func (e *Engine) State(symbol string) (State, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.states[symbol]
	return st, ok
}

// States returns a copy of every symbol state.
func (e *Engine) States() []State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]State, 0, len(e.states))
	for _, st := range e.states {
		out = append(out, st)
	}
	return out
}

// AllowEntry answers the hard gate for a side against the latest state.
func (e *Engine) AllowEntry(symbol string, side bybit.Side) (bool, string) {
	st, ok := e.State(symbol)
	if !ok || st.Warmup {
		return false, "strategy state not ready"
	}
	if side == bybit.SideBuy {
		if !st.AllowLongEntry {
			return false, gateReason(st, indicators.DirectionLong)
		}
		return true, ""
	}
	if !st.AllowShortEntry {
		return false, gateReason(st, indicators.DirectionShort)
	}
	return true, ""
}

func gateReason(st State, want indicators.Direction) string {
	snap := st.Snapshot
	if snap.SupertrendDir != want {
		return fmt.Sprintf("Supertrend is %s, not %s", snap.SupertrendDir, want)
	}
	return fmt.Sprintf("market structure is %s", snap.StructureBias)
}

// OnCandleClose recomputes the state for the symbol after a confirmed
// close. Called by the per-symbol evaluator only, in open-time order.
func (e *Engine) OnCandleClose(symbol string) State {
	return e.Recompute(symbol)
}

// Recompute rebuilds the state from the candle buffer and publishes a
// state-update event. Safe to call at any time; the buffer is the only
// input.
func (e *Engine) Recompute(symbol string) State {
	seq := e.store.Confirmed(symbol, e.timeframe)
	state := e.compute(symbol, seq)

	e.mu.Lock()
	prev, hadPrev := e.states[symbol]
	e.states[symbol] = state
	e.mu.Unlock()

	e.publishTransitions(prev, hadPrev, state)

	e.bus.Emit(events.EventStateUpdate, symbol, "", "", map[string]interface{}{
		"state": state,
	})
	return state
}

// compute is the pure part: state from a confirmed sequence.
func (e *Engine) compute(symbol string, seq []bybit.Kline) State {
	now := time.Now().UTC()
	neutral := State{
		Symbol:    symbol,
		Timeframe: e.timeframe,
		Bias:      BiasNeutral,
		Warmup:    true,
		UpdatedAt: now,
	}

	// Not enough history for the longest indicator: everything false.
	if len(seq) < e.params.EMAPeriod {
		return neutral
	}

	sma, okSMA := indicators.SMA(seq, e.params.SMAPeriod)
	ema, okEMA := indicators.EMA(seq, e.params.EMAPeriod)
	st, okST := indicators.LastSupertrend(seq, e.params.SupertrendPeriod, e.params.SupertrendMultiplier)
	if !okSMA || !okEMA || !okST {
		// NaN or short series behaves exactly like missing data.
		return neutral
	}

	last := seq[len(seq)-1]
	price := last.Close
	structure := indicators.AnalyzeStructure(seq, e.params.SwingLookback)

	snap := Snapshot{
		Symbol:          symbol,
		Timeframe:       e.timeframe,
		Price:           price,
		CloseTime:       last.CloseTime,
		SupertrendDir:   st.Direction,
		SupertrendValue: st.Value,
		SMA200:          sma,
		EMA1000:         ema,
		AboveSMA200:     price > sma,
		AboveEMA1000:    price > ema,
		StructureBias:   structure.Bias,
		Trend:           trendLabel(st.Direction, structure.Bias),
		LastBOS:         structure.LastBOS,
		LastCHoCH:       structure.LastCHoCH,
		ProtectedHigh:   structure.ProtectedHigh,
		ProtectedLow:    structure.ProtectedLow,
	}
	snap.Distances = distances(snap)

	state := State{
		Symbol:    symbol,
		Timeframe: e.timeframe,
		UpdatedAt: now,
		Snapshot:  snap,
	}

	// Hard gate: Supertrend direction and structure must not disagree.
	state.AllowLongEntry = st.Direction == indicators.DirectionLong &&
		structure.Bias != indicators.BiasBearish
	state.AllowShortEntry = st.Direction == indicators.DirectionShort &&
		structure.Bias != indicators.BiasBullish

	// Bias refines, the gate decides: a NEUTRAL bias never widens the gate.
	state.Bias = bias(snap)
	state.Tag = tag(state)
	state.RiskWarning, state.RiskWarningMsg = e.riskWarning(snap)

	return state
}

// bias refines the Supertrend direction with structure: a Supertrend
// trend fighting both structure and the SMA200 is downgraded to NEUTRAL.
func bias(snap Snapshot) Bias {
	switch snap.SupertrendDir {
	case indicators.DirectionLong:
		if snap.StructureBias == indicators.BiasBearish && !snap.AboveSMA200 {
			return BiasNeutral
		}
		return BiasLong
	case indicators.DirectionShort:
		if snap.StructureBias == indicators.BiasBullish && snap.AboveSMA200 {
			return BiasNeutral
		}
		return BiasShort
	}
	return BiasNeutral
}

// tag classifies the admitted setup by how many filters align. It never
// widens the gate.
func tag(st State) Tag {
	snap := st.Snapshot
	switch {
	case st.AllowLongEntry:
		if snap.AboveSMA200 && snap.AboveEMA1000 {
			return TagS101
		}
		if snap.AboveSMA200 || snap.AboveEMA1000 {
			return TagS102
		}
		return TagS103
	case st.AllowShortEntry:
		if !snap.AboveSMA200 && !snap.AboveEMA1000 {
			return TagS101
		}
		if !snap.AboveSMA200 || !snap.AboveEMA1000 {
			return TagS102
		}
		return TagS103
	}
	return TagNone
}

func trendLabel(dir indicators.Direction, structure indicators.StructureBias) TrendLabel {
	switch {
	case dir == indicators.DirectionLong && structure == indicators.BiasBullish:
		return TrendUp
	case dir == indicators.DirectionShort && structure == indicators.BiasBearish:
		return TrendDown
	}
	return TrendRanging
}

// distances computes signed percent distance from price to each level.
func distances(snap Snapshot) Distances {
	d := Distances{
		SMA200:     pctDistance(snap.Price, snap.SMA200),
		EMA1000:    pctDistance(snap.Price, snap.EMA1000),
		Supertrend: pctDistance(snap.Price, snap.SupertrendValue),
	}
	if snap.ProtectedHigh != nil {
		d.ProtectedHigh = pctDistance(snap.Price, snap.ProtectedHigh.Price)
	}
	if snap.ProtectedLow != nil {
		d.ProtectedLow = pctDistance(snap.Price, snap.ProtectedLow.Price)
	}
	return d
}

// pctDistance is positive when price sits above the level.
func pctDistance(price, level float64) float64 {
	if level == 0 || price == 0 {
		return 0
	}
	return (price - level) / price * 100
}

// riskWarning flags setups whose SL reference is far from price.
func (e *Engine) riskWarning(snap Snapshot) (bool, string) {
	var ref float64
	switch snap.SupertrendDir {
	case indicators.DirectionLong:
		if snap.ProtectedLow != nil {
			ref = snap.ProtectedLow.Price
		} else {
			ref = snap.SupertrendValue
		}
	case indicators.DirectionShort:
		if snap.ProtectedHigh != nil {
			ref = snap.ProtectedHigh.Price
		} else {
			ref = snap.SupertrendValue
		}
	}
	if ref == 0 {
		return false, ""
	}

	dist := math.Abs(pctDistance(snap.Price, ref))
	if dist < e.params.RiskWarnDistancePct {
		return false, ""
	}
	return true, fmt.Sprintf(
		"stop reference %.2f is %.1f%% from price; the resulting position will be large for the chosen risk",
		ref, dist,
	)
}

// publishTransitions emits the edge-triggered events a recompute may cause.
func (e *Engine) publishTransitions(prev State, hadPrev bool, next State) {
	if !hadPrev || prev.Warmup || next.Warmup {
		return
	}

	if prev.Snapshot.SupertrendDir != next.Snapshot.SupertrendDir {
		e.bus.Emit(events.EventSupertrendFlip, next.Symbol, "", "", map[string]interface{}{
			"from":  prev.Snapshot.SupertrendDir,
			"to":    next.Snapshot.SupertrendDir,
			"value": next.Snapshot.SupertrendValue,
		})
	}
	if prev.Bias != next.Bias {
		e.bus.Emit(events.EventBiasFlip, next.Symbol, "", "", map[string]interface{}{
			"from": prev.Bias,
			"to":   next.Bias,
		})
	}
	if next.Snapshot.LastBOS != nil && (prev.Snapshot.LastBOS == nil ||
		prev.Snapshot.LastBOS.OpenTime != next.Snapshot.LastBOS.OpenTime) {
		e.bus.Emit(events.EventStructureBreak, next.Symbol, "", "", map[string]interface{}{
			"direction": next.Snapshot.LastBOS.Direction,
			"level":     next.Snapshot.LastBOS.Level,
		})
	}
	if next.Snapshot.LastCHoCH != nil && (prev.Snapshot.LastCHoCH == nil ||
		prev.Snapshot.LastCHoCH.OpenTime != next.Snapshot.LastCHoCH.OpenTime) {
		e.bus.Emit(events.EventChangeOfCharacter, next.Symbol, "", "", map[string]interface{}{
			"direction": next.Snapshot.LastCHoCH.Direction,
			"level":     next.Snapshot.LastCHoCH.Level,
		})
	}
	if !prev.RiskWarning && next.RiskWarning {
		e.bus.Emit(events.EventRiskWarning, next.Symbol, "", next.RiskWarningMsg, nil)
	}
}
