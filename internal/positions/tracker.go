// Package positions mirrors the exchange's position set off the private
// feed. The exchange is authoritative: local state is replaced, never
// merged, on every update.
package positions

import (
	"context"
	"math"
	"sync"

	"github.com/rs/zerolog"

	"bybit-trading-agent/internal/bybit"
	"bybit-trading-agent/internal/events"
	"bybit-trading-agent/internal/metrics"
)

// pnlThrottleDelta suppresses pnl-update events until the unrealized
// PnL has moved by at least this many USD since the last emit.
const pnlThrottleDelta = 1.0

// CloseHandler receives position closes: the last known mirror before
// the size hit zero. Called synchronously from the feed reactor.
type CloseHandler func(last bybit.Position)

// OpenHandler receives position opens (size 0 to positive).
type OpenHandler func(p bybit.Position)

// Tracker owns the TrackedPosition set.
type Tracker struct {
	mu        sync.RWMutex
	positions map[string]bybit.Position // by symbol, size > 0 only
	lastPnL   map[string]float64        // last emitted unrealized PnL

	bus    *events.Bus
	logger zerolog.Logger

	onOpened OpenHandler
	onClosed CloseHandler
}

// NewTracker creates the position tracker.
func NewTracker(bus *events.Bus, logger zerolog.Logger) *Tracker {
	return &Tracker{
		positions: make(map[string]bybit.Position),
		lastPnL:   make(map[string]float64),
		bus:       bus,
		logger:    logger.With().Str("component", "PositionTracker").Logger(),
	}
}

// OnOpened sets the position-opened handler.
func (t *Tracker) OnOpened(fn OpenHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onOpened = fn
}

// OnClosed sets the position-closed handler.
func (t *Tracker) OnClosed(fn CloseHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClosed = fn
}

// HandleFeed folds a private-feed position batch into the mirror.
// Called by the private-feed reactor goroutine only.
func (t *Tracker) HandleFeed(updates []bybit.Position) {
	for _, p := range updates {
		t.apply(p)
	}
}

func (t *Tracker) apply(p bybit.Position) {
	t.mu.Lock()
	prev, had := t.positions[p.Symbol]

	switch {
	case p.Size > 0 && !had:
		t.positions[p.Symbol] = p
		t.lastPnL[p.Symbol] = p.UnrealisedPnL
		onOpened := t.onOpened
		t.mu.Unlock()

		metrics.PositionsOpen.Inc()
		t.logger.Info().
			Str("symbol", p.Symbol).
			Str("side", string(p.Side)).
			Float64("size", p.Size).
			Float64("avg_price", p.AvgPrice).
			Msg("Position opened")
		t.bus.Emit(events.EventPositionOpened, p.Symbol, "", "", map[string]interface{}{
			"side":      p.Side,
			"size":      p.Size,
			"avg_price": p.AvgPrice,
			"leverage":  p.Leverage,
		})
		if onOpened != nil {
			onOpened(p)
		}

	case p.Size > 0 && had:
		t.positions[p.Symbol] = p
		emitPnL := math.Abs(p.UnrealisedPnL-t.lastPnL[p.Symbol]) >= pnlThrottleDelta
		if emitPnL {
			t.lastPnL[p.Symbol] = p.UnrealisedPnL
		}
		changed := p.Size != prev.Size || p.StopLoss != prev.StopLoss || p.TakeProfit != prev.TakeProfit
		t.mu.Unlock()

		if changed {
			t.bus.Emit(events.EventPositionUpdated, p.Symbol, "", "", map[string]interface{}{
				"size":        p.Size,
				"stop_loss":   p.StopLoss,
				"take_profit": p.TakeProfit,
			})
		}
		if emitPnL {
			t.bus.Emit(events.EventPnLUpdate, p.Symbol, "", "", map[string]interface{}{
				"unrealised_pnl": p.UnrealisedPnL,
				"mark_price":     p.MarkPrice,
			})
		}

	case p.Size == 0 && had:
		delete(t.positions, p.Symbol)
		delete(t.lastPnL, p.Symbol)
		onClosed := t.onClosed
		t.mu.Unlock()

		metrics.PositionsOpen.Dec()
		t.logger.Info().Str("symbol", p.Symbol).Msg("Position closed")
		t.bus.Emit(events.EventPositionClosed, p.Symbol, "", "", map[string]interface{}{
			"side":       prev.Side,
			"size":       prev.Size,
			"avg_price":  prev.AvgPrice,
			"mark_price": p.MarkPrice,
		})
		if onClosed != nil {
			onClosed(prev)
		}

	default:
		// Zero-size update for a symbol we never tracked; ignore.
		t.mu.Unlock()
	}
}

// Get returns the mirror for a symbol, if a position is open.
func (t *Tracker) Get(symbol string) (bybit.Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.positions[symbol]
	return p, ok
}

// All returns a copy of every open position.
func (t *Tracker) All() []bybit.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]bybit.Position, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, p)
	}
	return out
}

// Refresh replaces the mirror with a REST poll. Used at startup and in
// degraded mode while the private feed is down.
func (t *Tracker) Refresh(ctx context.Context, exchange bybit.Exchange) error {
	remote, err := exchange.GetAllPositions(ctx)
	if err != nil {
		return err
	}

	// Route through apply so opens and closes fire their handlers.
	seen := make(map[string]bool, len(remote))
	for _, p := range remote {
		seen[p.Symbol] = true
		t.apply(p)
	}

	t.mu.RLock()
	var gone []string
	for symbol := range t.positions {
		if !seen[symbol] {
			gone = append(gone, symbol)
		}
	}
	t.mu.RUnlock()

	for _, symbol := range gone {
		t.mu.RLock()
		prev := t.positions[symbol]
		t.mu.RUnlock()
		t.apply(bybit.Position{Symbol: symbol, Side: prev.Side, MarkPrice: prev.MarkPrice})
	}
	return nil
}
