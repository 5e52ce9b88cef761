package trade

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bybit-trading-agent/internal/bybit"
	"bybit-trading-agent/internal/circuit"
	"bybit-trading-agent/internal/events"
	"bybit-trading-agent/internal/orders"
	"bybit-trading-agent/internal/positions"
	"bybit-trading-agent/internal/risk"
	"bybit-trading-agent/internal/state"
)

// Repository persists trades. Implemented by the database package.
type Repository interface {
	SaveTrade(ctx context.Context, c Contract) error
	UpdateTrade(ctx context.Context, c Contract) error
	OpenTrades(ctx context.Context) ([]Contract, error)
}

// Executor places entries atomically with their protection, tracks the
// active-contract map, performs exits and reconciles trades at startup.
// It is the only writer of the active map and of contract status.
type Executor struct {
	mu     sync.RWMutex
	active map[string]*Contract // by symbol; one trade per symbol
	// pendingExit records the reason a local close was requested, so the
	// position-closed reactor attributes the exit correctly.
	pendingExit map[string]ExitReason
	// closedPnL accumulates exchange-reported realized PnL per symbol
	// from the execution feed until the position-closed event consumes it.
	closedPnL map[string]float64

	exchange bybit.Exchange
	orders   *orders.Manager
	stops    *risk.StopManager
	trails   *risk.TrailManager
	machine  *state.Machine
	tracker  *positions.Tracker
	breaker  *circuit.Breaker
	repo     Repository
	bus      *events.Bus
	logger   zerolog.Logger
}

// NewExecutor wires the executor to its collaborators.
func NewExecutor(exchange bybit.Exchange, om *orders.Manager, stops *risk.StopManager, trails *risk.TrailManager, machine *state.Machine, tracker *positions.Tracker, breaker *circuit.Breaker, repo Repository, bus *events.Bus, logger zerolog.Logger) *Executor {
	e := &Executor{
		active:      make(map[string]*Contract),
		pendingExit: make(map[string]ExitReason),
		closedPnL:   make(map[string]float64),
		exchange:    exchange,
		orders:      om,
		stops:       stops,
		trails:      trails,
		machine:     machine,
		tracker:     tracker,
		breaker:     breaker,
		repo:        repo,
		bus:         bus,
		logger:      logger.With().Str("component", "TradeExecutor").Logger(),
	}
	om.OnFilled(e.onOrderFilled)
	tracker.OnClosed(e.onPositionClosed)
	stops.OnCloseRequest(func(ctx context.Context, symbol, reason string) error {
		return e.CloseFull(ctx, symbol, ExitReason(reason))
	})
	return e
}

// Active returns a copy of the contract for a symbol.
func (e *Executor) Active(symbol string) (Contract, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if c, ok := e.active[symbol]; ok {
		return *c, true
	}
	return Contract{}, false
}

// ActiveTrades returns a copy of every active contract.
func (e *Executor) ActiveTrades() []Contract {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Contract, 0, len(e.active))
	for _, c := range e.active {
		out = append(out, *c)
	}
	return out
}

// ExecuteEntry places the entry order with the Emergency SL (and an
// explicit TP, if any) in one exchange request. Only after the exchange
// acknowledges does local state change.
func (e *Executor) ExecuteEntry(ctx context.Context, c *Contract) (*Contract, *Rejection) {
	info, err := e.exchange.GetInstrumentInfo(ctx, c.Symbol)
	if err != nil {
		return e.reject(c, exchangeRejection("fetch instrument info", err))
	}

	// Idempotent even when the leverage is already set.
	if err := e.exchange.SetLeverage(ctx, c.Symbol, c.Entry.AppliedLev); err != nil {
		return e.reject(c, exchangeRejection("set leverage", err))
	}

	tp := 0.0
	if c.TP.Rule == TPRulePrice {
		tp = c.TP.Price
	}

	local, err := e.orders.Submit(ctx, orders.SubmitRequest{
		TradeID:    c.ID,
		Symbol:     c.Symbol,
		Side:       c.Side,
		Type:       c.Entry.Type,
		Qty:        c.Entry.Qty,
		Price:      c.Entry.LimitPrice,
		StopLoss:   c.SL.Emergency,
		TakeProfit: tp,
		Kind:       orders.KindEntry,
		QtyStep:    info.QtyStep,
		TickSize:   info.TickSize,
	})
	if err != nil {
		return e.reject(c, &Rejection{Code: RejectExchange, Message: err.Error()})
	}

	now := time.Now().UTC()
	c.Status = ContractExecuted
	c.EntryLinkID = local.LinkID
	c.ExecutedAt = now

	e.mu.Lock()
	e.active[c.Symbol] = c
	e.mu.Unlock()

	e.stops.Register(risk.Levels{
		TradeID:   c.ID,
		Symbol:    c.Symbol,
		Side:      c.Side,
		Entry:     c.Entry.ReferenceMark,
		Strategic: c.SL.Strategic,
		Emergency: c.SL.Emergency,
		BufferPct: c.SL.BufferPct,
		Rule:      c.SL.Rule,
		TickSize:  info.TickSize,
	})

	if err := e.machine.EnterPosition(c.Symbol, c.Side); err != nil {
		// The order is live; the state machine refusing here is an
		// inconsistency to repair, not a reason to abandon the trade.
		e.logger.Error().Err(err).Str("symbol", c.Symbol).Msg("State transition failed after entry ack")
	}

	if c.Trail.Mode != risk.TrailNone {
		initialRisk := math.Abs(c.Entry.ReferenceMark - c.SL.Strategic)
		e.trails.Track(c.ID, c.Symbol, c.Side, c.Trail.Mode, c.Trail.Active, c.Entry.ReferenceMark, initialRisk)
	}

	if e.repo != nil {
		if err := e.repo.SaveTrade(ctx, *c); err != nil {
			e.logger.Error().Err(err).Str("trade_id", c.ID).Msg("Trade persist failed")
		}
	}

	e.logger.Info().
		Str("trade_id", c.ID).
		Str("symbol", c.Symbol).
		Str("side", string(c.Side)).
		Float64("qty", c.Entry.Qty).
		Float64("emergency_sl", c.SL.Emergency).
		Msg("Entry placed")
	e.bus.Emit(events.EventEntryPlaced, c.Symbol, c.ID, "", map[string]interface{}{
		"side":      c.Side,
		"qty":       c.Entry.Qty,
		"strategic": c.SL.Strategic,
		"emergency": c.SL.Emergency,
		"tag":       c.Tag,
	})
	e.bus.Emit(events.EventTradeOpened, c.Symbol, c.ID, "", nil)
	return c, nil
}

func (e *Executor) reject(c *Contract, rej *Rejection) (*Contract, *Rejection) {
	c.Status = ContractRejected
	e.bus.Emit(events.EventEntryRejected, c.Symbol, c.ID, rej.Message, map[string]interface{}{
		"code": rej.Code,
	})
	return c, rej
}

// onOrderFilled reacts to terminal fills from the private feed. The RR
// take profit is derived from the actual fill, not the pre-trade mark.
func (e *Executor) onOrderFilled(o orders.LocalOrder) {
	if o.Kind != orders.KindEntry || o.TradeID == "" {
		return
	}

	e.mu.Lock()
	c, ok := e.active[o.Symbol]
	if !ok || c.ID != o.TradeID {
		e.mu.Unlock()
		return
	}
	c.Entry.AvgFillPrice = o.AvgFillPrice
	snapshot := *c
	e.mu.Unlock()

	if snapshot.TP.Rule != TPRuleRR || snapshot.TP.Ratio <= 0 || o.AvgFillPrice <= 0 {
		return
	}

	riskDist := math.Abs(o.AvgFillPrice - snapshot.SL.Strategic)
	tp := o.AvgFillPrice + riskDist*snapshot.TP.Ratio
	if snapshot.Side == bybit.SideSell {
		tp = o.AvgFillPrice - riskDist*snapshot.TP.Ratio
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	info, err := e.exchange.GetInstrumentInfo(ctx, o.Symbol)
	if err != nil {
		e.logger.Warn().Err(err).Str("symbol", o.Symbol).Msg("RR take profit skipped, no instrument info")
		return
	}
	if err := e.exchange.SetTradingStop(ctx, o.Symbol, 0, tp, info.TickSize); err != nil {
		e.logger.Warn().Err(err).Str("symbol", o.Symbol).Msg("RR take profit set failed")
		e.bus.Emit(events.EventSystemError, o.Symbol, snapshot.ID, err.Error(), nil)
		return
	}

	e.mu.Lock()
	if c, ok := e.active[o.Symbol]; ok && c.ID == snapshot.ID {
		c.TP.Price = tp
	}
	e.mu.Unlock()

	e.bus.Emit(events.EventTakeProfitSet, o.Symbol, snapshot.ID, "", map[string]interface{}{
		"price": tp,
		"ratio": snapshot.TP.Ratio,
	})
}

// CloseFull closes the whole position with a reduce-only market order.
func (e *Executor) CloseFull(ctx context.Context, symbol string, reason ExitReason) error {
	return e.close(ctx, symbol, 100, reason)
}

// ClosePartial closes pct percent of the position. State returns to
// IN_side once the private feed confirms the remaining size.
func (e *Executor) ClosePartial(ctx context.Context, symbol string, pct float64) error {
	if pct <= 0 || pct >= 100 {
		return fmt.Errorf("partial close percent %.1f out of range (0,100)", pct)
	}
	return e.close(ctx, symbol, pct, ExitManual)
}

func (e *Executor) close(ctx context.Context, symbol string, pct float64, reason ExitReason) error {
	pos, open := e.tracker.Get(symbol)
	if !open {
		return fmt.Errorf("%s: no open position to close", symbol)
	}

	info, err := e.exchange.GetInstrumentInfo(ctx, symbol)
	if err != nil {
		return fmt.Errorf("fetch instrument info: %w", err)
	}

	qty := pos.Size * pct / 100
	qty = bybit.RoundQtyToStep(qty, info.QtyStep)
	if qty <= 0 {
		return fmt.Errorf("%s: close size rounded to zero", symbol)
	}

	full := pct >= 100 || qty >= pos.Size

	e.mu.RLock()
	var tradeID string
	if c, ok := e.active[symbol]; ok {
		tradeID = c.ID
	}
	e.mu.RUnlock()

	if full {
		e.machine.StartExiting(symbol)
		e.mu.Lock()
		e.pendingExit[symbol] = reason
		e.mu.Unlock()
	}

	_, err = e.orders.Submit(ctx, orders.SubmitRequest{
		TradeID:    tradeID,
		Symbol:     symbol,
		Side:       pos.Side.Opposite(),
		Type:       bybit.OrderTypeMarket,
		Qty:        qty,
		ReduceOnly: true,
		Kind:       orders.KindExit,
		QtyStep:    info.QtyStep,
		TickSize:   info.TickSize,
	})
	if err != nil {
		if full {
			// The exit never reached the exchange; the position is intact.
			e.mu.Lock()
			delete(e.pendingExit, symbol)
			e.mu.Unlock()
			e.machine.AbortExit(symbol)
		}
		return fmt.Errorf("close %s: %w", symbol, err)
	}

	e.logger.Info().
		Str("symbol", symbol).
		Float64("pct", pct).
		Float64("qty", qty).
		Str("reason", string(reason)).
		Msg("Exit order placed")
	return nil
}

// HandleExecutions folds fill reports from the private feed into the
// per-symbol realized PnL ledger. Opens report closedPnl 0 and are
// skipped; partial closes accumulate until the position is gone.
func (e *Executor) HandleExecutions(execs []bybit.ExecutionUpdate) {
	e.mu.Lock()
	for _, x := range execs {
		if x.ClosedSize == 0 && x.ClosedPnL == 0 {
			continue
		}
		e.closedPnL[x.Symbol] += x.ClosedPnL
	}
	e.mu.Unlock()
}

// onPositionClosed resolves the trade once the exchange confirms the
// position is gone. Exit attribution prefers a locally requested reason
// and otherwise infers from the last mirror's SL/TP proximity. The PnL
// recorded is the execution feed's closedPnl; the last mirror's
// unrealized figure is only the fallback when no fills were seen.
func (e *Executor) onPositionClosed(last bybit.Position) {
	symbol := last.Symbol

	e.mu.Lock()
	reason, requested := e.pendingExit[symbol]
	delete(e.pendingExit, symbol)
	realized, hasRealized := e.closedPnL[symbol]
	delete(e.closedPnL, symbol)
	c, hasTrade := e.active[symbol]
	if hasTrade {
		delete(e.active, symbol)
	}
	e.mu.Unlock()

	if !requested {
		reason = inferExitReason(last)
	}

	stopped := reason == ExitStopLoss || reason == ExitLiquidation
	if stopped {
		e.machine.ExitStopped(symbol, last.Side)
	} else {
		e.machine.ExitClean(symbol)
	}

	e.stops.Release(symbol)
	e.trails.Release(symbol)

	pnl := last.UnrealisedPnL
	if hasRealized {
		pnl = realized
	}
	e.breaker.RecordPnL(pnl)

	if hasTrade {
		c.Status = ContractExecuted
		c.ClosedAt = time.Now().UTC()
		c.ExitReason = reason
		c.RealizedPnL = pnl
		if e.repo != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := e.repo.UpdateTrade(ctx, *c); err != nil {
				e.logger.Error().Err(err).Str("trade_id", c.ID).Msg("Trade close persist failed")
			}
			cancel()
		}
		e.bus.Emit(events.EventTradeClosed, symbol, c.ID, "", map[string]interface{}{
			"reason": reason,
			"pnl":    pnl,
		})
	} else {
		e.bus.Emit(events.EventTradeClosed, symbol, "", "position closed without a tracked trade", map[string]interface{}{
			"reason": reason,
			"pnl":    pnl,
		})
	}

	e.logger.Info().
		Str("symbol", symbol).
		Str("reason", string(reason)).
		Float64("pnl", pnl).
		Msg("Trade closed")
}

// inferExitReason classifies an exchange-side close from the last known
// mirror. Proximity is measured against the mark at the final update.
func inferExitReason(last bybit.Position) ExitReason {
	const proximityPct = 0.3

	near := func(level float64) bool {
		if level <= 0 || last.MarkPrice <= 0 {
			return false
		}
		return math.Abs(last.MarkPrice-level)/last.MarkPrice*100 <= proximityPct
	}

	switch {
	case near(last.LiqPrice):
		return ExitLiquidation
	case near(last.StopLoss):
		return ExitStopLoss
	case near(last.TakeProfit):
		return ExitTakeProfit
	}
	return ExitUnknown
}

// Restore reconciles persisted open trades against the exchange at
// startup. Trades whose position survives are rehydrated; the rest are
// closed with reason UNKNOWN_RESTART.
func (e *Executor) Restore(ctx context.Context) error {
	if e.repo == nil {
		return nil
	}
	persisted, err := e.repo.OpenTrades(ctx)
	if err != nil {
		return fmt.Errorf("load open trades: %w", err)
	}
	if len(persisted) == 0 {
		return nil
	}

	if err := e.tracker.Refresh(ctx, e.exchange); err != nil {
		return fmt.Errorf("refresh positions: %w", err)
	}

	for i := range persisted {
		c := persisted[i]
		pos, open := e.tracker.Get(c.Symbol)

		if open && pos.Side == c.Side {
			cp := c
			e.mu.Lock()
			e.active[c.Symbol] = &cp
			e.mu.Unlock()

			info, err := e.exchange.GetInstrumentInfo(ctx, c.Symbol)
			tick := 0.0
			if err == nil {
				tick = info.TickSize
			}
			e.stops.Register(risk.Levels{
				TradeID:   c.ID,
				Symbol:    c.Symbol,
				Side:      c.Side,
				Entry:     c.Entry.ReferenceMark,
				Strategic: c.SL.Strategic,
				Emergency: c.SL.Emergency,
				BufferPct: c.SL.BufferPct,
				Rule:      c.SL.Rule,
				TickSize:  tick,
			})
			e.machine.EnterPosition(c.Symbol, c.Side)
			if c.Trail.Mode != risk.TrailNone {
				initialRisk := math.Abs(c.Entry.ReferenceMark - c.SL.Strategic)
				e.trails.Track(c.ID, c.Symbol, c.Side, c.Trail.Mode, c.Trail.Active, c.Entry.ReferenceMark, initialRisk)
			}

			e.logger.Info().Str("trade_id", c.ID).Str("symbol", c.Symbol).Msg("Trade restored from persistence")
			e.bus.Emit(events.EventTradeRestored, c.Symbol, c.ID, "", nil)
			continue
		}

		// No matching position: the trade ended while we were away.
		c.ClosedAt = time.Now().UTC()
		c.ExitReason = ExitUnknownRestart
		if err := e.repo.UpdateTrade(ctx, c); err != nil {
			e.logger.Error().Err(err).Str("trade_id", c.ID).Msg("Restart-close persist failed")
		}
		e.bus.Emit(events.EventTradeClosed, c.Symbol, c.ID, "closed during restart", map[string]interface{}{
			"reason": ExitUnknownRestart,
		})
	}
	return nil
}
