package trade

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"bybit-trading-agent/internal/bybit"
	"bybit-trading-agent/internal/circuit"
	"bybit-trading-agent/internal/events"
	"bybit-trading-agent/internal/metrics"
	"bybit-trading-agent/internal/positions"
	"bybit-trading-agent/internal/risk"
	"bybit-trading-agent/internal/state"
	"bybit-trading-agent/internal/strategy"
)

// BuilderConfig carries the sizing and protection defaults.
type BuilderConfig struct {
	MaxLeverage        int
	DefaultRiskPct     float64
	EmergencyBufferPct float64
	FallbackSLPct      float64
	Timeframe          string
	DefaultTrailMode   risk.TrailMode
}

// Builder validates an entry intent against the admission pipeline and
// assembles the immutable contract. It never talks to the exchange
// except to read balance, price and instrument filters.
type Builder struct {
	cfg      BuilderConfig
	machine  *state.Machine
	breaker  *circuit.Breaker
	engine   *strategy.Engine
	tracker  *positions.Tracker
	exchange bybit.Exchange
	bus      *events.Bus
	logger   zerolog.Logger
}

// NewBuilder creates the contract builder.
func NewBuilder(cfg BuilderConfig, machine *state.Machine, breaker *circuit.Breaker, engine *strategy.Engine, tracker *positions.Tracker, exchange bybit.Exchange, bus *events.Bus, logger zerolog.Logger) *Builder {
	return &Builder{
		cfg:      cfg,
		machine:  machine,
		breaker:  breaker,
		engine:   engine,
		tracker:  tracker,
		exchange: exchange,
		bus:      bus,
		logger:   logger.With().Str("component", "ContractBuilder").Logger(),
	}
}

// Build runs the admission pipeline and sizes the trade. The checks run
// in strict order and short-circuit on the first failure.
func (b *Builder) Build(ctx context.Context, intent Intent) (*Contract, *Rejection) {
	side, ok := sideFor(intent.Action)
	if !ok {
		return nil, &Rejection{Code: RejectInvalidIntent, Message: fmt.Sprintf("action %s is not an entry", intent.Action)}
	}
	if intent.Symbol == "" {
		return nil, &Rejection{Code: RejectInvalidIntent, Message: "entry intent without a symbol"}
	}

	if rej := b.admit(intent.Symbol, side); rej != nil {
		metrics.EntriesBlocked.WithLabelValues(string(rej.Code)).Inc()
		return nil, rej
	}

	st, _ := b.engine.State(intent.Symbol)
	snap := st.Snapshot

	// Leverage clamp: logged, never an error.
	requestedLev := intent.Leverage
	if requestedLev <= 0 {
		requestedLev = 1
	}
	appliedLev := requestedLev
	if appliedLev > b.cfg.MaxLeverage {
		appliedLev = b.cfg.MaxLeverage
		b.logger.Info().
			Str("symbol", intent.Symbol).
			Int("requested", requestedLev).
			Int("applied", appliedLev).
			Msg("Leverage clamped to configured maximum")
		b.bus.Emit(events.EventLeverageClamped, intent.Symbol, "", "", map[string]interface{}{
			"requested": requestedLev,
			"applied":   appliedLev,
		})
	}

	wallet, err := b.exchange.GetWalletBalance(ctx)
	if err != nil {
		return nil, exchangeRejection("fetch wallet balance", err)
	}
	info, err := b.exchange.GetInstrumentInfo(ctx, intent.Symbol)
	if err != nil {
		return nil, exchangeRejection("fetch instrument info", err)
	}
	ticker, err := b.exchange.GetTicker(ctx, intent.Symbol)
	if err != nil {
		return nil, exchangeRejection("fetch ticker", err)
	}
	mark := ticker.MarkPrice
	if mark <= 0 {
		mark = ticker.LastPrice
	}
	if mark <= 0 {
		return nil, &Rejection{Code: RejectExchange, Message: "no usable mark price"}
	}

	riskPct := intent.RiskPct
	if riskPct <= 0 {
		riskPct = b.cfg.DefaultRiskPct
	}
	riskUSD := intent.RiskUSD
	if riskUSD <= 0 {
		riskUSD = wallet.AvailableUSD * riskPct / 100
	}
	if riskUSD <= 0 {
		return nil, &Rejection{
			Code:       RejectBalance,
			Message:    fmt.Sprintf("available balance %.2f USD cannot fund the requested risk", wallet.AvailableUSD),
			Suggestion: "deposit funds or lower the risk amount",
		}
	}

	slRule, strategic := b.resolveStopLoss(intent, side, snap, mark)
	if strategic <= 0 {
		return nil, &Rejection{Code: RejectInvalidIntent, Message: "could not resolve a stop-loss level"}
	}
	buffer := b.cfg.EmergencyBufferPct
	if slRule == risk.SLRulePrice {
		buffer = 0
	}
	emergency := risk.EmergencyFor(strategic, buffer, side, slRule == risk.SLRulePrice)

	slDistance := math.Abs(mark-strategic) / mark
	if slDistance <= 0 {
		return nil, &Rejection{Code: RejectInvalidIntent, Message: "stop-loss level equals the mark price"}
	}

	qty := (riskUSD / slDistance) / mark
	qty = bybit.RoundQtyToStep(qty, info.QtyStep)
	if qty < info.MinOrderQty {
		qty = info.MinOrderQty
	}
	if qty <= 0 {
		return nil, &Rejection{
			Code:       RejectSizeBelowMin,
			Message:    "computed size rounded to zero",
			Suggestion: "raise the risk amount or tighten the stop",
			Snapshot:   &snap,
		}
	}

	entryType := bybit.OrderTypeMarket
	if intent.LimitPrice > 0 {
		entryType = bybit.OrderTypeLimit
	}

	tpRule := intent.TPRule
	if tpRule == "" {
		tpRule = TPRuleNone
	}
	trailMode := intent.TrailMode
	if trailMode == "" {
		trailMode = b.cfg.DefaultTrailMode
	}

	contract := &Contract{
		ID:        uuid.NewString(),
		Symbol:    intent.Symbol,
		Side:      side,
		Timeframe: b.cfg.Timeframe,
		Tag:       st.Tag,
		Entry: EntryBlock{
			Type:          entryType,
			RiskPct:       riskPct,
			RiskUSD:       riskUSD,
			RequestedLev:  requestedLev,
			AppliedLev:    appliedLev,
			LimitPrice:    intent.LimitPrice,
			Qty:           qty,
			ReferenceMark: mark,
		},
		SL: SLBlock{
			Rule:      slRule,
			Strategic: strategic,
			Emergency: emergency,
			BufferPct: buffer,
		},
		TP: TPBlock{
			Rule:  tpRule,
			Price: intent.TPPrice,
			Ratio: intent.TPRatio,
		},
		Trail: TrailBlock{
			Mode:   trailMode,
			Active: trailMode != risk.TrailNone,
		},
		Invalidation: Invalidation{
			OnBiasFlip:       true,
			OnStructureBreak: true,
			OnSupertrendFlip: false,
		},
		LockSameDirection: true,
		Reasons: Reasons{
			Note:     intent.Raw,
			Snapshot: snap,
		},
		Status:    ContractPending,
		CreatedAt: time.Now().UTC(),
	}

	b.bus.Emit(events.EventSizeCalculated, intent.Symbol, contract.ID, "", map[string]interface{}{
		"qty":         qty,
		"risk_usd":    riskUSD,
		"sl_distance": slDistance,
		"mark":        mark,
	})
	return contract, nil
}

// admit runs the gate sequence. Order matters and is fixed: pause,
// breaker, state machine, strategy gate, live position.
func (b *Builder) admit(symbol string, side bybit.Side) *Rejection {
	if b.machine.Paused() {
		b.bus.Emit(events.EventEntryBlockedPause, symbol, "", "trading is paused", nil)
		return &Rejection{Code: RejectPaused, Message: "trading is paused", Suggestion: "resume the agent first"}
	}

	if allowed, reason := b.breaker.CanTrade(); !allowed {
		b.bus.Emit(events.EventEntryBlockedBreaker, symbol, "", reason, nil)
		return &Rejection{Code: RejectCircuitBreaker, Message: reason, Suggestion: "wait for the unlock time or override the breaker"}
	}

	if allowed, deny, reason := b.machine.CanEnter(symbol, side); !allowed {
		b.bus.Emit(events.EventEntryBlockedLock, symbol, "", reason, map[string]interface{}{"deny": deny})
		code := RejectStateLock
		if deny == state.DenyInPosition {
			code = RejectInPosition
		}
		return &Rejection{Code: code, Message: reason}
	}

	if allowed, reason := b.engine.AllowEntry(symbol, side); !allowed {
		st, _ := b.engine.State(symbol)
		snap := st.Snapshot
		b.bus.Emit(events.EventEntryBlockedDirection, symbol, "", reason, map[string]interface{}{
			"supertrend_dir": snap.SupertrendDir,
			"structure_bias": snap.StructureBias,
		})
		return &Rejection{
			Code:       RejectStrategy,
			Message:    reason,
			Suggestion: "wait for the indicators to align or create a watch",
			Snapshot:   &snap,
		}
	}

	if p, open := b.tracker.Get(symbol); open {
		msg := fmt.Sprintf("exchange reports an open %s position of %g", p.Side, p.Size)
		b.bus.Emit(events.EventEntryBlockedLock, symbol, "", msg, nil)
		return &Rejection{Code: RejectInPosition, Message: msg}
	}
	return nil
}

// resolveStopLoss picks the strategic level per the requested rule with
// a mark-relative fallback.
func (b *Builder) resolveStopLoss(intent Intent, side bybit.Side, snap strategy.Snapshot, mark float64) (risk.SLRule, float64) {
	if intent.SLPrice > 0 {
		return risk.SLRulePrice, intent.SLPrice
	}

	rule := intent.SLRule
	if rule == "" || rule == risk.SLRuleNone {
		rule = risk.SLRuleSwing
	}

	if rule == risk.SLRuleSwing {
		if side == bybit.SideBuy && snap.ProtectedLow != nil {
			return risk.SLRuleSwing, snap.ProtectedLow.Price
		}
		if side == bybit.SideSell && snap.ProtectedHigh != nil {
			return risk.SLRuleSwing, snap.ProtectedHigh.Price
		}
		rule = risk.SLRuleSupertrend
	}

	if rule == risk.SLRuleSupertrend && snap.SupertrendValue > 0 {
		// The Supertrend band sits on the stop side only while it agrees
		// with the trade direction; otherwise fall through.
		if side == bybit.SideBuy && snap.SupertrendValue < mark ||
			side == bybit.SideSell && snap.SupertrendValue > mark {
			return risk.SLRuleSupertrend, snap.SupertrendValue
		}
	}

	fallback := b.cfg.FallbackSLPct
	if fallback <= 0 {
		fallback = 2.0
	}
	if side == bybit.SideBuy {
		return risk.SLRuleNone, mark * (1 - fallback/100)
	}
	return risk.SLRuleNone, mark * (1 + fallback/100)
}

func sideFor(action Action) (bybit.Side, bool) {
	switch action {
	case ActionEnterLong:
		return bybit.SideBuy, true
	case ActionEnterShort:
		return bybit.SideSell, true
	}
	return "", false
}

func exchangeRejection(op string, err error) *Rejection {
	return &Rejection{Code: RejectExchange, Message: fmt.Sprintf("%s: %v", op, err)}
}
