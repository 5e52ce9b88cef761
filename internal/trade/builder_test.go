package trade

import (
	"context"
	"math"
	"testing"

	"github.com/rs/zerolog"

	"bybit-trading-agent/internal/bybit"
	"bybit-trading-agent/internal/candles"
	"bybit-trading-agent/internal/circuit"
	"bybit-trading-agent/internal/events"
	"bybit-trading-agent/internal/indicators"
	"bybit-trading-agent/internal/orders"
	"bybit-trading-agent/internal/positions"
	"bybit-trading-agent/internal/risk"
	"bybit-trading-agent/internal/state"
	"bybit-trading-agent/internal/strategy"
)

// fakeExchange serves canned account data and records every write call.
type fakeExchange struct {
	bybit.Exchange

	wallet bybit.WalletBalance
	info   bybit.InstrumentInfo
	ticker bybit.Ticker

	placed    []bybit.OrderParams
	placeErr  error
	leverages []int
	tradingStops []struct {
		SL, TP float64
	}
	stopErr   error
	positions []bybit.Position
}

func (f *fakeExchange) GetWalletBalance(context.Context) (*bybit.WalletBalance, error) {
	w := f.wallet
	return &w, nil
}

func (f *fakeExchange) GetInstrumentInfo(context.Context, string) (*bybit.InstrumentInfo, error) {
	i := f.info
	return &i, nil
}

func (f *fakeExchange) GetTicker(context.Context, string) (*bybit.Ticker, error) {
	t := f.ticker
	return &t, nil
}

func (f *fakeExchange) SetLeverage(_ context.Context, _ string, lev int) error {
	f.leverages = append(f.leverages, lev)
	return nil
}

func (f *fakeExchange) PlaceOrder(_ context.Context, p bybit.OrderParams) (*bybit.OrderAck, error) {
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	f.placed = append(f.placed, p)
	return &bybit.OrderAck{OrderID: "ex-1", OrderLinkID: p.OrderLinkID}, nil
}

func (f *fakeExchange) SetTradingStop(_ context.Context, _ string, sl, tp, _ float64) error {
	if f.stopErr != nil {
		return f.stopErr
	}
	f.tradingStops = append(f.tradingStops, struct{ SL, TP float64 }{sl, tp})
	return nil
}

func (f *fakeExchange) GetAllPositions(context.Context) ([]bybit.Position, error) {
	return f.positions, nil
}

// tradeEnv assembles a builder with all live collaborators around the
// fake exchange. The engine is seeded with a 40-candle uptrend so long
// entries pass the strategy gate.
type tradeEnv struct {
	ex      *fakeExchange
	bus     *events.Bus
	machine *state.Machine
	breaker *circuit.Breaker
	engine  *strategy.Engine
	tracker *positions.Tracker
	stops   *risk.StopManager
	trails  *risk.TrailManager
	orders  *orders.Manager
	builder *Builder
}

func newTradeEnv(t *testing.T) *tradeEnv {
	t.Helper()

	ex := &fakeExchange{
		wallet: bybit.WalletBalance{TotalUSD: 1000, AvailableUSD: 1000},
		info:   bybit.InstrumentInfo{Symbol: "BTCUSDT", MinOrderQty: 0.001, QtyStep: 0.1, TickSize: 0.1},
		ticker: bybit.Ticker{Symbol: "BTCUSDT", LastPrice: 100, MarkPrice: 100},
	}

	bus := events.NewBus()
	store := candles.NewStore(4000, zerolog.Nop())
	klines := make([]bybit.Kline, 40)
	for i := range klines {
		c := 100 + float64(i)*2
		klines[i] = bybit.Kline{
			Symbol: "BTCUSDT", Interval: "15", OpenTime: int64(i) * 900_000,
			Open: c, High: c + 1, Low: c - 1, Close: c, Confirmed: true,
		}
	}
	store.Seed("BTCUSDT", "15", klines)

	engine := strategy.NewEngine(store, bus, strategy.Params{
		SMAPeriod:            5,
		EMAPeriod:            8,
		SupertrendPeriod:     3,
		SupertrendMultiplier: 3.0,
		SwingLookback:        2,
		RiskWarnDistancePct:  50,
	}, "15", zerolog.Nop())
	engine.Recompute("BTCUSDT")

	machine := state.NewMachine(bus, zerolog.Nop())
	breaker := circuit.NewBreaker(circuit.Config{Enabled: true, ThresholdPct: 50},
		func() float64 { return 1000 }, bus, zerolog.Nop())
	tracker := positions.NewTracker(bus, zerolog.Nop())
	stops := risk.NewStopManager(ex, bus, zerolog.Nop())
	trails := risk.NewTrailManager(stops, bus, 0, zerolog.Nop())
	om := orders.NewManager(ex, orders.NewLinkIDGenerator(nil, zerolog.Nop()), bus, zerolog.Nop())

	builder := NewBuilder(BuilderConfig{
		MaxLeverage:        5,
		DefaultRiskPct:     1,
		EmergencyBufferPct: 4,
		FallbackSLPct:      2,
		Timeframe:          "15",
		DefaultTrailMode:   risk.TrailSupertrend,
	}, machine, breaker, engine, tracker, ex, bus, zerolog.Nop())

	return &tradeEnv{
		ex: ex, bus: bus, machine: machine, breaker: breaker, engine: engine,
		tracker: tracker, stops: stops, trails: trails, orders: om, builder: builder,
	}
}

func longIntent() Intent {
	return Intent{
		Action:  ActionEnterLong,
		Symbol:  "BTCUSDT",
		SLRule:  risk.SLRulePrice,
		SLPrice: 96,
	}
}

func TestBuildSizesFromRisk(t *testing.T) {
	env := newTradeEnv(t)

	// 1% of 1000 USD risked over a 4% stop distance at mark 100.
	c, rej := env.builder.Build(context.Background(), longIntent())
	if rej != nil {
		t.Fatalf("rejected: %+v", rej)
	}
	if math.Abs(c.Entry.Qty-2.5) > 1e-9 {
		t.Errorf("qty = %v, want 2.5", c.Entry.Qty)
	}
	if math.Abs(c.Entry.RiskUSD-10) > 1e-9 {
		t.Errorf("risk = %v USD, want 10", c.Entry.RiskUSD)
	}
	if c.Side != bybit.SideBuy || c.Status != ContractPending {
		t.Errorf("contract = side %v status %v, want pending Buy", c.Side, c.Status)
	}
	// An explicit price pins Emergency to Strategic.
	if c.SL.Rule != risk.SLRulePrice || c.SL.Strategic != 96 || c.SL.Emergency != 96 {
		t.Errorf("SL = %+v, want price rule pinned at 96", c.SL)
	}
	if c.Trail.Mode != risk.TrailSupertrend || !c.Trail.Active {
		t.Errorf("trail = %+v, want active Supertrend default", c.Trail)
	}
	if c.Entry.Type != bybit.OrderTypeMarket {
		t.Errorf("entry type = %v, want market", c.Entry.Type)
	}
	if c.ID == "" || c.Tag == strategy.TagNone {
		t.Errorf("contract id %q tag %v, want both populated", c.ID, c.Tag)
	}
}

func TestBuildClampsLeverage(t *testing.T) {
	env := newTradeEnv(t)

	intent := longIntent()
	intent.Leverage = 20
	c, rej := env.builder.Build(context.Background(), intent)
	if rej != nil {
		t.Fatalf("rejected: %+v", rej)
	}
	if c.Entry.RequestedLev != 20 || c.Entry.AppliedLev != 5 {
		t.Errorf("leverage = %d/%d, want 20 requested, 5 applied", c.Entry.RequestedLev, c.Entry.AppliedLev)
	}
}

func TestAdmissionChecksRunInOrder(t *testing.T) {
	env := newTradeEnv(t)
	ctx := context.Background()

	// Pause outranks everything else.
	env.machine.Pause()
	env.breaker.RecordPnL(-600) // trips the 50% threshold on 1000
	if _, rej := env.builder.Build(ctx, longIntent()); rej == nil || rej.Code != RejectPaused {
		t.Fatalf("rejection = %+v, want PAUSED first", rej)
	}

	// Resumed: the tripped breaker is next.
	env.machine.Resume()
	if _, rej := env.builder.Build(ctx, longIntent()); rej == nil || rej.Code != RejectCircuitBreaker {
		t.Fatalf("rejection = %+v, want CIRCUIT_BREAKER", rej)
	}

	// Breaker cleared: a same-side lock blocks the long.
	env.breaker.Reset()
	env.machine.ExitStopped("BTCUSDT", bybit.SideBuy)
	if _, rej := env.builder.Build(ctx, longIntent()); rej == nil || rej.Code != RejectStateLock {
		t.Fatalf("rejection = %+v, want STATE_LOCK", rej)
	}

	// Unlocked: an exchange-reported position blocks re-entry.
	env.machine.ForceUnlock("BTCUSDT")
	env.tracker.HandleFeed([]bybit.Position{{Symbol: "BTCUSDT", Side: bybit.SideBuy, Size: 1, AvgPrice: 100}})
	if _, rej := env.builder.Build(ctx, longIntent()); rej == nil || rej.Code != RejectInPosition {
		t.Fatalf("rejection = %+v, want IN_POSITION", rej)
	}
}

func TestBuildRejectsShortAgainstTrend(t *testing.T) {
	env := newTradeEnv(t)

	intent := longIntent()
	intent.Action = ActionEnterShort
	_, rej := env.builder.Build(context.Background(), intent)
	if rej == nil || rej.Code != RejectStrategy {
		t.Fatalf("rejection = %+v, want STRATEGY in an uptrend", rej)
	}
	if rej.Snapshot == nil {
		t.Error("strategy rejection must carry the market snapshot")
	}
}

func TestBuildRejectsNonEntryIntent(t *testing.T) {
	env := newTradeEnv(t)

	_, rej := env.builder.Build(context.Background(), Intent{Action: ActionClose, Symbol: "BTCUSDT"})
	if rej == nil || rej.Code != RejectInvalidIntent {
		t.Errorf("rejection = %+v, want INVALID_INTENT", rej)
	}
	_, rej = env.builder.Build(context.Background(), Intent{Action: ActionEnterLong})
	if rej == nil || rej.Code != RejectInvalidIntent {
		t.Errorf("no-symbol rejection = %+v, want INVALID_INTENT", rej)
	}
}

func TestBuildRejectsUnfundableRisk(t *testing.T) {
	env := newTradeEnv(t)
	env.ex.wallet.AvailableUSD = 0

	_, rej := env.builder.Build(context.Background(), longIntent())
	if rej == nil || rej.Code != RejectBalance {
		t.Errorf("rejection = %+v, want BALANCE", rej)
	}
}

func TestBuildRejectsSizeRoundedToZero(t *testing.T) {
	env := newTradeEnv(t)
	env.ex.info.QtyStep = 1
	env.ex.info.MinOrderQty = 0

	intent := longIntent()
	intent.RiskUSD = 1 // 0.25 contracts, floored to zero by the step
	_, rej := env.builder.Build(context.Background(), intent)
	if rej == nil || rej.Code != RejectSizeBelowMin {
		t.Errorf("rejection = %+v, want SIZE_BELOW_MIN", rej)
	}
}

func TestResolveStopLossFallbackChain(t *testing.T) {
	env := newTradeEnv(t)
	b := env.builder

	low := &indicators.SwingPoint{Price: 96}
	high := &indicators.SwingPoint{Price: 105}

	cases := []struct {
		name     string
		intent   Intent
		side     bybit.Side
		snap     strategy.Snapshot
		wantRule risk.SLRule
		wantSL   float64
	}{
		{
			name:     "explicit price wins",
			intent:   Intent{SLPrice: 95},
			side:     bybit.SideBuy,
			snap:     strategy.Snapshot{ProtectedLow: low},
			wantRule: risk.SLRulePrice,
			wantSL:   95,
		},
		{
			name:     "default rule uses the protected swing",
			intent:   Intent{},
			side:     bybit.SideBuy,
			snap:     strategy.Snapshot{ProtectedLow: low, SupertrendValue: 97},
			wantRule: risk.SLRuleSwing,
			wantSL:   96,
		},
		{
			name:     "short side uses the protected high",
			intent:   Intent{SLRule: risk.SLRuleSwing},
			side:     bybit.SideSell,
			snap:     strategy.Snapshot{ProtectedHigh: high},
			wantRule: risk.SLRuleSwing,
			wantSL:   105,
		},
		{
			name:     "no swing falls back to the Supertrend band",
			intent:   Intent{SLRule: risk.SLRuleSwing},
			side:     bybit.SideBuy,
			snap:     strategy.Snapshot{SupertrendValue: 97},
			wantRule: risk.SLRuleSupertrend,
			wantSL:   97,
		},
		{
			name:     "band on the wrong side falls through to the percent stop",
			intent:   Intent{SLRule: risk.SLRuleSupertrend},
			side:     bybit.SideBuy,
			snap:     strategy.Snapshot{SupertrendValue: 103},
			wantRule: risk.SLRuleNone,
			wantSL:   98,
		},
		{
			name:     "nothing available: percent stop above for shorts",
			intent:   Intent{},
			side:     bybit.SideSell,
			snap:     strategy.Snapshot{},
			wantRule: risk.SLRuleNone,
			wantSL:   102,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rule, sl := b.resolveStopLoss(tc.intent, tc.side, tc.snap, 100)
			if rule != tc.wantRule || math.Abs(sl-tc.wantSL) > 1e-9 {
				t.Errorf("resolveStopLoss = %v %v, want %v %v", rule, sl, tc.wantRule, tc.wantSL)
			}
		})
	}
}
