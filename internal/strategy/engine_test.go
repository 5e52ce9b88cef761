package strategy

import (
	"math"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"bybit-trading-agent/internal/bybit"
	"bybit-trading-agent/internal/candles"
	"bybit-trading-agent/internal/events"
	"bybit-trading-agent/internal/indicators"
)

// Short periods keep fixtures small; the indicator math itself is
// covered in the indicators package.
func testParams() Params {
	return Params{
		SMAPeriod:            5,
		EMAPeriod:            8,
		SupertrendPeriod:     3,
		SupertrendMultiplier: 3.0,
		SwingLookback:        2,
		RiskWarnDistancePct:  50,
	}
}

func seededEngine(t *testing.T, closes []float64) *Engine {
	t.Helper()
	store := candles.NewStore(4000, zerolog.Nop())
	klines := make([]bybit.Kline, len(closes))
	for i, c := range closes {
		klines[i] = bybit.Kline{
			Symbol:    "BTCUSDT",
			Interval:  "15",
			OpenTime:  int64(i) * 900_000,
			Open:      c,
			High:      c + 1,
			Low:       c - 1,
			Close:     c,
			Confirmed: true,
		}
	}
	store.Seed("BTCUSDT", "15", klines)
	return NewEngine(store, events.NewBus(), testParams(), "15", zerolog.Nop())
}

func ramp(from float64, step float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = from + step*float64(i)
	}
	return out
}

func TestWarmupState(t *testing.T) {
	e := seededEngine(t, ramp(100, 1, 5)) // below the EMA period

	st := e.Recompute("BTCUSDT")
	if !st.Warmup || st.Bias != BiasNeutral {
		t.Fatalf("state = %+v, want NEUTRAL warmup", st)
	}
	if st.AllowLongEntry || st.AllowShortEntry {
		t.Error("warmup must gate both directions")
	}

	ok, reason := e.AllowEntry("BTCUSDT", bybit.SideBuy)
	if ok || !strings.Contains(reason, "not ready") {
		t.Errorf("AllowEntry during warmup = %v %q", ok, reason)
	}
}

func TestUptrendAllowsLongOnly(t *testing.T) {
	// A monotonic rise: Supertrend LONG, no fractal swings, price above
	// both moving averages.
	e := seededEngine(t, ramp(100, 2, 40))

	st := e.Recompute("BTCUSDT")
	if st.Warmup {
		t.Fatal("40 candles must clear warmup")
	}
	if st.Snapshot.SupertrendDir != indicators.DirectionLong {
		t.Fatalf("supertrend = %v, want LONG", st.Snapshot.SupertrendDir)
	}
	if !st.AllowLongEntry || st.AllowShortEntry {
		t.Errorf("gate = long:%t short:%t, want long only", st.AllowLongEntry, st.AllowShortEntry)
	}
	if st.Tag != TagS101 {
		t.Errorf("tag = %v, want S101 with both MAs aligned", st.Tag)
	}
	if st.Bias != BiasLong {
		t.Errorf("bias = %v, want LONG", st.Bias)
	}

	if ok, _ := e.AllowEntry("BTCUSDT", bybit.SideBuy); !ok {
		t.Error("long entry must be admitted in an uptrend")
	}
	ok, reason := e.AllowEntry("BTCUSDT", bybit.SideSell)
	if ok || !strings.Contains(reason, "Supertrend") {
		t.Errorf("short entry = %v %q, want a Supertrend gate reason", ok, reason)
	}
}

func TestDowntrendAllowsShortOnly(t *testing.T) {
	e := seededEngine(t, ramp(200, -2, 40))

	st := e.Recompute("BTCUSDT")
	if st.Snapshot.SupertrendDir != indicators.DirectionShort {
		t.Fatalf("supertrend = %v, want SHORT", st.Snapshot.SupertrendDir)
	}
	if st.AllowLongEntry || !st.AllowShortEntry {
		t.Errorf("gate = long:%t short:%t, want short only", st.AllowLongEntry, st.AllowShortEntry)
	}
	if st.Tag != TagS101 {
		t.Errorf("tag = %v, want S101 below both MAs", st.Tag)
	}
}

// hardGateCloses builds: a high peak, a bounce whose low becomes a
// confirmed swing low, a breakdown through it (structure turns BEARISH),
// then a steady rally that flips Supertrend LONG while staying far below
// every confirmed swing high.
func hardGateCloses() []float64 {
	closes := []float64{150, 170, 200, 180, 160} // peak at 200
	closes = append(closes, 140, 130)            // bottom: swing low 129
	closes = append(closes, 145, 160, 150, 140)  // bounce: swing high 161
	closes = append(closes, 128, 124, 120, 116, 112, 110) // breaks 129: BEARISH
	closes = append(closes, ramp(112, 2, 15)...)          // rally to 140
	closes = append(closes, 140, 140, 140)
	return closes
}

func TestHardGateBlocksLongAgainstBearishStructure(t *testing.T) {
	e := seededEngine(t, hardGateCloses())

	st := e.Recompute("BTCUSDT")
	if st.Warmup {
		t.Fatal("fixture must clear warmup")
	}
	// Preconditions the fixture is built to produce.
	if st.Snapshot.SupertrendDir != indicators.DirectionLong {
		t.Fatalf("supertrend = %v, want LONG after the rally", st.Snapshot.SupertrendDir)
	}
	if st.Snapshot.StructureBias != indicators.BiasBearish {
		t.Fatalf("structure = %v, want BEARISH after the breakdown", st.Snapshot.StructureBias)
	}

	// The gate requires both to agree; structure vetoes the long.
	if st.AllowLongEntry {
		t.Error("long entry must be blocked while structure is bearish")
	}
	if st.AllowShortEntry {
		t.Error("short entry must be blocked while Supertrend is long")
	}

	ok, reason := e.AllowEntry("BTCUSDT", bybit.SideBuy)
	if ok || !strings.Contains(reason, "structure") {
		t.Errorf("AllowEntry = %v %q, want a structure gate reason", ok, reason)
	}
}

func TestBiasRefinement(t *testing.T) {
	cases := []struct {
		name string
		snap Snapshot
		want Bias
	}{
		{
			name: "long trend fighting structure and SMA downgrades",
			snap: Snapshot{SupertrendDir: indicators.DirectionLong,
				StructureBias: indicators.BiasBearish, AboveSMA200: false},
			want: BiasNeutral,
		},
		{
			name: "long trend above SMA keeps its bias despite structure",
			snap: Snapshot{SupertrendDir: indicators.DirectionLong,
				StructureBias: indicators.BiasBearish, AboveSMA200: true},
			want: BiasLong,
		},
		{
			name: "short trend fighting structure and SMA downgrades",
			snap: Snapshot{SupertrendDir: indicators.DirectionShort,
				StructureBias: indicators.BiasBullish, AboveSMA200: true},
			want: BiasNeutral,
		},
		{
			name: "clean short keeps its bias",
			snap: Snapshot{SupertrendDir: indicators.DirectionShort,
				StructureBias: indicators.BiasBearish, AboveSMA200: false},
			want: BiasShort,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := bias(tc.snap); got != tc.want {
				t.Errorf("bias = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestTagClassification(t *testing.T) {
	mk := func(long bool, aboveSMA, aboveEMA bool) State {
		return State{
			AllowLongEntry:  long,
			AllowShortEntry: !long,
			Snapshot:        Snapshot{AboveSMA200: aboveSMA, AboveEMA1000: aboveEMA},
		}
	}

	cases := []struct {
		st   State
		want Tag
	}{
		{mk(true, true, true), TagS101},
		{mk(true, true, false), TagS102},
		{mk(true, false, true), TagS102},
		{mk(true, false, false), TagS103},
		{mk(false, false, false), TagS101},
		{mk(false, true, false), TagS102},
		{mk(false, true, true), TagS103},
		{State{}, TagNone},
	}
	for i, tc := range cases {
		if got := tag(tc.st); got != tc.want {
			t.Errorf("case %d: tag = %v, want %v", i, got, tc.want)
		}
	}
}

func TestRegisterSeedsWarmup(t *testing.T) {
	e := seededEngine(t, nil)
	e.Register("ETHUSDT")
	e.Register("ETHUSDT") // idempotent

	st, ok := e.State("ETHUSDT")
	if !ok || !st.Warmup {
		t.Fatalf("registered state = %+v/%v, want warmup placeholder", st, ok)
	}
	if len(e.States()) != 1 {
		t.Errorf("states = %d, want 1", len(e.States()))
	}
}

func TestPctDistance(t *testing.T) {
	if got := pctDistance(100, 95); math.Abs(got-5) > 1e-9 {
		t.Errorf("above level = %v, want 5", got)
	}
	if got := pctDistance(95, 100); got >= 0 {
		t.Errorf("below level = %v, want negative", got)
	}
	if got := pctDistance(100, 0); got != 0 {
		t.Errorf("zero level = %v, want 0", got)
	}
}
