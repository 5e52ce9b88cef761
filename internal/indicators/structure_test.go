package indicators

import (
	"testing"

	"bybit-trading-agent/internal/bybit"
)

func hlcKlines(rows [][3]float64) []bybit.Kline {
	klines := make([]bybit.Kline, len(rows))
	for i, r := range rows {
		klines[i] = bybit.Kline{
			OpenTime: int64(i) * 60_000,
			High:     r[0],
			Low:      r[1],
			Close:    r[2],
			Open:     r[2],
		}
	}
	return klines
}

// Fixture: swing high 7 at index 2, swing low 0.5 at index 4, then a
// close above the high at index 7.
func bullishBreakKlines() []bybit.Kline {
	return hlcKlines([][3]float64{
		{3, 1, 2},
		{4, 2, 3},
		{7, 5, 6},
		{4, 2, 3},
		{3, 0.5, 2},
		{5, 3, 4},
		{6, 4, 5},
		{8, 6, 7.5},
	})
}

func TestSwingPointsFractals(t *testing.T) {
	swings := SwingPoints(bullishBreakKlines(), 2)

	var highs, lows []SwingPoint
	for _, s := range swings {
		if s.IsHigh {
			highs = append(highs, s)
		} else {
			lows = append(lows, s)
		}
	}

	if len(highs) != 1 || highs[0].Index != 2 || highs[0].Price != 7 {
		t.Fatalf("highs = %+v, want one swing high at index 2 price 7", highs)
	}
	if len(lows) != 1 || lows[0].Index != 4 || lows[0].Price != 0.5 {
		t.Fatalf("lows = %+v, want one swing low at index 4 price 0.5", lows)
	}
}

func TestSwingPointsShortInput(t *testing.T) {
	if got := SwingPoints(bullishBreakKlines()[:4], 2); got != nil {
		t.Errorf("expected nil for fewer than 2*lookback+1 candles, got %+v", got)
	}
	if got := SwingPoints(bullishBreakKlines(), 0); got != nil {
		t.Errorf("expected nil for zero lookback, got %+v", got)
	}
}

func TestSwingNotEqualExtreme(t *testing.T) {
	// A tie with a neighbor is not a strict fractal.
	klines := hlcKlines([][3]float64{
		{5, 1, 2},
		{4, 2, 3},
		{5, 3, 4}, // equals index 0's high
		{4, 2, 3},
		{3, 1, 2},
	})
	for _, s := range SwingPoints(klines, 2) {
		if s.IsHigh && s.Index == 2 {
			t.Error("tied high must not confirm as a swing")
		}
	}
}

func TestAnalyzeStructureBOS(t *testing.T) {
	st := AnalyzeStructure(bullishBreakKlines(), 2)

	if st.Bias != BiasBullish {
		t.Fatalf("bias = %v, want BULLISH", st.Bias)
	}
	if st.LastBOS == nil {
		t.Fatal("expected a BOS event")
	}
	if st.LastBOS.Kind != EventBOS || st.LastBOS.Direction != DirectionLong {
		t.Errorf("BOS = %+v, want kind BOS direction LONG", st.LastBOS)
	}
	if st.LastBOS.Level != 7 || st.LastBOS.Index != 7 {
		t.Errorf("BOS level/index = %v/%d, want 7/7", st.LastBOS.Level, st.LastBOS.Index)
	}
	if st.LastCHoCH != nil {
		t.Errorf("unexpected CHoCH: %+v", st.LastCHoCH)
	}
	if st.ProtectedLow == nil || st.ProtectedLow.Price != 0.5 {
		t.Errorf("protected low = %+v, want price 0.5", st.ProtectedLow)
	}
}

func TestAnalyzeStructureCHoCH(t *testing.T) {
	// Continue the bullish fixture with a fresh swing high at index 7 and
	// then a collapse through the protected low at index 10.
	klines := append(bullishBreakKlines(), hlcKlines([][3]float64{
		{7, 5, 6},
		{6, 4, 5},
		{2, 0.4, 0.45},
	})...)
	// Re-time the appended candles.
	for i := range klines {
		klines[i].OpenTime = int64(i) * 60_000
	}

	st := AnalyzeStructure(klines, 2)

	if st.Bias != BiasBearish {
		t.Fatalf("bias = %v, want BEARISH after the breakdown", st.Bias)
	}
	if st.LastCHoCH == nil {
		t.Fatal("expected a CHoCH event")
	}
	if st.LastCHoCH.Kind != EventCHoCH || st.LastCHoCH.Direction != DirectionShort {
		t.Errorf("CHoCH = %+v, want kind CHOCH direction SHORT", st.LastCHoCH)
	}
	if st.LastCHoCH.Level != 0.5 {
		t.Errorf("CHoCH level = %v, want 0.5 (the broken swing low)", st.LastCHoCH.Level)
	}
	if st.LastBOS == nil || st.LastBOS.Kind != EventBOS {
		t.Errorf("earlier BOS must survive: %+v", st.LastBOS)
	}
	if st.ProtectedHigh == nil || st.ProtectedHigh.Price != 8 {
		t.Errorf("protected high = %+v, want the index-7 swing at 8", st.ProtectedHigh)
	}
}

func TestAnalyzeStructureUnconfirmedSwingIgnored(t *testing.T) {
	// The break candle sits inside the would-be swing's fractal window,
	// so the swing never confirms and no event may fire off it.
	klines := hlcKlines([][3]float64{
		{3, 1, 2},
		{4, 2, 3},
		{7, 5, 6},
		{8, 6, 7.5}, // above 7, but the index-2 swing is not yet confirmed
		{3, 1, 2},
	})

	st := AnalyzeStructure(klines, 2)
	if st.LastBOS != nil || st.LastCHoCH != nil {
		t.Errorf("no event may fire off an unconfirmed swing: BOS=%+v CHoCH=%+v",
			st.LastBOS, st.LastCHoCH)
	}
}

func TestAnalyzeStructureEmpty(t *testing.T) {
	st := AnalyzeStructure(nil, 5)
	if st.Bias != BiasNeutral {
		t.Errorf("bias = %v, want NEUTRAL on empty input", st.Bias)
	}
	if st.LastBOS != nil || st.ProtectedLow != nil {
		t.Error("empty input must produce an empty structure")
	}
}
