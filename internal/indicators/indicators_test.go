package indicators

import (
	"math"
	"testing"

	"bybit-trading-agent/internal/bybit"
)

func closesToKlines(closes []float64) []bybit.Kline {
	klines := make([]bybit.Kline, len(closes))
	for i, c := range closes {
		klines[i] = bybit.Kline{
			OpenTime: int64(i) * 60_000,
			Open:     c,
			High:     c + 1,
			Low:      c - 1,
			Close:    c,
		}
	}
	return klines
}

func TestSMA(t *testing.T) {
	klines := closesToKlines([]float64{1, 2, 3, 4, 5})

	got, ok := SMA(klines, 3)
	if !ok {
		t.Fatal("expected ok")
	}
	if got != 4 {
		t.Errorf("SMA(3) = %v, want 4", got)
	}

	if _, ok := SMA(klines, 6); ok {
		t.Error("expected not ok with fewer candles than the period")
	}
	if _, ok := SMA(klines, 0); ok {
		t.Error("expected not ok with zero period")
	}
}

func TestEMASeededFromSMA(t *testing.T) {
	// Constant series: the EMA must equal the constant exactly, which
	// only holds with an SMA seed.
	klines := closesToKlines([]float64{50, 50, 50, 50, 50, 50, 50, 50})

	got, ok := EMA(klines, 4)
	if !ok {
		t.Fatal("expected ok")
	}
	if math.Abs(got-50) > 1e-12 {
		t.Errorf("EMA of constant series = %v, want 50", got)
	}
}

func TestEMAKnownValue(t *testing.T) {
	// Seed = mean(1,2,3) = 2, k = 0.5:
	//   after 4: 2*0.5 + 4*0.5 = 3
	//   after 5: 3*0.5 + 5*0.5 = 4
	klines := closesToKlines([]float64{1, 2, 3, 4, 5})

	got, ok := EMA(klines, 3)
	if !ok {
		t.Fatal("expected ok")
	}
	if math.Abs(got-4) > 1e-12 {
		t.Errorf("EMA(3) = %v, want 4", got)
	}
}

func TestATRSeriesWilderSmoothing(t *testing.T) {
	// Identical candles with range 2 and no gaps: TR is always 2, so the
	// seed and every smoothed value equal 2.
	klines := closesToKlines([]float64{10, 10, 10, 10, 10, 10})

	atr, ok := ATRSeries(klines, 3)
	if !ok {
		t.Fatal("expected ok")
	}
	for i := 3; i < len(atr); i++ {
		if math.Abs(atr[i]-2) > 1e-12 {
			t.Errorf("atr[%d] = %v, want 2", i, atr[i])
		}
	}

	if _, ok := ATRSeries(klines[:3], 3); ok {
		t.Error("expected not ok: ATR needs period+1 candles")
	}
}

func TestTrueRangeUsesGaps(t *testing.T) {
	prev := bybit.Kline{High: 12, Low: 10, Close: 11}

	// Gap up: high-prevClose dominates.
	cur := bybit.Kline{High: 20, Low: 19, Close: 19.5}
	if got := trueRange(cur, prev); got != 9 {
		t.Errorf("trueRange gap up = %v, want 9", got)
	}

	// Gap down: prevClose-low dominates.
	cur = bybit.Kline{High: 6, Low: 5, Close: 5.5}
	if got := trueRange(cur, prev); got != 6 {
		t.Errorf("trueRange gap down = %v, want 6", got)
	}
}

func TestSupertrendFlipsOnBandCross(t *testing.T) {
	// Steady climb, sharp collapse, then a steady climb again. The
	// direction must flip SHORT on the collapse and back LONG on the
	// recovery.
	closes := []float64{
		100, 101, 102, 103, 104, 105, 106, 107, 108, 109,
		110, 111, 112, 113, 114,
		80, 79, 78, 77, 76, // collapse
		90, 100, 110, 120, 130, 140, 150, // recovery
	}
	klines := closesToKlines(closes)

	points, ok := Supertrend(klines, 3, 3.0)
	if !ok {
		t.Fatal("expected ok")
	}

	if got := points[14].Direction; got != DirectionLong {
		t.Errorf("direction during climb = %v, want LONG", got)
	}
	if got := points[19].Direction; got != DirectionShort {
		t.Errorf("direction after collapse = %v, want SHORT", got)
	}
	if got := points[len(points)-1].Direction; got != DirectionLong {
		t.Errorf("direction after recovery = %v, want LONG", got)
	}
}

func TestSupertrendBandRatchet(t *testing.T) {
	// In an uptrend the final lower band may only rise; a widening ATR
	// must not drop the band.
	closes := []float64{
		100, 102, 104, 106, 108, 110, 112, 114, 116, 118,
		120, 122, 124, 126, 128, 130,
	}
	klines := closesToKlines(closes)

	points, ok := Supertrend(klines, 3, 3.0)
	if !ok {
		t.Fatal("expected ok")
	}
	prev := points[4].Value
	for i := 5; i < len(points); i++ {
		if points[i].Direction != DirectionLong {
			t.Fatalf("unexpected direction flip at %d", i)
		}
		if points[i].Value < prev {
			t.Errorf("band dropped at %d: %v -> %v", i, prev, points[i].Value)
		}
		prev = points[i].Value
	}
}

func TestSupertrendDeterministic(t *testing.T) {
	closes := []float64{100, 103, 99, 105, 102, 108, 104, 110, 107, 113, 109, 115}
	klines := closesToKlines(closes)

	a, ok := Supertrend(klines, 3, 3.0)
	if !ok {
		t.Fatal("expected ok")
	}
	b, _ := Supertrend(klines, 3, 3.0)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("non-deterministic output at %d: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestLastSupertrend(t *testing.T) {
	klines := closesToKlines([]float64{100, 101, 102, 103, 104, 105})

	last, ok := LastSupertrend(klines, 3, 3.0)
	if !ok {
		t.Fatal("expected ok")
	}
	if last.Direction != DirectionLong {
		t.Errorf("direction = %v, want LONG", last.Direction)
	}

	if _, ok := LastSupertrend(klines[:2], 3, 3.0); ok {
		t.Error("expected not ok on short input")
	}
}
