// Package indicators provides the pure indicator functions the strategy
// engine runs on confirmed candle sequences. Every function tolerates
// short input by reporting ok=false; callers treat that exactly like
// "not enough data" and fall back to the safe NEUTRAL result.
package indicators

import (
	"math"

	"bybit-trading-agent/internal/bybit"
)

// Direction is a Supertrend direction.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// ============================================================================
// MOVING AVERAGES
// ============================================================================

// SMA calculates the arithmetic mean of the last period closes.
func SMA(klines []bybit.Kline, period int) (float64, bool) {
	if period <= 0 || len(klines) < period {
		return 0, false
	}

	sum := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		sum += klines[i].Close
	}

	out := sum / float64(period)
	if math.IsNaN(out) || math.IsInf(out, 0) {
		return 0, false
	}
	return out, true
}

// EMA calculates an SMA-seeded exponential moving average.
//
// The seed matters: last-value seeding drifts badly for long periods
// (EMA1000), so the first period closes are averaged and the recursion
// runs from there.
func EMA(klines []bybit.Kline, period int) (float64, bool) {
	if period <= 0 || len(klines) < period {
		return 0, false
	}

	seed := 0.0
	for i := 0; i < period; i++ {
		seed += klines[i].Close
	}
	ema := seed / float64(period)

	k := 2.0 / float64(period+1)
	for i := period; i < len(klines); i++ {
		ema = klines[i].Close*k + ema*(1-k)
	}

	if math.IsNaN(ema) || math.IsInf(ema, 0) {
		return 0, false
	}
	return ema, true
}

// ============================================================================
// ATR (Average True Range)
// ============================================================================

// ATRSeries returns the Wilder-smoothed ATR for every candle from index
// period onward; entries before that are zero.
func ATRSeries(klines []bybit.Kline, period int) ([]float64, bool) {
	if period <= 0 || len(klines) < period+1 {
		return nil, false
	}

	atr := make([]float64, len(klines))

	// Seed with the simple mean of the first period true ranges.
	sum := 0.0
	for i := 1; i <= period; i++ {
		sum += trueRange(klines[i], klines[i-1])
	}
	atr[period] = sum / float64(period)

	for i := period + 1; i < len(klines); i++ {
		tr := trueRange(klines[i], klines[i-1])
		atr[i] = (atr[i-1]*float64(period-1) + tr) / float64(period)
	}

	return atr, true
}

func trueRange(current, previous bybit.Kline) float64 {
	return math.Max(
		current.High-current.Low,
		math.Max(
			math.Abs(current.High-previous.Close),
			math.Abs(current.Low-previous.Close),
		),
	)
}

// ============================================================================
// SUPERTREND
// ============================================================================

// SupertrendPoint is the Supertrend output for one candle.
type SupertrendPoint struct {
	Direction Direction
	Value     float64
}

// Supertrend computes the ATR trailing band over the whole sequence and
// returns a direction and band value per candle. Entries before warmup
// carry a zero value and DirectionLong; callers must check ok and use
// only the tail.
func Supertrend(klines []bybit.Kline, period int, multiplier float64) ([]SupertrendPoint, bool) {
	atr, ok := ATRSeries(klines, period)
	if !ok {
		return nil, false
	}

	points := make([]SupertrendPoint, len(klines))
	var finalUpper, finalLower float64
	direction := DirectionLong

	for i := period; i < len(klines); i++ {
		hl2 := (klines[i].High + klines[i].Low) / 2
		upper := hl2 + multiplier*atr[i]
		lower := hl2 - multiplier*atr[i]

		if i == period {
			finalUpper = upper
			finalLower = lower
		} else {
			prevClose := klines[i-1].Close
			if upper < finalUpper || prevClose > finalUpper {
				finalUpper = upper
			}
			if lower > finalLower || prevClose < finalLower {
				finalLower = lower
			}
		}

		switch {
		case klines[i].Close > finalUpper:
			direction = DirectionLong
		case klines[i].Close < finalLower:
			direction = DirectionShort
		}

		value := finalLower
		if direction == DirectionShort {
			value = finalUpper
		}
		points[i] = SupertrendPoint{Direction: direction, Value: value}
	}

	return points, true
}

// LastSupertrend returns the Supertrend point for the latest candle.
func LastSupertrend(klines []bybit.Kline, period int, multiplier float64) (SupertrendPoint, bool) {
	points, ok := Supertrend(klines, period, multiplier)
	if !ok || len(points) == 0 {
		return SupertrendPoint{}, false
	}
	return points[len(points)-1], true
}
