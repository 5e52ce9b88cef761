package indicators

import "bybit-trading-agent/internal/bybit"

// StructureBias is the net market-structure stance.
type StructureBias string

const (
	BiasBullish StructureBias = "BULLISH"
	BiasBearish StructureBias = "BEARISH"
	BiasNeutral StructureBias = "NEUTRAL"
)

// EventKind distinguishes break-of-structure from change-of-character.
type EventKind string

const (
	EventBOS   EventKind = "BOS"
	EventCHoCH EventKind = "CHOCH"
)

// SwingPoint is a confirmed fractal swing high or low.
type SwingPoint struct {
	Index    int     `json:"index"`
	Price    float64 `json:"price"`
	OpenTime int64   `json:"open_time"`
	IsHigh   bool    `json:"is_high"`
}

// StructureEvent records a BOS or CHoCH: a close beyond a swing level.
type StructureEvent struct {
	Kind      EventKind `json:"kind"`
	Direction Direction `json:"direction"`
	Level     float64   `json:"level"`
	Index     int       `json:"index"`
	OpenTime  int64     `json:"open_time"`
}

// Structure is the full market-structure readout for a sequence.
type Structure struct {
	Bias          StructureBias   `json:"bias"`
	LastBOS       *StructureEvent `json:"last_bos,omitempty"`
	LastCHoCH     *StructureEvent `json:"last_choch,omitempty"`
	ProtectedHigh *SwingPoint     `json:"protected_high,omitempty"`
	ProtectedLow  *SwingPoint     `json:"protected_low,omitempty"`
	LastSwingHigh *SwingPoint     `json:"last_swing_high,omitempty"`
	LastSwingLow  *SwingPoint     `json:"last_swing_low,omitempty"`
}

// SwingPoints scans a sequence for fractal swings: a strict high (low)
// surrounded by strictly lower highs (higher lows) within lookback
// candles on both sides. A swing at index i is only confirmed once
// i+lookback has closed.
func SwingPoints(klines []bybit.Kline, lookback int) []SwingPoint {
	if lookback <= 0 || len(klines) < 2*lookback+1 {
		return nil
	}

	var swings []SwingPoint
	for i := lookback; i < len(klines)-lookback; i++ {
		if isSwingHigh(klines, i, lookback) {
			swings = append(swings, SwingPoint{
				Index:    i,
				Price:    klines[i].High,
				OpenTime: klines[i].OpenTime,
				IsHigh:   true,
			})
		}
		if isSwingLow(klines, i, lookback) {
			swings = append(swings, SwingPoint{
				Index:    i,
				Price:    klines[i].Low,
				OpenTime: klines[i].OpenTime,
				IsHigh:   false,
			})
		}
	}
	return swings
}

func isSwingHigh(klines []bybit.Kline, i, lookback int) bool {
	for j := i - lookback; j <= i+lookback; j++ {
		if j == i {
			continue
		}
		if klines[j].High >= klines[i].High {
			return false
		}
	}
	return true
}

func isSwingLow(klines []bybit.Kline, i, lookback int) bool {
	for j := i - lookback; j <= i+lookback; j++ {
		if j == i {
			continue
		}
		if klines[j].Low <= klines[i].Low {
			return false
		}
	}
	return true
}

// AnalyzeStructure replays the sequence candle by candle against its
// confirmed swings, recording BOS and CHoCH events and the protected
// swings that anchor the SWING stop-loss rule.
//
// A close beyond the most recent unbroken swing extreme in the trend
// direction is a BOS; a close beyond the prior opposite swing while
// trending the other way is a CHoCH. The protected swing is the latest
// confirmed swing low in an uptrend (high in a downtrend).
func AnalyzeStructure(klines []bybit.Kline, lookback int) Structure {
	out := Structure{Bias: BiasNeutral}

	swings := SwingPoints(klines, lookback)
	if len(swings) == 0 {
		return out
	}

	// Swings split by kind, in index order.
	var highs, lows []SwingPoint
	for _, s := range swings {
		if s.IsHigh {
			highs = append(highs, s)
		} else {
			lows = append(lows, s)
		}
	}
	if len(highs) == 0 || len(lows) == 0 {
		return out
	}

	trend := BiasNeutral
	nextHigh, nextLow := 0, 0       // first swing not yet confirmed
	curHigh, curLow := -1, -1       // most recent unbroken confirmed swing

	for i := 0; i < len(klines); i++ {
		// Confirm swings whose lookback window has closed by candle i.
		for nextHigh < len(highs) && highs[nextHigh].Index+lookback <= i {
			curHigh = nextHigh
			nextHigh++
		}
		for nextLow < len(lows) && lows[nextLow].Index+lookback <= i {
			curLow = nextLow
			nextLow++
		}

		close := klines[i].Close

		if curHigh >= 0 && close > highs[curHigh].Price {
			event := StructureEvent{
				Direction: DirectionLong,
				Level:     highs[curHigh].Price,
				Index:     i,
				OpenTime:  klines[i].OpenTime,
			}
			if trend == BiasBearish {
				event.Kind = EventCHoCH
				out.LastCHoCH = &event
			} else {
				event.Kind = EventBOS
				out.LastBOS = &event
			}
			trend = BiasBullish
			// The broken level is spent; wait for the next swing high.
			curHigh = -1
		}

		if curLow >= 0 && close < lows[curLow].Price {
			event := StructureEvent{
				Direction: DirectionShort,
				Level:     lows[curLow].Price,
				Index:     i,
				OpenTime:  klines[i].OpenTime,
			}
			if trend == BiasBullish {
				event.Kind = EventCHoCH
				out.LastCHoCH = &event
			} else {
				event.Kind = EventBOS
				out.LastBOS = &event
			}
			trend = BiasBearish
			curLow = -1
		}
	}

	out.Bias = trend

	lastHigh := highs[len(highs)-1]
	lastLow := lows[len(lows)-1]
	out.LastSwingHigh = &lastHigh
	out.LastSwingLow = &lastLow

	// Protected swing: only confirmed swings qualify.
	lastConfirmedHigh := confirmedTail(highs, len(klines)-1, lookback)
	lastConfirmedLow := confirmedTail(lows, len(klines)-1, lookback)
	switch trend {
	case BiasBullish:
		out.ProtectedLow = lastConfirmedLow
		out.ProtectedHigh = lastConfirmedHigh
	case BiasBearish:
		out.ProtectedHigh = lastConfirmedHigh
		out.ProtectedLow = lastConfirmedLow
	default:
		out.ProtectedHigh = lastConfirmedHigh
		out.ProtectedLow = lastConfirmedLow
	}

	return out
}

// confirmedTail returns the most recent swing confirmed by lastIndex.
func confirmedTail(swings []SwingPoint, lastIndex, lookback int) *SwingPoint {
	for i := len(swings) - 1; i >= 0; i-- {
		if swings[i].Index+lookback <= lastIndex {
			s := swings[i]
			return &s
		}
	}
	return nil
}
