// Package candles holds the per-(symbol, timeframe) candle buffers.
//
// Each series keeps an ordered slice of confirmed candles plus at most
// one live candle. The live candle is mutable and is never handed to
// anything that requires closure; decisions run on confirmed closes only.
package candles

import (
	"sync"

	"github.com/rs/zerolog"

	"bybit-trading-agent/internal/bybit"
)

// DefaultCap is the confirmed-candle cap when none is configured.
// Indicator warmup needs 1500 candles (EMA1000 seeding), so the cap
// stays above that.
const DefaultCap = 2000

// series is one (symbol, timeframe) buffer.
type series struct {
	confirmed []bybit.Kline
	live      *bybit.Kline
}

// Store owns every candle series.
type Store struct {
	mu     sync.RWMutex
	data   map[string]*series
	cap    int
	logger zerolog.Logger
}

// NewStore creates a candle store with the given confirmed-candle cap.
func NewStore(cap int, logger zerolog.Logger) *Store {
	if cap <= 0 {
		cap = DefaultCap
	}
	return &Store{
		data:   make(map[string]*series),
		cap:    cap,
		logger: logger.With().Str("component", "CandleStore").Logger(),
	}
}

func key(symbol, interval string) string {
	return symbol + ":" + interval
}

// Seed replaces a series with REST-backfilled history. Unconfirmed
// trailing candles become the live candle.
func (s *Store) Seed(symbol, interval string, klines []bybit.Kline) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ser := &series{}
	for _, k := range klines {
		if k.Confirmed {
			ser.confirmed = append(ser.confirmed, k)
		} else {
			live := k
			ser.live = &live
		}
	}
	s.trim(ser)
	s.data[key(symbol, interval)] = ser

	s.logger.Info().
		Str("symbol", symbol).
		Str("interval", interval).
		Int("confirmed", len(ser.confirmed)).
		Msg("Candle series seeded")
}

// Apply folds one feed update into the series and returns the candle
// that was confirmed by this update, if any.
//
// An update whose open time matches the live candle mutates it in place;
// a later open time (or an explicit confirm flag) closes the live candle
// into the confirmed sequence.
func (s *Store) Apply(k bybit.Kline) (confirmed *bybit.Kline) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ser, ok := s.data[key(k.Symbol, k.Interval)]
	if !ok {
		ser = &series{}
		s.data[key(k.Symbol, k.Interval)] = ser
	}

	switch {
	case ser.live == nil:
		live := k
		ser.live = &live

	case k.OpenTime == ser.live.OpenTime:
		*ser.live = k

	case k.OpenTime > ser.live.OpenTime:
		// New candle started: the previous live candle is final.
		closed := *ser.live
		closed.Confirmed = true
		ser.confirmed = append(ser.confirmed, closed)
		s.trim(ser)
		live := k
		ser.live = &live
		if !k.Confirmed {
			return &ser.confirmed[len(ser.confirmed)-1]
		}

	default:
		// Stale update from before the live candle; drop it.
		return nil
	}

	if k.Confirmed && ser.live != nil && ser.live.OpenTime == k.OpenTime {
		closed := *ser.live
		closed.Confirmed = true
		ser.confirmed = append(ser.confirmed, closed)
		s.trim(ser)
		ser.live = nil
		return &ser.confirmed[len(ser.confirmed)-1]
	}

	return nil
}

// trim drops the oldest confirmed candles beyond the cap. Caller holds mu.
func (s *Store) trim(ser *series) {
	if len(ser.confirmed) > s.cap {
		excess := len(ser.confirmed) - s.cap
		ser.confirmed = append(ser.confirmed[:0:0], ser.confirmed[excess:]...)
	}
}

// Confirmed returns a copy of the confirmed sequence, oldest first.
func (s *Store) Confirmed(symbol, interval string) []bybit.Kline {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ser, ok := s.data[key(symbol, interval)]
	if !ok {
		return nil
	}
	out := make([]bybit.Kline, len(ser.confirmed))
	copy(out, ser.confirmed)
	return out
}

// Live returns a copy of the live candle, or nil when there is none.
func (s *Store) Live(symbol, interval string) *bybit.Kline {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ser, ok := s.data[key(symbol, interval)]
	if !ok || ser.live == nil {
		return nil
	}
	live := *ser.live
	return &live
}

// Len returns the number of confirmed candles in a series.
func (s *Store) Len(symbol, interval string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ser, ok := s.data[key(symbol, interval)]
	if !ok {
		return 0
	}
	return len(ser.confirmed)
}

// LastClose returns the most recent confirmed close price.
func (s *Store) LastClose(symbol, interval string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ser, ok := s.data[key(symbol, interval)]
	if !ok || len(ser.confirmed) == 0 {
		return 0, false
	}
	return ser.confirmed[len(ser.confirmed)-1].Close, true
}
