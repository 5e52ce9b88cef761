package candles

import (
	"testing"

	"github.com/rs/zerolog"

	"bybit-trading-agent/internal/bybit"
)

func k(openTime int64, close float64, confirmed bool) bybit.Kline {
	return bybit.Kline{
		Symbol:    "BTCUSDT",
		Interval:  "15",
		OpenTime:  openTime,
		Open:      close,
		High:      close + 1,
		Low:       close - 1,
		Close:     close,
		Confirmed: confirmed,
	}
}

func TestSeedSplitsLiveCandle(t *testing.T) {
	s := NewStore(100, zerolog.Nop())
	s.Seed("BTCUSDT", "15", []bybit.Kline{
		k(0, 100, true),
		k(1, 101, true),
		k(2, 102, false), // still open
	})

	if got := s.Len("BTCUSDT", "15"); got != 2 {
		t.Errorf("confirmed len = %d, want 2", got)
	}
	live := s.Live("BTCUSDT", "15")
	if live == nil || live.OpenTime != 2 {
		t.Errorf("live = %+v, want the open-time-2 candle", live)
	}
	if close, ok := s.LastClose("BTCUSDT", "15"); !ok || close != 101 {
		t.Errorf("last close = %v/%v, want 101", close, ok)
	}
}

func TestApplyMutatesLiveInPlace(t *testing.T) {
	s := NewStore(100, zerolog.Nop())

	if got := s.Apply(k(0, 100, false)); got != nil {
		t.Fatal("first live update must not confirm anything")
	}
	if got := s.Apply(k(0, 100.5, false)); got != nil {
		t.Fatal("same-open-time update must not confirm anything")
	}

	live := s.Live("BTCUSDT", "15")
	if live == nil || live.Close != 100.5 {
		t.Errorf("live close = %+v, want 100.5", live)
	}
	if s.Len("BTCUSDT", "15") != 0 {
		t.Error("no confirmed candles expected yet")
	}
}

func TestApplyConfirmFlagClosesCandle(t *testing.T) {
	s := NewStore(100, zerolog.Nop())

	s.Apply(k(0, 100, false))
	confirmed := s.Apply(k(0, 100.7, true))
	if confirmed == nil {
		t.Fatal("confirm flag must close the live candle")
	}
	if confirmed.Close != 100.7 || !confirmed.Confirmed {
		t.Errorf("confirmed = %+v, want close 100.7 flagged confirmed", confirmed)
	}
	if s.Len("BTCUSDT", "15") != 1 {
		t.Errorf("len = %d, want 1", s.Len("BTCUSDT", "15"))
	}
	if s.Live("BTCUSDT", "15") != nil {
		t.Error("live candle must be gone after confirm")
	}
}

func TestApplyNewOpenTimeClosesPrevious(t *testing.T) {
	s := NewStore(100, zerolog.Nop())

	s.Apply(k(0, 100, false))
	confirmed := s.Apply(k(1, 101, false))
	if confirmed == nil || confirmed.OpenTime != 0 {
		t.Fatalf("confirmed = %+v, want the open-time-0 candle", confirmed)
	}
	live := s.Live("BTCUSDT", "15")
	if live == nil || live.OpenTime != 1 {
		t.Errorf("live = %+v, want the open-time-1 candle", live)
	}
}

func TestApplyDropsStaleUpdates(t *testing.T) {
	s := NewStore(100, zerolog.Nop())

	s.Apply(k(5, 100, false))
	if got := s.Apply(k(3, 99, false)); got != nil {
		t.Error("stale update must be dropped")
	}
	if s.Len("BTCUSDT", "15") != 0 {
		t.Error("stale update must not confirm anything")
	}
}

func TestTrimKeepsNewest(t *testing.T) {
	s := NewStore(3, zerolog.Nop())
	for i := int64(0); i < 6; i++ {
		s.Apply(k(i, float64(100+i), true))
	}

	seq := s.Confirmed("BTCUSDT", "15")
	if len(seq) != 3 {
		t.Fatalf("len = %d, want cap 3", len(seq))
	}
	if seq[0].OpenTime != 3 || seq[2].OpenTime != 5 {
		t.Errorf("kept range = [%d..%d], want [3..5]", seq[0].OpenTime, seq[2].OpenTime)
	}
}

func TestConfirmedReturnsCopy(t *testing.T) {
	s := NewStore(100, zerolog.Nop())
	s.Apply(k(0, 100, true))

	seq := s.Confirmed("BTCUSDT", "15")
	seq[0].Close = -1
	if close, _ := s.LastClose("BTCUSDT", "15"); close != 100 {
		t.Error("mutating the returned slice must not touch the store")
	}
}
