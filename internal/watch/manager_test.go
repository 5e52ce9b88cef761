package watch

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"bybit-trading-agent/internal/bybit"
	"bybit-trading-agent/internal/events"
	"bybit-trading-agent/internal/strategy"
	"bybit-trading-agent/internal/trade"
)

func snapshotAt(price float64) strategy.State {
	return strategy.State{
		Symbol: "BTCUSDT",
		Snapshot: strategy.Snapshot{
			Symbol:          "BTCUSDT",
			Price:           price,
			SMA200:          95,
			EMA1000:         90,
			SupertrendValue: 97,
		},
	}
}

func TestPriceAboveTriggersExactlyOnce(t *testing.T) {
	m := NewManager(events.NewBus(), zerolog.Nop())
	var entered []trade.Intent
	m.OnAutoEnter(func(_ context.Context, intent trade.Intent) {
		entered = append(entered, intent)
	})

	rule := m.Create(Rule{
		Symbol:      "BTCUSDT",
		Side:        bybit.SideBuy,
		Trigger:     TriggerPriceAbove,
		TargetPrice: 100,
		Mode:        ModeAutoEnter,
		ExpiresAt:   time.Now().UTC().Add(time.Hour),
		Preset:      Preset{RiskPct: 0.5},
	})

	m.OnStateUpdate(context.Background(), snapshotAt(99))
	if len(entered) != 0 {
		t.Fatal("below target must not trigger")
	}

	m.OnStateUpdate(context.Background(), snapshotAt(101))
	if len(entered) != 1 {
		t.Fatalf("entries = %d, want exactly 1", len(entered))
	}
	if entered[0].Action != trade.ActionEnterLong || entered[0].RiskPct != 0.5 {
		t.Errorf("intent = %+v, want ENTER_LONG with the preset risk", entered[0])
	}

	// Still above on the next close: the rule already fired, stays quiet.
	m.OnStateUpdate(context.Background(), snapshotAt(105))
	if len(entered) != 1 {
		t.Errorf("entries = %d after repeat, want still 1", len(entered))
	}

	got, _ := m.Get(rule.ID)
	if got.Status != StatusTriggered || got.TriggeredAt.IsZero() {
		t.Errorf("rule = %+v, want TRIGGERED with a timestamp", got)
	}
}

func TestCloserToLevelThreshold(t *testing.T) {
	m := NewManager(events.NewBus(), zerolog.Nop())
	rule := m.Create(Rule{
		Symbol:       "BTCUSDT",
		Side:         bybit.SideBuy,
		Trigger:      TriggerCloserToSMA200,
		ThresholdPct: 2,
		Mode:         ModeNotifyOnly,
		ExpiresAt:    time.Now().UTC().Add(time.Hour),
	})

	// |100-95|/100 = 5% > 2%.
	m.OnStateUpdate(context.Background(), snapshotAt(100))
	if got, _ := m.Get(rule.ID); got.Status != StatusActive {
		t.Fatal("5% away must not trigger a 2% rule")
	}

	// |96.5-95|/96.5 ≈ 1.55% <= 2%.
	m.OnStateUpdate(context.Background(), snapshotAt(96.5))
	if got, _ := m.Get(rule.ID); got.Status != StatusTriggered {
		t.Error("within threshold must trigger")
	}
}

func TestNotifyOnlyNeverEnters(t *testing.T) {
	m := NewManager(events.NewBus(), zerolog.Nop())
	var entered int
	m.OnAutoEnter(func(context.Context, trade.Intent) { entered++ })

	m.Create(Rule{
		Symbol:      "BTCUSDT",
		Trigger:     TriggerPriceBelow,
		TargetPrice: 100,
		Mode:        ModeNotifyOnly,
		ExpiresAt:   time.Now().UTC().Add(time.Hour),
	})
	m.OnStateUpdate(context.Background(), snapshotAt(99))

	if entered != 0 {
		t.Error("NOTIFY_ONLY must never dispatch an entry")
	}
}

func TestExpiredRuleNeverTriggers(t *testing.T) {
	m := NewManager(events.NewBus(), zerolog.Nop())
	rule := m.Create(Rule{
		Symbol:      "BTCUSDT",
		Trigger:     TriggerPriceAbove,
		TargetPrice: 100,
		Mode:        ModeNotifyOnly,
		ExpiresAt:   time.Now().UTC().Add(-time.Minute),
	})

	// The condition holds, but expiry wins.
	m.OnStateUpdate(context.Background(), snapshotAt(101))
	if got, _ := m.Get(rule.ID); got.Status != StatusExpired {
		t.Errorf("status = %v, want EXPIRED", got.Status)
	}
}

func TestRestoreKeepsIdentityAndTimestamps(t *testing.T) {
	m := NewManager(events.NewBus(), zerolog.Nop())
	created := time.Now().UTC().Add(-2 * time.Hour)
	m.Restore(Rule{
		ID:          "w1",
		Symbol:      "BTCUSDT",
		Trigger:     TriggerPriceAbove,
		TargetPrice: 100,
		Mode:        ModeNotifyOnly,
		Status:      StatusActive,
		CreatedAt:   created,
		ExpiresAt:   time.Now().UTC().Add(time.Hour),
	})

	got, ok := m.Get("w1")
	if !ok {
		t.Fatal("restored rule must be retrievable by its stored id")
	}
	if got.Status != StatusActive || !got.CreatedAt.Equal(created) {
		t.Errorf("rule = %+v, want ACTIVE with the stored CreatedAt", got)
	}
}

func TestRestoreExpiresOverdueRule(t *testing.T) {
	m := NewManager(events.NewBus(), zerolog.Nop())
	var entered int
	m.OnAutoEnter(func(context.Context, trade.Intent) { entered++ })

	// Expired during the downtime: restore must not bring it back live.
	m.Restore(Rule{
		ID:          "w2",
		Symbol:      "BTCUSDT",
		Side:        bybit.SideBuy,
		Trigger:     TriggerPriceAbove,
		TargetPrice: 100,
		Mode:        ModeAutoEnter,
		Status:      StatusActive,
		CreatedAt:   time.Now().UTC().Add(-48 * time.Hour),
		ExpiresAt:   time.Now().UTC().Add(-time.Minute),
	})

	if got, _ := m.Get("w2"); got.Status != StatusExpired {
		t.Fatalf("status = %v, want EXPIRED on restore", got.Status)
	}
	m.OnStateUpdate(context.Background(), snapshotAt(101))
	if entered != 0 {
		t.Error("a rule expired during downtime must never fire")
	}
}

func TestSweepExpiresIdleSymbols(t *testing.T) {
	m := NewManager(events.NewBus(), zerolog.Nop())
	rule := m.Create(Rule{
		Symbol:      "QUIETUSDT",
		Trigger:     TriggerPriceAbove,
		TargetPrice: 100,
		Mode:        ModeNotifyOnly,
		ExpiresAt:   time.Now().UTC().Add(-time.Minute),
	})

	m.Sweep()
	if got, _ := m.Get(rule.ID); got.Status != StatusExpired {
		t.Errorf("status = %v, want EXPIRED after sweep", got.Status)
	}
}

func TestCancel(t *testing.T) {
	m := NewManager(events.NewBus(), zerolog.Nop())
	rule := m.Create(Rule{
		Symbol:      "BTCUSDT",
		Trigger:     TriggerPriceAbove,
		TargetPrice: 100,
		Mode:        ModeNotifyOnly,
		ExpiresAt:   time.Now().UTC().Add(time.Hour),
	})

	if !m.Cancel(rule.ID) {
		t.Fatal("cancelling an active rule must succeed")
	}
	if m.Cancel(rule.ID) {
		t.Error("cancelling twice must fail")
	}
	if m.Cancel("no-such-id") {
		t.Error("cancelling an unknown id must fail")
	}

	// A cancelled rule never fires.
	m.OnStateUpdate(context.Background(), snapshotAt(101))
	if got, _ := m.Get(rule.ID); got.Status != StatusCancelled {
		t.Errorf("status = %v, want CANCELLED", got.Status)
	}
}

func TestShortRuleSynthesizesShortIntent(t *testing.T) {
	m := NewManager(events.NewBus(), zerolog.Nop())
	var got trade.Intent
	m.OnAutoEnter(func(_ context.Context, intent trade.Intent) { got = intent })

	m.Create(Rule{
		Symbol:      "BTCUSDT",
		Side:        bybit.SideSell,
		Trigger:     TriggerPriceBelow,
		TargetPrice: 100,
		Mode:        ModeAutoEnter,
		ExpiresAt:   time.Now().UTC().Add(time.Hour),
	})
	m.OnStateUpdate(context.Background(), snapshotAt(99))

	if got.Action != trade.ActionEnterShort {
		t.Errorf("action = %v, want ENTER_SHORT", got.Action)
	}
}

func TestDistance(t *testing.T) {
	snap := snapshotAt(100).Snapshot

	if d, ok := Distance(snap, TriggerCloserToSMA200); !ok || math.Abs(d-5) > 1e-9 {
		t.Errorf("distance to SMA200 = %v/%v, want 5", d, ok)
	}
	if _, ok := Distance(snap, TriggerPriceAbove); ok {
		t.Error("PRICE_ABOVE is not a distance type")
	}
	if _, ok := Distance(strategy.Snapshot{}, TriggerCloserToSMA200); ok {
		t.Error("zero levels must report not-ok")
	}
}
