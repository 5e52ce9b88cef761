package state

import (
	"testing"

	"github.com/rs/zerolog"

	"bybit-trading-agent/internal/bybit"
	"bybit-trading-agent/internal/events"
)

func newTestMachine() *Machine {
	return NewMachine(events.NewBus(), zerolog.Nop())
}

func TestUnknownSymbolIsFlat(t *testing.T) {
	m := newTestMachine()

	if st := m.Snapshot("BTCUSDT"); st.State != StateFlat {
		t.Errorf("unknown symbol state = %v, want FLAT", st.State)
	}
	if ok, reason, _ := m.CanEnter("BTCUSDT", bybit.SideBuy); !ok || reason != DenyNone {
		t.Errorf("unknown symbol must admit entries, got deny %v", reason)
	}
}

func TestEnterAndExitClean(t *testing.T) {
	m := newTestMachine()

	if err := m.EnterPosition("BTCUSDT", bybit.SideBuy); err != nil {
		t.Fatal(err)
	}
	if st := m.Snapshot("BTCUSDT"); st.State != StateInLong || st.Side != bybit.SideBuy {
		t.Fatalf("state after entry = %+v", st)
	}

	if ok, reason, _ := m.CanEnter("BTCUSDT", bybit.SideBuy); ok || reason != DenyInPosition {
		t.Error("in-position symbol must deny entries with IN_POSITION")
	}

	m.StartExiting("BTCUSDT")
	if ok, reason, _ := m.CanEnter("BTCUSDT", bybit.SideSell); ok || reason != DenyExiting {
		t.Error("exiting symbol must deny entries with EXITING")
	}

	m.ExitClean("BTCUSDT")
	if st := m.Snapshot("BTCUSDT"); st.State != StateFlat {
		t.Errorf("state after clean exit = %v, want FLAT", st.State)
	}
}

func TestDoubleEntryRefused(t *testing.T) {
	m := newTestMachine()

	if err := m.EnterPosition("BTCUSDT", bybit.SideBuy); err != nil {
		t.Fatal(err)
	}
	if err := m.EnterPosition("BTCUSDT", bybit.SideSell); err == nil {
		t.Error("second entry while in position must error")
	}
}

func TestStopOutLocksStoppedSideOnly(t *testing.T) {
	m := newTestMachine()

	m.EnterPosition("BTCUSDT", bybit.SideBuy)
	m.StartExiting("BTCUSDT")
	m.ExitStopped("BTCUSDT", bybit.SideBuy)

	if st := m.Snapshot("BTCUSDT"); st.State != StateLockLong {
		t.Fatalf("state after long stop-out = %v, want LOCK_LONG", st.State)
	}

	if ok, reason, _ := m.CanEnter("BTCUSDT", bybit.SideBuy); ok || reason != DenyLocked {
		t.Error("LOCK_LONG must deny long entries")
	}
	if ok, _, _ := m.CanEnter("BTCUSDT", bybit.SideSell); !ok {
		t.Error("LOCK_LONG must admit short entries")
	}

	// Entering the opposite side straight out of the lock is legal.
	if err := m.EnterPosition("BTCUSDT", bybit.SideSell); err != nil {
		t.Errorf("short entry from LOCK_LONG: %v", err)
	}
	// And the same side is not.
	m2 := newTestMachine()
	m2.ExitStopped("ETHUSDT", bybit.SideBuy)
	if err := m2.EnterPosition("ETHUSDT", bybit.SideBuy); err == nil {
		t.Error("long entry from LOCK_LONG must error")
	}
}

func TestClearLockNeedsOppositeSignal(t *testing.T) {
	m := newTestMachine()
	m.ExitStopped("BTCUSDT", bybit.SideBuy)

	// A fresh LONG signal is the same direction; the lock holds.
	if m.ClearLock("BTCUSDT", bybit.SideBuy) {
		t.Error("same-direction signal must not clear LOCK_LONG")
	}
	if st := m.Snapshot("BTCUSDT"); st.State != StateLockLong {
		t.Fatalf("state = %v, want LOCK_LONG intact", st.State)
	}

	// A SHORT signal clears it.
	if !m.ClearLock("BTCUSDT", bybit.SideSell) {
		t.Error("opposite signal must clear LOCK_LONG")
	}
	if st := m.Snapshot("BTCUSDT"); st.State != StateFlat {
		t.Errorf("state after clear = %v, want FLAT", st.State)
	}
}

func TestClearLockShortSide(t *testing.T) {
	m := newTestMachine()
	m.ExitStopped("BTCUSDT", bybit.SideSell)

	if m.ClearLock("BTCUSDT", bybit.SideSell) {
		t.Error("same-direction signal must not clear LOCK_SHORT")
	}
	if !m.ClearLock("BTCUSDT", bybit.SideBuy) {
		t.Error("opposite signal must clear LOCK_SHORT")
	}
}

func TestForceUnlock(t *testing.T) {
	m := newTestMachine()
	m.ExitStopped("BTCUSDT", bybit.SideBuy)

	m.ForceUnlock("BTCUSDT")
	if st := m.Snapshot("BTCUSDT"); st.State != StateFlat {
		t.Errorf("state after force unlock = %v, want FLAT", st.State)
	}
}

func TestPauseGatesEverySymbol(t *testing.T) {
	m := newTestMachine()
	m.Pause()

	if ok, reason, _ := m.CanEnter("BTCUSDT", bybit.SideBuy); ok || reason != DenyPaused {
		t.Error("paused machine must deny entries with PAUSED")
	}
	if !m.Paused() {
		t.Error("Paused() must report true")
	}

	m.Resume()
	if ok, _, _ := m.CanEnter("BTCUSDT", bybit.SideBuy); !ok {
		t.Error("resume must re-admit entries")
	}
}

func TestAbortExitRestoresPosition(t *testing.T) {
	m := newTestMachine()
	m.EnterPosition("BTCUSDT", bybit.SideSell)
	m.StartExiting("BTCUSDT")

	m.AbortExit("BTCUSDT")
	if st := m.Snapshot("BTCUSDT"); st.State != StateInShort {
		t.Errorf("state after aborted exit = %v, want IN_SHORT", st.State)
	}

	// No-op outside EXITING.
	m.ExitClean("BTCUSDT")
	m.AbortExit("BTCUSDT")
	if st := m.Snapshot("BTCUSDT"); st.State != StateFlat {
		t.Errorf("AbortExit from FLAT changed state to %v", st.State)
	}
}

func TestStartExitingOnlyFromInPosition(t *testing.T) {
	m := newTestMachine()

	// No-op from FLAT; totality, not a panic.
	m.StartExiting("BTCUSDT")
	if st := m.Snapshot("BTCUSDT"); st.State != StateFlat {
		t.Errorf("StartExiting from FLAT changed state to %v", st.State)
	}
}
