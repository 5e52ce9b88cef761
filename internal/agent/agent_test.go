package agent

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"bybit-trading-agent/internal/bybit"
	"bybit-trading-agent/internal/events"
	"bybit-trading-agent/internal/positions"
	"bybit-trading-agent/internal/state"
)

// flatExchange answers the degraded-mode REST polls with no positions.
type flatExchange struct {
	bybit.Exchange
}

func (*flatExchange) GetAllPositions(context.Context) ([]bybit.Position, error) {
	return nil, nil
}

func testAgent(t *testing.T) (*Agent, context.CancelFunc) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	bus := events.NewBus()
	a := &Agent{
		logger:     zerolog.Nop(),
		bus:        bus,
		machine:    state.NewMachine(bus, zerolog.Nop()),
		tracker:    positions.NewTracker(bus, zerolog.Nop()),
		exchange:   &flatExchange{},
		evaluators: make(map[string]chan bybit.Kline),
		runCtx:     ctx,
	}
	return a, cancel
}

func TestDegradedPollerStopsOnShutdown(t *testing.T) {
	a, cancel := testAgent(t)

	a.enterDegraded()
	if !a.machine.Paused() {
		t.Fatal("degraded mode must pause trading")
	}

	// The feed never recovers; shutdown must still drain the poller.
	cancel()

	done := make(chan struct{})
	go func() { a.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("degraded poller kept running after shutdown")
	}
}

func TestOperatorPauseSurvivesFeedLoss(t *testing.T) {
	a, cancel := testAgent(t)
	defer func() { cancel(); a.wg.Wait() }()

	a.Pause()
	a.enterDegraded()
	a.leaveDegraded()

	if !a.machine.Paused() {
		t.Error("an operator pause set before the feed loss must hold through recovery")
	}
}

func TestFeedRecoveryResumesUnpausedAgent(t *testing.T) {
	a, cancel := testAgent(t)
	defer func() { cancel(); a.wg.Wait() }()

	a.enterDegraded()
	if !a.machine.Paused() {
		t.Fatal("degraded mode must pause trading")
	}
	a.leaveDegraded()

	if a.machine.Paused() {
		t.Error("recovery must resume an agent the operator never paused")
	}
}
