// Package circuit implements the daily drawdown circuit breaker: a
// rolling 24-hour loss window that locks out new entries when the
// account draws down past the configured threshold.
package circuit

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bybit-trading-agent/internal/events"
)

// Config holds the breaker settings.
type Config struct {
	Enabled      bool    `json:"enabled"`
	ThresholdPct float64 `json:"threshold_pct"` // daily loss % that trips the breaker
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{Enabled: true, ThresholdPct: 50.0}
}

// State is the readable breaker snapshot.
type State struct {
	Enabled           bool      `json:"enabled"`
	DailyStartBalance float64   `json:"daily_start_balance"`
	DailyStartTime    time.Time `json:"daily_start_time"`
	TotalLossToday    float64   `json:"total_loss_today"`
	LossPct           float64   `json:"loss_pct"`
	ThresholdPct      float64   `json:"threshold_pct"`
	Tripped           bool      `json:"tripped"`
	TrippedAt         time.Time `json:"tripped_at,omitempty"`
	UnlockAt          time.Time `json:"unlock_at,omitempty"`
	TripReason        string    `json:"trip_reason,omitempty"`
	ManualOverride    bool      `json:"manual_override"`
}

// BalanceFunc supplies the current account equity when the daily window
// rolls over.
type BalanceFunc func() float64

// Breaker tracks realized losses over a rolling 24-hour window and
// gates entries once the drawdown threshold is hit. The PnL recorder is
// the only writer.
type Breaker struct {
	mu    sync.Mutex
	cfg   Config
	state State

	balanceFn BalanceFunc
	bus       *events.Bus
	logger    zerolog.Logger
	now       func() time.Time // swapped in tests
}

// NewBreaker creates a circuit breaker. balanceFn seeds the window start
// balance at construction and on every 24-hour rollover; if it reports
// zero at construction the seed is retried on the next recorded PnL or
// admission check.
func NewBreaker(cfg Config, balanceFn BalanceFunc, bus *events.Bus, logger zerolog.Logger) *Breaker {
	b := &Breaker{
		cfg:       cfg,
		balanceFn: balanceFn,
		bus:       bus,
		logger:    logger.With().Str("component", "CircuitBreaker").Logger(),
		now:       time.Now,
	}
	b.state = State{
		Enabled:           cfg.Enabled,
		ThresholdPct:      cfg.ThresholdPct,
		DailyStartBalance: balanceFn(),
		DailyStartTime:    b.now().UTC(),
	}
	return b
}

// RecordPnL folds one realized PnL figure (USD) into the daily window.
// Only losses accumulate; profits never shrink the recorded loss.
func (b *Breaker) RecordPnL(pnl float64) {
	if math.IsNaN(pnl) || math.IsInf(pnl, 0) {
		return
	}

	b.mu.Lock()
	b.rollWindowLocked()

	if pnl < 0 {
		b.state.TotalLossToday += -pnl
	}
	if b.state.DailyStartBalance > 0 {
		b.state.LossPct = b.state.TotalLossToday / b.state.DailyStartBalance * 100
	}

	tripped := false
	if b.cfg.Enabled && !b.state.Tripped && b.state.LossPct >= b.cfg.ThresholdPct {
		now := b.now().UTC()
		b.state.Tripped = true
		b.state.TrippedAt = now
		b.state.UnlockAt = now.Add(24 * time.Hour)
		b.state.TripReason = fmt.Sprintf("daily loss %.1f%% reached threshold %.1f%%",
			b.state.LossPct, b.cfg.ThresholdPct)
		tripped = true
	}
	snapshot := b.state
	b.mu.Unlock()

	if tripped {
		b.logger.Error().
			Float64("loss_pct", snapshot.LossPct).
			Time("unlock_at", snapshot.UnlockAt).
			Msg("Circuit breaker tripped")
		b.bus.Emit(events.EventBreakerTripped, "", "", snapshot.TripReason, map[string]interface{}{
			"loss_pct":  snapshot.LossPct,
			"unlock_at": snapshot.UnlockAt,
		})
	}
}

// CanTrade reports whether entries are allowed. A tripped breaker
// self-resets once the unlock time passes; manual override bypasses it.
func (b *Breaker) CanTrade() (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.cfg.Enabled {
		return true, ""
	}
	b.rollWindowLocked()

	if !b.state.Tripped {
		return true, ""
	}
	if b.state.ManualOverride {
		return true, ""
	}
	if b.now().UTC().After(b.state.UnlockAt) || b.now().UTC().Equal(b.state.UnlockAt) {
		b.resetLocked()
		return true, ""
	}
	return false, fmt.Sprintf("circuit breaker tripped (%s); unlocks at %s",
		b.state.TripReason, b.state.UnlockAt.Format(time.RFC3339))
}

// Override sets the manual override flag without clearing the trip.
func (b *Breaker) Override() {
	b.mu.Lock()
	b.state.ManualOverride = true
	b.mu.Unlock()

	b.logger.Warn().Msg("Circuit breaker manually overridden")
	b.bus.Emit(events.EventBreakerOverride, "", "", "circuit breaker override enabled", nil)
}

// Reset clears the trip, the loss window and the override, restarting
// the window from the current equity.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.resetLocked()
	b.state.ManualOverride = false
	b.mu.Unlock()

	b.logger.Info().Msg("Circuit breaker reset")
	b.bus.Emit(events.EventBreakerReset, "", "", "circuit breaker reset", nil)
}

// Snapshot returns a copy of the breaker state.
func (b *Breaker) Snapshot() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollWindowLocked()
	return b.state
}

// rollWindowLocked restarts the daily window once 24h have elapsed.
// Caller holds mu. A zero start balance means the equity feed had not
// delivered by construction time; re-seed it as soon as equity exists,
// otherwise LossPct stays 0 and the breaker can never trip.
func (b *Breaker) rollWindowLocked() {
	if b.state.DailyStartBalance <= 0 {
		b.state.DailyStartBalance = b.balanceFn()
	}
	if b.now().UTC().Sub(b.state.DailyStartTime) < 24*time.Hour {
		return
	}
	b.state.DailyStartBalance = b.balanceFn()
	b.state.DailyStartTime = b.now().UTC()
	b.state.TotalLossToday = 0
	b.state.LossPct = 0
}

// resetLocked clears the trip and restarts the window. Caller holds mu.
func (b *Breaker) resetLocked() {
	b.state.Tripped = false
	b.state.TrippedAt = time.Time{}
	b.state.UnlockAt = time.Time{}
	b.state.TripReason = ""
	b.state.TotalLossToday = 0
	b.state.LossPct = 0
	b.state.DailyStartBalance = b.balanceFn()
	b.state.DailyStartTime = b.now().UTC()
}
