// Package watch implements user-created price triggers: proximity to a
// key level or a plain price threshold, with optional auto-entry.
package watch

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"bybit-trading-agent/internal/bybit"
	"bybit-trading-agent/internal/events"
	"bybit-trading-agent/internal/metrics"
	"bybit-trading-agent/internal/risk"
	"bybit-trading-agent/internal/strategy"
	"bybit-trading-agent/internal/trade"
)

// TriggerType selects what a rule measures.
type TriggerType string

const (
	TriggerCloserToSMA200     TriggerType = "CLOSER_TO_SMA200"
	TriggerCloserToEMA1000    TriggerType = "CLOSER_TO_EMA1000"
	TriggerCloserToSupertrend TriggerType = "CLOSER_TO_SUPERTREND"
	TriggerPriceAbove         TriggerType = "PRICE_ABOVE"
	TriggerPriceBelow         TriggerType = "PRICE_BELOW"
)

// Mode selects what happens on trigger.
type Mode string

const (
	ModeNotifyOnly Mode = "NOTIFY_ONLY"
	ModeAutoEnter  Mode = "AUTO_ENTER"
)

// Status is the rule lifecycle state.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusTriggered Status = "TRIGGERED"
	StatusExpired   Status = "EXPIRED"
	StatusCancelled Status = "CANCELLED"
)

// Preset carries the entry parameters an AUTO_ENTER rule applies.
type Preset struct {
	RiskPct   float64        `json:"risk_pct,omitempty"`
	SLRule    risk.SLRule    `json:"sl_rule,omitempty"`
	TrailMode risk.TrailMode `json:"trail_mode,omitempty"`
	Leverage  int            `json:"leverage,omitempty"`
}

// Rule is one watch. A rule triggers at most once in its lifetime.
type Rule struct {
	ID           string      `json:"id"`
	Symbol       string      `json:"symbol"`
	Side         bybit.Side  `json:"side"`
	Trigger      TriggerType `json:"trigger"`
	ThresholdPct float64     `json:"threshold_pct,omitempty"` // CLOSER_TO_* rules
	TargetPrice  float64     `json:"target_price,omitempty"`  // PRICE_* rules
	Mode         Mode        `json:"mode"`
	Preset       Preset      `json:"preset,omitempty"`
	ExpiresAt    time.Time   `json:"expires_at"`
	Status       Status      `json:"status"`
	CreatedAt    time.Time   `json:"created_at"`
	TriggeredAt  time.Time   `json:"triggered_at,omitempty"`
}

// EnterFunc dispatches a synthesized entry intent through the normal
// admission pipeline; the hard gate still applies.
type EnterFunc func(ctx context.Context, intent trade.Intent)

// Manager owns the rule set and evaluates it against every strategy
// state update for a watched symbol.
type Manager struct {
	mu    sync.Mutex
	rules map[string]*Rule

	bus     *events.Bus
	logger  zerolog.Logger
	enterFn EnterFunc
}

// NewManager creates the watch manager.
func NewManager(bus *events.Bus, logger zerolog.Logger) *Manager {
	return &Manager{
		rules:  make(map[string]*Rule),
		bus:    bus,
		logger: logger.With().Str("component", "WatchManager").Logger(),
	}
}

// OnAutoEnter sets the entry dispatch callback.
func (m *Manager) OnAutoEnter(fn EnterFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enterFn = fn
}

// Create registers a new ACTIVE rule and returns it.
func (m *Manager) Create(r Rule) Rule {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.Status = StatusActive
	r.CreatedAt = time.Now().UTC()

	m.mu.Lock()
	cp := r
	m.rules[r.ID] = &cp
	m.mu.Unlock()

	m.bus.Emit(events.EventWatchCreated, r.Symbol, "", "", map[string]interface{}{
		"watch_id": r.ID,
		"trigger":  r.Trigger,
		"mode":     r.Mode,
	})
	return r
}

// Restore re-installs a persisted rule as-is: ID, status and timestamps
// survive the restart. A rule whose expiry passed while the agent was
// down comes back EXPIRED, never live.
func (m *Manager) Restore(r Rule) {
	if r.ID == "" {
		return
	}
	expired := false
	if r.Status == StatusActive && !r.ExpiresAt.IsZero() && !time.Now().UTC().Before(r.ExpiresAt) {
		r.Status = StatusExpired
		expired = true
	}

	m.mu.Lock()
	cp := r
	m.rules[r.ID] = &cp
	m.mu.Unlock()

	if expired {
		m.bus.Emit(events.EventWatchExpired, r.Symbol, "", "expired while agent was down", map[string]interface{}{
			"watch_id": r.ID,
		})
	}
}

// Cancel moves an ACTIVE rule to CANCELLED.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	r, ok := m.rules[id]
	if !ok || r.Status != StatusActive {
		m.mu.Unlock()
		return false
	}
	r.Status = StatusCancelled
	symbol := r.Symbol
	m.mu.Unlock()

	m.bus.Emit(events.EventWatchCancelled, symbol, "", "", map[string]interface{}{"watch_id": id})
	return true
}

// List returns a copy of every rule.
func (m *Manager) List() []Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, *r)
	}
	return out
}

// Get returns one rule by ID.
func (m *Manager) Get(id string) (Rule, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rules[id]; ok {
		return *r, true
	}
	return Rule{}, false
}

// OnStateUpdate evaluates every ACTIVE rule for the symbol against the
// fresh strategy state. Called by the per-symbol evaluator.
func (m *Manager) OnStateUpdate(ctx context.Context, st strategy.State) {
	now := time.Now().UTC()

	// Collect side effects under the lock, run them outside it. The
	// ACTIVE→TRIGGERED flip inside the lock is the exactly-once gate.
	var fired []Rule

	m.mu.Lock()
	enterFn := m.enterFn
	for _, r := range m.rules {
		if r.Status != StatusActive || r.Symbol != st.Symbol {
			continue
		}
		if !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt) {
			r.Status = StatusExpired
			m.bus.Emit(events.EventWatchExpired, r.Symbol, "", "", map[string]interface{}{"watch_id": r.ID})
			continue
		}
		if !triggered(*r, st.Snapshot) {
			continue
		}
		r.Status = StatusTriggered
		r.TriggeredAt = now
		fired = append(fired, *r)
	}
	m.mu.Unlock()

	for _, r := range fired {
		metrics.WatchTriggers.Inc()
		m.logger.Info().
			Str("watch_id", r.ID).
			Str("symbol", r.Symbol).
			Str("trigger", string(r.Trigger)).
			Msg("Watch triggered")
		m.bus.Emit(events.EventWatchTriggered, r.Symbol, "", "", map[string]interface{}{
			"watch_id": r.ID,
			"trigger":  r.Trigger,
			"mode":     r.Mode,
			"price":    st.Snapshot.Price,
		})

		if r.Mode == ModeAutoEnter && enterFn != nil {
			enterFn(ctx, intentFor(r))
		}
	}
}

// Sweep expires overdue rules for symbols with no recent state updates.
func (m *Manager) Sweep() {
	now := time.Now().UTC()
	m.mu.Lock()
	for _, r := range m.rules {
		if r.Status == StatusActive && !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt) {
			r.Status = StatusExpired
			m.bus.Emit(events.EventWatchExpired, r.Symbol, "", "", map[string]interface{}{"watch_id": r.ID})
		}
	}
	m.mu.Unlock()
}

// triggered evaluates one rule against a snapshot.
func triggered(r Rule, snap strategy.Snapshot) bool {
	price := snap.Price
	if price <= 0 {
		return false
	}

	switch r.Trigger {
	case TriggerPriceAbove:
		return price >= r.TargetPrice
	case TriggerPriceBelow:
		return price <= r.TargetPrice
	}

	var level float64
	switch r.Trigger {
	case TriggerCloserToSMA200:
		level = snap.SMA200
	case TriggerCloserToEMA1000:
		level = snap.EMA1000
	case TriggerCloserToSupertrend:
		level = snap.SupertrendValue
	}
	if level <= 0 {
		return false
	}
	return math.Abs(price-level)/price*100 <= r.ThresholdPct
}

// intentFor synthesizes the entry intent an AUTO_ENTER rule dispatches.
func intentFor(r Rule) trade.Intent {
	action := trade.ActionEnterLong
	if r.Side == bybit.SideSell {
		action = trade.ActionEnterShort
	}
	return trade.Intent{
		Action:    action,
		Symbol:    r.Symbol,
		RiskPct:   r.Preset.RiskPct,
		Leverage:  r.Preset.Leverage,
		SLRule:    r.Preset.SLRule,
		TrailMode: r.Preset.TrailMode,
		Raw:       "watch:" + r.ID,
	}
}

// Distance reports the current percent distance to a level type for the
// UI's distance endpoint.
func Distance(snap strategy.Snapshot, trigger TriggerType) (float64, bool) {
	var level float64
	switch trigger {
	case TriggerCloserToSMA200:
		level = snap.SMA200
	case TriggerCloserToEMA1000:
		level = snap.EMA1000
	case TriggerCloserToSupertrend:
		level = snap.SupertrendValue
	default:
		return 0, false
	}
	if level <= 0 || snap.Price <= 0 {
		return 0, false
	}
	return math.Abs(snap.Price-level) / snap.Price * 100, true
}
