// Package trade implements the contract pipeline: intent admission,
// sizing, atomic placement with protection, lifecycle bookkeeping and
// startup reconciliation.
package trade

import (
	"time"

	"bybit-trading-agent/internal/bybit"
	"bybit-trading-agent/internal/risk"
	"bybit-trading-agent/internal/strategy"
)

// Action is the parsed command tag.
type Action string

const (
	ActionEnterLong    Action = "ENTER_LONG"
	ActionEnterShort   Action = "ENTER_SHORT"
	ActionClose        Action = "CLOSE"
	ActionClosePartial Action = "CLOSE_PARTIAL"
	ActionCancelOrder  Action = "CANCEL_ORDER"
	ActionMoveSL       Action = "MOVE_SL"
	ActionSetTP        Action = "SET_TP"
	ActionSetTrail     Action = "SET_TRAIL"
	ActionPause        Action = "PAUSE"
	ActionResume       Action = "RESUME"
	ActionWatchCreate  Action = "WATCH_CREATE"
	ActionWatchCancel  Action = "WATCH_CANCEL"
	ActionOpinion      Action = "OPINION"
	ActionInfo         Action = "INFO"
	ActionUnlock       Action = "UNLOCK"
	ActionUnknown      Action = "UNKNOWN"
)

// TPRule names how the take profit is derived.
type TPRule string

const (
	TPRuleNone      TPRule = "NONE"
	TPRuleRR        TPRule = "RR"
	TPRulePrice     TPRule = "PRICE"
	TPRuleStructure TPRule = "STRUCTURE"
)

// Intent is one parsed user command.
type Intent struct {
	Action Action `json:"action"`
	Symbol string `json:"symbol,omitempty"`

	RiskPct    float64 `json:"risk_pct,omitempty"`
	RiskUSD    float64 `json:"risk_usd,omitempty"` // overrides RiskPct when set
	Leverage   int     `json:"leverage,omitempty"`
	LimitPrice float64 `json:"limit_price,omitempty"`

	SLRule  risk.SLRule `json:"sl_rule,omitempty"`
	SLPrice float64     `json:"sl_price,omitempty"`

	TPRule  TPRule  `json:"tp_rule,omitempty"`
	TPPrice float64 `json:"tp_price,omitempty"`
	TPRatio float64 `json:"tp_ratio,omitempty"` // reward-to-risk multiple

	TrailMode risk.TrailMode `json:"trail_mode,omitempty"`

	ClosePct float64 `json:"close_pct,omitempty"` // CLOSE_PARTIAL

	WatchID string `json:"watch_id,omitempty"`

	// Raw is the original command text, kept for the audit trail.
	Raw string `json:"raw,omitempty"`
}

// RejectCode identifies the rule that refused an intent.
type RejectCode string

const (
	RejectPaused         RejectCode = "PAUSED"
	RejectCircuitBreaker RejectCode = "CIRCUIT_BREAKER"
	RejectStateLock      RejectCode = "STATE_LOCK"
	RejectStrategy       RejectCode = "STRATEGY_DISALLOW"
	RejectInPosition     RejectCode = "IN_POSITION"
	RejectInvalidIntent  RejectCode = "INVALID_INTENT"
	RejectBalance        RejectCode = "INSUFFICIENT_BALANCE"
	RejectSizeBelowMin   RejectCode = "SIZE_BELOW_MIN"
	RejectBusy           RejectCode = "BUSY"
	RejectExchange       RejectCode = "EXCHANGE_ERROR"
)

// Rejection is the structured answer to a refused intent. The snapshot
// shows the operator why the gate fired; presentation is the UI's job.
type Rejection struct {
	Code       RejectCode         `json:"code"`
	Message    string             `json:"message"`
	Suggestion string             `json:"suggestion,omitempty"`
	Snapshot   *strategy.Snapshot `json:"snapshot,omitempty"`
}

func (r *Rejection) Error() string { return string(r.Code) + ": " + r.Message }

// ContractStatus is the contract lifecycle phase.
type ContractStatus string

const (
	ContractPending  ContractStatus = "PENDING"
	ContractExecuted ContractStatus = "EXECUTED"
	ContractRejected ContractStatus = "REJECTED"
)

// ExitReason classifies why a trade closed.
type ExitReason string

const (
	ExitStopLoss       ExitReason = "STOP_LOSS"
	ExitTakeProfit     ExitReason = "TAKE_PROFIT"
	ExitLiquidation    ExitReason = "LIQUIDATION"
	ExitManual         ExitReason = "MANUAL"
	ExitUnknown        ExitReason = "UNKNOWN"
	ExitUnknownRestart ExitReason = "UNKNOWN_RESTART"
)

// EntryBlock fixes the entry terms of a contract.
type EntryBlock struct {
	Type             bybit.OrderType `json:"type"`
	RiskPct          float64         `json:"risk_pct"`
	RiskUSD          float64         `json:"risk_usd"`
	RequestedLev     int             `json:"requested_leverage"`
	AppliedLev       int             `json:"applied_leverage"`
	LimitPrice       float64         `json:"limit_price,omitempty"`
	Qty              float64         `json:"qty"`
	ReferenceMark    float64         `json:"reference_mark"` // mark used for sizing
	AvgFillPrice     float64         `json:"avg_fill_price,omitempty"`
}

// SLBlock fixes the stop terms.
type SLBlock struct {
	Rule      risk.SLRule `json:"rule"`
	Strategic float64     `json:"strategic,omitempty"`
	Emergency float64     `json:"emergency,omitempty"`
	BufferPct float64     `json:"buffer_pct,omitempty"`
}

// TPBlock fixes the take-profit terms.
type TPBlock struct {
	Rule  TPRule  `json:"rule"`
	Price float64 `json:"price,omitempty"`
	Ratio float64 `json:"ratio,omitempty"`
}

// TrailBlock fixes the trailing terms.
type TrailBlock struct {
	Mode   risk.TrailMode `json:"mode"`
	Active bool           `json:"active"`
}

// Invalidation flags which signals may void the thesis mid-trade.
type Invalidation struct {
	OnBiasFlip       bool `json:"on_bias_flip"`
	OnStructureBreak bool `json:"on_structure_break"`
	OnSupertrendFlip bool `json:"on_supertrend_flip"`
}

// Reasons carries the audit context the contract was built under.
type Reasons struct {
	UserTags []string          `json:"user_tags,omitempty"`
	Note     string            `json:"note,omitempty"`
	Snapshot strategy.Snapshot `json:"snapshot"`
}

// Contract is immutable once built. Only Status, fill fields and the
// close record change afterwards, and only through the executor.
type Contract struct {
	ID        string       `json:"id"`
	Symbol    string       `json:"symbol"`
	Side      bybit.Side   `json:"side"`
	Timeframe string       `json:"timeframe"`
	Tag       strategy.Tag `json:"tag,omitempty"`

	Entry        EntryBlock   `json:"entry"`
	SL           SLBlock      `json:"sl"`
	TP           TPBlock      `json:"tp"`
	Trail        TrailBlock   `json:"trail"`
	Invalidation Invalidation `json:"invalidation"`
	// LockSameDirection re-locks the entry side after a stop-out.
	LockSameDirection bool    `json:"lock_same_direction"`
	Reasons           Reasons `json:"reasons"`

	Status      ContractStatus `json:"status"`
	EntryLinkID string         `json:"entry_link_id,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	ExecutedAt  time.Time      `json:"executed_at,omitempty"`
	ClosedAt    time.Time      `json:"closed_at,omitempty"`
	ExitReason  ExitReason     `json:"exit_reason,omitempty"`
	RealizedPnL float64        `json:"realized_pnl,omitempty"`
}
