package strategy

import (
	"time"

	"bybit-trading-agent/internal/indicators"
)

// Bias is the net directional stance the engine endorses.
type Bias string

const (
	BiasLong    Bias = "LONG"
	BiasShort   Bias = "SHORT"
	BiasNeutral Bias = "NEUTRAL"
)

// TrendLabel is a coarse trend classification for display and watches.
type TrendLabel string

const (
	TrendUp      TrendLabel = "UPTREND"
	TrendDown    TrendLabel = "DOWNTREND"
	TrendRanging TrendLabel = "RANGING"
)

// Tag names which gate configuration admitted the setup. Informational
// only: the hard gate, not the tag, decides admissibility.
type Tag string

const (
	// TagS101 is the conservative setup: Supertrend plus both moving
	// averages aligned with the direction.
	TagS101 Tag = "S101"
	// TagS102 is the trend-filter setup: Supertrend plus one aligned MA.
	TagS102 Tag = "S102"
	// TagS103 is the aggressive setup: Supertrend alone.
	TagS103 Tag = "S103"
	// TagNone means no entry is admissible.
	TagNone Tag = ""
)

// Distances are signed percentage distances from price to each key
// level: positive when price is above the level.
type Distances struct {
	SMA200        float64 `json:"sma200"`
	EMA1000       float64 `json:"ema1000"`
	Supertrend    float64 `json:"supertrend"`
	ProtectedHigh float64 `json:"protected_high,omitempty"`
	ProtectedLow  float64 `json:"protected_low,omitempty"`
}

// Snapshot is the full indicator readout for one confirmed close.
type Snapshot struct {
	Symbol     string               `json:"symbol"`
	Timeframe  string               `json:"timeframe"`
	Price      float64              `json:"price"`
	CloseTime  int64                `json:"close_time"` // epoch ms

	SupertrendDir   indicators.Direction `json:"supertrend_dir"`
	SupertrendValue float64              `json:"supertrend_value"`
	SMA200          float64              `json:"sma200"`
	EMA1000         float64              `json:"ema1000"`
	AboveSMA200     bool                 `json:"above_sma200"`
	AboveEMA1000    bool                 `json:"above_ema1000"`

	StructureBias indicators.StructureBias    `json:"structure_bias"`
	Trend         TrendLabel                  `json:"trend"`
	LastBOS       *indicators.StructureEvent  `json:"last_bos,omitempty"`
	LastCHoCH     *indicators.StructureEvent  `json:"last_choch,omitempty"`
	ProtectedHigh *indicators.SwingPoint      `json:"protected_high,omitempty"`
	ProtectedLow  *indicators.SwingPoint      `json:"protected_low,omitempty"`

	Distances Distances `json:"distances"`
}

// State is the per-symbol strategy verdict derived from the latest
// Snapshot. It is recomputed wholesale; nothing here is authoritative.
type State struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	UpdatedAt time.Time `json:"updated_at"`

	Bias            Bias `json:"bias"`
	AllowLongEntry  bool `json:"allow_long_entry"`
	AllowShortEntry bool `json:"allow_short_entry"`
	Tag             Tag  `json:"tag"`

	RiskWarning    bool   `json:"risk_warning"`
	RiskWarningMsg string `json:"risk_warning_msg,omitempty"`

	Warmup   bool     `json:"warmup"` // true while the buffer is too short
	Snapshot Snapshot `json:"snapshot"`
}
