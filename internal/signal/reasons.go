package signal

import "hl-regime-bot/internal/regime"

// Reason is a stable machine-readable block code. The vocabulary is a
// contract consumed by offline tooling; never rename a value.
type Reason string

const (
	ReasonQualityGate      Reason = "NO_TRADE_QUALITY_GATE"
	ReasonSymbolNotAllowed Reason = "NO_TRADE_SYMBOL_NOT_ALLOWED"
	ReasonRestartWarmup    Reason = "NO_TRADE_RESTART_WARMUP"
	ReasonStaleData        Reason = "NO_TRADE_STALE_DATA"
	ReasonSpreadMissing    Reason = "NO_TRADE_SPREAD_MISSING"
	ReasonSpread           Reason = "NO_TRADE_SPREAD"
	ReasonSlippage         Reason = "NO_TRADE_SLIPPAGE"
	ReasonRegime           Reason = "NO_TRADE_REGIME"
	ReasonRegimeHold       Reason = "NO_TRADE_REGIME_HOLD"
	ReasonRegimeFlipChurn  Reason = "NO_TRADE_REGIME_FLIP_CHURN"
	ReasonTurbulence       Reason = "NO_TRADE_TURBULENCE"
	ReasonBreakoutSetup    Reason = "NO_TRADE_BREAKOUT_SETUP"
	ReasonBreakoutMinEdge  Reason = "NO_TRADE_BREAKOUT_MIN_EDGE"
	ReasonRangeSetup       Reason = "NO_TRADE_RANGE_SETUP"
	ReasonRangeBreakout    Reason = "NO_TRADE_RANGE_RECENT_BREAKOUT"
	ReasonEntryCooldown    Reason = "NO_TRADE_ENTRY_COOLDOWN"
	ReasonEntryHourlyLimit Reason = "NO_TRADE_ENTRY_HOURLY_LIMIT"
	ReasonFlipInProgress   Reason = "NO_TRADE_FLIP_IN_PROGRESS"
	ReasonPyramiding       Reason = "NO_TRADE_PYRAMIDING"
	ReasonPaused           Reason = "NO_TRADE_PAUSED"
)

// LowRiskFlat reports whether a block with this reason on a flat book is
// routine enough that it should not feed the escalation trigger gate.
func (r Reason) LowRiskFlat() bool {
	switch r {
	case ReasonRegime, ReasonRegimeHold, ReasonTurbulence,
		ReasonBreakoutSetup, ReasonBreakoutMinEdge,
		ReasonRangeSetup, ReasonRangeBreakout,
		ReasonEntryCooldown, ReasonEntryHourlyLimit,
		ReasonRestartWarmup:
		return true
	default:
		return false
	}
}

// Explanation is a tagged feature bag: Guard names the guard or strategy that
// produced the decision and exactly one variant pointer is set, each with a
// fixed schema. Downstream analytics key on Guard.
type Explanation struct {
	Guard     string             `json:"guard,omitempty"`
	Staleness *StalenessFeatures `json:"staleness,omitempty"`
	Spread    *SpreadFeatures    `json:"spread,omitempty"`
	Regime    *regime.Detail     `json:"regime,omitempty"`
	Breakout  *BreakoutFeatures  `json:"breakout,omitempty"`
	Range     *RangeFeatures     `json:"range,omitempty"`
	Edge      *EdgeFeatures      `json:"edge,omitempty"`
	Pacing    *PacingFeatures    `json:"pacing,omitempty"`
}

type StalenessFeatures struct {
	CandleAgeMs int64 `json:"candle_age_ms"`
	BookAgeMs   int64 `json:"book_age_ms"`
	TradeAgeMs  int64 `json:"trade_age_ms"`
}

type SpreadFeatures struct {
	SpreadBps    float64 `json:"spread_bps"`
	MaxSpreadBps float64 `json:"max_spread_bps"`
	SlipBps      float64 `json:"slip_bps"`
	MaxSlipBps   float64 `json:"max_slip_bps"`
}

type BreakoutFeatures struct {
	Level          float64 `json:"level"`
	BufferedLevel  float64 `json:"buffered_level"`
	Close          float64 `json:"close"`
	ConfirmBars    int     `json:"confirm_bars"`
	BodyRatio      float64 `json:"body_ratio"`
	Return1mPct    float64 `json:"return_1m_pct"`
	AggressorRatio float64 `json:"aggressor_ratio"`
	Imbalance      float64 `json:"imbalance"`
	DistanceBps    float64 `json:"distance_bps"`
}

type RangeFeatures struct {
	VwapZ       float64 `json:"vwap_z"`
	ZEntry      float64 `json:"z_entry"`
	AtrPct      float64 `json:"atr_pct"`
	Return1mPct float64 `json:"return_1m_pct"`
	Vwap        float64 `json:"vwap"`
}

type EdgeFeatures struct {
	EdgeBps     float64 `json:"edge_bps"`
	RequiredBps float64 `json:"required_bps"`
	FeeBps      float64 `json:"fee_bps"`
	SlipBps     float64 `json:"slip_bps"`
	BufferBps   float64 `json:"buffer_bps"`
	VolBps      float64 `json:"vol_bps"`
	FeeSource   string  `json:"fee_source"`
}

type PacingFeatures struct {
	WindowCount  int   `json:"window_count"`
	MaxPerHour   int   `json:"max_per_hour"`
	CooldownMsTo int64 `json:"cooldown_ms_remaining"`
}
