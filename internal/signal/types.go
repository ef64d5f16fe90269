package signal

import (
	"time"

	"hl-regime-bot/internal/regime"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Direction is +1 for buy, -1 for sell.
func (s Side) Direction() int {
	if s == SideBuy {
		return 1
	}
	return -1
}

const (
	StrategyTrendBreakout = "trend_breakout"
	StrategyRangeRevert   = "range_revert"
)

type ProtectionKind string

const (
	ProtectionTrend ProtectionKind = "trend"
	ProtectionRange ProtectionKind = "range"
)

// ProtectionPlan is carried on every accepted intent. Distances are percent
// of the eventual fill price; absolute trigger prices are derived from the
// fill, not from the quote at signal time.
type ProtectionPlan struct {
	Kind              ProtectionKind `json:"kind"`
	SlPct             float64        `json:"sl_pct"`
	TpPct             float64        `json:"tp_pct"`
	TimeStop          time.Duration  `json:"time_stop"`
	TimeStopProgressR float64        `json:"time_stop_progress_r"`
}

// Intent is a fully specified order request. Immutable once emitted; consumed
// exactly once by order submission.
type Intent struct {
	Coin               string         `json:"coin"`
	Side               Side           `json:"side"`
	Size               float64        `json:"size"`
	LimitPx            float64        `json:"limit_px"`
	FallbackPx         float64        `json:"fallback_px,omitempty"`
	PostOnly           bool           `json:"post_only"`
	Strategy           string         `json:"strategy"`
	Regime             regime.Regime  `json:"regime"`
	TTL                time.Duration  `json:"ttl"`
	AllowTakerAfterTTL bool           `json:"allow_taker_after_ttl"`
	Protection         ProtectionPlan `json:"protection"`
	Explanation        Explanation    `json:"explanation"`
}

// Decision is the outcome of one builder pass: an accepted intent, or a block
// with a stable reason code. Regime is populated once classification ran.
type Decision struct {
	Intent      *Intent       `json:"intent,omitempty"`
	Blocked     bool          `json:"blocked"`
	Reason      Reason        `json:"reason,omitempty"`
	Regime      regime.Regime `json:"regime,omitempty"`
	Explanation Explanation   `json:"explanation"`
}

func blocked(reason Reason, reg regime.Regime, expl Explanation) Decision {
	return Decision{Blocked: true, Reason: reason, Regime: reg, Explanation: expl}
}
