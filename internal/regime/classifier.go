package regime

import "math"

type Regime string

const (
	NoTrade    Regime = "NO_TRADE"
	Turbulence Regime = "TURBULENCE"
	TrendUp    Regime = "TREND_UP"
	TrendDown  Regime = "TREND_DOWN"
	Range      Regime = "RANGE"
)

// Indicators is the per-symbol snapshot the classifier reads. ATR% and its
// rolling median come from 1m candles, the EMAs from 15m candles and ADX from
// 5m candles.
type Indicators struct {
	AtrPct       float64
	AtrPctMedian float64
	Return1mPct  float64
	Ema20        float64
	Ema50        float64
	Adx5m        float64
}

type Thresholds struct {
	TurbulenceMult      float64
	TurbulenceReturnPct float64
	TrendAdxMin         float64
	TrendEmaGapMinBps   float64
	RangeAdxMax         float64
	RangeEmaGapMaxBps   float64
}

// Detail records the numbers the decision was made from, for event payloads.
type Detail struct {
	AtrPct       float64 `json:"atr_pct"`
	AtrPctMedian float64 `json:"atr_pct_median"`
	Return1mPct  float64 `json:"return_1m_pct"`
	EmaGapBps    float64 `json:"ema_gap_bps"`
	Adx5m        float64 `json:"adx_5m"`
}

// Classify maps an indicator snapshot to a regime. Rules apply in priority
// order; turbulence dominates trend and range.
func Classify(ind Indicators, th Thresholds) (Regime, Detail) {
	detail := Detail{
		AtrPct:       ind.AtrPct,
		AtrPctMedian: ind.AtrPctMedian,
		Return1mPct:  ind.Return1mPct,
		EmaGapBps:    emaGapBps(ind.Ema20, ind.Ema50),
		Adx5m:        ind.Adx5m,
	}
	if ind.AtrPctMedian > 0 && ind.AtrPct >= ind.AtrPctMedian*th.TurbulenceMult {
		return Turbulence, detail
	}
	if th.TurbulenceReturnPct > 0 && math.Abs(ind.Return1mPct) >= th.TurbulenceReturnPct {
		return Turbulence, detail
	}
	if ind.Adx5m >= th.TrendAdxMin && detail.EmaGapBps >= th.TrendEmaGapMinBps {
		if ind.Ema20 > ind.Ema50 {
			return TrendUp, detail
		}
		return TrendDown, detail
	}
	if ind.Adx5m <= th.RangeAdxMax && detail.EmaGapBps <= th.RangeEmaGapMaxBps {
		return Range, detail
	}
	return NoTrade, detail
}

func emaGapBps(ema20, ema50 float64) float64 {
	if ema50 == 0 {
		return 0
	}
	return math.Abs(ema20-ema50) / ema50 * 10000
}

// Direction reports the trade side implied by a trend regime: +1 for
// TREND_UP, -1 for TREND_DOWN, 0 otherwise.
func (r Regime) Direction() int {
	switch r {
	case TrendUp:
		return 1
	case TrendDown:
		return -1
	default:
		return 0
	}
}

func (r Regime) IsTrend() bool {
	return r == TrendUp || r == TrendDown
}
