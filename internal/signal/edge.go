package signal

import (
	"hl-regime-bot/internal/fees"
	"hl-regime-bot/internal/market"
)

// EdgeModel prices the cost hurdle an entry must clear. Swappable so a
// calibrated model can replace the additive default without touching the
// builder.
type EdgeModel interface {
	// RequiredBps returns the minimum expected edge in basis points for an
	// entry under the given fees and market state. maker selects the maker
	// cost path (post-only entry) versus the taker path.
	RequiredBps(snap market.Snapshot, fee fees.Snapshot, maker bool) EdgeFeatures
}

// DefaultEdgeModel is additive: fee + expected slippage + static buffers +
// a volatility term scaled by current ATR%.
type DefaultEdgeModel struct {
	BaseBufferBps    float64
	SafetyBufferBps  float64
	VolCoeffBps      float64
	MakerSlipFraction float64
}

func NewDefaultEdgeModel(baseBps, safetyBps, volCoeffBps, makerSlipFraction float64) DefaultEdgeModel {
	return DefaultEdgeModel{
		BaseBufferBps:    baseBps,
		SafetyBufferBps:  safetyBps,
		VolCoeffBps:      volCoeffBps,
		MakerSlipFraction: makerSlipFraction,
	}
}

func (m DefaultEdgeModel) RequiredBps(snap market.Snapshot, fee fees.Snapshot, maker bool) EdgeFeatures {
	spread := snap.SpreadBps()
	if spread < 0 {
		spread = 0
	}

	var feeBps, slipBps float64
	if maker {
		feeBps = fee.MakerBps
		slipBps = m.MakerSlipFraction * spread
	} else {
		feeBps = fee.TakerBps
		slipBps = spread
	}

	volBps := snap.AtrPct * m.VolCoeffBps
	bufBps := m.BaseBufferBps + m.SafetyBufferBps

	return EdgeFeatures{
		RequiredBps: feeBps + slipBps + bufBps + volBps,
		FeeBps:      feeBps,
		SlipBps:     slipBps,
		BufferBps:   bufBps,
		VolBps:      volBps,
		FeeSource:   string(fee.Source),
	}
}
