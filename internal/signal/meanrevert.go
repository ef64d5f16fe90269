package signal

import (
	"math"

	"hl-regime-bot/internal/config"
	"hl-regime-bot/internal/market"
)

// recentBreakout reports whether any of the last n candles printed a strict
// higher high or lower low against the window that precedes them. A range
// that just broke is not a range worth fading.
func recentBreakout(candles []market.Candle, n int) bool {
	if n <= 0 || len(candles) <= n {
		return false
	}
	ref := candles[:len(candles)-n]
	refHigh, refLow := ref[0].High, ref[0].Low
	for _, c := range ref[1:] {
		if c.High > refHigh {
			refHigh = c.High
		}
		if c.Low < refLow {
			refLow = c.Low
		}
	}
	for _, c := range candles[len(candles)-n:] {
		if c.High > refHigh || c.Low < refLow {
			return true
		}
	}
	return false
}

// rangeRevertSignal evaluates a VWAP mean-reversion entry. Returns a nil
// intent plus a block reason when the setup is absent or disqualified.
// Entries are maker-only with no taker fallback.
func rangeRevertSignal(snap market.Snapshot, sym config.SymbolConfig, cfg config.RangeConfig) (*Intent, Reason, RangeFeatures) {
	feat := RangeFeatures{
		VwapZ:       snap.VwapZ,
		ZEntry:      cfg.ZEntry,
		AtrPct:      snap.AtrPct,
		Return1mPct: snap.Return1mPct,
		Vwap:        snap.Vwap,
	}
	if math.Abs(snap.VwapZ) < cfg.ZEntry || snap.Vwap <= 0 {
		return nil, ReasonRangeSetup, feat
	}
	if snap.AtrPct > cfg.MaxAtrPct || math.Abs(snap.Return1mPct) > cfg.MaxReturn1mPct {
		return nil, ReasonRangeSetup, feat
	}
	if recentBreakout(snap.Candles1m, cfg.NoBreakoutBars) {
		return nil, ReasonRangeBreakout, feat
	}

	// Price above VWAP fades short, below fades long.
	side := SideSell
	limitPx := snap.BestAsk - tickSize(snap.BestAsk)
	if snap.VwapZ < 0 {
		side = SideBuy
		limitPx = snap.BestBid + tickSize(snap.BestBid)
	}
	if limitPx <= 0 {
		return nil, ReasonRangeSetup, feat
	}

	slPct := clamp(cfg.SlAtrMult*snap.AtrPct, cfg.SlMinPct, cfg.SlMaxPct)
	// Take profit caps at the distance back to VWAP, never past 1R.
	vwapDistPct := math.Abs(limitPx-snap.Vwap) / limitPx * 100
	tpPct := math.Min(slPct, vwapDistPct)

	intent := &Intent{
		Coin:     snap.Coin,
		Side:     side,
		Size:     sym.NotionalUSD / limitPx,
		LimitPx:  limitPx,
		PostOnly: true,
		Strategy: StrategyRangeRevert,
		TTL:      cfg.EntryTTL,
		Protection: ProtectionPlan{
			Kind:     ProtectionRange,
			SlPct:    slPct,
			TpPct:    tpPct,
			TimeStop: cfg.TimeStop,
		},
	}
	return intent, "", feat
}
