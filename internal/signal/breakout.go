package signal

import (
	"math"

	"hl-regime-bot/internal/config"
	"hl-regime-bot/internal/market"
)

// tickSize returns the price increment for a perp quoted to five significant
// figures, which is how Hyperliquid prices are gridded.
func tickSize(px float64) float64 {
	if px <= 0 {
		return 0
	}
	return math.Pow(10, math.Floor(math.Log10(px))-4)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// breakoutSignal evaluates a trend-breakout entry in the given direction
// (+1 long, -1 short). It returns a nil intent when no valid setup exists;
// the features are populated either way so a block can explain itself.
// Minimum-edge screening against the fee model is the caller's job: the
// features carry the raw breakout distance in bps.
func breakoutSignal(snap market.Snapshot, sym config.SymbolConfig, cfg config.BreakoutConfig, dir int) (*Intent, BreakoutFeatures) {
	var feat BreakoutFeatures
	candles := snap.Candles1m
	need := cfg.Lookback + cfg.ConfirmBars
	if len(candles) < need || need == 0 {
		return nil, feat
	}

	// Reference level from the lookback window that precedes the confirm
	// bars: highest high for a long break, lowest low for a short one.
	window := candles[len(candles)-need : len(candles)-cfg.ConfirmBars]
	level := window[0].High
	if dir < 0 {
		level = window[0].Low
	}
	for _, c := range window[1:] {
		if dir > 0 && c.High > level {
			level = c.High
		}
		if dir < 0 && c.Low < level {
			level = c.Low
		}
	}

	buffered := level * (1 + float64(dir)*cfg.BufferBps/10000)
	last := candles[len(candles)-1]
	feat = BreakoutFeatures{
		Level:          level,
		BufferedLevel:  buffered,
		Close:          last.Close,
		ConfirmBars:    cfg.ConfirmBars,
		BodyRatio:      last.BodyRatio(),
		Return1mPct:    snap.Return1mPct,
		AggressorRatio: snap.AggressorRatio,
		Imbalance:      snap.Imbalance,
	}
	if level > 0 {
		feat.DistanceBps = math.Abs(last.Close-level) / level * 10000
	}

	// Every confirm bar must close beyond the buffered level.
	for _, c := range candles[len(candles)-cfg.ConfirmBars:] {
		if dir > 0 && c.Close <= buffered {
			return nil, feat
		}
		if dir < 0 && c.Close >= buffered {
			return nil, feat
		}
	}
	if feat.BodyRatio < cfg.MinBodyRatio {
		return nil, feat
	}
	// Reject blow-off bars: a breakout entered after an outsized 1m move is
	// chasing, not confirming.
	if math.Abs(snap.Return1mPct) > cfg.MaxReturn1mPct {
		return nil, feat
	}
	if dir > 0 {
		if snap.AggressorRatio < cfg.MinAggressorRatio || snap.Imbalance < cfg.MinImbalance {
			return nil, feat
		}
	} else {
		if snap.AggressorRatio > 1-cfg.MinAggressorRatio || snap.Imbalance > -cfg.MinImbalance {
			return nil, feat
		}
	}

	side := SideBuy
	limitPx := snap.BestBid + tickSize(snap.BestBid)
	fallbackPx := snap.BestAsk
	if dir < 0 {
		side = SideSell
		limitPx = snap.BestAsk - tickSize(snap.BestAsk)
		fallbackPx = snap.BestBid
	}
	if limitPx <= 0 {
		return nil, feat
	}

	slPct := clamp(cfg.SlAtrMult*snap.AtrPct, cfg.SlMinPct, cfg.SlMaxPct)
	intent := &Intent{
		Coin:               snap.Coin,
		Side:               side,
		Size:               sym.NotionalUSD / limitPx,
		LimitPx:            limitPx,
		FallbackPx:         fallbackPx,
		PostOnly:           true,
		Strategy:           StrategyTrendBreakout,
		TTL:                cfg.EntryTTL,
		AllowTakerAfterTTL: cfg.AllowTakerAfter,
		Protection: ProtectionPlan{
			Kind:              ProtectionTrend,
			SlPct:             slPct,
			TpPct:             cfg.TpMult * slPct,
			TimeStop:          cfg.TimeStop,
			TimeStopProgressR: cfg.TimeStopProgressR,
		},
	}
	return intent, feat
}
