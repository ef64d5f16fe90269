package signal

import (
	"context"
	"time"

	"go.uber.org/zap"

	"hl-regime-bot/internal/config"
	"hl-regime-bot/internal/fees"
	"hl-regime-bot/internal/market"
	"hl-regime-bot/internal/regime"
)

// QualityGate is the external venue/liquidity check consulted before any
// other guard. The engine wires a live implementation; tests stub it.
type QualityGate interface {
	Allow(coin string) bool
}

// AllowAll passes every coin. Used when no external gate is configured.
type AllowAll struct{}

func (AllowAll) Allow(string) bool { return true }

// Builder runs the ordered guard chain for one decision tick and emits
// either an order intent or a block with a stable reason code. It owns no
// goroutines; the engine calls Build from each symbol's tick loop.
type Builder struct {
	cfg       *config.Config
	gate      QualityGate
	stab      *regime.Stabilizer
	pacing    *PacingGate
	edge      EdgeModel
	fees      *fees.Cache
	startedAt time.Time
	log       *zap.Logger
}

func NewBuilder(cfg *config.Config, gate QualityGate, stab *regime.Stabilizer, pacing *PacingGate, edge EdgeModel, feeCache *fees.Cache, startedAt time.Time, log *zap.Logger) *Builder {
	if gate == nil {
		gate = AllowAll{}
	}
	return &Builder{
		cfg:       cfg,
		gate:      gate,
		stab:      stab,
		pacing:    pacing,
		edge:      edge,
		fees:      feeCache,
		startedAt: startedAt,
		log:       log,
	}
}

// Pacing exposes the entry gate so the engine can record admitted entries
// once they clear the position-state gate, and reset a symbol after an
// emergency flatten.
func (b *Builder) Pacing() *PacingGate { return b.pacing }

// Build evaluates one tick for snap.Coin. Guards run in a fixed order and
// the first block short-circuits; the returned decision always carries the
// reason and feature bag for the stage that decided.
func (b *Builder) Build(ctx context.Context, snap market.Snapshot, now time.Time) Decision {
	coin := snap.Coin

	if !b.gate.Allow(coin) {
		return blocked(ReasonQualityGate, "", Explanation{Guard: "quality_gate"})
	}
	sym, ok := b.cfg.Symbol(coin)
	if !ok {
		return blocked(ReasonSymbolNotAllowed, "", Explanation{Guard: "allow_list"})
	}
	if now.Sub(b.startedAt) < b.cfg.Engine.RestartWarmup {
		return blocked(ReasonRestartWarmup, "", Explanation{Guard: "restart_warmup"})
	}

	if dec, ok := b.checkFreshness(snap, sym, now); !ok {
		return dec
	}

	ind := regime.Indicators{
		AtrPct:       snap.AtrPct,
		AtrPctMedian: snap.AtrPctMedian,
		Return1mPct:  snap.Return1mPct,
		Ema20:        snap.Ema20,
		Ema50:        snap.Ema50,
		Adx5m:        snap.Adx5m,
	}
	th := regime.Thresholds{
		TurbulenceMult:      b.cfg.Regime.TurbulenceMult,
		TurbulenceReturnPct: sym.TurbulenceReturnPct,
		TrendAdxMin:         b.cfg.Regime.TrendAdxMin,
		TrendEmaGapMinBps:   b.cfg.Regime.TrendEmaGapMinBps,
		RangeAdxMax:         b.cfg.Regime.RangeAdxMax,
		RangeEmaGapMaxBps:   b.cfg.Regime.RangeEmaGapMaxBps,
	}
	candidate, detail := regime.Classify(ind, th)
	stab := b.stab.Observe(coin, candidate, now)
	regExpl := Explanation{Guard: "regime", Regime: &detail}
	if stab.Blocked {
		reason := ReasonRegimeHold
		if stab.Reason == regime.HoldReasonFlipChurn {
			reason = ReasonRegimeFlipChurn
		}
		return blocked(reason, stab.Regime, regExpl)
	}
	switch stab.Regime {
	case regime.NoTrade:
		return blocked(ReasonRegime, stab.Regime, regExpl)
	case regime.Turbulence:
		return blocked(ReasonTurbulence, stab.Regime, regExpl)
	}

	intent, dec, ok := b.buildStrategy(ctx, snap, sym, stab.Regime)
	if !ok {
		return dec
	}

	if admitted, reason, feat := b.pacing.Allow(coin, now); !admitted {
		return blocked(reason, stab.Regime, Explanation{Guard: "pacing", Pacing: &feat})
	}

	intent.Regime = stab.Regime
	intent.Explanation.Guard = intent.Strategy
	return Decision{Intent: intent, Regime: stab.Regime, Explanation: intent.Explanation}
}

func (b *Builder) checkFreshness(snap market.Snapshot, sym config.SymbolConfig, now time.Time) (Decision, bool) {
	eng := b.cfg.Engine
	stale := StalenessFeatures{
		CandleAgeMs: ageMs(snap.LastCandleAt, now),
		BookAgeMs:   ageMs(snap.BookUpdatedAt, now),
		TradeAgeMs:  ageMs(snap.LastTradeAt, now),
	}
	expl := Explanation{Guard: "staleness", Staleness: &stale}
	if snap.LastCandleAt.IsZero() || now.Sub(snap.LastCandleAt) > eng.MaxCandleAge {
		return blocked(ReasonStaleData, "", expl), false
	}
	if snap.BookUpdatedAt.IsZero() || now.Sub(snap.BookUpdatedAt) > eng.MaxBookAge {
		return blocked(ReasonStaleData, "", expl), false
	}
	if snap.LastTradeAt.IsZero() || now.Sub(snap.LastTradeAt) > eng.MaxTradeAge {
		return blocked(ReasonStaleData, "", expl), false
	}

	spreadBps := snap.SpreadBps()
	if spreadBps < 0 {
		return blocked(ReasonSpreadMissing, "", Explanation{Guard: "spread"}), false
	}
	feat := SpreadFeatures{
		SpreadBps:    spreadBps,
		MaxSpreadBps: sym.MaxSpreadBps,
		MaxSlipBps:   sym.MaxSlippageBps,
	}
	if spreadBps > sym.MaxSpreadBps {
		return blocked(ReasonSpread, "", Explanation{Guard: "spread", Spread: &feat}), false
	}
	feat.SlipBps = snap.MakerSlipBps(sym.NotionalUSD, true)
	if sell := snap.MakerSlipBps(sym.NotionalUSD, false); sell > feat.SlipBps {
		feat.SlipBps = sell
	}
	if feat.SlipBps > sym.MaxSlippageBps {
		return blocked(ReasonSlippage, "", Explanation{Guard: "slippage", Spread: &feat}), false
	}
	return Decision{}, true
}

func (b *Builder) buildStrategy(ctx context.Context, snap market.Snapshot, sym config.SymbolConfig, reg regime.Regime) (*Intent, Decision, bool) {
	switch {
	case reg.IsTrend():
		intent, feat := breakoutSignal(snap, sym, b.cfg.Breakout, reg.Direction())
		if intent == nil {
			return nil, blocked(ReasonBreakoutSetup, reg, Explanation{Guard: "breakout", Breakout: &feat}), false
		}
		// Preferred execution path sets the cost model: a taker fallback
		// means the fill can pay full taker cost, so the hurdle does too.
		maker := !intent.AllowTakerAfterTTL
		edge := b.edge.RequiredBps(snap, b.fees.Current(ctx), maker)
		edge.EdgeBps = feat.DistanceBps
		intent.Explanation = Explanation{Breakout: &feat, Edge: &edge}
		if edge.EdgeBps < edge.RequiredBps {
			return nil, blocked(ReasonBreakoutMinEdge, reg, Explanation{Guard: "min_edge", Breakout: &feat, Edge: &edge}), false
		}
		return intent, Decision{}, true

	case reg == regime.Range:
		intent, reason, feat := rangeRevertSignal(snap, sym, b.cfg.Range)
		if intent == nil {
			return nil, blocked(reason, reg, Explanation{Guard: "range", Range: &feat}), false
		}
		intent.Explanation = Explanation{Range: &feat}
		return intent, Decision{}, true
	}
	return nil, blocked(ReasonRegime, reg, Explanation{Guard: "regime"}), false
}

func ageMs(t, now time.Time) int64 {
	if t.IsZero() {
		return -1
	}
	return now.Sub(t).Milliseconds()
}
