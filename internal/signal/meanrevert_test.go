package signal

import (
	"math"
	"testing"
	"time"

	"hl-regime-bot/internal/config"
	"hl-regime-bot/internal/market"
)

func rangeCfg() config.RangeConfig {
	return config.RangeConfig{
		ZEntry:         1.8,
		MaxAtrPct:      1.1,
		MaxReturn1mPct: 0.5,
		NoBreakoutBars: 5,
		SlMinPct:       0.25,
		SlMaxPct:       0.9,
		SlAtrMult:      1.2,
		EntryTTL:       12 * time.Second,
		TimeStop:       40 * time.Minute,
	}
}

func flatCandles(n int, high, low float64) []market.Candle {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	candles := make([]market.Candle, n)
	for i := range candles {
		candles[i] = market.Candle{
			Coin: "ETH", Interval: market.Interval1m, Start: start.Add(time.Duration(i) * time.Minute),
			Open: (high + low) / 2, High: high, Low: low, Close: (high + low) / 2, Volume: 5,
		}
	}
	return candles
}

func rangeSnap() market.Snapshot {
	now := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	return market.Snapshot{
		Coin:          "ETH",
		BestBid:       100.48,
		BestAsk:       100.50,
		BidDepth:      400,
		AskDepth:      420,
		BookUpdatedAt: now,
		LastCandleAt:  now,
		LastTradeAt:   now,
		AtrPct:        0.4,
		Return1mPct:   0.1,
		Vwap:          100.0,
		VwapZ:         2.1,
		Candles1m:     flatCandles(30, 100.6, 99.6),
	}
}

func TestRecentBreakout(t *testing.T) {
	candles := flatCandles(30, 100.6, 99.6)
	if recentBreakout(candles, 5) {
		t.Fatalf("flat series flagged as breakout")
	}
	candles[28].High = 100.9
	if !recentBreakout(candles, 5) {
		t.Fatalf("fresh higher high not flagged")
	}
	candles = flatCandles(30, 100.6, 99.6)
	candles[29].Low = 99.3
	if !recentBreakout(candles, 5) {
		t.Fatalf("fresh lower low not flagged")
	}
	// A high matching the reference extreme is not a strict break.
	candles = flatCandles(30, 100.6, 99.6)
	candles[29].High = 100.6
	if recentBreakout(candles, 5) {
		t.Fatalf("equal high treated as strict breakout")
	}
}

func TestRangeRevertShortAboveVwap(t *testing.T) {
	snap := rangeSnap()
	intent, reason, feat := rangeRevertSignal(snap, testSym(), rangeCfg())
	if intent == nil {
		t.Fatalf("blocked: %s %+v", reason, feat)
	}
	if intent.Side != SideSell {
		t.Fatalf("side = %s, want sell above vwap", intent.Side)
	}
	if math.Abs(intent.LimitPx-100.49) > 1e-9 {
		t.Fatalf("limit px = %v, want one tick inside best ask", intent.LimitPx)
	}
	if intent.FallbackPx != 0 || intent.AllowTakerAfterTTL {
		t.Fatalf("range entries must be maker-only: %+v", intent)
	}
	if intent.Protection.Kind != ProtectionRange {
		t.Fatalf("protection kind = %s", intent.Protection.Kind)
	}
	// ATR stop 1.2 x 0.4 = 0.48%; the vwap distance (~0.49%) exceeds 1R so
	// the take profit stays at 1R.
	if math.Abs(intent.Protection.SlPct-0.48) > 1e-9 {
		t.Fatalf("sl = %v", intent.Protection.SlPct)
	}
	if math.Abs(intent.Protection.TpPct-0.48) > 1e-9 {
		t.Fatalf("tp = %v, want capped at 1R", intent.Protection.TpPct)
	}
}

func TestRangeRevertTpCappedAtVwapDistance(t *testing.T) {
	snap := rangeSnap()
	snap.Vwap = 100.3
	intent, reason, _ := rangeRevertSignal(snap, testSym(), rangeCfg())
	if intent == nil {
		t.Fatalf("blocked: %s", reason)
	}
	want := (100.49 - 100.3) / 100.49 * 100
	if math.Abs(intent.Protection.TpPct-want) > 1e-9 {
		t.Fatalf("tp = %v, want vwap distance %v", intent.Protection.TpPct, want)
	}
}

func TestRangeRevertBuyBelowVwap(t *testing.T) {
	snap := rangeSnap()
	snap.BestBid, snap.BestAsk = 99.50, 99.52
	snap.Vwap = 100.0
	snap.VwapZ = -2.0
	intent, reason, _ := rangeRevertSignal(snap, testSym(), rangeCfg())
	if intent == nil {
		t.Fatalf("blocked: %s", reason)
	}
	if intent.Side != SideBuy {
		t.Fatalf("side = %s, want buy below vwap", intent.Side)
	}
	if math.Abs(intent.LimitPx-99.501) > 1e-9 {
		t.Fatalf("limit px = %v, want one tick inside best bid", intent.LimitPx)
	}
}

func TestRangeRevertGuards(t *testing.T) {
	snap := rangeSnap()
	snap.VwapZ = 1.2
	if intent, reason, _ := rangeRevertSignal(snap, testSym(), rangeCfg()); intent != nil || reason != ReasonRangeSetup {
		t.Fatalf("weak z accepted: %v %s", intent, reason)
	}
	snap = rangeSnap()
	snap.AtrPct = 1.5
	if intent, reason, _ := rangeRevertSignal(snap, testSym(), rangeCfg()); intent != nil || reason != ReasonRangeSetup {
		t.Fatalf("hot ATR accepted: %v %s", intent, reason)
	}
	snap = rangeSnap()
	snap.Return1mPct = -0.9
	if intent, reason, _ := rangeRevertSignal(snap, testSym(), rangeCfg()); intent != nil || reason != ReasonRangeSetup {
		t.Fatalf("fast tape accepted: %v %s", intent, reason)
	}
	snap = rangeSnap()
	snap.Candles1m[28].High = 101.2
	if intent, reason, _ := rangeRevertSignal(snap, testSym(), rangeCfg()); intent != nil || reason != ReasonRangeBreakout {
		t.Fatalf("recent breakout accepted: %v %s", intent, reason)
	}
}
