package signal

import (
	"math"
	"testing"
	"time"

	"hl-regime-bot/internal/config"
	"hl-regime-bot/internal/market"
)

func breakoutCfg() config.BreakoutConfig {
	return config.BreakoutConfig{
		Lookback:          20,
		ConfirmBars:       2,
		BufferBps:         10,
		MinBodyRatio:      0.55,
		MaxReturn1mPct:    0.8,
		MinAggressorRatio: 0.62,
		MinImbalance:      0.25,
		EntryTTL:          10 * time.Second,
		AllowTakerAfter:   true,
		SlMinPct:          0.3,
		SlMaxPct:          1.2,
		SlAtrMult:         1.5,
		TpMult:            1.8,
		TimeStop:          30 * time.Minute,
		TimeStopProgressR: 0.5,
	}
}

func testSym() config.SymbolConfig {
	return config.SymbolConfig{
		Coin:           "ETH",
		NotionalUSD:    1000,
		MaxSpreadBps:   8,
		MaxSlippageBps: 6,
	}
}

// longBreakoutSnap builds 20 quiet bars capped at 100 followed by two
// confirm bars closing at 100.4, with supportive flow.
func longBreakoutSnap() market.Snapshot {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var candles []market.Candle
	for i := 0; i < 20; i++ {
		candles = append(candles, market.Candle{
			Coin: "ETH", Interval: market.Interval1m, Start: start.Add(time.Duration(i) * time.Minute),
			Open: 99.4, High: 100.0, Low: 99.0, Close: 99.5, Volume: 10,
		})
	}
	for i := 20; i < 22; i++ {
		candles = append(candles, market.Candle{
			Coin: "ETH", Interval: market.Interval1m, Start: start.Add(time.Duration(i) * time.Minute),
			Open: 100.0, High: 100.45, Low: 99.95, Close: 100.4, Volume: 25,
		})
	}
	now := start.Add(22 * time.Minute)
	return market.Snapshot{
		Coin:           "ETH",
		BestBid:        100.38,
		BestAsk:        100.40,
		BidDepth:       500,
		AskDepth:       480,
		BookUpdatedAt:  now,
		LastCandleAt:   now,
		LastTradeAt:    now,
		AtrPct:         0.4,
		AtrPctMedian:   0.42,
		Return1mPct:    0.3,
		AggressorRatio: 0.7,
		Imbalance:      0.35,
		Candles1m:      candles,
	}
}

func TestTickSize(t *testing.T) {
	cases := []struct{ px, want float64 }{
		{100.38, 0.01},
		{2000, 0.1},
		{0.5, 0.00001},
		{3.25, 0.0001},
		{0, 0},
	}
	for _, c := range cases {
		if got := tickSize(c.px); math.Abs(got-c.want) > c.want*1e-9 {
			t.Fatalf("tickSize(%v) = %v, want %v", c.px, got, c.want)
		}
	}
}

func TestBreakoutLongAccept(t *testing.T) {
	snap := longBreakoutSnap()
	intent, feat := breakoutSignal(snap, testSym(), breakoutCfg(), 1)
	if intent == nil {
		t.Fatalf("expected intent, blocked with features %+v", feat)
	}
	if intent.Side != SideBuy {
		t.Fatalf("side = %s", intent.Side)
	}
	if math.Abs(intent.LimitPx-100.39) > 1e-9 {
		t.Fatalf("limit px = %v, want one tick inside best bid", intent.LimitPx)
	}
	if intent.FallbackPx != 100.40 {
		t.Fatalf("fallback px = %v", intent.FallbackPx)
	}
	if !intent.PostOnly || !intent.AllowTakerAfterTTL {
		t.Fatalf("execution flags: postOnly=%v takerAfterTTL=%v", intent.PostOnly, intent.AllowTakerAfterTTL)
	}
	if math.Abs(intent.Size-1000/100.39) > 1e-9 {
		t.Fatalf("size = %v", intent.Size)
	}
	// 1.5 x 0.4% ATR inside the clamp band, take profit at 1.8R.
	if math.Abs(intent.Protection.SlPct-0.6) > 1e-9 || math.Abs(intent.Protection.TpPct-1.08) > 1e-9 {
		t.Fatalf("protection = %+v", intent.Protection)
	}
	if intent.Protection.Kind != ProtectionTrend {
		t.Fatalf("protection kind = %s", intent.Protection.Kind)
	}
	if math.Abs(feat.DistanceBps-40) > 1e-9 {
		t.Fatalf("distance = %v bps, want 40", feat.DistanceBps)
	}
}

func TestBreakoutNeedsEveryConfirmClose(t *testing.T) {
	snap := longBreakoutSnap()
	// Second-to-last bar closes back under the buffered level.
	snap.Candles1m[20].Close = 100.05
	if intent, _ := breakoutSignal(snap, testSym(), breakoutCfg(), 1); intent != nil {
		t.Fatalf("accepted with an unconfirmed bar")
	}
}

func TestBreakoutRejectsWeakBody(t *testing.T) {
	snap := longBreakoutSnap()
	last := &snap.Candles1m[21]
	last.Open, last.High, last.Low, last.Close = 100.38, 100.9, 100.1, 100.4
	if intent, _ := breakoutSignal(snap, testSym(), breakoutCfg(), 1); intent != nil {
		t.Fatalf("accepted a doji-ish confirm bar")
	}
}

func TestBreakoutRejectsSpike(t *testing.T) {
	snap := longBreakoutSnap()
	snap.Return1mPct = 1.5
	if intent, _ := breakoutSignal(snap, testSym(), breakoutCfg(), 1); intent != nil {
		t.Fatalf("accepted a blow-off bar")
	}
}

func TestBreakoutRejectsOpposingFlow(t *testing.T) {
	snap := longBreakoutSnap()
	snap.AggressorRatio = 0.5
	if intent, _ := breakoutSignal(snap, testSym(), breakoutCfg(), 1); intent != nil {
		t.Fatalf("accepted a long without buy-side aggression")
	}
	snap = longBreakoutSnap()
	snap.Imbalance = 0.1
	if intent, _ := breakoutSignal(snap, testSym(), breakoutCfg(), 1); intent != nil {
		t.Fatalf("accepted a long without book support")
	}
}

func TestBreakoutShort(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var candles []market.Candle
	for i := 0; i < 20; i++ {
		candles = append(candles, market.Candle{
			Coin: "ETH", Interval: market.Interval1m, Start: start.Add(time.Duration(i) * time.Minute),
			Open: 100.6, High: 101.0, Low: 100.0, Close: 100.5, Volume: 10,
		})
	}
	for i := 20; i < 22; i++ {
		candles = append(candles, market.Candle{
			Coin: "ETH", Interval: market.Interval1m, Start: start.Add(time.Duration(i) * time.Minute),
			Open: 100.0, High: 100.05, Low: 99.55, Close: 99.6, Volume: 25,
		})
	}
	now := start.Add(22 * time.Minute)
	snap := market.Snapshot{
		Coin:           "ETH",
		BestBid:        99.58,
		BestAsk:        99.60,
		BidDepth:       500,
		AskDepth:       520,
		BookUpdatedAt:  now,
		LastCandleAt:   now,
		LastTradeAt:    now,
		AtrPct:         0.4,
		Return1mPct:    -0.3,
		AggressorRatio: 0.3,
		Imbalance:      -0.35,
		Candles1m:      candles,
	}
	intent, feat := breakoutSignal(snap, testSym(), breakoutCfg(), -1)
	if intent == nil {
		t.Fatalf("expected short intent, features %+v", feat)
	}
	if intent.Side != SideSell {
		t.Fatalf("side = %s", intent.Side)
	}
	if math.Abs(intent.LimitPx-99.599) > 1e-9 {
		t.Fatalf("limit px = %v, want one tick inside best ask", intent.LimitPx)
	}
	if intent.FallbackPx != 99.58 {
		t.Fatalf("fallback px = %v", intent.FallbackPx)
	}
}

func TestBreakoutInsufficientHistory(t *testing.T) {
	snap := longBreakoutSnap()
	snap.Candles1m = snap.Candles1m[:10]
	if intent, _ := breakoutSignal(snap, testSym(), breakoutCfg(), 1); intent != nil {
		t.Fatalf("accepted without enough lookback history")
	}
}
