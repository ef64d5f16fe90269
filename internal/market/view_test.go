package market

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
)

func candleFrame(coin, interval string, startMS int64, o, h, l, c, v float64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"channel":"candle","data":{"s":%q,"i":%q,"t":%d,"o":%f,"h":%f,"l":%f,"c":%f,"v":%f}}`,
		coin, interval, startMS, o, h, l, c, v))
}

func bookFrame(coin string, bidPx, bidSz, askPx, askSz float64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"channel":"l2Book","data":{"coin":%q,"time":%d,"levels":[[{"px":"%f","sz":"%f"}],[{"px":"%f","sz":"%f"}]]}}`,
		coin, time.Now().UnixMilli(), bidPx, bidSz, askPx, askSz))
}

func tradesFrame(coin, side string, size float64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"channel":"trades","data":[{"coin":%q,"side":%q,"px":"100","sz":"%f","time":%d}]}`,
		coin, side, size, time.Now().UnixMilli()))
}

func testView() *View {
	return NewView(nil, nil, []string{"BTC"}, zap.NewNop())
}

func TestSnapshotMissingCoin(t *testing.T) {
	v := testView()
	if _, ok := v.Snapshot("BTC"); ok {
		t.Fatalf("expected no snapshot before any data")
	}
}

func TestSnapshotFromStream(t *testing.T) {
	v := testView()
	startMS := int64(1_700_000_000_000)
	for i := int64(0); i < 30; i++ {
		px := 100 + float64(i)*0.1
		v.handleMessage(candleFrame("BTC", Interval1m, startMS+i*60_000, px, px+0.2, px-0.2, px+0.1, 5))
	}
	v.handleMessage(bookFrame("BTC", 102.9, 10, 103.1, 8))
	v.handleMessage(tradesFrame("BTC", "B", 3))
	v.handleMessage(tradesFrame("BTC", "A", 1))

	snap, ok := v.Snapshot("BTC")
	if !ok {
		t.Fatalf("expected snapshot")
	}
	if snap.BestBid != 102.9 || snap.BestAsk != 103.1 {
		t.Fatalf("unexpected book top: %+v", snap)
	}
	if snap.SpreadBps() <= 0 {
		t.Fatalf("expected positive spread, got %f", snap.SpreadBps())
	}
	if snap.AtrPct <= 0 {
		t.Fatalf("expected positive ATR%%, got %f", snap.AtrPct)
	}
	if snap.AggressorRatio != 0.75 {
		t.Fatalf("expected aggressor ratio 0.75, got %f", snap.AggressorRatio)
	}
	if snap.Imbalance <= 0 {
		t.Fatalf("expected positive imbalance with deeper bids, got %f", snap.Imbalance)
	}
	if len(snap.Candles1m) != 30 {
		t.Fatalf("expected 30 candles, got %d", len(snap.Candles1m))
	}
}

func TestCandleUpsertReplacesInProgressBar(t *testing.T) {
	v := testView()
	startMS := int64(1_700_000_000_000)
	v.handleMessage(candleFrame("BTC", Interval1m, startMS, 100, 101, 99, 100.5, 5))
	v.handleMessage(candleFrame("BTC", Interval1m, startMS, 100, 102, 99, 101.5, 7))
	v.handleMessage(candleFrame("BTC", Interval1m, startMS+60_000, 101.5, 102, 101, 101.8, 2))

	snap, ok := v.Snapshot("BTC")
	if !ok {
		t.Fatalf("expected snapshot")
	}
	if len(snap.Candles1m) != 2 {
		t.Fatalf("expected 2 candles after upsert, got %d", len(snap.Candles1m))
	}
	if snap.Candles1m[0].Close != 101.5 {
		t.Fatalf("expected in-progress bar replaced, got close %f", snap.Candles1m[0].Close)
	}
}

func TestLastMessageAtAdvances(t *testing.T) {
	v := testView()
	if !v.LastMessageAt().IsZero() {
		t.Fatalf("expected zero before first message")
	}
	v.handleMessage(bookFrame("BTC", 100, 1, 100.1, 1))
	if v.LastMessageAt().IsZero() {
		t.Fatalf("expected last message timestamp after frame")
	}
}

func TestParsePerpContexts(t *testing.T) {
	payload := []any{
		map[string]any{"universe": []any{
			map[string]any{"name": "BTC", "szDecimals": 3},
			map[string]any{"name": "ETH", "szDecimals": 2},
		}},
		[]any{
			map[string]any{"markPx": "65000.5"},
			map[string]any{"markPx": "3200.25"},
		},
	}
	ctxs, err := parsePerpContexts(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	btc := ctxs["BTC"]
	if btc.Index != 0 || btc.SzDecimals != 3 || btc.MarkPrice != 65000.5 {
		t.Fatalf("unexpected BTC context: %+v", btc)
	}
	eth := ctxs["ETH"]
	if eth.Index != 1 || eth.MarkPrice != 3200.25 {
		t.Fatalf("unexpected ETH context: %+v", eth)
	}
}

func TestSpreadBpsCrossedBook(t *testing.T) {
	snap := Snapshot{BestBid: 101, BestAsk: 100}
	if got := snap.SpreadBps(); got >= 0 {
		t.Fatalf("expected negative sentinel for crossed book, got %f", got)
	}
}

func TestMakerSlipBpsGrowsWithSize(t *testing.T) {
	snap := Snapshot{BestBid: 99.95, BestAsk: 100.05, BidDepth: 10, AskDepth: 10}
	small := snap.MakerSlipBps(100, true)
	large := snap.MakerSlipBps(100_000, true)
	if small <= 0 || large <= small {
		t.Fatalf("expected slippage to grow with notional: %f vs %f", small, large)
	}
}
