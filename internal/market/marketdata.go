package market

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"hl-regime-bot/internal/hl/rest"
	"hl-regime-bot/internal/hl/ws"

	"go.uber.org/zap"
)

const (
	candleWindow1m   = 240
	candleWindow5m   = 120
	candleWindow15m  = 120
	atrPeriod        = 14
	atrHistoryWindow = 120
	adxPeriod        = 14
	vwapWindow       = 60
	tradeWindow      = 5 * time.Minute
	bookDepthLevels  = 5
	ctxRefreshEvery  = 30 * time.Second
)

type PerpContext struct {
	Index      int
	SzDecimals int
	MarkPrice  float64
}

type BookTop struct {
	BestBid   float64
	BestAsk   float64
	BidSize   float64
	AskSize   float64
	BidDepth  float64
	AskDepth  float64
	UpdatedAt time.Time
}

type trade struct {
	buy  bool
	size float64
	ts   time.Time
}

// View is the per-symbol market data surface the decision loop reads: candle
// series on three intervals, order book top, trade flow and the indicators
// derived from them. It is fed by the websocket stream and backfilled over
// REST.
type View struct {
	rest  *rest.Client
	ws    *ws.Client
	log   *zap.Logger
	coins []string

	mu             sync.RWMutex
	candles        map[string]map[string]*series
	atrHistory     map[string][]float64
	books          map[string]BookTop
	trades         map[string][]trade
	perpCtx        map[string]PerpContext
	lastCtxRefresh time.Time

	lastMessageNS atomic.Int64
}

func NewView(restClient *rest.Client, wsClient *ws.Client, coins []string, log *zap.Logger) *View {
	return &View{
		rest:       restClient,
		ws:         wsClient,
		log:        log,
		coins:      coins,
		candles:    make(map[string]map[string]*series),
		atrHistory: make(map[string][]float64),
		books:      make(map[string]BookTop),
		trades:     make(map[string][]trade),
		perpCtx:    make(map[string]PerpContext),
	}
}

func (v *View) Start(ctx context.Context) error {
	if v.ws == nil {
		return nil
	}
	if err := v.ws.Connect(ctx); err != nil {
		return err
	}
	for _, coin := range v.coins {
		for _, interval := range []string{Interval1m, Interval5m, Interval15m} {
			sub := map[string]any{
				"method": "subscribe",
				"subscription": map[string]any{
					"type":     "candle",
					"coin":     coin,
					"interval": interval,
				},
			}
			if err := v.ws.Subscribe(ctx, sub); err != nil {
				return err
			}
		}
		for _, kind := range []string{"l2Book", "trades"} {
			sub := map[string]any{
				"method":       "subscribe",
				"subscription": map[string]any{"type": kind, "coin": coin},
			}
			if err := v.ws.Subscribe(ctx, sub); err != nil {
				return err
			}
		}
	}
	if err := v.RefreshContexts(ctx); err != nil {
		v.log.Warn("context refresh failed", zap.Error(err))
	}
	go func() {
		_ = v.ws.Run(ctx, v.handleMessage)
	}()
	return nil
}

// LastMessageAt is the receive time of the most recent websocket message.
// Zero means nothing has been received yet.
func (v *View) LastMessageAt() time.Time {
	ns := v.lastMessageNS.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (v *View) RefreshContexts(ctx context.Context) error {
	if v.rest == nil {
		return nil
	}
	v.mu.RLock()
	fresh := !v.lastCtxRefresh.IsZero() && time.Since(v.lastCtxRefresh) < ctxRefreshEvery
	v.mu.RUnlock()
	if fresh {
		return nil
	}
	resp, err := v.rest.InfoAny(ctx, rest.InfoRequest{Type: "metaAndAssetCtxs"})
	if err != nil {
		return err
	}
	perpCtx, err := parsePerpContexts(resp)
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.perpCtx = perpCtx
	v.lastCtxRefresh = time.Now().UTC()
	v.mu.Unlock()
	return nil
}

func (v *View) PerpContext(coin string) (PerpContext, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ctx, ok := v.perpCtx[coin]
	return ctx, ok
}

func (v *View) Book(coin string) (BookTop, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	book, ok := v.books[coin]
	return book, ok
}

func (v *View) handleMessage(msg json.RawMessage) {
	v.lastMessageNS.Store(time.Now().UnixNano())
	var payload map[string]any
	if err := json.Unmarshal(msg, &payload); err != nil {
		v.log.Debug("ws decode error", zap.Error(err))
		return
	}
	switch stringFromAny(payload["channel"]) {
	case "l2Book":
		v.updateBook(payload)
	case "trades":
		v.updateTrades(payload)
	case "candle":
		v.updateCandle(payload)
	default:
		// Candle frames from some gateways omit the channel field.
		v.updateCandle(payload)
	}
}

func (v *View) updateCandle(payload map[string]any) {
	c, ok := parseCandle(payload)
	if !ok {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	byInterval, ok := v.candles[c.Coin]
	if !ok {
		byInterval = make(map[string]*series)
		v.candles[c.Coin] = byInterval
	}
	s, ok := byInterval[c.Interval]
	if !ok {
		s = newSeries(windowFor(c.Interval))
		byInterval[c.Interval] = s
	}
	prevLen := s.len()
	var prevStart time.Time
	if last, ok := s.last(); ok {
		prevStart = last.Start
	}
	s.upsert(c)
	// A new 1m bar means the prior bar completed: record its ATR% for the
	// rolling median the turbulence rule compares against.
	if c.Interval == Interval1m && prevLen > 0 && !c.Start.Equal(prevStart) {
		completed := s.tail(0)
		if len(completed) > 1 {
			atr := ATRPct(completed[:len(completed)-1], atrPeriod)
			if atr > 0 {
				hist := append(v.atrHistory[c.Coin], atr)
				if len(hist) > atrHistoryWindow {
					hist = hist[len(hist)-atrHistoryWindow:]
				}
				v.atrHistory[c.Coin] = hist
			}
		}
	}
}

func (v *View) updateBook(payload map[string]any) {
	coin, book, ok := parseBook(payload, bookDepthLevels)
	if !ok {
		return
	}
	v.mu.Lock()
	v.books[coin] = book
	v.mu.Unlock()
}

func (v *View) updateTrades(payload map[string]any) {
	coin, parsed, ok := parseTrades(payload)
	if !ok {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	flow := append(v.trades[coin], parsed...)
	cutoff := time.Now().Add(-tradeWindow)
	kept := flow[:0]
	for _, t := range flow {
		if t.ts.After(cutoff) {
			kept = append(kept, t)
		}
	}
	v.trades[coin] = kept
}

func windowFor(interval string) int {
	switch interval {
	case Interval5m:
		return candleWindow5m
	case Interval15m:
		return candleWindow15m
	default:
		return candleWindow1m
	}
}

// Snapshot assembles the indicator view for one coin. ok is false until
// enough data has streamed in to price a decision at all; individual
// indicators may still be zero while their own warmup is incomplete.
func (v *View) Snapshot(coin string) (Snapshot, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	byInterval := v.candles[coin]
	if byInterval == nil {
		return Snapshot{}, false
	}
	s1, ok := byInterval[Interval1m]
	if !ok || s1.len() < 2 {
		return Snapshot{}, false
	}
	book := v.books[coin]

	c1 := s1.tail(0)
	var c5, c15 []Candle
	if s5, ok := byInterval[Interval5m]; ok {
		c5 = s5.tail(0)
	}
	if s15, ok := byInterval[Interval15m]; ok {
		c15 = s15.tail(0)
	}
	vwapCandles := c1
	if len(vwapCandles) > vwapWindow {
		vwapCandles = vwapCandles[len(vwapCandles)-vwapWindow:]
	}
	snap := Snapshot{
		Coin:           coin,
		BestBid:        book.BestBid,
		BestAsk:        book.BestAsk,
		BidDepth:       book.BidDepth,
		AskDepth:       book.AskDepth,
		BookUpdatedAt:  book.UpdatedAt,
		LastCandleAt:   c1[len(c1)-1].Start,
		AtrPct:         ATRPct(c1, atrPeriod),
		AtrPctMedian:   Median(v.atrHistory[coin]),
		Return1mPct:    Return1mPct(c1),
		Adx5m:          ADX(c5, adxPeriod),
		Vwap:           VWAP(vwapCandles),
		VwapZ:          VWAPZScore(vwapCandles),
		Candles1m:      c1,
		AggressorRatio: 0.5,
	}
	if len(c15) > 0 {
		closes := make([]float64, len(c15))
		for i, c := range c15 {
			closes[i] = c.Close
		}
		snap.Ema20 = EMA(closes, 20)
		snap.Ema50 = EMA(closes, 50)
	}
	if book.BidDepth+book.AskDepth > 0 {
		snap.Imbalance = (book.BidDepth - book.AskDepth) / (book.BidDepth + book.AskDepth)
	}
	if flow := v.trades[coin]; len(flow) > 0 {
		var buyVol, totalVol float64
		last := time.Time{}
		for _, t := range flow {
			totalVol += t.size
			if t.buy {
				buyVol += t.size
			}
			if t.ts.After(last) {
				last = t.ts
			}
		}
		if totalVol > 0 {
			snap.AggressorRatio = buyVol / totalVol
		}
		snap.LastTradeAt = last
	}
	return snap, true
}

var errNoSnapshot = errors.New("no market snapshot for coin")

// RequireSnapshot is Snapshot with an error for call sites that treat a
// missing snapshot as a failure rather than a skip.
func (v *View) RequireSnapshot(coin string) (Snapshot, error) {
	snap, ok := v.Snapshot(coin)
	if !ok {
		return Snapshot{}, errNoSnapshot
	}
	return snap, nil
}
