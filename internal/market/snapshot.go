package market

import (
	"math"
	"time"
)

// Snapshot is the read-only indicator view one decision tick works from.
type Snapshot struct {
	Coin string

	BestBid       float64
	BestAsk       float64
	BidDepth      float64
	AskDepth      float64
	BookUpdatedAt time.Time
	LastCandleAt  time.Time
	LastTradeAt   time.Time

	AtrPct       float64
	AtrPctMedian float64
	Return1mPct  float64
	Ema20        float64
	Ema50        float64
	Adx5m        float64
	Vwap         float64
	VwapZ        float64

	Imbalance      float64 // (bidDepth-askDepth)/(bidDepth+askDepth), [-1,1]
	AggressorRatio float64 // taker buy volume fraction over the trade window

	Candles1m []Candle
}

func (s Snapshot) Mid() float64 {
	if s.BestBid <= 0 || s.BestAsk <= 0 {
		return 0
	}
	return (s.BestBid + s.BestAsk) / 2
}

// SpreadBps is the bid/ask spread in basis points of the mid. Returns a
// negative value when the book is unusable (missing or crossed).
func (s Snapshot) SpreadBps() float64 {
	mid := s.Mid()
	if mid <= 0 || s.BestAsk < s.BestBid {
		return -1
	}
	return (s.BestAsk - s.BestBid) / mid * 10000
}

// MakerSlipBps estimates adverse fill cost for a maker order of the given
// notional posted one tick inside the touch: half the spread scaled by how
// much of the visible depth on the entry side the order consumes.
func (s Snapshot) MakerSlipBps(notionalUSD float64, buy bool) float64 {
	spread := s.SpreadBps()
	if spread < 0 {
		return -1
	}
	mid := s.Mid()
	depth := s.BidDepth
	if !buy {
		depth = s.AskDepth
	}
	depthUSD := depth * mid
	ratio := 1.0
	if depthUSD > 0 && notionalUSD > 0 {
		ratio = math.Min(notionalUSD/depthUSD, 1)
	}
	return spread / 2 * (0.5 + ratio)
}
