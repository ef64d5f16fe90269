package market

import "time"

const (
	Interval1m  = "1m"
	Interval5m  = "5m"
	Interval15m = "15m"
)

type Candle struct {
	Coin     string
	Interval string
	Start    time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// BodyRatio is |close-open| over the full candle range. A doji returns 0, a
// full-body marubozu 1.
func (c Candle) BodyRatio() float64 {
	rng := c.High - c.Low
	if rng <= 0 {
		return 0
	}
	body := c.Close - c.Open
	if body < 0 {
		body = -body
	}
	return body / rng
}

type series struct {
	max     int
	candles []Candle
}

func newSeries(max int) *series {
	return &series{max: max}
}

// upsert replaces the in-progress candle when the start timestamp matches the
// latest entry, otherwise appends and trims to the window.
func (s *series) upsert(c Candle) {
	n := len(s.candles)
	if n > 0 && s.candles[n-1].Start.Equal(c.Start) {
		s.candles[n-1] = c
		return
	}
	s.candles = append(s.candles, c)
	if len(s.candles) > s.max {
		s.candles = s.candles[len(s.candles)-s.max:]
	}
}

func (s *series) tail(n int) []Candle {
	if n <= 0 || n >= len(s.candles) {
		n = len(s.candles)
	}
	out := make([]Candle, n)
	copy(out, s.candles[len(s.candles)-n:])
	return out
}

func (s *series) last() (Candle, bool) {
	if len(s.candles) == 0 {
		return Candle{}, false
	}
	return s.candles[len(s.candles)-1], true
}

func (s *series) len() int {
	return len(s.candles)
}
