package market

import (
	"math"
	"sort"
)

// EMA returns the exponential moving average of the closes with the given
// period, seeded with an SMA over the first period values.
func EMA(closes []float64, period int) float64 {
	if period <= 0 || len(closes) < period {
		return 0
	}
	var sum float64
	for _, v := range closes[:period] {
		sum += v
	}
	ema := sum / float64(period)
	k := 2.0 / float64(period+1)
	for _, v := range closes[period:] {
		ema = v*k + ema*(1-k)
	}
	return ema
}

// ATRPct returns Wilder's average true range over period as a percent of the
// last close.
func ATRPct(candles []Candle, period int) float64 {
	if period <= 0 || len(candles) < period+1 {
		return 0
	}
	trs := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		trs = append(trs, trueRange(candles[i], candles[i-1]))
	}
	var sum float64
	for _, tr := range trs[:period] {
		sum += tr
	}
	atr := sum / float64(period)
	for _, tr := range trs[period:] {
		atr = (atr*float64(period-1) + tr) / float64(period)
	}
	last := candles[len(candles)-1].Close
	if last == 0 {
		return 0
	}
	return atr / last * 100
}

func trueRange(c, prev Candle) float64 {
	hl := c.High - c.Low
	hc := math.Abs(c.High - prev.Close)
	lc := math.Abs(c.Low - prev.Close)
	return math.Max(hl, math.Max(hc, lc))
}

// Median returns the middle value of the inputs; even counts average the two
// middle values.
func Median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// ADX computes Wilder's average directional index. It needs at least
// 2*period+1 candles; fewer returns 0.
func ADX(candles []Candle, period int) float64 {
	if period <= 0 || len(candles) < 2*period+1 {
		return 0
	}
	var tr14, pdm14, mdm14 float64
	var dxs []float64
	var trSum, pdmSum, mdmSum float64
	for i := 1; i < len(candles); i++ {
		c, prev := candles[i], candles[i-1]
		up := c.High - prev.High
		down := prev.Low - c.Low
		var pdm, mdm float64
		if up > down && up > 0 {
			pdm = up
		}
		if down > up && down > 0 {
			mdm = down
		}
		tr := trueRange(c, prev)
		if i <= period {
			trSum += tr
			pdmSum += pdm
			mdmSum += mdm
			if i == period {
				tr14, pdm14, mdm14 = trSum, pdmSum, mdmSum
				dxs = append(dxs, dx(pdm14, mdm14, tr14))
			}
			continue
		}
		tr14 = tr14 - tr14/float64(period) + tr
		pdm14 = pdm14 - pdm14/float64(period) + pdm
		mdm14 = mdm14 - mdm14/float64(period) + mdm
		dxs = append(dxs, dx(pdm14, mdm14, tr14))
	}
	if len(dxs) < period {
		return 0
	}
	var sum float64
	for _, v := range dxs[:period] {
		sum += v
	}
	adx := sum / float64(period)
	for _, v := range dxs[period:] {
		adx = (adx*float64(period-1) + v) / float64(period)
	}
	return adx
}

func dx(pdm, mdm, tr float64) float64 {
	if tr == 0 {
		return 0
	}
	pdi := pdm / tr * 100
	mdi := mdm / tr * 100
	if pdi+mdi == 0 {
		return 0
	}
	return math.Abs(pdi-mdi) / (pdi + mdi) * 100
}

// VWAP returns the volume-weighted average price over the candles, falling
// back to a plain close average when no volume was traded.
func VWAP(candles []Candle) float64 {
	var pv, vol float64
	for _, c := range candles {
		typical := (c.High + c.Low + c.Close) / 3
		pv += typical * c.Volume
		vol += c.Volume
	}
	if vol == 0 {
		var sum float64
		for _, c := range candles {
			sum += c.Close
		}
		if len(candles) == 0 {
			return 0
		}
		return sum / float64(len(candles))
	}
	return pv / vol
}

// VWAPZScore returns how many standard deviations the last close sits from
// the window VWAP, using the stddev of close-to-VWAP distances.
func VWAPZScore(candles []Candle) float64 {
	if len(candles) < 2 {
		return 0
	}
	vwap := VWAP(candles)
	var sum, sumSq float64
	for _, c := range candles {
		d := c.Close - vwap
		sum += d
		sumSq += d * d
	}
	n := float64(len(candles))
	mean := sum / n
	variance := sumSq/n - mean*mean
	if variance <= 0 {
		return 0
	}
	last := candles[len(candles)-1].Close
	return (last - vwap) / math.Sqrt(variance)
}

// Return1mPct is the percent change of the last 1m close against the prior
// close.
func Return1mPct(candles []Candle) float64 {
	if len(candles) < 2 {
		return 0
	}
	prev := candles[len(candles)-2].Close
	if prev == 0 {
		return 0
	}
	last := candles[len(candles)-1].Close
	return (last - prev) / prev * 100
}
