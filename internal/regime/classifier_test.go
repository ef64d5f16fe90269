package regime

import "testing"

func testThresholds() Thresholds {
	return Thresholds{
		TurbulenceMult:      1.8,
		TurbulenceReturnPct: 0.6,
		TrendAdxMin:         22,
		TrendEmaGapMinBps:   12,
		RangeAdxMax:         18,
		RangeEmaGapMaxBps:   8,
	}
}

func TestClassifyTurbulenceByAtr(t *testing.T) {
	ind := Indicators{AtrPct: 1.5, AtrPctMedian: 0.82, Adx5m: 30, Ema20: 101, Ema50: 100}
	// 1.5 >= 0.82*1.8 = 1.476, turbulence must win over the trend rule.
	got, _ := Classify(ind, testThresholds())
	if got != Turbulence {
		t.Fatalf("expected %s, got %s", Turbulence, got)
	}
}

func TestClassifyAtrBelowTurbulenceThresholdFallsThrough(t *testing.T) {
	ind := Indicators{AtrPct: 0.95, AtrPctMedian: 0.82, Adx5m: 30, Ema20: 101, Ema50: 100}
	// 0.95 < 0.82*1.8 = 1.476, so the trend rule decides.
	got, detail := Classify(ind, testThresholds())
	if got != TrendUp {
		t.Fatalf("expected %s, got %s", TrendUp, got)
	}
	if detail.EmaGapBps < 99 || detail.EmaGapBps > 101 {
		t.Fatalf("unexpected ema gap: %f", detail.EmaGapBps)
	}
}

func TestClassifyTurbulenceByReturn(t *testing.T) {
	ind := Indicators{AtrPct: 0.3, AtrPctMedian: 0.4, Return1mPct: -0.7, Adx5m: 10, Ema20: 100, Ema50: 100}
	got, _ := Classify(ind, testThresholds())
	if got != Turbulence {
		t.Fatalf("expected %s, got %s", Turbulence, got)
	}
}

func TestClassifyTrendDown(t *testing.T) {
	ind := Indicators{AtrPct: 0.2, AtrPctMedian: 0.3, Adx5m: 25, Ema20: 99, Ema50: 100}
	got, _ := Classify(ind, testThresholds())
	if got != TrendDown {
		t.Fatalf("expected %s, got %s", TrendDown, got)
	}
	if got.Direction() != -1 {
		t.Fatalf("expected direction -1, got %d", got.Direction())
	}
}

func TestClassifyRange(t *testing.T) {
	ind := Indicators{AtrPct: 0.2, AtrPctMedian: 0.3, Adx5m: 12, Ema20: 100.05, Ema50: 100}
	got, _ := Classify(ind, testThresholds())
	if got != Range {
		t.Fatalf("expected %s, got %s", Range, got)
	}
}

func TestClassifyNoTradeBetweenRegimes(t *testing.T) {
	// ADX between range max and trend min matches neither rule.
	ind := Indicators{AtrPct: 0.2, AtrPctMedian: 0.3, Adx5m: 20, Ema20: 100.05, Ema50: 100}
	got, _ := Classify(ind, testThresholds())
	if got != NoTrade {
		t.Fatalf("expected %s, got %s", NoTrade, got)
	}
}
