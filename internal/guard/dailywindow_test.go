package guard

import (
	"testing"
	"time"
)

func TestDailyWindowUTCDayResets(t *testing.T) {
	w := NewDailyWindow(WindowUTCDay)
	day1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	w.Add(-4.5, day1)
	w.Add(1.25, day1.Add(2*time.Hour))

	if got := w.Realized(day1.Add(3 * time.Hour)); got != -3.25 {
		t.Fatalf("Realized = %v, want -3.25", got)
	}
	// A fill on the next UTC day starts a fresh total.
	day2 := day1.Add(15 * time.Hour)
	w.Add(-1.0, day2)
	if got := w.Realized(day2); got != -1.0 {
		t.Fatalf("Realized after rollover = %v, want -1.0", got)
	}
}

func TestDailyWindowUTCDayStaleQuery(t *testing.T) {
	w := NewDailyWindow(WindowUTCDay)
	at := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	w.Add(-7, at)
	if got := w.Realized(at.Add(2 * time.Hour)); got != 0 {
		t.Fatalf("querying across midnight should read 0, got %v", got)
	}
}

func TestDailyWindowRolling24Expiry(t *testing.T) {
	w := NewDailyWindow(WindowRolling24)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w.Add(-5, base)
	w.Add(-2, base.Add(20*time.Hour))

	if got := w.Realized(base.Add(23 * time.Hour)); got != -7 {
		t.Fatalf("Realized = %v, want -7", got)
	}
	if got := w.Realized(base.Add(25 * time.Hour)); got != -2 {
		t.Fatalf("Realized after expiry = %v, want -2", got)
	}
}
