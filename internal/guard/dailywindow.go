package guard

import (
	"sync"
	"time"
)

// WindowMode selects how "daily" realized PnL is accumulated: reset at UTC
// midnight, or summed over a rolling 24 hours.
type WindowMode string

const (
	WindowUTCDay    WindowMode = "utc_day"
	WindowRolling24 WindowMode = "rolling24h"
)

type fill struct {
	at  time.Time
	pnl float64
}

// DailyWindow accumulates realized PnL for the daily-loss escalation
// trigger. Fills are recorded as they are observed by reconciliation.
type DailyWindow struct {
	mode WindowMode

	mu    sync.Mutex
	day   string
	total float64
	fills []fill
}

func NewDailyWindow(mode WindowMode) *DailyWindow {
	return &DailyWindow{mode: mode}
}

func (w *DailyWindow) Add(pnl float64, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch w.mode {
	case WindowRolling24:
		w.fills = append(w.fills, fill{at: at, pnl: pnl})
	default:
		day := at.UTC().Format("2006-01-02")
		if day != w.day {
			w.day = day
			w.total = 0
		}
		w.total += pnl
	}
}

// Realized returns the accumulated PnL for the window containing now.
func (w *DailyWindow) Realized(now time.Time) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch w.mode {
	case WindowRolling24:
		cutoff := now.Add(-24 * time.Hour)
		kept := w.fills[:0]
		total := 0.0
		for _, f := range w.fills {
			if f.at.After(cutoff) {
				kept = append(kept, f)
				total += f.pnl
			}
		}
		w.fills = kept
		return total
	default:
		if now.UTC().Format("2006-01-02") != w.day {
			return 0
		}
		return w.total
	}
}
