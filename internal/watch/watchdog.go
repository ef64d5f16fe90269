package watch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"hl-regime-bot/internal/metrics"
)

// Stale reports whether a stream that last delivered at lastMessageAt has
// gone quiet. A zero timestamp means the stream never connected, which is
// not staleness: reconnecting before the first handshake completes would
// only storm the endpoint.
func Stale(lastMessageAt, now time.Time, timeout time.Duration) bool {
	if lastMessageAt.IsZero() {
		return false
	}
	return now.Sub(lastMessageAt) > timeout
}

type EventSink interface {
	Emit(ctx context.Context, typ, coin string, payload any)
}

// Watchdog periodically checks the WS stream for stalls and forces a
// reconnect when one is detected. Timeout occurrences are kept in a sliding
// window for the escalation trigger gate.
type Watchdog struct {
	timeout   time.Duration
	interval  time.Duration
	lastAt    func() time.Time
	reconnect func()
	events    EventSink
	met       *metrics.Metrics
	log       *zap.Logger

	mu       sync.Mutex
	timeouts []time.Time
}

func New(timeout, interval time.Duration, lastAt func() time.Time, reconnect func(), events EventSink, met *metrics.Metrics, log *zap.Logger) *Watchdog {
	if met == nil {
		met = metrics.NewNoop()
	}
	return &Watchdog{
		timeout:   timeout,
		interval:  interval,
		lastAt:    lastAt,
		reconnect: reconnect,
		events:    events,
		met:       met,
		log:       log,
	}
}

// Run checks the stream on every interval tick until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Check(ctx, time.Now())
		}
	}
}

// Check runs one stall evaluation. Exposed for tests and for the engine's
// shutdown path.
func (w *Watchdog) Check(ctx context.Context, now time.Time) bool {
	last := w.lastAt()
	if !Stale(last, now, w.timeout) {
		return false
	}
	w.mu.Lock()
	w.timeouts = append(w.timeouts, now)
	w.mu.Unlock()

	w.met.WatchdogTimeouts.Inc()
	w.log.Warn("ws stream stalled, forcing reconnect",
		zap.Duration("quiet", now.Sub(last)),
		zap.Duration("timeout", w.timeout))
	w.events.Emit(ctx, "watchdog_timeout", "", map[string]any{
		"quiet_ms":   now.Sub(last).Milliseconds(),
		"timeout_ms": w.timeout.Milliseconds(),
	})
	if w.reconnect != nil {
		w.reconnect()
	}
	return true
}

// TimeoutsInWindow counts stalls observed in the trailing window ending at
// now, trimming older entries.
func (w *Watchdog) TimeoutsInWindow(window time.Duration, now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := now.Add(-window)
	kept := w.timeouts[:0]
	for _, t := range w.timeouts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.timeouts = kept
	return len(kept)
}
