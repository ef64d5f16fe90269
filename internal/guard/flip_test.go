package guard

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"hl-regime-bot/internal/signal"
)

type recordedEvent struct {
	Typ     string
	Payload map[string]any
}

type stubEvents struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (s *stubEvents) Emit(ctx context.Context, typ, coin string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, _ := payload.(map[string]any)
	s.events = append(s.events, recordedEvent{Typ: typ, Payload: m})
}

func (s *stubEvents) find(typ string) *recordedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.events {
		if s.events[i].Typ == typ {
			return &s.events[i]
		}
	}
	return nil
}

func TestFlipHappyPath(t *testing.T) {
	events := &stubEvents{}
	g := NewFlipGuard(ViolationBlock, events, nil, zap.NewNop())
	ctx := context.Background()
	t0 := time.UnixMilli(100)

	g.FlattenRequested(ctx, "ETH", signal.SideSell, t0)
	if st := g.State("ETH"); st != FlipFlattenRequested {
		t.Fatalf("state = %s", st)
	}
	if ok, reason := g.CheckEntry("ETH", false); ok || reason != signal.ReasonFlipInProgress {
		t.Fatalf("entry admitted while flatten pending: %v %s", ok, reason)
	}

	g.FlatConfirmed(ctx, "ETH", t0.Add(50*time.Millisecond))
	if ok, _ := g.CheckEntry("ETH", false); !ok {
		t.Fatalf("entry rejected after flat confirmed")
	}
	if !g.RecordEntry(ctx, "ETH", t0.Add(100*time.Millisecond)) {
		t.Fatalf("well-ordered entry rejected")
	}
	if st := g.State("ETH"); st != FlipIdle {
		t.Fatalf("state after entry = %s", st)
	}
	for _, typ := range []string{"flip_flatten_first", "flip_flat_confirmed", "flip_new_entry_submitted"} {
		if events.find(typ) == nil {
			t.Fatalf("missing %s event", typ)
		}
	}
}

func TestFlipOrderingViolationRecorded(t *testing.T) {
	events := &stubEvents{}
	g := NewFlipGuard(ViolationBlock, events, nil, zap.NewNop())
	ctx := context.Background()

	// Flatten at t=100, flat confirmed at t=150, entry recorded at t=140.
	g.FlattenRequested(ctx, "ETH", signal.SideSell, time.UnixMilli(100))
	g.FlatConfirmed(ctx, "ETH", time.UnixMilli(150))
	if g.RecordEntry(ctx, "ETH", time.UnixMilli(140)) {
		t.Fatalf("out-of-order entry admitted in block mode")
	}
	ev := events.find("flip_ordering_violation")
	if ev == nil {
		t.Fatalf("violation not recorded")
	}
	if ev.Payload["entry_at"].(int64) != 140 || ev.Payload["flat_confirmed_at"].(int64) != 150 {
		t.Fatalf("payload = %+v", ev.Payload)
	}
	// Block mode keeps the flip open for a retry with a fresh timestamp.
	if st := g.State("ETH"); st != FlipFlatConfirmed {
		t.Fatalf("state = %s", st)
	}
	if !g.RecordEntry(ctx, "ETH", time.UnixMilli(160)) {
		t.Fatalf("retry after violation rejected")
	}
}

func TestFlipViolationLogOnlyMode(t *testing.T) {
	events := &stubEvents{}
	g := NewFlipGuard(ViolationLog, events, nil, zap.NewNop())
	ctx := context.Background()

	g.FlattenRequested(ctx, "ETH", signal.SideSell, time.UnixMilli(100))
	g.FlatConfirmed(ctx, "ETH", time.UnixMilli(150))
	if !g.RecordEntry(ctx, "ETH", time.UnixMilli(140)) {
		t.Fatalf("log-only mode must admit the entry")
	}
	ev := events.find("flip_ordering_violation")
	if ev == nil {
		t.Fatalf("violation not recorded in log mode")
	}
	if ev.Payload["blocked"].(bool) {
		t.Fatalf("log mode marked as blocked")
	}
}

func TestPyramidingAlwaysRejected(t *testing.T) {
	g := NewFlipGuard(ViolationBlock, &stubEvents{}, nil, zap.NewNop())
	if ok, reason := g.CheckEntry("ETH", true); ok || reason != signal.ReasonPyramiding {
		t.Fatalf("pyramiding admitted: %v %s", ok, reason)
	}
	// Still rejected regardless of any prior flip history.
	g.FlattenRequested(context.Background(), "ETH", signal.SideBuy, time.Now())
	g.FlatConfirmed(context.Background(), "ETH", time.Now())
	if ok, _ := g.CheckEntry("ETH", true); ok {
		t.Fatalf("pyramiding admitted after flip")
	}
}

func TestFlatConfirmedWithoutFlattenIsNoop(t *testing.T) {
	g := NewFlipGuard(ViolationBlock, &stubEvents{}, nil, zap.NewNop())
	g.FlatConfirmed(context.Background(), "ETH", time.Now())
	if st := g.State("ETH"); st != FlipIdle {
		t.Fatalf("state = %s", st)
	}
}

func TestDailyWindowUTCDay(t *testing.T) {
	w := NewDailyWindow(WindowUTCDay)
	day1 := time.Date(2026, 3, 1, 22, 0, 0, 0, time.UTC)
	w.Add(-5, day1)
	w.Add(-3, day1.Add(time.Hour))
	if got := w.Realized(day1.Add(time.Hour)); got != -8 {
		t.Fatalf("realized = %v", got)
	}
	// Midnight UTC resets the accumulator.
	day2 := time.Date(2026, 3, 2, 0, 30, 0, 0, time.UTC)
	if got := w.Realized(day2); got != 0 {
		t.Fatalf("realized after rollover = %v", got)
	}
	w.Add(-2, day2)
	if got := w.Realized(day2); got != -2 {
		t.Fatalf("realized day2 = %v", got)
	}
}

func TestDailyWindowRolling24h(t *testing.T) {
	w := NewDailyWindow(WindowRolling24)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w.Add(-5, t0)
	w.Add(-3, t0.Add(20*time.Hour))
	if got := w.Realized(t0.Add(21 * time.Hour)); got != -8 {
		t.Fatalf("realized = %v", got)
	}
	// The first fill ages out of the rolling window.
	if got := w.Realized(t0.Add(25 * time.Hour)); got != -3 {
		t.Fatalf("realized after expiry = %v", got)
	}
}
