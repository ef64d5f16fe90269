package protect

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"hl-regime-bot/internal/config"
	"hl-regime-bot/internal/signal"
)

type stubOrders struct {
	mu        sync.Mutex
	placed    []Triggers
	cancelled [][]string
	flattened []string
	placeErr  error
	nextOID   int
}

func (s *stubOrders) PlaceTriggerPair(ctx context.Context, coin string, t Triggers) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.placeErr != nil {
		return "", "", s.placeErr
	}
	s.placed = append(s.placed, t)
	s.nextOID += 2
	return oid(s.nextOID - 1), oid(s.nextOID), nil
}

func (s *stubOrders) CancelOrders(ctx context.Context, coin string, orderIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, orderIDs)
	return nil
}

func (s *stubOrders) FlattenPosition(ctx context.Context, coin string, buy bool, size float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flattened = append(s.flattened, coin)
	return nil
}

func oid(n int) string {
	return string(rune('a' + n))
}

type recordedEvent struct {
	Typ     string
	Coin    string
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
	s.events = append(s.events, recordedEvent{Typ: typ, Coin: coin, Payload: m})
}

func (s *stubEvents) count(typ string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Typ == typ {
			n++
		}
	}
	return n
}

func protectCfg() config.ProtectionConfig {
	return config.ProtectionConfig{
		GracePeriod:    2 * time.Second,
		RefreshMoveBps: 20,
		RefreshSizePct: 10,
		PlaceRetries:   1,
		PlaceBackoff:   time.Millisecond,
	}
}

func plan() signal.ProtectionPlan {
	return signal.ProtectionPlan{Kind: signal.ProtectionTrend, SlPct: 0.15, TpPct: 0.25}
}

func TestDeriveLong(t *testing.T) {
	pos := Position{Coin: "ETH", Size: 0.5, EntryPx: 2000}
	trig := Derive(pos, plan())
	if math.Abs(trig.TpPx-2005) > 1e-9 || math.Abs(trig.SlPx-1997) > 1e-9 {
		t.Fatalf("triggers = %+v", trig)
	}
	if trig.CloseBuy {
		t.Fatalf("long position must close with a sell")
	}
	if trig.Size != 0.5 {
		t.Fatalf("size = %v", trig.Size)
	}
}

func TestDeriveShort(t *testing.T) {
	pos := Position{Coin: "ETH", Size: -0.5, EntryPx: 2000}
	trig := Derive(pos, plan())
	if math.Abs(trig.TpPx-1995) > 1e-9 || math.Abs(trig.SlPx-2003) > 1e-9 {
		t.Fatalf("triggers = %+v", trig)
	}
	if !trig.CloseBuy {
		t.Fatalf("short position must close with a buy")
	}
}

func TestEnsureIdempotentWithinMateriality(t *testing.T) {
	orders := &stubOrders{}
	events := &stubEvents{}
	m := NewManager(protectCfg(), orders, events, nil, zap.NewNop())
	now := time.Now()
	pos := Position{Coin: "ETH", Size: 0.5, EntryPx: 2000, OpenedAt: now}

	if err := m.Ensure(context.Background(), pos, plan(), now); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !m.Covered("ETH") {
		t.Fatalf("position not covered after ensure")
	}
	// Tiny drift stays under the materiality thresholds.
	pos.EntryPx = 2000.5
	if err := m.Ensure(context.Background(), pos, plan(), now.Add(time.Second)); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if len(orders.placed) != 1 {
		t.Fatalf("placed %d trigger pairs, want 1", len(orders.placed))
	}
	if events.count("ensure_protection_done") != 1 {
		t.Fatalf("events = %+v", events.events)
	}
}

func TestEnsureRefreshesOnMaterialMove(t *testing.T) {
	orders := &stubOrders{}
	events := &stubEvents{}
	m := NewManager(protectCfg(), orders, events, nil, zap.NewNop())
	now := time.Now()
	pos := Position{Coin: "ETH", Size: 0.5, EntryPx: 2000, OpenedAt: now}
	m.Ensure(context.Background(), pos, plan(), now)

	// 50 bps against a 20 bps threshold forces a replace.
	pos.EntryPx = 2010
	if err := m.Ensure(context.Background(), pos, plan(), now.Add(time.Second)); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if len(orders.placed) != 2 {
		t.Fatalf("placed %d pairs, want replace", len(orders.placed))
	}
	if len(orders.cancelled) != 1 || len(orders.cancelled[0]) != 2 {
		t.Fatalf("cancelled = %+v", orders.cancelled)
	}
}

func TestEnsureSurfacesLatencyViolation(t *testing.T) {
	orders := &stubOrders{}
	events := &stubEvents{}
	m := NewManager(protectCfg(), orders, events, nil, zap.NewNop())
	now := time.Now()
	pos := Position{Coin: "ETH", Size: 0.5, EntryPx: 2000, OpenedAt: now.Add(-5 * time.Second)}

	if err := m.Ensure(context.Background(), pos, plan(), now); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if events.count("protection_latency_violation") != 1 {
		t.Fatalf("events = %+v", events.events)
	}
	// The violation is surfaced but the position still gets covered.
	if len(orders.placed) != 1 {
		t.Fatalf("placed %d pairs", len(orders.placed))
	}
}

func TestViolationSurvivesConcurrentClose(t *testing.T) {
	orders := &stubOrders{}
	events := &stubEvents{}
	m := NewManager(protectCfg(), orders, events, nil, zap.NewNop())
	now := time.Now()
	pos := Position{Coin: "ETH", Size: 0.5, EntryPx: 2000, OpenedAt: now.Add(-5 * time.Second)}

	// The sweep can still hold a tracked entry that PositionClosed has
	// already dropped from the map; the violation must land on that entry
	// instead of looking the coin up again.
	st := &tracked{}
	m.violation(context.Background(), st, pos, now)
	if events.count("protection_latency_violation") != 1 {
		t.Fatalf("events = %+v", events.events)
	}
	m.violation(context.Background(), st, pos, now)
	if events.count("protection_latency_violation") != 1 {
		t.Fatalf("violation emitted twice for one exposure: %+v", events.events)
	}
}

func TestEnsureRacesPositionClosed(t *testing.T) {
	orders := &stubOrders{placeErr: errors.New("rejected")}
	events := &stubEvents{}
	cfg := protectCfg()
	cfg.PlaceRetries = 0
	m := NewManager(cfg, orders, events, nil, zap.NewNop())
	pos := Position{Coin: "ETH", Size: 0.5, EntryPx: 2000, OpenedAt: time.Now().Add(-time.Minute)}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5000; i++ {
			m.PositionClosed(context.Background(), "ETH")
		}
	}()
	for i := 0; i < 5000; i++ {
		m.Ensure(context.Background(), pos, plan(), time.Now())
	}
	<-done
}

func TestEnsureEmergencyFlattenAfterRetries(t *testing.T) {
	orders := &stubOrders{placeErr: errors.New("rejected")}
	events := &stubEvents{}
	m := NewManager(protectCfg(), orders, events, nil, zap.NewNop())
	now := time.Now()
	pos := Position{Coin: "ETH", Size: 0.5, EntryPx: 2000, OpenedAt: now}

	if err := m.Ensure(context.Background(), pos, plan(), now); err != nil {
		t.Fatalf("flatten path should succeed, got %v", err)
	}
	if len(orders.flattened) != 1 || orders.flattened[0] != "ETH" {
		t.Fatalf("flattened = %v", orders.flattened)
	}
	if events.count("emergency_flatten") != 1 {
		t.Fatalf("events = %+v", events.events)
	}
	if m.Covered("ETH") {
		t.Fatalf("flattened position still tracked as covered")
	}
}

func TestPositionClosedCancelsTriggers(t *testing.T) {
	orders := &stubOrders{}
	m := NewManager(protectCfg(), orders, &stubEvents{}, nil, zap.NewNop())
	now := time.Now()
	pos := Position{Coin: "ETH", Size: 0.5, EntryPx: 2000, OpenedAt: now}
	m.Ensure(context.Background(), pos, plan(), now)

	if err := m.PositionClosed(context.Background(), "ETH"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(orders.cancelled) != 1 || len(orders.cancelled[0]) != 2 {
		t.Fatalf("cancelled = %+v", orders.cancelled)
	}
	if m.Covered("ETH") {
		t.Fatalf("closed position still covered")
	}
}

func TestCheckTimeStop(t *testing.T) {
	orders := &stubOrders{}
	events := &stubEvents{}
	m := NewManager(protectCfg(), orders, events, nil, zap.NewNop())
	now := time.Now()
	p := signal.ProtectionPlan{SlPct: 0.5, TpPct: 1.0, TimeStop: 30 * time.Minute, TimeStopProgressR: 0.5}
	pos := Position{Coin: "ETH", Size: 0.5, EntryPx: 2000, OpenedAt: now.Add(-time.Hour)}

	// Stop distance is 10; progress 0.2R (mark 2002) is under the 0.5R bar.
	flattened, err := m.CheckTimeStop(context.Background(), pos, p, 2002, now)
	if err != nil || !flattened {
		t.Fatalf("flattened=%v err=%v", flattened, err)
	}
	if len(orders.flattened) != 1 {
		t.Fatalf("flatten not issued")
	}

	// Enough progress keeps the position.
	orders2 := &stubOrders{}
	m2 := NewManager(protectCfg(), orders2, events, nil, zap.NewNop())
	flattened, err = m2.CheckTimeStop(context.Background(), pos, p, 2008, now)
	if err != nil || flattened {
		t.Fatalf("flattened=%v err=%v", flattened, err)
	}

	// Not yet expired.
	young := pos
	young.OpenedAt = now.Add(-10 * time.Minute)
	flattened, _ = m2.CheckTimeStop(context.Background(), young, p, 2002, now)
	if flattened {
		t.Fatalf("young position flattened")
	}
}
