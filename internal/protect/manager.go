package protect

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"hl-regime-bot/internal/config"
	"hl-regime-bot/internal/metrics"
	"hl-regime-bot/internal/signal"
)

// Position is the reconciled exposure the manager protects. Size is signed:
// positive long, negative short. OpenedAt is the fill time of the opening
// order and anchors the grace-period SLA.
type Position struct {
	Coin     string
	Size     float64
	EntryPx  float64
	OpenedAt time.Time
}

func (p Position) IsLong() bool { return p.Size > 0 }

// Triggers are the absolute TP/SL prices derived from a fill. CloseBuy is
// the direction of the reduce-only close orders.
type Triggers struct {
	TpPx     float64
	SlPx     float64
	Size     float64
	CloseBuy bool
}

// Orders is the slice of the execution layer the manager needs. Both trigger
// orders are placed in one grouped action; cancel and flatten are per coin.
type Orders interface {
	PlaceTriggerPair(ctx context.Context, coin string, t Triggers) (tpOID, slOID string, err error)
	CancelOrders(ctx context.Context, coin string, orderIDs []string) error
	FlattenPosition(ctx context.Context, coin string, buy bool, size float64) error
}

// EventSink receives the structured protection events the offline auditor
// consumes.
type EventSink interface {
	Emit(ctx context.Context, typ, coin string, payload any)
}

type tracked struct {
	plan     signal.ProtectionPlan
	entryPx  float64
	size     float64
	tpOID    string
	slOID    string
	violated bool
}

// Manager keeps every open position covered by reduce-only TP/SL triggers.
// The engine calls Ensure from the protection sweep, which runs on its own
// cadence independent of the decision loop.
type Manager struct {
	cfg    config.ProtectionConfig
	orders Orders
	events EventSink
	met    *metrics.Metrics
	log    *zap.Logger

	mu    sync.Mutex
	state map[string]*tracked
}

func NewManager(cfg config.ProtectionConfig, orders Orders, events EventSink, met *metrics.Metrics, log *zap.Logger) *Manager {
	if met == nil {
		met = metrics.NewNoop()
	}
	return &Manager{
		cfg:    cfg,
		orders: orders,
		events: events,
		met:    met,
		log:    log,
		state:  make(map[string]*tracked),
	}
}

// Derive computes the trigger prices for a filled position. Long positions
// take profit above and stop below the entry; shorts invert. The close side
// is always opposite the position side.
func Derive(pos Position, plan signal.ProtectionPlan) Triggers {
	size := math.Abs(pos.Size)
	if pos.IsLong() {
		return Triggers{
			TpPx:     pos.EntryPx * (1 + plan.TpPct/100),
			SlPx:     pos.EntryPx * (1 - plan.SlPct/100),
			Size:     size,
			CloseBuy: false,
		}
	}
	return Triggers{
		TpPx:     pos.EntryPx * (1 - plan.TpPct/100),
		SlPx:     pos.EntryPx * (1 + plan.SlPct/100),
		Size:     size,
		CloseBuy: true,
	}
}

// Ensure brings the live TP/SL orders in line with pos. It is idempotent:
// when the position is unchanged within the materiality thresholds the
// existing triggers are left alone. A position still uncovered past the
// grace period is surfaced as a latency violation before the placement is
// attempted, and placement failure past the retry budget escalates to an
// emergency flatten.
func (m *Manager) Ensure(ctx context.Context, pos Position, plan signal.ProtectionPlan, now time.Time) error {
	if pos.Size == 0 {
		return m.PositionClosed(ctx, pos.Coin)
	}

	m.mu.Lock()
	st, ok := m.state[pos.Coin]
	if !ok {
		st = &tracked{}
		m.state[pos.Coin] = st
	}
	covered := st.slOID != ""
	refresh := covered && m.material(st, pos)
	m.mu.Unlock()

	if covered && !refresh {
		return nil
	}

	if !covered && !pos.OpenedAt.IsZero() && now.Sub(pos.OpenedAt) > m.cfg.GracePeriod {
		m.violation(ctx, st, pos, now)
	}

	if refresh {
		m.mu.Lock()
		var stale []string
		if st.tpOID != "" {
			stale = append(stale, st.tpOID)
		}
		if st.slOID != "" {
			stale = append(stale, st.slOID)
		}
		st.tpOID, st.slOID = "", ""
		m.mu.Unlock()
		if err := m.orders.CancelOrders(ctx, pos.Coin, stale); err != nil {
			m.log.Warn("failed to cancel stale protection", zap.String("coin", pos.Coin), zap.Error(err))
		}
	}

	trig := Derive(pos, plan)
	tpOID, slOID, err := m.placeWithRetry(ctx, pos.Coin, trig)
	if err != nil {
		return m.emergencyFlatten(ctx, pos, err)
	}

	m.mu.Lock()
	st.plan = plan
	st.entryPx = pos.EntryPx
	st.size = pos.Size
	st.tpOID = tpOID
	st.slOID = slOID
	st.violated = false
	m.mu.Unlock()

	m.met.ProtectionPlaced.Inc()
	m.events.Emit(ctx, "ensure_protection_done", pos.Coin, map[string]any{
		"entry_px":   pos.EntryPx,
		"size":       pos.Size,
		"tp_px":      trig.TpPx,
		"sl_px":      trig.SlPx,
		"close_buy":  trig.CloseBuy,
		"latency_ms": now.Sub(pos.OpenedAt).Milliseconds(),
		"refreshed":  refresh,
	})
	return nil
}

// CheckTimeStop flattens a stale position that has not progressed. Progress
// is measured in R: distance from entry in favor of the position, divided by
// the stop distance.
func (m *Manager) CheckTimeStop(ctx context.Context, pos Position, plan signal.ProtectionPlan, markPx float64, now time.Time) (bool, error) {
	if pos.Size == 0 || plan.TimeStop <= 0 || pos.OpenedAt.IsZero() {
		return false, nil
	}
	if now.Sub(pos.OpenedAt) < plan.TimeStop || markPx <= 0 || pos.EntryPx <= 0 {
		return false, nil
	}
	stopDist := pos.EntryPx * plan.SlPct / 100
	if stopDist <= 0 {
		return false, nil
	}
	favor := markPx - pos.EntryPx
	if !pos.IsLong() {
		favor = -favor
	}
	if favor/stopDist >= plan.TimeStopProgressR {
		return false, nil
	}
	m.events.Emit(ctx, "time_stop_flatten", pos.Coin, map[string]any{
		"entry_px":   pos.EntryPx,
		"mark_px":    markPx,
		"progress_r": favor / stopDist,
		"held_ms":    now.Sub(pos.OpenedAt).Milliseconds(),
	})
	if err := m.orders.FlattenPosition(ctx, pos.Coin, !pos.IsLong(), math.Abs(pos.Size)); err != nil {
		return false, err
	}
	return true, m.PositionClosed(ctx, pos.Coin)
}

// PositionClosed cancels any live triggers for coin and forgets it.
func (m *Manager) PositionClosed(ctx context.Context, coin string) error {
	m.mu.Lock()
	st, ok := m.state[coin]
	var stale []string
	if ok {
		if st.tpOID != "" {
			stale = append(stale, st.tpOID)
		}
		if st.slOID != "" {
			stale = append(stale, st.slOID)
		}
		delete(m.state, coin)
	}
	m.mu.Unlock()
	if len(stale) == 0 {
		return nil
	}
	return m.orders.CancelOrders(ctx, coin, stale)
}

// Covered reports whether coin currently has a stop-loss attached.
func (m *Manager) Covered(coin string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.state[coin]
	return ok && st.slOID != ""
}

func (m *Manager) material(st *tracked, pos Position) bool {
	if st.entryPx > 0 && m.cfg.RefreshMoveBps > 0 {
		moveBps := math.Abs(pos.EntryPx-st.entryPx) / st.entryPx * 10000
		if moveBps >= m.cfg.RefreshMoveBps {
			return true
		}
	}
	if st.size != 0 && m.cfg.RefreshSizePct > 0 {
		sizePct := math.Abs(pos.Size-st.size) / math.Abs(st.size) * 100
		if sizePct >= m.cfg.RefreshSizePct {
			return true
		}
	}
	return false
}

// violation works on the tracked entry the caller already holds: a concurrent
// PositionClosed may have dropped the coin from the map by the time the sweep
// reaches the grace check, and a map lookup here would return nil.
func (m *Manager) violation(ctx context.Context, st *tracked, pos Position, now time.Time) {
	m.mu.Lock()
	already := st.violated
	st.violated = true
	m.mu.Unlock()
	if already {
		return
	}
	m.met.ProtectionLatencyViolations.Inc()
	m.log.Error("position unprotected past grace period",
		zap.String("coin", pos.Coin),
		zap.Duration("grace", m.cfg.GracePeriod),
		zap.Duration("exposed", now.Sub(pos.OpenedAt)))
	m.events.Emit(ctx, "protection_latency_violation", pos.Coin, map[string]any{
		"exposed_ms": now.Sub(pos.OpenedAt).Milliseconds(),
		"grace_ms":   m.cfg.GracePeriod.Milliseconds(),
	})
}

func (m *Manager) placeWithRetry(ctx context.Context, coin string, trig Triggers) (string, string, error) {
	backoff := m.cfg.PlaceBackoff
	var lastErr error
	for attempt := 0; attempt <= m.cfg.PlaceRetries; attempt++ {
		tpOID, slOID, err := m.orders.PlaceTriggerPair(ctx, coin, trig)
		if err == nil {
			return tpOID, slOID, nil
		}
		lastErr = err
		m.log.Warn("protection placement failed",
			zap.String("coin", coin), zap.Int("attempt", attempt), zap.Error(err))
		if attempt == m.cfg.PlaceRetries {
			break
		}
		select {
		case <-ctx.Done():
			return "", "", ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return "", "", fmt.Errorf("protection placement exhausted retries: %w", lastErr)
}

func (m *Manager) emergencyFlatten(ctx context.Context, pos Position, cause error) error {
	m.met.EmergencyFlattens.Inc()
	m.log.Error("emergency flatten: position cannot be protected",
		zap.String("coin", pos.Coin), zap.Error(cause))
	m.events.Emit(ctx, "emergency_flatten", pos.Coin, map[string]any{
		"size":  pos.Size,
		"cause": cause.Error(),
	})
	if err := m.orders.FlattenPosition(ctx, pos.Coin, !pos.IsLong(), math.Abs(pos.Size)); err != nil {
		return fmt.Errorf("emergency flatten failed after %v: %w", cause, err)
	}
	return m.PositionClosed(ctx, pos.Coin)
}
