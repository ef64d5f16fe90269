package guard

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"hl-regime-bot/internal/metrics"
	"hl-regime-bot/internal/signal"
)

type FlipState string

const (
	FlipIdle             FlipState = "idle"
	FlipFlattenRequested FlipState = "flatten_requested"
	FlipFlatConfirmed    FlipState = "flat_confirmed"
)

// ViolationMode selects whether an entry recorded at or before flat
// confirmation is rejected or only logged for audit.
type ViolationMode string

const (
	ViolationBlock ViolationMode = "block"
	ViolationLog   ViolationMode = "log"
)

type EventSink interface {
	Emit(ctx context.Context, typ, coin string, payload any)
}

type flipState struct {
	state           FlipState
	target          signal.Side
	flatConfirmedAt time.Time
}

// FlipGuard enforces flatten-before-flip ordering per symbol and rejects
// pyramiding unconditionally. All transitions happen on the symbol's own
// decision goroutine; the mutex covers the protection sweep reading state.
type FlipGuard struct {
	mode   ViolationMode
	events EventSink
	met    *metrics.Metrics
	log    *zap.Logger

	mu     sync.Mutex
	states map[string]*flipState
}

func NewFlipGuard(mode ViolationMode, events EventSink, met *metrics.Metrics, log *zap.Logger) *FlipGuard {
	if met == nil {
		met = metrics.NewNoop()
	}
	return &FlipGuard{
		mode:   mode,
		events: events,
		met:    met,
		log:    log,
		states: make(map[string]*flipState),
	}
}

// CheckEntry gates a new entry intent. positionOpen reflects the reconciled
// book at decision time. Pyramiding (same-direction add onto an open
// position with no flip in flight) is always rejected; while a flip's
// flatten is pending, all entries are rejected.
func (g *FlipGuard) CheckEntry(coin string, positionOpen bool) (bool, signal.Reason) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.states[coin]
	if st != nil && st.state == FlipFlattenRequested {
		return false, signal.ReasonFlipInProgress
	}
	if positionOpen {
		return false, signal.ReasonPyramiding
	}
	return true, ""
}

// FlattenRequested marks the start of a flip: a close was issued against an
// open position because the signal points the other way.
func (g *FlipGuard) FlattenRequested(ctx context.Context, coin string, target signal.Side, now time.Time) {
	g.mu.Lock()
	st := g.ensureLocked(coin)
	st.state = FlipFlattenRequested
	st.target = target
	st.flatConfirmedAt = time.Time{}
	g.mu.Unlock()
	g.events.Emit(ctx, "flip_flatten_first", coin, map[string]any{
		"target_side": string(target),
		"at":          now.UnixMilli(),
	})
}

// FlatConfirmed records that reconciliation observed the position at zero.
func (g *FlipGuard) FlatConfirmed(ctx context.Context, coin string, now time.Time) {
	g.mu.Lock()
	st := g.ensureLocked(coin)
	if st.state != FlipFlattenRequested {
		g.mu.Unlock()
		return
	}
	st.state = FlipFlatConfirmed
	st.flatConfirmedAt = now
	g.mu.Unlock()
	g.events.Emit(ctx, "flip_flat_confirmed", coin, map[string]any{
		"at": now.UnixMilli(),
	})
}

// RecordEntry records a new entry submission at entryAt and closes out the
// flip. An entry timestamped at or before the flat confirmation is an
// ordering violation: always recorded, and additionally rejected when the
// guard runs in block mode.
func (g *FlipGuard) RecordEntry(ctx context.Context, coin string, entryAt time.Time) bool {
	g.mu.Lock()
	st := g.ensureLocked(coin)
	flatAt := st.flatConfirmedAt
	violated := st.state == FlipFlatConfirmed && !flatAt.IsZero() && !entryAt.After(flatAt)
	if !violated || g.mode == ViolationLog {
		st.state = FlipIdle
		st.flatConfirmedAt = time.Time{}
	}
	g.mu.Unlock()

	if violated {
		g.met.FlipViolations.Inc()
		g.log.Error("flip ordering violation",
			zap.String("coin", coin),
			zap.Time("entry_at", entryAt),
			zap.Time("flat_confirmed_at", flatAt),
			zap.String("mode", string(g.mode)))
		g.events.Emit(ctx, "flip_ordering_violation", coin, map[string]any{
			"entry_at":          entryAt.UnixMilli(),
			"flat_confirmed_at": flatAt.UnixMilli(),
			"blocked":           g.mode == ViolationBlock,
		})
		if g.mode == ViolationBlock {
			return false
		}
	}
	g.events.Emit(ctx, "flip_new_entry_submitted", coin, map[string]any{
		"entry_at": entryAt.UnixMilli(),
	})
	return true
}

// State reports the current flip state for coin.
func (g *FlipGuard) State(coin string) FlipState {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.states[coin]; ok {
		return st.state
	}
	return FlipIdle
}

// Reset clears all flip state, for test isolation and operator resets.
func (g *FlipGuard) Reset(coin string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.states, coin)
}

func (g *FlipGuard) ensureLocked(coin string) *flipState {
	st, ok := g.states[coin]
	if !ok {
		st = &flipState{state: FlipIdle}
		g.states[coin] = st
	}
	return st
}
