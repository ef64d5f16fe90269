package signal

import (
	"sync"
	"time"
)

// PacingGate rate-limits new entries per coin: a sliding one-hour window cap
// plus a fixed cooldown after each recorded entry. Allow only inspects state
// and Record consumes a slot, so budget is spent solely on ticks whose entry
// cleared every guard, including the position-state gate that runs after the
// builder.
type PacingGate struct {
	maxPerHour int
	cooldown   time.Duration

	mu      sync.Mutex
	entries map[string][]time.Time
	lastAt  map[string]time.Time
}

func NewPacingGate(maxPerHour int, cooldown time.Duration) *PacingGate {
	return &PacingGate{
		maxPerHour: maxPerHour,
		cooldown:   cooldown,
		entries:    make(map[string][]time.Time),
		lastAt:     make(map[string]time.Time),
	}
}

// Allow reports whether an entry at now would be admitted, without consuming
// budget. Blocks return the reason and the window/cooldown features for the
// explanation.
func (g *PacingGate) Allow(coin string, now time.Time) (bool, Reason, PacingFeatures) {
	g.mu.Lock()
	defer g.mu.Unlock()

	window := g.trimLocked(coin, now)
	feat := PacingFeatures{WindowCount: len(window), MaxPerHour: g.maxPerHour}

	if last, ok := g.lastAt[coin]; ok && g.cooldown > 0 {
		if rem := g.cooldown - now.Sub(last); rem > 0 {
			feat.CooldownMsTo = rem.Milliseconds()
			return false, ReasonEntryCooldown, feat
		}
	}
	if g.maxPerHour > 0 && len(window) >= g.maxPerHour {
		return false, ReasonEntryHourlyLimit, feat
	}
	return true, "", feat
}

// Record consumes one entry slot at now. Only the engine calls this, after
// the accepted intent has also cleared the flip gate, so a same-direction
// tick against an open position never burns the hourly window or restarts
// the cooldown.
func (g *PacingGate) Record(coin string, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries[coin] = append(g.trimLocked(coin, now), now)
	g.lastAt[coin] = now
}

// Reset clears all pacing state for a coin. Used after an emergency flatten
// so the operator-driven restart is not throttled by stale history.
func (g *PacingGate) Reset(coin string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.entries, coin)
	delete(g.lastAt, coin)
}

func (g *PacingGate) trimLocked(coin string, now time.Time) []time.Time {
	cutoff := now.Add(-time.Hour)
	window := g.entries[coin][:0]
	for _, t := range g.entries[coin] {
		if t.After(cutoff) {
			window = append(window, t)
		}
	}
	g.entries[coin] = window
	return window
}
