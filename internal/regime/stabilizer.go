package regime

import (
	"sync"
	"time"
)

const (
	HoldReasonNone      = ""
	HoldReasonHold      = "regime_hold"
	HoldReasonFlipChurn = "regime_flip_churn"
)

type StabilizerConfig struct {
	MinHold         time.Duration
	ConfirmBars     int
	FlipWindow      time.Duration
	FlipMaxInWindow int
	FlipCooldown    time.Duration
}

// Decision is the stabilized view of one classification tick. Blocked means
// the symbol must not trade this tick; Regime is still the regime trading
// would use once unblocked.
type Decision struct {
	Regime  Regime
	Blocked bool
	Reason  string
	Pending Regime
	Count   int
}

type symbolState struct {
	stable       Regime
	pending      Regime
	pendingCount int
	lastSwitchAt time.Time
	flips        []time.Time
	churnUntil   time.Time
}

// Stabilizer applies hysteresis to raw regime classifications so that a noisy
// classifier cannot whipsaw entries. Each symbol's state is independent.
type Stabilizer struct {
	cfg StabilizerConfig

	mu     sync.Mutex
	states map[string]*symbolState
}

func NewStabilizer(cfg StabilizerConfig) *Stabilizer {
	return &Stabilizer{cfg: cfg, states: make(map[string]*symbolState)}
}

// Observe feeds one raw classification for coin and returns the stabilized
// decision. A regime switch requires both the minimum hold time since the
// last switch and ConfirmBars consecutive confirmations; too many switches
// inside FlipWindow trips the churn breaker, which forces NO_TRADE until the
// cooldown passes.
func (s *Stabilizer) Observe(coin string, candidate Regime, now time.Time) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[coin]
	if !ok {
		st = &symbolState{stable: NoTrade}
		s.states[coin] = st
	}
	if now.Before(st.churnUntil) {
		return Decision{Regime: NoTrade, Blocked: true, Reason: HoldReasonFlipChurn}
	}
	if candidate == st.stable {
		st.pending = ""
		st.pendingCount = 0
		return Decision{Regime: st.stable}
	}
	if candidate == st.pending {
		st.pendingCount++
	} else {
		st.pending = candidate
		st.pendingCount = 1
	}
	holdActive := !st.lastSwitchAt.IsZero() && now.Sub(st.lastSwitchAt) < s.cfg.MinHold
	if holdActive || st.pendingCount < s.cfg.ConfirmBars {
		return Decision{
			Regime:  st.stable,
			Blocked: true,
			Reason:  HoldReasonHold,
			Pending: st.pending,
			Count:   st.pendingCount,
		}
	}
	st.stable = candidate
	st.pending = ""
	st.pendingCount = 0
	st.lastSwitchAt = now
	st.flips = trimFlips(append(st.flips, now), now.Add(-s.cfg.FlipWindow))
	if len(st.flips) > s.cfg.FlipMaxInWindow {
		st.churnUntil = now.Add(s.cfg.FlipCooldown)
		st.flips = nil
		return Decision{Regime: NoTrade, Blocked: true, Reason: HoldReasonFlipChurn}
	}
	return Decision{Regime: st.stable}
}

// Stable returns the current stable regime for coin without advancing state.
func (s *Stabilizer) Stable(coin string) Regime {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[coin]; ok {
		return st.stable
	}
	return NoTrade
}

// Reset drops all per-symbol state. Test and restart boundary.
func (s *Stabilizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = make(map[string]*symbolState)
}

func trimFlips(flips []time.Time, cutoff time.Time) []time.Time {
	kept := flips[:0]
	for _, ts := range flips {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}
