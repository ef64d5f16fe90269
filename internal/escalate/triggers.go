package escalate

import (
	"time"

	"hl-regime-bot/internal/config"
)

const (
	ReasonDrawdown         = "drawdown_threshold"
	ReasonDailyLoss        = "daily_loss_threshold"
	ReasonNotionalRatio    = "notional_ratio"
	ReasonReconcileStreak  = "reconcile_failure_streak"
	ReasonWatchdogTimeouts = "watchdog_timeouts"
	ReasonBlockedPersists  = "blocked_persistent"
)

// TriggerInput is one symbol's risk picture at evaluation time, assembled by
// the engine from reconciliation and the decision loop.
type TriggerInput struct {
	Coin                string
	DrawdownBps         float64
	DailyPnLUSD         float64
	PositionNotionalUSD float64
	MaxNotionalUSD      float64
	ReconcileFailStreak int
	WatchdogTimeouts    int
	BlockedSince        time.Time
	BlockedCountWindow  int
	Flat                bool
	LowRiskBlock        bool
}

// Evaluate runs every trigger independently and returns the reasons that
// fired. A flat book blocked for a routine reason is suppressed entirely
// when the config asks for it.
func Evaluate(in TriggerInput, cfg config.EscalationConfig, now time.Time) []string {
	if in.Flat && in.LowRiskBlock && suppressFlat(cfg) {
		return nil
	}

	var reasons []string
	if cfg.DrawdownBps > 0 && in.DrawdownBps >= cfg.DrawdownBps {
		reasons = append(reasons, ReasonDrawdown)
	}
	if cfg.DailyLossUSD > 0 && in.DailyPnLUSD <= -cfg.DailyLossUSD {
		reasons = append(reasons, ReasonDailyLoss)
	}
	if cfg.NotionalRatio > 0 && in.MaxNotionalUSD > 0 &&
		in.PositionNotionalUSD/in.MaxNotionalUSD >= cfg.NotionalRatio {
		reasons = append(reasons, ReasonNotionalRatio)
	}
	if cfg.ReconcileFailStreak > 0 && in.ReconcileFailStreak >= cfg.ReconcileFailStreak {
		reasons = append(reasons, ReasonReconcileStreak)
	}
	if cfg.WatchdogTimeouts > 0 && in.WatchdogTimeouts >= cfg.WatchdogTimeouts {
		reasons = append(reasons, ReasonWatchdogTimeouts)
	}
	if cfg.BlockedAge > 0 && !in.BlockedSince.IsZero() &&
		now.Sub(in.BlockedSince) >= cfg.BlockedAge &&
		in.BlockedCountWindow >= cfg.BlockedGrowth {
		reasons = append(reasons, ReasonBlockedPersists)
	}
	return reasons
}

func suppressFlat(cfg config.EscalationConfig) bool {
	if cfg.SuppressFlatLowRisk == nil {
		return true
	}
	return *cfg.SuppressFlatLowRisk
}
