package escalate

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"hl-regime-bot/internal/config"
)

func escCfg() config.EscalationConfig {
	return config.EscalationConfig{
		DrawdownBps:         150,
		DailyLossUSD:        10,
		NotionalRatio:       0.9,
		ReconcileFailStreak: 2,
		WatchdogTimeouts:    3,
		WatchdogWindow:      10 * time.Minute,
		BlockedAge:          30 * time.Minute,
		BlockedGrowth:       20,
		DailyCap:            5,
		CoinCooldown:        15 * time.Minute,
		ReasonCooldown:      30 * time.Minute,
		AnswerTTL:           5 * time.Minute,
		DefaultActionFlat:   "hold",
		DefaultActionInPos:  "flatten",
	}
}

func TestEvaluateIndependentTriggers(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in := TriggerInput{
		Coin:                "ETH",
		DrawdownBps:         180,
		DailyPnLUSD:         -12,
		ReconcileFailStreak: 2,
	}
	reasons := Evaluate(in, escCfg(), now)
	want := map[string]bool{ReasonDrawdown: true, ReasonDailyLoss: true, ReasonReconcileStreak: true}
	if len(reasons) != len(want) {
		t.Fatalf("reasons = %v", reasons)
	}
	for _, r := range reasons {
		if !want[r] {
			t.Fatalf("unexpected reason %s in %v", r, reasons)
		}
	}
}

func TestEvaluateNotionalAndWatchdog(t *testing.T) {
	now := time.Now()
	in := TriggerInput{
		Coin:                "ETH",
		PositionNotionalUSD: 950,
		MaxNotionalUSD:      1000,
		WatchdogTimeouts:    3,
	}
	reasons := Evaluate(in, escCfg(), now)
	if len(reasons) != 2 || reasons[0] != ReasonNotionalRatio || reasons[1] != ReasonWatchdogTimeouts {
		t.Fatalf("reasons = %v", reasons)
	}
}

func TestEvaluateBlockedNeedsAgeAndGrowth(t *testing.T) {
	now := time.Now()
	in := TriggerInput{
		Coin:               "ETH",
		BlockedSince:       now.Add(-time.Hour),
		BlockedCountWindow: 25,
	}
	if reasons := Evaluate(in, escCfg(), now); len(reasons) != 1 || reasons[0] != ReasonBlockedPersists {
		t.Fatalf("reasons = %v", reasons)
	}
	// Old but quiet: the count did not grow, so no trigger.
	in.BlockedCountWindow = 3
	if reasons := Evaluate(in, escCfg(), now); len(reasons) != 0 {
		t.Fatalf("reasons = %v", reasons)
	}
}

func TestEvaluateSuppressesFlatLowRisk(t *testing.T) {
	now := time.Now()
	in := TriggerInput{
		Coin:               "ETH",
		DrawdownBps:        200,
		Flat:               true,
		LowRiskBlock:       true,
		BlockedSince:       now.Add(-time.Hour),
		BlockedCountWindow: 100,
	}
	if reasons := Evaluate(in, escCfg(), now); len(reasons) != 0 {
		t.Fatalf("flat low-risk state escalated: %v", reasons)
	}
	off := false
	cfg := escCfg()
	cfg.SuppressFlatLowRisk = &off
	if reasons := Evaluate(in, cfg, now); len(reasons) == 0 {
		t.Fatalf("suppression disabled but nothing fired")
	}
}

type stubAsker struct {
	mu    sync.Mutex
	asked []Question
}

func (s *stubAsker) AskQuestion(ctx context.Context, q Question) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.asked = append(s.asked, q)
	return nil
}

type nopEvents struct{}

func (nopEvents) Emit(context.Context, string, string, any) {}

func TestPolicyCooldowns(t *testing.T) {
	asker := &stubAsker{}
	p := NewPolicy(escCfg(), asker, nopEvents{}, nil, zap.NewNop())
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if !p.Raise(ctx, "ETH", []string{ReasonDrawdown}, true, now) {
		t.Fatalf("first escalation suppressed")
	}
	p.Answer(ctx, "ETH", ActionHold, now.Add(time.Minute))

	// Per-coin cooldown still active.
	if p.Raise(ctx, "ETH", []string{ReasonDailyLoss}, true, now.Add(5*time.Minute)) {
		t.Fatalf("coin cooldown ignored")
	}
	// Another coin, but the same reason inside its cooldown.
	if p.Raise(ctx, "BTC", []string{ReasonDrawdown}, true, now.Add(5*time.Minute)) {
		t.Fatalf("reason cooldown ignored")
	}
	// Another coin with a fresh reason goes through.
	if !p.Raise(ctx, "BTC", []string{ReasonDailyLoss}, true, now.Add(40*time.Minute)) {
		t.Fatalf("independent escalation suppressed")
	}
	if len(asker.asked) != 2 {
		t.Fatalf("asked %d questions", len(asker.asked))
	}
}

func TestPolicyDailyCap(t *testing.T) {
	cfg := escCfg()
	cfg.DailyCap = 2
	cfg.CoinCooldown = 0
	cfg.ReasonCooldown = 0
	p := NewPolicy(cfg, &stubAsker{}, nopEvents{}, nil, zap.NewNop())
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	coins := []string{"A", "B", "C"}
	raised := 0
	for _, coin := range coins {
		if p.Raise(ctx, coin, []string{ReasonDrawdown}, false, now) {
			raised++
		}
	}
	if raised != 2 {
		t.Fatalf("raised %d, want cap 2", raised)
	}
	// Cap resets at the UTC day boundary.
	next := time.Date(2026, 3, 2, 0, 1, 0, 0, time.UTC)
	if !p.Raise(ctx, "D", []string{ReasonDrawdown}, false, next) {
		t.Fatalf("cap not reset across days")
	}
}

func TestPolicyTTLDefaults(t *testing.T) {
	p := NewPolicy(escCfg(), &stubAsker{}, nopEvents{}, nil, zap.NewNop())
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	p.Raise(ctx, "ETH", []string{ReasonDrawdown}, true, now)
	p.Raise(ctx, "BTC", []string{ReasonDailyLoss}, false, now)

	if res := p.Expire(ctx, now.Add(time.Minute)); len(res) != 0 {
		t.Fatalf("expired before deadline: %+v", res)
	}
	res := p.Expire(ctx, now.Add(6*time.Minute))
	if len(res) != 2 {
		t.Fatalf("resolutions = %+v", res)
	}
	actions := map[string]Action{}
	for _, r := range res {
		actions[r.Question.Coin] = r.Action
		if !r.TimedOut {
			t.Fatalf("resolution not marked timed out")
		}
	}
	if actions["ETH"] != ActionFlatten || actions["BTC"] != ActionHold {
		t.Fatalf("actions = %+v", actions)
	}
	if _, open := p.Pending("ETH"); open {
		t.Fatalf("expired question still pending")
	}
}

func TestPolicyAnswerSettlesQuestion(t *testing.T) {
	p := NewPolicy(escCfg(), &stubAsker{}, nopEvents{}, nil, zap.NewNop())
	ctx := context.Background()
	now := time.Now()

	p.Raise(ctx, "ETH", []string{ReasonDrawdown}, true, now)
	res, ok := p.Answer(ctx, "ETH", ActionFlatten, now.Add(time.Minute))
	if !ok || res.Action != ActionFlatten || res.TimedOut {
		t.Fatalf("resolution = %+v ok=%v", res, ok)
	}
	if _, ok := p.Answer(ctx, "ETH", ActionHold, now); ok {
		t.Fatalf("answered twice")
	}
}
