package escalate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"hl-regime-bot/internal/config"
	"hl-regime-bot/internal/metrics"
)

// Action is the operator's (or the TTL default's) resolution of a question.
type Action string

const (
	ActionHold    Action = "hold"
	ActionFlatten Action = "flatten"
)

// Question is an escalation awaiting a human answer.
type Question struct {
	ID         string
	Coin       string
	Reasons    []string
	AskedAt    time.Time
	Deadline   time.Time
	InPosition bool
}

// Resolution pairs a question with the action that settled it.
type Resolution struct {
	Question Question
	Action   Action
	TimedOut bool
}

// Asker delivers the question to the operator. The Telegram bridge
// implements it; tests stub it.
type Asker interface {
	AskQuestion(ctx context.Context, q Question) error
}

type EventSink interface {
	Emit(ctx context.Context, typ, coin string, payload any)
}

// Policy throttles escalations (daily cap, per-coin and per-reason
// cooldowns) and manages the ask/answer lifecycle with TTL defaults.
type Policy struct {
	cfg    config.EscalationConfig
	asker  Asker
	events EventSink
	met    *metrics.Metrics
	log    *zap.Logger

	mu          sync.Mutex
	dayKey      string
	raisedToday int
	lastByCoin  map[string]time.Time
	lastByType  map[string]time.Time
	pending     map[string]*Question
	seq         int
}

func NewPolicy(cfg config.EscalationConfig, asker Asker, events EventSink, met *metrics.Metrics, log *zap.Logger) *Policy {
	if met == nil {
		met = metrics.NewNoop()
	}
	return &Policy{
		cfg:        cfg,
		asker:      asker,
		events:     events,
		met:        met,
		log:        log,
		lastByCoin: make(map[string]time.Time),
		lastByType: make(map[string]time.Time),
		pending:    make(map[string]*Question),
	}
}

// Raise applies the cap and cooldowns to a fired trigger and, when allowed,
// opens a question with the operator. It reports whether an escalation was
// actually raised.
func (p *Policy) Raise(ctx context.Context, coin string, reasons []string, inPosition bool, now time.Time) bool {
	if len(reasons) == 0 {
		return false
	}

	p.mu.Lock()
	p.rollDayLocked(now)
	if p.cfg.DailyCap > 0 && p.raisedToday >= p.cfg.DailyCap {
		p.mu.Unlock()
		return false
	}
	if _, open := p.pending[coin]; open {
		p.mu.Unlock()
		return false
	}
	if last, ok := p.lastByCoin[coin]; ok && now.Sub(last) < p.cfg.CoinCooldown {
		p.mu.Unlock()
		return false
	}
	allowed := reasons[:0:0]
	for _, r := range reasons {
		if last, ok := p.lastByType[r]; ok && now.Sub(last) < p.cfg.ReasonCooldown {
			continue
		}
		allowed = append(allowed, r)
	}
	if len(allowed) == 0 {
		p.mu.Unlock()
		return false
	}
	p.raisedToday++
	p.lastByCoin[coin] = now
	for _, r := range allowed {
		p.lastByType[r] = now
	}
	p.seq++
	q := &Question{
		ID:         fmt.Sprintf("esc-%s-%d", coin, p.seq),
		Coin:       coin,
		Reasons:    allowed,
		AskedAt:    now,
		Deadline:   now.Add(p.cfg.AnswerTTL),
		InPosition: inPosition,
	}
	p.pending[coin] = q
	p.mu.Unlock()

	p.met.Escalations.Inc()
	p.log.Warn("risk escalation raised",
		zap.String("coin", coin),
		zap.Strings("reasons", allowed),
		zap.Bool("in_position", inPosition))
	p.events.Emit(ctx, "escalation_raised", coin, map[string]any{
		"id":          q.ID,
		"reasons":     strings.Join(allowed, ","),
		"in_position": inPosition,
		"deadline":    q.Deadline.UnixMilli(),
	})
	if p.asker != nil {
		if err := p.asker.AskQuestion(ctx, *q); err != nil {
			p.log.Warn("failed to deliver escalation question", zap.Error(err))
		}
	}
	return true
}

// Answer settles the pending question for coin with an operator decision.
func (p *Policy) Answer(ctx context.Context, coin string, action Action, now time.Time) (Resolution, bool) {
	p.mu.Lock()
	q, ok := p.pending[coin]
	if ok {
		delete(p.pending, coin)
	}
	p.mu.Unlock()
	if !ok {
		return Resolution{}, false
	}
	res := Resolution{Question: *q, Action: action}
	p.emitResolved(ctx, res, now)
	return res, true
}

// Expire settles every question whose TTL has lapsed with the configured
// default action: hold while flat, flatten while in a position.
func (p *Policy) Expire(ctx context.Context, now time.Time) []Resolution {
	p.mu.Lock()
	var lapsed []*Question
	for coin, q := range p.pending {
		if !now.Before(q.Deadline) {
			lapsed = append(lapsed, q)
			delete(p.pending, coin)
		}
	}
	p.mu.Unlock()

	var resolutions []Resolution
	for _, q := range lapsed {
		action := p.defaultAction(q.InPosition)
		res := Resolution{Question: *q, Action: action, TimedOut: true}
		p.emitResolved(ctx, res, now)
		resolutions = append(resolutions, res)
	}
	return resolutions
}

// Pending returns the open question for coin, if any.
func (p *Policy) Pending(coin string) (Question, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if q, ok := p.pending[coin]; ok {
		return *q, true
	}
	return Question{}, false
}

func (p *Policy) defaultAction(inPosition bool) Action {
	if inPosition {
		if p.cfg.DefaultActionInPos == string(ActionHold) {
			return ActionHold
		}
		return ActionFlatten
	}
	if p.cfg.DefaultActionFlat == string(ActionFlatten) {
		return ActionFlatten
	}
	return ActionHold
}

func (p *Policy) emitResolved(ctx context.Context, res Resolution, now time.Time) {
	p.log.Info("escalation resolved",
		zap.String("coin", res.Question.Coin),
		zap.String("action", string(res.Action)),
		zap.Bool("timed_out", res.TimedOut))
	p.events.Emit(ctx, "escalation_resolved", res.Question.Coin, map[string]any{
		"id":        res.Question.ID,
		"action":    string(res.Action),
		"timed_out": res.TimedOut,
		"at":        now.UnixMilli(),
	})
}

func (p *Policy) rollDayLocked(now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if day != p.dayKey {
		p.dayKey = day
		p.raisedToday = 0
	}
}
