package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"hl-regime-bot/internal/alerts"
	"hl-regime-bot/internal/escalate"

	"go.uber.org/zap"
)

const operatorOffsetKey = "telegram:operator:last_update_id"

type operatorAuditEvent struct {
	UpdateID int64     `json:"update_id"`
	Time     time.Time `json:"time"`
	Action   string    `json:"action"`
	Command  string    `json:"command"`
	UserID   int64     `json:"user_id"`
	ChatID   int64     `json:"chat_id"`
	Response string    `json:"response,omitempty"`
}

func (a *App) startOperator(ctx context.Context) {
	if !a.cfg.Telegram.OperatorEnabled {
		return
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(a.cfg.Telegram.ChatID), 10, 64)
	if err != nil {
		a.log.Warn("telegram operator disabled: invalid chat_id", zap.Error(err))
		return
	}
	pollInterval := a.cfg.Telegram.OperatorPollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	allowedUsers := make(map[int64]struct{}, len(a.cfg.Telegram.OperatorAllowedUserIDs))
	for _, id := range a.cfg.Telegram.OperatorAllowedUserIDs {
		allowedUsers[id] = struct{}{}
	}
	go a.operatorLoop(ctx, chatID, allowedUsers, pollInterval)
}

func (a *App) operatorLoop(ctx context.Context, chatID int64, allowedUsers map[int64]struct{}, pollInterval time.Duration) {
	offset := a.loadOperatorOffset(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := a.alerts.GetUpdates(ctx, offset, pollInterval)
		if err != nil {
			a.logOperatorError(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		if a.operatorWarned {
			a.log.Info("telegram operator recovered")
			a.operatorWarned = false
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				a.saveOperatorOffset(ctx, offset)
			}
			a.handleOperatorUpdate(ctx, upd, chatID, allowedUsers)
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, chatID int64, allowedUsers map[int64]struct{}) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil || msg.From == nil {
		return
	}
	if msg.Chat.ID != chatID {
		return
	}
	if len(allowedUsers) > 0 {
		if _, ok := allowedUsers[msg.From.ID]; !ok {
			return
		}
	}
	cmd, args, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	resp, err := a.handleOperatorCommand(ctx, cmd, args)
	if err != nil {
		resp = fmt.Sprintf("command failed: %v", err)
	}
	a.auditOperatorEvent(ctx, operatorAuditEvent{
		UpdateID: upd.UpdateID,
		Time:     time.Now().UTC(),
		Action:   cmd,
		Command:  msg.Text,
		UserID:   msg.From.ID,
		ChatID:   msg.Chat.ID,
		Response: resp,
	})
	if resp == "" {
		return
	}
	if err := a.alerts.Send(ctx, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

func parseOperatorCommand(text string) (string, []string, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", nil, false
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", nil, false
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	return cmd, fields[1:], true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, args []string) (string, error) {
	switch cmd {
	case "status":
		return a.operatorStatus(), nil
	case "pause":
		if a.setPaused(true) {
			a.saveSnapshot(ctx)
			return "trading paused", nil
		}
		return "trading already paused", nil
	case "resume":
		if a.setPaused(false) {
			a.saveSnapshot(ctx)
		}
		return "trading resumed", nil
	case "answer":
		return a.handleAnswerCommand(ctx, args)
	case "risk":
		return a.handleRiskCommand(args)
	case "help":
		return operatorHelpText(), nil
	default:
		return operatorHelpText(), nil
	}
}

func (a *App) handleAnswerCommand(ctx context.Context, args []string) (string, error) {
	if len(args) != 2 {
		return "", fmt.Errorf("usage: /answer <coin> hold|flatten")
	}
	coin := strings.ToUpper(strings.TrimSpace(args[0]))
	var action escalate.Action
	switch strings.ToLower(args[1]) {
	case "hold":
		action = escalate.ActionHold
	case "flatten":
		action = escalate.ActionFlatten
	default:
		return "", fmt.Errorf("unknown action %q: use hold or flatten", args[1])
	}
	res, ok := a.policy.Answer(ctx, coin, action, time.Now().UTC())
	if !ok {
		return fmt.Sprintf("no pending question for %s", coin), nil
	}
	a.applyResolution(ctx, res)
	return fmt.Sprintf("%s: %s applied (question %s)", coin, action, res.Question.ID), nil
}

// handleRiskCommand adjusts escalation trigger thresholds at runtime. The
// change applies to the next escalation check and is not persisted; a
// restart returns to the configured values.
func (a *App) handleRiskCommand(args []string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("usage: /risk show|set <key> <value>|reset")
	}
	switch strings.ToLower(args[0]) {
	case "show":
		return a.riskShow(), nil
	case "reset":
		a.riskMu.Lock()
		a.riskCfg = a.cfg.Escalation
		a.riskMu.Unlock()
		a.log.Info("risk thresholds reset")
		return "risk thresholds reset to configured values", nil
	case "set":
		if len(args) != 3 {
			return "", fmt.Errorf("usage: /risk set <key> <value>")
		}
		return a.riskSet(strings.ToLower(args[1]), args[2])
	default:
		return "", fmt.Errorf("unknown risk subcommand %q", args[0])
	}
}

func (a *App) riskShow() string {
	cfg := a.escalationConfig()
	return strings.Join([]string{
		fmt.Sprintf("drawdown_bps: %.1f", cfg.DrawdownBps),
		fmt.Sprintf("daily_loss_usd: %.2f", cfg.DailyLossUSD),
		fmt.Sprintf("notional_ratio: %.2f", cfg.NotionalRatio),
		fmt.Sprintf("reconcile_fail_streak: %d", cfg.ReconcileFailStreak),
		fmt.Sprintf("watchdog_timeouts: %d", cfg.WatchdogTimeouts),
	}, "\n")
}

func (a *App) riskSet(key, raw string) (string, error) {
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return "", fmt.Errorf("invalid value %q: %w", raw, err)
	}
	if val <= 0 {
		return "", fmt.Errorf("%s must be > 0", key)
	}
	a.riskMu.Lock()
	defer a.riskMu.Unlock()
	switch key {
	case "drawdown_bps":
		a.riskCfg.DrawdownBps = val
	case "daily_loss_usd":
		a.riskCfg.DailyLossUSD = val
	case "notional_ratio":
		if val > 1 {
			return "", fmt.Errorf("notional_ratio must be within (0,1]")
		}
		a.riskCfg.NotionalRatio = val
	case "reconcile_fail_streak":
		if val != float64(int(val)) {
			return "", fmt.Errorf("reconcile_fail_streak must be an integer")
		}
		a.riskCfg.ReconcileFailStreak = int(val)
	case "watchdog_timeouts":
		if val != float64(int(val)) {
			return "", fmt.Errorf("watchdog_timeouts must be an integer")
		}
		a.riskCfg.WatchdogTimeouts = int(val)
	default:
		return "", fmt.Errorf("unknown risk key %q", key)
	}
	a.log.Info("risk threshold changed", zap.String("key", key), zap.Float64("value", val))
	return fmt.Sprintf("%s set to %s", key, raw), nil
}

func (a *App) operatorStatus() string {
	now := time.Now().UTC()
	snap := a.account.Snapshot()
	lines := []string{
		fmt.Sprintf("paused: %t", a.isPaused()),
		fmt.Sprintf("equity_usd: %.2f", snap.EquityUSD),
		fmt.Sprintf("drawdown_bps: %.1f", a.account.DrawdownBps()),
		fmt.Sprintf("daily_pnl_usd: %.2f", a.daily.Realized(now)),
	}
	for coin := range a.symbols {
		reg := a.stab.Stable(coin)
		pos, open := snap.Positions[coin]
		posText := "flat"
		if open {
			posText = fmt.Sprintf("%.6f @ %.4f", pos.Size, pos.EntryPx)
		}
		covered := a.protect.Covered(coin)
		pendingText := ""
		if q, ok := a.policy.Pending(coin); ok {
			pendingText = fmt.Sprintf(" pending_question=%s", q.ID)
		}
		lines = append(lines, fmt.Sprintf("%s: regime=%s position=%s protected=%t%s", coin, reg, posText, covered, pendingText))
	}
	return strings.Join(lines, "\n")
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status - engine and per-symbol state",
		"/pause - stop opening new positions",
		"/resume - resume entries",
		"/answer <coin> hold|flatten - settle a pending escalation",
		"/risk show|set <key> <value>|reset - inspect or adjust escalation thresholds",
	}, "\n")
}

func (a *App) logOperatorError(err error) {
	if a.operatorWarned {
		return
	}
	a.operatorWarned = true
	a.log.Warn("telegram operator failed", zap.Error(err))
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	raw, ok, err := a.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	_ = a.store.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10))
}

func (a *App) auditOperatorEvent(ctx context.Context, event operatorAuditEvent) {
	key := fmt.Sprintf("ops:audit:%d:%d", time.Now().UTC().UnixNano(), event.UpdateID)
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = a.store.Set(ctx, key, string(payload))
}
