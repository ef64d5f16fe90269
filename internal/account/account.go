package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"hl-regime-bot/internal/hl/rest"
	"hl-regime-bot/internal/hl/ws"

	"go.uber.org/zap"
)

// Position is a perp position as the venue reports it. OpenedAt is stamped
// locally the first time the position is observed, since the venue does not
// report open time.
type Position struct {
	Coin          string
	Size          float64 // signed, negative for shorts
	EntryPx       float64
	NotionalUSD   float64
	UnrealizedPnL float64
	OpenedAt      time.Time
}

func (p Position) IsLong() bool { return p.Size > 0 }

type OrderRef struct {
	OrderID    string
	Cloid      string
	Coin       string
	Side       string
	Size       float64
	LimitPx    float64
	ReduceOnly bool
	IsTrigger  bool
}

type State struct {
	Positions     map[string]Position
	OpenOrders    []OrderRef
	EquityUSD     float64
	MarginUsedUSD float64
}

// Account tracks perp positions, open orders and equity for a single user.
// It reconciles against the REST info endpoint and then stays current on
// websocket pushes. Fills are deduplicated and handed to the registered
// handler exactly once.
type Account struct {
	rest *rest.Client
	ws   *ws.Client
	log  *zap.Logger
	user string

	onFill func(Fill)

	mu                sync.RWMutex
	state             State
	openedAt          map[string]time.Time
	peakEquity        float64
	failStreak        int
	hasOrderSnapshot  bool
	hasPerpSnapshot   bool
	seenFillKeys     map[string]struct{}
	seenFillOrder    []string
	lastReconciledAt time.Time
}

const maxSeenFillKeys = 2000

func New(restClient *rest.Client, wsClient *ws.Client, log *zap.Logger, user string) *Account {
	return &Account{
		rest:     restClient,
		ws:       wsClient,
		log:      log,
		user:     strings.TrimSpace(user),
		openedAt: make(map[string]time.Time),
	}
}

// SetFillHandler registers the callback invoked once per new fill. Must be
// called before Start.
func (a *Account) SetFillHandler(fn func(Fill)) {
	a.onFill = fn
}

// Reconcile pulls the full account state from the REST API and replaces the
// in-memory view. Consecutive failures are counted; a success resets the
// streak.
func (a *Account) Reconcile(ctx context.Context) (*State, error) {
	if a.rest == nil {
		return nil, errors.New("rest client is required")
	}
	if a.user == "" {
		return nil, errors.New("account user is required")
	}
	perp, err := a.rest.Info(ctx, rest.InfoRequest{Type: "clearinghouseState", User: a.user})
	if err != nil {
		return nil, a.recordReconcileFailure(err)
	}
	orders, err := a.rest.InfoAny(ctx, rest.InfoRequest{Type: "openOrders", User: a.user})
	if err != nil {
		return nil, a.recordReconcileFailure(err)
	}
	now := time.Now().UTC()
	positions := parsePositions(perp)
	equity, marginUsed := parseMarginSummary(perp)

	a.mu.Lock()
	a.stampOpenTimes(positions, now)
	a.state = State{
		Positions:     positions,
		OpenOrders:    parseOpenOrders(orders),
		EquityUSD:     equity,
		MarginUsedUSD: marginUsed,
	}
	a.observeEquityLocked(equity)
	a.hasOrderSnapshot = true
	a.hasPerpSnapshot = true
	a.failStreak = 0
	a.lastReconciledAt = now
	state := copyState(a.state)
	a.mu.Unlock()
	return &state, nil
}

func (a *Account) recordReconcileFailure(err error) error {
	a.mu.Lock()
	a.failStreak++
	streak := a.failStreak
	a.mu.Unlock()
	if a.log != nil {
		a.log.Warn("reconcile failed", zap.Int("streak", streak), zap.Error(err))
	}
	return fmt.Errorf("reconcile: %w", err)
}

// FailStreak reports consecutive reconcile failures since the last success.
func (a *Account) FailStreak() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.failStreak
}

func (a *Account) LastReconciledAt() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastReconciledAt
}

// Start subscribes to the user channels and consumes updates until ctx is
// cancelled. Reconcile should have succeeded at least once before Start so
// deltas apply onto a real snapshot.
func (a *Account) Start(ctx context.Context) error {
	if a.ws == nil {
		return nil
	}
	if a.user == "" {
		return errors.New("account user is required for ws subscriptions")
	}
	if err := a.ws.Connect(ctx); err != nil {
		return err
	}
	for _, subType := range []string{"openOrders", "clearinghouseState", "userFills"} {
		sub := map[string]any{
			"method": "subscribe",
			"subscription": map[string]any{
				"type": subType,
				"user": a.user,
			},
		}
		if err := a.ws.Subscribe(ctx, sub); err != nil {
			return err
		}
	}
	go func() {
		_ = a.ws.Run(ctx, a.handleMessage)
	}()
	return nil
}

func (a *Account) Snapshot() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return copyState(a.state)
}

func (a *Account) Position(coin string) (Position, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	pos, ok := a.state.Positions[coin]
	return pos, ok
}

func (a *Account) EquityUSD() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state.EquityUSD
}

// DrawdownBps is the distance from the session equity peak in basis points.
// The peak ratchets up on every equity observation.
func (a *Account) DrawdownBps() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.peakEquity <= 0 || a.state.EquityUSD >= a.peakEquity {
		return 0
	}
	return (a.peakEquity - a.state.EquityUSD) / a.peakEquity * 10_000
}

func (a *Account) observeEquityLocked(equity float64) {
	if equity > a.peakEquity {
		a.peakEquity = equity
	}
}

// SeedPeakEquity restores a persisted equity peak so the drawdown trigger
// does not reset across restarts. Lower values than the current peak are
// ignored.
func (a *Account) SeedPeakEquity(equity float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observeEquityLocked(equity)
}

// PeakEquityUSD is the highest equity observed this session, including any
// seeded value.
func (a *Account) PeakEquityUSD() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.peakEquity
}

func (a *Account) stampOpenTimes(positions map[string]Position, now time.Time) {
	for coin, pos := range positions {
		opened, ok := a.openedAt[coin]
		if !ok {
			opened = now
			a.openedAt[coin] = opened
		}
		pos.OpenedAt = opened
		positions[coin] = pos
	}
	for coin := range a.openedAt {
		if _, ok := positions[coin]; !ok {
			delete(a.openedAt, coin)
		}
	}
}

func (a *Account) handleMessage(msg json.RawMessage) {
	var payload map[string]any
	if err := json.Unmarshal(msg, &payload); err != nil {
		if a.log != nil {
			a.log.Debug("account ws decode failed", zap.Error(err))
		}
		return
	}
	switch stringFromAny(payload["channel"]) {
	case "openOrders":
		a.applyOpenOrdersUpdate(payload["data"])
	case "clearinghouseState":
		a.applyClearinghouseUpdate(payload["data"])
	case "userFills":
		a.applyUserFillsUpdate(payload["data"])
	}
}

func (a *Account) applyOpenOrdersUpdate(data any) {
	orders := parseOpenOrders(data)
	isSnapshot, hasFlag := snapshotFlag(data)
	if len(orders) == 0 && !hasFlag {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if isSnapshot || !a.hasOrderSnapshot {
		a.state.OpenOrders = orders
		a.hasOrderSnapshot = true
		return
	}
	byID := make(map[string]OrderRef, len(a.state.OpenOrders))
	for _, ref := range a.state.OpenOrders {
		byID[ref.OrderID] = ref
	}
	for _, ref := range orders {
		byID[ref.OrderID] = ref
	}
	merged := make([]OrderRef, 0, len(byID))
	for _, ref := range byID {
		merged = append(merged, ref)
	}
	a.state.OpenOrders = merged
}

func (a *Account) applyClearinghouseUpdate(data any) {
	payload, ok := data.(map[string]any)
	if !ok {
		return
	}
	positions := parsePositions(payload)
	equity, marginUsed := parseMarginSummary(payload)
	if len(positions) == 0 && equity == 0 {
		if nested, ok := payload["data"].(map[string]any); ok {
			positions = parsePositions(nested)
			equity, marginUsed = parseMarginSummary(nested)
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.hasPerpSnapshot {
		return
	}
	now := time.Now().UTC()
	a.stampOpenTimes(positions, now)
	a.state.Positions = positions
	if equity > 0 {
		a.state.EquityUSD = equity
		a.state.MarginUsedUSD = marginUsed
		a.observeEquityLocked(equity)
	}
}

func (a *Account) applyUserFillsUpdate(data any) {
	fills := parseFills(data)
	if len(fills) == 0 {
		return
	}
	// Snapshot replays history from before the session; those fills were
	// already accounted for.
	isSnapshot, _ := snapshotFlag(data)
	a.mu.Lock()
	if a.seenFillKeys == nil {
		a.seenFillKeys = make(map[string]struct{})
	}
	fresh := make([]Fill, 0, len(fills))
	for _, fill := range fills {
		key := fill.Hash
		if key == "" {
			key = fmt.Sprintf("%s:%d:%g:%g", fill.OrderID, fill.TimeMS, fill.Size, fill.Price)
		}
		if _, ok := a.seenFillKeys[key]; ok {
			continue
		}
		a.seenFillKeys[key] = struct{}{}
		a.seenFillOrder = append(a.seenFillOrder, key)
		if !isSnapshot {
			fresh = append(fresh, fill)
		}
	}
	if len(a.seenFillOrder) > maxSeenFillKeys {
		evict := a.seenFillOrder[:len(a.seenFillOrder)-maxSeenFillKeys]
		for _, key := range evict {
			delete(a.seenFillKeys, key)
		}
		a.seenFillOrder = a.seenFillOrder[len(a.seenFillOrder)-maxSeenFillKeys:]
	}
	handler := a.onFill
	a.mu.Unlock()
	if handler == nil {
		return
	}
	for _, fill := range fresh {
		handler(fill)
	}
}

func parsePositions(payload map[string]any) map[string]Position {
	positions := make(map[string]Position)
	if payload == nil {
		return positions
	}
	raw, ok := payload["assetPositions"].([]any)
	if !ok {
		return positions
	}
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		pos := entry
		if nested, ok := entry["position"].(map[string]any); ok {
			pos = nested
		}
		coin := stringFromAny(pos["coin"])
		if coin == "" {
			continue
		}
		size := floatOrZero(pos["szi"])
		if size == 0 {
			continue
		}
		positions[coin] = Position{
			Coin:          coin,
			Size:          size,
			EntryPx:       floatOrZero(pos["entryPx"]),
			NotionalUSD:   floatOrZero(pos["positionValue"]),
			UnrealizedPnL: floatOrZero(pos["unrealizedPnl"]),
		}
	}
	return positions
}

func parseMarginSummary(payload map[string]any) (equity, marginUsed float64) {
	if payload == nil {
		return 0, 0
	}
	summary, ok := payload["marginSummary"].(map[string]any)
	if !ok {
		if summary, ok = payload["crossMarginSummary"].(map[string]any); !ok {
			return 0, 0
		}
	}
	return floatOrZero(summary["accountValue"]), floatOrZero(summary["totalMarginUsed"])
}

func parseOpenOrders(payload any) []OrderRef {
	var raw []any
	switch data := payload.(type) {
	case []any:
		raw = data
	case map[string]any:
		if list, ok := data["orders"].([]any); ok {
			raw = list
		} else if list, ok := data["openOrders"].([]any); ok {
			raw = list
		} else if list, ok := data["data"].([]any); ok {
			raw = list
		}
	}
	if len(raw) == 0 {
		return nil
	}
	refs := make([]OrderRef, 0, len(raw))
	for _, item := range raw {
		order, ok := item.(map[string]any)
		if !ok {
			continue
		}
		ref := OrderRef{
			OrderID: stringFromAny(order["oid"]),
			Cloid:   stringFromAny(order["cloid"]),
			Coin:    stringFromAny(order["coin"]),
			Side:    stringFromAny(order["side"]),
			Size:    floatOrZero(order["sz"]),
			LimitPx: floatOrZero(order["limitPx"]),
		}
		if ro, ok := boolFromAny(order["reduceOnly"]); ok {
			ref.ReduceOnly = ro
		}
		orderType := strings.ToLower(stringFromAny(order["orderType"]))
		ref.IsTrigger = strings.Contains(orderType, "stop") || strings.Contains(orderType, "take profit")
		if ref.OrderID == "" && ref.Cloid == "" {
			continue
		}
		refs = append(refs, ref)
	}
	return refs
}

func stringFromAny(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'f', 0, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case json.Number:
		return val.String()
	default:
		return ""
	}
}

func floatFromAny(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func floatOrZero(v any) float64 {
	if f, ok := floatFromAny(v); ok {
		return f
	}
	return 0
}

func boolFromAny(v any) (bool, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(val))
		return parsed, err == nil
	default:
		return false, false
	}
}

func int64FromAny(v any) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int:
		return int64(val)
	case float64:
		return int64(val)
	case json.Number:
		i, err := val.Int64()
		if err == nil {
			return i
		}
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		if err == nil {
			return i
		}
	}
	return 0
}

func snapshotFlag(data any) (bool, bool) {
	if payload, ok := data.(map[string]any); ok {
		if raw, ok := payload["isSnapshot"]; ok {
			if val, ok := boolFromAny(raw); ok {
				return val, true
			}
		}
	}
	return false, false
}

func copyState(state State) State {
	out := State{
		EquityUSD:     state.EquityUSD,
		MarginUsedUSD: state.MarginUsedUSD,
	}
	if len(state.Positions) > 0 {
		out.Positions = make(map[string]Position, len(state.Positions))
		for k, v := range state.Positions {
			out.Positions[k] = v
		}
	}
	if len(state.OpenOrders) > 0 {
		out.OpenOrders = append([]OrderRef(nil), state.OpenOrders...)
	}
	return out
}
