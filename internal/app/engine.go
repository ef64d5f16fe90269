package app

import (
	"context"
	"time"

	"hl-regime-bot/internal/account"
	"hl-regime-bot/internal/escalate"
	"hl-regime-bot/internal/exec"
	"hl-regime-bot/internal/guard"
	"hl-regime-bot/internal/hl/exchange"
	"hl-regime-bot/internal/market"
	"hl-regime-bot/internal/protect"
	"hl-regime-bot/internal/signal"

	"go.uber.org/zap"
)

const entryPollInterval = 500 * time.Millisecond

// runSymbol is the single writer for one coin's decision state.
func (a *App) runSymbol(ctx context.Context, coin string) {
	ticker := time.NewTicker(a.cfg.Engine.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tickSymbol(ctx, coin)
		}
	}
}

func (a *App) tickSymbol(ctx context.Context, coin string) {
	st := a.symbolFor(coin)
	if st == nil {
		return
	}
	now := time.Now().UTC()

	pos, hasPos := a.account.Position(coin)
	open := hasPos && pos.Size != 0
	if a.flip.State(coin) == guard.FlipFlattenRequested {
		if open {
			a.retryFlipFlatten(ctx, coin, pos)
		} else {
			a.flip.FlatConfirmed(ctx, coin, now)
		}
	}

	var decision signal.Decision
	if a.isPaused() {
		decision = signal.Decision{Blocked: true, Reason: signal.ReasonPaused}
	} else {
		snap, ok := a.view.Snapshot(coin)
		if !ok {
			snap = market.Snapshot{Coin: coin}
		}
		decision = a.builder.Build(ctx, snap, now)
	}
	if !decision.Blocked {
		decision = a.applyFlipGate(ctx, coin, decision, pos, open, now)
	}

	a.events.Emit(ctx, "strategy_decision", coin, decision)
	if decision.Blocked {
		a.met.SignalsBlocked.Inc()
		a.recordBlocked(st, decision.Reason, now)
		return
	}
	a.met.SignalsAccepted.Inc()
	a.recordAccepted(st)
	a.builder.Pacing().Record(coin, now)

	if err := a.executeEntry(ctx, st, decision.Intent, now); err != nil {
		a.met.OrdersFailed.Inc()
		a.log.Warn("entry failed", zap.String("coin", coin), zap.Error(err))
	}
}

// applyFlipGate turns an accepted intent into a block when the position
// state forbids it; an opposite-direction signal against an open position
// starts the flatten-first sequence.
func (a *App) applyFlipGate(ctx context.Context, coin string, decision signal.Decision, pos account.Position, open bool, now time.Time) signal.Decision {
	intent := decision.Intent
	ok, reason := a.flip.CheckEntry(coin, open)
	if ok {
		// A flip's flat confirmation may have been recorded earlier in this
		// same tick, stamped with the tick's timestamp. The entry has to
		// sort strictly after it.
		entryAt := time.Now().UTC()
		if !entryAt.After(now) {
			entryAt = now.Add(time.Nanosecond)
		}
		if !a.flip.RecordEntry(ctx, coin, entryAt) {
			return signal.Decision{Blocked: true, Reason: signal.ReasonFlipInProgress, Regime: decision.Regime, Explanation: decision.Explanation}
		}
		return decision
	}
	if reason == signal.ReasonPyramiding && open && sideOf(pos) != intent.Side {
		a.beginFlip(ctx, coin, pos, intent.Side, now)
		reason = signal.ReasonFlipInProgress
	}
	return signal.Decision{Blocked: true, Reason: reason, Regime: decision.Regime, Explanation: decision.Explanation}
}

func sideOf(pos account.Position) signal.Side {
	if pos.IsLong() {
		return signal.SideBuy
	}
	return signal.SideSell
}

// beginFlip issues the close; the new entry waits for a later tick that
// observes the position at zero.
func (a *App) beginFlip(ctx context.Context, coin string, pos account.Position, target signal.Side, now time.Time) {
	a.flip.FlattenRequested(ctx, coin, target, now)
	if err := a.orders.FlattenPosition(ctx, coin, !pos.IsLong(), abs(pos.Size)); err != nil {
		a.log.Warn("flip flatten failed", zap.String("coin", coin), zap.Error(err))
		return
	}
	if err := a.protect.PositionClosed(ctx, coin); err != nil {
		a.log.Warn("protection cleanup failed", zap.String("coin", coin), zap.Error(err))
	}
}

// retryFlipFlatten re-issues the close while a flip's flatten is pending and
// the book still shows the position. The initial close from beginFlip can be
// rejected; without the re-issue the flip would stay stuck behind the pending
// flatten.
func (a *App) retryFlipFlatten(ctx context.Context, coin string, pos account.Position) {
	if err := a.orders.FlattenPosition(ctx, coin, !pos.IsLong(), abs(pos.Size)); err != nil {
		a.log.Warn("flip flatten retry failed", zap.String("coin", coin), zap.Error(err))
	}
}

// executeEntry places the maker order and babysits it for the intent's TTL.
// On expiry the order is cancelled; intents that allow it are re-sent as a
// taker at the fallback price.
func (a *App) executeEntry(ctx context.Context, st *symbolState, intent *signal.Intent, now time.Time) error {
	perpCtx, ok := a.view.PerpContext(intent.Coin)
	if !ok {
		return errNoPerpContext(intent.Coin)
	}
	a.symMu.Lock()
	st.plan = intent.Protection
	st.hasPlan = true
	a.symMu.Unlock()

	tif := string(exchange.TifGtc)
	if intent.PostOnly {
		tif = string(exchange.TifAlo)
	}
	order := exec.Order{
		Asset:         perpCtx.Index,
		Coin:          intent.Coin,
		IsBuy:         intent.Side == signal.SideBuy,
		Size:          exchange.QuantizeSize(intent.Size, perpCtx.SzDecimals),
		LimitPrice:    exchange.QuantizePrice(intent.LimitPx, perpCtx.SzDecimals),
		Tif:           tif,
		ClientOrderID: exec.NewCloid(),
	}
	orderID, err := a.executor.PlaceOrder(ctx, order)
	if err != nil {
		return err
	}
	a.met.OrdersPlaced.Inc()
	a.log.Info("entry submitted",
		zap.String("coin", intent.Coin),
		zap.String("side", string(intent.Side)),
		zap.Float64("size", order.Size),
		zap.Float64("limit_px", order.LimitPrice),
		zap.String("strategy", intent.Strategy),
	)

	filled := a.waitForPosition(ctx, intent.Coin, intent.TTL)
	if filled {
		return nil
	}
	if err := a.executor.CancelOrder(ctx, exec.Cancel{Asset: perpCtx.Index, OrderID: orderID}); err != nil {
		a.log.Warn("entry cancel failed", zap.String("coin", intent.Coin), zap.String("order_id", orderID), zap.Error(err))
	}
	if _, ok := a.account.Position(intent.Coin); ok {
		// Filled in the race between expiry and cancel.
		return nil
	}
	if !intent.AllowTakerAfterTTL || intent.FallbackPx <= 0 {
		return nil
	}
	taker := exec.Order{
		Asset:         perpCtx.Index,
		Coin:          intent.Coin,
		IsBuy:         order.IsBuy,
		Size:          order.Size,
		LimitPrice:    exchange.QuantizePrice(intent.FallbackPx, perpCtx.SzDecimals),
		Tif:           string(exchange.TifIoc),
		ClientOrderID: exec.NewCloid(),
	}
	if _, err := a.executor.PlaceOrder(ctx, taker); err != nil {
		return err
	}
	a.met.OrdersPlaced.Inc()
	return nil
}

// waitForPosition polls the reconciled book until the position shows or the
// TTL elapses.
func (a *App) waitForPosition(ctx context.Context, coin string, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	deadline := time.NewTimer(ttl)
	defer deadline.Stop()
	ticker := time.NewTicker(entryPollInterval)
	defer ticker.Stop()
	for {
		if pos, ok := a.account.Position(coin); ok && pos.Size != 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-ticker.C:
		}
	}
}

type errNoPerpContext string

func (e errNoPerpContext) Error() string { return "perp context not found for " + string(e) }

func (a *App) recordBlocked(st *symbolState, reason signal.Reason, now time.Time) {
	window := a.escalationConfig().BlockedAge
	a.symMu.Lock()
	defer a.symMu.Unlock()
	if st.blockedSince.IsZero() {
		st.blockedSince = now
	}
	st.blockedTimes = append(st.blockedTimes, now)
	if window > 0 {
		cutoff := now.Add(-window)
		for len(st.blockedTimes) > 0 && st.blockedTimes[0].Before(cutoff) {
			st.blockedTimes = st.blockedTimes[1:]
		}
	}
	st.lastBlockLowRisk = reason.LowRiskFlat()
}

func (a *App) recordAccepted(st *symbolState) {
	a.symMu.Lock()
	defer a.symMu.Unlock()
	st.blockedSince = time.Time{}
	st.blockedTimes = nil
	st.lastBlockLowRisk = false
}

// protectionLoop is the sweep that keeps every open position covered,
// independent of the decision cadence.
func (a *App) protectionLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Protection.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweepProtection(ctx)
		}
	}
}

func (a *App) sweepProtection(ctx context.Context) {
	now := time.Now().UTC()
	snap := a.account.Snapshot()
	for coin, st := range a.symbols {
		pos, open := snap.Positions[coin]
		if !open || pos.Size == 0 {
			if a.protect.Covered(coin) {
				if err := a.protect.PositionClosed(ctx, coin); err != nil {
					a.log.Warn("protection cleanup failed", zap.String("coin", coin), zap.Error(err))
				}
			}
			continue
		}
		a.symMu.Lock()
		plan := st.plan
		hasPlan := st.hasPlan
		if !hasPlan {
			plan = a.defaultPlan()
			st.plan = plan
			st.hasPlan = true
		}
		a.symMu.Unlock()

		ppos := protect.Position{Coin: coin, Size: pos.Size, EntryPx: pos.EntryPx, OpenedAt: pos.OpenedAt}
		if err := a.protect.Ensure(ctx, ppos, plan, now); err != nil {
			a.log.Warn("protection ensure failed", zap.String("coin", coin), zap.Error(err))
			continue
		}
		if plan.TimeStop > 0 {
			if msnap, ok := a.view.Snapshot(coin); ok && msnap.Mid() > 0 {
				if flattened, err := a.protect.CheckTimeStop(ctx, ppos, plan, msnap.Mid(), now); err != nil {
					a.log.Warn("time stop check failed", zap.String("coin", coin), zap.Error(err))
				} else if flattened {
					a.log.Info("time stop flatten", zap.String("coin", coin))
				}
			}
		}
	}
}

// escalationLoop evaluates risk triggers and settles expired questions.
func (a *App) escalationLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Escalation.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.checkEscalations(ctx)
		}
	}
}

func (a *App) checkEscalations(ctx context.Context) {
	now := time.Now().UTC()
	escCfg := a.escalationConfig()
	snap := a.account.Snapshot()
	dailyPnL := a.daily.Realized(now)
	drawdown := a.account.DrawdownBps()
	failStreak := a.account.FailStreak()
	timeouts := a.watchdog.TimeoutsInWindow(escCfg.WatchdogWindow, now)

	for coin, st := range a.symbols {
		pos, open := snap.Positions[coin]
		a.symMu.Lock()
		in := escalate.TriggerInput{
			Coin:                coin,
			DrawdownBps:         drawdown,
			DailyPnLUSD:         dailyPnL,
			MaxNotionalUSD:      a.cfg.Protection.MaxNotionalUSD,
			ReconcileFailStreak: failStreak,
			WatchdogTimeouts:    timeouts,
			BlockedSince:        st.blockedSince,
			BlockedCountWindow:  len(st.blockedTimes),
			Flat:                !open,
			LowRiskBlock:        st.lastBlockLowRisk,
		}
		a.symMu.Unlock()
		if open {
			in.PositionNotionalUSD = abs(pos.NotionalUSD)
		}
		reasons := escalate.Evaluate(in, escCfg, now)
		if len(reasons) > 0 {
			a.policy.Raise(ctx, coin, reasons, open, now)
		}
	}
	for _, res := range a.policy.Expire(ctx, now) {
		a.applyResolution(ctx, res)
	}
}

func (a *App) applyResolution(ctx context.Context, res escalate.Resolution) {
	if res.Action != escalate.ActionFlatten {
		return
	}
	coin := res.Question.Coin
	pos, ok := a.account.Position(coin)
	if !ok || pos.Size == 0 {
		return
	}
	if err := a.orders.FlattenPosition(ctx, coin, !pos.IsLong(), abs(pos.Size)); err != nil {
		a.log.Error("escalation flatten failed", zap.String("coin", coin), zap.Error(err))
		return
	}
	if err := a.protect.PositionClosed(ctx, coin); err != nil {
		a.log.Warn("protection cleanup failed", zap.String("coin", coin), zap.Error(err))
	}
	a.log.Info("escalation flatten", zap.String("coin", coin), zap.String("question", res.Question.ID), zap.Bool("timed_out", res.TimedOut))
}
