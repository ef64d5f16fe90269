package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"hl-regime-bot/internal/account"
	"hl-regime-bot/internal/alerts"
	"hl-regime-bot/internal/config"
	"hl-regime-bot/internal/escalate"
	"hl-regime-bot/internal/events"
	"hl-regime-bot/internal/exec"
	"hl-regime-bot/internal/fees"
	"hl-regime-bot/internal/guard"
	"hl-regime-bot/internal/hl/exchange"
	"hl-regime-bot/internal/hl/rest"
	"hl-regime-bot/internal/hl/ws"
	"hl-regime-bot/internal/market"
	"hl-regime-bot/internal/metrics"
	"hl-regime-bot/internal/protect"
	"hl-regime-bot/internal/regime"
	"hl-regime-bot/internal/signal"
	"hl-regime-bot/internal/state"
	"hl-regime-bot/internal/state/sqlite"
	"hl-regime-bot/internal/watch"

	"go.uber.org/zap"
)

// App owns the full engine: market data, the per-symbol decision loops, the
// protection sweep, escalation checks and the connection watchdog. Each
// symbol's decisions run on their own goroutine; the sweep and escalation
// loops run on independent cadences.
type App struct {
	cfg       *config.Config
	log       *zap.Logger
	store     *sqlite.Store
	rest      *rest.Client
	marketWS  *ws.Client
	accountWS *ws.Client
	exchange  *exchange.Client
	view      *market.View
	account   *account.Account
	executor  *exec.Executor
	orders    protect.Orders
	feeCache  *fees.Cache
	builder   *signal.Builder
	stab      *regime.Stabilizer
	protect   *protect.Manager
	flip      *guard.FlipGuard
	daily     *guard.DailyWindow
	policy    *escalate.Policy
	watchdog  *watch.Watchdog
	events    *events.Writer
	met       *metrics.Metrics
	prom      *metrics.Prometheus
	alerts    *alerts.Telegram

	opsMu          sync.RWMutex
	paused         bool
	operatorWarned bool

	riskMu  sync.RWMutex
	riskCfg config.EscalationConfig

	symMu   sync.Mutex
	symbols map[string]*symbolState
}

// symbolState is decision-loop bookkeeping the escalation check reads
// across goroutines.
type symbolState struct {
	cfg              config.SymbolConfig
	plan             signal.ProtectionPlan
	hasPlan          bool
	blockedSince     time.Time
	blockedTimes     []time.Time
	lastBlockLowRisk bool
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	restClient := rest.New(cfg.REST.BaseURL, cfg.REST.Timeout, log)
	marketWS := ws.New(cfg.WS.URL, cfg.WS.ReconnectDelay, cfg.WS.PingInterval, log)
	accountWS := ws.New(cfg.WS.URL, cfg.WS.ReconnectDelay, cfg.WS.PingInterval, log)

	coins := make([]string, 0, len(cfg.Symbols))
	symbols := make(map[string]*symbolState, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		coins = append(coins, sym.Coin)
		symbols[sym.Coin] = &symbolState{cfg: sym}
	}
	view := market.NewView(restClient, marketWS, coins, log)

	walletAddress := strings.TrimSpace(os.Getenv("HL_WALLET_ADDRESS"))
	if walletAddress == "" {
		return nil, errors.New("HL_WALLET_ADDRESS is required")
	}
	privateKey := strings.TrimSpace(os.Getenv("HL_PRIVATE_KEY"))
	if privateKey == "" {
		return nil, errors.New("HL_PRIVATE_KEY is required")
	}
	accountAddress := strings.TrimSpace(os.Getenv("HL_ACCOUNT_ADDRESS"))
	if accountAddress == "" {
		accountAddress = walletAddress
	}
	vaultAddress := strings.TrimSpace(os.Getenv("HL_VAULT_ADDRESS"))
	isMainnet := !strings.Contains(strings.ToLower(cfg.REST.BaseURL), "testnet")
	signer, err := exchange.NewSigner(privateKey, isMainnet)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(walletAddress, signer.Address().Hex()) {
		return nil, fmt.Errorf("wallet address does not match private key: got %s expected %s", walletAddress, signer.Address().Hex())
	}
	exClient, err := exchange.NewClient(cfg.REST.BaseURL, cfg.REST.Timeout, signer, vaultAddress)
	if err != nil {
		return nil, err
	}
	exClient.SetLogger(log)

	accountClient := account.New(restClient, accountWS, log, accountAddress)
	executor := exec.New(&exchangeAdapter{client: exClient, view: view}, store, log)

	met := metrics.NewNoop()
	var prom *metrics.Prometheus
	if cfg.Metrics.Enabled {
		prom = metrics.NewPrometheus()
		met = prom.Metrics
	}

	sink, err := buildEventSink(cfg, log)
	if err != nil {
		return nil, err
	}
	writer := events.NewWriter(sink, cfg.Events.QueueSize, log)

	feeCache := fees.NewCache(
		&feeFetcher{rest: restClient, user: accountAddress},
		cfg.Fees.RefreshInterval,
		cfg.Fees.FallbackMakerBps,
		cfg.Fees.FallbackTakerBps,
		log,
	)
	stab := regime.NewStabilizer(regime.StabilizerConfig{
		MinHold:         cfg.Regime.MinHold,
		ConfirmBars:     cfg.Regime.ConfirmBars,
		FlipWindow:      cfg.Regime.FlipWindow,
		FlipMaxInWindow: cfg.Regime.FlipMaxInWindow,
		FlipCooldown:    cfg.Regime.FlipCooldown,
	})
	pacing := signal.NewPacingGate(cfg.Pacing.MaxEntriesPerHour, cfg.Pacing.Cooldown)
	edge := signal.NewDefaultEdgeModel(
		cfg.Edge.BaseBufferBps,
		cfg.Edge.SafetyBufferBps,
		cfg.Edge.VolCoeffBps,
		cfg.Edge.MakerSlipFraction,
	)
	builder := signal.NewBuilder(cfg, signal.AllowAll{}, stab, pacing, edge, feeCache, time.Now().UTC(), log)

	orders := &orderGateway{executor: executor, view: view, log: log}
	protectMgr := protect.NewManager(cfg.Protection, orders, writer, met, log)
	flipGuard := guard.NewFlipGuard(guard.ViolationMode(cfg.Engine.FlipViolationMode), writer, met, log)
	daily := guard.NewDailyWindow(guard.WindowMode(cfg.Engine.DailyLossWindow))
	alertsClient := alerts.NewTelegram(cfg.Telegram, log)
	policy := escalate.NewPolicy(cfg.Escalation, &telegramAsker{alerts: alertsClient, log: log}, writer, met, log)

	a := &App{
		cfg:       cfg,
		log:       log,
		store:     store,
		rest:      restClient,
		marketWS:  marketWS,
		accountWS: accountWS,
		exchange:  exClient,
		view:      view,
		account:   accountClient,
		executor:  executor,
		orders:    orders,
		feeCache:  feeCache,
		builder:   builder,
		stab:      stab,
		protect:   protectMgr,
		flip:      flipGuard,
		daily:     daily,
		policy:    policy,
		events:    writer,
		met:       met,
		prom:      prom,
		alerts:    alertsClient,
		symbols:   symbols,
		riskCfg:   cfg.Escalation,
	}
	a.watchdog = watch.New(
		cfg.Watchdog.Timeout,
		cfg.Watchdog.CheckInterval,
		view.LastMessageAt,
		func() {
			marketWS.ForceReconnect()
			accountWS.ForceReconnect()
		},
		writer,
		met,
		log,
	)
	return a, nil
}

func buildEventSink(cfg *config.Config, log *zap.Logger) (events.Sink, error) {
	if !cfg.Events.Enabled {
		return events.Nop{}, nil
	}
	if cfg.Events.DSN != "" {
		sink, err := events.NewPostgresSink(cfg.Events, log)
		if err == nil {
			return sink, nil
		}
		if !cfg.Events.SQLiteFallback {
			return nil, err
		}
		log.Warn("event store unavailable, falling back to sqlite", zap.Error(err))
	}
	path := filepath.Join(filepath.Dir(cfg.State.SQLitePath), "events.db")
	return events.NewSQLiteSink(path)
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	a.events.Start(ctx)
	defer func() {
		if err := a.events.Close(); err != nil {
			a.log.Warn("event writer close failed", zap.Error(err))
		}
	}()

	if err := a.exchange.InitNonceStore(ctx, a.store); err != nil {
		a.log.Warn("nonce store init failed", zap.Error(err))
	} else if nonce, ok := a.exchange.NonceState(); ok {
		a.log.Info("nonce persistence enabled", zap.String("nonce_key", nonce.Key), zap.Uint64("nonce_seed", nonce.Last))
	}

	a.restoreSnapshot(ctx)

	acctState, err := a.account.Reconcile(ctx)
	if err != nil {
		return err
	}
	if err := a.view.RefreshContexts(ctx); err != nil {
		a.log.Warn("context refresh failed", zap.Error(err))
	}
	a.adoptPositions(acctState)
	a.cancelStrayOrders(ctx, acctState.OpenOrders)
	a.backfillDailyWindow(ctx)

	a.account.SetFillHandler(func(fill account.Fill) {
		at := time.UnixMilli(fill.TimeMS).UTC()
		a.daily.Add(fill.RealizedUSD(), at)
	})
	if err := a.account.Start(ctx); err != nil {
		return err
	}
	if err := a.view.Start(ctx); err != nil {
		return err
	}

	a.events.Emit(ctx, "engine_started", "", map[string]any{
		"symbols":    a.coins(),
		"equity_usd": acctState.EquityUSD,
	})
	a.log.Info("engine started",
		zap.Strings("symbols", a.coins()),
		zap.Float64("equity_usd", acctState.EquityUSD),
		zap.Int("positions", len(acctState.Positions)),
	)

	a.startMetricsServer(ctx)
	a.startOperator(ctx)
	go a.watchdog.Run(ctx)
	go a.protectionLoop(ctx)
	go a.escalationLoop(ctx)
	go a.reconcileLoop(ctx)

	var wg sync.WaitGroup
	for coin := range a.symbols {
		wg.Add(1)
		go func(coin string) {
			defer wg.Done()
			a.runSymbol(ctx, coin)
		}(coin)
	}

	<-ctx.Done()
	wg.Wait()
	a.shutdown()
	return ctx.Err()
}

// shutdown flattens any open positions with bounded retries, on a fresh
// context since the run context is already cancelled.
func (a *App) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	snap := a.account.Snapshot()
	a.cancelStrayOrders(ctx, snap.OpenOrders)
	for coin, pos := range snap.Positions {
		var err error
		backoff := a.cfg.Engine.ShutdownBackoff
		for attempt := 0; attempt < a.cfg.Engine.ShutdownRetries; attempt++ {
			if err = a.orders.FlattenPosition(ctx, coin, !pos.IsLong(), abs(pos.Size)); err == nil {
				break
			}
			time.Sleep(backoff)
			backoff *= 2
		}
		if err != nil {
			a.log.Error("shutdown flatten failed", zap.String("coin", coin), zap.Error(err))
			continue
		}
		_ = a.protect.PositionClosed(ctx, coin)
	}
	a.saveSnapshot(ctx)
	a.events.Emit(ctx, "engine_stopped", "", map[string]any{
		"positions_flattened": len(snap.Positions),
	})
	a.log.Info("engine stopped")
}

// adoptPositions takes over positions found at startup: they get a default
// protection plan so the first sweep covers them.
func (a *App) adoptPositions(state *account.State) {
	for coin, pos := range state.Positions {
		st := a.symbolFor(coin)
		if st == nil {
			a.log.Warn("position in unconfigured symbol", zap.String("coin", coin), zap.Float64("size", pos.Size))
			continue
		}
		a.symMu.Lock()
		if !st.hasPlan {
			st.plan = a.defaultPlan()
			st.hasPlan = true
		}
		a.symMu.Unlock()
		a.log.Info("adopted position",
			zap.String("coin", coin),
			zap.Float64("size", pos.Size),
			zap.Float64("entry_px", pos.EntryPx),
		)
	}
}

// defaultPlan is used for positions adopted without a recorded intent.
func (a *App) defaultPlan() signal.ProtectionPlan {
	b := a.cfg.Breakout
	return signal.ProtectionPlan{
		Kind:              signal.ProtectionTrend,
		SlPct:             (b.SlMinPct + b.SlMaxPct) / 2,
		TpPct:             b.TpMult * (b.SlMinPct + b.SlMaxPct) / 2,
		TimeStop:          b.TimeStop,
		TimeStopProgressR: b.TimeStopProgressR,
	}
}

// cancelStrayOrders pulls every resting order found at startup. Protection
// triggers for adopted positions are re-placed by the first sweep.
func (a *App) cancelStrayOrders(ctx context.Context, orders []account.OrderRef) {
	for _, ref := range orders {
		if ref.OrderID == "" {
			continue
		}
		perpCtx, ok := a.view.PerpContext(ref.Coin)
		if !ok {
			a.log.Warn("stray order in unknown asset", zap.String("coin", ref.Coin), zap.String("order_id", ref.OrderID))
			continue
		}
		if err := a.executor.CancelOrder(ctx, exec.Cancel{Asset: perpCtx.Index, OrderID: ref.OrderID}); err != nil {
			a.log.Warn("stray order cancel failed", zap.String("order_id", ref.OrderID), zap.Error(err))
		}
	}
}

func (a *App) startMetricsServer(ctx context.Context) {
	if a.prom == nil || a.cfg.Metrics.Listen == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.prom.Handler())
	srv := &http.Server{Addr: a.cfg.Metrics.Listen, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

// reconcileLoop re-pulls account state periodically so the websocket view
// cannot drift unnoticed.
func (a *App) reconcileLoop(ctx context.Context) {
	interval := a.cfg.Engine.TickInterval * 6
	if interval < 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.account.Reconcile(ctx); err != nil {
				a.met.ReconcileFailures.Inc()
			}
		}
	}
}

func (a *App) coins() []string {
	out := make([]string, 0, len(a.symbols))
	for coin := range a.symbols {
		out = append(out, coin)
	}
	return out
}

func (a *App) symbolFor(coin string) *symbolState {
	return a.symbols[coin]
}

// restoreSnapshot re-applies a persisted pause and equity peak, so a restart
// does not silently resume trading or forget the drawdown baseline.
func (a *App) restoreSnapshot(ctx context.Context) {
	snapshot, ok, err := state.LoadEngineSnapshot(ctx, a.store)
	if err != nil {
		a.log.Warn("engine snapshot load failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	if snapshot.Paused {
		a.setPaused(true)
		a.log.Info("restored paused state")
	}
	if snapshot.PeakEquityUSD > 0 {
		a.account.SeedPeakEquity(snapshot.PeakEquityUSD)
	}
}

func (a *App) saveSnapshot(ctx context.Context) {
	snapshot := state.EngineSnapshot{
		Paused:        a.isPaused(),
		PeakEquityUSD: a.account.PeakEquityUSD(),
		UpdatedAtMS:   time.Now().UTC().UnixMilli(),
	}
	if err := state.SaveEngineSnapshot(ctx, a.store, snapshot); err != nil {
		a.log.Warn("engine snapshot save failed", zap.Error(err))
	}
}

// backfillDailyWindow rebuilds the realized-loss window from fill history so
// the daily-loss trigger is armed immediately after a restart.
func (a *App) backfillDailyWindow(ctx context.Context) {
	now := time.Now().UTC()
	var start time.Time
	if a.cfg.Engine.DailyLossWindow == "rolling24h" {
		start = now.Add(-24 * time.Hour)
	} else {
		start = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
	fills, err := a.account.UserFillsByTime(ctx, start.UnixMilli(), now.UnixMilli())
	if err != nil {
		a.log.Warn("fill backfill failed", zap.Error(err))
		return
	}
	total := 0.0
	for _, fill := range fills {
		a.daily.Add(fill.RealizedUSD(), time.UnixMilli(fill.TimeMS).UTC())
		total += fill.RealizedUSD()
	}
	if len(fills) > 0 {
		a.log.Info("daily window backfilled",
			zap.Int("fills", len(fills)),
			zap.Float64("realized_usd", total),
		)
	}
}

func (a *App) isPaused() bool {
	a.opsMu.RLock()
	defer a.opsMu.RUnlock()
	return a.paused
}

// escalationConfig is the live trigger configuration; the operator can
// adjust thresholds at runtime with /risk set.
func (a *App) escalationConfig() config.EscalationConfig {
	a.riskMu.RLock()
	defer a.riskMu.RUnlock()
	return a.riskCfg
}

// setPaused reports whether the call changed the paused state.
func (a *App) setPaused(paused bool) bool {
	a.opsMu.Lock()
	defer a.opsMu.Unlock()
	changed := a.paused != paused
	a.paused = paused
	return changed
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

