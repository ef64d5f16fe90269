// Command verify checks a deployment before the engine is trusted with it:
// it validates the config, prints the effective thresholds after defaults,
// resolves every configured symbol against live perp metadata, and derives
// the entry order and protection trigger pair the engine would place at the
// current mark price. With -place it additionally submits a deep post-only
// bid and cancels it, exercising signing and nonce persistence end to end.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"hl-regime-bot/internal/config"
	"hl-regime-bot/internal/exec"
	"hl-regime-bot/internal/hl/exchange"
	"hl-regime-bot/internal/hl/rest"
	"hl-regime-bot/internal/logging"
	"hl-regime-bot/internal/market"
	"hl-regime-bot/internal/state/sqlite"
)

const placeProbeDiscount = 0.5

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	coinFilter := flag.String("coin", "", "limit the symbol checks to one coin")
	place := flag.Bool("place", false, "submit and cancel a deep post-only probe order")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fatal(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(fmt.Errorf("config invalid: %w", err))
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	fmt.Printf("config ok: %s\n", *configPath)
	printEffective(cfg)

	restClient := rest.New(cfg.REST.BaseURL, cfg.REST.Timeout, log)
	coins := make([]string, 0, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		coins = append(coins, sym.Coin)
	}
	view := market.NewView(restClient, nil, coins, log)
	ctx := context.Background()
	if err := view.RefreshContexts(ctx); err != nil {
		fatal(fmt.Errorf("perp metadata fetch failed: %w", err))
	}

	failed := false
	for _, sym := range cfg.Symbols {
		if *coinFilter != "" && !strings.EqualFold(sym.Coin, *coinFilter) {
			continue
		}
		if err := checkSymbol(cfg, sym, view); err != nil {
			fmt.Printf("%s: FAIL: %v\n", sym.Coin, err)
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
	if !*place {
		return
	}
	if err := placeProbe(ctx, cfg, view, *coinFilter); err != nil {
		fatal(err)
	}
}

func printEffective(cfg *config.Config) {
	fmt.Printf("engine: tick=%s warmup=%s daily_loss_window=%s flip_mode=%s\n",
		cfg.Engine.TickInterval, cfg.Engine.RestartWarmup, cfg.Engine.DailyLossWindow, cfg.Engine.FlipViolationMode)
	fmt.Printf("regime: min_hold=%s confirm_bars=%d flip_window=%s flip_max=%d flip_cooldown=%s\n",
		cfg.Regime.MinHold, cfg.Regime.ConfirmBars, cfg.Regime.FlipWindow, cfg.Regime.FlipMaxInWindow, cfg.Regime.FlipCooldown)
	fmt.Printf("edge: base=%.1fbps safety=%.1fbps vol_coeff=%.1fbps maker_slip=%.2f\n",
		cfg.Edge.BaseBufferBps, cfg.Edge.SafetyBufferBps, cfg.Edge.VolCoeffBps, cfg.Edge.MakerSlipFraction)
	fmt.Printf("pacing: cooldown=%s max_per_hour=%d\n", cfg.Pacing.Cooldown, cfg.Pacing.MaxEntriesPerHour)
	fmt.Printf("protection: grace=%s sweep=%s refresh_move=%.1fbps retries=%d max_notional=%.0f\n",
		cfg.Protection.GracePeriod, cfg.Protection.SweepInterval, cfg.Protection.RefreshMoveBps,
		cfg.Protection.PlaceRetries, cfg.Protection.MaxNotionalUSD)
	fmt.Printf("escalation: drawdown=%.0fbps daily_loss=%.0fusd answer_ttl=%s flat=%s in_pos=%s\n",
		cfg.Escalation.DrawdownBps, cfg.Escalation.DailyLossUSD, cfg.Escalation.AnswerTTL,
		cfg.Escalation.DefaultActionFlat, cfg.Escalation.DefaultActionInPos)
	fmt.Printf("watchdog: timeout=%s check=%s\n", cfg.Watchdog.Timeout, cfg.Watchdog.CheckInterval)
}

// checkSymbol derives the wires the engine would produce for a long entry at
// the current mark price. Everything runs through the same quantization and
// validation the live path uses.
func checkSymbol(cfg *config.Config, sym config.SymbolConfig, view *market.View) error {
	perpCtx, ok := view.PerpContext(sym.Coin)
	if !ok {
		return errors.New("perp asset not listed")
	}
	if perpCtx.MarkPrice <= 0 {
		return errors.New("mark price unavailable")
	}
	size := exchange.QuantizeSize(sym.NotionalUSD/perpCtx.MarkPrice, perpCtx.SzDecimals)
	if size <= 0 {
		return fmt.Errorf("notional %.2f rounds to zero size at mark %.4f", sym.NotionalUSD, perpCtx.MarkPrice)
	}
	entryPx := exchange.QuantizePrice(perpCtx.MarkPrice, perpCtx.SzDecimals)
	if err := exchange.ValidateOrder(entryPx, size, perpCtx.SzDecimals); err != nil {
		return err
	}
	entry, err := exchange.LimitOrderWire(perpCtx.Index, true, size, entryPx, false, exchange.TifAlo, exec.NewCloid())
	if err != nil {
		return err
	}

	slPct := (cfg.Breakout.SlMinPct + cfg.Breakout.SlMaxPct) / 2
	tpPct := cfg.Breakout.TpMult * slPct
	tpPx := exchange.QuantizePrice(perpCtx.MarkPrice*(1+tpPct/100), perpCtx.SzDecimals)
	slPx := exchange.QuantizePrice(perpCtx.MarkPrice*(1-slPct/100), perpCtx.SzDecimals)
	tp, err := exchange.TriggerOrderWire(perpCtx.Index, false, size, tpPx, "tp", exec.NewCloid())
	if err != nil {
		return err
	}
	sl, err := exchange.TriggerOrderWire(perpCtx.Index, false, size, slPx, "sl", exec.NewCloid())
	if err != nil {
		return err
	}
	fmt.Printf("%s: asset=%d sz_decimals=%d mark=%.6f\n", sym.Coin, perpCtx.Index, perpCtx.SzDecimals, perpCtx.MarkPrice)
	fmt.Printf("%s: entry size=%s limit=%s tif=%s\n", sym.Coin, entry.Size, entry.Price, entry.OrderType.Limit.Tif)
	fmt.Printf("%s: tp trigger=%s sl trigger=%s (sl %.2f%% tp %.2f%%)\n", sym.Coin, tp.OrderType.Trigger.TriggerPx, sl.OrderType.Trigger.TriggerPx, slPct, tpPct)
	return nil
}

// placeProbe rests a post-only bid far below the mark and pulls it again,
// proving the signing key, nonce store and order path work against the venue.
func placeProbe(ctx context.Context, cfg *config.Config, view *market.View, coinFilter string) error {
	wallet := strings.TrimSpace(os.Getenv("HL_WALLET_ADDRESS"))
	if wallet == "" {
		return errors.New("HL_WALLET_ADDRESS is required for -place")
	}
	privateKey := strings.TrimSpace(os.Getenv("HL_PRIVATE_KEY"))
	if privateKey == "" {
		return errors.New("HL_PRIVATE_KEY is required for -place")
	}
	isMainnet := !strings.Contains(strings.ToLower(cfg.REST.BaseURL), "testnet")
	signer, err := exchange.NewSigner(privateKey, isMainnet)
	if err != nil {
		return err
	}
	if !strings.EqualFold(wallet, signer.Address().Hex()) {
		return fmt.Errorf("wallet address does not match private key: got %s expected %s", wallet, signer.Address().Hex())
	}
	exClient, err := exchange.NewClient(cfg.REST.BaseURL, cfg.REST.Timeout, signer, strings.TrimSpace(os.Getenv("HL_VAULT_ADDRESS")))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := exClient.InitNonceStore(ctx, store); err != nil {
		return fmt.Errorf("nonce store init failed: %w", err)
	}

	sym := cfg.Symbols[0]
	if coinFilter != "" {
		found, ok := cfg.Symbol(strings.ToUpper(strings.TrimSpace(coinFilter)))
		if !ok {
			return fmt.Errorf("coin %s is not configured", coinFilter)
		}
		sym = found
	}
	perpCtx, ok := view.PerpContext(sym.Coin)
	if !ok || perpCtx.MarkPrice <= 0 {
		return fmt.Errorf("no mark price for %s", sym.Coin)
	}
	probePx := exchange.QuantizePrice(perpCtx.MarkPrice*placeProbeDiscount, perpCtx.SzDecimals)
	size := exchange.QuantizeSize(sym.NotionalUSD/probePx, perpCtx.SzDecimals)
	order, err := exchange.LimitOrderWire(perpCtx.Index, true, size, probePx, false, exchange.TifAlo, exec.NewCloid())
	if err != nil {
		return err
	}
	resp, err := exClient.PlaceOrder(ctx, order)
	if err != nil {
		return err
	}
	orderID := exchange.OrderIDFromResponse(resp)
	if orderID == "" {
		return fmt.Errorf("probe order not resting: %v", resp)
	}
	fmt.Printf("probe resting: %s size=%s limit=%s order_id=%s\n", sym.Coin, order.Size, order.Price, orderID)

	oid, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("unparseable order id %q: %w", orderID, err)
	}
	time.Sleep(time.Second)
	if _, err := exClient.CancelOrder(ctx, perpCtx.Index, oid); err != nil {
		return fmt.Errorf("probe cancel failed, pull order %s manually: %w", orderID, err)
	}
	fmt.Printf("probe cancelled: order_id=%s\n", orderID)
	return nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
