package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log        LoggingConfig    `yaml:"log"`
	REST       RESTConfig       `yaml:"rest"`
	WS         WSConfig         `yaml:"ws"`
	State      StateConfig      `yaml:"state"`
	Events     EventsConfig     `yaml:"events"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Engine     EngineConfig     `yaml:"engine"`
	Symbols    []SymbolConfig   `yaml:"symbols"`
	Regime     RegimeConfig     `yaml:"regime"`
	Breakout   BreakoutConfig   `yaml:"breakout"`
	Range      RangeConfig      `yaml:"range"`
	Edge       EdgeConfig       `yaml:"edge"`
	Pacing     PacingConfig     `yaml:"pacing"`
	Fees       FeesConfig       `yaml:"fees"`
	Protection ProtectionConfig `yaml:"protection"`
	Escalation EscalationConfig `yaml:"escalation"`
	Watchdog   WatchdogConfig   `yaml:"watchdog"`
	Telegram   TelegramConfig   `yaml:"telegram"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type RESTConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type WSConfig struct {
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type EventsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	SQLiteFallback  bool          `yaml:"sqlite_fallback"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// EngineConfig drives the per-symbol decision loop and process-wide safety
// behavior.
type EngineConfig struct {
	TickInterval      time.Duration `yaml:"tick_interval"`
	RestartWarmup     time.Duration `yaml:"restart_warmup"`
	MaxCandleAge      time.Duration `yaml:"max_candle_age"`
	MaxBookAge        time.Duration `yaml:"max_book_age"`
	MaxTradeAge       time.Duration `yaml:"max_trade_age"`
	DailyLossWindow   string        `yaml:"daily_loss_window"`   // utc_day | rolling24h
	FlipViolationMode string        `yaml:"flip_violation_mode"` // block | log
	ShutdownRetries   int           `yaml:"shutdown_retries"`
	ShutdownBackoff   time.Duration `yaml:"shutdown_backoff"`
}

// SymbolConfig carries venue thresholds per coin. The configured symbols are
// also the entry allow-list.
type SymbolConfig struct {
	Coin                string  `yaml:"coin"`
	NotionalUSD         float64 `yaml:"notional_usd"`
	MaxSpreadBps        float64 `yaml:"max_spread_bps"`
	MaxSlippageBps      float64 `yaml:"max_slippage_bps"`
	TurbulenceReturnPct float64 `yaml:"turbulence_return_pct"`
}

type RegimeConfig struct {
	TurbulenceMult    float64       `yaml:"turbulence_mult"`
	TrendAdxMin       float64       `yaml:"trend_adx_min"`
	TrendEmaGapMinBps float64       `yaml:"trend_ema_gap_min_bps"`
	RangeAdxMax       float64       `yaml:"range_adx_max"`
	RangeEmaGapMaxBps float64       `yaml:"range_ema_gap_max_bps"`
	MinHold           time.Duration `yaml:"min_hold"`
	ConfirmBars       int           `yaml:"confirm_bars"`
	FlipWindow        time.Duration `yaml:"flip_window"`
	FlipMaxInWindow   int           `yaml:"flip_max_in_window"`
	FlipCooldown      time.Duration `yaml:"flip_cooldown"`
}

type BreakoutConfig struct {
	Lookback          int           `yaml:"lookback"`
	ConfirmBars       int           `yaml:"confirm_bars"`
	BufferBps         float64       `yaml:"buffer_bps"`
	MinBodyRatio      float64       `yaml:"min_body_ratio"`
	MaxReturn1mPct    float64       `yaml:"max_return_1m_pct"`
	MinAggressorRatio float64       `yaml:"min_aggressor_ratio"`
	MinImbalance      float64       `yaml:"min_imbalance"`
	EntryTTL          time.Duration `yaml:"entry_ttl"`
	AllowTakerAfter   bool          `yaml:"allow_taker_after_ttl"`
	SlMinPct          float64       `yaml:"sl_min_pct"`
	SlMaxPct          float64       `yaml:"sl_max_pct"`
	SlAtrMult         float64       `yaml:"sl_atr_mult"`
	TpMult            float64       `yaml:"tp_mult"`
	TimeStop          time.Duration `yaml:"time_stop"`
	TimeStopProgressR float64       `yaml:"time_stop_progress_r"`
}

type RangeConfig struct {
	ZEntry         float64       `yaml:"z_entry"`
	MaxAtrPct      float64       `yaml:"max_atr_pct"`
	MaxReturn1mPct float64       `yaml:"max_return_1m_pct"`
	NoBreakoutBars int           `yaml:"no_breakout_bars"`
	SlMinPct       float64       `yaml:"sl_min_pct"`
	SlMaxPct       float64       `yaml:"sl_max_pct"`
	SlAtrMult      float64       `yaml:"sl_atr_mult"`
	EntryTTL       time.Duration `yaml:"entry_ttl"`
	TimeStop       time.Duration `yaml:"time_stop"`
}

type EdgeConfig struct {
	BaseBufferBps     float64 `yaml:"base_buffer_bps"`
	SafetyBufferBps   float64 `yaml:"safety_buffer_bps"`
	VolCoeffBps       float64 `yaml:"vol_coeff_bps"`
	MakerSlipFraction float64 `yaml:"maker_slip_fraction"`
}

type PacingConfig struct {
	Cooldown          time.Duration `yaml:"cooldown"`
	MaxEntriesPerHour int           `yaml:"max_entries_per_hour"`
}

type FeesConfig struct {
	RefreshInterval  time.Duration `yaml:"refresh_interval"`
	FallbackMakerBps float64       `yaml:"fallback_maker_bps"`
	FallbackTakerBps float64       `yaml:"fallback_taker_bps"`
}

type ProtectionConfig struct {
	GracePeriod    time.Duration `yaml:"grace_period"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	RefreshMoveBps float64       `yaml:"refresh_move_bps"`
	RefreshSizePct float64       `yaml:"refresh_size_pct"`
	PlaceRetries   int           `yaml:"place_retries"`
	PlaceBackoff   time.Duration `yaml:"place_backoff"`
	MaxNotionalUSD float64       `yaml:"max_notional_usd"`
}

type EscalationConfig struct {
	DrawdownBps         float64       `yaml:"drawdown_bps"`
	DailyLossUSD        float64       `yaml:"daily_loss_usd"`
	NotionalRatio       float64       `yaml:"notional_ratio"`
	ReconcileFailStreak int           `yaml:"reconcile_fail_streak"`
	WatchdogTimeouts    int           `yaml:"watchdog_timeouts"`
	WatchdogWindow      time.Duration `yaml:"watchdog_window"`
	BlockedAge          time.Duration `yaml:"blocked_age"`
	BlockedGrowth       int           `yaml:"blocked_growth"`
	DailyCap            int           `yaml:"daily_cap"`
	CoinCooldown        time.Duration `yaml:"coin_cooldown"`
	ReasonCooldown      time.Duration `yaml:"reason_cooldown"`
	AnswerTTL           time.Duration `yaml:"answer_ttl"`
	DefaultActionFlat   string        `yaml:"default_action_flat"`     // hold | flatten
	DefaultActionInPos  string        `yaml:"default_action_position"` // hold | flatten
	CheckInterval       time.Duration `yaml:"check_interval"`
	SuppressFlatLowRisk *bool         `yaml:"suppress_flat_low_risk"`
}

type WatchdogConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	CheckInterval time.Duration `yaml:"check_interval"`
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.REST.BaseURL == "" {
		cfg.REST.BaseURL = "https://api.hyperliquid.xyz"
	}
	if cfg.REST.Timeout == 0 {
		cfg.REST.Timeout = 10 * time.Second
	}
	if cfg.WS.URL == "" {
		cfg.WS.URL = "wss://api.hyperliquid.xyz/ws"
	}
	if cfg.WS.ReconnectDelay == 0 {
		cfg.WS.ReconnectDelay = 3 * time.Second
	}
	if cfg.WS.PingInterval == 0 {
		cfg.WS.PingInterval = 30 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/hl-regime-bot.db"
	}
	if cfg.Events.QueueSize == 0 {
		cfg.Events.QueueSize = 1024
	}
	if cfg.Events.Schema == "" {
		cfg.Events.Schema = "public"
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9090"
	}
	applyEngineDefaults(&cfg.Engine)
	applyRegimeDefaults(&cfg.Regime)
	applyBreakoutDefaults(&cfg.Breakout)
	applyRangeDefaults(&cfg.Range)
	applyEdgeDefaults(&cfg.Edge)
	applyPacingDefaults(&cfg.Pacing)
	applyFeesDefaults(&cfg.Fees)
	applyProtectionDefaults(&cfg.Protection)
	applyEscalationDefaults(&cfg.Escalation)
	applyWatchdogDefaults(&cfg.Watchdog)
	for i := range cfg.Symbols {
		applySymbolDefaults(&cfg.Symbols[i])
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
}

func applyEngineDefaults(e *EngineConfig) {
	if e.TickInterval == 0 {
		e.TickInterval = 5 * time.Second
	}
	if e.RestartWarmup == 0 {
		e.RestartWarmup = 2 * time.Minute
	}
	if e.MaxCandleAge == 0 {
		e.MaxCandleAge = 3 * time.Minute
	}
	if e.MaxBookAge == 0 {
		e.MaxBookAge = 10 * time.Second
	}
	if e.MaxTradeAge == 0 {
		e.MaxTradeAge = 2 * time.Minute
	}
	if e.DailyLossWindow == "" {
		e.DailyLossWindow = "utc_day"
	}
	if e.FlipViolationMode == "" {
		e.FlipViolationMode = "block"
	}
	if e.ShutdownRetries == 0 {
		e.ShutdownRetries = 5
	}
	if e.ShutdownBackoff == 0 {
		e.ShutdownBackoff = 500 * time.Millisecond
	}
}

func applySymbolDefaults(s *SymbolConfig) {
	if s.MaxSpreadBps == 0 {
		s.MaxSpreadBps = 8
	}
	if s.MaxSlippageBps == 0 {
		s.MaxSlippageBps = 5
	}
	if s.TurbulenceReturnPct == 0 {
		s.TurbulenceReturnPct = 0.6
	}
}

func applyRegimeDefaults(r *RegimeConfig) {
	if r.TurbulenceMult == 0 {
		r.TurbulenceMult = 1.8
	}
	if r.TrendAdxMin == 0 {
		r.TrendAdxMin = 22
	}
	if r.TrendEmaGapMinBps == 0 {
		r.TrendEmaGapMinBps = 12
	}
	if r.RangeAdxMax == 0 {
		r.RangeAdxMax = 18
	}
	if r.RangeEmaGapMaxBps == 0 {
		r.RangeEmaGapMaxBps = 8
	}
	if r.MinHold == 0 {
		r.MinHold = 3 * time.Minute
	}
	if r.ConfirmBars == 0 {
		r.ConfirmBars = 3
	}
	if r.FlipWindow == 0 {
		r.FlipWindow = 30 * time.Minute
	}
	if r.FlipMaxInWindow == 0 {
		r.FlipMaxInWindow = 4
	}
	if r.FlipCooldown == 0 {
		r.FlipCooldown = 15 * time.Minute
	}
}

func applyBreakoutDefaults(b *BreakoutConfig) {
	if b.Lookback == 0 {
		b.Lookback = 20
	}
	if b.ConfirmBars == 0 {
		b.ConfirmBars = 2
	}
	if b.BufferBps == 0 {
		b.BufferBps = 5
	}
	if b.MinBodyRatio == 0 {
		b.MinBodyRatio = 0.55
	}
	if b.MaxReturn1mPct == 0 {
		b.MaxReturn1mPct = 0.9
	}
	if b.MinAggressorRatio == 0 {
		b.MinAggressorRatio = 0.58
	}
	if b.MinImbalance == 0 {
		b.MinImbalance = 0.15
	}
	if b.EntryTTL == 0 {
		b.EntryTTL = 8 * time.Second
	}
	if b.SlMinPct == 0 {
		b.SlMinPct = 0.35
	}
	if b.SlMaxPct == 0 {
		b.SlMaxPct = 1.4
	}
	if b.SlAtrMult == 0 {
		b.SlAtrMult = 1.2
	}
	if b.TpMult == 0 {
		b.TpMult = 1.6
	}
	if b.TimeStop == 0 {
		b.TimeStop = 25 * time.Minute
	}
	if b.TimeStopProgressR == 0 {
		b.TimeStopProgressR = 0.5
	}
}

func applyRangeDefaults(r *RangeConfig) {
	if r.ZEntry == 0 {
		r.ZEntry = 1.8
	}
	if r.MaxAtrPct == 0 {
		r.MaxAtrPct = 1.1
	}
	if r.MaxReturn1mPct == 0 {
		r.MaxReturn1mPct = 0.5
	}
	if r.NoBreakoutBars == 0 {
		r.NoBreakoutBars = 12
	}
	if r.SlMinPct == 0 {
		r.SlMinPct = 0.25
	}
	if r.SlMaxPct == 0 {
		r.SlMaxPct = 0.9
	}
	if r.SlAtrMult == 0 {
		r.SlAtrMult = 1.2
	}
	if r.EntryTTL == 0 {
		r.EntryTTL = 12 * time.Second
	}
	if r.TimeStop == 0 {
		r.TimeStop = 40 * time.Minute
	}
}

func applyEdgeDefaults(e *EdgeConfig) {
	if e.BaseBufferBps == 0 {
		e.BaseBufferBps = 2
	}
	if e.SafetyBufferBps == 0 {
		e.SafetyBufferBps = 1.5
	}
	if e.VolCoeffBps == 0 {
		e.VolCoeffBps = 3
	}
	if e.MakerSlipFraction == 0 {
		e.MakerSlipFraction = 0.35
	}
}

func applyPacingDefaults(p *PacingConfig) {
	if p.Cooldown == 0 {
		p.Cooldown = 5 * time.Minute
	}
	if p.MaxEntriesPerHour == 0 {
		p.MaxEntriesPerHour = 4
	}
}

func applyFeesDefaults(f *FeesConfig) {
	if f.RefreshInterval == 0 {
		f.RefreshInterval = 15 * time.Minute
	}
	if f.FallbackMakerBps == 0 {
		f.FallbackMakerBps = 1.5
	}
	if f.FallbackTakerBps == 0 {
		f.FallbackTakerBps = 4.5
	}
}

func applyProtectionDefaults(p *ProtectionConfig) {
	if p.GracePeriod == 0 {
		p.GracePeriod = 2 * time.Second
	}
	if p.SweepInterval == 0 {
		p.SweepInterval = time.Second
	}
	if p.RefreshMoveBps == 0 {
		p.RefreshMoveBps = 10
	}
	if p.RefreshSizePct == 0 {
		p.RefreshSizePct = 5
	}
	if p.PlaceRetries == 0 {
		p.PlaceRetries = 4
	}
	if p.PlaceBackoff == 0 {
		p.PlaceBackoff = 250 * time.Millisecond
	}
}

func applyEscalationDefaults(e *EscalationConfig) {
	if e.DrawdownBps == 0 {
		e.DrawdownBps = 150
	}
	if e.DailyLossUSD == 0 {
		e.DailyLossUSD = 10
	}
	if e.NotionalRatio == 0 {
		e.NotionalRatio = 0.9
	}
	if e.ReconcileFailStreak == 0 {
		e.ReconcileFailStreak = 2
	}
	if e.WatchdogTimeouts == 0 {
		e.WatchdogTimeouts = 3
	}
	if e.WatchdogWindow == 0 {
		e.WatchdogWindow = 15 * time.Minute
	}
	if e.BlockedAge == 0 {
		e.BlockedAge = 45 * time.Minute
	}
	if e.BlockedGrowth == 0 {
		e.BlockedGrowth = 30
	}
	if e.DailyCap == 0 {
		e.DailyCap = 6
	}
	if e.CoinCooldown == 0 {
		e.CoinCooldown = 30 * time.Minute
	}
	if e.ReasonCooldown == 0 {
		e.ReasonCooldown = 60 * time.Minute
	}
	if e.AnswerTTL == 0 {
		e.AnswerTTL = 5 * time.Minute
	}
	if e.DefaultActionFlat == "" {
		e.DefaultActionFlat = "hold"
	}
	if e.DefaultActionInPos == "" {
		e.DefaultActionInPos = "flatten"
	}
	if e.CheckInterval == 0 {
		e.CheckInterval = 10 * time.Second
	}
	if e.SuppressFlatLowRisk == nil {
		v := true
		e.SuppressFlatLowRisk = &v
	}
}

func applyWatchdogDefaults(w *WatchdogConfig) {
	if w.Timeout == 0 {
		w.Timeout = 20 * time.Second
	}
	if w.CheckInterval == 0 {
		w.CheckInterval = 5 * time.Second
	}
}

func validate(cfg *Config) error {
	if len(cfg.Symbols) == 0 {
		return errors.New("at least one symbol is required")
	}
	seen := make(map[string]struct{}, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		if sym.Coin == "" {
			return errors.New("symbols[].coin is required")
		}
		if _, dup := seen[sym.Coin]; dup {
			return fmt.Errorf("duplicate symbol %s", sym.Coin)
		}
		seen[sym.Coin] = struct{}{}
		if sym.NotionalUSD <= 0 {
			return fmt.Errorf("symbols[%s].notional_usd must be > 0", sym.Coin)
		}
		if cfg.Protection.MaxNotionalUSD > 0 && sym.NotionalUSD > cfg.Protection.MaxNotionalUSD {
			return fmt.Errorf("symbols[%s].notional_usd exceeds protection.max_notional_usd", sym.Coin)
		}
	}
	if cfg.Engine.DailyLossWindow != "utc_day" && cfg.Engine.DailyLossWindow != "rolling24h" {
		return fmt.Errorf("engine.daily_loss_window must be utc_day or rolling24h, got %q", cfg.Engine.DailyLossWindow)
	}
	if cfg.Engine.FlipViolationMode != "block" && cfg.Engine.FlipViolationMode != "log" {
		return fmt.Errorf("engine.flip_violation_mode must be block or log, got %q", cfg.Engine.FlipViolationMode)
	}
	if cfg.Breakout.SlMinPct > cfg.Breakout.SlMaxPct {
		return errors.New("breakout.sl_min_pct must not exceed breakout.sl_max_pct")
	}
	if cfg.Breakout.TpMult <= 0 {
		return errors.New("breakout.tp_mult must be > 0")
	}
	if cfg.Edge.MakerSlipFraction < 0 || cfg.Edge.MakerSlipFraction > 1 {
		return errors.New("edge.maker_slip_fraction must be within [0,1]")
	}
	if cfg.Pacing.MaxEntriesPerHour < 1 {
		return errors.New("pacing.max_entries_per_hour must be >= 1")
	}
	if err := validateAction(cfg.Escalation.DefaultActionFlat); err != nil {
		return fmt.Errorf("escalation.default_action_flat: %w", err)
	}
	if err := validateAction(cfg.Escalation.DefaultActionInPos); err != nil {
		return fmt.Errorf("escalation.default_action_position: %w", err)
	}
	if cfg.Events.Enabled && cfg.Events.DSN == "" && !cfg.Events.SQLiteFallback {
		return errors.New("events.dsn is required when events are enabled without sqlite fallback")
	}
	return nil
}

func validateAction(action string) error {
	switch action {
	case "hold", "flatten":
		return nil
	default:
		return fmt.Errorf("must be hold or flatten, got %q", action)
	}
}

// Symbol returns the configuration for coin, if the coin is allow-listed.
func (c *Config) Symbol(coin string) (SymbolConfig, bool) {
	for _, sym := range c.Symbols {
		if sym.Coin == coin {
			return sym, true
		}
	}
	return SymbolConfig{}, false
}
