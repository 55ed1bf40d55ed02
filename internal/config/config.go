package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Risk holds the Risk Core thresholds of §4.4.
type Risk struct {
	MaxPositionPct             float64 `yaml:"max_position_pct"`
	MaxPositionPctExtended     float64 `yaml:"max_position_pct_extended"`
	MaxPositionPctConservative float64 `yaml:"max_position_pct_conservative"`
	MaxTradeRiskPct            float64 `yaml:"max_trade_risk_pct"`
	MaxPortfolioRiskPct        float64 `yaml:"max_portfolio_risk_pct"`
	MaxConcurrentPositions     int     `yaml:"max_concurrent_positions"`
	MaxSectorConcentrationPct  float64 `yaml:"max_sector_concentration_pct"`
	CircuitBreakerPct          float64 `yaml:"circuit_breaker_pct"`
	MinPriceFloor              float64 `yaml:"min_price_floor"`
	MinVolumeRatio             float64 `yaml:"min_volume_ratio"`
	RiskProfile                string  `yaml:"risk_profile"` // default | conservative | aggressive
	SizingMode                 string  `yaml:"sizing_mode"`  // fixed | volatility_adjusted
	MinRewardRisk              float64 `yaml:"min_reward_risk"`
	DefaultRewardMultiple      float64 `yaml:"default_reward_multiple"`
	SectorMap                  map[string]string `yaml:"sector_map"`
}

// Funnel holds the Opportunity Funnel cadence and budget of §4.5.
type Funnel struct {
	ScanIntervalMinutes          int     `yaml:"scan_interval_minutes"`
	ExtendedHoursIntervalMinutes int     `yaml:"extended_hours_interval_minutes"`
	MinPrice                     float64 `yaml:"min_price"`
	MaxPrice                     float64 `yaml:"max_price"`
	MinAvgVolume                 int64   `yaml:"min_avg_volume"`
	MinAbsChangePct              float64 `yaml:"min_abs_change_pct"`
	StrategicFilterTopN          int     `yaml:"strategic_filter_top_n"`
	DeepDiveBrokerCallBudget     int     `yaml:"deep_dive_broker_call_budget"`
	MaxOpportunities             int     `yaml:"max_opportunities"`
	MaxSpreadPct                 float64 `yaml:"max_spread_pct"`
	CycleBudgetSeconds           int     `yaml:"cycle_budget_seconds"`
}

// Gateway holds Broker Gateway rate-limit and freshness settings of §4.1.
type Gateway struct {
	BaseURLPaper          string  `yaml:"base_url_paper"`
	BaseURLLive           string  `yaml:"base_url_live"`
	RateLimitPerMinute    int     `yaml:"rate_limit_per_minute"`
	RateLimitUtilization  float64 `yaml:"rate_limit_utilization"`
	EmergencyReserve      int     `yaml:"emergency_reserve"`
	StaleQuoteMaxMinutes  float64 `yaml:"stale_quote_max_minutes"`
	RequestTimeoutSeconds int     `yaml:"request_timeout_seconds"`
	MaxRetries            int     `yaml:"max_retries"`
	BackoffBaseSeconds    float64 `yaml:"backoff_base_seconds"`
}

// Oracle configures the optional Intelligence Oracle collaborator.
type Oracle struct {
	Enabled            bool    `yaml:"enabled"`
	BaseURL            string  `yaml:"base_url"`
	TimeoutSeconds     float64 `yaml:"timeout_seconds"`
	RateLimitPerMinute int     `yaml:"rate_limit_per_minute"`
}

// Lifecycle configures bracket construction, reconciliation and the
// emergency stop path of §4.6.
type Lifecycle struct {
	DefaultStopPct               float64 `yaml:"default_stop_pct"`
	EmergencyConcurrency         int     `yaml:"emergency_concurrency"`
	EmergencyMaxRetries          int     `yaml:"emergency_max_retries"`
	EmergencyBackoffBaseSeconds  float64 `yaml:"emergency_backoff_base_seconds"`
	ShutdownReportPath           string  `yaml:"shutdown_report_path"`
	EmergencyStopOnShutdown      bool    `yaml:"emergency_stop_on_shutdown"`
}

// Guard configures the Gap/Extended-Hours Guard of §4.8.
type Guard struct {
	EnableExtendedHours   bool    `yaml:"enable_extended_hours"`
	MaxOvernightPositions int     `yaml:"max_overnight_positions"`
	MaxOvernightDays      int     `yaml:"max_overnight_days"`
	GapAlertThresholdPct  float64 `yaml:"gap_alert_threshold_pct"`
}

// PDT configures the PDT Ledger of §4.3.
type PDT struct {
	EquityThreshold float64 `yaml:"equity_threshold"`
	MaxDayTrades    int     `yaml:"max_day_trades"`
	RollingSessions int     `yaml:"rolling_sessions"`
	LedgerDBPath    string  `yaml:"ledger_db_path"`
}

// Slack configures the operator alert channel for critical lifecycle
// events (emergency stops, circuit breaker halts, gate blocks).
type Slack struct {
	Enabled                  bool   `yaml:"enabled"`
	WebhookURL               string `yaml:"webhook_url"`
	ChannelDefault           string `yaml:"channel_default"`
	RateLimitPerMin          int    `yaml:"rate_limit_per_min"`
	RateLimitPerSymbolPerMin int    `yaml:"rate_limit_per_symbol_per_min"`
	AlertOnFill              bool   `yaml:"alert_on_fill"`
	AlertOnGateBlock         bool   `yaml:"alert_on_gate_block"`
}

// Root is the single configuration object described in §6.
type Root struct {
	PaperTrading bool      `yaml:"paper_trading"`
	Gateway      Gateway   `yaml:"gateway"`
	Risk         Risk      `yaml:"risk"`
	Funnel       Funnel    `yaml:"funnel"`
	Oracle       Oracle    `yaml:"oracle"`
	Lifecycle    Lifecycle `yaml:"lifecycle"`
	Guard        Guard     `yaml:"guard"`
	PDT          PDT       `yaml:"pdt"`
	Slack        Slack     `yaml:"slack"`

	AIConfidenceThreshold float64 `yaml:"ai_confidence_threshold"`

	// Credentials, sourced from environment only, never serialized.
	BrokerKeyID     string `yaml:"-"`
	BrokerSecretKey string `yaml:"-"`
}

// Load reads a YAML config file, overlays the APCA_* environment
// variables through viper, applies §6/§4 defaults, and refuses to
// return a usable config if broker credentials are missing —
// error_kind=config_invalid is fatal per §7.
func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("config_invalid: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("config_invalid: parsing %s: %w", path, err)
	}

	v := viper.New()
	v.AutomaticEnv()
	c.BrokerKeyID = firstNonEmpty(v.GetString("APCA_API_KEY_ID"), os.Getenv("APCA_API_KEY_ID"))
	c.BrokerSecretKey = firstNonEmpty(v.GetString("APCA_API_SECRET_KEY"), os.Getenv("APCA_API_SECRET_KEY"))
	if c.BrokerKeyID == "" || c.BrokerSecretKey == "" {
		return c, fmt.Errorf("config_invalid: APCA_API_KEY_ID and APCA_API_SECRET_KEY must both be set")
	}

	applyDefaults(&c)
	return c, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func applyDefaults(c *Root) {
	g := &c.Gateway
	if g.BaseURLPaper == "" {
		g.BaseURLPaper = "https://paper-api.alpaca.markets"
	}
	if g.BaseURLLive == "" {
		g.BaseURLLive = "https://api.alpaca.markets"
	}
	if g.RateLimitPerMinute == 0 {
		g.RateLimitPerMinute = 200
	}
	if g.RateLimitUtilization == 0 {
		g.RateLimitUtilization = 0.8
	}
	if g.EmergencyReserve == 0 {
		g.EmergencyReserve = 10
	}
	if g.StaleQuoteMaxMinutes == 0 {
		g.StaleQuoteMaxMinutes = 15
	}
	if g.RequestTimeoutSeconds == 0 {
		g.RequestTimeoutSeconds = 30
	}
	if g.MaxRetries == 0 {
		g.MaxRetries = 3
	}
	if g.BackoffBaseSeconds == 0 {
		g.BackoffBaseSeconds = 2
	}

	r := &c.Risk
	if r.MaxPositionPct == 0 {
		r.MaxPositionPct = 0.10
	}
	if r.MaxPositionPctExtended == 0 {
		r.MaxPositionPctExtended = 0.03
	}
	if r.MaxPositionPctConservative == 0 {
		r.MaxPositionPctConservative = 0.05
	}
	if r.MaxTradeRiskPct == 0 {
		r.MaxTradeRiskPct = 0.02
	}
	if r.MaxPortfolioRiskPct == 0 {
		r.MaxPortfolioRiskPct = 0.12
	}
	if r.MaxConcurrentPositions == 0 {
		r.MaxConcurrentPositions = 8
	}
	if r.MaxSectorConcentrationPct == 0 {
		r.MaxSectorConcentrationPct = 0.25
	}
	if r.CircuitBreakerPct == 0 {
		r.CircuitBreakerPct = 0.05
	}
	if r.MinVolumeRatio == 0 {
		r.MinVolumeRatio = 1.0
	}
	if r.MinPriceFloor == 0 {
		r.MinPriceFloor = 10.0
	}
	if r.RiskProfile == "" {
		r.RiskProfile = "default"
	}
	if r.SizingMode == "" {
		r.SizingMode = "fixed"
	}
	if r.MinRewardRisk == 0 {
		r.MinRewardRisk = 1.5
	}
	if r.DefaultRewardMultiple == 0 {
		r.DefaultRewardMultiple = 2.0
	}

	f := &c.Funnel
	if f.ScanIntervalMinutes == 0 {
		f.ScanIntervalMinutes = 15
	}
	if f.ExtendedHoursIntervalMinutes == 0 {
		f.ExtendedHoursIntervalMinutes = 5
	}
	if f.MinPrice == 0 {
		f.MinPrice = 10
	}
	if f.MaxPrice == 0 {
		f.MaxPrice = 500
	}
	if f.MinAvgVolume == 0 {
		f.MinAvgVolume = 1_000_000
	}
	if f.MinAbsChangePct == 0 {
		f.MinAbsChangePct = 0.02
	}
	if f.StrategicFilterTopN == 0 {
		f.StrategicFilterTopN = 30
	}
	if f.DeepDiveBrokerCallBudget == 0 {
		f.DeepDiveBrokerCallBudget = 20
	}
	if f.MaxOpportunities == 0 {
		f.MaxOpportunities = 10
	}
	if f.MaxSpreadPct == 0 {
		f.MaxSpreadPct = 0.01
	}
	if f.CycleBudgetSeconds == 0 {
		f.CycleBudgetSeconds = 60
	}

	o := &c.Oracle
	if o.TimeoutSeconds == 0 {
		o.TimeoutSeconds = 5
	}
	if o.RateLimitPerMinute == 0 {
		o.RateLimitPerMinute = 20
	}

	l := &c.Lifecycle
	if l.DefaultStopPct == 0 {
		l.DefaultStopPct = 0.03
	}
	if l.EmergencyConcurrency == 0 {
		l.EmergencyConcurrency = 4
	}
	if l.EmergencyMaxRetries == 0 {
		l.EmergencyMaxRetries = 3
	}
	if l.EmergencyBackoffBaseSeconds == 0 {
		l.EmergencyBackoffBaseSeconds = 2
	}
	if l.ShutdownReportPath == "" {
		l.ShutdownReportPath = "data/shutdown_reports"
	}

	gd := &c.Guard
	if gd.MaxOvernightPositions == 0 {
		gd.MaxOvernightPositions = 3
	}
	if gd.MaxOvernightDays == 0 {
		gd.MaxOvernightDays = 3
	}
	if gd.GapAlertThresholdPct == 0 {
		gd.GapAlertThresholdPct = 0.01
	}

	p := &c.PDT
	if p.EquityThreshold == 0 {
		p.EquityThreshold = 25_000
	}
	if p.MaxDayTrades == 0 {
		p.MaxDayTrades = 3
	}
	if p.RollingSessions == 0 {
		p.RollingSessions = 5
	}
	if p.LedgerDBPath == "" {
		p.LedgerDBPath = "data/pdt_ledger.db"
	}

	if c.AIConfidenceThreshold == 0 {
		c.AIConfidenceThreshold = 0.65
	}

	s := &c.Slack
	if s.RateLimitPerMin == 0 {
		s.RateLimitPerMin = 20
	}
	if s.RateLimitPerSymbolPerMin == 0 {
		s.RateLimitPerSymbolPerMin = 3
	}
	if s.ChannelDefault == "" {
		s.ChannelDefault = "#trading-alerts"
	}
}

// MaxPositionPctFor resolves the effective per-position cap for the
// current session/profile per §4.4.
func (c Root) MaxPositionPctFor(extendedHours bool) float64 {
	if extendedHours {
		return c.Risk.MaxPositionPctExtended
	}
	if c.Risk.RiskProfile == "conservative" {
		return c.Risk.MaxPositionPctConservative
	}
	return c.Risk.MaxPositionPct
}

// MaxConcurrentPositionsFor resolves the effective concurrent position
// cap for the configured risk profile per §4.4.
func (c Root) MaxConcurrentPositionsFor() int {
	switch c.Risk.RiskProfile {
	case "conservative":
		return 3
	case "aggressive":
		return 12
	default:
		return c.Risk.MaxConcurrentPositions
	}
}
