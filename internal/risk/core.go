package risk

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/adapters"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/config"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/gateway"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/observ"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/portfolio"
)

// Core is the composed per-trade/portfolio/daily gate of §4.4. It wires
// the circuit breaker, sector and cooldown managers, drawdown monitor
// and position caps manager behind a single Gate call so the scheduler
// doesn't need to know how many sub-gates exist or in what order they
// run.
type Core struct {
	cfg    config.Risk
	client *gateway.Client

	portfolioMgr *portfolio.Manager
	quotes       adapters.QuotesAdapter

	circuitBreaker *CircuitBreaker
	caps           *PositionCapsManager
	sectors        *SectorExposureManager
	cooldown       *CooldownManager
	drawdown       *DrawdownManager
	navTracker     *NAVTracker

	sectorMap map[string]string
}

// NewCore wires the Risk Core from the trading config. dataDir is
// where the circuit breaker event log, caps config, cooldown state and
// NAV state are persisted, mirroring the teacher's data/ layout.
func NewCore(cfg config.Risk, client *gateway.Client, dataDir string, sectorMap map[string]string) *Core {
	portfolioMgr := portfolio.NewManager(dataDir+"/portfolio_state.json", 0)
	quotes := adapters.NewGatewayQuoteAdapter(client)

	capsCfg := CapsConfig{
		Enforce:              true,
		DefaultSymbolCapUSD:  1_000_000_000, // effectively unbounded; concentration pct is the real cap
		MaxSingleSymbolPct:   cfg.MaxPositionPct * 100,
		DailyTradeLimit:      1_000_000_000,
		PortfolioCapsEnabled: true,
		PersistPath:          dataDir + "/caps_config.json",
	}

	return &Core{
		cfg:            cfg,
		client:         client,
		portfolioMgr:   portfolioMgr,
		quotes:         quotes,
		circuitBreaker: NewCircuitBreakerFromDailyHaltPct(dataDir+"/circuit_breaker_events.jsonl", cfg.CircuitBreakerPct*100),
		caps:           NewPositionCapsManager(portfolioMgr, quotes, capsCfg),
		sectors:        NewSectorExposureManager(sectorMap),
		cooldown:       NewCooldownManager(CooldownConfig{Enforce: true, DefaultCooldownSec: 60, GlobalCooldownSec: 5, PersistPath: dataDir + "/cooldown_state.json"}),
		drawdown:       NewDrawdownManager(),
		navTracker:     NewNAVTracker(portfolioMgr, quotes, NAVTrackerConfig{PersistPath: dataDir + "/nav_state.json"}),
		sectorMap:      sectorMap,
	}
}

// Run starts the background NAV tracking loop; cancel ctx to stop it.
// Grounded on the teacher's pattern of a long-lived updater goroutine
// fed by its own ticker rather than driven by the caller's cadence.
func (c *Core) Run(ctx context.Context) {
	go func() {
		if err := c.navTracker.Start(ctx); err != nil && ctx.Err() == nil {
			observ.Warn("nav_tracker_stopped", map[string]any{"error": err.Error()})
		}
	}()
}

// SyncPositions reconciles the portfolio bookkeeping used by the caps
// and NAV calculators against the broker's authoritative position list.
// The scheduler calls this once per cycle before Gate.
func (c *Core) SyncPositions(ctx context.Context) error {
	res := c.client.GetPositions(ctx)
	if !res.Success {
		return fmt.Errorf("%s: %s", res.ErrorKind, res.ErrorMessage)
	}
	seen := map[string]bool{}
	for _, p := range res.Data {
		seen[p.Symbol] = true
		delta := int(p.Qty)
		if cur, ok := c.portfolioMgr.GetPosition(p.Symbol); ok {
			delta -= cur.Quantity
		}
		if delta != 0 {
			if err := c.portfolioMgr.UpdatePosition(p.Symbol, delta, p.AvgEntryPrice, time.Now()); err != nil {
				observ.Warn("portfolio_sync_failed", map[string]any{"symbol": p.Symbol, "error": err.Error()})
				continue
			}
		}
		_ = c.portfolioMgr.UpdateUnrealizedPnL(p.Symbol, p.CurrentPrice)
	}
	for sym, pos := range c.portfolioMgr.GetAllPositions() {
		if !seen[sym] && pos.Quantity != 0 {
			_ = c.portfolioMgr.UpdatePosition(sym, -pos.Quantity, pos.AvgEntryPrice, time.Now())
		}
	}
	return nil
}

// Decision is the outcome of Gate: whether the proposed trade clears
// every sub-gate, and if not, which one blocked it.
type Decision struct {
	Approved       bool
	BlockedBy      string
	Warnings       []string
	SizeMultiplier float64
}

// Gate runs the per-trade, portfolio and daily checks of §4.4 against
// a single proposed entry, in circuit-breaker-first priority order so
// the cheapest, highest-severity check short-circuits the rest. price
// and volumeRatio are the opportunity's values at signal time: a price
// below MinPriceFloor or a volume_ratio below MinVolumeRatio rejects
// before any broker round trip is spent.
func (c *Core) Gate(ctx context.Context, symbol, side string, qty int, price, volumeRatio float64) (Decision, error) {
	if ok, reason := c.circuitBreaker.CanTrade(side); !ok {
		return Decision{BlockedBy: reason}, nil
	}

	if price < c.cfg.MinPriceFloor {
		return Decision{BlockedBy: fmt.Sprintf("price_floor_%.2f_below_%.2f", price, c.cfg.MinPriceFloor)}, nil
	}
	if volumeRatio < c.cfg.MinVolumeRatio {
		return Decision{BlockedBy: fmt.Sprintf("volume_ratio_%.2f_below_%.2f", volumeRatio, c.cfg.MinVolumeRatio)}, nil
	}

	if frozen, reason := c.navTracker.IsFrozen(); frozen {
		return Decision{BlockedBy: fmt.Sprintf("nav_frozen_%s", reason)}, nil
	}

	account := c.client.GetAccount(ctx)
	if !account.Success {
		return Decision{}, fmt.Errorf("%s: %s", account.ErrorKind, account.ErrorMessage)
	}
	nav := account.Data.Equity

	c.drawdown.UpdateNAV(nav, time.Now(), DrawdownConfig{
		Enabled:          true,
		DailyWarningPct:  c.cfg.CircuitBreakerPct * 50,
		DailyPausePct:    c.cfg.CircuitBreakerPct * 100,
		WeeklyWarningPct: c.cfg.CircuitBreakerPct * 125,
		WeeklyPausePct:   c.cfg.CircuitBreakerPct * 250,
	})
	dailyDD, weeklyDD := c.drawdown.GetDrawdowns(nav)
	c.circuitBreaker.UpdateDrawdown(dailyDD, weeklyDD, c.navTracker, symbol)

	if ok, reason := c.drawdown.CheckDrawdownGates(side, DrawdownConfig{Enabled: true, DailyPausePct: c.cfg.CircuitBreakerPct * 100}); ok {
		return Decision{BlockedBy: reason}, nil
	}

	if ok, info, err := c.cooldown.CanTrade(symbol, side, time.Now()); err == nil && !ok {
		return Decision{BlockedBy: fmt.Sprintf("cooldown_%s", info.CooldownType)}, nil
	}

	canIncrease, reason, _, err := c.caps.CanIncrease(symbol, side, qty, price, nav)
	if err != nil {
		return Decision{}, err
	}
	if !canIncrease {
		return Decision{BlockedBy: reason}, nil
	}

	positions := c.portfolioMgr.GetPositionNotionals()
	if blocked, sector := c.sectors.CheckSectorLimit(symbol, float64(qty)*price, nav, positions, SectorLimitsConfig{
		Enabled:              true,
		MaxSectorExposurePct: c.cfg.MaxSectorConcentrationPct * 100,
	}); blocked {
		return Decision{BlockedBy: fmt.Sprintf("sector_limit_%s", sector)}, nil
	}

	open := c.portfolioMgr.GetAllPositions()
	if len(open) >= c.cfg.MaxConcurrentPositions {
		if _, exists := open[symbol]; !exists {
			return Decision{BlockedBy: "max_concurrent_positions"}, nil
		}
	}

	return Decision{Approved: true, SizeMultiplier: c.circuitBreaker.GetSizeMultiplier() * c.drawdown.GetSizeMultiplier()}, nil
}

// RecordFill updates the cooldown and caps counters after a trade
// actually submits, so the next Gate call sees it.
func (c *Core) RecordFill(symbol, side string, qty int, price float64) {
	c.cooldown.RecordTrade(symbol, side, time.Now())
	c.caps.RecordTrade(symbol, side, float64(qty)*price)
}

// Sizing applies §4.4's position sizing: qty = floor(risk_budget /
// risk_per_share), where risk_budget is the smaller of the trade-risk
// cap and the position-notional cap expressed in risk terms. This
// risk-budget ceiling is unconditional — it holds in both sizing
// modes, so risk_per_share*qty never exceeds max_trade_risk_pct*equity
// regardless of how sizing_mode is configured. Equities with no ATR
// reading can't have their stop distance computed and are rejected.
// When sizing_mode is volatility_adjusted, the result is additionally
// scaled by 1/(1+sigma20) so a more volatile symbol gets a smaller
// size for the same nominal risk budget.
func (c *Core) Sizing(equity, price, atr14, sigma20 float64, extendedHours bool) int {
	if price <= 0 || atr14 <= 0 {
		return 0
	}
	maxPositionPct := c.cfg.MaxPositionPct
	if extendedHours {
		maxPositionPct = c.cfg.MaxPositionPctExtended
	}

	riskPerShare := atr14 * 2
	stopDistancePct := riskPerShare / price
	riskBudget := math.Min(c.cfg.MaxTradeRiskPct*equity, maxPositionPct*equity*stopDistancePct)

	qty := math.Floor(riskBudget / riskPerShare)
	if c.cfg.SizingMode == "volatility_adjusted" && sigma20 > 0 {
		qty = math.Floor(qty / (1 + sigma20))
	}
	if qty < 1 {
		return 0
	}
	return int(qty)
}

// Status reports the circuit breaker state for the scheduler's 1-tick
// halted check and for operator dashboards.
func (c *Core) Status() map[string]interface{} {
	return c.circuitBreaker.GetStatus()
}

// State reports the circuit breaker's current state, the narrow signal
// the scheduler needs to decide whether to run the full decision cycle
// or fall back to monitor-only.
func (c *Core) State() CircuitBreakerState {
	state, _ := c.circuitBreaker.GetState()
	return state
}

// Close flushes any persisted state owned directly by Core (the
// sub-managers persist their own state incrementally).
func (c *Core) Close() error {
	return c.portfolioMgr.Save()
}
