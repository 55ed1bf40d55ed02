// Package scheduler implements the cooperative top-level loop of §4.9:
// a single decision-making goroutine that interleaves regime refresh,
// the funnel→evaluator→risk→lifecycle decision cycle, protection
// audits, and position/order monitoring, all against coarse timers.
// No handler may hold the loop for more than one tick; long broker
// calls run through internal/gateway's own rate-limited, retrying
// client rather than blocking the loop directly.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/alerts"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/config"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/funnel"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/gateway"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/guard"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/lifecycle"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/observ"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/oracle"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/pdt"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/regime"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/risk"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/session"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/strategy"
)

// Tick cadences of §4.9's pseudocode. Monitor is the driving tick;
// the others are elapsed-time checks against it rather than their own
// tickers, so the loop stays a single select statement.
const (
	regimeRefreshInterval    = 30 * time.Minute
	decisionCycleInterval    = 15 * time.Minute
	protectionAuditInterval  = 1 * time.Minute
	monitorInterval          = 10 * time.Second
)

// Scheduler owns every other component's lifetime from the moment the
// market opens until a shutdown is requested. It is the only authority
// that issues trading decisions; the components it holds perform
// broker I/O and return data for it to act on, per §5's shared
// resource policy.
type Scheduler struct {
	cfg       config.Root
	client    *gateway.Client
	clock     *session.Clock
	risk      *risk.Core
	funnel    *funnel.Funnel
	evaluator *strategy.Evaluator
	lifecycle *lifecycle.Manager
	guard     *guard.Guard
	pdtLedger *pdt.Ledger
	oracle    *oracle.Client
	slack     *alerts.SlackClient

	regime              regime.Snapshot
	lastRegimeRefresh   time.Time
	lastDecisionCycle   time.Time
	lastProtectionAudit time.Time
	initialEquityToday  float64
	emergencyStopRan    bool
}

func New(
	cfg config.Root,
	client *gateway.Client,
	clock *session.Clock,
	riskCore *risk.Core,
	fn *funnel.Funnel,
	evaluator *strategy.Evaluator,
	lc *lifecycle.Manager,
	gd *guard.Guard,
	ledger *pdt.Ledger,
	oracleClient *oracle.Client,
	slack *alerts.SlackClient,
) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		client:    client,
		clock:     clock,
		risk:      riskCore,
		funnel:    fn,
		evaluator: evaluator,
		lifecycle: lc,
		guard:     gd,
		pdtLedger: ledger,
		oracle:    oracleClient,
		slack:     slack,
		regime:    regime.Snapshot{Regime: regime.RangeBound, Confidence: 0.3},
	}
}

// Run executes the loop of §4.9 until ctx is canceled, at which point
// it runs the shutdown path and returns.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.startup(ctx); err != nil {
		return fmt.Errorf("scheduler_startup: %w", err)
	}

	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.shutdown()
		case <-ticker.C:
		}

		sess := s.clock.CurrentSession()
		if sess == session.Closed {
			if err := s.clock.WaitUntilNextOpen(ctx); err != nil {
				return s.shutdown()
			}
			continue
		}

		if halted := s.risk.State(); halted == risk.StateHalted || halted == risk.StateEmergency {
			s.onHalt(ctx)
			s.monitorOnly(ctx)
			continue
		}
		s.emergencyStopRan = false

		now := time.Now()
		if now.Sub(s.lastRegimeRefresh) >= regimeRefreshInterval {
			s.refreshMarketIntelligence(ctx)
		}
		if now.Sub(s.lastDecisionCycle) >= decisionCycleInterval {
			s.runDecisionCycle(ctx, sess)
		}
		if now.Sub(s.lastProtectionAudit) >= protectionAuditInterval {
			s.runProtectionAudit(ctx, sess)
		}
		s.monitorOpenOrdersAndPositions(ctx)
	}
}

// startup implements §4.9's `on start` block: bring the risk core's
// background trackers up, reconcile protections so a restart never
// leaves a position naked, and capture the day's opening equity.
func (s *Scheduler) startup(ctx context.Context) error {
	s.risk.Run(ctx)
	if err := s.risk.SyncPositions(ctx); err != nil {
		observ.Warn("startup_position_sync_failed", map[string]any{"error": err.Error()})
	}
	if err := s.lifecycle.AuditProtections(ctx); err != nil {
		observ.Warn("startup_protection_audit_failed", map[string]any{"error": err.Error()})
	}
	if err := s.pdtLedger.Rollover(time.Now().AddDate(0, 0, -(s.cfg.PDT.RollingSessions + 2))); err != nil {
		observ.Warn("startup_pdt_rollover_failed", map[string]any{"error": err.Error()})
	}

	account := s.client.GetAccount(ctx)
	if account.Success {
		s.initialEquityToday = account.Data.Equity
	}
	observ.Log("scheduler_started", map[string]any{"initial_equity": s.initialEquityToday})
	return nil
}

// refreshMarketIntelligence implements the 30-minute regime refresh.
// DetectRegime already degrades to a conservative snapshot on any
// failure, so there is nothing further to guard here.
func (s *Scheduler) refreshMarketIntelligence(ctx context.Context) {
	s.lastRegimeRefresh = time.Now()
	snap, err := s.oracle.DetectRegime(ctx)
	if err != nil {
		observ.Warn("regime_refresh_failed", map[string]any{"error": err.Error()})
	}
	s.regime = snap
	observ.Log("regime_refreshed", map[string]any{"regime": string(snap.Regime), "confidence": snap.Confidence})
}

// runDecisionCycle implements the 15-minute funnel → evaluator →
// risk.gate → lifecycle.submit chain.
func (s *Scheduler) runDecisionCycle(ctx context.Context, sess session.Session) {
	s.lastDecisionCycle = time.Now()

	opportunities, err := s.funnel.Run(ctx, s.regime)
	if err != nil {
		observ.Warn("funnel_run_failed", map[string]any{"error": err.Error()})
		return
	}

	account := s.client.GetAccount(ctx)
	if !account.Success {
		observ.Warn("decision_cycle_account_unavailable", map[string]any{"error": account.ErrorMessage})
		return
	}
	equity := account.Data.Equity
	extendedHours := sess != session.Regular
	today := time.Now()
	recentDays := s.recentSessionDays(today, s.cfg.PDT.RollingSessions)

	for _, opp := range opportunities {
		sig, ok := s.evaluator.Evaluate(opp, s.regime, s.cfg.AIConfidenceThreshold)
		if !ok {
			continue
		}

		blocked, reason, err := s.pdtLedger.Gate(sig.Symbol, equity, s.cfg.PDT.EquityThreshold, s.cfg.PDT.MaxDayTrades, recentDays, today)
		if err != nil {
			observ.Warn("pdt_gate_error", map[string]any{"symbol": sig.Symbol, "error": err.Error()})
			continue
		}
		if blocked {
			s.alert(sig.Symbol, "pdt_block", alerts.SeverityWarning, reason, nil)
			continue
		}

		qty := s.risk.Sizing(equity, sig.Entry, opp.ATR14, opp.Sigma20, extendedHours)
		if qty <= 0 {
			continue
		}

		decision, err := s.risk.Gate(ctx, sig.Symbol, sig.Side, qty, sig.Entry, opp.VolumeRatio)
		if err != nil {
			observ.Warn("risk_gate_error", map[string]any{"symbol": sig.Symbol, "error": err.Error()})
			continue
		}
		if !decision.Approved {
			s.alert(sig.Symbol, "gate_blocked", alerts.SeverityWarning, "", []string{decision.BlockedBy})
			continue
		}

		adjQty := int(float64(qty) * decision.SizeMultiplier)
		if adjQty <= 0 {
			continue
		}

		order, err := s.lifecycle.SubmitBracket(ctx, sig, adjQty)
		if err != nil {
			s.alert(sig.Symbol, "submit_failed", alerts.SeverityWarning, err.Error(), nil)
			continue
		}

		s.risk.RecordFill(sig.Symbol, sig.Side, adjQty, sig.Entry)
		if err := s.pdtLedger.RecordOpen(sig.Symbol, today); err != nil {
			observ.Warn("pdt_record_open_failed", map[string]any{"symbol": sig.Symbol, "error": err.Error()})
		}
		s.alert(sig.Symbol, "entry_submitted", alerts.SeverityInfo, fmt.Sprintf("%s %d @ %.2f (%s)", sig.Side, adjQty, sig.Entry, sig.Strategy), nil)
		_ = order
	}
}

// runProtectionAudit implements the 1-minute audit_protections and
// check_aging ticks, plus the gap check once the market reopens after
// a close this process observed.
func (s *Scheduler) runProtectionAudit(ctx context.Context, sess session.Session) {
	s.lastProtectionAudit = time.Now()

	if err := s.lifecycle.AuditProtections(ctx); err != nil {
		observ.Warn("protection_audit_failed", map[string]any{"error": err.Error()})
	}

	positions := s.client.GetPositions(ctx)
	if !positions.Success {
		observ.Warn("protection_audit_positions_unavailable", map[string]any{"error": positions.ErrorMessage})
		return
	}

	if sess == session.AfterHours {
		s.guard.RecordClose(positions.Data, time.Now())
		for _, pos := range s.guard.SelectOvernightLiquidations(positions.Data) {
			s.liquidateOvernight(ctx, pos)
		}
	}

	for _, symbol := range s.guard.AgingPositions(time.Now()) {
		s.alert(symbol, "position_aging", alerts.SeverityWarning, "overnight age exceeds max_overnight_days", nil)
	}

	if sess == session.PreMarket {
		quotes := map[string]float64{}
		for _, pos := range positions.Data {
			q := s.client.GetLatestQuote(ctx, pos.Symbol)
			if q.Success {
				quotes[pos.Symbol] = q.Data.AskPrice
			}
		}
		for _, gap := range s.guard.CheckOpeningGaps(quotes) {
			sev := alerts.SeverityWarning
			if gap.Bucket == guard.Extreme {
				sev = alerts.SeverityCritical
			}
			s.alert(gap.Symbol, "opening_gap", sev, fmt.Sprintf("gap %.2f%% (%s)", gap.GapPct*100, gap.Bucket), nil)
		}
	}
}

// liquidateOvernight submits a market order closing a position the
// Guard selected for overnight rotation, directly through the gateway:
// it does not go through the lifecycle manager and does not cancel the
// symbol's open orders first.
func (s *Scheduler) liquidateOvernight(ctx context.Context, pos gateway.Position) {
	side := gateway.SideSell
	if pos.Qty < 0 {
		side = gateway.SideBuy
	}
	qty := pos.Qty
	if qty < 0 {
		qty = -qty
	}
	res := s.client.SubmitOrder(ctx, gateway.OrderSpec{
		Symbol:      pos.Symbol,
		Qty:         qty,
		Side:        side,
		Type:        gateway.TypeMarket,
		TimeInForce: gateway.TIFDay,
	}, false)
	if !res.Success {
		s.alert(pos.Symbol, "overnight_liquidation_failed", alerts.SeverityCritical, res.ErrorMessage, nil)
		return
	}
	s.guard.ClearTracking(pos.Symbol)
	s.alert(pos.Symbol, "overnight_liquidation", alerts.SeverityWarning, "overnight position cap exceeded", nil)
}

// monitorOpenOrdersAndPositions implements the 10-second tick: sync
// the portfolio snapshot from the broker (Run checks the circuit
// breaker before this on every tick), and record a completed day trade against the
// PDT Ledger for any sell that closed a position opened this session.
func (s *Scheduler) monitorOpenOrdersAndPositions(ctx context.Context) {
	if err := s.risk.SyncPositions(ctx); err != nil {
		observ.Warn("monitor_position_sync_failed", map[string]any{"error": err.Error()})
	}

	orders := s.client.GetOrders(ctx, "closed")
	if !orders.Success {
		return
	}
	today := time.Now()
	for _, o := range orders.Data {
		if o.Status != gateway.StatusFilled || o.Side != gateway.SideSell {
			continue
		}
		wouldClose, err := s.pdtLedger.WouldBeDayTrade(o.Symbol, today)
		if err != nil || !wouldClose {
			continue
		}
		if err := s.pdtLedger.RecordDayTrade(o.Symbol, today); err != nil {
			observ.Warn("pdt_record_day_trade_failed", map[string]any{"symbol": o.Symbol, "error": err.Error()})
		}
	}
}

// onHalt implements §4.4/§7's "transition to halted and trigger the
// emergency protocol": the first tick that observes StateHalted or
// StateEmergency runs a single cancel-then-liquidate pass across every
// open position, rather than waiting for process shutdown. The
// emergencyStopRan guard keeps this idempotent per §8 testable
// property 6 — it only fires once per halt, and is cleared the moment
// the circuit breaker reports a non-halted state again.
func (s *Scheduler) onHalt(ctx context.Context) {
	if s.emergencyStopRan {
		return
	}
	s.emergencyStopRan = true

	report, err := s.lifecycle.EmergencyStop(ctx)
	if err != nil {
		observ.Warn("halt_emergency_stop_failed", map[string]any{"error": err.Error()})
		return
	}
	s.alert("*", "emergency_stop", alerts.SeverityCritical, fmt.Sprintf("%d positions liquidated on circuit breaker halt", len(report.Positions)), nil)
}

// monitorOnly implements the halted branch of §4.9: no new decisions,
// only position bookkeeping and protection audits continue.
func (s *Scheduler) monitorOnly(ctx context.Context) {
	s.monitorOpenOrdersAndPositions(ctx)
	if time.Since(s.lastProtectionAudit) >= protectionAuditInterval {
		if err := s.lifecycle.AuditProtections(ctx); err != nil {
			observ.Warn("halted_protection_audit_failed", map[string]any{"error": err.Error()})
		}
		s.lastProtectionAudit = time.Now()
	}
}

// shutdown implements §4.9's `on shutdown_request` block.
func (s *Scheduler) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if s.cfg.Lifecycle.EmergencyStopOnShutdown {
		report, err := s.lifecycle.EmergencyStop(ctx)
		if err != nil {
			observ.Warn("shutdown_emergency_stop_failed", map[string]any{"error": err.Error()})
		} else {
			s.alert("*", "emergency_stop", alerts.SeverityCritical, fmt.Sprintf("%d positions liquidated on shutdown", len(report.Positions)), nil)
		}
	}

	if err := s.risk.Close(); err != nil {
		observ.Warn("shutdown_risk_close_failed", map[string]any{"error": err.Error()})
	}
	if err := s.pdtLedger.Close(); err != nil {
		observ.Warn("shutdown_ledger_close_failed", map[string]any{"error": err.Error()})
	}
	observ.Log("scheduler_stopped", nil)
	return nil
}

// recentSessionDays returns the most recent n NYSE trading-session
// dates up to and including from, formatted "2006-01-02", for the PDT
// Ledger's rolling-window count — the ledger has no calendar of its
// own, per internal/pdt/ledger.go.
func (s *Scheduler) recentSessionDays(from time.Time, n int) []string {
	days := make([]string, 0, n)
	d := from
	for len(days) < n {
		if s.clock.IsTradingDay(d) {
			days = append(days, d.Format("2006-01-02"))
		}
		d = d.AddDate(0, 0, -1)
	}
	return days
}

func (s *Scheduler) alert(symbol, event string, severity alerts.Severity, message string, gatesBlocked []string) {
	s.slack.SendAlert(alerts.AlertRequest{
		Symbol:       symbol,
		Event:        event,
		Severity:     severity,
		Message:      message,
		GatesBlocked: gatesBlocked,
		Timestamp:    time.Now(),
	})
}
