package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/config"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/gateway"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/observ"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/strategy"
)

// Manager owns order submission, bracket construction, startup
// reconciliation, and the emergency cancel-then-liquidate path,
// grounded on original_source/order_executor.py's SimpleTradeExecutor.
type Manager struct {
	client *gateway.Client
	cfg    config.Lifecycle

	mu          sync.Mutex
	inFlight    map[string]bool // symbol -> SubmitBracket call in progress
}

func New(client *gateway.Client, cfg config.Lifecycle) *Manager {
	return &Manager{client: client, cfg: cfg, inFlight: map[string]bool{}}
}

// SubmitBracket submits the parent entry order for an approved signal
// and attaches OCO stop-loss/take-profit children, per §4.6. Per-symbol
// submission is serialized: a new entry cannot be submitted while a
// prior order on the symbol is still new/partially_filled.
func (m *Manager) SubmitBracket(ctx context.Context, sig strategy.Signal, qty int) (gateway.Order, error) {
	m.mu.Lock()
	if m.inFlight[sig.Symbol] {
		m.mu.Unlock()
		return gateway.Order{}, fmt.Errorf("invalid_order: %s already has an order in flight", sig.Symbol)
	}
	m.inFlight[sig.Symbol] = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.inFlight, sig.Symbol)
		m.mu.Unlock()
	}()

	open := m.client.GetOrders(ctx, "open")
	if !open.Success {
		return gateway.Order{}, fmt.Errorf("%s: %s", open.ErrorKind, open.ErrorMessage)
	}
	for _, o := range filterSymbol(open.Data, sig.Symbol) {
		if o.Status == gateway.StatusNew || o.Status == gateway.StatusPartiallyFilled {
			return gateway.Order{}, fmt.Errorf("invalid_order: %s already has order %s in status %s", sig.Symbol, o.BrokerID, o.Status)
		}
	}

	side := gateway.SideBuy
	if sig.Side == "sell" {
		side = gateway.SideSell
	}
	stop := sig.Stop
	target := sig.Target
	spec := gateway.OrderSpec{
		ClientOrderID: uuid.NewString(),
		Symbol:        sig.Symbol,
		Qty:           float64(qty),
		Side:          side,
		Type:          gateway.TypeMarket,
		TimeInForce:   gateway.TIFDay,
		OrderClass:    "bracket",
		TakeProfit:    &target,
		StopLoss:      &stop,
	}

	res := m.client.SubmitOrder(ctx, spec, false)
	if !res.Success {
		return gateway.Order{}, fmt.Errorf("%s: %s", res.ErrorKind, res.ErrorMessage)
	}
	observ.Log("bracket_submitted", map[string]any{"symbol": sig.Symbol, "side": sig.Side, "qty": qty})
	return res.Data, nil
}

// AuditProtections implements startup reconciliation and the 1-minute
// periodic audit of §4.6: every nonzero position must have exactly one
// correct protective order.
func (m *Manager) AuditProtections(ctx context.Context) error {
	positions := m.client.GetPositions(ctx)
	if !positions.Success {
		return fmt.Errorf("%s: %s", positions.ErrorKind, positions.ErrorMessage)
	}
	orders := m.client.GetOrders(ctx, "open")
	if !orders.Success {
		return fmt.Errorf("%s: %s", orders.ErrorKind, orders.ErrorMessage)
	}

	bySymbol := map[string][]gateway.Order{}
	for _, o := range orders.Data {
		bySymbol[o.Symbol] = append(bySymbol[o.Symbol], o)
	}

	for _, pos := range positions.Data {
		if pos.Qty == 0 {
			continue
		}
		protective := protectiveOrdersFor(pos, bySymbol[pos.Symbol])
		switch len(protective) {
		case 0:
			if err := m.submitEmergencyStop(ctx, pos); err != nil {
				observ.Critical("protection_gap_unresolved", map[string]any{"symbol": pos.Symbol, "error": err.Error()})
			}
		case 1:
			// already protected, nothing to do
		default:
			if err := m.resolveConflictingProtections(ctx, pos, protective); err != nil {
				observ.Critical("protection_conflict_unresolved", map[string]any{"symbol": pos.Symbol, "error": err.Error()})
			}
		}
	}
	return nil
}

func protectiveOrdersFor(pos gateway.Position, orders []gateway.Order) []gateway.Order {
	wantSide := gateway.SideSell
	if pos.Qty < 0 {
		wantSide = gateway.SideBuy
	}
	var out []gateway.Order
	for _, o := range orders {
		if o.Side == wantSide && (o.Type == gateway.TypeStop || o.Type == gateway.TypeStopLimit) {
			out = append(out, o)
		}
	}
	return out
}

func (m *Manager) submitEmergencyStop(ctx context.Context, pos gateway.Position) error {
	side := gateway.SideSell
	stopPrice := pos.CurrentPrice * (1 - m.cfg.DefaultStopPct)
	if pos.Qty < 0 {
		side = gateway.SideBuy
		stopPrice = pos.CurrentPrice * (1 + m.cfg.DefaultStopPct)
	}
	qty := pos.Qty
	if qty < 0 {
		qty = -qty
	}
	res := m.client.SubmitOrder(ctx, gateway.OrderSpec{
		ClientOrderID: uuid.NewString(),
		Symbol:        pos.Symbol,
		Qty:           qty,
		Side:          side,
		Type:          gateway.TypeStop,
		StopPrice:     stopPrice,
		TimeInForce:   gateway.TIFGTC,
	}, false)
	if !res.Success {
		return fmt.Errorf("%s: %s", res.ErrorKind, res.ErrorMessage)
	}
	observ.Critical("emergency_protection_submitted", map[string]any{"symbol": pos.Symbol, "stop_price": stopPrice})
	return nil
}

func (m *Manager) resolveConflictingProtections(ctx context.Context, pos gateway.Position, conflicting []gateway.Order) error {
	for _, o := range conflicting {
		if res := m.client.CancelOrder(ctx, o.BrokerID, false); !res.Success {
			observ.Warn("protection_cancel_failed", map[string]any{"symbol": pos.Symbol, "order": o.BrokerID})
		}
	}
	return m.submitEmergencyStop(ctx, pos)
}

// ShutdownReport is the structured output of one emergency stop, with
// ISO-8601 timestamps per the persisted-state contract in §6.
type ShutdownReport struct {
	StartedAt       string          `json:"started_at"`
	CompletedAt     string          `json:"completed_at"`
	ElapsedSeconds  float64         `json:"elapsed_seconds"`
	Positions       []PositionReport `json:"positions"`
}

type PositionReport struct {
	Symbol          string  `json:"symbol"`
	AttemptedQty    float64 `json:"attempted_qty"`
	FilledQty       float64 `json:"filled_qty"`
	ResidualQty     float64 `json:"residual_qty"`
	Retries         int     `json:"retries"`
	Error           string  `json:"error,omitempty"`
	WasProtected    bool    `json:"was_protected,omitempty"`
}

// EmergencyStop implements the cancel-then-liquidate protocol of §4.6:
// cancel every open order per symbol, wait for terminal acknowledgement
// (polling until no open order remains on the symbol, at most
// EmergencyMaxRetries polls), then flatten with a market order,
// retrying on qty_held up to EmergencyMaxRetries with exponential
// backoff.
func (m *Manager) EmergencyStop(ctx context.Context) (ShutdownReport, error) {
	start := time.Now()
	report := ShutdownReport{StartedAt: start.UTC().Format(time.RFC3339)}

	positions := m.client.GetPositions(ctx)
	if !positions.Success {
		return report, fmt.Errorf("%s: %s", positions.ErrorKind, positions.ErrorMessage)
	}

	concurrency := m.cfg.EmergencyConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, pos := range positions.Data {
		if pos.Qty == 0 {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(pos gateway.Position) {
			defer wg.Done()
			defer func() { <-sem }()
			pr := m.liquidateOne(ctx, pos)
			mu.Lock()
			report.Positions = append(report.Positions, pr)
			mu.Unlock()
		}(pos)
	}
	wg.Wait()

	report.CompletedAt = time.Now().UTC().Format(time.RFC3339)
	report.ElapsedSeconds = time.Since(start).Seconds()
	return report, nil
}

func (m *Manager) liquidateOne(ctx context.Context, pos gateway.Position) PositionReport {
	pr := PositionReport{Symbol: pos.Symbol, AttemptedQty: absF(pos.Qty)}

	// A protected position is flattened the same as any other: the
	// circuit breaker halt (S2) requires every open position closed,
	// bracket or not. This only records it for the report.
	if existing := m.client.GetOrders(ctx, "open"); existing.Success {
		pr.WasProtected = len(protectiveOrdersFor(pos, filterSymbol(existing.Data, pos.Symbol))) > 0
		if pr.WasProtected {
			observ.Log("liquidation_flattening_protected_position", map[string]any{"symbol": pos.Symbol})
		}
	}

	cancelRes := m.client.CancelAllFor(ctx, pos.Symbol, true)
	if !cancelRes.Success {
		pr.Error = cancelRes.ErrorMessage
	}

	side := gateway.SideSell
	if pos.Qty < 0 {
		side = gateway.SideBuy
	}
	qty := absF(pos.Qty)

	maxRetries := m.cfg.EmergencyMaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	backoffBase := time.Duration(m.cfg.EmergencyBackoffBaseSeconds * float64(time.Second))
	if backoffBase <= 0 {
		backoffBase = 2 * time.Second
	}

	for i := 0; i < maxRetries; i++ {
		open := m.client.GetOrders(ctx, "open")
		if !open.Success || len(filterSymbol(open.Data, pos.Symbol)) == 0 {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}

	for attempt := 0; attempt <= maxRetries; attempt++ {
		res := m.client.SubmitOrder(ctx, gateway.OrderSpec{
			ClientOrderID: uuid.NewString(),
			Symbol:        pos.Symbol,
			Qty:           qty,
			Side:          side,
			Type:          gateway.TypeMarket,
			TimeInForce:   gateway.TIFDay,
		}, true)
		if res.Success {
			pr.FilledQty = res.Data.FilledQty
			pr.ResidualQty = qty - res.Data.FilledQty
			pr.Retries = attempt
			return pr
		}
		pr.Error = res.ErrorMessage
		if res.ErrorKind != gateway.ErrQtyHeld || attempt == maxRetries {
			break
		}
		m.client.CancelAllFor(ctx, pos.Symbol, true)
		time.Sleep(backoffBase * time.Duration(1<<attempt))
		pr.Retries = attempt + 1
	}

	observ.Critical("emergency_liquidation_failed", map[string]any{"symbol": pos.Symbol, "error": pr.Error})
	pr.ResidualQty = qty
	return pr
}

func filterSymbol(orders []gateway.Order, symbol string) []gateway.Order {
	var out []gateway.Order
	for _, o := range orders {
		if o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out
}

func absF(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
