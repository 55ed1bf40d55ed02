package guard

import (
	"sort"
	"time"

	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/config"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/gateway"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/observ"
)

// GapBucket is the closed severity set of §4.8.
type GapBucket string

const (
	Low      GapBucket = "low"
	Moderate GapBucket = "moderate"
	High     GapBucket = "high"
	Extreme  GapBucket = "extreme"
)

// CloseSnapshot is the `(symbol, close_price, quantity)` record taken
// at session close.
type CloseSnapshot struct {
	Symbol     string
	ClosePrice float64
	Quantity   float64
	RecordedAt time.Time
}

// GapAlert is emitted when a gap meets or exceeds the moderate bucket.
type GapAlert struct {
	Symbol    string
	GapPct    float64
	Bucket    GapBucket
}

// Guard tracks overnight gap risk and enforces the overnight position
// cap, grounded on original_source/gap_risk_manager.py.
type Guard struct {
	cfg       config.Guard
	snapshots map[string]CloseSnapshot
	openedAt  map[string]time.Time
}

func New(cfg config.Guard) *Guard {
	return &Guard{cfg: cfg, snapshots: map[string]CloseSnapshot{}, openedAt: map[string]time.Time{}}
}

// RecordClose snapshots every open position at session close.
func (g *Guard) RecordClose(positions []gateway.Position, now time.Time) {
	g.snapshots = map[string]CloseSnapshot{}
	for _, p := range positions {
		if p.Qty == 0 {
			continue
		}
		g.snapshots[p.Symbol] = CloseSnapshot{Symbol: p.Symbol, ClosePrice: p.CurrentPrice, Quantity: p.Qty, RecordedAt: now}
		if _, tracked := g.openedAt[p.Symbol]; !tracked {
			g.openedAt[p.Symbol] = now
		}
	}
}

// CheckOpeningGaps computes gap_pct for every symbol snapshotted at the
// prior close against its pre-market open quote, bucketing per §4.8.
func (g *Guard) CheckOpeningGaps(openQuotes map[string]float64) []GapAlert {
	var alerts []GapAlert
	for symbol, snap := range g.snapshots {
		open, ok := openQuotes[symbol]
		if !ok || snap.ClosePrice == 0 {
			continue
		}
		gapPct := (open - snap.ClosePrice) / snap.ClosePrice
		bucket := bucketFor(gapPct)
		if bucket == Moderate || bucket == High || bucket == Extreme {
			observ.Warn("gap_risk_alert", map[string]any{"symbol": symbol, "gap_pct": gapPct, "bucket": bucket})
			alerts = append(alerts, GapAlert{Symbol: symbol, GapPct: gapPct, Bucket: bucket})
		}
	}
	return alerts
}

func bucketFor(gapPct float64) GapBucket {
	abs := gapPct
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs >= 0.05:
		return Extreme
	case abs >= 0.02:
		return High
	case abs >= 0.01:
		return Moderate
	default:
		return Low
	}
}

// AgingPositions returns symbols whose overnight age exceeds
// max_overnight_days, in the order they should be rotated out.
func (g *Guard) AgingPositions(now time.Time) []string {
	var out []string
	for symbol, opened := range g.openedAt {
		days := int(now.Sub(opened).Hours() / 24)
		if days >= g.cfg.MaxOvernightDays {
			out = append(out, symbol)
		}
	}
	sort.Strings(out)
	return out
}

// ClearTracking drops a symbol's aging/close tracking once its
// position is closed.
func (g *Guard) ClearTracking(symbol string) {
	delete(g.snapshots, symbol)
	delete(g.openedAt, symbol)
}

// SelectOvernightLiquidations enforces max_overnight_positions: when
// more positions are open at session close than the cap allows, the
// excess is liquidated in order of largest unrealized loss first.
func (g *Guard) SelectOvernightLiquidations(positions []gateway.Position) []gateway.Position {
	if len(positions) <= g.cfg.MaxOvernightPositions {
		return nil
	}
	sorted := make([]gateway.Position, len(positions))
	copy(sorted, positions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].UnrealizedPL < sorted[j].UnrealizedPL })

	excess := len(sorted) - g.cfg.MaxOvernightPositions
	return sorted[:excess]
}
