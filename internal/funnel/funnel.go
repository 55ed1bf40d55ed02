package funnel

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/config"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/gateway"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/observ"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/regime"
)

// Oracle is the narrow interface the strategic filter needs from the
// Intelligence Oracle; kept separate from internal/oracle's full
// client so this package does not need to know about its rate
// limiting or timeout handling.
type Oracle interface {
	RerankOpportunities(ctx context.Context, regimeSummary string, candidates []Opportunity) ([]Opportunity, error)
}

// Funnel runs the three-stage reducer of §4.5.
type Funnel struct {
	client *gateway.Client
	cfg    config.Funnel
	oracle Oracle
}

func New(client *gateway.Client, cfg config.Funnel, oracle Oracle) *Funnel {
	return &Funnel{client: client, cfg: cfg, oracle: oracle}
}

// Run executes one full funnel cycle against the current regime and
// returns a bounded, score-ordered list of opportunities.
func (f *Funnel) Run(ctx context.Context, snap regime.Snapshot) ([]Opportunity, error) {
	candidates, err := f.broadScan(ctx)
	if err != nil {
		return nil, err
	}
	observ.Log("funnel_broad_scan", map[string]any{"candidates": len(candidates)})

	filtered := f.strategicFilter(ctx, candidates, snap)
	observ.Log("funnel_strategic_filter", map[string]any{"survivors": len(filtered)})

	deepDived := f.deepDive(ctx, filtered)
	observ.Log("funnel_deep_dive", map[string]any{"opportunities": len(deepDived)})

	sort.Slice(deepDived, func(i, j int) bool { return deepDived[i].Score > deepDived[j].Score })
	if len(deepDived) > f.cfg.MaxOpportunities {
		observ.Log("funnel_truncated", map[string]any{"dropped": len(deepDived) - f.cfg.MaxOpportunities})
		deepDived = deepDived[:f.cfg.MaxOpportunities]
	}
	return deepDived, nil
}

// broadScan queries movers/most-active/news and merges into a
// deduplicated candidate set, applying the hard filters of §4.5 stage 1.
func (f *Funnel) broadScan(ctx context.Context) ([]Opportunity, error) {
	seen := map[string]bool{}
	var out []Opportunity

	add := func(m gateway.Mover) {
		sym := strings.ToUpper(m.Symbol)
		if sym == "" || seen[sym] {
			return
		}
		seen[sym] = true
		opp := Opportunity{
			Symbol:      sym,
			Source:      m.Source,
			Price:       m.Price,
			ChangePct:   m.ChangePct,
			Volume:      m.Volume,
			AvgVolume20: m.AvgVolume,
			Halted:      m.Halted,
		}
		if m.AvgVolume > 0 {
			opp.VolumeRatio = float64(m.Volume) / float64(m.AvgVolume)
		}
		if !f.passesHardFilters(opp) {
			return
		}
		out = append(out, opp)
	}

	if res := f.client.GetMarketMovers(ctx, "gainers"); res.Success {
		for _, m := range res.Data {
			add(m)
		}
	}
	if res := f.client.GetMostActive(ctx); res.Success {
		for _, m := range res.Data {
			add(m)
		}
	}
	if res := f.client.GetNews(ctx, nil); res.Success {
		for _, m := range res.Data {
			add(m)
		}
	}
	return out, nil
}

func (f *Funnel) passesHardFilters(o Opportunity) bool {
	if o.Halted {
		return false
	}
	if o.Price < f.cfg.MinPrice || o.Price > f.cfg.MaxPrice {
		return false
	}
	if o.AvgVolume20 < f.cfg.MinAvgVolume {
		return false
	}
	if math.Abs(o.ChangePct) < f.cfg.MinAbsChangePct {
		return false
	}
	return true
}

// strategicFilter scores every candidate locally and optionally
// re-ranks with the Intelligence Oracle; it issues zero broker calls,
// per §4.5 stage 2.
func (f *Funnel) strategicFilter(ctx context.Context, candidates []Opportunity, snap regime.Snapshot) []Opportunity {
	w := regime.WeightsFor(snap.Regime)
	for i := range candidates {
		candidates[i].Score = score(candidates[i], snap.Regime, w)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })

	topN := f.cfg.StrategicFilterTopN
	if topN > 0 && len(candidates) > topN {
		candidates = candidates[:topN]
	}

	if f.oracle != nil {
		reranked, err := f.oracle.RerankOpportunities(ctx, string(snap.Regime), candidates)
		if err != nil {
			observ.Warn("funnel_oracle_unavailable", map[string]any{"error": err.Error()})
			return candidates
		}
		return reranked
	}
	return candidates
}

// score implements `w_momentum·daily_change_z + w_volume·log(volume_ratio) + w_sector·sector_fit(regime) − w_risk·dispersion`.
func score(o Opportunity, r regime.Regime, w regime.Weights) float64 {
	momentumZ := o.ChangePct / 0.02 // normalized against the 2% hard-filter floor
	volumeTerm := 0.0
	if o.VolumeRatio > 0 {
		volumeTerm = math.Log(o.VolumeRatio)
	}
	sectorFit := regime.SectorFit(o.Sector, r)
	dispersion := math.Abs(o.ChangePct) * 0.1 // proxy for intraday dispersion absent a tick feed
	return w.Momentum*momentumZ + w.Volume*volumeTerm + w.Sector*sectorFit - w.Risk*dispersion
}

// deepDive fetches bars and quotes for surviving candidates under a
// strict broker-call budget, per §4.5 stage 3.
func (f *Funnel) deepDive(ctx context.Context, candidates []Opportunity) []Opportunity {
	budget := f.cfg.DeepDiveBrokerCallBudget
	var out []Opportunity
	for i, o := range candidates {
		if budget <= 1 {
			observ.Log("funnel_deep_dive_budget_exhausted", map[string]any{"remaining_candidates": len(candidates) - i})
			break
		}

		quoteRes := f.client.GetLatestQuote(ctx, o.Symbol)
		budget--
		if !quoteRes.Success {
			continue
		}
		q := quoteRes.Data
		spreadPct := 0.0
		if q.BidPrice > 0 {
			spreadPct = (q.AskPrice - q.BidPrice) / q.BidPrice
		}
		if spreadPct > f.cfg.MaxSpreadPct {
			continue
		}

		// 35 daily bars: MACD(12,26,9) needs 26 closes, sigma20 needs 21.
		barsRes := f.client.GetBars(ctx, o.Symbol, "1Day", 35)
		budget--
		if !barsRes.Success {
			continue
		}

		o.LatestBid = q.BidPrice
		o.LatestAsk = q.AskPrice
		o.SpreadPct = spreadPct
		o.RSI14, o.MACD, o.MACDSignal, o.ATR14, o.Sigma20 = computeIndicators(barsRes.Data)
		out = append(out, o)
	}
	return out
}
