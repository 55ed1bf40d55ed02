package regime

// Regime is the closed set of market regime tags described in §3,
// shared between the Opportunity Funnel's strategic filter and the
// Strategy Evaluator's regime→strategy table.
type Regime string

const (
	BullTrending  Regime = "bull_trending"
	BearTrending  Regime = "bear_trending"
	Volatile      Regime = "volatile"
	RangeBound    Regime = "range_bound"
	LowVolatility Regime = "low_volatility"
)

// Snapshot pairs a regime tag with the confidence the oracle/local
// classifier assigned it.
type Snapshot struct {
	Regime     Regime
	Confidence float64
}

// Weights parameterizes the strategic-filter scoring formula per
// regime: `score = w_momentum·z + w_volume·log(ratio) + w_sector·fit − w_risk·dispersion`.
type Weights struct {
	Momentum float64
	Volume   float64
	Sector   float64
	Risk     float64
}

// WeightsFor returns the regime-parameterized weight set; bull_trending
// boosts momentum, volatile boosts the risk penalty, per §4.5.
func WeightsFor(r Regime) Weights {
	switch r {
	case BullTrending:
		return Weights{Momentum: 1.5, Volume: 0.8, Sector: 0.5, Risk: 0.5}
	case BearTrending:
		return Weights{Momentum: 0.6, Volume: 0.8, Sector: 0.5, Risk: 1.0}
	case Volatile:
		return Weights{Momentum: 0.8, Volume: 0.6, Sector: 0.4, Risk: 1.6}
	case RangeBound:
		return Weights{Momentum: 0.7, Volume: 0.7, Sector: 0.6, Risk: 0.8}
	case LowVolatility:
		return Weights{Momentum: 1.0, Volume: 1.0, Sector: 0.5, Risk: 0.6}
	default:
		return Weights{Momentum: 1.0, Volume: 1.0, Sector: 0.5, Risk: 1.0}
	}
}

// SectorFit scores how well a sector fits the current regime,
// favoring cyclicals in bull/low-vol regimes and defensives in
// bear/volatile regimes.
func SectorFit(sector string, r Regime) float64 {
	defensive := sector == "utilities" || sector == "consumer_staples" || sector == "healthcare"
	switch r {
	case BullTrending, LowVolatility:
		if defensive {
			return 0.3
		}
		return 1.0
	case BearTrending, Volatile:
		if defensive {
			return 1.0
		}
		return 0.3
	default:
		return 0.6
	}
}
