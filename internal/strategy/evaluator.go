package strategy

import (
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/config"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/funnel"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/oracle"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/regime"
)

// Strategy is the closed set of strategy labels a TradeSignal may carry.
type Strategy string

const (
	Momentum      Strategy = "momentum"
	MeanReversion Strategy = "mean_reversion"
	Breakout      Strategy = "breakout"
	Defensive     Strategy = "defensive"
)

// table implements the regime→strategy mapping of §4.7.
var table = map[regime.Regime][2]Strategy{
	regime.BullTrending:  {Momentum, Breakout},
	regime.BearTrending:  {Defensive, MeanReversion},
	regime.Volatile:      {MeanReversion, Defensive},
	regime.RangeBound:    {MeanReversion, Breakout},
	regime.LowVolatility: {Breakout, Momentum},
}

// Signal is a TradeSignal per §3's data model.
type Signal struct {
	Symbol     string
	Side       string // "buy" | "sell"
	Entry      float64
	Stop       float64
	Target     float64
	Qty        int
	Confidence float64
	Strategy   Strategy
	HorizonDays int
	Rationale  string
}

// Evaluator selects a strategy for an Opportunity given the current
// regime, and constructs the resulting signal's price levels.
type Evaluator struct {
	cfg config.Risk
}

func New(cfg config.Risk) *Evaluator {
	return &Evaluator{cfg: cfg}
}

// Evaluate implements §4.7: pick primary/fallback strategy by regime,
// derive entry/stop/target, blend confidence, and drop signals below
// the confidence floor (0.65 default, configurable via
// ai_confidence_threshold).
func (e *Evaluator) Evaluate(o funnel.Opportunity, snap regime.Snapshot, confidenceThreshold float64) (Signal, bool) {
	primary, fallback := pickStrategies(snap.Regime)
	strat := primary
	fit := strategyFit(o, primary)
	if fit < strategyFit(o, fallback) {
		strat = fallback
		fit = strategyFit(o, fallback)
	}

	side := "buy"
	entry := o.LatestAsk
	if strat == Defensive || strat == MeanReversion && o.ChangePct > 0 {
		side = "sell"
		entry = o.LatestBid
	}
	if entry <= 0 {
		entry = o.Price
	}

	var stop, target float64
	rewardMultiple := e.cfg.DefaultRewardMultiple
	if rewardMultiple == 0 {
		rewardMultiple = 2.0
	}
	if side == "buy" {
		stop = entry - 2*o.ATR14
		target = entry + rewardMultiple*(entry-stop)
	} else {
		stop = entry + 2*o.ATR14
		target = entry - rewardMultiple*(stop-entry)
	}

	confidence := blendConfidence(o, fit, snap.Confidence)
	if confidence < confidenceThreshold {
		return Signal{}, false
	}

	riskPerShare := entry - stop
	if riskPerShare < 0 {
		riskPerShare = -riskPerShare
	}
	minRR := e.cfg.MinRewardRisk
	if minRR == 0 {
		minRR = 1.5
	}
	rewardPerShare := target - entry
	if rewardPerShare < 0 {
		rewardPerShare = -rewardPerShare
	}
	if riskPerShare == 0 || rewardPerShare/riskPerShare < minRR {
		return Signal{}, false
	}

	return Signal{
		Symbol:      o.Symbol,
		Side:        side,
		Entry:       entry,
		Stop:        stop,
		Target:      target,
		Confidence:  confidence,
		Strategy:    strat,
		HorizonDays: 5,
		Rationale:   rationale(strat, snap.Regime, o),
	}, true
}

func pickStrategies(r regime.Regime) (primary, fallback Strategy) {
	pair, ok := table[r]
	if !ok {
		return Momentum, Breakout
	}
	return pair[0], pair[1]
}

// strategyFit scores how well an opportunity's technicals suit a
// given strategy, used to decide primary vs. fallback.
func strategyFit(o funnel.Opportunity, s Strategy) float64 {
	switch s {
	case Momentum, Breakout:
		if o.MACD > o.MACDSignal && o.VolumeRatio > 1.2 {
			return 0.8
		}
		return 0.3
	case MeanReversion:
		if o.RSI14 > 70 || o.RSI14 < 30 {
			return 0.8
		}
		return 0.3
	case Defensive:
		return 0.5
	default:
		return 0.3
	}
}

func blendConfidence(o funnel.Opportunity, fit, regimeConfidence float64) float64 {
	local := oracle.LocalConfidence(o)
	funnelComponent := clamp01(o.Score / 10)
	return clamp01(0.4*funnelComponent + 0.3*fit + 0.2*local + 0.1*regimeConfidence)
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

func rationale(s Strategy, r regime.Regime, o funnel.Opportunity) string {
	return string(s) + " selected for " + o.Symbol + " under " + string(r) + " regime"
}
