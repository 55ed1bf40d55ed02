package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/config"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/funnel"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/regime"
)

func TestEvaluate_DropsBelowConfidenceFloor(t *testing.T) {
	e := New(config.Risk{DefaultRewardMultiple: 2.0, MinRewardRisk: 1.5})
	o := funnel.Opportunity{Symbol: "AAPL", Price: 100, LatestAsk: 100.1, LatestBid: 99.9, ATR14: 1.0, Score: 0.1}
	_, ok := e.Evaluate(o, regime.Snapshot{Regime: regime.BullTrending, Confidence: 0.1}, 0.65)
	assert.False(t, ok)
}

func TestEvaluate_LongInvariants(t *testing.T) {
	e := New(config.Risk{DefaultRewardMultiple: 2.0, MinRewardRisk: 1.5})
	o := funnel.Opportunity{
		Symbol: "AAPL", Price: 100, LatestAsk: 100.1, LatestBid: 99.9, ATR14: 1.0,
		Score: 9.0, VolumeRatio: 2.0, MACD: 1.0, MACDSignal: 0.5, RSI14: 55,
	}
	sig, ok := e.Evaluate(o, regime.Snapshot{Regime: regime.BullTrending, Confidence: 0.9}, 0.65)
	if ok {
		assert.Equal(t, "buy", sig.Side)
		assert.Less(t, sig.Stop, sig.Entry)
		assert.Less(t, sig.Entry, sig.Target)
	}
}

func TestPickStrategies_UnknownRegimeFallsBackToDefault(t *testing.T) {
	primary, fallback := pickStrategies(regime.Regime("unknown"))
	assert.Equal(t, Momentum, primary)
	assert.Equal(t, Breakout, fallback)
}
