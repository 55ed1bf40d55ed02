package funnel

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/config"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/gateway"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/regime"
)

func TestPassesHardFilters(t *testing.T) {
	f := &Funnel{cfg: config.Funnel{MinPrice: 10, MaxPrice: 500, MinAvgVolume: 1_000_000, MinAbsChangePct: 0.02}}
	good := Opportunity{Price: 50, AvgVolume20: 2_000_000, ChangePct: 0.03}
	assert.True(t, f.passesHardFilters(good))

	tooCheap := good
	tooCheap.Price = 5
	assert.False(t, f.passesHardFilters(tooCheap))

	lowVolume := good
	lowVolume.AvgVolume20 = 100
	assert.False(t, f.passesHardFilters(lowVolume))

	flat := good
	flat.ChangePct = 0.001
	assert.False(t, f.passesHardFilters(flat))

	halted := good
	halted.Halted = true
	assert.False(t, f.passesHardFilters(halted))
}

func TestPassesHardFilters_DropsHaltedMover(t *testing.T) {
	sym := "HALT"
	opp := Opportunity{Symbol: sym, Price: 50, AvgVolume20: 2_000_000, ChangePct: 0.03, Halted: true}
	f := &Funnel{cfg: config.Funnel{MinPrice: 10, MaxPrice: 500, MinAvgVolume: 1_000_000, MinAbsChangePct: 0.02}}
	assert.False(t, f.passesHardFilters(opp))

	m := gateway.Mover{Symbol: sym, Price: 50, ChangePct: 0.03, Volume: 2_000_000, AvgVolume: 2_000_000, Source: "movers", Halted: true}
	assert.True(t, m.Halted)
}

func TestScore_BullTrendingBoostsMomentum(t *testing.T) {
	o := Opportunity{ChangePct: 0.05, VolumeRatio: 2.0, Sector: "technology"}
	bull := score(o, regime.BullTrending, regime.WeightsFor(regime.BullTrending))
	volatile := score(o, regime.Volatile, regime.WeightsFor(regime.Volatile))
	assert.Greater(t, bull, volatile)
}

func TestComputeIndicators_ShortSeriesDegradesGracefully(t *testing.T) {
	bars := []gateway.Bar{{Close: 10, High: 11, Low: 9}}
	rsi14, macd, macdSig, atr14, sigma20 := computeIndicators(bars)
	assert.Equal(t, 0.0, rsi14)
	assert.Equal(t, 0.0, macd)
	assert.Equal(t, 0.0, macdSig)
	assert.Equal(t, 0.0, atr14)
	assert.Equal(t, 0.0, sigma20)
}

func TestStdDevReturns_ConstantPriceIsZeroVol(t *testing.T) {
	closes := make([]float64, 25)
	for i := range closes {
		closes[i] = 100
	}
	assert.Equal(t, 0.0, stdDevReturns(closes, 20))
}

func TestStdDevReturns_AlternatingReturnsProducesPositiveSigma(t *testing.T) {
	closes := make([]float64, 21)
	price := 100.0
	for i := range closes {
		closes[i] = price
		if i%2 == 0 {
			price *= 1.02
		} else {
			price *= 0.98
		}
	}
	sigma := stdDevReturns(closes, 20)
	assert.Greater(t, sigma, 0.0)
}
