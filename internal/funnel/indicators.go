package funnel

import (
	"math"

	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/gateway"
)

// computeIndicators derives RSI(14), MACD(12,26,9), ATR(14) and the
// 20-session daily-return standard deviation from a bar series,
// grounded on the original system's tiered_analyzer.py. Bars are
// expected oldest-first; a short series never panics: RSI, MACD and
// sigma return zero below the closes they need, and ATR averages the
// true ranges available (zero below two bars).
func computeIndicators(bars []gateway.Bar) (rsi14, macd, macdSignal, atr14, sigma20 float64) {
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	rsi14 = rsi(closes, 14)
	macd, macdSignal = macdLine(closes, 12, 26, 9)
	atr14 = atr(bars, 14)
	sigma20 = stdDevReturns(closes, 20)
	return
}

// stdDevReturns computes the sample standard deviation of daily
// simple returns over the last period closes, the σ used by §4.4's
// volatility-adjusted sizing. Fewer than period+1 closes degrades to
// zero, matching the other indicators' short-history behavior.
func stdDevReturns(closes []float64, period int) float64 {
	if len(closes) < period+1 {
		return 0
	}
	returns := make([]float64, 0, period)
	start := len(closes) - period
	for i := start; i < len(closes); i++ {
		if closes[i-1] == 0 {
			continue
		}
		returns = append(returns, (closes[i]-closes[i-1])/closes[i-1])
	}
	if len(returns) < 2 {
		return 0
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	return math.Sqrt(variance)
}

func rsi(closes []float64, period int) float64 {
	if len(closes) < period+1 {
		return 0
	}
	var gains, losses float64
	start := len(closes) - period - 1
	for i := start + 1; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			gains += delta
		} else {
			losses -= delta
		}
	}
	if losses == 0 {
		return 100
	}
	rs := (gains / float64(period)) / (losses / float64(period))
	return 100 - (100 / (1 + rs))
}

func ema(values []float64, period int) []float64 {
	if len(values) == 0 {
		return nil
	}
	k := 2.0 / float64(period+1)
	out := make([]float64, len(values))
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = values[i]*k + out[i-1]*(1-k)
	}
	return out
}

func macdLine(closes []float64, fast, slow, signal int) (macd, macdSignal float64) {
	if len(closes) < slow {
		return 0, 0
	}
	emaFast := ema(closes, fast)
	emaSlow := ema(closes, slow)
	macdSeries := make([]float64, len(closes))
	for i := range closes {
		macdSeries[i] = emaFast[i] - emaSlow[i]
	}
	signalSeries := ema(macdSeries, signal)
	return macdSeries[len(macdSeries)-1], signalSeries[len(signalSeries)-1]
}

func atr(bars []gateway.Bar, period int) float64 {
	if len(bars) < 2 {
		return 0
	}
	var trs []float64
	for i := 1; i < len(bars); i++ {
		high, low, prevClose := bars[i].High, bars[i].Low, bars[i-1].Close
		tr := max3(high-low, absF(high-prevClose), absF(low-prevClose))
		trs = append(trs, tr)
	}
	n := period
	if n > len(trs) {
		n = len(trs)
	}
	if n == 0 {
		return 0
	}
	var sum float64
	for _, tr := range trs[len(trs)-n:] {
		sum += tr
	}
	return sum / float64(n)
}

func max3(a, b, c float64) float64 {
	m := a
	if b > m {
		m = b
	}
	if c > m {
		m = c
	}
	return m
}

func absF(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
