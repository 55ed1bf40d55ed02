package oracle

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/config"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/funnel"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/observ"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/regime"
)

// Client is the optional Intelligence Oracle collaborator. It is
// advisory only: every caller must fall back to its own local score
// when the oracle is disabled, unreachable, or slow, grounded on
// original_source/ai_market_intelligence.py's degrade-gracefully
// posture.
type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
	timeout time.Duration
	enabled bool
}

func New(cfg config.Oracle) *Client {
	return &Client{
		http:    resty.New().SetBaseURL(cfg.BaseURL),
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RateLimitPerMinute)/60), 1),
		timeout: time.Duration(cfg.TimeoutSeconds * float64(time.Second)),
		enabled: cfg.Enabled,
	}
}

type rerankRequest struct {
	RegimeSummary string           `json:"regime_summary"`
	Candidates    []candidateWire  `json:"candidates"`
}

type candidateWire struct {
	Symbol      string  `json:"symbol"`
	Score       float64 `json:"local_score"`
	ChangePct   float64 `json:"change_pct"`
	VolumeRatio float64 `json:"volume_ratio"`
}

type rerankResponse struct {
	Scores map[string]float64 `json:"scores"`
}

// RerankOpportunities asks the oracle for a natural-language-prompted
// re-rank of the strategic filter's survivors. On any failure or
// disablement it returns the input unchanged, signaling the caller to
// keep using the local score, per §4.5's 5-second timeout / non-
// blocking failure requirement.
func (c *Client) RerankOpportunities(ctx context.Context, regimeSummary string, candidates []funnel.Opportunity) ([]funnel.Opportunity, error) {
	if !c.enabled {
		return candidates, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return candidates, fmt.Errorf("oracle_unavailable: rate limiter: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body := rerankRequest{RegimeSummary: regimeSummary}
	for _, cand := range candidates {
		body.Candidates = append(body.Candidates, candidateWire{
			Symbol: cand.Symbol, Score: cand.Score, ChangePct: cand.ChangePct, VolumeRatio: cand.VolumeRatio,
		})
	}

	var resp rerankResponse
	_, err := c.http.R().SetContext(reqCtx).SetBody(body).SetResult(&resp).Post("/v1/rerank")
	if err != nil {
		observ.Warn("oracle_unavailable", map[string]any{"error": err.Error()})
		return candidates, nil
	}

	for i := range candidates {
		if s, ok := resp.Scores[candidates[i].Symbol]; ok {
			// Blend rather than replace, so a partial/garbled oracle
			// response cannot silently zero out an otherwise-sound
			// local score.
			candidates[i].Score = 0.5*candidates[i].Score + 0.5*s
		}
	}
	return candidates, nil
}

type regimeWire struct {
	Regime     string  `json:"regime"`
	Confidence float64 `json:"confidence"`
}

// DetectRegime asks the oracle for the current market regime tag, the
// one piece of market intelligence this system has no local
// computation for (spec.md models regime labeling as an LLM client
// abstracted behind this same advisory collaborator). On any failure
// it degrades to range_bound at low confidence rather than blocking —
// a wrong-but-cautious regime is safer than no regime at all, since
// range_bound carries the most conservative strategy weights.
func (c *Client) DetectRegime(ctx context.Context) (regime.Snapshot, error) {
	fallback := regime.Snapshot{Regime: regime.RangeBound, Confidence: 0.3}
	if !c.enabled {
		return fallback, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fallback, fmt.Errorf("oracle_unavailable: rate limiter: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var resp regimeWire
	_, err := c.http.R().SetContext(reqCtx).SetResult(&resp).Get("/v1/regime")
	if err != nil {
		observ.Warn("oracle_unavailable", map[string]any{"error": err.Error(), "call": "regime"})
		return fallback, nil
	}

	r := regime.Regime(resp.Regime)
	switch r {
	case regime.BullTrending, regime.BearTrending, regime.Volatile, regime.RangeBound, regime.LowVolatility:
		return regime.Snapshot{Regime: r, Confidence: resp.Confidence}, nil
	default:
		observ.Warn("oracle_invalid_regime", map[string]any{"regime": resp.Regime})
		return fallback, nil
	}
}

// LocalConfidence derives the oracle-independent confidence component
// from the deep-dive analysis already attached to an opportunity, used
// by the Strategy Evaluator whenever the oracle itself is unreachable.
func LocalConfidence(o funnel.Opportunity) float64 {
	conf := 0.5
	if o.VolumeRatio > 1.5 {
		conf += 0.1
	}
	if o.RSI14 > 30 && o.RSI14 < 70 {
		conf += 0.1
	}
	if o.MACD > o.MACDSignal {
		conf += 0.1
	}
	if conf > 1 {
		conf = 1
	}
	return conf
}
