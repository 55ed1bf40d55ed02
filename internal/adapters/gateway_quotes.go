package adapters

import (
	"context"
	"fmt"
	"time"

	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/gateway"
)

// GatewayQuoteAdapter implements QuotesAdapter on top of the Broker
// Gateway's GetLatestQuote, so the existing risk package (caps.go,
// navtracker.go) keeps consuming quotes through the same interface it
// always has, now sourced from the real broker instead of a
// third-party quote provider.
type GatewayQuoteAdapter struct {
	client *gateway.Client
}

func NewGatewayQuoteAdapter(client *gateway.Client) *GatewayQuoteAdapter {
	return &GatewayQuoteAdapter{client: client}
}

func (g *GatewayQuoteAdapter) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	res := g.client.GetLatestQuote(ctx, symbol)
	if !res.Success {
		switch res.ErrorKind {
		case gateway.ErrStaleData:
			return nil, NewStaleError(symbol, 0)
		case gateway.ErrRateLimited:
			return nil, NewRateLimitError(symbol, res.ErrorMessage)
		case gateway.ErrNetwork:
			return nil, NewNetworkError(symbol, res.ErrorMessage, nil)
		default:
			return nil, NewProviderError(symbol, res.ErrorMessage, nil)
		}
	}
	q := res.Data
	last := (q.BidPrice + q.AskPrice) / 2
	age := time.Since(q.Timestamp)
	return &Quote{
		Symbol:      symbol,
		Bid:         q.BidPrice,
		Ask:         q.AskPrice,
		Last:        last,
		Timestamp:   q.Timestamp,
		Session:     string(GetCurrentSession()),
		Source:      "gateway",
		StalenessMs: age.Milliseconds(),
	}, nil
}

func (g *GatewayQuoteAdapter) GetQuotes(ctx context.Context, symbols []string) (map[string]*Quote, error) {
	out := make(map[string]*Quote, len(symbols))
	for _, s := range symbols {
		q, err := g.GetQuote(ctx, s)
		if err != nil {
			continue
		}
		out[s] = q
	}
	return out, nil
}

func (g *GatewayQuoteAdapter) HealthCheck(ctx context.Context) error {
	res := g.client.GetAccount(ctx)
	if !res.Success {
		return fmt.Errorf("gateway health check failed: %s", res.ErrorMessage)
	}
	return nil
}

func (g *GatewayQuoteAdapter) Close() error { return nil }
