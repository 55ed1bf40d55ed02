package gateway

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/config"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/observ"
)

// Client is the Broker Gateway: every outbound broker call is
// channeled through it so that rate limiting, retries, and response
// classification happen exactly once, in one place.
type Client struct {
	http        *resty.Client
	limiter     *tokenBucket
	cfg         config.Gateway
	staleMax    time.Duration
	maxRetries  int
	backoffBase time.Duration

	// onPDTViolation lets the PDT Ledger hear about a broker-side PDT
	// rejection without this package depending on internal/pdt directly.
	onPDTViolation func(symbol string)

	mu                 sync.Mutex
	blockedSymbols      map[string]bool // local short-circuit, cleared by ClearBlockedSymbol
	consecutiveFailures int
}

// NewClient builds a Broker Gateway against the paper or live base URL
// selected by cfg.PaperTrading.
func NewClient(cfg config.Gateway, paperTrading bool, keyID, secretKey string) *Client {
	baseURL := cfg.BaseURLLive
	if paperTrading {
		baseURL = cfg.BaseURLPaper
	}
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(time.Duration(cfg.RequestTimeoutSeconds) * time.Second).
		SetHeader("APCA-API-KEY-ID", keyID).
		SetHeader("APCA-API-SECRET-KEY", secretKey).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:           http,
		limiter:        newTokenBucket(cfg.RateLimitPerMinute, cfg.RateLimitUtilization, cfg.EmergencyReserve),
		cfg:            cfg,
		staleMax:       time.Duration(cfg.StaleQuoteMaxMinutes * float64(time.Minute)),
		maxRetries:     cfg.MaxRetries,
		backoffBase:    time.Duration(cfg.BackoffBaseSeconds * float64(time.Second)),
		blockedSymbols: map[string]bool{},
	}
}

// OnPDTViolation registers a callback invoked whenever the broker
// rejects an order with a PDT violation, so the PDT Ledger can block
// the symbol without this package depending on internal/pdt directly.
func (c *Client) OnPDTViolation(fn func(symbol string)) {
	c.onPDTViolation = fn
}

// blockSymbol marks symbol as locally blocked, grounded on
// original_source/api_gateway.py's submit_order refusing to even
// attempt resubmission for a symbol the broker already rejected for a
// PDT violation, rather than relying solely on the pre-submission gate.
func (c *Client) blockSymbol(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blockedSymbols[symbol] = true
}

// ClearBlockedSymbol lifts the local short-circuit once the PDT Ledger
// rolls the symbol's block over, so the gateway and the ledger never
// disagree about whether a symbol may be resubmitted.
func (c *Client) ClearBlockedSymbol(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.blockedSymbols, symbol)
}

// IsSymbolBlocked reports whether the gateway is currently
// short-circuiting submissions for symbol.
func (c *Client) IsSymbolBlocked(symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blockedSymbols[symbol]
}

// Health reports the broker connection's coarse health, tracked via a
// consecutive-failure counter that any successful call resets,
// grounded on original_source/api_gateway.py's connection health
// signal. The scheduler does not consult it.
func (c *Client) Health() (consecutiveFailures int, healthy bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consecutiveFailures, c.consecutiveFailures < 5
}

// classified is the outcome of response classification, state
// "classified" in the per-request state machine of §4.1.
type classified struct {
	success      bool
	errorKind    ErrorKind
	errorMessage string
	retryable    bool
}

// classify implements the seven response-classification rules.
func classify(statusCode int, method string, bodySnippet string) classified {
	switch {
	case statusCode >= 200 && statusCode < 300 && statusCode != 204:
		return classified{success: true}
	case statusCode == 201:
		return classified{success: true}
	case statusCode == 204:
		return classified{success: true}
	case statusCode == 403 && strings.Contains(bodySnippet, "40310100"):
		return classified{success: false, errorKind: ErrPDTViolation, errorMessage: bodySnippet, retryable: false}
	case statusCode == 422 && strings.Contains(strings.ToLower(bodySnippet), "insufficient qty"):
		return classified{success: false, errorKind: ErrQtyHeld, errorMessage: bodySnippet, retryable: true}
	case statusCode == 429 || statusCode >= 500:
		return classified{success: false, errorKind: ErrRateLimited, errorMessage: bodySnippet, retryable: true}
	case statusCode == 401 || statusCode == 403:
		return classified{success: false, errorKind: ErrAuth, errorMessage: bodySnippet, retryable: false}
	default:
		return classified{success: false, errorKind: ErrOther, errorMessage: bodySnippet, retryable: false}
	}
}

// do executes one request with rate limiting and bounded retry with
// exponential backoff and jitter, per §4.1 rule 6.
func (c *Client) do(ctx context.Context, emergency bool, req func() (*resty.Response, error)) (*resty.Response, classified, error) {
	var lastResp *resty.Response
	var lastErr error
	var lastClass classified

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := c.limiter.wait(ctx, emergency); err != nil {
			return nil, classified{}, fmt.Errorf("rate limiter wait: %w", err)
		}

		resp, err := req()
		if err != nil {
			lastErr = err
			lastClass = classified{success: false, errorKind: ErrNetwork, errorMessage: err.Error(), retryable: true}
		} else {
			lastResp = resp
			lastErr = nil
			lastClass = classify(resp.StatusCode(), resp.Request.Method, string(resp.Body()))
		}

		if lastClass.success || !lastClass.retryable {
			break
		}
		if attempt == c.maxRetries {
			break
		}
		backoff := time.Duration(float64(c.backoffBase) * math.Pow(2, float64(attempt)))
		jitter := time.Duration((rand.Float64()*0.5 - 0.25) * float64(backoff))
		observ.Log("gateway_retry", map[string]any{"attempt": attempt + 1, "kind": lastClass.errorKind})
		select {
		case <-time.After(backoff + jitter):
		case <-ctx.Done():
			return nil, classified{}, ctx.Err()
		}
	}

	c.mu.Lock()
	if lastClass.success {
		c.consecutiveFailures = 0
	} else {
		c.consecutiveFailures++
	}
	c.mu.Unlock()

	return lastResp, lastClass, lastErr
}
