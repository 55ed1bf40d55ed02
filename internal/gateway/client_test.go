package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/config"
)

func testClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	cfg := config.Gateway{
		BaseURLPaper:          srv.URL,
		RateLimitPerMinute:    6000,
		RateLimitUtilization:  0.8,
		EmergencyReserve:      10,
		StaleQuoteMaxMinutes:  15,
		RequestTimeoutSeconds: 5,
		MaxRetries:            2,
		BackoffBaseSeconds:    0.01,
	}
	c := NewClient(cfg, true, "key", "secret")
	return c, srv
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name       string
		status     int
		body       string
		wantSucc   bool
		wantKind   ErrorKind
		wantRetry  bool
	}{
		{"ok 200", 200, "{}", true, "", false},
		{"created 201", 201, "{}", true, "", false},
		{"no content 204", 204, "", true, "", false},
		{"pdt violation", 403, `{"code":"40310100"}`, false, ErrPDTViolation, false},
		{"qty held", 422, `{"message":"insufficient qty available"}`, false, ErrQtyHeld, true},
		{"rate limited", 429, "", false, ErrRateLimited, true},
		{"server error", 500, "", false, ErrRateLimited, true},
		{"unauthorized", 401, "", false, ErrAuth, false},
		{"other", 418, "", false, ErrOther, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classify(tc.status, "GET", tc.body)
			assert.Equal(t, tc.wantSucc, got.success)
			if !tc.wantSucc {
				assert.Equal(t, tc.wantKind, got.errorKind)
				assert.Equal(t, tc.wantRetry, got.retryable)
			}
		})
	}
}

func TestGetAccount_DefensiveNumericParsing(t *testing.T) {
	c, srv := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"equity":"","last_equity":"10000.50","cash":"abc","buying_power":"5000","daytrade_count":1,"pattern_day_trader":false}`))
	})
	defer srv.Close()

	res := c.GetAccount(context.Background())
	require.True(t, res.Success)
	assert.Equal(t, 0.0, res.Data.Equity)
	assert.Equal(t, 10000.50, res.Data.LastEquity)
	assert.Equal(t, 0.0, res.Data.Cash)
	assert.Equal(t, 5000.0, res.Data.BuyingPower)
}

func TestSubmitOrder_PDTViolationCallback(t *testing.T) {
	c, srv := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(403)
		w.Write([]byte(`{"code":"40310100","message":"day trade protection"}`))
	})
	defer srv.Close()

	var blocked string
	c.OnPDTViolation(func(symbol string) { blocked = symbol })

	res := c.SubmitOrder(context.Background(), OrderSpec{Symbol: "AAPL", Qty: 1, Side: SideBuy, Type: TypeMarket, TimeInForce: TIFDay}, false)
	assert.False(t, res.Success)
	assert.Equal(t, ErrPDTViolation, res.ErrorKind)
	assert.False(t, res.Retryable)
	assert.Equal(t, "AAPL", blocked)
}

func TestSubmitOrder_LocalShortCircuitAfterPDTViolation(t *testing.T) {
	calls := 0
	c, srv := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(403)
		w.Write([]byte(`{"code":"40310100"}`))
	})
	defer srv.Close()

	first := c.SubmitOrder(context.Background(), OrderSpec{Symbol: "AAPL", Qty: 1, Side: SideBuy, Type: TypeMarket, TimeInForce: TIFDay}, false)
	assert.False(t, first.Success)
	assert.Equal(t, 1, calls)

	second := c.SubmitOrder(context.Background(), OrderSpec{Symbol: "AAPL", Qty: 1, Side: SideBuy, Type: TypeMarket, TimeInForce: TIFDay}, false)
	assert.False(t, second.Success)
	assert.Equal(t, ErrPDTViolation, second.ErrorKind)
	assert.Equal(t, 1, calls, "blocked symbol must not reach the network a second time")

	c.ClearBlockedSymbol("AAPL")
	assert.False(t, c.IsSymbolBlocked("AAPL"))
}

func TestHealth_TracksConsecutiveFailures(t *testing.T) {
	c, srv := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	})
	defer srv.Close()

	c.GetAccount(context.Background())
	failures, healthy := c.Health()
	assert.True(t, failures > 0)
	assert.True(t, healthy)
}

func TestRetriesOnRateLimit(t *testing.T) {
	attempts := 0
	c, srv := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(429)
			return
		}
		w.Write([]byte(`{"equity":"1000","last_equity":"1000","cash":"1000","buying_power":"1000","daytrade_count":0,"pattern_day_trader":false}`))
	})
	defer srv.Close()

	res := c.GetAccount(context.Background())
	assert.True(t, res.Success)
	assert.Equal(t, 2, attempts)
}

func TestCancelOrder_EmptyBodySuccess(t *testing.T) {
	c, srv := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(204)
	})
	defer srv.Close()

	res := c.CancelOrder(context.Background(), "abc123", false)
	assert.True(t, res.Success)
}

func TestGetLatestQuote_StaleRejected(t *testing.T) {
	c, srv := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		stale := time.Now().Add(-1 * time.Hour).Format(time.RFC3339)
		w.Write([]byte(`{"quote":{"bid_price":10,"ask_price":10.1,"bid_size":1,"ask_size":1,"timestamp":"` + stale + `"}}`))
	})
	defer srv.Close()

	res := c.GetLatestQuote(context.Background(), "AAPL")
	assert.False(t, res.Success)
	assert.Equal(t, ErrStaleData, res.ErrorKind)
}
