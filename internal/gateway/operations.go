package gateway

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// wire DTOs, shaped after the broker's documented JSON bodies (§6).

type accountWire struct {
	Equity        string `json:"equity"`
	LastEquity    string `json:"last_equity"`
	Cash          string `json:"cash"`
	BuyingPower   string `json:"buying_power"`
	DaytradeCount int    `json:"daytrade_count"`
	PatternDayTrader bool `json:"pattern_day_trader"`
}

type positionWire struct {
	Symbol           string `json:"symbol"`
	Qty              string `json:"qty"`
	AvgEntryPrice    string `json:"avg_entry_price"`
	CurrentPrice     string `json:"current_price"`
	UnrealizedPL     string `json:"unrealized_pl"`
	UnrealizedPLPC   string `json:"unrealized_plpc"`
	MarketValue      string `json:"market_value"`
}

type orderWire struct {
	ClientOrderID string  `json:"client_order_id"`
	ID            string  `json:"id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Type          string  `json:"type"`
	Qty           string  `json:"qty"`
	LimitPrice    *string `json:"limit_price"`
	StopPrice     *string `json:"stop_price"`
	TimeInForce   string  `json:"time_in_force"`
	ParentID      string  `json:"parent_order_id"`
	Status        string  `json:"status"`
	FilledQty     string  `json:"filled_qty"`
	FilledAvgPrice *string `json:"filled_avg_price"`
	SubmittedAt   time.Time `json:"submitted_at"`
	CanceledAt    *time.Time `json:"canceled_at"`
	FilledAt      *time.Time `json:"filled_at"`
	ExpiredAt     *time.Time `json:"expired_at"`
}

type quoteWire struct {
	BidPrice  float64   `json:"bid_price"`
	AskPrice  float64   `json:"ask_price"`
	BidSize   int64     `json:"bid_size"`
	AskSize   int64     `json:"ask_size"`
	Timestamp time.Time `json:"timestamp"`
}

type barWire struct {
	Timestamp time.Time `json:"t"`
	Open      float64   `json:"o"`
	High      float64   `json:"h"`
	Low       float64   `json:"l"`
	Close     float64   `json:"c"`
	Volume    int64     `json:"v"`
}

// num defensively parses a broker numeric-as-string field; a missing
// or malformed field is zero, never a crash, per the "defensive
// lookup" requirement in the external interfaces section.
func num(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func (c *Client) GetAccount(ctx context.Context) ApiResponse[Account] {
	var w accountWire
	resp, cl, err := c.do(ctx, false, func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).SetResult(&w).Get("/v2/account")
	})
	if err != nil {
		return fail[Account](0, ErrNetwork, err.Error(), true)
	}
	if !cl.success {
		return fail[Account](resp.StatusCode(), cl.errorKind, cl.errorMessage, cl.retryable)
	}
	return ok(resp.StatusCode(), Account{
		Equity:           num(w.Equity),
		LastEquity:       num(w.LastEquity),
		Cash:             num(w.Cash),
		BuyingPower:      num(w.BuyingPower),
		DayTradeCount:    w.DaytradeCount,
		PatternDayTrader: w.PatternDayTrader,
	})
}

func (c *Client) GetPositions(ctx context.Context) ApiResponse[[]Position] {
	var w []positionWire
	resp, cl, err := c.do(ctx, false, func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).SetResult(&w).Get("/v2/positions")
	})
	if err != nil {
		return fail[[]Position](0, ErrNetwork, err.Error(), true)
	}
	if !cl.success {
		return fail[[]Position](resp.StatusCode(), cl.errorKind, cl.errorMessage, cl.retryable)
	}
	out := make([]Position, 0, len(w))
	for _, p := range w {
		out = append(out, Position{
			Symbol:          p.Symbol,
			Qty:             num(p.Qty),
			AvgEntryPrice:   num(p.AvgEntryPrice),
			CurrentPrice:    num(p.CurrentPrice),
			UnrealizedPL:    num(p.UnrealizedPL),
			UnrealizedPLPct: num(p.UnrealizedPLPC),
			MarketValue:     num(p.MarketValue),
		})
	}
	return ok(resp.StatusCode(), out)
}

func (c *Client) GetOrders(ctx context.Context, statusFilter string) ApiResponse[[]Order] {
	var w []orderWire
	resp, cl, err := c.do(ctx, false, func() (*resty.Response, error) {
		req := c.http.R().SetContext(ctx).SetResult(&w)
		if statusFilter != "" {
			req = req.SetQueryParam("status", statusFilter)
		}
		return req.Get("/v2/orders")
	})
	if err != nil {
		return fail[[]Order](0, ErrNetwork, err.Error(), true)
	}
	if !cl.success {
		return fail[[]Order](resp.StatusCode(), cl.errorKind, cl.errorMessage, cl.retryable)
	}
	out := make([]Order, 0, len(w))
	for _, o := range w {
		out = append(out, orderFromWire(o))
	}
	return ok(resp.StatusCode(), out)
}

func orderFromWire(o orderWire) Order {
	result := Order{
		ClientOrderID: o.ClientOrderID,
		BrokerID:      o.ID,
		Symbol:        o.Symbol,
		Side:          OrderSide(o.Side),
		Type:          OrderType(o.Type),
		Qty:           num(o.Qty),
		TimeInForce:   TimeInForce(o.TimeInForce),
		ParentID:      o.ParentID,
		Status:        OrderStatus(o.Status),
		FilledQty:     num(o.FilledQty),
		SubmittedAt:   o.SubmittedAt,
	}
	if o.LimitPrice != nil {
		result.LimitPrice = num(*o.LimitPrice)
	}
	if o.StopPrice != nil {
		result.StopPrice = num(*o.StopPrice)
	}
	if o.FilledAvgPrice != nil {
		result.AvgFillPrice = num(*o.FilledAvgPrice)
	}
	switch {
	case o.FilledAt != nil:
		result.TerminalAt = *o.FilledAt
	case o.CanceledAt != nil:
		result.TerminalAt = *o.CanceledAt
	case o.ExpiredAt != nil:
		result.TerminalAt = *o.ExpiredAt
	}
	return result
}

// GetLatestQuote rejects quotes older than the configured freshness
// bound with error_kind=stale_data, per §4.1.
func (c *Client) GetLatestQuote(ctx context.Context, symbol string) ApiResponse[Quote] {
	var w struct {
		Quote quoteWire `json:"quote"`
	}
	resp, cl, err := c.do(ctx, false, func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).SetResult(&w).Get(fmt.Sprintf("/v2/stocks/%s/quotes/latest", symbol))
	})
	if err != nil {
		return fail[Quote](0, ErrNetwork, err.Error(), true)
	}
	if !cl.success {
		return fail[Quote](resp.StatusCode(), cl.errorKind, cl.errorMessage, cl.retryable)
	}
	age := time.Since(w.Quote.Timestamp)
	if c.staleMax > 0 && age > c.staleMax {
		return fail[Quote](resp.StatusCode(), ErrStaleData, fmt.Sprintf("quote age %s exceeds bound %s", age, c.staleMax), false)
	}
	return ok(resp.StatusCode(), Quote{
		Symbol:    symbol,
		BidPrice:  w.Quote.BidPrice,
		AskPrice:  w.Quote.AskPrice,
		BidSize:   w.Quote.BidSize,
		AskSize:   w.Quote.AskSize,
		Timestamp: w.Quote.Timestamp,
	})
}

func (c *Client) GetBars(ctx context.Context, symbol, timeframe string, limit int) ApiResponse[[]Bar] {
	var w struct {
		Bars []barWire `json:"bars"`
	}
	resp, cl, err := c.do(ctx, false, func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).SetResult(&w).
			SetQueryParam("timeframe", timeframe).
			SetQueryParam("limit", strconv.Itoa(limit)).
			Get(fmt.Sprintf("/v2/stocks/%s/bars", symbol))
	})
	if err != nil {
		return fail[[]Bar](0, ErrNetwork, err.Error(), true)
	}
	if !cl.success {
		return fail[[]Bar](resp.StatusCode(), cl.errorKind, cl.errorMessage, cl.retryable)
	}
	out := make([]Bar, 0, len(w.Bars))
	for _, b := range w.Bars {
		out = append(out, Bar{Timestamp: b.Timestamp, Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume})
	}
	return ok(resp.StatusCode(), out)
}

type orderRequestBody struct {
	Symbol        string  `json:"symbol"`
	Qty           float64 `json:"qty"`
	Side          string  `json:"side"`
	Type          string  `json:"type"`
	LimitPrice    *float64 `json:"limit_price,omitempty"`
	StopPrice     *float64 `json:"stop_price,omitempty"`
	TimeInForce   string  `json:"time_in_force"`
	ClientOrderID string  `json:"client_order_id"`
	OrderClass    string  `json:"order_class,omitempty"`
	TakeProfit    *takeProfitBody `json:"take_profit,omitempty"`
	StopLoss      *stopLossBody   `json:"stop_loss,omitempty"`
}

type takeProfitBody struct {
	LimitPrice float64 `json:"limit_price"`
}

type stopLossBody struct {
	StopPrice float64 `json:"stop_price"`
}

// SubmitOrder submits an order to the broker. Emergency calls (cancel-
// then-liquidate market orders) should pass emergency=true so they can
// draw on the reserve token bucket even when the regular budget is
// exhausted.
func (c *Client) SubmitOrder(ctx context.Context, spec OrderSpec, emergency bool) ApiResponse[Order] {
	if c.IsSymbolBlocked(spec.Symbol) {
		return fail[Order](0, ErrPDTViolation, fmt.Sprintf("%s locally blocked after prior PDT violation", spec.Symbol), false)
	}

	body := orderRequestBody{
		Symbol:        spec.Symbol,
		Qty:           spec.Qty,
		Side:          string(spec.Side),
		Type:          string(spec.Type),
		TimeInForce:   string(spec.TimeInForce),
		ClientOrderID: spec.ClientOrderID,
		OrderClass:    spec.OrderClass,
	}
	if spec.LimitPrice > 0 {
		body.LimitPrice = &spec.LimitPrice
	}
	if spec.StopPrice > 0 {
		body.StopPrice = &spec.StopPrice
	}
	if spec.TakeProfit != nil {
		body.TakeProfit = &takeProfitBody{LimitPrice: *spec.TakeProfit}
	}
	if spec.StopLoss != nil {
		body.StopLoss = &stopLossBody{StopPrice: *spec.StopLoss}
	}

	var w orderWire
	resp, cl, err := c.do(ctx, emergency, func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).SetBody(body).SetResult(&w).Post("/v2/orders")
	})
	if err != nil {
		return fail[Order](0, ErrNetwork, err.Error(), true)
	}
	if !cl.success {
		if cl.errorKind == ErrPDTViolation {
			c.blockSymbol(spec.Symbol)
			if c.onPDTViolation != nil {
				c.onPDTViolation(spec.Symbol)
			}
		}
		return fail[Order](resp.StatusCode(), cl.errorKind, cl.errorMessage, cl.retryable)
	}
	return ok(resp.StatusCode(), orderFromWire(w))
}

// CancelOrder cancels a single order by broker id. A 204 with an empty
// body is treated as success, per §4.1 rule 3.
func (c *Client) CancelOrder(ctx context.Context, brokerID string, emergency bool) ApiResponse[struct{}] {
	resp, cl, err := c.do(ctx, emergency, func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).Delete(fmt.Sprintf("/v2/orders/%s", brokerID))
	})
	if err != nil {
		return fail[struct{}](0, ErrNetwork, err.Error(), true)
	}
	if !cl.success {
		return fail[struct{}](resp.StatusCode(), cl.errorKind, cl.errorMessage, cl.retryable)
	}
	return ok(resp.StatusCode(), struct{}{})
}

// CancelAllFor cancels every open order on a symbol and returns the
// set that was canceled, used by the emergency cancel-then-liquidate
// path.
func (c *Client) CancelAllFor(ctx context.Context, symbol string, emergency bool) ApiResponse[[]Order] {
	openOrders := c.GetOrders(ctx, "open")
	if !openOrders.Success {
		return fail[[]Order](openOrders.StatusCode, openOrders.ErrorKind, openOrders.ErrorMessage, openOrders.Retryable)
	}
	var canceled []Order
	for _, o := range openOrders.Data {
		if o.Symbol != symbol {
			continue
		}
		res := c.CancelOrder(ctx, o.BrokerID, emergency)
		if res.Success {
			canceled = append(canceled, o)
		}
	}
	return ok(200, canceled)
}

func (c *Client) GetMarketMovers(ctx context.Context, kind string) ApiResponse[[]Mover] {
	return c.getMovers(ctx, "/v2/screener/stocks/movers", kind, "movers")
}

func (c *Client) GetMostActive(ctx context.Context) ApiResponse[[]Mover] {
	return c.getMovers(ctx, "/v2/screener/stocks/most-actives", "", "most_active")
}

func (c *Client) getMovers(ctx context.Context, path, kind, source string) ApiResponse[[]Mover] {
	var w struct {
		Gainers []moverWire `json:"gainers"`
		Losers  []moverWire `json:"losers"`
		MostActives []moverWire `json:"most_actives"`
	}
	resp, cl, err := c.do(ctx, false, func() (*resty.Response, error) {
		req := c.http.R().SetContext(ctx).SetResult(&w)
		if kind != "" {
			req = req.SetQueryParam("kind", kind)
		}
		return req.Get(path)
	})
	if err != nil {
		return fail[[]Mover](0, ErrNetwork, err.Error(), true)
	}
	if !cl.success {
		return fail[[]Mover](resp.StatusCode(), cl.errorKind, cl.errorMessage, cl.retryable)
	}
	var out []Mover
	for _, m := range append(append(w.Gainers, w.Losers...), w.MostActives...) {
		out = append(out, moverFromWire(m, source))
	}
	return ok(resp.StatusCode(), out)
}

type moverWire struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	ChangePct float64 `json:"percent_change"`
	Volume    int64   `json:"volume"`
	AvgVolume int64   `json:"avg_volume"`
	Status    string  `json:"status"` // "active" | "halted" | "corporate_action"
}

func moverFromWire(m moverWire, source string) Mover {
	return Mover{
		Symbol:    m.Symbol,
		Price:     m.Price,
		ChangePct: m.ChangePct,
		Volume:    m.Volume,
		AvgVolume: m.AvgVolume,
		Source:    source,
		Halted:    m.Status == "halted" || m.Status == "corporate_action",
	}
}

func (c *Client) GetNews(ctx context.Context, symbols []string) ApiResponse[[]Mover] {
	var w struct {
		News []struct {
			Symbols []string `json:"symbols"`
		} `json:"news"`
	}
	resp, cl, err := c.do(ctx, false, func() (*resty.Response, error) {
		req := c.http.R().SetContext(ctx).SetResult(&w)
		if len(symbols) > 0 {
			req = req.SetQueryParam("symbols", joinSymbols(symbols))
		}
		return req.Get("/v1beta1/news")
	})
	if err != nil {
		return fail[[]Mover](0, ErrNetwork, err.Error(), true)
	}
	if !cl.success {
		return fail[[]Mover](resp.StatusCode(), cl.errorKind, cl.errorMessage, cl.retryable)
	}
	seen := map[string]bool{}
	var out []Mover
	for _, item := range w.News {
		for _, sym := range item.Symbols {
			if seen[sym] {
				continue
			}
			seen[sym] = true
			out = append(out, Mover{Symbol: sym, Source: "news"})
		}
	}
	return ok(resp.StatusCode(), out)
}

func joinSymbols(symbols []string) string {
	out := ""
	for i, s := range symbols {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}
