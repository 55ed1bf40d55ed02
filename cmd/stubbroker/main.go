// cmd/stubbroker is an in-memory broker HTTP stub for local runs of
// cmd/trader against a fake Alpaca-shaped API, grounded on
// cmd/stubs/main.go's multi-route stub server idiom (one mux, plain
// net/http).
package main

import (
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

type account struct {
	Equity      string `json:"equity"`
	LastEquity  string `json:"last_equity"`
	Cash        string `json:"cash"`
	BuyingPower string `json:"buying_power"`
}

type position struct {
	Symbol          string `json:"symbol"`
	Qty             string `json:"qty"`
	AvgEntryPrice   string `json:"avg_entry_price"`
	CurrentPrice    string `json:"current_price"`
	UnrealizedPL    string `json:"unrealized_pl"`
	UnrealizedPLPC  string `json:"unrealized_plpc"`
	MarketValue     string `json:"market_value"`
}

type order struct {
	ID            string  `json:"id"`
	ClientOrderID string  `json:"client_order_id"`
	Symbol        string  `json:"symbol"`
	Qty           string  `json:"qty"`
	Side          string  `json:"side"`
	Type          string  `json:"type"`
	TimeInForce   string  `json:"time_in_force"`
	Status        string  `json:"status"`
	FilledQty     string  `json:"filled_qty"`
	FilledAvgPrice string `json:"filled_avg_price"`
	SubmittedAt   string  `json:"submitted_at"`
}

// broker holds all mutable stub state behind a single mutex; there is
// no concurrency to speak of at this scale, and a single lock keeps
// the handlers simple.
type broker struct {
	mu        sync.Mutex
	cash      float64
	positions map[string]*position
	orders    map[string]*order
	nextID    int
	quotes    map[string]float64
}

func newBroker(startingCash float64) *broker {
	return &broker{
		cash:      startingCash,
		positions: map[string]*position{},
		orders:    map[string]*order{},
		quotes:    map[string]float64{},
	}
}

func (b *broker) quoteFor(symbol string) float64 {
	if q, ok := b.quotes[symbol]; ok {
		return q
	}
	q := 50 + rand.Float64()*200
	b.quotes[symbol] = q
	return q
}

func num(f float64) string { return strconv.FormatFloat(f, 'f', 4, 64) }

func (b *broker) equity() float64 {
	total := b.cash
	for _, p := range b.positions {
		qty, _ := strconv.ParseFloat(p.Qty, 64)
		price := b.quoteFor(p.Symbol)
		total += qty * price
	}
	return total
}

func (b *broker) handleAccount(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	eq := b.equity()
	_ = json.NewEncoder(w).Encode(account{
		Equity:      num(eq),
		LastEquity:  num(eq),
		Cash:        num(b.cash),
		BuyingPower: num(b.cash * 2),
	})
}

func (b *broker) handlePositions(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*position, 0, len(b.positions))
	for _, p := range b.positions {
		qty, _ := strconv.ParseFloat(p.Qty, 64)
		entry, _ := strconv.ParseFloat(p.AvgEntryPrice, 64)
		price := b.quoteFor(p.Symbol)
		p.CurrentPrice = num(price)
		p.MarketValue = num(qty * price)
		p.UnrealizedPL = num((price - entry) * qty)
		if entry != 0 {
			p.UnrealizedPLPC = num((price - entry) / entry)
		}
		out = append(out, p)
	}
	_ = json.NewEncoder(w).Encode(out)
}

func (b *broker) handleOrders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		b.mu.Lock()
		defer b.mu.Unlock()
		statusFilter := r.URL.Query().Get("status")
		out := []*order{}
		for _, o := range b.orders {
			if statusFilter == "" || statusFilter == "all" || o.Status == statusFilter {
				out = append(out, o)
			}
		}
		_ = json.NewEncoder(w).Encode(out)
	case http.MethodPost:
		b.submitOrder(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (b *broker) submitOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbol        string `json:"symbol"`
		Qty           string `json:"qty"`
		Side          string `json:"side"`
		Type          string `json:"type"`
		TimeInForce   string `json:"time_in_force"`
		ClientOrderID string `json:"client_order_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	qty, _ := strconv.ParseFloat(req.Qty, 64)
	price := b.quoteFor(req.Symbol)

	b.nextID++
	o := &order{
		ID:             strconv.Itoa(b.nextID),
		ClientOrderID:  req.ClientOrderID,
		Symbol:         req.Symbol,
		Qty:            req.Qty,
		Side:           req.Side,
		Type:           req.Type,
		TimeInForce:    req.TimeInForce,
		Status:         "filled",
		FilledQty:      req.Qty,
		FilledAvgPrice: num(price),
		SubmittedAt:    time.Now().UTC().Format(time.RFC3339),
	}
	b.orders[o.ID] = o

	pos, exists := b.positions[req.Symbol]
	if !exists {
		pos = &position{Symbol: req.Symbol, Qty: "0", AvgEntryPrice: "0"}
		b.positions[req.Symbol] = pos
	}
	existingQty, _ := strconv.ParseFloat(pos.Qty, 64)
	existingEntry, _ := strconv.ParseFloat(pos.AvgEntryPrice, 64)
	signedQty := qty
	if req.Side == "sell" {
		signedQty = -qty
	}
	newQty := existingQty + signedQty
	if existingQty == 0 || (existingQty > 0) == (signedQty > 0) {
		pos.AvgEntryPrice = num((existingEntry*existingQty + price*signedQty) / nonZero(newQty))
	}
	pos.Qty = num(newQty)
	b.cash -= signedQty * price
	if newQty == 0 {
		delete(b.positions, req.Symbol)
	}

	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(o)
}

func nonZero(f float64) float64 {
	if f == 0 {
		return 1
	}
	return f
}

func (b *broker) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v2/orders/")
	b.mu.Lock()
	defer b.mu.Unlock()
	if o, ok := b.orders[id]; ok {
		o.Status = "canceled"
	}
	w.WriteHeader(http.StatusNoContent)
}

func (b *broker) handleLatestQuote(w http.ResponseWriter, r *http.Request) {
	symbol := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v2/stocks/"), "/quotes/latest")
	b.mu.Lock()
	price := b.quoteFor(symbol)
	b.mu.Unlock()
	_ = json.NewEncoder(w).Encode(map[string]any{
		"quote": map[string]any{
			"bid_price": price - 0.01,
			"ask_price": price + 0.01,
			"bid_size":  100,
			"ask_size":  100,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	})
}

// handleBars fabricates a bar series of independent random bars
// scattered around the symbol's current quote price (no drift from bar
// to bar), enough for the funnel's ATR14 and
// regime-detection consumers to have non-degenerate input locally.
func (b *broker) handleBars(w http.ResponseWriter, r *http.Request) {
	symbol := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v2/stocks/"), "/bars")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	b.mu.Lock()
	price := b.quoteFor(symbol)
	b.mu.Unlock()

	bars := make([]map[string]any, 0, limit)
	now := time.Now().UTC()
	for i := limit - 1; i >= 0; i-- {
		drift := (rand.Float64() - 0.5) * price * 0.01
		o := price + drift
		h := o + rand.Float64()*price*0.005
		l := o - rand.Float64()*price*0.005
		c := l + rand.Float64()*(h-l)
		bars = append(bars, map[string]any{
			"t": now.Add(-time.Duration(i) * time.Minute).Format(time.RFC3339),
			"o": o,
			"h": h,
			"l": l,
			"c": c,
			"v": 1000 + rand.Intn(5000),
		})
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"bars": bars})
}

func (b *broker) handleMovers(w http.ResponseWriter, r *http.Request) {
	_ = json.NewEncoder(w).Encode(map[string]any{
		"gainers":      []any{},
		"losers":       []any{},
		"most_actives": []any{},
	})
}

func (b *broker) handleNews(w http.ResponseWriter, r *http.Request) {
	_ = json.NewEncoder(w).Encode(map[string]any{"news": []any{}})
}

func main() {
	var addr string
	var startingCash float64
	flag.StringVar(&addr, "addr", ":8090", "listen address")
	flag.Float64Var(&startingCash, "cash", 100000, "starting cash balance")
	flag.Parse()

	b := newBroker(startingCash)
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/v2/account", b.handleAccount)
	mux.HandleFunc("/v2/positions", b.handlePositions)
	mux.HandleFunc("/v2/orders", b.handleOrders)
	mux.HandleFunc("/v2/orders/", b.handleCancelOrder)
	mux.HandleFunc("/v2/stocks/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/quotes/latest"):
			b.handleLatestQuote(w, r)
		case strings.HasSuffix(r.URL.Path, "/bars"):
			b.handleBars(w, r)
		default:
			http.NotFound(w, r)
		}
	})
	mux.HandleFunc("/v2/screener/stocks/movers", b.handleMovers)
	mux.HandleFunc("/v2/screener/stocks/most-actives", b.handleMovers)
	mux.HandleFunc("/v1beta1/news", b.handleNews)

	log.Printf("stub broker listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}
