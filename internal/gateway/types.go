package gateway

import "time"

// ApiResponse is the single envelope every Broker Gateway operation
// returns, per the external interfaces contract: success must be
// checked alongside data, never inferred from a non-nil payload alone.
type ApiResponse[T any] struct {
	Success      bool
	StatusCode   int
	Data         T
	ErrorKind    ErrorKind
	ErrorMessage string
	Retryable    bool
}

func ok[T any](status int, data T) ApiResponse[T] {
	return ApiResponse[T]{Success: true, StatusCode: status, Data: data}
}

func fail[T any](status int, kind ErrorKind, msg string, retryable bool) ApiResponse[T] {
	return ApiResponse[T]{
		Success:      false,
		StatusCode:   status,
		ErrorKind:    kind,
		ErrorMessage: msg,
		Retryable:    retryable,
	}
}

// Account is the broker's account snapshot.
type Account struct {
	Equity         float64
	LastEquity     float64
	Cash           float64
	BuyingPower    float64
	DayTradeCount  int
	PatternDayTrader bool
}

// Position is a broker-reported open position.
type Position struct {
	Symbol        string
	Qty           float64 // signed: long > 0, short < 0
	AvgEntryPrice float64
	CurrentPrice  float64
	UnrealizedPL  float64
	UnrealizedPLPct float64
	MarketValue   float64
}

// OrderSide and OrderType mirror the broker's order vocabulary.
type OrderSide string
type OrderType string
type TimeInForce string
type OrderStatus string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"

	TypeMarket     OrderType = "market"
	TypeLimit      OrderType = "limit"
	TypeStop       OrderType = "stop"
	TypeStopLimit  OrderType = "stop_limit"

	TIFDay TimeInForce = "day"
	TIFGTC TimeInForce = "gtc"

	StatusNew             OrderStatus = "new"
	StatusAccepted        OrderStatus = "accepted"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCanceled        OrderStatus = "canceled"
	StatusRejected        OrderStatus = "rejected"
	StatusExpired         OrderStatus = "expired"
)

// IsTerminal reports whether status is absorbing.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// OrderSpec is what a caller submits to SubmitOrder.
type OrderSpec struct {
	ClientOrderID string
	Symbol        string
	Qty           float64
	Side          OrderSide
	Type          OrderType
	LimitPrice    float64
	StopPrice     float64
	TimeInForce   TimeInForce
	OrderClass    string // "" | "bracket" | "oco"
	TakeProfit    *float64
	StopLoss      *float64
	ParentID      string
}

// Order is a broker order record.
type Order struct {
	ClientOrderID string
	BrokerID      string
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Qty           float64
	LimitPrice    float64
	StopPrice     float64
	TimeInForce   TimeInForce
	ParentID      string
	Status        OrderStatus
	FilledQty     float64
	AvgFillPrice  float64
	SubmittedAt   time.Time
	TerminalAt    time.Time
}

// Quote is the latest bid/ask snapshot for a symbol.
type Quote struct {
	Symbol    string
	BidPrice  float64
	AskPrice  float64
	BidSize   int64
	AskSize   int64
	Timestamp time.Time
}

// Bar is a single OHLCV bar.
type Bar struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
}

// Mover is a single entry from the movers/most-active/news broad scan
// primitives.
type Mover struct {
	Symbol       string
	Price        float64
	ChangePct    float64
	Volume       int64
	AvgVolume    int64
	Source       string // "movers" | "most_active" | "news" | "unusual_volume"
	Halted       bool   // trading halt or corporate-action freeze reported by the screener
}
