package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the exchange order direction
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// Opposite returns the inverse direction
func (s OrderSide) Opposite() OrderSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType is the exchange order type
type OrderType string

const (
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
)

// OrderStatus is the lifecycle status reported by the exchange
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusExpired         OrderStatus = "EXPIRED"
	StatusRejected        OrderStatus = "REJECTED"
)

// Terminal reports whether no further fills can arrive for the order
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusExpired, StatusRejected:
		return true
	}
	return false
}

// TradingMode selects which half of the ladder is traded
type TradingMode string

const (
	ModeLong  TradingMode = "LONG"
	ModeShort TradingMode = "SHORT"
	ModeBoth  TradingMode = "BOTH"
)

// Valid reports whether m is a known mode
func (m TradingMode) Valid() bool {
	return m == ModeLong || m == ModeShort || m == ModeBoth
}

// OrderRequest describes a new order
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Quantity      decimal.Decimal
	Price         decimal.Decimal // LIMIT only
	StopPrice     decimal.Decimal // STOP_MARKET only
	ReduceOnly    bool
	ClientOrderID string
}

// OrderResult is the exchange acknowledgement of a new order
type OrderResult struct {
	OrderID       string
	ClientOrderID string
	Status        OrderStatus
}

// Order is a resting or historical order
type Order struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Status        OrderStatus
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	Quantity      decimal.Decimal
	ExecutedQty   decimal.Decimal
	AvgPrice      decimal.Decimal
	ReduceOnly    bool
	UpdatedAt     time.Time
}

// Position is the net position for a symbol. Amount is signed: > 0 long, < 0 short.
type Position struct {
	Symbol        string
	Amount        decimal.Decimal
	EntryPrice    decimal.Decimal
	MarkPrice     decimal.Decimal
	UnrealizedPnL decimal.Decimal
}

// EntrySide is the order side that opened the position
func (p Position) EntrySide() OrderSide {
	if p.Amount.IsNegative() {
		return SideSell
	}
	return SideBuy
}

// Balance is one margin asset of the account
type Balance struct {
	Asset            string
	WalletBalance    decimal.Decimal
	AvailableBalance decimal.Decimal
	UnrealizedPnL    decimal.Decimal
}

// Candle is one kline
type Candle struct {
	OpenTime time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
}

// SymbolRules are the exchange trading filters for a symbol
type SymbolRules struct {
	Symbol      string
	TickSize    decimal.Decimal
	StepSize    decimal.Decimal
	MinNotional decimal.Decimal
}

// DefaultSymbolRules is used when exchange info is unavailable
func DefaultSymbolRules(symbol string) SymbolRules {
	return SymbolRules{
		Symbol:      symbol,
		TickSize:    decimal.RequireFromString("0.0001"),
		StepSize:    decimal.RequireFromString("0.01"),
		MinNotional: decimal.NewFromInt(5),
	}
}
