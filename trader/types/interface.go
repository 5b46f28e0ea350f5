package types

import (
	"context"

	"github.com/shopspring/decimal"
)

// Exchange is the order and account capability the grid core consumes.
// Implementations must be safe for concurrent use.
type Exchange interface {
	// PlaceOrder submits a new order
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)

	// CancelOrder cancels one order by exchange id
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// CancelAllOrders cancels every open order of the symbol in one call
	CancelAllOrders(ctx context.Context, symbol string) error

	// GetOrder fetches one order by exchange id
	GetOrder(ctx context.Context, symbol, orderID string) (*Order, error)

	// GetOrderByClientID fetches one order by the client id it was placed with
	GetOrderByClientID(ctx context.Context, symbol, clientOrderID string) (*Order, error)

	// GetOpenOrders lists resting orders of the symbol
	GetOpenOrders(ctx context.Context, symbol string) ([]Order, error)

	// GetPositions lists positions of the symbol
	GetPositions(ctx context.Context, symbol string) ([]Position, error)

	// GetBalances lists account balances
	GetBalances(ctx context.Context) ([]Balance, error)

	// GetKlines returns the most recent candles, oldest first
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)

	// GetTickerPrice returns the last traded price
	GetTickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// AccountSetup covers one-time session preparation calls
type AccountSetup interface {
	SymbolRules(ctx context.Context, symbol string) (SymbolRules, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginType(ctx context.Context, symbol string, marginType string) error
}

// EventStream is the long-lived push stream of account events.
// Run blocks until ctx is done, reconnecting on its own, and delivers
// every decoded event into out.
type EventStream interface {
	Run(ctx context.Context, out chan<- Event) error
}
