package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EventKind tags the Event union
type EventKind int

const (
	EventOrder EventKind = iota + 1
	EventPosition
	EventBalance
)

func (k EventKind) String() string {
	switch k {
	case EventOrder:
		return "order"
	case EventPosition:
		return "position"
	case EventBalance:
		return "balance"
	}
	return "unknown"
}

// Event is one push update from the exchange: *OrderEvent, *PositionEvent or *BalanceEvent.
type Event interface {
	Kind() EventKind
	Validate() error
}

// OrderEvent is an order lifecycle update
type OrderEvent struct {
	Symbol        string
	OrderID       string
	ClientOrderID string
	Status        OrderStatus
	Side          OrderSide
	Type          OrderType
	Price         decimal.Decimal // last fill price, or the order price when nothing filled
	LastFilledQty decimal.Decimal
	CumulativeQty decimal.Decimal
	AvgPrice      decimal.Decimal
	ReduceOnly    bool
	Time          time.Time
}

// Event builds a synthetic order event from a REST snapshot of o, used to
// catch up on fills the stream missed. The last fill is reported as the
// executed total; the ledger folds only what it has not seen yet.
func (o Order) Event() *OrderEvent {
	price := o.AvgPrice
	if price.IsZero() {
		price = o.Price
	}
	return &OrderEvent{
		Symbol:        o.Symbol,
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Status:        o.Status,
		Side:          o.Side,
		Type:          o.Type,
		Price:         price,
		LastFilledQty: o.ExecutedQty,
		CumulativeQty: o.ExecutedQty,
		AvgPrice:      o.AvgPrice,
		ReduceOnly:    o.ReduceOnly,
		Time:          o.UpdatedAt,
	}
}

func (e *OrderEvent) Kind() EventKind { return EventOrder }

func (e *OrderEvent) Validate() error {
	if e.OrderID == "" && e.ClientOrderID == "" {
		return fmt.Errorf("order event without order id")
	}
	if e.Side != SideBuy && e.Side != SideSell {
		return fmt.Errorf("order event %s: invalid side %q", e.OrderID, e.Side)
	}
	if e.Price.IsNegative() || e.LastFilledQty.IsNegative() {
		return fmt.Errorf("order event %s: negative price or quantity", e.OrderID)
	}
	switch e.Status {
	case StatusNew, StatusPartiallyFilled, StatusFilled, StatusCanceled, StatusExpired, StatusRejected:
	default:
		return fmt.Errorf("order event %s: unknown status %q", e.OrderID, e.Status)
	}
	return nil
}

// PositionEvent is a net position update
type PositionEvent struct {
	Symbol        string
	Amount        decimal.Decimal
	EntryPrice    decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Time          time.Time
}

func (e *PositionEvent) Kind() EventKind { return EventPosition }

func (e *PositionEvent) Validate() error {
	if e.Symbol == "" {
		return fmt.Errorf("position event without symbol")
	}
	return nil
}

// BalanceEvent is a wallet balance update
type BalanceEvent struct {
	Asset              string
	WalletBalance      decimal.Decimal
	CrossWalletBalance decimal.Decimal
	Time               time.Time
}

func (e *BalanceEvent) Kind() EventKind { return EventBalance }

func (e *BalanceEvent) Validate() error {
	if e.Asset == "" {
		return fmt.Errorf("balance event without asset")
	}
	return nil
}
