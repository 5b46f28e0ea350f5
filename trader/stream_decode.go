package trader

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"astergrid/trader/types"
)

// ErrListenKeyExpired is returned when the stream announces key expiry
var ErrListenKeyExpired = errors.New("listen key expired")

// Push payload shapes. encoding/json falls back to case-insensitive matching,
// so every key sharing a letter with a decoded one is declared explicitly.
type wsEnvelope struct {
	EventType       string          `json:"e"`
	EventTime       int64           `json:"E"`
	TransactionTime int64           `json:"T"`
	Order           json.RawMessage `json:"o"`
	Account         json.RawMessage `json:"a"`
}

type wsOrderUpdate struct {
	Symbol          string `json:"s"`
	ClientOrderID   string `json:"c"`
	Commission      string `json:"n"`
	CommissionAsset string `json:"N"`
	Side            string `json:"S"`
	Type            string `json:"o"`
	OrigQty         string `json:"q"`
	Price           string `json:"p"`
	AvgPrice        string `json:"ap"`
	StopPrice       string `json:"sp"`
	ExecutionType   string `json:"x"`
	Status          string `json:"X"`
	OrderID         int64  `json:"i"`
	LastFilledQty   string `json:"l"`
	LastFilledPrice string `json:"L"`
	CumulativeQty   string `json:"z"`
	TradeTime       int64  `json:"T"`
	TradeID         int64  `json:"t"`
	ReduceOnly      bool   `json:"R"`
	IsMaker         bool   `json:"m"`
}

type wsAccountUpdate struct {
	Reason    string          `json:"m"`
	Balances  []wsBalance     `json:"B"`
	Positions []wsPositionRow `json:"P"`
}

type wsBalance struct {
	Asset              string `json:"a"`
	WalletBalance      string `json:"wb"`
	CrossWalletBalance string `json:"cw"`
}

type wsPositionRow struct {
	Symbol        string `json:"s"`
	Amount        string `json:"pa"`
	EntryPrice    string `json:"ep"`
	UnrealizedPnL string `json:"up"`
	PositionSide  string `json:"ps"`
}

// DecodeUserEvent turns one user-data stream frame into typed events.
// Orders and positions of other symbols are dropped; every balance is kept.
// Frames of no interest decode to nil without error.
func DecodeUserEvent(msg []byte, symbol string) ([]types.Event, error) {
	var env wsEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	at := time.UnixMilli(env.EventTime)

	switch env.EventType {
	case "ORDER_TRADE_UPDATE":
		var o wsOrderUpdate
		if err := json.Unmarshal(env.Order, &o); err != nil {
			return nil, fmt.Errorf("decode order update: %w", err)
		}
		if symbol != "" && o.Symbol != symbol {
			return nil, nil
		}
		ev := orderEventFrom(o, at)
		if err := ev.Validate(); err != nil {
			return nil, err
		}
		return []types.Event{ev}, nil

	case "ACCOUNT_UPDATE":
		var a wsAccountUpdate
		if err := json.Unmarshal(env.Account, &a); err != nil {
			return nil, fmt.Errorf("decode account update: %w", err)
		}
		var events []types.Event
		for _, b := range a.Balances {
			ev := &types.BalanceEvent{
				Asset:              b.Asset,
				WalletBalance:      parseDecimal(b.WalletBalance),
				CrossWalletBalance: parseDecimal(b.CrossWalletBalance),
				Time:               at,
			}
			if ev.Validate() == nil {
				events = append(events, ev)
			}
		}
		for _, p := range a.Positions {
			if symbol != "" && p.Symbol != symbol {
				continue
			}
			ev := &types.PositionEvent{
				Symbol:        p.Symbol,
				Amount:        parseDecimal(p.Amount),
				EntryPrice:    parseDecimal(p.EntryPrice),
				UnrealizedPnL: parseDecimal(p.UnrealizedPnL),
				Time:          at,
			}
			if ev.Validate() == nil {
				events = append(events, ev)
			}
		}
		return events, nil

	case "listenKeyExpired":
		return nil, ErrListenKeyExpired
	}

	return nil, nil
}

func orderEventFrom(o wsOrderUpdate, at time.Time) *types.OrderEvent {
	price := parseDecimal(o.LastFilledPrice)
	if price.IsZero() {
		price = parseDecimal(o.Price)
	}
	if o.TradeTime > 0 {
		at = time.UnixMilli(o.TradeTime)
	}

	return &types.OrderEvent{
		Symbol:        o.Symbol,
		OrderID:       strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Status:        types.OrderStatus(o.Status),
		Side:          types.OrderSide(o.Side),
		Type:          types.OrderType(o.Type),
		Price:         price,
		LastFilledQty: parseDecimal(o.LastFilledQty),
		CumulativeQty: parseDecimal(o.CumulativeQty),
		AvgPrice:      parseDecimal(o.AvgPrice),
		ReduceOnly:    o.ReduceOnly,
		Time:          at,
	}
}
