package trader

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"astergrid/logger"
	"astergrid/trader/types"

	"github.com/shopspring/decimal"
)

// DryRunExchange reads from the real exchange and simulates every write.
// Placed orders rest in memory and are reported by GetOpenOrders.
type DryRunExchange struct {
	types.Exchange

	seq    atomic.Int64
	mu     sync.Mutex
	orders map[string]types.Order
}

// NewDryRunExchange wraps ex
func NewDryRunExchange(ex types.Exchange) *DryRunExchange {
	d := &DryRunExchange{Exchange: ex, orders: make(map[string]types.Order)}
	d.seq.Store(time.Now().Unix() * 1000)
	return d
}

func (d *DryRunExchange) PlaceOrder(_ context.Context, req types.OrderRequest) (*types.OrderResult, error) {
	id := fmt.Sprintf("%d", d.seq.Add(1))
	status := types.StatusNew
	if req.Type == types.OrderTypeMarket {
		status = types.StatusFilled
	}

	d.mu.Lock()
	if status == types.StatusNew {
		d.orders[id] = types.Order{
			OrderID:       id,
			ClientOrderID: req.ClientOrderID,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Type:          req.Type,
			Status:        status,
			Price:         req.Price,
			StopPrice:     req.StopPrice,
			Quantity:      req.Quantity,
			ExecutedQty:   decimal.Zero,
			ReduceOnly:    req.ReduceOnly,
			UpdatedAt:     time.Now(),
		}
	}
	d.mu.Unlock()

	logger.Infof("[DryRun] %s %s %s %s @ %s (reduceOnly=%v) -> %s",
		req.Side, req.Type, req.Quantity, req.Symbol, req.Price, req.ReduceOnly, id)
	return &types.OrderResult{OrderID: id, ClientOrderID: req.ClientOrderID, Status: status}, nil
}

func (d *DryRunExchange) CancelOrder(_ context.Context, symbol, orderID string) error {
	d.mu.Lock()
	delete(d.orders, orderID)
	d.mu.Unlock()
	logger.Infof("[DryRun] cancel %s %s", symbol, orderID)
	return nil
}

func (d *DryRunExchange) CancelAllOrders(_ context.Context, symbol string) error {
	d.mu.Lock()
	for id, o := range d.orders {
		if o.Symbol == symbol {
			delete(d.orders, id)
		}
	}
	d.mu.Unlock()
	logger.Infof("[DryRun] cancel all %s", symbol)
	return nil
}

func (d *DryRunExchange) GetOrder(ctx context.Context, symbol, orderID string) (*types.Order, error) {
	d.mu.Lock()
	o, ok := d.orders[orderID]
	d.mu.Unlock()
	if ok {
		return &o, nil
	}
	return nil, &types.APIError{Code: -2013, Message: "Order does not exist."}
}

func (d *DryRunExchange) GetOrderByClientID(_ context.Context, _ string, clientOrderID string) (*types.Order, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, o := range d.orders {
		if o.ClientOrderID == clientOrderID {
			return &o, nil
		}
	}
	return nil, &types.APIError{Code: -2013, Message: "Order does not exist."}
}

func (d *DryRunExchange) GetOpenOrders(_ context.Context, symbol string) ([]types.Order, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	orders := make([]types.Order, 0, len(d.orders))
	for _, o := range d.orders {
		if o.Symbol == symbol {
			orders = append(orders, o)
		}
	}
	return orders, nil
}
