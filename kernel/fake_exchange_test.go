package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"astergrid/config"
	"astergrid/market"
	"astergrid/trader/types"

	"github.com/shopspring/decimal"
)

// fakeExchange is an in-memory exchange recording every write
type fakeExchange struct {
	mu sync.Mutex

	price     decimal.Decimal
	positions []types.Position
	balances  []types.Balance
	open      map[string]types.Order
	done      map[string]types.Order
	placed    []types.OrderRequest
	placedIDs []string
	cancelled []string
	cancelAll int
	lookups   int
	seq       int

	// placeErr fails a placement when it returns an error
	placeErr func(req types.OrderRequest) error
	// lostResponse fails a placement after the order was accepted
	lostResponse func(req types.OrderRequest) error
	// onPlace runs after an order was accepted, outside the lock
	onPlace func(req types.OrderRequest, id string)
	priceErr error
}

func newFakeExchange(price string) *fakeExchange {
	return &fakeExchange{
		price: decimal.RequireFromString(price),
		open:  make(map[string]types.Order),
		done:  make(map[string]types.Order),
	}
}

func (f *fakeExchange) PlaceOrder(_ context.Context, req types.OrderRequest) (*types.OrderResult, error) {
	f.mu.Lock()
	if f.placeErr != nil {
		if err := f.placeErr(req); err != nil {
			f.mu.Unlock()
			return nil, err
		}
	}
	f.seq++
	id := fmt.Sprintf("%d", 1000+f.seq)
	f.placed = append(f.placed, req)
	f.placedIDs = append(f.placedIDs, id)
	f.open[id] = types.Order{
		OrderID:       id,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Status:        types.StatusNew,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		Quantity:      req.Quantity,
		ReduceOnly:    req.ReduceOnly,
	}
	if f.lostResponse != nil {
		if err := f.lostResponse(req); err != nil {
			f.mu.Unlock()
			return nil, err
		}
	}
	hook := f.onPlace
	f.mu.Unlock()

	if hook != nil {
		hook(req, id)
	}
	return &types.OrderResult{OrderID: id, ClientOrderID: req.ClientOrderID, Status: types.StatusNew}, nil
}

func (f *fakeExchange) CancelOrder(_ context.Context, _ string, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	delete(f.open, orderID)
	return nil
}

func (f *fakeExchange) CancelAllOrders(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelAll++
	f.open = make(map[string]types.Order)
	return nil
}

func (f *fakeExchange) GetOrder(_ context.Context, _ string, orderID string) (*types.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.open[orderID]
	if !ok {
		o, ok = f.done[orderID]
	}
	if !ok {
		return nil, &types.APIError{Status: 400, Code: -2013, Message: "Order does not exist."}
	}
	return &o, nil
}

func (f *fakeExchange) GetOrderByClientID(_ context.Context, _ string, clientID string) (*types.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	for _, m := range []map[string]types.Order{f.open, f.done} {
		for _, o := range m {
			if o.ClientOrderID == clientID {
				return &o, nil
			}
		}
	}
	return nil, &types.APIError{Status: 400, Code: -2013, Message: "Order does not exist."}
}

func (f *fakeExchange) GetOpenOrders(context.Context, string) ([]types.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.Order, 0, len(f.open))
	for _, o := range f.open {
		out = append(out, o)
	}
	return out, nil
}

func (f *fakeExchange) GetPositions(context.Context, string) ([]types.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Position(nil), f.positions...), nil
}

func (f *fakeExchange) GetBalances(context.Context) ([]types.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Balance(nil), f.balances...), nil
}

func (f *fakeExchange) GetKlines(context.Context, string, string, int) ([]types.Candle, error) {
	return nil, errors.New("no klines")
}

func (f *fakeExchange) GetTickerPrice(context.Context, string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.priceErr != nil {
		return decimal.Zero, f.priceErr
	}
	return f.price, nil
}

func (f *fakeExchange) setPrice(p string) {
	f.mu.Lock()
	f.price = decimal.RequireFromString(p)
	f.mu.Unlock()
}

// fill completes a resting order on the exchange side only
func (f *fakeExchange) fill(orderID string, price decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := f.open[orderID]
	delete(f.open, orderID)
	o.Status = types.StatusFilled
	o.ExecutedQty = o.Quantity
	o.AvgPrice = price
	f.done[orderID] = o
}

func (f *fakeExchange) placements() []types.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.OrderRequest(nil), f.placed...)
}

func (f *fakeExchange) cancels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

func (f *fakeExchange) cancelAllCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelAll
}

func (f *fakeExchange) lookupCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups
}

func (f *fakeExchange) resetRecords() {
	f.mu.Lock()
	f.placed = nil
	f.placedIDs = nil
	f.cancelled = nil
	f.cancelAll = 0
	f.mu.Unlock()
}

// fakeAnalysis returns canned market answers
type fakeAnalysis struct {
	mu         sync.Mutex
	latest     *market.Analysis
	exit       market.TrailingExit
	decision   market.RegridDecision
	placements int
	regrids    int
}

func (a *fakeAnalysis) Latest(context.Context, string) (*market.Analysis, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.latest == nil {
		return nil, errors.New("no analysis")
	}
	an := *a.latest
	return &an, nil
}

func (a *fakeAnalysis) Candles(context.Context, string) ([]types.Candle, error) {
	return []types.Candle{{Close: decimal.NewFromInt(100)}}, nil
}

func (a *fakeAnalysis) TrailingExit(decimal.Decimal, types.OrderSide, []types.Candle) market.TrailingExit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.exit
}

func (a *fakeAnalysis) ShouldRegrid(_ context.Context, _ string, mode types.TradingMode) market.RegridDecision {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.regrids++
	d := a.decision
	if d.Mode == "" {
		d.Mode = mode
	}
	return d
}

func (a *fakeAnalysis) RecordPlacement() {
	a.mu.Lock()
	a.placements++
	a.mu.Unlock()
}

func (a *fakeAnalysis) set(fn func(a *fakeAnalysis)) {
	a.mu.Lock()
	fn(a)
	a.mu.Unlock()
}

var testStart = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// testConfig is an 8-level long ladder around 100 with a ±5% range
func testConfig() config.EngineConfig {
	return config.EngineConfig{
		Symbol:      "BTCUSDT",
		MarginAsset: "USDT",
		Mode:        types.ModeLong,
		Rebalance:   config.RebalanceStatic,
		Rules: types.SymbolRules{
			Symbol:      "BTCUSDT",
			TickSize:    d("0.01"),
			StepSize:    d("0.01"),
			MinNotional: d("5"),
		},
		LevelCount:           8,
		RangePercent:         d("5"),
		NotionalPerLevel:     d("35"),
		Leverage:             2,
		MaxOpenOrders:        20,
		MaxPositions:         10,
		DriftPercent:         d("2"),
		DefaultTakeProfitPct: d("1.5"),
		MinPartialNotional:   d("5"),
		ReconcileTolerance:   d("1"),
	}
}

// newTestEngine builds an engine with a live ladder around the fake price
func newTestEngine(t *testing.T, ex *fakeExchange, cfg config.EngineConfig, an MarketAnalysis) *Engine {
	t.Helper()
	opts := Options{Now: func() time.Time { return testStart }}
	if an != nil {
		opts.Analysis = an
	}
	e := NewEngine(ex, NewLedger(d("500"), testStart), cfg, opts)
	if err := e.Rebuild(context.Background(), cfg, "test", true); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	return e
}

// fillEvent is a complete fill of the order resting on level idx
func fillEvent(t *testing.T, e *Engine, idx int, exit bool, price string) *types.OrderEvent {
	t.Helper()
	lv, ok := e.Ledger().Level(idx)
	if !ok {
		t.Fatalf("no level %d", idx)
	}
	id, side, qty := lv.EntryOrderID, lv.Side, Quantity(e.Config(), lv.Price)
	if exit {
		id, side, qty = lv.ExitOrderID, lv.PositionSide.Opposite(), lv.PositionQuantity
	}
	if id == "" {
		t.Fatalf("level %d has no %v order (state %s)", idx, exit, lv.State)
	}
	p := d(price)
	return &types.OrderEvent{
		Symbol:        "BTCUSDT",
		OrderID:       id,
		Status:        types.StatusFilled,
		Side:          side,
		Type:          types.OrderTypeLimit,
		Price:         p,
		LastFilledQty: qty,
		CumulativeQty: qty,
		AvgPrice:      p,
		Time:          testStart,
	}
}
