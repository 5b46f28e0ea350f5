package manager

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"astergrid/config"
	"astergrid/kernel"
	"astergrid/notify"
	"astergrid/trader/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// memExchange is an in-memory venue recording writes
type memExchange struct {
	mu        sync.Mutex
	price     decimal.Decimal
	balance   decimal.Decimal
	positions []types.Position
	open      map[string]types.Order
	placed    []types.OrderRequest
	status    map[string]types.OrderStatus
	seq       int

	leverage   int
	marginType string
}

func newMemExchange() *memExchange {
	return &memExchange{
		price:   d("100"),
		balance: d("500"),
		open:    make(map[string]types.Order),
		status:  make(map[string]types.OrderStatus),
	}
}

func (m *memExchange) PlaceOrder(_ context.Context, req types.OrderRequest) (*types.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := fmt.Sprintf("%d", 5000+m.seq)
	m.placed = append(m.placed, req)
	m.open[id] = types.Order{
		OrderID: id, ClientOrderID: req.ClientOrderID, Symbol: req.Symbol, Side: req.Side, Type: req.Type,
		Status: types.StatusNew, Price: req.Price, StopPrice: req.StopPrice, Quantity: req.Quantity, ReduceOnly: req.ReduceOnly,
	}
	return &types.OrderResult{OrderID: id, ClientOrderID: req.ClientOrderID, Status: types.StatusNew}, nil
}

func (m *memExchange) CancelOrder(_ context.Context, _ string, orderID string) error {
	m.mu.Lock()
	delete(m.open, orderID)
	m.mu.Unlock()
	return nil
}

func (m *memExchange) CancelAllOrders(context.Context, string) error {
	m.mu.Lock()
	m.open = make(map[string]types.Order)
	m.mu.Unlock()
	return nil
}

func (m *memExchange) GetOrder(_ context.Context, _ string, orderID string) (*types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.open[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s not found", orderID)
	}
	if st, ok := m.status[orderID]; ok {
		o.Status = st
		o.ExecutedQty = o.Quantity
		o.AvgPrice = o.Price
	}
	return &o, nil
}

func (m *memExchange) GetOrderByClientID(_ context.Context, _ string, clientID string) (*types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.open {
		if o.ClientOrderID == clientID {
			return &o, nil
		}
	}
	return nil, fmt.Errorf("order %s not found", clientID)
}

func (m *memExchange) GetOpenOrders(context.Context, string) ([]types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Order, 0, len(m.open))
	for _, o := range m.open {
		out = append(out, o)
	}
	return out, nil
}

func (m *memExchange) GetPositions(context.Context, string) ([]types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Position(nil), m.positions...), nil
}

func (m *memExchange) GetBalances(context.Context) ([]types.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return []types.Balance{{Asset: "USDT", WalletBalance: m.balance, AvailableBalance: m.balance}}, nil
}

func (m *memExchange) GetKlines(context.Context, string, string, int) ([]types.Candle, error) {
	return nil, nil
}

func (m *memExchange) GetTickerPrice(context.Context, string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.price, nil
}

func (m *memExchange) SymbolRules(_ context.Context, symbol string) (types.SymbolRules, error) {
	return types.SymbolRules{Symbol: symbol, TickSize: d("0.01"), StepSize: d("0.001"), MinNotional: d("5")}, nil
}

func (m *memExchange) SetLeverage(_ context.Context, _ string, leverage int) error {
	m.mu.Lock()
	m.leverage = leverage
	m.mu.Unlock()
	return nil
}

func (m *memExchange) SetMarginType(_ context.Context, _ string, marginType string) error {
	m.mu.Lock()
	m.marginType = marginType
	m.mu.Unlock()
	return nil
}

func (m *memExchange) placements() []types.OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.OrderRequest(nil), m.placed...)
}

// chanStream forwards test events into the bot
type chanStream struct {
	events chan types.Event
}

func (s *chanStream) Run(ctx context.Context, out chan<- types.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.events:
			out <- ev
		}
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingSink) Notify(ev notify.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingSink) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		out = append(out, ev.Name())
	}
	return out
}

func (r *recordingSink) alerts() []notify.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Alert
	for _, ev := range r.events {
		if a, ok := ev.(notify.Alert); ok {
			out = append(out, a)
		}
	}
	return out
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Trading.Symbol = "BTCUSDT"
	cfg.Grid.Count = 10
	cfg.Grid.RangePercent = d("10")
	cfg.Grid.PlacementDelay = 0
	cfg.Grid.DriftInterval = time.Hour
	cfg.Risk.CheckInterval = time.Hour
	cfg.Strategy.CheckInterval = time.Hour
	return cfg
}

func newTestBot(ex *memExchange, stream types.EventStream, sink notify.Sink) *GridBot {
	return New(testConfig(), Deps{Exchange: ex, Setup: ex, Stream: stream, Notifier: sink})
}

func TestGridBot_RunLifecycle(t *testing.T) {
	ex := newMemExchange()
	sink := &recordingSink{}
	stream := &chanStream{events: make(chan types.Event)}
	bot := newTestBot(ex, stream, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bot.Run(ctx) }()

	require.Eventually(t, func() bool { return len(ex.placements()) == 5 }, 2*time.Second, 10*time.Millisecond)
	ex.mu.Lock()
	assert.Equal(t, 2, ex.leverage)
	assert.Equal(t, "CROSSED", ex.marginType)
	ex.mu.Unlock()
	for _, p := range ex.placements() {
		assert.Equal(t, types.SideBuy, p.Side)
		assert.True(t, p.Price.LessThan(d("100")))
	}
	assert.True(t, bot.Snapshot().InitialBalance.Equal(d("500")))
	assert.Equal(t, "RUNNING", bot.Status().State)

	// fill the nearest entry and expect a reduce-only exit one rung up
	var entry kernel.LevelView
	for _, lv := range bot.Levels() {
		if lv.EntryOrderID != "" && lv.Price.GreaterThan(entry.Price) {
			entry = lv
		}
	}
	require.NotEmpty(t, entry.EntryOrderID)
	qty := ex.placements()[0].Quantity
	for _, p := range ex.placements() {
		if p.Price.Equal(entry.Price) {
			qty = p.Quantity
		}
	}
	stream.events <- &types.OrderEvent{
		Symbol: "BTCUSDT", OrderID: entry.EntryOrderID, Status: types.StatusFilled, Side: types.SideBuy,
		Type: types.OrderTypeLimit, Price: entry.Price, LastFilledQty: qty, CumulativeQty: qty, AvgPrice: entry.Price,
	}
	require.Eventually(t, func() bool {
		for _, p := range ex.placements() {
			if p.ReduceOnly {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	exit := ex.placements()[len(ex.placements())-1]
	assert.Equal(t, types.SideSell, exit.Side)
	assert.True(t, exit.Quantity.Equal(qty))
	assert.True(t, exit.Price.GreaterThan(entry.Price))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.Equal(t, "shutdown requested", bot.StopReason())
	names := sink.names()
	require.NotEmpty(t, names)
	assert.Contains(t, names, "bot_started")
	assert.Equal(t, "bot_stopped", names[len(names)-1])
	// orders stay on the exchange for the next start to reconcile
	open, _ := ex.GetOpenOrders(context.Background(), "BTCUSDT")
	assert.NotEmpty(t, open)
}

func TestGridBot_OutboxOutlivesSession(t *testing.T) {
	ex := newMemExchange()
	sink := &recordingSink{}
	bot := newTestBot(ex, nil, sink)

	var stoppedSeen bool
	bot.AddOutbox(ServiceFunc(func(ctx context.Context) error {
		<-ctx.Done()
		for _, n := range sink.names() {
			if n == "bot_stopped" {
				stoppedSeen = true
			}
		}
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bot.Run(ctx) }()
	require.Eventually(t, func() bool { return len(ex.placements()) > 0 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.True(t, stoppedSeen, "outbox stopped only after the final report")
}

func TestGridBot_FundingAlert(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rate := d("0.002")
	sink := &recordingSink{}
	bot := New(testConfig(), Deps{
		Exchange: newMemExchange(),
		Funding:  fundingFunc(func() decimal.Decimal { return rate }),
		Notifier: sink,
		Now:      func() time.Time { return now },
	})
	ctx := context.Background()

	bot.checkFunding(ctx)
	require.Len(t, sink.alerts(), 1)
	assert.Contains(t, sink.alerts()[0].Message, "`0.2000%`")

	// cooldown
	bot.checkFunding(ctx)
	assert.Len(t, sink.alerts(), 1)

	// shorts collect positive funding
	now = now.Add(5 * time.Hour)
	bot.engine.Configure(bot.engine.Config().WithMode(types.ModeShort))
	bot.checkFunding(ctx)
	assert.Len(t, sink.alerts(), 1)

	rate = d("-0.0005")
	bot.checkFunding(ctx)
	assert.Len(t, sink.alerts(), 1, "below threshold")

	rate = d("-0.003")
	bot.checkFunding(ctx)
	assert.Len(t, sink.alerts(), 2)
}

type fundingFunc func() decimal.Decimal

func (f fundingFunc) FundingRate(context.Context, string) (decimal.Decimal, error) { return f(), nil }

func TestGridBot_MarkPriceSpike(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	sink := &recordingSink{}
	bot := New(testConfig(), Deps{Exchange: newMemExchange(), Notifier: sink, Now: func() time.Time { return now }})

	bot.onMarkPrice(d("100"))
	now = now.Add(time.Minute)
	bot.onMarkPrice(d("101"))
	assert.Empty(t, sink.alerts())

	now = now.Add(time.Minute)
	bot.onMarkPrice(d("96"))
	alerts := sink.alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "Price spike", alerts[0].Title)
	assert.True(t, strings.Contains(alerts[0].Message, "down"))

	snap := bot.Snapshot()
	assert.True(t, snap.SessionHigh.Equal(d("101")))
	assert.True(t, snap.LastPrice.Equal(d("96")))
}

func TestGridBot_CatchUpReplaysMissedFills(t *testing.T) {
	ex := newMemExchange()
	bot := newTestBot(ex, nil, notify.Discard{})
	ctx := context.Background()

	_, err := kernel.NewReconciler(bot.engine).Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, bot.engine.PlaceEntries(ctx, d("100")))

	filled := ""
	for _, lv := range bot.Levels() {
		if lv.EntryOrderID != "" {
			filled = lv.EntryOrderID
			break
		}
	}
	ex.mu.Lock()
	ex.status[filled] = types.StatusFilled
	ex.positions = []types.Position{{Symbol: "BTCUSDT", Amount: d("0.7"), EntryPrice: d("95")}}
	ex.mu.Unlock()

	out := make(chan types.Event, 16)
	bot.CatchUp(ctx, out)
	close(out)

	var orders, positions int
	for ev := range out {
		switch e := ev.(type) {
		case *types.OrderEvent:
			orders++
			assert.Equal(t, filled, e.OrderID)
			assert.Equal(t, types.StatusFilled, e.Status)
		case *types.PositionEvent:
			positions++
			assert.True(t, e.Amount.Equal(d("0.7")))
		}
	}
	assert.Equal(t, 1, orders)
	assert.Equal(t, 1, positions)
}

func TestGridBot_ControlSurface(t *testing.T) {
	ex := newMemExchange()
	bot := newTestBot(ex, nil, notify.Discard{})
	ctx := context.Background()

	assert.True(t, bot.Pause("test"))
	assert.Equal(t, "PAUSED", bot.Status().State)
	assert.True(t, bot.Resume(ctx, "test"))
	assert.Equal(t, "RUNNING", bot.Status().State)

	require.NoError(t, bot.SwitchSide(ctx, types.ModeShort, "test"))
	assert.Equal(t, "SHORT", bot.Status().Mode)
	assert.Error(t, bot.SwitchSide(ctx, types.TradingMode("SIDEWAYS"), "test"))

	grid := bot.Grid()
	assert.Len(t, grid.Levels, 10)
	assert.True(t, grid.Upper.GreaterThan(grid.Lower))

	pnl := bot.PnL()
	assert.True(t, pnl.Initial.Equal(d("300")), "configured capital before the session starts")
}

func TestGridBot_ReconcileCoversPosition(t *testing.T) {
	ex := newMemExchange()
	ex.positions = []types.Position{{Symbol: "BTCUSDT", Amount: d("0.5"), EntryPrice: d("97")}}
	ex.open["stale"] = types.Order{OrderID: "stale", Symbol: "BTCUSDT", Side: types.SideBuy, Price: d("90"), Quantity: d("0.7")}
	bot := newTestBot(ex, nil, notify.Discard{})

	report, err := bot.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Canceled)
	assert.Equal(t, 1, report.ExitsPlaced)

	placed := ex.placements()
	require.Len(t, placed, 1, "no entries outside a session")
	assert.True(t, placed[0].ReduceOnly)
	assert.Equal(t, types.SideSell, placed[0].Side)
	assert.True(t, placed[0].Quantity.Equal(d("0.5")))
	assert.True(t, bot.Engine().Config().Rules.TickSize.Equal(d("0.01")))
}
