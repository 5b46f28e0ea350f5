package kernel

import (
	"testing"
	"time"

	"astergrid/trader/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) (*Ledger, uint64) {
	t.Helper()
	g, levels := CalculateLevels(testConfig(), d("100"))
	l := NewLedger(d("500"), testStart)
	return l, l.Replace(g, levels)
}

func partial(id, price, qty, cum string) *types.OrderEvent {
	return &types.OrderEvent{
		Symbol: "BTCUSDT", OrderID: id, Status: types.StatusPartiallyFilled, Side: types.SideBuy,
		Price: d(price), LastFilledQty: d(qty), CumulativeQty: d(cum),
	}
}

func filled(id, price, qty, cum, avg string) *types.OrderEvent {
	return &types.OrderEvent{
		Symbol: "BTCUSDT", OrderID: id, Status: types.StatusFilled, Side: types.SideBuy,
		Price: d(price), LastFilledQty: d(qty), CumulativeQty: d(cum), AvgPrice: d(avg),
	}
}

func reserveAndBind(t *testing.T, l *Ledger, gen uint64, idx int, orderID string) Reservation {
	t.Helper()
	r, ok := l.ReserveEntry(gen, idx, "g"+orderID, types.OrderTypeLimit, d("4"), testStart)
	require.True(t, ok)
	require.True(t, l.Bind(r, orderID))
	return r
}

func TestLedger_WeightedAverageIndependentOfOrder(t *testing.T) {
	sequences := map[string][]*types.OrderEvent{
		"cheap last": {
			partial("A", "100", "1", "1"),
			filled("A", "98", "3", "4", "98.5"),
		},
		"cheap first": {
			partial("A", "98", "3", "3"),
			filled("A", "100", "1", "4", "98.5"),
		},
	}

	for name, events := range sequences {
		t.Run(name, func(t *testing.T) {
			l, gen := newTestLedger(t)
			reserveAndBind(t, l, gen, 2, "A")

			res, err := l.ApplyOrderEvent(events[0], d("5"), testStart)
			require.NoError(t, err)
			assert.Equal(t, FillPartial, res.Kind)

			res, err = l.ApplyOrderEvent(events[1], d("5"), testStart)
			require.NoError(t, err)
			assert.Equal(t, FillEntry, res.Kind)

			lv, _ := l.Level(2)
			assert.Equal(t, StatePositionHeld, lv.State)
			assert.True(t, lv.EntryPrice.Equal(d("98.5")), "entry %s", lv.EntryPrice)
			assert.True(t, lv.PositionQuantity.Equal(d("4")))
			assert.Equal(t, 1, lv.PartialFillCount)
			assert.Equal(t, 1, l.PositionsCount())
		})
	}
}

func TestLedger_PartialFills(t *testing.T) {
	t.Run("duplicate cumulative quantity is ignored", func(t *testing.T) {
		l, gen := newTestLedger(t)
		reserveAndBind(t, l, gen, 1, "B")

		res, err := l.ApplyOrderEvent(partial("B", "96", "1", "1"), d("5"), testStart)
		require.NoError(t, err)
		assert.Equal(t, FillPartial, res.Kind)

		res, err = l.ApplyOrderEvent(partial("B", "96", "1", "1"), d("5"), testStart)
		require.NoError(t, err)
		assert.Equal(t, FillIgnored, res.Kind)

		lv, _ := l.Level(1)
		assert.True(t, lv.PendingQuantity.Equal(d("1")))
		assert.Equal(t, StateEntryPlaced, lv.State)
	})

	t.Run("partial below min notional is ignored", func(t *testing.T) {
		l, gen := newTestLedger(t)
		reserveAndBind(t, l, gen, 1, "C")

		res, err := l.ApplyOrderEvent(partial("C", "96", "0.01", "0.01"), d("5"), testStart)
		require.NoError(t, err)
		assert.Equal(t, FillIgnored, res.Kind)

		// the final fill carries the exchange totals
		res, err = l.ApplyOrderEvent(filled("C", "96", "1", "1.01", "96"), d("5"), testStart)
		require.NoError(t, err)
		assert.Equal(t, FillEntry, res.Kind)
		assert.True(t, res.Quantity.Equal(d("1.01")), "qty %s", res.Quantity)
	})

	t.Run("cancel after partial keeps the position", func(t *testing.T) {
		l, gen := newTestLedger(t)
		reserveAndBind(t, l, gen, 0, "D")

		_, err := l.ApplyOrderEvent(partial("D", "95", "1", "1"), d("5"), testStart)
		require.NoError(t, err)

		res, err := l.ApplyOrderEvent(&types.OrderEvent{
			OrderID: "D", Status: types.StatusCanceled, Side: types.SideBuy, CumulativeQty: d("1"),
		}, d("5"), testStart)
		require.NoError(t, err)
		assert.Equal(t, FillEntryClosed, res.Kind)
		assert.True(t, res.Quantity.Equal(d("1")))

		lv, _ := l.Level(0)
		assert.Equal(t, StatePositionHeld, lv.State)
		assert.Equal(t, 1, l.PositionsCount())
	})

	t.Run("cancel without fills empties the level", func(t *testing.T) {
		l, gen := newTestLedger(t)
		reserveAndBind(t, l, gen, 0, "E")

		res, err := l.ApplyOrderEvent(&types.OrderEvent{
			OrderID: "E", Status: types.StatusExpired, Side: types.SideBuy,
		}, d("5"), testStart)
		require.NoError(t, err)
		assert.Equal(t, FillEntryClosed, res.Kind)

		lv, _ := l.Level(0)
		assert.Equal(t, StateEmpty, lv.State)
		assert.Zero(t, l.PositionsCount())
	})
}

func TestLedger_SnapshotAfterLivePartials(t *testing.T) {
	t.Run("filled snapshot counts the cumulative quantity once", func(t *testing.T) {
		l, gen := newTestLedger(t)
		reserveAndBind(t, l, gen, 2, "S")

		res, err := l.ApplyOrderEvent(partial("S", "100", "1", "1"), d("5"), testStart)
		require.NoError(t, err)
		require.Equal(t, FillPartial, res.Kind)

		// a replayed REST snapshot reports the executed total as its last fill
		res, err = l.ApplyOrderEvent(filled("S", "98.5", "4", "4", "98.5"), d("5"), testStart)
		require.NoError(t, err)
		assert.Equal(t, FillEntry, res.Kind)
		assert.True(t, res.Quantity.Equal(d("4")), "qty %s", res.Quantity)
		assert.True(t, res.EntryPrice.Equal(d("98.5")), "entry %s", res.EntryPrice)

		lv, _ := l.Level(2)
		assert.True(t, lv.PositionQuantity.Equal(d("4")))
		assert.True(t, lv.EntryPrice.Equal(d("98.5")))
	})

	t.Run("partial snapshot folds only the new quantity", func(t *testing.T) {
		l, gen := newTestLedger(t)
		reserveAndBind(t, l, gen, 2, "T")

		_, err := l.ApplyOrderEvent(partial("T", "100", "1", "1"), d("5"), testStart)
		require.NoError(t, err)
		res, err := l.ApplyOrderEvent(partial("T", "99", "3", "3"), d("5"), testStart)
		require.NoError(t, err)
		assert.Equal(t, FillPartial, res.Kind)
		assert.True(t, res.Quantity.Equal(d("2")), "qty %s", res.Quantity)

		lv, _ := l.Level(2)
		assert.True(t, lv.PendingQuantity.Equal(d("3")), "pending %s", lv.PendingQuantity)
	})

	t.Run("cancelled snapshot keeps the missed fills", func(t *testing.T) {
		l, gen := newTestLedger(t)
		reserveAndBind(t, l, gen, 2, "U")

		_, err := l.ApplyOrderEvent(partial("U", "100", "1", "1"), d("5"), testStart)
		require.NoError(t, err)
		res, err := l.ApplyOrderEvent(&types.OrderEvent{
			OrderID: "U", Status: types.StatusCanceled, Side: types.SideBuy,
			Price: d("99"), LastFilledQty: d("2"), CumulativeQty: d("2"), AvgPrice: d("99.5"),
		}, d("5"), testStart)
		require.NoError(t, err)
		assert.Equal(t, FillEntryClosed, res.Kind)
		assert.True(t, res.Quantity.Equal(d("2")), "qty %s", res.Quantity)
		assert.True(t, res.EntryPrice.Equal(d("99.5")), "entry %s", res.EntryPrice)
	})
}

func TestLedger_SideMismatchLeavesLevelUntouched(t *testing.T) {
	l, gen := newTestLedger(t)
	reserveAndBind(t, l, gen, 3, "F")

	ev := filled("F", "99", "1", "1", "99")
	ev.Side = types.SideSell
	_, err := l.ApplyOrderEvent(ev, d("5"), testStart)
	require.Error(t, err)

	lv, _ := l.Level(3)
	assert.Equal(t, StateEntryPlaced, lv.State)
	assert.Equal(t, "F", lv.EntryOrderID)
}

func TestLedger_EventBeforePlacementResponse(t *testing.T) {
	l, gen := newTestLedger(t)
	r, ok := l.ReserveEntry(gen, 3, "g3-early", types.OrderTypeMarket, d("0.7"), testStart)
	require.True(t, ok)

	ev := filled("777", "99.3", "0.7", "0.7", "99.3")
	ev.ClientOrderID = "g3-early"
	res, err := l.ApplyOrderEvent(ev, d("5"), testStart)
	require.NoError(t, err)
	assert.Equal(t, FillEntry, res.Kind)

	// the response arrives after the rung moved on; the order is not an orphan
	assert.True(t, l.Bind(r, "777"))

	lv, _ := l.Level(3)
	assert.Equal(t, StatePositionHeld, lv.State)
}

func TestLedger_BindAfterReplaceIsOrphan(t *testing.T) {
	l, gen := newTestLedger(t)
	r, ok := l.ReserveEntry(gen, 3, "g3-x", types.OrderTypeLimit, d("0.7"), testStart)
	require.True(t, ok)

	g, levels := CalculateLevels(testConfig(), d("100"))
	l.Replace(g, levels)
	assert.False(t, l.Bind(r, "888"))

	// reserving twice is refused
	gen = l.Generation()
	_, ok = l.ReserveEntry(gen, 2, "a", types.OrderTypeLimit, d("1"), testStart)
	require.True(t, ok)
	_, ok = l.ReserveEntry(gen, 2, "b", types.OrderTypeLimit, d("1"), testStart)
	assert.False(t, ok)
}

func TestLedger_ExitLifecycle(t *testing.T) {
	l, gen := newTestLedger(t)
	reserveAndBind(t, l, gen, 3, "G")
	_, err := l.ApplyOrderEvent(filled("G", "99.28", "0.7", "0.7", "99.28"), d("5"), testStart)
	require.NoError(t, err)

	r, side, qty, ok := l.ReserveExit(gen, 3, "x3-a", ExitSpec{Price: d("100.71"), Type: types.OrderTypeLimit}, testStart)
	require.True(t, ok)
	assert.Equal(t, types.SideSell, side)
	assert.True(t, qty.Equal(d("0.7")))
	require.True(t, l.Bind(r, "H"))

	// an exit rung never carries an entry at the same time
	lv, _ := l.Level(3)
	assert.Empty(t, lv.EntryOrderID)
	assert.Equal(t, "H", lv.ExitOrderID)

	res, err := l.ApplyOrderEvent(&types.OrderEvent{
		OrderID: "H", Status: types.StatusFilled, Side: types.SideSell,
		Price: d("100.71"), LastFilledQty: d("0.7"), CumulativeQty: d("0.7"), AvgPrice: d("100.71"),
	}, d("5"), testStart)
	require.NoError(t, err)
	assert.Equal(t, FillExit, res.Kind)
	assert.True(t, res.Realized.Equal(d("1.001")), "pnl %s", res.Realized)
	assert.True(t, l.Settled(gen, 3))

	// a redelivered fill is not counted twice
	res, err = l.ApplyOrderEvent(&types.OrderEvent{
		OrderID: "H", Status: types.StatusFilled, Side: types.SideSell,
		Price: d("100.71"), LastFilledQty: d("0.7"), CumulativeQty: d("0.7"), AvgPrice: d("100.71"),
	}, d("5"), testStart)
	require.NoError(t, err)
	assert.Equal(t, FillIgnored, res.Kind)

	snap := l.Snapshot()
	assert.True(t, snap.RealizedPnL.Equal(d("1.001")))
	assert.True(t, snap.DailyRealizedPnL.Equal(d("1.001")))
	assert.Equal(t, 1, snap.Trades)

	require.True(t, l.ResetSettled(gen, 3))
	lv, _ = l.Level(3)
	assert.Equal(t, StateEmpty, lv.State)
	assert.Zero(t, l.PositionsCount())
}

func TestLedger_ShortExitPnL(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = types.ModeShort
	g, levels := CalculateLevels(cfg, d("100"))
	l := NewLedger(d("500"), testStart)
	gen := l.Replace(g, levels)

	r, ok := l.ReserveEntry(gen, 5, "g5", types.OrderTypeLimit, d("1"), testStart)
	require.True(t, ok)
	require.True(t, l.Bind(r, "S1"))
	ev := filled("S1", "102", "1", "1", "102")
	ev.Side = types.SideSell
	_, err := l.ApplyOrderEvent(ev, d("5"), testStart)
	require.NoError(t, err)

	r, side, _, ok := l.ReserveExit(gen, 5, "x5", ExitSpec{Price: d("100"), Type: types.OrderTypeLimit}, testStart)
	require.True(t, ok)
	assert.Equal(t, types.SideBuy, side)
	require.True(t, l.Bind(r, "S2"))

	res, err := l.ApplyOrderEvent(&types.OrderEvent{
		OrderID: "S2", Status: types.StatusFilled, Side: types.SideBuy, Price: d("100"), AvgPrice: d("100"),
	}, d("5"), testStart)
	require.NoError(t, err)
	assert.True(t, res.Realized.Equal(d("2")), "pnl %s", res.Realized)
}

func TestLedger_ClearOrdersKeepsPositions(t *testing.T) {
	l, gen := newTestLedger(t)
	reserveAndBind(t, l, gen, 0, "I")
	reserveAndBind(t, l, gen, 1, "J")
	_, err := l.ApplyOrderEvent(filled("J", "96.42", "1", "1", "96.42"), d("5"), testStart)
	require.NoError(t, err)
	r, _, _, ok := l.ReserveExit(gen, 1, "x1", ExitSpec{Price: d("97.85"), Type: types.OrderTypeLimit}, testStart)
	require.True(t, ok)
	require.True(t, l.Bind(r, "K"))

	l.ClearOrders()

	lv0, _ := l.Level(0)
	lv1, _ := l.Level(1)
	assert.Equal(t, StateEmpty, lv0.State)
	assert.Equal(t, StatePositionHeld, lv1.State)
	assert.Empty(t, lv1.ExitOrderID)
	assert.Equal(t, 1, l.PositionsCount())

	res, err := l.ApplyOrderEvent(filled("I", "95", "1", "1", "95"), d("5"), testStart)
	require.NoError(t, err)
	assert.Equal(t, FillUnknown, res.Kind)
}

func TestLedger_ObservePosition(t *testing.T) {
	l, gen := newTestLedger(t)

	closed, _ := l.ObservePosition(d("0"), decimal.Zero)
	assert.False(t, closed, "flat to flat")

	reserveAndBind(t, l, gen, 2, "L")
	_, err := l.ApplyOrderEvent(filled("L", "97.85", "5", "5", "97.85"), d("5"), testStart)
	require.NoError(t, err)

	closed, _ = l.ObservePosition(d("5"), d("-1"))
	assert.False(t, closed)

	closed, prev := l.ObservePosition(d("0"), decimal.Zero)
	assert.True(t, closed)
	assert.True(t, prev.Equal(d("5")))

	held := l.HeldRungs()
	require.Len(t, held, 1)
	assert.Equal(t, 2, held[0].Index)
	assert.Empty(t, held[0].ExitOrderID)

	n, orphans := l.ResetHeld(held)
	assert.Equal(t, 1, n)
	assert.Empty(t, orphans)
	assert.Zero(t, l.PositionsCount())

	n, _ = l.ResetHeld(held)
	assert.Zero(t, n, "already reset")
}

func TestLedger_ResetHeldSkipsSettledExit(t *testing.T) {
	l, gen := newTestLedger(t)
	reserveAndBind(t, l, gen, 2, "M")
	_, err := l.ApplyOrderEvent(filled("M", "97.85", "5", "5", "97.85"), d("5"), testStart)
	require.NoError(t, err)

	r, _, qty, ok := l.ReserveExit(gen, 2, "x2-M", ExitSpec{Price: d("99.3"), Type: types.OrderTypeLimit}, testStart)
	require.True(t, ok)
	require.True(t, l.Bind(r, "MX"))

	held := l.HeldRungs()
	require.Len(t, held, 1)
	assert.Equal(t, "MX", held[0].ExitOrderID)

	// the exit fill lands between the flat position and the reset
	res, err := l.ApplyOrderEvent(&types.OrderEvent{
		Symbol: "BTCUSDT", OrderID: "MX", Status: types.StatusFilled, Side: types.SideSell,
		Price: d("99.3"), LastFilledQty: qty, CumulativeQty: qty, AvgPrice: d("99.3"),
	}, d("5"), testStart)
	require.NoError(t, err)
	require.Equal(t, FillExit, res.Kind)

	n, orphans := l.ResetHeld(held)
	assert.Zero(t, n)
	assert.Empty(t, orphans)
	assert.True(t, l.Settled(gen, 2))
	assert.Equal(t, 1, l.Snapshot().Trades)
}

func TestLedger_AdoptPrefersSameSideNearest(t *testing.T) {
	_, levels := CalculateLevels(testConfig(), d("100"))

	idx, ok := Adopt(levels, Holding{Side: types.SideBuy, EntryPrice: d("97.9"), Quantity: d("1")})
	require.True(t, ok)
	assert.Equal(t, 2, idx)

	// the next holding skips the occupied rung
	idx, ok = Adopt(levels, Holding{Side: types.SideBuy, EntryPrice: d("97.9"), Quantity: d("1")})
	require.True(t, ok)
	assert.NotEqual(t, 2, idx)
	assert.Equal(t, types.SideBuy, levels[idx].Side)

	_, ok = Adopt(levels, Holding{Side: types.SideBuy, EntryPrice: d("97.9")})
	assert.False(t, ok, "zero quantity")
}

func TestDrawdownPercent(t *testing.T) {
	tests := []struct {
		name                         string
		initial, current, unrealized string
		want                         string
	}{
		{"loss", "500", "450", "-20", "14"},
		{"profit clamps to zero", "500", "520", "0", "0"},
		{"break even", "500", "490", "10", "0"},
		{"no reference", "0", "100", "0", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DrawdownPercent(d(tt.initial), d(tt.current), d(tt.unrealized))
			assert.True(t, got.Equal(d(tt.want)), "got %s", got)
			assert.False(t, got.IsNegative())
		})
	}
}

func TestLedger_DailyWindowRolls(t *testing.T) {
	l, gen := newTestLedger(t)
	reserveAndBind(t, l, gen, 3, "M")
	_, err := l.ApplyOrderEvent(filled("M", "100", "1", "1", "100"), d("5"), testStart)
	require.NoError(t, err)
	r, _, _, _ := l.ReserveExit(gen, 3, "x3", ExitSpec{Price: d("90"), Type: types.OrderTypeStopMarket}, testStart)
	require.True(t, l.Bind(r, "N"))
	_, err = l.ApplyOrderEvent(&types.OrderEvent{
		OrderID: "N", Status: types.StatusFilled, Side: types.SideSell, Price: d("90"),
	}, d("5"), testStart)
	require.NoError(t, err)

	snap := l.Snapshot()
	assert.True(t, snap.DailyLossPercent.Equal(d("2")), "daily %s", snap.DailyLossPercent)

	l.RollDaily(testStart.Add(25 * time.Hour))
	snap = l.Snapshot()
	assert.True(t, snap.DailyLossPercent.IsZero())
	assert.True(t, snap.RealizedPnL.Equal(d("-10")))
}
