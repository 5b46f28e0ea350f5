package trader

import (
	"testing"

	"astergrid/trader/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const orderTradeUpdate = `{
  "e":"ORDER_TRADE_UPDATE","E":1700000000123,"T":1700000000120,
  "o":{"s":"BTCUSDT","c":"g3-01HABC","S":"BUY","o":"LIMIT","f":"GTC","q":"0.705","p":"99.28",
       "ap":"99.28","sp":"0","x":"TRADE","X":"PARTIALLY_FILLED","i":8886774,"l":"0.300","z":"0.300",
       "L":"99.27","N":"USDT","n":"0.01","T":1700000000119,"t":987654,"b":"0","a":"0","m":true,
       "R":false,"wt":"CONTRACT_PRICE","ot":"LIMIT","ps":"BOTH","cp":false,"rp":"0"}
}`

const accountUpdate = `{
  "e":"ACCOUNT_UPDATE","E":1700000000500,"T":1700000000499,
  "a":{"m":"ORDER",
       "B":[{"a":"USDT","wb":"512.30","cw":"500.00","bc":"0"},{"a":"BNB","wb":"1.0","cw":"1.0","bc":"0"}],
       "P":[{"s":"BTCUSDT","pa":"0.300","ep":"99.27","cr":"0","up":"0.45","mt":"cross","iw":"0","ps":"BOTH"},
            {"s":"ETHUSDT","pa":"1","ep":"2000","cr":"0","up":"0","mt":"cross","iw":"0","ps":"BOTH"}]}
}`

func TestDecodeUserEvent_OrderTradeUpdate(t *testing.T) {
	events, err := DecodeUserEvent([]byte(orderTradeUpdate), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev, ok := events[0].(*types.OrderEvent)
	require.True(t, ok)
	assert.Equal(t, "8886774", ev.OrderID)
	assert.Equal(t, "g3-01HABC", ev.ClientOrderID)
	assert.Equal(t, types.StatusPartiallyFilled, ev.Status, "X is the status, x the execution type")
	assert.Equal(t, types.SideBuy, ev.Side)
	assert.Equal(t, types.OrderTypeLimit, ev.Type)
	assert.True(t, ev.Price.Equal(decimal.RequireFromString("99.27")), "last fill price preferred")
	assert.True(t, ev.LastFilledQty.Equal(decimal.RequireFromString("0.3")))
	assert.True(t, ev.CumulativeQty.Equal(decimal.RequireFromString("0.3")))
	assert.Equal(t, int64(1700000000119), ev.Time.UnixMilli(), "trade time, not trade id")
}

func TestDecodeUserEvent_NewOrderUsesOrderPrice(t *testing.T) {
	msg := `{"e":"ORDER_TRADE_UPDATE","E":1,"o":{"s":"BTCUSDT","c":"x","S":"SELL","o":"LIMIT","p":"100.71",
	"x":"NEW","X":"NEW","i":5,"l":"0","z":"0","L":"0","R":true}}`

	events, err := DecodeUserEvent([]byte(msg), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, events, 1)
	ev := events[0].(*types.OrderEvent)
	assert.Equal(t, types.StatusNew, ev.Status)
	assert.True(t, ev.Price.Equal(decimal.RequireFromString("100.71")))
	assert.True(t, ev.ReduceOnly)
}

func TestDecodeUserEvent_AccountUpdate(t *testing.T) {
	events, err := DecodeUserEvent([]byte(accountUpdate), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, events, 3, "two balances and the BTCUSDT position")

	var balances []*types.BalanceEvent
	var positions []*types.PositionEvent
	for _, ev := range events {
		switch e := ev.(type) {
		case *types.BalanceEvent:
			balances = append(balances, e)
		case *types.PositionEvent:
			positions = append(positions, e)
		}
	}

	require.Len(t, balances, 2)
	assert.Equal(t, "USDT", balances[0].Asset)
	assert.True(t, balances[0].WalletBalance.Equal(decimal.RequireFromString("512.3")))
	assert.True(t, balances[0].CrossWalletBalance.Equal(decimal.NewFromInt(500)))

	require.Len(t, positions, 1)
	assert.Equal(t, "BTCUSDT", positions[0].Symbol)
	assert.True(t, positions[0].Amount.Equal(decimal.RequireFromString("0.3")))
	assert.True(t, positions[0].UnrealizedPnL.Equal(decimal.RequireFromString("0.45")))
}

func TestDecodeUserEvent_Filtering(t *testing.T) {
	other := `{"e":"ORDER_TRADE_UPDATE","E":1,"o":{"s":"ETHUSDT","S":"BUY","X":"NEW","i":1}}`
	events, err := DecodeUserEvent([]byte(other), "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, events)

	events, err = DecodeUserEvent([]byte(`{"e":"MARGIN_CALL","E":1}`), "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, events)

	_, err = DecodeUserEvent([]byte(`{"e":"listenKeyExpired","E":1}`), "BTCUSDT")
	assert.ErrorIs(t, err, ErrListenKeyExpired)

	_, err = DecodeUserEvent([]byte(`not json`), "BTCUSDT")
	assert.Error(t, err)

	bad := `{"e":"ORDER_TRADE_UPDATE","E":1,"o":{"s":"BTCUSDT","S":"BUY","X":"WEIRD","i":1}}`
	_, err = DecodeUserEvent([]byte(bad), "BTCUSDT")
	assert.Error(t, err, "unknown status is rejected at the boundary")
}
