package market

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"astergrid/config"
	"astergrid/trader/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCandles struct {
	candles []types.Candle
	err     error
	calls   atomic.Int32
}

func (f *fakeCandles) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]types.Candle, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.candles, nil
}

// makeCandles builds n hourly candles from a close function with a fixed
// high/low spread around the close
func makeCandles(n int, closeAt func(i int) float64, spread float64) []types.Candle {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]types.Candle, n)
	for i := 0; i < n; i++ {
		c := closeAt(i)
		candles[i] = types.Candle{
			OpenTime: start.Add(time.Duration(i) * time.Hour),
			Open:     decimal.NewFromFloat(c),
			High:     decimal.NewFromFloat(c + spread),
			Low:      decimal.NewFromFloat(c - spread),
			Close:    decimal.NewFromFloat(c),
			Volume:   decimal.NewFromInt(1000),
		}
	}
	return candles
}

func uptrend() []types.Candle {
	return makeCandles(100, func(i int) float64 { return 100 + float64(i) + 0.01*float64(i*i) }, 1)
}

func downtrend() []types.Candle {
	return makeCandles(100, func(i int) float64 { return 300 - float64(i) - 0.01*float64(i*i) }, 1)
}

func sideways() []types.Candle {
	return makeCandles(100, func(i int) float64 { return 100 + float64(i%2) }, 0.5)
}

func testStrategy() config.StrategyConfig {
	return config.Default().Strategy
}

func TestAnalyzer_Evaluate(t *testing.T) {
	a := NewAnalyzer(&fakeCandles{}, testStrategy())

	tests := []struct {
		name      string
		candles   []types.Candle
		trend     Trend
		recommend Recommendation
		state     State
		tp        string
	}{
		{"uptrend", uptrend(), TrendUp, RecommendLong, StateTrendingUp, "1"},
		{"downtrend", downtrend(), TrendDown, RecommendShort, StateTrendingDown, "2.5"},
		{"sideways", sideways(), TrendFlat, RecommendStay, StateRangingStable, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			an, err := a.Evaluate("BTCUSDT", tt.candles)
			require.NoError(t, err)
			assert.Equal(t, tt.trend, an.Trend)
			assert.Equal(t, tt.recommend, an.Recommended)
			assert.Equal(t, tt.state, an.State)
			assert.GreaterOrEqual(t, an.Score, -4)
			assert.LessOrEqual(t, an.Score, 4)
			if tt.tp != "" {
				assert.True(t, an.TakeProfitPercent.Equal(decimal.RequireFromString(tt.tp)),
					"tp %s", an.TakeProfitPercent)
			}
			assert.True(t, an.Price.Equal(tt.candles[len(tt.candles)-1].Close))
		})
	}
}

func TestAnalyzer_ExtremeVolatility(t *testing.T) {
	a := NewAnalyzer(&fakeCandles{}, testStrategy())
	wild := makeCandles(100, func(i int) float64 { return 100 }, 20)

	an, err := a.Evaluate("BTCUSDT", wild)
	require.NoError(t, err)
	assert.InDelta(t, 40.0, an.VolatilityPercent, 1e-6)
	assert.True(t, an.Extreme())
}

func TestAnalyzer_InsufficientData(t *testing.T) {
	a := NewAnalyzer(&fakeCandles{}, testStrategy())
	_, err := a.Evaluate("BTCUSDT", uptrend()[:10])
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestAnalyzer_LatestUsesCache(t *testing.T) {
	src := &fakeCandles{candles: uptrend()}
	a := NewAnalyzer(src, testStrategy())
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := a.Latest(ctx, "BTCUSDT")
	require.NoError(t, err)
	_, err = a.Latest(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.calls.Load())

	now = now.Add(6 * time.Minute)
	_, err = a.Latest(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.calls.Load(), "expired cache refreshes")
}

func TestAnalyzer_TrailingExit(t *testing.T) {
	a := NewAnalyzer(&fakeCandles{}, testStrategy())

	t.Run("long stop above entry trails", func(t *testing.T) {
		exit := a.TrailingExit(decimal.NewFromInt(150), types.SideBuy, uptrend())
		assert.True(t, exit.UseTrailing)
		assert.True(t, exit.StopPrice.GreaterThan(decimal.NewFromInt(150)))
		assert.True(t, exit.StopPrice.LessThan(decimal.NewFromInt(299)))
	})

	t.Run("long stop below entry falls back", func(t *testing.T) {
		entry := decimal.NewFromInt(296)
		exit := a.TrailingExit(entry, types.SideBuy, uptrend())
		assert.False(t, exit.UseTrailing)
		// RSI is pinned at 100 so the trend take profit is 1%
		assert.True(t, exit.FallbackPrice.Equal(decimal.RequireFromString("298.96")), "got %s", exit.FallbackPrice)
	})

	t.Run("short stop below entry trails", func(t *testing.T) {
		exit := a.TrailingExit(decimal.NewFromInt(250), types.SideSell, downtrend())
		assert.True(t, exit.UseTrailing)
		assert.True(t, exit.StopPrice.LessThan(decimal.NewFromInt(250)))
		assert.True(t, exit.FallbackPrice.LessThan(decimal.NewFromInt(250)))
	})

	t.Run("no candles", func(t *testing.T) {
		exit := a.TrailingExit(decimal.NewFromInt(100), types.SideBuy, nil)
		assert.False(t, exit.UseTrailing)
		assert.True(t, exit.FallbackPrice.IsZero())
	})
}

func TestApplyPercent(t *testing.T) {
	price := decimal.NewFromInt(200)
	assert.True(t, ApplyPercent(price, types.SideBuy, decimal.RequireFromString("1.5")).Equal(decimal.NewFromInt(203)))
	assert.True(t, ApplyPercent(price, types.SideSell, decimal.RequireFromString("1.5")).Equal(decimal.NewFromInt(197)))
}

func TestRecommendationMode(t *testing.T) {
	m, ok := RecommendLong.Mode()
	assert.True(t, ok)
	assert.Equal(t, types.ModeLong, m)
	m, ok = RecommendShort.Mode()
	assert.True(t, ok)
	assert.Equal(t, types.ModeShort, m)
	_, ok = RecommendStay.Mode()
	assert.False(t, ok)
}

func TestAnalyzer_AnalyzeError(t *testing.T) {
	a := NewAnalyzer(&fakeCandles{err: errors.New("boom")}, testStrategy())
	_, err := a.Analyze(context.Background(), "BTCUSDT")
	assert.Error(t, err)
}
