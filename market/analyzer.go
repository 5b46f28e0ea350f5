package market

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"astergrid/config"
	"astergrid/logger"
	"astergrid/trader/types"

	"github.com/shopspring/decimal"
)

const (
	atrPeriod     = 14
	rsiPeriod     = 14
	volumePeriod  = 20
	minCandles    = 30
	volumeConfirm = 1.2
)

// ErrInsufficientData is returned when too few candles are available
var ErrInsufficientData = errors.New("not enough candles for analysis")

// Trend is the EMA based trend direction
type Trend string

const (
	TrendUp   Trend = "UP"
	TrendDown Trend = "DOWN"
	TrendFlat Trend = "FLAT"
)

// Recommendation is the suggested grid side
type Recommendation string

const (
	RecommendLong  Recommendation = "LONG"
	RecommendShort Recommendation = "SHORT"
	RecommendStay  Recommendation = "STAY"
)

// Mode maps a directional recommendation onto a trading mode
func (r Recommendation) Mode() (types.TradingMode, bool) {
	switch r {
	case RecommendLong:
		return types.ModeLong, true
	case RecommendShort:
		return types.ModeShort, true
	}
	return "", false
}

// State market regime classification
type State string

const (
	StateUnknown           State = "UNKNOWN"
	StateRangingStable     State = "RANGING_STABLE"
	StateRangingVolatile   State = "RANGING_VOLATILE"
	StateTrendingUp        State = "TRENDING_UP"
	StateTrendingDown      State = "TRENDING_DOWN"
	StateExtremeVolatility State = "EXTREME_VOLATILITY"
)

// Analysis is one market snapshot
type Analysis struct {
	Symbol string
	At     time.Time

	Price             decimal.Decimal
	ATR               decimal.Decimal
	State             State
	Trend             Trend
	Score             int // [-4, 4]
	VolatilityPercent float64
	Recommended       Recommendation
	TakeProfitPercent decimal.Decimal

	EMAFast       float64
	EMASlow       float64
	RSI           float64
	MACD          float64
	MACDSignal    float64
	MACDHistogram float64
	SMA20         float64
	SMA50         float64
	VolumeRatio   float64
}

// Extreme reports whether volatility calls for pausing entries
func (a *Analysis) Extreme() bool {
	return a.State == StateExtremeVolatility
}

func (a *Analysis) String() string {
	return fmt.Sprintf("%s price=%s trend=%s score=%+d vol=%.2f%% rsi=%.1f macdHist=%.4f -> %s (tp %s%%)",
		a.State, a.Price, a.Trend, a.Score, a.VolatilityPercent, a.RSI, a.MACDHistogram, a.Recommended, a.TakeProfitPercent)
}

// TrailingExit is the volatility based exit proposal for a position
type TrailingExit struct {
	UseTrailing bool
	StopPrice   decimal.Decimal
	// FallbackPrice is the trend informed fixed exit; zero when no trend data
	FallbackPrice     decimal.Decimal
	TakeProfitPercent decimal.Decimal
}

// CandleSource supplies klines
type CandleSource interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]types.Candle, error)
}

// Analyzer computes trend, volatility and take-profit signals from klines
type Analyzer struct {
	src CandleSource
	cfg config.StrategyConfig
	now func() time.Time

	mu     sync.Mutex
	last   *Analysis
	lastAt time.Time

	// re-grid and side switch bookkeeping
	pendingRegrid int
	lastRegrid    time.Time
	pendingSwitch types.TradingMode
	switchCount   int
}

// NewAnalyzer creates an analyzer reading klines from src
func NewAnalyzer(src CandleSource, cfg config.StrategyConfig) *Analyzer {
	return &Analyzer{src: src, cfg: cfg, now: time.Now}
}

// Candles fetches the configured kline window
func (a *Analyzer) Candles(ctx context.Context, symbol string) ([]types.Candle, error) {
	return a.src.GetKlines(ctx, symbol, a.cfg.KlineInterval, a.cfg.KlineLimit)
}

// Analyze fetches fresh klines and evaluates them
func (a *Analyzer) Analyze(ctx context.Context, symbol string) (*Analysis, error) {
	candles, err := a.Candles(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("analyze %s: %w", symbol, err)
	}

	analysis, err := a.Evaluate(symbol, candles)
	if err != nil {
		return nil, fmt.Errorf("analyze %s: %w", symbol, err)
	}

	a.mu.Lock()
	a.last = analysis
	a.lastAt = a.now()
	a.mu.Unlock()

	logger.Infof("[Market] %s", analysis)
	return analysis, nil
}

// Latest returns the cached analysis while it is younger than the cache
// TTL, otherwise analyzes again
func (a *Analyzer) Latest(ctx context.Context, symbol string) (*Analysis, error) {
	a.mu.Lock()
	last, at := a.last, a.lastAt
	a.mu.Unlock()

	if last != nil && last.Symbol == symbol && a.now().Sub(at) < a.cfg.AnalysisCacheTTL {
		return last, nil
	}
	return a.Analyze(ctx, symbol)
}

// Evaluate computes an analysis from candles, oldest first
func (a *Analyzer) Evaluate(symbol string, candles []types.Candle) (*Analysis, error) {
	if len(candles) < minCandles {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientData, len(candles), minCandles)
	}

	s := SeriesFrom(candles)
	price := candles[len(candles)-1].Close
	priceF := s.Closes[len(s.Closes)-1]
	if priceF <= 0 {
		return nil, fmt.Errorf("non-positive close price %s", price)
	}

	atr := ATR(s.Highs, s.Lows, s.Closes, atrPeriod)
	macd := MACD(s.Closes, 12, 26, 9)

	an := &Analysis{
		Symbol:        symbol,
		At:            candles[len(candles)-1].OpenTime,
		Price:         price,
		ATR:           decimal.NewFromFloat(atr),
		EMAFast:       EMA(s.Closes, a.cfg.EMAFast),
		EMASlow:       EMA(s.Closes, a.cfg.EMASlow),
		RSI:           RSI(s.Closes, rsiPeriod),
		MACD:          macd.MACD,
		MACDSignal:    macd.Signal,
		MACDHistogram: macd.Histogram,
		SMA20:         SMA(s.Closes, 20),
		SMA50:         SMA(s.Closes, 50),
		VolumeRatio:   VolumeRatio(s.Volumes, volumePeriod),
	}
	an.VolatilityPercent = atr / priceF * 100

	switch {
	case an.EMAFast > an.EMASlow*1.015:
		an.Trend = TrendUp
	case an.EMAFast < an.EMASlow*0.985:
		an.Trend = TrendDown
	default:
		an.Trend = TrendFlat
	}

	an.Score = trendScore(an)
	an.Recommended = recommend(an.Score, a.cfg.MinSwitchScore)
	an.State = classify(an, a.cfg.ExtremeVolatilityPct)
	an.TakeProfitPercent = takeProfitPercent(an)

	return an, nil
}

// trendScore sums EMA, MACD, RSI and volume confirmation votes
func trendScore(an *Analysis) int {
	ema := 0
	switch {
	case an.EMAFast > an.EMASlow*1.005:
		ema = 1
	case an.EMAFast < an.EMASlow*0.995:
		ema = -1
	}

	macd := 0
	switch {
	case an.MACDHistogram > 0:
		macd = 1
	case an.MACDHistogram < 0:
		macd = -1
	}

	rsi := 0
	switch {
	case an.RSI > 55:
		rsi = 1
	case an.RSI < 45:
		rsi = -1
	}

	// volume only confirms a direction the others already show
	volume := 0
	if an.VolumeRatio > volumeConfirm {
		other := ema + macd + rsi
		switch {
		case other > 0:
			volume = 1
		case other < 0:
			volume = -1
		}
	}

	return ema + macd + rsi + volume
}

func recommend(score, minScore int) Recommendation {
	if minScore <= 0 {
		minScore = 1
	}
	switch {
	case score >= minScore:
		return RecommendLong
	case score <= -minScore:
		return RecommendShort
	}
	return RecommendStay
}

func classify(an *Analysis, extremePct float64) State {
	if extremePct <= 0 {
		extremePct = 10
	}
	switch {
	case an.VolatilityPercent > extremePct:
		return StateExtremeVolatility
	case an.VolatilityPercent > extremePct/2:
		return StateRangingVolatile
	case an.Trend == TrendUp:
		return StateTrendingUp
	case an.Trend == TrendDown:
		return StateTrendingDown
	}
	return StateRangingStable
}

// takeProfitPercent quick exits near overbought or in weakness, longer holds when oversold
func takeProfitPercent(an *Analysis) decimal.Decimal {
	switch {
	case an.RSI > 65:
		return decimal.NewFromInt(1)
	case an.RSI < 40:
		return decimal.RequireFromString("2.5")
	case an.MACDHistogram > 0 && an.Trend == TrendUp:
		return decimal.NewFromInt(2)
	case an.MACDHistogram < 0 || an.Trend == TrendDown:
		return decimal.NewFromInt(1)
	}
	return decimal.RequireFromString("1.5")
}

// TrailingExit proposes an ATR stop for a position opened on entrySide at
// entry. The stop trails the extreme of the recent window and is only used
// once it already locks in profit.
func (a *Analyzer) TrailingExit(entry decimal.Decimal, entrySide types.OrderSide, candles []types.Candle) TrailingExit {
	var out TrailingExit

	if an, err := a.Evaluate("", candles); err == nil {
		out.TakeProfitPercent = an.TakeProfitPercent
		out.FallbackPrice = ApplyPercent(entry, entrySide, an.TakeProfitPercent)
	}

	if len(candles) < atrPeriod {
		return out
	}
	s := SeriesFrom(candles)
	atr := ATR(s.Highs, s.Lows, s.Closes, atrPeriod)
	if atr <= 0 {
		return out
	}
	mult := a.cfg.ATRMultiplier
	if mult <= 0 {
		mult = 2
	}

	if entrySide == types.SideBuy {
		out.StopPrice = decimal.NewFromFloat(Highest(s.Highs, atrPeriod) - atr*mult)
		out.UseTrailing = out.StopPrice.GreaterThan(entry)
	} else {
		out.StopPrice = decimal.NewFromFloat(Lowest(s.Lows, atrPeriod) + atr*mult)
		out.UseTrailing = out.StopPrice.IsPositive() && out.StopPrice.LessThan(entry)
	}
	return out
}

// ApplyPercent moves price by pct in the profitable direction of entrySide
func ApplyPercent(price decimal.Decimal, entrySide types.OrderSide, pct decimal.Decimal) decimal.Decimal {
	factor := pct.Div(decimal.NewFromInt(100))
	if entrySide == types.SideBuy {
		return price.Mul(decimal.NewFromInt(1).Add(factor))
	}
	return price.Mul(decimal.NewFromInt(1).Sub(factor))
}
