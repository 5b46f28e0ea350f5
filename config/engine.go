package config

import (
	"time"

	"astergrid/trader/types"

	"github.com/shopspring/decimal"
)

// RebalanceMode selects the reaction to fills
type RebalanceMode string

const (
	// RebalanceStatic keeps rungs fixed and re-places around the filled rung
	RebalanceStatic RebalanceMode = "STATIC"
	// RebalanceDynamic re-centers the whole ladder on the current price
	RebalanceDynamic RebalanceMode = "DYNAMIC"
)

// EngineConfig is the immutable view of the settings the grid engine runs
// with. It is passed by value; changing the trading side produces a new value.
type EngineConfig struct {
	Symbol      string
	MarginAsset string
	Mode        types.TradingMode
	Rebalance   RebalanceMode
	Rules       types.SymbolRules

	LevelCount       int
	RangePercent     decimal.Decimal
	LowerPrice       decimal.Decimal
	UpperPrice       decimal.Decimal
	NotionalPerLevel decimal.Decimal
	Leverage         int
	MaxOpenOrders    int
	MaxPositions     int
	HarvestMode      bool
	PlacementDelay   time.Duration
	DriftPercent     decimal.Decimal

	SmartExit            bool
	TrailingExit         bool
	TrendTakeProfit      bool
	DefaultTakeProfitPct decimal.Decimal
	MinPartialNotional   decimal.Decimal
	ReconcileTolerance   decimal.Decimal

	KlineInterval string
	KlineLimit    int
}

// Engine derives the engine view of c
func (c *Config) Engine() EngineConfig {
	return EngineConfig{
		Symbol:      c.Trading.Symbol,
		MarginAsset: c.Trading.MarginAsset,
		Mode:        c.Trading.Mode,
		Rebalance:   c.Grid.Rebalance,
		Rules:       types.DefaultSymbolRules(c.Trading.Symbol),

		LevelCount:       c.Grid.Count,
		RangePercent:     c.Grid.RangePercent,
		LowerPrice:       c.Grid.LowerPrice,
		UpperPrice:       c.Grid.UpperPrice,
		NotionalPerLevel: c.Grid.NotionalPerLevel,
		Leverage:         c.Trading.Leverage,
		MaxOpenOrders:    c.Grid.MaxOpenOrders,
		MaxPositions:     c.Grid.MaxPositions,
		HarvestMode:      c.Grid.HarvestMode,
		PlacementDelay:   c.Grid.PlacementDelay,
		DriftPercent:     c.Grid.DriftPercent,

		SmartExit:            c.Grid.SmartExit,
		TrailingExit:         c.Grid.TrailingExit,
		TrendTakeProfit:      c.Grid.TrendTakeProfit,
		DefaultTakeProfitPct: c.Grid.DefaultTakeProfitPct,
		MinPartialNotional:   c.Grid.MinPartialNotional,
		ReconcileTolerance:   c.Grid.ReconcileTolerance,

		KlineInterval: c.Strategy.KlineInterval,
		KlineLimit:    c.Strategy.KlineLimit,
	}
}

// WithMode returns a copy trading the given side
func (e EngineConfig) WithMode(mode types.TradingMode) EngineConfig {
	e.Mode = mode
	return e
}

// WithRules returns a copy using the exchange filters of the symbol
func (e EngineConfig) WithRules(rules types.SymbolRules) EngineConfig {
	if rules.TickSize.IsPositive() {
		e.Rules.TickSize = rules.TickSize
	}
	if rules.StepSize.IsPositive() {
		e.Rules.StepSize = rules.StepSize
	}
	if rules.MinNotional.IsPositive() {
		e.Rules.MinNotional = rules.MinNotional
	}
	return e
}

// SingleDirection reports whether only one half of the ladder is traded
func (e EngineConfig) SingleDirection() bool {
	return e.Mode != types.ModeBoth
}

// RiskLimits circuit breaker thresholds. A zero threshold disables its check.
type RiskLimits struct {
	MaxDrawdownPct    decimal.Decimal
	DailyLossLimitPct decimal.Decimal
	TrailingStopPct   decimal.Decimal
	MinBalance        decimal.Decimal
	PauseWindow       time.Duration
}

// Limits derives the risk thresholds of c
func (c *Config) Limits() RiskLimits {
	return RiskLimits{
		MaxDrawdownPct:    c.Risk.MaxDrawdownPct,
		DailyLossLimitPct: c.Risk.DailyLossLimitPct,
		TrailingStopPct:   c.Risk.TrailingStopPct,
		MinBalance:        c.Risk.MinBalance,
		PauseWindow:       c.Risk.PauseWindow,
	}
}
