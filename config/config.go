package config

import (
	"errors"
	"fmt"
	"time"

	"astergrid/logger"
	"astergrid/trader/types"

	"github.com/shopspring/decimal"
)

// Config is the full process configuration (loaded from .env, the
// environment and an optional YAML file)
type Config struct {
	Exchange ExchangeConfig
	Trading  TradingConfig
	Grid     GridConfig
	Risk     RiskConfig
	Strategy StrategyConfig
	Telegram TelegramConfig
	API      APIConfig
	Store    StoreConfig
	Log      logger.Config

	DryRun         bool
	InitialCapital decimal.Decimal
}

// ExchangeConfig Aster REST and stream endpoints
type ExchangeConfig struct {
	APIKey            string
	APISecret         string
	BaseURL           string
	WSURL             string
	Timeout           time.Duration
	RecvWindow        int64
	MaxRetries        int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	RequestsPerMinute int
	EventBuffer       int
}

// TradingConfig symbol and account settings
type TradingConfig struct {
	Symbol      string
	Leverage    int
	MarginType  string
	MarginAsset string
	Mode        types.TradingMode
	AutoSide    bool
}

// GridConfig ladder geometry and placement
type GridConfig struct {
	Count            int
	RangePercent     decimal.Decimal
	LowerPrice       decimal.Decimal
	UpperPrice       decimal.Decimal
	NotionalPerLevel decimal.Decimal
	MaxOpenOrders    int
	MaxPositions     int
	Rebalance        RebalanceMode
	HarvestMode      bool
	PlacementDelay   time.Duration
	DriftPercent     decimal.Decimal
	DriftInterval    time.Duration

	SmartExit            bool
	TrailingExit         bool
	TrendTakeProfit      bool
	DefaultTakeProfitPct decimal.Decimal
	TrailingInterval     time.Duration
	MinPartialNotional   decimal.Decimal
	ReconcileTolerance   decimal.Decimal
}

// RiskConfig circuit breaker limits
type RiskConfig struct {
	MaxDrawdownPct    decimal.Decimal
	DailyLossLimitPct decimal.Decimal
	TrailingStopPct   decimal.Decimal
	MinBalance        decimal.Decimal
	CheckInterval     time.Duration
	PauseWindow       time.Duration
}

// StrategyConfig market analysis parameters
type StrategyConfig struct {
	KlineInterval        string
	KlineLimit           int
	EMAFast              int
	EMASlow              int
	MinSwitchScore       int
	ExtremeVolatilityPct float64
	ATRMultiplier        float64
	RegridOnTakeProfit   bool
	RegridMinInterval    time.Duration
	RegridConfirmations  int
	AnalysisCacheTTL     time.Duration
	CheckInterval        time.Duration
	// FundingAlertPct is the absolute funding rate, in percent, that raises an alert
	FundingAlertPct decimal.Decimal
}

// TelegramConfig notification sink
type TelegramConfig struct {
	BotToken       string
	ChatID         int64
	NotifyOrders   bool
	EnableCommands bool
}

// Enabled reports whether Telegram is configured
func (t TelegramConfig) Enabled() bool {
	return t.BotToken != "" && t.ChatID != 0
}

// APIConfig HTTP status/control server
type APIConfig struct {
	Port      int
	JWTSecret string
}

// StoreConfig audit log location
type StoreConfig struct {
	Path string
}

// Default returns the configuration used when nothing is overridden
func Default() *Config {
	return &Config{
		Exchange: ExchangeConfig{
			BaseURL:           "https://fapi.asterdex.com",
			WSURL:             "wss://fstream.asterdex.com",
			Timeout:           30 * time.Second,
			RecvWindow:        5000,
			MaxRetries:        3,
			BackoffBase:       time.Second,
			BackoffMax:        60 * time.Second,
			RequestsPerMinute: 1200,
			EventBuffer:       256,
		},
		Trading: TradingConfig{
			Symbol:      "BTCUSDT",
			Leverage:    2,
			MarginType:  "CROSSED",
			MarginAsset: "USDT",
			Mode:        types.ModeLong,
		},
		Grid: GridConfig{
			Count:                10,
			RangePercent:         decimal.NewFromInt(15),
			NotionalPerLevel:     decimal.NewFromInt(35),
			MaxOpenOrders:        20,
			MaxPositions:         10,
			Rebalance:            RebalanceStatic,
			PlacementDelay:       100 * time.Millisecond,
			DriftPercent:         decimal.NewFromInt(2),
			DriftInterval:        5 * time.Minute,
			DefaultTakeProfitPct: decimal.RequireFromString("1.5"),
			TrailingInterval:     time.Minute,
			MinPartialNotional:   decimal.NewFromInt(5),
			ReconcileTolerance:   decimal.NewFromInt(1),
		},
		Risk: RiskConfig{
			MaxDrawdownPct:    decimal.NewFromInt(10),
			DailyLossLimitPct: decimal.NewFromInt(5),
			MinBalance:        decimal.NewFromInt(50),
			CheckInterval:     60 * time.Second,
			PauseWindow:       24 * time.Hour,
		},
		Strategy: StrategyConfig{
			KlineInterval:        "1h",
			KlineLimit:           100,
			EMAFast:              21,
			EMASlow:              50,
			MinSwitchScore:       2,
			ExtremeVolatilityPct: 10,
			ATRMultiplier:        2,
			RegridOnTakeProfit:   true,
			RegridMinInterval:    30 * time.Minute,
			RegridConfirmations:  2,
			AnalysisCacheTTL:     5 * time.Minute,
			CheckInterval:        15 * time.Minute,
			FundingAlertPct:      decimal.RequireFromString("0.1"),
		},
		Telegram: TelegramConfig{NotifyOrders: true, EnableCommands: true},
		API:      APIConfig{Port: 8080},
		Store:    StoreConfig{Path: "data/astergrid.db"},
		Log:      logger.Config{Level: "info"},

		InitialCapital: decimal.NewFromInt(300),
	}
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	var errs []error

	if c.Grid.Count < 2 || c.Grid.Count > 50 {
		errs = append(errs, fmt.Errorf("GRID_COUNT must be between 2 and 50, got %d", c.Grid.Count))
	}
	if !c.Risk.MaxDrawdownPct.IsPositive() || c.Risk.MaxDrawdownPct.GreaterThan(decimal.NewFromInt(50)) {
		errs = append(errs, fmt.Errorf("MAX_DRAWDOWN_PERCENT must be in (0, 50], got %s", c.Risk.MaxDrawdownPct))
	}
	if c.InitialCapital.LessThan(decimal.NewFromInt(100)) {
		errs = append(errs, fmt.Errorf("INITIAL_CAPITAL_USDT must be at least 100, got %s", c.InitialCapital))
	}
	if !c.DryRun && (c.Exchange.APIKey == "" || c.Exchange.APISecret == "") {
		errs = append(errs, errors.New("ASTER_API_KEY and ASTER_API_SECRET are required unless DRY_RUN=true"))
	}
	if c.Trading.Leverage < 1 || c.Trading.Leverage > 125 {
		errs = append(errs, fmt.Errorf("LEVERAGE must be between 1 and 125, got %d", c.Trading.Leverage))
	}
	if !c.Trading.Mode.Valid() {
		errs = append(errs, fmt.Errorf("GRID_SIDE must be LONG, SHORT or BOTH, got %q", c.Trading.Mode))
	}
	if c.Grid.Rebalance != RebalanceStatic && c.Grid.Rebalance != RebalanceDynamic {
		errs = append(errs, fmt.Errorf("REBALANCE_MODE must be STATIC or DYNAMIC, got %q", c.Grid.Rebalance))
	}
	if !c.Grid.NotionalPerLevel.IsPositive() {
		errs = append(errs, errors.New("QUANTITY_PER_GRID_USDT must be positive"))
	}
	fixedLower, fixedUpper := c.Grid.LowerPrice.IsPositive(), c.Grid.UpperPrice.IsPositive()
	if fixedLower != fixedUpper {
		errs = append(errs, errors.New("LOWER_PRICE and UPPER_PRICE must be set together"))
	} else if fixedLower && !c.Grid.LowerPrice.LessThan(c.Grid.UpperPrice) {
		errs = append(errs, fmt.Errorf("LOWER_PRICE %s must be below UPPER_PRICE %s", c.Grid.LowerPrice, c.Grid.UpperPrice))
	}
	if !fixedLower && (!c.Grid.RangePercent.IsPositive() || c.Grid.RangePercent.GreaterThanOrEqual(decimal.NewFromInt(100))) {
		errs = append(errs, fmt.Errorf("GRID_RANGE_PERCENT must be in (0, 100), got %s", c.Grid.RangePercent))
	}
	if c.Grid.MaxOpenOrders < 1 {
		errs = append(errs, errors.New("MAX_OPEN_ORDERS must be at least 1"))
	}

	return errors.Join(errs...)
}
