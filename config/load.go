package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"astergrid/trader/types"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// lookupFunc resolves one setting by its environment name
type lookupFunc func(key string) (string, bool)

// Load builds the configuration: defaults, then .env and the process
// environment, then the YAML file (flat map keyed by the same names).
// An empty envFile loads ./.env when present.
func Load(envFile, yamlFile string) (*Config, error) {
	if err := loadDotEnv(envFile); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := cfg.apply(os.LookupEnv); err != nil {
		return nil, err
	}

	if yamlFile != "" {
		values, err := readYAML(yamlFile)
		if err != nil {
			return nil, err
		}
		if err := cfg.apply(values.lookup); err != nil {
			return nil, fmt.Errorf("%s: %w", yamlFile, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadDotEnv(path string) error {
	if path == "" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

type yamlValues map[string]string

func (v yamlValues) lookup(key string) (string, bool) {
	s, ok := v[key]
	return s, ok
}

func readYAML(path string) (yamlValues, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return parseYAML(data)
}

func parseYAML(data []byte) (yamlValues, error) {
	raw := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	values := make(yamlValues, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		values[strings.ToUpper(strings.TrimSpace(k))] = fmt.Sprint(v)
	}
	return values, nil
}

// apply overlays every known key found by lookup
func (c *Config) apply(lookup lookupFunc) error {
	var errs []error
	for _, s := range c.settings() {
		raw, ok := lookup(s.key)
		if !ok {
			continue
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if err := s.set(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.key, err))
		}
	}
	return errors.Join(errs...)
}

type setting struct {
	key string
	set func(string) error
}

func (c *Config) settings() []setting {
	return []setting{
		{"ASTER_API_KEY", str(&c.Exchange.APIKey)},
		{"ASTER_API_SECRET", str(&c.Exchange.APISecret)},
		{"ASTER_BASE_URL", str(&c.Exchange.BaseURL)},
		{"ASTER_WS_URL", str(&c.Exchange.WSURL)},
		{"API_TIMEOUT", seconds(&c.Exchange.Timeout)},
		{"RECV_WINDOW", int64Val(&c.Exchange.RecvWindow)},
		{"API_MAX_RETRIES", intVal(&c.Exchange.MaxRetries)},
		{"API_BACKOFF_BASE", seconds(&c.Exchange.BackoffBase)},
		{"API_BACKOFF_MAX", seconds(&c.Exchange.BackoffMax)},
		{"API_REQUESTS_PER_MINUTE", intVal(&c.Exchange.RequestsPerMinute)},
		{"EVENT_BUFFER", intVal(&c.Exchange.EventBuffer)},

		{"SYMBOL", upper(&c.Trading.Symbol)},
		{"LEVERAGE", intVal(&c.Trading.Leverage)},
		{"MARGIN_TYPE", upper(&c.Trading.MarginType)},
		{"MARGIN_ASSET", upper(&c.Trading.MarginAsset)},
		{"GRID_SIDE", func(v string) error {
			c.Trading.Mode = types.TradingMode(strings.ToUpper(v))
			return nil
		}},
		{"AUTO_SWITCH_SIDE", boolean(&c.Trading.AutoSide)},

		{"GRID_COUNT", intVal(&c.Grid.Count)},
		{"GRID_RANGE_PERCENT", dec(&c.Grid.RangePercent)},
		{"LOWER_PRICE", dec(&c.Grid.LowerPrice)},
		{"UPPER_PRICE", dec(&c.Grid.UpperPrice)},
		{"QUANTITY_PER_GRID_USDT", dec(&c.Grid.NotionalPerLevel)},
		{"MAX_OPEN_ORDERS", intVal(&c.Grid.MaxOpenOrders)},
		{"MAX_POSITIONS", intVal(&c.Grid.MaxPositions)},
		{"REBALANCE_MODE", func(v string) error {
			c.Grid.Rebalance = RebalanceMode(strings.ToUpper(v))
			return nil
		}},
		{"HARVEST_MODE", boolean(&c.Grid.HarvestMode)},
		{"ORDER_PLACEMENT_DELAY_MS", millis(&c.Grid.PlacementDelay)},
		{"DRIFT_PERCENT", dec(&c.Grid.DriftPercent)},
		{"DRIFT_CHECK_SECONDS", seconds(&c.Grid.DriftInterval)},
		{"SMART_EXIT", boolean(&c.Grid.SmartExit)},
		{"TRAILING_EXIT", boolean(&c.Grid.TrailingExit)},
		{"TREND_TAKE_PROFIT", boolean(&c.Grid.TrendTakeProfit)},
		{"TAKE_PROFIT_PERCENT", dec(&c.Grid.DefaultTakeProfitPct)},
		{"TRAILING_UPDATE_SECONDS", seconds(&c.Grid.TrailingInterval)},
		{"MIN_PARTIAL_NOTIONAL", dec(&c.Grid.MinPartialNotional)},
		{"RECONCILE_TOLERANCE_PERCENT", dec(&c.Grid.ReconcileTolerance)},

		{"MAX_DRAWDOWN_PERCENT", dec(&c.Risk.MaxDrawdownPct)},
		{"DAILY_LOSS_LIMIT_PERCENT", dec(&c.Risk.DailyLossLimitPct)},
		{"TRAILING_STOP_PERCENT", dec(&c.Risk.TrailingStopPct)},
		{"MIN_BALANCE_USDT", dec(&c.Risk.MinBalance)},
		{"RISK_CHECK_SECONDS", seconds(&c.Risk.CheckInterval)},

		{"KLINE_INTERVAL", str(&c.Strategy.KlineInterval)},
		{"KLINE_LIMIT", intVal(&c.Strategy.KlineLimit)},
		{"EMA_FAST", intVal(&c.Strategy.EMAFast)},
		{"EMA_SLOW", intVal(&c.Strategy.EMASlow)},
		{"MIN_SWITCH_SCORE", intVal(&c.Strategy.MinSwitchScore)},
		{"EXTREME_VOLATILITY_PERCENT", float(&c.Strategy.ExtremeVolatilityPct)},
		{"ATR_MULTIPLIER", float(&c.Strategy.ATRMultiplier)},
		{"REGRID_ON_TP", boolean(&c.Strategy.RegridOnTakeProfit)},
		{"REGRID_MIN_INTERVAL_MINUTES", minutes(&c.Strategy.RegridMinInterval)},
		{"REGRID_CONFIRMATIONS", intVal(&c.Strategy.RegridConfirmations)},
		{"REGRID_ANALYSIS_CACHE_MINUTES", minutes(&c.Strategy.AnalysisCacheTTL)},
		{"STRATEGY_CHECK_MINUTES", minutes(&c.Strategy.CheckInterval)},
		{"FUNDING_RATE_ALERT_PERCENT", dec(&c.Strategy.FundingAlertPct)},

		{"TELEGRAM_BOT_TOKEN", str(&c.Telegram.BotToken)},
		{"TELEGRAM_CHAT_ID", int64Val(&c.Telegram.ChatID)},
		{"TELEGRAM_NOTIFY_ORDERS", boolean(&c.Telegram.NotifyOrders)},
		{"TELEGRAM_COMMANDS", boolean(&c.Telegram.EnableCommands)},

		{"API_SERVER_PORT", intVal(&c.API.Port)},
		{"JWT_SECRET", str(&c.API.JWTSecret)},
		{"DB_PATH", str(&c.Store.Path)},
		{"LOG_LEVEL", str(&c.Log.Level)},
		{"LOG_JSON", boolean(&c.Log.JSON)},
		{"LOG_CALLER", boolean(&c.Log.Caller)},

		{"DRY_RUN", boolean(&c.DryRun)},
		{"INITIAL_CAPITAL_USDT", dec(&c.InitialCapital)},
	}
}

func str(dst *string) func(string) error {
	return func(v string) error {
		*dst = v
		return nil
	}
}

func upper(dst *string) func(string) error {
	return func(v string) error {
		*dst = strings.ToUpper(v)
		return nil
	}
}

func intVal(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func int64Val(dst *int64) func(string) error {
	return func(v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func float(dst *float64) func(string) error {
	return func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*dst = f
		return nil
	}
}

func boolean(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

func dec(dst *decimal.Decimal) func(string) error {
	return func(v string) error {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}

func unit(dst *time.Duration, u time.Duration) func(string) error {
	return func(v string) error {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*dst = time.Duration(n * float64(u))
		return nil
	}
}

func seconds(dst *time.Duration) func(string) error { return unit(dst, time.Second) }
func millis(dst *time.Duration) func(string) error  { return unit(dst, time.Millisecond) }
func minutes(dst *time.Duration) func(string) error { return unit(dst, time.Minute) }
