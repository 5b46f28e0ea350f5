package trader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"astergrid/config"
	"astergrid/logger"
	"astergrid/trader/types"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
)

// Aster exposes a Binance compatible futures API, so the go-binance futures
// client is pointed at its base URL and does the request signing.

// AsterClient Aster futures REST client
type AsterClient struct {
	client     *futures.Client
	retry      RetryPolicy
	timeout    time.Duration
	recvWindow int64
}

var (
	_ types.Exchange     = (*AsterClient)(nil)
	_ types.AccountSetup = (*AsterClient)(nil)
)

// NewAsterClient creates a client from the exchange settings
func NewAsterClient(cfg config.ExchangeConfig) *AsterClient {
	client := futures.NewClient(cfg.APIKey, cfg.APISecret)
	client.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	client.HTTPClient = &http.Client{
		Transport: newLimitedTransport(nil, cfg.RequestsPerMinute),
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &AsterClient{
		client: client,
		retry: RetryPolicy{
			MaxAttempts: cfg.MaxRetries,
			BaseDelay:   cfg.BackoffBase,
			MaxDelay:    cfg.BackoffMax,
		},
		timeout:    timeout,
		recvWindow: cfg.RecvWindow,
	}
}

// Futures exposes the underlying client for the user stream listen key calls
func (c *AsterClient) Futures() *futures.Client {
	return c.client
}

// call runs fn under the retry policy, one timeout per attempt
func (c *AsterClient) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return c.retry.Do(ctx, op, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		callCtx, meta := withResponseMeta(callCtx)
		return translateError(fn(callCtx), meta)
	})
}

func (c *AsterClient) signed() futures.RequestOption {
	return futures.WithRecvWindow(c.recvWindow)
}

// translateError maps go-binance errors onto the typed taxonomy
func translateError(err error, meta *responseMeta) error {
	if err == nil {
		return nil
	}

	status := 0
	var retryAfter time.Duration
	if meta != nil {
		status = meta.status
		retryAfter = meta.retryAfter
	}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		if status == http.StatusTooManyRequests || status == http.StatusTeapot || apiErr.Code == -1003 {
			if retryAfter <= 0 && status == http.StatusTeapot {
				retryAfter = time.Minute
			}
			return &types.RateLimitError{RetryAfter: retryAfter, Message: apiErr.Message}
		}
		return &types.APIError{Status: status, Code: apiErr.Code, Message: apiErr.Message}
	}

	// Non JSON error bodies surface as plain errors, keep the status
	if status == http.StatusTooManyRequests {
		return &types.RateLimitError{RetryAfter: retryAfter, Message: err.Error()}
	}
	if status >= 500 {
		return &types.APIError{Status: status, Message: err.Error()}
	}
	return err
}

// PlaceOrder submits a new order
func (c *AsterClient) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.OrderResult, error) {
	if !req.Quantity.IsPositive() {
		return nil, &types.ValidationError{Op: "place order", Reason: "quantity must be positive"}
	}
	if req.Type == types.OrderTypeLimit && !req.Price.IsPositive() {
		return nil, &types.ValidationError{Op: "place order", Reason: "limit order without price"}
	}
	if req.Type == types.OrderTypeStopMarket && !req.StopPrice.IsPositive() {
		return nil, &types.ValidationError{Op: "place order", Reason: "stop order without stop price"}
	}

	var resp *futures.CreateOrderResponse
	err := c.call(ctx, "place_order", func(ctx context.Context) error {
		svc := c.client.NewCreateOrderService().
			Symbol(req.Symbol).
			Side(futures.SideType(req.Side)).
			Type(futures.OrderType(req.Type)).
			Quantity(req.Quantity.String())

		switch req.Type {
		case types.OrderTypeLimit:
			svc = svc.TimeInForce(futures.TimeInForceTypeGTC).Price(req.Price.String())
		case types.OrderTypeStopMarket:
			svc = svc.StopPrice(req.StopPrice.String())
		}
		if req.ReduceOnly {
			svc = svc.ReduceOnly(true)
		}
		if req.ClientOrderID != "" {
			svc = svc.NewClientOrderID(req.ClientOrderID)
		}

		var err error
		resp, err = svc.Do(ctx, c.signed())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("place %s %s %s@%s: %w", req.Side, req.Type, req.Quantity, req.Price, err)
	}

	return &types.OrderResult{
		OrderID:       strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		Status:        types.OrderStatus(resp.Status),
	}, nil
}

// CancelOrder cancels one order by exchange id
func (c *AsterClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return &types.ValidationError{Op: "cancel order", Reason: fmt.Sprintf("bad order id %q", orderID)}
	}

	err = c.call(ctx, "cancel_order", func(ctx context.Context) error {
		_, err := c.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx, c.signed())
		return err
	})
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	return nil
}

// CancelAllOrders cancels every open order of the symbol
func (c *AsterClient) CancelAllOrders(ctx context.Context, symbol string) error {
	err := c.call(ctx, "cancel_all", func(ctx context.Context) error {
		return c.client.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx, c.signed())
	})
	if err != nil {
		return fmt.Errorf("cancel all orders %s: %w", symbol, err)
	}
	return nil
}

// GetOrder fetches one order
func (c *AsterClient) GetOrder(ctx context.Context, symbol, orderID string) (*types.Order, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, &types.ValidationError{Op: "get order", Reason: fmt.Sprintf("bad order id %q", orderID)}
	}

	var o *futures.Order
	err = c.call(ctx, "get_order", func(ctx context.Context) error {
		var err error
		o, err = c.client.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx, c.signed())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}
	order := convertOrder(o)
	return &order, nil
}

// GetOrderByClientID fetches one order by its client order id
func (c *AsterClient) GetOrderByClientID(ctx context.Context, symbol, clientOrderID string) (*types.Order, error) {
	if clientOrderID == "" {
		return nil, &types.ValidationError{Op: "get order", Reason: "empty client order id"}
	}

	var o *futures.Order
	err := c.call(ctx, "get_order", func(ctx context.Context) error {
		var err error
		o, err = c.client.NewGetOrderService().Symbol(symbol).OrigClientOrderID(clientOrderID).Do(ctx, c.signed())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", clientOrderID, err)
	}
	order := convertOrder(o)
	return &order, nil
}

// GetOpenOrders lists resting orders
func (c *AsterClient) GetOpenOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	var raw []*futures.Order
	err := c.call(ctx, "open_orders", func(ctx context.Context) error {
		var err error
		raw, err = c.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx, c.signed())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("open orders %s: %w", symbol, err)
	}

	orders := make([]types.Order, 0, len(raw))
	for _, o := range raw {
		orders = append(orders, convertOrder(o))
	}
	return orders, nil
}

func convertOrder(o *futures.Order) types.Order {
	updated := o.UpdateTime
	if updated == 0 {
		updated = o.Time
	}
	return types.Order{
		OrderID:       strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          types.OrderSide(o.Side),
		Type:          types.OrderType(o.Type),
		Status:        types.OrderStatus(o.Status),
		Price:         parseDecimal(o.Price),
		StopPrice:     parseDecimal(o.StopPrice),
		Quantity:      parseDecimal(o.OrigQuantity),
		ExecutedQty:   parseDecimal(o.ExecutedQuantity),
		AvgPrice:      parseDecimal(o.AvgPrice),
		ReduceOnly:    o.ReduceOnly,
		UpdatedAt:     time.UnixMilli(updated),
	}
}

// GetPositions lists non-zero positions of the symbol
func (c *AsterClient) GetPositions(ctx context.Context, symbol string) ([]types.Position, error) {
	var raw []*futures.PositionRisk
	err := c.call(ctx, "positions", func(ctx context.Context) error {
		var err error
		raw, err = c.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx, c.signed())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("positions %s: %w", symbol, err)
	}

	positions := make([]types.Position, 0, len(raw))
	for _, p := range raw {
		amt := parseDecimal(p.PositionAmt)
		if amt.IsZero() {
			continue
		}
		positions = append(positions, types.Position{
			Symbol:        p.Symbol,
			Amount:        amt,
			EntryPrice:    parseDecimal(p.EntryPrice),
			MarkPrice:     parseDecimal(p.MarkPrice),
			UnrealizedPnL: parseDecimal(p.UnRealizedProfit),
		})
	}
	return positions, nil
}

// GetBalances lists account balances
func (c *AsterClient) GetBalances(ctx context.Context) ([]types.Balance, error) {
	var raw []*futures.Balance
	err := c.call(ctx, "balances", func(ctx context.Context) error {
		var err error
		raw, err = c.client.NewGetBalanceService().Do(ctx, c.signed())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("balances: %w", err)
	}

	balances := make([]types.Balance, 0, len(raw))
	for _, b := range raw {
		balances = append(balances, types.Balance{
			Asset:            b.Asset,
			WalletBalance:    parseDecimal(b.Balance),
			AvailableBalance: parseDecimal(b.AvailableBalance),
			UnrealizedPnL:    parseDecimal(b.CrossUnPnl),
		})
	}
	return balances, nil
}

// GetKlines returns the latest candles, oldest first
func (c *AsterClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]types.Candle, error) {
	var raw []*futures.Kline
	err := c.call(ctx, "klines", func(ctx context.Context) error {
		var err error
		raw, err = c.client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("klines %s %s: %w", symbol, interval, err)
	}

	candles := make([]types.Candle, 0, len(raw))
	for _, k := range raw {
		candles = append(candles, types.Candle{
			OpenTime: time.UnixMilli(k.OpenTime),
			Open:     parseDecimal(k.Open),
			High:     parseDecimal(k.High),
			Low:      parseDecimal(k.Low),
			Close:    parseDecimal(k.Close),
			Volume:   parseDecimal(k.Volume),
		})
	}
	return candles, nil
}

// GetTickerPrice returns the last traded price
func (c *AsterClient) GetTickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var prices []*futures.SymbolPrice
	err := c.call(ctx, "ticker", func(ctx context.Context) error {
		var err error
		prices, err = c.client.NewListPricesService().Symbol(symbol).Do(ctx)
		return err
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("ticker %s: %w", symbol, err)
	}

	for _, p := range prices {
		if p.Symbol == symbol {
			return decimal.NewFromString(p.Price)
		}
	}
	if len(prices) == 1 {
		return decimal.NewFromString(prices[0].Price)
	}
	return decimal.Zero, fmt.Errorf("ticker %s: no price returned", symbol)
}

// FundingRate returns the last funding rate of symbol as a fraction (0.0001 = 0.01%)
func (c *AsterClient) FundingRate(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var idx []*futures.PremiumIndex
	err := c.call(ctx, "premium_index", func(ctx context.Context) error {
		var err error
		idx, err = c.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
		return err
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("premium index %s: %w", symbol, err)
	}
	for _, p := range idx {
		if p.Symbol == symbol {
			return parseDecimal(p.LastFundingRate), nil
		}
	}
	return decimal.Zero, fmt.Errorf("premium index %s: not returned", symbol)
}

// SymbolRules reads tick size, lot step and min notional from exchange info
func (c *AsterClient) SymbolRules(ctx context.Context, symbol string) (types.SymbolRules, error) {
	rules := types.DefaultSymbolRules(symbol)

	var info *futures.ExchangeInfo
	err := c.call(ctx, "exchange_info", func(ctx context.Context) error {
		var err error
		info, err = c.client.NewExchangeInfoService().Do(ctx)
		return err
	})
	if err != nil {
		return rules, fmt.Errorf("exchange info: %w", err)
	}

	for i := range info.Symbols {
		s := &info.Symbols[i]
		if s.Symbol != symbol {
			continue
		}
		if f := s.PriceFilter(); f != nil {
			if tick := parseDecimal(f.TickSize); tick.IsPositive() {
				rules.TickSize = tick
			}
		}
		if f := s.LotSizeFilter(); f != nil {
			if step := parseDecimal(f.StepSize); step.IsPositive() {
				rules.StepSize = step
			}
		}
		if f := s.MinNotionalFilter(); f != nil {
			if notional := parseDecimal(f.Notional); notional.IsPositive() {
				rules.MinNotional = notional
			}
		}
		logger.Infof("[Aster] %s rules: tick=%s step=%s minNotional=%s",
			symbol, rules.TickSize, rules.StepSize, rules.MinNotional)
		return rules, nil
	}

	logger.Warnf("[Aster] %s not found in exchange info, using default rules", symbol)
	return rules, nil
}

// SetLeverage sets the symbol leverage
func (c *AsterClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	err := c.call(ctx, "set_leverage", func(ctx context.Context) error {
		_, err := c.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx, c.signed())
		return err
	})
	if err != nil {
		return fmt.Errorf("set leverage %s %dx: %w", symbol, leverage, err)
	}
	logger.Infof("[Aster] %s leverage set to %dx", symbol, leverage)
	return nil
}

// SetMarginType sets CROSSED or ISOLATED margin. An unchanged type and the
// multi-assets mode restriction are not failures.
func (c *AsterClient) SetMarginType(ctx context.Context, symbol string, marginType string) error {
	mt := futures.MarginTypeCrossed
	if strings.EqualFold(marginType, "ISOLATED") {
		mt = futures.MarginTypeIsolated
	}

	err := c.call(ctx, "set_margin_type", func(ctx context.Context) error {
		return c.client.NewChangeMarginTypeService().Symbol(symbol).MarginType(mt).Do(ctx, c.signed())
	})
	if err != nil {
		var apiErr *types.APIError
		if errors.As(err, &apiErr) {
			if apiErr.Code == -4046 || strings.Contains(strings.ToLower(apiErr.Message), "no need to change") {
				return nil
			}
			if apiErr.Code == -4168 {
				logger.Warnf("[Aster] %s margin type unchanged: multi-assets mode is active", symbol)
				return nil
			}
		}
		return fmt.Errorf("set margin type %s %s: %w", symbol, marginType, err)
	}
	logger.Infof("[Aster] %s margin type set to %s", symbol, mt)
	return nil
}

// StartUserStream creates a listen key
func (c *AsterClient) StartUserStream(ctx context.Context) (string, error) {
	var key string
	err := c.call(ctx, "listen_key", func(ctx context.Context) error {
		var err error
		key, err = c.client.NewStartUserStreamService().Do(ctx)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("start user stream: %w", err)
	}
	return key, nil
}

// KeepaliveUserStream extends the listen key validity
func (c *AsterClient) KeepaliveUserStream(ctx context.Context, listenKey string) error {
	err := c.call(ctx, "listen_key_keepalive", func(ctx context.Context) error {
		return c.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx)
	})
	if err != nil {
		return fmt.Errorf("keepalive user stream: %w", err)
	}
	return nil
}

// ClosePosition closes the whole open position at market (reduce only).
// Operator action only; the grid core never calls it.
func (c *AsterClient) ClosePosition(ctx context.Context, symbol string) (*types.OrderResult, error) {
	positions, err := c.GetPositions(ctx, symbol)
	if err != nil {
		return nil, err
	}
	for _, p := range positions {
		if p.Symbol != symbol || p.Amount.IsZero() {
			continue
		}
		return c.PlaceOrder(ctx, types.OrderRequest{
			Symbol:     symbol,
			Side:       p.EntrySide().Opposite(),
			Type:       types.OrderTypeMarket,
			Quantity:   p.Amount.Abs(),
			ReduceOnly: true,
		})
	}
	return nil, nil
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
