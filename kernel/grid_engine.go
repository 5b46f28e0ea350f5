package kernel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"astergrid/config"
	"astergrid/logger"
	"astergrid/market"
	"astergrid/metrics"
	"astergrid/notify"
	"astergrid/store"
	"astergrid/trader/types"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

// MarketAnalysis supplies trend signals and exit proposals
type MarketAnalysis interface {
	Latest(ctx context.Context, symbol string) (*market.Analysis, error)
	Candles(ctx context.Context, symbol string) ([]types.Candle, error)
	TrailingExit(entry decimal.Decimal, entrySide types.OrderSide, candles []types.Candle) market.TrailingExit
	ShouldRegrid(ctx context.Context, symbol string, mode types.TradingMode) market.RegridDecision
	RecordPlacement()
}

// AuditLog receives fills and notable grid events
type AuditLog interface {
	RecordTrade(ctx context.Context, t store.Trade) error
	RecordEvent(ctx context.Context, e store.GridEvent) error
}

type nopAudit struct{}

func (nopAudit) RecordTrade(context.Context, store.Trade) error     { return nil }
func (nopAudit) RecordEvent(context.Context, store.GridEvent) error { return nil }

// lookupTimeout bounds the search for an order whose placement response was lost
const lookupTimeout = 10 * time.Second

// errStale is returned when the ladder changed under an in-flight placement
var errStale = errors.New("ladder changed during placement")

// ============================================================================
// Geometry and rounding
// ============================================================================

// RoundDown floors v to a multiple of step
func RoundDown(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}

// RoundUp ceils v to a multiple of step
func RoundUp(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	return v.Div(step).Ceil().Mul(step)
}

// CalculateLevels builds an evenly spaced ladder around current, or between
// the fixed bounds when both are configured. Prices are floored to the tick
// size and sides are filtered by the trading mode.
func CalculateLevels(cfg config.EngineConfig, current decimal.Decimal) (Geometry, []*Level) {
	tick := cfg.Rules.TickSize

	var lower, upper decimal.Decimal
	if cfg.LowerPrice.IsPositive() && cfg.UpperPrice.GreaterThan(cfg.LowerPrice) {
		lower, upper = cfg.LowerPrice, cfg.UpperPrice
	} else {
		r := cfg.RangePercent.Div(hundred)
		lower = current.Mul(one.Sub(r))
		upper = current.Mul(one.Add(r))
	}
	lower = RoundDown(lower, tick)
	upper = RoundDown(upper, tick)

	n := cfg.LevelCount
	if n < 2 {
		n = 2
	}
	span := upper.Sub(lower)
	steps := decimal.NewFromInt(int64(n - 1))

	levels := make([]*Level, n)
	for i := 0; i < n; i++ {
		// multiply before dividing so the last rung lands exactly on upper
		price := RoundDown(lower.Add(span.Mul(decimal.NewFromInt(int64(i))).Div(steps)), tick)

		side := SideNone
		switch {
		case price.LessThan(current):
			side = types.SideBuy
		case price.GreaterThan(current):
			side = types.SideSell
		}
		levels[i] = NewLevel(i, price, filterSide(side, cfg.Mode))
	}

	return Geometry{
		Lower:  lower,
		Upper:  upper,
		Step:   span.Div(steps),
		Center: current,
	}, levels
}

func filterSide(side types.OrderSide, mode types.TradingMode) types.OrderSide {
	switch mode {
	case types.ModeLong:
		if side != types.SideBuy {
			return SideNone
		}
	case types.ModeShort:
		if side != types.SideSell {
			return SideNone
		}
	}
	return side
}

// Quantity is the order size of a rung at price: notional times leverage,
// floored to the lot step and bumped to the minimum notional
func Quantity(cfg config.EngineConfig, price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() {
		return decimal.Zero
	}
	lev := decimal.NewFromInt(int64(max(cfg.Leverage, 1)))
	qty := RoundDown(cfg.NotionalPerLevel.Mul(lev).Div(price), cfg.Rules.StepSize)
	if qty.Mul(price).LessThan(cfg.Rules.MinNotional) {
		qty = RoundUp(cfg.Rules.MinNotional.Div(price), cfg.Rules.StepSize)
	}
	return qty
}

func newClientID(prefix string, index int) string {
	return fmt.Sprintf("%s%d-%s", prefix, index, ulid.Make())
}

// ============================================================================
// Engine
// ============================================================================

// Options are the optional collaborators of the engine
type Options struct {
	Analysis MarketAnalysis
	Notifier notify.Sink
	Audit    AuditLog
	Now      func() time.Time
}

// Engine places and rebalances the ladder against the exchange
type Engine struct {
	ex       types.Exchange
	ledger   *Ledger
	analysis MarketAnalysis
	notifier notify.Sink
	audit    AuditLog
	now      func() time.Time

	cfg atomic.Pointer[config.EngineConfig]

	paused  atomic.Bool
	halted  atomic.Bool
	harvest atomic.Bool

	// serializes ladder rebuilds
	rebuildMu sync.Mutex

	flipMu      sync.Mutex
	flipAlerted types.TradingMode
}

// NewEngine creates an engine trading cfg on ex
func NewEngine(ex types.Exchange, ledger *Ledger, cfg config.EngineConfig, opts Options) *Engine {
	e := &Engine{
		ex:       ex,
		ledger:   ledger,
		analysis: opts.Analysis,
		notifier: opts.Notifier,
		audit:    opts.Audit,
		now:      opts.Now,
	}
	if e.notifier == nil {
		e.notifier = notify.Discard{}
	}
	if e.audit == nil {
		e.audit = nopAudit{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	e.cfg.Store(&cfg)
	e.harvest.Store(cfg.HarvestMode)
	return e
}

// Config is the current engine configuration
func (e *Engine) Config() config.EngineConfig {
	return *e.cfg.Load()
}

// Configure replaces the configuration. It is meant for session setup,
// before the first ladder is built.
func (e *Engine) Configure(cfg config.EngineConfig) {
	e.cfg.Store(&cfg)
	e.harvest.Store(cfg.HarvestMode)
}

// Ledger is the grid state
func (e *Engine) Ledger() *Ledger {
	return e.ledger
}

// Paused reports whether new entries are suspended
func (e *Engine) Paused() bool { return e.paused.Load() }

// Halted reports whether the engine was shut down
func (e *Engine) Halted() bool { return e.halted.Load() }

// Pause stops new entry placement. Resting exits stay live.
func (e *Engine) Pause(reason string) bool {
	if !e.paused.CompareAndSwap(false, true) {
		return false
	}
	logger.Warnf("[Grid] ⏸️ entries paused: %s", reason)
	e.notifier.Notify(notify.StateChanged{From: "RUNNING", To: "PAUSED", Reason: reason})
	return true
}

// Resume allows entries again and refills the ladder
func (e *Engine) Resume(ctx context.Context, reason string) bool {
	if e.halted.Load() || !e.paused.CompareAndSwap(true, false) {
		return false
	}
	logger.Infof("[Grid] ▶️ entries resumed: %s", reason)
	e.notifier.Notify(notify.StateChanged{From: "PAUSED", To: "RUNNING", Reason: reason})
	e.TopUp(ctx)
	return true
}

// Shutdown cancels every order and halts the engine. Open positions are
// left untouched for manual review.
func (e *Engine) Shutdown(ctx context.Context, reason string) error {
	if !e.halted.CompareAndSwap(false, true) {
		return nil
	}
	logger.Warnf("[Grid] 🚨 shutdown: %s", reason)
	if err := e.CancelAllOrders(ctx); err != nil {
		return fmt.Errorf("shutdown cancel: %w", err)
	}
	logger.Warnf("[Grid] all orders cancelled, positions remain open for manual review")
	return nil
}

func (e *Engine) pace(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// ============================================================================
// Order placement
// ============================================================================

// submit sends a reserved order and binds its id. A failed placement rolls
// the reservation back unless the order is found on the book under its
// client id; a placement that lost its rung is cancelled.
func (e *Engine) submit(ctx context.Context, r Reservation, req types.OrderRequest, kind string) error {
	res, err := e.ex.PlaceOrder(ctx, req)
	if err != nil && types.PlacementMayExist(err) {
		if o := e.lookupPlacement(ctx, req); o != nil {
			logger.Warnf("[Grid] %s level %d reached the book despite %v, tracking order %s", kind, r.Index, err, o.OrderID)
			res, err = &types.OrderResult{OrderID: o.OrderID, ClientOrderID: o.ClientOrderID, Status: o.Status}, nil
		}
	}
	if err != nil {
		e.ledger.Release(r)
		metrics.OrdersFailed.WithLabelValues(string(req.Side), kind).Inc()
		logger.Warnf("[Grid] %s %s %s level %d failed: %v", kind, req.Side, req.Type, r.Index, err)
		return err
	}
	if !e.ledger.Bind(r, res.OrderID) {
		logger.Warnf("[Grid] level %d changed while placing %s, cancelling orphan order %s", r.Index, kind, res.OrderID)
		if err := e.ex.CancelOrder(ctx, req.Symbol, res.OrderID); err != nil {
			logger.Errorf("[Grid] failed to cancel orphan order %s: %v", res.OrderID, err)
		}
		return errStale
	}

	metrics.OrdersPlaced.WithLabelValues(string(req.Side), kind).Inc()
	price := req.Price
	if req.Type == types.OrderTypeStopMarket {
		price = req.StopPrice
	}
	logger.Infof("[Grid] placed %s %s %s @ %s qty=%s level=%d id=%s",
		kind, req.Side, req.Type, price, req.Quantity, r.Index, res.OrderID)
	return nil
}

// lookupPlacement finds an order whose placement response was lost
func (e *Engine) lookupPlacement(ctx context.Context, req types.OrderRequest) *types.Order {
	if req.ClientOrderID == "" {
		return nil
	}
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
	defer cancel()
	o, err := e.ex.GetOrderByClientID(lctx, req.Symbol, req.ClientOrderID)
	if err != nil {
		logger.Debugf("[Grid] client id %s not on the book: %v", req.ClientOrderID, err)
		return nil
	}
	return o
}

func (e *Engine) placeEntry(ctx context.Context, cfg config.EngineConfig, gen uint64, lv LevelView, typ types.OrderType) error {
	if e.halted.Load() {
		return nil
	}
	qty := Quantity(cfg, lv.Price)
	if !qty.IsPositive() {
		return &types.ValidationError{Op: "entry", Reason: fmt.Sprintf("zero quantity at %s", lv.Price)}
	}

	clientID := newClientID("g", lv.Index)
	r, ok := e.ledger.ReserveEntry(gen, lv.Index, clientID, typ, qty, e.now())
	if !ok {
		return errStale
	}

	req := types.OrderRequest{
		Symbol:        cfg.Symbol,
		Side:          lv.Side,
		Type:          typ,
		Quantity:      qty,
		ClientOrderID: clientID,
	}
	if typ == types.OrderTypeLimit {
		req.Price = lv.Price
	}
	return e.submit(ctx, r, req, "entry")
}

// PlaceEntries places entry orders on every free rung, nearest to ref
// first, until the open order or position limit is reached. One rung
// failing does not stop the others.
func (e *Engine) PlaceEntries(ctx context.Context, ref decimal.Decimal) int {
	if e.halted.Load() || e.paused.Load() {
		return 0
	}
	cfg := e.Config()
	gen, free, active, pending := e.ledger.EntryCandidates()
	if !ref.IsPositive() {
		ref = e.ledger.Geometry().Center
	}
	sort.SliceStable(free, func(i, j int) bool {
		return free[i].Price.Sub(ref).Abs().LessThan(free[j].Price.Sub(ref).Abs())
	})

	var (
		placed   []LevelView
		lastType types.OrderType
	)
	for _, lv := range free {
		if ctx.Err() != nil || e.paused.Load() {
			break
		}
		if cfg.MaxOpenOrders > 0 && active >= cfg.MaxOpenOrders {
			logger.Infof("[Grid] open order limit %d reached", cfg.MaxOpenOrders)
			break
		}
		if cfg.MaxPositions > 0 && e.ledger.PositionsCount()+pending >= cfg.MaxPositions {
			logger.Infof("[Grid] position limit %d reached (%d held, %d pending)",
				cfg.MaxPositions, e.ledger.PositionsCount(), pending)
			break
		}

		typ := types.OrderTypeLimit
		if e.harvest.CompareAndSwap(true, false) {
			typ = types.OrderTypeMarket
		}
		err := e.placeEntry(ctx, cfg, gen, lv, typ)
		if errors.Is(err, errStale) && e.ledger.Generation() != gen {
			break
		}
		if err != nil {
			continue
		}
		active++
		pending++
		lastType = typ
		placed = append(placed, lv)
		e.pace(ctx, cfg.PlacementDelay)
	}

	if len(placed) > 0 {
		e.notifyPlaced(placed, lastType)
	}
	return len(placed)
}

func (e *Engine) notifyPlaced(placed []LevelView, typ types.OrderType) {
	low, high := placed[0].Price, placed[0].Price
	side := string(placed[0].Side)
	for _, lv := range placed[1:] {
		if lv.Price.LessThan(low) {
			low = lv.Price
		}
		if lv.Price.GreaterThan(high) {
			high = lv.Price
		}
		if string(lv.Side) != side {
			side = "BOTH"
		}
	}
	logger.Infof("[Grid] %d %s entries placed between %s and %s", len(placed), side, low, high)
	e.notifier.Notify(notify.OrdersPlaced{Count: len(placed), Side: side, Low: low, High: high, Type: string(typ)})
}

// placeEntryAt re-places the entry of one rung, within the same limits as
// PlaceEntries
func (e *Engine) placeEntryAt(ctx context.Context, cfg config.EngineConfig, gen uint64, index int) {
	if e.halted.Load() || e.paused.Load() {
		return
	}
	lv, ok := e.ledger.Level(index)
	if !ok || lv.State != StateEmpty || lv.Side == SideNone {
		return
	}
	_, _, active, pending := e.ledger.EntryCandidates()
	if cfg.MaxOpenOrders > 0 && active >= cfg.MaxOpenOrders {
		return
	}
	if cfg.MaxPositions > 0 && e.ledger.PositionsCount()+pending >= cfg.MaxPositions {
		return
	}
	if err := e.placeEntry(ctx, cfg, gen, lv, types.OrderTypeLimit); err == nil {
		e.notifier.Notify(notify.OrdersPlaced{Count: 1, Side: string(lv.Side), Low: lv.Price, High: lv.Price, Type: string(types.OrderTypeLimit)})
	}
}

// placeExit covers a held rung with the exit chosen by planExit
func (e *Engine) placeExit(ctx context.Context, cfg config.EngineConfig, gen uint64, index int) error {
	if e.halted.Load() {
		return nil
	}
	lv, ok := e.ledger.Level(index)
	if !ok || lv.State != StatePositionHeld {
		return nil
	}
	return e.placeExitWith(ctx, cfg, gen, lv, e.planExit(ctx, cfg, lv))
}

func (e *Engine) placeExitWith(ctx context.Context, cfg config.EngineConfig, gen uint64, lv LevelView, plan ExitPlan) error {
	clientID := newClientID("x", lv.Index)
	r, side, qty, ok := e.ledger.ReserveExit(gen, lv.Index, clientID, ExitSpec{
		Price:        plan.Price,
		Type:         plan.Type,
		Trailing:     plan.Trailing,
		TrailingStop: plan.Stop,
	}, e.now())
	if !ok {
		return nil
	}

	req := types.OrderRequest{
		Symbol:        cfg.Symbol,
		Side:          side,
		Type:          plan.Type,
		Quantity:      qty,
		ReduceOnly:    true,
		ClientOrderID: clientID,
	}
	if plan.Type == types.OrderTypeStopMarket {
		req.StopPrice = plan.Price
	} else {
		req.Price = plan.Price
	}
	if err := e.submit(ctx, r, req, "exit"); err != nil {
		return err
	}

	_ = e.audit.RecordEvent(ctx, store.GridEvent{
		Type:  "exit_placed",
		Level: lv.Index,
		Price: plan.Price,
		Detail: map[string]any{
			"source":      plan.Source,
			"entry_price": lv.EntryPrice.String(),
			"quantity":    qty.String(),
			"trailing":    plan.Trailing,
		},
	})
	return nil
}

// placeExits covers every uncovered held rung
func (e *Engine) placeExits(ctx context.Context, cfg config.EngineConfig, gen uint64) int {
	var n int
	for _, lv := range e.ledger.Levels() {
		if lv.State != StatePositionHeld {
			continue
		}
		if err := e.placeExit(ctx, cfg, gen, lv.Index); err == nil {
			n++
		}
		e.pace(ctx, cfg.PlacementDelay)
	}
	return n
}

// CancelAllOrders bulk-cancels the symbol and clears every order binding.
// Rungs holding a position keep it.
func (e *Engine) CancelAllOrders(ctx context.Context) error {
	cfg := e.Config()
	if err := e.ex.CancelAllOrders(ctx, cfg.Symbol); err != nil {
		logger.Errorf("[Grid] failed to cancel all orders: %v", err)
		return err
	}
	e.ledger.ClearOrders()
	logger.Infof("[Grid] all orders cancelled")
	return nil
}

// ============================================================================
// Rebalancing
// ============================================================================

// OnEntryFilled reacts to a completed entry of rung index
func (e *Engine) OnEntryFilled(ctx context.Context, gen uint64, index int) {
	cfg := e.Config()
	if cfg.Rebalance == config.RebalanceDynamic {
		if err := e.Rebuild(ctx, cfg, "entry fill", false); err != nil {
			logger.Warnf("[Grid] dynamic rebalance failed: %v", err)
		}
		return
	}
	e.CoverPosition(ctx, gen, index)
}

// CoverPosition places the exit of a held rung whatever the rebalance mode
func (e *Engine) CoverPosition(ctx context.Context, gen uint64, index int) {
	if err := e.placeExit(ctx, e.Config(), gen, index); err != nil {
		logger.Warnf("[Grid] level %d left without exit, retried by the trailing updater: %v", index, err)
	}
}

// OnExitFilled reacts to a completed exit of rung index. The rung stays
// settled until the verdict is known.
func (e *Engine) OnExitFilled(ctx context.Context, gen uint64, index int) {
	cfg := e.Config()

	if cfg.Rebalance == config.RebalanceDynamic {
		e.ledger.ResetSettled(gen, index)
		if err := e.Rebuild(ctx, cfg, "exit fill", false); err != nil {
			logger.Warnf("[Grid] dynamic rebalance failed: %v", err)
		}
		return
	}

	decision := market.RegridDecision{Verdict: market.VerdictReplace, Mode: cfg.Mode}
	if e.analysis != nil {
		decision = e.analysis.ShouldRegrid(ctx, cfg.Symbol, cfg.Mode)
	}
	if !e.ledger.ResetSettled(gen, index) {
		return
	}

	switch decision.Verdict {
	case market.VerdictReplace:
		e.placeEntryAt(ctx, cfg, gen, index)
	case market.VerdictRegrid:
		if decision.Mode == cfg.Mode {
			logger.Infof("[Grid] re-grid verdict keeps %s, refilling level %d", cfg.Mode, index)
			e.placeEntryAt(ctx, cfg, gen, index)
			return
		}
		reason := fmt.Sprintf("trend reversal (score %+d)", decision.Score)
		if _, err := e.SwitchSide(ctx, decision.Mode, reason); err != nil {
			logger.Errorf("[Grid] re-grid to %s failed: %v", decision.Mode, err)
		}
	case market.VerdictWait:
		logger.Infof("[Grid] level %d left empty until the reversal is confirmed", index)
	}
}

// SwitchSide trades mode from now on. It returns the new configuration
// and rebuilds the ladder for it.
func (e *Engine) SwitchSide(ctx context.Context, mode types.TradingMode, reason string) (config.EngineConfig, error) {
	cur := e.Config()
	if !mode.Valid() {
		return cur, &types.ValidationError{Op: "switch side", Reason: fmt.Sprintf("unknown mode %q", mode)}
	}
	if cur.Mode == mode {
		return cur, nil
	}
	next := cur.WithMode(mode)
	e.cfg.Store(&next)

	logger.Infof("[Grid] 🔄 switching side %s -> %s: %s", cur.Mode, mode, reason)
	e.notifier.Notify(notify.StateChanged{From: string(cur.Mode), To: string(mode), Reason: reason})
	_ = e.audit.RecordEvent(ctx, store.GridEvent{
		Type:   "side_switch",
		Level:  -1,
		Detail: map[string]any{"from": string(cur.Mode), "to": string(mode), "reason": reason},
	})
	return next, e.Rebuild(ctx, next, "side switch", true)
}

// Rebuild cancels the ladder and recomputes it around the current price,
// carrying held positions into the new rungs. When wait is false and
// another rebuild is running, the call is dropped.
func (e *Engine) Rebuild(ctx context.Context, cfg config.EngineConfig, reason string, wait bool) error {
	if wait {
		e.rebuildMu.Lock()
	} else if !e.rebuildMu.TryLock() {
		logger.Debugf("[Grid] rebuild already running, %s skipped", reason)
		return nil
	}
	defer e.rebuildMu.Unlock()

	if e.halted.Load() {
		return nil
	}

	price, err := e.ex.GetTickerPrice(ctx, cfg.Symbol)
	if err != nil {
		return fmt.Errorf("rebuild price: %w", err)
	}
	if err := e.CancelAllOrders(ctx); err != nil {
		return fmt.Errorf("rebuild cancel: %w", err)
	}

	holdings, amount := e.currentHoldings(ctx, cfg)
	geo, levels := CalculateLevels(cfg, price)
	for _, h := range holdings {
		if _, ok := Adopt(levels, h); !ok {
			logger.Errorf("[Grid] no free level for %s position %s @ %s", h.Side, h.Quantity, h.EntryPrice)
		}
	}
	gen := e.ledger.Replace(geo, levels)
	e.ledger.ObservePrice(price)
	e.ledger.SetLastKnownAmount(amount)
	e.harvest.Store(cfg.HarvestMode)

	logger.Infof("[Grid] ladder rebuilt (%s): %d levels %s - %s around %s, %d positions carried",
		reason, len(levels), geo.Lower, geo.Upper, price, len(holdings))

	exits := e.placeExits(ctx, cfg, gen)
	entries := e.PlaceEntries(ctx, price)
	if e.analysis != nil {
		e.analysis.RecordPlacement()
	}

	_ = e.audit.RecordEvent(ctx, store.GridEvent{
		Type:  "regrid",
		Level: -1,
		Price: price,
		Detail: map[string]any{
			"reason":  reason,
			"mode":    string(cfg.Mode),
			"lower":   geo.Lower.String(),
			"upper":   geo.Upper.String(),
			"exits":   exits,
			"entries": entries,
		},
	})
	return nil
}

// currentHoldings returns the positions to carry into a new ladder. The
// ledger detail is kept while it agrees with the exchange net position;
// otherwise the exchange position replaces it.
func (e *Engine) currentHoldings(ctx context.Context, cfg config.EngineConfig) ([]Holding, decimal.Decimal) {
	holdings := e.ledger.Holdings()
	var local decimal.Decimal
	for _, h := range holdings {
		if h.Side == types.SideBuy {
			local = local.Add(h.Quantity)
		} else {
			local = local.Sub(h.Quantity)
		}
	}

	positions, err := e.ex.GetPositions(ctx, cfg.Symbol)
	if err != nil {
		logger.Warnf("[Grid] position check failed, trusting the ledger: %v", err)
		return holdings, local
	}
	var remote types.Position
	for _, p := range positions {
		if p.Symbol == cfg.Symbol || p.Symbol == "" {
			remote = p
		}
	}

	if withinTolerance(local, remote.Amount, cfg.ReconcileTolerance) {
		return holdings, remote.Amount
	}
	logger.Warnf("[Grid] ledger position %s differs from exchange %s, adopting the exchange position", local, remote.Amount)
	if remote.Amount.IsZero() {
		return nil, remote.Amount
	}
	return []Holding{{
		Side:       remote.EntrySide(),
		EntryPrice: remote.EntryPrice,
		Quantity:   remote.Amount.Abs(),
		OpenedAt:   e.now(),
	}}, remote.Amount
}

// withinTolerance reports whether a and b differ by at most pct percent of b
func withinTolerance(a, b, pct decimal.Decimal) bool {
	diff := a.Sub(b).Abs()
	if b.IsZero() {
		return diff.IsZero()
	}
	return !diff.GreaterThan(b.Abs().Mul(pct).Div(hundred))
}

// TopUp refills free rungs around the current price
func (e *Engine) TopUp(ctx context.Context) int {
	if e.halted.Load() || e.paused.Load() {
		return 0
	}
	cfg := e.Config()
	price, err := e.ex.GetTickerPrice(ctx, cfg.Symbol)
	if err != nil {
		logger.Warnf("[Grid] top-up price failed: %v", err)
		price = decimal.Zero
	} else {
		e.ledger.ObservePrice(price)
	}
	n := e.PlaceEntries(ctx, price)
	if n > 0 {
		logger.Infof("[Grid] top-up placed %d entries", n)
	}
	return n
}

// CheckDrift rebuilds the ladder once price left the bounds by more than
// the drift threshold. Fixed-bound ladders never drift.
func (e *Engine) CheckDrift(ctx context.Context) (bool, error) {
	if e.halted.Load() {
		return false, nil
	}
	cfg := e.Config()
	if cfg.LowerPrice.IsPositive() && cfg.UpperPrice.IsPositive() {
		return false, nil
	}
	price, err := e.ex.GetTickerPrice(ctx, cfg.Symbol)
	if err != nil {
		return false, err
	}
	e.ledger.ObservePrice(price)

	geo := e.ledger.Geometry()
	if !geo.Upper.IsPositive() || geo.Contains(price, cfg.DriftPercent) {
		return false, nil
	}
	logger.Warnf("[Grid] price %s drifted outside %s - %s by more than %s%%, re-centering",
		price, geo.Lower, geo.Upper, cfg.DriftPercent)
	return true, e.Rebuild(ctx, cfg, "price drift", true)
}
