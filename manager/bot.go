package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"astergrid/config"
	"astergrid/kernel"
	"astergrid/logger"
	"astergrid/market"
	"astergrid/metrics"
	"astergrid/notify"
	"astergrid/store"
	"astergrid/trader/types"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const (
	statusInterval  = 60 * time.Second
	summaryInterval = time.Hour
	fundingInterval = 30 * time.Minute
	fundingCooldown = 4 * time.Hour
	finalizeTimeout = 10 * time.Second
)

var hundred = decimal.NewFromInt(100)

// Service is a long-lived component run alongside the grid
type Service interface {
	Run(ctx context.Context) error
}

// ServiceFunc adapts a function to Service
type ServiceFunc func(ctx context.Context) error

func (f ServiceFunc) Run(ctx context.Context) error { return f(ctx) }

// PriceFeed pushes mark prices until ctx is done
type PriceFeed interface {
	Run(ctx context.Context, onPrice func(decimal.Decimal)) error
}

// FundingSource reports the last funding rate as a fraction
type FundingSource interface {
	FundingRate(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Deps are the collaborators of a GridBot. Only Exchange is required.
type Deps struct {
	Exchange types.Exchange
	Setup    types.AccountSetup
	Stream   types.EventStream
	Prices   PriceFeed
	Funding  FundingSource
	Analyzer *market.Analyzer
	Audit    *store.AuditLog
	Notifier notify.Sink
	Now      func() time.Time
}

// GridBot owns one trading session: it prepares the account, rebuilds the
// ladder from the exchange, then runs the event consumer and the periodic
// tasks until the context is cancelled or the circuit breaker halts it.
type GridBot struct {
	cfg      *config.Config
	ex       types.Exchange
	setup    types.AccountSetup
	stream   types.EventStream
	prices   PriceFeed
	funding  FundingSource
	analyzer *market.Analyzer
	audit    *store.AuditLog
	notifier notify.Sink
	now      func() time.Time

	engine    *kernel.Engine
	processor *kernel.EventProcessor
	risk      *kernel.RiskMonitor
	spikes    *market.SpikeDetector

	services []Service
	outbox   []Service

	mu             sync.Mutex
	started        time.Time
	marketState    market.State
	volPaused      bool
	lastSummary    time.Time
	fundingAlerted time.Time
	stopReason     string
}

// New creates a bot for cfg
func New(cfg *config.Config, deps Deps) *GridBot {
	b := &GridBot{
		cfg:      cfg,
		ex:       deps.Exchange,
		setup:    deps.Setup,
		stream:   deps.Stream,
		prices:   deps.Prices,
		funding:  deps.Funding,
		analyzer: deps.Analyzer,
		audit:    deps.Audit,
		notifier: deps.Notifier,
		now:      deps.Now,
		spikes:   market.NewSpikeDetector(),
	}
	if b.notifier == nil {
		b.notifier = notify.LogSink{}
	}
	if b.now == nil {
		b.now = time.Now
	}

	opts := kernel.Options{Notifier: b.notifier, Now: b.now}
	if b.analyzer != nil {
		opts.Analysis = b.analyzer
	}
	if b.audit != nil {
		opts.Audit = b.audit
	}
	ledger := kernel.NewLedger(cfg.InitialCapital, b.now())
	b.engine = kernel.NewEngine(b.ex, ledger, cfg.Engine(), opts)
	b.processor = kernel.NewEventProcessor(b.engine)
	b.risk = kernel.NewRiskMonitor(b.engine, cfg.Limits())
	b.started = b.now()
	return b
}

// AddService runs s next to the grid. Must be called before Run.
func (b *GridBot) AddService(s Service) {
	b.services = append(b.services, s)
}

// AddOutbox runs a notification worker. It starts before the session is
// prepared and stops after the final report was queued.
func (b *GridBot) AddOutbox(s Service) {
	b.outbox = append(b.outbox, s)
}

// Engine exposes the grid engine
func (b *GridBot) Engine() *kernel.Engine {
	return b.engine
}

// ============================================================================
// Lifecycle
// ============================================================================

// Run prepares the session and trades until ctx is done. Resting orders
// are left on the exchange at exit; the next start reconciles them.
func (b *GridBot) Run(ctx context.Context) error {
	// notification workers outlive the trading tasks so the stop message is delivered
	outCtx, closeOutbox := context.WithCancel(context.WithoutCancel(ctx))
	var outbox sync.WaitGroup
	for _, s := range b.outbox {
		s := s
		outbox.Add(1)
		go func() {
			defer outbox.Done()
			if err := s.Run(outCtx); err != nil {
				logger.Warnf("[Notify] worker stopped: %v", err)
			}
		}()
	}
	defer func() {
		closeOutbox()
		outbox.Wait()
	}()

	if err := b.prepare(ctx); err != nil {
		return err
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)

	events := make(chan types.Event, max(b.cfg.Exchange.EventBuffer, 1))
	if b.stream != nil {
		g.Go(func() error { return b.stream.Run(gctx, events) })
	} else {
		logger.Warnf("[Grid] no event stream, fills are only seen through reconciliation")
	}
	g.Go(func() error {
		if err := b.processor.Run(gctx, events); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		_ = b.risk.Run(gctx, b.cfg.Risk.CheckInterval)
		if b.engine.Halted() {
			b.setStopReason("circuit breaker")
			stop()
		}
		return nil
	})

	if b.cfg.Grid.TrailingExit {
		b.every(gctx, g, b.cfg.Grid.TrailingInterval, "trailing", func(ctx context.Context) {
			if _, err := b.engine.UpdateTrailingExits(ctx); err != nil {
				logger.Warnf("[Grid] trailing update failed: %v", err)
			}
		})
	}
	b.every(gctx, g, b.cfg.Grid.DriftInterval, "drift", func(ctx context.Context) {
		if _, err := b.engine.CheckDrift(ctx); err != nil {
			logger.Warnf("[Grid] drift check failed: %v", err)
		}
	})
	if b.analyzer != nil {
		b.every(gctx, g, b.cfg.Strategy.CheckInterval, "strategy", b.superviseStrategy)
	}
	if b.funding != nil {
		b.every(gctx, g, fundingInterval, "funding", b.checkFunding)
	}
	b.every(gctx, g, statusInterval, "status", b.logStatus)

	if b.prices != nil {
		g.Go(func() error { return b.prices.Run(gctx, b.onMarkPrice) })
	}
	for _, s := range b.services {
		s := s
		g.Go(func() error { return s.Run(gctx) })
	}

	err := g.Wait()
	b.processor.Wait()
	if err != nil {
		b.setStopReason("error: " + err.Error())
	} else {
		b.setStopReason("shutdown requested")
	}
	b.finish()
	return err
}

// withRules loads the symbol filters into cfg, keeping the defaults when
// exchange info is unavailable
func (b *GridBot) withRules(ctx context.Context, cfg config.EngineConfig) config.EngineConfig {
	if b.setup == nil {
		return cfg
	}
	rules, err := b.setup.SymbolRules(ctx, cfg.Symbol)
	if err != nil {
		logger.Warnf("[Grid] symbol rules unavailable, using defaults: %v", err)
		return cfg
	}
	return cfg.WithRules(rules)
}

// Reconcile rebuilds the ladder from the exchange and covers the open
// position without placing entries or starting the session
func (b *GridBot) Reconcile(ctx context.Context) (kernel.ReconcileReport, error) {
	b.engine.Configure(b.withRules(ctx, b.engine.Config()))
	return kernel.NewReconciler(b.engine).Reconcile(ctx)
}

// prepare sets the account up and rebuilds the ladder from the exchange
func (b *GridBot) prepare(ctx context.Context) error {
	cfg := b.withRules(ctx, b.engine.Config())

	if b.setup != nil {
		if err := b.setup.SetLeverage(ctx, cfg.Symbol, cfg.Leverage); err != nil {
			return fmt.Errorf("set leverage: %w", err)
		}
		if err := b.setup.SetMarginType(ctx, cfg.Symbol, b.cfg.Trading.MarginType); err != nil {
			return fmt.Errorf("set margin type: %w", err)
		}
	}

	if b.cfg.Trading.AutoSide && b.analyzer != nil {
		if an, err := b.analyzer.Analyze(ctx, cfg.Symbol); err != nil {
			logger.Warnf("[Grid] startup analysis failed, keeping %s: %v", cfg.Mode, err)
		} else {
			b.setMarketState(an.State)
			if mode, ok := an.Recommended.Mode(); ok && mode != cfg.Mode {
				logger.Infof("[Grid] auto side: %s recommended over %s (%s)", mode, cfg.Mode, an)
				cfg = cfg.WithMode(mode)
			}
		}
	}
	b.engine.Configure(cfg)

	balance, err := b.marginBalance(ctx, cfg.MarginAsset)
	if err != nil {
		return err
	}
	if balance.IsPositive() {
		b.engine.Ledger().SetInitialBalance(balance)
	} else {
		logger.Warnf("[Grid] %s balance is zero, drawdown is measured against %s", cfg.MarginAsset, b.cfg.InitialCapital)
	}
	snap := b.engine.Ledger().Snapshot()

	if b.audit != nil {
		if _, err := b.audit.StartSession(ctx, cfg.Symbol, string(cfg.Mode), snap.InitialBalance, b.cfg.DryRun); err != nil {
			logger.Warnf("[Grid] audit session not recorded: %v", err)
		}
	}

	report, err := kernel.NewReconciler(b.engine).Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	logger.Infof("[Grid] reconciled: %d canceled, %d kept, %d adopted, %d exits placed, position %s",
		report.Canceled, report.Kept, report.Adopted, report.ExitsPlaced, report.Position)

	snap = b.engine.Ledger().Snapshot()
	placed := b.engine.PlaceEntries(ctx, snap.LastPrice)
	logger.Infof("[Grid] ✅ grid live: %d levels %s - %s, %d entries placed, side %s",
		b.engine.Ledger().Len(), snap.Geometry.Lower, snap.Geometry.Upper, placed, cfg.Mode)

	b.mu.Lock()
	b.started = b.now()
	b.lastSummary = b.started
	b.mu.Unlock()

	b.notifier.Notify(notify.BotStarted{
		Symbol:   cfg.Symbol,
		Mode:     string(cfg.Mode),
		Balance:  snap.InitialBalance,
		Levels:   b.engine.Ledger().Len(),
		Lower:    snap.Geometry.Lower,
		Upper:    snap.Geometry.Upper,
		Leverage: cfg.Leverage,
		DryRun:   b.cfg.DryRun,
	})
	return nil
}

func (b *GridBot) marginBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	balances, err := b.ex.GetBalances(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("balances: %w", err)
	}
	for _, bal := range balances {
		if bal.Asset == asset {
			return bal.WalletBalance, nil
		}
	}
	return decimal.Zero, nil
}

// finish records the session end. It runs on a fresh context because the
// run context is already cancelled.
func (b *GridBot) finish() {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	snap := b.engine.Ledger().Snapshot()
	reason := b.StopReason()
	if b.audit != nil {
		if err := b.audit.EndSession(ctx, snap.CurrentBalance, snap.Trades, snap.RealizedPnL, reason); err != nil {
			logger.Warnf("[Grid] audit session not closed: %v", err)
		}
	}
	b.notifier.Notify(notify.BotStopped{
		Reason:       reason,
		Trades:       snap.Trades,
		RealizedPnL:  snap.RealizedPnL,
		FinalBalance: snap.CurrentBalance,
	})

	logger.Infof("[Grid] ============================================================")
	logger.Infof("[Grid] FINAL REPORT (%s)", reason)
	logger.Infof("[Grid] Total Trades: %d", snap.Trades)
	logger.Infof("[Grid] Final Balance: %s", snap.CurrentBalance.StringFixed(2))
	logger.Infof("[Grid] Realized PnL: %s", snap.RealizedPnL.StringFixed(4))
	logger.Infof("[Grid] Unrealized PnL: %s", snap.UnrealizedPnL.StringFixed(4))
	logger.Infof("[Grid] Total Runtime: %s", b.uptime().Truncate(time.Second))
	logger.Infof("[Grid] ============================================================")
}

func (b *GridBot) setStopReason(reason string) {
	b.mu.Lock()
	if b.stopReason == "" {
		b.stopReason = reason
	}
	b.mu.Unlock()
}

// StopReason is why the last Run ended
func (b *GridBot) StopReason() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopReason
}

// every runs fn on a ticker inside g
func (b *GridBot) every(ctx context.Context, g *errgroup.Group, interval time.Duration, name string, fn func(ctx context.Context)) {
	if interval <= 0 {
		logger.Debugf("[Grid] %s loop disabled", name)
		return
	}
	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if b.engine.Halted() {
					return nil
				}
				fn(ctx)
			}
		}
	})
}

// ============================================================================
// Periodic tasks
// ============================================================================

func (b *GridBot) logStatus(ctx context.Context) {
	snap := b.engine.Ledger().Snapshot()
	logger.Infof("[Grid] STATUS | Balance: %s | uPnL: %s | Drawdown: %s%% | Trades: %d | Orders: %d | Positions: %d | Runtime: %s",
		snap.CurrentBalance.StringFixed(2), snap.UnrealizedPnL.StringFixed(4), snap.DrawdownPercent.StringFixed(2),
		snap.Trades, snap.ActiveOrders, snap.Positions, b.uptime().Truncate(time.Second))
	metrics.SetDecimal(metrics.RealizedPnL, snap.RealizedPnL)

	b.mu.Lock()
	due := b.now().Sub(b.lastSummary) >= summaryInterval
	if due {
		b.lastSummary = b.now()
	}
	b.mu.Unlock()
	if due {
		b.sendSummary(ctx, snap)
	}
}

func (b *GridBot) sendSummary(ctx context.Context, snap kernel.Snapshot) {
	s := notify.Summary{
		Trades:        snap.Trades,
		RealizedPnL:   snap.RealizedPnL,
		UnrealizedPnL: snap.UnrealizedPnL,
		Balance:       snap.CurrentBalance,
		ActiveOrders:  snap.ActiveOrders,
		Positions:     snap.Positions,
	}
	if b.audit != nil {
		if sum, err := b.audit.Summary(ctx, b.now().Add(-summaryInterval)); err != nil {
			logger.Warnf("[Grid] summary query failed: %v", err)
		} else {
			s.Trades = sum.Trades
			s.RealizedPnL = sum.RealizedPnL
		}
		for _, bal := range b.balanceSnapshot(ctx) {
			if err := b.audit.RecordBalance(ctx, bal); err != nil {
				logger.Warnf("[Grid] balance snapshot not recorded: %v", err)
			}
		}
	}
	if b.analyzer != nil {
		if an, err := b.analyzer.Latest(ctx, b.engine.Config().Symbol); err == nil {
			s.State = string(an.State)
			s.Score = an.Score
			s.RSI = an.RSI
			s.Price = an.Price
			s.Side = string(b.engine.Config().Mode)
		}
	}
	b.notifier.Notify(s)
}

func (b *GridBot) balanceSnapshot(ctx context.Context) []store.BalanceSnapshot {
	balances, err := b.ex.GetBalances(ctx)
	if err != nil {
		logger.Warnf("[Grid] balance snapshot failed: %v", err)
		return nil
	}
	snap := b.engine.Ledger().Snapshot()
	var out []store.BalanceSnapshot
	for _, bal := range balances {
		if bal.WalletBalance.IsZero() {
			continue
		}
		out = append(out, store.BalanceSnapshot{
			Time:             b.now(),
			Asset:            bal.Asset,
			Balance:          bal.WalletBalance,
			AvailableBalance: bal.AvailableBalance,
			UnrealizedPnL:    bal.UnrealizedPnL,
			RealizedPnL:      snap.RealizedPnL,
		})
	}
	return out
}

// superviseStrategy follows the market regime: extreme volatility pauses
// entries, and with auto side the grid flips once a reversal is confirmed
func (b *GridBot) superviseStrategy(ctx context.Context) {
	cfg := b.engine.Config()
	an, err := b.analyzer.Analyze(ctx, cfg.Symbol)
	if err != nil {
		logger.Warnf("[Grid] strategy check failed: %v", err)
		return
	}
	logger.Infof("[Grid] market: %s", an)

	if prev := b.setMarketState(an.State); prev != an.State && prev != "" {
		b.notifier.Notify(notify.StateChanged{
			From:   string(prev),
			To:     string(an.State),
			Reason: fmt.Sprintf("score %+d, volatility %.2f%%", an.Score, an.VolatilityPercent),
		})
	}

	b.mu.Lock()
	volPaused := b.volPaused
	b.mu.Unlock()
	switch {
	case an.Extreme() && !volPaused:
		if b.engine.Pause(fmt.Sprintf("extreme volatility %.2f%%", an.VolatilityPercent)) {
			b.mu.Lock()
			b.volPaused = true
			b.mu.Unlock()
		}
	case !an.Extreme() && volPaused:
		b.mu.Lock()
		b.volPaused = false
		b.mu.Unlock()
		b.engine.Resume(ctx, "volatility normalized")
	}

	if !b.cfg.Trading.AutoSide {
		return
	}
	if mode, ok := b.analyzer.CheckSwitch(an, cfg.Mode); ok {
		reason := fmt.Sprintf("trend score %+d confirmed", an.Score)
		if _, err := b.engine.SwitchSide(ctx, mode, reason); err != nil {
			logger.Errorf("[Grid] side switch to %s failed: %v", mode, err)
		}
	}
}

func (b *GridBot) setMarketState(s market.State) market.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	prev := b.marketState
	b.marketState = s
	return prev
}

// checkFunding alerts when the funding rate works against the traded side
func (b *GridBot) checkFunding(ctx context.Context) {
	cfg := b.engine.Config()
	rate, err := b.funding.FundingRate(ctx, cfg.Symbol)
	if err != nil {
		logger.Warnf("[Grid] funding rate unavailable: %v", err)
		return
	}
	pct := rate.Mul(hundred)
	threshold := b.cfg.Strategy.FundingAlertPct
	if !threshold.IsPositive() || pct.Abs().LessThan(threshold) {
		return
	}
	// longs pay positive funding, shorts pay negative funding
	adverse := (cfg.Mode == types.ModeLong && pct.IsPositive()) ||
		(cfg.Mode == types.ModeShort && pct.IsNegative()) ||
		cfg.Mode == types.ModeBoth
	if !adverse {
		return
	}

	b.mu.Lock()
	if !b.fundingAlerted.IsZero() && b.now().Sub(b.fundingAlerted) < fundingCooldown {
		b.mu.Unlock()
		return
	}
	b.fundingAlerted = b.now()
	b.mu.Unlock()

	logger.Warnf("[Grid] funding rate %s%% against %s", pct.StringFixed(4), cfg.Mode)
	b.notifier.Notify(notify.Alert{
		Title:   "High funding rate",
		Message: fmt.Sprintf("%s funding `%s%%` works against the %s grid", cfg.Symbol, pct.StringFixed(4), cfg.Mode),
	})
}

// onMarkPrice tracks the session high and raises spike alerts
func (b *GridBot) onMarkPrice(price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	b.engine.Ledger().ObservePrice(price)
	change, spike := b.spikes.Observe(b.now(), price)
	if !spike {
		return
	}
	direction := "📈 up"
	if change.IsNegative() {
		direction = "📉 down"
	}
	msg := fmt.Sprintf("%s moved %s `%s%%` within 5 minutes, mark `%s`",
		b.engine.Config().Symbol, direction, change.Mul(hundred).Abs().StringFixed(2), price)
	logger.Warnf("[Grid] price spike: %s", msg)
	b.notifier.Notify(notify.Alert{Title: "Price spike", Message: msg})
}

// CatchUp replays fills and position changes missed while the stream was
// disconnected. It is installed as the stream reconnect hook.
func (b *GridBot) CatchUp(ctx context.Context, out chan<- types.Event) {
	cfg := b.engine.Config()
	push := func(ev types.Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	replayed := 0
	for _, lv := range b.engine.Ledger().Levels() {
		for _, id := range []string{lv.EntryOrderID, lv.ExitOrderID} {
			if id == "" {
				continue
			}
			o, err := b.ex.GetOrder(ctx, cfg.Symbol, id)
			if err != nil {
				logger.Warnf("[Grid] catch-up order %s: %v", id, err)
				continue
			}
			if o.Status == types.StatusNew {
				continue
			}
			if !push(o.Event()) {
				return
			}
			replayed++
		}
	}

	positions, err := b.ex.GetPositions(ctx, cfg.Symbol)
	if err != nil {
		logger.Warnf("[Grid] catch-up positions: %v", err)
		return
	}
	amount, entry, upnl := decimal.Zero, decimal.Zero, decimal.Zero
	for _, p := range positions {
		if p.Symbol == cfg.Symbol {
			amount, entry, upnl = p.Amount, p.EntryPrice, p.UnrealizedPnL
		}
	}
	push(&types.PositionEvent{Symbol: cfg.Symbol, Amount: amount, EntryPrice: entry, UnrealizedPnL: upnl, Time: b.now()})
	logger.Infof("[Grid] catch-up after reconnect: %d order updates replayed", replayed)
}

func (b *GridBot) uptime() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now().Sub(b.started)
}
