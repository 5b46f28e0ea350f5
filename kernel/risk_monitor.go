package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"astergrid/config"
	"astergrid/logger"
	"astergrid/metrics"
	"astergrid/notify"
	"astergrid/store"

	"github.com/shopspring/decimal"
)

// RiskVerdict is the circuit breaker outcome
type RiskVerdict int

const (
	RiskContinue RiskVerdict = iota
	RiskPause
	RiskShutdown
)

func (v RiskVerdict) String() string {
	switch v {
	case RiskPause:
		return "PAUSE"
	case RiskShutdown:
		return "SHUTDOWN"
	}
	return "CONTINUE"
}

// RiskInput is the account state a verdict is computed from
type RiskInput struct {
	DrawdownPercent  decimal.Decimal
	DailyLossPercent decimal.Decimal
	Holding          bool
	SessionHigh      decimal.Decimal
	Price            decimal.Decimal
	Balance          decimal.Decimal
}

// RiskDecision is a verdict with its reason
type RiskDecision struct {
	Verdict RiskVerdict
	Reason  string
}

// EvaluateRisk returns the first triggered limit: max drawdown, daily
// loss, trailing stop from the session high, then minimum balance
func EvaluateRisk(limits config.RiskLimits, in RiskInput) RiskDecision {
	if limits.MaxDrawdownPct.IsPositive() && in.DrawdownPercent.GreaterThanOrEqual(limits.MaxDrawdownPct) {
		return RiskDecision{RiskShutdown, fmt.Sprintf("drawdown %s%% >= %s%%", in.DrawdownPercent.StringFixed(2), limits.MaxDrawdownPct)}
	}
	if limits.DailyLossLimitPct.IsPositive() && in.DailyLossPercent.GreaterThanOrEqual(limits.DailyLossLimitPct) {
		return RiskDecision{RiskPause, fmt.Sprintf("daily loss %s%% >= %s%%", in.DailyLossPercent.StringFixed(2), limits.DailyLossLimitPct)}
	}
	if limits.TrailingStopPct.IsPositive() && in.Holding && in.SessionHigh.IsPositive() && in.Price.IsPositive() {
		drop := in.SessionHigh.Sub(in.Price).Div(in.SessionHigh).Mul(hundred)
		if drop.GreaterThanOrEqual(limits.TrailingStopPct) {
			return RiskDecision{RiskShutdown, fmt.Sprintf("price %s fell %s%% from session high %s", in.Price, drop.StringFixed(2), in.SessionHigh)}
		}
	}
	if limits.MinBalance.IsPositive() && in.Balance.LessThan(limits.MinBalance) {
		return RiskDecision{RiskShutdown, fmt.Sprintf("balance %s below minimum %s", in.Balance.StringFixed(2), limits.MinBalance)}
	}
	return RiskDecision{Verdict: RiskContinue}
}

// RiskMonitor periodically refreshes the account and applies the circuit
// breakers to the engine
type RiskMonitor struct {
	engine *Engine
	limits config.RiskLimits

	mu          sync.Mutex
	pausedUntil time.Time
}

// NewRiskMonitor creates a monitor enforcing limits on engine
func NewRiskMonitor(engine *Engine, limits config.RiskLimits) *RiskMonitor {
	return &RiskMonitor{engine: engine, limits: limits}
}

// Refresh pulls balance, position and price from the exchange into the
// ledger. Failures keep the previous readings.
func (m *RiskMonitor) Refresh(ctx context.Context) {
	e := m.engine
	cfg := e.Config()

	if balances, err := e.ex.GetBalances(ctx); err != nil {
		logger.Warnf("[Risk] balance refresh failed: %v", err)
	} else {
		for _, b := range balances {
			if b.Asset == cfg.MarginAsset {
				e.ledger.SetBalance(b.WalletBalance)
			}
		}
	}

	if positions, err := e.ex.GetPositions(ctx, cfg.Symbol); err != nil {
		logger.Warnf("[Risk] position refresh failed: %v", err)
	} else {
		unrealized := decimal.Zero
		for _, p := range positions {
			unrealized = unrealized.Add(p.UnrealizedPnL)
		}
		// close detection belongs to the event stream
		e.ledger.SetUnrealized(unrealized)
	}

	if price, err := e.ex.GetTickerPrice(ctx, cfg.Symbol); err != nil {
		logger.Warnf("[Risk] price refresh failed: %v", err)
	} else {
		e.ledger.ObservePrice(price)
	}
}

// Check evaluates the limits and enforces the verdict
func (m *RiskMonitor) Check(ctx context.Context) RiskDecision {
	e := m.engine
	if e.Halted() {
		return RiskDecision{Verdict: RiskShutdown, Reason: "halted"}
	}
	now := e.now()
	e.ledger.RollDaily(now)
	m.Refresh(ctx)

	snap := e.ledger.Snapshot()
	metrics.SetDecimal(metrics.DrawdownPercent, snap.DrawdownPercent)
	metrics.SetDecimal(metrics.UnrealizedPnL, snap.UnrealizedPnL)
	metrics.PositionsHeld.Set(float64(snap.Positions))

	decision := EvaluateRisk(m.limits, RiskInput{
		DrawdownPercent:  snap.DrawdownPercent,
		DailyLossPercent: snap.DailyLossPercent,
		Holding:          snap.Positions > 0,
		SessionHigh:      snap.SessionHigh,
		Price:            snap.LastPrice,
		Balance:          snap.CurrentBalance,
	})
	metrics.RiskVerdicts.WithLabelValues(decision.Verdict.String()).Inc()

	switch decision.Verdict {
	case RiskContinue:
		m.maybeResume(ctx, now)
	case RiskPause:
		m.mu.Lock()
		if m.pausedUntil.IsZero() {
			m.pausedUntil = now.Add(m.pauseWindow())
		}
		until := m.pausedUntil
		m.mu.Unlock()
		if e.Pause(decision.Reason) {
			logger.Warnf("[Risk] ⏸️ %s, entries paused until %s", decision.Reason, until.Format(time.DateTime))
			m.trip(ctx, decision, snap)
		}
	case RiskShutdown:
		logger.Errorf("[Risk] 🚨 circuit breaker: %s", decision.Reason)
		m.trip(ctx, decision, snap)
		if err := e.Shutdown(ctx, decision.Reason); err != nil {
			logger.Errorf("[Risk] shutdown incomplete: %v", err)
		}
	}
	return decision
}

func (m *RiskMonitor) pauseWindow() time.Duration {
	if m.limits.PauseWindow > 0 {
		return m.limits.PauseWindow
	}
	return 24 * time.Hour
}

// maybeResume lifts a risk pause once its window elapsed
func (m *RiskMonitor) maybeResume(ctx context.Context, now time.Time) {
	m.mu.Lock()
	until := m.pausedUntil
	if until.IsZero() || now.Before(until) {
		m.mu.Unlock()
		return
	}
	m.pausedUntil = time.Time{}
	m.mu.Unlock()

	if m.engine.Resume(ctx, "daily loss window elapsed") {
		logger.Infof("[Risk] ▶️ daily loss window elapsed, entries resumed")
	}
}

func (m *RiskMonitor) trip(ctx context.Context, d RiskDecision, snap Snapshot) {
	e := m.engine
	e.notifier.Notify(notify.CircuitBreaker{
		Verdict:  d.Verdict.String(),
		Reason:   d.Reason,
		Drawdown: snap.DrawdownPercent,
		Balance:  snap.CurrentBalance,
	})
	_ = e.audit.RecordEvent(ctx, store.GridEvent{
		Type:  "circuit_breaker",
		Level: -1,
		Price: snap.LastPrice,
		Detail: map[string]any{
			"verdict":  d.Verdict.String(),
			"reason":   d.Reason,
			"drawdown": snap.DrawdownPercent.StringFixed(2),
			"balance":  snap.CurrentBalance.String(),
		},
	})
}

// Run checks every interval until ctx is done or the engine halts
func (m *RiskMonitor) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if d := m.Check(ctx); d.Verdict == RiskShutdown {
				return nil
			}
		}
	}
}
