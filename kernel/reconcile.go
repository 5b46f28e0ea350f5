package kernel

import (
	"context"
	"fmt"

	"astergrid/logger"
	"astergrid/store"
	"astergrid/trader/types"

	"github.com/shopspring/decimal"
)

// ReconcileReport summarizes a startup reconciliation
type ReconcileReport struct {
	Canceled    int
	Kept        int
	Adopted     int
	ExitsPlaced int
	Position    decimal.Decimal
}

// Reconciler rebuilds the ledger from the exchange after a restart so no
// open position is left without an exit
type Reconciler struct {
	engine *Engine
}

// NewReconciler creates a reconciler for engine
func NewReconciler(engine *Engine) *Reconciler {
	return &Reconciler{engine: engine}
}

// Reconcile cancels stale orders, adopts the open position into a fresh
// ladder and covers it. A resting reduce-only exit that already matches
// the position is kept instead of replaced.
func (r *Reconciler) Reconcile(ctx context.Context) (ReconcileReport, error) {
	e := r.engine
	cfg := e.Config()
	var report ReconcileReport

	orders, err := e.ex.GetOpenOrders(ctx, cfg.Symbol)
	if err != nil {
		return report, fmt.Errorf("reconcile open orders: %w", err)
	}
	positions, err := e.ex.GetPositions(ctx, cfg.Symbol)
	if err != nil {
		return report, fmt.Errorf("reconcile positions: %w", err)
	}

	var pos types.Position
	for _, p := range positions {
		if !p.Amount.IsZero() && (p.Symbol == cfg.Symbol || p.Symbol == "") {
			pos = p
		}
	}
	report.Position = pos.Amount

	keep := -1
	if !pos.Amount.IsZero() {
		exitSide := pos.EntrySide().Opposite()
		for i, o := range orders {
			if o.Side == exitSide && o.ReduceOnly && withinTolerance(o.Quantity, pos.Amount.Abs(), cfg.ReconcileTolerance) {
				keep = i
				break
			}
		}
	}

	if keep < 0 {
		if len(orders) > 0 {
			if err := e.ex.CancelAllOrders(ctx, cfg.Symbol); err != nil {
				return report, fmt.Errorf("reconcile cancel: %w", err)
			}
			report.Canceled = len(orders)
		}
	} else {
		for i, o := range orders {
			if i == keep {
				continue
			}
			if err := e.ex.CancelOrder(ctx, cfg.Symbol, o.OrderID); err != nil {
				logger.Warnf("[Reconcile] failed to cancel stale order %s: %v", o.OrderID, err)
				continue
			}
			report.Canceled++
		}
		report.Kept = 1
	}
	e.ledger.ClearOrders()

	price, err := e.ex.GetTickerPrice(ctx, cfg.Symbol)
	if err != nil {
		return report, fmt.Errorf("reconcile price: %w", err)
	}
	geo, levels := CalculateLevels(cfg, price)
	if !pos.Amount.IsZero() {
		idx, ok := Adopt(levels, Holding{
			Side:       pos.EntrySide(),
			EntryPrice: pos.EntryPrice,
			Quantity:   pos.Amount.Abs(),
			OpenedAt:   e.now(),
		})
		if !ok {
			return report, fmt.Errorf("reconcile: no level for position %s @ %s", pos.Amount, pos.EntryPrice)
		}
		report.Adopted = 1
		if keep >= 0 && AttachExit(levels, idx, orders[keep]) {
			logger.Infof("[Reconcile] kept exit %s %s @ %s for level %d",
				orders[keep].OrderID, orders[keep].Side, orders[keep].Price, idx)
		}
	}

	gen := e.ledger.Replace(geo, levels)
	e.ledger.ObservePrice(price)
	e.ledger.SetLastKnownAmount(pos.Amount)

	report.ExitsPlaced = e.placeExits(ctx, cfg, gen)
	for _, lv := range e.ledger.Levels() {
		if lv.State == StatePositionHeld {
			return report, fmt.Errorf("reconcile: position at level %d left without exit", lv.Index)
		}
	}

	logger.Infof("[Reconcile] ✅ %d orders cancelled, %d kept, position %s, %d exits placed",
		report.Canceled, report.Kept, report.Position, report.ExitsPlaced)
	_ = e.audit.RecordEvent(ctx, store.GridEvent{
		Type:  "reconcile",
		Level: -1,
		Price: price,
		Detail: map[string]any{
			"canceled":     report.Canceled,
			"kept":         report.Kept,
			"position":     report.Position.String(),
			"exits_placed": report.ExitsPlaced,
		},
	})
	return report, nil
}
