package kernel

import (
	"context"
	"fmt"

	"astergrid/config"
	"astergrid/logger"
	"astergrid/market"
	"astergrid/notify"
	"astergrid/store"
	"astergrid/trader/types"

	"github.com/shopspring/decimal"
)

// ExitPlan is the chosen exit of a held rung
type ExitPlan struct {
	Price    decimal.Decimal
	Type     types.OrderType
	Trailing bool
	Stop     decimal.Decimal
	// Source names the rule that produced the plan (adjacent|trailing|trend|default)
	Source string
}

// SelectExit picks the exit of a position opened on side at entry, from
// the trailing stop, the trend informed target, then the default
// take-profit percent. Prices are floored to the tick size.
func SelectExit(cfg config.EngineConfig, entry decimal.Decimal, side types.OrderSide, te market.TrailingExit) ExitPlan {
	tick := cfg.Rules.TickSize

	if cfg.TrailingExit && te.UseTrailing && te.StopPrice.IsPositive() {
		stop := RoundDown(te.StopPrice, tick)
		return ExitPlan{Price: stop, Type: types.OrderTypeStopMarket, Trailing: true, Stop: stop, Source: "trailing"}
	}
	if cfg.TrendTakeProfit && te.FallbackPrice.IsPositive() {
		return ExitPlan{Price: RoundDown(te.FallbackPrice, tick), Type: types.OrderTypeLimit, Source: "trend"}
	}
	return defaultExit(cfg, entry, side)
}

func defaultExit(cfg config.EngineConfig, entry decimal.Decimal, side types.OrderSide) ExitPlan {
	price := market.ApplyPercent(entry, side, cfg.DefaultTakeProfitPct)
	return ExitPlan{Price: RoundDown(price, cfg.Rules.TickSize), Type: types.OrderTypeLimit, Source: "default"}
}

// adjacentExit targets the next rung in the profitable direction
func adjacentExit(cfg config.EngineConfig, lv LevelView, levels []LevelView) (ExitPlan, bool) {
	next := lv.Index + 1
	if lv.PositionSide == types.SideSell {
		next = lv.Index - 1
	}
	if next < 0 || next >= len(levels) {
		return ExitPlan{}, false
	}
	price := levels[next].Price
	profitable := price.GreaterThan(lv.EntryPrice)
	if lv.PositionSide == types.SideSell {
		profitable = price.LessThan(lv.EntryPrice)
	}
	if !profitable {
		return ExitPlan{}, false
	}
	return ExitPlan{Price: price, Type: types.OrderTypeLimit, Source: "adjacent"}, true
}

// planExit chooses the exit of held rung lv. Without smart exits, and
// always when both sides trade, the exit rests on the adjacent rung.
func (e *Engine) planExit(ctx context.Context, cfg config.EngineConfig, lv LevelView) ExitPlan {
	if !cfg.SmartExit || !cfg.SingleDirection() || e.analysis == nil {
		if plan, ok := adjacentExit(cfg, lv, e.ledger.Levels()); ok {
			return plan
		}
		return defaultExit(cfg, lv.EntryPrice, lv.PositionSide)
	}

	candles, err := e.analysis.Candles(ctx, cfg.Symbol)
	if err != nil {
		logger.Warnf("[Grid] exit analysis failed for level %d, using %s%% take-profit: %v",
			lv.Index, cfg.DefaultTakeProfitPct, err)
		return defaultExit(cfg, lv.EntryPrice, lv.PositionSide)
	}
	te := e.analysis.TrailingExit(lv.EntryPrice, lv.PositionSide, candles)
	return SelectExit(cfg, lv.EntryPrice, lv.PositionSide, te)
}

// UpdateTrailingExits covers held rungs that lost their exit and raises
// trailing stops that can lock in more profit. The stop only ever moves in
// the favorable direction.
func (e *Engine) UpdateTrailingExits(ctx context.Context) (int, error) {
	if e.halted.Load() {
		return 0, nil
	}
	cfg := e.Config()
	gen := e.ledger.Generation()

	var trailing []LevelView
	for _, lv := range e.ledger.Levels() {
		switch {
		case lv.State == StatePositionHeld:
			logger.Infof("[Grid] level %d holds %s without exit, covering", lv.Index, lv.PositionQuantity)
			e.CoverPosition(ctx, gen, lv.Index)
		case lv.State == StateExitPlaced && lv.TrailingActive && !lv.Settled:
			trailing = append(trailing, lv)
		}
	}
	if len(trailing) == 0 || e.analysis == nil {
		return 0, nil
	}

	candles, err := e.analysis.Candles(ctx, cfg.Symbol)
	if err != nil {
		return 0, fmt.Errorf("trailing candles: %w", err)
	}
	e.checkTrendFlip(ctx, cfg, trailing)

	var moved int
	for _, lv := range trailing {
		te := e.analysis.TrailingExit(lv.EntryPrice, lv.PositionSide, candles)
		if !te.UseTrailing {
			continue
		}
		stop := RoundDown(te.StopPrice, cfg.Rules.TickSize)
		better := stop.GreaterThan(lv.TrailingStop)
		if lv.PositionSide == types.SideSell {
			better = stop.LessThan(lv.TrailingStop)
		}
		if !better {
			continue
		}

		if err := e.ex.CancelOrder(ctx, cfg.Symbol, lv.ExitOrderID); err != nil {
			logger.Warnf("[Grid] trailing stop of level %d not moved: %v", lv.Index, err)
			continue
		}
		if !e.ledger.DetachExit(gen, lv.Index, lv.ExitOrderID) {
			continue
		}
		cur, ok := e.ledger.Level(lv.Index)
		if !ok {
			continue
		}
		plan := ExitPlan{Price: stop, Type: types.OrderTypeStopMarket, Trailing: true, Stop: stop, Source: "trailing"}
		if err := e.placeExitWith(ctx, cfg, gen, cur, plan); err != nil {
			logger.Errorf("[Grid] level %d uncovered after trailing move, retried next cycle: %v", lv.Index, err)
			continue
		}
		logger.Infof("[Grid] 📈 level %d trailing stop %s -> %s", lv.Index, lv.TrailingStop, stop)
		_ = e.audit.RecordEvent(ctx, store.GridEvent{
			Type:   "trailing_update",
			Level:  lv.Index,
			Price:  stop,
			Detail: map[string]any{"previous": lv.TrailingStop.String()},
		})
		moved++
	}
	return moved, nil
}

// checkTrendFlip alerts once per flip when the trend turns against
// positions protected by trailing stops
func (e *Engine) checkTrendFlip(ctx context.Context, cfg config.EngineConfig, trailing []LevelView) {
	an, err := e.analysis.Latest(ctx, cfg.Symbol)
	if err != nil {
		return
	}
	mode, ok := an.Recommended.Mode()

	e.flipMu.Lock()
	defer e.flipMu.Unlock()
	if !ok {
		e.flipAlerted = ""
		return
	}

	against := false
	for _, lv := range trailing {
		if (lv.PositionSide == types.SideBuy && mode == types.ModeShort) ||
			(lv.PositionSide == types.SideSell && mode == types.ModeLong) {
			against = true
			break
		}
	}
	if !against {
		e.flipAlerted = ""
		return
	}
	if e.flipAlerted == mode {
		return
	}
	e.flipAlerted = mode
	logger.Warnf("[Grid] trend flipped to %s against %d trailing positions", mode, len(trailing))
	e.notifier.Notify(notify.Alert{
		Title:   "Trend flip",
		Message: fmt.Sprintf("Trend now favors %s (score %+d) while %d trailing positions are open", mode, an.Score, len(trailing)),
	})
}
