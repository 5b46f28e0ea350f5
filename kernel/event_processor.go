package kernel

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"astergrid/logger"
	"astergrid/metrics"
	"astergrid/notify"
	"astergrid/store"
	"astergrid/trader/types"
)

// taskTimeout bounds the rebalance work triggered by one fill
const taskTimeout = 2 * time.Minute

// EventProcessor folds push events into the ledger and triggers the
// engine reactions. Events are handled one at a time in arrival order;
// exchange work runs in tracked background tasks so the stream never
// waits on REST calls.
type EventProcessor struct {
	engine *Engine
	tasks  sync.WaitGroup
}

// NewEventProcessor creates a processor driving engine
func NewEventProcessor(engine *Engine) *EventProcessor {
	return &EventProcessor{engine: engine}
}

// Run consumes events until ctx is done or the channel is closed
func (p *EventProcessor) Run(ctx context.Context, events <-chan types.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			p.Handle(ctx, ev)
		}
	}
}

// Wait blocks until every spawned task finished
func (p *EventProcessor) Wait() {
	p.tasks.Wait()
}

// Handle processes one event
func (p *EventProcessor) Handle(ctx context.Context, ev types.Event) {
	if ev == nil {
		return
	}
	if err := ev.Validate(); err != nil {
		metrics.Events.WithLabelValues(ev.Kind().String(), "invalid").Inc()
		logger.Warnf("[Events] dropping invalid %s event: %v", ev.Kind(), err)
		return
	}

	switch e := ev.(type) {
	case *types.OrderEvent:
		p.handleOrder(ctx, e)
	case *types.PositionEvent:
		p.handlePosition(ctx, e)
	case *types.BalanceEvent:
		p.handleBalance(e)
	}
}

// spawn runs fn in the background, detached from the stream context
// cancellation but bounded by taskTimeout
func (p *EventProcessor) spawn(ctx context.Context, name string, fn func(ctx context.Context)) {
	p.tasks.Add(1)
	go func() {
		defer p.tasks.Done()
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[Events] %s panicked: %v\n%s", name, r, debug.Stack())
			}
		}()
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), taskTimeout)
		defer cancel()
		fn(tctx)
	}()
}

func (p *EventProcessor) handleOrder(ctx context.Context, ev *types.OrderEvent) {
	e := p.engine
	cfg := e.Config()
	if ev.Symbol != "" && ev.Symbol != cfg.Symbol {
		metrics.Events.WithLabelValues("order", "dropped").Inc()
		return
	}

	res, err := e.ledger.ApplyOrderEvent(ev, cfg.MinPartialNotional, e.now())
	if err != nil {
		metrics.Events.WithLabelValues("order", "invalid").Inc()
		logger.Warnf("[Events] order event rejected by the ledger: %v", err)
		e.notifier.Notify(notify.Alert{Title: "Inconsistent order event", Message: err.Error()})
		return
	}

	switch res.Kind {
	case FillUnknown, FillIgnored:
		metrics.Events.WithLabelValues("order", "dropped").Inc()
		logger.Debugf("[Events] %s order %s %s: %s", ev.Side, ev.OrderID, ev.Status, res.Kind)
		return
	}
	metrics.Events.WithLabelValues("order", "applied").Inc()

	switch res.Kind {
	case FillPartial:
		metrics.Fills.WithLabelValues("partial").Inc()
		logger.Infof("[Events] level %d partial %s fill %s @ %s, average %s",
			res.Index, res.Side, res.Quantity, res.Price, res.EntryPrice)

	case FillEntry:
		metrics.Fills.WithLabelValues("entry").Inc()
		metrics.PositionsHeld.Set(float64(e.ledger.PositionsCount()))
		logger.Infof("[Events] ✅ level %d entry %s filled %s @ %s", res.Index, res.Side, res.Quantity, res.EntryPrice)
		p.record(ctx, res, "entry", ev)
		e.notifier.Notify(notify.OrderFilled{
			Side: string(res.Side), Kind: "entry", Price: res.EntryPrice, Qty: res.Quantity, Level: res.Index,
		})
		p.spawn(ctx, "entry rebalance", func(ctx context.Context) {
			e.OnEntryFilled(ctx, res.Generation, res.Index)
		})

	case FillExit:
		metrics.Fills.WithLabelValues("exit").Inc()
		metrics.SetDecimal(metrics.RealizedPnL, e.ledger.Snapshot().RealizedPnL)
		logger.Infof("[Events] 💰 level %d exit %s filled %s @ %s (entry %s) pnl %s",
			res.Index, res.Side, res.Quantity, res.Price, res.EntryPrice, res.Realized)
		p.record(ctx, res, "exit", ev)
		e.notifier.Notify(notify.OrderFilled{
			Side: string(res.Side), Kind: "exit", Price: res.Price, Qty: res.Quantity, Level: res.Index, PnL: res.Realized,
		})
		p.spawn(ctx, "exit rebalance", func(ctx context.Context) {
			e.OnExitFilled(ctx, res.Generation, res.Index)
			metrics.PositionsHeld.Set(float64(e.ledger.PositionsCount()))
		})

	case FillEntryClosed:
		if res.Quantity.IsPositive() {
			logger.Infof("[Events] level %d entry %s closed with %s filled, covering", res.Index, ev.Status, res.Quantity)
			p.spawn(ctx, "cover partial", func(ctx context.Context) {
				e.CoverPosition(ctx, res.Generation, res.Index)
			})
			return
		}
		logger.Infof("[Events] level %d entry %s", res.Index, ev.Status)

	case FillExitCanceled:
		logger.Warnf("[Events] level %d exit %s, position %s uncovered", res.Index, ev.Status, res.Quantity)
		p.spawn(ctx, "re-cover", func(ctx context.Context) {
			e.CoverPosition(ctx, res.Generation, res.Index)
		})
	}
}

func (p *EventProcessor) record(ctx context.Context, res FillResult, kind string, ev *types.OrderEvent) {
	price := res.Price
	if kind == "entry" {
		price = res.EntryPrice
	}
	err := p.engine.audit.RecordTrade(ctx, store.Trade{
		Time:          ev.Time,
		Symbol:        p.engine.Config().Symbol,
		Side:          string(res.Side),
		Type:          string(res.OrderType),
		Kind:          kind,
		Price:         price,
		Quantity:      res.Quantity,
		PnL:           res.Realized,
		Level:         res.Index,
		OrderID:       res.OrderID,
		ClientOrderID: res.ClientID,
		Status:        string(ev.Status),
	})
	if err != nil {
		logger.Warnf("[Events] failed to record %s trade: %v", kind, err)
	}
}

func (p *EventProcessor) handlePosition(ctx context.Context, ev *types.PositionEvent) {
	e := p.engine
	if ev.Symbol != e.Config().Symbol {
		metrics.Events.WithLabelValues("position", "dropped").Inc()
		return
	}
	metrics.Events.WithLabelValues("position", "applied").Inc()
	metrics.SetDecimal(metrics.UnrealizedPnL, ev.UnrealizedPnL)

	closed, previous := e.ledger.ObservePosition(ev.Amount, ev.UnrealizedPnL)
	if !closed {
		return
	}

	held := e.ledger.HeldRungs()
	symbol := e.Config().Symbol
	p.spawn(ctx, "external close", func(ctx context.Context) {
		// the account update often overtakes the fill of the grid's own
		// last exit; settle those before calling the close external
		for _, h := range held {
			if h.ExitOrderID == "" {
				continue
			}
			o, err := e.ex.GetOrder(ctx, symbol, h.ExitOrderID)
			if err != nil {
				logger.Warnf("[Events] exit %s of level %d not checked: %v", h.ExitOrderID, h.Index, err)
				continue
			}
			if o.Status == types.StatusFilled {
				logger.Infof("[Events] level %d exit %s filled ahead of its order update", h.Index, o.OrderID)
				p.handleOrder(ctx, o.Event())
			}
		}

		n, orphans := e.ledger.ResetHeld(held)
		if n == 0 {
			logger.Infof("[Events] position %s closed by grid exits", previous)
			return
		}
		metrics.PositionsHeld.Set(float64(e.ledger.PositionsCount()))
		logger.Warnf("[Events] ⚠️ position %s closed outside the grid, %d levels reset", previous, n)
		e.notifier.Notify(notify.Alert{
			Title:   "External close detected",
			Message: fmt.Sprintf("Position of %s was closed outside the grid. %d levels were reset and the grid is refilled.", previous, n),
		})
		_ = e.audit.RecordEvent(ctx, store.GridEvent{
			Type:   "external_close",
			Level:  -1,
			Detail: map[string]any{"previous_amount": previous.String(), "levels_reset": n},
		})

		for _, id := range orphans {
			if err := e.ex.CancelOrder(ctx, symbol, id); err != nil {
				logger.Debugf("[Events] orphan exit %s not cancelled: %v", id, err)
			}
		}
		e.TopUp(ctx)
	})
}

func (p *EventProcessor) handleBalance(ev *types.BalanceEvent) {
	e := p.engine
	if ev.Asset != e.Config().MarginAsset {
		metrics.Events.WithLabelValues("balance", "dropped").Inc()
		return
	}
	metrics.Events.WithLabelValues("balance", "applied").Inc()
	e.ledger.SetBalance(ev.WalletBalance)
}
