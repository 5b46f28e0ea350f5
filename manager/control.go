package manager

import (
	"context"

	"astergrid/api"
	"astergrid/kernel"
	"astergrid/notify"
	"astergrid/trader/types"
)

var (
	_ notify.Commander = (*GridBot)(nil)
	_ api.Controller   = (*GridBot)(nil)
)

// State is RUNNING, PAUSED or HALTED
func (b *GridBot) State() string {
	switch {
	case b.engine.Halted():
		return "HALTED"
	case b.engine.Paused():
		return "PAUSED"
	}
	return "RUNNING"
}

func (b *GridBot) Status() notify.StatusReport {
	cfg := b.engine.Config()
	snap := b.engine.Ledger().Snapshot()
	return notify.StatusReport{
		Symbol:       cfg.Symbol,
		State:        b.State(),
		Mode:         string(cfg.Mode),
		Uptime:       b.uptime(),
		Trades:       snap.Trades,
		ActiveOrders: snap.ActiveOrders,
		Balance:      snap.CurrentBalance,
		Drawdown:     snap.DrawdownPercent,
	}
}

func (b *GridBot) PnL() notify.PnLReport {
	snap := b.engine.Ledger().Snapshot()
	return notify.PnLReport{
		Realized:   snap.RealizedPnL,
		Unrealized: snap.UnrealizedPnL,
		Initial:    snap.InitialBalance,
		Current:    snap.CurrentBalance.Add(snap.UnrealizedPnL),
	}
}

func (b *GridBot) Grid() notify.GridReport {
	geo := b.engine.Ledger().Geometry()
	report := notify.GridReport{Lower: geo.Lower, Upper: geo.Upper, Step: geo.Step, Center: geo.Center}
	for _, lv := range b.engine.Ledger().Levels() {
		report.Levels = append(report.Levels, notify.GridLine{
			Price:  lv.Price,
			Side:   string(lv.Side),
			State:  lv.StateName,
			Active: lv.EntryOrderID != "" || lv.ExitOrderID != "",
		})
	}
	return report
}

func (b *GridBot) Balances(ctx context.Context) ([]types.Balance, error) {
	return b.ex.GetBalances(ctx)
}

func (b *GridBot) Positions(ctx context.Context) ([]types.Position, error) {
	return b.ex.GetPositions(ctx, b.engine.Config().Symbol)
}

func (b *GridBot) OpenOrders(ctx context.Context) ([]types.Order, error) {
	return b.ex.GetOpenOrders(ctx, b.engine.Config().Symbol)
}

func (b *GridBot) Pause(reason string) bool {
	return b.engine.Pause(reason)
}

func (b *GridBot) Resume(ctx context.Context, reason string) bool {
	return b.engine.Resume(ctx, reason)
}

func (b *GridBot) Snapshot() kernel.Snapshot {
	return b.engine.Ledger().Snapshot()
}

func (b *GridBot) Levels() []kernel.LevelView {
	return b.engine.Ledger().Levels()
}

// SwitchSide rebuilds the ladder on mode
func (b *GridBot) SwitchSide(ctx context.Context, mode types.TradingMode, reason string) error {
	_, err := b.engine.SwitchSide(ctx, mode, reason)
	return err
}
