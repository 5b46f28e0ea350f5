package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"astergrid/api"
	"astergrid/config"
	"astergrid/logger"
	"astergrid/manager"
	"astergrid/market"
	"astergrid/store"
	"astergrid/trader"
	"astergrid/trader/types"

	"github.com/spf13/cobra"
)

var (
	envFile  string
	yamlFile string
	cfg      *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "astergrid",
	Short:         "Grid trading bot for Aster perpetual futures",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(envFile, yamlFile)
		if err != nil {
			return err
		}
		if err := logger.Init(&loaded.Log); err != nil {
			return fmt.Errorf("logger: %w", err)
		}
		cfg = loaded
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the grid until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger.Info("╔════════════════════════════════════════════════════════════╗")
		logger.Info("║    📊 Aster grid bot                                       ║")
		logger.Info("╚════════════════════════════════════════════════════════════╝")
		logger.Infof("📋 %s %s, %d levels, %s%% range, %s USDT per level, %dx",
			cfg.Trading.Symbol, cfg.Trading.Mode, cfg.Grid.Count, cfg.Grid.RangePercent,
			cfg.Grid.NotionalPerLevel, cfg.Trading.Leverage)
		if cfg.DryRun {
			logger.Warn("🧪 DRY RUN enabled, no real orders are sent")
		}

		bot, cleanup, err := manager.Build(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		logger.Info("Press Ctrl+C to stop")

		err = bot.Run(ctx)
		logger.Infof("👋 stopped: %s", bot.StopReason())
		return err
	},
}

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show account balances",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		balances, err := client().GetBalances(ctx)
		if err != nil {
			return err
		}
		for _, b := range balances {
			if b.WalletBalance.IsZero() {
				continue
			}
			fmt.Printf("%-6s wallet %s  available %s  uPnL %s\n",
				b.Asset, b.WalletBalance.StringFixed(4), b.AvailableBalance.StringFixed(4), b.UnrealizedPnL.StringFixed(4))
		}
		return nil
	},
}

var priceCmd = &cobra.Command{
	Use:   "price",
	Short: "Show the last price and funding rate",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		c := client()
		price, err := c.GetTickerPrice(ctx, cfg.Trading.Symbol)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", cfg.Trading.Symbol, price)
		if rate, err := c.FundingRate(ctx, cfg.Trading.Symbol); err == nil {
			fmt.Printf("funding %s%%\n", rate.Shift(2).StringFixed(4))
		}
		return nil
	},
}

var ordersCmd = &cobra.Command{
	Use:   "orders",
	Short: "List open orders of the symbol",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		orders, err := client().GetOpenOrders(ctx, cfg.Trading.Symbol)
		if err != nil {
			return err
		}
		if len(orders) == 0 {
			fmt.Println("no open orders")
		}
		for _, o := range orders {
			flags := ""
			if o.ReduceOnly {
				flags = " reduce-only"
			}
			price := o.Price
			if o.Type == types.OrderTypeStopMarket {
				price = o.StopPrice
			}
			fmt.Printf("%-12s %-4s %-11s %s @ %s%s\n", o.OrderID, o.Side, o.Type, o.Quantity, price, flags)
		}
		return nil
	},
}

var positionsCmd = &cobra.Command{
	Use:   "positions",
	Short: "Show the open position of the symbol",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		positions, err := client().GetPositions(ctx, cfg.Trading.Symbol)
		if err != nil {
			return err
		}
		open := 0
		for _, p := range positions {
			if p.Amount.IsZero() {
				continue
			}
			open++
			fmt.Printf("%s %s @ %s  mark %s  uPnL %s\n",
				p.Symbol, p.Amount, p.EntryPrice, p.MarkPrice, p.UnrealizedPnL.StringFixed(4))
		}
		if open == 0 {
			fmt.Println("no open position")
		}
		return nil
	},
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run the market analysis once",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		an, err := market.NewAnalyzer(client(), cfg.Strategy).Analyze(ctx, cfg.Trading.Symbol)
		if err != nil {
			return err
		}
		fmt.Println(an.String())
		if mode, ok := an.Recommended.Mode(); ok {
			fmt.Printf("recommended side: %s\n", mode)
		}
		return nil
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Cancel stale orders and cover the open position with an exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		c := client()
		bot := manager.New(cfg, manager.Deps{Exchange: c, Setup: c})
		report, err := bot.Reconcile(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("cancelled %d, kept %d, position %s, exits placed %d\n",
			report.Canceled, report.Kept, report.Position, report.ExitsPlaced)
		return nil
	},
}

var exitCmd = &cobra.Command{
	Use:   "exit",
	Short: "Cancel all orders and close the position at market",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("yes")
		if !confirm {
			return fmt.Errorf("closing %s at market needs --yes", cfg.Trading.Symbol)
		}
		ctx, cancel := commandContext()
		defer cancel()
		c := client()
		if err := c.CancelAllOrders(ctx, cfg.Trading.Symbol); err != nil {
			return fmt.Errorf("cancel orders: %w", err)
		}
		res, err := c.ClosePosition(ctx, cfg.Trading.Symbol)
		if err != nil {
			return fmt.Errorf("close position: %w", err)
		}
		if res == nil {
			fmt.Println("orders cancelled, no position to close")
			return nil
		}
		fmt.Printf("orders cancelled, close order %s %s\n", res.OrderID, res.Status)
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token [subject]",
	Short: "Issue a bearer token for the control API",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		subject := "operator"
		if len(args) == 1 {
			subject = strings.TrimSpace(args[0])
		}
		ttl, _ := cmd.Flags().GetDuration("ttl")
		token, err := api.GenerateToken(cfg.API.JWTSecret, subject, ttl)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect the trade journal",
}

var historySummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Trading summary, sessions and the last 24h",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJournal(func(ctx context.Context, a *store.AuditLog) error {
			if id, _ := cmd.Flags().GetString("session"); id != "" {
				s, err := a.LoadSession(ctx, id)
				if err != nil {
					return fmt.Errorf("session %s: %w", id, err)
				}
				printSession(*s)
				return nil
			}

			all, err := a.Summary(ctx, time.Time{})
			if err != nil {
				return err
			}
			since, _ := cmd.Flags().GetDuration("since")
			recent, err := a.Summary(ctx, time.Now().Add(-since))
			if err != nil {
				return err
			}
			fmt.Println("📊 Trading summary")
			fmt.Printf("   trades %d (buy %d, sell %d)\n", all.Trades, all.Buys, all.Sells)
			fmt.Printf("   realized %s over %d exits, %d wins / %d losses, win rate %.1f%%\n",
				all.RealizedPnL.StringFixed(4), all.Exits, all.Wins, all.Losses, all.WinRate())
			fmt.Printf("⏰ Last %s: %d trades, realized %s\n", since, recent.Trades, recent.RealizedPnL.StringFixed(4))

			sessions, err := a.RecentSessions(ctx, 5)
			if err != nil {
				return err
			}
			if len(sessions) > 0 {
				fmt.Println("📋 Sessions")
			}
			for _, s := range sessions {
				printSession(s)
			}
			return nil
		})
	},
}

var historyTradesCmd = &cobra.Command{
	Use:   "trades",
	Short: "List the most recent trades",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withJournal(func(ctx context.Context, a *store.AuditLog) error {
			trades, err := a.RecentTrades(ctx, limit)
			if err != nil {
				return err
			}
			if len(trades) == 0 {
				fmt.Println("no trades recorded")
				return nil
			}
			fmt.Printf("%-16s %-4s %-5s %-11s %12s %10s %12s %5s\n", "TIME", "SIDE", "KIND", "TYPE", "PRICE", "QTY", "PNL", "LEVEL")
			for _, t := range trades {
				fmt.Printf("%-16s %-4s %-5s %-11s %12s %10s %12s %5d\n",
					t.Time.Local().Format("2006-01-02 15:04"), t.Side, t.Kind, t.Type,
					t.Price.StringFixed(4), t.Quantity.String(), t.PnL.StringFixed(4), t.Level)
			}
			return nil
		})
	},
}

var historyLevelsCmd = &cobra.Command{
	Use:   "levels",
	Short: "Per-level fill and PnL statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJournal(func(ctx context.Context, a *store.AuditLog) error {
			stats, err := a.LevelStats(ctx)
			if err != nil {
				return err
			}
			if len(stats) == 0 {
				fmt.Println("no filled trades recorded")
				return nil
			}
			fmt.Printf("%-6s %6s %5s %5s %12s %12s\n", "LEVEL", "FILLS", "BUYS", "SELLS", "PNL", "AVG PNL")
			for _, st := range stats {
				fmt.Printf("%-6d %6d %5d %5d %12s %12s\n",
					st.Level, st.Fills, st.Buys, st.Sells, st.PnL.StringFixed(4), st.AvgPnL.StringFixed(4))
			}
			return nil
		})
	},
}

var historyEventsCmd = &cobra.Command{
	Use:   "events [type]",
	Short: "List recent grid events, optionally of one type",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eventType := ""
		if len(args) == 1 {
			eventType = args[0]
		}
		limit, _ := cmd.Flags().GetInt("limit")
		return withJournal(func(ctx context.Context, a *store.AuditLog) error {
			events, err := a.RecentEvents(ctx, eventType, limit)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				fmt.Println("no events recorded")
			}
			for _, ev := range events {
				level := "-"
				if ev.LevelIndex >= 0 {
					level = fmt.Sprintf("%d", ev.LevelIndex)
				}
				fmt.Printf("%s %-16s level %-3s %s\n",
					ev.EventTime.Local().Format("2006-01-02 15:04:05"), ev.EventType, level, ev.Detail)
			}
			return nil
		})
	},
}

var historyExportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Export every trade to a CSV file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "trades_export.csv"
		if len(args) == 1 {
			path = args[0]
		}
		return withJournal(func(ctx context.Context, a *store.AuditLog) error {
			f, err := os.Create(path)
			if err != nil {
				return err
			}
			n, err := a.ExportTrades(ctx, f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return fmt.Errorf("export: %w", err)
			}
			fmt.Printf("✅ exported %d trades to %s\n", n, path)
			return nil
		})
	},
}

func printSession(s store.SessionModel) {
	end := "running"
	if s.EndTime != nil {
		end = s.EndTime.Local().Format("2006-01-02 15:04")
	}
	dry := ""
	if s.DryRun {
		dry = " dry-run"
	}
	fmt.Printf("   %s %s %s%s %s → %s  balance %s → %s  trades %d  realized %s  %s %s\n",
		s.ID, s.Symbol, s.Mode, dry, s.StartTime.Local().Format("2006-01-02 15:04"), end,
		s.InitialBalance.StringFixed(2), s.FinalBalance.StringFixed(2), s.TotalTrades,
		s.RealizedPnL.StringFixed(4), s.Status, s.StopReason)
}

// withJournal opens the audit database for one read command
func withJournal(fn func(ctx context.Context, a *store.AuditLog) error) error {
	a, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	return fn(ctx, a)
}

func client() *trader.AsterClient {
	return trader.NewAsterClient(cfg.Exchange)
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), cfg.Exchange.Timeout+5*time.Second)
}

func main() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", "", "dotenv file (default ./.env when present)")
	rootCmd.PersistentFlags().StringVar(&yamlFile, "config", "", "optional YAML file overriding the environment")
	exitCmd.Flags().Bool("yes", false, "confirm closing the position")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	historySummaryCmd.Flags().Duration("since", 24*time.Hour, "recent window")
	historySummaryCmd.Flags().String("session", "", "show one session by id")
	historyTradesCmd.Flags().Int("limit", 20, "number of trades")
	historyEventsCmd.Flags().Int("limit", 20, "number of events")
	historyCmd.AddCommand(historySummaryCmd, historyTradesCmd, historyLevelsCmd, historyEventsCmd, historyExportCmd)

	rootCmd.AddCommand(runCmd, balanceCmd, priceCmd, ordersCmd, positionsCmd, analyzeCmd, reconcileCmd, exitCmd, tokenCmd, historyCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}
