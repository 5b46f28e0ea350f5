package manager

import (
	"context"
	"fmt"

	"astergrid/api"
	"astergrid/config"
	"astergrid/logger"
	"astergrid/market"
	"astergrid/notify"
	"astergrid/store"
	"astergrid/trader"
	"astergrid/trader/types"
)

// rulesOnly reads symbol rules but never changes account settings
type rulesOnly struct {
	types.AccountSetup
}

func (rulesOnly) SetLeverage(_ context.Context, symbol string, leverage int) error {
	logger.Infof("[Grid] dry run: leverage %dx on %s not applied", leverage, symbol)
	return nil
}

func (rulesOnly) SetMarginType(_ context.Context, symbol, marginType string) error {
	logger.Infof("[Grid] dry run: margin type %s on %s not applied", marginType, symbol)
	return nil
}

// Build wires the live collaborators for cfg. The returned cleanup
// releases them and must be called after Run returns.
func Build(cfg *config.Config) (*GridBot, func(), error) {
	client := trader.NewAsterClient(cfg.Exchange)

	deps := Deps{
		Exchange: client,
		Setup:    client,
		Prices:   market.NewMarkPriceStream(cfg.Exchange.WSURL, cfg.Trading.Symbol),
		Funding:  client,
		Analyzer: market.NewAnalyzer(client, cfg.Strategy),
	}

	var stream *trader.UserStream
	if cfg.DryRun {
		logger.Warnf("[Grid] 🧪 DRY RUN: orders are simulated, the account stream is not followed")
		deps.Exchange = trader.NewDryRunExchange(client)
		deps.Setup = rulesOnly{client}
	} else {
		stream = trader.NewUserStream(client, cfg.Exchange.WSURL, cfg.Trading.Symbol)
		deps.Stream = stream
	}

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.Store.Path != "" {
		audit, err := store.Open(cfg.Store.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("audit log: %w", err)
		}
		deps.Audit = audit
		closers = append(closers, func() {
			if err := audit.Close(); err != nil {
				logger.Warnf("[Grid] audit close: %v", err)
			}
		})
	}

	var outbox []Service
	var commands func(notify.Commander) Service
	if cfg.Telegram.Enabled() {
		tg, botAPI, err := notify.NewTelegram(cfg.Telegram)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		deps.Notifier = tg
		outbox = append(outbox, tg)
		if cfg.Telegram.EnableCommands {
			commands = func(c notify.Commander) Service {
				return notify.NewCommandPoller(botAPI, cfg.Telegram.ChatID, c)
			}
		}
	} else {
		logger.Infof("[Grid] Telegram not configured, notifications go to the log")
		deps.Notifier = notify.LogSink{}
	}

	bot := New(cfg, deps)
	if stream != nil {
		stream.OnReconnect(bot.CatchUp)
	}
	for _, s := range outbox {
		bot.AddOutbox(s)
	}
	if commands != nil {
		bot.AddService(commands(bot))
	}
	if cfg.API.Port > 0 {
		bot.AddService(apiService(api.NewServer(bot, cfg.API.Port, cfg.API.JWTSecret)))
	}
	return bot, cleanup, nil
}

// apiService runs srv until ctx is done. A server failure is logged and
// does not stop trading.
func apiService(srv *api.Server) Service {
	return ServiceFunc(func(ctx context.Context) error {
		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()
		select {
		case err := <-errCh:
			if err != nil {
				logger.Errorf("[API] %v", err)
			}
			return nil
		case <-ctx.Done():
			if err := srv.Shutdown(); err != nil {
				logger.Warnf("[API] shutdown: %v", err)
			}
			<-errCh
			return nil
		}
	})
}
