package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"astergrid/logger"
	"astergrid/trader/types"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
)

// StatusReport answers /status
type StatusReport struct {
	Symbol       string
	State        string
	Mode         string
	Uptime       time.Duration
	Trades       int
	ActiveOrders int
	Balance      decimal.Decimal
	Drawdown     decimal.Decimal
}

// PnLReport answers /pnl
type PnLReport struct {
	Realized   decimal.Decimal
	Unrealized decimal.Decimal
	Initial    decimal.Decimal
	Current    decimal.Decimal
}

// GridLine is one rung in /grid
type GridLine struct {
	Price  decimal.Decimal
	Side   string
	State  string
	Active bool
}

// GridReport answers /grid
type GridReport struct {
	Lower  decimal.Decimal
	Upper  decimal.Decimal
	Step   decimal.Decimal
	Center decimal.Decimal
	Levels []GridLine
}

// Commander is the bot surface the chat commands act on
type Commander interface {
	Status() StatusReport
	PnL() PnLReport
	Grid() GridReport
	Balances(ctx context.Context) ([]types.Balance, error)
	Positions(ctx context.Context) ([]types.Position, error)
	OpenOrders(ctx context.Context) ([]types.Order, error)
	Pause(reason string) bool
	Resume(ctx context.Context, reason string) bool
}

// updater is the polling part of the bot API
type updater interface {
	sender
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// CommandPoller answers chat commands from the configured chat only
type CommandPoller struct {
	bot    updater
	chatID int64
	cmd    Commander
}

// NewCommandPoller creates a poller on bot
func NewCommandPoller(bot *tgbotapi.BotAPI, chatID int64, cmd Commander) *CommandPoller {
	return &CommandPoller{bot: bot, chatID: chatID, cmd: cmd}
}

// Run long-polls updates until ctx is done
func (p *CommandPoller) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	u.AllowedUpdates = []string{"message"}
	updates := p.bot.GetUpdatesChan(u)
	defer p.bot.StopReceivingUpdates()

	logger.Infof("[Telegram] command handler started")
	for {
		select {
		case <-ctx.Done():
			logger.Infof("[Telegram] command handler stopped")
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			p.handle(ctx, up)
		}
	}
}

func (p *CommandPoller) handle(ctx context.Context, up tgbotapi.Update) {
	msg := up.Message
	if msg == nil || msg.Chat == nil || msg.Chat.ID != p.chatID {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	command := strings.ToLower(strings.TrimPrefix(strings.Fields(text)[0], "/"))
	if at := strings.IndexByte(command, '@'); at >= 0 {
		command = command[:at]
	}

	reply, err := p.execute(ctx, command)
	if err != nil {
		logger.Errorf("[Telegram] /%s failed: %v", command, err)
		reply = fmt.Sprintf("❌ Error: %v", err)
	}
	if err := sendMarkdown(p.bot, p.chatID, reply); err != nil {
		logger.Errorf("[Telegram] reply to /%s failed: %v", command, err)
	}
}

func (p *CommandPoller) execute(ctx context.Context, command string) (string, error) {
	switch command {
	case "help", "start":
		return helpText, nil
	case "status":
		return formatStatus(p.cmd.Status()), nil
	case "balance":
		balances, err := p.cmd.Balances(ctx)
		if err != nil {
			return "", fmt.Errorf("fetching balance: %w", err)
		}
		return formatBalances(balances, p.cmd.PnL(), p.cmd.Status().Drawdown), nil
	case "position":
		positions, err := p.cmd.Positions(ctx)
		if err != nil {
			return "", fmt.Errorf("fetching position: %w", err)
		}
		return formatPositions(positions), nil
	case "orders":
		orders, err := p.cmd.OpenOrders(ctx)
		if err != nil {
			return "", fmt.Errorf("fetching orders: %w", err)
		}
		return formatOrders(orders), nil
	case "pnl":
		return formatPnL(p.cmd.PnL()), nil
	case "grid":
		return formatGrid(p.cmd.Grid()), nil
	case "pause":
		if p.cmd.Pause("telegram command") {
			return "⏸️ New entries paused. Exit orders stay live.", nil
		}
		return "ℹ️ Already paused.", nil
	case "resume":
		if p.cmd.Resume(ctx, "telegram command") {
			return "▶️ Entries resumed.", nil
		}
		return "ℹ️ Not paused, or the bot is halted.", nil
	}
	return fmt.Sprintf("❓ Unknown command: `/%s`\nUse /help to see available commands.", command), nil
}

const helpText = `📚 *Available Commands*

🔹 /status - Bot status & runtime
🔹 /balance - Account balance
🔹 /position - Current position
🔹 /orders - Open orders
🔹 /pnl - Profit & Loss
🔹 /grid - Grid levels
🔹 /pause - Pause new entries
🔹 /resume - Resume entries
🔹 /help - This help message

_Commands only work in the configured chat._`

func formatStatus(s StatusReport) string {
	return fmt.Sprintf("🤖 *Bot Status*\n\n📊 *Symbol:* `%s`\n🔄 *State:* `%s`\n🎯 *Side:* `%s`\n⏱️ *Runtime:* `%s`\n🔢 *Total Trades:* `%d`\n📋 *Active Orders:* `%d`\n💰 *Balance:* `$%s`\n📉 *Drawdown:* `%s%%`",
		s.Symbol, s.State, s.Mode, s.Uptime.Truncate(time.Second), s.Trades, s.ActiveOrders,
		s.Balance.StringFixed(2), s.Drawdown.StringFixed(2))
}

func formatBalances(balances []types.Balance, pnl PnLReport, drawdown decimal.Decimal) string {
	var b strings.Builder
	b.WriteString("💰 *Account Balance*\n")
	total := decimal.Zero
	for _, bal := range balances {
		if bal.WalletBalance.IsZero() && bal.AvailableBalance.IsZero() {
			continue
		}
		fmt.Fprintf(&b, "\n💵 *%s:* `$%s` (available `$%s`)", bal.Asset, bal.WalletBalance.StringFixed(2), bal.AvailableBalance.StringFixed(2))
		total = total.Add(bal.WalletBalance)
	}
	fmt.Fprintf(&b, "\n📊 *Total:* `$%s`\n\n🔒 *Initial:* `$%s`\n📉 *Drawdown:* `%s%%`",
		total.StringFixed(2), pnl.Initial.StringFixed(2), drawdown.StringFixed(2))
	return b.String()
}

func formatPositions(positions []types.Position) string {
	var b strings.Builder
	for _, p := range positions {
		if p.Amount.IsZero() {
			continue
		}
		side := "LONG"
		if p.Amount.IsNegative() {
			side = "SHORT"
		}
		emoji := "📈"
		if p.UnrealizedPnL.IsNegative() {
			emoji = "📉"
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "📊 *Position*\n\n📍 *Side:* `%s`\n📦 *Size:* `%s`\n💵 *Entry:* `$%s`\n📈 *Mark:* `$%s`\n%s *uPnL:* `%s USDT`",
			side, p.Amount.Abs().StringFixed(4), p.EntryPrice.StringFixed(4), p.MarkPrice.StringFixed(4), emoji, signed(p.UnrealizedPnL, 4))
	}
	if b.Len() == 0 {
		return "✅ No open positions"
	}
	return b.String()
}

func formatOrders(orders []types.Order) string {
	if len(orders) == 0 {
		return "✅ No open orders"
	}
	var buys, sells []types.Order
	for _, o := range orders {
		if o.Side == types.SideBuy {
			buys = append(buys, o)
		} else {
			sells = append(sells, o)
		}
	}
	sort.Slice(buys, func(i, j int) bool { return orderPrice(buys[i]).GreaterThan(orderPrice(buys[j])) })
	sort.Slice(sells, func(i, j int) bool { return orderPrice(sells[i]).LessThan(orderPrice(sells[j])) })

	var b strings.Builder
	fmt.Fprintf(&b, "📋 *Open Orders* (%d total)\n\n🟢 *BUY Orders:* %d\n", len(orders), len(buys))
	writeOrderLines(&b, buys)
	fmt.Fprintf(&b, "\n🔴 *SELL Orders:* %d\n", len(sells))
	writeOrderLines(&b, sells)
	return strings.TrimSpace(b.String())
}

func orderPrice(o types.Order) decimal.Decimal {
	if o.Type == types.OrderTypeStopMarket {
		return o.StopPrice
	}
	return o.Price
}

func writeOrderLines(b *strings.Builder, orders []types.Order) {
	for i, o := range orders {
		if i == 3 {
			fmt.Fprintf(b, "  └ _...and %d more_\n", len(orders)-3)
			return
		}
		fmt.Fprintf(b, "  └ `$%s` × `%s`", orderPrice(o).StringFixed(4), o.Quantity)
		if o.Type == types.OrderTypeStopMarket {
			b.WriteString(" stop")
		}
		b.WriteString("\n")
	}
}

func formatPnL(p PnLReport) string {
	total := p.Realized.Add(p.Unrealized)
	emoji := "🟢"
	if total.IsNegative() {
		emoji = "🔴"
	}
	roi := decimal.Zero
	if p.Initial.IsPositive() {
		roi = p.Current.Sub(p.Initial).Div(p.Initial).Mul(decimal.NewFromInt(100))
	}
	return fmt.Sprintf("💹 *Profit & Loss*\n\n💵 *Realized:* `%s USDT`\n💭 *Unrealized:* `%s USDT`\n%s *Total:* `%s USDT`\n\n📊 *Initial:* `$%s`\n💰 *Current:* `$%s`\n📈 *ROI:* `%s%%`",
		signed(p.Realized, 4), signed(p.Unrealized, 4), emoji, signed(total, 4),
		p.Initial.StringFixed(2), p.Current.StringFixed(2), signed(roi, 2))
}

func formatGrid(g GridReport) string {
	if len(g.Levels) == 0 {
		return "❌ No grid levels calculated"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "📊 *Grid Levels*\n\n📈 *Upper:* `$%s`\n📉 *Lower:* `$%s`\n📏 *Step:* `$%s`",
		g.Upper.StringFixed(4), g.Lower.StringFixed(4), g.Step.StringFixed(4))
	if g.Center.IsPositive() {
		fmt.Fprintf(&b, " (%s%%)", g.Step.Div(g.Center).Mul(decimal.NewFromInt(100)).StringFixed(2))
	}
	fmt.Fprintf(&b, "\n🎯 *Center:* `$%s`\n\n*Levels:*\n", g.Center.StringFixed(4))
	for i := len(g.Levels) - 1; i >= 0; i-- {
		lv := g.Levels[i]
		emoji := "⚪"
		switch lv.Side {
		case "BUY":
			emoji = "🟢"
		case "SELL":
			emoji = "🔴"
		}
		status := "⏸️"
		if lv.Active {
			status = "📌"
		}
		fmt.Fprintf(&b, "%s `$%s` %s %s\n", emoji, lv.Price.StringFixed(4), status, lv.State)
	}
	return strings.TrimSpace(b.String())
}
