package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Event is one notification. Text renders it as Telegram Markdown.
type Event interface {
	Name() string
	Text() string
}

// Sink receives notifications. Notify must never block the caller.
type Sink interface {
	Notify(Event)
}

// Discard drops every notification
type Discard struct{}

func (Discard) Notify(Event) {}

// Multi fans out to several sinks
type Multi []Sink

func (m Multi) Notify(e Event) {
	for _, s := range m {
		if s != nil {
			s.Notify(e)
		}
	}
}

// BotStarted is sent once the grid is live
type BotStarted struct {
	Symbol   string
	Mode     string
	Balance  decimal.Decimal
	Levels   int
	Lower    decimal.Decimal
	Upper    decimal.Decimal
	Leverage int
	DryRun   bool
}

func (BotStarted) Name() string { return "bot_started" }

func (e BotStarted) Text() string {
	var b strings.Builder
	b.WriteString("🚀 *Grid Bot Started*")
	if e.DryRun {
		b.WriteString(" _(dry run)_")
	}
	fmt.Fprintf(&b, "\n\n📊 *Symbol:* `%s`\n🎯 *Side:* `%s`\n💰 *Balance:* `%s USDT`\n📈 *Leverage:* `%dx`\n🔢 *Grids:* `%d` (`%s` - `%s`)\n⏰ *Time:* `%s`",
		e.Symbol, e.Mode, e.Balance.StringFixed(2), e.Leverage, e.Levels, e.Lower, e.Upper, now())
	return b.String()
}

// BotStopped is sent when the bot halts
type BotStopped struct {
	Reason       string
	Trades       int
	RealizedPnL  decimal.Decimal
	FinalBalance decimal.Decimal
}

func (BotStopped) Name() string { return "bot_stopped" }

func (e BotStopped) Text() string {
	return fmt.Sprintf("🛑 *Grid Bot Stopped*\n\n❓ *Reason:* `%s`\n🔄 *Total Trades:* `%d`\n%s *Realized PnL:* `%s USDT`\n💰 *Final Balance:* `%s USDT`\n⏰ *Time:* `%s`",
		e.Reason, e.Trades, pnlEmoji(e.RealizedPnL), signed(e.RealizedPnL, 4), e.FinalBalance.StringFixed(2), now())
}

// OrdersPlaced summarizes one placement pass
type OrdersPlaced struct {
	Count int
	Side  string
	Low   decimal.Decimal
	High  decimal.Decimal
	Type  string
}

func (OrdersPlaced) Name() string { return "orders_placed" }

func (e OrdersPlaced) Text() string {
	return fmt.Sprintf("📋 *Orders Placed*\n\n🔢 *Count:* `%d`\n📊 *Side:* `%s`\n💵 *Range:* `%s` - `%s`\n🏷 *Type:* `%s`",
		e.Count, e.Side, e.Low, e.High, e.Type)
}

// OrderFilled is one completed entry or exit
type OrderFilled struct {
	Side  string
	Kind  string // entry|exit
	Price decimal.Decimal
	Qty   decimal.Decimal
	Level int
	PnL   decimal.Decimal
}

func (OrderFilled) Name() string { return "order_filled" }

func (e OrderFilled) Text() string {
	emoji := "🟢"
	if e.Side == "SELL" {
		emoji = "🔴"
	}
	text := fmt.Sprintf("%s *Order Filled* (%s)\n\n📊 *Side:* `%s`\n💵 *Price:* `%s`\n📦 *Quantity:* `%s`\n🔢 *Grid Level:* `%d`",
		emoji, e.Kind, e.Side, e.Price, e.Qty, e.Level)
	if e.Kind == "exit" {
		text += fmt.Sprintf("\n%s *PnL:* `%s USDT`", pnlEmoji(e.PnL), signed(e.PnL, 4))
	}
	return text
}

// CircuitBreaker is a risk monitor pause or shutdown
type CircuitBreaker struct {
	Verdict  string
	Reason   string
	Drawdown decimal.Decimal
	Balance  decimal.Decimal
}

func (CircuitBreaker) Name() string { return "circuit_breaker" }

func (e CircuitBreaker) Text() string {
	tail := "_All orders canceled. Positions left open for manual review._"
	if e.Verdict == "PAUSE" {
		tail = "_New entries paused. Exit orders stay live._"
	}
	return fmt.Sprintf("🚨 *CIRCUIT BREAKER: %s*\n\n⚠️ *Reason:* `%s`\n📉 *Drawdown:* `%s%%`\n💰 *Balance:* `%s USDT`\n⏰ *Time:* `%s`\n\n%s",
		e.Verdict, e.Reason, e.Drawdown.StringFixed(2), e.Balance.StringFixed(2), now(), tail)
}

// StateChanged reports a bot or market state transition
type StateChanged struct {
	From   string
	To     string
	Reason string
}

func (StateChanged) Name() string { return "state_changed" }

func (e StateChanged) Text() string {
	return fmt.Sprintf("🔄 *State Changed*\n\n`%s` → `%s`\n📝 %s", e.From, e.To, e.Reason)
}

// Alert needs operator attention
type Alert struct {
	Title   string
	Message string
}

func (Alert) Name() string { return "alert" }

func (e Alert) Text() string {
	return fmt.Sprintf("⚠️ *%s*\n\n%s\n⏰ *Time:* `%s`", e.Title, e.Message, now())
}

// Summary is the periodic performance digest
type Summary struct {
	Trades        int
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Balance       decimal.Decimal
	ActiveOrders  int
	Positions     int

	// market section, empty State when unavailable
	State string
	Score int
	RSI   float64
	Price decimal.Decimal
	Side  string
}

func (Summary) Name() string { return "summary" }

func (e Summary) Text() string {
	total := e.RealizedPnL.Add(e.UnrealizedPnL)
	var b strings.Builder
	fmt.Fprintf(&b, "📊 *Hourly Summary*\n\n🔄 *Trades (1h):* `%d`\n💵 *Realized PnL:* `%s USDT`\n💭 *Unrealized PnL:* `%s USDT`\n%s *Total PnL:* `%s USDT`\n💰 *Balance:* `%s USDT`\n📋 *Active Orders:* `%d`\n📦 *Positions:* `%d`",
		e.Trades, signed(e.RealizedPnL, 4), signed(e.UnrealizedPnL, 4), pnlEmoji(total), signed(total, 4),
		e.Balance.StringFixed(2), e.ActiveOrders, e.Positions)
	if e.State != "" {
		fmt.Fprintf(&b, "\n\n🌍 *Market Status:*\n├ State: `%s`\n├ Trend Score: `%+d`\n├ RSI: `%.1f`\n├ Price: `%s`\n└ Grid Side: `%s`",
			e.State, e.Score, e.RSI, e.Price, e.Side)
	}
	return b.String()
}

func now() string {
	return time.Now().Format("2006-01-02 15:04:05")
}

func pnlEmoji(d decimal.Decimal) string {
	if d.IsNegative() {
		return "📉"
	}
	return "📈"
}

func signed(d decimal.Decimal, places int32) string {
	s := d.StringFixed(places)
	if !d.IsNegative() {
		s = "+" + s
	}
	return s
}
