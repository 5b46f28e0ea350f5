package notify

import (
	"context"
	"fmt"
	"time"

	"astergrid/config"
	"astergrid/logger"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	queueSize   = 100
	sendPacing  = 50 * time.Millisecond
	drainBudget = 5 * time.Second
)

// sender is the part of the bot API used to deliver messages
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram delivers notifications to one chat through a queued worker.
// Notify never blocks; when the queue is full the message is dropped.
type Telegram struct {
	bot          sender
	chatID       int64
	notifyOrders bool
	queue        chan string
}

// NewTelegram connects to the bot API
func NewTelegram(cfg config.TelegramConfig) (*Telegram, *tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, nil, fmt.Errorf("telegram bot: %w", err)
	}
	logger.Infof("[Telegram] authorized as @%s", bot.Self.UserName)
	return newTelegram(bot, cfg.ChatID, cfg.NotifyOrders), bot, nil
}

func newTelegram(bot sender, chatID int64, notifyOrders bool) *Telegram {
	return &Telegram{
		bot:          bot,
		chatID:       chatID,
		notifyOrders: notifyOrders,
		queue:        make(chan string, queueSize),
	}
}

// Notify queues ev for delivery
func (t *Telegram) Notify(ev Event) {
	if !t.notifyOrders {
		switch ev.(type) {
		case OrdersPlaced, OrderFilled:
			return
		}
	}
	select {
	case t.queue <- ev.Text():
	default:
		logger.Warnf("[Telegram] queue full, dropping %s", ev.Name())
	}
}

// Run delivers queued messages until ctx is done, then flushes what is
// left within a short budget
func (t *Telegram) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			t.drain()
			return nil
		case text := <-t.queue:
			t.send(text)
			time.Sleep(sendPacing)
		}
	}
}

func (t *Telegram) drain() {
	deadline := time.Now().Add(drainBudget)
	for time.Now().Before(deadline) {
		select {
		case text := <-t.queue:
			t.send(text)
		default:
			return
		}
	}
}

// Send delivers text immediately, bypassing the queue
func (t *Telegram) Send(text string) error {
	return sendMarkdown(t.bot, t.chatID, text)
}

func (t *Telegram) send(text string) {
	if err := t.Send(text); err != nil {
		logger.Errorf("[Telegram] send failed: %v", err)
	}
}

func sendMarkdown(bot sender, chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.DisableWebPagePreview = true
	if _, err := bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// LogSink writes notifications to the log. It is used when Telegram is
// not configured and in dry runs.
type LogSink struct{}

func (LogSink) Notify(ev Event) {
	logger.Infof("[Notify] %s\n%s", ev.Name(), ev.Text())
}
