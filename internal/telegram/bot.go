// Package telegram notifies operator chats when a swap finishes and answers
// a small set of status commands.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/indexswap/internal/config"
	"github.com/mtzanidakis/indexswap/internal/natsbus"
)

// Sender is the part of the Telegram API the notifier needs.
type Sender interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
}

type Notifier struct {
	bot     *telego.Bot
	sender  Sender
	chats   []int64
	running func() int

	sub     *nats.Subscription
	handler *th.BotHandler
	cancel  context.CancelFunc
}

// New creates a notifier for cfg. running reports the number of active
// swaps for the /status command and may be nil.
func New(cfg config.TelegramConfig, running func() int) (*Notifier, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	n := NewWithSender(bot, cfg.NotifyTo, running)
	n.bot = bot
	return n, nil
}

func NewWithSender(s Sender, chats []int64, running func() int) *Notifier {
	if running == nil {
		running = func() int { return 0 }
	}
	return &Notifier{sender: s, chats: chats, running: running}
}

// Subscribe forwards finished-swap events from the bus.
func (n *Notifier) Subscribe(c *natsbus.Client) error {
	sub, err := c.Subscribe(natsbus.TopicEventsSessions, func(msg *nats.Msg) {
		var ev natsbus.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			slog.Warn("bad session event", "subject", msg.Subject, "error", err)
			return
		}
		n.HandleEvent(context.Background(), ev)
	})
	if err != nil {
		return fmt.Errorf("subscribe session events: %w", err)
	}
	n.sub = sub
	return nil
}

// HandleEvent sends a notification for terminal status events and ignores
// everything else.
func (n *Notifier) HandleEvent(ctx context.Context, ev natsbus.Event) {
	d, ok := ev.DecodeStatus()
	if !ok || !d.Status.Terminal() {
		return
	}
	text := formatStatus(ev.SessionID, d)
	for _, chat := range n.chats {
		if err := n.SendMessage(ctx, chat, text); err != nil {
			slog.Error("failed to send telegram message", "chat", chat, "error", err)
		}
	}
}

// Start long-polls for commands until ctx ends or Stop is called. It is a
// no-op without a real bot.
func (n *Notifier) Start(ctx context.Context) error {
	if n.bot == nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	updates, err := n.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	handler, err := th.NewBotHandler(n.bot, updates)
	if err != nil {
		cancel()
		return fmt.Errorf("create handler: %w", err)
	}
	n.handler = handler

	handler.HandleMessage(func(hctx *th.Context, message telego.Message) error {
		n.handleMessage(ctx, message)
		return nil
	})

	go handler.Start()

	<-ctx.Done()
	_ = handler.Stop()
	return nil
}

func (n *Notifier) Stop() {
	if n.sub != nil {
		_ = n.sub.Unsubscribe()
	}
	if n.cancel != nil {
		n.cancel()
	}
	if n.handler != nil {
		_ = n.handler.Stop()
	}
}

func (n *Notifier) handleMessage(ctx context.Context, msg telego.Message) {
	chatID := msg.Chat.ID
	if !slices.Contains(n.chats, chatID) {
		slog.Warn("unauthorized telegram chat", "chat_id", chatID)
		return
	}
	if err := n.SendMessage(ctx, chatID, n.reply(msg.Text)); err != nil {
		slog.Error("failed to reply on telegram", "chat", chatID, "error", err)
	}
}

func (n *Notifier) reply(text string) string {
	switch text {
	case "/status":
		return fmt.Sprintf("**Active swaps:** %d", n.running())
	default:
		return "Send /status for the number of active swaps."
	}
}

func (n *Notifier) SendMessage(ctx context.Context, chatID int64, text string) error {
	chunks := chunkMessage(toTelegramMarkdown(text), 4096)
	for _, chunk := range chunks {
		msg := tu.Message(tu.ID(chatID), chunk).WithParseMode(telego.ModeMarkdown)
		if _, err := n.sender.SendMessage(ctx, msg); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

func formatStatus(sessionKey string, d natsbus.StatusData) string {
	return fmt.Sprintf("**Swap %s**\nSession `%s`\n%s", d.Status, sessionKey, escapeMarkdown(d.Message))
}
