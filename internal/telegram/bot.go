package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mtzanidakis/flowmesh/internal/config"
	"github.com/mtzanidakis/flowmesh/internal/sink"
	"github.com/mtzanidakis/flowmesh/internal/workflow"
	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
)

// Workflows is the read side of the engine the bot answers commands from.
type Workflows interface {
	GetWorkflowStatus(id string) (workflow.View, error)
	ListWorkflows() ([]workflow.Summary, error)
}

// Bot reports finished workflows to a chat and answers /status and
// /workflows from that chat.
type Bot struct {
	bot       *telego.Bot
	handler   *th.BotHandler
	workflows Workflows
	chatID    int64
	outbox    chan string
	cancel    context.CancelFunc
}

func NewBot(cfg config.TelegramConfig, wf Workflows) (*Bot, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Bot{
		bot:       bot,
		workflows: wf,
		chatID:    cfg.ChatID,
		outbox:    make(chan string, 64),
	}, nil
}

// HandleEvent queues a notification for terminal workflow events. It never
// blocks the event dispatcher; notifications are dropped when the outbox is
// full.
func (b *Bot) HandleEvent(ev sink.Event) {
	if !ev.Terminal() || b.chatID == 0 {
		return
	}
	select {
	case b.outbox <- formatEvent(ev):
	default:
		slog.Warn("telegram outbox full, dropping notification", "workflow", ev.WorkflowID)
	}
}

func (b *Bot) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	go b.deliver(ctx)

	updates, err := b.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	handler, err := th.NewBotHandler(b.bot, updates)
	if err != nil {
		cancel()
		return fmt.Errorf("create handler: %w", err)
	}
	b.handler = handler

	handler.HandleMessage(func(hctx *th.Context, message telego.Message) error {
		b.handleMessage(hctx, message)
		return nil
	})

	go handler.Start()

	<-ctx.Done()
	_ = handler.Stop()
	return nil
}

func (b *Bot) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.handler != nil {
		_ = b.handler.Stop()
	}
}

func (b *Bot) deliver(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-b.outbox:
			if err := b.SendMessage(ctx, b.chatID, text); err != nil {
				slog.Error("failed to send telegram notification", "chat", b.chatID, "error", err)
			}
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg telego.Message) {
	if msg.Chat.ID != b.chatID {
		slog.Warn("ignoring telegram message from unknown chat", "chat_id", msg.Chat.ID)
		return
	}
	reply := b.command(msg.Text)
	if reply == "" {
		return
	}
	if err := b.SendMessage(ctx, msg.Chat.ID, reply); err != nil {
		slog.Error("failed to send telegram reply", "chat", msg.Chat.ID, "error", err)
	}
}

// command answers a bot command, or returns "" for anything else.
func (b *Bot) command(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	cmd, _, _ := strings.Cut(fields[0], "@")

	switch cmd {
	case "/workflows":
		list, err := b.workflows.ListWorkflows()
		if err != nil {
			return "Error: " + err.Error()
		}
		return formatList(list, 10)
	case "/status":
		if len(fields) < 2 {
			return "Usage: /status <workflow id>"
		}
		v, err := b.workflows.GetWorkflowStatus(fields[1])
		if err != nil {
			return "Error: " + err.Error()
		}
		return formatView(v)
	default:
		return ""
	}
}

func (b *Bot) SendMessage(ctx context.Context, chatID int64, text string) error {
	for _, chunk := range chunkMessage(text, 4096) {
		if _, err := b.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}
