package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/kalambet/agentq/internal/feed"
	"github.com/kalambet/agentq/internal/jobs"
	"github.com/kalambet/agentq/internal/notify"
	"github.com/kalambet/agentq/internal/prefs"
)

const (
	pollTimeout  = 30 * time.Second
	retryBackoff = 5 * time.Second
)

const helpText = `🤖 *agentq*

Send any message to chat with the assistant.

/code <task> - generate code
/research <question> - search the web and answer
/model [name] - show or set the model for this chat
/reset - forget the conversation and model choice
/status <job id> - show a job
/rss <url> [name] - subscribe to a feed
/unrss <number> - unsubscribe
/feeds - list subscriptions`

// Feeds manages per-chat feed subscriptions.
type Feeds interface {
	Subscribe(ctx context.Context, chatID, url, name string) (feed.Subscription, error)
	Unsubscribe(ctx context.Context, chatID, id string) (feed.Subscription, error)
	Subscriptions(ctx context.Context, chatID string) ([]feed.Subscription, error)
}

// Memory forgets conversation history.
type Memory interface {
	ClearTurns(ctx context.Context, chatID string) error
}

// BotDeps are the collaborators of a Bot. Submitter and Jobs are required.
type BotDeps struct {
	Submitter    *jobs.Submitter
	Jobs         jobs.Store
	Prefs        *prefs.Store
	Memory       Memory
	Feeds        Feeds
	DefaultModel string
}

// Bot turns messages from one allow-listed chat into jobs and commands.
type Bot struct {
	client  *Client
	replies notify.Sink
	allowed string
	deps    BotDeps
	logger  *slog.Logger
}

// NewBot creates a Bot that serves only allowedChat.
func NewBot(client *Client, allowedChat string, deps BotDeps) *Bot {
	if deps.Prefs == nil {
		deps.Prefs = prefs.New()
	}
	return &Bot{
		client:  client,
		replies: notify.NewTelegramSink(client, allowedChat),
		allowed: allowedChat,
		deps:    deps,
		logger:  slog.Default().With("component", "telegram"),
	}
}

// Run long-polls for updates until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info("telegram intake started", "chat_id", b.allowed)
	var offset int
	for {
		updates, err := b.client.GetUpdates(ctx, offset, pollTimeout)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			b.logger.Warn("polling updates", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(retryBackoff):
			}
			continue
		}
		for _, u := range updates {
			offset = u.UpdateID + 1
			if u.Message != nil {
				b.handle(ctx, u.Message)
			}
		}
	}
}

func (b *Bot) reply(ctx context.Context, chatID, text string) {
	notify.Send(ctx, b.replies, chatID, text)
}

func (b *Bot) handle(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat == nil {
		return
	}
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	if chatID != b.allowed {
		b.logger.Warn("message from unauthorized chat", "chat_id", chatID)
		b.reply(ctx, chatID, "⛔ Unauthorized")
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	if strings.HasPrefix(text, "/") {
		b.command(ctx, chatID, text)
		return
	}
	b.submit(ctx, chatID, jobs.TypeChat, text)
}

func (b *Bot) submit(ctx context.Context, chatID string, typ jobs.Type, prompt string) {
	job, err := b.deps.Submitter.Submit(ctx, jobs.Request{
		Type:   string(typ),
		Prompt: prompt,
		Model:  b.deps.Prefs.Model(chatID, ""),
		ChatID: chatID,
	}, jobs.SourceTelegram)
	if err != nil {
		b.reply(ctx, chatID, fmt.Sprintf("❌ Failed to queue: %v", err))
		return
	}
	b.reply(ctx, chatID, notify.QueuedMessage(prompt, job.ID))
}

func splitCommand(text string) (string, string) {
	name, args, _ := strings.Cut(text, " ")
	name, _, _ = strings.Cut(name, "@")
	return strings.ToLower(name), strings.TrimSpace(args)
}

func (b *Bot) command(ctx context.Context, chatID, text string) {
	name, args := splitCommand(text)
	switch name {
	case "/start", "/help":
		b.reply(ctx, chatID, helpText)
	case "/code", "/research":
		if args == "" {
			b.reply(ctx, chatID, fmt.Sprintf("Usage: %s <text>", name))
			return
		}
		b.submit(ctx, chatID, jobs.Type(strings.TrimPrefix(name, "/")), args)
	case "/model":
		b.model(ctx, chatID, args)
	case "/reset":
		b.reset(ctx, chatID)
	case "/status":
		b.status(ctx, chatID, args)
	case "/rss":
		b.subscribe(ctx, chatID, args)
	case "/unrss":
		b.unsubscribe(ctx, chatID, args)
	case "/feeds":
		b.listFeeds(ctx, chatID)
	default:
		b.reply(ctx, chatID, "Unknown command. Send /help for the list.")
	}
}

func (b *Bot) model(ctx context.Context, chatID, args string) {
	switch args {
	case "":
		b.reply(ctx, chatID, fmt.Sprintf("Current model: `%s`", b.deps.Prefs.Model(chatID, b.deps.DefaultModel)))
	case "default":
		b.deps.Prefs.SetModel(chatID, "")
		b.reply(ctx, chatID, fmt.Sprintf("✅ Model reset to `%s`", b.deps.DefaultModel))
	default:
		b.deps.Prefs.SetModel(chatID, args)
		b.reply(ctx, chatID, fmt.Sprintf("✅ Model set to `%s`", args))
	}
}

func (b *Bot) reset(ctx context.Context, chatID string) {
	b.deps.Prefs.Clear(chatID)
	if b.deps.Memory != nil {
		if err := b.deps.Memory.ClearTurns(ctx, chatID); err != nil {
			b.logger.Error("clearing conversation", "chat_id", chatID, "error", err)
			b.reply(ctx, chatID, fmt.Sprintf("❌ Reset failed: %v", err))
			return
		}
	}
	b.reply(ctx, chatID, "🧹 Conversation reset.")
}

func (b *Bot) status(ctx context.Context, chatID, id string) {
	if id == "" {
		b.reply(ctx, chatID, "Usage: /status <job id>")
		return
	}
	job, err := b.deps.Jobs.Get(ctx, id)
	if errors.Is(err, jobs.ErrNotFound) {
		b.reply(ctx, chatID, "Job not found.")
		return
	}
	if err != nil {
		b.reply(ctx, chatID, fmt.Sprintf("❌ Lookup failed: %v", err))
		return
	}
	msg := job.Result
	if job.State == jobs.StateFailed {
		msg = job.Error
	}
	if msg == "" {
		msg = "Type: " + string(job.Type)
	}
	b.reply(ctx, chatID, notify.StatusMessage(string(job.State), msg, job.ID))
}

func (b *Bot) subscribe(ctx context.Context, chatID, args string) {
	if b.deps.Feeds == nil {
		b.reply(ctx, chatID, "Feeds are not enabled.")
		return
	}
	url, name, _ := strings.Cut(args, " ")
	if url == "" {
		b.reply(ctx, chatID, "Usage: /rss <url> [name]")
		return
	}
	sub, err := b.deps.Feeds.Subscribe(ctx, chatID, url, strings.TrimSpace(name))
	if err != nil {
		b.reply(ctx, chatID, fmt.Sprintf("❌ %v", err))
		return
	}
	b.reply(ctx, chatID, fmt.Sprintf("✅ Subscribed to %q", sub.Name))
}

func (b *Bot) unsubscribe(ctx context.Context, chatID, args string) {
	if b.deps.Feeds == nil {
		b.reply(ctx, chatID, "Feeds are not enabled.")
		return
	}
	subs, err := b.deps.Feeds.Subscriptions(ctx, chatID)
	if err != nil {
		b.reply(ctx, chatID, fmt.Sprintf("❌ %v", err))
		return
	}
	n, err := strconv.Atoi(args)
	if err != nil || n < 1 || n > len(subs) {
		b.reply(ctx, chatID, "Invalid subscription number")
		return
	}
	sub, err := b.deps.Feeds.Unsubscribe(ctx, chatID, subs[n-1].ID)
	if err != nil {
		b.reply(ctx, chatID, fmt.Sprintf("❌ %v", err))
		return
	}
	b.reply(ctx, chatID, fmt.Sprintf("✅ Unsubscribed from %q", sub.Name))
}

func (b *Bot) listFeeds(ctx context.Context, chatID string) {
	if b.deps.Feeds == nil {
		b.reply(ctx, chatID, "Feeds are not enabled.")
		return
	}
	subs, err := b.deps.Feeds.Subscriptions(ctx, chatID)
	if err != nil {
		b.reply(ctx, chatID, fmt.Sprintf("❌ %v", err))
		return
	}
	if len(subs) == 0 {
		b.reply(ctx, chatID, "📭 No RSS subscriptions yet.\n\nUse /rss <url> to subscribe!")
		return
	}
	var sb strings.Builder
	sb.WriteString("📰 Your RSS Subscriptions:\n\n")
	for i, sub := range subs {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "%d. %s\n   %s", i+1, sub.Name, sub.URL)
	}
	sb.WriteString("\n\nUse /unrss <number> to unsubscribe")
	b.reply(ctx, chatID, sb.String())
}
