// Package bot is the Telegram surface of the library: users subscribe to
// feeds, manage their scoring rules and read their top entries.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"librarian/internal/config"
	"librarian/internal/fetcher"
	"librarian/internal/model"
	"librarian/internal/scoring"
	"librarian/internal/storage"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// FeedLoader catalogs the new items of a feed on demand.
type FeedLoader interface {
	LoadFeed(ctx context.Context, feed model.Feed) int
}

// TagNamer looks up canonical tags by id.
type TagNamer interface {
	Tags(ctx context.Context, ids []int64) ([]model.Tag, error)
}

// Deps are the services the bot talks to.
type Deps struct {
	Store     storage.Storage
	Rules     *scoring.Service
	Ranker    *scoring.Ranker
	Tags      TagNamer
	Loader    FeedLoader
	Providers []string
}

// Bot is the Telegram bot that handles user commands.
type Bot struct {
	api       telegramAPI
	store     storage.Storage
	rules     *scoring.Service
	ranker    *scoring.Ranker
	tags      TagNamer
	loader    FeedLoader
	providers []string
	cfg       *config.Config
	fetcher   *fetcher.Fetcher
	log       *slog.Logger
	now       func() time.Time
}

// New creates a Bot with the given Telegram token.
func New(token string, deps Deps, cfg *config.Config, log *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}

	return &Bot{
		api:       api,
		store:     deps.Store,
		rules:     deps.Rules,
		ranker:    deps.Ranker,
		tags:      deps.Tags,
		loader:    deps.Loader,
		providers: deps.Providers,
		cfg:       cfg,
		fetcher:   fetcher.New(http.DefaultClient),
		log:       log,
		now:       time.Now,
	}, nil
}

// UserID returns the library user id of a Telegram chat.
func UserID(chatID int64) string {
	return fmt.Sprintf("telegram:%d", chatID)
}

// Run starts the bot's long-polling loop, blocking until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update := <-updates:
			if update.CallbackQuery != nil {
				b.handleCallback(ctx, update.CallbackQuery)
				continue
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if !b.cfg.IsUserAllowed(update.Message.From.ID) {
				b.reply(update.Message.Chat.ID, "Access denied.")
				continue
			}
			b.handleCommand(ctx, update.Message)
		}
	}
}

// SendMessage sends a text message to the given chat.
func (b *Bot) SendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send message", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) reply(chatID int64, text string) {
	b.SendMessage(chatID, text)
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())
	chatID := msg.Chat.ID

	// The api key of /key must not reach the logs.
	logArgs := args
	if cmd == cmdKey {
		logArgs = ""
	}
	b.log.Debug("command", "cmd", cmd, "args", logArgs, "chat_id", chatID)

	switch cmd {
	case "start":
		b.handleStart(chatID)
	case "help":
		b.handleHelp(chatID)
	case "add":
		b.handleAdd(ctx, chatID, args)
	case "list":
		b.handleList(ctx, chatID)
	case "info":
		b.handleInfo(ctx, chatID, args)
	case "remove":
		b.handleRemove(ctx, chatID, args)
	case cmdCheck:
		b.handleCheck(ctx, chatID, args)
	case cmdRules:
		b.handleRules(ctx, chatID)
	case "rule":
		b.handleRule(ctx, chatID, args)
	case cmdRmRule:
		b.handleRmRule(ctx, chatID, args)
	case cmdTop:
		b.handleTop(ctx, chatID, args)
	case cmdKey:
		b.handleKey(ctx, chatID, args)
	case "rmkey":
		b.handleRmKey(ctx, chatID, args)
	default:
		b.reply(chatID, "Unknown command. Use /help for a list of commands.")
	}
}
