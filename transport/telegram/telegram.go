// Package telegram is the Telegram chat adapter. It long-polls the Bot
// API (no public URL needed), drops messages from anyone but the
// configured owner, and answers with Markdown, falling back to plain
// text when Telegram rejects the formatting.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/fetchcore/fetch/internal/logger"
	"github.com/fetchcore/fetch/resilience"
	"github.com/fetchcore/fetch/transport"
)

// maxMessageLen is Telegram's hard per-message limit.
const maxMessageLen = 4096

// Options configures the adapter. OwnerID zero allows any chat; the
// router still applies its own authorization.
type Options struct {
	Token   string
	OwnerID int64
	Log     *logger.Logger
}

// Transport is the Telegram surface.
type Transport struct {
	api     *tgbotapi.BotAPI
	owner   int64
	log     *logger.Logger
	backoff *resilience.Backoff
	closed  atomic.Bool
}

// New authorizes against the Bot API.
func New(opts Options) (*Transport, error) {
	if opts.Token == "" {
		return nil, errors.New("telegram: token required")
	}
	if opts.Log == nil {
		opts.Log = logger.Nop()
	}
	api, err := tgbotapi.NewBotAPI(opts.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram: authorize: %w", err)
	}
	log := opts.Log.Named("telegram")
	log.Info("authorized", zap.String("bot", api.Self.UserName))
	return &Transport{
		api:     api,
		owner:   opts.OwnerID,
		log:     log,
		backoff: resilience.NewReconnectBackoff(),
	}, nil
}

func (t *Transport) Name() string { return "telegram" }

// Start long-polls for updates until ctx is cancelled. A closed update
// stream is reopened with backoff.
func (t *Transport) Start(ctx context.Context, h transport.Handler) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.api.GetUpdatesChan(u)
	t.log.Info("listening for messages")

	for {
		select {
		case <-ctx.Done():
			t.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				if t.closed.Load() {
					return nil
				}
				select {
				case <-ctx.Done():
					return nil
				default:
				}
				wait, ok := t.backoff.Next()
				if !ok {
					return errors.New("telegram: update stream kept closing; giving up")
				}
				t.log.Warn("update stream closed; reconnecting", zap.Duration("in", wait))
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(wait):
				}
				updates = t.api.GetUpdatesChan(u)
				continue
			}
			t.backoff.Reset()
			msg := update.Message
			if msg == nil {
				continue
			}
			if t.owner != 0 && msg.Chat.ID != t.owner {
				t.log.Warn("dropping message from unknown chat", zap.Int64("chat", msg.Chat.ID))
				continue
			}
			go t.handle(ctx, h, msg)
		}
	}
}

func (t *Transport) handle(ctx context.Context, h transport.Handler, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	userID := strconv.FormatInt(msg.Chat.ID, 10)
	for _, line := range h(ctx, userID, text) {
		if err := t.Send(userID, line); err != nil {
			t.log.Warn("reply not delivered", zap.Error(err))
		}
	}
}

// Send delivers one message, split to Telegram's length limit. Markdown
// parse failures retry as plain text.
func (t *Transport) Send(userID, text string) error {
	chatID, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: bad chat id %q: %w", userID, err)
	}
	for _, chunk := range transport.Split(text, maxMessageLen) {
		msg := tgbotapi.NewMessage(chatID, chunk)
		msg.ParseMode = tgbotapi.ModeMarkdown
		if _, err := t.api.Send(msg); err != nil {
			msg.ParseMode = ""
			if _, err := t.api.Send(msg); err != nil {
				return fmt.Errorf("telegram: send: %w", err)
			}
		}
	}
	return nil
}

// Close stops the update stream; a blocked Start returns.
func (t *Transport) Close() error {
	t.closed.Store(true)
	t.api.StopReceivingUpdates()
	return nil
}
