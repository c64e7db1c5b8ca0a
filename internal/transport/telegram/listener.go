// Package telegram implements the transport boundary for Telegram bots using
// long polling. Conversations are keyed by chat ID, with forum topics mapped
// to sub-thread IDs so each topic gets its own session.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/haasonsaas/switchboard/internal/transport"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// InputFunc routes an inline-button answer back to the session that asked.
type InputFunc func(key models.SessionKey, requestID, answer string) error

// Config holds configuration for the Telegram listener.
type Config struct {
	// Token is the bot token from @BotFather (required).
	Token string

	// AllowedChats restricts the bot to these chat IDs. Empty allows all.
	AllowedChats []int64

	// OnInput receives inline-button answers. Optional; without it button
	// presses are acknowledged and dropped.
	OnInput InputFunc

	// Logger is an optional slog.Logger instance.
	Logger *slog.Logger
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Token == "" {
		return errors.New("telegram: token is required")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Listener implements transport.Listener for Telegram.
type Listener struct {
	config  Config
	bot     *bot.Bot
	allowed map[int64]bool
	logger  *slog.Logger
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewListener creates a Telegram listener with the given configuration.
func NewListener(config Config) (*Listener, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	allowed := make(map[int64]bool, len(config.AllowedChats))
	for _, id := range config.AllowedChats {
		allowed[id] = true
	}

	return &Listener{
		config:  config,
		allowed: allowed,
		logger:  config.Logger.With("listener", "telegram"),
		done:    make(chan struct{}),
	}, nil
}

// Platform implements transport.Listener.
func (l *Listener) Platform() models.Platform {
	return models.PlatformTelegram
}

// Start connects the bot and begins long polling. Delivery happens on the
// bot's update goroutines; Start returns once polling is underway.
func (l *Listener) Start(ctx context.Context, onTrigger transport.TriggerFunc) error {
	b, err := bot.New(l.config.Token,
		bot.WithDefaultHandler(func(ctx context.Context, b *bot.Bot, update *tgmodels.Update) {
			l.handleUpdate(ctx, update, onTrigger)
		}),
	)
	if err != nil {
		return fmt.Errorf("telegram: create bot: %w", err)
	}
	l.bot = b

	pollCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	go func() {
		defer close(l.done)
		b.Start(pollCtx)
	}()

	l.logger.Info("telegram listener started")
	return nil
}

// Stop ends long polling and waits for the update loop to drain.
func (l *Listener) Stop(ctx context.Context) error {
	if l.cancel != nil {
		l.cancel()
	}
	select {
	case <-l.done:
		l.logger.Info("telegram listener stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("telegram: stop: %w", ctx.Err())
	}
}

func (l *Listener) handleUpdate(ctx context.Context, update *tgmodels.Update, onTrigger transport.TriggerFunc) {
	switch {
	case update.Message != nil:
		l.handleMessage(update.Message, onTrigger)
	case update.CallbackQuery != nil:
		l.handleCallback(ctx, update.CallbackQuery)
	}
}

func (l *Listener) handleMessage(msg *tgmodels.Message, onTrigger transport.TriggerFunc) {
	if msg.From != nil && msg.From.IsBot {
		return
	}
	if !l.chatAllowed(msg.Chat.ID) {
		l.logger.Debug("dropping message from disallowed chat", "chat_id", msg.Chat.ID)
		return
	}

	prompt := messageText(msg)
	attachments := collectAttachments(msg)
	if strings.TrimSpace(prompt) == "" && len(attachments) == 0 {
		// Stickers, pins, member joins: nothing to hand to the agent.
		return
	}

	threadID := ""
	if msg.MessageThreadID != 0 {
		threadID = strconv.Itoa(msg.MessageThreadID)
	}
	key, err := models.NewSessionKey(models.PlatformTelegram,
		strconv.FormatInt(msg.Chat.ID, 10), threadID)
	if err != nil {
		l.logger.Error("session key construction failed", "chat_id", msg.Chat.ID, "error", err)
		return
	}

	trigger := &models.Trigger{
		ID:          fmt.Sprintf("tg_%d_%d", msg.Chat.ID, msg.ID),
		Platform:    models.PlatformTelegram,
		SessionKey:  key,
		Prompt:      prompt,
		Attachments: attachments,
		ReplyContext: map[string]any{
			"chat_id":   msg.Chat.ID,
			"thread_id": msg.MessageThreadID,
		},
		Source:     models.SourceUser,
		ReceivedAt: time.Unix(int64(msg.Date), 0),
	}
	onTrigger(trigger)
}

// handleCallback routes an inline-button press. Callback data carries the
// input request ID and the chosen option separated by the first colon.
func (l *Listener) handleCallback(ctx context.Context, cq *tgmodels.CallbackQuery) {
	// Always answer the query so the client stops its spinner.
	defer func() {
		if l.bot == nil {
			return
		}
		_, err := l.bot.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
			CallbackQueryID: cq.ID,
		})
		if err != nil {
			l.logger.Debug("answer callback query failed", "error", err)
		}
	}()

	if l.config.OnInput == nil || cq.Message.Message == nil {
		return
	}
	msg := cq.Message.Message
	if !l.chatAllowed(msg.Chat.ID) {
		return
	}

	requestID, answer, ok := strings.Cut(cq.Data, ":")
	if !ok {
		l.logger.Warn("malformed callback data", "data", cq.Data)
		return
	}

	threadID := ""
	if msg.MessageThreadID != 0 {
		threadID = strconv.Itoa(msg.MessageThreadID)
	}
	key, err := models.NewSessionKey(models.PlatformTelegram,
		strconv.FormatInt(msg.Chat.ID, 10), threadID)
	if err != nil {
		return
	}

	if err := l.config.OnInput(key, requestID, answer); err != nil {
		l.logger.Debug("input resolution rejected",
			"session_key", string(key), "request_id", requestID, "error", err)
	}
}

// CreateReplyTarget implements transport.Listener.
func (l *Listener) CreateReplyTarget(replyContext map[string]any) (transport.ReplyTarget, error) {
	if l.bot == nil {
		return nil, errors.New("telegram: listener not started")
	}
	chatID, err := chatIDFrom(replyContext)
	if err != nil {
		return nil, err
	}
	threadID := 0
	if v, ok := replyContext["thread_id"]; ok {
		switch t := v.(type) {
		case int:
			threadID = t
		case int64:
			threadID = int(t)
		case float64:
			threadID = int(t)
		case string:
			threadID, _ = strconv.Atoi(t)
		}
	}
	return &replyTarget{
		bot:      l.bot,
		chatID:   chatID,
		threadID: threadID,
		logger:   l.logger,
	}, nil
}

func (l *Listener) chatAllowed(chatID int64) bool {
	return len(l.allowed) == 0 || l.allowed[chatID]
}

func chatIDFrom(replyContext map[string]any) (int64, error) {
	switch v := replyContext["chat_id"].(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	}
	return 0, errors.New("telegram: chat_id missing from reply context")
}

func messageText(msg *tgmodels.Message) string {
	if msg.Text != "" {
		return msg.Text
	}
	return msg.Caption
}

// collectAttachments converts Telegram media into attachment references.
// File IDs stand in for URLs; backends resolve them if they need the bytes.
func collectAttachments(msg *tgmodels.Message) []models.Attachment {
	var atts []models.Attachment
	if len(msg.Photo) > 0 {
		best := msg.Photo[len(msg.Photo)-1]
		atts = append(atts, models.Attachment{
			Kind: "image",
			URL:  best.FileID,
		})
	}
	if msg.Document != nil {
		atts = append(atts, models.Attachment{
			Kind: "document",
			URL:  msg.Document.FileID,
			MIME: msg.Document.MimeType,
		})
	}
	if msg.Voice != nil {
		atts = append(atts, models.Attachment{
			Kind: "voice",
			URL:  msg.Voice.FileID,
			MIME: msg.Voice.MimeType,
		})
	}
	return atts
}

var _ transport.Listener = (*Listener)(nil)
