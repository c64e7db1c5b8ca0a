package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/haasonsaas/switchboard/pkg/models"
)

// maxMessageLength is Telegram's hard limit per message.
const maxMessageLength = 4096

// replyTarget sends into one Telegram chat, optionally scoped to a forum
// topic thread.
type replyTarget struct {
	bot      *bot.Bot
	chatID   int64
	threadID int
	logger   *slog.Logger
}

// messageRef identifies a sent Telegram message for later edits.
type messageRef struct {
	ChatID    int64
	MessageID int
}

func (r *replyTarget) Capabilities() models.Capabilities {
	return models.Capabilities{
		CanEdit:          true,
		CanButtons:       true,
		CanTyping:        true,
		MaxLength:        maxMessageLength,
		MaxButtonsPerRow: 4,
	}
}

func (r *replyTarget) Send(ctx context.Context, msg models.Message) (models.MessageRef, error) {
	sent, err := r.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:          r.chatID,
		MessageThreadID: r.threadID,
		Text:            truncate(msg.Text),
	})
	if err != nil {
		return models.MessageRef{}, fmt.Errorf("telegram send: %w", err)
	}
	return r.ref(sent.ID), nil
}

func (r *replyTarget) Edit(ctx context.Context, ref models.MessageRef, msg models.Message) error {
	mr, ok := ref.Data.(messageRef)
	if !ok {
		return errors.New("telegram edit: foreign message ref")
	}
	_, err := r.bot.EditMessageText(ctx, &bot.EditMessageTextParams{
		ChatID:    mr.ChatID,
		MessageID: mr.MessageID,
		Text:      truncate(msg.Text),
	})
	if err != nil {
		return fmt.Errorf("telegram edit: %w", err)
	}
	return nil
}

func (r *replyTarget) SendButtons(ctx context.Context, msg models.Message, rows []models.ButtonRow) (models.MessageRef, error) {
	keyboard := make([][]tgmodels.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		line := make([]tgmodels.InlineKeyboardButton, 0, len(row.Buttons))
		for _, b := range row.Buttons {
			line = append(line, tgmodels.InlineKeyboardButton{
				Text:         b.Text,
				CallbackData: b.CallbackID,
			})
		}
		keyboard = append(keyboard, line)
	}

	sent, err := r.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:          r.chatID,
		MessageThreadID: r.threadID,
		Text:            truncate(msg.Text),
		ReplyMarkup: &tgmodels.InlineKeyboardMarkup{
			InlineKeyboard: keyboard,
		},
	})
	if err != nil {
		return models.MessageRef{}, fmt.Errorf("telegram send buttons: %w", err)
	}
	return r.ref(sent.ID), nil
}

func (r *replyTarget) Typing(ctx context.Context) error {
	_, err := r.bot.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID:          r.chatID,
		MessageThreadID: r.threadID,
		Action:          tgmodels.ChatActionTyping,
	})
	if err != nil {
		return fmt.Errorf("telegram typing: %w", err)
	}
	return nil
}

func (r *replyTarget) ref(messageID int) models.MessageRef {
	return models.MessageRef{
		Platform: models.PlatformTelegram,
		Data:     messageRef{ChatID: r.chatID, MessageID: messageID},
	}
}

func truncate(text string) string {
	if len(text) <= maxMessageLength {
		return text
	}
	// Cut on a rune boundary, leaving room for the ellipsis.
	cut := maxMessageLength - 3
	for cut > 0 && text[cut]&0xC0 == 0x80 {
		cut--
	}
	return text[:cut] + "…"
}
