package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/haasonsaas/switchboard/pkg/models"
)

// maxMessageLength is Discord's hard limit per message.
const maxMessageLength = 2000

// replyTarget sends into one Discord channel. Buttons are not offered: input
// prompts fall back to plain text and answers arrive through the task API.
type replyTarget struct {
	session   session
	channelID string
	logger    *slog.Logger
}

// messageRef identifies a sent Discord message for later edits.
type messageRef struct {
	ChannelID string
	MessageID string
}

func (r *replyTarget) Capabilities() models.Capabilities {
	return models.Capabilities{
		CanEdit:    true,
		CanButtons: false,
		CanTyping:  true,
		MaxLength:  maxMessageLength,
	}
}

func (r *replyTarget) Send(ctx context.Context, msg models.Message) (models.MessageRef, error) {
	sent, err := r.session.ChannelMessageSend(r.channelID, truncate(msg.Text))
	if err != nil {
		return models.MessageRef{}, fmt.Errorf("discord send: %w", err)
	}
	return models.MessageRef{
		Platform: models.PlatformDiscord,
		Data:     messageRef{ChannelID: r.channelID, MessageID: sent.ID},
	}, nil
}

func (r *replyTarget) Edit(ctx context.Context, ref models.MessageRef, msg models.Message) error {
	mr, ok := ref.Data.(messageRef)
	if !ok {
		return errors.New("discord edit: foreign message ref")
	}
	if _, err := r.session.ChannelMessageEdit(mr.ChannelID, mr.MessageID, truncate(msg.Text)); err != nil {
		return fmt.Errorf("discord edit: %w", err)
	}
	return nil
}

func (r *replyTarget) SendButtons(ctx context.Context, msg models.Message, rows []models.ButtonRow) (models.MessageRef, error) {
	return models.MessageRef{}, errors.New("discord: buttons not supported")
}

func (r *replyTarget) Typing(ctx context.Context) error {
	if err := r.session.ChannelTyping(r.channelID); err != nil {
		return fmt.Errorf("discord typing: %w", err)
	}
	return nil
}

func truncate(text string) string {
	if len(text) <= maxMessageLength {
		return text
	}
	cut := maxMessageLength - 3
	for cut > 0 && text[cut]&0xC0 == 0x80 {
		cut--
	}
	return text[:cut] + "…"
}
