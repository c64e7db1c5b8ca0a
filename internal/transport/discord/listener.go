// Package discord implements the transport boundary for Discord bots over
// the gateway WebSocket. Conversations are keyed by channel ID; threads are
// channels of their own in Discord, so no sub-thread component is needed.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/switchboard/internal/transport"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// session is the slice of discordgo.Session the listener needs. Narrowed so
// tests can substitute a fake without a gateway connection.
type session interface {
	AddHandler(handler interface{}) func()
	Open() error
	Close() error
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
}

// Config holds configuration for the Discord listener.
type Config struct {
	// Token is the bot token (required).
	Token string

	// AllowedGuilds restricts the bot to these guild IDs. Empty allows all.
	AllowedGuilds []string

	// ChannelWorkdirs maps channel IDs to agent working directories.
	ChannelWorkdirs map[string]string

	// Logger is an optional slog.Logger instance.
	Logger *slog.Logger
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Token == "" {
		return errors.New("discord: token is required")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Listener implements transport.Listener for Discord.
type Listener struct {
	config  Config
	session session
	allowed map[string]bool
	logger  *slog.Logger

	removeHandler func()
}

// NewListener creates a Discord listener with the given configuration.
func NewListener(config Config) (*Listener, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	allowed := make(map[string]bool, len(config.AllowedGuilds))
	for _, id := range config.AllowedGuilds {
		allowed[id] = true
	}

	return &Listener{
		config:  config,
		allowed: allowed,
		logger:  config.Logger.With("listener", "discord"),
	}, nil
}

// Platform implements transport.Listener.
func (l *Listener) Platform() models.Platform {
	return models.PlatformDiscord
}

// Start opens the gateway connection and registers the message handler.
func (l *Listener) Start(ctx context.Context, onTrigger transport.TriggerFunc) error {
	if l.session == nil {
		dg, err := discordgo.New("Bot " + l.config.Token)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages |
			discordgo.IntentsDirectMessages |
			discordgo.IntentMessageContent
		l.session = dg
	}

	l.removeHandler = l.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		l.handleMessageCreate(m, onTrigger)
	})

	if err := l.session.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}

	l.logger.Info("discord listener started")
	return nil
}

// Stop removes the handler and closes the gateway connection.
func (l *Listener) Stop(ctx context.Context) error {
	if l.removeHandler != nil {
		l.removeHandler()
	}
	if l.session == nil {
		return nil
	}
	if err := l.session.Close(); err != nil {
		return fmt.Errorf("discord: close gateway: %w", err)
	}
	l.logger.Info("discord listener stopped")
	return nil
}

func (l *Listener) handleMessageCreate(m *discordgo.MessageCreate, onTrigger transport.TriggerFunc) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if !l.guildAllowed(m.GuildID) {
		l.logger.Debug("dropping message from disallowed guild", "guild_id", m.GuildID)
		return
	}

	attachments := collectAttachments(m.Message)
	if strings.TrimSpace(m.Content) == "" && len(attachments) == 0 {
		// Embeds-only and system messages carry nothing for the agent.
		return
	}

	key, err := models.NewSessionKey(models.PlatformDiscord, m.ChannelID, "")
	if err != nil {
		l.logger.Error("session key construction failed", "channel_id", m.ChannelID, "error", err)
		return
	}

	replyContext := map[string]any{
		"channel_id": m.ChannelID,
		"guild_id":   m.GuildID,
	}
	if workdir, ok := l.config.ChannelWorkdirs[m.ChannelID]; ok {
		replyContext["workdir"] = workdir
	}

	receivedAt := time.Now()
	if !m.Timestamp.IsZero() {
		receivedAt = m.Timestamp
	}

	onTrigger(&models.Trigger{
		ID:           "dc_" + m.ID,
		Platform:     models.PlatformDiscord,
		SessionKey:   key,
		Prompt:       m.Content,
		Attachments:  attachments,
		ReplyContext: replyContext,
		Source:       models.SourceUser,
		ReceivedAt:   receivedAt,
	})
}

// CreateReplyTarget implements transport.Listener.
func (l *Listener) CreateReplyTarget(replyContext map[string]any) (transport.ReplyTarget, error) {
	if l.session == nil {
		return nil, errors.New("discord: listener not started")
	}
	channelID, ok := replyContext["channel_id"].(string)
	if !ok || channelID == "" {
		return nil, errors.New("discord: channel_id missing from reply context")
	}
	return &replyTarget{
		session:   l.session,
		channelID: channelID,
		logger:    l.logger,
	}, nil
}

func (l *Listener) guildAllowed(guildID string) bool {
	// Direct messages carry no guild ID and are always allowed.
	if guildID == "" {
		return true
	}
	return len(l.allowed) == 0 || l.allowed[guildID]
}

func collectAttachments(m *discordgo.Message) []models.Attachment {
	var atts []models.Attachment
	for _, a := range m.Attachments {
		kind := "document"
		if a.Width > 0 {
			kind = "image"
		}
		atts = append(atts, models.Attachment{
			Kind: kind,
			URL:  a.URL,
			MIME: a.ContentType,
		})
	}
	return atts
}

var _ transport.Listener = (*Listener)(nil)
