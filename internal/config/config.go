// Package config loads and validates the switchboard YAML configuration.
//
// Environment variables are expanded in the raw file before parsing, so
// secrets can be referenced as ${TELEGRAM_BOT_TOKEN} rather than stored in
// the config itself.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Channels ChannelsConfig `yaml:"channels"`
	Agent    AgentConfig    `yaml:"agent"`
	Store    StoreConfig    `yaml:"store"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig configures the task API HTTP server.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DispatchConfig tunes the dispatcher and session actors.
type DispatchConfig struct {
	// MailboxSize bounds each actor's pending-trigger buffer.
	MailboxSize int `yaml:"mailbox_size"`

	// InterruptGrace bounds how long an interrupt waits for the cancelled
	// turn to acknowledge before proceeding.
	InterruptGrace time.Duration `yaml:"interrupt_grace"`

	// DrainGrace bounds graceful session drain during shutdown.
	DrainGrace time.Duration `yaml:"drain_grace"`

	// IdleTimeout evicts sessions inactive for this long. Zero disables
	// eviction.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// EvictionInterval is how often idle eviction and store cleanup run.
	EvictionInterval time.Duration `yaml:"eviction_interval"`

	// PreemptInput selects what happens to a pending input request when an
	// unrelated trigger preempts the session. Only "cancel" is implemented:
	// the request is abandoned, neither approved nor denied.
	PreemptInput string `yaml:"preempt_input"`
}

// ChannelsConfig holds per-platform transport configuration.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Discord  DiscordConfig  `yaml:"discord"`
}

// TelegramConfig configures the Telegram listener.
type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`

	// AllowedChats restricts the bot to these chat IDs. Empty allows all.
	AllowedChats []int64 `yaml:"allowed_chats"`
}

// DiscordConfig configures the Discord listener.
type DiscordConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`

	// AllowedGuilds restricts the bot to these guild IDs. Empty allows all.
	AllowedGuilds []string `yaml:"allowed_guilds"`

	// ChannelWorkdirs maps channel IDs to working directories for the
	// agent backend.
	ChannelWorkdirs map[string]string `yaml:"channel_workdirs"`
}

// AgentConfig selects and configures the agent backend.
type AgentConfig struct {
	// Provider selects the backend: "anthropic" or "openai".
	Provider string `yaml:"provider"`

	// Workdir is the default working directory for conversations that do
	// not resolve one from their channel.
	Workdir string `yaml:"workdir"`

	Anthropic AnthropicConfig `yaml:"anthropic"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
}

// AnthropicConfig configures the Anthropic backend.
type AnthropicConfig struct {
	APIKey     string        `yaml:"api_key"`
	Model      string        `yaml:"model"`
	MaxTokens  int           `yaml:"max_tokens"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	System     string        `yaml:"system"`
}

// OpenAIConfig configures the OpenAI backend.
type OpenAIConfig struct {
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
	System    string `yaml:"system"`
}

// StoreConfig configures persisted session metadata.
type StoreConfig struct {
	// Path is the SQLite database file. Empty uses an in-memory database.
	Path string `yaml:"path"`

	// MaxAge expires persisted sessions inactive longer than this.
	MaxAge time.Duration `yaml:"max_age"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads, env-expands, parses, and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate applies defaults and rejects fatal misconfiguration.
func (c *Config) Validate() error {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8787
	}

	if c.Dispatch.MailboxSize == 0 {
		c.Dispatch.MailboxSize = 32
	}
	if c.Dispatch.InterruptGrace == 0 {
		c.Dispatch.InterruptGrace = 5 * time.Second
	}
	if c.Dispatch.DrainGrace == 0 {
		c.Dispatch.DrainGrace = 10 * time.Second
	}
	if c.Dispatch.EvictionInterval == 0 {
		c.Dispatch.EvictionInterval = 10 * time.Minute
	}
	if c.Dispatch.PreemptInput == "" {
		c.Dispatch.PreemptInput = "cancel"
	}
	if c.Dispatch.PreemptInput != "cancel" {
		return fmt.Errorf("dispatch.preempt_input: unsupported policy %q", c.Dispatch.PreemptInput)
	}

	if c.Channels.Telegram.Enabled && strings.TrimSpace(c.Channels.Telegram.Token) == "" {
		return fmt.Errorf("channels.telegram.token is required when telegram is enabled")
	}
	if c.Channels.Discord.Enabled && strings.TrimSpace(c.Channels.Discord.Token) == "" {
		return fmt.Errorf("channels.discord.token is required when discord is enabled")
	}

	switch c.Agent.Provider {
	case "":
		c.Agent.Provider = "anthropic"
	case "anthropic", "openai":
	default:
		return fmt.Errorf("agent.provider: unknown provider %q", c.Agent.Provider)
	}
	if c.Agent.Anthropic.Model == "" {
		c.Agent.Anthropic.Model = "claude-sonnet-4-20250514"
	}
	if c.Agent.Anthropic.MaxTokens == 0 {
		c.Agent.Anthropic.MaxTokens = 4096
	}
	if c.Agent.Anthropic.MaxRetries == 0 {
		c.Agent.Anthropic.MaxRetries = 3
	}
	if c.Agent.Anthropic.RetryDelay == 0 {
		c.Agent.Anthropic.RetryDelay = time.Second
	}
	if c.Agent.OpenAI.Model == "" {
		c.Agent.OpenAI.Model = "gpt-4o"
	}
	if c.Agent.OpenAI.MaxTokens == 0 {
		c.Agent.OpenAI.MaxTokens = 4096
	}

	if c.Store.MaxAge == 0 {
		c.Store.MaxAge = 7 * 24 * time.Hour
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}
