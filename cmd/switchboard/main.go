// Package main provides the CLI entry point for switchboard, a chat-to-agent
// session daemon.
//
// Switchboard bridges messaging platforms (Telegram, Discord) to stateful AI
// agent conversations: one session per conversation, a new message always
// interrupts the turn in flight, and late output from interrupted turns is
// suppressed.
//
// # Basic Usage
//
// Start the daemon:
//
//	switchboard serve --config switchboard.yaml
//
// Inspect live sessions:
//
//	switchboard sessions
//	switchboard sessions telegram:123456
//
// Inject a task into a conversation:
//
//	switchboard inject --platform telegram --conversation 123456 "daily summary please"
//
// # Environment Variables
//
//   - ANTHROPIC_API_KEY: Anthropic API key
//   - OPENAI_API_KEY: OpenAI API key
//   - TELEGRAM_BOT_TOKEN: Telegram bot token
//   - DISCORD_BOT_TOKEN: Discord bot token
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "switchboard",
		Short: "Switchboard - chat-to-agent session daemon",
		Long: `Switchboard connects messaging platforms to AI agent backends with
one stateful session per conversation. A new message always preempts the
response in progress.

Supported channels: Telegram, Discord
Supported backends: Anthropic (Claude), OpenAI (GPT)`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildSessionsCmd(),
		buildInjectCmd(),
		buildInputCmd(),
	)

	return rootCmd
}
