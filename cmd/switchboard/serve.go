package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/agent/providers"
	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/internal/dispatch"
	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/internal/store"
	"github.com/haasonsaas/switchboard/internal/taskapi"
	"github.com/haasonsaas/switchboard/internal/transport/discord"
	"github.com/haasonsaas/switchboard/internal/transport/telegram"
	"github.com/haasonsaas/switchboard/pkg/models"
)

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the switchboard daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "switchboard.yaml", "Path to configuration file")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	logger.Info("starting switchboard",
		"version", version,
		"provider", cfg.Agent.Provider)

	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	backend, err := buildBackend(cfg)
	if err != nil {
		return err
	}

	dispatcher := dispatch.New(dispatch.Config{
		Actor: dispatch.ActorConfig{
			MailboxSize:    cfg.Dispatch.MailboxSize,
			InterruptGrace: cfg.Dispatch.InterruptGrace,
			Workdir:        cfg.Agent.Workdir,
		},
		DrainGrace:  cfg.Dispatch.DrainGrace,
		IdleTimeout: cfg.Dispatch.IdleTimeout,
	}, backend, store.NewSeeder(st), logger, metrics)

	if err := registerListeners(cfg, dispatcher, logger); err != nil {
		return err
	}

	if err := dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}

	api := taskapi.NewServer(taskapi.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	}, dispatcher, metrics, logger)
	if err := api.Start(); err != nil {
		return err
	}

	scheduler := cron.New()
	_, err = scheduler.AddFunc(fmt.Sprintf("@every %s", cfg.Dispatch.EvictionInterval), func() {
		if cfg.Dispatch.IdleTimeout > 0 {
			if n := dispatcher.EvictIdle(); n > 0 {
				logger.Info("evicted idle sessions", "count", n)
			}
		}
		cleanupCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := st.CleanupExpired(cleanupCtx, cfg.Store.MaxAge); err != nil {
			logger.Warn("store cleanup failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule maintenance: %w", err)
	}
	scheduler.Start()

	logger.Info("switchboard started",
		"addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("shutting down", "reason", "context cancelled")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		cfg.Dispatch.DrainGrace+5*time.Second)
	defer cancel()

	<-scheduler.Stop().Done()
	if err := api.Stop(shutdownCtx); err != nil {
		logger.Warn("task api shutdown error", "error", err)
	}
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		logger.Warn("dispatcher shutdown error", "error", err)
	}

	logger.Info("switchboard stopped")
	return nil
}

func buildBackend(cfg *config.Config) (agent.Backend, error) {
	switch cfg.Agent.Provider {
	case "anthropic":
		return providers.NewAnthropic(providers.AnthropicConfig{
			APIKey:     cfg.Agent.Anthropic.APIKey,
			Model:      cfg.Agent.Anthropic.Model,
			MaxTokens:  cfg.Agent.Anthropic.MaxTokens,
			MaxRetries: cfg.Agent.Anthropic.MaxRetries,
			RetryDelay: cfg.Agent.Anthropic.RetryDelay,
			System:     cfg.Agent.Anthropic.System,
		})
	case "openai":
		return providers.NewOpenAI(providers.OpenAIConfig{
			APIKey:    cfg.Agent.OpenAI.APIKey,
			Model:     cfg.Agent.OpenAI.Model,
			MaxTokens: cfg.Agent.OpenAI.MaxTokens,
			System:    cfg.Agent.OpenAI.System,
		})
	default:
		return nil, fmt.Errorf("unknown agent provider %q", cfg.Agent.Provider)
	}
}

func registerListeners(cfg *config.Config, dispatcher *dispatch.Dispatcher, logger *slog.Logger) error {
	registered := 0

	if cfg.Channels.Telegram.Enabled {
		listener, err := telegram.NewListener(telegram.Config{
			Token:        cfg.Channels.Telegram.Token,
			AllowedChats: cfg.Channels.Telegram.AllowedChats,
			OnInput: func(key models.SessionKey, requestID, answer string) error {
				return dispatcher.ResolveInput(key, requestID, answer)
			},
			Logger: logger,
		})
		if err != nil {
			return err
		}
		if err := dispatcher.RegisterListener(listener); err != nil {
			return err
		}
		registered++
	}

	if cfg.Channels.Discord.Enabled {
		listener, err := discord.NewListener(discord.Config{
			Token:           cfg.Channels.Discord.Token,
			AllowedGuilds:   cfg.Channels.Discord.AllowedGuilds,
			ChannelWorkdirs: cfg.Channels.Discord.ChannelWorkdirs,
			Logger:          logger,
		})
		if err != nil {
			return err
		}
		if err := dispatcher.RegisterListener(listener); err != nil {
			return err
		}
		registered++
	}

	if registered == 0 {
		return fmt.Errorf("no channels enabled; enable at least one under channels")
	}
	logger.Info("channels registered", "count", registered)
	return nil
}
