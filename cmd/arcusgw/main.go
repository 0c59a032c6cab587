package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"arcusgw/internal/audit"
	"arcusgw/internal/bus"
	"arcusgw/internal/channel"
	"arcusgw/internal/config"
	"arcusgw/internal/gateway"
	"arcusgw/internal/memory"
	"arcusgw/internal/metrics"
	"arcusgw/internal/middleware"
	"arcusgw/internal/persona"
	"arcusgw/internal/processor"
	"arcusgw/internal/provider"
	"arcusgw/internal/session"
)

var (
	version    = "0.3.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "arcusgw",
		Short: "Arcus gateway: one AI assistant across WhatsApp, Discord, WebSocket and webhooks",
		Long:  "arcusgw runs the Arcus assistant behind a multi-channel message gateway with persistent per-user memory.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.arcusgw/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(gatewayCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())
	root.AddCommand(sendCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists: %s", cfgPath)
			}
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("arcusgw", version)
		},
	}
}

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the gateway with all enabled channels",
		Long:  "Connects every enabled channel adapter and serves messages until interrupted.",
		RunE:  runGateway,
	}
}

func setupLogger(cfg *config.Config) error {
	level := slog.LevelInfo
	switch cfg.General.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	out := os.Stderr
	if cfg.General.LogFile != "" {
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		out = f
	}

	logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return nil
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := setupLogger(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := memory.NewStore(cfg.Memory.DBPath, logger)
	if err != nil {
		return fmt.Errorf("memory store: %w", err)
	}
	defer store.Close()

	recorder := audit.NewRecorder(store, logger)

	hooks := middleware.New(store, recorder, middleware.Config{
		InjectMemories: cfg.Memory.InjectMemories,
		AutoLearn:      cfg.Memory.AutoLearn,
		MaxLearnings:   cfg.Memory.MaxLearnings,
		HistoryLimit:   cfg.Gateway.HistoryWindow,
	}, logger)

	sessions := session.NewManager(session.Config{
		TimeoutMinutes: cfg.Gateway.SessionTimeoutMinutes,
		MaxSessions:    cfg.Gateway.MaxSessions,
		Flusher:        hooks,
		Logger:         logger,
	})

	primary, err := provider.New(backendConfig(cfg.Models.Primary), logger)
	if err != nil {
		return fmt.Errorf("primary model: %w", err)
	}
	secondary, err := provider.New(backendConfig(cfg.Models.Secondary), logger)
	if err != nil {
		logger.Warn("secondary model unavailable", "err", err)
	}
	if primary == nil && secondary == nil {
		logger.Warn("no model backend configured, every message will get the fallback reply")
	}

	proc := processor.New(processor.Config{
		Hooks:         hooks,
		Primary:       primary,
		Secondary:     secondary,
		Persona:       persona.Load(cfg.Persona.Path, logger),
		HistoryWindow: cfg.Gateway.HistoryWindow,
		Logger:        logger,
	})

	events := bus.New(logger)

	gw := gateway.New(gateway.Config{
		AuthToken:       cfg.Gateway.AuthToken,
		CommandSigil:    cfg.Gateway.CommandSigil,
		TypingIndicator: cfg.Gateway.TypingIndicator,
		MemoryInjection: cfg.Memory.InjectMemories,
		AutoLearn:       cfg.Memory.AutoLearn,
	}, gateway.Deps{
		Sessions:  sessions,
		Events:    events,
		Processor: proc,
		Hooks:     hooks,
		Audit:     recorder,
		Memory:    store,
		Logger:    logger,
	})

	registerAdapters(gw, cfg)

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics)
	}

	if err := gw.Start(ctx); err != nil {
		return err
	}
	logger.Info("gateway running. Press Ctrl+C to stop.")

	<-ctx.Done()
	logger.Info("shutting down gateway...")

	done := make(chan struct{})
	go func() {
		defer close(done)
		gw.Stop(context.Background())
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
		return nil
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}

func backendConfig(mc config.ModelConfig) provider.BackendConfig {
	return provider.BackendConfig{
		Backend: mc.Backend,
		APIKey:  mc.APIKey,
		APIBase: mc.APIBase,
		Model:   mc.Model,
	}
}

func registerAdapters(gw *gateway.Gateway, cfg *config.Config) {
	if cfg.Channels.WhatsApp.Enabled {
		gw.RegisterAdapter(channel.NewWhatsApp(channel.WhatsAppConfig{
			AccessToken:   cfg.Channels.WhatsApp.AccessToken,
			PhoneNumberID: cfg.Channels.WhatsApp.PhoneNumberID,
			VerifyToken:   cfg.Channels.WhatsApp.VerifyToken,
			AppSecret:     cfg.Channels.WhatsApp.AppSecret,
			Port:          cfg.Channels.WhatsApp.Port,
			WebhookPath:   cfg.Channels.WhatsApp.WebhookPath,
			AllowFrom:     cfg.Channels.WhatsApp.AllowFrom,
			GatewayToken:  cfg.Gateway.AuthToken,
			Logger:        logger,
		}))
	}
	if cfg.Channels.Discord.Enabled {
		gw.RegisterAdapter(channel.NewDiscord(channel.DiscordConfig{
			Token:        cfg.Channels.Discord.Token,
			GuildID:      cfg.Channels.Discord.GuildID,
			AllowFrom:    cfg.Channels.Discord.AllowFrom,
			GatewayToken: cfg.Gateway.AuthToken,
			Logger:       logger,
		}))
	}
	if cfg.Channels.WebSocket.Enabled {
		gw.RegisterAdapter(channel.NewWebSocket(channel.WebSocketConfig{
			Port:      cfg.Channels.WebSocket.Port,
			Path:      cfg.Channels.WebSocket.Path,
			AllowFrom: cfg.Channels.WebSocket.AllowFrom,
			Logger:    logger,
		}))
	}
	if cfg.Channels.Webhook.Enabled {
		gw.RegisterAdapter(channel.NewWebhook(channel.WebhookConfig{
			Port:         cfg.Channels.Webhook.Port,
			Path:         cfg.Channels.Webhook.Path,
			Secret:       cfg.Channels.Webhook.Secret,
			ReplyTimeout: time.Duration(cfg.Channels.Webhook.ReplyTimeoutSeconds) * time.Second,
			AllowFrom:    cfg.Channels.Webhook.AllowFrom,
			Logger:       logger,
		}))
	}
}

func serveMetrics(mc config.MetricsConfig) {
	mux := http.NewServeMux()
	endpoint := mc.Endpoint
	if endpoint == "" {
		endpoint = "/metrics"
	}
	mux.Handle(endpoint, metrics.Collector.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", mc.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("metrics server listening", "port", mc.Port, "endpoint", endpoint)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server failed", "err", err)
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and store status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Info("config", "path", cfgPath, "loaded", false)
				cfg = config.Defaults()
			} else {
				logger.Info("config", "path", cfgPath, "loaded", true)
			}

			logger.Info("models",
				"primary", cfg.Models.Primary.Backend,
				"secondary", cfg.Models.Secondary.Backend,
			)
			logger.Info("channels",
				"whatsapp", cfg.Channels.WhatsApp.Enabled,
				"discord", cfg.Channels.Discord.Enabled,
				"websocket", cfg.Channels.WebSocket.Enabled,
				"webhook", cfg.Channels.Webhook.Enabled,
			)
			logger.Info("gateway",
				"auth", cfg.Gateway.AuthToken != "",
				"sigil", cfg.Gateway.CommandSigil,
				"sessionTimeoutMinutes", cfg.Gateway.SessionTimeoutMinutes,
			)

			store, err := memory.NewStore(cfg.Memory.DBPath, logger)
			if err != nil {
				logger.Warn("memory store unavailable", "err", err)
				return nil
			}
			defer store.Close()

			stats, err := store.Stats(cmd.Context())
			if err != nil {
				logger.Warn("stats unavailable", "err", err)
				return nil
			}
			logger.Info("memory",
				"turns", stats.Turns,
				"learnings", stats.Learnings,
				"audit_records", stats.AuditRecords,
			)
			return nil
		},
	}
}

// sendCmd posts a message to a running gateway's webhook channel. Useful for
// smoke tests and scripting.
func sendCmd() *cobra.Command {
	var (
		chatID string
		userID string
	)
	cmd := &cobra.Command{
		Use:   "send [text]",
		Short: "Send a message through a running gateway's webhook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if !cfg.Channels.Webhook.Enabled {
				return fmt.Errorf("webhook channel is disabled")
			}

			path := cfg.Channels.Webhook.Path
			if path == "" {
				path = "/webhook"
			}
			url := fmt.Sprintf("http://127.0.0.1:%d%s", cfg.Channels.Webhook.Port, path)

			body, err := json.Marshal(map[string]string{
				"chat_id":    chatID,
				"user_id":    userID,
				"content":    args[0],
				"auth_token": cfg.Gateway.AuthToken,
			})
			if err != nil {
				return err
			}

			resp, err := http.Post(url, "application/json", bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("post: %w", err)
			}
			defer resp.Body.Close()

			logger.Info("sent", "url", url, "status", resp.StatusCode)
			return nil
		},
	}
	cmd.Flags().StringVar(&chatID, "chat", "cli", "chat id to send as")
	cmd.Flags().StringVar(&userID, "user", "cli", "user id to send as")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. gateway.commandSigil)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. gateway.maxSessions 200)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			data, _ := json.MarshalIndent(config.Sanitize(cfg), "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
