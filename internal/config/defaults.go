package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Gateway: GatewayConfig{
			CommandSigil:          "/",
			SessionTimeoutMinutes: 30,
			MaxSessions:           500,
			HistoryWindow:         20,
			TypingIndicator:       true,
		},
		Models: ModelsConfig{
			Primary: ModelConfig{
				Backend: "openai",
				Model:   "gpt-4o-mini",
			},
			Secondary: ModelConfig{
				Backend: "anthropic",
				Model:   "claude-3-5-haiku-20241022",
			},
		},
		Memory: MemoryConfig{
			DBPath:         "~/.arcusgw/memory.db",
			InjectMemories: true,
			AutoLearn:      true,
			MaxLearnings:   8,
		},
		Channels: ChannelsConfig{
			WhatsApp: WhatsAppConfig{
				Enabled:     false,
				Port:        8082,
				WebhookPath: "/webhook/whatsapp",
			},
			Discord: DiscordConfig{
				Enabled: false,
			},
			WebSocket: WebSocketConfig{
				Enabled: true,
				Port:    8081,
				Path:    "/ws",
			},
			Webhook: WebhookConfig{
				Enabled:             true,
				Port:                9090,
				Path:                "/webhook",
				ReplyTimeoutSeconds: 25,
			},
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Port:     9091,
			Endpoint: "/metrics",
		},
	}
}
