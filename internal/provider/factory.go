package provider

import (
	"fmt"
	"log/slog"

	"arcusgw/internal/domain"
)

// BackendConfig describes one model backend slot in the config file.
type BackendConfig struct {
	Backend string `json:"backend"` // "openai" | "anthropic"
	APIKey  string `json:"apiKey,omitempty"`
	APIBase string `json:"apiBase,omitempty"`
	Model   string `json:"model,omitempty"`
}

// New builds a backend from its config.
func New(cfg BackendConfig, logger *slog.Logger) (domain.ModelBackend, error) {
	switch cfg.Backend {
	case "openai":
		return NewOpenAI(OpenAIConfig{
			APIKey:  cfg.APIKey,
			APIBase: cfg.APIBase,
			Model:   cfg.Model,
			Logger:  logger,
		}), nil
	case "anthropic":
		return NewAnthropic(AnthropicConfig{
			APIKey: cfg.APIKey,
			Model:  cfg.Model,
			Logger: logger,
		}), nil
	case "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown model backend: %s", cfg.Backend)
	}
}
