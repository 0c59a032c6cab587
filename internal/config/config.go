package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Config is the root configuration for the gateway.
type Config struct {
	General  GeneralConfig  `json:"general"`
	Gateway  GatewayConfig  `json:"gateway"`
	Models   ModelsConfig   `json:"models"`
	Memory   MemoryConfig   `json:"memory"`
	Persona  PersonaConfig  `json:"persona"`
	Channels ChannelsConfig `json:"channels"`
	Metrics  MetricsConfig  `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"`
}

// GatewayConfig tunes the dispatch pipeline.
type GatewayConfig struct {
	AuthToken             string `json:"authToken,omitempty"` // empty disables the auth gate
	CommandSigil          string `json:"commandSigil"`
	SessionTimeoutMinutes int    `json:"sessionTimeoutMinutes"`
	MaxSessions           int    `json:"maxSessions"`
	HistoryWindow         int    `json:"historyWindow"`
	TypingIndicator       bool   `json:"typingIndicator"`
}

// ModelConfig selects one AI backend.
type ModelConfig struct {
	Backend string `json:"backend"` // "openai" | "anthropic" | "" (disabled)
	APIKey  string `json:"apiKey,omitempty"`
	APIBase string `json:"apiBase,omitempty"`
	Model   string `json:"model,omitempty"`
}

// ModelsConfig holds the primary backend and its fallback.
type ModelsConfig struct {
	Primary   ModelConfig `json:"primary"`
	Secondary ModelConfig `json:"secondary,omitempty"`
}

type MemoryConfig struct {
	DBPath         string `json:"dbPath"`
	InjectMemories bool   `json:"injectMemories"`
	AutoLearn      bool   `json:"autoLearn"`
	MaxLearnings   int    `json:"maxLearnings"`
}

type PersonaConfig struct {
	Path string `json:"path,omitempty"` // YAML persona file; empty uses the builtin
}

type ChannelsConfig struct {
	WhatsApp  WhatsAppConfig  `json:"whatsapp"`
	Discord   DiscordConfig   `json:"discord"`
	WebSocket WebSocketConfig `json:"websocket"`
	Webhook   WebhookConfig   `json:"webhook"`
}

type WhatsAppConfig struct {
	Enabled       bool           `json:"enabled"`
	AccessToken   string         `json:"accessToken,omitempty"`
	PhoneNumberID string         `json:"phoneNumberId,omitempty"`
	VerifyToken   string         `json:"verifyToken,omitempty"`
	AppSecret     string         `json:"appSecret,omitempty"`
	Port          int            `json:"port"`
	WebhookPath   string         `json:"webhookPath,omitempty"`
	AllowFrom     FlexStringList `json:"allowFrom,omitempty"`
}

type DiscordConfig struct {
	Enabled   bool           `json:"enabled"`
	Token     string         `json:"token,omitempty"`
	GuildID   string         `json:"guildId,omitempty"`
	AllowFrom FlexStringList `json:"allowFrom,omitempty"`
}

type WebSocketConfig struct {
	Enabled   bool           `json:"enabled"`
	Port      int            `json:"port"`
	Path      string         `json:"path,omitempty"`
	AllowFrom FlexStringList `json:"allowFrom,omitempty"`
}

type WebhookConfig struct {
	Enabled             bool           `json:"enabled"`
	Port                int            `json:"port"`
	Path                string         `json:"path,omitempty"`
	Secret              string         `json:"secret,omitempty"`
	ReplyTimeoutSeconds int            `json:"replyTimeoutSeconds"` // how long a synchronous caller waits for the reply
	AllowFrom           FlexStringList `json:"allowFrom,omitempty"`
}

type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Port     int    `json:"port"`
	Endpoint string `json:"endpoint"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// DefaultConfigDir returns the default config directory (~/.arcusgw).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".arcusgw"
	}
	return filepath.Join(home, ".arcusgw")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Memory.DBPath = ExpandPath(cfg.Memory.DBPath)
	cfg.Persona.Path = ExpandPath(cfg.Persona.Path)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Gateway.SessionTimeoutMinutes < 1 {
		errs = append(errs, "gateway.sessionTimeoutMinutes must be >= 1")
	}
	if cfg.Gateway.MaxSessions < 1 {
		errs = append(errs, "gateway.maxSessions must be >= 1")
	}
	if cfg.Gateway.HistoryWindow < 1 {
		errs = append(errs, "gateway.historyWindow must be >= 1")
	}

	for _, mc := range []struct {
		name string
		cfg  ModelConfig
	}{
		{"models.primary", cfg.Models.Primary},
		{"models.secondary", cfg.Models.Secondary},
	} {
		switch mc.cfg.Backend {
		case "", "openai", "anthropic":
			// valid
		default:
			errs = append(errs, fmt.Sprintf("%s.backend must be one of: openai, anthropic", mc.name))
		}
	}

	for _, pc := range []struct {
		name string
		port int
	}{
		{"channels.whatsapp.port", cfg.Channels.WhatsApp.Port},
		{"channels.websocket.port", cfg.Channels.WebSocket.Port},
		{"channels.webhook.port", cfg.Channels.Webhook.Port},
		{"metrics.port", cfg.Metrics.Port},
	} {
		if pc.port < 0 || pc.port > 65535 {
			errs = append(errs, fmt.Sprintf("%s must be between 0 and 65535", pc.name))
		}
	}

	if cfg.Channels.Webhook.ReplyTimeoutSeconds < 1 {
		errs = append(errs, "channels.webhook.replyTimeoutSeconds must be >= 1")
	}

	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token == "" {
		errs = append(errs, "channels.discord.token is required when discord is enabled")
	}
	if cfg.Channels.WhatsApp.Enabled {
		if cfg.Channels.WhatsApp.AccessToken == "" {
			errs = append(errs, "channels.whatsapp.accessToken is required when whatsapp is enabled")
		}
		if cfg.Channels.WhatsApp.PhoneNumberID == "" {
			errs = append(errs, "channels.whatsapp.phoneNumberId is required when whatsapp is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
