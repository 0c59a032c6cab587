// Package persona loads the assistant's system-prompt persona from a YAML
// file, falling back to a built-in default when none is configured.
package persona

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"arcusgw/internal/domain"
)

// Persona defines the fixed preamble of every system prompt, with optional
// per-channel notes appended for formatting constraints.
type Persona struct {
	Name         string            `yaml:"name"`
	Preamble     string            `yaml:"preamble"`
	ChannelNotes map[string]string `yaml:"channel_notes,omitempty"`
}

const defaultPreamble = `You are Arcus, a personal AI assistant reachable across several chat surfaces.
Be concise, warm, and direct. You remember what users teach you across conversations.
Answer in the language the user writes in.`

// Default returns the built-in persona.
func Default() *Persona {
	return &Persona{
		Name:     "Arcus",
		Preamble: defaultPreamble,
		ChannelNotes: map[string]string{
			string(domain.ChannelWhatsApp): "Keep replies short; avoid markdown tables.",
			string(domain.ChannelDiscord):  "Discord markdown is available.",
		},
	}
}

// Load reads a persona file. A missing or unparsable file falls back to the
// default persona without failing startup.
func Load(path string, logger *slog.Logger) *Persona {
	if path == "" {
		return Default()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("persona file unreadable, using default", "path", path, "err", err)
		return Default()
	}

	var p Persona
	if err := yaml.Unmarshal(data, &p); err != nil {
		logger.Warn("persona file unparsable, using default", "path", path, "err", err)
		return Default()
	}
	if strings.TrimSpace(p.Preamble) == "" {
		p.Preamble = defaultPreamble
	}
	if p.Name == "" {
		p.Name = "Arcus"
	}

	logger.Info("persona loaded", "path", path, "name", p.Name)
	return &p
}

// SystemPreamble returns the preamble plus the channel's note, if any.
func (p *Persona) SystemPreamble(channel domain.Channel) string {
	note := p.ChannelNotes[string(channel)]
	if note == "" {
		return p.Preamble
	}
	return fmt.Sprintf("%s\n\n%s", p.Preamble, note)
}
