package persona

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"arcusgw/internal/domain"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestDefault(t *testing.T) {
	p := Default()
	if p.Name != "Arcus" {
		t.Errorf("unexpected name %q", p.Name)
	}
	if !strings.Contains(p.Preamble, "Arcus") {
		t.Error("default preamble should introduce the assistant")
	}
}

func TestLoad_EmptyPathUsesDefault(t *testing.T) {
	p := Load("", testLogger)
	if p.Name != "Arcus" {
		t.Errorf("unexpected name %q", p.Name)
	}
}

func TestLoad_MissingFileFallsBack(t *testing.T) {
	p := Load(filepath.Join(t.TempDir(), "nope.yaml"), testLogger)
	if p.Preamble != Default().Preamble {
		t.Error("expected default preamble on missing file")
	}
}

func TestLoad_BadYAMLFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persona.yaml")
	if err := os.WriteFile(path, []byte(":\n  - not yaml {"), 0o644); err != nil {
		t.Fatal(err)
	}
	p := Load(path, testLogger)
	if p.Preamble != Default().Preamble {
		t.Error("expected default preamble on unparsable file")
	}
}

func TestLoad_CustomPersona(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persona.yaml")
	doc := `name: Nova
preamble: You are Nova, a test assistant.
channel_notes:
  whatsapp: Plain text only.
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	p := Load(path, testLogger)
	if p.Name != "Nova" {
		t.Errorf("unexpected name %q", p.Name)
	}
	if p.Preamble != "You are Nova, a test assistant." {
		t.Errorf("unexpected preamble %q", p.Preamble)
	}
}

func TestLoad_BlankPreambleRestored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persona.yaml")
	if err := os.WriteFile(path, []byte("name: Quiet\npreamble: \"  \"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	p := Load(path, testLogger)
	if p.Name != "Quiet" {
		t.Errorf("unexpected name %q", p.Name)
	}
	if p.Preamble != Default().Preamble {
		t.Error("blank preamble should fall back to the default")
	}
}

func TestSystemPreamble_ChannelNotes(t *testing.T) {
	p := &Persona{
		Preamble:     "base",
		ChannelNotes: map[string]string{"whatsapp": "no markdown"},
	}

	got := p.SystemPreamble(domain.ChannelWhatsApp)
	if got != "base\n\nno markdown" {
		t.Errorf("unexpected preamble with note: %q", got)
	}

	got = p.SystemPreamble(domain.ChannelWebhook)
	if got != "base" {
		t.Errorf("expected bare preamble for channel without note, got %q", got)
	}
}
