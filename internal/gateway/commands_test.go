package gateway

import (
	"strings"
	"testing"
	"unicode/utf8"

	"arcusgw/internal/domain"
	"arcusgw/internal/memory"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		text     string
		sigil    string
		wantNil  bool
		wantName string
		wantArgs int
	}{
		{"/ping", "/", false, "ping", 0},
		{"/reset now please", "/", false, "reset", 2},
		{"/HELP", "/", false, "help", 0},
		{"hello there", "/", true, "", 0},
		{"/", "/", true, "", 0},
		{"/   ", "/", true, "", 0},
		{"!ping", "!", false, "ping", 0},
		{"/ping", "!", true, "", 0},
		{"/ping", "", true, "", 0},
	}

	for _, tt := range tests {
		got := ParseCommand(tt.text, tt.sigil)
		if tt.wantNil {
			if got != nil {
				t.Errorf("ParseCommand(%q, %q) = %+v, want nil", tt.text, tt.sigil, got)
			}
			continue
		}
		if got == nil {
			t.Errorf("ParseCommand(%q, %q) = nil, want command", tt.text, tt.sigil)
			continue
		}
		if got.Name != tt.wantName {
			t.Errorf("ParseCommand(%q).Name = %q, want %q", tt.text, got.Name, tt.wantName)
		}
		if len(got.Args) != tt.wantArgs {
			t.Errorf("ParseCommand(%q).Args = %v, want %d args", tt.text, got.Args, tt.wantArgs)
		}
		if got.Raw != tt.text {
			t.Errorf("ParseCommand(%q).Raw = %q", tt.text, got.Raw)
		}
	}
}

func TestSplitMessage_Short(t *testing.T) {
	chunks := splitMessage("short message", 100)
	if len(chunks) != 1 {
		t.Errorf("expected 1 chunk, got %d", len(chunks))
	}
}

func TestSplitMessage_Long(t *testing.T) {
	long := strings.Repeat("word ", 100)
	chunks := splitMessage(long, 50)
	if len(chunks) < 2 {
		t.Errorf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 50 {
			t.Errorf("chunk %d too long: %d", i, len(c))
		}
	}
}

func TestSplitMessage_PrefersNewline(t *testing.T) {
	msg := strings.Repeat("x", 30) + "\n" + strings.Repeat("y", 30)
	chunks := splitMessage(msg, 40)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if !strings.HasSuffix(chunks[0], "\n") {
		t.Error("first chunk should end at the newline")
	}
}

func TestSplitMessage_Empty(t *testing.T) {
	chunks := splitMessage("", 100)
	if len(chunks) != 1 {
		t.Errorf("expected 1 chunk for empty, got %d", len(chunks))
	}
}

func TestSplitMessage_Reassembles(t *testing.T) {
	msg := strings.Repeat("line one\nline two\n", 40)
	chunks := splitMessage(msg, 64)
	if strings.Join(chunks, "") != msg {
		t.Error("chunks should reassemble to the original text")
	}
}

func TestSplitMessage_NeverSplitsRunes(t *testing.T) {
	// 2-byte runes with an odd limit force every naive byte cut mid-rune.
	msg := strings.Repeat("é", 40)
	chunks := splitMessage(msg, 9)
	for i, c := range chunks {
		if !utf8.ValidString(c) {
			t.Errorf("chunk %d is invalid UTF-8: %q", i, c)
		}
		if len(c) > 9 {
			t.Errorf("chunk %d over limit: %d bytes", i, len(c))
		}
	}
	if strings.Join(chunks, "") != msg {
		t.Error("chunks should reassemble to the original text")
	}

	// 4-byte runes, same property.
	msg = strings.Repeat("🙂", 10)
	for _, c := range splitMessage(msg, 10) {
		if !utf8.ValidString(c) {
			t.Errorf("invalid UTF-8 chunk: %q", c)
		}
	}
}

func TestGateway_LearnCommandSavesFact(t *testing.T) {
	fx := newFixture(t, Config{}, newFakeAdapter(domain.ChannelWebhook, 0))
	fx.start(t)

	fx.inject("/learn prefers green tea")

	sent := fx.adapter.sent()
	if len(sent) != 1 || sent[0].Text != "Noted. I'll remember that." {
		t.Fatalf("expected confirmation, got %+v", sent)
	}
	if fx.backend.calls() != 0 {
		t.Error("command must not reach the model")
	}
	facts := fx.mem.facts()
	if len(facts) != 1 {
		t.Fatalf("expected 1 learning, got %d", len(facts))
	}
	if facts[0].UserID != "alice" || facts[0].Content != "prefers green tea" || facts[0].Source != "command" {
		t.Errorf("unexpected learning saved: %+v", facts[0])
	}
}

func TestGateway_LearnCommandWithoutFact(t *testing.T) {
	fx := newFixture(t, Config{}, newFakeAdapter(domain.ChannelWebhook, 0))
	fx.start(t)

	fx.inject("/learn")

	sent := fx.adapter.sent()
	if len(sent) != 1 || !strings.HasPrefix(sent[0].Text, "Usage:") {
		t.Fatalf("expected usage reply, got %+v", sent)
	}
	if len(fx.mem.facts()) != 0 {
		t.Error("nothing should be saved without a fact")
	}
}

func TestGateway_RecallCommandListsNewestFirst(t *testing.T) {
	fx := newFixture(t, Config{}, newFakeAdapter(domain.ChannelWebhook, 0))
	fx.mem.saved = []memory.Learning{
		{UserID: "alice", Content: "likes jazz"},
		{UserID: "bob", Content: "hates jazz"},
		{UserID: "alice", Content: "works nights"},
	}
	fx.start(t)

	fx.inject("/recall")

	sent := fx.adapter.sent()
	want := "What I remember about you:\n- works nights\n- likes jazz"
	if len(sent) != 1 || sent[0].Text != want {
		t.Fatalf("got %+v, want %q", sent, want)
	}
	if fx.backend.calls() != 0 {
		t.Error("command must not reach the model")
	}
}

func TestGateway_RecallCommandEmpty(t *testing.T) {
	fx := newFixture(t, Config{}, newFakeAdapter(domain.ChannelWebhook, 0))
	fx.start(t)

	fx.inject("/recall")

	sent := fx.adapter.sent()
	if len(sent) != 1 || sent[0].Text != "I haven't learned anything about you yet." {
		t.Fatalf("expected empty-memory reply, got %+v", sent)
	}
}

func TestGateway_ForgetCommandClearsOwnFacts(t *testing.T) {
	fx := newFixture(t, Config{}, newFakeAdapter(domain.ChannelWebhook, 0))
	fx.mem.saved = []memory.Learning{
		{UserID: "alice", Content: "likes jazz"},
		{UserID: "bob", Content: "hates jazz"},
		{UserID: "alice", Content: "works nights"},
	}
	fx.start(t)

	fx.inject("/forget")

	sent := fx.adapter.sent()
	if len(sent) != 1 || sent[0].Text != "Done. I forgot 2 things about you." {
		t.Fatalf("expected forget summary, got %+v", sent)
	}
	facts := fx.mem.facts()
	if len(facts) != 1 || facts[0].UserID != "bob" {
		t.Errorf("other users' learnings must survive, got %+v", facts)
	}
}

func TestGateway_ForgetCommandNothingStored(t *testing.T) {
	fx := newFixture(t, Config{}, newFakeAdapter(domain.ChannelWebhook, 0))
	fx.start(t)

	fx.inject("/forget")

	sent := fx.adapter.sent()
	if len(sent) != 1 || sent[0].Text != "There was nothing to forget." {
		t.Fatalf("expected nothing-to-forget reply, got %+v", sent)
	}
}
