package middleware

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"arcusgw/internal/domain"
	"arcusgw/internal/memory"
)

func testHooks(t *testing.T, cfg Config) (*Arcus, *memory.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := memory.NewStore(filepath.Join(t.TempDir(), "hooks.db"), logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, nil, cfg, logger), store
}

func TestExtractLearnings(t *testing.T) {
	cases := []struct {
		text string
		want []string
	}{
		{"My name is Alice.", []string{"My name is Alice"}},
		{"remember that I hate mondays", []string{"remember that I hate mondays"}},
		{"I prefer short answers. Also, the weather is nice.", []string{"I prefer short answers"}},
		{"I live in Hanoi!\nI work at a bakery.", []string{"I live in Hanoi", "I work at a bakery"}},
		{"Call me Ishmael", []string{"Call me Ishmael"}},
		{"what is the capital of France?", nil},
		{"", nil},
	}
	for _, tc := range cases {
		got := ExtractLearnings(tc.text)
		if len(got) != len(tc.want) {
			t.Errorf("ExtractLearnings(%q) = %v, want %v", tc.text, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("ExtractLearnings(%q)[%d] = %q, want %q", tc.text, i, got[i], tc.want[i])
			}
		}
	}
}

func TestPreMessage_InjectsMemoryBlock(t *testing.T) {
	h, store := testHooks(t, Config{InjectMemories: true})
	ctx := context.Background()

	for _, fact := range []string{"lives in Hanoi", "prefers terse replies"} {
		l := memory.Learning{UserID: "alice", Channel: "discord", Content: fact, Source: "test"}
		if err := store.SaveLearning(ctx, l); err != nil {
			t.Fatal(err)
		}
	}

	res, err := h.PreMessage(ctx, "hello", "alice", domain.ChannelDiscord, "chat1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(res.SystemContext, "What you know about this user:") {
		t.Fatalf("unexpected memory block: %q", res.SystemContext)
	}
	if !strings.Contains(res.SystemContext, "- lives in Hanoi") {
		t.Errorf("memory block missing fact: %q", res.SystemContext)
	}
	if strings.HasSuffix(res.SystemContext, "\n") {
		t.Error("memory block should be trimmed")
	}
}

func TestPreMessage_NoMemoriesWhenDisabled(t *testing.T) {
	h, store := testHooks(t, Config{InjectMemories: false})
	ctx := context.Background()

	l := memory.Learning{UserID: "alice", Channel: "discord", Content: "likes tea", Source: "test"}
	if err := store.SaveLearning(ctx, l); err != nil {
		t.Fatal(err)
	}

	res, err := h.PreMessage(ctx, "hello", "alice", domain.ChannelDiscord, "chat1")
	if err != nil {
		t.Fatal(err)
	}
	if res.SystemContext != "" {
		t.Errorf("expected empty system context, got %q", res.SystemContext)
	}
}

func TestPreMessage_HistoryAndTrust(t *testing.T) {
	h, store := testHooks(t, Config{InjectMemories: true, HistoryLimit: 10})
	ctx := context.Background()

	if err := store.AppendTurn(ctx, "discord:chat1", "user", "hi"); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendTurn(ctx, "discord:chat1", "assistant", "hello"); err != nil {
		t.Fatal(err)
	}
	// Different chat must not bleed in.
	if err := store.AppendTurn(ctx, "discord:other", "user", "noise"); err != nil {
		t.Fatal(err)
	}

	res, err := h.PreMessage(ctx, "how are you", "alice", domain.ChannelDiscord, "chat1")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.History) != 2 {
		t.Fatalf("expected 2 history turns, got %d", len(res.History))
	}
	if res.History[0].Content != "hi" || res.History[1].Content != "hello" {
		t.Errorf("history out of order: %+v", res.History)
	}
	if res.TrustLevel != 0.5 {
		t.Errorf("expected baseline trust 0.5, got %v", res.TrustLevel)
	}
}

func TestPostMessage_PersistsTurnsAndLearnings(t *testing.T) {
	h, store := testHooks(t, Config{AutoLearn: true})
	ctx := context.Background()

	err := h.PostMessage(ctx, "My name is Bob. What time is it?", "Nice to meet you, Bob.", "bob", domain.ChannelWhatsApp, "chat9")
	if err != nil {
		t.Fatal(err)
	}

	turns, err := store.RecentTurns(ctx, "whatsapp:chat9", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	if turns[0].Role != "user" || turns[1].Role != "assistant" {
		t.Errorf("unexpected roles: %s, %s", turns[0].Role, turns[1].Role)
	}

	learnings, err := store.RecentLearnings(ctx, "bob", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(learnings) != 1 {
		t.Fatalf("expected 1 learning, got %d", len(learnings))
	}
	if learnings[0].Content != "My name is Bob" {
		t.Errorf("unexpected learning: %q", learnings[0].Content)
	}
	if learnings[0].Source != "auto_learn" {
		t.Errorf("unexpected source: %q", learnings[0].Source)
	}

	trust, err := store.TrustLevel(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if trust <= 0.5 {
		t.Errorf("expected trust above baseline after exchange, got %v", trust)
	}
}

func TestPostMessage_NoLearningsWhenAutoLearnOff(t *testing.T) {
	h, store := testHooks(t, Config{AutoLearn: false})
	ctx := context.Background()

	if err := h.PostMessage(ctx, "my name is Carol", "Hi Carol", "carol", domain.ChannelDiscord, "c"); err != nil {
		t.Fatal(err)
	}
	learnings, err := store.RecentLearnings(ctx, "carol", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(learnings) != 0 {
		t.Errorf("expected no learnings, got %d", len(learnings))
	}
}

func TestResolveIdentity(t *testing.T) {
	h, store := testHooks(t, Config{})
	ctx := context.Background()

	if err := store.LinkIdentity(ctx, domain.ChannelDiscord, "discord-123", "arcus-alice"); err != nil {
		t.Fatal(err)
	}

	got, err := h.ResolveIdentity(ctx, "discord-123", domain.ChannelDiscord)
	if err != nil {
		t.Fatal(err)
	}
	if got != "arcus-alice" {
		t.Errorf("expected arcus-alice, got %q", got)
	}

	got, err = h.ResolveIdentity(ctx, "unknown", domain.ChannelDiscord)
	if err != nil {
		t.Fatal(err)
	}
	if got != "" {
		t.Errorf("expected empty id for unlinked user, got %q", got)
	}
}

func TestFlushSession(t *testing.T) {
	h, _ := testHooks(t, Config{})
	ctx := context.Background()

	info := domain.SessionInfo{
		ID:           "sess-1",
		UserID:       "alice",
		Channel:      domain.ChannelWebSocket,
		ChatID:       "chat1",
		CreatedAt:    time.Now().Add(-time.Minute),
		LastActivity: time.Now(),
		MessageCount: 4,
	}
	if err := h.FlushSession(ctx, info); err != nil {
		t.Fatal(err)
	}
	// Flushing twice updates the same row rather than failing.
	info.MessageCount = 5
	if err := h.FlushSession(ctx, info); err != nil {
		t.Fatal(err)
	}
}
