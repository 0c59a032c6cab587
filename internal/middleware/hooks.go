// Package middleware implements the gateway's pre/post message hooks on top
// of the knowledge store: memory-context injection before each model call,
// learning extraction and trust logging afterwards, identity resolution, and
// session flushing.
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"arcusgw/internal/audit"
	"arcusgw/internal/domain"
	"arcusgw/internal/memory"
)

// Config tunes the hooks.
type Config struct {
	InjectMemories bool
	AutoLearn      bool
	MaxLearnings   int
	HistoryLimit   int
}

const (
	defaultMaxLearnings = 8
	defaultHistoryLimit = 40

	// Trust drifts up slowly with normal usage.
	exchangeTrustDelta = 0.005
)

// Arcus is the store-backed Hooks implementation.
type Arcus struct {
	store  *memory.Store
	audit  *audit.Recorder
	cfg    Config
	logger *slog.Logger
}

// New creates the hooks. audit may be nil.
func New(store *memory.Store, rec *audit.Recorder, cfg Config, logger *slog.Logger) *Arcus {
	if cfg.MaxLearnings <= 0 {
		cfg.MaxLearnings = defaultMaxLearnings
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	return &Arcus{store: store, audit: rec, cfg: cfg, logger: logger}
}

// convKey scopes conversation turns to one chat on one channel.
func convKey(channel domain.Channel, chatID string) string {
	return fmt.Sprintf("%s:%s", channel, chatID)
}

// PreMessage assembles the context bundle for one message: recent turns,
// a formatted memory block, and the sender's trust level.
func (a *Arcus) PreMessage(ctx context.Context, text, userID string, channel domain.Channel, chatID string) (*domain.PreMessageResult, error) {
	history, err := a.store.RecentTurns(ctx, convKey(channel, chatID), a.cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	result := &domain.PreMessageResult{History: history}

	if a.cfg.InjectMemories {
		learnings, err := a.store.RecentLearnings(ctx, userID, a.cfg.MaxLearnings)
		if err != nil {
			a.logger.Warn("learning retrieval failed, continuing without memories", "user", userID, "err", err)
		} else if len(learnings) > 0 {
			result.SystemContext = formatMemoryBlock(learnings)
		}
	}

	trust, err := a.store.TrustLevel(ctx, userID)
	if err != nil {
		a.logger.Warn("trust lookup failed", "user", userID, "err", err)
	}
	result.TrustLevel = trust

	return result, nil
}

// formatMemoryBlock renders learnings as a bulleted context block, newest
// first.
func formatMemoryBlock(learnings []memory.Learning) string {
	var sb strings.Builder
	sb.WriteString("What you know about this user:\n")
	for _, l := range learnings {
		sb.WriteString("- ")
		sb.WriteString(l.Content)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// PostMessage persists the exchange, extracts learnings when auto-learn is
// on, and logs a trust adjustment.
func (a *Arcus) PostMessage(ctx context.Context, userText, aiResponse, userID string, channel domain.Channel, chatID string) error {
	key := convKey(channel, chatID)
	if err := a.store.AppendTurn(ctx, key, "user", userText); err != nil {
		return fmt.Errorf("persist user turn: %w", err)
	}
	if err := a.store.AppendTurn(ctx, key, "assistant", aiResponse); err != nil {
		return fmt.Errorf("persist assistant turn: %w", err)
	}

	if a.cfg.AutoLearn {
		for _, fact := range ExtractLearnings(userText) {
			l := memory.Learning{
				UserID:  userID,
				Channel: string(channel),
				Content: fact,
				Source:  "auto_learn",
			}
			if err := a.store.SaveLearning(ctx, l); err != nil {
				a.logger.Warn("learning save failed", "user", userID, "err", err)
				continue
			}
			if a.audit != nil {
				a.audit.Learning(ctx, channel, userID, len(fact))
			}
		}
	}

	if err := a.store.AppendTrust(ctx, userID, exchangeTrustDelta, "message exchange"); err != nil {
		a.logger.Warn("trust log write failed", "user", userID, "err", err)
	}
	return nil
}

// ResolveIdentity maps a channel-local id to the canonical Arcus user id.
func (a *Arcus) ResolveIdentity(ctx context.Context, channelUserID string, channel domain.Channel) (string, error) {
	return a.store.ResolveIdentity(ctx, channel, channelUserID)
}

// FlushSession persists the session's summary row.
func (a *Arcus) FlushSession(ctx context.Context, info domain.SessionInfo) error {
	return a.store.SaveSessionSummary(ctx, info)
}

// learningTriggers mark sentences worth remembering verbatim.
var learningTriggers = []string{
	"remember that ",
	"remember: ",
	"my name is ",
	"call me ",
	"i prefer ",
	"i live in ",
	"i work at ",
	"my birthday is ",
}

// ExtractLearnings pulls simple declarative facts out of a user message.
// Deliberately heuristic; ranking and embedding belong to the memory engine,
// not the gateway.
func ExtractLearnings(text string) []string {
	var facts []string
	for _, sentence := range splitSentences(text) {
		lower := strings.ToLower(sentence)
		for _, trigger := range learningTriggers {
			if strings.Contains(lower, trigger) {
				facts = append(facts, strings.TrimSpace(sentence))
				break
			}
		}
	}
	return facts
}

func splitSentences(text string) []string {
	parts := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
