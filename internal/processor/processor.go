// Package processor orchestrates one message through the middleware hooks,
// prompt assembly, and a primary/fallback model call.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"arcusgw/internal/domain"
	"arcusgw/internal/metrics"
	"arcusgw/internal/persona"
	"arcusgw/internal/session"
)

// Apology is the only user-visible failure text: returned when both model
// backends fail. Deterministic and non-technical on purpose.
const Apology = "I'm sorry, I'm having trouble responding right now. Please try again in a few minutes."

const defaultHistoryWindow = 20

// Processor runs the per-message AI pipeline. Process never returns an
// error: hook failures degrade quality silently and a total model failure
// yields the apology text.
type Processor struct {
	hooks     domain.Hooks
	primary   domain.ModelBackend
	secondary domain.ModelBackend
	persona   *persona.Persona
	window    int
	logger    *slog.Logger
}

// Config holds Processor dependencies and tuning.
type Config struct {
	Hooks         domain.Hooks
	Primary       domain.ModelBackend
	Secondary     domain.ModelBackend
	Persona       *persona.Persona
	HistoryWindow int
	Logger        *slog.Logger
}

// New creates a Processor.
func New(cfg Config) *Processor {
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = defaultHistoryWindow
	}
	if cfg.Persona == nil {
		cfg.Persona = persona.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Processor{
		hooks:     cfg.Hooks,
		primary:   cfg.Primary,
		secondary: cfg.Secondary,
		persona:   cfg.Persona,
		window:    cfg.HistoryWindow,
		logger:    cfg.Logger,
	}
}

// Process generates the reply for one inbound message.
func (p *Processor) Process(ctx context.Context, msg domain.InboundMessage, sess *session.Session) string {
	// Pre-hook is best-effort enrichment: its failure degrades context, never
	// the message.
	pre := p.preMessage(ctx, msg, sess)

	system := p.buildSystemPrompt(msg.Channel, sess.MessageCount, pre.SystemContext)
	turns := p.buildTurns(pre.History, msg.Text)

	response, err := p.generate(ctx, domain.ChatRequest{
		System:   system,
		Messages: turns,
		Model:    pre.ModelHint,
	})
	if err != nil {
		metrics.ModelFailures.Inc()
		p.logger.Error("all model backends failed", "session", sess.ID, "err", err)
		response = Apology
	}

	// Post-hook failures must not affect the response already produced.
	if p.hooks != nil {
		if err := p.hooks.PostMessage(ctx, msg.Text, response, sess.UserID, msg.Channel, msg.Chat.ID); err != nil {
			p.logger.Warn("post-message hook failed", "session", sess.ID, "err", err)
		}
	}

	return response
}

func (p *Processor) preMessage(ctx context.Context, msg domain.InboundMessage, sess *session.Session) domain.PreMessageResult {
	if p.hooks == nil {
		return domain.PreMessageResult{}
	}
	pre, err := p.hooks.PreMessage(ctx, msg.Text, sess.UserID, msg.Channel, msg.Chat.ID)
	if err != nil || pre == nil {
		p.logger.Warn("pre-message hook failed, continuing without context", "session", sess.ID, "err", err)
		return domain.PreMessageResult{}
	}
	return *pre
}

func (p *Processor) buildSystemPrompt(channel domain.Channel, messageCount int, contextBlock string) string {
	var sb strings.Builder
	sb.WriteString(p.persona.SystemPreamble(channel))
	fmt.Fprintf(&sb, "\n\nChannel: %s\nMessages this session: %d", channel, messageCount)
	if contextBlock != "" {
		sb.WriteString("\n\n")
		sb.WriteString(contextBlock)
	}
	return sb.String()
}

// buildTurns applies the bounded sliding window to prior turns, oldest first,
// then appends the new user turn.
func (p *Processor) buildTurns(history []domain.Turn, userText string) []domain.Turn {
	if len(history) > p.window {
		history = history[len(history)-p.window:]
	}
	turns := make([]domain.Turn, 0, len(history)+1)
	turns = append(turns, history...)
	turns = append(turns, domain.Turn{Role: "user", Content: userText})
	return turns
}

// generate calls the primary backend, silently retrying against the
// secondary on any failure.
func (p *Processor) generate(ctx context.Context, req domain.ChatRequest) (string, error) {
	if p.primary == nil && p.secondary == nil {
		return "", fmt.Errorf("no model backend configured")
	}

	var err error
	if p.primary != nil {
		var response string
		response, err = p.primary.Chat(ctx, req)
		if err == nil {
			return response, nil
		}
	} else {
		err = fmt.Errorf("primary backend not configured")
	}

	if p.secondary == nil {
		return "", fmt.Errorf("primary backend %s failed: %w", p.primary.Name(), err)
	}

	p.logger.Warn("falling back to secondary backend",
		"secondary", p.secondary.Name(),
		"err", err,
	)
	metrics.ModelFallbacks.Inc()

	response, err2 := p.secondary.Chat(ctx, req)
	if err2 != nil {
		return "", fmt.Errorf("primary: %v; secondary %s: %w", err, p.secondary.Name(), err2)
	}
	return response, nil
}
