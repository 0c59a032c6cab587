package gateway

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"arcusgw/internal/domain"
	"arcusgw/internal/memory"
	"arcusgw/internal/session"
)

// CommandHandler runs a sigil-prefixed command. Returning non-empty text
// short-circuits the AI pipeline; returning empty text or an error lets the
// message fall through to the model.
type CommandHandler func(ctx context.Context, msg domain.InboundMessage, sess *session.Session) (string, error)

// Command is a parsed sigil-prefixed invocation.
type Command struct {
	Name string
	Args []string
	Raw  string
}

// ParseCommand returns the command in text, or nil when text is not a
// command. A bare sigil or a sigil followed by whitespace is not a command.
func ParseCommand(text, sigil string) *Command {
	if sigil == "" || !strings.HasPrefix(text, sigil) {
		return nil
	}
	rest := strings.TrimSpace(text[len(sigil):])
	if rest == "" {
		return nil
	}
	fields := strings.Fields(rest)
	return &Command{
		Name: strings.ToLower(fields[0]),
		Args: fields[1:],
		Raw:  text,
	}
}

// RegisterCommand binds a handler to a command name. Later registrations for
// the same name replace earlier ones.
func (g *Gateway) RegisterCommand(name string, handler CommandHandler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.commands[strings.ToLower(name)] = handler
	g.logger.Info("command registered", "name", name)
}

func (g *Gateway) lookupCommand(name string) (CommandHandler, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.commands[name]
	return h, ok
}

// registerBuiltins installs the stock command set.
func (g *Gateway) registerBuiltins() {
	g.RegisterCommand("ping", func(ctx context.Context, msg domain.InboundMessage, sess *session.Session) (string, error) {
		return "pong", nil
	})
	g.RegisterCommand("status", func(ctx context.Context, msg domain.InboundMessage, sess *session.Session) (string, error) {
		st := g.Status()
		connected := 0
		for _, up := range st.Adapters {
			if up {
				connected++
			}
		}
		return fmt.Sprintf("uptime %s | adapters %d/%d connected | sessions %d/%d",
			st.Uptime.Round(time.Second), connected, len(st.Adapters),
			st.ActiveSessions, st.MaxSessions), nil
	})
	g.RegisterCommand("session", func(ctx context.Context, msg domain.InboundMessage, sess *session.Session) (string, error) {
		return fmt.Sprintf("session %s | started %s | %d messages",
			sess.ID, sess.CreatedAt.Format(time.RFC3339), sess.MessageCount), nil
	})
	g.RegisterCommand("reset", func(ctx context.Context, msg domain.InboundMessage, sess *session.Session) (string, error) {
		g.EndSession(ctx, sess.ID)
		return "Session cleared. Starting fresh.", nil
	})
	g.RegisterCommand("help", func(ctx context.Context, msg domain.InboundMessage, sess *session.Session) (string, error) {
		g.mu.Lock()
		names := make([]string, 0, len(g.commands))
		for name := range g.commands {
			names = append(names, g.cfg.CommandSigil+name)
		}
		g.mu.Unlock()
		sort.Strings(names)
		return "Available commands: " + strings.Join(names, ", "), nil
	})
	g.RegisterCommand("learn", func(ctx context.Context, msg domain.InboundMessage, sess *session.Session) (string, error) {
		if g.memory == nil {
			return "Memory is not available.", nil
		}
		fact := commandArgs(msg.Text, g.cfg.CommandSigil)
		if fact == "" {
			return "Usage: " + g.cfg.CommandSigil + "learn <fact to remember>", nil
		}
		l := memory.Learning{
			UserID:  sess.UserID,
			Channel: string(msg.Channel),
			Content: fact,
			Source:  "command",
		}
		if err := g.memory.SaveLearning(ctx, l); err != nil {
			return "", err
		}
		return "Noted. I'll remember that.", nil
	})
	g.RegisterCommand("recall", func(ctx context.Context, msg domain.InboundMessage, sess *session.Session) (string, error) {
		if g.memory == nil {
			return "Memory is not available.", nil
		}
		learnings, err := g.memory.RecentLearnings(ctx, sess.UserID, recallLimit)
		if err != nil {
			return "", err
		}
		if len(learnings) == 0 {
			return "I haven't learned anything about you yet.", nil
		}
		var sb strings.Builder
		sb.WriteString("What I remember about you:\n")
		for _, l := range learnings {
			sb.WriteString("- ")
			sb.WriteString(l.Content)
			sb.WriteString("\n")
		}
		return strings.TrimRight(sb.String(), "\n"), nil
	})
	g.RegisterCommand("forget", func(ctx context.Context, msg domain.InboundMessage, sess *session.Session) (string, error) {
		if g.memory == nil {
			return "Memory is not available.", nil
		}
		n, err := g.memory.ForgetLearnings(ctx, sess.UserID)
		if err != nil {
			return "", err
		}
		if n == 0 {
			return "There was nothing to forget.", nil
		}
		return fmt.Sprintf("Done. I forgot %d things about you.", n), nil
	})
}

// recallLimit caps how many memories /recall lists.
const recallLimit = 10

// commandArgs returns everything after the command name, joined.
func commandArgs(text, sigil string) string {
	cmd := ParseCommand(text, sigil)
	if cmd == nil {
		return ""
	}
	return strings.Join(cmd.Args, " ")
}
