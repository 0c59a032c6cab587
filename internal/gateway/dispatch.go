package gateway

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"arcusgw/internal/bus"
	"arcusgw/internal/domain"
	"arcusgw/internal/metrics"
)

// HandleInbound is the entry point adapters call for every message. It runs
// the auth gate inline, then queues the rest of the pipeline behind any
// in-flight message from the same sender in the same chat.
func (g *Gateway) HandleInbound(ctx context.Context, msg domain.InboundMessage) {
	if !g.running.Load() {
		g.logger.Debug("gateway not running, message dropped", "channel", msg.Channel)
		metrics.MessagesDropped.Inc()
		return
	}
	if !g.authorize(ctx, msg) {
		return
	}
	key := fmt.Sprintf("%s:%s:%s", msg.Channel, msg.Sender.ChannelUserID, msg.Chat.ID)
	g.queue.Enqueue(key, func() {
		g.dispatch(ctx, msg)
	})
}

// authorize checks the shared token in constant time. An empty configured
// token disables the gate. Rejected senders get no response.
func (g *Gateway) authorize(ctx context.Context, msg domain.InboundMessage) bool {
	if g.cfg.AuthToken == "" {
		return true
	}
	if subtle.ConstantTimeCompare([]byte(msg.AuthToken), []byte(g.cfg.AuthToken)) == 1 {
		return true
	}
	metrics.AuthFailures.Inc()
	g.logger.Warn("auth rejected",
		"channel", msg.Channel,
		"sender", msg.Sender.ChannelUserID,
	)
	g.audit.AuthFailure(ctx, msg.Channel, msg.Sender.ChannelUserID)
	g.events.Emit(bus.Event{
		Type:    bus.EventAuthFailure,
		Channel: msg.Channel,
		Data:    map[string]any{"sender": msg.Sender.ChannelUserID},
	})
	return false
}

// resolveIdentity maps a channel-local sender to a stable user id, falling
// back to the channel-local id when no link exists or the lookup fails.
func (g *Gateway) resolveIdentity(ctx context.Context, msg domain.InboundMessage) string {
	if msg.Sender.ArcusUserID != "" {
		return msg.Sender.ArcusUserID
	}
	if g.hooks != nil {
		id, err := g.hooks.ResolveIdentity(ctx, msg.Sender.ChannelUserID, msg.Channel)
		if err != nil {
			g.logger.Warn("identity lookup failed",
				"channel", msg.Channel,
				"sender", msg.Sender.ChannelUserID,
				"err", err,
			)
		} else if id != "" {
			return id
		}
	}
	return msg.Sender.ChannelUserID
}

func (g *Gateway) dispatch(ctx context.Context, msg domain.InboundMessage) {
	userID := g.resolveIdentity(ctx, msg)

	sess, created := g.sessions.GetOrCreate(ctx, userID, msg.Channel, msg.Chat.ID)
	metrics.ActiveSessions.Set(int64(g.sessions.Count()))
	if created {
		g.audit.SessionStart(ctx, sess.Info())
		g.events.Emit(bus.Event{
			Type:      bus.EventSessionCreated,
			SessionID: sess.ID,
			Channel:   msg.Channel,
			Data:      map[string]any{"user": userID},
		})
	}

	// Event payloads carry lengths, never message text.
	g.events.Emit(bus.Event{
		Type:      bus.EventMessageReceived,
		SessionID: sess.ID,
		Channel:   msg.Channel,
		Data: map[string]any{
			"sender":       msg.Sender.ChannelUserID,
			"content_type": string(msg.ContentType),
			"text_len":     len(msg.Text),
			"group":        msg.Chat.IsGroup,
		},
	})

	adapter := g.adapterFor(msg.Channel)
	if adapter == nil {
		g.logger.Error("no adapter for channel", "channel", msg.Channel)
		metrics.MessagesDropped.Inc()
		return
	}

	if g.cfg.TypingIndicator {
		g.sendTyping(ctx, adapter, msg.Chat.ID)
	}

	if cmd := ParseCommand(msg.Text, g.cfg.CommandSigil); cmd != nil {
		if handler, ok := g.lookupCommand(cmd.Name); ok {
			out, err := handler(ctx, msg, sess)
			g.audit.Command(ctx, msg.Channel, sess.ID, userID, cmd.Name, err != nil)
			switch {
			case err != nil:
				// Fall through to the model with the original text.
				g.logger.Error("command failed, falling back to model",
					"command", cmd.Name, "err", err)
			case out != "":
				g.deliver(ctx, adapter, msg, sess.ID, userID, out)
				return
			}
		}
	}

	response := g.processor.Process(ctx, msg, sess)
	g.deliver(ctx, adapter, msg, sess.ID, userID, response)
}

// deliver chunks the response to the adapter's limit and sends in order,
// stopping at the first failed chunk. The responded event fires regardless so
// listeners observe every completed pipeline pass.
func (g *Gateway) deliver(ctx context.Context, adapter domain.ChannelAdapter, msg domain.InboundMessage, sessionID, userID, text string) {
	chunks := []string{text}
	if limit := adapter.MaxMessageLength(); limit > 0 {
		chunks = splitMessage(text, limit)
	}

	sent := 0
	for i, chunk := range chunks {
		out := domain.OutboundMessage{
			ID:        uuid.NewString(),
			Timestamp: time.Now(),
			Text:      chunk,
			Chat:      msg.Chat,
		}
		if i == 0 {
			out.ReplyToID = msg.ID
		}
		res := adapter.Send(ctx, msg.Chat.ID, out)
		if !res.Success {
			metrics.ChunkSendFailures.Inc()
			g.logger.Error("chunk send failed, dropping remainder",
				"channel", msg.Channel,
				"chunk", i+1,
				"total", len(chunks),
				"err", res.Err,
			)
			break
		}
		sent++
	}

	g.audit.Exchange(ctx, msg.Channel, sessionID, userID, len(msg.Text), len(text))
	metrics.MessagesDispatched.Inc()
	g.events.Emit(bus.Event{
		Type:      bus.EventMessageResponded,
		SessionID: sessionID,
		Channel:   msg.Channel,
		Data: map[string]any{
			"response_len": len(text),
			"chunks":       len(chunks),
			"chunks_sent":  sent,
		},
	})
}

// sendTyping fires the indicator on a detached goroutine. The indicator is
// cosmetic: failures and panics are swallowed after a debug log.
func (g *Gateway) sendTyping(ctx context.Context, adapter domain.ChannelAdapter, chatID string) {
	notifier, ok := adapter.(domain.TypingNotifier)
	if !ok {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				g.logger.Debug("typing notifier panicked", "recovered", r)
			}
		}()
		if err := notifier.SendTyping(ctx, chatID); err != nil {
			g.logger.Debug("typing indicator failed", "err", err)
		}
	}()
}

// handleReaction surfaces reactions as events; there is no AI pass for them.
func (g *Gateway) handleReaction(ctx context.Context, r domain.Reaction) {
	if !g.running.Load() {
		return
	}
	g.logger.Debug("reaction received",
		"channel", r.Channel,
		"emoji", r.Emoji,
		"message", r.MessageID,
	)
	g.events.Emit(bus.Event{
		Type:    bus.EventMessageReaction,
		Channel: r.Channel,
		Data: map[string]any{
			"emoji":   r.Emoji,
			"message": r.MessageID,
			"sender":  r.Sender.ChannelUserID,
			"removed": r.Removed,
		},
	})
}

func (g *Gateway) adapterFor(ch domain.Channel) domain.ChannelAdapter {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.adapters[ch]
}

// splitMessage splits msg into chunks of at most maxLen bytes, preferring to
// cut on a newline in the back half of the window. Cuts never land inside a
// multi-byte rune.
func splitMessage(msg string, maxLen int) []string {
	if len(msg) <= maxLen {
		return []string{msg}
	}

	var chunks []string
	for len(msg) > 0 {
		if len(msg) <= maxLen {
			chunks = append(chunks, msg)
			break
		}

		cut := maxLen
		if idx := strings.LastIndex(msg[:maxLen], "\n"); idx > maxLen/2 {
			cut = idx + 1
		} else {
			for cut > 0 && !utf8.RuneStart(msg[cut]) {
				cut--
			}
			if cut == 0 {
				cut = maxLen
			}
		}

		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	return chunks
}
