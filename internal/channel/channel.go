// Package channel implements the platform adapters: WhatsApp Cloud API,
// Discord, raw WebSocket clients and a generic inbound webhook. Each adapter
// normalizes its platform's events into domain.InboundMessage and registers
// them with the gateway's handler.
package channel

import (
	"context"
	"sync"

	"arcusgw/internal/domain"
)

// handlers stores the gateway callbacks an adapter invokes. Registration
// happens before Connect; invocation can come from any adapter goroutine.
type handlers struct {
	mu         sync.RWMutex
	onMessage  domain.MessageHandler
	onReaction domain.ReactionHandler
}

func (h *handlers) OnMessage(fn domain.MessageHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onMessage = fn
}

func (h *handlers) OnReaction(fn domain.ReactionHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onReaction = fn
}

func (h *handlers) emitMessage(ctx context.Context, msg domain.InboundMessage) {
	h.mu.RLock()
	fn := h.onMessage
	h.mu.RUnlock()
	if fn != nil {
		fn(ctx, msg)
	}
}

func (h *handlers) emitReaction(ctx context.Context, r domain.Reaction) {
	h.mu.RLock()
	fn := h.onReaction
	h.mu.RUnlock()
	if fn != nil {
		fn(ctx, r)
	}
}

// checkAllow applies an adapter allowlist. An empty list admits everyone.
func checkAllow(allow []string, userID string) domain.AccessDecision {
	if len(allow) == 0 {
		return domain.AccessDecision{Allowed: true, UserID: userID}
	}
	for _, id := range allow {
		if id == userID {
			return domain.AccessDecision{Allowed: true, UserID: userID}
		}
	}
	return domain.AccessDecision{Allowed: false, Reason: "not in allowlist", UserID: userID}
}
