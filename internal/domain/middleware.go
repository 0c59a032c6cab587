package domain

import (
	"context"
	"time"
)

// Turn is one conversation turn in model-facing form.
type Turn struct {
	Role    string `json:"role"` // "user" | "assistant"
	Content string `json:"content"`
}

// PreMessageResult is the context bundle returned by the pre-message hook.
type PreMessageResult struct {
	// SystemContext is a formatted memory-context block, possibly empty.
	SystemContext string
	// History holds prior conversation turns, oldest first.
	History []Turn
	// ModelHint optionally overrides the model used for this message.
	ModelHint string
	// TrustLevel is the sender's current trust score.
	TrustLevel float64
}

// SessionInfo is a read-only snapshot of a session, used for flushing and
// status reporting without handing out the live session object.
type SessionInfo struct {
	ID           string
	UserID       string
	Channel      Channel
	ChatID       string
	CreatedAt    time.Time
	LastActivity time.Time
	MessageCount int
	Context      map[string]any
}

// Hooks is the middleware contract bracketing a single message's AI
// processing: context injection before, learning extraction after, plus
// identity resolution and session flushing. Implementations may be slow or
// fail; callers treat every method as best-effort.
type Hooks interface {
	PreMessage(ctx context.Context, text, userID string, channel Channel, chatID string) (*PreMessageResult, error)
	PostMessage(ctx context.Context, userText, aiResponse, userID string, channel Channel, chatID string) error

	// ResolveIdentity maps a channel-local user id to a canonical Arcus user
	// id. An empty result means no link exists.
	ResolveIdentity(ctx context.Context, channelUserID string, channel Channel) (string, error)

	// FlushSession persists whatever the middleware has pending for a session.
	// Invoked on session end/expiry and on gateway stop.
	FlushSession(ctx context.Context, info SessionInfo) error
}
