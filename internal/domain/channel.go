package domain

import "context"

// MessageHandler receives normalized inbound messages from an adapter.
type MessageHandler func(ctx context.Context, msg InboundMessage)

// ReactionHandler receives reaction feedback from an adapter.
type ReactionHandler func(ctx context.Context, r Reaction)

// ChannelAdapter owns a live connection to one platform and normalizes its
// events into InboundMessage. Adapters perform their own reconnect/backoff;
// the gateway only sees Connect/Disconnect/Send and the registered handlers.
type ChannelAdapter interface {
	Name() Channel
	Connect(ctx context.Context) error
	Disconnect() error
	Connected() bool

	Send(ctx context.Context, chatID string, msg OutboundMessage) SendResult

	OnMessage(handler MessageHandler)
	OnReaction(handler ReactionHandler)

	// CheckAccess is consulted by the adapter itself before it invokes the
	// message handler. A resolved canonical user id, when known, travels on
	// the message's Sender.ArcusUserID.
	CheckAccess(userID string) AccessDecision

	// MaxMessageLength returns the channel's outbound text limit in bytes.
	// Zero means unbounded.
	MaxMessageLength() int
}

// TypingNotifier is an optional adapter extension for channels that support
// a typing/presence indicator.
type TypingNotifier interface {
	SendTyping(ctx context.Context, chatID string) error
}

// AccessDecision is the transient result of an adapter access check.
type AccessDecision struct {
	Allowed bool
	Reason  string
	UserID  string
}
