package domain

import "time"

// Channel identifies one of the chat surfaces the gateway bridges.
type Channel string

const (
	ChannelWhatsApp  Channel = "whatsapp"
	ChannelDiscord   Channel = "discord"
	ChannelWebSocket Channel = "websocket"
	ChannelWebhook   Channel = "webhook"
)

// Channels lists every supported channel.
func Channels() []Channel {
	return []Channel{ChannelWhatsApp, ChannelDiscord, ChannelWebSocket, ChannelWebhook}
}

// Valid reports whether c is one of the supported channels.
func (c Channel) Valid() bool {
	switch c {
	case ChannelWhatsApp, ChannelDiscord, ChannelWebSocket, ChannelWebhook:
		return true
	}
	return false
}

// ContentType describes the payload of an inbound message.
type ContentType string

const (
	ContentText     ContentType = "text"
	ContentVoice    ContentType = "voice"
	ContentImage    ContentType = "image"
	ContentDocument ContentType = "document"
)

// User is the sender identity attached to an inbound message. ChannelUserID
// is the platform-local identifier; ArcusUserID is the canonical cross-channel
// identity, filled in when the adapter or identity resolution already knows it.
type User struct {
	ChannelUserID string
	ArcusUserID   string
	DisplayName   string
}

// ChatContext identifies a conversation thread within a channel.
type ChatContext struct {
	ID      string
	IsGroup bool
	Topic   string
}

// Attachment is a media reference carried alongside a message.
type Attachment struct {
	URL      string
	MimeType string
	Filename string
}

// InboundMessage is the normalized shape every adapter produces. It is
// immutable once handed to the gateway.
type InboundMessage struct {
	ID          string
	Timestamp   time.Time
	Channel     Channel
	ContentType ContentType
	Text        string
	Sender      User
	Chat        ChatContext
	Attachments []Attachment
	ReplyToID   string
	AuthToken   string
}

// OutboundMessage is a response (or response chunk) on its way back to a
// channel. Text length is unbounded here; channel limits apply at send time.
type OutboundMessage struct {
	ID          string
	Timestamp   time.Time
	Text        string
	Chat        ChatContext
	Attachments []Attachment
	ReplyToID   string
	Metadata    map[string]any
}

// Reaction is emoji feedback on a previously sent message.
type Reaction struct {
	Channel   Channel
	MessageID string
	Emoji     string
	Sender    User
	Chat      ChatContext
	Removed   bool
}

// SendResult reports the outcome of a single adapter send.
type SendResult struct {
	Success   bool
	MessageID string
	Err       error
}
