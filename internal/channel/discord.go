package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"arcusgw/internal/domain"
)

const discordMaxMsgLen = 2000

// DiscordConfig configures the Discord adapter.
type DiscordConfig struct {
	Token     string
	GuildID   string
	AllowFrom []string
	// GatewayToken is stamped on inbound messages; the bot token already
	// authenticates the connection to Discord.
	GatewayToken string
	Logger       *slog.Logger
}

// Discord bridges a discordgo session into the gateway.
type Discord struct {
	handlers
	cfg       DiscordConfig
	session   *discordgo.Session
	logger    *slog.Logger
	connected atomic.Bool
}

// NewDiscord creates the adapter. Connect opens the websocket session.
func NewDiscord(cfg DiscordConfig) *Discord {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Discord{cfg: cfg, logger: cfg.Logger}
}

func (d *Discord) Name() domain.Channel { return domain.ChannelDiscord }

func (d *Discord) Connected() bool { return d.connected.Load() }

func (d *Discord) MaxMessageLength() int { return discordMaxMsgLen }

func (d *Discord) CheckAccess(userID string) domain.AccessDecision {
	return checkAllow(d.cfg.AllowFrom, userID)
}

// Connect opens the session and registers message and reaction handlers.
func (d *Discord) Connect(ctx context.Context) error {
	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsDirectMessageReactions |
		discordgo.IntentsMessageContent

	session.AddHandler(d.onMessageCreate)
	session.AddHandler(d.onReactionAdd)
	session.AddHandler(d.onReactionRemove)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}

	d.session = session
	d.connected.Store(true)
	d.logger.Info("discord bot connected", "user", session.State.User.Username)
	return nil
}

func (d *Discord) Disconnect() error {
	d.connected.Store(false)
	if d.session == nil {
		return nil
	}
	return d.session.Close()
}

func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	// Ignore the bot's own messages.
	if m.Author.ID == s.State.User.ID {
		return
	}
	if d.cfg.GuildID != "" && m.GuildID != "" && m.GuildID != d.cfg.GuildID {
		return
	}
	if dec := d.CheckAccess(m.Author.ID); !dec.Allowed {
		d.logger.Warn("discord sender denied", "author", m.Author.ID, "reason", dec.Reason)
		return
	}

	d.logger.Info("discord message received",
		"author", m.Author.Username,
		"channel_id", m.ChannelID,
		"content_len", len(m.Content),
	)

	msg := domain.InboundMessage{
		ID:          m.ID,
		Timestamp:   time.Now(),
		Channel:     domain.ChannelDiscord,
		ContentType: domain.ContentText,
		Text:        m.Content,
		Sender: domain.User{
			ChannelUserID: m.Author.ID,
			DisplayName:   m.Author.Username,
		},
		Chat: domain.ChatContext{
			ID:      m.ChannelID,
			IsGroup: m.GuildID != "",
		},
		AuthToken: d.cfg.GatewayToken,
	}
	if m.MessageReference != nil {
		msg.ReplyToID = m.MessageReference.MessageID
	}
	for _, att := range m.Attachments {
		msg.Attachments = append(msg.Attachments, domain.Attachment{
			URL:      att.URL,
			MimeType: att.ContentType,
			Filename: att.Filename,
		})
	}

	d.emitMessage(context.Background(), msg)
}

func (d *Discord) onReactionAdd(s *discordgo.Session, r *discordgo.MessageReactionAdd) {
	if r.UserID == s.State.User.ID {
		return
	}
	d.emitReaction(context.Background(), domain.Reaction{
		Channel:   domain.ChannelDiscord,
		MessageID: r.MessageID,
		Emoji:     r.Emoji.Name,
		Sender:    domain.User{ChannelUserID: r.UserID},
		Chat:      domain.ChatContext{ID: r.ChannelID, IsGroup: r.GuildID != ""},
	})
}

func (d *Discord) onReactionRemove(s *discordgo.Session, r *discordgo.MessageReactionRemove) {
	if r.UserID == s.State.User.ID {
		return
	}
	d.emitReaction(context.Background(), domain.Reaction{
		Channel:   domain.ChannelDiscord,
		MessageID: r.MessageID,
		Emoji:     r.Emoji.Name,
		Sender:    domain.User{ChannelUserID: r.UserID},
		Chat:      domain.ChatContext{ID: r.ChannelID, IsGroup: r.GuildID != ""},
		Removed:   true,
	})
}

// Send delivers one chunk. The caller handles splitting to the 2000-byte
// Discord limit.
func (d *Discord) Send(ctx context.Context, chatID string, msg domain.OutboundMessage) domain.SendResult {
	if d.session == nil {
		return domain.SendResult{Err: fmt.Errorf("discord session not open")}
	}

	send := &discordgo.MessageSend{Content: msg.Text}
	if msg.ReplyToID != "" {
		send.Reference = &discordgo.MessageReference{MessageID: msg.ReplyToID, ChannelID: chatID}
	}

	sent, err := d.session.ChannelMessageSendComplex(chatID, send, discordgo.WithContext(ctx))
	if err != nil {
		return domain.SendResult{Err: fmt.Errorf("discord send: %w", err)}
	}
	return domain.SendResult{Success: true, MessageID: sent.ID}
}

// SendTyping shows the typing indicator in the channel.
func (d *Discord) SendTyping(ctx context.Context, chatID string) error {
	if d.session == nil {
		return fmt.Errorf("discord session not open")
	}
	return d.session.ChannelTyping(chatID, discordgo.WithContext(ctx))
}
