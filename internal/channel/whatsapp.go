package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"arcusgw/internal/domain"
)

const (
	whatsappAPIBase   = "https://graph.facebook.com/v21.0"
	whatsappMaxMsgLen = 4096
)

// WhatsAppConfig configures the WhatsApp Business Cloud API adapter.
type WhatsAppConfig struct {
	AccessToken   string
	PhoneNumberID string
	VerifyToken   string
	AppSecret     string
	Port          int
	WebhookPath   string
	AllowFrom     []string
	// GatewayToken is stamped on inbound messages. The webhook signature
	// already vouches for origin, so platform traffic passes the auth gate.
	GatewayToken string
	Logger       *slog.Logger
}

// WhatsApp receives Cloud API webhooks and sends via the Graph API.
type WhatsApp struct {
	handlers
	cfg       WhatsAppConfig
	client    *http.Client
	server    *http.Server
	logger    *slog.Logger
	connected atomic.Bool
}

// NewWhatsApp creates the adapter. Connect starts the webhook listener.
func NewWhatsApp(cfg WhatsAppConfig) *WhatsApp {
	if cfg.WebhookPath == "" {
		cfg.WebhookPath = "/webhook/whatsapp"
	}
	if cfg.Port == 0 {
		cfg.Port = 8082
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WhatsApp{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: cfg.Logger,
	}
}

func (w *WhatsApp) Name() domain.Channel { return domain.ChannelWhatsApp }

func (w *WhatsApp) Connected() bool { return w.connected.Load() }

func (w *WhatsApp) MaxMessageLength() int { return whatsappMaxMsgLen }

func (w *WhatsApp) CheckAccess(userID string) domain.AccessDecision {
	return checkAllow(w.cfg.AllowFrom, userID)
}

// Connect starts the webhook HTTP server. The listener runs until Disconnect.
func (w *WhatsApp) Connect(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+w.cfg.WebhookPath, w.handleVerification)
	mux.HandleFunc("POST "+w.cfg.WebhookPath, w.handleIncoming)

	w.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", w.cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
	}

	go func() {
		if err := w.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			w.logger.Error("whatsapp webhook server failed", "err", err)
			w.connected.Store(false)
		}
	}()

	w.connected.Store(true)
	w.logger.Info("whatsapp adapter listening", "port", w.cfg.Port, "path", w.cfg.WebhookPath)
	return nil
}

func (w *WhatsApp) Disconnect() error {
	w.connected.Store(false)
	if w.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return w.server.Shutdown(ctx)
}

// handleVerification answers the Cloud API webhook verification challenge.
func (w *WhatsApp) handleVerification(rw http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode == "subscribe" && token == w.cfg.VerifyToken {
		w.logger.Info("whatsapp webhook verified")
		rw.WriteHeader(http.StatusOK)
		fmt.Fprint(rw, html.EscapeString(challenge))
		return
	}

	w.logger.Warn("whatsapp webhook verification failed", "mode", mode)
	http.Error(rw, "Forbidden", http.StatusForbidden)
}

func (w *WhatsApp) handleIncoming(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(rw, "Bad request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if w.cfg.AppSecret != "" {
		sig := r.Header.Get("X-Hub-Signature-256")
		if !w.verifySignature(body, sig) {
			w.logger.Warn("whatsapp invalid signature")
			http.Error(rw, "Forbidden", http.StatusForbidden)
			return
		}
	}

	var payload waPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		w.logger.Warn("whatsapp bad payload", "err", err)
		http.Error(rw, "Bad request", http.StatusBadRequest)
		return
	}

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			names := contactNames(change.Value.Contacts)
			for _, msg := range change.Value.Messages {
				w.routeMessage(r.Context(), msg, names)
			}
		}
	}

	rw.WriteHeader(http.StatusOK)
}

func (w *WhatsApp) routeMessage(ctx context.Context, msg waMessage, names map[string]string) {
	if dec := w.CheckAccess(msg.From); !dec.Allowed {
		w.logger.Warn("whatsapp sender denied", "from", msg.From, "reason", dec.Reason)
		return
	}

	switch msg.Type {
	case "text":
		if msg.Text == nil {
			return
		}
		w.logger.Info("whatsapp message received", "from", msg.From, "text_len", len(msg.Text.Body))
		w.emitMessage(ctx, domain.InboundMessage{
			ID:          msg.ID,
			Timestamp:   time.Now(),
			Channel:     domain.ChannelWhatsApp,
			ContentType: domain.ContentText,
			Text:        msg.Text.Body,
			Sender: domain.User{
				ChannelUserID: msg.From,
				DisplayName:   names[msg.From],
			},
			Chat:      domain.ChatContext{ID: msg.From},
			AuthToken: w.cfg.GatewayToken,
		})

	case "reaction":
		if msg.Reaction == nil {
			return
		}
		w.emitReaction(ctx, domain.Reaction{
			Channel:   domain.ChannelWhatsApp,
			MessageID: msg.Reaction.MessageID,
			Emoji:     msg.Reaction.Emoji,
			Sender:    domain.User{ChannelUserID: msg.From},
			Chat:      domain.ChatContext{ID: msg.From},
			Removed:   msg.Reaction.Emoji == "",
		})

	default:
		w.logger.Debug("whatsapp unsupported message type", "type", msg.Type)
	}
}

// verifySignature checks the X-Hub-Signature-256 header.
func (w *WhatsApp) verifySignature(body []byte, signature string) bool {
	if len(signature) < 7 || signature[:7] != "sha256=" {
		return false
	}
	expected := signature[7:]

	mac := hmac.New(sha256.New, []byte(w.cfg.AppSecret))
	mac.Write(body)
	computed := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(computed))
}

// Send delivers one chunk of text via the Cloud API.
func (w *WhatsApp) Send(ctx context.Context, chatID string, msg domain.OutboundMessage) domain.SendResult {
	url := fmt.Sprintf("%s/%s/messages", whatsappAPIBase, w.cfg.PhoneNumberID)

	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                chatID,
		"type":              "text",
		"text":              map[string]string{"body": msg.Text},
	}
	if msg.ReplyToID != "" {
		payload["context"] = map[string]string{"message_id": msg.ReplyToID}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return domain.SendResult{Err: fmt.Errorf("marshal: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return domain.SendResult{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+w.cfg.AccessToken)

	resp, err := w.client.Do(req)
	if err != nil {
		return domain.SendResult{Err: fmt.Errorf("send: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return domain.SendResult{Err: fmt.Errorf("whatsapp API %d: %s", resp.StatusCode, string(respBody))}
	}

	var sent waSendResponse
	if err := json.NewDecoder(resp.Body).Decode(&sent); err == nil && len(sent.Messages) > 0 {
		return domain.SendResult{Success: true, MessageID: sent.Messages[0].ID}
	}
	return domain.SendResult{Success: true, MessageID: uuid.NewString()}
}

func contactNames(contacts []waContact) map[string]string {
	names := make(map[string]string, len(contacts))
	for _, c := range contacts {
		if c.Profile.Name != "" {
			names[c.WaID] = c.Profile.Name
		}
	}
	return names
}

// Cloud API webhook payload types.

type waPayload struct {
	Object string    `json:"object"`
	Entry  []waEntry `json:"entry"`
}

type waEntry struct {
	ID      string     `json:"id"`
	Changes []waChange `json:"changes"`
}

type waChange struct {
	Value waValue `json:"value"`
	Field string  `json:"field"`
}

type waValue struct {
	MessagingProduct string      `json:"messaging_product"`
	Contacts         []waContact `json:"contacts"`
	Messages         []waMessage `json:"messages"`
}

type waContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type waMessage struct {
	From     string      `json:"from"`
	ID       string      `json:"id"`
	Type     string      `json:"type"`
	Text     *waText     `json:"text,omitempty"`
	Reaction *waReaction `json:"reaction,omitempty"`
}

type waText struct {
	Body string `json:"body"`
}

type waReaction struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

type waSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}
