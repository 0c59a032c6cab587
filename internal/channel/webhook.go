package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"arcusgw/internal/domain"
	"arcusgw/internal/metrics"
)

// WebhookConfig configures the generic inbound webhook adapter. Voice
// assistants and automation bridges post transcribed text here.
type WebhookConfig struct {
	Port         int
	Path         string
	Secret       string // HMAC secret for X-Signature-256; empty disables
	AllowFrom    []string
	Metrics      bool          // mount /metrics on the same listener
	ReplyTimeout time.Duration // how long a synchronous request waits for its reply
	Logger       *slog.Logger
}

// Webhook accepts HTTP POST messages. A request without a callback URL is
// held open until the pipeline produces the reply, which is returned in the
// response body; a request carrying callback_url is acknowledged immediately
// and replied to asynchronously via that URL.
type Webhook struct {
	handlers
	cfg       WebhookConfig
	server    *http.Server
	client    *http.Client
	logger    *slog.Logger
	connected atomic.Bool

	mu        sync.Mutex
	callbacks map[string]string                      // chatID -> callback URL
	pending   map[string]chan domain.OutboundMessage // inbound message ID -> waiting request
}

// WebhookPayload is the expected JSON request body.
type WebhookPayload struct {
	ChatID      string `json:"chat_id"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	Content     string `json:"content"`
	ContentType string `json:"content_type,omitempty"` // defaults to "text"
	CallbackURL string `json:"callback_url,omitempty"`
	AuthToken   string `json:"auth_token,omitempty"`
}

// NewWebhook creates the adapter. Connect starts the listener.
func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.Path == "" {
		cfg.Path = "/webhook"
	}
	if cfg.Port == 0 {
		cfg.Port = 9090
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = 25 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Webhook{
		cfg:       cfg,
		client:    &http.Client{Timeout: 15 * time.Second},
		logger:    cfg.Logger,
		callbacks: make(map[string]string),
		pending:   make(map[string]chan domain.OutboundMessage),
	}
}

func (w *Webhook) Name() domain.Channel { return domain.ChannelWebhook }

func (w *Webhook) Connected() bool { return w.connected.Load() }

// MaxMessageLength is zero: callbacks take the full response body.
func (w *Webhook) MaxMessageLength() int { return 0 }

func (w *Webhook) CheckAccess(userID string) domain.AccessDecision {
	return checkAllow(w.cfg.AllowFrom, userID)
}

func (w *Webhook) Connect(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(w.cfg.Path, w.handleWebhook)
	if w.cfg.Metrics {
		mux.Handle("/metrics", metrics.Collector.Handler())
	}

	w.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", w.cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		if err := w.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			w.logger.Error("webhook server failed", "err", err)
			w.connected.Store(false)
		}
	}()

	w.connected.Store(true)
	w.logger.Info("webhook adapter listening", "port", w.cfg.Port, "path", w.cfg.Path)
	return nil
}

func (w *Webhook) Disconnect() error {
	w.connected.Store(false)
	if w.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return w.server.Shutdown(ctx)
}

func (w *Webhook) handleWebhook(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(rw, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(rw, "Bad Request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if w.cfg.Secret != "" {
		sig := r.Header.Get("X-Signature-256")
		if sig == "" {
			http.Error(rw, "Missing signature", http.StatusUnauthorized)
			return
		}
		if !verifyHMAC(body, w.cfg.Secret, sig) {
			http.Error(rw, "Invalid signature", http.StatusForbidden)
			return
		}
	}

	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(rw, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if payload.Content == "" {
		http.Error(rw, "Content is required", http.StatusBadRequest)
		return
	}
	if payload.ChatID == "" {
		payload.ChatID = "webhook-default"
	}
	if payload.UserID == "" {
		payload.UserID = "webhook"
	}

	if dec := w.CheckAccess(payload.UserID); !dec.Allowed {
		w.logger.Warn("webhook sender denied", "user", payload.UserID, "reason", dec.Reason)
		http.Error(rw, "Forbidden", http.StatusForbidden)
		return
	}

	contentType := domain.ContentType(payload.ContentType)
	if contentType == "" {
		contentType = domain.ContentText
	}

	w.logger.Info("webhook received",
		"chat_id", payload.ChatID,
		"user_id", payload.UserID,
		"content_len", len(payload.Content),
	)

	inbound := domain.InboundMessage{
		ID:          uuid.NewString(),
		Timestamp:   time.Now(),
		Channel:     domain.ChannelWebhook,
		ContentType: contentType,
		Text:        payload.Content,
		Sender: domain.User{
			ChannelUserID: payload.UserID,
			DisplayName:   payload.DisplayName,
		},
		Chat:      domain.ChatContext{ID: payload.ChatID},
		AuthToken: payload.AuthToken,
	}

	if payload.CallbackURL != "" {
		// Asynchronous mode: acknowledge now, reply later through the
		// callback URL. Use a detached context so the reply outlives this
		// request.
		w.mu.Lock()
		w.callbacks[payload.ChatID] = payload.CallbackURL
		w.mu.Unlock()

		w.emitMessage(context.Background(), inbound)

		rw.WriteHeader(http.StatusAccepted)
		json.NewEncoder(rw).Encode(map[string]string{"status": "accepted"})
		return
	}

	// Synchronous mode: hold the request open until Send resolves it with the
	// reply, bounded by the reply timeout. Voice clients depend on this.
	reply := make(chan domain.OutboundMessage, 1)
	w.mu.Lock()
	w.pending[inbound.ID] = reply
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.pending, inbound.ID)
		w.mu.Unlock()
	}()

	w.emitMessage(r.Context(), inbound)

	select {
	case out := <-reply:
		rw.Header().Set("Content-Type", "application/json")
		json.NewEncoder(rw).Encode(map[string]string{
			"chat_id":  payload.ChatID,
			"id":       out.ID,
			"content":  out.Text,
			"reply_to": out.ReplyToID,
		})
	case <-time.After(w.cfg.ReplyTimeout):
		w.logger.Warn("webhook reply timed out", "chat_id", payload.ChatID)
		http.Error(rw, "Reply timed out", http.StatusGatewayTimeout)
	case <-r.Context().Done():
	}
}

// Send resolves the held-open request waiting on the replied-to message, or
// posts the response JSON to the chat's registered callback URL. A reply with
// neither a waiter nor a callback has no way to reach the caller and fails.
func (w *Webhook) Send(ctx context.Context, chatID string, msg domain.OutboundMessage) domain.SendResult {
	if msg.ReplyToID != "" {
		w.mu.Lock()
		waiter, ok := w.pending[msg.ReplyToID]
		if ok {
			delete(w.pending, msg.ReplyToID)
		}
		w.mu.Unlock()
		if ok {
			waiter <- msg
			return domain.SendResult{Success: true, MessageID: msg.ID}
		}
	}

	w.mu.Lock()
	callback := w.callbacks[chatID]
	w.mu.Unlock()

	if callback == "" {
		return domain.SendResult{Err: fmt.Errorf("no pending request or callback for chat %s", chatID)}
	}

	body, err := json.Marshal(map[string]string{
		"chat_id":  chatID,
		"id":       msg.ID,
		"content":  msg.Text,
		"reply_to": msg.ReplyToID,
	})
	if err != nil {
		return domain.SendResult{Err: fmt.Errorf("marshal: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", callback, bytes.NewReader(body))
	if err != nil {
		return domain.SendResult{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return domain.SendResult{Err: fmt.Errorf("callback: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return domain.SendResult{Err: fmt.Errorf("callback status %d", resp.StatusCode)}
	}
	return domain.SendResult{Success: true, MessageID: msg.ID}
}

// verifyHMAC verifies an X-Signature-256 style HMAC-SHA256 signature.
func verifyHMAC(body []byte, secret, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
