package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"arcusgw/internal/domain"
)

// WebSocketConfig configures the WebSocket adapter.
type WebSocketConfig struct {
	Port      int
	Path      string
	AllowFrom []string
	Logger    *slog.Logger
}

// WebSocket serves bidirectional JSON frames to browser and CLI clients.
// Clients supply their own auth token per frame; the gateway verifies it.
type WebSocket struct {
	handlers
	cfg       WebSocketConfig
	server    *http.Server
	logger    *slog.Logger
	connected atomic.Bool

	mu      sync.RWMutex
	clients map[string]*wsClient
}

// wsClient is one connected peer. Writes are serialized per connection.
type wsClient struct {
	conn   *websocket.Conn
	chatID string
	mu     sync.Mutex
}

// wsFrame is the wire protocol in both directions.
type wsFrame struct {
	Type      string `json:"type"` // "message" | "typing" | "status" | "reaction"
	ID        string `json:"id,omitempty"`
	Content   string `json:"content,omitempty"`
	ChatID    string `json:"chat_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Emoji     string `json:"emoji,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	ReplyTo   string `json:"reply_to,omitempty"`
	AuthToken string `json:"auth_token,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // token auth happens per frame in the gateway
	},
}

// NewWebSocket creates the adapter. Connect starts the server.
func NewWebSocket(cfg WebSocketConfig) *WebSocket {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.Port == 0 {
		cfg.Port = 8081
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WebSocket{
		cfg:     cfg,
		logger:  cfg.Logger,
		clients: make(map[string]*wsClient),
	}
}

func (ws *WebSocket) Name() domain.Channel { return domain.ChannelWebSocket }

func (ws *WebSocket) Connected() bool { return ws.connected.Load() }

// MaxMessageLength is zero: frames carry full responses unchunked.
func (ws *WebSocket) MaxMessageLength() int { return 0 }

func (ws *WebSocket) CheckAccess(userID string) domain.AccessDecision {
	return checkAllow(ws.cfg.AllowFrom, userID)
}

func (ws *WebSocket) Connect(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(ws.cfg.Path, ws.handleUpgrade)

	ws.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", ws.cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ws.logger.Error("websocket server failed", "err", err)
			ws.connected.Store(false)
		}
	}()

	ws.connected.Store(true)
	ws.logger.Info("websocket adapter listening", "port", ws.cfg.Port, "path", ws.cfg.Path)
	return nil
}

func (ws *WebSocket) Disconnect() error {
	ws.connected.Store(false)
	ws.closeAllClients()
	if ws.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return ws.server.Shutdown(ctx)
}

func (ws *WebSocket) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		chatID = fmt.Sprintf("ws-%d", time.Now().UnixNano())
	}

	client := &wsClient{conn: conn, chatID: chatID}
	clientID := fmt.Sprintf("%s-%p", chatID, conn)

	ws.mu.Lock()
	ws.clients[clientID] = client
	ws.mu.Unlock()

	ws.logger.Info("websocket client connected", "client_id", clientID, "chat_id", chatID)
	client.send(wsFrame{Type: "status", Content: "connected", ChatID: chatID})

	defer func() {
		ws.mu.Lock()
		delete(ws.clients, clientID)
		ws.mu.Unlock()
		conn.Close()
		ws.logger.Info("websocket client disconnected", "client_id", clientID)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ws.logger.Error("websocket read error", "err", err)
			}
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			ws.logger.Warn("invalid websocket frame", "err", err)
			continue
		}

		ws.routeFrame(r.Context(), chatID, frame)
	}
}

func (ws *WebSocket) routeFrame(ctx context.Context, chatID string, frame wsFrame) {
	switch frame.Type {
	case "message":
		if frame.Content == "" {
			return
		}
		if dec := ws.CheckAccess(frame.UserID); !dec.Allowed {
			ws.logger.Warn("websocket sender denied", "user", frame.UserID, "reason", dec.Reason)
			return
		}
		id := frame.ID
		if id == "" {
			id = uuid.NewString()
		}
		ws.emitMessage(ctx, domain.InboundMessage{
			ID:          id,
			Timestamp:   time.Now(),
			Channel:     domain.ChannelWebSocket,
			ContentType: domain.ContentText,
			Text:        frame.Content,
			Sender: domain.User{
				ChannelUserID: frame.UserID,
				DisplayName:   frame.Name,
			},
			Chat:      domain.ChatContext{ID: chatID},
			ReplyToID: frame.ReplyTo,
			AuthToken: frame.AuthToken,
		})

	case "reaction":
		ws.emitReaction(ctx, domain.Reaction{
			Channel:   domain.ChannelWebSocket,
			MessageID: frame.MessageID,
			Emoji:     frame.Emoji,
			Sender:    domain.User{ChannelUserID: frame.UserID},
			Chat:      domain.ChatContext{ID: chatID},
		})

	case "typing":
		ws.logger.Debug("client typing", "chat_id", chatID, "user_id", frame.UserID)
	}
}

// Send fans the text out to every client attached to the chat. Delivery to at
// least one client counts as success.
func (ws *WebSocket) Send(ctx context.Context, chatID string, msg domain.OutboundMessage) domain.SendResult {
	frame := wsFrame{
		Type:    "message",
		ID:      msg.ID,
		Content: msg.Text,
		ChatID:  chatID,
		ReplyTo: msg.ReplyToID,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return domain.SendResult{Err: fmt.Errorf("marshal: %w", err)}
	}

	ws.mu.RLock()
	defer ws.mu.RUnlock()

	delivered := 0
	for _, client := range ws.clients {
		if client.chatID != chatID {
			continue
		}
		client.mu.Lock()
		err := client.conn.WriteMessage(websocket.TextMessage, data)
		client.mu.Unlock()
		if err != nil {
			ws.logger.Debug("websocket write failed", "err", err)
			continue
		}
		delivered++
	}

	if delivered == 0 {
		return domain.SendResult{Err: fmt.Errorf("no connected client for chat %s", chatID)}
	}
	return domain.SendResult{Success: true, MessageID: msg.ID}
}

// SendTyping broadcasts a typing frame to the chat's clients.
func (ws *WebSocket) SendTyping(ctx context.Context, chatID string) error {
	data, err := json.Marshal(wsFrame{Type: "typing", ChatID: chatID})
	if err != nil {
		return err
	}

	ws.mu.RLock()
	defer ws.mu.RUnlock()
	for _, client := range ws.clients {
		if client.chatID != chatID {
			continue
		}
		client.mu.Lock()
		client.conn.WriteMessage(websocket.TextMessage, data)
		client.mu.Unlock()
	}
	return nil
}

func (c *wsClient) send(frame wsFrame) {
	data, _ := json.Marshal(frame)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.WriteMessage(websocket.TextMessage, data)
}

func (ws *WebSocket) closeAllClients() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for id, client := range ws.clients {
		client.conn.Close()
		delete(ws.clients, id)
	}
}
