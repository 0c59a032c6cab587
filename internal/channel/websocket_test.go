package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"arcusgw/internal/domain"
)

func TestWebSocket_RouteFrame_Message(t *testing.T) {
	ws := NewWebSocket(WebSocketConfig{Logger: testLogger})

	var got domain.InboundMessage
	ws.OnMessage(func(ctx context.Context, msg domain.InboundMessage) { got = msg })

	ws.routeFrame(context.Background(), "chat1", wsFrame{
		Type:      "message",
		Content:   "hello",
		UserID:    "u1",
		Name:      "Alice",
		AuthToken: "tok",
	})

	if got.Text != "hello" || got.Chat.ID != "chat1" {
		t.Fatalf("frame not routed: %+v", got)
	}
	if got.Sender.DisplayName != "Alice" {
		t.Errorf("display name not mapped: %+v", got.Sender)
	}
	if got.AuthToken != "tok" {
		t.Errorf("auth token not carried: %q", got.AuthToken)
	}
	if got.ID == "" {
		t.Error("expected generated id for frames without one")
	}
}

func TestWebSocket_RouteFrame_EmptyContentIgnored(t *testing.T) {
	ws := NewWebSocket(WebSocketConfig{Logger: testLogger})

	called := false
	ws.OnMessage(func(ctx context.Context, msg domain.InboundMessage) { called = true })

	ws.routeFrame(context.Background(), "chat1", wsFrame{Type: "message"})
	if called {
		t.Error("empty message frame should be dropped")
	}
}

func TestWebSocket_RouteFrame_AllowlistDenies(t *testing.T) {
	ws := NewWebSocket(WebSocketConfig{AllowFrom: []string{"alice"}, Logger: testLogger})

	called := false
	ws.OnMessage(func(ctx context.Context, msg domain.InboundMessage) { called = true })

	ws.routeFrame(context.Background(), "chat1", wsFrame{Type: "message", Content: "hi", UserID: "mallory"})
	if called {
		t.Error("denied sender should not reach the handler")
	}
}

func TestWebSocket_RouteFrame_Reaction(t *testing.T) {
	ws := NewWebSocket(WebSocketConfig{Logger: testLogger})

	var got domain.Reaction
	ws.OnReaction(func(ctx context.Context, r domain.Reaction) { got = r })

	ws.routeFrame(context.Background(), "chat1", wsFrame{
		Type:      "reaction",
		MessageID: "m1",
		Emoji:     "👍",
		UserID:    "u1",
	})
	if got.MessageID != "m1" || got.Emoji != "👍" {
		t.Errorf("reaction not routed: %+v", got)
	}
}

func TestWebSocket_ClientRoundTrip(t *testing.T) {
	ws := NewWebSocket(WebSocketConfig{Logger: testLogger})

	received := make(chan domain.InboundMessage, 1)
	ws.OnMessage(func(ctx context.Context, msg domain.InboundMessage) {
		received <- msg
	})

	srv := httptest.NewServer(http.HandlerFunc(ws.handleUpgrade))
	defer srv.Close()
	defer ws.closeAllClients()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?chat_id=chat1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Welcome status frame comes first.
	var welcome wsFrame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&welcome); err != nil {
		t.Fatal(err)
	}
	if welcome.Type != "status" || welcome.ChatID != "chat1" {
		t.Fatalf("unexpected welcome frame: %+v", welcome)
	}

	if err := conn.WriteJSON(wsFrame{Type: "message", Content: "ping", UserID: "u1"}); err != nil {
		t.Fatal(err)
	}

	var got domain.InboundMessage
	select {
	case got = <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("message never reached the handler")
	}
	if got.Text != "ping" || got.Chat.ID != "chat1" {
		t.Fatalf("unexpected message: %+v", got)
	}

	// Response fans back out over the same connection.
	res := ws.Send(context.Background(), "chat1", domain.OutboundMessage{ID: "out1", Text: "pong"})
	if !res.Success {
		t.Fatalf("send failed: %v", res.Err)
	}

	var reply wsFrame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatal(err)
	}
	if reply.Type != "message" || reply.Content != "pong" {
		t.Errorf("unexpected reply frame: %+v", reply)
	}
}

func TestWebSocket_SendWithoutClientFails(t *testing.T) {
	ws := NewWebSocket(WebSocketConfig{Logger: testLogger})
	res := ws.Send(context.Background(), "nochat", domain.OutboundMessage{ID: "m1", Text: "x"})
	if res.Success {
		t.Error("expected failure with no connected client")
	}
}
