package channel

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"arcusgw/internal/domain"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func sign(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(t *testing.T, w *Webhook, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	w.handleWebhook(rec, req)
	return rec
}

// echoReply wires a handler that answers every inbound message through Send,
// the way the gateway pipeline does.
func echoReply(w *Webhook, text string) {
	w.OnMessage(func(ctx context.Context, msg domain.InboundMessage) {
		w.Send(ctx, msg.Chat.ID, domain.OutboundMessage{
			ID:        "out1",
			Text:      text,
			ReplyToID: msg.ID,
		})
	})
}

func TestWebhook_SynchronousReplyInResponseBody(t *testing.T) {
	w := NewWebhook(WebhookConfig{Logger: testLogger})

	var got domain.InboundMessage
	w.OnMessage(func(ctx context.Context, msg domain.InboundMessage) {
		got = msg
		res := w.Send(ctx, msg.Chat.ID, domain.OutboundMessage{
			ID:        "out1",
			Text:      "the answer",
			ReplyToID: msg.ID,
		})
		if !res.Success {
			t.Errorf("send to waiting request failed: %v", res.Err)
		}
	})

	body := `{"chat_id":"c1","user_id":"u1","content":"hello","auth_token":"tok"}`
	rec := postWebhook(t, w, body, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"content":"the answer"`) {
		t.Errorf("response body missing reply: %s", rec.Body.String())
	}
	if got.Text != "hello" {
		t.Errorf("message not routed: %+v", got)
	}
	if got.Channel != domain.ChannelWebhook {
		t.Errorf("unexpected channel %s", got.Channel)
	}
	if got.Sender.ChannelUserID != "u1" || got.Chat.ID != "c1" {
		t.Errorf("sender/chat not mapped: %+v", got)
	}
	if got.AuthToken != "tok" {
		t.Errorf("auth token not carried: %q", got.AuthToken)
	}
	if got.ID == "" {
		t.Error("expected generated message id")
	}
}

func TestWebhook_SynchronousReplyTimesOut(t *testing.T) {
	w := NewWebhook(WebhookConfig{ReplyTimeout: 50 * time.Millisecond, Logger: testLogger})
	w.OnMessage(func(ctx context.Context, msg domain.InboundMessage) {
		// Never replies.
	})

	rec := postWebhook(t, w, `{"chat_id":"c1","content":"hello"}`, nil)
	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("expected 504, got %d", rec.Code)
	}
}

func TestWebhook_DefaultsChatAndUser(t *testing.T) {
	w := NewWebhook(WebhookConfig{Logger: testLogger})

	var got domain.InboundMessage
	w.OnMessage(func(ctx context.Context, msg domain.InboundMessage) {
		got = msg
		w.Send(ctx, msg.Chat.ID, domain.OutboundMessage{ID: "out1", Text: "ok", ReplyToID: msg.ID})
	})

	rec := postWebhook(t, w, `{"content":"hi"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got.Chat.ID != "webhook-default" || got.Sender.ChannelUserID != "webhook" {
		t.Errorf("defaults not applied: %+v", got)
	}
}

func TestWebhook_CallbackModeAcknowledgesImmediately(t *testing.T) {
	w := NewWebhook(WebhookConfig{Logger: testLogger})
	w.OnMessage(func(ctx context.Context, msg domain.InboundMessage) {})

	body := `{"chat_id":"c1","content":"hi","callback_url":"http://example.invalid/cb"}`
	rec := postWebhook(t, w, body, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "accepted") {
		t.Errorf("unexpected ack body: %s", rec.Body.String())
	}
}

func TestWebhook_RejectsNonPost(t *testing.T) {
	w := NewWebhook(WebhookConfig{Logger: testLogger})
	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	rec := httptest.NewRecorder()
	w.handleWebhook(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestWebhook_RejectsBadJSON(t *testing.T) {
	w := NewWebhook(WebhookConfig{Logger: testLogger})
	rec := postWebhook(t, w, "{not json", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestWebhook_RejectsEmptyContent(t *testing.T) {
	w := NewWebhook(WebhookConfig{Logger: testLogger})
	rec := postWebhook(t, w, `{"chat_id":"c1"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestWebhook_HMACRequired(t *testing.T) {
	w := NewWebhook(WebhookConfig{Secret: "s3cret", Logger: testLogger})
	echoReply(w, "ok")
	body := `{"content":"hi"}`

	rec := postWebhook(t, w, body, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing signature: expected 401, got %d", rec.Code)
	}

	rec = postWebhook(t, w, body, map[string]string{"X-Signature-256": "sha256=deadbeef"})
	if rec.Code != http.StatusForbidden {
		t.Errorf("invalid signature: expected 403, got %d", rec.Code)
	}

	rec = postWebhook(t, w, body, map[string]string{"X-Signature-256": sign(body, "s3cret")})
	if rec.Code != http.StatusOK {
		t.Errorf("valid signature: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestWebhook_AllowlistDenies(t *testing.T) {
	w := NewWebhook(WebhookConfig{AllowFrom: []string{"alice"}, Logger: testLogger})
	echoReply(w, "ok")

	rec := postWebhook(t, w, `{"user_id":"mallory","content":"hi"}`, nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}

	rec = postWebhook(t, w, `{"user_id":"alice","content":"hi"}`, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestWebhook_SendWithoutWaiterOrCallbackFails(t *testing.T) {
	w := NewWebhook(WebhookConfig{Logger: testLogger})
	res := w.Send(context.Background(), "nochat", domain.OutboundMessage{ID: "m1", Text: "reply", ReplyToID: "gone"})
	if res.Success {
		t.Error("a reply with no waiter and no callback must not report success")
	}
	if res.Err == nil {
		t.Error("expected an error for the undeliverable reply")
	}
}

func TestWebhook_SendPostsToCallback(t *testing.T) {
	var received string
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		received = string(data)
		rw.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := NewWebhook(WebhookConfig{Logger: testLogger})
	w.OnMessage(func(ctx context.Context, msg domain.InboundMessage) {})

	body := `{"chat_id":"c1","content":"hi","callback_url":"` + srv.URL + `"}`
	if rec := postWebhook(t, w, body, nil); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}

	res := w.Send(context.Background(), "c1", domain.OutboundMessage{ID: "m1", Text: "the reply", ReplyToID: "in1"})
	if !res.Success {
		t.Fatalf("send failed: %v", res.Err)
	}
	if !strings.Contains(received, `"content":"the reply"`) {
		t.Errorf("callback body missing content: %s", received)
	}
	if !strings.Contains(received, `"reply_to":"in1"`) {
		t.Errorf("callback body missing reply_to: %s", received)
	}
}

func TestVerifyHMAC(t *testing.T) {
	body := []byte(`{"content":"x"}`)
	good := sign(string(body), "secret")

	if !verifyHMAC(body, "secret", good) {
		t.Error("valid signature rejected")
	}
	if verifyHMAC(body, "wrong", good) {
		t.Error("signature accepted with wrong secret")
	}
	if verifyHMAC(body, "secret", "sha256=0000") {
		t.Error("bogus signature accepted")
	}
	if verifyHMAC(body, "secret", "") {
		t.Error("empty signature accepted")
	}
}

func TestCheckAllow(t *testing.T) {
	if dec := checkAllow(nil, "anyone"); !dec.Allowed {
		t.Error("empty allowlist should admit everyone")
	}
	if dec := checkAllow([]string{"a", "b"}, "b"); !dec.Allowed {
		t.Error("listed user should be admitted")
	}
	dec := checkAllow([]string{"a"}, "z")
	if dec.Allowed {
		t.Error("unlisted user should be denied")
	}
	if dec.Reason == "" {
		t.Error("denial should carry a reason")
	}
}
