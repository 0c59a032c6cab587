package session

import (
	"time"

	"github.com/google/uuid"

	"arcusgw/internal/domain"
)

// Session is gateway-side conversational state for one (channel, user, chat)
// triple. Sessions are owned by the Manager for their whole lifetime; other
// components only see snapshots or hold a reference during one dispatch.
type Session struct {
	ID           string
	UserID       string
	Channel      domain.Channel
	ChatID       string
	CreatedAt    time.Time
	LastActivity time.Time
	MessageCount int
	Context      map[string]any
}

func newSession(userID string, channel domain.Channel, chatID string) *Session {
	now := time.Now()
	return &Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		Channel:      channel,
		ChatID:       chatID,
		CreatedAt:    now,
		LastActivity: now,
		MessageCount: 1,
		Context:      make(map[string]any),
	}
}

// touch refreshes activity and bumps the message count. Called by the Manager
// under its lock.
func (s *Session) touch() {
	s.LastActivity = time.Now()
	s.MessageCount++
}

// Info returns a read-only snapshot of the session.
func (s *Session) Info() domain.SessionInfo {
	ctx := make(map[string]any, len(s.Context))
	for k, v := range s.Context {
		ctx[k] = v
	}
	return domain.SessionInfo{
		ID:           s.ID,
		UserID:       s.UserID,
		Channel:      s.Channel,
		ChatID:       s.ChatID,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
		MessageCount: s.MessageCount,
		Context:      ctx,
	}
}
