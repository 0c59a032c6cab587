// Package audit writes the gateway's structured audit trail. Records carry
// identifiers and lengths, never raw message text.
package audit

import (
	"context"
	"log/slog"
	"time"

	"arcusgw/internal/domain"
)

// Sink persists audit records. The knowledge store implements this.
type Sink interface {
	AppendAudit(ctx context.Context, rec domain.AuditRecord) error
}

// Recorder mirrors every audit record to slog and persists it through the
// sink. Persistence is best-effort: a failing sink is logged, never surfaced.
type Recorder struct {
	sink   Sink
	logger *slog.Logger
}

// NewRecorder creates a Recorder. sink may be nil (log-only mode).
func NewRecorder(sink Sink, logger *slog.Logger) *Recorder {
	return &Recorder{sink: sink, logger: logger}
}

// Write records one audit entry.
func (r *Recorder) Write(ctx context.Context, rec domain.AuditRecord) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	r.logger.Info("audit",
		"action", rec.Action,
		"channel", rec.Channel,
		"session", rec.SessionID,
		"user", rec.UserID,
		"detail", rec.Detail,
	)

	if r.sink == nil {
		return
	}
	if err := r.sink.AppendAudit(ctx, rec); err != nil {
		r.logger.Warn("audit sink write failed", "action", rec.Action, "err", err)
	}
}

// Exchange records one message exchange by lengths only.
func (r *Recorder) Exchange(ctx context.Context, channel domain.Channel, sessionID, userID string, inLen, outLen int) {
	r.Write(ctx, domain.AuditRecord{
		Action:    domain.AuditExchange,
		Channel:   channel,
		SessionID: sessionID,
		UserID:    userID,
		Detail:    map[string]any{"in_len": inLen, "out_len": outLen},
	})
}

// Command records a command invocation.
func (r *Recorder) Command(ctx context.Context, channel domain.Channel, sessionID, userID, name string, failed bool) {
	r.Write(ctx, domain.AuditRecord{
		Action:    domain.AuditCommand,
		Channel:   channel,
		SessionID: sessionID,
		UserID:    userID,
		Detail:    map[string]any{"command": name, "failed": failed},
	})
}

// AuthFailure records a rejected message. No response is ever sent for these.
func (r *Recorder) AuthFailure(ctx context.Context, channel domain.Channel, senderID string) {
	r.Write(ctx, domain.AuditRecord{
		Action:  domain.AuditAuthFailure,
		Channel: channel,
		UserID:  senderID,
	})
}

// SessionStart records a session creation.
func (r *Recorder) SessionStart(ctx context.Context, info domain.SessionInfo) {
	r.Write(ctx, domain.AuditRecord{
		Action:    domain.AuditSessionStart,
		Channel:   info.Channel,
		SessionID: info.ID,
		UserID:    info.UserID,
	})
}

// SessionEnd records a session's removal.
func (r *Recorder) SessionEnd(ctx context.Context, info domain.SessionInfo) {
	r.Write(ctx, domain.AuditRecord{
		Action:    domain.AuditSessionEnd,
		Channel:   info.Channel,
		SessionID: info.ID,
		UserID:    info.UserID,
		Detail:    map[string]any{"messages": info.MessageCount},
	})
}

// Learning records that a learning was captured for a user.
func (r *Recorder) Learning(ctx context.Context, channel domain.Channel, userID string, contentLen int) {
	r.Write(ctx, domain.AuditRecord{
		Action:  domain.AuditLearning,
		Channel: channel,
		UserID:  userID,
		Detail:  map[string]any{"content_len": contentLen},
	})
}
