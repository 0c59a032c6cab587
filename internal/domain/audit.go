package domain

import "time"

// Audit actions recorded by the gateway. Exchange records carry lengths only,
// never raw message text.
const (
	AuditExchange     = "exchange"
	AuditCommand      = "command"
	AuditLearning     = "learning_captured"
	AuditSessionStart = "session_start"
	AuditSessionEnd   = "session_end"
	AuditAuthFailure  = "auth_failure"
)

// AuditRecord is one structured audit entry.
type AuditRecord struct {
	Action    string
	Channel   Channel
	SessionID string
	UserID    string
	Detail    map[string]any
	CreatedAt time.Time
}
