package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"arcusgw/internal/domain"
)

// Learning is one extracted fact about a user.
type Learning struct {
	ID        int64
	UserID    string
	Channel   string
	Content   string
	Source    string
	CreatedAt time.Time
}

// Stats summarizes store contents for the status surface.
type Stats struct {
	Turns        int
	Learnings    int
	AuditRecords int
}

// Store is the SQLite-backed knowledge repository: conversation turns,
// extracted learnings, identity links, the trust log, session summaries and
// the audit trail.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore opens (or creates) the database at dbPath and runs migrations.
func NewStore(dbPath string, logger *slog.Logger) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS turns (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		conv_key   TEXT NOT NULL,
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_turns_conv ON turns(conv_key, id);

	CREATE TABLE IF NOT EXISTS learnings (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id    TEXT NOT NULL,
		channel    TEXT,
		content    TEXT NOT NULL,
		source     TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_learnings_user ON learnings(user_id, id);

	CREATE TABLE IF NOT EXISTS identity_links (
		channel         TEXT NOT NULL,
		channel_user_id TEXT NOT NULL,
		arcus_user_id   TEXT NOT NULL,
		created_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (channel, channel_user_id)
	);

	CREATE TABLE IF NOT EXISTS trust_log (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id    TEXT NOT NULL,
		delta      REAL NOT NULL,
		note       TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_trust_user ON trust_log(user_id);

	CREATE TABLE IF NOT EXISTS session_log (
		session_id    TEXT PRIMARY KEY,
		user_id       TEXT NOT NULL,
		channel       TEXT NOT NULL,
		chat_id       TEXT NOT NULL,
		message_count INTEGER NOT NULL,
		started_at    DATETIME,
		ended_at      DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		action     TEXT NOT NULL,
		channel    TEXT,
		session_id TEXT,
		user_id    TEXT,
		detail     TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_audit_time ON audit_log(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// AppendTurn records one conversation turn for a conversation key.
func (s *Store) AppendTurn(ctx context.Context, convKey, role, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (conv_key, role, content) VALUES (?, ?, ?)`,
		convKey, role, content,
	)
	return err
}

// RecentTurns returns the last limit turns for a conversation, oldest first.
func (s *Store) RecentTurns(ctx context.Context, convKey string, limit int) ([]domain.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content FROM (
			SELECT id, role, content FROM turns WHERE conv_key = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`,
		convKey, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []domain.Turn
	for rows.Next() {
		var t domain.Turn
		if err := rows.Scan(&t.Role, &t.Content); err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// SaveLearning stores one extracted learning.
func (s *Store) SaveLearning(ctx context.Context, l Learning) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO learnings (user_id, channel, content, source) VALUES (?, ?, ?, ?)`,
		l.UserID, l.Channel, l.Content, l.Source,
	)
	return err
}

// RecentLearnings returns the newest learnings for a user, newest first.
func (s *Store) RecentLearnings(ctx context.Context, userID string, limit int) ([]Learning, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, channel, content, source, created_at
		 FROM learnings WHERE user_id = ? ORDER BY id DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Learning
	for rows.Next() {
		var l Learning
		var channel, source sql.NullString
		if err := rows.Scan(&l.ID, &l.UserID, &channel, &l.Content, &source, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.Channel = channel.String
		l.Source = source.String
		out = append(out, l)
	}
	return out, rows.Err()
}

// ForgetLearnings deletes every learning stored for a user and returns how
// many were removed.
func (s *Store) ForgetLearnings(ctx context.Context, userID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM learnings WHERE user_id = ?`, userID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// LinkIdentity maps a channel-local user id to a canonical Arcus user id.
func (s *Store) LinkIdentity(ctx context.Context, channel domain.Channel, channelUserID, arcusUserID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO identity_links (channel, channel_user_id, arcus_user_id) VALUES (?, ?, ?)
		 ON CONFLICT(channel, channel_user_id) DO UPDATE SET arcus_user_id = excluded.arcus_user_id`,
		string(channel), channelUserID, arcusUserID,
	)
	return err
}

// ResolveIdentity returns the canonical user id for a channel-local id, or
// the empty string when no link exists.
func (s *Store) ResolveIdentity(ctx context.Context, channel domain.Channel, channelUserID string) (string, error) {
	var arcusID string
	err := s.db.QueryRowContext(ctx,
		`SELECT arcus_user_id FROM identity_links WHERE channel = ? AND channel_user_id = ?`,
		string(channel), channelUserID,
	).Scan(&arcusID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return arcusID, nil
}

// AppendTrust records a trust adjustment for a user.
func (s *Store) AppendTrust(ctx context.Context, userID string, delta float64, note string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trust_log (user_id, delta, note) VALUES (?, ?, ?)`,
		userID, delta, note,
	)
	return err
}

const baselineTrust = 0.5

// TrustLevel returns the user's accumulated trust score, clamped to [0, 1].
// Users with no history sit at the baseline.
func (s *Store) TrustLevel(ctx context.Context, userID string) (float64, error) {
	var sum sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(delta) FROM trust_log WHERE user_id = ?`, userID,
	).Scan(&sum)
	if err != nil {
		return baselineTrust, err
	}
	level := baselineTrust + sum.Float64
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}
	return level, nil
}

// SaveSessionSummary upserts a session's summary row at flush time.
func (s *Store) SaveSessionSummary(ctx context.Context, info domain.SessionInfo) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_log (session_id, user_id, channel, chat_id, message_count, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
			message_count = excluded.message_count,
			ended_at = CURRENT_TIMESTAMP`,
		info.ID, info.UserID, string(info.Channel), info.ChatID, info.MessageCount, info.CreatedAt,
	)
	return err
}

// AppendAudit stores one audit record. Detail maps are serialized as JSON.
func (s *Store) AppendAudit(ctx context.Context, rec domain.AuditRecord) error {
	var detail string
	if len(rec.Detail) > 0 {
		data, err := json.Marshal(rec.Detail)
		if err == nil {
			detail = string(data)
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (action, channel, session_id, user_id, detail) VALUES (?, ?, ?, ?, ?)`,
		rec.Action, string(rec.Channel), rec.SessionID, rec.UserID, detail,
	)
	return err
}

// CountAudit returns how many audit records exist for an action. Empty action
// counts everything.
func (s *Store) CountAudit(ctx context.Context, action string) (int, error) {
	var n int
	var err error
	if action == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log WHERE action = ?`, action).Scan(&n)
	}
	return n, err
}

// Stats returns row counts for the status surface.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM turns`).Scan(&st.Turns); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM learnings`).Scan(&st.Learnings); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log`).Scan(&st.AuditRecords); err != nil {
		return st, err
	}
	return st, nil
}
