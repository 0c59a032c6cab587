package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"arcusgw/internal/domain"
	"arcusgw/internal/metrics"
)

// Flusher receives a session's snapshot before the session is removed, so
// pending middleware state can be persisted. Flush failures are logged and
// never block removal.
type Flusher interface {
	FlushSession(ctx context.Context, info domain.SessionInfo) error
}

// Manager maps (channel, user, chat) triples to sessions, enforcing one live
// session per triple. Expiry is idle-based and checked lazily on access; there
// is no background timer.
type Manager struct {
	mu       sync.Mutex
	byKey    map[string]*Session
	byID     map[string]*Session
	timeout  time.Duration
	maxSize  int
	flusher  Flusher
	onRemove func(domain.SessionInfo)
	logger   *slog.Logger
}

// Config holds Manager construction parameters.
type Config struct {
	TimeoutMinutes int
	MaxSessions    int
	Flusher        Flusher
	// OnRemove observes every session removal (end, expiry, sweep, flush-all).
	// Invoked after the manager lock is released, so observers may call back
	// into the Manager.
	OnRemove func(domain.SessionInfo)
	Logger   *slog.Logger
}

const (
	defaultTimeoutMinutes = 30
	defaultMaxSessions    = 500
)

// NewManager creates a session manager.
func NewManager(cfg Config) *Manager {
	if cfg.TimeoutMinutes <= 0 {
		cfg.TimeoutMinutes = defaultTimeoutMinutes
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaultMaxSessions
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		byKey:    make(map[string]*Session),
		byID:     make(map[string]*Session),
		timeout:  time.Duration(cfg.TimeoutMinutes) * time.Minute,
		maxSize:  cfg.MaxSessions,
		flusher:  cfg.Flusher,
		onRemove: cfg.OnRemove,
		logger:   cfg.Logger,
	}
}

// SetOnRemove installs the removal observer after construction. The gateway
// uses this because it is built after the manager it observes.
func (m *Manager) SetOnRemove(fn func(domain.SessionInfo)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRemove = fn
}

// Key computes the composite session key for a triple.
func Key(userID string, channel domain.Channel, chatID string) string {
	return fmt.Sprintf("%s:%s:%s", channel, userID, chatID)
}

func (m *Manager) expired(s *Session) bool {
	return time.Since(s.LastActivity) > m.timeout
}

// GetOrCreate returns the live session for the triple, touching it, or
// creates a new one. An expired session is flushed and removed first. The
// second return value reports whether a new session was created.
func (m *Manager) GetOrCreate(ctx context.Context, userID string, channel domain.Channel, chatID string) (*Session, bool) {
	key := Key(userID, channel, chatID)

	m.mu.Lock()
	var removed []domain.SessionInfo

	if s, ok := m.byKey[key]; ok {
		if !m.expired(s) {
			s.touch()
			m.mu.Unlock()
			return s, false
		}
		m.flushLocked(ctx, s)
		removed = append(removed, m.removeLocked(s))
	} else if len(m.byKey) >= m.maxSize {
		// Capacity pressure: sweep expired sessions before creating. Active
		// sessions are never evicted; if the sweep frees nothing we exceed
		// the ceiling and log the overshoot.
		removed = append(removed, m.sweepLocked(ctx)...)
		if len(m.byKey) >= m.maxSize {
			metrics.Collector.Counter("sessions_capacity_overshoot_total",
				"Sessions created past the configured ceiling").Inc()
			m.logger.Warn("session ceiling exceeded, creating anyway",
				"active", len(m.byKey),
				"max", m.maxSize,
			)
		}
	}

	s := newSession(userID, channel, chatID)
	m.byKey[key] = s
	m.byID[s.ID] = s

	m.logger.Info("session created",
		"session", s.ID,
		"channel", channel,
		"user", userID,
	)
	fn := m.onRemove
	m.mu.Unlock()

	notifyRemoved(fn, removed)
	return s, true
}

// End removes the session with the given id and returns its snapshot, or nil
// if no such session exists. The caller is responsible for flushing any
// pending state beforehand.
func (m *Manager) End(sessionID string) *domain.SessionInfo {
	m.mu.Lock()

	s, ok := m.byID[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	info := m.removeLocked(s)
	fn := m.onRemove
	m.mu.Unlock()

	notifyRemoved(fn, []domain.SessionInfo{info})
	return &info
}

// ListActive sweeps expired sessions, then returns the remainder.
func (m *Manager) ListActive(ctx context.Context) []*Session {
	m.mu.Lock()

	removed := m.sweepLocked(ctx)
	out := make([]*Session, 0, len(m.byKey))
	for _, s := range m.byKey {
		out = append(out, s)
	}
	fn := m.onRemove
	m.mu.Unlock()

	notifyRemoved(fn, removed)
	return out
}

// Count returns the number of tracked sessions, expired or not.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byKey)
}

// MaxSessions returns the configured capacity ceiling.
func (m *Manager) MaxSessions() int { return m.maxSize }

// FlushAll flushes and removes every session. Used on gateway stop.
func (m *Manager) FlushAll(ctx context.Context) {
	m.mu.Lock()

	removed := make([]domain.SessionInfo, 0, len(m.byKey))
	for _, s := range m.byKey {
		m.flushLocked(ctx, s)
		removed = append(removed, m.removeLocked(s))
	}
	fn := m.onRemove
	m.mu.Unlock()

	notifyRemoved(fn, removed)
}

// sweepLocked flushes and removes every expired session, returning their
// snapshots. Caller holds m.mu and delivers the notifications after
// unlocking.
func (m *Manager) sweepLocked(ctx context.Context) []domain.SessionInfo {
	var removed []domain.SessionInfo
	for _, s := range m.byKey {
		if m.expired(s) {
			m.flushLocked(ctx, s)
			removed = append(removed, m.removeLocked(s))
		}
	}
	return removed
}

func (m *Manager) flushLocked(ctx context.Context, s *Session) {
	if m.flusher == nil {
		return
	}
	if err := m.flusher.FlushSession(ctx, s.Info()); err != nil {
		m.logger.Warn("session flush failed", "session", s.ID, "err", err)
	}
}

func (m *Manager) removeLocked(s *Session) domain.SessionInfo {
	delete(m.byKey, Key(s.UserID, s.Channel, s.ChatID))
	delete(m.byID, s.ID)
	return s.Info()
}

// notifyRemoved delivers removal snapshots outside the manager lock.
func notifyRemoved(fn func(domain.SessionInfo), removed []domain.SessionInfo) {
	if fn == nil {
		return
	}
	for _, info := range removed {
		fn(info)
	}
}
