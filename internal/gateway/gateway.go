// Package gateway wires channel adapters, sessions, middleware and the
// message processor into a single inbound pipeline.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"arcusgw/internal/audit"
	"arcusgw/internal/bus"
	"arcusgw/internal/domain"
	"arcusgw/internal/memory"
	"arcusgw/internal/metrics"
	"arcusgw/internal/processor"
	"arcusgw/internal/session"
)

// LearningStore is the knowledge-store surface the memory built-ins use.
type LearningStore interface {
	SaveLearning(ctx context.Context, l memory.Learning) error
	RecentLearnings(ctx context.Context, userID string, limit int) ([]memory.Learning, error)
	ForgetLearnings(ctx context.Context, userID string) (int, error)
}

// Config holds gateway behavior knobs. Zero values are safe: an empty
// AuthToken disables token checks (development mode), an empty CommandSigil
// falls back to "/".
type Config struct {
	AuthToken       string
	CommandSigil    string
	TypingIndicator bool
	MemoryInjection bool
	AutoLearn       bool
}

// Gateway owns the adapter set and routes every inbound message through
// auth, identity, session, command and AI stages before delivery.
type Gateway struct {
	cfg       Config
	sessions  *session.Manager
	events    *bus.EventBus
	processor *processor.Processor
	hooks     domain.Hooks
	audit     *audit.Recorder
	memory    LearningStore
	queue     *dispatchQueue
	logger    *slog.Logger

	mu        sync.Mutex
	adapters  map[domain.Channel]domain.ChannelAdapter
	connected map[domain.Channel]bool
	commands  map[string]CommandHandler

	running   atomic.Bool
	startedAt time.Time
}

// Deps carries the collaborators a Gateway needs.
type Deps struct {
	Sessions  *session.Manager
	Events    *bus.EventBus
	Processor *processor.Processor
	Hooks     domain.Hooks
	Audit     *audit.Recorder
	Memory    LearningStore // optional; enables the learn/recall/forget built-ins
	Logger    *slog.Logger
}

// New creates a stopped gateway with the builtin command set registered.
func New(cfg Config, deps Deps) *Gateway {
	if cfg.CommandSigil == "" {
		cfg.CommandSigil = "/"
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	g := &Gateway{
		cfg:       cfg,
		sessions:  deps.Sessions,
		events:    deps.Events,
		processor: deps.Processor,
		hooks:     deps.Hooks,
		audit:     deps.Audit,
		memory:    deps.Memory,
		queue:     newDispatchQueue(),
		logger:    deps.Logger,
		adapters:  make(map[domain.Channel]domain.ChannelAdapter),
		connected: make(map[domain.Channel]bool),
		commands:  make(map[string]CommandHandler),
	}
	g.registerBuiltins()
	if g.sessions != nil {
		g.sessions.SetOnRemove(g.sessionRemoved)
	}
	return g
}

// sessionRemoved observes every session removal: expiry, capacity sweep,
// explicit reset and shutdown flush all pass through here. The manager
// delivers it outside its lock.
func (g *Gateway) sessionRemoved(info domain.SessionInfo) {
	g.audit.SessionEnd(context.Background(), info)
	g.events.Emit(bus.Event{
		Type:      bus.EventSessionEnded,
		SessionID: info.ID,
		Channel:   info.Channel,
		Data:      map[string]any{"messages": info.MessageCount},
	})
	metrics.ActiveSessions.Dec()
}

// RegisterAdapter adds an adapter before Start. Registering a second adapter
// for the same channel replaces the first.
func (g *Gateway) RegisterAdapter(a domain.ChannelAdapter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.adapters[a.Name()] = a
	g.logger.Info("adapter registered", "channel", a.Name())
}

// Start connects every registered adapter. A failing adapter is logged and
// skipped; the gateway runs degraded rather than refusing to start. Only a
// double Start is an error.
func (g *Gateway) Start(ctx context.Context) error {
	if !g.running.CompareAndSwap(false, true) {
		return fmt.Errorf("gateway already running")
	}
	g.startedAt = time.Now()

	g.mu.Lock()
	adapters := make([]domain.ChannelAdapter, 0, len(g.adapters))
	for _, a := range g.adapters {
		adapters = append(adapters, a)
	}
	g.mu.Unlock()

	connected := make([]string, 0, len(adapters))
	for _, a := range adapters {
		a.OnMessage(g.HandleInbound)
		a.OnReaction(g.handleReaction)
		if err := a.Connect(ctx); err != nil {
			g.logger.Error("adapter connect failed", "channel", a.Name(), "err", err)
			continue
		}
		g.mu.Lock()
		g.connected[a.Name()] = true
		g.mu.Unlock()
		metrics.ConnectedAdapters.Inc()
		connected = append(connected, string(a.Name()))
	}

	g.logger.Info("gateway started", "adapters", len(adapters), "connected", len(connected))
	g.events.Emit(bus.Event{
		Type: bus.EventGatewayStarted,
		Data: map[string]any{"channels": connected},
	})
	return nil
}

// Stop drains in-flight dispatches, flushes every session and disconnects
// adapters one by one. Disconnect errors are logged, never propagated, so a
// wedged adapter cannot block shutdown.
func (g *Gateway) Stop(ctx context.Context) {
	if !g.running.CompareAndSwap(true, false) {
		return
	}
	g.queue.Wait()
	g.sessions.FlushAll(ctx)

	g.mu.Lock()
	adapters := make([]domain.ChannelAdapter, 0, len(g.adapters))
	for _, a := range g.adapters {
		adapters = append(adapters, a)
	}
	g.mu.Unlock()

	for _, a := range adapters {
		if err := a.Disconnect(); err != nil {
			g.logger.Error("adapter disconnect failed", "channel", a.Name(), "err", err)
		}
		g.mu.Lock()
		if g.connected[a.Name()] {
			g.connected[a.Name()] = false
			metrics.ConnectedAdapters.Dec()
		}
		g.mu.Unlock()
	}

	g.logger.Info("gateway stopped", "uptime", time.Since(g.startedAt).Round(time.Second))
	g.events.Emit(bus.Event{Type: bus.EventGatewayStopped})
}

// Running reports whether Start has completed and Stop has not.
func (g *Gateway) Running() bool { return g.running.Load() }

// EndSession flushes and removes a session by id. The removal observer takes
// care of the session.ended event and audit record.
func (g *Gateway) EndSession(ctx context.Context, sessionID string) {
	info := g.sessions.End(sessionID)
	if info == nil {
		return
	}
	if g.hooks != nil {
		if err := g.hooks.FlushSession(ctx, *info); err != nil {
			g.logger.Warn("session flush failed", "session", info.ID, "err", err)
		}
	}
}

// Status is a read-only snapshot; it never sweeps or mutates state.
type Status struct {
	Running        bool                    `json:"running"`
	Uptime         time.Duration           `json:"uptime"`
	Adapters       map[domain.Channel]bool `json:"adapters"`
	ActiveSessions int                     `json:"active_sessions"`
	MaxSessions    int                     `json:"max_sessions"`
	AuthEnabled    bool                    `json:"auth_enabled"`
	MemoryEnabled  bool                    `json:"memory_enabled"`
	AutoLearn      bool                    `json:"auto_learn"`
}

// Status reports the gateway's current state.
func (g *Gateway) Status() Status {
	st := Status{
		Running:        g.running.Load(),
		Adapters:       make(map[domain.Channel]bool),
		ActiveSessions: g.sessions.Count(),
		MaxSessions:    g.sessions.MaxSessions(),
		AuthEnabled:    g.cfg.AuthToken != "",
		MemoryEnabled:  g.cfg.MemoryInjection,
		AutoLearn:      g.cfg.AutoLearn,
	}
	if st.Running {
		st.Uptime = time.Since(g.startedAt)
	}
	g.mu.Lock()
	for name := range g.adapters {
		st.Adapters[name] = g.connected[name]
	}
	g.mu.Unlock()
	return st
}
