package sessions

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/mcp-rest-gateway/internal/logctx"
	"github.com/ggoodman/mcp-rest-gateway/internal/metrics"
	"github.com/google/uuid"
)

// Manager is the session registry.
type Manager struct {
	factory     ServerFactory
	idleTimeout time.Duration
	log         *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// Option configures a Manager.
type Option func(*Manager)

// WithIdleTimeout closes sessions that receive no message for d. Zero
// disables the timeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.idleTimeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

func WithMetrics(mm *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mm }
}

// NewManager returns an empty registry that builds servers with factory.
func NewManager(factory ServerFactory, opts ...Option) *Manager {
	m := &Manager{
		factory:  factory,
		log:      slog.Default(),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create registers a new session with a fresh id.
func (m *Manager) Create(ctx context.Context) *Session {
	id := uuid.NewString()
	s := &Session{
		ID:        id,
		Server:    m.factory(id),
		CreatedAt: m.now(),
	}

	// The idle timer may fire immediately; registering under the same lock
	// keeps its eviction ordered after the insert.
	m.mu.Lock()
	s.Transport = newTransport(m.idleTimeout, func(reason string) {
		m.evict(s, reason)
	})
	m.sessions[id] = s
	m.mu.Unlock()

	m.metrics.SessionOpened()
	m.log.InfoContext(logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id}), "session.create.ok")
	return s
}

// Load returns the live session named by id and restarts its idle timer.
func (m *Manager) Load(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	s.Transport.Touch()
	return s, nil
}

// Route applies the admission rules for an inbound message carrying the
// session id (possibly empty). isInitialize reports whether the message is an
// initialize request.
func (m *Manager) Route(ctx context.Context, id string, isInitialize bool) (*Session, error) {
	if id == "" {
		if !isInitialize {
			return nil, ErrBadSession
		}
		return m.Create(ctx), nil
	}
	return m.Load(ctx, id)
}

// Close closes the session named by id.
func (m *Manager) Close(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	s.Transport.Close()
	return nil
}

// CloseAll closes every live session.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	for _, s := range live {
		s.Transport.Close()
	}
	m.log.InfoContext(ctx, "session.close_all", slog.Int("count", len(live)))
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) evict(s *Session, reason string) {
	m.mu.Lock()
	cur, ok := m.sessions[s.ID]
	if ok && cur == s {
		delete(m.sessions, s.ID)
	}
	m.mu.Unlock()
	if !ok || cur != s {
		return
	}

	m.metrics.SessionClosed()
	ctx := logctx.WithSessionData(context.Background(), &logctx.SessionData{SessionID: s.ID})
	m.log.InfoContext(ctx, "session.close",
		slog.String("reason", reason),
		slog.Duration("age", m.now().Sub(s.CreatedAt)),
	)
}
