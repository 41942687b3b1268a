package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultStartTimeout  = 10 * time.Second
	DefaultShutdownGrace = 2 * time.Second
)

// Session describes the current interpreter session.
type Session struct {
	ID           string    `json:"id"`
	Backend      string    `json:"backend"`
	Language     string    `json:"language"`
	Version      string    `json:"version"`
	PID          int       `json:"pid,omitempty"`
	Alive        bool      `json:"alive"`
	RestartCount int       `json:"restart_count"`
	StartedAt    time.Time `json:"started_at"`
}

// Manager owns the lifecycle of the single interpreter session.
type Manager struct {
	backend       Backend
	logger        *slog.Logger
	startTimeout  time.Duration
	shutdownGrace time.Duration

	// lifecycle serializes Start, Restart and Shutdown.
	lifecycle sync.Mutex

	mu       sync.Mutex
	conn     Conn
	gen      uint64
	session  Session
	restarts int
	shutdown bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithStartTimeout bounds how long Start waits for the session to be ready.
func WithStartTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.startTimeout = d
		}
	}
}

// WithShutdownGrace bounds how long a session may take to exit before it is
// killed.
func WithShutdownGrace(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.shutdownGrace = d
		}
	}
}

// NewManager creates a Manager for backend. No session is started.
func NewManager(backend Backend, opts ...Option) *Manager {
	m := &Manager{
		backend:       backend,
		logger:        slog.Default(),
		startTimeout:  DefaultStartTimeout,
		shutdownGrace: DefaultShutdownGrace,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the session if none is alive and waits for it to be ready.
// A failure is returned as a *SessionStartError.
func (m *Manager) Start(ctx context.Context) (Session, error) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return Session{}, ErrShutdown
	}
	if m.conn != nil && alive(m.conn) {
		sess := m.snapshotLocked()
		m.mu.Unlock()
		return sess, nil
	}
	m.mu.Unlock()

	return m.start(ctx)
}

// Restart terminates the current session, if any, and starts a fresh one.
// All interpreter state is discarded.
func (m *Manager) Restart(ctx context.Context) (Session, error) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return Session{}, ErrShutdown
	}
	old := m.conn
	m.conn = nil
	m.restarts++
	m.mu.Unlock()

	if old != nil {
		if err := old.Close(m.shutdownGrace); err != nil {
			m.logger.Warn("closing previous session", "error", err)
		}
	}
	return m.start(ctx)
}

// HealthCheck reports whether the session is alive.
func (m *Manager) HealthCheck(_ context.Context) bool {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	return conn != nil && alive(conn)
}

// Shutdown terminates the session and refuses further starts. It is
// idempotent.
func (m *Manager) Shutdown(_ context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil
	}
	m.shutdown = true
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := conn.Close(m.shutdownGrace); err != nil {
		return fmt.Errorf("kernel: shutdown session: %w", err)
	}
	m.logger.Info("session shut down")
	return nil
}

// Session returns a snapshot of the current session.
func (m *Manager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Backend returns the backend name.
func (m *Manager) Backend() string { return m.backend.Name() }

func (m *Manager) snapshotLocked() Session {
	sess := m.session
	sess.Alive = m.conn != nil && alive(m.conn)
	return sess
}

// live returns the current connection and its generation.
func (m *Manager) live() (Conn, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return nil, 0, ErrShutdown
	}
	if m.conn == nil || !alive(m.conn) {
		return nil, 0, ErrSessionUnavailable
	}
	return m.conn, m.gen, nil
}

func (m *Manager) start(ctx context.Context) (Session, error) {
	name := m.backend.Name()
	m.logger.Info("starting session", "backend", name)

	conn, err := m.backend.Launch(ctx)
	if err != nil {
		m.logger.Error("session launch failed", "backend", name, "error", err)
		return Session{}, startError(name, err, "")
	}

	ready, err := m.awaitReady(ctx, conn)
	if err != nil {
		_ = conn.Close(m.shutdownGrace)
		m.logger.Error("session did not become ready", "backend", name, "error", err)
		return Session{}, err
	}

	m.mu.Lock()
	m.conn = conn
	m.gen++
	m.session = Session{
		ID:           uuid.NewString(),
		Backend:      name,
		Language:     ready.Language,
		Version:      ready.Version,
		PID:          ready.PID,
		RestartCount: m.restarts,
		StartedAt:    time.Now(),
	}
	sess := m.snapshotLocked()
	m.mu.Unlock()

	m.logger.Info("session ready", "session_id", sess.ID, "language", sess.Language, "version", sess.Version, "pid", sess.PID)
	return sess, nil
}

func (m *Manager) awaitReady(ctx context.Context, conn Conn) (Message, error) {
	timer := time.NewTimer(m.startTimeout)
	defer timer.Stop()

	name := m.backend.Name()
	for {
		select {
		case msg, ok := <-conn.Messages():
			if !ok {
				err := ErrSessionExited
				select {
				case <-conn.Done():
					if exitErr := conn.Err(); exitErr != nil {
						err = fmt.Errorf("%w: %v", ErrSessionExited, exitErr)
					}
				case <-time.After(time.Second):
				}
				return Message{}, &SessionStartError{Backend: name, Err: err, Diagnostics: conn.Diagnostics()}
			}
			if msg.Type == MsgReady {
				return msg, nil
			}
			m.logger.Debug("ignoring message before ready", "type", msg.Type)
		case <-timer.C:
			return Message{}, &SessionStartError{Backend: name, Err: ErrStartTimeout, Diagnostics: conn.Diagnostics()}
		case <-ctx.Done():
			return Message{}, &SessionStartError{Backend: name, Err: ctx.Err(), Diagnostics: conn.Diagnostics()}
		}
	}
}

func alive(conn Conn) bool {
	select {
	case <-conn.Done():
		return false
	default:
		return true
	}
}
