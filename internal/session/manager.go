package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/openclaw/internal/clawerr"
)

// CleanupFunc cancels work tied to a session when it ends. It must
// respect the context deadline.
type CleanupFunc func(ctx context.Context, sessionID string) error

// Manager coordinates session lifecycle over a Store and caches
// bootstrap snapshots keyed by session key.
type Manager struct {
	store          Store
	cleanupTimeout time.Duration

	mu        sync.RWMutex
	cleanups  []CleanupFunc
	bootstrap map[string]string
}

// NewManager creates a Manager. A zero cleanupTimeout defaults to 15s.
func NewManager(store Store, cleanupTimeout time.Duration) *Manager {
	if cleanupTimeout <= 0 {
		cleanupTimeout = 15 * time.Second
	}
	return &Manager{
		store:          store,
		cleanupTimeout: cleanupTimeout,
		bootstrap:      make(map[string]string),
	}
}

// OnSessionEnd registers a cleanup task run when a session ends.
func (m *Manager) OnSessionEnd(fn CleanupFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups = append(m.cleanups, fn)
}

// CreateSession starts a new Active session for the user/device pair.
func (m *Manager) CreateSession(userID, deviceID, channel string) (*Session, error) {
	now := time.Now()
	sess := &Session{
		ID:         uuid.NewString(),
		UserID:     userID,
		DeviceID:   deviceID,
		Channel:    channel,
		State:      StateActive,
		CreatedAt:  now,
		LastActive: now,
	}
	if err := m.store.Create(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// GetSession fetches a session by id.
func (m *Manager) GetSession(id string) (*Session, error) {
	return m.store.Get(id)
}

// ListSessions returns the user's sessions.
func (m *Manager) ListSessions(userID string) ([]*Session, error) {
	return m.store.ListByUser(userID)
}

// TouchSession bumps last_active and forces the state back to Active.
// Closed sessions reject the touch.
func (m *Manager) TouchSession(id string) error {
	sess, err := m.store.Get(id)
	if err != nil {
		return err
	}
	if sess.State == StateClosed {
		return clawerr.Newf(clawerr.KindSession, "session %s is closed", id)
	}
	sess.State = StateActive
	sess.LastActive = time.Now()
	return m.store.Update(sess)
}

// MarkIdle transitions an Active session to Idle.
func (m *Manager) MarkIdle(id string) error {
	sess, err := m.store.Get(id)
	if err != nil {
		return err
	}
	if sess.State == StateClosed {
		return clawerr.Newf(clawerr.KindSession, "session %s is closed", id)
	}
	sess.State = StateIdle
	return m.store.Update(sess)
}

// EndSession transitions the session to Closed and runs the registered
// cleanup tasks under a bounded deadline. A cleanup timeout is logged,
// never propagated.
func (m *Manager) EndSession(id string) error {
	sess, err := m.store.Get(id)
	if err != nil {
		return err
	}
	if sess.State == StateClosed {
		return nil // idempotent
	}
	sess.State = StateClosed
	sess.LastActive = time.Now()
	if err := m.store.Update(sess); err != nil {
		return err
	}
	m.Invalidate(sess.Key())

	m.mu.RLock()
	cleanups := make([]CleanupFunc, len(m.cleanups))
	copy(cleanups, m.cleanups)
	m.mu.RUnlock()

	if len(cleanups) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cleanupTimeout)
	defer cancel()
	for _, fn := range cleanups {
		if err := fn(ctx, id); err != nil {
			slog.Warn("session cleanup task failed", "session", id, "error", err)
		}
		if ctx.Err() != nil {
			slog.Warn("session cleanup timed out", "session", id, "timeout", m.cleanupTimeout)
			break
		}
	}
	return nil
}

// CleanupExpired removes sessions idle past ttl.
func (m *Manager) CleanupExpired(ttl time.Duration) (int, error) {
	return m.store.RemoveExpired(ttl)
}

// RecordCompaction increments the session's compaction counter.
// Closed sessions refuse.
func (m *Manager) RecordCompaction(id string) (int, error) {
	sess, err := m.store.Get(id)
	if err != nil {
		return 0, err
	}
	if sess.State == StateClosed {
		return 0, clawerr.Newf(clawerr.KindSession, "session %s is closed", id)
	}
	sess.Compactions++
	if err := m.store.Update(sess); err != nil {
		return 0, err
	}
	return sess.Compactions, nil
}

// CacheBootstrap stores a precomputed bootstrap snapshot for a session key.
func (m *Manager) CacheBootstrap(key, snapshot string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bootstrap[key] = snapshot
}

// GetCachedBootstrap returns the cached snapshot for a session key.
func (m *Manager) GetCachedBootstrap(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.bootstrap[key]
	return snap, ok
}

// Invalidate drops the cached snapshot for a session key.
func (m *Manager) Invalidate(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bootstrap, key)
}
