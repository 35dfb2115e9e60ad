package session

import (
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"github.com/openclaw/openclaw/internal/clawerr"
)

// Store is the persistence contract for session records.
type Store interface {
	Create(s *Session) error
	Get(id string) (*Session, error)
	Update(s *Session) error
	Remove(id string) error
	ListByUser(userID string) ([]*Session, error)
	RemoveExpired(ttl time.Duration) (int, error)
	Close() error
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL DEFAULT '',
	channel TEXT NOT NULL DEFAULT '',
	agent_id TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL DEFAULT 'active',
	compactions INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	last_active INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
CREATE INDEX IF NOT EXISTS idx_sessions_last_active ON sessions(last_active);
`

// SQLiteStore persists sessions in a single sqlite file. Writers
// serialize through the database; readers see WAL snapshots.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the session database at path.
// ":memory:" is accepted for tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, clawerr.Wrap(clawerr.KindDatabase, "open session db", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, clawerr.Wrap(clawerr.KindDatabase, "configure session db", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, clawerr.Wrap(clawerr.KindDatabase, "migrate session db", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Create inserts a new session record.
func (s *SQLiteStore) Create(sess *Session) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, user_id, device_id, channel, agent_id, state, compactions, created_at, last_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.DeviceID, sess.Channel, sess.AgentID,
		string(sess.State), sess.Compactions, sess.CreatedAt.UnixMilli(), sess.LastActive.UnixMilli())
	return clawerr.Wrap(clawerr.KindDatabase, "insert session", err)
}

// Get fetches a session by id.
func (s *SQLiteStore) Get(id string) (*Session, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, device_id, channel, agent_id, state, compactions, created_at, last_active
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// Update rewrites a session record.
func (s *SQLiteStore) Update(sess *Session) error {
	res, err := s.db.Exec(`
		UPDATE sessions SET user_id = ?, device_id = ?, channel = ?, agent_id = ?,
			state = ?, compactions = ?, last_active = ?
		WHERE id = ?`,
		sess.UserID, sess.DeviceID, sess.Channel, sess.AgentID,
		string(sess.State), sess.Compactions, sess.LastActive.UnixMilli(), sess.ID)
	if err != nil {
		return clawerr.Wrap(clawerr.KindDatabase, "update session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return clawerr.Newf(clawerr.KindNotFound, "session %s", sess.ID)
	}
	return nil
}

// Remove deletes a session record.
func (s *SQLiteStore) Remove(id string) error {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return clawerr.Wrap(clawerr.KindDatabase, "delete session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return clawerr.Newf(clawerr.KindNotFound, "session %s", id)
	}
	return nil
}

// ListByUser returns the user's sessions ordered by recency.
func (s *SQLiteStore) ListByUser(userID string) ([]*Session, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, device_id, channel, agent_id, state, compactions, created_at, last_active
		FROM sessions WHERE user_id = ? ORDER BY last_active DESC`, userID)
	if err != nil {
		return nil, clawerr.Wrap(clawerr.KindDatabase, "list sessions", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, clawerr.Wrap(clawerr.KindDatabase, "scan sessions", rows.Err())
}

// RemoveExpired deletes sessions idle for longer than ttl and returns
// how many were removed.
func (s *SQLiteStore) RemoveExpired(ttl time.Duration) (int, error) {
	cutoff := time.Now().Add(-ttl).UnixMilli()
	res, err := s.db.Exec(`DELETE FROM sessions WHERE last_active < ?`, cutoff)
	if err != nil {
		return 0, clawerr.Wrap(clawerr.KindDatabase, "remove expired sessions", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var state string
	var created, lastActive int64
	err := row.Scan(&sess.ID, &sess.UserID, &sess.DeviceID, &sess.Channel, &sess.AgentID,
		&state, &sess.Compactions, &created, &lastActive)
	if err == sql.ErrNoRows {
		return nil, clawerr.New(clawerr.KindNotFound, "session not found")
	}
	if err != nil {
		return nil, clawerr.Wrap(clawerr.KindDatabase, "scan session", err)
	}
	sess.State = State(state)
	sess.CreatedAt = time.UnixMilli(created)
	sess.LastActive = time.UnixMilli(lastActive)
	return &sess, nil
}
