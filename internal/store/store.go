// Package store persists session metadata so a restarted daemon can resume
// backend conversations instead of starting them over.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// ErrNotFound means no persisted entry exists for the key.
var ErrNotFound = errors.New("persisted session not found")

// Session is one persisted session metadata row.
type Session struct {
	SessionKey       string
	BackendSessionID string
	Workdir          string
	Platform         string
	CreatedAt        time.Time
	LastActivity     time.Time
	MessageCount     int
}

// Store is a SQLite-backed session metadata store. Safe for concurrent use;
// the database handle serializes access.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (and creates, if needed) the store at path. An empty path uses
// an in-memory database, useful for tests and ephemeral runs.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	s := &Store{db: db, logger: logger.With("component", "store")}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			session_key        TEXT PRIMARY KEY,
			backend_session_id TEXT NOT NULL,
			workdir            TEXT NOT NULL DEFAULT '',
			platform           TEXT NOT NULL DEFAULT '',
			created_at         INTEGER NOT NULL,
			last_activity      INTEGER NOT NULL,
			message_count      INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_last_activity
			ON sessions(last_activity);
	`)
	if err != nil {
		return fmt.Errorf("init session store schema: %w", err)
	}
	return nil
}

// Get looks up one persisted session. Returns ErrNotFound when absent.
func (s *Store) Get(ctx context.Context, sessionKey string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_key, backend_session_id, workdir, platform,
		       created_at, last_activity, message_count
		FROM sessions WHERE session_key = ?`, sessionKey)

	var sess Session
	var createdAt, lastActivity int64
	err := row.Scan(&sess.SessionKey, &sess.BackendSessionID, &sess.Workdir,
		&sess.Platform, &createdAt, &lastActivity, &sess.MessageCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionKey, err)
	}
	sess.CreatedAt = time.UnixMilli(createdAt)
	sess.LastActivity = time.UnixMilli(lastActivity)
	return &sess, nil
}

// Upsert creates or refreshes a persisted session entry. created_at is kept
// from the existing row; last_activity is set to now and the message count
// incremented.
func (s *Store) Upsert(ctx context.Context, sess *Session) error {
	if sess == nil || sess.SessionKey == "" {
		return errors.New("session key is required")
	}
	if sess.BackendSessionID == "" {
		return errors.New("backend session id is required")
	}
	// Millisecond timestamps: expiry cutoffs must not lose sub-second
	// precision to truncation.
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_key, backend_session_id, workdir, platform,
		                      created_at, last_activity, message_count)
		VALUES (?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(session_key) DO UPDATE SET
			backend_session_id = excluded.backend_session_id,
			workdir            = excluded.workdir,
			platform           = excluded.platform,
			last_activity      = excluded.last_activity,
			message_count      = sessions.message_count + 1`,
		sess.SessionKey, sess.BackendSessionID, sess.Workdir, sess.Platform, now, now)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", sess.SessionKey, err)
	}
	return nil
}

// Remove deletes one persisted session entry. Removing an absent entry is
// not an error.
func (s *Store) Remove(ctx context.Context, sessionKey string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE session_key = ?`, sessionKey); err != nil {
		return fmt.Errorf("remove session %s: %w", sessionKey, err)
	}
	return nil
}

// CleanupExpired removes sessions inactive for longer than maxAge and
// returns how many were removed.
func (s *Store) CleanupExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE last_activity < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	if n > 0 {
		s.logger.Info("cleaned up expired sessions", "count", n)
	}
	return int(n), nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
