package durable

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrEthical07/authmesh/session"
)

// SQLiteStore is the single-node durable tier. Timestamps are stored as unix
// milliseconds.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (creating if needed) the database at path and applies the
// schema. ":memory:" gives a private in-memory database.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "durable", "backend", "sqlite")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Each connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id         INTEGER PRIMARY KEY,
			email      TEXT NOT NULL UNIQUE,
			is_active  INTEGER NOT NULL DEFAULT 1
		);

		CREATE TABLE IF NOT EXISTS session_store (
			session_id     TEXT PRIMARY KEY,
			user_id        INTEGER NOT NULL,
			email          TEXT NOT NULL,
			role           TEXT NOT NULL,
			status         TEXT NOT NULL,
			created_at     INTEGER NOT NULL,
			last_activity  INTEGER NOT NULL,
			expires_at     INTEGER NOT NULL,
			metadata       TEXT NOT NULL DEFAULT '{}',
			updated_at     INTEGER NOT NULL,

			CHECK (status IN ('active', 'expired', 'invalidated')),
			CHECK (expires_at >= created_at)
		);

		CREATE INDEX IF NOT EXISTS idx_session_store_user ON session_store(user_id, status);
		CREATE INDEX IF NOT EXISTS idx_session_store_expires ON session_store(expires_at);
	`)
	return err
}

func (s *SQLiteStore) Upsert(ctx context.Context, rec *session.Record) error {
	meta, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_store
			(session_id, user_id, email, role, status, created_at, last_activity, expires_at, metadata, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			user_id = excluded.user_id,
			email = excluded.email,
			role = excluded.role,
			status = excluded.status,
			last_activity = excluded.last_activity,
			expires_at = excluded.expires_at,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
		WHERE session_store.status = 'active'`,
		rec.SessionID, rec.UserID, rec.Email, rec.Role, string(rec.Status),
		rec.CreatedAt.UnixMilli(), rec.LastActivity.UnixMilli(), rec.ExpiresAt.UnixMilli(),
		string(meta), time.Now().UnixMilli())
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, sessionID string) (*session.Record, error) {
	var (
		rec                             session.Record
		status, meta                    string
		createdAt, lastActive, expireAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, user_id, email, role, status, created_at, last_activity, expires_at, metadata
		FROM session_store WHERE session_id = ?`, sessionID).Scan(
		&rec.SessionID, &rec.UserID, &rec.Email, &rec.Role, &status,
		&createdAt, &lastActive, &expireAt, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Status = session.Status(status)
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	rec.LastActivity = time.UnixMilli(lastActive).UTC()
	rec.ExpiresAt = time.UnixMilli(expireAt).UTC()
	if rec.Metadata, err = decodeMetadata([]byte(meta)); err != nil {
		s.logger.Warn("discarding unreadable session metadata", "session_id", sessionID, "error", err)
	}
	return &rec, nil
}

// SetStatus moves an active row to status. Rows already terminal are left alone
// and still count as found.
func (s *SQLiteStore) SetStatus(ctx context.Context, sessionID string, status session.Status, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE session_store SET status = ?, last_activity = ?, updated_at = ?
		WHERE session_id = ? AND status = 'active'`,
		string(status), at.UnixMilli(), time.Now().UnixMilli(), sessionID); err != nil {
		return err
	}
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM session_store WHERE session_id = ?`, sessionID).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return session.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM session_store WHERE expires_at <= ? OR status <> 'active'`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) InvalidateUser(ctx context.Context, userID int64, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE session_store SET status = 'invalidated', last_activity = ?, updated_at = ?
		WHERE user_id = ? AND status = 'active'`,
		at.UnixMilli(), time.Now().UnixMilli(), userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) SessionIDsForUser(ctx context.Context, userID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id FROM session_store
		WHERE user_id = ? AND status = 'active'
		ORDER BY session_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// LookupByEmail resolves a user case-insensitively.
func (s *SQLiteStore) LookupByEmail(ctx context.Context, email string) (User, error) {
	var (
		u      User
		active int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, is_active FROM users WHERE email = ?`, normalizeEmail(email)).
		Scan(&u.ID, &u.Email, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, err
	}
	u.IsActive = active != 0
	return u, nil
}

// UpsertUser inserts or updates a directory row. Emails are stored lowercased.
func (s *SQLiteStore) UpsertUser(ctx context.Context, u User) error {
	active := 0
	if u.IsActive {
		active = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, is_active) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET email = excluded.email, is_active = excluded.is_active`,
		u.ID, normalizeEmail(u.Email), active)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var (
	_ session.Durable = (*SQLiteStore)(nil)
	_ UserDirectory   = (*SQLiteStore)(nil)
)
