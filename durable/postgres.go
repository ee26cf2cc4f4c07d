package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrEthical07/authmesh/session"
)

var (
	pgxPoolNewWithConfig   = pgxpool.NewWithConfig
	postgresConnectRetries = 10
	postgresRetryDelay     = 2 * time.Second
	postgresPingTimeout    = 2 * time.Second
	postgresSleep          = time.Sleep
)

// PoolConfig sizes the pgx pool. Zero values keep the defaults.
type PoolConfig struct {
	MaxConns        int32
	MinConns        int32
	MaxConnIdleTime time.Duration
}

// NewPostgresPool opens a pool and pings it, retrying while the database comes up.
func NewPostgresPool(ctx context.Context, dsn string, pc PoolConfig) (*pgxpool.Pool, error) {
	if dsn == "" {
		return nil, errors.New("durable: postgres dsn is empty")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute
	if pc.MaxConns > 0 {
		cfg.MaxConns = pc.MaxConns
	}
	if pc.MinConns > 0 {
		cfg.MinConns = pc.MinConns
	}
	if pc.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = pc.MaxConnIdleTime
	}

	var lastErr error
	for i := 0; i < postgresConnectRetries; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pool, err := pgxPoolNewWithConfig(ctx, cfg)
		if err != nil {
			lastErr = err
			postgresSleep(postgresRetryDelay)
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, postgresPingTimeout)
		err = pool.Ping(pingCtx)
		cancel()
		if err == nil {
			return pool, nil
		}
		lastErr = err
		pool.Close()
		postgresSleep(postgresRetryDelay)
	}
	return nil, fmt.Errorf("db ping retries exhausted: %w", lastErr)
}

const (
	pgUpsertSession = `
INSERT INTO session_store
    (session_id, user_id, email, role, status, created_at, last_activity, expires_at, metadata, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
ON CONFLICT (session_id) DO UPDATE SET
    user_id = EXCLUDED.user_id,
    email = EXCLUDED.email,
    role = EXCLUDED.role,
    status = EXCLUDED.status,
    last_activity = EXCLUDED.last_activity,
    expires_at = EXCLUDED.expires_at,
    metadata = EXCLUDED.metadata,
    updated_at = now()
WHERE session_store.status = 'active'`

	pgSelectSession = `
SELECT session_id, user_id, email, role, status, created_at, last_activity, expires_at, metadata
FROM session_store WHERE session_id = $1`
)

// PostgresStore is the multi-instance durable tier.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore wraps an open pool. The schema is managed by [Migrate].
func NewPostgresStore(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{pool: pool, logger: logger.With("component", "durable", "backend", "postgres")}
}

func (s *PostgresStore) Upsert(ctx context.Context, rec *session.Record) error {
	meta, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, pgUpsertSession,
		rec.SessionID, rec.UserID, rec.Email, rec.Role, string(rec.Status),
		rec.CreatedAt, rec.LastActivity, rec.ExpiresAt, meta)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, sessionID string) (*session.Record, error) {
	var (
		rec    session.Record
		status string
		meta   []byte
	)
	err := s.pool.QueryRow(ctx, pgSelectSession, sessionID).Scan(
		&rec.SessionID, &rec.UserID, &rec.Email, &rec.Role, &status,
		&rec.CreatedAt, &rec.LastActivity, &rec.ExpiresAt, &meta)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Status = session.Status(status)
	if rec.Metadata, err = decodeMetadata(meta); err != nil {
		s.logger.Warn("discarding unreadable session metadata", "session_id", sessionID, "error", err)
	}
	return &rec, nil
}

// SetStatus moves an active row to status. Rows already terminal are left alone
// and still count as found.
func (s *PostgresStore) SetStatus(ctx context.Context, sessionID string, status session.Status, at time.Time) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `
WITH upd AS (
    UPDATE session_store SET status = $2, last_activity = $3, updated_at = now()
    WHERE session_id = $1 AND status = 'active'
    RETURNING 1
)
SELECT EXISTS (SELECT 1 FROM session_store WHERE session_id = $1)`,
		sessionID, string(status), at).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return session.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM session_store WHERE expires_at <= $1 OR status <> 'active'`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) InvalidateUser(ctx context.Context, userID int64, at time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE session_store SET status = 'invalidated', last_activity = $2, updated_at = now()
WHERE user_id = $1 AND status = 'active'`, userID, at)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) SessionIDsForUser(ctx context.Context, userID int64) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
SELECT session_id FROM session_store
WHERE user_id = $1 AND status = 'active'
ORDER BY session_id`, userID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// LookupByEmail resolves a user case-insensitively.
func (s *PostgresStore) LookupByEmail(ctx context.Context, email string) (User, error) {
	var u User
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, is_active FROM users WHERE lower(email) = $1`, normalizeEmail(email)).
		Scan(&u.ID, &u.Email, &u.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	return u, err
}

// UpsertUser inserts or updates a directory row.
func (s *PostgresStore) UpsertUser(ctx context.Context, u User) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO users (id, email, is_active) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, is_active = EXCLUDED.is_active`,
		u.ID, normalizeEmail(u.Email), u.IsActive)
	return err
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func encodeMetadata(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode session metadata: %w", err)
	}
	return b, nil
}

func decodeMetadata(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

var (
	_ session.Durable = (*PostgresStore)(nil)
	_ UserDirectory   = (*PostgresStore)(nil)
)
