package durable

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/authmesh/session"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "auth.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRecord(id string, userID int64, now time.Time) *session.Record {
	return &session.Record{
		SessionID:    id,
		UserID:       userID,
		Email:        "a@example.com",
		Role:         "user",
		Status:       session.StatusActive,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(time.Hour),
		Metadata:     map[string]any{"ip": "10.0.0.1"},
	}
}

func TestSQLiteUpsertGet(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, s.Upsert(ctx, sampleRecord("sid-1", 7, now)))
	got, err := s.Get(ctx, "sid-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.UserID)
	assert.Equal(t, session.StatusActive, got.Status)
	assert.True(t, got.ExpiresAt.Equal(now.Add(time.Hour)))
	assert.Equal(t, "10.0.0.1", got.Metadata["ip"])

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestSQLiteUpsertNeverResurrects(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC()
	rec := sampleRecord("sid-2", 7, now)
	require.NoError(t, s.Upsert(ctx, rec))

	require.NoError(t, s.SetStatus(ctx, "sid-2", session.StatusInvalidated, now))

	late := rec.Clone()
	late.LastActivity = now.Add(time.Minute)
	require.NoError(t, s.Upsert(ctx, late))

	got, err := s.Get(ctx, "sid-2")
	require.NoError(t, err)
	assert.Equal(t, session.StatusInvalidated, got.Status)
}

func TestSQLiteTombstoneUpsertBeforeCreate(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC()

	tomb := sampleRecord("sid-3", 7, now)
	tomb.Status = session.StatusInvalidated
	require.NoError(t, s.Upsert(ctx, tomb))
	require.NoError(t, s.Upsert(ctx, sampleRecord("sid-3", 7, now)))

	got, err := s.Get(ctx, "sid-3")
	require.NoError(t, err)
	assert.Equal(t, session.StatusInvalidated, got.Status)
}

func TestSQLiteSetStatusMissing(t *testing.T) {
	s := newTestSQLite(t)
	err := s.SetStatus(context.Background(), "nope", session.StatusInvalidated, time.Now())
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestSQLiteDeleteExpiredAndUserOps(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Upsert(ctx, sampleRecord("a", 1, now)))
	require.NoError(t, s.Upsert(ctx, sampleRecord("b", 1, now)))
	old := sampleRecord("c", 1, now.Add(-2*time.Hour))
	require.NoError(t, s.Upsert(ctx, old))
	require.NoError(t, s.Upsert(ctx, sampleRecord("d", 2, now)))

	ids, err := s.SessionIDsForUser(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	n, err := s.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.InvalidateUser(ctx, 1, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	ids, err = s.SessionIDsForUser(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, ids)

	n, err = s.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "terminal rows are removed")

	got, err := s.Get(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, got.Status)
}

func TestSQLiteUserDirectory(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertUser(ctx, User{ID: 5, Email: "Alice@Example.com", IsActive: true}))
	u, err := s.LookupByEmail(ctx, "alice@example.COM")
	require.NoError(t, err)
	assert.Equal(t, int64(5), u.ID)
	assert.True(t, u.IsActive)

	require.NoError(t, s.UpsertUser(ctx, User{ID: 5, Email: "alice@example.com", IsActive: false}))
	u, err = s.LookupByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.False(t, u.IsActive)

	_, err = s.LookupByEmail(ctx, "bob@example.com")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestSQLiteInMemory(t *testing.T) {
	s, err := NewSQLiteStore(":memory:", nil)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Upsert(context.Background(), sampleRecord("m", 1, time.Now())))
	_, err = s.Get(context.Background(), "m")
	require.NoError(t, err)
}

func TestManagerOverSQLite(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	mgr := session.NewManager(session.Config{}, nil, s, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	rec, err := mgr.Create(ctx, 9, "c@example.com", "admin", nil)
	require.NoError(t, err)
	ok, err := mgr.Invalidate(ctx, rec.SessionID)
	require.NoError(t, err)
	require.True(t, ok)
	mgr.Close()

	row, err := s.Get(ctx, rec.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusInvalidated, row.Status)
}

func TestOpenSelectsBackend(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Options{Driver: "sqlite", DSN: ":memory:"}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.Close())

	_, err = Open(ctx, Options{Driver: "mysql", DSN: "x"}, nil)
	require.Error(t, err)

	_, err = Open(ctx, Options{Driver: "postgres", AutoMigrate: true}, nil)
	require.Error(t, err)
}
