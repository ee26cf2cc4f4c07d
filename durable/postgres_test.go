package durable

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPostgresPoolRetriesThenFails(t *testing.T) {
	origNew, origSleep, origRetries := pgxPoolNewWithConfig, postgresSleep, postgresConnectRetries
	t.Cleanup(func() {
		pgxPoolNewWithConfig, postgresSleep, postgresConnectRetries = origNew, origSleep, origRetries
	})

	attempts := 0
	pgxPoolNewWithConfig = func(context.Context, *pgxpool.Config) (*pgxpool.Pool, error) {
		attempts++
		return nil, errors.New("connection refused")
	}
	postgresSleep = func(time.Duration) {}
	postgresConnectRetries = 3

	_, err := NewPostgresPool(context.Background(), "postgres://u@localhost:5432/auth?sslmode=disable", PoolConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retries exhausted")
	assert.Equal(t, 3, attempts)
}

func TestNewPostgresPoolRejectsBadDSN(t *testing.T) {
	_, err := NewPostgresPool(context.Background(), "", PoolConfig{})
	assert.Error(t, err)
	_, err = NewPostgresPool(context.Background(), "postgres://%zz", PoolConfig{})
	assert.Error(t, err)
}

func TestMigrateValidatesArguments(t *testing.T) {
	assert.Error(t, Migrate("", "up"))
	assert.Error(t, Migrate("postgres://localhost/auth", "sideways"))
}

func TestMetadataCodec(t *testing.T) {
	b, err := encodeMetadata(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(b))

	m, err := decodeMetadata([]byte(`{"ip":"1.2.3.4"}`))
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4", m["ip"])

	m, err = decodeMetadata([]byte(`{}`))
	require.NoError(t, err)
	assert.Nil(t, m)

	_, err = encodeMetadata(map[string]any{"bad": func() {}})
	assert.Error(t, err)
}
