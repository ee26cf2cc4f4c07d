package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type evictRecorder struct {
	calls chan [2]any
}

func (e *evictRecorder) EvictLocal(userID int64, sessionID string) int {
	e.calls <- [2]any{userID, sessionID}
	return 1
}

func TestRedisFanOutAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Instance B listens; instance A publishes.
	rec := &evictRecorder{calls: make(chan [2]any, 4)}
	subB := NewRedisSubscriber(rdb, "", "node-b", EvictOnRevoke(rec), quietLogger())
	ready := make(chan struct{})
	errCh := make(chan error, 1)
	go func() { errCh <- subB.Run(ctx, ready) }()
	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber not ready")
	}

	a := New(Config{InstanceID: "node-a"}, quietLogger(), NewRedisPublisher(rdb, ""))
	defer a.Close()

	require.NoError(t, a.Coordinate(ctx, 5, "x@example.com", EventRevoke, "api", map[string]string{DetailSessionID: "sid-9"}))

	select {
	case call := <-rec.calls:
		assert.Equal(t, int64(5), call[0])
		assert.Equal(t, "sid-9", call[1])
	case <-time.After(2 * time.Second):
		t.Fatal("remote revoke not applied")
	}

	assert.Equal(t, StatusHealthy, a.HealthCheck(ctx).Status)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not stop")
	}
}

func TestRedisSubscriberSkipsOwnEvents(t *testing.T) {
	var applied int
	s := NewRedisSubscriber(nil, "", "node-a", func(context.Context, Event) error {
		applied++
		return nil
	}, quietLogger())

	s.handle(context.Background(), `{"event_type":"revoke","origin":"node-a","user_id":1}`)
	s.handle(context.Background(), `not json`)
	s.handle(context.Background(), `{"event_type":"revoke","origin":"node-b","user_id":1}`)
	assert.Equal(t, 1, applied)
}

func TestRedisPublisherHealthReflectsOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	c := New(Config{}, quietLogger(), NewRedisPublisher(rdb, ""))
	defer c.Close()
	mr.Close()

	h := c.HealthCheck(context.Background())
	assert.Equal(t, StatusFailed, h.Status)
	assert.NotEmpty(t, h.Errors["redis_pubsub"])
}
