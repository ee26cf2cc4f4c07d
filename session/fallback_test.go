package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFallbackPutGetIsolatesCopies(t *testing.T) {
	clock := newTestClock()
	f := NewFallbackStore(clock.Now)
	rec := testRecord("sid-1", 1)
	rec.ExpiresAt = clock.Now().Add(time.Hour)

	f.Put(rec)
	rec.Metadata["ip"] = "mutated"

	got, ok := f.Get("sid-1")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1", got.Metadata["ip"])

	got.Status = StatusInvalidated
	again, _ := f.Get("sid-1")
	assert.Equal(t, StatusActive, again.Status)
}

func TestFallbackExpiryOnRead(t *testing.T) {
	clock := newTestClock()
	f := NewFallbackStore(clock.Now)
	rec := testRecord("sid-exp", 1)
	rec.CreatedAt = clock.Now()
	rec.ExpiresAt = clock.Now().Add(time.Minute)
	f.Put(rec)

	clock.Advance(2 * time.Minute)
	_, ok := f.Get("sid-exp")
	assert.False(t, ok)
	assert.Equal(t, 0, f.Len())
}

func TestFallbackTombstoneNotReplacedByActive(t *testing.T) {
	clock := newTestClock()
	f := NewFallbackStore(clock.Now)
	f.Invalidate("sid-t", 3, clock.Now().Add(time.Hour))

	rec := testRecord("sid-t", 3)
	rec.ExpiresAt = clock.Now().Add(time.Hour)
	f.Put(rec)

	got, ok := f.Get("sid-t")
	require.True(t, ok)
	assert.Equal(t, StatusInvalidated, got.Status)
}

func TestFallbackUpdateAndInvalidateUser(t *testing.T) {
	clock := newTestClock()
	f := NewFallbackStore(clock.Now)
	for i := 0; i < 3; i++ {
		rec := testRecord(fmt.Sprintf("sid-%d", i), 8)
		rec.ExpiresAt = clock.Now().Add(time.Hour)
		f.Put(rec)
	}
	other := testRecord("sid-other", 9)
	other.ExpiresAt = clock.Now().Add(time.Hour)
	f.Put(other)

	_, found, err := f.Update("sid-0", func(r *Record) error {
		r.Metadata["seen"] = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, found)

	ids := f.InvalidateUser(8)
	assert.Len(t, ids, 3)
	assert.ElementsMatch(t, []string{"sid-0", "sid-1", "sid-2"}, f.UserSessionIDs(8))

	got, _ := f.Get("sid-other")
	assert.Equal(t, StatusActive, got.Status)

	_, found, err = f.Update("missing", func(*Record) error { return nil })
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFallbackSweep(t *testing.T) {
	clock := newTestClock()
	f := NewFallbackStore(clock.Now)
	for i := 0; i < 100; i++ {
		rec := testRecord(fmt.Sprintf("sid-%d", i), int64(i+1))
		rec.CreatedAt = clock.Now()
		rec.ExpiresAt = clock.Now().Add(time.Duration(i%2+1) * time.Minute)
		f.Put(rec)
	}

	clock.Advance(90 * time.Second)
	assert.Equal(t, 50, f.Sweep(clock.Now()))
	assert.Equal(t, 50, f.Len())
	assert.Len(t, f.Snapshot(), 50)
}

func TestFallbackConcurrentAccess(t *testing.T) {
	f := NewFallbackStore(nil)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := fmt.Sprintf("sid-%d-%d", w, i)
				f.Put(testRecord(id, int64(w+1)))
				f.Get(id)
				if i%3 == 0 {
					f.Invalidate(id, int64(w+1), time.Now().Add(time.Hour))
				}
				f.Sweep(time.Now())
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, 1600, f.Len())
}

func TestFallbackRunStopsOnCancel(t *testing.T) {
	f := NewFallbackStore(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
