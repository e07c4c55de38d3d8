package counter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_IncrCreatesWindow(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	n, err := s.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	count, expiry, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	assert.WithinDuration(t, time.Now().Add(time.Minute), expiry, 2*time.Second)
}

func TestMemoryStore_GetMissingKey(t *testing.T) {
	s := NewMemoryStore()

	count, expiry, err := s.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.True(t, expiry.IsZero())
}

func TestMemoryStore_ExpiryResetsCount(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }

	_, err := s.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)
	_, err = s.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)

	// Jump past the window: the key reads as absent and the next
	// increment starts a fresh window.
	s.now = func() time.Time { return base.Add(2 * time.Minute) }

	count, _, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Zero(t, count)

	n, err := s.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemoryStore_TTLAnchoredAtFirstIncrement(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }

	_, err := s.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)

	// Later increments must not extend the window.
	s.now = func() time.Time { return base.Add(30 * time.Second) }
	_, err = s.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)

	_, expiry, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, base.Add(time.Minute), expiry)
}

func TestMemoryStore_SweepDropsExpiredEntries(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }

	for _, k := range []string{"a", "b", "c"} {
		_, err := s.Incr(ctx, k, time.Minute)
		require.NoError(t, err)
	}

	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, err := s.Incr(ctx, "fresh", time.Minute)
	require.NoError(t, err)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Len(t, s.entries, 1)
}

func TestMemoryStore_ConcurrentIncrements(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	const goroutines = 50
	const perGoroutine = 20

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				_, _ = s.Incr(ctx, "shared", time.Minute)
			}
		}()
	}
	wg.Wait()

	count, _, err := s.Get(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, int64(goroutines*perGoroutine), count)
}
