package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signage-core/internal/core/storage"
)

type fakeNow struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeNow) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeNow) advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newTestStorage(t *testing.T) (*Storage, *fakeNow) {
	s := New(context.Background())
	clock := &fakeNow{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	s.SetNowFunc(clock.now)
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

func TestStorage_SetGetExpire(t *testing.T) {
	s, clock := newTestStorage(t)

	require.NoError(t, s.Set("signage:pairing:code:ABC123", `{"code":"ABC123"}`, 5*time.Minute))
	v, err := s.Get("signage:pairing:code:ABC123")
	require.NoError(t, err)
	assert.Equal(t, `{"code":"ABC123"}`, v)

	ttl, err := s.GetExpiration("signage:pairing:code:ABC123")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, ttl)

	// 到期边界即视为过期
	clock.advance(5 * time.Minute)
	_, err = s.Get("signage:pairing:code:ABC123")
	assert.ErrorIs(t, err, storage.ErrKeyNotFound)
}

func TestStorage_Keys(t *testing.T) {
	s, clock := newTestStorage(t)

	require.NoError(t, s.Set("signage:pairing:code:AAA", "1", 0))
	require.NoError(t, s.Set("signage:pairing:code:BBB", "2", time.Second))
	require.NoError(t, s.Set("signage:pairing:device:d1", "AAA", 0))

	keys, err := s.Keys("signage:pairing:code:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"signage:pairing:code:AAA", "signage:pairing:code:BBB"}, keys)

	clock.advance(2 * time.Second)
	keys, err = s.Keys("signage:pairing:code:")
	require.NoError(t, err)
	assert.Equal(t, []string{"signage:pairing:code:AAA"}, keys)
	assert.Equal(t, 1, s.CleanupExpired())
}

func TestStorage_SetNXAndCAS(t *testing.T) {
	s, _ := newTestStorage(t)

	ok, err := s.SetNX("k", "pending", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetNX("k", "other", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CompareAndSwap("k", "stale", "paired", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CompareAndSwap("k", "pending", "paired", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	v, _ := s.Get("k")
	assert.Equal(t, "paired", v)
}

func TestStorage_CASConcurrent(t *testing.T) {
	s, _ := newTestStorage(t)
	require.NoError(t, s.Set("k", "pending", 0))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.CompareAndSwap("k", "pending", "paired", 0)
			if err == nil && ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestStorage_HashAndCounter(t *testing.T) {
	s, _ := newTestStorage(t)

	require.NoError(t, s.SetHash("signage:security:banned", "10.0.0.1", "1700000000"))
	require.NoError(t, s.SetHash("signage:security:banned", "10.0.0.2", "1700000001"))

	v, err := s.GetHash("signage:security:banned", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "1700000000", v)

	require.NoError(t, s.DeleteHash("signage:security:banned", "10.0.0.1"))
	all, err := s.GetAllHash("signage:security:banned")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"10.0.0.2": "1700000001"}, all)

	n, err := s.Incr("attempts")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = s.IncrBy("attempts", 4)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestStorage_Closed(t *testing.T) {
	s := New(context.Background())
	require.NoError(t, s.Close())

	err := s.Set("k", "v", 0)
	assert.ErrorIs(t, err, storage.ErrClosed)
}
