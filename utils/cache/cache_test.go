package cache

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bluele/gcache"
	"github.com/harwoeck/liblog/contract"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, threshold time.Duration, evicted EvictedFunc) (*Cache, gcache.FakeClock) {
	clock := gcache.NewFakeClock()
	c, err := New(&Config{
		EvictionThreshold: threshold,
		Clock:             clock,
	}, evicted, contract.MustNewStd())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, clock
}

func TestPutGet(t *testing.T) {
	c, _ := newTestCache(t, time.Hour, nil)

	c.Put("session", "http session 1")
	c.Put(42, []byte("token"))

	lease, err := c.Get("session")
	require.NoError(t, err)
	defer lease.Release()
	assert.Equal(t, "session", lease.Key())
	assert.Equal(t, "http session 1", lease.Object())

	lease2, err := c.Get(42)
	require.NoError(t, err)
	defer lease2.Release()
	assert.Equal(t, []byte("token"), lease2.Object())
}

func TestGetNotFound(t *testing.T) {
	c, _ := newTestCache(t, time.Hour, nil)

	lease, err := c.Get("missing")
	assert.Nil(t, lease)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "missing")

	err = c.Do("missing", func(_ interface{}) error {
		t.Fatal("fn must not be called for missing keys")
		return nil
	})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestPurge(t *testing.T) {
	c, _ := newTestCache(t, time.Hour, nil)

	c.Put("a", "A")
	object, err := c.Purge("a")
	require.NoError(t, err)
	assert.Equal(t, "A", object)
	assert.False(t, c.Contains("a"))

	_, err = c.Purge("a")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = c.Get("a")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestPutOverwrites(t *testing.T) {
	c, _ := newTestCache(t, time.Hour, nil)

	c.Put("a", "first")
	old, err := c.Get("a")
	require.NoError(t, err)

	c.Put("a", "second")
	assert.Equal(t, 1, c.Len())

	lease, err := c.Get("a")
	require.NoError(t, err)
	defer lease.Release()
	assert.Equal(t, "second", lease.Object())

	// the old lease still works, but belongs to the dropped item
	assert.Equal(t, "first", old.Object())
	old.Release()
}

func TestContainsDoesNotTouch(t *testing.T) {
	c, clock := newTestCache(t, time.Hour, nil)

	c.Put("a", "A")
	clock.Advance(59 * time.Minute)
	assert.True(t, c.Contains("a"))
	assert.False(t, c.Contains("b"))

	clock.Advance(1 * time.Minute)
	assert.Equal(t, []interface{}{"A"}, c.Evict())
	assert.False(t, c.Contains("a"))
}

func TestEvictScenario(t *testing.T) {
	c, clock := newTestCache(t, time.Hour, nil)

	c.Put("A", "object A")

	clock.Advance(30 * time.Minute)
	assert.Empty(t, c.Evict())
	assert.True(t, c.Contains("A"))

	clock.Advance(31 * time.Minute)
	assert.Equal(t, []interface{}{"object A"}, c.Evict())
	assert.False(t, c.Contains("A"))

	// nothing left to evict
	assert.Empty(t, c.Evict())
}

func TestEvictBelowThreshold(t *testing.T) {
	c, clock := newTestCache(t, time.Hour, nil)

	c.Put("a", "A")
	clock.Advance(time.Hour - time.Nanosecond)
	assert.Empty(t, c.Evict())
	assert.True(t, c.Contains("a"))
}

func TestEvictAtThreshold(t *testing.T) {
	c, clock := newTestCache(t, time.Hour, nil)

	c.Put("a", "A")
	clock.Advance(time.Hour)
	assert.Equal(t, []interface{}{"A"}, c.Evict())
}

func TestEvictKeepsBusyItems(t *testing.T) {
	c, clock := newTestCache(t, time.Hour, nil)

	c.Put("busy", "in use")
	c.Put("idle", "unused")

	lease, err := c.Get("busy")
	require.NoError(t, err)

	clock.Advance(10 * time.Hour)
	assert.Equal(t, []interface{}{"unused"}, c.Evict())
	assert.True(t, c.Contains("busy"))

	// once released the item is evictable again
	lease.Release()
	assert.Equal(t, []interface{}{"in use"}, c.Evict())
	assert.Empty(t, c.Evict())
}

func TestLeaseReleaseIsIdempotent(t *testing.T) {
	c, clock := newTestCache(t, time.Hour, nil)

	c.Put("a", "A")
	l1, err := c.Get("a")
	require.NoError(t, err)
	l2, err := c.Get("a")
	require.NoError(t, err)

	l1.Release()
	l1.Release()

	clock.Advance(2 * time.Hour)
	assert.Empty(t, c.Evict(), "second lease must keep the item busy")

	l2.Release()
	assert.Len(t, c.Evict(), 1)
}

func TestGetTouchesItem(t *testing.T) {
	c, clock := newTestCache(t, time.Hour, nil)

	c.Put("a", "A")
	clock.Advance(50 * time.Minute)
	require.NoError(t, c.Do("a", func(_ interface{}) error { return nil }))

	clock.Advance(50 * time.Minute)
	assert.Empty(t, c.Evict())

	clock.Advance(10 * time.Minute)
	assert.Len(t, c.Evict(), 1)
}

func TestGetSweepsInventory(t *testing.T) {
	evicted := make(chan interface{}, 2)
	c, clock := newTestCache(t, time.Hour, func(key interface{}, object interface{}) {
		evicted <- key
	})

	c.Put("old", "old session")
	clock.Advance(2 * time.Hour)
	c.Put("new", "new session")

	lease, err := c.Get("new")
	require.NoError(t, err)
	defer lease.Release()

	assert.False(t, c.Contains("old"))
	assert.True(t, c.Contains("new"))

	select {
	case key := <-evicted:
		assert.Equal(t, "old", key)
	case <-time.After(time.Second):
		t.Fatal("evicted callback wasn't called")
	}
}

func TestDoReleasesLease(t *testing.T) {
	c, clock := newTestCache(t, time.Hour, nil)
	c.Put("a", "A")

	fnErr := fmt.Errorf("download failed")
	err := c.Do("a", func(object interface{}) error {
		assert.Equal(t, "A", object)
		return fnErr
	})
	assert.Equal(t, fnErr, err)

	assert.Panics(t, func() {
		_ = c.Do("a", func(_ interface{}) error {
			panic("boom")
		})
	})

	clock.Advance(time.Hour)
	assert.Equal(t, []interface{}{"A"}, c.Evict())
}

func TestStats(t *testing.T) {
	c, _ := newTestCache(t, time.Hour, nil)

	c.Put("a", "A")
	lease, err := c.Get("a")
	require.NoError(t, err)
	lease.Release()
	_, err = c.Get("b")
	require.Error(t, err)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 0.5, stats.HitRate)
}

func TestNewConfig(t *testing.T) {
	c, err := New(nil, nil, contract.MustNewStd())
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, DefaultEvictionThreshold, c.EvictionThreshold())

	_, err = New(&Config{EvictionThreshold: -time.Second}, nil, contract.MustNewStd())
	assert.Error(t, err)

	_, err = New(&Config{ReapInterval: -time.Second}, nil, contract.MustNewStd())
	assert.Error(t, err)

	_, err = New(&Config{
		ReapInterval:    time.Minute,
		MaxReapInterval: time.Second,
	}, nil, contract.MustNewStd())
	assert.Error(t, err)
}

func TestReaper(t *testing.T) {
	evicted := make(chan interface{}, 1)
	clock := gcache.NewFakeClock()
	c, err := New(&Config{
		EvictionThreshold: time.Hour,
		ReapInterval:      10 * time.Millisecond,
		MaxReapInterval:   50 * time.Millisecond,
		Clock:             clock,
	}, func(key interface{}, _ interface{}) {
		evicted <- key
	}, contract.MustNewStd())
	require.NoError(t, err)
	defer c.Close()

	c.Put("a", "A")
	clock.Advance(2 * time.Hour)

	select {
	case key := <-evicted:
		assert.Equal(t, "a", key)
	case <-time.After(2 * time.Second):
		t.Fatal("reaper didn't evict the idle item")
	}
	assert.False(t, c.Contains("a"))

	// Close is idempotent
	c.Close()
	c.Close()
}

func TestConcurrentAccess(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			key := i % 4
			for j := 0; j < 100; j++ {
				c.Put(key, j)
				_ = c.Do(key, func(_ interface{}) error {
					clock.Advance(time.Second)
					return nil
				})
				c.Evict()
			}
		}(i)
	}
	wg.Wait()

	clock.Advance(time.Hour)
	c.Evict()
	assert.Equal(t, 0, c.Len())
}

func TestCloseEvictsUnusedItems(t *testing.T) {
	var mu sync.Mutex
	closed := map[interface{}]interface{}{}
	c, err := New(&Config{
		EvictionThreshold: time.Hour,
		Clock:             gcache.NewFakeClock(),
	}, func(key interface{}, object interface{}) {
		mu.Lock()
		defer mu.Unlock()
		closed[key] = object
	}, contract.MustNewStd())
	require.NoError(t, err)

	c.Put("idle", "idle session")
	c.Put("busy", "busy session")
	lease, err := c.Get("busy")
	require.NoError(t, err)

	c.Close()

	mu.Lock()
	assert.Equal(t, map[interface{}]interface{}{"idle": "idle session"}, closed)
	mu.Unlock()
	assert.False(t, c.Contains("idle"))
	assert.True(t, c.Contains("busy"))

	lease.Release()
	c.Close()
	assert.True(t, c.Contains("busy"), "second Close must be a no-op")
}
