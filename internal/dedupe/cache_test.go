// ABOUTME: Tests for the payload dedupe cache and key builder.
// ABOUTME: Validates TTL expiry, size-bounded eviction order, sweeping, and concurrency safety.

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(ttl time.Duration, maxSize int) (*Cache, *manualClock) {
	clock := &manualClock{now: time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)}
	return newCache(ttl, maxSize, clock.Now), clock
}

func TestCache_CheckAndMark(t *testing.T) {
	cache, clock := newTestCache(time.Minute, 100)

	assert.False(t, cache.CheckAndMark("k"), "first sighting is new")
	assert.True(t, cache.CheckAndMark("k"), "second sighting is a duplicate")
	assert.True(t, cache.Check("k"))
	assert.False(t, cache.Check("other"))

	clock.Advance(time.Minute)
	assert.False(t, cache.Check("k"), "expired at ttl")
	assert.False(t, cache.CheckAndMark("k"), "expired key is new again")
	assert.True(t, cache.Check("k"))
}

func TestCache_Mark_RefreshesTimestamp(t *testing.T) {
	cache, clock := newTestCache(50*time.Millisecond, 100)

	cache.Mark("refresh-key")
	clock.Advance(30 * time.Millisecond)
	cache.Mark("refresh-key")
	clock.Advance(30 * time.Millisecond)

	assert.True(t, cache.Check("refresh-key"))
}

func TestCache_EvictionOrder(t *testing.T) {
	cache, _ := newTestCache(5*time.Minute, 3)

	cache.Mark("first")
	cache.Mark("second")
	cache.Mark("third")
	cache.Mark("fourth")

	assert.False(t, cache.Check("first"), "oldest key should be evicted")
	assert.True(t, cache.Check("second"))
	assert.True(t, cache.Check("fourth"))

	// Re-marking moves a key to the back.
	cache.Mark("second")
	cache.Mark("fifth")
	assert.False(t, cache.Check("third"))
	assert.True(t, cache.Check("second"))
	assert.Equal(t, 3, cache.Len())
}

func TestCache_SweepRemovesExpired(t *testing.T) {
	cache, clock := newTestCache(10*time.Millisecond, 100)

	cache.Mark("a")
	cache.Mark("b")
	clock.Advance(20 * time.Millisecond)
	cache.Mark("c")

	cache.sweep()

	assert.Equal(t, 1, cache.Len())
	assert.True(t, cache.Check("c"))
}

func TestCache_MinimumSize(t *testing.T) {
	cache, _ := newTestCache(time.Minute, 0)

	cache.Mark("a")
	cache.Mark("b")
	assert.Equal(t, 1, cache.Len())
	assert.True(t, cache.Check("b"))
}

func TestCache_CheckAndMark_Atomic(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	const numGoroutines = 100
	var winners atomic.Int32
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for range numGoroutines {
		go func() {
			defer wg.Done()
			if !cache.CheckAndMark("contested-key") {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load(),
		"exactly one goroutine should win the race for CheckAndMark")
}

func TestCache_Concurrent(t *testing.T) {
	cache := New(5*time.Minute, 50)
	defer cache.Close()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := range 200 {
				key := fmt.Sprintf("key-%d-%d", id, j%10)
				cache.Mark(key)
				cache.Check(key)
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, cache.Len(), 50)
	cache.Mark("final-key")
	assert.True(t, cache.Check("final-key"))
}

func TestCache_Close(t *testing.T) {
	cache := New(5*time.Minute, 100)
	cache.Close()
	cache.Close()
}

func TestCleanupInterval(t *testing.T) {
	assert.Equal(t, 10*time.Second, cleanupInterval(10*time.Second))
	assert.Equal(t, time.Minute, cleanupInterval(time.Hour))
	assert.Equal(t, time.Minute, cleanupInterval(0))
}

func TestPayloadKey(t *testing.T) {
	k1 := PayloadKey("T1", "scan_100Hz_1.txt", []byte("1,2,3"))
	require.NotEmpty(t, k1)

	assert.Equal(t, k1, PayloadKey("T1", "scan_100Hz_1.txt", []byte("1,2,3")))
	assert.NotEqual(t, k1, PayloadKey("T2", "scan_100Hz_1.txt", []byte("1,2,3")), "tenant scoped")
	assert.NotEqual(t, k1, PayloadKey("T1", "scan_100Hz_2.txt", []byte("1,2,3")), "file scoped")
	assert.NotEqual(t, k1, PayloadKey("T1", "scan_100Hz_1.txt", []byte("1,2,4")), "content scoped")
}
