// ABOUTME: Tests for the idempotency cache.
// ABOUTME: Validates per-key expiry, lazy eviction, sweep, size bound, and concurrency safety.

package dedupe

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock lets tests move time without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(t *testing.T, maxSize int) (*Cache, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	c := New(Options{MaxSize: maxSize, SweepInterval: time.Hour})
	c.now = clock.Now
	t.Cleanup(c.Close)
	return c, clock
}

func TestCache_Seen_NotMarked(t *testing.T) {
	c, _ := newTestCache(t, 0)
	assert.False(t, c.Seen("t1:never"))
}

func TestCache_MarkThenSeen(t *testing.T) {
	c, _ := newTestCache(t, 0)
	c.Mark("t1:m1", 30*time.Minute)
	assert.True(t, c.Seen("t1:m1"))
	assert.False(t, c.Seen("t2:m1"), "keys are tenant-qualified")
}

func TestCache_ExpiredMarkIsAbsentAndEvicted(t *testing.T) {
	c, clock := newTestCache(t, 0)
	c.Mark("t1:m1", time.Minute)

	clock.Advance(59 * time.Second)
	assert.True(t, c.Seen("t1:m1"))

	clock.Advance(time.Second)
	assert.False(t, c.Seen("t1:m1"))
	assert.Equal(t, 0, c.Len(), "expired mark should be evicted on lookup")
}

func TestCache_PerKeyTTL(t *testing.T) {
	c, clock := newTestCache(t, 0)
	c.Mark("short", time.Minute)
	c.Mark("long", time.Hour)

	clock.Advance(2 * time.Minute)
	assert.False(t, c.Seen("short"))
	assert.True(t, c.Seen("long"))
}

func TestCache_RemarkRefreshesExpiry(t *testing.T) {
	c, clock := newTestCache(t, 0)
	c.Mark("k", time.Minute)
	clock.Advance(50 * time.Second)
	c.Mark("k", time.Minute)
	clock.Advance(50 * time.Second)
	assert.True(t, c.Seen("k"))
}

func TestCache_SweepRemovesExpired(t *testing.T) {
	c, clock := newTestCache(t, 0)
	c.Mark("a", time.Minute)
	c.Mark("b", time.Minute)
	c.Mark("c", time.Hour)

	clock.Advance(2 * time.Minute)
	c.runSweep()

	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Seen("c"))
}

func TestCache_SizeBoundEvictsOldest(t *testing.T) {
	c, _ := newTestCache(t, 3)
	c.Mark("first", time.Hour)
	c.Mark("second", time.Hour)
	c.Mark("third", time.Hour)
	c.Mark("fourth", time.Hour)

	assert.False(t, c.Seen("first"), "oldest key should be evicted")
	assert.True(t, c.Seen("second"))
	assert.True(t, c.Seen("third"))
	assert.True(t, c.Seen("fourth"))
}

func TestCache_CheckAndMark(t *testing.T) {
	c, clock := newTestCache(t, 0)

	assert.False(t, c.CheckAndMark("t1:m1", time.Minute), "first delivery is new")
	assert.True(t, c.CheckAndMark("t1:m1", time.Minute), "redelivery is a duplicate")

	clock.Advance(time.Minute)
	assert.False(t, c.CheckAndMark("t1:m1", time.Minute), "after expiry the key is new again")
}

func TestCache_CheckAndMark_Atomic(t *testing.T) {
	c, _ := newTestCache(t, 0)

	const goroutines = 100
	var winners int32
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			if !c.CheckAndMark("contested", time.Minute) {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners, "exactly one goroutine should win")
}

func TestCache_Close(t *testing.T) {
	c := New(Options{})
	c.Mark("k", time.Minute)
	c.Close()
	c.Close()
}
