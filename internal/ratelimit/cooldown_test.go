package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock is a manually advanced clock for cooldown tests.
type fakeClock struct {
	t time.Time
}

func (f *fakeClock) Now() time.Time {
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.t = f.t.Add(d)
}

func newTestCache() (*CooldownCache, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	return NewWithClock(clock.Now), clock
}

func TestCooldownCache_MarkAndExpiry(t *testing.T) {
	cache, clock := newTestCache()

	cache.Mark("ext-1", 60)
	assert.True(t, cache.IsLimited("ext-1"))
	assert.Equal(t, 60, cache.SecondsRemaining("ext-1"))

	clock.Advance(61 * time.Second)
	assert.False(t, cache.IsLimited("ext-1"))
	assert.Equal(t, 0, cache.SecondsRemaining("ext-1"))

	// The expired entry must have been evicted, not just hidden.
	cache.mu.Lock()
	_, stillThere := cache.entries["ext-1"]
	cache.mu.Unlock()
	assert.False(t, stillThere)
}

func TestCooldownCache_DefaultCooldown(t *testing.T) {
	cache, _ := newTestCache()

	cache.Mark("ext-2", 0)
	assert.True(t, cache.IsLimited("ext-2"))
	assert.Equal(t, DefaultCooldownSeconds, cache.SecondsRemaining("ext-2"))
}

func TestCooldownCache_MarkOverwrites(t *testing.T) {
	cache, clock := newTestCache()

	cache.Mark("ext-3", 60)
	clock.Advance(30 * time.Second)
	cache.Mark("ext-3", 300)
	assert.Equal(t, 300, cache.SecondsRemaining("ext-3"))
}

func TestCooldownCache_SecondsRemainingRoundsUp(t *testing.T) {
	cache, clock := newTestCache()

	cache.Mark("ext-4", 10)
	clock.Advance(9500 * time.Millisecond)
	assert.Equal(t, 1, cache.SecondsRemaining("ext-4"))
}

func TestCooldownCache_ClearAndClearAll(t *testing.T) {
	cache, _ := newTestCache()

	cache.Mark("a", 60)
	cache.Mark("b", 60)

	cache.Clear("a")
	assert.False(t, cache.IsLimited("a"))
	assert.True(t, cache.IsLimited("b"))

	cache.ClearAll()
	assert.False(t, cache.IsLimited("b"))
}

func TestCooldownCache_UnknownID(t *testing.T) {
	cache, _ := newTestCache()
	assert.False(t, cache.IsLimited("never-seen"))
	assert.Equal(t, 0, cache.SecondsRemaining("never-seen"))
}
