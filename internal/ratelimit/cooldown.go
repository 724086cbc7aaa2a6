// Package ratelimit implements the local cooldown gate consulted before
// every on-demand poll against the rate-limited upstream provider.
package ratelimit

import (
	"sync"
	"time"
)

// DefaultCooldownSeconds is applied when Mark is called without a usable
// retry-after hint.
const DefaultCooldownSeconds = 300

// CooldownCache maps external provider ids to cooldown expiry times. It is
// purely advisory and in-memory: a restart clears it, which is fine because
// the upstream limit resets server-side anyway. Entries are evicted lazily
// on read; the cardinality is too low to warrant a background sweep.
type CooldownCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// New creates a cooldown cache running on the wall clock.
func New() *CooldownCache {
	return NewWithClock(time.Now)
}

// NewWithClock creates a cooldown cache with an injected clock.
func NewWithClock(now func() time.Time) *CooldownCache {
	return &CooldownCache{
		entries: make(map[string]time.Time),
		now:     now,
	}
}

// IsLimited reports whether the id is still cooling down. An expired entry
// is deleted on the way out.
func (c *CooldownCache) IsLimited(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry, ok := c.entries[id]
	if !ok {
		return false
	}
	if !c.now().Before(expiry) {
		delete(c.entries, id)
		return false
	}
	return true
}

// Mark starts (or restarts) a cooldown for the id. A non-positive
// cooldownSeconds falls back to DefaultCooldownSeconds.
func (c *CooldownCache) Mark(id string, cooldownSeconds int) {
	if cooldownSeconds <= 0 {
		cooldownSeconds = DefaultCooldownSeconds
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = c.now().Add(time.Duration(cooldownSeconds) * time.Second)
}

// SecondsRemaining reports how long the id keeps cooling down, rounded up.
// Returns 0 for unknown or expired ids.
func (c *CooldownCache) SecondsRemaining(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry, ok := c.entries[id]
	if !ok {
		return 0
	}
	remaining := expiry.Sub(c.now())
	if remaining <= 0 {
		delete(c.entries, id)
		return 0
	}
	secs := int((remaining + time.Second - 1) / time.Second)
	return secs
}

// Clear drops the cooldown for one id.
func (c *CooldownCache) Clear(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// ClearAll drops every cooldown.
func (c *CooldownCache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]time.Time)
}
