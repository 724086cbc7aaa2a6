package mw

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestIPRateLimiter_LimitsPerIP(t *testing.T) {
	l := NewIPRateLimiter(rate.Limit(1), 1)

	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"), "burst of 1 is spent")
	// A different client has its own bucket.
	assert.True(t, l.Allow("10.0.0.2"))
}

func TestIPRateLimiter_PrunesIdleBucketsInline(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := start

	l := NewIPRateLimiter(rate.Limit(1), 1)
	l.now = func() time.Time { return current }
	l.lastPrune = start

	require.True(t, l.Allow("10.0.0.1"))

	// The next request past the prune interval sweeps the idle bucket.
	current = start.Add(pruneInterval + time.Minute)
	require.True(t, l.Allow("10.0.0.2"))

	l.mu.Lock()
	defer l.mu.Unlock()
	_, staleKept := l.clients["10.0.0.1"]
	assert.False(t, staleKept, "idle bucket must be pruned")
	_, freshKept := l.clients["10.0.0.2"]
	assert.True(t, freshKept)
	assert.Equal(t, current, l.lastPrune)
}
