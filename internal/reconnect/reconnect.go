// Package reconnect provides the backoff scheduler for a single logical
// connection. It owns no I/O, only timing and attempt counting.
package reconnect

import (
	"math"
	"sync"
	"time"
)

// Config defines the backoff schedule. Zero values fall back to the
// defaults: 1s initial delay, x2 multiplier, 30s cap, 10 attempts.
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int
}

func (c Config) withDefaults() Config {
	if c.InitialDelay <= 0 {
		c.InitialDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Multiplier <= 1 {
		c.Multiplier = 2
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	return c
}

// timer is the subset of *time.Timer the manager needs; tests substitute
// their own implementation through the afterFunc seam.
type timer interface {
	Stop() bool
}

// Manager schedules retries for one connection with exponential backoff.
// The attempt counter advances when a scheduled retry actually fires, not
// when it is armed, so a cancelled retry does not burn an attempt.
type Manager struct {
	cfg       Config
	afterFunc func(time.Duration, func()) timer

	mu       sync.Mutex
	attempts int
	pending  timer
}

// New creates a manager with the given config.
func New(cfg Config) *Manager {
	return &Manager{
		cfg: cfg.withDefaults(),
		afterFunc: func(d time.Duration, fn func()) timer {
			return time.AfterFunc(d, fn)
		},
	}
}

// Schedule arms a one-shot retry calling fn after the current backoff
// delay. It returns false without scheduling anything once MaxAttempts
// retries have fired; the caller must then surface a terminal error state.
// A previously armed retry is replaced.
func (m *Manager) Schedule(fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.attempts >= m.cfg.MaxAttempts {
		return false
	}
	if m.pending != nil {
		m.pending.Stop()
	}

	delay := m.delayLocked()
	m.pending = m.afterFunc(delay, func() {
		m.mu.Lock()
		m.attempts++
		m.pending = nil
		m.mu.Unlock()
		fn()
	})
	return true
}

// delayLocked computes min(initial * multiplier^attempts, max).
func (m *Manager) delayLocked() time.Duration {
	d := float64(m.cfg.InitialDelay) * math.Pow(m.cfg.Multiplier, float64(m.attempts))
	if d > float64(m.cfg.MaxDelay) {
		return m.cfg.MaxDelay
	}
	return time.Duration(d)
}

// Reset clears any pending retry and zeroes the attempt counter. Called
// exactly once per successful (re)connection.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
	m.attempts = 0
}

// CancelPending clears any armed retry without touching the counter.
// Called on teardown.
func (m *Manager) CancelPending() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
}

// Attempts reports how many scheduled retries have fired since the last
// Reset.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}
