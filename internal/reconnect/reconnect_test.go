package reconnect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// manualTimer lets tests fire or cancel a scheduled retry deterministically.
type manualTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	active := !t.stopped
	t.stopped = true
	return active
}

func (t *manualTimer) fire() {
	if !t.stopped {
		t.fn()
	}
}

// newManualManager returns a manager whose timers are collected instead of
// armed for real.
func newManualManager(cfg Config) (*Manager, *[]*manualTimer) {
	m := New(cfg)
	var timers []*manualTimer
	m.afterFunc = func(d time.Duration, fn func()) timer {
		mt := &manualTimer{delay: d, fn: fn}
		timers = append(timers, mt)
		return mt
	}
	return m, &timers
}

func TestManager_BackoffSequence(t *testing.T) {
	m, timers := newManualManager(Config{})

	var fired int
	retry := func() { fired++ }

	wantDelays := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, want := range wantDelays {
		require.True(t, m.Schedule(retry), "schedule %d refused", i)
		got := (*timers)[len(*timers)-1]
		assert.Equal(t, want, got.delay, "delay %d", i)
		got.fire()
	}
	assert.Equal(t, len(wantDelays), fired)
	assert.Equal(t, len(wantDelays), m.Attempts())
}

func TestManager_RefusesAfterMaxAttempts(t *testing.T) {
	m, timers := newManualManager(Config{MaxAttempts: 10})

	for i := 0; i < 10; i++ {
		require.True(t, m.Schedule(func() {}))
		(*timers)[len(*timers)-1].fire()
	}
	assert.Equal(t, 10, m.Attempts())

	// Attempt 11 is refused and the counter never exceeds the cap.
	assert.False(t, m.Schedule(func() {}))
	assert.Equal(t, 10, m.Attempts())
}

func TestManager_AttemptCountsOnFireNotSchedule(t *testing.T) {
	m, timers := newManualManager(Config{})

	require.True(t, m.Schedule(func() {}))
	assert.Equal(t, 0, m.Attempts())

	(*timers)[0].fire()
	assert.Equal(t, 1, m.Attempts())
}

func TestManager_ResetZeroesAttemptsAndCancels(t *testing.T) {
	m, timers := newManualManager(Config{})

	require.True(t, m.Schedule(func() {}))
	(*timers)[0].fire()
	require.True(t, m.Schedule(func() { t.Fatal("cancelled retry must not fire") }))

	m.Reset()
	assert.Equal(t, 0, m.Attempts())
	assert.True(t, (*timers)[1].stopped)

	// After reset the schedule starts over at the initial delay.
	require.True(t, m.Schedule(func() {}))
	assert.Equal(t, time.Second, (*timers)[2].delay)
}

func TestManager_CancelPendingKeepsCounter(t *testing.T) {
	m, timers := newManualManager(Config{})

	require.True(t, m.Schedule(func() {}))
	(*timers)[0].fire()
	require.True(t, m.Schedule(func() {}))

	m.CancelPending()
	assert.True(t, (*timers)[1].stopped)
	assert.Equal(t, 1, m.Attempts())

	// The next schedule picks up where the counter left off.
	require.True(t, m.Schedule(func() {}))
	assert.Equal(t, 2*time.Second, (*timers)[2].delay)
}

func TestManager_CustomConfig(t *testing.T) {
	m, timers := newManualManager(Config{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   3,
		MaxAttempts:  3,
	})

	wantDelays := []time.Duration{500 * time.Millisecond, 1500 * time.Millisecond, 2 * time.Second}
	for _, want := range wantDelays {
		require.True(t, m.Schedule(func() {}))
		got := (*timers)[len(*timers)-1]
		assert.Equal(t, want, got.delay)
		got.fire()
	}
	assert.False(t, m.Schedule(func() {}))
}
