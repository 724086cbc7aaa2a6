package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"charge-status-backend/internal/live"
	"charge-status-backend/internal/model"
	"charge-status-backend/internal/poll"
	"charge-status-backend/internal/ratelimit"
)

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func snapAt(stationID string, observed time.Time) model.StationSnapshot {
	return model.StationSnapshot{
		StationID:     stationID,
		OverallStatus: model.PortAvailable,
		Situation:     model.SituationOperational,
		ObservedAt:    observed,
		Source:        model.SourceBackgroundScraper,
	}
}

// fakeCache serves canned snapshots and metadata and counts reads.
type fakeCache struct {
	mu        sync.Mutex
	snapshots map[string]*model.StationSnapshot
	stations  map[string]*model.Station
	snapReads int
}

func (f *fakeCache) LatestSnapshot(ctx context.Context, stationID string) (*model.StationSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapReads++
	return f.snapshots[stationID], nil
}

func (f *fakeCache) Metadata(ctx context.Context, stationID string) (*model.Station, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stations[stationID], nil
}

func (f *fakeCache) reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapReads
}

// fakePoller replays scripted responses in order, repeating the last one.
type fakePoller struct {
	mu      sync.Mutex
	results []*poll.Result
	errs    []error
	calls   int
}

func (f *fakePoller) push(r *poll.Result, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, r)
	f.errs = append(f.errs, err)
}

func (f *fakePoller) Poll(ctx context.Context, externalID string) (*poll.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	f.calls++
	if idx < 0 {
		return nil, errors.New("no scripted poll response")
	}
	return f.results[idx], f.errs[idx]
}

func (f *fakePoller) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeChannel records lifecycle calls and exposes the engine's callbacks.
type fakeChannel struct {
	stationID  string
	opened     bool
	closed     bool
	onSnapshot func(model.StationSnapshot)
	onState    func(live.State)
}

func (c *fakeChannel) Open()  { c.opened = true }
func (c *fakeChannel) Close() { c.closed = true }

// fakeTimer mirrors the manual timers used across the codebase's tests.
type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	active := !t.stopped
	t.stopped = true
	return active
}

func (t *fakeTimer) fire() {
	if !t.stopped {
		t.fn()
	}
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

// harness wires an engine with every collaborator faked out.
type harness struct {
	engine   *Engine
	cache    *fakeCache
	poller   *fakePoller
	clock    *fakeClock
	cooldown *ratelimit.CooldownCache

	mu       sync.Mutex
	channels []*fakeChannel
	timers   []*fakeTimer
	emitted  []Status
}

func newTestEngine(cfg Config) *harness {
	h := &harness{
		cache: &fakeCache{
			snapshots: make(map[string]*model.StationSnapshot),
			stations:  make(map[string]*model.Station),
		},
		poller: &fakePoller{},
		clock:  &fakeClock{t: baseTime},
	}
	h.cooldown = ratelimit.NewWithClock(h.clock.Now)

	factory := func(stationID string, onSnapshot func(model.StationSnapshot), onState func(live.State)) Channel {
		ch := &fakeChannel{stationID: stationID, onSnapshot: onSnapshot, onState: onState}
		h.mu.Lock()
		h.channels = append(h.channels, ch)
		h.mu.Unlock()
		return ch
	}
	observer := func(s Status) {
		h.mu.Lock()
		h.emitted = append(h.emitted, s)
		h.mu.Unlock()
	}

	h.engine = New(cfg, h.cache, h.poller, factory, h.cooldown, observer)
	h.engine.clock = h.clock.Now
	h.engine.afterFunc = func(d time.Duration, fn func()) stoppable {
		t := &fakeTimer{delay: d, fn: fn}
		h.mu.Lock()
		h.timers = append(h.timers, t)
		h.mu.Unlock()
		return t
	}
	return h
}

func (h *harness) lastChannel() *fakeChannel {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.channels) == 0 {
		return nil
	}
	return h.channels[len(h.channels)-1]
}

// timerWithDelay returns the most recent live timer armed for d.
func (h *harness) timerWithDelay(d time.Duration) *fakeTimer {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.timers) - 1; i >= 0; i-- {
		if h.timers[i].delay == d && !h.timers[i].stopped {
			return h.timers[i]
		}
	}
	return nil
}

func (h *harness) station(id, externalID string, snap *model.StationSnapshot) {
	h.cache.mu.Lock()
	defer h.cache.mu.Unlock()
	if externalID != "" {
		h.cache.stations[id] = &model.Station{ID: id, ExternalID: externalID}
	}
	h.cache.snapshots[id] = snap
}

func TestEngine_MonotonicAcceptance(t *testing.T) {
	h := newTestEngine(Config{})
	cached := snapAt("st-1", baseTime.Add(-time.Minute))
	h.station("st-1", "ext-1", &cached)
	polled := snapAt("st-1", baseTime.Add(-30*time.Second))
	h.poller.push(&poll.Result{Snapshot: polled}, nil)

	h.engine.Select(context.Background(), "st-1")

	status := h.engine.Current()
	require.NotNil(t, status.Data)
	assert.True(t, status.Data.ObservedAt.Equal(polled.ObservedAt))

	ch := h.lastChannel()
	require.NotNil(t, ch)
	require.True(t, ch.opened)

	// A newer live update advances the watermark.
	newest := snapAt("st-1", baseTime.Add(10*time.Second))
	ch.onSnapshot(newest)
	assert.True(t, h.engine.Current().Data.ObservedAt.Equal(newest.ObservedAt))

	// An older message arriving late is a no-op.
	straggler := snapAt("st-1", baseTime.Add(-10*time.Second))
	ch.onSnapshot(straggler)
	assert.True(t, h.engine.Current().Data.ObservedAt.Equal(newest.ObservedAt))

	// Equal timestamps are rejected too: acceptance is strict.
	ch.onSnapshot(newest)
	assert.True(t, h.engine.Current().Data.ObservedAt.Equal(newest.ObservedAt))
}

func TestEngine_SelectionReset(t *testing.T) {
	h := newTestEngine(Config{})
	snapA := snapAt("st-a", baseTime.Add(-time.Minute))
	h.station("st-a", "ext-a", &snapA)
	h.station("st-b", "ext-b", nil)
	h.poller.push(&poll.Result{Snapshot: snapA}, nil)

	h.engine.Select(context.Background(), "st-a")
	firstChannel := h.lastChannel()
	require.NotNil(t, h.engine.Current().Data)

	snapB := snapAt("st-b", baseTime)
	h.poller.push(&poll.Result{Snapshot: snapB}, nil)
	h.engine.Select(context.Background(), "st-b")

	assert.True(t, firstChannel.closed, "previous channel must be torn down")

	h.engine.mu.Lock()
	assert.Equal(t, "st-b", h.engine.stationID)
	assert.False(t, h.engine.refreshInFlight)
	h.engine.mu.Unlock()

	status := h.engine.Current()
	require.NotNil(t, status.Data)
	assert.Equal(t, "st-b", status.Data.StationID)
	assert.False(t, status.IsRateLimited)
}

func TestEngine_SelectionResetClearsWatermark(t *testing.T) {
	h := newTestEngine(Config{})
	newest := snapAt("st-a", baseTime)
	h.station("st-a", "ext-a", &newest)
	h.poller.push(nil, &poll.UpstreamError{Message: "down"})
	h.engine.Select(context.Background(), "st-a")
	require.NotNil(t, h.engine.Current().Data)

	// Re-selecting the same station resets the watermark to zero, so the
	// same cached snapshot is accepted again from scratch.
	h.engine.Select(context.Background(), "st-a")
	status := h.engine.Current()
	require.NotNil(t, status.Data)
	assert.True(t, status.Data.ObservedAt.Equal(newest.ObservedAt))
}

func TestEngine_TTLBoundary(t *testing.T) {
	ttl := 15 * time.Minute
	h := newTestEngine(Config{FreshTTL: ttl})

	// Observed exactly at now-TTL: not stale.
	exact := snapAt("st-1", baseTime.Add(-ttl))
	h.station("st-1", "ext-1", &exact)
	h.poller.push(nil, &poll.UpstreamError{Message: "unreachable"})
	h.engine.Select(context.Background(), "st-1")

	status := h.engine.Current()
	assert.Equal(t, StateReady, status.State)
	assert.False(t, status.IsStale)

	// One millisecond older crosses the boundary.
	older := snapAt("st-2", baseTime.Add(-ttl).Add(-time.Millisecond))
	h.station("st-2", "ext-2", &older)
	h.engine.Select(context.Background(), "st-2")

	status = h.engine.Current()
	assert.Equal(t, StateReady, status.State)
	assert.True(t, status.IsStale)
}

func TestEngine_RateLimitedFallsBackToCache(t *testing.T) {
	h := newTestEngine(Config{})
	stale := snapAt("st-1", baseTime.Add(-time.Hour))
	h.station("st-1", "ext-1", &stale)
	h.poller.push(nil, &poll.RateLimitedError{RetryAfterSeconds: 120})

	h.engine.Select(context.Background(), "st-1")

	status := h.engine.Current()
	assert.Equal(t, StateReady, status.State)
	require.NotNil(t, status.Data)
	assert.True(t, status.IsStale)
	assert.True(t, status.IsRateLimited)
	assert.Equal(t, 120, status.NextPollRetrySeconds)
	assert.True(t, h.cooldown.IsLimited("ext-1"))
}

func TestEngine_CooldownSkipsNetworkCall(t *testing.T) {
	h := newTestEngine(Config{})
	cached := snapAt("st-1", baseTime.Add(-time.Minute))
	h.station("st-1", "ext-1", &cached)
	h.cooldown.Mark("ext-1", 60)

	h.engine.Select(context.Background(), "st-1")

	assert.Equal(t, 0, h.poller.callCount(), "poll must be skipped while cooling down")
	status := h.engine.Current()
	assert.Equal(t, StateReady, status.State)
	assert.True(t, status.IsRateLimited)
	assert.Equal(t, 60, status.NextPollRetrySeconds)
}

func TestEngine_RateLimitedWithoutCache(t *testing.T) {
	h := newTestEngine(Config{})
	h.station("st-1", "ext-1", nil)
	h.poller.push(nil, &poll.RateLimitedError{RetryAfterSeconds: 90})

	h.engine.Select(context.Background(), "st-1")

	status := h.engine.Current()
	assert.Equal(t, StateError, status.State)
	assert.Nil(t, status.Data)
	assert.True(t, status.IsRateLimited)
	assert.Equal(t, 90, status.NextPollRetrySeconds)
	// Non-fatal: the periodic re-poll stays armed so the engine recovers
	// once the cooldown lapses.
	assert.NotNil(t, h.timerWithDelay(time.Minute))
}

func TestEngine_PollErrorWithoutCacheIsTerminal(t *testing.T) {
	h := newTestEngine(Config{})
	h.station("st-1", "ext-1", nil)
	h.poller.push(nil, &poll.UpstreamError{Message: "backend exploded"})

	h.engine.Select(context.Background(), "st-1")

	status := h.engine.Current()
	assert.Equal(t, StateError, status.State)
	require.Error(t, status.Err)
	assert.Contains(t, status.Err.Error(), "backend exploded")
	assert.Nil(t, h.lastChannel(), "no live channel for a terminal selection")
	assert.Nil(t, h.timerWithDelay(time.Minute))
}

func TestEngine_NotFound(t *testing.T) {
	h := newTestEngine(Config{})
	// No cache entry and no metadata at all.
	h.engine.Select(context.Background(), "st-unknown")

	status := h.engine.Current()
	assert.Equal(t, StateError, status.State)
	assert.ErrorIs(t, status.Err, ErrNotFound)
	assert.Equal(t, 0, h.poller.callCount())
	assert.Nil(t, h.lastChannel())
}

func TestEngine_FallbackRefetchAfterMissedUpdate(t *testing.T) {
	h := newTestEngine(Config{})
	cached := snapAt("st-1", baseTime.Add(-time.Hour))
	h.station("st-1", "ext-1", &cached)
	polled := snapAt("st-1", baseTime.Add(-30*time.Minute))
	h.poller.push(&poll.Result{Snapshot: polled, RefreshDispatched: true}, nil)

	h.engine.Select(context.Background(), "st-1")
	readsBefore := h.cache.reads()

	// Pretend the ingestion process refreshed the cache but the push
	// channel dropped the message.
	refreshed := snapAt("st-1", baseTime)
	h.station("st-1", "ext-1", &refreshed)

	fallback := h.timerWithDelay(40 * time.Second)
	require.NotNil(t, fallback, "fallback re-fetch must be armed after refreshDispatched")
	fallback.fire()

	assert.Equal(t, readsBefore+1, h.cache.reads())
	status := h.engine.Current()
	require.NotNil(t, status.Data)
	assert.True(t, status.Data.ObservedAt.Equal(refreshed.ObservedAt))
}

func TestEngine_FallbackSkippedWhenLiveUpdateArrived(t *testing.T) {
	h := newTestEngine(Config{})
	cached := snapAt("st-1", baseTime.Add(-time.Hour))
	h.station("st-1", "ext-1", &cached)
	polled := snapAt("st-1", baseTime.Add(-30*time.Minute))
	h.poller.push(&poll.Result{Snapshot: polled, RefreshDispatched: true}, nil)

	h.engine.Select(context.Background(), "st-1")

	// The live update beats the fallback window.
	h.lastChannel().onSnapshot(snapAt("st-1", baseTime))
	readsBefore := h.cache.reads()

	fallback := h.timerWithDelay(40 * time.Second)
	require.NotNil(t, fallback)
	fallback.fire()

	assert.Equal(t, readsBefore, h.cache.reads(), "cache must not be re-read when the watermark advanced")
}

func TestEngine_PeriodicRepollWhenStale(t *testing.T) {
	h := newTestEngine(Config{FreshTTL: 15 * time.Minute})
	cached := snapAt("st-1", baseTime.Add(-time.Minute))
	h.station("st-1", "ext-1", &cached)
	h.poller.push(&poll.Result{Snapshot: cached}, nil)

	h.engine.Select(context.Background(), "st-1")
	require.Equal(t, 1, h.poller.callCount())

	// Still fresh at the first check: no extra poll.
	h.timerWithDelay(time.Minute).fire()
	assert.Equal(t, 1, h.poller.callCount())

	// Once the watermark ages past the TTL the next tick polls again.
	h.clock.Advance(16 * time.Minute)
	h.timerWithDelay(time.Minute).fire()
	assert.Equal(t, 2, h.poller.callCount())

	// The tick also re-arms itself.
	assert.NotNil(t, h.timerWithDelay(time.Minute))
}

func TestEngine_RepollSurfacesStaleness(t *testing.T) {
	h := newTestEngine(Config{FreshTTL: 15 * time.Minute})
	cached := snapAt("st-1", baseTime.Add(-time.Minute))
	h.station("st-1", "ext-1", &cached)
	h.poller.push(&poll.Result{Snapshot: cached}, nil)
	// Later polls fail; the cached data just ages.
	h.poller.push(nil, &poll.UpstreamError{Message: "down"})

	h.engine.Select(context.Background(), "st-1")
	assert.False(t, h.engine.Current().IsStale)

	h.clock.Advance(20 * time.Minute)
	h.timerWithDelay(time.Minute).fire()
	assert.True(t, h.engine.Current().IsStale)
}

func TestEngine_DeselectReturnsToIdle(t *testing.T) {
	h := newTestEngine(Config{})
	cached := snapAt("st-1", baseTime)
	h.station("st-1", "ext-1", &cached)
	h.poller.push(&poll.Result{Snapshot: cached}, nil)

	h.engine.Select(context.Background(), "st-1")
	ch := h.lastChannel()

	h.engine.Deselect()

	status := h.engine.Current()
	assert.Equal(t, StateIdle, status.State)
	assert.Nil(t, status.Data)
	assert.Equal(t, live.StateDisconnected, status.ConnectionState)
	assert.True(t, ch.closed)

	// Late callbacks from the torn-down selection are discarded.
	ch.onSnapshot(snapAt("st-1", baseTime.Add(time.Hour)))
	assert.Nil(t, h.engine.Current().Data)
}

func TestEngine_ConnectionStateForwarded(t *testing.T) {
	h := newTestEngine(Config{})
	cached := snapAt("st-1", baseTime)
	h.station("st-1", "ext-1", &cached)
	h.poller.push(&poll.Result{Snapshot: cached}, nil)

	h.engine.Select(context.Background(), "st-1")
	ch := h.lastChannel()

	ch.onState(live.StateConnected)
	assert.Equal(t, live.StateConnected, h.engine.Current().ConnectionState)

	ch.onState(live.StateError)
	status := h.engine.Current()
	assert.Equal(t, live.StateError, status.ConnectionState)
	// Channel exhaustion never disturbs the data itself.
	assert.Equal(t, StateReady, status.State)
	require.NotNil(t, status.Data)
}
