// Package engine reconciles the three disagreeing sources of station
// status — cached snapshots, on-demand polls, and live-update messages —
// into one monotonic view per selected station.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"charge-status-backend/internal/live"
	"charge-status-backend/internal/model"
	"charge-status-backend/internal/poll"
	"charge-status-backend/internal/ratelimit"
)

// State is the engine's own load state, distinct from the channel's
// connection state.
type State string

const (
	StateIdle         State = "idle"
	StateLoadingCache State = "loading_cache"
	StateLoadingAPI   State = "loading_api"
	StateReady        State = "ready"
	StateError        State = "error"
)

// ErrNotFound is surfaced when a station has neither cached data nor an
// external provider id to poll with. It is terminal for the selection.
var ErrNotFound = errors.New("no cached data and no provider id for station")

// Status is the output contract, re-emitted to the observer on every
// change. Data always holds the newest snapshot ever accepted during the
// current selection.
type Status struct {
	State                State
	Data                 *model.StationSnapshot
	Err                  error
	ConnectionState      live.State
	IsStale              bool
	IsRateLimited        bool
	NextPollRetrySeconds int
}

// CacheStore is the read-only cache collaborator.
type CacheStore interface {
	LatestSnapshot(ctx context.Context, stationID string) (*model.StationSnapshot, error)
	Metadata(ctx context.Context, stationID string) (*model.Station, error)
}

// Poller is the on-demand upstream poll collaborator.
type Poller interface {
	Poll(ctx context.Context, externalID string) (*poll.Result, error)
}

// Channel is the live-update channel owned by one selection.
type Channel interface {
	Open()
	Close()
}

// ChannelFactory builds a channel for a station; the engine supplies the
// snapshot sink and the state observer.
type ChannelFactory func(stationID string, onSnapshot func(model.StationSnapshot), onState func(live.State)) Channel

// Config holds the freshness parameters. Zero values fall back to the
// canonical defaults.
type Config struct {
	FreshTTL               time.Duration // snapshot age beyond which cache is stale
	FallbackWindow         time.Duration // wait for a live update after refreshDispatched
	RepollInterval         time.Duration // staleness check cadence while selected
	DefaultCooldownSeconds int           // local cooldown when upstream gives no hint
}

func (c Config) withDefaults() Config {
	if c.FreshTTL <= 0 {
		c.FreshTTL = 15 * time.Minute
	}
	if c.FallbackWindow <= 0 {
		c.FallbackWindow = 40 * time.Second
	}
	if c.RepollInterval <= 0 {
		c.RepollInterval = time.Minute
	}
	if c.DefaultCooldownSeconds <= 0 {
		c.DefaultCooldownSeconds = ratelimit.DefaultCooldownSeconds
	}
	return c
}

// stoppable is the timer seam; tests fire timers by hand.
type stoppable interface {
	Stop() bool
}

// Engine owns the merge gate for one station selection at a time. All
// mutations funnel through the mutex; the generation counter discards
// results of superseded selections after every suspension point.
type Engine struct {
	cfg      Config
	cache    CacheStore
	poller   Poller
	channels ChannelFactory
	cooldown *ratelimit.CooldownCache
	observer func(Status)

	clock     func() time.Time
	afterFunc func(time.Duration, func()) stoppable

	mu              sync.Mutex
	generation      int
	stationID       string
	externalID      string
	watermark       time.Time
	refreshInFlight bool
	status          Status
	channel         Channel
	fallbackTimer   stoppable
	repollTimer     stoppable
}

// New creates an engine. The observer receives every status change; it
// must not call back into the engine synchronously.
func New(cfg Config, cache CacheStore, poller Poller, channels ChannelFactory, cooldown *ratelimit.CooldownCache, observer func(Status)) *Engine {
	if cooldown == nil {
		cooldown = ratelimit.New()
	}
	return &Engine{
		cfg:      cfg.withDefaults(),
		cache:    cache,
		poller:   poller,
		channels: channels,
		cooldown: cooldown,
		observer: observer,
		clock:    time.Now,
		afterFunc: func(d time.Duration, fn func()) stoppable {
			return time.AfterFunc(d, fn)
		},
		status: Status{State: StateIdle, ConnectionState: live.StateDisconnected},
	}
}

// Current returns the latest emitted status.
func (e *Engine) Current() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Select switches the active station. The previous selection is torn down
// completely — watermark, flags, timers and channel — before the new
// station's load sequence begins. A fresh selection always attempts a
// poll, because cache freshness was earned on the previous station's
// cadence, not this one's.
func (e *Engine) Select(ctx context.Context, stationID string) {
	e.mu.Lock()
	e.generation++
	gen := e.generation
	ch := e.detachLocked()
	e.stationID = stationID
	e.externalID = ""
	e.watermark = time.Time{}
	e.refreshInFlight = false
	e.status = Status{State: StateLoadingCache, ConnectionState: live.StateDisconnected}
	e.emitLocked()
	e.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	e.load(ctx, gen, stationID)
}

// Deselect returns the engine to idle and tears everything down.
func (e *Engine) Deselect() {
	e.mu.Lock()
	e.generation++
	ch := e.detachLocked()
	e.stationID = ""
	e.externalID = ""
	e.watermark = time.Time{}
	e.refreshInFlight = false
	e.status = Status{State: StateIdle, ConnectionState: live.StateDisconnected}
	e.emitLocked()
	e.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
}

// load runs the full selection sequence: cache read, poll, live channel,
// periodic re-poll.
func (e *Engine) load(ctx context.Context, gen int, stationID string) {
	// Snapshot and metadata are independent reads; fetch them in parallel.
	var (
		snap    *model.StationSnapshot
		snapErr error
		meta    *model.Station
		metaErr error
	)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		snap, snapErr = e.cache.LatestSnapshot(ctx, stationID)
	}()
	go func() {
		defer wg.Done()
		meta, metaErr = e.cache.Metadata(ctx, stationID)
	}()
	wg.Wait()

	e.mu.Lock()
	if gen != e.generation {
		e.mu.Unlock()
		return
	}
	if snapErr != nil {
		// A cache read failure behaves like a cache miss.
		log.Printf("engine: cache read failed for station %s: %v", stationID, snapErr)
	}
	if metaErr != nil {
		log.Printf("engine: metadata read failed for station %s: %v", stationID, metaErr)
	}
	if meta != nil {
		e.externalID = meta.ExternalID
	}
	if snap != nil {
		e.applyLocked(*snap)
		e.status.State = StateReady
		e.emitLocked()
	}
	externalID := e.externalID
	hasData := e.status.Data != nil
	e.mu.Unlock()

	if externalID == "" {
		e.mu.Lock()
		defer e.mu.Unlock()
		if gen != e.generation {
			return
		}
		if !hasData {
			e.failLocked(ErrNotFound)
		}
		// With cached data but no provider id there is nothing to poll or
		// subscribe to; the stale indicator is all the UI gets.
		return
	}

	e.poll(ctx, gen, externalID)

	e.mu.Lock()
	if gen != e.generation {
		e.mu.Unlock()
		return
	}
	if e.status.State == StateError && !e.status.IsRateLimited {
		// Terminal: not-found or an upstream error with nothing cached.
		// The engine schedules no retries of its own for these.
		e.mu.Unlock()
		return
	}
	onSnapshot := func(s model.StationSnapshot) { e.applyFromChannel(gen, s) }
	onState := func(s live.State) { e.setConnectionState(gen, s) }
	ch := e.channels(stationID, onSnapshot, onState)
	e.channel = ch
	e.armRepollLocked(ctx, gen)
	e.mu.Unlock()

	ch.Open()
}

// poll performs one cooldown-guarded on-demand poll and folds the outcome
// into the status.
func (e *Engine) poll(ctx context.Context, gen int, externalID string) {
	e.mu.Lock()
	if gen != e.generation || e.refreshInFlight {
		e.mu.Unlock()
		return
	}
	if e.cooldown.IsLimited(externalID) {
		// Skip the network call entirely; stale-but-present beats nothing.
		e.status.IsRateLimited = true
		e.status.NextPollRetrySeconds = e.cooldown.SecondsRemaining(externalID)
		e.settleLocked()
		e.mu.Unlock()
		return
	}
	e.refreshInFlight = true
	if e.status.Data == nil {
		e.status.State = StateLoadingAPI
		e.emitLocked()
	}
	e.mu.Unlock()

	result, err := e.poller.Poll(ctx, externalID)

	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.generation {
		return
	}
	e.refreshInFlight = false

	var rateErr *poll.RateLimitedError
	switch {
	case err == nil:
		e.status.IsRateLimited = false
		e.status.NextPollRetrySeconds = 0
		e.applyLocked(result.Snapshot)
		e.status.State = StateReady
		e.status.Err = nil
		e.emitLocked()
		if result.RefreshDispatched {
			e.armFallbackLocked(ctx, gen)
		}
	case errors.As(err, &rateErr):
		seconds := rateErr.RetryAfterSeconds
		if seconds <= 0 {
			seconds = e.cfg.DefaultCooldownSeconds
		}
		e.cooldown.Mark(externalID, seconds)
		e.status.IsRateLimited = true
		e.status.NextPollRetrySeconds = seconds
		e.settleLocked()
	default:
		if e.status.Data != nil {
			// Fall back silently to the cached snapshot; the staleness
			// flag is what surfaces.
			log.Printf("engine: poll failed for %s, keeping cached data: %v", externalID, err)
			e.status.State = StateReady
			e.emitLocked()
		} else {
			e.failLocked(fmt.Errorf("poll failed with no cached fallback: %w", err))
		}
	}
}

// applyLocked is the single merge gate: a candidate is accepted iff its
// observation time strictly exceeds the watermark.
func (e *Engine) applyLocked(snap model.StationSnapshot) bool {
	if !snap.ObservedAt.After(e.watermark) {
		return false
	}
	e.watermark = snap.ObservedAt
	e.status.Data = &snap
	e.refreshStaleLocked()
	return true
}

func (e *Engine) refreshStaleLocked() {
	if e.status.Data == nil {
		e.status.IsStale = false
		return
	}
	e.status.IsStale = e.clock().Sub(e.status.Data.ObservedAt) > e.cfg.FreshTTL
}

// applyFromChannel feeds a live-update message through the gate.
func (e *Engine) applyFromChannel(gen int, snap model.StationSnapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.generation {
		return
	}
	if e.applyLocked(snap) {
		e.settleLocked()
	}
}

func (e *Engine) setConnectionState(gen int, s live.State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.generation {
		return
	}
	e.status.ConnectionState = s
	e.emitLocked()
}

// settleLocked lands the status in ready or error depending on whether
// any snapshot has been accepted.
func (e *Engine) settleLocked() {
	if e.status.Data != nil {
		e.status.State = StateReady
		e.status.Err = nil
	} else if e.status.IsRateLimited {
		e.status.State = StateError
		e.status.Err = fmt.Errorf("upstream rate limited, retry in %ds", e.status.NextPollRetrySeconds)
	}
	e.emitLocked()
}

func (e *Engine) failLocked(err error) {
	e.status.State = StateError
	e.status.Err = err
	e.emitLocked()
}

// armFallbackLocked schedules the one-shot cache re-read that covers a
// silently missed live update after the upstream dispatched a refresh.
func (e *Engine) armFallbackLocked(ctx context.Context, gen int) {
	if e.fallbackTimer != nil {
		e.fallbackTimer.Stop()
	}
	prior := e.watermark
	e.fallbackTimer = e.afterFunc(e.cfg.FallbackWindow, func() {
		e.fallbackRefetch(ctx, gen, prior)
	})
}

func (e *Engine) fallbackRefetch(ctx context.Context, gen int, prior time.Time) {
	e.mu.Lock()
	if gen != e.generation {
		e.mu.Unlock()
		return
	}
	stationID := e.stationID
	advanced := e.watermark.After(prior)
	e.mu.Unlock()

	if advanced {
		// A live update landed inside the window; nothing was missed.
		return
	}

	snap, err := e.cache.LatestSnapshot(ctx, stationID)
	if err != nil || snap == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.generation {
		return
	}
	if e.applyLocked(*snap) {
		e.settleLocked()
	}
}

// armRepollLocked keeps the periodic staleness check running while the
// station stays selected.
func (e *Engine) armRepollLocked(ctx context.Context, gen int) {
	if e.repollTimer != nil {
		e.repollTimer.Stop()
	}
	e.repollTimer = e.afterFunc(e.cfg.RepollInterval, func() {
		e.repollTick(ctx, gen)
	})
}

func (e *Engine) repollTick(ctx context.Context, gen int) {
	e.mu.Lock()
	if gen != e.generation {
		e.mu.Unlock()
		return
	}
	externalID := e.externalID
	inFlight := e.refreshInFlight
	stale := e.watermark.IsZero() || e.clock().Sub(e.watermark) > e.cfg.FreshTTL

	wasStale := e.status.IsStale
	e.refreshStaleLocked()
	if e.status.IsStale != wasStale {
		e.emitLocked()
	}
	e.armRepollLocked(ctx, gen)
	e.mu.Unlock()

	if stale && !inFlight && externalID != "" {
		e.poll(ctx, gen, externalID)
	}
}

// detachLocked stops all scheduled work and hands the channel back to the
// caller, which must Close it outside the lock.
func (e *Engine) detachLocked() Channel {
	if e.fallbackTimer != nil {
		e.fallbackTimer.Stop()
		e.fallbackTimer = nil
	}
	if e.repollTimer != nil {
		e.repollTimer.Stop()
		e.repollTimer = nil
	}
	ch := e.channel
	e.channel = nil
	return ch
}

func (e *Engine) emitLocked() {
	if e.observer != nil {
		e.observer(e.status)
	}
}
