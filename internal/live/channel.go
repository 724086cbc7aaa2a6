// Package live manages the lifecycle of the push-based live-update channel
// for one selected station.
package live

import (
	"log"
	"sync"

	"charge-status-backend/internal/model"
	"charge-status-backend/internal/reconnect"
)

// State is the connection lifecycle state exposed to the engine and the
// presentation layer.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
)

// TransportEvent is what the underlying subscription primitive reports
// about its own connection.
type TransportEvent int

const (
	TransportConnected TransportEvent = iota
	TransportDisconnected
	TransportError
)

// Subscription is the handle returned by a Subscriber.
type Subscription interface {
	Unsubscribe()
}

// Subscriber is the push-subscription primitive. It delivers snapshot
// payloads for insert events scoped to one station and reports transport
// transitions asynchronously.
type Subscriber interface {
	Subscribe(stationID string, onSnapshot func(model.StationSnapshot), onEvent func(TransportEvent)) (Subscription, error)
}

// Channel wraps one subscription with the 5-state lifecycle and bounded
// reconnection. It never interprets payloads itself: snapshots are handed
// raw to the sink, which is expected to be the merge engine's gate.
type Channel struct {
	stationID  string
	subscriber Subscriber
	backoff    *reconnect.Manager
	onSnapshot func(model.StationSnapshot)
	onState    func(State)

	mu      sync.Mutex
	state   State
	current Subscription
	closed  bool
}

// NewChannel builds a channel for one station selection. Open must be
// called to start it; Close tears it down for good.
func NewChannel(stationID string, subscriber Subscriber, backoff *reconnect.Manager, onSnapshot func(model.StationSnapshot), onState func(State)) *Channel {
	c := &Channel{
		stationID:  stationID,
		subscriber: subscriber,
		backoff:    backoff,
		onSnapshot: onSnapshot,
		onState:    onState,
		state:      StateDisconnected,
	}
	return c
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open attempts the initial subscription.
func (c *Channel) Open() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.transitionLocked(StateConnecting)
	c.mu.Unlock()

	c.connect()
}

// connect performs one subscription attempt and routes the outcome.
func (c *Channel) connect() {
	sub, err := c.subscriber.Subscribe(c.stationID, c.forwardSnapshot, c.handleTransport)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if sub != nil {
			sub.Unsubscribe()
		}
		return
	}
	if err != nil {
		log.Printf("live: subscribe failed for station %s: %v", c.stationID, err)
		c.failLocked()
		c.mu.Unlock()
		return
	}
	if c.state != StateConnecting && c.state != StateConnected {
		// The transport died before Subscribe returned and the failure
		// handler already scheduled recovery; storing the dead
		// subscription now would leak it past the next reconnect.
		c.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	c.current = sub
	c.mu.Unlock()
}

// forwardSnapshot hands a raw payload to the sink.
func (c *Channel) forwardSnapshot(snap model.StationSnapshot) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if !closed {
		c.onSnapshot(snap)
	}
}

// handleTransport reacts to transitions reported by the primitive.
func (c *Channel) handleTransport(ev TransportEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	switch ev {
	case TransportConnected:
		c.backoff.Reset()
		c.transitionLocked(StateConnected)
	case TransportDisconnected:
		c.transitionLocked(StateDisconnected)
		c.failLocked()
	case TransportError:
		c.failLocked()
	}
}

// failLocked asks the backoff manager for a retry. A refusal is terminal:
// only re-selecting the station recovers the channel.
func (c *Channel) failLocked() {
	c.dropSubscriptionLocked()
	if c.backoff.Schedule(c.retry) {
		c.transitionLocked(StateReconnecting)
	} else {
		log.Printf("live: reconnect attempts exhausted for station %s", c.stationID)
		c.transitionLocked(StateError)
	}
}

// retry fires from the backoff manager's timer.
func (c *Channel) retry() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.transitionLocked(StateConnecting)
	c.mu.Unlock()

	c.connect()
}

// Close tears the channel down. It is safe to call more than once.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.backoff.CancelPending()
	c.dropSubscriptionLocked()
	c.transitionLocked(StateDisconnected)
	c.mu.Unlock()
}

func (c *Channel) dropSubscriptionLocked() {
	if c.current != nil {
		c.current.Unsubscribe()
		c.current = nil
	}
}

func (c *Channel) transitionLocked(next State) {
	if c.state == next {
		return
	}
	c.state = next
	if c.onState != nil {
		c.onState(next)
	}
}
