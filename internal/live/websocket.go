package live

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"charge-status-backend/internal/model"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsPongWait         = 60 * time.Second
	wsPingPeriod       = (wsPongWait * 9) / 10
	wsWriteWait        = 10 * time.Second
)

// updateFrame is the wire format delivered by the live-update service. Only
// insert events carry a snapshot.
type updateFrame struct {
	Type     string                 `json:"type"`
	Snapshot *model.StationSnapshot `json:"snapshot"`
}

// WebsocketSubscriber implements Subscriber over a websocket endpoint that
// streams insert events for a single station.
type WebsocketSubscriber struct {
	baseURL    string
	dialer     *websocket.Dialer
	pingPeriod time.Duration
}

// NewWebsocketSubscriber creates a subscriber dialing the given base URL.
func NewWebsocketSubscriber(baseURL string) *WebsocketSubscriber {
	return &WebsocketSubscriber{
		baseURL: baseURL,
		dialer: &websocket.Dialer{
			HandshakeTimeout: wsHandshakeTimeout,
		},
		pingPeriod: wsPingPeriod,
	}
}

// wsSubscription owns one websocket connection, its read loop and its ping
// ticker.
type wsSubscription struct {
	conn *websocket.Conn
	done chan struct{}
	once sync.Once
}

func (s *wsSubscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// Subscribe dials the endpoint and starts the read loop. TransportConnected
// is reported once the handshake succeeds; any read failure afterwards is
// reported as TransportDisconnected and ends the loop.
func (w *WebsocketSubscriber) Subscribe(stationID string, onSnapshot func(model.StationSnapshot), onEvent func(TransportEvent)) (Subscription, error) {
	u, err := url.Parse(w.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid live-update URL %q: %w", w.baseURL, err)
	}
	q := u.Query()
	q.Set("station", stationID)
	u.RawQuery = q.Encode()

	conn, _, err := w.dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("live-update dial failed: %w", err)
	}

	sub := &wsSubscription{conn: conn, done: make(chan struct{})}
	// Connected is reported before the read loop exists, so a socket that
	// dies instantly still delivers Connected strictly before Disconnected.
	onEvent(TransportConnected)
	go pingLoop(conn, sub.done, w.pingPeriod)
	go readLoop(conn, sub, stationID, onSnapshot, onEvent)
	return sub, nil
}

// pingLoop keeps the read deadline fed. The endpoint only pushes on status
// changes, so a quiet station produces no traffic at all; without pings the
// deadline would kill a perfectly healthy connection every minute.
func pingLoop(conn *websocket.Conn, done <-chan struct{}, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				// The read loop observes the same failure and reports it.
				return
			}
		}
	}
}

func readLoop(conn *websocket.Conn, sub *wsSubscription, stationID string, onSnapshot func(model.StationSnapshot), onEvent func(TransportEvent)) {
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			sub.Unsubscribe()
			onEvent(TransportDisconnected)
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var frame updateFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			log.Printf("live: dropping malformed frame for station %s: %v", stationID, err)
			continue
		}
		if frame.Type != "insert" || frame.Snapshot == nil {
			continue
		}
		if frame.Snapshot.StationID != "" && frame.Snapshot.StationID != stationID {
			// The endpoint is scoped per station; anything else is noise.
			continue
		}
		onSnapshot(*frame.Snapshot)
	}
}
