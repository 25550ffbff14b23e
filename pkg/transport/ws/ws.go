// Package ws is the WebSocket transport variant: a full-duplex connection
// to a relay room, FIFO-ordered within the connection, authenticated with
// a per-room shared token carried in the URL (§4.H).
package ws

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/troparcel/sync/pkg/log"
	"github.com/troparcel/sync/pkg/transport"
)

// Config configures one connection to a relay room.
type Config struct {
	URL   string // ws:// or wss:// URL, already including /room
	Token string // per-room shared token, sent as a query parameter
}

var dialer = websocket.Dialer{HandshakeTimeout: 10 * time.Second}

// Adapter is the gorilla/websocket-backed transport.Adapter.
type Adapter struct {
	cfg Config

	mu      sync.Mutex
	conn    *websocket.Conn
	events  transport.Events
	closed  bool
	writeMu sync.Mutex
}

// New returns an unconnected Adapter for cfg.
func New(cfg Config) *Adapter {
	return &Adapter{cfg: cfg}
}

func (a *Adapter) dialURL() (string, error) {
	u, err := url.Parse(a.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("ws: parse url: %w", err)
	}
	if a.cfg.Token != "" {
		q := u.Query()
		q.Set("token", a.cfg.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Connect dials the relay and starts a read loop delivering events.OnUpdate
// for every binary message received. initialStateVector, if non-empty, is
// sent as the first outgoing message so the relay can reply with a delta
// instead of full state.
func (a *Adapter) Connect(ctx context.Context, initialStateVector []byte, events transport.Events) error {
	dialURL, err := a.dialURL()
	if err != nil {
		return err
	}

	if events.OnStatus != nil {
		events.OnStatus(transport.StatusConnecting, nil)
	}

	conn, _, err := dialer.DialContext(ctx, dialURL, nil)
	if err != nil {
		if events.OnStatus != nil {
			events.OnStatus(transport.StatusError, err)
		}
		return fmt.Errorf("ws: dial: %w", err)
	}

	a.mu.Lock()
	a.conn = conn
	a.events = events
	a.closed = false
	a.mu.Unlock()

	if len(initialStateVector) > 0 {
		if err := a.Send(initialStateVector); err != nil {
			log.WithComponent("transport-ws").Warn().Err(err).Msg("failed to send initial state vector")
		}
	}

	if events.OnStatus != nil {
		events.OnStatus(transport.StatusConnected, nil)
	}

	go a.readLoop(conn, events)
	return nil
}

func (a *Adapter) readLoop(conn *websocket.Conn, events transport.Events) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			a.mu.Lock()
			wasClosed := a.closed
			a.mu.Unlock()
			if events.OnStatus != nil && !wasClosed {
				events.OnStatus(transport.StatusDisconnected, err)
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		if events.OnUpdate != nil {
			events.OnUpdate(data)
		}
	}
}

// Send writes update as a single binary WebSocket frame.
func (a *Adapter) Send(update []byte) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("ws: not connected")
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, update)
}

// Disconnect closes the current connection; a later Connect call reopens it.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	if a.conn == nil {
		return nil
	}
	_ = a.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := a.conn.Close()
	a.conn = nil
	return err
}

// Destroy is Disconnect with no further reuse expected.
func (a *Adapter) Destroy() error {
	return a.Disconnect()
}

var _ transport.Adapter = (*Adapter)(nil)
