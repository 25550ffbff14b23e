package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/troparcel/sync/pkg/config"
	"github.com/troparcel/sync/pkg/log"
	"github.com/troparcel/sync/pkg/relay"
)

// Close codes (§6.2).
const (
	closeBadURL       = 4000
	closeUnauthorized = 4001
	closeRoomLimit    = 4002
	closePerIPLimit   = 4003
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The relay is a bare sync endpoint with no browser-cookie session to
	// protect; any origin may connect, matching how the ws/wss transport
	// adapter is used outside a browser context entirely.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsPeer adapts one accepted websocket.Conn to relay.Peer, serializing
// writes behind its own mutex the way pkg/transport/ws's client-side
// Adapter does for its Send path.
type wsPeer struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex
}

func (p *wsPeer) ID() string { return p.id }

func (p *wsPeer) Send(update []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteMessage(websocket.BinaryMessage, update)
}

func (p *wsPeer) close(code int, reason string) {
	p.writeMu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	p.writeMu.Unlock()
	_ = p.conn.Close()
}

const writeWait = 5 * time.Second

// handleWS serves WS /<room>?token=<t> (§6.2): it sanitizes the room name,
// enforces the per-IP connection cap, checks the room token if one is
// configured, joins the room (sending the current encoded state as the
// first frame) and then pumps inbound frames into relay.Room.ApplyUpdate
// until the connection closes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	rawRoom := mux.Vars(r)["room"]
	roomName := config.SanitizeRoomName(rawRoom)

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}

	logger := log.WithRoom(roomName)
	if rawRoom != roomName {
		logger.Warn().Str("requested", rawRoom).Msg("api: room name sanitisation may route unrelated peers into a shared default room")
	}

	if !s.limiter.Allow(ip) {
		conn, upErr := upgrader.Upgrade(w, r, nil)
		if upErr == nil {
			closeWithCode(conn, closePerIPLimit, "per-ip connection limit")
		}
		logger.Warn().Str("remote", relay.MaskIP(r.RemoteAddr)).Msg("api: rejected connection over per-ip limit")
		return
	}
	defer s.limiter.Release(ip)

	token := r.URL.Query().Get("token")
	if s.auth.Required(roomName) && !s.auth.Check(roomName, token) {
		conn, upErr := upgrader.Upgrade(w, r, nil)
		if upErr == nil {
			closeWithCode(conn, closeUnauthorized, "unauthorized")
		}
		logger.Warn().Str("remote", relay.MaskIP(r.RemoteAddr)).Msg("api: rejected connection with bad token")
		return
	}

	room, err := s.registry.GetOrCreate(roomName)
	if err != nil {
		conn, upErr := upgrader.Upgrade(w, r, nil)
		if upErr == nil {
			closeWithCode(conn, closeRoomLimit, "room limit reached")
		}
		logger.Warn().Err(err).Msg("api: rejected connection over room limit")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("api: websocket upgrade failed")
		return
	}

	peer := &wsPeer{id: uuid.NewString(), conn: conn}

	initial, err := room.Join(peer)
	if err != nil {
		logger.Warn().Err(err).Msg("api: join failed")
		peer.close(closeBadURL, "join failed")
		return
	}
	if err := peer.Send(initial); err != nil {
		logger.Warn().Err(err).Msg("api: failed to send initial state")
	}
	defer room.Leave(peer)
	defer conn.Close()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		if err := room.ApplyUpdate(peer, data); err != nil {
			logger.Warn().Err(err).Str("peer", peer.ID()).Msg("api: failed to apply inbound update")
		}
	}
}

func closeWithCode(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}
