// Package relay carries signaling over plain WebSockets: a hub that
// fans every message out to the other members of a session, and a
// client channel that dials a hub. It is the fallback transport for
// deployments without Redis and the second delivery path everywhere
// else.
package relay

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Mosaic/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

const (
	sendBuffer    = 32
	writeDeadline = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type hubConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *hubConn) trySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *hubConn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// AuthFunc validates a client's join token for one session before the
// upgrade. A nil AuthFunc leaves the hub open.
type AuthFunc func(session domain.SessionID, token string) error

// Hub keeps the connected relay clients per session and forwards every
// inbound frame to the session's other members. Frames are opaque here;
// validation and dedup happen in the multiplexer on each endpoint.
type Hub struct {
	auth     AuthFunc
	mu       sync.Mutex
	sessions map[domain.SessionID]map[*hubConn]struct{}
	limiter  *rateLimiter
}

func NewHub(auth AuthFunc) *Hub {
	return &Hub{
		auth:     auth,
		sessions: make(map[domain.SessionID]map[*hubConn]struct{}),
		limiter:  newRateLimiter(120, time.Minute),
	}
}

// Handle upgrades a gin request to a relay connection for one session.
// The join token comes as a query parameter (the host's own client and
// non-browser peers) or as the join cookie set on page entry.
func (h *Hub) Handle(c *gin.Context) {
	session := domain.SessionID(c.Param("sessionId"))
	if _, err := domain.ParseSessionID(string(session)); err != nil {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	if h.auth != nil {
		token := c.Query("token")
		if token == "" {
			token, _ = c.Cookie("jt")
		}
		if err := h.auth(session, token); err != nil {
			log.Warn().Err(err).Str("module", "relay").Str("session", string(session)).Msg("relay client rejected")
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
	}
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("ws upgrade")
		return
	}

	conn := &hubConn{conn: ws, send: make(chan []byte, sendBuffer)}
	h.join(session, conn)
	log.Info().Str("module", "relay").Str("session", string(session)).Msg("relay client connected")

	go h.writePump(conn)
	go h.readPump(session, conn)
}

func (h *Hub) join(session domain.SessionID, conn *hubConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.sessions[session]
	if !ok {
		members = make(map[*hubConn]struct{})
		h.sessions[session] = members
	}
	members[conn] = struct{}{}
}

func (h *Hub) leave(session domain.SessionID, conn *hubConn) {
	h.mu.Lock()
	if members, ok := h.sessions[session]; ok {
		delete(members, conn)
		if len(members) == 0 {
			delete(h.sessions, session)
		}
	}
	h.mu.Unlock()
	h.limiter.forget(conn)
	conn.close()
}

func (h *Hub) others(session domain.SessionID, from *hubConn) []*hubConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.sessions[session]
	out := make([]*hubConn, 0, len(members))
	for c := range members {
		if c != from {
			out = append(out, c)
		}
	}
	return out
}

func (h *Hub) readPump(session domain.SessionID, conn *hubConn) {
	defer func() {
		h.leave(session, conn)
		log.Info().Str("module", "relay").Str("session", string(session)).Msg("relay client disconnected")
	}()
	for {
		_, data, err := conn.conn.ReadMessage()
		if err != nil {
			return
		}
		if !h.limiter.allow(conn) {
			log.Warn().Str("module", "relay").Str("session", string(session)).Msg("rate limit exceeded, frame dropped")
			continue
		}
		for _, other := range h.others(session, conn) {
			if err := other.trySend(data); err != nil {
				log.Warn().Err(err).Str("module", "relay").Str("session", string(session)).Msg("relay forward dropped")
			}
		}
	}
}

func (h *Hub) writePump(conn *hubConn) {
	for data := range conn.send {
		if err := conn.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
			return
		}
		if err := conn.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}
