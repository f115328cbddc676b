package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Mosaic/internal/core"
	"github.com/dkeye/Mosaic/internal/domain"
)

const redialDelay = 5 * time.Second

// Channel is the client side of a relay hub, exposed to the multiplexer
// as one more signaling channel. The connection redials forever until
// Close; sends while disconnected fail and the multiplexer falls back
// on its other channels.
type Channel struct {
	url     string
	session domain.SessionID
	cancel  context.CancelFunc
	done    chan struct{}

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewChannel builds a relay channel for baseURL like "ws://host:port";
// the session id is appended to form the hub endpoint and the join
// token rides along as a query parameter for the hub's auth check.
func NewChannel(baseURL string, session domain.SessionID, token string) *Channel {
	endpoint := fmt.Sprintf("%s/ws/relay/%s", baseURL, session)
	if token != "" {
		endpoint += "?token=" + url.QueryEscape(token)
	}
	return &Channel{
		url:     endpoint,
		session: session,
		done:    make(chan struct{}),
	}
}

func (c *Channel) Name() string { return "relay" }

func (c *Channel) Send(ctx context.Context, msg core.SignalingMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal signaling message: %w", err)
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("relay not connected")
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func (c *Channel) Start(ctx context.Context, deliver func(core.SignalingMessage)) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.run(ctx, deliver)
	return nil
}

func (c *Channel) run(ctx context.Context, deliver func(core.SignalingMessage)) {
	defer close(c.done)
	for {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Str("module", "relay").Str("url", c.url).Msg("relay dial failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(redialDelay):
				continue
			}
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		log.Info().Str("module", "relay").Str("session", string(c.session)).Msg("relay connected")

		c.readLoop(ctx, conn, deliver)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		log.Warn().Str("module", "relay").Str("session", string(c.session)).Msg("relay connection lost, redialing")
	}
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn, deliver func(core.SignalingMessage)) {
	// Unblock ReadMessage when the channel is closed.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg core.SignalingMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().Err(err).Str("module", "relay").Msg("undecodable relay frame dropped")
			continue
		}
		deliver(msg)
	}
}

func (c *Channel) Close() error {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	return nil
}

var _ core.SignalChannel = (*Channel)(nil)
