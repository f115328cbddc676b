// Package redischan provides two independent Redis-backed signaling
// channels: a pub/sub bus for low-latency delivery and a list-backed
// store that survives missed subscriptions. Running both behind the
// multiplexer gives redundancy; the dedup filter eats the overlap.
package redischan

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Mosaic/internal/core"
	"github.com/dkeye/Mosaic/internal/domain"
)

func busChannel(session domain.SessionID) string {
	return fmt.Sprintf("mosaic:signal:%s", session)
}

// PubSubChannel delivers signaling messages over a Redis pub/sub topic
// scoped to one session.
type PubSubChannel struct {
	rdb     *redis.Client
	session domain.SessionID
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewPubSubChannel(rdb *redis.Client, session domain.SessionID) *PubSubChannel {
	return &PubSubChannel{rdb: rdb, session: session, done: make(chan struct{})}
}

func (c *PubSubChannel) Name() string { return "redis-pubsub" }

func (c *PubSubChannel) Send(ctx context.Context, msg core.SignalingMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal signaling message: %w", err)
	}
	return c.rdb.Publish(ctx, busChannel(c.session), raw).Err()
}

func (c *PubSubChannel) Start(ctx context.Context, deliver func(core.SignalingMessage)) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	sub := c.rdb.Subscribe(ctx, busChannel(c.session))
	// Force the subscription before reporting the channel ready.
	if _, err := sub.Receive(ctx); err != nil {
		cancel()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		defer close(c.done)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var msg core.SignalingMessage
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					log.Warn().Err(err).Str("module", "redischan").Msg("undecodable pub/sub payload dropped")
					continue
				}
				deliver(msg)
			}
		}
	}()

	log.Info().Str("module", "redischan").Str("session", string(c.session)).Msg("pub/sub channel started")
	return nil
}

func (c *PubSubChannel) Close() error {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	return nil
}

var _ core.SignalChannel = (*PubSubChannel)(nil)
