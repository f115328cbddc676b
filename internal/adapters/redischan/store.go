package redischan

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Mosaic/internal/core"
	"github.com/dkeye/Mosaic/internal/domain"
)

const storeTTL = 24 * time.Hour

func storeKey(session domain.SessionID) string {
	return fmt.Sprintf("mosaic:store:%s", session)
}

// StoreChannel appends messages to a session-scoped Redis list and polls
// it for new entries. Slower than pub/sub but a reader that connects
// late still sees everything within the TTL.
type StoreChannel struct {
	rdb     *redis.Client
	session domain.SessionID
	poll    time.Duration
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewStoreChannel(rdb *redis.Client, session domain.SessionID, poll time.Duration) *StoreChannel {
	if poll <= 0 {
		poll = time.Second
	}
	return &StoreChannel{rdb: rdb, session: session, poll: poll, done: make(chan struct{})}
}

func (c *StoreChannel) Name() string { return "redis-store" }

func (c *StoreChannel) Send(ctx context.Context, msg core.SignalingMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal signaling message: %w", err)
	}
	key := storeKey(c.session)
	pipe := c.rdb.TxPipeline()
	pipe.RPush(ctx, key, raw)
	pipe.Expire(ctx, key, storeTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (c *StoreChannel) Start(ctx context.Context, deliver func(core.SignalingMessage)) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	// Skip the backlog: messages written before this reader existed are
	// someone else's conversation or already handled.
	offset, err := c.rdb.LLen(ctx, storeKey(c.session)).Result()
	if err != nil {
		cancel()
		return fmt.Errorf("redis llen: %w", err)
	}

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.poll)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				offset = c.drain(ctx, offset, deliver)
			}
		}
	}()

	log.Info().Str("module", "redischan").Str("session", string(c.session)).Dur("poll", c.poll).Msg("store channel started")
	return nil
}

func (c *StoreChannel) drain(ctx context.Context, offset int64, deliver func(core.SignalingMessage)) int64 {
	entries, err := c.rdb.LRange(ctx, storeKey(c.session), offset, -1).Result()
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Str("module", "redischan").Msg("store poll failed")
		}
		return offset
	}
	for _, raw := range entries {
		var msg core.SignalingMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			log.Warn().Err(err).Str("module", "redischan").Msg("undecodable store entry dropped")
			continue
		}
		deliver(msg)
	}
	return offset + int64(len(entries))
}

func (c *StoreChannel) Close() error {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	return nil
}

var _ core.SignalChannel = (*StoreChannel)(nil)
