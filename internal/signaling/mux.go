// Package signaling multiplexes session-scoped messages over several
// independent transport channels. Sends fan out to every channel in
// parallel; inbound paths converge on a single dedup filter, so the rest
// of the system sees each message once no matter how many channels
// delivered it.
package signaling

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Mosaic/internal/core"
	"github.com/dkeye/Mosaic/internal/domain"
)

var ErrAllChannelsFailed = errors.New("all signaling channels failed")

type Config struct {
	Self            domain.ParticipantID
	Session         domain.SessionID
	StalenessWindow time.Duration
	DedupBucket     time.Duration
	StormThreshold  uint64
}

type Mux struct {
	cfg      Config
	channels []core.SignalChannel
	dedup    *dedupFilter
	stats    *Stats

	mu      sync.Mutex
	deliver func(core.SignalingMessage)
	started bool
}

func NewMux(cfg Config, channels ...core.SignalChannel) *Mux {
	if cfg.StalenessWindow <= 0 {
		cfg.StalenessWindow = 30 * time.Second
	}
	if cfg.DedupBucket <= 0 {
		cfg.DedupBucket = time.Second
	}
	return &Mux{
		cfg:      cfg,
		channels: channels,
		dedup:    newDedupFilter(cfg.DedupBucket, 2*cfg.StalenessWindow),
		stats:    NewStats(),
	}
}

func (m *Mux) Stats() *Stats { return m.stats }

// Start begins every channel's inbound path. A channel failing to start
// is logged and skipped; the remaining channels keep the session alive.
func (m *Mux) Start(ctx context.Context, deliver func(core.SignalingMessage)) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("mux already started")
	}
	m.started = true
	m.deliver = deliver
	m.mu.Unlock()

	started := 0
	for _, ch := range m.channels {
		if err := ch.Start(ctx, m.inbound); err != nil {
			log.Warn().Err(err).Str("module", "signaling").Str("channel", ch.Name()).Msg("channel start failed, continuing without it")
			continue
		}
		started++
	}
	if started == 0 {
		return ErrAllChannelsFailed
	}
	log.Info().Str("module", "signaling").Int("channels", started).Msg("mux started")
	return nil
}

// Send broadcasts msg on every channel in parallel. It succeeds if at
// least one channel accepted the message; per-channel failures are a
// local matter (taxonomy class a) and only counted.
func (m *Mux) Send(ctx context.Context, msg core.SignalingMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	var wg sync.WaitGroup
	oks := make([]bool, len(m.channels))
	for i, ch := range m.channels {
		wg.Add(1)
		go func(i int, ch core.SignalChannel) {
			defer wg.Done()
			err := ch.Send(ctx, msg)
			m.stats.MarkChannel(ch.Name(), err == nil)
			if err != nil {
				log.Debug().Err(err).Str("module", "signaling").Str("channel", ch.Name()).Str("type", string(msg.Type)).Msg("channel send failed")
				m.stats.MarkFailed()
				return
			}
			oks[i] = true
		}(i, ch)
	}
	wg.Wait()

	ok := false
	for _, v := range oks {
		ok = ok || v
	}
	if !ok {
		m.stats.MarkFailed()
		return ErrAllChannelsFailed
	}

	m.stats.MarkSent(msg.Type)
	m.maybeWarnStorm()
	return nil
}

// inbound is the single convergence point for every channel's receive
// path. Session scoping, addressing, staleness and dedup all happen here
// so channel adapters stay dumb pipes.
func (m *Mux) inbound(msg core.SignalingMessage) {
	if msg.Validate() != nil {
		return
	}
	if msg.SessionID != m.cfg.Session {
		return
	}
	if msg.Sender == m.cfg.Self {
		// Own broadcast echoed back by a loop-through channel.
		return
	}
	if !msg.AddressedTo(m.cfg.Self) {
		return
	}
	if msg.Stale(time.Now(), m.cfg.StalenessWindow) {
		log.Debug().Str("module", "signaling").Str("type", string(msg.Type)).Int64("ts", msg.Timestamp).Msg("dropping stale message")
		return
	}
	if !m.dedup.FirstSeen(msg) {
		return
	}

	m.stats.MarkReceived(msg.Type)

	m.mu.Lock()
	deliver := m.deliver
	m.mu.Unlock()
	if deliver != nil {
		deliver(msg)
	}
}

// maybeWarnStorm flags the "message storm but zero receipts" anomaly:
// plenty sent, nothing ever received. Diagnostic only, never escalated.
func (m *Mux) maybeWarnStorm() {
	if m.cfg.StormThreshold == 0 {
		return
	}
	sent, received, _ := m.stats.Totals()
	if sent > m.cfg.StormThreshold && received == 0 && sent%m.cfg.StormThreshold == 0 {
		log.Warn().
			Str("module", "signaling").
			Uint64("sent", sent).
			Msg("many messages sent but none received, signaling may be one-way")
	}
}

func (m *Mux) Close() {
	for _, ch := range m.channels {
		if err := ch.Close(); err != nil {
			log.Debug().Err(err).Str("module", "signaling").Str("channel", ch.Name()).Msg("channel close")
		}
	}
}
