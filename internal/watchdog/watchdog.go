// Package watchdog verifies that attached streams are actually rendering.
// A connected transport says nothing about playback: the watchdog polls
// every sink and kicks the ones whose frames stopped advancing.
package watchdog

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Mosaic/internal/core"
	"github.com/dkeye/Mosaic/internal/domain"
)

type Config struct {
	Poll           time.Duration
	StallThreshold int
}

func (c *Config) withDefaults() {
	if c.Poll <= 0 {
		c.Poll = 2 * time.Second
	}
	if c.StallThreshold <= 0 {
		c.StallThreshold = 3
	}
}

type sinkState struct {
	lastFrame time.Time
	primed    bool
	stalls    int
	lost      bool

	// rearmed lets the sweep retry a lost sink for one more stall budget
	// after a manual recover, without re-announcing the loss.
	rearmed bool
}

type Watchdog struct {
	cfg    Config
	events core.EventSink

	mu     sync.Mutex
	sinks  map[domain.ParticipantID]core.PlaybackSink
	states map[domain.ParticipantID]*sinkState
}

func New(cfg Config, events core.EventSink) *Watchdog {
	cfg.withDefaults()
	return &Watchdog{
		cfg:    cfg,
		events: events,
		sinks:  make(map[domain.ParticipantID]core.PlaybackSink),
		states: make(map[domain.ParticipantID]*sinkState),
	}
}

func (w *Watchdog) Attach(sink core.PlaybackSink) {
	id := sink.ParticipantID()
	w.mu.Lock()
	w.sinks[id] = sink
	w.states[id] = &sinkState{}
	w.mu.Unlock()
	log.Info().Str("module", "watchdog").Str("participant", string(id)).Msg("sink attached")
}

func (w *Watchdog) Detach(id domain.ParticipantID) {
	w.mu.Lock()
	delete(w.sinks, id)
	delete(w.states, id)
	w.mu.Unlock()
}

// ForceResume kicks one sink on demand (the UI "recover video" path) and
// rearms automatic resumes for it.
func (w *Watchdog) ForceResume(id domain.ParticipantID) error {
	w.mu.Lock()
	sink, ok := w.sinks[id]
	if st, has := w.states[id]; has {
		st.stalls = 0
		st.rearmed = true
	}
	w.mu.Unlock()
	if !ok {
		return nil
	}
	return sink.ForceResume()
}

func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Poll)
	defer ticker.Stop()
	log.Info().Str("module", "watchdog").Dur("poll", w.cfg.Poll).Int("threshold", w.cfg.StallThreshold).Msg("watchdog running")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

// sweep compares each sink's frame clock against the previous poll. The
// first poll after attach only records a baseline; a sink counts as
// stalled once it has a stream and a full cycle passed without progress.
func (w *Watchdog) sweep() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, sink := range w.sinks {
		st := w.states[id]
		if st == nil {
			continue
		}
		w.inspect(id, sink, st)
	}
}

func (w *Watchdog) inspect(id domain.ParticipantID, sink core.PlaybackSink, st *sinkState) {
	if sink.AttachedStreamID() == "" {
		st.primed = false
		st.stalls = 0
		return
	}

	last := sink.LastFrameAt()
	prev := st.lastFrame
	primed := st.primed
	st.lastFrame = last
	st.primed = true

	if !primed {
		return
	}

	if last.After(prev) {
		if st.lost {
			st.lost = false
			w.publish(core.EventVideoRestored, id)
			log.Info().Str("module", "watchdog").Str("participant", string(id)).Msg("video restored")
		}
		st.stalls = 0
		st.rearmed = false
		return
	}

	if st.lost && !st.rearmed {
		// Already surfaced; wait for an explicit recover instead of
		// hammering the peer with keyframe requests.
		return
	}

	st.stalls++
	log.Warn().Str("module", "watchdog").Str("participant", string(id)).Int("consecutive", st.stalls).Msg("sink stalled, forcing resume")
	if err := sink.ForceResume(); err != nil {
		log.Error().Err(err).Str("module", "watchdog").Str("participant", string(id)).Msg("forced resume failed")
	}

	if st.stalls >= w.cfg.StallThreshold {
		if !st.lost {
			st.lost = true
			w.publish(core.EventVideoLost, id)
		}
		st.rearmed = false
	}
}

func (w *Watchdog) publish(kind core.EventKind, id domain.ParticipantID) {
	w.events.Publish(core.Event{Kind: kind, Participant: id, At: time.Now()})
}
