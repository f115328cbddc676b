// Package peer drives the per-participant connection handshake: one
// single-writer actor per remote end consumes commands from signaling,
// media callbacks and timers, so concurrent firings can never interleave
// mutations of the same session.
package peer

import (
	"context"
	"errors"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Mosaic/internal/core"
	"github.com/dkeye/Mosaic/internal/domain"
)

var (
	errTransportFailed = errors.New("transport failure")
	errTransportGone   = errors.New("transport closed unexpectedly")
	errLivenessLost    = errors.New("liveness lost")
)

type Role int

const (
	RoleHost Role = iota
	RoleParticipant
)

type Config struct {
	Role        Role
	Session     domain.SessionID
	Self        domain.ParticipantID
	Remote      domain.ParticipantID
	RemoteClass domain.DeviceClass
	DisplayName string
	SelfClass   domain.DeviceClass

	RetryBase        time.Duration
	MaxRetries       int
	FlushSpacing     time.Duration
	HeartbeatMobile  time.Duration
	HeartbeatDefault time.Duration
}

func (c *Config) withDefaults() {
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.FlushSpacing <= 0 {
		c.FlushSpacing = 10 * time.Millisecond
	}
	if c.HeartbeatMobile <= 0 {
		c.HeartbeatMobile = 5 * time.Second
	}
	if c.HeartbeatDefault <= 0 {
		c.HeartbeatDefault = 30 * time.Second
	}
}

// TrackHandler is invoked off the actor when a remote track arrives, so
// the engine can bind an intake pump and a playback sink to it.
type TrackHandler func(ctx context.Context, remote domain.ParticipantID, track core.RemoteTrack, media core.MediaConnection)

// Session is one participant's connection state machine. All fields below
// the command channel are owned by the run loop; external callers only
// post commands (Deliver, Begin, NoteActivity) or cancel (Close).
type Session struct {
	cfg      Config
	sender   core.Sender
	newMedia core.MediaFactory
	events   core.EventSink
	onTrack  TrackHandler
	logger   zerolog.Logger

	cmds   chan func()
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// heartbeatEvery is the send cadence: the shorter of the local and
	// remote class intervals. A mobile end must keep the link warm at
	// the mobile rate even when its remote is on the long default
	// interval, or the remote's monitor declares it silent.
	heartbeatEvery time.Duration

	state atomicState

	// Actor-owned. gen counts media generations: callbacks capture the
	// generation they were wired for, and stale continuations no-op.
	media         core.MediaConnection
	gen           uint64
	buffer        *CandidateBuffer
	retry         *Reconnector
	liveness      *livenessMonitor
	transportUp   bool
	trackAttached bool
	streamID      string
	joined        bool
	flushed       bool
}

func New(
	parent context.Context,
	cfg Config,
	sender core.Sender,
	factory core.MediaFactory,
	events core.EventSink,
	onTrack TrackHandler,
) *Session {
	cfg.withDefaults()
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		cfg:      cfg,
		sender:   sender,
		newMedia: factory,
		events:   events,
		onTrack:  onTrack,
		logger: log.With().
			Str("module", "peer").
			Str("self", string(cfg.Self)).
			Str("remote", string(cfg.Remote)).
			Logger(),
		cmds:     make(chan func(), 64),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		buffer:   NewCandidateBuffer(),
		retry:    NewReconnector(cfg.RetryBase, cfg.MaxRetries),
		liveness: newLivenessMonitor(cfg.RemoteClass, cfg.HeartbeatMobile, cfg.HeartbeatDefault),
	}
	s.heartbeatEvery = cfg.HeartbeatDefault
	if cfg.SelfClass == domain.DeviceMobile {
		s.heartbeatEvery = cfg.HeartbeatMobile
	}
	if l := s.liveness.Interval(); l < s.heartbeatEvery {
		s.heartbeatEvery = l
	}
	go s.run()
	go s.heartbeatLoop()
	return s
}

func (s *Session) Remote() domain.ParticipantID { return s.cfg.Remote }
func (s *Session) State() State                 { return s.state.Load() }
func (s *Session) Live() bool                   { return s.State() != StateClosed }
func (s *Session) Connected() bool              { return s.State() == StateConnected }

// Begin starts negotiation: the host opens a connection and offers, a
// participant announces it is ready and waits for the host's offer.
func (s *Session) Begin() {
	s.post(func() {
		switch s.cfg.Role {
		case RoleHost:
			s.startOffer()
		case RoleParticipant:
			s.announceReady()
		}
	})
}

// Deliver posts an inbound signaling message into the actor. Returns
// false once the session is closed.
func (s *Session) Deliver(msg core.SignalingMessage) bool {
	return s.post(func() { s.handleMessage(msg) })
}

// NoteActivity records inbound media activity for the liveness monitor.
func (s *Session) NoteActivity() {
	s.post(func() { s.markActivity() })
}

// Close tears the session down and waits for the actor to finish its
// cleanup: timers canceled, candidate buffer cleared, media closed, state
// Closed. Safe to call more than once.
func (s *Session) Close() {
	s.cancel()
	<-s.done
}

func (s *Session) post(fn func()) bool {
	select {
	case <-s.ctx.Done():
		return false
	case s.cmds <- fn:
		return true
	}
}

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			s.teardown()
			return
		case fn := <-s.cmds:
			fn()
		}
	}
}

func (s *Session) heartbeatLoop() {
	ticker := time.NewTicker(s.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.post(s.heartbeatTick)
		}
	}
}

// --- actor-side handlers -------------------------------------------------

func (s *Session) handleMessage(msg core.SignalingMessage) {
	switch msg.Type {
	case core.MessageHeartbeat:
		s.markActivity()
	case core.MessageOffer:
		s.handleOffer(msg)
	case core.MessageAnswer:
		s.handleAnswer(msg)
	case core.MessageCandidate:
		s.handleCandidate(msg)
	case core.MessageLeave:
		s.handleLeave()
	default:
		s.logger.Warn().Str("type", string(msg.Type)).Msg("unexpected message for session")
	}
}

func (s *Session) startOffer() {
	st := s.State()
	if st != StateIdle && st != StateFailed {
		s.logger.Debug().Str("state", st.String()).Msg("startOffer ignored")
		return
	}
	if !s.transition(StateOffering) {
		return
	}
	if err := s.openMedia(); err != nil {
		s.mediaAcquireFailed(err)
		return
	}

	offer, err := s.media.CreateAndSetOffer()
	if err != nil {
		// Negotiation errors get one immediate retry before the backoff
		// controller takes over.
		s.logger.Warn().Err(err).Msg("offer creation failed, retrying once")
		offer, err = s.media.CreateAndSetOffer()
	}
	if err != nil {
		s.fail(err)
		return
	}

	msg, err := core.NewMessage(core.MessageOffer, s.cfg.Self, s.cfg.Remote, s.cfg.Session,
		core.DescriptionPayload{SDP: offer.SDP})
	if err != nil {
		s.fail(err)
		return
	}
	s.sendAsync(msg)
	s.logger.Info().Msg("offer sent")
}

func (s *Session) announceReady() {
	st := s.State()
	if st != StateIdle && st != StateFailed {
		return
	}
	if !s.transition(StateAnswering) {
		return
	}
	msg, err := core.NewMessage(core.MessageReady, s.cfg.Self, "", s.cfg.Session,
		core.ReadyPayload{DisplayName: s.cfg.DisplayName, DeviceClass: string(s.cfg.SelfClass)})
	if err != nil {
		s.fail(err)
		return
	}
	s.sendAsync(msg)
	s.logger.Info().Msg("ready announced")
}

func (s *Session) handleOffer(msg core.SignalingMessage) {
	if s.cfg.Role != RoleParticipant {
		s.logger.Warn().Msg("offer received on offering side, ignored")
		return
	}

	st := s.State()
	if st == StateConnected || st == StateDegraded {
		// A fresh offer means the host reset its end; renegotiate.
		s.logger.Info().Msg("offer while connected, renegotiating")
		s.closeMedia()
		if !s.transition(StateFailed) {
			return
		}
		if s.joined {
			s.joined = false
			s.publish(core.EventParticipantLeft, "")
		}
		st = StateFailed
	}
	if st == StateIdle || st == StateFailed {
		if !s.transition(StateAnswering) {
			return
		}
	}

	var p core.DescriptionPayload
	if err := msg.DecodePayload(&p); err != nil {
		s.logger.Error().Err(err).Msg("bad offer payload")
		return
	}

	if s.media == nil {
		if err := s.openMedia(); err != nil {
			s.mediaAcquireFailed(err)
			return
		}
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.SDP}
	answer, err := s.media.ApplyOfferAndCreateAnswer(offer)
	if err != nil {
		s.logger.Warn().Err(err).Msg("answer creation failed, retrying once")
		answer, err = s.media.ApplyOfferAndCreateAnswer(offer)
	}
	if err != nil {
		s.fail(err)
		return
	}

	reply, err := core.NewMessage(core.MessageAnswer, s.cfg.Self, msg.Sender, s.cfg.Session,
		core.DescriptionPayload{SDP: answer.SDP})
	if err != nil {
		s.fail(err)
		return
	}
	s.sendAsync(reply)
	s.markActivity()
	s.flushCandidates()
	s.logger.Info().Msg("answer sent")
}

func (s *Session) handleAnswer(msg core.SignalingMessage) {
	if s.cfg.Role != RoleHost {
		return
	}
	if s.State() != StateOffering {
		s.logger.Debug().Str("state", s.State().String()).Msg("answer ignored in current state")
		return
	}

	var p core.DescriptionPayload
	if err := msg.DecodePayload(&p); err != nil {
		s.logger.Error().Err(err).Msg("bad answer payload")
		return
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.SDP}
	err := s.media.ApplyAnswer(answer)
	if err != nil {
		s.logger.Warn().Err(err).Msg("answer apply failed, retrying once")
		err = s.media.ApplyAnswer(answer)
	}
	if err != nil {
		s.fail(err)
		return
	}
	s.markActivity()
	s.flushCandidates()
	s.logger.Info().Msg("answer applied")
}

func (s *Session) handleCandidate(msg core.SignalingMessage) {
	var ci webrtc.ICECandidateInit
	if err := msg.DecodePayload(&ci); err != nil {
		s.logger.Error().Err(err).Msg("bad candidate payload")
		return
	}
	s.markActivity()

	if s.media != nil && s.media.RemoteDescriptionSet() && s.flushed {
		if err := s.media.AddICECandidate(ci); err != nil {
			s.logger.Warn().Err(err).Msg("candidate rejected")
		}
		return
	}
	s.buffer.Add(ci)
	s.logger.Debug().Int("buffered", s.buffer.Len()).Msg("candidate buffered before remote description")
}

// flushCandidates runs exactly once per media generation, right after the
// remote description is set.
func (s *Session) flushCandidates() {
	if s.flushed || s.media == nil {
		return
	}
	s.flushed = true
	if s.buffer.Len() == 0 {
		return
	}
	applied, skipped := s.buffer.Flush(s.cfg.FlushSpacing, s.media.AddICECandidate, s.logger)
	s.logger.Info().Int("applied", applied).Int("skipped", skipped).Msg("candidate buffer flushed")
}

func (s *Session) handleLeave() {
	s.logger.Info().Msg("remote left")
	s.teardown()
	s.cancel()
}

func (s *Session) heartbeatTick() {
	st := s.State()
	if st == StateClosed {
		return
	}

	msg, err := core.NewMessage(core.MessageHeartbeat, s.cfg.Self, s.cfg.Remote, s.cfg.Session, nil)
	if err == nil {
		s.sendAsync(msg)
	}

	if st != StateConnected && st != StateDegraded {
		return
	}

	now := time.Now()
	if !s.liveness.Silent(now) {
		if st == StateDegraded {
			// Heard from again: probably still alive after all.
			if s.transition(StateConnected) {
				s.logger.Info().Msg("liveness recovered")
			}
		}
		return
	}

	if st == StateConnected {
		if s.transition(StateDegraded) {
			s.publish(core.EventConnectionDegraded, "")
			s.logger.Warn().Dur("silent_for", now.Sub(s.liveness.LastActivity())).Msg("no activity, degraded")
		}
	}

	// Mobile links that also lost ICE connectivity are not coming back on
	// their own; escalate straight to the reconnect path.
	if s.cfg.RemoteClass == domain.DeviceMobile && s.media != nil && !s.media.ICEAlive() {
		s.fail(errLivenessLost)
	}
}

func (s *Session) markActivity() {
	s.liveness.MarkActivity(time.Now())
	if s.State() == StateDegraded {
		if s.transition(StateConnected) {
			s.logger.Info().Msg("activity resumed, connected again")
		}
	}
}

// --- media wiring --------------------------------------------------------

func (s *Session) openMedia() error {
	mc, err := s.newMedia()
	if err != nil {
		return err
	}
	s.gen++
	gen := s.gen
	s.media = mc
	s.transportUp = false
	s.trackAttached = false
	s.flushed = false
	s.streamID = ""

	mc.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		msg, err := core.NewMessage(core.MessageCandidate, s.cfg.Self, s.cfg.Remote, s.cfg.Session, ci)
		if err != nil {
			return
		}
		s.sendAsync(msg)
	})
	mc.OnTrack(func(ctx context.Context, track core.RemoteTrack) {
		s.post(func() { s.onTrackAttached(gen, track.StreamID) })
		if s.onTrack != nil {
			s.onTrack(ctx, s.cfg.Remote, track, mc)
		}
	})
	mc.OnStateChange(func(st core.ConnState) {
		s.post(func() { s.onTransportState(gen, st) })
	})

	if err := mc.Start(s.ctx); err != nil {
		mc.Close()
		s.media = nil
		return err
	}
	return nil
}

func (s *Session) closeMedia() {
	if s.media == nil {
		return
	}
	// Bump the generation first so the close does not loop back in as a
	// transport failure.
	s.gen++
	s.media.Close()
	s.media = nil
	s.transportUp = false
	s.trackAttached = false
	s.flushed = false
}

func (s *Session) onTrackAttached(gen uint64, streamID string) {
	if gen != s.gen {
		return
	}
	s.trackAttached = true
	if s.streamID == "" {
		s.streamID = streamID
	}
	s.liveness.MarkActivity(time.Now())
	s.maybeConnected()
}

func (s *Session) onTransportState(gen uint64, st core.ConnState) {
	if gen != s.gen {
		return
	}
	s.logger.Info().Str("transport", st.String()).Msg("transport state")
	switch st {
	case core.ConnConnected:
		s.transportUp = true
		s.maybeConnected()
	case core.ConnDisconnected:
		// Soft: the liveness monitor decides whether this matters.
	case core.ConnFailed:
		s.fail(errTransportFailed)
	case core.ConnClosed:
		if s.State() != StateClosed {
			s.fail(errTransportGone)
		}
	}
}

// maybeConnected fires the Negotiating->Connected edge: the transport
// must report connected AND at least one inbound track must be attached.
func (s *Session) maybeConnected() {
	if !s.State().Negotiating() {
		return
	}
	if !s.transportUp || !s.trackAttached {
		return
	}
	if !s.transition(StateConnected) {
		return
	}
	s.retry.Reset()
	s.liveness.Reset(time.Now())
	if !s.joined {
		s.joined = true
		s.publish(core.EventParticipantJoined, "")
	}
	s.publish(core.EventStreamAttached, s.streamID)
}

// --- failure handling ----------------------------------------------------

func (s *Session) mediaAcquireFailed(err error) {
	// Capture/transport acquisition is user-actionable: surface it and do
	// not burn retries on it (repeated permission prompts are worse).
	s.logger.Error().Err(err).Msg("media acquisition failed")
	s.transition(StateFailed)
	s.buffer.Clear()
	s.publishErr(core.EventMediaAcquireFailure, err)
}

func (s *Session) fail(cause error) {
	st := s.State()
	if st == StateClosed || st == StateFailed {
		return
	}
	if !s.transition(StateFailed) {
		return
	}
	s.logger.Warn().Err(cause).Msg("session failed")
	s.closeMedia()
	s.buffer.Clear()
	if s.joined {
		s.joined = false
		s.publish(core.EventParticipantLeft, "")
	}

	delay, ok := s.retry.Next()
	if !ok {
		s.logger.Error().Int("attempts", s.retry.Attempts()).Msg("retries exhausted")
		s.publishErr(core.EventRetriesExhausted, cause)
		return
	}
	s.logger.Info().Dur("delay", delay).Int("attempt", s.retry.Attempts()).Msg("retry scheduled")
	s.retry.Schedule(delay, func() {
		s.post(s.restartNegotiation)
	})
}

func (s *Session) restartNegotiation() {
	if s.State() != StateFailed {
		// Stale timer: the session moved on (or closed) meanwhile.
		return
	}
	s.buffer.Clear()
	s.liveness.Reset(time.Now())
	switch s.cfg.Role {
	case RoleHost:
		s.startOffer()
	case RoleParticipant:
		s.announceReady()
	}
}

// teardown is the single cleanup path for Closed. Cancels timers, clears
// the candidate buffer and closes media as one step; idempotent.
func (s *Session) teardown() {
	if s.State() == StateClosed {
		return
	}
	s.state.Store(StateClosed)
	s.retry.Cancel()
	s.buffer.Clear()
	s.closeMedia()
	if s.joined {
		s.joined = false
		s.publish(core.EventParticipantLeft, "")
	}
	s.logger.Info().Msg("session closed")
}

// --- helpers -------------------------------------------------------------

func (s *Session) transition(to State) bool {
	from := s.State()
	if !validTransition(from, to) {
		s.logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("invalid transition rejected")
		return false
	}
	s.state.Store(to)
	s.logger.Info().Str("from", from.String()).Str("to", to.String()).Msg("state")
	return true
}

func (s *Session) sendAsync(msg core.SignalingMessage) {
	go func() {
		if err := s.sender.Send(s.ctx, msg); err != nil {
			s.logger.Debug().Err(err).Str("type", string(msg.Type)).Msg("send failed on all channels")
		}
	}()
}

func (s *Session) publish(kind core.EventKind, streamID string) {
	s.events.Publish(core.Event{
		Kind:        kind,
		Participant: s.cfg.Remote,
		StreamID:    streamID,
		At:          time.Now(),
	})
}

func (s *Session) publishErr(kind core.EventKind, err error) {
	s.events.Publish(core.Event{
		Kind:        kind,
		Participant: s.cfg.Remote,
		Err:         err.Error(),
		At:          time.Now(),
	})
}
