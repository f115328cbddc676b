// Package app wires the orchestration core together: signaling in,
// peer sessions per remote, media intake onto watched sinks, status
// events into the directory. The engine is the only component that
// knows all the others.
package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Mosaic/internal/core"
	"github.com/dkeye/Mosaic/internal/directory"
	"github.com/dkeye/Mosaic/internal/domain"
	"github.com/dkeye/Mosaic/internal/media"
	"github.com/dkeye/Mosaic/internal/peer"
	"github.com/dkeye/Mosaic/internal/signaling"
	"github.com/dkeye/Mosaic/internal/watchdog"
)

var (
	ErrNoTransport    = errors.New("media transport unavailable")
	ErrNoCapture      = errors.New("media capture unavailable")
	ErrUnknownPeer    = errors.New("no such participant")
	ErrSessionRunning = errors.New("engine already started")
)

// announceInterval is how often a participant repeats its ready
// broadcast until the host's offer arrives.
const announceInterval = 5 * time.Second

type Config struct {
	Role        peer.Role
	Session     domain.SessionID
	Self        domain.ParticipantID
	SelfClass   domain.DeviceClass
	DisplayName string

	// Capabilities comes from the probe run before any negotiation.
	Capabilities core.Capabilities

	// NewMedia builds one connection attempt toward the given remote.
	NewMedia func(remote domain.ParticipantID) (core.MediaConnection, error)

	RetryBase        time.Duration
	MaxRetries       int
	FlushSpacing     time.Duration
	HeartbeatMobile  time.Duration
	HeartbeatDefault time.Duration
}

type Engine struct {
	cfg    Config
	mux    *signaling.Mux
	dir    *directory.Directory
	dog    *watchdog.Watchdog
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[domain.ParticipantID]*peer.Session
	started  bool
}

func NewEngine(cfg Config, mux *signaling.Mux, dir *directory.Directory, dog *watchdog.Watchdog) *Engine {
	return &Engine{
		cfg: cfg,
		mux: mux,
		dir: dir,
		dog: dog,
		logger: log.With().
			Str("module", "engine").
			Str("self", string(cfg.Self)).
			Logger(),
		sessions: make(map[domain.ParticipantID]*peer.Session),
	}
}

// Start gates on the capability probe, brings the signaling mux up and,
// for participants, begins announcing readiness. A missing transport is
// surfaced immediately; nothing is retried past it.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrSessionRunning
	}
	e.started = true
	e.mu.Unlock()

	if !e.cfg.Capabilities.Transport {
		return ErrNoTransport
	}
	if e.cfg.Role == peer.RoleParticipant && !e.cfg.Capabilities.Capture {
		return ErrNoCapture
	}

	e.ctx, e.cancel = context.WithCancel(ctx)
	if err := e.mux.Start(e.ctx, e.onMessage); err != nil {
		return err
	}
	if e.cfg.Role == peer.RoleParticipant {
		go e.announceLoop()
	}
	e.logger.Info().Str("session", string(e.cfg.Session)).Msg("engine started")
	return nil
}

func (e *Engine) Close() {
	if e.cancel != nil {
		e.cancel()
	}
	e.dir.CloseAll()
	e.mux.Close()
	e.logger.Info().Msg("engine closed")
}

func (e *Engine) Snapshot() directory.Snapshot { return e.dir.Snapshot() }
func (e *Engine) Events() <-chan core.Event    { return e.dir.Subscribe() }
func (e *Engine) Stats() *signaling.Stats      { return e.mux.Stats() }

// announceLoop repeats the ready broadcast until a peer session exists.
// The host may not be listening yet when the participant's page loads.
func (e *Engine) announceLoop() {
	e.announceReady()
	ticker := time.NewTicker(announceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if e.sessionCount() > 0 {
				return
			}
			e.announceReady()
		}
	}
}

func (e *Engine) announceReady() {
	msg, err := core.NewMessage(core.MessageReady, e.cfg.Self, "", e.cfg.Session,
		core.ReadyPayload{DisplayName: e.cfg.DisplayName, DeviceClass: string(e.cfg.SelfClass)})
	if err != nil {
		return
	}
	if err := e.mux.Send(e.ctx, msg); err != nil {
		e.logger.Warn().Err(err).Msg("ready announce failed on all channels")
	}
}

func (e *Engine) sessionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// onMessage is the mux delivery point: already validated, deduplicated
// and addressed to us. Routing only.
func (e *Engine) onMessage(msg core.SignalingMessage) {
	switch msg.Type {
	case core.MessageReady:
		e.handleReady(msg)
	case core.MessageOffer:
		e.handleOffer(msg)
	case core.MessageLeave:
		e.handleLeave(msg)
	default:
		e.deliver(msg)
	}
}

// handleReady is the host's join entry point: record, slot, fresh peer
// session, offer. A ready from an already connected participant is a
// page reload on their side, so the old session is replaced.
func (e *Engine) handleReady(msg core.SignalingMessage) {
	if e.cfg.Role != peer.RoleHost {
		return
	}
	var p core.ReadyPayload
	if err := msg.DecodePayload(&p); err != nil {
		e.logger.Warn().Err(err).Msg("bad ready payload")
		return
	}
	class := domain.ParseDeviceClass(p.DeviceClass, domain.DeviceHints{})

	participant, err := domain.NewParticipant(msg.Sender, p.DisplayName, class)
	if err != nil {
		e.logger.Warn().Err(err).Str("participant", string(msg.Sender)).Msg("display name rejected, joining unnamed")
		participant = &domain.Participant{ID: msg.Sender, DeviceClass: class}
	}
	e.dir.EnsureRecord(participant.ID, participant.DisplayName, participant.DeviceClass)
	e.dir.AssignSlot(msg.Sender)

	e.mu.Lock()
	existing := e.sessions[msg.Sender]
	e.mu.Unlock()
	if existing != nil && existing.Connected() {
		e.logger.Info().Str("participant", string(msg.Sender)).Msg("ready from connected participant, renegotiating")
	}

	s := e.spawnSession(msg.Sender, class)
	s.Begin()
}

// handleOffer creates the participant's session toward the host on
// first contact; afterwards offers flow into the existing session.
func (e *Engine) handleOffer(msg core.SignalingMessage) {
	if e.cfg.Role != peer.RoleParticipant {
		e.deliver(msg)
		return
	}
	e.mu.Lock()
	s := e.sessions[msg.Sender]
	e.mu.Unlock()
	if s == nil || !s.Live() {
		e.dir.EnsureRecord(msg.Sender, "", domain.DeviceDefault)
		s = e.spawnSession(msg.Sender, domain.DeviceDefault)
	}
	s.Deliver(msg)
	e.dir.Touch(msg.Sender)
}

func (e *Engine) handleLeave(msg core.SignalingMessage) {
	e.deliver(msg)
	e.dog.Detach(msg.Sender)
	e.dropSession(msg.Sender)
	e.dir.Remove(msg.Sender)
}

func (e *Engine) deliver(msg core.SignalingMessage) {
	e.mu.Lock()
	s := e.sessions[msg.Sender]
	e.mu.Unlock()
	if s == nil {
		e.logger.Debug().Str("type", string(msg.Type)).Str("sender", string(msg.Sender)).Msg("message for unknown peer dropped")
		return
	}
	if s.Deliver(msg) {
		e.dir.Touch(msg.Sender)
	}
}

// spawnSession builds the peer state machine for one remote and hands
// ownership to the directory, which tears down any predecessor.
func (e *Engine) spawnSession(remote domain.ParticipantID, class domain.DeviceClass) *peer.Session {
	factory := func() (core.MediaConnection, error) {
		return e.cfg.NewMedia(remote)
	}
	var s *peer.Session
	s = peer.New(e.ctx, peer.Config{
		Role:             e.cfg.Role,
		Session:          e.cfg.Session,
		Self:             e.cfg.Self,
		Remote:           remote,
		RemoteClass:      class,
		DisplayName:      e.cfg.DisplayName,
		SelfClass:        e.cfg.SelfClass,
		RetryBase:        e.cfg.RetryBase,
		MaxRetries:       e.cfg.MaxRetries,
		FlushSpacing:     e.cfg.FlushSpacing,
		HeartbeatMobile:  e.cfg.HeartbeatMobile,
		HeartbeatDefault: e.cfg.HeartbeatDefault,
	}, e.mux, factory, e.dir, func(ctx context.Context, remote domain.ParticipantID, track core.RemoteTrack, mc core.MediaConnection) {
		e.attachTrack(ctx, s, track, mc)
	})

	e.mu.Lock()
	e.sessions[remote] = s
	e.mu.Unlock()
	e.dir.AdoptPeer(s)
	return s
}

func (e *Engine) dropSession(remote domain.ParticipantID) {
	e.mu.Lock()
	delete(e.sessions, remote)
	e.mu.Unlock()
}

// attachTrack binds an arriving remote track to a playback sink and an
// intake pump. Video sinks go under the watchdog; audio only feeds the
// liveness monitor.
func (e *Engine) attachTrack(ctx context.Context, s *peer.Session, track core.RemoteTrack, mc core.MediaConnection) {
	sink := media.NewTrackSink(s.Remote(), track, mc.RequestKeyframe)
	if sink.Kind() == "video" {
		e.dog.Attach(sink)
	}
	if track.Raw != nil {
		go media.Pump(ctx, track, sink, s.NoteActivity)
	}
}

// --- host commands -------------------------------------------------------

// SelectParticipant marks one remote as the transmission focus.
func (e *Engine) SelectParticipant(id domain.ParticipantID) error {
	if !e.dir.Select(id) {
		return ErrUnknownPeer
	}
	return nil
}

// RemoveParticipant kicks a remote: leave is broadcast so the other end
// stops reconnecting, then everything local is dropped.
func (e *Engine) RemoveParticipant(id domain.ParticipantID) error {
	e.mu.Lock()
	_, known := e.sessions[id]
	e.mu.Unlock()
	if !known {
		return ErrUnknownPeer
	}
	if msg, err := core.NewMessage(core.MessageLeave, e.cfg.Self, id, e.cfg.Session, nil); err == nil {
		_ = e.mux.Send(e.ctx, msg)
	}
	e.dog.Detach(id)
	e.dropSession(id)
	e.dir.Remove(id)
	return nil
}

// RetryConnection rebuilds the peer session from scratch, resetting the
// backoff budget. This is the manual escape hatch after retries ran out.
func (e *Engine) RetryConnection(id domain.ParticipantID) error {
	e.mu.Lock()
	old := e.sessions[id]
	e.mu.Unlock()
	if old == nil {
		return ErrUnknownPeer
	}
	class := domain.DeviceDefault
	for _, rec := range e.dir.Snapshot().Participants {
		if rec.ID == id && rec.DeviceClass != "" {
			class = rec.DeviceClass
		}
	}
	e.dog.Detach(id)
	s := e.spawnSession(id, class) // AdoptPeer closes the old session
	s.Begin()
	return nil
}

// ForceReconnectAll rebuilds every current peer session.
func (e *Engine) ForceReconnectAll() {
	e.mu.Lock()
	ids := make([]domain.ParticipantID, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		if err := e.RetryConnection(id); err != nil {
			e.logger.Warn().Err(err).Str("participant", string(id)).Msg("force reconnect failed")
		}
	}
	e.logger.Info().Int("peers", len(ids)).Msg("forced reconnect for all peers")
}

// RecoverVideo manually kicks a stalled sink and rearms its watchdog.
func (e *Engine) RecoverVideo(id domain.ParticipantID) error {
	return e.dog.ForceResume(id)
}
