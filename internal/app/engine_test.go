package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/Mosaic/internal/core"
	"github.com/dkeye/Mosaic/internal/directory"
	"github.com/dkeye/Mosaic/internal/domain"
	"github.com/dkeye/Mosaic/internal/peer"
	"github.com/dkeye/Mosaic/internal/signaling"
	"github.com/dkeye/Mosaic/internal/watchdog"
)

const testSession = domain.SessionID("11111111-2222-3333-4444-555555555555")

type engineRig struct {
	engine *Engine
	ch     *loopChannel
	bank   *mediaBank
	dir    *directory.Directory
}

func newRig(t *testing.T, role peer.Role, self domain.ParticipantID) *engineRig {
	t.Helper()
	ch := newLoopChannel()
	bank := &mediaBank{}
	dir := directory.New(4)
	dog := watchdog.New(watchdog.Config{Poll: time.Hour}, dir)
	mux := signaling.NewMux(signaling.Config{Self: self, Session: testSession}, ch)

	caps := core.Capabilities{Transport: true, Capture: true}
	e := NewEngine(Config{
		Role:             role,
		Session:          testSession,
		Self:             self,
		SelfClass:        domain.DeviceDefault,
		DisplayName:      "tester",
		Capabilities:     caps,
		NewMedia:         func(domain.ParticipantID) (core.MediaConnection, error) { return bank.new(), nil },
		RetryBase:        10 * time.Millisecond,
		HeartbeatMobile:  time.Hour,
		HeartbeatDefault: time.Hour,
	}, mux, dir, dog)

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("engine start: %v", err)
	}
	t.Cleanup(e.Close)
	return &engineRig{engine: e, ch: ch, bank: bank, dir: dir}
}

func (r *engineRig) injectFrom(t *testing.T, sender domain.ParticipantID, mt core.MessageType, payload any) {
	t.Helper()
	msg, err := core.NewMessage(mt, sender, "", testSession, payload)
	if err != nil {
		t.Fatalf("build %s: %v", mt, err)
	}
	r.ch.inject(msg)
}

func waitRecord(t *testing.T, dir *directory.Directory, id domain.ParticipantID, ok func(directory.Record) bool) directory.Record {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, rec := range dir.Snapshot().Participants {
			if rec.ID == id && ok(rec) {
				return rec
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("record for %s never reached expected shape: %+v", id, dir.Snapshot().Participants)
	return directory.Record{}
}

func TestHostOffersOnReady(t *testing.T) {
	t.Parallel()
	r := newRig(t, peer.RoleHost, "host")

	r.injectFrom(t, "p1", core.MessageReady, core.ReadyPayload{DisplayName: "cam one", DeviceClass: "mobile"})

	offer := r.ch.waitFor(t, core.MessageOffer, 2*time.Second)
	if offer.Receiver != "p1" {
		t.Errorf("offer receiver: got %q, want p1", offer.Receiver)
	}

	rec := waitRecord(t, r.dir, "p1", func(rec directory.Record) bool { return rec.Active })
	if rec.DisplayName != "cam one" || rec.DeviceClass != domain.DeviceMobile {
		t.Errorf("record: %+v", rec)
	}
	snap := r.dir.Snapshot()
	if snap.Slots[0].Occupant != "p1" {
		t.Errorf("slot 0: got %q, want p1", snap.Slots[0].Occupant)
	}
}

func TestHostRejectsOverlongDisplayName(t *testing.T) {
	t.Parallel()
	r := newRig(t, peer.RoleHost, "host")

	longName := strings.Repeat("x", domain.MaxDisplayNameLen+1)
	r.injectFrom(t, "p1", core.MessageReady, core.ReadyPayload{DisplayName: longName, DeviceClass: "mobile"})

	r.ch.waitFor(t, core.MessageOffer, 2*time.Second)

	rec := waitRecord(t, r.dir, "p1", func(rec directory.Record) bool { return rec.Active })
	if rec.DisplayName != "" {
		t.Errorf("display name: got %q, want empty after rejection", rec.DisplayName)
	}
	if rec.DeviceClass != domain.DeviceMobile {
		t.Errorf("device class: got %q, want mobile", rec.DeviceClass)
	}
}

func TestHostHandshakeAttachesStream(t *testing.T) {
	t.Parallel()
	r := newRig(t, peer.RoleHost, "host")

	r.injectFrom(t, "p1", core.MessageReady, core.ReadyPayload{DisplayName: "cam"})
	r.ch.waitFor(t, core.MessageOffer, 2*time.Second)

	r.injectFrom(t, "p1", core.MessageAnswer, core.DescriptionPayload{SDP: "v=0 answer"})
	m := r.bank.latest(t, 2*time.Second)
	m.fireState(core.ConnConnected)
	m.fireTrack("stream-1")

	waitRecord(t, r.dir, "p1", func(rec directory.Record) bool { return rec.HasMedia })

	h, ok := r.dir.Peer("p1")
	if !ok || !h.Connected() {
		t.Error("peer not connected after handshake")
	}
}

func TestLeaveRemovesParticipant(t *testing.T) {
	t.Parallel()
	r := newRig(t, peer.RoleHost, "host")

	r.injectFrom(t, "p1", core.MessageReady, core.ReadyPayload{DisplayName: "cam"})
	r.ch.waitFor(t, core.MessageOffer, 2*time.Second)

	r.injectFrom(t, "p1", core.MessageLeave, nil)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := r.dir.Peer("p1"); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("participant still present after leave")
}

func TestParticipantAnnouncesAndAnswers(t *testing.T) {
	t.Parallel()
	r := newRig(t, peer.RoleParticipant, "p1")

	ready := r.ch.waitFor(t, core.MessageReady, 2*time.Second)
	if ready.Receiver != "" {
		t.Errorf("ready should be a broadcast, got receiver %q", ready.Receiver)
	}

	r.injectFrom(t, "host", core.MessageOffer, core.DescriptionPayload{SDP: "v=0 offer"})

	answer := r.ch.waitFor(t, core.MessageAnswer, 2*time.Second)
	if answer.Receiver != "host" {
		t.Errorf("answer receiver: got %q, want host", answer.Receiver)
	}
}

func TestStartRequiresTransportCapability(t *testing.T) {
	t.Parallel()
	ch := newLoopChannel()
	dir := directory.New(4)
	dog := watchdog.New(watchdog.Config{Poll: time.Hour}, dir)
	mux := signaling.NewMux(signaling.Config{Self: "host", Session: testSession}, ch)
	e := NewEngine(Config{
		Role:         peer.RoleHost,
		Session:      testSession,
		Self:         "host",
		Capabilities: core.Capabilities{Transport: false},
	}, mux, dir, dog)

	if err := e.Start(context.Background()); !errors.Is(err, ErrNoTransport) {
		t.Fatalf("start without transport: got %v, want ErrNoTransport", err)
	}
}

func TestRemoveParticipantBroadcastsLeave(t *testing.T) {
	t.Parallel()
	r := newRig(t, peer.RoleHost, "host")

	r.injectFrom(t, "p1", core.MessageReady, core.ReadyPayload{DisplayName: "cam"})
	r.ch.waitFor(t, core.MessageOffer, 2*time.Second)

	if err := r.engine.RemoveParticipant("p1"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	leave := r.ch.waitFor(t, core.MessageLeave, 2*time.Second)
	if leave.Receiver != "p1" {
		t.Errorf("leave receiver: got %q, want p1", leave.Receiver)
	}
	if _, ok := r.dir.Peer("p1"); ok {
		t.Error("peer still registered after remove")
	}
	if err := r.engine.RemoveParticipant("ghost"); !errors.Is(err, ErrUnknownPeer) {
		t.Errorf("removing unknown peer: got %v, want ErrUnknownPeer", err)
	}
}

func TestRetryConnectionRebuildsSession(t *testing.T) {
	t.Parallel()
	r := newRig(t, peer.RoleHost, "host")

	r.injectFrom(t, "p1", core.MessageReady, core.ReadyPayload{DisplayName: "cam"})
	r.ch.waitFor(t, core.MessageOffer, 2*time.Second)
	first := r.bank.latest(t, 2*time.Second)

	if err := r.engine.RetryConnection("p1"); err != nil {
		t.Fatalf("retry: %v", err)
	}

	r.ch.waitFor(t, core.MessageOffer, 2*time.Second)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.bank.latest(t, time.Second) != first && first.IsClosed() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("retry did not rebuild the media connection")
}
