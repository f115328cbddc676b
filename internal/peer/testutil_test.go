package peer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Mosaic/internal/core"
)

// fakeMedia is a scriptable MediaConnection. Tests fire transport state
// and track callbacks to walk the session through its state graph.
type fakeMedia struct {
	mu        sync.Mutex
	started   bool
	closed    bool
	remoteSet bool
	applied   []webrtc.ICECandidateInit
	offerErr  error
	applyErr  error
	candErr   error
	iceAlive  bool
	keyframes []uint32

	onICE   func(webrtc.ICECandidateInit)
	onTrack func(context.Context, core.RemoteTrack)
	onState func(core.ConnState)
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{iceAlive: true}
}

func (f *fakeMedia) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeMedia) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeMedia) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeMedia) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.candErr != nil {
		return f.candErr
	}
	f.applied = append(f.applied, c)
	return nil
}

func (f *fakeMedia) RemoteDescriptionSet() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteSet
}

func (f *fakeMedia) CreateAndSetOffer() (*webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offerErr != nil {
		return nil, f.offerErr
	}
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 fake-offer"}, nil
}

func (f *fakeMedia) ApplyAnswer(webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return f.applyErr
	}
	f.remoteSet = true
	return nil
}

func (f *fakeMedia) ApplyOfferAndCreateAnswer(webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return nil, f.applyErr
	}
	f.remoteSet = true
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 fake-answer"}, nil
}

func (f *fakeMedia) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onICE = fn
}

func (f *fakeMedia) OnTrack(fn func(context.Context, core.RemoteTrack)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onTrack = fn
}

func (f *fakeMedia) OnStateChange(fn func(core.ConnState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onState = fn
}

func (f *fakeMedia) ICEAlive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.iceAlive
}

func (f *fakeMedia) RequestKeyframe(ssrc uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keyframes = append(f.keyframes, ssrc)
	return nil
}

func (f *fakeMedia) AddLocalTrack(*webrtc.TrackLocalStaticRTP) (*webrtc.RTPSender, error) {
	return nil, nil
}

func (f *fakeMedia) fireState(st core.ConnState) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (f *fakeMedia) fireTrack(streamID string) {
	f.mu.Lock()
	fn := f.onTrack
	f.mu.Unlock()
	if fn != nil {
		fn(context.Background(), core.RemoteTrack{ID: "t-" + streamID, StreamID: streamID, Kind: "video"})
	}
}

func (f *fakeMedia) appliedCandidates() []webrtc.ICECandidateInit {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(f.applied))
	copy(out, f.applied)
	return out
}

// fakeSender records every message the session sends on any channel.
type fakeSender struct {
	mu   sync.Mutex
	msgs []core.SignalingMessage
	ch   chan core.SignalingMessage
}

func newFakeSender() *fakeSender {
	return &fakeSender{ch: make(chan core.SignalingMessage, 128)}
}

func (f *fakeSender) Send(_ context.Context, msg core.SignalingMessage) error {
	f.mu.Lock()
	f.msgs = append(f.msgs, msg)
	f.mu.Unlock()
	select {
	case f.ch <- msg:
	default:
	}
	return nil
}

func (f *fakeSender) waitFor(t *testing.T, want core.MessageType, timeout time.Duration) core.SignalingMessage {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case msg := <-f.ch:
			if msg.Type == want {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s message", want)
			return core.SignalingMessage{}
		}
	}
}

// eventRecorder is an EventSink capturing the events a session publishes.
type eventRecorder struct {
	mu     sync.Mutex
	events []core.Event
	ch     chan core.Event
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{ch: make(chan core.Event, 128)}
}

func (r *eventRecorder) Publish(e core.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	select {
	case r.ch <- e:
	default:
	}
}

func (r *eventRecorder) waitFor(t *testing.T, want core.EventKind, timeout time.Duration) core.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case e := <-r.ch:
			if e.Kind == want {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
			return core.Event{}
		}
	}
}

func (r *eventRecorder) countKind(want core.EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == want {
			n++
		}
	}
	return n
}
