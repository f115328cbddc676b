package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Mosaic/internal/core"
)

// loopChannel is an in-memory SignalChannel: sends are recorded and can
// be waited on, inbound messages are injected by tests.
type loopChannel struct {
	mu      sync.Mutex
	sent    []core.SignalingMessage
	sentCh  chan core.SignalingMessage
	deliver func(core.SignalingMessage)
}

func newLoopChannel() *loopChannel {
	return &loopChannel{sentCh: make(chan core.SignalingMessage, 128)}
}

func (c *loopChannel) Name() string { return "loop" }

func (c *loopChannel) Send(_ context.Context, msg core.SignalingMessage) error {
	c.mu.Lock()
	c.sent = append(c.sent, msg)
	c.mu.Unlock()
	select {
	case c.sentCh <- msg:
	default:
	}
	return nil
}

func (c *loopChannel) Start(_ context.Context, deliver func(core.SignalingMessage)) error {
	c.mu.Lock()
	c.deliver = deliver
	c.mu.Unlock()
	return nil
}

func (c *loopChannel) Close() error { return nil }

func (c *loopChannel) inject(msg core.SignalingMessage) {
	c.mu.Lock()
	deliver := c.deliver
	c.mu.Unlock()
	if deliver != nil {
		deliver(msg)
	}
}

func (c *loopChannel) waitFor(t *testing.T, want core.MessageType, timeout time.Duration) core.SignalingMessage {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case msg := <-c.sentCh:
			if msg.Type == want {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for outbound %s", want)
			return core.SignalingMessage{}
		}
	}
}

// stubMedia is the minimal scriptable MediaConnection the engine tests
// need; negotiation always succeeds.
type stubMedia struct {
	mu        sync.Mutex
	closed    bool
	remoteSet bool
	keyframes []uint32

	onTrack func(context.Context, core.RemoteTrack)
	onState func(core.ConnState)
}

func (f *stubMedia) Start(context.Context) error { return nil }

func (f *stubMedia) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *stubMedia) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *stubMedia) AddICECandidate(webrtc.ICECandidateInit) error { return nil }

func (f *stubMedia) RemoteDescriptionSet() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteSet
}

func (f *stubMedia) CreateAndSetOffer() (*webrtc.SessionDescription, error) {
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 stub-offer"}, nil
}

func (f *stubMedia) ApplyAnswer(webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteSet = true
	return nil
}

func (f *stubMedia) ApplyOfferAndCreateAnswer(webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteSet = true
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 stub-answer"}, nil
}

func (f *stubMedia) OnICECandidate(func(webrtc.ICECandidateInit)) {}

func (f *stubMedia) OnTrack(fn func(context.Context, core.RemoteTrack)) {
	f.mu.Lock()
	f.onTrack = fn
	f.mu.Unlock()
}

func (f *stubMedia) OnStateChange(fn func(core.ConnState)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}

func (f *stubMedia) ICEAlive() bool { return true }

func (f *stubMedia) RequestKeyframe(ssrc uint32) error {
	f.mu.Lock()
	f.keyframes = append(f.keyframes, ssrc)
	f.mu.Unlock()
	return nil
}

func (f *stubMedia) AddLocalTrack(*webrtc.TrackLocalStaticRTP) (*webrtc.RTPSender, error) {
	return nil, nil
}

func (f *stubMedia) fireState(st core.ConnState) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (f *stubMedia) fireTrack(streamID string) {
	f.mu.Lock()
	fn := f.onTrack
	f.mu.Unlock()
	if fn != nil {
		fn(context.Background(), core.RemoteTrack{ID: "t-" + streamID, StreamID: streamID, Kind: "video"})
	}
}

// mediaBank hands out stubMedia connections and remembers them so tests
// can fire their callbacks.
type mediaBank struct {
	mu    sync.Mutex
	conns []*stubMedia
}

func (b *mediaBank) new() *stubMedia {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := &stubMedia{}
	b.conns = append(b.conns, m)
	return m
}

func (b *mediaBank) latest(t *testing.T, timeout time.Duration) *stubMedia {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		b.mu.Lock()
		n := len(b.conns)
		var m *stubMedia
		if n > 0 {
			m = b.conns[n-1]
		}
		b.mu.Unlock()
		if m != nil {
			return m
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no media connection was created")
	return nil
}
