package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// ConnState is the transport-level connection state, abstracted away from
// the pion enums so the state machine can be tested without a real
// PeerConnection.
type ConnState int

const (
	ConnNew ConnState = iota
	ConnConnected
	ConnDisconnected
	ConnFailed
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnConnected:
		return "connected"
	case ConnDisconnected:
		return "disconnected"
	case ConnFailed:
		return "failed"
	case ConnClosed:
		return "closed"
	default:
		return "new"
	}
}

// RemoteTrack describes an inbound media track. Raw is the underlying
// pion track for the intake pump; metadata is copied out so the state
// machine never has to touch pion types.
type RemoteTrack struct {
	ID       string
	StreamID string
	SSRC     uint32
	Kind     string
	Raw      *webrtc.TrackRemote
}

type MediaConnection interface {
	// Start configures internal callbacks and binds the connection lifetime to ctx.
	Start(ctx context.Context) error
	// Close should stop all underlying media resources.
	Close()
	IsClosed() bool
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// RemoteDescriptionSet reports whether a remote SDP has been applied,
	// the gate for direct candidate application vs. buffering.
	RemoteDescriptionSet() bool
	// CreateAndSetOffer builds the local offer (host side).
	CreateAndSetOffer() (*webrtc.SessionDescription, error)
	// ApplyAnswer applies the remote answer (host side).
	ApplyAnswer(webrtc.SessionDescription) error
	// ApplyOfferAndCreateAnswer handles the answering side in one step.
	ApplyOfferAndCreateAnswer(webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(ctx context.Context, track RemoteTrack))
	// OnStateChange sets a callback for transport state transitions.
	OnStateChange(func(ConnState))
	// ICEAlive reports whether the ICE sub-state is connected/completed.
	// The liveness monitor uses it to escalate silent mobile peers.
	ICEAlive() bool
	// RequestKeyframe asks the remote end to resume with a keyframe (PLI).
	RequestKeyframe(ssrc uint32) error
	// AddLocalTrack attaches a local static RTP track (participant role).
	AddLocalTrack(track *webrtc.TrackLocalStaticRTP) (*webrtc.RTPSender, error)
}

// MediaFactory creates a fresh MediaConnection for one negotiation
// attempt. A failure is an acquisition error, surfaced to the user
// rather than silently retried.
type MediaFactory func() (MediaConnection, error)

// Capabilities is the probe result consumed before negotiating at all.
type Capabilities struct {
	Transport bool
	Capture   bool
}
