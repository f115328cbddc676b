package core

import "github.com/dkeye/Mosaic/internal/domain"

// PeerHandle is what the session directory owns per participant. The
// directory guarantees at most one live handle per id; adopting a new one
// tears the old one down first.
type PeerHandle interface {
	Remote() domain.ParticipantID
	// Live reports whether the session has not reached Closed.
	Live() bool
	// Connected reports an established, media-bearing session.
	Connected() bool
	// Deliver posts an inbound signaling message into the session's
	// command queue. Returns false once the session is closed.
	Deliver(SignalingMessage) bool
	// Close tears the session down: timers canceled, candidate buffer
	// cleared, media closed, all as one step.
	Close()
}
