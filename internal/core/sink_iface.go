package core

import (
	"time"

	"github.com/dkeye/Mosaic/internal/domain"
)

// PlaybackSink is the rendering target a received stream is attached to.
// "Connected" is not "rendering": the watchdog polls sinks to verify the
// stream is actually advancing and commands a resume when it is not.
type PlaybackSink interface {
	ParticipantID() domain.ParticipantID
	// AttachedStreamID returns the bound stream id, or "" when nothing is
	// attached yet.
	AttachedStreamID() string
	// LastFrameAt is the arrival time of the most recent frame data.
	LastFrameAt() time.Time
	// ForceResume kicks a stalled sink (keyframe request upstream).
	ForceResume() error
}
