// Package media owns the receiving end of an attached stream: the sink
// the playback watchdog polls and the pump that drains RTP from the
// remote track into it.
package media

import (
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/dkeye/Mosaic/internal/core"
	"github.com/dkeye/Mosaic/internal/domain"
)

// TrackSink binds one remote track to a participant and tracks frame
// progress for the watchdog. ForceResume asks the sender for a keyframe
// through the owning connection.
type TrackSink struct {
	participant domain.ParticipantID
	streamID    string
	ssrc        uint32
	kind        string
	resume      func(ssrc uint32) error

	mu        sync.Mutex
	lastFrame time.Time
	packets   uint64
	bytes     uint64
}

func NewTrackSink(id domain.ParticipantID, track core.RemoteTrack, resume func(uint32) error) *TrackSink {
	return &TrackSink{
		participant: id,
		streamID:    track.StreamID,
		ssrc:        track.SSRC,
		kind:        track.Kind,
		resume:      resume,
	}
}

func (s *TrackSink) ParticipantID() domain.ParticipantID { return s.participant }

func (s *TrackSink) AttachedStreamID() string { return s.streamID }

func (s *TrackSink) Kind() string { return s.kind }

func (s *TrackSink) LastFrameAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFrame
}

func (s *TrackSink) ForceResume() error {
	if s.resume == nil {
		return nil
	}
	return s.resume(s.ssrc)
}

// Stats returns the packet and byte counters accumulated so far.
func (s *TrackSink) Stats() (packets, bytes uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packets, s.bytes
}

func (s *TrackSink) note(pkt *rtp.Packet) {
	s.mu.Lock()
	s.lastFrame = time.Now()
	s.packets++
	s.bytes += uint64(len(pkt.Payload))
	s.mu.Unlock()
}
