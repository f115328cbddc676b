package core

import (
	"time"

	"github.com/dkeye/Mosaic/internal/domain"
)

type EventKind string

const (
	EventParticipantJoined   EventKind = "participant-joined"
	EventParticipantLeft     EventKind = "participant-left"
	EventStreamAttached      EventKind = "stream-attached"
	EventConnectionDegraded  EventKind = "connection-degraded"
	EventVideoLost           EventKind = "video-lost"
	EventVideoRestored       EventKind = "video-restored"
	EventRetriesExhausted    EventKind = "retries-exhausted"
	EventMediaAcquireFailure EventKind = "media-acquire-failure"
)

// Event is a status notification funneled into the session directory.
// StreamID is only set for stream-attached; Err only for failure kinds.
type Event struct {
	Kind        EventKind
	Participant domain.ParticipantID
	StreamID    string
	Err         string
	At          time.Time
}

// EventSink receives status events from every orchestration component.
// The session directory is the single implementation in production; tests
// substitute recorders. Publish must not block.
type EventSink interface {
	Publish(Event)
}
