package domain

import (
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

type SessionID string

var ErrInvalidSessionID = errors.New("invalid session id")

// Session is the immutable scope for everything else: created once on the
// host when the join link is generated, never mutated afterwards.
type Session struct {
	ID        SessionID
	CreatedAt time.Time
	Capacity  int
}

func NewSession(capacity int) *Session {
	return &Session{
		ID:        SessionID(uuid.NewString()),
		CreatedAt: time.Now(),
		Capacity:  capacity,
	}
}

// ParseSessionID validates a raw id from a join URL. Anything that is not
// a UUID is rejected at page entry.
func ParseSessionID(raw string) (SessionID, error) {
	if _, err := uuid.Parse(raw); err != nil {
		return "", ErrInvalidSessionID
	}
	return SessionID(raw), nil
}

// JoinURL builds the participant entry link for this session.
func (s *Session) JoinURL(origin string) string {
	return strings.TrimRight(origin, "/") + "/participant/" + string(s.ID)
}

// DeviceHints are the advisory capability hints carried as join-URL query
// parameters. The core only uses ForceMobile for device classification;
// Camera is passed through to the capture layer untouched.
type DeviceHints struct {
	ForceMobile bool
	Camera      string
}

func ParseDeviceHints(q url.Values) DeviceHints {
	return DeviceHints{
		ForceMobile: q.Get("forceMobile") == "true",
		Camera:      q.Get("camera"),
	}
}
