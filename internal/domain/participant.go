// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
	"time"
)

const MaxDisplayNameLen = 36

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrDisplayNameEmpty   = errors.New("display name empty")
)

type ParticipantID string

// DeviceClass decides how aggressively a connection is monitored: mobile
// links flap more, so they get the short heartbeat interval. Set once at
// join time, never re-derived.
type DeviceClass string

const (
	DeviceMobile  DeviceClass = "mobile"
	DeviceDefault DeviceClass = "default"
)

func ParseDeviceClass(raw string, hints DeviceHints) DeviceClass {
	if hints.ForceMobile {
		return DeviceMobile
	}
	if DeviceClass(strings.ToLower(raw)) == DeviceMobile {
		return DeviceMobile
	}
	return DeviceDefault
}

type Participant struct {
	ID          ParticipantID `json:"id"`
	DisplayName string        `json:"displayName"`
	DeviceClass DeviceClass   `json:"deviceClass"`
	JoinedAt    time.Time     `json:"joinedAt"`
}

// NewParticipant validates join metadata before it enters the directory.
func NewParticipant(id ParticipantID, displayName string, class DeviceClass) (*Participant, error) {
	if len(displayName) == 0 {
		return nil, ErrDisplayNameEmpty
	}
	if len(displayName) > MaxDisplayNameLen {
		return nil, ErrDisplayNameTooLong
	}
	return &Participant{
		ID:          id,
		DisplayName: displayName,
		DeviceClass: class,
		JoinedAt:    time.Now(),
	}, nil
}
