package peer

import (
	"time"

	"github.com/dkeye/Mosaic/internal/domain"
)

// livenessMonitor detects silent disconnects. Mobile peers flap more and
// get the short interval; anything heard from the remote (heartbeat,
// candidate, media packet) counts as activity. Silence beyond twice the
// interval marks the session degraded.
type livenessMonitor struct {
	interval     time.Duration
	lastActivity time.Time
}

func newLivenessMonitor(class domain.DeviceClass, mobile, dflt time.Duration) *livenessMonitor {
	interval := dflt
	if class == domain.DeviceMobile {
		interval = mobile
	}
	return &livenessMonitor{interval: interval, lastActivity: time.Now()}
}

func (m *livenessMonitor) Interval() time.Duration { return m.interval }

func (m *livenessMonitor) MarkActivity(now time.Time) {
	if now.After(m.lastActivity) {
		m.lastActivity = now
	}
}

// Silent reports whether nothing has been heard for over 2x the interval.
func (m *livenessMonitor) Silent(now time.Time) bool {
	return now.Sub(m.lastActivity) > 2*m.interval
}

// Reset zeroes the timer, used when a negotiation (re)starts.
func (m *livenessMonitor) Reset(now time.Time) {
	m.lastActivity = now
}

func (m *livenessMonitor) LastActivity() time.Time { return m.lastActivity }
