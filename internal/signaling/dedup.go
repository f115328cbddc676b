package signaling

import (
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Mosaic/internal/core"
)

// dedupFilter drops cross-channel duplicate deliveries. Keyed by
// (type, sender, receiver, timestamp bucket): the same logical message
// arriving over the bus, the store and the relay maps to one key, while
// a legitimate retry lands in a later bucket.
type dedupFilter struct {
	mu     sync.Mutex
	bucket time.Duration
	ttl    time.Duration
	seen   map[string]time.Time
}

func newDedupFilter(bucket, ttl time.Duration) *dedupFilter {
	return &dedupFilter{
		bucket: bucket,
		ttl:    ttl,
		seen:   make(map[string]time.Time),
	}
}

func (d *dedupFilter) key(msg core.SignalingMessage) string {
	b := msg.Timestamp / d.bucket.Milliseconds()
	return fmt.Sprintf("%s|%s|%s|%d", msg.Type, msg.Sender, msg.Receiver, b)
}

// FirstSeen records the message and reports whether it is new.
func (d *dedupFilter) FirstSeen(msg core.SignalingMessage) bool {
	k := d.key(msg)
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.seen[k]; dup {
		return false
	}
	d.seen[k] = now
	if len(d.seen) > 1024 {
		d.prune(now)
	}
	return true
}

func (d *dedupFilter) prune(now time.Time) {
	cutoff := now.Add(-d.ttl)
	for k, at := range d.seen {
		if at.Before(cutoff) {
			delete(d.seen, k)
		}
	}
}
