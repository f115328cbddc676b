package signaling

import (
	"sync"
	"sync/atomic"

	"github.com/dkeye/Mosaic/internal/core"
)

// Stats are shared delivery counters for diagnostics. Totals are atomics
// so the hot path never contends; per-type and per-channel counts sit
// behind a mutex and are only read by the snapshot endpoint.
type Stats struct {
	sent     atomic.Uint64
	received atomic.Uint64
	failed   atomic.Uint64

	mu          sync.Mutex
	sentByType  map[core.MessageType]uint64
	recvByType  map[core.MessageType]uint64
	channelOK   map[string]uint64
	channelFail map[string]uint64
}

// Report is the diagnostics snapshot served over the stats endpoint.
type Report struct {
	Sent           uint64                      `json:"sent"`
	Received       uint64                      `json:"received"`
	Failed         uint64                      `json:"failed"`
	SentByType     map[core.MessageType]uint64 `json:"sentByType"`
	ReceivedByType map[core.MessageType]uint64 `json:"receivedByType"`
	ChannelOK      map[string]uint64           `json:"channelOk"`
	ChannelFailed  map[string]uint64           `json:"channelFailed"`
}

func NewStats() *Stats {
	return &Stats{
		sentByType:  make(map[core.MessageType]uint64),
		recvByType:  make(map[core.MessageType]uint64),
		channelOK:   make(map[string]uint64),
		channelFail: make(map[string]uint64),
	}
}

func (s *Stats) MarkSent(t core.MessageType) {
	s.sent.Add(1)
	s.mu.Lock()
	s.sentByType[t]++
	s.mu.Unlock()
}

func (s *Stats) MarkReceived(t core.MessageType) {
	s.received.Add(1)
	s.mu.Lock()
	s.recvByType[t]++
	s.mu.Unlock()
}

// MarkChannel records one channel's outcome for one fan-out send, so a
// persistently dead channel shows up even while its siblings keep the
// session alive.
func (s *Stats) MarkChannel(name string, ok bool) {
	s.mu.Lock()
	if ok {
		s.channelOK[name]++
	} else {
		s.channelFail[name]++
	}
	s.mu.Unlock()
}

func (s *Stats) MarkFailed() {
	s.failed.Add(1)
}

func (s *Stats) Totals() (sent, received, failed uint64) {
	return s.sent.Load(), s.received.Load(), s.failed.Load()
}

// Snapshot copies every counter into a Report for the diagnostics API.
func (s *Stats) Snapshot() Report {
	sent, received, failed := s.Totals()
	r := Report{
		Sent:           sent,
		Received:       received,
		Failed:         failed,
		SentByType:     make(map[core.MessageType]uint64),
		ReceivedByType: make(map[core.MessageType]uint64),
		ChannelOK:      make(map[string]uint64),
		ChannelFailed:  make(map[string]uint64),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for t, n := range s.sentByType {
		r.SentByType[t] = n
	}
	for t, n := range s.recvByType {
		r.ReceivedByType[t] = n
	}
	for name, n := range s.channelOK {
		r.ChannelOK[name] = n
	}
	for name, n := range s.channelFail {
		r.ChannelFailed[name] = n
	}
	return r
}
