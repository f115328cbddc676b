package peer

import (
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

type bufferedCandidate struct {
	candidate  webrtc.ICECandidateInit
	receivedAt time.Time
}

// CandidateBuffer holds ICE candidates that arrive before the remote
// description exists. Candidates are flushed strictly in arrival order;
// the buffer is cleared unconditionally on session teardown no matter how
// far a flush got.
type CandidateBuffer struct {
	entries []bufferedCandidate
}

func NewCandidateBuffer() *CandidateBuffer {
	return &CandidateBuffer{}
}

func (b *CandidateBuffer) Add(c webrtc.ICECandidateInit) {
	b.entries = append(b.entries, bufferedCandidate{candidate: c, receivedAt: time.Now()})
}

func (b *CandidateBuffer) Len() int { return len(b.entries) }

// Flush applies all buffered candidates in arrival order with a short
// spacing delay between applications to avoid negotiation races. A
// failing candidate is logged and skipped; it never aborts the flush.
// The buffer is empty afterwards.
func (b *CandidateBuffer) Flush(
	spacing time.Duration,
	apply func(webrtc.ICECandidateInit) error,
	logger zerolog.Logger,
) (applied, skipped int) {
	entries := b.entries
	b.entries = nil

	for i, e := range entries {
		if i > 0 && spacing > 0 {
			time.Sleep(spacing)
		}
		if err := apply(e.candidate); err != nil {
			logger.Warn().Err(err).Int("index", i).Msg("buffered candidate rejected, skipping")
			skipped++
			continue
		}
		applied++
	}
	return applied, skipped
}

func (b *CandidateBuffer) Clear() {
	b.entries = nil
}
