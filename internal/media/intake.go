package media

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Mosaic/internal/core"
)

// activityThrottle caps how often the pump reports inbound traffic as
// liveness. RTP arrives far faster than the heartbeat cadence.
const activityThrottle = time.Second

// Pump drains RTP from the remote track into the sink until the track
// ends or ctx is cancelled. onActivity, if set, is invoked at most once
// per second so packet arrival counts as remote liveness.
func Pump(ctx context.Context, track core.RemoteTrack, sink *TrackSink, onActivity func()) {
	logger := log.With().
		Str("module", "media").
		Str("participant", string(sink.ParticipantID())).
		Str("stream", track.StreamID).
		Str("kind", track.Kind).
		Logger()
	logger.Info().Msg("intake pump started")

	var lastActivity time.Time
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("intake pump stopped, context done")
			return
		default:
		}
		pkt, _, err := track.Raw.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				logger.Info().Msg("intake pump stopped, track ended")
			} else {
				logger.Error().Err(err).Msg("intake read error, stopping pump")
			}
			return
		}
		sink.note(pkt)
		if onActivity != nil {
			if now := time.Now(); now.Sub(lastActivity) >= activityThrottle {
				lastActivity = now
				onActivity()
			}
		}
	}
}
