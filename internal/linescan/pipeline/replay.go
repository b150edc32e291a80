package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fabweave/loomscan/internal/linescan"
	"github.com/fabweave/loomscan/internal/linescan/recorder"
	"github.com/fabweave/loomscan/internal/timeutil"
)

// pushRetryInterval is how long the replay waits before re-offering a
// strip to a full queue.
const pushRetryInterval = 5 * time.Millisecond

// ReplayConfig drives a recorded scan log through a StripQueue in place
// of the frame grabber. The consuming pipeline is unchanged: replayed
// strips carry their recorded ids, positions, and timestamps.
type ReplayConfig struct {
	Replayer *recorder.Replayer
	Queue    *linescan.StripQueue

	// Speed is the playback rate: 1.0 paces strips by their recorded
	// timestamps, 2.0 twice as fast. Zero or negative replays as fast
	// as the queue accepts.
	Speed float64

	// Stats, when set, counts replayed strips the same way the frame
	// source counts live ones.
	Stats *linescan.AcquisitionStats

	Clock timeutil.Clock
}

// RunReplay reads strips from the log and pushes them onto the queue
// until the log is exhausted, the queue is stopped, or ctx is cancelled.
// A full queue backpressures the replay; unlike live acquisition, strips
// are never dropped here. Returns the number of strips delivered.
func RunReplay(ctx context.Context, cfg ReplayConfig) (int, error) {
	if cfg.Replayer == nil || cfg.Queue == nil {
		return 0, fmt.Errorf("%w: replay requires a replayer and a queue", linescan.ErrConfiguration)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	header := cfg.Replayer.Header()
	opsf("Replay started: session %s, %d strips recorded", header.SessionID, cfg.Replayer.TotalStrips())

	delivered := 0
	var prev time.Time
	for {
		strip, err := cfg.Replayer.ReadStrip()
		if errors.Is(err, io.EOF) {
			opsf("Replay finished: %d strips delivered", delivered)
			return delivered, nil
		}
		if err != nil {
			return delivered, fmt.Errorf("failed to read strip from log: %w", err)
		}

		// Pace by the recorded timestamps.
		if cfg.Speed > 0 && !prev.IsZero() {
			if gap := strip.Timestamp.Sub(prev); gap > 0 {
				wait := time.Duration(float64(gap) / cfg.Speed)
				select {
				case <-ctx.Done():
					return delivered, ctx.Err()
				case <-clock.After(wait):
				}
			}
		}
		prev = strip.Timestamp

		for !cfg.Queue.TryPush(strip) {
			if cfg.Queue.Stopped() {
				diagf("Queue stopped mid-replay after %d strips", delivered)
				return delivered, nil
			}
			select {
			case <-ctx.Done():
				return delivered, ctx.Err()
			case <-clock.After(pushRetryInterval):
			}
		}
		delivered++
		if cfg.Stats != nil {
			cfg.Stats.AddStrip(len(strip.Pixels))
		}
	}
}
