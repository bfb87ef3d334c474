package transfer

import (
	"fmt"
	"time"

	"github.com/illmade-knight/go-roomclient/pkg/clock"
)

// speedometer computes instantaneous throughput from byte-count samples, at
// most once per window. Samples inside the window report no new label, so
// the previous one is retained rather than jittering.
type speedometer struct {
	clock  clock.Clock
	window time.Duration

	lastTime  time.Time
	lastBytes int64
	started   bool
}

func newSpeedometer(c clock.Clock, window time.Duration) *speedometer {
	return &speedometer{clock: c, window: window}
}

// sample records the total bytes moved so far. When a full window has
// elapsed since the previous computation it returns a fresh label and true;
// otherwise it returns "", false.
func (s *speedometer) sample(totalBytes int64) (string, bool) {
	now := s.clock.Now()
	if !s.started {
		s.started = true
		s.lastTime = now
		s.lastBytes = totalBytes
		return "", false
	}

	elapsed := now.Sub(s.lastTime)
	if elapsed < s.window {
		return "", false
	}

	bytesPerSecond := float64(totalBytes-s.lastBytes) / elapsed.Seconds()
	s.lastTime = now
	s.lastBytes = totalBytes
	return formatThroughput(bytesPerSecond), true
}

// formatThroughput renders a speed in the same units the UI shows: MB/s
// above one megabyte per second, KB/s below.
func formatThroughput(bytesPerSecond float64) string {
	const mb = 1024 * 1024
	if bytesPerSecond > mb {
		return fmt.Sprintf("%.1f MB/s", bytesPerSecond/mb)
	}
	return fmt.Sprintf("%.1f KB/s", bytesPerSecond/1024)
}
