//go:build !linux && !darwin && !freebsd

package device

import "time"

var processStart = time.Now()

// monotonicNanos falls back to the process-relative monotonic clock. It
// restarts at zero with the process.
func monotonicNanos() uint64 {
	return uint64(time.Since(processStart).Nanoseconds())
}
