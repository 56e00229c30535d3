//go:build linux || darwin || freebsd

package device

import (
	"time"

	"golang.org/x/sys/unix"
)

var processStart = time.Now()

// monotonicNanos reads CLOCK_MONOTONIC so timestamps keep advancing
// across a restart of the device process.
func monotonicNanos() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return uint64(time.Since(processStart).Nanoseconds())
	}
	return uint64(ts.Nano())
}
