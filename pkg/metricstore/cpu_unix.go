//go:build unix

package metricstore

import (
	"time"

	"golang.org/x/sys/unix"
)

// processCPUTime returns user+system CPU time consumed by this process
func processCPUTime() (time.Duration, bool) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0, false
	}
	user := time.Duration(ru.Utime.Nano())
	sys := time.Duration(ru.Stime.Nano())
	return user + sys, true
}
