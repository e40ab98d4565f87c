//go:build !unix

package metricstore

import "time"

func processCPUTime() (time.Duration, bool) {
	return 0, false
}
