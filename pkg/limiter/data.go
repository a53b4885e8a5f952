package limiter

import "time"

// hostTiming tracks the pacing state for one host: the instant before
// which the next fetch to that host must not start.
type hostTiming struct {
	nextFetchAt time.Time
}

func (h hostTiming) GetNextFetchAt() time.Time {
	return h.nextFetchAt
}
