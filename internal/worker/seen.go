package worker

import (
	"sync"

	bloom "github.com/bits-and-blooms/bloom/v3"
)

// SeenFilter is a mutex-guarded bloom filter shared by all workers. It is
// a pre-check in front of the frontier's insert_if_new: a URL the filter
// has already recorded is skipped without a database round trip.
//
// The filter is probabilistic. A false positive drops a link that was
// never actually enqueued; at the configured rate that is an accepted
// trade for saving one transaction per duplicate link, and the frontier
// remains the authority for everything that does get inserted. False
// negatives do not occur, so nothing is ever inserted twice because of
// the filter.
type SeenFilter struct {
	mu     sync.Mutex
	filter *bloom.BloomFilter
}

// NewSeenFilter sizes the filter for the expected number of distinct URLs
// at the given false-positive rate.
func NewSeenFilter(expectedURLs uint, fpRate float64) *SeenFilter {
	return &SeenFilter{
		filter: bloom.NewWithEstimates(expectedURLs, fpRate),
	}
}

// SeenBefore reports whether url was (probably) observed before, and
// records it either way. Check and record happen under one lock
// acquisition so concurrent workers cannot interleave between them.
func (s *SeenFilter) SeenBefore(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter.TestAndAddString(url)
}
