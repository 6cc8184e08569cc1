package detector

import (
	"sync"

	"spikewatch/internal/model"
)

type seriesKey struct {
	userID   int64
	strategy int
	key      model.Key
}

// seriesTracker remembers recent qualifying candle timestamps per
// (user, strategy, instrument) so series conditions can count spikes
// inside a sliding window. Timestamps are appended in arrival order and
// pruned against the strategy's largest window on every record.
type seriesTracker struct {
	mu      sync.Mutex
	entries map[seriesKey][]int64
}

func newSeriesTracker() *seriesTracker {
	return &seriesTracker{entries: make(map[seriesKey][]int64)}
}

// Record appends ts for the given slot, prunes entries older than
// maxWindowSec behind it, and returns a counter for narrower windows.
// The current candle is included in every count.
func (st *seriesTracker) Record(userID int64, strategy int, key model.Key, ts int64, maxWindowSec int) func(windowSec int) int {
	sk := seriesKey{userID: userID, strategy: strategy, key: key}

	st.mu.Lock()
	defer st.mu.Unlock()

	list := append(st.entries[sk], ts)
	cut := ts - int64(maxWindowSec)*1000
	for len(list) > 0 && list[0] < cut {
		list = list[1:]
	}
	st.entries[sk] = list

	snapshot := append([]int64(nil), list...)
	return func(windowSec int) int {
		lo := ts - int64(windowSec)*1000
		n := 0
		for _, t := range snapshot {
			if t >= lo && t <= ts {
				n++
			}
		}
		return n
	}
}

// Sweep drops slots whose newest entry predates olderThan, bounding
// memory as symbols delist and strategies change.
func (st *seriesTracker) Sweep(olderThan int64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for sk, list := range st.entries {
		if len(list) == 0 || list[len(list)-1] < olderThan {
			delete(st.entries, sk)
		}
	}
}

func (st *seriesTracker) size() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.entries)
}
