package bond

import (
	"sort"
	"time"
)

// jitterWindow keeps the most recent jitter samples in a fixed ring. A
// sample is the change in transit time between two consecutive arrivals when
// the sender timestamp is known (as RFC 3550 does, so clock offset cancels
// out), or the change in inter-arrival time otherwise.
type jitterWindow struct {
	samples []time.Duration
	pos     int
	n       int
	scratch []time.Duration

	lastTransit     time.Duration
	hasTransit      bool
	lastArrival     time.Time
	lastInterval    time.Duration
	hasLastInterval bool
}

func newJitterWindow(size int) *jitterWindow {
	if size < 1 {
		size = 1
	}
	return &jitterWindow{
		samples: make([]time.Duration, size),
		scratch: make([]time.Duration, 0, size),
	}
}

func (w *jitterWindow) observe(sentAt, arrivedAt time.Time) {
	if !sentAt.IsZero() {
		transit := arrivedAt.Sub(sentAt)
		if w.hasTransit {
			w.add(absDuration(transit - w.lastTransit))
		}
		w.lastTransit, w.hasTransit = transit, true
		w.lastArrival = arrivedAt
		return
	}
	if !w.lastArrival.IsZero() {
		interval := arrivedAt.Sub(w.lastArrival)
		if w.hasLastInterval {
			w.add(absDuration(interval - w.lastInterval))
		}
		w.lastInterval, w.hasLastInterval = interval, true
	}
	w.lastArrival = arrivedAt
}

func (w *jitterWindow) add(d time.Duration) {
	w.samples[w.pos] = d
	w.pos = (w.pos + 1) % len(w.samples)
	if w.n < len(w.samples) {
		w.n++
	}
}

func (w *jitterWindow) count() int {
	return w.n
}

// percentile returns the p-th percentile (0 to 1) of the samples in the
// window using the nearest rank method.
func (w *jitterWindow) percentile(p float64) time.Duration {
	if w.n == 0 {
		return 0
	}
	w.scratch = append(w.scratch[:0], w.samples[:w.n]...)
	sort.Slice(w.scratch, func(i, j int) bool { return w.scratch[i] < w.scratch[j] })
	rank := int(p*float64(w.n)+0.999999) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= w.n {
		rank = w.n - 1
	}
	return w.scratch[rank]
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
