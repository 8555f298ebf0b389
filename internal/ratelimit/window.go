package ratelimit

import "time"

// slidingWindow counts charge over the trailing N seconds using
// one-second buckets. Not goroutine-safe; the Governor's mutex guards it.
type slidingWindow struct {
	buckets []int
	head    int
	headSec int64
	total   int
}

func newSlidingWindow(seconds int) *slidingWindow {
	return &slidingWindow{buckets: make([]int, seconds)}
}

func (w *slidingWindow) advance(now time.Time) {
	sec := now.Unix()
	if w.headSec == 0 {
		w.headSec = sec
		return
	}
	steps := sec - w.headSec
	if steps <= 0 {
		return
	}
	if steps >= int64(len(w.buckets)) {
		for i := range w.buckets {
			w.buckets[i] = 0
		}
		w.total = 0
		w.headSec = sec
		return
	}
	for i := int64(0); i < steps; i++ {
		w.head = (w.head + 1) % len(w.buckets)
		w.total -= w.buckets[w.head]
		w.buckets[w.head] = 0
	}
	w.headSec = sec
}

func (w *slidingWindow) add(n int, now time.Time) {
	w.advance(now)
	w.buckets[w.head] += n
	w.total += n
}

func (w *slidingWindow) used(now time.Time) int {
	w.advance(now)
	return w.total
}

// reset replaces the tracked usage with an externally reported value.
// The whole amount lands in the current bucket, which delays its decay;
// that errs on the conservative side until the next report arrives.
func (w *slidingWindow) reset(n int, now time.Time) {
	w.advance(now)
	for i := range w.buckets {
		w.buckets[i] = 0
	}
	w.buckets[w.head] = n
	w.total = n
}

// freeIn estimates how long until `needed` more charge fits under the
// limit, assuming no further traffic.
func (w *slidingWindow) freeIn(needed, limit int, now time.Time) time.Duration {
	w.advance(now)
	if w.total+needed <= limit {
		return 0
	}
	freed := 0
	n := len(w.buckets)
	for i := 1; i <= n; i++ {
		freed += w.buckets[(w.head+i)%n]
		if w.total-freed+needed <= limit {
			return time.Duration(i) * time.Second
		}
	}
	return time.Duration(n) * time.Second
}
