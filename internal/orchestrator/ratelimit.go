package orchestrator

import "time"

// slidingWindow admits an event only while the count of events inside the
// trailing window stays below the ceiling. A zero or negative limit disables
// the guard.
type slidingWindow struct {
	window time.Duration
	limit  int
	stamps []time.Time
	now    func() time.Time
}

func newSlidingWindow(window time.Duration, limit int) *slidingWindow {
	return &slidingWindow{
		window: window,
		limit:  limit,
		now:    time.Now,
	}
}

func (w *slidingWindow) Allow() bool {
	if w.limit <= 0 {
		return true
	}

	now := w.now()
	cutoff := now.Add(-w.window)

	kept := w.stamps[:0]
	for _, ts := range w.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.stamps = kept

	if len(w.stamps) >= w.limit {
		return false
	}
	w.stamps = append(w.stamps, now)
	return true
}

func (w *slidingWindow) reset() {
	w.stamps = nil
}
