package monitor

import (
	"math"
	"time"
)

// rateWindow keeps the frame timestamps of one camera inside a sliding
// window.
type rateWindow struct {
	duration time.Duration
	stamps   []time.Time
	head     int
	first    time.Time
}

func newRateWindow(d time.Duration) *rateWindow {
	return &rateWindow{duration: d, stamps: make([]time.Time, 0, 256)}
}

func (w *rateWindow) add(ts time.Time) {
	if w.first.IsZero() {
		w.first = ts
	}
	w.stamps = append(w.stamps, ts)
	w.evict(ts.Add(-w.duration))
}

func (w *rateWindow) evict(cutoff time.Time) {
	for w.head < len(w.stamps) && w.stamps[w.head].Before(cutoff) {
		w.head++
	}
	if w.head > 0 && w.head*2 >= len(w.stamps) {
		w.stamps = append([]time.Time{}, w.stamps[w.head:]...)
		w.head = 0
	}
}

// warm reports whether the camera has been seen for a full window.
func (w *rateWindow) warm() bool {
	n := len(w.stamps)
	return n > 0 && w.stamps[n-1].Sub(w.first) >= w.duration
}

type rateMetrics struct {
	FPS      float64
	JitterMs float64
}

// metrics derives fps from the frames spanning the window and jitter as the
// standard deviation of inter-frame gaps.
func (w *rateWindow) metrics() rateMetrics {
	live := w.stamps[w.head:]
	if len(live) < 2 {
		return rateMetrics{}
	}
	span := live[len(live)-1].Sub(live[0]).Seconds()
	fps := 0.0
	if span > 0 {
		fps = float64(len(live)-1) / span
	}
	return rateMetrics{FPS: fps, JitterMs: math.Sqrt(varianceDelta(live)) * 1000}
}

func varianceDelta(stamps []time.Time) float64 {
	if len(stamps) <= 1 {
		return 0
	}
	var n int
	var mean float64
	var m2 float64
	prev := stamps[0]
	for _, ts := range stamps[1:] {
		delta := ts.Sub(prev).Seconds()
		if delta < 0 {
			delta = 0
		}
		n++
		diff := delta - mean
		mean += diff / float64(n)
		m2 += diff * (delta - mean)
		prev = ts
	}
	return m2 / float64(n)
}

// deviates reports whether fps is outside expected by more than the
// tolerated fraction. A zero expected rate disables the check.
func deviates(fps, expected, tolerance float64) bool {
	if expected <= 0 {
		return false
	}
	return math.Abs(fps-expected)/expected > tolerance
}
