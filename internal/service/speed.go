package service

import "time"

type speedSample struct {
	at    time.Time
	bytes int64
}

// speedWindow computes bytes-per-second over a short rolling window of
// progress reports.
type speedWindow struct {
	window  time.Duration
	samples []speedSample
}

func newSpeedWindow(window time.Duration) *speedWindow {
	if window <= 0 {
		window = 5 * time.Second
	}
	return &speedWindow{window: window}
}

func (w *speedWindow) add(at time.Time, bytes int64) {
	w.samples = append(w.samples, speedSample{at: at, bytes: bytes})
	cutoff := at.Add(-w.window)
	trim := 0
	for trim < len(w.samples)-1 && w.samples[trim].at.Before(cutoff) {
		trim++
	}
	w.samples = w.samples[trim:]
}

// rate returns 0 with fewer than two samples in the window.
func (w *speedWindow) rate() float64 {
	if len(w.samples) < 2 {
		return 0
	}
	first := w.samples[0]
	last := w.samples[len(w.samples)-1]
	elapsed := last.at.Sub(first.at).Seconds()
	if elapsed <= 0 || last.bytes < first.bytes {
		return 0
	}
	return float64(last.bytes-first.bytes) / elapsed
}
