package adam

/*
This file contains the per-channel rate tracker. It keeps a time-ordered
sample window and computes the average rate across it, carrying counter values
over wrap events.

Wrap handling uses modular arithmetic: deltas are taken in the counter's
residue ring, so the delta across 2^N-1 → 0 is 1 without special cases. A
wrap is recognised when the value decreases by more than half the counter
span; anything smaller is treated as a genuine decrease, which non-monotonic
sources (scale weights) produce routinely.
*/

import "time"

type rateSample struct {
	t time.Time
	// raw is the value as read; cum is the wrap-unwrapped running value the
	// rate is computed from.
	raw int64
	cum int64
}

// RateTracker computes a sliding-window rate for one channel. Not safe for
// concurrent use; each poller owns its trackers.
type RateTracker struct {
	window time.Duration
	// mask and half derive from the counter width. A zero bits value
	// disables wrap detection entirely.
	mask    uint64
	half    uint64
	samples []rateSample
}

// newRateTracker builds a tracker. bits is the counter width for wrap
// detection (16 per register on the counter family); pass 0 for sources that
// are not monotonic counters.
func newRateTracker(window time.Duration, bits uint) *RateTracker {
	r := &RateTracker{window: window}
	if bits > 0 {
		if bits >= 64 {
			r.mask = ^uint64(0)
		} else {
			r.mask = 1<<bits - 1
		}
		r.half = r.mask>>1 + 1
	}
	return r
}

// Observe inserts one sample, prunes the window, and returns the rate in
// units per second, or nil while fewer than two samples span a non-zero
// interval. wrapped reports whether this sample crossed the counter's wrap
// boundary; the caller tags the reading with it.
func (r *RateTracker) Observe(t time.Time, raw int64) (rate *float64, wrapped bool) {
	cum := raw
	if n := len(r.samples); n > 0 {
		prev := r.samples[n-1]
		delta := raw - prev.raw
		if r.mask != 0 {
			uPrev := uint64(prev.raw) & r.mask
			uNew := uint64(raw) & r.mask
			if uNew < uPrev && uPrev-uNew > r.half {
				wrapped = true
				delta = int64((uNew - uPrev) & r.mask)
				// Samples before the wrap's base point no longer relate
				// linearly to the new value; restart the window from it.
				r.samples = r.samples[n-1:]
			}
		}
		cum = prev.cum + delta
	}
	r.samples = append(r.samples, rateSample{t: t, raw: raw, cum: cum})

	cutoff := t.Add(-r.window)
	trim := 0
	for trim < len(r.samples)-1 && r.samples[trim].t.Before(cutoff) {
		trim++
	}
	if trim > 0 {
		r.samples = append(r.samples[:0], r.samples[trim:]...)
	}

	first, last := r.samples[0], r.samples[len(r.samples)-1]
	dt := last.t.Sub(first.t).Seconds()
	if dt <= 0 {
		return nil, wrapped
	}
	v := float64(last.cum-first.cum) / dt
	return &v, wrapped
}

// Reset drops all samples, for channels that return after a long outage.
func (r *RateTracker) Reset() {
	r.samples = r.samples[:0]
}
