package camera

import "loop-vcam/internal/mediatime"

// Tracker turns raw presentation timestamps from a looping asset into one
// continuously rising timeline. Each time the raw timestamp moves backwards
// the asset is assumed to have wrapped and its duration is folded into the
// offset.
//
// Tracker is not safe for concurrent use. The pacer's tick goroutine is its
// only caller.
type Tracker struct {
	lastRaw mediatime.Time
	offset  mediatime.Time
	wraps   uint64
}

// NewTracker returns a tracker in its initial state.
func NewTracker() *Tracker {
	t := &Tracker{}
	t.Reset()
	return t
}

// Reset forgets every observed timestamp. The next frame starts a fresh
// timeline at its own raw PTS.
func (t *Tracker) Reset() {
	t.lastRaw = mediatime.NegativeInfinity
	t.offset = mediatime.Zero
	t.wraps = 0
}

// Advance records raw and returns raw+offset. ok is false when raw is not a
// valid time; the state is left untouched and the frame must be dropped.
//
// assetDuration is added to the offset once per detected wrap. When it is not
// numeric the last raw timestamp seen before the wrap stands in for it.
func (t *Tracker) Advance(raw, assetDuration mediatime.Time) (adjusted mediatime.Time, ok bool) {
	if !raw.IsValid() {
		return mediatime.Invalid, false
	}
	if raw.Less(t.lastRaw) {
		step := assetDuration
		if !step.IsNumeric() {
			step = t.lastRaw
		}
		t.offset = mediatime.Add(t.offset, step)
		t.wraps++
	}
	t.lastRaw = raw
	return mediatime.Add(raw, t.offset), true
}

// Offset is the total duration folded in by wraps so far.
func (t *Tracker) Offset() mediatime.Time { return t.offset }

// LastRaw is the most recent valid raw timestamp, or −∞ before the first.
func (t *Tracker) LastRaw() mediatime.Time { return t.lastRaw }

// Wraps counts detected loop boundaries.
func (t *Tracker) Wraps() uint64 { return t.wraps }

// HostTimeNanos maps an adjusted presentation time onto the host clock value
// handed to sinks. The media timeline is used as host time directly, so the
// value starts near zero rather than at the wall clock. Negative and
// non-numeric times map to 0.
func HostTimeNanos(adjusted mediatime.Time) uint64 {
	if !adjusted.IsNumeric() {
		return 0
	}
	ns := adjusted.Nanoseconds()
	if ns < 0 {
		return 0
	}
	return uint64(ns)
}
