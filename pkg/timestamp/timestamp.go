// Package timestamp converts between wall-clock time and detector clock
// ticks.
//
// Detector timestamps count ticks of a 62.5 MHz clock since the Unix epoch,
// one tick every 16 ns. A timestamp value of 0 means "not set"; functions
// handle it gracefully, returning zero time or an empty string.
//
// Usage Examples:
//
//	// Current detector time
//	now := timestamp.Now()
//
//	// Convert from time.Time
//	ts := timestamp.FromTime(time.Now())
//
//	// Format for display
//	display := timestamp.Format(ts)
//
//	// Reject a configured t0 no clock could produce
//	err := timestamp.Validate(t0)
package timestamp

import (
	"fmt"
	"time"
)

// ClockHz is the detector clock frequency
const ClockHz = 62_500_000

// NanosPerTick is the duration of one tick in nanoseconds
const NanosPerTick = int64(time.Second) / ClockHz

// Now returns the current time in ticks
func Now() uint64 {
	return FromTime(time.Now())
}

// FromTime converts a time.Time to ticks
func FromTime(t time.Time) uint64 {
	if t.IsZero() || t.UnixNano() <= 0 {
		return 0
	}
	return uint64(t.UnixNano() / NanosPerTick)
}

// ToTime converts ticks to time.Time.
// Returns zero time if ts is 0.
func ToTime(ts uint64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(ts)*NanosPerTick)
}

// Format renders ticks as RFC3339 with nanoseconds, for display.
// Returns empty string if ts is 0.
func Format(ts uint64) string {
	if ts == 0 {
		return ""
	}
	return ToTime(ts).UTC().Format(time.RFC3339Nano)
}

// Duration converts a tick count to a duration
func Duration(ticks uint64) time.Duration {
	return time.Duration(int64(ticks) * NanosPerTick)
}

// Since returns the wall-clock duration since ts.
// Returns 0 if ts is zero.
func Since(ts uint64) time.Duration {
	if ts == 0 {
		return 0
	}
	return time.Since(ToTime(ts))
}

// Between returns the duration between two timestamps.
// Returns 0 if either timestamp is zero.
func Between(start, end uint64) time.Duration {
	if start == 0 || end == 0 {
		return 0
	}
	return Duration(end) - Duration(start)
}

// maxTimestamp is the first tick of the year 3000. Computed from whole
// seconds because the nanosecond count overflows int64 past 2262.
var maxTimestamp = uint64(time.Date(3000, 1, 1, 0, 0, 0, 0, time.UTC).Unix()) * ClockHz

// Validate rejects timestamps from the year 3000 on
func Validate(ts uint64) error {
	if ts >= maxTimestamp {
		return fmt.Errorf("timestamp too far in future: %d", ts)
	}
	return nil
}
