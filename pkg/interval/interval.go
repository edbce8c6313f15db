// Package interval provides the half-open time range used on both time axes of
// a bitemporal record: effective time and transaction time.
package interval

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidInterval is returned when an interval would not satisfy start < stop.
var ErrInvalidInterval = errors.New("invalid interval")

// Infinity is the upper bound of a range that is still open. It compares greater
// than any timestamp the system records.
var Infinity = time.Date(3000, time.January, 1, 0, 0, 0, 0, time.UTC)

// Interval is the half-open range [Start, Stop).
type Interval struct {
	Start time.Time `json:"start"`
	Stop  time.Time `json:"stop"`
}

// New returns the interval [start, stop). Both bounds are normalised with
// Normalize.
func New(start, stop time.Time) (Interval, error) {
	start, stop = Normalize(start), Normalize(stop)
	if !start.Before(stop) {
		return Interval{}, fmt.Errorf("%w: start %s is not before stop %s",
			ErrInvalidInterval, start.Format(time.RFC3339Nano), stop.Format(time.RFC3339Nano))
	}
	return Interval{Start: start, Stop: stop}, nil
}

// MustNew is like New but panics on an invalid range. Intended for literals in
// tests and fixtures.
func MustNew(start, stop time.Time) Interval {
	iv, err := New(start, stop)
	if err != nil {
		panic(err)
	}
	return iv
}

// Since returns [start, Infinity).
func Since(start time.Time) (Interval, error) {
	return New(start, Infinity)
}

// Normalize converts t to UTC and truncates it to microseconds, the finest
// precision every supported store keeps.
func Normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// Contains reports whether Start <= t < Stop.
func (i Interval) Contains(t time.Time) bool {
	return !t.Before(i.Start) && t.Before(i.Stop)
}

// Overlaps reports whether the two intervals share at least one instant.
func (i Interval) Overlaps(other Interval) bool {
	return i.Start.Before(other.Stop) && other.Start.Before(i.Stop)
}

// Covers reports whether other lies entirely within i.
func (i Interval) Covers(other Interval) bool {
	return !other.Start.Before(i.Start) && !i.Stop.Before(other.Stop)
}

// IsOpen reports whether the interval runs to Infinity.
func (i Interval) IsOpen() bool {
	return i.Stop.Equal(Infinity)
}

// ClampStop returns [Start, t).
func (i Interval) ClampStop(t time.Time) (Interval, error) {
	return New(i.Start, t)
}

// ClampStart returns [t, Stop).
func (i Interval) ClampStart(t time.Time) (Interval, error) {
	return New(t, i.Stop)
}

// Equal reports whether both bounds are the same instants.
func (i Interval) Equal(other Interval) bool {
	return i.Start.Equal(other.Start) && i.Stop.Equal(other.Stop)
}

func (i Interval) String() string {
	stop := i.Stop.Format(time.RFC3339Nano)
	if i.IsOpen() {
		stop = "∞"
	}
	return fmt.Sprintf("[%s, %s)", i.Start.Format(time.RFC3339Nano), stop)
}
