// Package clock provides the nanosecond monotonic timebase used throughout
// xddgo. A single process-wide base is captured by Initialize, and Now
// reports elapsed nanoseconds since that base.
package clock

import (
	"sync"
	"time"
)

var (
	baseOnce sync.Once
	base     time.Time
	baseOK   bool
)

// Initialize captures the process-wide monotonic base. It is idempotent: only
// the first call has any effect. The Plan Coordinator calls this before
// spawning any Scheduler, so that all Workers and Schedulers observe
// timestamps relative to the same origin.
func Initialize() {
	baseOnce.Do(func() {
		base = time.Now()
		baseOK = true
	})
}

// Now returns nanoseconds elapsed since the base captured by Initialize. If
// Initialize was never called, it self-initializes using the first call's
// time as the base, so Now(0) is never returned spuriously; callers that rely
// on a shared origin across goroutines must still call Initialize explicitly
// before spawning them.
//
// Resolution matches whatever the platform's monotonic clock offers via
// [time.Now] - 1ns on platforms with a high-resolution monotonic source, 1us
// on platforms that only expose a gettimeofday-class clock. Callers must not
// assume sub-microsecond precision is available everywhere.
func Now() uint64 {
	Initialize()
	d := time.Since(base)
	if d < 0 {
		return 0
	}
	return uint64(d)
}

// Split decomposes a nanosecond duration (as returned by Now, or a delta
// between two Now readings) into whole units (seconds) and the remaining
// nanoseconds, matching the (units, nanos) pair consumed by
// github.com/joeycumines/floater's UnitsNanosToRat / FormatUnitsNanos for
// human-readable formatting of elapsed time and throughput figures.
func Split(ns uint64) (units int64, nanos int32) {
	const billion = 1_000_000_000
	units = int64(ns / billion)
	nanos = int32(ns % billion)
	return units, nanos
}
