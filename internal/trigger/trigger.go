// Package trigger implements the Trigger mechanism (one Target starting or
// stopping another Target partway through a run) and the shared 4-way
// interval enum also used by internal/lockstep.
package trigger

import "sync"

// Interval selects which dimension a trigger/lockstep condition is measured
// against: the same four-way split serves both trigger thresholds and
// lockstep intervals.
type Interval int

const (
	IntervalTime Interval = iota
	IntervalOp
	IntervalPercent
	IntervalBytes
)

// Progress is a snapshot of one Target's progress through its pass, in the
// units an Interval might be measured against.
type Progress struct {
	Elapsed      uint64 // nanoseconds since pass start
	OpsCompleted uint64
	PercentDone  float64
	BytesMoved   uint64
}

// Condition is a single start/stop threshold: fire once Progress reaches
// Value in the given Interval's unit.
type Condition struct {
	Interval Interval
	Value    float64
}

// Met reports whether p has reached c's threshold.
func (c Condition) Met(p Progress) bool {
	switch c.Interval {
	case IntervalTime:
		return float64(p.Elapsed) >= c.Value
	case IntervalOp:
		return float64(p.OpsCompleted) >= c.Value
	case IntervalPercent:
		return p.PercentDone >= c.Value
	case IntervalBytes:
		return float64(p.BytesMoved) >= c.Value
	default:
		return false
	}
}

// Trigger delivers a one-time start or stop signal from one Target to
// another once a Condition is met. It is safe for concurrent use: Check may
// be called repeatedly from the owning Target's progress loop, and Wait
// blocks the receiving Target until fired (or the Trigger is cancelled).
type Trigger struct {
	mu        sync.Mutex
	cond      *sync.Cond
	condition Condition
	fired     bool
	cancelled bool
}

// New creates a Trigger that fires once Progress satisfies condition.
func New(condition Condition) *Trigger {
	t := &Trigger{condition: condition}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Check evaluates the trigger's condition against the current progress and
// fires it (waking any Wait callers) if satisfied. Check is idempotent once
// fired.
func (t *Trigger) Check(p Progress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fired || t.cancelled {
		return
	}
	if t.condition.Met(p) {
		t.fired = true
		t.cond.Broadcast()
	}
}

// Wait blocks until the Trigger fires or is cancelled, returning whether it
// fired (false means cancelled without ever firing).
func (t *Trigger) Wait() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for !t.fired && !t.cancelled {
		t.cond.Wait()
	}
	return t.fired
}

// Fired reports whether the trigger has already fired, without blocking.
func (t *Trigger) Fired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}

// Cancel unblocks any waiters without marking the trigger fired, for use
// when the owning pass ends (e.g. error abort) before the condition was met.
func (t *Trigger) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fired || t.cancelled {
		return
	}
	t.cancelled = true
	t.cond.Broadcast()
}

// Pair bundles the start and stop triggers one Target may deliver to
// another; the two arms may be aimed at different Targets.
type Pair struct {
	Start *Trigger
	Stop  *Trigger

	// StartTargetID and StopTargetID identify which Target (by index) each
	// trigger is aimed at; they may target different Targets.
	StartTargetID int32
	StopTargetID  int32
}
