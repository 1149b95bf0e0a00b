// Package barrier implements a named, multi-party rendezvous with a
// declared capacity and a dynamic list of occupants. It is used for the
// Plan's pre-pass/post-pass barriers and for the synchronous-mode lockstep
// rendezvous between a master/slave Target pair.
package barrier

import (
	"errors"
	"sync"
)

// ErrCancelled is returned by Enter when the Barrier was destroyed while a
// caller was blocked waiting to enter.
var ErrCancelled = errors.New("barrier: cancelled")

// OccupantType classifies what kind of thing is entering a Barrier, purely
// for diagnostics ("who held up the barrier").
type OccupantType int

const (
	OccupantUnknown OccupantType = iota
	OccupantTarget
	OccupantWorker
	OccupantScheduler
	OccupantPlan
)

// Occupant identifies one party waiting in, or released from, a Barrier.
type Occupant struct {
	Owner string // e.g. "target3", "worker3.2"
	Type  OccupantType
	Tag   string // free-form diagnostic tag, e.g. a pass number
}

// Barrier is a named rendezvous point for exactly Capacity occupants. Zero
// value is not usable; construct with New.
type Barrier struct {
	name     string
	capacity int

	mu        sync.Mutex
	cond      *sync.Cond
	occupants []Occupant
	// generation increments every time the barrier releases (or is
	// destroyed), so that waiters from a prior/cancelled round never
	// observe a release meant for a different round.
	generation int
	destroyed  bool
}

// New creates a Barrier requiring capacity occupants to enter before any of
// them are released. Capacity must be >= 1.
func New(name string, capacity int) *Barrier {
	if capacity < 1 {
		panic("barrier: capacity must be >= 1")
	}
	b := &Barrier{name: name, capacity: capacity}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Name returns the Barrier's diagnostic name.
func (b *Barrier) Name() string { return b.name }

// Occupants returns a snapshot of the occupants currently waiting in the
// Barrier, for diagnostics.
func (b *Barrier) Occupants() []Occupant {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Occupant, len(b.occupants))
	copy(out, b.occupants)
	return out
}

// Enter blocks until Capacity occupants (across all callers) have entered,
// at which point all are released atomically (same generation). If Destroy
// is called while this call is blocked, it returns ErrCancelled.
//
// The release edge is observed as happens-before for all entrants: any entry
// made visible to memory before a given Enter call returns is visible to
// every other entrant of the same round.
func (b *Barrier) Enter(occupant Occupant) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.destroyed {
		return ErrCancelled
	}

	myGen := b.generation
	b.occupants = append(b.occupants, occupant)

	if len(b.occupants) >= b.capacity {
		// last occupant: release this round, advance the generation.
		b.occupants = b.occupants[:0]
		b.generation++
		b.cond.Broadcast()
		return nil
	}

	for b.generation == myGen && !b.destroyed {
		b.cond.Wait()
	}

	if b.destroyed {
		return ErrCancelled
	}
	return nil
}

// Destroy cancels the Barrier: every blocked and future Enter call returns
// ErrCancelled. Destroy is idempotent.
func (b *Barrier) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return
	}
	b.destroyed = true
	b.cond.Broadcast()
}
