// Package lockstep implements the master/slave Target synchronization
// mechanism: a master Target periodically hands its slave permission to
// perform one interval's worth of work, either overlapped (the master never
// waits; the slave consumes granted intervals one at a time and blocks when
// none remain) or synchronous (the master and slave rendezvous at a Barrier
// every interval).
package lockstep

import (
	"sync"

	"github.com/joeycumines/xddgo/internal/barrier"
	"github.com/joeycumines/xddgo/internal/trigger"
)

// Mode selects overlapped vs synchronous lockstep.
type Mode int

const (
	// ModeSynchronous rendezvous the master and slave at a shared Barrier
	// every interval.
	ModeSynchronous Mode = iota
	// ModeOverlapped lets the master keep going without waiting; the slave
	// consumes one granted interval at a time and never passes the
	// master's grants.
	ModeOverlapped
)

// Completion selects what the slave does once the master finishes its own
// pass.
type Completion int

const (
	// CompletionFinish lets the slave finish all remaining operations.
	CompletionFinish Completion = iota
	// CompletionStop ends the slave at its next interval wait once the
	// master is done and no granted interval remains.
	CompletionStop
)

// Config describes one lockstep pair.
type Config struct {
	Mode           Mode
	Completion     Completion
	IntervalType   trigger.Interval
	IntervalValue  int64
	MasterTargetID int32
	SlaveTargetID  int32
}

// Pair coordinates a master and slave Target's progress through a pass.
type Pair struct {
	cfg Config

	mu          sync.Mutex
	taskCounter int32 // tasks granted by master, not yet consumed by slave
	opCounter   uint64
	byteCounter uint64
	masterDone  bool
	cond        *sync.Cond

	syncBarrier *barrier.Barrier // only used in ModeSynchronous
}

// New creates a Pair. For ModeSynchronous, capacity 2 is used for the
// rendezvous barrier (master + slave).
func New(cfg Config) *Pair {
	p := &Pair{cfg: cfg}
	p.cond = sync.NewCond(&p.mu)
	if cfg.Mode == ModeSynchronous {
		p.syncBarrier = barrier.New("lockstep", 2)
	}
	return p
}

// IntervalType returns the dimension the pair's interval is measured in.
func (p *Pair) IntervalType() trigger.Interval { return p.cfg.IntervalType }

// IntervalValue returns the interval threshold in IntervalType's unit.
func (p *Pair) IntervalValue() int64 { return p.cfg.IntervalValue }

// MasterGrant is called by the master Target once it has completed one
// interval's worth of work (per cfg.IntervalType/IntervalValue); it releases
// the slave to perform the next interval.
func (p *Pair) MasterGrant() {
	p.mu.Lock()
	p.taskCounter++
	p.mu.Unlock()
	p.cond.Broadcast()

	if p.cfg.Mode == ModeSynchronous {
		_ = p.syncBarrier.Enter(barrier.Occupant{Owner: "master", Type: barrier.OccupantTarget})
	}
}

// MasterFinished marks the master's pass complete; the slave's subsequent
// behavior depends on cfg.Completion.
func (p *Pair) MasterFinished() {
	p.mu.Lock()
	p.masterDone = true
	p.mu.Unlock()
	p.cond.Broadcast()
	if p.cfg.Mode == ModeSynchronous {
		p.syncBarrier.Destroy()
	}
}

// SlaveWait blocks the slave until the master has granted at least one more
// interval (ModeOverlapped: any net-positive taskCounter; ModeSynchronous:
// rendezvous at the barrier). It returns shouldRun=false only when the
// master has finished and cfg.Completion is CompletionStop.
func (p *Pair) SlaveWait() (shouldRun bool) {
	if p.cfg.Mode == ModeSynchronous {
		if err := p.syncBarrier.Enter(barrier.Occupant{Owner: "slave", Type: barrier.OccupantTarget}); err != nil {
			return p.cfg.Completion == CompletionFinish
		}
		return true
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for p.taskCounter <= 0 && !p.masterDone {
		p.cond.Wait()
	}
	if p.taskCounter > 0 {
		p.taskCounter--
		return true
	}
	// master is done and the slave has drained every granted interval.
	return p.cfg.Completion == CompletionFinish
}

// SlaveRecordOp adds one op of the given size to the slave's op/byte
// counters, read back by Counters. The Scheduler does not call it; it tracks
// lockstep intervals with its own counters.
func (p *Pair) SlaveRecordOp(bytes uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opCounter++
	p.byteCounter += bytes
}

// Counters returns a snapshot of the slave's op/byte counters.
func (p *Pair) Counters() (ops, bytes uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opCounter, p.byteCounter
}
