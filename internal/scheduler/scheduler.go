// Package scheduler implements the Target Scheduler: the per-target pass
// driver that pulls seek entries from the generator, applies
// the throttle, hands Tasks to Workers through their rendezvous channels,
// honors lockstep and stop/start triggers, and detects pass end. All
// cross-thread coordination is explicit channel and condition-variable
// signaling; there are no shared flag words.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"

	"github.com/joeycumines/xddgo/internal/clock"
	"github.com/joeycumines/xddgo/internal/e2e"
	"github.com/joeycumines/xddgo/internal/iotarget"
	"github.com/joeycumines/xddgo/internal/lockstep"
	"github.com/joeycumines/xddgo/internal/status"
	"github.com/joeycumines/xddgo/internal/target"
	"github.com/joeycumines/xddgo/internal/task"
	"github.com/joeycumines/xddgo/internal/throttle"
	"github.com/joeycumines/xddgo/internal/trigger"
	"github.com/joeycumines/xddgo/internal/tsbuffer"
	"github.com/joeycumines/xddgo/internal/worker"
)

// LockstepRole is this Target's part in a lockstep pair, if any.
type LockstepRole int

const (
	LockstepNone LockstepRole = iota
	LockstepMaster
	LockstepSlave
)

// Config wires one Scheduler to its Target and to the plan-wide control
// surfaces.
type Config struct {
	Target *target.Target
	Logger *logiface.Logger[logiface.Event]

	// Trace, when non-nil, receives a timestamp entry per op. All of this
	// Target's Workers share it; each Worker records from its own goroutine
	// and the Buffer's internal mutex serializes the calls.
	Trace *tsbuffer.Buffer

	// Abort is the plan-wide cancel flag, polled between ops.
	Abort *atomic.Bool
	// RunTimeExpired is set by the plan's runtime timer thread.
	RunTimeExpired *atomic.Bool

	Lockstep     *lockstep.Pair
	LockstepRole LockstepRole

	// Fire holds the triggers this Target delivers to other Targets as its
	// own progress crosses their thresholds.
	Fire *trigger.Pair
	// StopSignal, when non-nil, is a trigger another Target aims at this
	// one; once fired, this Scheduler drains at the next op boundary.
	StopSignal *trigger.Trigger

	// E2ESource, with E2EDestIndex, forwards each read's data to the paired
	// destination. Frames is the destination side's in-order feed.
	E2ESource    *e2e.Source
	E2EDestIndex int
	Frames       <-chan e2e.Frame
}

// Scheduler drives passes for one Target.
type Scheduler struct {
	cfg     Config
	workers []*worker.Worker
	bufs    []*iotarget.SharedBuffer
}

// New builds the Scheduler and its queue_depth Workers. Worker buffers are
// page-aligned shared-buffer allocations when direct I/O is on, plain slices
// otherwise.
func New(cfg Config) (*Scheduler, error) {
	tgt := cfg.Target
	if tgt == nil {
		return nil, fmt.Errorf("scheduler: %w: nil target", status.ErrInvalidArgument)
	}
	if tgt.Backend == nil {
		return nil, fmt.Errorf("scheduler: %w: target %q has no open backend", status.ErrTargetStart, tgt.Attr.Name)
	}

	s := &Scheduler{cfg: cfg}
	xfer := tgt.Attr.XferSize()
	for i := 0; i < tgt.Attr.QueueDepth; i++ {
		w := &worker.Worker{
			ID:      int32(i),
			Backend: tgt.Backend,
			TOT:     tgt.TOT,
			Retries:   tgt.Attr.RetryCount,
			Verify:    tgt.Attr.Options.Has(target.OptionVerifyContents),
			SkipStats: !tgt.Attr.Options.Has(target.OptionExtendedStats),
			Trace:     cfg.Trace,
		}
		if tgt.Attr.Options.Has(target.OptionDirectIO) {
			sb, err := iotarget.NewSharedBuffer(int(xfer))
			if err != nil {
				s.Close()
				return nil, fmt.Errorf("scheduler: %w: worker buffer: %v", status.ErrTargetStart, err)
			}
			s.bufs = append(s.bufs, sb)
			w.Buf = sb.Bytes()
		} else if xfer > 0 {
			w.Buf = make([]byte, xfer)
		}
		if cfg.E2ESource != nil {
			id := w.ID
			w.SendE2E = func(ctx context.Context, _ /* sequence: assigned by Source */, location int64, payload []byte) error {
				return cfg.E2ESource.Send(ctx, id, cfg.E2EDestIndex, location, payload)
			}
		}
		s.workers = append(s.workers, w)
	}
	return s, nil
}

// Workers exposes the Worker pool, for the results aggregator's per-worker
// stats pass.
func (s *Scheduler) Workers() []*worker.Worker { return s.workers }

// Close releases the Workers' shared buffers.
func (s *Scheduler) Close() {
	for _, b := range s.bufs {
		_ = b.Close()
	}
	s.bufs = nil
}

// completion is one finished Task's result, handed Worker->Scheduler.
type completion struct {
	workerID int32
	t        *task.Task
	dur      uint64
	err      error
}

// pool is the per-pass worker scaffolding: rendezvous channels, completion
// channel, and availability bookkeeping.
type pool struct {
	taskCh []chan *task.Task
	compCh chan completion
	avail  []bool
	free   int
	inIO   int
	wg     sync.WaitGroup
}

func (s *Scheduler) startPool(ctx context.Context, passNumber int32) *pool {
	p := &pool{
		taskCh: make([]chan *task.Task, len(s.workers)),
		compCh: make(chan completion, len(s.workers)),
		avail:  make([]bool, len(s.workers)),
		free:   len(s.workers),
	}
	for i, w := range s.workers {
		p.avail[i] = true
		p.taskCh[i] = make(chan *task.Task)
		p.wg.Add(1)
		go func(ch <-chan *task.Task, w *worker.Worker) {
			defer p.wg.Done()
			for t := range ch {
				if t.Kind == task.KindStop || t.Kind == task.KindEOF {
					_, _ = w.Run(ctx, t, passNumber)
					return
				}
				start := clock.Now()
				_, err := w.Run(ctx, t, passNumber)
				p.compCh <- completion{workerID: w.ID, t: t, dur: clock.Now() - start, err: err}
			}
		}(p.taskCh[i], w)
	}
	return p
}

// dispatch hands t to the lowest-numbered available Worker; the caller must
// have ensured p.free > 0. The lowest-numbered pick keeps pass traces
// reproducible when several Workers are simultaneously available.
func (p *pool) dispatch(t *task.Task) {
	for i := range p.avail {
		if p.avail[i] {
			p.avail[i] = false
			p.free--
			p.inIO++
			p.taskCh[i] <- t
			return
		}
	}
	panic("scheduler: dispatch with no available worker")
}

// stop hands every Worker a Stop task and joins them.
func (p *pool) stop() {
	for i := range p.taskCh {
		p.taskCh[i] <- &task.Task{Kind: task.KindStop, OpType: task.OpEOF}
		close(p.taskCh[i])
	}
	p.wg.Wait()
}

// intervalTracker reports each crossing of a repeating interval threshold in
// one of the four progress dimensions.
type intervalTracker struct {
	typ   trigger.Interval
	value float64
	next  float64
}

func newIntervalTracker(typ trigger.Interval, value float64) *intervalTracker {
	return &intervalTracker{typ: typ, value: value, next: value}
}

func (it *intervalTracker) crossed(p trigger.Progress) bool {
	if it == nil || it.value <= 0 {
		return false
	}
	var cur float64
	switch it.typ {
	case trigger.IntervalTime:
		cur = float64(p.Elapsed)
	case trigger.IntervalOp:
		cur = float64(p.OpsCompleted)
	case trigger.IntervalPercent:
		cur = p.PercentDone
	case trigger.IntervalBytes:
		cur = float64(p.BytesMoved)
	}
	if cur >= it.next {
		it.next += it.value
		return true
	}
	return false
}

// RunPass drives one pass of the Target: generate, throttle, dispatch, honor
// lockstep and triggers, drain, join. The returned error carries the most
// severe status classification observed.
func (s *Scheduler) RunPass(ctx context.Context, passNumber int32) error {
	if s.cfg.Frames != nil {
		return s.runDestinationPass(ctx, passNumber)
	}

	tgt := s.cfg.Target
	attr := &tgt.Attr
	numOps := attr.OpCount()
	xfer := attr.XferSize()

	passStartNS := clock.Now()
	passStartWall := time.Now()
	tgt.Counters.StartPass(passStartNS)

	p := s.startPool(ctx, passNumber)

	var firstIOErr error
	var stopErr error
	var masterTracker, slaveTracker *intervalTracker
	if ls := s.cfg.Lockstep; ls != nil {
		switch s.cfg.LockstepRole {
		case LockstepMaster:
			masterTracker = newIntervalTracker(ls.IntervalType(), float64(ls.IntervalValue()))
		case LockstepSlave:
			slaveTracker = newIntervalTracker(ls.IntervalType(), float64(ls.IntervalValue()))
		}
	}

	// progress is pass-relative: counters accumulate across passes, so
	// trigger and lockstep thresholds measure against the delta from the
	// pass-start snapshot.
	startSnap := tgt.Counters.Snapshot()
	progress := func() trigger.Progress {
		snap := tgt.Counters.Snapshot()
		ops := snap.OpsCompleted - startSnap.OpsCompleted
		pct := 0.0
		if numOps > 0 {
			pct = float64(ops) / float64(numOps) * 100
		}
		return trigger.Progress{
			Elapsed:      clock.Now() - passStartNS,
			OpsCompleted: uint64(ops),
			PercentDone:  pct,
			BytesMoved:   uint64(snap.BytesCompleted - startSnap.BytesCompleted),
		}
	}

	handleCompletion := func(c completion) {
		p.avail[c.workerID] = true
		p.free++
		p.inIO--
		tgt.Counters.RecordCompletion(opKind(c.t.OpType), c.t.IOStatus, c.dur, c.err != nil)
		if c.err != nil {
			s.cfg.Logger.Err().
				Str("target", attr.Name).
				Int("worker", int(c.workerID)).
				Int64("op", c.t.OpNumber).
				Int64("offset", c.t.ByteOffset).
				Int64("reqsize", c.t.TransferSize).
				Int64("actual", c.t.IOStatus).
				Err(c.err).
				Log("operation failed")
			if firstIOErr == nil {
				firstIOErr = fmt.Errorf("target %q op %d at offset %d: %v: %w",
					attr.Name, c.t.OpNumber, c.t.ByteOffset, c.err, status.ErrIO)
			}
		}
		pr := progress()
		s.checkFire(pr)
		if masterTracker.crossed(pr) {
			s.cfg.Lockstep.MasterGrant()
		}
	}

	for n := int64(0); n < numOps; n++ {
		if err := s.stopCheck(ctx, passStartNS); err != nil {
			stopErr = err
			break
		}
		if attr.MaxErrors > 0 && tgt.Counters.Errors() >= attr.MaxErrors {
			stopErr = fmt.Errorf("target %q: error budget exhausted (%d errors): %w",
				attr.Name, tgt.Counters.Errors(), status.ErrIO)
			break
		}
		if firstIOErr != nil && attr.Options.Has(target.OptionStopOnError) {
			stopErr = firstIOErr
			break
		}

		// slave side of lockstep: wait for a master grant at pass start and
		// at each interval crossing.
		if slaveTracker != nil {
			issued := trigger.Progress{
				Elapsed:      clock.Now() - passStartNS,
				OpsCompleted: uint64(n),
				PercentDone:  float64(n) / float64(numOps) * 100,
				BytesMoved:   uint64(n) * uint64(xfer),
			}
			if n == 0 || slaveTracker.crossed(issued) {
				if !s.cfg.Lockstep.SlaveWait() {
					stopErr = fmt.Errorf("target %q: lockstep master stopped: %w", attr.Name, status.ErrCancelled)
					break
				}
			}
		}

		entry := tgt.Gen.Next(n, attr.ReqSize)
		opType := entry.Op
		if attr.Role == target.RoleMeta {
			opType = task.OpNoop
		}
		if opType == task.OpEOF {
			// a loaded seek list may end the pass early with an eof record.
			break
		}

		snap := tgt.Counters.Snapshot()
		deadline := tgt.Throttle.NextIssueTime(throttle.Counters{
			OpsIssued:   snap.OpsIssued - startSnap.OpsIssued,
			BytesIssued: snap.BytesIssued - startSnap.BytesIssued,
			StartTime:   passStartWall,
		}, time.Now())
		if err := sleepUntil(ctx, deadline); err != nil {
			stopErr = fmt.Errorf("target %q: %v: %w", attr.Name, err, status.ErrCancelled)
			break
		}

		for p.free == 0 {
			handleCompletion(<-p.compCh)
		}
		// fold in any further already-finished completions before picking,
		// so the lowest-numbered rule sees every available Worker.
		for drained := false; !drained; {
			select {
			case c := <-p.compCh:
				handleCompletion(c)
			default:
				drained = true
			}
		}

		// a completion folded in while waiting may have been a failure;
		// re-check before committing this op so stop-on-error never
		// dispatches past the queue-depth window around the first failure.
		if firstIOErr != nil && attr.Options.Has(target.OptionStopOnError) {
			stopErr = firstIOErr
			break
		}

		// a loaded seek list may override the request size per record.
		size := xfer
		if rs := int64(entry.ReqSizeBlocks) * attr.BlockSize; rs > 0 && rs != xfer {
			size = rs
		}

		t := &task.Task{
			Kind:         task.KindIO,
			OpType:       opType,
			ByteOffset:   int64(entry.BlockLocation) * attr.BlockSize,
			TransferSize: size,
			OpNumber:     n,
			E2ESequence:  n,
		}
		tgt.Counters.RecordIssue(size, clock.Now())
		p.dispatch(t)
	}

	// drain: collect every outstanding completion, then stop the Workers.
	for p.inIO > 0 {
		handleCompletion(<-p.compCh)
	}
	p.stop()

	if s.cfg.E2ESource != nil && stopErr == nil {
		// end-of-stream marker: a zero-length frame.
		if err := s.cfg.E2ESource.Send(ctx, -1, s.cfg.E2EDestIndex, 0, nil); err != nil && firstIOErr == nil {
			firstIOErr = fmt.Errorf("target %q: e2e eof: %v: %w", attr.Name, err, status.ErrIO)
		}
	}

	if s.cfg.LockstepRole == LockstepMaster && s.cfg.Lockstep != nil {
		s.cfg.Lockstep.MasterFinished()
	}
	s.cancelFire()

	tgt.Counters.EndPass(clock.Now())

	if firstIOErr != nil {
		return firstIOErr
	}
	return stopErr
}

// runDestinationPass consumes reassembled E2E frames instead of seek
// entries, dispatching one write Task per frame until end-of-stream.
func (s *Scheduler) runDestinationPass(ctx context.Context, passNumber int32) error {
	tgt := s.cfg.Target
	attr := &tgt.Attr

	passStartNS := clock.Now()
	tgt.Counters.StartPass(passStartNS)

	p := s.startPool(ctx, passNumber)

	var firstIOErr error
	var stopErr error

	handleCompletion := func(c completion) {
		p.avail[c.workerID] = true
		p.free++
		p.inIO--
		tgt.Counters.RecordCompletion(target.OpKindWrite, c.t.IOStatus, c.dur, c.err != nil)
		if c.err != nil && firstIOErr == nil {
			s.cfg.Logger.Err().
				Str("target", attr.Name).
				Int("worker", int(c.workerID)).
				Int64("op", c.t.OpNumber).
				Int64("offset", c.t.ByteOffset).
				Err(c.err).
				Log("e2e write failed")
			firstIOErr = fmt.Errorf("target %q e2e op %d at offset %d: %v: %w",
				attr.Name, c.t.OpNumber, c.t.ByteOffset, c.err, status.ErrIO)
		}
	}

	var opNumber int64
receive:
	for {
		if err := s.stopCheck(ctx, passStartNS); err != nil {
			stopErr = err
			break
		}
		select {
		case <-ctx.Done():
			stopErr = fmt.Errorf("target %q: %v: %w", attr.Name, ctx.Err(), status.ErrCancelled)
			break receive
		case c := <-p.compCh:
			handleCompletion(c)
		case frame, ok := <-s.cfg.Frames:
			if !ok || frame.Header.Length == 0 {
				// EOF received: flush pending writes and end the pass.
				break receive
			}
			for p.free == 0 {
				handleCompletion(<-p.compCh)
			}
			t := &task.Task{
				Kind:         task.KindIO,
				OpType:       task.OpWrite,
				ByteOffset:   frame.Header.Location,
				TransferSize: int64(len(frame.Payload)),
				OpNumber:     opNumber,
				E2ESequence:  frame.Header.Sequence,
				Payload:      frame.Payload,
			}
			tgt.Counters.RecordIssue(t.TransferSize, clock.Now())
			p.dispatch(t)
			opNumber++
		}
	}

	for p.inIO > 0 {
		handleCompletion(<-p.compCh)
	}
	p.stop()
	_ = tgt.Backend.Sync()

	tgt.Counters.EndPass(clock.Now())

	if firstIOErr != nil {
		return firstIOErr
	}
	return stopErr
}

// stopCheck evaluates the between-op stop triggers: context cancel, the
// plan-wide abort flag, the runtime timer, an aimed stop trigger, and this
// Target's own time limit.
func (s *Scheduler) stopCheck(ctx context.Context, passStartNS uint64) error {
	attr := &s.cfg.Target.Attr
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("target %q: %v: %w", attr.Name, err, status.ErrCancelled)
	}
	if s.cfg.Abort != nil && s.cfg.Abort.Load() {
		return fmt.Errorf("target %q: aborted: %w", attr.Name, status.ErrCancelled)
	}
	if s.cfg.RunTimeExpired != nil && s.cfg.RunTimeExpired.Load() {
		return fmt.Errorf("target %q: run time expired: %w", attr.Name, status.ErrCancelled)
	}
	if s.cfg.StopSignal != nil && s.cfg.StopSignal.Fired() {
		return fmt.Errorf("target %q: stop trigger fired: %w", attr.Name, status.ErrCancelled)
	}
	if attr.TimeLimit > 0 && time.Duration(clock.Now()-passStartNS) >= attr.TimeLimit {
		return fmt.Errorf("target %q: pass time limit reached: %w", attr.Name, status.ErrCancelled)
	}
	return nil
}

// checkFire evaluates this Target's outbound triggers against its progress.
func (s *Scheduler) checkFire(p trigger.Progress) {
	if s.cfg.Fire == nil {
		return
	}
	if s.cfg.Fire.Start != nil {
		s.cfg.Fire.Start.Check(p)
	}
	if s.cfg.Fire.Stop != nil {
		s.cfg.Fire.Stop.Check(p)
	}
}

// cancelFire unblocks anything still waiting on this Target's outbound
// triggers once its pass has ended; missed signals are not replayed.
func (s *Scheduler) cancelFire() {
	if s.cfg.Fire == nil {
		return
	}
	if s.cfg.Fire.Start != nil {
		s.cfg.Fire.Start.Cancel()
	}
	if s.cfg.Fire.Stop != nil {
		s.cfg.Fire.Stop.Cancel()
	}
}

func opKind(o task.OpType) target.OpKind {
	switch o {
	case task.OpRead:
		return target.OpKindRead
	case task.OpWrite:
		return target.OpKindWrite
	default:
		return target.OpKindNoop
	}
}

// sleepUntil blocks until deadline (a zero or past deadline returns
// immediately), or until ctx is cancelled.
func sleepUntil(ctx context.Context, deadline time.Time) error {
	if deadline.IsZero() {
		return nil
	}
	d := time.Until(deadline)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
