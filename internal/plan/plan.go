// Package plan implements the Plan Coordinator: the layer that validates
// configuration, builds Targets and their Schedulers, wires
// lockstep pairs, triggers, and E2E channels between them, sequences passes
// with pre/post-pass barriers, runs the auxiliary heartbeat and interactive
// controller threads, computes the run's exit code, and tears everything
// down.
//
// There is no process-wide global state: the Plan value owns the logger, the
// abort flag, and every Target, and is passed explicitly wherever that state
// is needed. Signal handling belongs to the caller that owns the process.
package plan

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"golang.org/x/sync/errgroup"

	"github.com/joeycumines/xddgo/internal/barrier"
	"github.com/joeycumines/xddgo/internal/clock"
	"github.com/joeycumines/xddgo/internal/e2e"
	"github.com/joeycumines/xddgo/internal/interactive"
	"github.com/joeycumines/xddgo/internal/lockstep"
	"github.com/joeycumines/xddgo/internal/report"
	"github.com/joeycumines/xddgo/internal/scheduler"
	"github.com/joeycumines/xddgo/internal/seekgen"
	"github.com/joeycumines/xddgo/internal/status"
	"github.com/joeycumines/xddgo/internal/target"
	"github.com/joeycumines/xddgo/internal/tot"
	"github.com/joeycumines/xddgo/internal/trigger"
	"github.com/joeycumines/xddgo/internal/tsbuffer"
)

// LockstepAttr pairs two Targets (by index into the plan's target list) in
// lockstep.
type LockstepAttr struct {
	MasterIndex   int
	SlaveIndex    int
	Mode          lockstep.Mode
	Completion    lockstep.Completion
	IntervalType  trigger.Interval
	IntervalValue int64
}

// TriggerAttr aims a start and/or stop trigger from one Target's progress at
// other Targets. An index of -1 disables that arm.
type TriggerAttr struct {
	SourceIndex int
	StartIndex  int
	StopIndex   int
	Condition   trigger.Condition
}

// Attr is the plan-level configuration.
type Attr struct {
	Passes    int32
	PassDelay time.Duration
	Runtime   time.Duration // 0 means no global time limit

	Lockstep []LockstepAttr
	Triggers []TriggerAttr

	HeartbeatOptions  report.HeartbeatOption
	HeartbeatInterval time.Duration // 0 disables the heartbeat thread

	// Interactive opts in to the REPL controller thread. It is never
	// enabled implicitly.
	Interactive bool
}

// RestartMonitor observes pass completion, the seam where a
// restart/checkpoint implementation would record progress. The default is a
// no-op.
type RestartMonitor interface {
	PassCompleted(targetID int32, passNumber int32, snap target.Snapshot)
}

type nopRestartMonitor struct{}

func (nopRestartMonitor) PassCompleted(int32, int32, target.Snapshot) {}

// Option configures a Plan beyond its Attr.
type Option func(*Plan)

// WithLogger replaces the default stderr JSON logger.
func WithLogger(l *logiface.Logger[logiface.Event]) Option {
	return func(p *Plan) { p.log = l }
}

// WithOutput directs the heartbeat and summary lines; default os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(p *Plan) { p.out = w }
}

// WithRestartMonitor installs a pass-completion observer.
func WithRestartMonitor(m RestartMonitor) Option {
	return func(p *Plan) { p.restart = m }
}

// Plan owns a full run: targets, schedulers, auxiliary threads, results.
type Plan struct {
	attr Attr
	log  *logiface.Logger[logiface.Event]
	out  io.Writer

	targets []*target.Target
	scheds  []*scheduler.Scheduler
	traces  []*tsbuffer.Buffer

	locksteps  []*lockstep.Pair
	stopSigs   []*trigger.Trigger // indexed by target; nil when not aimed at
	startSigs  []*trigger.Trigger
	fires      []*trigger.Pair

	sinks     []*e2e.Sink
	listeners []net.Listener

	restart RestartMonitor

	abort          atomic.Bool
	runTimeExpired atomic.Bool

	cancel   context.CancelFunc
	done     chan struct{}
	passErrs []error
	runErr   error

	hb       report.Heartbeater
	runTimer *time.Timer

	mu      sync.Mutex
	started bool
}

// New validates the configuration and constructs every Target, Scheduler,
// lockstep pair, trigger, and E2E channel. Resource failures roll back
// whatever was already built before returning.
func New(attr Attr, targetAttrs []target.Attr, opts ...Option) (*Plan, error) {
	clock.Initialize()

	if attr.Passes < 1 {
		attr.Passes = 1
	}
	if len(targetAttrs) == 0 {
		return nil, fmt.Errorf("plan: %w: no targets", status.ErrInvalidArgument)
	}

	p := &Plan{
		attr:    attr,
		out:     os.Stdout,
		restart: nopRestartMonitor{},
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.log == nil {
		p.log = stumpy.L.New(
			stumpy.L.WithStumpy(stumpy.WithWriter(os.Stderr)),
			stumpy.L.WithLevel(logiface.LevelInformational),
		).Logger()
	}

	n := len(targetAttrs)
	p.stopSigs = make([]*trigger.Trigger, n)
	p.startSigs = make([]*trigger.Trigger, n)
	p.fires = make([]*trigger.Pair, n)
	p.passErrs = make([]error, n)

	rollback := func() {
		for _, s := range p.scheds {
			if s != nil {
				s.Close()
			}
		}
		for _, ln := range p.listeners {
			ln.Close()
		}
		for _, t := range p.targets {
			_ = t.Close()
		}
	}

	// targets and backends
	for i, ta := range targetAttrs {
		id := int32(i)
		if ta.Name == "" {
			ta.Name = fmt.Sprintf("target%d", i)
		}
		log := p.log
		tgt, err := target.New(id, ta, func(slotIndex int, workerID int32, opNumber, slotNextExpected int64) {
			log.Warning().
				Int("target", int(id)).
				Int("slot", slotIndex).
				Int("worker", int(workerID)).
				Int64("op", opNumber).
				Int64("expected", slotNextExpected).
				Log("tot collision: stale op number")
		})
		if err != nil {
			rollback()
			return nil, fmt.Errorf("plan: %w: %v", status.ErrInvalidArgument, err)
		}
		if err := tgt.Open(); err != nil {
			rollback()
			return nil, fmt.Errorf("plan: %w: %v", status.ErrTargetStart, err)
		}
		if f := ta.Seek.LoadFile; f != "" {
			entries, err := loadSeekFile(f)
			if err != nil {
				rollback()
				return nil, fmt.Errorf("plan: %w: %v", status.ErrInvalidArgument, err)
			}
			tgt.SetLoadedSeeks(entries)
		}
		p.targets = append(p.targets, tgt)
	}

	// lockstep pairs
	for _, ls := range attr.Lockstep {
		if ls.MasterIndex < 0 || ls.MasterIndex >= n || ls.SlaveIndex < 0 || ls.SlaveIndex >= n || ls.MasterIndex == ls.SlaveIndex {
			rollback()
			return nil, fmt.Errorf("plan: %w: lockstep pair (%d, %d)", status.ErrInvalidArgument, ls.MasterIndex, ls.SlaveIndex)
		}
		p.locksteps = append(p.locksteps, lockstep.New(lockstep.Config{
			Mode:           ls.Mode,
			Completion:     ls.Completion,
			IntervalType:   ls.IntervalType,
			IntervalValue:  ls.IntervalValue,
			MasterTargetID: int32(ls.MasterIndex),
			SlaveTargetID:  int32(ls.SlaveIndex),
		}))
	}

	// triggers
	for _, ta := range attr.Triggers {
		if ta.SourceIndex < 0 || ta.SourceIndex >= n {
			rollback()
			return nil, fmt.Errorf("plan: %w: trigger source %d", status.ErrInvalidArgument, ta.SourceIndex)
		}
		pair := &trigger.Pair{}
		if ta.StartIndex >= 0 && ta.StartIndex < n {
			pair.Start = trigger.New(ta.Condition)
			pair.StartTargetID = int32(ta.StartIndex)
			p.startSigs[ta.StartIndex] = pair.Start
		}
		if ta.StopIndex >= 0 && ta.StopIndex < n {
			pair.Stop = trigger.New(ta.Condition)
			pair.StopTargetID = int32(ta.StopIndex)
			p.stopSigs[ta.StopIndex] = pair.Stop
		}
		p.fires[ta.SourceIndex] = pair
	}

	// schedulers, traces, E2E channels
	for i, tgt := range p.targets {
		cfg := scheduler.Config{
			Target:         tgt,
			Logger:         p.log,
			Abort:          &p.abort,
			RunTimeExpired: &p.runTimeExpired,
			Fire:           p.fires[i],
			StopSignal:     p.stopSigs[i],
		}

		if tgt.Attr.TraceSize > 0 {
			buf := tsbuffer.New(tgt.Attr.TraceSize, tgt.Attr.TraceOptions)
			buf.SetTrigger(tgt.Attr.TraceTrigOp, tgt.Attr.TraceTrigTime)
			cfg.Trace = buf
			p.traces = append(p.traces, buf)
		} else {
			p.traces = append(p.traces, nil)
		}

		for li, ls := range attr.Lockstep {
			switch i {
			case ls.MasterIndex:
				cfg.Lockstep = p.locksteps[li]
				cfg.LockstepRole = scheduler.LockstepMaster
			case ls.SlaveIndex:
				cfg.Lockstep = p.locksteps[li]
				cfg.LockstepRole = scheduler.LockstepSlave
			}
		}

		switch {
		case tgt.Attr.Options.Has(target.OptionE2ESource):
			var table e2e.AddressTable
			if err := table.Add(e2e.AddressTableEntry{
				Address:   tgt.Attr.E2E.Host,
				Hostname:  tgt.Attr.E2E.Host,
				BasePort:  tgt.Attr.E2E.BasePort,
				PortCount: tgt.Attr.E2E.PortCount,
			}); err != nil {
				rollback()
				return nil, fmt.Errorf("plan: %w: %v", status.ErrInvalidArgument, err)
			}
			cfg.E2ESource = e2e.NewSource(table, int64(tgt.Attr.QueueDepth))
			cfg.E2EDestIndex = 0
		case tgt.Attr.Options.Has(target.OptionE2EDestination):
			sink := e2e.NewSink()
			if tgt.Attr.NetworkOrdering != tot.OrderingSerial {
				sink = e2e.NewSinkUnordered()
			}
			addr := fmt.Sprintf("%s:%d", tgt.Attr.E2E.Host, tgt.Attr.E2E.BasePort)
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				rollback()
				return nil, fmt.Errorf("plan: %w: e2e listen %s: %v", status.ErrTargetStart, addr, err)
			}
			p.sinks = append(p.sinks, sink)
			p.listeners = append(p.listeners, ln)
			cfg.Frames = sink.Frames()
		}

		sched, err := scheduler.New(cfg)
		if err != nil {
			rollback()
			return nil, err
		}
		p.scheds = append(p.scheds, sched)
	}

	return p, nil
}

// Targets exposes the built targets, mainly for tests and reporting.
func (p *Plan) Targets() []*target.Target { return p.targets }

// Abort requests a drain at every Scheduler's next op boundary.
func (p *Plan) Abort() { p.abort.Store(true) }

// Start launches the run: sink accept loops, the runtime timer, the
// heartbeat, the interactive controller, and one Scheduler goroutine per
// Target. It returns immediately; use Wait for completion.
func (p *Plan) Start() error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("plan: %w: already started", status.ErrInvalidArgument)
	}
	p.started = true
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	for i, sink := range p.sinks {
		sink, ln := sink, p.listeners[i]
		go func() { _ = sink.Serve(ctx, ln) }()
	}

	if p.attr.Runtime > 0 {
		p.runTimer = time.AfterFunc(p.attr.Runtime, func() {
			p.runTimeExpired.Store(true)
			p.log.Notice().Dur("runtime", p.attr.Runtime).Log("run time expired")
		})
	}

	p.hb = report.Heartbeater{
		Out:      p.out,
		Opts:     p.attr.HeartbeatOptions,
		Interval: p.attr.HeartbeatInterval,
		Hostname: hostname(),
	}
	p.hb.Start(p.targets)

	if p.attr.Interactive {
		go interactive.Run(interactive.Control{
			Status: p.statusLine,
			Stop:   p.Abort,
		}, p.out)
	}

	go func() {
		defer close(p.done)
		p.runErr = p.run(ctx)
	}()
	return nil
}

// Wait blocks until the run finishes and returns the most severe error
// observed across all Targets and the run itself.
func (p *Plan) Wait() error {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return fmt.Errorf("plan: %w: not started", status.ErrInvalidArgument)
	}
	<-p.done
	if p.runErr != nil {
		return p.runErr
	}
	var worst error
	for _, err := range p.passErrs {
		if status.Code(err) > status.Code(worst) {
			worst = err
		}
	}
	return worst
}

// ExitCode folds the run's errors into the documented 0-6 exit code.
func (p *Plan) ExitCode() int {
	errs := append([]error{p.runErr}, p.passErrs...)
	return status.MostSevere(errs...)
}

// Destroy tears the plan down: cancels anything still running, stops
// auxiliary threads, dumps trace files, and closes every Target.
func (p *Plan) Destroy() {
	p.Abort()
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
	p.hb.Stop()
	if p.runTimer != nil {
		p.runTimer.Stop()
	}
	for _, ln := range p.listeners {
		ln.Close()
	}
	for i, sched := range p.scheds {
		sched.Close()
		if err := p.targets[i].Close(); err != nil {
			p.log.Warning().Err(err).Str("target", p.targets[i].Attr.Name).Log("close failed")
		}
	}
}

// run sequences the passes: pre-pass barrier, per-target RunPass, post-pass
// barrier, summaries, pass delay.
func (p *Plan) run(ctx context.Context) error {
	defer p.finish()

	for pass := int32(1); pass <= p.attr.Passes; pass++ {
		if p.abort.Load() || p.runTimeExpired.Load() || ctx.Err() != nil {
			break
		}

		if pass > 1 {
			for i, tgt := range p.targets {
				tgt.PreparePass(pass - 1)
				if tgt.Attr.Options.Has(target.OptionReopenPerPass) || tgt.Attr.Options.Has(target.OptionRecreatePerPass) {
					if err := tgt.Reopen(); err != nil {
						p.passErrs[i] = fmt.Errorf("plan: %w: %v", status.ErrTargetStart, err)
						return nil
					}
				}
			}
		}

		// targets gated behind a start trigger skip the shared barriers on
		// their first pass; they join the round late, when released.
		gated := make([]bool, len(p.targets))
		ungated := 0
		for i := range p.targets {
			gated[i] = pass == 1 && p.startSigs[i] != nil
			if !gated[i] {
				ungated++
			}
		}
		pre := barrier.New(fmt.Sprintf("pre-pass-%d", pass), max(ungated, 1))
		post := barrier.New(fmt.Sprintf("post-pass-%d", pass), max(ungated, 1))

		g, gctx := errgroup.WithContext(ctx)
		for i, sched := range p.scheds {
			tgt := p.targets[i]
			g.Go(func() error {
				occ := barrier.Occupant{
					Owner: tgt.Attr.Name,
					Type:  barrier.OccupantScheduler,
					Tag:   fmt.Sprintf("pass%d", pass),
				}
				if gated[i] {
					if !p.startSigs[i].Wait() {
						return nil // never released; the run ended first
					}
				} else {
					if err := pre.Enter(occ); err != nil {
						return nil
					}
				}

				err := sched.RunPass(gctx, pass)
				if err != nil {
					if p.passErrs[i] == nil {
						p.passErrs[i] = err
					}
					p.log.Err().Str("target", tgt.Attr.Name).Int("pass", int(pass)).Err(err).Log("pass failed")
				}

				if !gated[i] {
					_ = post.Enter(occ)
				}

				// an error propagates to siblings (cancelling gctx) only
				// when this Target asked for stop-on-error.
				if err != nil && tgt.Attr.Options.Has(target.OptionStopOnError) {
					return err
				}
				return nil
			})
		}
		// per-target errors were already recorded; severity is resolved in
		// Wait, so the group error (stop-on-error propagation) is not
		// re-inspected here.
		_ = g.Wait()
		pre.Destroy()
		post.Destroy()
		for i := range p.startSigs {
			if p.startSigs[i] != nil {
				p.startSigs[i].Cancel()
			}
		}

		for _, tgt := range p.targets {
			snap := tgt.Counters.Snapshot()
			fmt.Fprintln(p.out, report.PassSummary(tgt.Attr.Name, pass, snap))
			p.restart.PassCompleted(tgt.ID, pass, snap)
		}

		if pass < p.attr.Passes && p.attr.PassDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(p.attr.PassDelay):
			}
		}
	}
	return nil
}

// finish performs end-of-run bookkeeping: trace dumps, seek-save files,
// delete-on-finish.
func (p *Plan) finish() {
	for i, tgt := range p.targets {
		if buf := p.traces[i]; buf != nil && tgt.Attr.TraceDumpFile != "" {
			if err := p.dumpTrace(tgt, buf); err != nil {
				p.log.Warning().Err(err).Str("target", tgt.Attr.Name).Log("trace dump failed")
			}
		}
		if f := tgt.Attr.Seek.SaveFile; f != "" {
			if err := p.saveSeekFile(tgt, f); err != nil {
				p.log.Warning().Err(err).Str("target", tgt.Attr.Name).Log("seek save failed")
			}
		}
		if tgt.Attr.Options.Has(target.OptionDeleteOnFinish) && tgt.Attr.Path != "" {
			_ = tgt.Close()
			if err := os.Remove(tgt.Attr.Path); err != nil {
				p.log.Warning().Err(err).Str("target", tgt.Attr.Name).Log("delete on finish failed")
			}
		}
	}
}

func (p *Plan) dumpTrace(tgt *target.Target, buf *tsbuffer.Buffer) error {
	f, err := os.Create(tgt.Attr.TraceDumpFile)
	if err != nil {
		return err
	}
	defer f.Close()
	return buf.WriteBinary(f, tsbuffer.Header{
		TargetThreadID: tgt.ID,
		ReqSize:        tgt.Attr.ReqSize,
		BlockSize:      int32(tgt.Attr.BlockSize),
		TrigTime:       tgt.Attr.TraceTrigTime,
		TrigOp:         tgt.Attr.TraceTrigOp,
		StartOffset:    tgt.Attr.StartOffset,
		TargetOptions:  uint64(tgt.Attr.Options),
		ID:             fmt.Sprintf("xddgo %s %s", tgt.Attr.Name, tgt.Attr.Path),
	})
}

// saveSeekFile regenerates the pass's seek sequence deterministically and
// writes it in load-compatible form.
func (p *Plan) saveSeekFile(tgt *target.Target, path string) error {
	fresh, err := target.New(tgt.ID, tgt.Attr, nil)
	if err != nil {
		return err
	}
	numOps := tgt.Attr.OpCount()
	entries := make([]seekgen.Entry, 0, numOps)
	for n := int64(0); n < numOps; n++ {
		entries = append(entries, fresh.Gen.Next(n, tgt.Attr.ReqSize))
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return seekgen.Save(f, entries)
}

func loadSeekFile(path string) ([]seekgen.Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return seekgen.Load(f)
}

// statusLine renders the interactive controller's status response.
func (p *Plan) statusLine() string {
	now := clock.Now()
	var lines []string
	for _, tgt := range p.targets {
		lines = append(lines, report.Heartbeat(
			report.DefaultHeartbeat|report.HBTargetNumber, tgt.ID, "",
			tgt.Attr.OpCount(), tgt.Counters.Snapshot(), now))
	}
	return strings.Join(lines, "\n")
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}

