// Command xddgo runs a data-movement/benchmarking plan against one or more
// targets. Each positional argument names a target path; the flags configure
// every target identically, matching the single-target-spec-applies-to-all
// behavior of the classic tool's simple invocations.
//
// Exit codes: 0 success, 1 init failure, 2 invalid argument, 3 invalid
// option, 4 target start failure, 5 cancelled, 6 I/O error.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joeycumines/xddgo/internal/iotarget"
	"github.com/joeycumines/xddgo/internal/lockstep"
	"github.com/joeycumines/xddgo/internal/plan"
	"github.com/joeycumines/xddgo/internal/report"
	"github.com/joeycumines/xddgo/internal/seekgen"
	"github.com/joeycumines/xddgo/internal/status"
	"github.com/joeycumines/xddgo/internal/target"
	"github.com/joeycumines/xddgo/internal/throttle"
	"github.com/joeycumines/xddgo/internal/tot"
	"github.com/joeycumines/xddgo/internal/trigger"
	"github.com/joeycumines/xddgo/internal/tsbuffer"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func optErr(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, status.ErrInvalidOption)...)
}

func run(args []string) int {
	fs := flag.NewFlagSet("xddgo", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		op          = fs.String("op", "read", "operation: read or write")
		reqSize     = fs.Int("reqsize", 1, "blocks per operation")
		blockSize   = fs.Int64("blocksize", 1024, "bytes per block")
		numReqs     = fs.Int64("numreqs", 0, "operations per pass")
		bytesTotal  = fs.Int64("bytes", 0, "bytes per pass (alternative to -numreqs)")
		passes      = fs.Int("passes", 1, "number of passes")
		queueDepth  = fs.Int("queuedepth", 1, "concurrent workers per target")
		seek        = fs.String("seek", "sequential", "sequential | random | staggered | load:FILE | save:FILE")
		seed        = fs.Int64("seed", 72058, "seek PRNG seed")
		ordering    = fs.String("ordering", "loose", "{serial|loose|none}[:{storage|network}]")
		throttleArg = fs.String("throttle", "", "ops:N | bw:N | abw:N | delay:N(ms)")
		lockstepArg = fs.String("lockstep", "", "MASTER:SLAVE:{time|op|percent|bytes}:INTERVAL")
		e2eArg      = fs.String("e2e", "", "{source|destination}:host:baseport:nports")
		tsArg       = fs.String("ts", "", "comma list: on, dump:FILE, wrap, oneshot, normalize, trigop:N, trigtime:NS, size:N")
		dio         = fs.Bool("dio", false, "use direct I/O")
		retry       = fs.Int("retry", 0, "retries per failed/short transfer")
		maxErrors   = fs.Int64("maxerrors", 0, "error budget before the pass drains (0 = unlimited)")
		startOffset = fs.Int64("startoffset", 0, "starting block offset")
		passOffset  = fs.Int64("passoffset", 0, "blocks added to the start offset each pass")
		runtime     = fs.Int("runtime", 0, "run time limit in seconds (0 = none)")
		passDelay   = fs.Duration("passdelay", 0, "delay between passes")
		rwRatio     = fs.Float64("rwratio", -1, "fraction of ops that are reads (overrides -op)")
		verify      = fs.Bool("verify", false, "read back and compare after every write")
		stopOnError = fs.Bool("stoponerror", false, "drain the pass on the first I/O error")
		createFlag  = fs.Bool("create", false, "create the target file if missing")
		prealloc    = fs.Bool("preallocate", false, "preallocate the target file to full size")
		deleteFlag  = fs.Bool("deletefinish", false, "delete the target file when the run ends")
		nullTarget  = fs.Bool("null", false, "use the null backend (no real storage)")
		heartbeat   = fs.Duration("heartbeat", 0, "heartbeat interval (0 disables)")
		interactive = fs.Bool("interactive", false, "run the interactive controller")
	)

	if err := fs.Parse(args); err != nil {
		return status.CodeInvalidArgument
	}
	paths := fs.Args()
	if len(paths) == 0 && !*nullTarget {
		fmt.Fprintln(os.Stderr, "xddgo: no targets given")
		fs.Usage()
		return status.CodeInvalidArgument
	}
	if len(paths) == 0 {
		paths = []string{""}
	}

	code, err := buildAndRun(buildInput{
		paths: paths,
		op: *op, reqSize: *reqSize, blockSize: *blockSize,
		numReqs: *numReqs, bytesTotal: *bytesTotal,
		passes: *passes, queueDepth: *queueDepth,
		seek: *seek, seed: *seed, ordering: *ordering,
		throttleArg: *throttleArg, lockstepArg: *lockstepArg,
		e2eArg: *e2eArg, tsArg: *tsArg,
		dio: *dio, retry: *retry, maxErrors: *maxErrors,
		startOffset: *startOffset, passOffset: *passOffset,
		runtime: *runtime, passDelay: *passDelay, rwRatio: *rwRatio,
		verify: *verify, stopOnError: *stopOnError,
		createFlag: *createFlag, prealloc: *prealloc,
		deleteFlag: *deleteFlag, nullTarget: *nullTarget,
		heartbeat: *heartbeat, interactive: *interactive,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "xddgo: %v\n", err)
	}
	return code
}

type buildInput struct {
	paths                              []string
	op                                 string
	reqSize                            int
	blockSize                          int64
	numReqs, bytesTotal                int64
	passes, queueDepth                 int
	seek                               string
	seed                               int64
	ordering, throttleArg, lockstepArg string
	e2eArg, tsArg                      string
	dio                                bool
	retry                              int
	maxErrors                          int64
	startOffset, passOffset            int64
	runtime                            int
	passDelay                          time.Duration
	rwRatio                            float64
	verify, stopOnError                bool
	createFlag, prealloc               bool
	deleteFlag, nullTarget             bool
	heartbeat                          time.Duration
	interactive                        bool
}

func buildAndRun(in buildInput) (int, error) {
	attr := target.Attr{
		Kind:        iotarget.KindFile,
		BlockSize:   in.blockSize,
		ReqSize:     int32(in.reqSize),
		NumReqs:     in.numReqs,
		Bytes:       in.bytesTotal,
		QueueDepth:  in.queueDepth,
		StartOffset: in.startOffset,
		PassOffset:  in.passOffset,
		RetryCount:  in.retry,
		MaxErrors:   in.maxErrors,
	}

	switch in.op {
	case "read":
		attr.RWRatio = 1
		attr.Role = target.RoleSource
	case "write":
		attr.RWRatio = 0
		attr.Role = target.RoleSink
	default:
		return status.CodeInvalidOption, optErr("-op: %q is not read or write", in.op)
	}
	if in.rwRatio >= 0 {
		if in.rwRatio > 1 {
			return status.CodeInvalidOption, optErr("-rwratio: %v is not in [0, 1]", in.rwRatio)
		}
		attr.RWRatio = in.rwRatio
	}

	if err := parseSeek(in.seek, in.seed, &attr); err != nil {
		return status.CodeInvalidOption, err
	}
	if err := parseOrdering(in.ordering, &attr); err != nil {
		return status.CodeInvalidOption, err
	}
	if err := parseThrottle(in.throttleArg, &attr); err != nil {
		return status.CodeInvalidOption, err
	}
	if err := parseTS(in.tsArg, &attr); err != nil {
		return status.CodeInvalidOption, err
	}
	if in.e2eArg != "" {
		if err := parseE2E(in.e2eArg, &attr); err != nil {
			return status.CodeInvalidOption, err
		}
	}

	if in.dio {
		attr.Options |= target.OptionDirectIO
	}
	if in.verify {
		attr.Options |= target.OptionVerifyContents
	}
	if in.stopOnError {
		attr.Options |= target.OptionStopOnError
	}
	if in.createFlag {
		attr.Options |= target.OptionCreate
	}
	if in.prealloc {
		attr.Options |= target.OptionPreallocate | target.OptionCreate
	}
	if in.deleteFlag {
		attr.Options |= target.OptionDeleteOnFinish
	}
	if in.nullTarget {
		attr.Options |= target.OptionNullTarget
		attr.Kind = iotarget.KindNull
	}

	planAttr := plan.Attr{
		Passes:            int32(in.passes),
		PassDelay:         in.passDelay,
		Runtime:           time.Duration(in.runtime) * time.Second,
		HeartbeatInterval: in.heartbeat,
		HeartbeatOptions:  report.DefaultHeartbeat,
		Interactive:       in.interactive,
	}
	if err := parseLockstep(in.lockstepArg, len(in.paths), &planAttr); err != nil {
		return status.CodeInvalidOption, err
	}

	targetAttrs := make([]target.Attr, len(in.paths))
	for i, path := range in.paths {
		ta := attr
		ta.Name = fmt.Sprintf("target%d", i)
		ta.Path = path
		targetAttrs[i] = ta
	}

	p, err := plan.New(planAttr, targetAttrs)
	if err != nil {
		return status.Code(err), err
	}
	defer p.Destroy()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)
	go func() {
		if _, ok := <-sig; ok {
			p.Abort()
		}
	}()

	if err := p.Start(); err != nil {
		return status.Code(err), err
	}
	err = p.Wait()
	return p.ExitCode(), err
}

func parseSeek(s string, seed int64, attr *target.Attr) error {
	attr.Seek.Seed = seed
	switch {
	case s == "sequential":
		attr.Seek.Pattern = seekgen.PatternSequential
	case s == "random":
		attr.Seek.Pattern = seekgen.PatternRandom
	case s == "staggered":
		attr.Seek.Pattern = seekgen.PatternStagger
		attr.Seek.Interleave = int32(attr.QueueDepth)
	case strings.HasPrefix(s, "load:"):
		attr.Seek.LoadFile = s[len("load:"):]
	case strings.HasPrefix(s, "save:"):
		attr.Seek.Pattern = seekgen.PatternSequential
		attr.Seek.SaveFile = s[len("save:"):]
	default:
		return optErr("-seek: unknown mode %q", s)
	}
	return nil
}

func parseOrdering(s string, attr *target.Attr) error {
	mode, scope, _ := strings.Cut(s, ":")
	var ord tot.Ordering
	switch mode {
	case "serial":
		ord = tot.OrderingSerial
	case "loose":
		ord = tot.OrderingLoose
	case "none":
		ord = tot.OrderingNone
	default:
		return optErr("-ordering: unknown mode %q", mode)
	}
	switch scope {
	case "":
		attr.StorageOrdering = ord
		attr.NetworkOrdering = ord
	case "storage":
		attr.StorageOrdering = ord
	case "network":
		attr.NetworkOrdering = ord
	default:
		return optErr("-ordering: unknown scope %q", scope)
	}
	return nil
}

func parseThrottle(s string, attr *target.Attr) error {
	if s == "" {
		return nil
	}
	kind, val, ok := strings.Cut(s, ":")
	if !ok {
		return optErr("-throttle: want KIND:VALUE, got %q", s)
	}
	v, err := strconv.ParseFloat(val, 64)
	if err != nil || v <= 0 {
		return optErr("-throttle: bad value %q", val)
	}
	switch kind {
	case "ops":
		attr.Throttle = target.ThrottleConfig{Kind: throttle.KindOPS, Rate: v}
	case "bw":
		attr.Throttle = target.ThrottleConfig{Kind: throttle.KindBW, Rate: v * 1024 * 1024}
	case "abw":
		attr.Throttle = target.ThrottleConfig{Kind: throttle.KindABW, Rate: v * 1024 * 1024}
	case "delay":
		attr.Throttle = target.ThrottleConfig{Kind: throttle.KindDelay, Delay: time.Duration(v * float64(time.Millisecond))}
	default:
		return optErr("-throttle: unknown kind %q", kind)
	}
	return nil
}

func parseLockstep(s string, numTargets int, attr *plan.Attr) error {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return optErr("-lockstep: want MASTER:SLAVE:TYPE:INTERVAL, got %q", s)
	}
	master, err1 := strconv.Atoi(parts[0])
	slave, err2 := strconv.Atoi(parts[1])
	interval, err3 := strconv.ParseInt(parts[3], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil || interval <= 0 {
		return optErr("-lockstep: bad numbers in %q", s)
	}
	if master < 0 || master >= numTargets || slave < 0 || slave >= numTargets || master == slave {
		return optErr("-lockstep: target indexes out of range in %q", s)
	}
	var it trigger.Interval
	switch parts[2] {
	case "time":
		it = trigger.IntervalTime
	case "op":
		it = trigger.IntervalOp
	case "percent":
		it = trigger.IntervalPercent
	case "bytes":
		it = trigger.IntervalBytes
	default:
		return optErr("-lockstep: unknown interval type %q", parts[2])
	}
	attr.Lockstep = append(attr.Lockstep, plan.LockstepAttr{
		MasterIndex:   master,
		SlaveIndex:    slave,
		Mode:          lockstep.ModeOverlapped,
		Completion:    lockstep.CompletionFinish,
		IntervalType:  it,
		IntervalValue: interval,
	})
	return nil
}

func parseE2E(s string, attr *target.Attr) error {
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return optErr("-e2e: want ROLE:HOST:BASEPORT:NPORTS, got %q", s)
	}
	basePort, err1 := strconv.Atoi(parts[2])
	nPorts, err2 := strconv.Atoi(parts[3])
	if err1 != nil || err2 != nil || basePort <= 0 || nPorts < 1 {
		return optErr("-e2e: bad port numbers in %q", s)
	}
	switch parts[0] {
	case "source":
		attr.Options |= target.OptionE2ESource
	case "destination":
		attr.Options |= target.OptionE2EDestination
	default:
		return optErr("-e2e: unknown role %q", parts[0])
	}
	attr.E2E = target.E2EAttr{Host: parts[1], BasePort: basePort, PortCount: nPorts}
	return nil
}

func parseTS(s string, attr *target.Attr) error {
	if s == "" {
		return nil
	}
	attr.TraceSize = 4096
	for _, part := range strings.Split(s, ",") {
		key, val, _ := strings.Cut(part, ":")
		switch key {
		case "on", "":
		case "dump":
			attr.TraceDumpFile = val
		case "wrap":
			attr.TraceOptions |= tsbuffer.OptWrap
		case "oneshot":
			attr.TraceOptions |= tsbuffer.OptOneshot
		case "normalize":
			attr.TraceOptions |= tsbuffer.OptNormalize
		case "summary":
			attr.TraceOptions |= tsbuffer.OptSummary
		case "detailed":
			attr.TraceOptions |= tsbuffer.OptDetailed
		case "trigop":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return optErr("-ts: bad trigop %q", val)
			}
			attr.TraceOptions |= tsbuffer.OptTrigOp
			attr.TraceTrigOp = n
		case "trigtime":
			n, err := strconv.ParseUint(val, 10, 64)
			if err != nil {
				return optErr("-ts: bad trigtime %q", val)
			}
			attr.TraceOptions |= tsbuffer.OptTrigTime
			attr.TraceTrigTime = n
		case "size":
			n, err := strconv.Atoi(val)
			if err != nil || n < 1 {
				return optErr("-ts: bad size %q", val)
			}
			attr.TraceSize = n
		default:
			return optErr("-ts: unknown setting %q", key)
		}
	}
	return nil
}
