// Package target models one I/O destination and its configuration: the
// Option flag set, the Attr describing a Target's full command-line-derived
// configuration, the live Counters a pass accumulates into, and the Target
// itself, which bundles an Attr with the coordination structures built from
// it (TOT, seek generator, throttle).
package target

import (
	"fmt"
	"sync"
	"time"

	"github.com/joeycumines/xddgo/internal/iotarget"
	"github.com/joeycumines/xddgo/internal/seekgen"
	"github.com/joeycumines/xddgo/internal/throttle"
	"github.com/joeycumines/xddgo/internal/tot"
	"github.com/joeycumines/xddgo/internal/tsbuffer"
)

// Role identifies what part a Target plays in a plan, matching the
// in/out/meta/null type split of the library API.
type Role int

const (
	RoleSource Role = iota
	RoleSink
	RoleMeta
	RoleNull
)

func (r Role) String() string {
	switch r {
	case RoleSource:
		return "source"
	case RoleSink:
		return "sink"
	case RoleMeta:
		return "meta"
	case RoleNull:
		return "null"
	default:
		return "unknown"
	}
}

// Option is the Target option flag set.
type Option uint64

const (
	OptionDirectIO Option = 1 << iota
	OptionPreallocate
	OptionDeleteOnFinish
	OptionVerifyContents
	OptionRecreatePerPass
	OptionReopenPerPass
	OptionNullTarget
	OptionStopOnError
	OptionExtendedStats
	OptionE2ESource
	OptionE2EDestination
	OptionCreate
)

// Has reports whether all bits of o2 are set in o.
func (o Option) Has(o2 Option) bool { return o&o2 == o2 }

// SeekConfig selects the Target's access pattern.
type SeekConfig struct {
	Pattern    seekgen.Pattern
	Seed       int64
	Interleave int32
	Stride     int64 // blocks; 0 means one request size per op
	LoadFile   string
	SaveFile   string
}

// E2EAttr is one (host, base-port, port-count) address-table entry for the
// end-to-end channel.
type E2EAttr struct {
	Host      string
	BasePort  int
	PortCount int
}

// ThrottleConfig selects the Target's issue-rate limiter.
type ThrottleConfig struct {
	Kind     throttle.Kind
	Rate     float64 // ops/sec for KindOPS, bytes/sec for KindBW/KindABW
	Variance float64 // fractional jitter for KindBW
	Delay    time.Duration
}

// Attr is one Target's full configuration, assembled by the CLI or the
// library API before plan start.
type Attr struct {
	Name string // diagnostic name, e.g. "target0"
	Path string // URI/path of the destination
	Role Role
	Kind iotarget.Kind

	BlockSize     int64 // bytes per block
	ReqSize       int32 // blocks per op
	NumReqs       int64 // ops per pass
	Bytes         int64 // alternative to NumReqs: total bytes per pass
	QueueDepth    int
	StartOffset   int64 // blocks
	PassOffset    int64 // blocks added to StartOffset each pass
	RetryCount    int
	MaxErrors     int64
	RWRatio       float64 // fraction of ops that are reads, in [0, 1]
	TimeLimit     time.Duration

	// Timestamp tracing; TraceSize 0 disables it.
	TraceSize     int
	TraceOptions  tsbuffer.Option
	TraceDumpFile string
	TraceTrigOp   int64
	TraceTrigTime uint64

	// E2E names the peer endpoint: the destination to send to (source
	// side), or the local address to listen on (destination side).
	E2E E2EAttr

	Seek     SeekConfig
	Throttle ThrottleConfig

	StorageOrdering tot.Ordering
	NetworkOrdering tot.Ordering

	Options Option
}

// Validate checks an Attr for the invalid-configuration cases that must
// abort before any thread is spawned.
func (a *Attr) Validate() error {
	if a.BlockSize <= 0 {
		return fmt.Errorf("target %q: block size must be positive, got %d", a.Name, a.BlockSize)
	}
	if a.ReqSize <= 0 {
		return fmt.Errorf("target %q: request size must be positive, got %d", a.Name, a.ReqSize)
	}
	if a.QueueDepth < 1 {
		return fmt.Errorf("target %q: queue depth must be >= 1, got %d", a.Name, a.QueueDepth)
	}
	if a.NumReqs <= 0 && a.Bytes <= 0 && !a.Options.Has(OptionE2EDestination) {
		return fmt.Errorf("target %q: one of numreqs or bytes must be set", a.Name)
	}
	if a.RWRatio < 0 || a.RWRatio > 1 {
		return fmt.Errorf("target %q: r/w ratio must be in [0, 1], got %v", a.Name, a.RWRatio)
	}
	if a.Path == "" && a.Kind == iotarget.KindFile {
		return fmt.Errorf("target %q: file target requires a path", a.Name)
	}
	return nil
}

// XferSize returns the bytes moved per op.
func (a *Attr) XferSize() int64 { return int64(a.ReqSize) * a.BlockSize }

// OpCount returns the number of ops in one pass, deriving it from Bytes when
// NumReqs is unset.
func (a *Attr) OpCount() int64 {
	if a.NumReqs > 0 {
		return a.NumReqs
	}
	xfer := a.XferSize()
	if xfer <= 0 || a.Bytes <= 0 {
		return 0
	}
	return a.Bytes / xfer
}

// Counters is a Target's live running totals, folded in by Workers as ops
// complete and snapshotted by the results aggregator and heartbeat.
type Counters struct {
	mu sync.Mutex

	OpsIssued    int64
	OpsCompleted int64
	ReadOps      int64
	WriteOps     int64
	NoopOps      int64

	BytesIssued    int64
	BytesCompleted int64
	BytesRead      int64
	BytesWritten   int64

	AccumOpTime    uint64 // nanoseconds across all completed ops
	AccumReadTime  uint64
	AccumWriteTime uint64
	AccumNoopTime  uint64

	ErrorCount int64

	FirstOpStart uint64 // clock.Now at first issue; 0 until then
	PassStart    uint64
	PassEnd      uint64
}

// RecordIssue notes that one op of the given size has been handed to a
// Worker.
func (c *Counters) RecordIssue(bytes int64, now uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FirstOpStart == 0 {
		c.FirstOpStart = now
	}
	c.OpsIssued++
	c.BytesIssued += bytes
}

// OpKind classifies a completed op for counter accounting.
type OpKind int

const (
	OpKindRead OpKind = iota
	OpKindWrite
	OpKindNoop
)

// RecordCompletion folds one completed op's result into the totals.
func (c *Counters) RecordCompletion(kind OpKind, bytes int64, dur uint64, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.OpsCompleted++
	c.BytesCompleted += bytes
	c.AccumOpTime += dur
	switch kind {
	case OpKindRead:
		c.ReadOps++
		c.BytesRead += bytes
		c.AccumReadTime += dur
	case OpKindWrite:
		c.WriteOps++
		c.BytesWritten += bytes
		c.AccumWriteTime += dur
	case OpKindNoop:
		c.NoopOps++
		c.AccumNoopTime += dur
	}
	if failed {
		c.ErrorCount++
	}
}

// Errors returns the current error count.
func (c *Counters) Errors() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ErrorCount
}

// StartPass stamps the pass-start time and clears the per-pass fields that
// reset each traversal.
func (c *Counters) StartPass(now uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.PassStart = now
	c.PassEnd = 0
	c.FirstOpStart = 0
}

// EndPass stamps the pass-end time.
func (c *Counters) EndPass(now uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.PassEnd = now
}

// Snapshot is a point-in-time copy of the counters, safe to read without
// holding any lock.
type Snapshot struct {
	OpsIssued      int64
	OpsCompleted   int64
	ReadOps        int64
	WriteOps       int64
	NoopOps        int64
	BytesIssued    int64
	BytesCompleted int64
	BytesRead      int64
	BytesWritten   int64
	AccumOpTime    uint64
	ErrorCount     int64
	FirstOpStart   uint64
	PassStart      uint64
	PassEnd        uint64
}

// Snapshot copies the counters under the snapshot lock.
func (c *Counters) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		OpsIssued:      c.OpsIssued,
		OpsCompleted:   c.OpsCompleted,
		ReadOps:        c.ReadOps,
		WriteOps:       c.WriteOps,
		NoopOps:        c.NoopOps,
		BytesIssued:    c.BytesIssued,
		BytesCompleted: c.BytesCompleted,
		BytesRead:      c.BytesRead,
		BytesWritten:   c.BytesWritten,
		AccumOpTime:    c.AccumOpTime,
		ErrorCount:     c.ErrorCount,
		FirstOpStart:   c.FirstOpStart,
		PassStart:      c.PassStart,
		PassEnd:        c.PassEnd,
	}
}

// Target bundles an Attr with the coordination structures built from it. The
// Backend is opened by Open (or injected directly by tests) and owned by the
// Target for the plan's lifetime, except under OptionReopenPerPass.
type Target struct {
	ID   int32
	Attr Attr

	Counters Counters

	TOT      *tot.Table
	Gen      *seekgen.Generator
	Throttle throttle.Throttle
	Backend  iotarget.Backend

	loadedSeeks []seekgen.Entry
}

// New validates attr and builds the Target's TOT, seek generator, and
// throttle from it. The backend is not opened here; call Open (or assign
// Backend directly) before starting a pass.
func New(id int32, attr Attr, onCollision tot.CollisionReporter) (*Target, error) {
	if err := attr.Validate(); err != nil {
		return nil, err
	}

	t := &Target{ID: id, Attr: attr}
	t.TOT = tot.New(attr.QueueDepth, int(attr.OpCount()), attr.StorageOrdering, onCollision)
	t.PreparePass(0)
	t.Throttle = throttle.New(attr.Throttle.Kind, attr.Throttle.Rate, attr.Throttle.Variance, attr.Throttle.Delay)
	return t, nil
}

// PreparePass rebuilds the seek generator for the given zero-based pass
// index: the start offset advances by PassOffset blocks each pass, and the
// PRNG is reseeded so every pass (and every run) replays an identical
// sequence for a given seed.
func (t *Target) PreparePass(passIndex int32) {
	attr := &t.Attr
	t.Gen = seekgen.New(seekgen.Config{
		Pattern:      attr.Seek.Pattern,
		BlockSize:    attr.BlockSize,
		RangeBlocks:  rangeBlocks(*attr),
		StartBlock:   attr.StartOffset + int64(passIndex)*attr.PassOffset,
		StrideBlocks: strideBlocks(*attr),
		Interleave:   attr.Seek.Interleave,
		Seed:         attr.Seek.Seed,
		ReadRatio:    attr.RWRatio,
	})
	if t.loadedSeeks != nil {
		t.Gen.WithLoaded(t.loadedSeeks)
	}
}

// SetLoadedSeeks replaces the configured pattern with an exact replay of
// entries, applied afresh at every PreparePass.
func (t *Target) SetLoadedSeeks(entries []seekgen.Entry) {
	t.loadedSeeks = entries
	t.Gen.WithLoaded(entries)
}

func strideBlocks(attr Attr) int64 {
	if attr.Seek.Stride > 0 {
		return attr.Seek.Stride
	}
	return int64(attr.ReqSize)
}

func rangeBlocks(attr Attr) int64 {
	if attr.Seek.Pattern != seekgen.PatternRandom && attr.Seek.Pattern != seekgen.PatternStagger {
		return 0 // sequential: unbounded, offsets are start + n*stride exactly
	}
	if attr.Bytes > 0 && attr.BlockSize > 0 {
		return attr.Bytes / attr.BlockSize
	}
	return attr.OpCount() * int64(attr.ReqSize)
}

// Open opens the Target's storage backend per its Attr. A Target with
// OptionNullTarget (or RoleNull) always gets the null backend regardless of
// its configured kind.
func (t *Target) Open() error {
	kind := t.Attr.Kind
	if t.Attr.Options.Has(OptionNullTarget) || t.Attr.Role == RoleNull {
		kind = iotarget.KindNull
	}
	b, err := iotarget.Open(iotarget.OpenOptions{
		Path:     t.Attr.Path,
		Kind:     kind,
		ReadOnly: t.Attr.Role == RoleSource && t.Attr.RWRatio >= 1,
		DirectIO: t.Attr.Options.Has(OptionDirectIO),
		Create:   t.Attr.Options.Has(OptionCreate),
		Size:     preallocSize(t.Attr),
	})
	if err != nil {
		return fmt.Errorf("target %q: %w", t.Attr.Name, err)
	}
	t.Backend = b
	return nil
}

func preallocSize(attr Attr) int64 {
	if !attr.Options.Has(OptionPreallocate) {
		return 0
	}
	return attr.StartOffset*attr.BlockSize + attr.OpCount()*attr.XferSize()
}

// Reopen closes and reopens the backend, for OptionReopenPerPass between
// passes.
func (t *Target) Reopen() error {
	if t.Backend != nil {
		if err := t.Backend.Close(); err != nil {
			return fmt.Errorf("target %q: close before reopen: %w", t.Attr.Name, err)
		}
		t.Backend = nil
	}
	return t.Open()
}

// Close releases the backend, if open.
func (t *Target) Close() error {
	if t.Backend == nil {
		return nil
	}
	err := t.Backend.Close()
	t.Backend = nil
	return err
}
