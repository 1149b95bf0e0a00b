// Package tsbuffer implements the Timestamp Trace Buffer: an in-memory ring
// or linear array of per-operation timestamp entries, optionally dumped to a
// binary file for post-run analysis.
package tsbuffer

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"
)

// Option bits controlling buffer behavior.
type Option uint32

const (
	OptNormalize Option = 1 << iota
	OptSummary
	OptDetailed
	OptWrap
	OptOneshot
	OptTrigOp
	OptTrigTime
)

// OpType identifies the operation an entry records: no-op=0, read=1,
// write=2.
type OpType int8

const (
	OpNoop OpType = iota
	OpRead
	OpWrite
)

// Entry is one timestamp table entry. The disk and net timestamp pairs are
// user-space clock readings; kernel-side I/O completion timestamps have no
// portable Go source, so no shadow fields exist for them.
type Entry struct {
	OpType           OpType
	PassNumber       int16
	WorkerThreadNum  int32
	ThreadID         int32
	DiskXferSize     int32
	NetXferSize      int32
	NetXferCalls     int32
	OpNumber         int64
	ByteOffset       int64
	DiskStart        uint64
	DiskEnd          uint64
	NetStart         uint64
	NetEnd           uint64
}

// Header carries the run-level metadata written once before the entry
// array.
type Header struct {
	TargetThreadID int32
	ReqSize        int32
	BlockSize      int32
	NumEntries     int64
	TrigTime       uint64
	TrigOp         int64
	ClockRes       int64
	StartOffset    int64
	TargetOffset   int64
	GlobalOptions  uint64
	TargetOptions  uint64
	ID             string
	TimerOverhead  uint64
}

const magic uint32 = 0xDEAD_BEEF
const versionString = "xddgo-ts-1"

// Buffer accumulates Entry values up to a fixed capacity.
// All of a Target's Workers share one Buffer: Record and Armed serialize on
// an internal mutex, and each Record claims its own index, so concurrent
// writers never clobber each other's entries (entries are not guaranteed to
// land in op-number order; each entry carries its op number for reordering).
type Buffer struct {
	mu        sync.Mutex
	opts      Option
	entries   []Entry
	cur       int64
	triggered bool
	trigOp    int64
	trigTime  uint64
}

// New creates a Buffer with room for size entries.
func New(size int, opts Option) *Buffer {
	if size < 1 {
		size = 1
	}
	return &Buffer{opts: opts, entries: make([]Entry, size)}
}

// SetTrigger arms an op-number or time trigger: timestamping does not begin
// recording until the trigger condition is met. A zero value for the
// relevant dimension means "already triggered" for that dimension.
func (b *Buffer) SetTrigger(trigOp int64, trigTime uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trigOp = trigOp
	b.trigTime = trigTime
	b.triggered = trigOp == 0 && trigTime == 0
}

// Armed reports whether the buffer has reached its trigger condition as of
// the given op number and clock time.
func (b *Buffer) Armed(opNumber int64, now uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.triggered {
		return true
	}
	if b.opts&OptTrigOp != 0 && opNumber >= b.trigOp {
		b.triggered = true
	}
	if b.opts&OptTrigTime != 0 && now >= b.trigTime {
		b.triggered = true
	}
	if b.opts&(OptTrigOp|OptTrigTime) == 0 {
		b.triggered = true
	}
	return b.triggered
}

// errFullSentinel is returned by Record when the buffer is at capacity.
// With OptWrap set, Record silently overwrites the oldest entry instead of
// returning it. Without OptWrap, Record returns it on every call once the
// buffer is full and stores nothing; OptOneshot does not change this.
var errFullSentinel = fmt.Errorf("tsbuffer: buffer full")

// ErrFull reports whether err is the buffer-full condition.
func ErrFull(err error) bool { return err == errFullSentinel }

// Record appends an entry, applying the wrap/oneshot capacity policy. It
// returns ErrFull (checkable with tsbuffer.ErrFull) when the buffer is full
// and not configured to wrap.
func (b *Buffer) Record(e Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := int64(len(b.entries))
	if b.cur >= n {
		if b.opts&OptWrap != 0 {
			b.entries[b.cur%n] = e
			b.cur++
			return nil
		}
		return errFullSentinel
	}
	b.entries[b.cur] = e
	b.cur++
	return nil
}

// Len returns the number of entries recorded so far, capped at capacity
// unless OptWrap is set (in which case it is always the capacity once full).
func (b *Buffer) Len() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := int64(len(b.entries))
	if b.cur > n {
		return n
	}
	return b.cur
}

// Entries returns the recorded entries in chronological order.
func (b *Buffer) Entries() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := int64(len(b.entries))
	if b.cur <= n {
		out := make([]Entry, b.cur)
		copy(out, b.entries[:b.cur])
		return out
	}
	// wrapped: oldest entry is at cur%n, read out in order starting there.
	start := b.cur % n
	out := make([]Entry, n)
	copy(out, b.entries[start:])
	copy(out[n-start:], b.entries[:start])
	return out
}

// WriteBinary dumps the header followed by every recorded entry to w in a
// fixed-width little-endian format. The header's id string is
// truncated/zero-padded to a 256-byte field.
func (b *Buffer) WriteBinary(w io.Writer, h Header) error {
	bw := bufio.NewWriter(w)

	if err := binary.Write(bw, binary.LittleEndian, magic); err != nil {
		return err
	}
	var versionBuf [64]byte
	copy(versionBuf[:], versionString)
	if _, err := bw.Write(versionBuf[:]); err != nil {
		return err
	}

	entries := b.Entries()
	h.NumEntries = int64(len(entries))

	if b.opts&OptNormalize != 0 {
		normalize(entries)
	}

	scalars := []any{
		h.TargetThreadID, h.ReqSize, h.BlockSize, h.NumEntries,
		h.TrigTime, h.TrigOp, h.ClockRes, h.StartOffset, h.TargetOffset,
		h.GlobalOptions, h.TargetOptions,
	}
	for _, v := range scalars {
		if err := binary.Write(bw, binary.LittleEndian, v); err != nil {
			return err
		}
	}

	var idBuf [256]byte
	copy(idBuf[:], h.ID)
	if _, err := bw.Write(idBuf[:]); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, h.TimerOverhead); err != nil {
		return err
	}

	for _, e := range entries {
		fields := []any{
			e.OpType, e.PassNumber, e.WorkerThreadNum, e.ThreadID,
			e.DiskXferSize, e.NetXferSize, e.NetXferCalls,
			e.OpNumber, e.ByteOffset,
			e.DiskStart, e.DiskEnd, e.NetStart, e.NetEnd,
		}
		for _, v := range fields {
			if err := binary.Write(bw, binary.LittleEndian, v); err != nil {
				return err
			}
		}
	}

	return bw.Flush()
}

// normalize rebases every timestamp against the earliest one recorded, so a
// dump starts at zero rather than at the process's clock base.
func normalize(entries []Entry) {
	var base uint64
	for _, e := range entries {
		if e.DiskStart != 0 && (base == 0 || e.DiskStart < base) {
			base = e.DiskStart
		}
	}
	if base == 0 {
		return
	}
	sub := func(ts uint64) uint64 {
		if ts < base {
			return 0
		}
		return ts - base
	}
	for i := range entries {
		entries[i].DiskStart = sub(entries[i].DiskStart)
		entries[i].DiskEnd = sub(entries[i].DiskEnd)
		if entries[i].NetStart != 0 {
			entries[i].NetStart = sub(entries[i].NetStart)
		}
		if entries[i].NetEnd != 0 {
			entries[i].NetEnd = sub(entries[i].NetEnd)
		}
	}
}

// Summary is a condensed per-pass statistic derived from a Buffer's entries,
// matching the TS_SUMMARY reporting mode.
type Summary struct {
	Count         int64
	MinDiskLatency time.Duration
	MaxDiskLatency time.Duration
	MeanDiskLatency time.Duration
}

// Summarize computes disk-latency statistics across all recorded entries.
func (b *Buffer) Summarize() Summary {
	entries := b.Entries()
	var s Summary
	s.Count = int64(len(entries))
	if s.Count == 0 {
		return s
	}
	var total time.Duration
	s.MinDiskLatency = time.Duration(1<<63 - 1)
	for _, e := range entries {
		if e.DiskEnd < e.DiskStart {
			continue
		}
		d := time.Duration(e.DiskEnd - e.DiskStart)
		total += d
		if d < s.MinDiskLatency {
			s.MinDiskLatency = d
		}
		if d > s.MaxDiskLatency {
			s.MaxDiskLatency = d
		}
	}
	s.MeanDiskLatency = total / time.Duration(s.Count)
	return s
}
