// Package worker implements the Worker state machine: the goroutine that
// pulls a Task from its Scheduler, brackets it with the
// owning Target's TOT Acquire/Release, performs the I/O against an
// iotarget.Backend, records a timestamp trace entry, and folds the result
// into its ExtendedStats.
package worker

import (
	"bytes"
	"context"
	"fmt"

	"github.com/joeycumines/xddgo/internal/clock"
	"github.com/joeycumines/xddgo/internal/iotarget"
	"github.com/joeycumines/xddgo/internal/task"
	"github.com/joeycumines/xddgo/internal/tot"
	"github.com/joeycumines/xddgo/internal/tsbuffer"
)

// ExtendedStats tracks, per pass, the longest/shortest op observed overall
// and broken down by op type. Durations are nanosecond counts as returned by
// clock.Now deltas.
type ExtendedStats struct {
	LongestOpTime       uint64
	LongestReadOpTime   uint64
	LongestWriteOpTime  uint64
	LongestNoopOpTime   uint64
	ShortestOpTime      uint64
	ShortestReadOpTime  uint64
	ShortestWriteOpTime uint64
	ShortestNoopOpTime  uint64

	LongestOpBytes       int64
	LongestReadOpBytes   int64
	LongestWriteOpBytes  int64
	LongestNoopOpBytes   int64
	ShortestOpBytes      int64
	ShortestReadOpBytes  int64
	ShortestWriteOpBytes int64
	ShortestNoopOpBytes  int64

	LongestOpNumber       int64
	LongestReadOpNumber   int64
	LongestWriteOpNumber  int64
	LongestNoopOpNumber   int64
	ShortestOpNumber      int64
	ShortestReadOpNumber  int64
	ShortestWriteOpNumber int64
	ShortestNoopOpNumber  int64

	LongestOpPassNumber       int32
	LongestReadOpPassNumber   int32
	LongestWriteOpPassNumber  int32
	LongestNoopOpPassNumber   int32
	ShortestOpPassNumber      int32
	ShortestReadOpPassNumber  int32
	ShortestWriteOpPassNumber int32
	ShortestNoopOpPassNumber  int32
}

// Reset clears ExtendedStats for a new pass.
func (s *ExtendedStats) Reset() { *s = ExtendedStats{} }

// Observe folds one completed op's duration/bytes/op-number/pass-number into
// the running longest/shortest bookkeeping.
func (s *ExtendedStats) Observe(opType task.OpType, passNumber int32, opNumber, bytes int64, dur uint64) {
	if dur > s.LongestOpTime {
		s.LongestOpTime, s.LongestOpBytes, s.LongestOpNumber, s.LongestOpPassNumber = dur, bytes, opNumber, passNumber
	}
	if s.ShortestOpTime == 0 || dur < s.ShortestOpTime {
		s.ShortestOpTime, s.ShortestOpBytes, s.ShortestOpNumber, s.ShortestOpPassNumber = dur, bytes, opNumber, passNumber
	}

	switch opType {
	case task.OpRead:
		if dur > s.LongestReadOpTime {
			s.LongestReadOpTime, s.LongestReadOpBytes, s.LongestReadOpNumber, s.LongestReadOpPassNumber = dur, bytes, opNumber, passNumber
		}
		if s.ShortestReadOpTime == 0 || dur < s.ShortestReadOpTime {
			s.ShortestReadOpTime, s.ShortestReadOpBytes, s.ShortestReadOpNumber, s.ShortestReadOpPassNumber = dur, bytes, opNumber, passNumber
		}
	case task.OpWrite:
		if dur > s.LongestWriteOpTime {
			s.LongestWriteOpTime, s.LongestWriteOpBytes, s.LongestWriteOpNumber, s.LongestWriteOpPassNumber = dur, bytes, opNumber, passNumber
		}
		if s.ShortestWriteOpTime == 0 || dur < s.ShortestWriteOpTime {
			s.ShortestWriteOpTime, s.ShortestWriteOpBytes, s.ShortestWriteOpNumber, s.ShortestWriteOpPassNumber = dur, bytes, opNumber, passNumber
		}
	case task.OpNoop:
		if dur > s.LongestNoopOpTime {
			s.LongestNoopOpTime, s.LongestNoopOpBytes, s.LongestNoopOpNumber, s.LongestNoopOpPassNumber = dur, bytes, opNumber, passNumber
		}
		if s.ShortestNoopOpTime == 0 || dur < s.ShortestNoopOpTime {
			s.ShortestNoopOpTime, s.ShortestNoopOpBytes, s.ShortestNoopOpNumber, s.ShortestNoopOpPassNumber = dur, bytes, opNumber, passNumber
		}
	}
}

// State is a Worker's current lifecycle state.
type State int

const (
	StateIdle State = iota
	StateWaiting // blocked in TOT.Acquire
	StateRunning // performing I/O
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaiting:
		return "waiting"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Worker executes Tasks pulled from a channel against one Target's backend,
// bracketing each with the Target's TOT and folding results into its
// ExtendedStats and, optionally, a timestamp trace Buffer.
type Worker struct {
	ID      int32
	Backend iotarget.Backend
	TOT     *tot.Table

	// Buf is the Worker's reusable I/O buffer. It is owned by this Worker
	// and never shared; when nil, Run allocates per op. The Scheduler sizes
	// it to the Target's transfer size (page-aligned when direct I/O is on).
	Buf []byte

	// Retries bounds how many times a short or failed transfer is reissued
	// before the Task is marked failed.
	Retries int

	// SendE2E, when set, forwards each successful read's data to the paired
	// destination Worker. The network round is timed separately from the
	// disk round in the trace entry.
	SendE2E func(ctx context.Context, sequence, location int64, payload []byte) error

	// Verify makes every successful write read its data back and compare,
	// failing the Task on mismatch.
	Verify bool

	// SkipStats disables the longest/shortest bookkeeping, for targets that
	// did not ask for extended stats.
	SkipStats bool

	Stats ExtendedStats
	Trace *tsbuffer.Buffer // optional; nil disables trace recording

	state State
}

// State reports the Worker's current lifecycle state.
func (w *Worker) State() State { return w.state }

// Run executes a single Task end to end: TOT.Acquire, perform the I/O (or
// skip it for KindStop/KindEOF/OpNoop), record a trace entry, TOT.Release,
// and fold timing into Stats. It returns the number of bytes transferred and
// any I/O error encountered.
func (w *Worker) Run(ctx context.Context, t *task.Task, passNumber int32) (int64, error) {
	if t.Kind == task.KindStop || t.Kind == task.KindEOF {
		w.state = StateDone
		return 0, nil
	}

	w.state = StateWaiting
	w.TOT.Acquire(w.ID, t.OpNumber)
	defer w.TOT.Release(w.ID, t.OpNumber, t.ByteOffset, int32(t.TransferSize))

	w.state = StateRunning
	start := clock.Now()

	var n int64
	var err error
	var buf []byte
	if t.OpType != task.OpNoop {
		if t.OpType == task.OpWrite && t.Payload != nil {
			buf = t.Payload
		} else if int64(len(w.Buf)) >= t.TransferSize {
			buf = w.Buf[:t.TransferSize]
		} else {
			buf = make([]byte, t.TransferSize)
		}
		for attempt := 0; ; attempt++ {
			switch t.OpType {
			case task.OpRead:
				var nn int
				nn, err = w.Backend.ReadAt(buf, t.ByteOffset)
				n = int64(nn)
			case task.OpWrite:
				var nn int
				nn, err = w.Backend.WriteAt(buf, t.ByteOffset)
				n = int64(nn)
			default:
				err = fmt.Errorf("worker: unsupported op type %v", t.OpType)
			}
			if (err == nil && n == t.TransferSize) || attempt >= w.Retries {
				break
			}
		}
	}

	if err == nil && t.OpType == task.OpWrite && w.Verify {
		err = w.verifyWrite(buf, t.ByteOffset)
	}

	end := clock.Now()
	if err == nil && t.OpType != task.OpNoop && n != t.TransferSize {
		err = fmt.Errorf("worker: short %v: %d of %d bytes at offset %d", t.OpType, n, t.TransferSize, t.ByteOffset)
	}
	if err != nil {
		w.state = StateError
	} else {
		w.state = StateIdle
	}

	var netStart, netEnd uint64
	var netXfer int32
	if err == nil && t.OpType == task.OpRead && w.SendE2E != nil {
		netStart = clock.Now()
		err = w.SendE2E(ctx, t.E2ESequence, t.ByteOffset, buf[:n])
		netEnd = clock.Now()
		if err != nil {
			w.state = StateError
		} else {
			netXfer = int32(n)
		}
	}

	if !w.SkipStats {
		w.Stats.Observe(t.OpType, passNumber, t.OpNumber, n, end-start)
	}

	if w.Trace != nil && w.Trace.Armed(t.OpNumber, end) {
		_ = w.Trace.Record(tsbuffer.Entry{
			OpType:          traceOpType(t.OpType),
			PassNumber:      int16(passNumber),
			WorkerThreadNum: w.ID,
			DiskXferSize:    int32(n),
			NetXferSize:     netXfer,
			OpNumber:        t.OpNumber,
			ByteOffset:      t.ByteOffset,
			DiskStart:       start,
			DiskEnd:         end,
			NetStart:        netStart,
			NetEnd:          netEnd,
		})
	}

	t.IOStatus = n
	t.Errno = err
	return n, err
}

// verifyWrite reads back the just-written range and compares it to what was
// written.
func (w *Worker) verifyWrite(written []byte, off int64) error {
	check := make([]byte, len(written))
	if _, err := w.Backend.ReadAt(check, off); err != nil {
		return fmt.Errorf("worker: verify read at offset %d: %w", off, err)
	}
	if !bytes.Equal(check, written) {
		return fmt.Errorf("worker: verify mismatch at offset %d", off)
	}
	return nil
}

func traceOpType(o task.OpType) tsbuffer.OpType {
	switch o {
	case task.OpRead:
		return tsbuffer.OpRead
	case task.OpWrite:
		return tsbuffer.OpWrite
	default:
		return tsbuffer.OpNoop
	}
}
