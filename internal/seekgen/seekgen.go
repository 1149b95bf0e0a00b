// Package seekgen implements the Seek Generator: the component that
// produces the (operation, byte offset, size) tuple for each op number in a
// pass, in one of several patterns, with optional save/load to a flat file
// so multiple runs can replay an identical access pattern.
package seekgen

import (
	"bufio"
	"fmt"
	"io"
	"math/rand"
	"strconv"
	"strings"

	"github.com/joeycumines/xddgo/internal/task"
)

// Pattern selects how successive op numbers map to byte offsets.
type Pattern int

const (
	// PatternSequential visits offsets in increasing order,
	// start + n*stride.
	PatternSequential Pattern = iota
	// PatternRandom draws offsets uniformly from [0, range) on a seeded
	// PRNG, so two generators built with the same seed reproduce the same
	// sequence.
	PatternRandom
	// PatternStagger is sequential but with every Nth op (N = interleave)
	// skipped forward by one stride.
	PatternStagger
)

// Entry is one generated tuple: the operation to perform, where, and how
// much.
type Entry struct {
	Op            task.OpType
	BlockLocation uint64
	ReqSizeBlocks int32
}

// Generator produces the seek entry for each successive op number. It is not
// safe for concurrent use; a Scheduler should own one Generator per Target
// and serialize calls to Next.
type Generator struct {
	pattern    Pattern
	blockSize  int64
	rangeBlks  int64
	startBlk   int64
	stride     int64
	interleave int32
	readRatio  float64
	rng        *rand.Rand

	loaded []Entry
	pos    int
}

// Config describes how to build a Generator.
type Config struct {
	Pattern      Pattern
	BlockSize    int64
	RangeBlocks  int64 // total addressable blocks; 0 means unbounded
	StartBlock   int64
	StrideBlocks int64 // defaults to 1 block when 0
	Interleave   int32 // PatternStagger only; defaults to 1
	Seed         int64
	ReadRatio    float64 // fraction of generated ops that are reads, in [0, 1]
}

// New builds a Generator per cfg.
func New(cfg Config) *Generator {
	stride := cfg.StrideBlocks
	if stride <= 0 {
		stride = 1
	}
	interleave := cfg.Interleave
	if interleave <= 0 {
		interleave = 1
	}
	return &Generator{
		pattern:    cfg.Pattern,
		blockSize:  cfg.BlockSize,
		rangeBlks:  cfg.RangeBlocks,
		startBlk:   cfg.StartBlock,
		stride:     stride,
		interleave: interleave,
		readRatio:  cfg.ReadRatio,
		rng:        rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Next computes the seek entry for the given op number and request size (in
// blocks). For PatternSequential/PatternStagger this is a pure function of
// opNumber; for PatternRandom it consumes from the generator's PRNG stream,
// so Next must be called with strictly increasing, gapless opNumber values
// to be reproducible across runs sharing a seed. Loaded entries (WithLoaded)
// replay verbatim, including their operation.
func (g *Generator) Next(opNumber int64, reqSizeBlocks int32) Entry {
	if g.pos < len(g.loaded) {
		e := g.loaded[g.pos]
		g.pos++
		return e
	}

	var blk int64
	switch g.pattern {
	case PatternSequential:
		blk = g.startBlk + opNumber*g.stride
	case PatternStagger:
		n := opNumber
		extra := n / int64(g.interleave)
		blk = g.startBlk + (n+extra)*g.stride
	case PatternRandom:
		span := g.rangeBlks
		if span <= 0 {
			span = 1
		}
		blk = g.startBlk + g.rng.Int63n(span)
	default:
		blk = g.startBlk + opNumber*g.stride
	}

	if g.rangeBlks > 0 {
		blk = blk % g.rangeBlks
		if blk < 0 {
			blk += g.rangeBlks
		}
	}

	return Entry{Op: g.opFor(opNumber), BlockLocation: uint64(blk), ReqSizeBlocks: reqSizeBlocks}
}

// opFor selects read vs write for op n under the configured read ratio,
// using the deterministic stable interleave: op n is a read exactly when
// floor((n+1)*r) > floor(n*r), yielding exactly floor(r*N) reads spread
// evenly through a pass of N ops.
func (g *Generator) opFor(n int64) task.OpType {
	r := g.readRatio
	switch {
	case r <= 0:
		return task.OpWrite
	case r >= 1:
		return task.OpRead
	}
	if int64(float64(n+1)*r) > int64(float64(n)*r) {
		return task.OpRead
	}
	return task.OpWrite
}

func formatOp(op task.OpType) string {
	switch op {
	case task.OpRead:
		return "read"
	case task.OpWrite:
		return "write"
	case task.OpNoop:
		return "noop"
	case task.OpEOF:
		return "eof"
	default:
		return "unknown"
	}
}

func parseOp(s string) (task.OpType, error) {
	switch s {
	case "read":
		return task.OpRead, nil
	case "write":
		return task.OpWrite, nil
	case "noop":
		return task.OpNoop, nil
	case "eof":
		return task.OpEOF, nil
	default:
		return 0, fmt.Errorf("seekgen: unknown operation %q", s)
	}
}

// Save writes the entries to w as whitespace-separated text, one
// "op blocklocation reqsize" line per entry, producing a replayable seek
// list.
func Save(w io.Writer, entries []Entry) error {
	bw := bufio.NewWriter(w)
	for _, e := range entries {
		if _, err := fmt.Fprintf(bw, "%s %d %d\n", formatOp(e.Op), e.BlockLocation, e.ReqSizeBlocks); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Load parses a seek list previously written by Save: one
// "op blocklocation reqsize" record per line. A malformed record fails the
// whole load.
func Load(r io.Reader) ([]Entry, error) {
	sc := bufio.NewScanner(r)
	var out []Entry
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("seekgen: malformed seek file line %q", line)
		}
		op, err := parseOp(fields[0])
		if err != nil {
			return nil, err
		}
		loc, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("seekgen: parsing block location: %w", err)
		}
		sz, err := strconv.ParseInt(fields[2], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("seekgen: parsing request size: %w", err)
		}
		out = append(out, Entry{Op: op, BlockLocation: loc, ReqSizeBlocks: int32(sz)})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// WithLoaded returns a Generator that replays the given entries in order via
// Next, ignoring its configured pattern until the list is exhausted.
func (g *Generator) WithLoaded(entries []Entry) *Generator {
	g.loaded = entries
	g.pos = 0
	return g
}
