// Package e2e implements the end-to-end (E2E) copy channel: a private TCP
// framing protocol that moves data from a set of source Workers to a set of
// sink Workers across the network, with
// out-of-order reassembly since multiple source connections may race.
package e2e

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/exp/slices"
	"golang.org/x/sync/semaphore"

	"github.com/joeycumines/xddgo/internal/clock"
)

// maxAddressTableEntries caps how many distinct sink destinations may be
// registered for one Target.
const maxAddressTableEntries = 16

// MaxFrameBytes is the largest single payload this channel will attempt to
// send in one write; callers loop larger transfers.
const MaxFrameBytes = 1 << 28

const headerMagic uint32 = 0xE2E0_E2E0

// Header is one frame's metadata.
type Header struct {
	Magic     uint32
	SendQNum  int32
	Sequence  int64
	SendTime  uint64
	RecvTime  uint64
	Location  int64
	Length    int64
}

const headerWireSize = 4 + 4 + 8 + 8 + 8 + 8 + 8

func (h Header) encode() []byte {
	buf := make([]byte, headerWireSize)
	binary.LittleEndian.PutUint32(buf[0:4], headerMagic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.SendQNum))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.Sequence))
	binary.LittleEndian.PutUint64(buf[16:24], h.SendTime)
	binary.LittleEndian.PutUint64(buf[24:32], h.RecvTime)
	binary.LittleEndian.PutUint64(buf[32:40], uint64(h.Location))
	binary.LittleEndian.PutUint64(buf[40:48], uint64(h.Length))
	return buf
}

func decodeHeader(buf []byte) (Header, error) {
	if len(buf) < headerWireSize {
		return Header{}, fmt.Errorf("e2e: short header (%d bytes)", len(buf))
	}
	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != headerMagic {
		return Header{}, fmt.Errorf("e2e: bad magic %#x", magic)
	}
	return Header{
		Magic:    magic,
		SendQNum: int32(binary.LittleEndian.Uint32(buf[4:8])),
		Sequence: int64(binary.LittleEndian.Uint64(buf[8:16])),
		SendTime: binary.LittleEndian.Uint64(buf[16:24]),
		RecvTime: binary.LittleEndian.Uint64(buf[24:32]),
		Location: int64(binary.LittleEndian.Uint64(buf[32:40])),
		Length:   int64(binary.LittleEndian.Uint64(buf[40:48])),
	}, nil
}

// AddressTableEntry is one destination a source may send frames to.
type AddressTableEntry struct {
	Address    string
	Hostname   string
	BasePort   int
	PortCount  int
}

// AddressTable holds up to maxAddressTableEntries destinations.
type AddressTable struct {
	entries []AddressTableEntry
}

// ErrAddressTableFull is returned by Add once the table is at capacity.
var ErrAddressTableFull = fmt.Errorf("e2e: address table full (max %d entries)", maxAddressTableEntries)

// Add registers a destination. It returns ErrAddressTableFull once the
// table is at capacity.
func (t *AddressTable) Add(e AddressTableEntry) error {
	if len(t.entries) >= maxAddressTableEntries {
		return ErrAddressTableFull
	}
	t.entries = append(t.entries, e)
	return nil
}

// Entries returns the registered destinations.
func (t *AddressTable) Entries() []AddressTableEntry { return t.entries }

// Frame is one complete, decoded unit of transferred data.
type Frame struct {
	Header  Header
	Payload []byte
}

// writeFrame writes a length-delimited frame: header, then payload. The
// payload is written in chunks of at most MaxFrameBytes per call.
func writeFrame(w io.Writer, h Header, payload []byte) error {
	h.Length = int64(len(payload))
	if _, err := w.Write(h.encode()); err != nil {
		return err
	}
	for len(payload) > 0 {
		n := min(len(payload), MaxFrameBytes)
		if _, err := w.Write(payload[:n]); err != nil {
			return err
		}
		payload = payload[n:]
	}
	return nil
}

// readFrame reads one frame from r.
func readFrame(r io.Reader) (Frame, error) {
	hdr := make([]byte, headerWireSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return Frame{}, err
	}
	h, err := decodeHeader(hdr)
	if err != nil {
		return Frame{}, err
	}
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, err
	}
	return Frame{Header: h, Payload: payload}, nil
}

// Source sends frames to a bounded set of sink destinations, dialing no
// more than maxConns connections concurrently.
type Source struct {
	table    AddressTable
	sem      *semaphore.Weighted
	nextSeq  int64
	mu       sync.Mutex
}

// NewSource creates a Source limited to maxConns concurrent outbound
// connections.
func NewSource(table AddressTable, maxConns int64) *Source {
	if maxConns < 1 {
		maxConns = 1
	}
	return &Source{table: table, sem: semaphore.NewWeighted(maxConns)}
}

// Send dials destination index idx in the address table (respecting the
// concurrency cap) and writes one frame carrying payload at the given byte
// location.
func (s *Source) Send(ctx context.Context, sendQNum int32, idx int, location int64, payload []byte) error {
	if idx < 0 || idx >= len(s.table.entries) {
		return fmt.Errorf("e2e: address table index %d out of range", idx)
	}
	entry := s.table.entries[idx]

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)

	// source worker w on host entry h connects on base_port + (w mod
	// port_count), spreading workers across the entry's port range.
	port := entry.BasePort
	if entry.PortCount > 1 && sendQNum >= 0 {
		port += int(sendQNum) % entry.PortCount
	}
	addr := fmt.Sprintf("%s:%d", entry.Address, port)
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	s.mu.Lock()
	seq := s.nextSeq
	s.nextSeq++
	s.mu.Unlock()

	bw := bufio.NewWriter(conn)
	h := Header{SendQNum: sendQNum, Sequence: seq, SendTime: clock.Now(), Location: location}
	if err := writeFrame(bw, h, payload); err != nil {
		return err
	}
	return bw.Flush()
}

// Sink accepts connections on a listener and reassembles received frames
// into ascending sequence order, buffering out-of-order arrivals.
type Sink struct {
	mu        sync.Mutex
	unordered bool
	pending   []Frame // buffered, not yet delivered in order
	nextSeq   int64
	ready     chan Frame
	done      chan struct{}
}

// NewSink creates a Sink that delivers frames, in sequence order, on the
// channel returned by Frames. This is the serial network-ordering mode.
func NewSink() *Sink {
	return &Sink{ready: make(chan Frame, 64), done: make(chan struct{})}
}

// NewSinkUnordered creates a Sink that delivers frames in arrival order,
// without reassembly; each frame still carries the byte location it belongs
// at. This is the loose/none network-ordering mode.
func NewSinkUnordered() *Sink {
	s := NewSink()
	s.unordered = true
	return s
}

// Frames returns the channel of in-order, reassembled frames. It is closed
// once Close is called and all buffered frames have drained.
func (s *Sink) Frames() <-chan Frame { return s.ready }

// Serve accepts connections on ln until the context is cancelled or ln is
// closed, reading exactly one frame per connection (one connection per
// send, matching Source.Send's one-frame-per-dial design).
func (s *Sink) Serve(ctx context.Context, ln net.Listener) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			frame, err := readFrame(bufio.NewReader(conn))
			if err != nil {
				return
			}
			frame.Header.RecvTime = clock.Now()
			s.deliver(frame)
		}()
	}
}

func (s *Sink) deliver(f Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unordered {
		s.ready <- f
		return
	}

	s.pending = append(s.pending, f)
	slices.SortFunc(s.pending, func(a, b Frame) int {
		switch {
		case a.Header.Sequence < b.Header.Sequence:
			return -1
		case a.Header.Sequence > b.Header.Sequence:
			return 1
		default:
			return 0
		}
	})

	for len(s.pending) > 0 && s.pending[0].Header.Sequence == s.nextSeq {
		next := s.pending[0]
		s.pending = slices.Delete(s.pending, 0, 1)
		s.nextSeq++
		s.ready <- next
	}
}

// Close stops further delivery and releases the Frames channel. Any frames
// still buffered waiting for a missing predecessor are discarded — a gap in
// the sequence that never arrives.
func (s *Sink) Close() {
	close(s.ready)
}
