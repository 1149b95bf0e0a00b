//go:build linux || darwin

package iotarget

import "golang.org/x/sys/unix"

// SharedBuffer is a page-aligned anonymous mapping, the only way to get a
// true alignment guarantee for O_DIRECT I/O in Go (the garbage-collected
// heap makes no alignment promise beyond pointer size).
type SharedBuffer struct {
	mapped []byte // the full rounded-to-page-size mapping, for Munmap
	data   []byte // the caller-requested-size view into mapped
}

// NewSharedBuffer mmaps size bytes (rounded up to a whole number of pages)
// as anonymous, private, read-write memory.
func NewSharedBuffer(size int) (*SharedBuffer, error) {
	page := unix.Getpagesize()
	rounded := ((size + page - 1) / page) * page
	mapped, err := unix.Mmap(-1, 0, rounded, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	return &SharedBuffer{mapped: mapped, data: mapped[:size]}, nil
}

// Bytes returns the page-aligned slice sized exactly as requested.
func (b *SharedBuffer) Bytes() []byte { return b.data }

// Close unmaps the buffer. Using it after Close is undefined behavior.
func (b *SharedBuffer) Close() error { return unix.Munmap(b.mapped) }
