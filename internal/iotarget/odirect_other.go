//go:build !linux

package iotarget

// directIOFlag returns 0 on platforms without O_DIRECT (e.g. Darwin, whose
// F_NOCACHE fcntl is not wired here).
func directIOFlag() int { return 0 }
