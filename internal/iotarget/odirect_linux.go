//go:build linux

package iotarget

import "golang.org/x/sys/unix"

func directIOFlag() int { return unix.O_DIRECT }
