//go:build linux || darwin

package iotarget

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewSharedBuffer_roundsUpToPageSize(t *testing.T) {
	sb, err := NewSharedBuffer(10)
	require.NoError(t, err)
	defer sb.Close()

	require.Len(t, sb.Bytes(), 10)
	require.Zero(t, len(sb.mapped)%os.Getpagesize())
	sb.Bytes()[0] = 0xFF
	require.Equal(t, byte(0xFF), sb.Bytes()[0])
}
