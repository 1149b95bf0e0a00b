package iotarget

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpen_nullBackend(t *testing.T) {
	b, err := Open(OpenOptions{Kind: KindNull})
	require.NoError(t, err)
	defer b.Close()

	n, err := b.WriteAt([]byte("hello"), 0)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	buf := make([]byte, 5)
	n, err = b.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, []byte{0, 0, 0, 0, 0}, buf)
	require.NoError(t, b.Sync())
}

func TestOpen_deviceBackendUnsupported(t *testing.T) {
	_, err := Open(OpenOptions{Kind: KindDevice})
	require.ErrorIs(t, err, ErrUnsupportedBackend)
}

func TestOpen_fileBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	b, err := Open(OpenOptions{Path: path, Kind: KindFile, Create: true, Size: 4096})
	require.NoError(t, err)
	defer b.Close()

	payload := []byte("storage-benchmark-payload")
	n, err := b.WriteAt(payload, 100)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.NoError(t, b.Sync())

	readBuf := make([]byte, len(payload))
	n, err = b.ReadAt(readBuf, 100)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, readBuf)
}
