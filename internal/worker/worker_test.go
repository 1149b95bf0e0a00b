package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/xddgo/internal/iotarget"
	"github.com/joeycumines/xddgo/internal/task"
	"github.com/joeycumines/xddgo/internal/tot"
	"github.com/joeycumines/xddgo/internal/tsbuffer"
)

func newTestWorker(t *testing.T, id int32, table *tot.Table) *Worker {
	backend, err := iotarget.Open(iotarget.OpenOptions{Kind: iotarget.KindNull})
	require.NoError(t, err)
	return &Worker{ID: id, Backend: backend, TOT: table}
}

func TestWorker_RunWriteThenRead(t *testing.T) {
	table := tot.New(4, 2, tot.OrderingLoose, nil)
	w := newTestWorker(t, 1, table)

	n, err := w.Run(context.Background(), &task.Task{
		OpType:       task.OpWrite,
		OpNumber:     0,
		ByteOffset:   0,
		TransferSize: 512,
	}, 1)
	require.NoError(t, err)
	require.EqualValues(t, 512, n)
	require.Equal(t, StateIdle, w.State())

	n, err = w.Run(context.Background(), &task.Task{
		OpType:       task.OpRead,
		OpNumber:     1,
		ByteOffset:   512,
		TransferSize: 256,
	}, 1)
	require.NoError(t, err)
	require.EqualValues(t, 256, n)

	require.NotZero(t, w.Stats.LongestOpTime)
	require.EqualValues(t, 512, w.Stats.LongestWriteOpBytes)
	require.EqualValues(t, 256, w.Stats.LongestReadOpBytes)
}

func TestWorker_RunStopTaskIsNoop(t *testing.T) {
	table := tot.New(1, 1, tot.OrderingNone, nil)
	w := newTestWorker(t, 1, table)

	n, err := w.Run(context.Background(), &task.Task{Kind: task.KindStop}, 1)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, StateDone, w.State())
}

func TestWorker_RunRecordsTrace(t *testing.T) {
	table := tot.New(1, 1, tot.OrderingNone, nil)
	w := newTestWorker(t, 1, table)
	w.Trace = tsbuffer.New(4, 0)

	_, err := w.Run(context.Background(), &task.Task{
		OpType:       task.OpWrite,
		OpNumber:     0,
		TransferSize: 128,
	}, 3)
	require.NoError(t, err)

	entries := w.Trace.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, tsbuffer.OpWrite, entries[0].OpType)
	require.EqualValues(t, 3, entries[0].PassNumber)
	require.EqualValues(t, 128, entries[0].DiskXferSize)
}

func TestExtendedStats_ObserveTracksShortestAndLongest(t *testing.T) {
	var s ExtendedStats
	s.Observe(task.OpRead, 1, 0, 100, 50)
	s.Observe(task.OpRead, 1, 1, 200, 10)
	s.Observe(task.OpRead, 1, 2, 50, 80)

	require.EqualValues(t, 80, s.LongestReadOpTime)
	require.EqualValues(t, 50, s.LongestReadOpBytes)
	require.EqualValues(t, 2, s.LongestReadOpNumber)

	require.EqualValues(t, 10, s.ShortestReadOpTime)
	require.EqualValues(t, 200, s.ShortestReadOpBytes)
	require.EqualValues(t, 1, s.ShortestReadOpNumber)
}
