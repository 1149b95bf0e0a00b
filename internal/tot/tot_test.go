package tot

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTable_sizing(t *testing.T) {
	tb := New(4, 1000, OrderingLoose, nil)
	require.Equal(t, 80, tb.Slots())

	tb = New(4, 2, OrderingLoose, nil)
	require.Equal(t, 4, tb.Slots())
}

func TestTable_acquireReleaseRoundTrip(t *testing.T) {
	tb := New(2, 100, OrderingLoose, nil)

	tb.Acquire(1, 0)
	require.Equal(t, 1, tb.UnavailableCount())
	tb.Release(1, 0, 0, 4096)
	require.Equal(t, 0, tb.UnavailableCount())

	snap := tb.Snapshot(tb.index(0))
	require.True(t, snap.Available)
	require.EqualValues(t, 0, snap.OpNumber)
	require.EqualValues(t, 4096, snap.IOSize)
}

func TestTable_serialOrderingEnforcesSequence(t *testing.T) {
	tb := New(1, 10, OrderingSerial, nil)

	var mu sync.Mutex
	var order []int64

	var wg sync.WaitGroup
	for i := int64(4); i >= 0; i-- {
		wg.Add(1)
		go func(n int64) {
			defer wg.Done()
			tb.Acquire(int32(n), n)
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			time.Sleep(time.Millisecond)
			tb.Release(int32(n), n, n*4096, 4096)
		}(i)
	}
	wg.Wait()

	require.Equal(t, []int64{0, 1, 2, 3, 4}, order)
}

func TestTable_looseOrderingAllowsOverlapAcrossSlots(t *testing.T) {
	tb := New(4, 100, OrderingLoose, nil)

	tb.Acquire(1, 0)
	tb.Acquire(2, 1)
	require.Equal(t, 2, tb.UnavailableCount())
	tb.Release(1, 0, 0, 4096)
	tb.Release(2, 1, 4096, 4096)
}

func TestTable_collisionReporterCalledOnStaleSlot(t *testing.T) {
	var reported bool
	var mu sync.Mutex
	tb := New(1, 10, OrderingLoose, func(slotIndex int, workerID int32, opNumber, slotNextExpected int64) {
		mu.Lock()
		reported = true
		mu.Unlock()
	})

	// with a single slot, every op number shares it: drive the rotation
	// through ops 0..4 in order first.
	for n := int64(0); n < 5; n++ {
		tb.Acquire(1, n)
		tb.Release(1, n, n*4096, 4096)
	}

	// op 2 arrives late, well behind the slot's current rotation (now at
	// op 5): the table must report the collision rather than block forever.
	tb.Acquire(2, 2)

	mu.Lock()
	defer mu.Unlock()
	require.True(t, reported)
}
