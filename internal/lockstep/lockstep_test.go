package lockstep

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/xddgo/internal/trigger"
)

func TestPair_overlappedGrantAndWait(t *testing.T) {
	p := New(Config{Mode: ModeOverlapped, IntervalType: trigger.IntervalOp, IntervalValue: 10})

	done := make(chan bool, 1)
	go func() { done <- p.SlaveWait() }()

	select {
	case <-done:
		t.Fatal("slave ran before any grant")
	case <-time.After(10 * time.Millisecond):
	}

	p.MasterGrant()
	select {
	case ok := <-done:
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("slave never unblocked after grant")
	}
}

func TestPair_overlappedCompletionStopEndsSlaveWithoutGrant(t *testing.T) {
	p := New(Config{Mode: ModeOverlapped, Completion: CompletionStop})

	done := make(chan bool, 1)
	go func() { done <- p.SlaveWait() }()

	time.Sleep(10 * time.Millisecond)
	p.MasterFinished()

	select {
	case ok := <-done:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("slave never unblocked after master finished")
	}
}

func TestPair_overlappedCompletionFinishLetsSlaveRunOut(t *testing.T) {
	p := New(Config{Mode: ModeOverlapped, Completion: CompletionFinish})
	p.MasterGrant()
	require.True(t, p.SlaveWait()) // consumes the one grant

	done := make(chan bool, 1)
	go func() { done <- p.SlaveWait() }()
	time.Sleep(10 * time.Millisecond)
	p.MasterFinished()

	select {
	case ok := <-done:
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("slave never unblocked after master finished")
	}
}

func TestPair_synchronousRendezvous(t *testing.T) {
	p := New(Config{Mode: ModeSynchronous})

	done := make(chan bool, 1)
	go func() { done <- p.SlaveWait() }()

	select {
	case <-done:
		t.Fatal("slave entered barrier alone")
	case <-time.After(10 * time.Millisecond):
	}

	p.MasterGrant()
	select {
	case ok := <-done:
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("barrier never released")
	}
}

func TestPair_countersAccumulate(t *testing.T) {
	p := New(Config{Mode: ModeOverlapped})
	p.SlaveRecordOp(512)
	p.SlaveRecordOp(1024)
	ops, bytes := p.Counters()
	require.EqualValues(t, 2, ops)
	require.EqualValues(t, 1536, bytes)
}
