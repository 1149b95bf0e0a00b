package trigger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCondition_Met(t *testing.T) {
	require.True(t, Condition{Interval: IntervalOp, Value: 10}.Met(Progress{OpsCompleted: 10}))
	require.False(t, Condition{Interval: IntervalOp, Value: 10}.Met(Progress{OpsCompleted: 9}))
	require.True(t, Condition{Interval: IntervalPercent, Value: 50}.Met(Progress{PercentDone: 75}))
	require.True(t, Condition{Interval: IntervalBytes, Value: 1024}.Met(Progress{BytesMoved: 2048}))
	require.True(t, Condition{Interval: IntervalTime, Value: 1e9}.Met(Progress{Elapsed: 2e9}))
}

func TestTrigger_waitUnblocksWhenConditionMet(t *testing.T) {
	tr := New(Condition{Interval: IntervalOp, Value: 5})

	done := make(chan bool, 1)
	go func() {
		done <- tr.Wait()
	}()

	tr.Check(Progress{OpsCompleted: 3})
	select {
	case <-done:
		t.Fatal("trigger fired before condition was met")
	case <-time.After(20 * time.Millisecond):
	}

	tr.Check(Progress{OpsCompleted: 5})
	select {
	case fired := <-done:
		require.True(t, fired)
	case <-time.After(time.Second):
		t.Fatal("trigger did not fire")
	}
	require.True(t, tr.Fired())
}

func TestTrigger_cancelUnblocksWithoutFiring(t *testing.T) {
	tr := New(Condition{Interval: IntervalOp, Value: 5})
	done := make(chan bool, 1)
	go func() { done <- tr.Wait() }()

	time.Sleep(10 * time.Millisecond)
	tr.Cancel()

	select {
	case fired := <-done:
		require.False(t, fired)
	case <-time.After(time.Second):
		t.Fatal("cancel did not unblock waiter")
	}
}

func TestTrigger_checkAfterFireIsNoop(t *testing.T) {
	tr := New(Condition{Interval: IntervalOp, Value: 1})
	tr.Check(Progress{OpsCompleted: 1})
	require.True(t, tr.Fired())
	tr.Check(Progress{OpsCompleted: 100})
	require.True(t, tr.Fired())
}
