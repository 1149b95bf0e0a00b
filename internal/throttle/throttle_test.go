package throttle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewBW_deadlineScalesWithBytesIssued(t *testing.T) {
	th := NewBW(1000) // 1000 bytes/sec
	start := time.Unix(0, 0)

	d := th.NextIssueTime(Counters{BytesIssued: 0, StartTime: start}, start)
	require.True(t, d.IsZero())

	d = th.NextIssueTime(Counters{BytesIssued: 2000, StartTime: start}, start)
	require.Equal(t, start.Add(2*time.Second), d)
}

func TestNewABW_onlyThrottlesWhenAheadOfTarget(t *testing.T) {
	th := NewABW(1000) // 1000 bytes/sec average
	start := time.Unix(0, 0)

	// behind target: actual rate 500B/s < 1000B/s target, issue immediately.
	now := start.Add(2 * time.Second)
	d := th.NextIssueTime(Counters{BytesIssued: 1000, StartTime: start}, now)
	require.True(t, d.IsZero())

	// ahead of target: actual rate 2000B/s > 1000B/s target, must wait.
	d = th.NextIssueTime(Counters{BytesIssued: 4000, StartTime: start}, now)
	require.Equal(t, start.Add(4*time.Second), d)
}

func TestNewDelay_waitsFixedIntervalPerOp(t *testing.T) {
	th := NewDelay(100 * time.Millisecond)
	start := time.Unix(0, 0)

	d := th.NextIssueTime(Counters{OpsIssued: 0, StartTime: start}, start)
	require.True(t, d.IsZero())

	d = th.NextIssueTime(Counters{OpsIssued: 3, StartTime: start}, start)
	require.Equal(t, start.Add(300*time.Millisecond), d)
}

func TestNewOPS_allowsThenThrottles(t *testing.T) {
	th := NewOPS(1)
	now := time.Now()
	d := th.NextIssueTime(Counters{}, now)
	require.True(t, d.IsZero())
}

func TestNone_neverThrottles(t *testing.T) {
	require.True(t, None.NextIssueTime(Counters{BytesIssued: 1 << 40}, time.Now()).IsZero())
}

func TestNew_kindDispatch(t *testing.T) {
	require.IsType(t, &bwThrottle{}, New(KindBW, 100, 0, 0))
	require.IsType(t, &abwThrottle{}, New(KindABW, 100, 0, 0))
	require.IsType(t, &delayThrottle{}, New(KindDelay, 0, 0, time.Millisecond))
	require.IsType(t, noneThrottle{}, New(KindNone, 0, 0, 0))
}
