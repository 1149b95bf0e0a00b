package report

import (
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/xddgo/internal/iotarget"
	"github.com/joeycumines/xddgo/internal/target"
)

func TestHeartbeat_FieldSelection(t *testing.T) {
	snap := target.Snapshot{
		OpsCompleted:   500,
		BytesCompleted: 500 * 1024 * 1024,
		PassStart:      1_000_000_000,
	}
	// 2s elapsed at 250 MB/s
	line := Heartbeat(HBOps|HBMBytes|HBBandwidth|HBPercent|HBTargetNumber, 3, "", 1000, snap, 3_000_000_000)

	require.Contains(t, line, "tgt=3")
	require.Contains(t, line, "ops=500")
	require.Contains(t, line, "mb=500")
	require.Contains(t, line, "bw=250")
	require.Contains(t, line, "pct=50.0")
	require.NotContains(t, line, "iops=")
	require.NotContains(t, line, "elapsed=")
}

func TestHeartbeat_ZeroElapsedDoesNotDivide(t *testing.T) {
	line := Heartbeat(HBBandwidth|HBIOPS, 0, "", 100, target.Snapshot{}, 0)
	require.Contains(t, line, "bw=0MB/s")
	require.Contains(t, line, "iops=0")
}

func TestPassSummary(t *testing.T) {
	snap := target.Snapshot{
		OpsCompleted:   100,
		ReadOps:        100,
		BytesCompleted: 100 * 1024 * 1024,
		PassStart:      1_000_000_000,
		PassEnd:        5_000_000_000,
	}
	line := PassSummary("target0", 2, snap)
	require.Contains(t, line, "target=target0")
	require.Contains(t, line, "pass=2")
	require.Contains(t, line, "ops=100 (r=100 w=0 n=0)")
	require.Contains(t, line, "elapsed=4s")
	require.Contains(t, line, "bw=25")
	require.Contains(t, line, "iops=25")
	require.Contains(t, line, "errors=0")
}

func TestHeartbeater_WritesAndStops(t *testing.T) {
	tgt, err := target.New(0, target.Attr{
		Name: "t0", BlockSize: 1024, ReqSize: 1, NumReqs: 10, QueueDepth: 1,
		Kind:    iotarget.KindNull,
		Options: target.OptionNullTarget,
	}, nil)
	require.NoError(t, err)

	var buf strings.Builder
	var mu safeWriter
	mu.w = &buf

	h := Heartbeater{Out: &mu, Opts: DefaultHeartbeat | HBLF, Interval: 5 * time.Millisecond}
	h.Start([]*target.Target{tgt})
	time.Sleep(30 * time.Millisecond)
	h.Stop()
	h.Stop() // idempotent

	mu.mu.Lock()
	out := buf.String()
	mu.mu.Unlock()
	require.NotEmpty(t, out)
	require.Contains(t, out, "ops=0")
}

func TestHeartbeater_NoopWithoutInterval(t *testing.T) {
	h := Heartbeater{}
	h.Start(nil)
	h.Stop()
}

// safeWriter serializes writes between the heartbeat goroutine and the test.
type safeWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *safeWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
