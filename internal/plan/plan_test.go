package plan

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/xddgo/internal/iotarget"
	"github.com/joeycumines/xddgo/internal/seekgen"
	"github.com/joeycumines/xddgo/internal/status"
	"github.com/joeycumines/xddgo/internal/target"
	"github.com/joeycumines/xddgo/internal/throttle"
	"github.com/joeycumines/xddgo/internal/trigger"
	"github.com/joeycumines/xddgo/internal/tsbuffer"
)

func nullTargetAttr(numOps int64) target.Attr {
	return target.Attr{
		Kind:       iotarget.KindNull,
		Options:    target.OptionNullTarget,
		BlockSize:  1024,
		ReqSize:    4,
		NumReqs:    numOps,
		QueueDepth: 2,
		RWRatio:    1,
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Attr{}, nil)
	require.ErrorIs(t, err, status.ErrInvalidArgument)

	_, err = New(Attr{}, []target.Attr{{}})
	require.ErrorIs(t, err, status.ErrInvalidArgument)

	_, err = New(Attr{Lockstep: []LockstepAttr{{MasterIndex: 0, SlaveIndex: 0}}},
		[]target.Attr{nullTargetAttr(1)})
	require.ErrorIs(t, err, status.ErrInvalidArgument)

	_, err = New(Attr{Triggers: []TriggerAttr{{SourceIndex: 9}}},
		[]target.Attr{nullTargetAttr(1)})
	require.ErrorIs(t, err, status.ErrInvalidArgument)
}

func TestNew_OpenFailureRollsBack(t *testing.T) {
	bad := target.Attr{
		Kind:       iotarget.KindFile,
		Path:       filepath.Join(t.TempDir(), "missing", "nested", "f.dat"),
		BlockSize:  1024,
		ReqSize:    1,
		NumReqs:    1,
		QueueDepth: 1,
	}
	_, err := New(Attr{}, []target.Attr{nullTargetAttr(1), bad})
	require.ErrorIs(t, err, status.ErrTargetStart)
	require.Equal(t, status.CodeTargetStart, status.Code(err))
}

func TestPlan_RunSinglePass(t *testing.T) {
	var out bytes.Buffer
	p, err := New(Attr{Passes: 1}, []target.Attr{nullTargetAttr(50)}, WithOutput(&out))
	require.NoError(t, err)
	defer p.Destroy()

	require.NoError(t, p.Start())
	require.NoError(t, p.Wait())
	require.Equal(t, status.CodeSuccess, p.ExitCode())

	snap := p.Targets()[0].Counters.Snapshot()
	require.EqualValues(t, 50, snap.OpsCompleted)
	require.EqualValues(t, 50*4096, snap.BytesCompleted)
	require.Contains(t, out.String(), "pass=1")
	require.Contains(t, out.String(), "ops=50")
}

func TestPlan_MultiplePassesAccumulate(t *testing.T) {
	var out bytes.Buffer
	p, err := New(Attr{Passes: 3}, []target.Attr{nullTargetAttr(10)}, WithOutput(&out))
	require.NoError(t, err)
	defer p.Destroy()

	require.NoError(t, p.Start())
	require.NoError(t, p.Wait())

	// counters run across passes; each pass adds its ops.
	snap := p.Targets()[0].Counters.Snapshot()
	require.EqualValues(t, 30, snap.OpsCompleted)
	require.Contains(t, out.String(), "pass=3")
}

func TestPlan_StartTwiceFails(t *testing.T) {
	p, err := New(Attr{}, []target.Attr{nullTargetAttr(1)}, WithOutput(&bytes.Buffer{}))
	require.NoError(t, err)
	defer p.Destroy()
	require.NoError(t, p.Start())
	require.ErrorIs(t, p.Start(), status.ErrInvalidArgument)
	require.NoError(t, p.Wait())
}

func TestPlan_WaitBeforeStartFails(t *testing.T) {
	p, err := New(Attr{}, []target.Attr{nullTargetAttr(1)}, WithOutput(&bytes.Buffer{}))
	require.NoError(t, err)
	require.ErrorIs(t, p.Wait(), status.ErrInvalidArgument)
	p.Destroy()
}

func TestPlan_FileTargetWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.dat")
	attr := target.Attr{
		Kind:       iotarget.KindFile,
		Path:       path,
		Options:    target.OptionCreate | target.OptionVerifyContents,
		BlockSize:  1024,
		ReqSize:    4,
		NumReqs:    25,
		QueueDepth: 1,
		RWRatio:    0, // all writes
	}
	p, err := New(Attr{}, []target.Attr{attr}, WithOutput(&bytes.Buffer{}))
	require.NoError(t, err)
	defer p.Destroy()

	require.NoError(t, p.Start())
	require.NoError(t, p.Wait())
	require.Equal(t, status.CodeSuccess, p.ExitCode())

	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.EqualValues(t, 25*4096, fi.Size())
}

func TestPlan_RuntimeLimitCancels(t *testing.T) {
	attr := nullTargetAttr(1 << 40)
	attr.Throttle.Kind = throttle.KindDelay
	attr.Throttle.Delay = time.Millisecond
	p, err := New(Attr{Runtime: 30 * time.Millisecond}, []target.Attr{attr}, WithOutput(&bytes.Buffer{}))
	require.NoError(t, err)
	defer p.Destroy()

	require.NoError(t, p.Start())
	err = p.Wait()
	require.ErrorIs(t, err, status.ErrCancelled)
	require.Equal(t, status.CodeCancelled, p.ExitCode())
}

func TestPlan_TraceDumpOneshot(t *testing.T) {
	dump := filepath.Join(t.TempDir(), "trace.bin")
	attr := nullTargetAttr(1000)
	attr.TraceSize = 256
	attr.TraceOptions = tsbuffer.OptOneshot
	attr.TraceDumpFile = dump

	p, err := New(Attr{}, []target.Attr{attr}, WithOutput(&bytes.Buffer{}))
	require.NoError(t, err)
	defer p.Destroy()
	require.NoError(t, p.Start())
	require.NoError(t, p.Wait())

	raw, err := os.ReadFile(dump)
	require.NoError(t, err)

	// header magic, then the version string field
	require.EqualValues(t, 0xDEAD_BEEF, binary.LittleEndian.Uint32(raw[:4]))
	require.True(t, bytes.HasPrefix(raw[4:], []byte("xddgo-ts-1")))

	// oneshot: exactly 256 entries recorded out of 1000 ops
	require.EqualValues(t, 256, p.traces[0].Len())
}

func TestPlan_SeekSaveThenLoadReproduces(t *testing.T) {
	seekFile := filepath.Join(t.TempDir(), "seeks.txt")

	save := nullTargetAttr(100)
	save.Seek.SaveFile = seekFile
	save.Seek.Seed = 72058
	save.Seek.Pattern = seekgen.PatternRandom

	p1, err := New(Attr{}, []target.Attr{save}, WithOutput(&bytes.Buffer{}))
	require.NoError(t, err)
	require.NoError(t, p1.Start())
	require.NoError(t, p1.Wait())
	p1.Destroy()

	raw, err := os.ReadFile(seekFile)
	require.NoError(t, err)
	require.Len(t, strings.Split(strings.TrimSpace(string(raw)), "\n"), 100)

	load := nullTargetAttr(100)
	load.Seek.LoadFile = seekFile
	p2, err := New(Attr{}, []target.Attr{load}, WithOutput(&bytes.Buffer{}))
	require.NoError(t, err)
	defer p2.Destroy()
	require.NoError(t, p2.Start())
	require.NoError(t, p2.Wait())
	require.EqualValues(t, 100, p2.Targets()[0].Counters.Snapshot().OpsCompleted)
}

func TestPlan_StartTriggerGatesSecondTarget(t *testing.T) {
	// target 0 releases target 1 once it has completed 5 ops.
	attr := Attr{
		Triggers: []TriggerAttr{{
			SourceIndex: 0,
			StartIndex:  1,
			StopIndex:   -1,
			Condition:   trigger.Condition{Interval: trigger.IntervalOp, Value: 5},
		}},
	}
	p, err := New(attr, []target.Attr{nullTargetAttr(20), nullTargetAttr(20)}, WithOutput(&bytes.Buffer{}))
	require.NoError(t, err)
	defer p.Destroy()

	require.NoError(t, p.Start())
	require.NoError(t, p.Wait())
	require.EqualValues(t, 20, p.Targets()[0].Counters.Snapshot().OpsCompleted)
	require.EqualValues(t, 20, p.Targets()[1].Counters.Snapshot().OpsCompleted)
}

func TestPlan_DeleteOnFinishRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scratch.dat")
	attr := target.Attr{
		Kind:       iotarget.KindFile,
		Path:       path,
		Options:    target.OptionCreate | target.OptionDeleteOnFinish,
		BlockSize:  1024,
		ReqSize:    1,
		NumReqs:    4,
		QueueDepth: 1,
		RWRatio:    0,
	}
	p, err := New(Attr{}, []target.Attr{attr}, WithOutput(&bytes.Buffer{}))
	require.NoError(t, err)
	defer p.Destroy()
	require.NoError(t, p.Start())
	require.NoError(t, p.Wait())

	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}
