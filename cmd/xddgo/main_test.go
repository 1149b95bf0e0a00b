package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/xddgo/internal/plan"
	"github.com/joeycumines/xddgo/internal/seekgen"
	"github.com/joeycumines/xddgo/internal/status"
	"github.com/joeycumines/xddgo/internal/target"
	"github.com/joeycumines/xddgo/internal/throttle"
	"github.com/joeycumines/xddgo/internal/tot"
	"github.com/joeycumines/xddgo/internal/trigger"
	"github.com/joeycumines/xddgo/internal/tsbuffer"
)

func TestParseSeek(t *testing.T) {
	var attr target.Attr
	attr.QueueDepth = 4

	require.NoError(t, parseSeek("sequential", 1, &attr))
	require.Equal(t, seekgen.PatternSequential, attr.Seek.Pattern)
	require.EqualValues(t, 1, attr.Seek.Seed)

	require.NoError(t, parseSeek("random", 7, &attr))
	require.Equal(t, seekgen.PatternRandom, attr.Seek.Pattern)

	require.NoError(t, parseSeek("staggered", 7, &attr))
	require.Equal(t, seekgen.PatternStagger, attr.Seek.Pattern)
	require.EqualValues(t, 4, attr.Seek.Interleave)

	require.NoError(t, parseSeek("load:/tmp/s.txt", 7, &attr))
	require.Equal(t, "/tmp/s.txt", attr.Seek.LoadFile)

	require.NoError(t, parseSeek("save:/tmp/s.txt", 7, &attr))
	require.Equal(t, "/tmp/s.txt", attr.Seek.SaveFile)

	require.Error(t, parseSeek("zigzag", 7, &attr))
}

func TestParseOrdering(t *testing.T) {
	var attr target.Attr

	require.NoError(t, parseOrdering("serial", &attr))
	require.Equal(t, tot.OrderingSerial, attr.StorageOrdering)
	require.Equal(t, tot.OrderingSerial, attr.NetworkOrdering)

	require.NoError(t, parseOrdering("loose:storage", &attr))
	require.Equal(t, tot.OrderingLoose, attr.StorageOrdering)
	require.Equal(t, tot.OrderingSerial, attr.NetworkOrdering)

	require.NoError(t, parseOrdering("none:network", &attr))
	require.Equal(t, tot.OrderingNone, attr.NetworkOrdering)
	require.Equal(t, tot.OrderingLoose, attr.StorageOrdering)

	require.Error(t, parseOrdering("strict", &attr))
	require.Error(t, parseOrdering("serial:disk", &attr))
}

func TestParseThrottle(t *testing.T) {
	var attr target.Attr

	require.NoError(t, parseThrottle("", &attr))
	require.Equal(t, throttle.KindNone, attr.Throttle.Kind)

	require.NoError(t, parseThrottle("ops:100", &attr))
	require.Equal(t, throttle.KindOPS, attr.Throttle.Kind)
	require.EqualValues(t, 100, attr.Throttle.Rate)

	require.NoError(t, parseThrottle("bw:8", &attr))
	require.Equal(t, throttle.KindBW, attr.Throttle.Kind)
	require.EqualValues(t, 8*1024*1024, attr.Throttle.Rate)

	require.NoError(t, parseThrottle("delay:2.5", &attr))
	require.Equal(t, throttle.KindDelay, attr.Throttle.Kind)
	require.EqualValues(t, 2500000, attr.Throttle.Delay)

	require.Error(t, parseThrottle("warp:9", &attr))
	require.Error(t, parseThrottle("ops", &attr))
	require.Error(t, parseThrottle("ops:-1", &attr))
}

func TestParseLockstep(t *testing.T) {
	var attr plan.Attr
	require.NoError(t, parseLockstep("", 2, &attr))
	require.Empty(t, attr.Lockstep)

	require.NoError(t, parseLockstep("0:1:op:10", 2, &attr))
	require.Len(t, attr.Lockstep, 1)
	require.Equal(t, 0, attr.Lockstep[0].MasterIndex)
	require.Equal(t, 1, attr.Lockstep[0].SlaveIndex)
	require.Equal(t, trigger.IntervalOp, attr.Lockstep[0].IntervalType)
	require.EqualValues(t, 10, attr.Lockstep[0].IntervalValue)

	require.Error(t, parseLockstep("0:0:op:10", 2, &attr))
	require.Error(t, parseLockstep("0:5:op:10", 2, &attr))
	require.Error(t, parseLockstep("0:1:laps:10", 2, &attr))
	require.Error(t, parseLockstep("0:1:op", 2, &attr))
}

func TestParseE2E(t *testing.T) {
	var attr target.Attr
	require.NoError(t, parseE2E("source:198.51.100.7:40010:4", &attr))
	require.True(t, attr.Options.Has(target.OptionE2ESource))
	require.Equal(t, target.E2EAttr{Host: "198.51.100.7", BasePort: 40010, PortCount: 4}, attr.E2E)

	attr = target.Attr{}
	require.NoError(t, parseE2E("destination:0.0.0.0:40010:4", &attr))
	require.True(t, attr.Options.Has(target.OptionE2EDestination))

	require.Error(t, parseE2E("relay:h:1:1", &attr))
	require.Error(t, parseE2E("source:h:zero:1", &attr))
	require.Error(t, parseE2E("source:h:1", &attr))
}

func TestParseTS(t *testing.T) {
	var attr target.Attr
	require.NoError(t, parseTS("", &attr))
	require.Zero(t, attr.TraceSize)

	attr = target.Attr{}
	require.NoError(t, parseTS("on", &attr))
	require.Equal(t, 4096, attr.TraceSize)

	attr = target.Attr{}
	require.NoError(t, parseTS("dump:/tmp/t.bin,oneshot,size:256,trigop:100", &attr))
	require.Equal(t, "/tmp/t.bin", attr.TraceDumpFile)
	require.Equal(t, 256, attr.TraceSize)
	require.EqualValues(t, 100, attr.TraceTrigOp)
	require.True(t, attr.TraceOptions&tsbuffer.OptOneshot != 0)
	require.True(t, attr.TraceOptions&tsbuffer.OptTrigOp != 0)

	require.Error(t, parseTS("size:zero", &attr))
	require.Error(t, parseTS("technicolor", &attr))
}

func TestRun_InvalidArguments(t *testing.T) {
	require.Equal(t, status.CodeInvalidArgument, run([]string{"-nosuchflag"}))
	require.Equal(t, status.CodeInvalidArgument, run(nil)) // no targets
	require.Equal(t, status.CodeInvalidOption, run([]string{"-op", "levitate", "-null", "-numreqs", "1"}))
	require.Equal(t, status.CodeInvalidOption, run([]string{"-seek", "zigzag", "-null", "-numreqs", "1"}))
}

func TestRun_NullTargetSucceeds(t *testing.T) {
	require.Equal(t, status.CodeSuccess, run([]string{"-null", "-numreqs", "10", "-reqsize", "1", "-blocksize", "512"}))
}
