// Package report renders the heartbeat and per-pass summary lines from
// Target counter snapshots. Fractional-seconds and throughput figures are
// formatted via github.com/joeycumines/floater from the (units, nanos) pairs
// the nanosecond clock naturally splits into, avoiding float64 rounding in
// user-visible numbers.
package report

import (
	"fmt"
	"io"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/joeycumines/floater"

	"github.com/joeycumines/xddgo/internal/clock"
	"github.com/joeycumines/xddgo/internal/target"
)

// HeartbeatOption selects which figures a heartbeat line carries.
type HeartbeatOption uint32

const (
	HBOps HeartbeatOption = 1 << iota
	HBBytes
	HBKBytes
	HBMBytes
	HBGBytes
	HBBandwidth
	HBIOPS
	HBPercent
	HBET // estimated time to completion
	HBElapsed
	HBTimeOfDay
	HBTargetNumber
	HBHostname
	HBLF // newline instead of carriage return between beats
)

// DefaultHeartbeat is the figure set used when the CLI enables the heartbeat
// without naming specific fields.
const DefaultHeartbeat = HBOps | HBMBytes | HBBandwidth | HBPercent | HBElapsed

// elapsedSeconds renders a nanosecond duration as a decimal seconds string
// with full nanosecond precision.
func elapsedSeconds(ns uint64) string {
	units, nanos := clock.Split(ns)
	return floater.FormatUnitsNanosTrimmed(units, nanos)
}

// rate computes value/elapsed-seconds as an exact rational, then formats it
// to three decimal places.
func rate(value int64, elapsedNS uint64) string {
	if elapsedNS == 0 {
		return "0"
	}
	units, nanos := clock.Split(elapsedNS)
	el, ok := floater.UnitsNanosToRat(units, nanos)
	if !ok || el.Sign() == 0 {
		return "0"
	}
	r := new(big.Rat).SetInt64(value)
	r.Quo(r, el)
	return floater.FormatDecimalRat(r, 3, 64)
}

// Heartbeat formats one heartbeat line for a Target's current snapshot.
func Heartbeat(opts HeartbeatOption, targetID int32, hostname string, numOps int64, snap target.Snapshot, nowNS uint64) string {
	var parts []string
	elapsed := uint64(0)
	if snap.PassStart != 0 && nowNS > snap.PassStart {
		elapsed = nowNS - snap.PassStart
	}

	if opts&HBHostname != 0 && hostname != "" {
		parts = append(parts, hostname)
	}
	if opts&HBTargetNumber != 0 {
		parts = append(parts, fmt.Sprintf("tgt=%d", targetID))
	}
	if opts&HBTimeOfDay != 0 {
		parts = append(parts, time.Now().Format("15:04:05"))
	}
	if opts&HBOps != 0 {
		parts = append(parts, fmt.Sprintf("ops=%d", snap.OpsCompleted))
	}
	if opts&HBBytes != 0 {
		parts = append(parts, fmt.Sprintf("bytes=%d", snap.BytesCompleted))
	}
	if opts&HBKBytes != 0 {
		parts = append(parts, fmt.Sprintf("kb=%d", snap.BytesCompleted/1024))
	}
	if opts&HBMBytes != 0 {
		parts = append(parts, fmt.Sprintf("mb=%d", snap.BytesCompleted/(1024*1024)))
	}
	if opts&HBGBytes != 0 {
		parts = append(parts, fmt.Sprintf("gb=%d", snap.BytesCompleted/(1024*1024*1024)))
	}
	if opts&HBBandwidth != 0 {
		parts = append(parts, fmt.Sprintf("bw=%sMB/s", rate(snap.BytesCompleted/(1024*1024), elapsed)))
	}
	if opts&HBIOPS != 0 {
		parts = append(parts, fmt.Sprintf("iops=%s", rate(snap.OpsCompleted, elapsed)))
	}
	if opts&HBPercent != 0 && numOps > 0 {
		parts = append(parts, fmt.Sprintf("pct=%.1f", float64(snap.OpsCompleted)/float64(numOps)*100))
	}
	if opts&HBET != 0 && numOps > 0 && snap.OpsCompleted > 0 {
		remaining := numOps - snap.OpsCompleted
		etNS := uint64(float64(elapsed) / float64(snap.OpsCompleted) * float64(remaining))
		parts = append(parts, fmt.Sprintf("eta=%ss", elapsedSeconds(etNS)))
	}
	if opts&HBElapsed != 0 {
		parts = append(parts, fmt.Sprintf("elapsed=%ss", elapsedSeconds(elapsed)))
	}
	return strings.Join(parts, " ")
}

// PassSummary formats the end-of-pass results line for one Target.
func PassSummary(name string, passNumber int32, snap target.Snapshot) string {
	elapsed := uint64(0)
	if snap.PassEnd > snap.PassStart {
		elapsed = snap.PassEnd - snap.PassStart
	}
	return fmt.Sprintf(
		"target=%s pass=%d ops=%d (r=%d w=%d n=%d) bytes=%d errors=%d elapsed=%ss bw=%sMB/s iops=%s",
		name, passNumber,
		snap.OpsCompleted, snap.ReadOps, snap.WriteOps, snap.NoopOps,
		snap.BytesCompleted, snap.ErrorCount,
		elapsedSeconds(elapsed),
		rate(snap.BytesCompleted/(1024*1024), elapsed),
		rate(snap.OpsCompleted, elapsed),
	)
}

// Heartbeater periodically writes heartbeat lines for a set of Targets until
// stopped. It is the plan's optional heartbeat support thread.
type Heartbeater struct {
	Out      io.Writer
	Opts     HeartbeatOption
	Interval time.Duration
	Hostname string

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// Start launches the heartbeat goroutine over the given Targets. It is a
// no-op if Out is nil or Interval is not positive.
func (h *Heartbeater) Start(targets []*target.Target) {
	if h.Out == nil || h.Interval <= 0 {
		return
	}
	h.stop = make(chan struct{})
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.Interval)
		defer ticker.Stop()
		sep := "\r"
		if h.Opts&HBLF != 0 {
			sep = "\n"
		}
		for {
			select {
			case <-h.stop:
				return
			case <-ticker.C:
				now := clock.Now()
				for _, t := range targets {
					line := Heartbeat(h.Opts, t.ID, h.Hostname, t.Attr.OpCount(), t.Counters.Snapshot(), now)
					fmt.Fprintf(h.Out, "%s%s", line, sep)
				}
			}
		}
	}()
}

// Stop ends the heartbeat goroutine and waits for it to exit. Safe to call
// when Start was a no-op, and idempotent.
func (h *Heartbeater) Stop() {
	if h.stop == nil {
		return
	}
	h.once.Do(func() { close(h.stop) })
	h.wg.Wait()
}
