// Package throttle implements the four throttle kinds a Target can apply
// between issuing successive operations: OPS (fixed operations/second), BW
// (fixed bytes/second), ABW (average bytes/second, computed against elapsed
// run time rather than a fixed rate), and DELAY (a constant pause between
// ops, ignoring size entirely).
package throttle

import (
	"math/rand"
	"time"

	"github.com/joeycumines/go-catrate"
)

// Kind is a throttle_type value.
type Kind int

const (
	KindNone Kind = iota
	KindOPS
	KindBW
	KindABW
	KindDelay
)

// Counters is the subset of a Target's running counters a throttle needs to
// compute the next permitted issue time.
type Counters struct {
	OpsIssued    int64
	BytesIssued  int64
	StartTime    time.Time
}

// Throttle computes, given the current counters and wall-clock time, the
// earliest time at which the next operation may be issued. A zero/past
// deadline means "issue immediately".
type Throttle interface {
	NextIssueTime(c Counters, now time.Time) time.Time
}

// variance jitters a rate by +-pct (a fraction, e.g. 0.1 for 10%). A nil
// rng means no jitter.
type variance struct {
	pct float64
	rng func() float64 // returns a uniform value in [-1, 1]; nil disables jitter
}

func (v variance) apply(rate float64) float64 {
	if v.rng == nil || v.pct == 0 {
		return rate
	}
	return rate * (1 + v.pct*v.rng())
}

// opsThrottle issues at most N ops/sec, using go-catrate's sliding-window
// limiter so bursts within a window are smoothed rather than merely capped
// at a fixed interval.
type opsThrottle struct {
	limiter *catrate.Limiter
}

// NewOPS builds a throttle.Throttle that allows at most opsPerSec operations
// per second, using a sliding one-second window.
func NewOPS(opsPerSec float64) Throttle {
	if opsPerSec <= 0 {
		return noneThrottle{}
	}
	return &opsThrottle{
		limiter: catrate.NewLimiter(map[time.Duration]int{
			time.Second: int(opsPerSec + 0.5),
		}),
	}
}

func (t *opsThrottle) NextIssueTime(_ Counters, now time.Time) time.Time {
	deadline, ok := t.limiter.Allow("ops")
	if ok {
		return time.Time{}
	}
	return deadline
}

// bwThrottle issues operations no faster than a fixed bytes/sec target,
// computed from the bytes issued so far: deadline = start + bytesIssued/rate.
type bwThrottle struct {
	bytesPerSec float64
	v           variance
}

// NewBW builds a throttle.Throttle targeting a fixed bytes/sec rate.
func NewBW(bytesPerSec float64) Throttle {
	if bytesPerSec <= 0 {
		return noneThrottle{}
	}
	return &bwThrottle{bytesPerSec: bytesPerSec}
}

func (t *bwThrottle) NextIssueTime(c Counters, now time.Time) time.Time {
	if c.BytesIssued == 0 {
		return time.Time{}
	}
	rate := t.v.apply(t.bytesPerSec)
	if rate <= 0 {
		return time.Time{}
	}
	elapsedTarget := time.Duration(float64(c.BytesIssued) / rate * float64(time.Second))
	return c.StartTime.Add(elapsedTarget)
}

// abwThrottle targets an average bytes/sec rate measured against the whole
// run so far, rather than each individual op: it only throttles once actual
// throughput exceeds the target, and never penalizes a run that is already
// behind.
type abwThrottle struct {
	bytesPerSec float64
}

// NewABW builds a throttle.Throttle targeting an average bytes/sec rate.
func NewABW(bytesPerSec float64) Throttle {
	if bytesPerSec <= 0 {
		return noneThrottle{}
	}
	return &abwThrottle{bytesPerSec: bytesPerSec}
}

func (t *abwThrottle) NextIssueTime(c Counters, now time.Time) time.Time {
	elapsed := now.Sub(c.StartTime)
	if elapsed <= 0 {
		return time.Time{}
	}
	actualRate := float64(c.BytesIssued) / elapsed.Seconds()
	if actualRate <= t.bytesPerSec {
		return time.Time{}
	}
	targetElapsed := time.Duration(float64(c.BytesIssued) / t.bytesPerSec * float64(time.Second))
	return c.StartTime.Add(targetElapsed)
}

// delayThrottle pauses a fixed duration after every op, regardless of size.
type delayThrottle struct {
	last  time.Time
	delay time.Duration
}

// NewDelay builds a throttle.Throttle that waits a fixed delay between ops.
func NewDelay(delay time.Duration) Throttle {
	if delay <= 0 {
		return noneThrottle{}
	}
	return &delayThrottle{delay: delay}
}

func (t *delayThrottle) NextIssueTime(c Counters, now time.Time) time.Time {
	if c.OpsIssued == 0 {
		return time.Time{}
	}
	return c.StartTime.Add(time.Duration(c.OpsIssued) * t.delay)
}

type noneThrottle struct{}

func (noneThrottle) NextIssueTime(Counters, time.Time) time.Time { return time.Time{} }

// None is the no-op throttle: every op may issue immediately.
var None Throttle = noneThrottle{}

// New builds a Throttle for the given kind, rate/variance, and delay.
func New(kind Kind, rate, variancePct float64, delay time.Duration) Throttle {
	switch kind {
	case KindOPS:
		return NewOPS(rate)
	case KindBW:
		th := NewBW(rate)
		if bt, ok := th.(*bwThrottle); ok && variancePct != 0 {
			src := rand.New(rand.NewSource(1))
			bt.v = variance{pct: variancePct, rng: func() float64 { return src.Float64()*2 - 1 }}
		}
		return th
	case KindABW:
		return NewABW(rate)
	case KindDelay:
		return NewDelay(delay)
	default:
		return None
	}
}
