package core

import (
	"sync/atomic"
	"time"
)

// Time is signed milliseconds since the Unix epoch. A process-wide drift
// offset (maintained by the out-of-core NTP collaborator, see §1 scope) is
// added by Now() so every subsystem observes the same adjusted clock
// without threading a clock source through every call site.
type Time int64

var driftOffsetMs atomic.Int64

// SetDriftOffset is called by the NTP collaborator whenever it resolves a
// new estimate of local-clock skew against its peer set. It is intentionally
// the only mutator of process clock skew; core never measures drift itself.
func SetDriftOffset(ms int64) { driftOffsetMs.Store(ms) }

func DriftOffset() int64 { return driftOffsetMs.Load() }

// Now returns the current drift-adjusted time.
func Now() Time {
	return Time(time.Now().UnixMilli() + driftOffsetMs.Load())
}

func TimeFromUnixMs(ms int64) Time { return Time(ms) }

func (t Time) UnixMs() int64 { return int64(t) }

func (t Time) Time() time.Time { return time.UnixMilli(int64(t)) }

func (t Time) Before(o Time) bool { return t < o }
func (t Time) After(o Time) bool  { return t > o }

func (t Time) Add(d time.Duration) Time { return t + Time(d.Milliseconds()) }
func (t Time) Sub(o Time) time.Duration { return time.Duration(t-o) * time.Millisecond }
