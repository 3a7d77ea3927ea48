package nsq

import (
	"sync"
	"time"
)

// backoffController implements the additive handler-error backoff policy
// described in SPEC_FULL.md §4.5: when message handlers keep requeueing
// with backoff=true, RDY across every connection is throttled to zero for
// a capped-exponential interval, then probed back open one message at a
// time. This is reconstructed from domain knowledge of the protocol (the
// js original_source/ was filtered to zero kept files) plus the general
// capped-exponential shape used for reconnects across the pack (e.g.
// apcera-nats's reconnect backoff).
type backoffController struct {
	mtx       sync.Mutex
	attempts  int
	inBackoff bool

	multiplier time.Duration
	max        time.Duration
}

func newBackoffController(multiplier, max time.Duration) *backoffController {
	return &backoffController{multiplier: multiplier, max: max}
}

// duration returns min(multiplier * 2^(attempts-1), max); the first
// attempt (attempts == 1) is the bare multiplier.
func (b *backoffController) duration() time.Duration {
	d := b.multiplier
	for i := 1; i < b.attempts && d < b.max; i++ {
		d *= 2
	}
	if d > b.max {
		d = b.max
	}
	return d
}

// onBackoff records a failure and returns the delay to wait before
// probing again, plus whether this transitioned the controller into
// backoff (false if already backing off, in which case the caller should
// not re-enter the RDY=0 throttle — it's already there).
func (b *backoffController) onBackoff() (time.Duration, bool) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	wasIdle := !b.inBackoff
	b.inBackoff = true
	b.attempts++
	return b.duration(), wasIdle
}

// onContinue records a success, easing the backoff schedule. It returns
// whether the controller has fully recovered (attempts reached 0, no
// longer backing off).
func (b *backoffController) onContinue() bool {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.attempts > 0 {
		b.attempts--
	}
	if b.attempts == 0 {
		b.inBackoff = false
		return true
	}
	return false
}

func (b *backoffController) isBackingOff() bool {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.inBackoff
}
