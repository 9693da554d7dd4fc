// Package connrt implements component H (Connector Runtime Support): the
// reusable circuit breaker, reference-counted connector subject registry,
// monitor loop, and read-after-write scheduler every concrete connector
// (MQTT, WebSocket, ...) builds on (spec §4.H).
package connrt

import (
	"sync/atomic"
	"time"

	"github.com/bittoy/subjectgraph/clock"
)

const (
	stateClosed int32 = iota
	stateOpen
)

// Breaker is the {closed, open} circuit breaker of spec §4.H. All state
// transitions use atomic CAS; there is no lock, so ShouldAttempt can be
// polled from a hot reconnect loop without contention.
type Breaker struct {
	failureThreshold int32
	cooldown         time.Duration
	clk              clock.Clock

	state       int32 // stateClosed | stateOpen
	failures    int32
	openedAtUTC atomic.Int64 // unix nanos; valid only while state == stateOpen
}

// BreakerOption configures a Breaker at construction time.
type BreakerOption func(*Breaker)

// WithBreakerClock overrides the clock used for the cooldown/half-open
// transition, so spec §8.7's "test with mocked clock" scenario never needs
// a real sleep. Defaults to clock.Default.
func WithBreakerClock(clk clock.Clock) BreakerOption {
	return func(b *Breaker) { b.clk = clk }
}

// NewBreaker builds a closed breaker that opens after failureThreshold
// consecutive failures and allows a half-open probe cooldown after
// opening.
func NewBreaker(failureThreshold int, cooldown time.Duration, opts ...BreakerOption) *Breaker {
	b := &Breaker{failureThreshold: int32(failureThreshold), cooldown: cooldown, clk: clock.Default}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ShouldAttempt reports whether the caller may attempt the guarded
// operation: always true when closed; when open, true only once cooldown
// has elapsed since the trip (a half-open probe). It does not itself
// close the circuit — only RecordSuccess does (spec §4.H).
func (b *Breaker) ShouldAttempt() bool {
	if atomic.LoadInt32(&b.state) == stateClosed {
		return true
	}
	openedAt := time.Unix(0, b.openedAtUTC.Load())
	return b.clk.NowUTC().Sub(openedAt) >= b.cooldown
}

// RecordFailure increments the consecutive-failure count and, on reaching
// the threshold, atomically transitions closed→open and stamps
// opened_at. Returns true iff this call is the one that opened the
// circuit.
func (b *Breaker) RecordFailure() (openedByThisCall bool) {
	n := atomic.AddInt32(&b.failures, 1)
	if n < b.failureThreshold {
		return false
	}
	if atomic.CompareAndSwapInt32(&b.state, stateClosed, stateOpen) {
		b.openedAtUTC.Store(b.clk.NowUTC().UnixNano())
		return true
	}
	return false
}

// RecordSuccess resets the failure count to 0, then closes the circuit.
// Resetting before closing means a concurrent RecordFailure that observes
// state==closed always sees the reset count, never a stale one that could
// reopen the circuit on the spot (spec §4.H).
func (b *Breaker) RecordSuccess() {
	atomic.StoreInt32(&b.failures, 0)
	atomic.StoreInt32(&b.state, stateClosed)
}

// IsOpen reports the breaker's current state, for observability.
func (b *Breaker) IsOpen() bool { return atomic.LoadInt32(&b.state) == stateOpen }
