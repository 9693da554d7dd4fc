package connrt

import (
	"context"
	"math/rand"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/bittoy/subjectgraph/logger"
)

// MonitorConfig parameterizes a Monitor's health-check cadence and
// reconnect backoff (spec §4.H).
type MonitorConfig struct {
	HealthCheckInterval  time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration
	MaxConcurrentReconnects int64
}

// Monitor periodically pings an underlying connection, reconnecting with
// exponential backoff and jitter when a ping fails, gated by a circuit
// breaker (spec §4.H: "illustrated by the MQTT monitor"). A semaphore
// bounds how many reconnect attempts run concurrently across every
// Monitor sharing it, the way a connector host with many sessions avoids
// a reconnect storm saturating outbound connections at once.
type Monitor struct {
	cfg     MonitorConfig
	breaker *Breaker
	ping    func(ctx context.Context) error
	reconnect func(ctx context.Context) error
	logger  logger.Logger
	sem     *semaphore.Weighted

	wake chan struct{}
}

// NewMonitor builds a monitor. sem bounds concurrent reconnect attempts
// across every Monitor sharing it; pass a Weighted(1) private semaphore
// for a standalone monitor.
func NewMonitor(cfg MonitorConfig, breaker *Breaker, sem *semaphore.Weighted, ping, reconnect func(ctx context.Context) error, log logger.Logger) *Monitor {
	if log == nil {
		log = logger.Nop{}
	}
	if sem == nil {
		sem = semaphore.NewWeighted(1)
	}
	return &Monitor{
		cfg:       cfg,
		breaker:   breaker,
		ping:      ping,
		reconnect: reconnect,
		logger:    log,
		sem:       sem,
		wake:      make(chan struct{}, 1),
	}
}

// SignalReconnect wakes the monitor loop early, coalescing with any
// already-pending wake (spec §4.H: "an external signal_reconnect() wakes
// the loop early").
func (m *Monitor) SignalReconnect() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run executes the monitor loop until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkAndReconnect(ctx)
		case <-m.wake:
			m.drainStaleWake()
			m.checkAndReconnect(ctx)
		}
	}
}

// drainStaleWake discards any additional pending wake signals so a single
// processing pass consumes every coalesced signal that accumulated while
// the previous reconnect ran.
func (m *Monitor) drainStaleWake() {
	for {
		select {
		case <-m.wake:
		default:
			return
		}
	}
}

func (m *Monitor) checkAndReconnect(ctx context.Context) {
	if err := m.ping(ctx); err == nil {
		return
	}
	m.reconnectWithBackoff(ctx)
}

// reconnectWithBackoff retries reconnect with exponential backoff from
// ReconnectDelay up to MaxReconnectDelay, factor 2, ±5% jitter, gated by
// the circuit breaker's ShouldAttempt (spec §4.H). After a successful
// reconnect, any pending stale signal is drained exactly once so the loop
// does not immediately re-probe.
func (m *Monitor) reconnectWithBackoff(ctx context.Context) {
	delay := m.cfg.ReconnectDelay
	for {
		if ctx.Err() != nil {
			return
		}
		if !m.breaker.ShouldAttempt() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		if err := m.sem.Acquire(ctx, 1); err != nil {
			return
		}
		err := m.reconnect(ctx)
		m.sem.Release(1)

		if err == nil {
			m.breaker.RecordSuccess()
			m.drainStaleWake()
			return
		}

		opened := m.breaker.RecordFailure()
		if opened {
			m.logger.Warn("connrt.circuit_opened")
		}

		jittered := withJitter(delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(jittered):
		}

		delay *= 2
		if delay > m.cfg.MaxReconnectDelay {
			delay = m.cfg.MaxReconnectDelay
		}
	}
}

func withJitter(d time.Duration) time.Duration {
	jitter := float64(d) * 0.05
	offset := (rand.Float64()*2 - 1) * jitter
	return d + time.Duration(offset)
}
