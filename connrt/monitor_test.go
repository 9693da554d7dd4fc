package connrt_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/bittoy/subjectgraph/connrt"
)

func TestMonitorReconnectsOnPingFailure(t *testing.T) {
	breaker := connrt.NewBreaker(5, time.Millisecond)
	var pings, reconnects int32

	m := connrt.NewMonitor(connrt.MonitorConfig{
		HealthCheckInterval: 5 * time.Millisecond,
		ReconnectDelay:      1 * time.Millisecond,
		MaxReconnectDelay:   4 * time.Millisecond,
	}, breaker, nil,
		func(ctx context.Context) error {
			n := atomic.AddInt32(&pings, 1)
			if n == 1 {
				return errors.New("down")
			}
			return nil
		},
		func(ctx context.Context) error {
			atomic.AddInt32(&reconnects, 1)
			return nil
		},
		nil,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	m.Run(ctx)

	assert.GreaterOrEqual(t, atomic.LoadInt32(&reconnects), int32(1))
}

func TestMonitorSignalReconnectCoalesces(t *testing.T) {
	breaker := connrt.NewBreaker(5, time.Millisecond)
	m := connrt.NewMonitor(connrt.MonitorConfig{
		HealthCheckInterval: time.Hour,
		ReconnectDelay:      time.Millisecond,
		MaxReconnectDelay:   time.Millisecond,
	}, breaker, nil,
		func(ctx context.Context) error { return errors.New("down") },
		func(ctx context.Context) error { return nil },
		nil,
	)

	m.SignalReconnect()
	m.SignalReconnect() // coalesces, does not block
	m.SignalReconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	m.Run(ctx)
}
