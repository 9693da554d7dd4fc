package connrt_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/bittoy/subjectgraph/clock"
	"github.com/bittoy/subjectgraph/connrt"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := connrt.NewBreaker(3, time.Hour)
	assert.True(t, b.ShouldAttempt())

	assert.False(t, b.RecordFailure())
	assert.False(t, b.RecordFailure())
	assert.True(t, b.RecordFailure()) // third failure opens it
	assert.True(t, b.IsOpen())
}

func TestBreakerBlocksDuringCooldown(t *testing.T) {
	b := connrt.NewBreaker(1, time.Hour)
	b.RecordFailure()
	assert.False(t, b.ShouldAttempt())
}

func TestBreakerAllowsProbeAfterCooldown(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	b := connrt.NewBreaker(1, 5*time.Second, connrt.WithBreakerClock(fc))
	b.RecordFailure()
	assert.False(t, b.ShouldAttempt())

	fc.Advance(5 * time.Second)
	assert.True(t, b.ShouldAttempt())
}

func TestBreakerRecordSuccessCloses(t *testing.T) {
	b := connrt.NewBreaker(1, time.Hour)
	b.RecordFailure()
	assert.True(t, b.IsOpen())
	b.RecordSuccess()
	assert.False(t, b.IsOpen())
	assert.True(t, b.ShouldAttempt())
}
