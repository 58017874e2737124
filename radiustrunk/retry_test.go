package radiustrunk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/francistor/radtrunk/core"
)

func TestRetryScheduleDoubling(t *testing.T) {
	config := core.RetryConfig{
		InitialRT: 2 * time.Second,
		MaxRT:     16 * time.Second,
		MRC:       10,
		MRD:       time.Hour,
	}

	now := time.Now()
	state := newRetryState(config, now)
	assert.Equal(t, uint32(1), state.count)

	// First fire, interval jittered around the initial rt
	interval := state.untilNext(now)
	assert.InDelta(t, float64(2*time.Second), float64(interval), float64(200*time.Millisecond))

	// The interval doubles on each fire until max_rt
	expected := []time.Duration{4 * time.Second, 8 * time.Second, 16 * time.Second, 16 * time.Second}
	for _, rt := range expected {
		now = state.next
		assert.Equal(t, retryContinue, state.nextOutcome(now))
		interval = state.untilNext(now)
		assert.InDelta(t, float64(rt), float64(interval), float64(rt)/5)
	}
}

func TestRetryMRC(t *testing.T) {
	config := core.RetryConfig{
		InitialRT: time.Second,
		MaxRT:     time.Second,
		MRC:       3,
		MRD:       time.Hour,
	}

	now := time.Now()
	state := newRetryState(config, now)

	// The count includes the first transmission, so mrc 3 allows two more
	assert.Equal(t, retryContinue, state.nextOutcome(now.Add(time.Second)))
	assert.Equal(t, retryContinue, state.nextOutcome(now.Add(2*time.Second)))
	assert.Equal(t, retryMRC, state.nextOutcome(now.Add(3*time.Second)))
}

func TestRetryMRD(t *testing.T) {
	config := core.RetryConfig{
		InitialRT: time.Second,
		MaxRT:     time.Second,
		MRC:       0,
		MRD:       5 * time.Second,
	}

	now := time.Now()
	state := newRetryState(config, now)

	assert.Equal(t, retryContinue, state.nextOutcome(now.Add(time.Second)))
	assert.Equal(t, retryMRD, state.nextOutcome(now.Add(6*time.Second)))
}

func TestRetryUntilNextNeverNegative(t *testing.T) {
	config := core.RetryConfig{InitialRT: time.Second, MaxRT: time.Second, MRC: 5, MRD: time.Hour}
	state := newRetryState(config, time.Now())
	assert.Equal(t, time.Duration(0), state.untilNext(state.next.Add(time.Minute)))
}

func TestJitterBounds(t *testing.T) {
	rt := 10 * time.Second
	for i := 0; i < 100; i++ {
		jittered := jitteredRT(rt)
		assert.GreaterOrEqual(t, jittered, 9*time.Second)
		assert.LessOrEqual(t, jittered, 11*time.Second)
	}
}
