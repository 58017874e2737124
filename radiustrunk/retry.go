package radiustrunk

import (
	"math/rand"
	"time"

	"github.com/francistor/radtrunk/core"
)

type retryOutcome int

const (
	// Keep retransmitting
	retryContinue retryOutcome = iota
	// Maximum retransmission count exceeded
	retryMRC
	// Maximum retransmission duration exceeded
	retryMRD
)

// Timer arithmetic for one request. count includes the initial
// transmission, so a schedule with mrc = 3 puts three copies on the wire
type retryState struct {
	config  core.RetryConfig
	start   time.Time
	updated time.Time
	next    time.Time
	rt      time.Duration
	count   uint32
}

func newRetryState(config core.RetryConfig, now time.Time) retryState {
	return retryState{
		config:  config,
		start:   now,
		updated: now,
		next:    now.Add(jitteredRT(config.InitialRT)),
		rt:      config.InitialRT,
		count:   1,
	}
}

// Advances the schedule when the timer fires. On retryContinue the interval
// doubles up to max_rt and the next fire time is set
func (s *retryState) nextOutcome(now time.Time) retryOutcome {

	s.count++
	if s.config.MRC > 0 && s.count > s.config.MRC {
		return retryMRC
	}
	if s.config.MRD > 0 && now.Sub(s.start) > s.config.MRD {
		return retryMRD
	}

	s.rt = s.rt * 2
	if s.rt > s.config.MaxRT {
		s.rt = s.config.MaxRT
	}
	s.updated = now
	s.next = now.Add(jitteredRT(s.rt))

	return retryContinue
}

// Time until the next fire, never negative
func (s *retryState) untilNext(now time.Time) time.Duration {
	interval := s.next.Sub(now)
	if interval < 0 {
		return 0
	}
	return interval
}

// Uniform jitter in [-0.1*rt, +0.1*rt]
func jitteredRT(rt time.Duration) time.Duration {
	jitter := time.Duration((rand.Float64()*0.2 - 0.1) * float64(rt))
	return rt + jitter
}
