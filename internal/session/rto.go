package session

import "time"

// Retransmission timing defaults.
const (
	DefaultMinRTO     = 1 * time.Second
	DefaultMaxRTO     = 30 * time.Second
	DefaultInitialRTO = 3 * time.Second
)

// rtoEstimator computes the adaptive retransmission timeout from
// round-trip samples using the standard smoothed-RTT and RTT-variance
// estimators with gains 1/8 and 1/4.
type rtoEstimator struct {
	srtt      time.Duration
	rttvar    time.Duration
	hasSample bool

	min     time.Duration
	max     time.Duration
	initial time.Duration
}

func newRTOEstimator(min, max time.Duration) *rtoEstimator {
	if min <= 0 {
		min = DefaultMinRTO
	}
	if max <= 0 {
		max = DefaultMaxRTO
	}
	return &rtoEstimator{min: min, max: max, initial: DefaultInitialRTO}
}

// AddSample folds one measured round-trip time into the estimator. The
// first sample initializes variance to half the sample, so the unclamped
// timeout is exactly three times the sample.
func (e *rtoEstimator) AddSample(rtt time.Duration) {
	if rtt <= 0 {
		return
	}
	if !e.hasSample {
		e.srtt = rtt
		e.rttvar = rtt / 2
		e.hasSample = true
		return
	}

	diff := e.srtt - rtt
	if diff < 0 {
		diff = -diff
	}
	e.rttvar = e.rttvar - e.rttvar/4 + diff/4
	e.srtt = e.srtt - e.srtt/8 + rtt/8
}

// Timeout returns the current retransmission timeout, clamped to
// [min, max]. Before any sample it returns the initial default.
func (e *rtoEstimator) Timeout() time.Duration {
	if !e.hasSample {
		return clamp(e.initial, e.min, e.max)
	}
	return clamp(e.srtt+4*e.rttvar, e.min, e.max)
}

func clamp(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}
