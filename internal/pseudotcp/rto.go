package pseudotcp

import "time"

// rtoEstimator implements the Jacobson/Karels RTT smoothing of RFC 6298:
// srtt and rttvar are exponentially-weighted moving averages, and the
// retransmission timeout is derived from both rather than tracking RTT
// alone, so a single slow sample can't make the timer too trigger-happy.
type rtoEstimator struct {
	srtt   time.Duration
	rttvar time.Duration
	rto    time.Duration
	have   bool
}

const (
	minRTO = 200 * time.Millisecond
	maxRTO = 60 * time.Second
	// initialRTO is used before the first RTT sample arrives.
	initialRTO = time.Second
)

func newRTOEstimator() *rtoEstimator {
	return &rtoEstimator{rto: initialRTO}
}

// sample folds one new RTT measurement into the estimator (RFC 6298 §2).
func (e *rtoEstimator) sample(rtt time.Duration) {
	if rtt <= 0 {
		return
	}
	if !e.have {
		e.srtt = rtt
		e.rttvar = rtt / 2
		e.have = true
	} else {
		delta := e.srtt - rtt
		if delta < 0 {
			delta = -delta
		}
		e.rttvar = e.rttvar - e.rttvar/4 + delta/4
		e.srtt = e.srtt - e.srtt/8 + rtt/8
	}

	rto := e.srtt + max(4*e.rttvar, 10*time.Millisecond)
	e.rto = clampRTO(rto)
}

// backoff doubles the timeout after a retransmission timeout fires, per
// Karn's algorithm: we stop trusting RTT samples from retransmitted
// segments, so the timer itself has to grow instead.
func (e *rtoEstimator) backoff() {
	e.rto = clampRTO(e.rto * 2)
}

func (e *rtoEstimator) value() time.Duration {
	return e.rto
}

func clampRTO(d time.Duration) time.Duration {
	if d < minRTO {
		return minRTO
	}
	if d > maxRTO {
		return maxRTO
	}
	return d
}
