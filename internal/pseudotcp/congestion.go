package pseudotcp

// congestion implements Reno-like slow start / congestion avoidance over a
// byte-counted (not segment-counted) window, since Pseudo-TCP segments are
// variable length up to maxSegmentSize.
type congestion struct {
	cwnd     uint32 // congestion window, bytes
	ssthresh uint32 // slow-start threshold, bytes
	dupAcks  int
}

func newCongestion() *congestion {
	return &congestion{
		cwnd:     2 * maxSegmentSize, // RFC 3390-style initial window
		ssthresh: 64 * 1024,
	}
}

func (c *congestion) inSlowStart() bool {
	return c.cwnd < c.ssthresh
}

// onNewAck is called when an ACK advances the send window (i.e. is not a
// duplicate), acking ackedBytes worth of previously-outstanding data.
func (c *congestion) onNewAck(ackedBytes uint32) {
	c.dupAcks = 0
	if c.inSlowStart() {
		c.cwnd += ackedBytes
	} else {
		// Congestion avoidance: grow by roughly one segment per RTT.
		inc := maxSegmentSize * ackedBytes / c.cwnd
		if inc == 0 {
			inc = 1
		}
		c.cwnd += inc
	}
}

// onDuplicateAck is called for each repeat ACK of the same cumulative
// sequence number. It reports true on the third duplicate, the point at
// which the caller should fast-retransmit.
func (c *congestion) onDuplicateAck() bool {
	c.dupAcks++
	if c.dupAcks == 3 {
		c.ssthresh = max32(c.cwnd/2, 2*maxSegmentSize)
		c.cwnd = c.ssthresh + 3*maxSegmentSize // fast recovery inflation
		return true
	}
	if c.dupAcks > 3 {
		c.cwnd += maxSegmentSize
	}
	return false
}

// onTimeout is called when the retransmission timer fires: per Reno, this
// is treated as a more severe signal than duplicate ACKs, so the window
// collapses back to slow start instead of just halving.
func (c *congestion) onTimeout() {
	c.ssthresh = max32(c.cwnd/2, 2*maxSegmentSize)
	c.cwnd = maxSegmentSize
	c.dupAcks = 0
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
