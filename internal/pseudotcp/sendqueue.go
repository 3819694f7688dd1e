package pseudotcp

import "time"

// outSegment is one transmitted-but-not-yet-acked chunk of the send stream.
// A FIN consumes one sequence number of its own, exactly like real TCP, so
// it can be cumulative-acked the same way as data.
type outSegment struct {
	seq         uint32
	data        []byte
	fin         bool
	sentAt      time.Time
	retransmits int
}

func (s *outSegment) end() uint32 {
	n := s.seq + uint32(len(s.data))
	if s.fin {
		n++
	}
	return n
}

// sendQueue holds application bytes not yet on the wire (pending) and the
// segments already sent whose ACK is still outstanding, in seq order.
type sendQueue struct {
	pending     []byte
	nextSeq     uint32
	outstanding []*outSegment
}

func newSendQueue(iss uint32) *sendQueue {
	return &sendQueue{nextSeq: iss}
}

// enqueue appends application bytes to the unsent tail of the stream.
func (q *sendQueue) enqueue(data []byte) {
	q.pending = append(q.pending, data...)
}

// unackedSeq returns the lowest seq not yet acknowledged, i.e. the peer's next
// expected ACK value once every outstanding segment resolves.
func (q *sendQueue) unackedSeq() uint32 {
	if len(q.outstanding) > 0 {
		return q.outstanding[0].seq
	}
	return q.nextSeq
}

// inFlightBytes returns the total bytes sent but not yet acknowledged.
func (q *sendQueue) inFlightBytes() uint32 {
	var n uint32
	for _, s := range q.outstanding {
		n += uint32(len(s.data))
	}
	return n
}

// take carves off up to n bytes from the front of pending as a new segment,
// recording it as outstanding and advancing nextSeq. Returns nil if there's
// nothing to send.
func (q *sendQueue) take(n int, now time.Time) *outSegment {
	if len(q.pending) == 0 {
		return nil
	}
	if n > len(q.pending) {
		n = len(q.pending)
	}
	if n <= 0 {
		return nil
	}
	data := q.pending[:n]
	q.pending = q.pending[n:]

	seg := &outSegment{seq: q.nextSeq, data: data, sentAt: now}
	q.nextSeq += uint32(n)
	q.outstanding = append(q.outstanding, seg)
	return seg
}

// takeFin appends a zero-length, FIN-marked segment consuming the next
// sequence number, once every pending byte has already been taken.
func (q *sendQueue) takeFin(now time.Time) *outSegment {
	seg := &outSegment{seq: q.nextSeq, fin: true, sentAt: now}
	q.nextSeq++
	q.outstanding = append(q.outstanding, seg)
	return seg
}

// ackUpTo removes every outstanding segment fully covered by a cumulative
// ack of ack (i.e. ack is the peer's next-expected seq), returning the
// number of newly-acknowledged bytes and the earliest one's RTT sample
// (zero if none of the acked segments are eligible for RTT sampling, i.e.
// they were retransmitted -- Karn's algorithm).
func (q *sendQueue) ackUpTo(ack uint32, now time.Time) (ackedBytes uint32, rttSample time.Duration) {
	i := 0
	for ; i < len(q.outstanding); i++ {
		seg := q.outstanding[i]
		if seqLess(ack, seg.end()) {
			break
		}
		ackedBytes += uint32(len(seg.data))
		if seg.retransmits == 0 && rttSample == 0 {
			rttSample = now.Sub(seg.sentAt)
		}
	}
	q.outstanding = q.outstanding[i:]
	return ackedBytes, rttSample
}

// sackCovered reports whether seq..seq+len(data) is entirely covered by one
// of the peer's reported SACK ranges, meaning this segment shouldn't be
// retransmitted even though it's older than the cumulative ack.
func sackCovered(seg *outSegment, ranges []sackRange) bool {
	for _, r := range ranges {
		if !seqLess(seg.seq, r.start) && !seqLess(r.end, seg.end()) {
			return true
		}
	}
	return false
}

// seqLess compares two 32-bit sequence numbers with wraparound, per RFC
// 1982 serial number arithmetic.
func seqLess(a, b uint32) bool {
	return int32(a-b) < 0
}
