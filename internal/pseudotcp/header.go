package pseudotcp

import (
	"fmt"

	"github.com/ardenlabs/goice/internal/packet"
)

// flags are the single-bit control flags of the segment header.
type flags uint8

const (
	flagSYN flags = 1 << iota
	flagACK
	flagFIN
	flagRST
	flagSACK // a SACK block trailer follows the header
)

// headerSize is the fixed 24-byte segment header: conv, seq, ack, flags,
// wnd, ts, tsack, plus one reserved byte to round out the 24th.
const headerSize = 24

// mtu is the maximum UDP payload this engine will ever emit by default;
// maxSegmentSize is what's left for application data once the header is
// subtracted.
const (
	mtu            = 1400
	maxSegmentSize = mtu - headerSize
)

// header is the fixed-size segment header carried by every Pseudo-TCP
// datagram.
type header struct {
	conv  uint32
	seq   uint32
	ack   uint32
	flags flags
	wnd   uint16 // receive window, in bytes
	ts    uint32 // sender's timestamp, milliseconds since connection start
	tsack uint32 // echo of the timestamp from the segment being acked
}

func (h header) has(f flags) bool {
	return h.flags&f != 0
}

// sackRange is one contiguous block of out-of-order bytes already received,
// reported so the sender can avoid retransmitting data we already have.
type sackRange struct {
	start, end uint32 // [start, end), sequence numbers
}

func encodeHeader(w *packet.Writer, h header) error {
	if err := w.CheckCapacity(headerSize); err != nil {
		return fmt.Errorf("pseudotcp: %w", err)
	}
	w.WriteUint32(h.conv)
	w.WriteUint32(h.seq)
	w.WriteUint32(h.ack)
	w.WriteByte(byte(h.flags))
	w.WriteUint16(h.wnd)
	w.WriteUint32(h.ts)
	w.WriteUint32(h.tsack)
	w.ZeroPad(1) // reserved, rounds the header to 24 bytes
	return nil
}

func decodeHeader(r *packet.Reader) (header, error) {
	if err := r.CheckRemaining(headerSize); err != nil {
		return header{}, fmt.Errorf("pseudotcp: short segment: %w", err)
	}
	h := header{
		conv:  r.ReadUint32(),
		seq:   r.ReadUint32(),
		ack:   r.ReadUint32(),
		flags: flags(r.ReadByte()),
		wnd:   r.ReadUint16(),
		ts:    r.ReadUint32(),
		tsack: r.ReadUint32(),
	}
	r.Skip(1)
	return h, nil
}

func encodeSACK(w *packet.Writer, ranges []sackRange) error {
	if err := w.CheckCapacity(1 + 8*len(ranges)); err != nil {
		return fmt.Errorf("pseudotcp: %w", err)
	}
	w.WriteByte(byte(len(ranges)))
	for _, r := range ranges {
		w.WriteUint32(r.start)
		w.WriteUint32(r.end)
	}
	return nil
}

func decodeSACK(r *packet.Reader) ([]sackRange, error) {
	if err := r.CheckRemaining(1); err != nil {
		return nil, fmt.Errorf("pseudotcp: %w", err)
	}
	n := int(r.ReadByte())
	if err := r.CheckRemaining(8 * n); err != nil {
		return nil, fmt.Errorf("pseudotcp: truncated sack trailer: %w", err)
	}
	ranges := make([]sackRange, n)
	for i := range ranges {
		ranges[i] = sackRange{start: r.ReadUint32(), end: r.ReadUint32()}
	}
	return ranges, nil
}
