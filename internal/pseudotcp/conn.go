package pseudotcp

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/ardenlabs/goice/internal/packet"
)

// State is the engine's position in its connection lifecycle.
type State int

const (
	StateListen State = iota
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinWait
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateListen:
		return "listen"
	case StateSynSent:
		return "syn-sent"
	case StateSynReceived:
		return "syn-received"
	case StateEstablished:
		return "established"
	case StateFinWait:
		return "fin-wait"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	delayedACKDelay   = 200 * time.Millisecond
	maxSynRetries     = 7
	defaultWindowSize = 64*1024 - 1 // largest value the 16-bit wnd field holds
	idlePollInterval  = time.Second
)

// Callbacks receives the engine's side effects. WritePacket's error is
// deliberately ignored by the engine beyond a trace log: a would-block (or
// any other transient send failure) on the wire is treated the same as a
// dropped packet, and retransmission is what recovers it.
type Callbacks struct {
	WritePacket func(data []byte) error
	OnOpen      func()
	OnReadable  func()
	OnWritable  func()
	OnClosed    func(err error)
}

// Engine is one Pseudo-TCP connection. It is purely reactive: it never
// blocks, spawns a goroutine, or owns a timer -- NotifyPacket/Send/Recv
// move data, and NotifyClock/GetNextClock let the caller drive time.
type Engine struct {
	log logging.LeveledLogger
	cb  Callbacks

	mu     sync.Mutex
	conv   uint32
	active bool
	state  State

	send *sendQueue
	recv *recvQueue
	rto  *rtoEstimator
	cong *congestion

	startTime  time.Time
	peerWnd    uint32
	lastPeerTS uint32

	haveRetransmitDeadline bool
	retransmitDeadline     time.Time

	ackPending    bool
	ackDeadline   time.Time
	unackedFlight int // received segments since the last ACK we sent

	lastAckSeen uint32
	haveLastAck bool

	synSeq      uint32
	synRetries  int
	synDeadline time.Time

	closeRequested bool
	finSent        bool
	finAcked       bool
	peerFinSeq     uint32
	havePeerFin    bool
	peerFinSeen    bool

	closed   bool
	closeErr error
}

// New constructs a Pseudo-TCP engine. active selects which side initiates
// the handshake: the ICE controlling agent is the active opener once a
// pair is first selected, mirroring the controlling side always being the
// one to act first in the connectivity-check handshake.
func New(conv uint32, active bool, loggerFactory logging.LoggerFactory, cb Callbacks) *Engine {
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Engine{
		log:    loggerFactory.NewLogger("ptcp"),
		cb:     cb,
		conv:   conv,
		active: active,
		state:  StateListen,
		rto:    newRTOEstimator(),
		cong:   newCongestion(),
	}
}

// Open starts the handshake on the active side; it is a no-op on the
// passive side, which simply waits in Listen for an inbound SYN.
func (e *Engine) Open() error {
	e.mu.Lock()
	if e.state != StateListen {
		e.mu.Unlock()
		return ErrAlreadyOpen
	}
	if !e.active {
		e.mu.Unlock()
		return nil
	}

	iss := randomSeq()
	e.send = newSendQueue(iss)
	e.send.nextSeq++ // the SYN itself consumes one sequence number
	e.synSeq = iss
	e.startTime = now()
	e.state = StateSynSent
	e.synDeadline = now().Add(e.rto.value())
	h := header{conv: e.conv, seq: iss, flags: flagSYN, wnd: defaultWindowSize, ts: e.elapsedMS()}
	e.mu.Unlock()

	e.emit(h, nil, nil)
	return nil
}

// Send enqueues application bytes for transmission. It never blocks: bytes
// are buffered internally and segmented out at once as far as the
// congestion and peer-advertised windows allow; the rest goes out from later
// NotifyPacket/NotifyClock calls as the windows open.
func (e *Engine) Send(data []byte) (int, error) {
	e.mu.Lock()
	if e.state != StateEstablished {
		e.mu.Unlock()
		return 0, ErrNotConnected
	}
	e.send.enqueue(data)
	e.mu.Unlock()

	e.trySend()
	return len(data), nil
}

// Recv copies as many ready, in-order bytes as fit into buf. It returns
// ErrWouldBlock (never blocking) if nothing is available yet.
func (e *Engine) Recv(buf []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.recv == nil || e.recv.readyBytes() == 0 {
		return 0, ErrWouldBlock
	}
	return e.recv.read(buf), nil
}

// Close begins a graceful shutdown: once every previously-queued byte has
// been sent, a FIN is emitted. The connection only reaches StateClosed
// once the FIN is acknowledged and the peer's own FIN has been seen.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.state != StateEstablished {
		e.mu.Unlock()
		return
	}
	e.closeRequested = true
	e.state = StateFinWait
	e.mu.Unlock()

	e.trySend()
}

// NotifyPacket ingests one received Pseudo-TCP segment.
func (e *Engine) NotifyPacket(data []byte) error {
	r := packet.NewReader(data)
	h, err := decodeHeader(r)
	if err != nil {
		return err
	}
	if h.conv != e.conv {
		e.log.Debugf("pseudotcp: dropping segment for conv %d, expected %d", h.conv, e.conv)
		return nil
	}

	var ranges []sackRange
	if h.has(flagSACK) {
		ranges, err = decodeSACK(r)
		if err != nil {
			return err
		}
	}
	payload := r.ReadRemaining()

	if h.has(flagRST) {
		e.abort(errConnReset)
		return nil
	}

	e.mu.Lock()
	e.lastPeerTS = h.ts
	var fireOpen, fireReadable, fireWritable, fireClosed bool

	switch e.state {
	case StateListen:
		if h.has(flagSYN) {
			e.acceptPassive(h)
		}
	case StateSynSent:
		if h.has(flagSYN) && h.has(flagACK) {
			e.completeActiveHandshake(h)
			fireOpen = true
		}
	case StateSynReceived:
		if h.has(flagACK) && !h.has(flagSYN) {
			e.send.ackUpTo(h.ack, now())
			e.state = StateEstablished
			fireOpen = true
		}
	case StateEstablished, StateFinWait:
		fireReadable, fireWritable = e.handleEstablishedSegment(h, payload, ranges)
		if e.state == StateFinWait && e.finAcked && e.peerFinSeen && !e.closed {
			e.closed = true
			e.state = StateClosed
			fireClosed = true
		}
	case StateClosed:
		// Ignore stray traffic after teardown.
	}
	e.mu.Unlock()

	if fireOpen && e.cb.OnOpen != nil {
		e.cb.OnOpen()
	}
	if fireReadable && e.cb.OnReadable != nil {
		e.cb.OnReadable()
	}
	if fireWritable && e.cb.OnWritable != nil {
		e.cb.OnWritable()
	}
	if fireClosed && e.cb.OnClosed != nil {
		e.cb.OnClosed(nil)
	}

	e.trySend()
	return nil
}

// acceptPassive handles an inbound SYN while Listening. Caller holds e.mu.
func (e *Engine) acceptPassive(h header) {
	irs := h.seq
	e.recv = newRecvQueue(irs + 1)
	e.send = newSendQueue(randomSeq())
	e.startTime = now()
	e.state = StateSynReceived
	e.peerWnd = uint32(h.wnd)

	resp := header{
		conv: e.conv, seq: e.send.nextSeq, ack: e.recv.rcvNxt,
		flags: flagSYN | flagACK, wnd: defaultWindowSize, ts: e.elapsedMS(), tsack: h.ts,
	}
	e.send.nextSeq++ // the SYN itself consumes one sequence number
	e.mu.Unlock()
	e.emit(resp, nil, nil)
	e.mu.Lock()
}

// completeActiveHandshake handles the SYN-ACK while SynSent. Caller holds e.mu.
func (e *Engine) completeActiveHandshake(h header) {
	irs := h.seq
	e.recv = newRecvQueue(irs + 1)
	e.send.ackUpTo(h.ack, now())
	e.peerWnd = uint32(h.wnd)
	e.state = StateEstablished

	resp := header{
		conv: e.conv, seq: e.send.nextSeq, ack: e.recv.rcvNxt,
		flags: flagACK, wnd: defaultWindowSize, ts: e.elapsedMS(), tsack: h.ts,
	}
	e.mu.Unlock()
	e.emit(resp, nil, nil)
	e.mu.Lock()
}

// handleEstablishedSegment folds one data/ACK/FIN segment into the
// connection's state. Caller holds e.mu.
func (e *Engine) handleEstablishedSegment(h header, payload []byte, ranges []sackRange) (readable, writable bool) {
	if len(payload) > 0 {
		if e.recv.insert(h.seq, payload) {
			readable = true
		}
		e.unackedFlight++
	}

	if h.has(flagFIN) {
		finSeq := h.seq + uint32(len(payload))
		e.peerFinSeq = finSeq
		e.havePeerFin = true
	}
	if e.havePeerFin && !e.peerFinSeen && !seqLess(e.recv.rcvNxt, e.peerFinSeq) {
		e.peerFinSeen = true
		e.recv.rcvNxt++ // the FIN consumes one sequence number, like real TCP
		if e.state == StateEstablished {
			// No half-close: seeing the peer's FIN while still Established
			// immediately starts our own close, the way a simple reactive
			// engine without a CloseWait state should behave.
			e.closeRequested = true
			e.state = StateFinWait
		}
	}

	if h.has(flagACK) {
		// Track window advancement separately from bytes acked: a FIN
		// consumes a sequence number but carries zero data bytes, so
		// "acked > 0" alone would miss a FIN-only ack.
		prevUnacked := e.send.unackedSeq()
		acked, rtt := e.send.ackUpTo(h.ack, now())
		e.peerWnd = uint32(h.wnd)
		if seqLess(prevUnacked, h.ack) {
			if rtt > 0 {
				e.rto.sample(rtt)
			}
			if acked > 0 {
				e.cong.onNewAck(acked)
				writable = true
			}
			e.lastAckSeen, e.haveLastAck = h.ack, true
			if len(e.send.outstanding) == 0 {
				e.haveRetransmitDeadline = false
			} else {
				e.retransmitDeadline = now().Add(e.rto.value())
			}
			if e.finSent && !e.finAcked && !seqLess(h.ack, e.send.nextSeq) {
				e.finAcked = true
			}
		} else if e.haveLastAck && h.ack == e.lastAckSeen && len(e.send.outstanding) > 0 {
			if e.cong.onDuplicateAck() {
				e.fastRetransmit(ranges)
			}
		} else {
			e.lastAckSeen, e.haveLastAck = h.ack, true
		}
	}

	switch {
	case h.has(flagFIN):
		// Ack the FIN immediately rather than folding it into the delayed-ack
		// window, so a peer waiting in FinWait isn't stuck behind a 200ms
		// timer it has no reason to expect.
		e.flushAck()
	case len(payload) > 0:
		e.scheduleAck()
	}
	return readable, writable
}

// fastRetransmit resends the oldest outstanding segment immediately, on
// the third duplicate ACK, without waiting for the RTO. Caller holds e.mu.
func (e *Engine) fastRetransmit(ranges []sackRange) {
	if len(e.send.outstanding) == 0 {
		return
	}
	seg := e.send.outstanding[0]
	if sackCovered(seg, ranges) {
		return
	}
	seg.retransmits++
	seg.sentAt = now()
	e.retransmitDeadline = now().Add(e.rto.value())
	e.haveRetransmitDeadline = true
	e.emitSegment(seg)
}

// scheduleAck arms (or immediately fires, per the every-other-segment rule)
// the delayed-ACK timer. Caller holds e.mu.
func (e *Engine) scheduleAck() {
	if e.unackedFlight >= 2 {
		e.flushAck()
		return
	}
	if !e.ackPending {
		e.ackPending = true
		e.ackDeadline = now().Add(delayedACKDelay)
	}
}

// flushAck sends a pure ACK segment reflecting the current cumulative
// receive state. Caller holds e.mu.
func (e *Engine) flushAck() {
	e.ackPending = false
	e.unackedFlight = 0
	var recvNxt uint32
	if e.recv != nil {
		recvNxt = e.recv.rcvNxt
	}
	h := header{conv: e.conv, seq: e.send.nextSeq, ack: recvNxt, flags: flagACK, wnd: e.advertisedWindow(), ts: e.elapsedMS(), tsack: e.lastPeerTS}
	var ranges []sackRange
	if e.recv != nil {
		ranges = e.recv.sackRanges()
	}
	if len(ranges) > 0 {
		h.flags |= flagSACK
	}
	e.mu.Unlock()
	e.emit(h, ranges, nil)
	e.mu.Lock()
}

// trySend segments and transmits as much pending data as the congestion
// and peer windows allow, and emits the close FIN once pending data has
// drained.
func (e *Engine) trySend() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.send == nil || e.state == StateClosed || e.state == StateListen || e.state == StateSynSent || e.state == StateSynReceived {
		return
	}

	for {
		inFlight := e.send.inFlightBytes()
		window := min32(e.cong.cwnd, e.peerWindowOrDefault())
		if inFlight >= window {
			break
		}
		n := int(window - inFlight)
		if n > maxSegmentSize {
			n = maxSegmentSize
		}
		seg := e.send.take(n, now())
		if seg == nil {
			break
		}
		e.armRetransmitTimer()
		e.emitSegment(seg)
	}

	if e.closeRequested && !e.finSent && len(e.send.pending) == 0 {
		seg := e.send.takeFin(now())
		seg.fin = true
		e.finSent = true
		e.armRetransmitTimer()
		e.emitFin(seg)
	}
}

func (e *Engine) armRetransmitTimer() {
	if !e.haveRetransmitDeadline {
		e.haveRetransmitDeadline = true
		e.retransmitDeadline = now().Add(e.rto.value())
	}
}

func (e *Engine) emitSegment(seg *outSegment) {
	var recvNxt uint32
	if e.recv != nil {
		recvNxt = e.recv.rcvNxt
	}
	h := header{conv: e.conv, seq: seg.seq, ack: recvNxt, flags: flagACK, wnd: e.advertisedWindow(), ts: e.elapsedMS(), tsack: e.lastPeerTS}
	e.mu.Unlock()
	e.emit(h, nil, seg.data)
	e.mu.Lock()
}

func (e *Engine) emitFin(seg *outSegment) {
	var recvNxt uint32
	if e.recv != nil {
		recvNxt = e.recv.rcvNxt
	}
	h := header{conv: e.conv, seq: seg.seq, ack: recvNxt, flags: flagACK | flagFIN, wnd: e.advertisedWindow(), ts: e.elapsedMS(), tsack: e.lastPeerTS}
	e.mu.Unlock()
	e.emit(h, nil, nil)
	e.mu.Lock()
}

// NotifyClock drives every time-based transition: the SYN handshake retry,
// RTO-triggered retransmission, and delayed-ACK flush.
func (e *Engine) NotifyClock() {
	e.mu.Lock()
	t := now()
	var timedOut bool

	if e.state == StateSynSent && !t.Before(e.synDeadline) {
		e.synRetries++
		if e.synRetries > maxSynRetries {
			timedOut = true
		} else {
			e.rto.backoff()
			e.synDeadline = t.Add(e.rto.value())
			h := header{conv: e.conv, seq: e.synSeq, flags: flagSYN, wnd: defaultWindowSize, ts: e.elapsedMS()}
			e.mu.Unlock()
			e.emit(h, nil, nil)
			e.mu.Lock()
		}
	}

	if !timedOut && e.haveRetransmitDeadline && !t.Before(e.retransmitDeadline) && len(e.send.outstanding) > 0 {
		e.rto.backoff()
		e.cong.onTimeout()
		seg := e.send.outstanding[0]
		seg.retransmits++
		seg.sentAt = t
		e.retransmitDeadline = t.Add(e.rto.value())
		if seg.fin {
			e.emitFin(seg)
		} else {
			e.emitSegment(seg)
		}
	}

	var flushedAck bool
	if e.ackPending && !t.Before(e.ackDeadline) {
		flushedAck = true
	}
	e.mu.Unlock()

	if flushedAck {
		e.mu.Lock()
		e.flushAck()
		e.mu.Unlock()
	}
	if timedOut {
		e.abort(errHandshakeTimeout)
		return
	}

	e.trySend()
}

// GetNextClock reports when NotifyClock should next be called. false means
// the engine is closed (or otherwise done) and can be torn down.
func (e *Engine) GetNextClock() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateClosed {
		return time.Time{}, false
	}

	deadline := now().Add(idlePollInterval)
	if e.state == StateSynSent && e.synDeadline.Before(deadline) {
		deadline = e.synDeadline
	}
	if e.haveRetransmitDeadline && e.retransmitDeadline.Before(deadline) {
		deadline = e.retransmitDeadline
	}
	if e.ackPending && e.ackDeadline.Before(deadline) {
		deadline = e.ackDeadline
	}
	return deadline, true
}

// State returns the engine's current connection state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) abort(reason error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.closeErr = reason
	e.state = StateClosed
	e.mu.Unlock()

	if e.cb.OnClosed != nil {
		e.cb.OnClosed(reason)
	}
}

func (e *Engine) emit(h header, ranges []sackRange, payload []byte) {
	w := packet.NewWriterSize(mtu)
	if err := encodeHeader(w, h); err != nil {
		e.log.Warnf("pseudotcp: encode header: %v", err)
		return
	}
	if h.has(flagSACK) {
		if err := encodeSACK(w, ranges); err != nil {
			e.log.Warnf("pseudotcp: encode sack: %v", err)
			return
		}
	}
	if len(payload) > 0 {
		if err := w.WriteSlice(payload); err != nil {
			e.log.Warnf("pseudotcp: encode payload: %v", err)
			return
		}
	}
	if e.cb.WritePacket == nil {
		return
	}
	if err := e.cb.WritePacket(w.Bytes()); err != nil {
		e.log.Tracef("pseudotcp: write callback reported %v, treating as dropped", err)
	}
}

func (e *Engine) advertisedWindow() uint16 {
	avail := defaultWindowSize
	if e.recv != nil {
		avail -= e.recv.readyBytes()
	}
	if avail < 0 {
		avail = 0
	}
	if avail > 0xFFFF {
		avail = 0xFFFF
	}
	return uint16(avail)
}

func (e *Engine) peerWindowOrDefault() uint32 {
	if e.peerWnd == 0 {
		return defaultWindowSize
	}
	return e.peerWnd
}

func (e *Engine) elapsedMS() uint32 {
	return uint32(now().Sub(e.startTime).Milliseconds())
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func randomSeq() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

// now is the engine's only clock access point, kept as a function value so
// tests can't accidentally rely on wall-clock timing beyond what NotifyClock
// is told via its caller-driven deadlines.
var now = time.Now
