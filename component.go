package goice

import (
	"context"
	"net"
	"sync"

	"github.com/pion/transport/v4/packetio"

	"github.com/ardenlabs/goice/internal/candidate"
	"github.com/ardenlabs/goice/internal/checklist"
	"github.com/ardenlabs/goice/internal/discovery"
	"github.com/ardenlabs/goice/internal/mux"
	"github.com/ardenlabs/goice/internal/pseudotcp"
	"github.com/ardenlabs/goice/internal/stunutil"
	"github.com/ardenlabs/goice/internal/timerwheel"
)

// pendingQueueCapacity/pendingQueueMaxSize size the datagram queue a
// component holds before it has a selected pair (§4.6 "Component never
// drops data silently before a pair is nominated, up to a bound").
const (
	pendingQueueCapacity = 32
	pendingQueueMaxSize  = 1500
	readBufferSize       = 1500
)

// relayConn pairs a relayed candidate with the already-detunneled TURN
// relay socket backing it.
type relayConn struct {
	cand *candidate.Candidate
	conn net.PacketConn
}

// Component is one ICE component of a Stream (data model §3): the sockets
// backing its local candidates, the datagrams queued before a pair is
// nominated, and -- in reliable mode -- the Pseudo-TCP engine layered over
// the selected pair once one exists. Grounded on a reference per-component
// socket bookkeeping, generalized to the multiple-candidate-per-socket
// model candidate.Candidate's BaseAddress implies.
type Component struct {
	id     int
	stream *Stream

	mu               sync.Mutex
	state            ComponentState
	closed           bool
	locals           []*candidate.Candidate
	hostBindingsList []*discovery.HostBinding
	hostSockets      map[string]*net.UDPConn
	relayConns       map[string]relayConn
	readLoopsStarted bool
	selected         *checklist.Pair

	pending *mux.PendingQueue

	recvBuf     *packetio.Buffer
	recvStarted bool

	ptcp        *pseudotcp.Engine
	ptcpClockID timerwheel.ID

	keepaliveID timerwheel.ID
}

func newComponent(s *Stream, id int) *Component {
	recvBuf := packetio.NewBuffer()
	recvBuf.SetLimitSize(1 << 20)
	return &Component{
		id:          id,
		stream:      s,
		state:       Disconnected,
		hostSockets: make(map[string]*net.UDPConn),
		relayConns:  make(map[string]relayConn),
		pending:     mux.NewPendingQueue(pendingQueueCapacity, pendingQueueMaxSize),
		recvBuf:     recvBuf,
	}
}

// addHostBinding registers a gathered host candidate and the socket it was
// bound from. The socket's read loop only starts once startHostReadLoops is
// called, since discovery's own STUN queries read this same socket
// synchronously until gathering finishes.
func (c *Component) addHostBinding(b *discovery.HostBinding) {
	c.mu.Lock()
	c.hostBindingsList = append(c.hostBindingsList, b)
	c.hostSockets[b.Candidate.BaseAddress.String()] = b.Conn
	c.locals = append(c.locals, b.Candidate)
	started := c.readLoopsStarted
	c.mu.Unlock()

	if started {
		go c.readLoop(b.Candidate, b.Conn)
	}
}

// addLocalCandidate registers a non-host local candidate (server-reflexive
// or peer-reflexive) discovered after gathering began.
func (c *Component) addLocalCandidate(cand *candidate.Candidate) {
	c.mu.Lock()
	c.locals = append(c.locals, cand)
	c.mu.Unlock()
}

// addRelaySocket registers the relay socket backing a newly allocated
// Relayed candidate and starts its read loop immediately: unlike a host
// socket, nothing else ever reads from it, so there's no discovery-phase
// race to wait out.
func (c *Component) addRelaySocket(cand *candidate.Candidate, conn net.PacketConn) {
	c.mu.Lock()
	c.relayConns[cand.Address.String()] = relayConn{cand: cand, conn: conn}
	c.locals = append(c.locals, cand)
	c.mu.Unlock()

	go c.readLoop(cand, conn)
}

func (c *Component) localCandidates() []*Candidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Candidate, len(c.locals))
	copy(out, c.locals)
	return out
}

func (c *Component) hostBindings() []*discovery.HostBinding {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*discovery.HostBinding, len(c.hostBindingsList))
	copy(out, c.hostBindingsList)
	return out
}

// startHostReadLoops starts one read goroutine per host socket. Called once,
// after discovery's onGatherDone fires for the owning stream.
func (c *Component) startHostReadLoops() {
	c.mu.Lock()
	if c.readLoopsStarted {
		c.mu.Unlock()
		return
	}
	c.readLoopsStarted = true
	bindings := append([]*discovery.HostBinding(nil), c.hostBindingsList...)
	c.mu.Unlock()

	for _, b := range bindings {
		go c.readLoop(b.Candidate, b.Conn)
	}
}

// readLoop drains one socket, dispatching every datagram to handleInbound
// until the socket is closed. local identifies the candidate this socket is
// the base of: the host candidate for a host socket (RFC 8445 §7.3.1.3's
// base, since a peer addressing our server-reflexive address still arrives
// here, translated by NAT), or the relayed candidate itself for a relay
// socket.
func (c *Component) readLoop(local *candidate.Candidate, conn net.PacketConn) {
	buf := make([]byte, readBufferSize)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}
		raddr, ok := addr.(*net.UDPAddr)
		if !ok {
			raddr, err = net.ResolveUDPAddr("udp", addr.String())
			if err != nil {
				continue
			}
		}
		data := append([]byte(nil), buf[:n]...)
		c.handleInbound(local, raddr, data)
	}
}

// handleInbound classifies one inbound datagram: STUN traffic is routed to
// the check list (requests get a response written back, indications are
// keepalives and dropped, everything else is a response to an outstanding
// check); anything else is application data.
func (c *Component) handleInbound(local *candidate.Candidate, raddr *net.UDPAddr, data []byte) {
	if mux.IsSTUN(data) {
		msg, err := stunutil.Decode(data)
		if err == nil {
			switch {
			case stunutil.IsRequest(msg):
				c.stream.noteInitialBindingRequest()
				if resp := c.stream.checklistEngine.HandleRequest(local, raddr, msg); resp != nil {
					_ = c.writeTo(local, raddr, resp)
				}
			case stunutil.IsIndication(msg):
				// Keepalive; no response and nothing to hand to the check list.
			default:
				c.stream.checklistEngine.HandleResponse(local, raddr, msg)
			}
			return
		}
	}
	c.deliverData(data)
}

// deliverData routes non-STUN payloads: queued until a pair is selected,
// then fed to Pseudo-TCP (reliable mode) or the receive buffer (otherwise).
func (c *Component) deliverData(data []byte) {
	c.mu.Lock()
	if c.selected == nil {
		c.pending.Push(data)
		c.mu.Unlock()
		return
	}
	reliable := c.stream.agent.cfg.Reliable
	ptcp := c.ptcp
	recvBuf := c.recvBuf
	c.mu.Unlock()

	if reliable {
		if ptcp == nil {
			return
		}
		if err := ptcp.NotifyPacket(data); err != nil {
			c.stream.agent.log.Debugf("goice: pseudotcp notify packet: %v", err)
		}
		c.armPseudoTCPClock()
		return
	}

	_, _ = recvBuf.WriteContext(context.Background(), data)
}

// writeTo transmits data from local's socket to remote. local.Type selects
// between the component's relay sockets (keyed by the relayed candidate's
// own address) and its host sockets (keyed by BaseAddress, shared by host,
// server-reflexive, and local peer-reflexive candidates alike).
func (c *Component) writeTo(local *candidate.Candidate, remote *net.UDPAddr, data []byte) error {
	conn, err := c.socketFor(local)
	if err != nil {
		return err
	}
	_, err = conn.WriteTo(data, remote)
	return err
}

func (c *Component) socketFor(local *candidate.Candidate) (net.PacketConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if local.Type == candidate.Relayed {
		if rc, ok := c.relayConns[local.Address.String()]; ok {
			return rc.conn, nil
		}
		return nil, newError(ErrUnknownComponent, nil)
	}
	if conn, ok := c.hostSockets[local.BaseAddress.String()]; ok {
		return conn, nil
	}
	return nil, newError(ErrUnknownComponent, nil)
}

// writeSelected writes a Pseudo-TCP segment to the component's currently
// selected pair; it is the Pseudo-TCP engine's WritePacket callback.
func (c *Component) writeSelected(data []byte) error {
	c.mu.Lock()
	p := c.selected
	c.mu.Unlock()
	if p == nil {
		return newError(ErrPseudoTCPClosed, nil)
	}
	return c.writeTo(p.Local, p.Remote.Address, data)
}

// setSelectedPair records a component's newly nominated pair, replays any
// datagrams queued before nomination, starts the keepalive timer the first
// time a pair is selected, and -- in reliable mode -- brings up the
// Pseudo-TCP engine (invariant I6).
func (c *Component) setSelectedPair(pair *checklist.Pair) {
	c.mu.Lock()
	c.selected = pair
	queued := c.pending.Drain()
	needsEngine := c.stream.agent.cfg.Reliable && c.ptcp == nil
	needsKeepalive := c.keepaliveID == 0
	c.mu.Unlock()

	if needsKeepalive {
		c.startKeepalive()
	}
	if needsEngine {
		c.startPseudoTCP()
	}
	for _, data := range queued {
		c.deliverData(data)
	}
}

// startKeepalive arms a repeating Tr timer that sends a STUN Binding
// indication on the component's current selected pair, keeping any NAT
// bindings on the path open (RFC 8445 §11, SPEC_FULL §3).
func (c *Component) startKeepalive() {
	tr := c.stream.agent.cfg.Tr
	id := c.stream.agent.wheel.Create(tr, true, c.sendKeepalive, "component-keepalive")

	c.mu.Lock()
	c.keepaliveID = id
	c.mu.Unlock()

	c.stream.agent.wheel.Start(id)
}

// sendKeepalive is the keepalive timer's callback: a Binding indication
// needs no credentials and gets no response, so a build failure or a send
// failure (e.g. the pair has since gone away) is simply logged and skipped
// until the next tick.
func (c *Component) sendKeepalive() {
	c.mu.Lock()
	pair := c.selected
	c.mu.Unlock()
	if pair == nil {
		return
	}

	msg, err := stunutil.BuildBindingIndication()
	if err != nil {
		c.stream.agent.log.Warnf("goice: build keepalive indication: %v", err)
		return
	}
	if err := c.writeTo(pair.Local, pair.Remote.Address, msg.Raw); err != nil {
		c.stream.agent.log.Debugf("goice: send keepalive: %v", err)
	}
}

// startPseudoTCP constructs and opens the component's Pseudo-TCP engine.
// conv is fixed to the component ID: RFC 8445 gives both peers the same
// component numbering already, so it doubles as the connection identifier
// without a separate negotiation.
func (c *Component) startPseudoTCP() {
	active := c.stream.agent.Controlling()
	eng := pseudotcp.New(uint32(c.id), active, c.stream.agent.lf, pseudotcp.Callbacks{
		WritePacket: c.writeSelected,
		OnReadable:  c.drainPseudoTCPReadable,
		OnWritable: func() {
			c.stream.agent.postEvent(Event{Kind: EventReliableTransportWritable, StreamID: c.stream.id, Component: c.id})
		},
	})

	id := c.stream.agent.wheel.Create(0, false, c.onPseudoTCPClock, "pseudotcp-clock")

	c.mu.Lock()
	c.ptcp = eng
	c.ptcpClockID = id
	c.mu.Unlock()

	_ = eng.Open()
	c.armPseudoTCPClock()
}

// drainPseudoTCPReadable copies every ready byte out of the Pseudo-TCP
// engine into the component's receive buffer; it is the engine's
// OnReadable callback.
func (c *Component) drainPseudoTCPReadable() {
	c.mu.Lock()
	ptcp := c.ptcp
	recvBuf := c.recvBuf
	c.mu.Unlock()
	if ptcp == nil {
		return
	}

	buf := make([]byte, readBufferSize)
	for {
		n, err := ptcp.Recv(buf)
		if err != nil {
			return
		}
		_, _ = recvBuf.WriteContext(context.Background(), buf[:n])
	}
}

// onPseudoTCPClock is the timer wheel callback driving the Pseudo-TCP
// engine's clock. It reprograms its own next fire time from
// GetNextClock, the engine's caller-driven timing contract, and tears
// itself down once the engine reports it's done.
func (c *Component) onPseudoTCPClock() {
	c.mu.Lock()
	ptcp := c.ptcp
	c.mu.Unlock()
	if ptcp == nil {
		return
	}

	ptcp.NotifyClock()

	deadline, ok := ptcp.GetNextClock()
	if !ok {
		c.mu.Lock()
		id := c.ptcpClockID
		c.ptcp = nil
		c.ptcpClockID = 0
		c.mu.Unlock()
		c.stream.agent.wheel.Destroy(id)
		return
	}

	c.mu.Lock()
	id := c.ptcpClockID
	c.mu.Unlock()
	c.stream.agent.wheel.SetNextFireTime(id, deadline)
}

func (c *Component) armPseudoTCPClock() {
	c.mu.Lock()
	ptcp := c.ptcp
	id := c.ptcpClockID
	c.mu.Unlock()
	if ptcp == nil {
		return
	}
	deadline, ok := ptcp.GetNextClock()
	if !ok {
		return
	}
	c.stream.agent.wheel.SetNextFireTime(id, deadline)
}

func (c *Component) setState(s ComponentState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// selectedPair returns the component's current selection, or nil if none
// has been nominated yet.
func (c *Component) selectedPair() (*SelectedPair, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selected == nil {
		return nil, nil
	}
	return &SelectedPair{Local: c.selected.Local, Remote: c.selected.Remote}, nil
}

// send transmits application data: through Pseudo-TCP in reliable mode,
// otherwise directly to the selected pair's remote address. It never
// blocks.
func (c *Component) send(data []byte) (int, error) {
	c.mu.Lock()
	reliable := c.stream.agent.cfg.Reliable
	ptcp := c.ptcp
	pair := c.selected
	c.mu.Unlock()

	if reliable {
		if ptcp == nil {
			return -1, newError(ErrPseudoTCPClosed, nil)
		}
		n, err := ptcp.Send(data)
		if err != nil {
			return -1, newError(ErrWouldBlock, err)
		}
		c.armPseudoTCPClock()
		return n, nil
	}

	if pair == nil {
		return -1, newError(ErrWouldBlock, nil)
	}
	if err := c.writeTo(pair.Local, pair.Remote.Address, data); err != nil {
		return -1, newError(ErrWouldBlock, err)
	}
	return len(data), nil
}

// attachRecv starts (once) a goroutine draining the component's receive
// buffer into cb, including any bytes already buffered.
func (c *Component) attachRecv(cb func([]byte)) {
	c.mu.Lock()
	if c.recvStarted {
		c.mu.Unlock()
		return
	}
	c.recvStarted = true
	recvBuf := c.recvBuf
	c.mu.Unlock()

	go func() {
		buf := make([]byte, readBufferSize)
		for {
			n, err := recvBuf.Read(buf)
			if err != nil {
				return
			}
			cb(append([]byte(nil), buf[:n]...))
		}
	}()
}

// forgetRelays releases every TURN-backed socket this component holds and
// drops their candidates from the local set (libnice's
// nice_agent_forget_relays).
func (c *Component) forgetRelays() {
	c.mu.Lock()
	conns := make([]relayConn, 0, len(c.relayConns))
	for k, rc := range c.relayConns {
		conns = append(conns, rc)
		delete(c.relayConns, k)
	}
	kept := c.locals[:0]
	for _, l := range c.locals {
		if l.Type != candidate.Relayed {
			kept = append(kept, l)
		}
	}
	c.locals = kept
	c.mu.Unlock()

	for _, rc := range conns {
		_ = rc.conn.Close()
	}
}

// resetForRestart clears everything an ICE restart must discard -- the
// selected pair, relay sockets, queued data, and any Pseudo-TCP engine --
// while keeping host sockets bound. It returns the surviving host
// candidates for the new check list.
func (c *Component) resetForRestart() []*candidate.Candidate {
	c.mu.Lock()
	c.selected = nil
	for _, rc := range c.relayConns {
		_ = rc.conn.Close()
	}
	c.relayConns = make(map[string]relayConn)

	hostOnly := make([]*candidate.Candidate, 0, len(c.hostBindingsList))
	for _, b := range c.hostBindingsList {
		hostOnly = append(hostOnly, b.Candidate)
	}
	c.locals = append([]*candidate.Candidate(nil), hostOnly...)
	c.pending = mux.NewPendingQueue(pendingQueueCapacity, pendingQueueMaxSize)

	ptcpID := c.ptcpClockID
	c.ptcp = nil
	c.ptcpClockID = 0
	keepaliveID := c.keepaliveID
	c.keepaliveID = 0
	c.mu.Unlock()

	if ptcpID != 0 {
		c.stream.agent.wheel.Destroy(ptcpID)
	}
	if keepaliveID != 0 {
		c.stream.agent.wheel.Destroy(keepaliveID)
	}

	return hostOnly
}

// close tears a component down completely, including its host sockets; only
// called on stream removal, never on restart.
func (c *Component) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	hostConns := make([]*net.UDPConn, 0, len(c.hostBindingsList))
	for _, b := range c.hostBindingsList {
		hostConns = append(hostConns, b.Conn)
	}
	relays := make([]relayConn, 0, len(c.relayConns))
	for _, rc := range c.relayConns {
		relays = append(relays, rc)
	}
	ptcpID := c.ptcpClockID
	keepaliveID := c.keepaliveID
	c.mu.Unlock()

	for _, conn := range hostConns {
		_ = conn.Close()
	}
	for _, rc := range relays {
		_ = rc.conn.Close()
	}
	if ptcpID != 0 {
		c.stream.agent.wheel.Destroy(ptcpID)
	}
	if keepaliveID != 0 {
		c.stream.agent.wheel.Destroy(keepaliveID)
	}
	_ = c.recvBuf.Close()
}
