package discovery

import (
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/stun/v3"
	"github.com/pion/turn/v4"
	"golang.org/x/sync/errgroup"

	"github.com/ardenlabs/goice/internal/candidate"
	"github.com/ardenlabs/goice/internal/stunutil"
	"github.com/ardenlabs/goice/internal/timerwheel"
)

// retryBackoff is the RFC-style 500ms/1s/2s exponential schedule a failed
// discovery entry walks through before giving up.
var retryBackoff = []time.Duration{500 * time.Millisecond, 1 * time.Second, 2 * time.Second}

// CandidateFunc receives a newly gathered non-host candidate.
type CandidateFunc func(c *candidate.Candidate)

// entry is one (host binding, server) discovery task.
type entry struct {
	host *HostBinding

	// exactly one of these is set
	stunServer string
	turnServer *TURNServerConfig
}

// TURNServerConfig names a relay server and the long-term credential used
// to authenticate against it.
type TURNServerConfig struct {
	Addr     string
	Username string
	Password string
}

// Engine drives STUN and TURN discovery for a single stream's host
// candidates, pacing entry starts at Ta and retrying each entry's request
// on the RFC backoff schedule before giving it up. Grounded on a reference
// gatherAllCandidates/Base.queryStunServer, generalized from "one STUN
// query per base" to arbitrary STUN/TURN entry lists and replacing its raw
// sync.WaitGroup fan-out with errgroup.Group.
type Engine struct {
	log logging.LeveledLogger
	ta  time.Duration

	mu          sync.Mutex
	entries     []*entry
	next        int
	started     bool
	doneOnce    sync.Once
	group       errgroup.Group
	allocations []*TurnAllocation

	wheel  *timerwheel.Wheel
	tickID timerwheel.ID

	onCandidate CandidateFunc
	onDone      func()
}

// TurnAllocation is a live TURN relay backing a Relayed candidate. The
// client library refreshes the allocation internally before its lifetime
// expires; Close releases both the allocation and the relay socket, and is
// called once forget-relays/stream-removal drops the last candidate
// referencing this server, grounded on a reference agent.c's
// NiceRelayServer refcounting.
type TurnAllocation struct {
	Candidate *candidate.Candidate
	client    *turn.Client
	relayConn net.PacketConn

	// signalConn is a dedicated local socket used only for Allocate/Refresh/
	// CreatePermission exchanges with the TURN server. It is never shared
	// with a host candidate's socket: the client library's internal read
	// loop (started by Listen) would otherwise race the orchestrator's
	// inbound dispatch loop for packets arriving on that same socket once
	// gathering finishes, since both want to be the only reader.
	signalConn *net.UDPConn
}

// Conn returns the relay socket backing this allocation: reads/writes on it
// are already de-tunneled TURN Data, safe for the orchestrator to drive
// directly once the candidate is in use.
func (a *TurnAllocation) Conn() net.PacketConn {
	return a.relayConn
}

// Close tears down the TURN client, relay socket, and dedicated signaling
// socket.
func (a *TurnAllocation) Close() error {
	err := a.relayConn.Close()
	a.client.Close()
	if cerr := a.signalConn.Close(); err == nil {
		err = cerr
	}
	return err
}

// Allocations returns every TURN allocation gathered so far, for the
// orchestrator to track and release via forget-relays.
func (e *Engine) Allocations() []*TurnAllocation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*TurnAllocation(nil), e.allocations...)
}

// NewEngine constructs a discovery engine. onCandidate is invoked (from the
// timer wheel's dispatch goroutine) for every server-reflexive or relayed
// candidate discovered; onDone fires exactly once when every entry has
// reached a terminal state.
func NewEngine(wheel *timerwheel.Wheel, loggerFactory logging.LoggerFactory, ta time.Duration, onCandidate CandidateFunc, onDone func()) *Engine {
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Engine{
		log:         loggerFactory.NewLogger("discovery"),
		ta:          ta,
		wheel:       wheel,
		onCandidate: onCandidate,
		onDone:      onDone,
	}
}

// AddSTUNServer queues a server-reflexive discovery entry for host.
func (e *Engine) AddSTUNServer(host *HostBinding, server string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append(e.entries, &entry{host: host, stunServer: server})
}

// AddTURNServer queues a relayed-candidate discovery entry for host.
func (e *Engine) AddTURNServer(host *HostBinding, server TURNServerConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append(e.entries, &entry{host: host, turnServer: &server})
}

// Start begins Ta-paced dispatch of the queued entries. Calling Start with
// no entries queued immediately signals completion.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	n := len(e.entries)
	e.mu.Unlock()

	if n == 0 {
		e.finishOnce()
		return
	}

	e.tickID = e.wheel.Create(e.ta, true, e.tick, "discovery-ta")
	e.wheel.Start(e.tickID)
}

// Stop cancels any remaining unscheduled entries. In-flight ones finish on
// their own; their results are simply discarded by the caller tearing down
// the stream.
func (e *Engine) Stop() {
	if e.tickID != 0 {
		e.wheel.Destroy(e.tickID)
	}
}

func (e *Engine) tick() {
	e.mu.Lock()
	if e.next >= len(e.entries) {
		e.mu.Unlock()
		return
	}
	ent := e.entries[e.next]
	e.next++
	allDispatched := e.next >= len(e.entries)
	e.mu.Unlock()

	e.group.Go(func() error {
		e.run(ent)
		return nil
	})

	if allDispatched {
		e.wheel.Destroy(e.tickID)
		go func() {
			e.group.Wait() // nolint:errcheck -- run() never returns an error, only logs
			e.finishOnce()
		}()
	}
}

func (e *Engine) run(ent *entry) {
	if ent.stunServer != "" {
		e.runSTUN(ent)
	} else {
		e.runTURN(ent)
	}
}

func (e *Engine) finishOnce() {
	e.doneOnce.Do(func() {
		if e.onDone != nil {
			e.onDone()
		}
	})
}

// runSTUN sends a Binding request to ent.stunServer from ent.host's socket,
// retrying on the RFC backoff schedule, and emits a ServerReflexive
// candidate on success.
func (e *Engine) runSTUN(ent *entry) {
	serverAddr, err := net.ResolveUDPAddr("udp", ent.stunServer)
	if err != nil {
		e.log.Warnf("discovery: resolve STUN server %s: %v", ent.stunServer, err)
		return
	}

	req, err := stunutil.BuildDiscoveryBindingRequest()
	if err != nil {
		e.log.Warnf("discovery: build binding request: %v", err)
		return
	}

	mapped, err := e.sendWithRetry(ent.host.Conn, req, serverAddr)
	if err != nil {
		e.log.Debugf("discovery: srflx gathering failed for %s via %s: %v", ent.host.Candidate.Address, ent.stunServer, err)
		return
	}

	if mapped.IP.Equal(ent.host.Candidate.Address.IP) && mapped.Port == ent.host.Candidate.Address.Port {
		// Server-reflexive address identical to the base: redundant, drop it.
		return
	}

	c := candidate.NewServerReflexive(ent.host.Candidate.Component, mapped, ent.host.Candidate.Address, ent.stunServer)
	if e.onCandidate != nil {
		e.onCandidate(c)
	}
}

// sendWithRetry sends req to addr over conn, retransmitting on
// retryBackoff until a response with a matching transaction ID arrives or
// the schedule is exhausted.
func (e *Engine) sendWithRetry(conn *net.UDPConn, req *stun.Message, addr *net.UDPAddr) (*net.UDPAddr, error) {
	buf := make([]byte, 1500)

	for attempt := 0; attempt < len(retryBackoff); attempt++ {
		if _, err := conn.WriteToUDP(req.Raw, addr); err != nil {
			return nil, err
		}

		timeout := retryBackoff[attempt]
		conn.SetReadDeadline(time.Now().Add(timeout))

		for {
			n, raddr, err := conn.ReadFromUDP(buf)
			if err != nil {
				break // deadline exceeded, fall through to retry
			}
			if raddr.String() != addr.String() {
				continue
			}
			resp, err := stunutil.Decode(buf[:n])
			if err != nil || resp.TransactionID != req.TransactionID {
				continue
			}
			if !stunutil.IsSuccessResponse(resp) {
				code, _ := stunutil.GetErrorCode(resp)
				return nil, errorCodeErr(code)
			}
			return stunutil.GetXORMappedAddress(resp)
		}
	}
	return nil, errGatherTimeout
}

// runTURN runs the Allocate exchange (including the 401 challenge/realm/
// nonce flow, handled internally by pion/turn's client) and emits a
// Relayed candidate. Refreshing the allocation is left to the client
// library; runTURN schedules no Refresh of its own.
func (e *Engine) runTURN(ent *entry) {
	cfg := ent.turnServer

	signalConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ent.host.Candidate.Address.IP})
	if err != nil {
		e.log.Warnf("discovery: open TURN signaling socket for %s: %v", cfg.Addr, err)
		return
	}

	client, err := turn.NewClient(&turn.ClientConfig{
		STUNServerAddr: cfg.Addr,
		TURNServerAddr: cfg.Addr,
		Conn:           signalConn,
		Username:       cfg.Username,
		Password:       cfg.Password,
		LoggerFactory:  loggerFactoryOf(e.log),
	})
	if err != nil {
		e.log.Warnf("discovery: create TURN client for %s: %v", cfg.Addr, err)
		signalConn.Close()
		return
	}

	if err := client.Listen(); err != nil {
		e.log.Warnf("discovery: TURN client listen %s: %v", cfg.Addr, err)
		client.Close()
		signalConn.Close()
		return
	}

	relayConn, err := client.Allocate()
	if err != nil {
		e.log.Debugf("discovery: relay gathering failed via %s: %v", cfg.Addr, err)
		client.Close()
		signalConn.Close()
		return
	}

	relayAddr, ok := relayConn.LocalAddr().(*net.UDPAddr)
	if !ok {
		relayAddr, _ = net.ResolveUDPAddr("udp", relayConn.LocalAddr().String())
	}

	c := candidate.NewRelayed(ent.host.Candidate.Component, relayAddr, ent.host.Candidate.Address, cfg.Addr, cfg.Username, cfg.Password)

	e.mu.Lock()
	e.allocations = append(e.allocations, &TurnAllocation{Candidate: c, client: client, relayConn: relayConn, signalConn: signalConn})
	e.mu.Unlock()

	if e.onCandidate != nil {
		e.onCandidate(c)
	}
}

// loggerFactoryOf wraps an existing leveled logger as a LoggerFactory so
// it can be threaded into pion/turn's client, which wants its own factory
// rather than a single logger.
type singleLoggerFactory struct{ logger logging.LeveledLogger }

func (f singleLoggerFactory) NewLogger(string) logging.LeveledLogger { return f.logger }

func loggerFactoryOf(l logging.LeveledLogger) logging.LoggerFactory {
	return singleLoggerFactory{logger: l}
}

func errorCodeErr(code stun.ErrorCode) error {
	return &stunErrorResponse{code: code}
}

type stunErrorResponse struct{ code stun.ErrorCode }

func (e *stunErrorResponse) Error() string {
	return "discovery: STUN error response " + e.code.String()
}

