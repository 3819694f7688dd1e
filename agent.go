package goice

import (
	"crypto/rand"
	"encoding/binary"
	"strings"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/ardenlabs/goice/internal/config"
	"github.com/ardenlabs/goice/internal/discovery"
	"github.com/ardenlabs/goice/internal/timerwheel"
)

// defaultTa is the minimum interval between connectivity-check
// transmissions (data model §3, glossary).
const defaultTa = 20 * time.Millisecond

// defaultTr is the interval between STUN Binding Indication keepalives sent
// on a component's selected pair (§3 of SPEC_FULL).
const defaultTr = 15 * time.Second

// defaultMaxBindingRequests is the agent essential named "max connectivity
// checks" in the data model: the cap on simultaneous pairs a stream's check
// list may carry.
const defaultMaxBindingRequests = 100

// AgentConfig configures a new Agent via a plain options struct rather than
// functional options.
type AgentConfig struct {
	// Urls lists STUN/TURN server URLs ("stun:host:port", "turn:host:port").
	// Every host candidate queries every stun: URL for a server-reflexive
	// candidate and allocates against every turn: URL for a relayed one.
	Urls []string

	// Username/Credential are the long-term-credential pair used to
	// authenticate against every turn: URL in Urls.
	Username   string
	Credential string

	// PortMin/PortMax bound the local port range host candidates are bound
	// from. Zero/zero lets the OS pick ephemeral ports.
	PortMin, PortMax uint16

	// MaxBindingRequests caps the number of simultaneous connectivity-check
	// pairs a stream's check list may hold (data model §3). Zero means the
	// default of 100; a negative value means unbounded.
	MaxBindingRequests int

	// InsecureSkipVerify would relax TLS verification for a turns: relay.
	// No TURNS transport is wired yet (only UDP TURN, see DESIGN.md), so
	// this field is currently inert; it is kept on AgentConfig so adding
	// TURNS support later doesn't change the public API.
	InsecureSkipVerify bool

	// Controlling is this agent's initial controlling/controlled role. Role
	// may still flip at runtime via tie-breaker arbitration (RFC 8445
	// §7.3.1.1).
	Controlling bool

	// Reliable enables the Pseudo-TCP layer: a component gets a Pseudo-TCP
	// socket once it first has a selected pair (invariant I6).
	Reliable bool

	// IncludeIPv6 enables IPv6 host candidate gathering. NewAgent does not
	// consult the config package's -6/--ipv6 flag; false means IPv4 only.
	IncludeIPv6 bool

	// Ta is the minimum interval between connectivity-check transmissions.
	// Zero means the default of 20ms.
	Ta time.Duration

	// Tr is the interval between keepalive Binding Indications on a
	// selected pair. Zero means the default of 15s.
	Tr time.Duration

	// LoggerFactory derives named loggers for the agent and every internal
	// engine. Nil uses config.LoggerFactory(), the TRACE-env-var-driven
	// factory the rest of the module already depends on.
	LoggerFactory logging.LoggerFactory
}

// recvCallback is the function registered via AttachRecv.
type recvCallback func(data []byte)

// Agent is the ICE agent orchestrator: it owns every Stream, binds the
// Discovery, Connectivity-Check, and Pseudo-TCP engines together behind one
// coarse lock, and exposes a typed event channel (§4.6, §5).
type Agent struct {
	log   logging.LeveledLogger
	lf    logging.LoggerFactory
	wheel *timerwheel.Wheel

	cfg AgentConfig

	mu          sync.Mutex
	controlling bool
	tieBreaker  uint64
	portMin     uint16
	portMax     uint16
	maxPairs    int
	streams     map[string]*Stream
	turnServers []discovery.TURNServerConfig
	stunServers []string
	closed      bool

	events chan Event
}

// NewAgent constructs an Agent and starts its timer wheel. Close tears both
// down.
func NewAgent(cfg AgentConfig) (*Agent, error) {
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = config.LoggerFactory()
	}
	if cfg.Ta <= 0 {
		cfg.Ta = defaultTa
	}
	if cfg.Tr <= 0 {
		cfg.Tr = defaultTr
	}
	maxPairs := cfg.MaxBindingRequests
	switch {
	case maxPairs == 0:
		maxPairs = defaultMaxBindingRequests
	case maxPairs < 0:
		maxPairs = 0
	}

	log := cfg.LoggerFactory.NewLogger("ice")
	wheel := timerwheel.New(cfg.LoggerFactory.NewLogger("timerwheel"))
	go wheel.Run()

	tb, err := randomTieBreaker()
	if err != nil {
		wheel.Close()
		return nil, newError(ErrSocketCreationFailed, err)
	}

	a := &Agent{
		log:         log,
		lf:          cfg.LoggerFactory,
		wheel:       wheel,
		cfg:         cfg,
		controlling: cfg.Controlling,
		tieBreaker:  tb,
		portMin:     cfg.PortMin,
		portMax:     cfg.PortMax,
		maxPairs:    maxPairs,
		streams:     make(map[string]*Stream),
		events:      make(chan Event, eventQueueSize),
	}
	a.stunServers, a.turnServers = splitURLs(cfg.Urls, cfg.Username, cfg.Credential)
	return a, nil
}

// splitURLs separates stun:/turn: URLs into discovery-ready forms,
// discarding the scheme discovery.Engine doesn't itself need.
func splitURLs(urls []string, username, credential string) (stun []string, turn []discovery.TURNServerConfig) {
	for _, u := range urls {
		switch {
		case strings.HasPrefix(u, "stun:"):
			stun = append(stun, strings.TrimPrefix(u, "stun:"))
		case strings.HasPrefix(u, "turn:"):
			turn = append(turn, discovery.TURNServerConfig{
				Addr:     strings.TrimPrefix(u, "turn:"),
				Username: username,
				Password: credential,
			})
		}
	}
	return stun, turn
}

func randomTieBreaker() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// Controlling implements checklist.RoleProvider.
func (a *Agent) Controlling() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.controlling
}

// TieBreaker implements checklist.RoleProvider.
func (a *Agent) TieBreaker() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tieBreaker
}

// SwitchRole implements checklist.RoleProvider, flipping controlling state
// on a 487 role conflict (RFC 8445 §7.3.1.1).
func (a *Agent) SwitchRole() {
	a.mu.Lock()
	a.controlling = !a.controlling
	controlling := a.controlling
	a.mu.Unlock()
	a.log.Debugf("goice: role switched, controlling=%v", controlling)
}

// SetPortRange sets the local UDP port range that streams added after this
// call bind their host sockets from. Streams that already exist keep the
// range they were created with, whether or not they have gathered yet.
func (a *Agent) SetPortRange(min, max uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.portMin, a.portMax = min, max
}

// AddStream allocates a Stream with nComponents components and random local
// ufrag/password (data model §3, §4.6).
func (a *Agent) AddStream(nComponents int) (string, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return "", newError(ErrInvalidHandle, nil)
	}
	portMin, portMax, maxPairs := a.portMin, a.portMax, a.maxPairs
	a.mu.Unlock()

	s, err := newStream(a, nComponents, portMin, portMax, maxPairs)
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	a.streams[s.id] = s
	a.mu.Unlock()
	return s.id, nil
}

// RemoveStream tears down a stream: cancels its timers, closes its
// Pseudo-TCP sockets and sockets, and releases any TURN allocations it
// holds (§5 "Cancellation").
func (a *Agent) RemoveStream(streamID string) error {
	a.mu.Lock()
	s, ok := a.streams[streamID]
	if !ok {
		a.mu.Unlock()
		return newError(ErrUnknownStream, nil)
	}
	delete(a.streams, streamID)
	a.mu.Unlock()

	s.close()
	return nil
}

func (a *Agent) stream(streamID string) (*Stream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.streams[streamID]
	if !ok {
		return nil, newError(ErrUnknownStream, nil)
	}
	return s, nil
}

// GatherCandidates begins host/server-reflexive/relayed candidate discovery
// for every component of streamID. It is idempotent: calling it twice on an
// already-gathering (or already-gathered) stream is a no-op returning nil
// (§8 "Idempotent gather").
func (a *Agent) GatherCandidates(streamID string) error {
	s, err := a.stream(streamID)
	if err != nil {
		return err
	}
	return s.gather(a.stunServers, a.turnServers)
}

// GetLocalCandidates returns the local candidates gathered so far for one
// component of a stream.
func (a *Agent) GetLocalCandidates(streamID string, component int) ([]*Candidate, error) {
	s, err := a.stream(streamID)
	if err != nil {
		return nil, err
	}
	return s.localCandidates(component)
}

// GetLocalCredentials returns a stream's local ufrag/password.
func (a *Agent) GetLocalCredentials(streamID string) (ufrag, pwd string, err error) {
	s, err := a.stream(streamID)
	if err != nil {
		return "", "", err
	}
	u, p := s.localCredentials()
	return u, p, nil
}

// SetRemoteCredentials records the peer's ufrag/password for a stream.
func (a *Agent) SetRemoteCredentials(streamID, ufrag, pwd string) error {
	s, err := a.stream(streamID)
	if err != nil {
		return err
	}
	s.setRemoteCredentials(ufrag, pwd)
	return nil
}

// SetRemoteCandidates feeds remote candidates (from signaling or trickle)
// into a stream's Connectivity-Check Engine, building the check list and
// starting the Ta-paced check timer on first call.
func (a *Agent) SetRemoteCandidates(streamID string, cands []*Candidate) error {
	s, err := a.stream(streamID)
	if err != nil {
		return err
	}
	s.addRemoteCandidates(cands)
	return nil
}

// SetSelectedPair manually designates local/remote as a component's
// selected pair, bypassing ordinary nomination.
func (a *Agent) SetSelectedPair(streamID string, component int, local, remote *Candidate) error {
	s, err := a.stream(streamID)
	if err != nil {
		return err
	}
	return s.forceSelect(component, local, remote)
}

// SetSelectedRemoteCandidate nominates the best already-valid pair whose
// remote candidate is remote, leaving the local candidate to whichever pair
// already proved viable.
func (a *Agent) SetSelectedRemoteCandidate(streamID string, component int, remote *Candidate) error {
	s, err := a.stream(streamID)
	if err != nil {
		return err
	}
	return s.forceSelectRemote(component, remote)
}

// GetSelectedPair returns a component's currently nominated pair, if any.
func (a *Agent) GetSelectedPair(streamID string, component int) (*SelectedPair, error) {
	s, err := a.stream(streamID)
	if err != nil {
		return nil, err
	}
	return s.selectedPair(component)
}

// Send transmits bytes on a component: through Pseudo-TCP if the agent is
// in reliable mode, otherwise directly on the selected local socket to the
// selected remote address. It never blocks, returning ErrWouldBlock (with
// n=-1) if the underlying transport can't accept the write right now.
func (a *Agent) Send(streamID string, component int, data []byte) (int, error) {
	s, err := a.stream(streamID)
	if err != nil {
		return -1, err
	}
	return s.send(component, data)
}

// AttachRecv registers cb to receive application data arriving on a
// component (datagrams in non-reliable mode, Pseudo-TCP stream bytes in
// reliable mode), including any datagrams already buffered before a
// selected pair existed.
func (a *Agent) AttachRecv(streamID string, component int, cb func(data []byte)) error {
	s, err := a.stream(streamID)
	if err != nil {
		return err
	}
	return s.attachRecv(component, cb)
}

// ForgetRelays releases every TURN allocation across every stream of the
// agent, regardless of whether their relayed candidates are still
// referenced by a check pair (libnice's nice_agent_forget_relays).
func (a *Agent) ForgetRelays() {
	a.mu.Lock()
	streams := make([]*Stream, 0, len(a.streams))
	for _, s := range a.streams {
		streams = append(streams, s)
	}
	a.mu.Unlock()

	for _, s := range streams {
		s.forgetRelays()
	}
}

// Restart restarts every stream: new ufrag/password, a reset check list,
// and re-triggered server-reflexive/relayed discovery, while reusing
// already-bound host candidate sockets.
func (a *Agent) Restart() error {
	a.mu.Lock()
	streams := make([]*Stream, 0, len(a.streams))
	for _, s := range a.streams {
		streams = append(streams, s)
	}
	stun, turn := a.stunServers, a.turnServers
	a.mu.Unlock()

	for _, s := range streams {
		if err := s.restart(stun, turn); err != nil {
			return err
		}
	}
	return nil
}

// RestartStream restarts a single stream.
func (a *Agent) RestartStream(streamID string) error {
	s, err := a.stream(streamID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	stun, turn := a.stunServers, a.turnServers
	a.mu.Unlock()
	return s.restart(stun, turn)
}

// SetStreamTos records the DSCP/TOS marking a stream's future outbound
// packets should carry. Applying it to the underlying sockets is raw
// socket I/O, out of this module's scope (spec.md §1); SetStreamTos only
// stores the value on the stream, and nothing in the module reads it back.
func (a *Agent) SetStreamTos(streamID string, tos byte) error {
	s, err := a.stream(streamID)
	if err != nil {
		return err
	}
	s.setTos(tos)
	return nil
}

// Close tears down every stream and stops the agent's timer wheel.
func (a *Agent) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	streams := make([]*Stream, 0, len(a.streams))
	for id, s := range a.streams {
		streams = append(streams, s)
		delete(a.streams, id)
	}
	a.mu.Unlock()

	for _, s := range streams {
		s.close()
	}
	a.wheel.Close()
	close(a.events)
}
