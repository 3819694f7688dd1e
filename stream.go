package goice

import (
	"crypto/rand"
	"encoding/base64"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/ardenlabs/goice/internal/candidate"
	"github.com/ardenlabs/goice/internal/checklist"
	"github.com/ardenlabs/goice/internal/discovery"
)

// ufragLen/pwdLen are the generated credential lengths in base64
// characters: 8 (48 bits) for ufrag and 24 (144 bits) for password, above
// the RFC 8445 §15.4 minimums of 24 and 128 bits.
const (
	ufragLen = 8
	pwdLen   = 24
)

// Stream is one ICE media stream: a set of components sharing local/remote
// credentials and a single Connectivity-Check Engine (data model §3).
// Grounded on a reference per-stream gathering/checklist bookkeeping,
// generalized here into its own type instead of fields inlined on Agent.
type Stream struct {
	id    string
	agent *Agent

	mu          sync.Mutex
	localUfrag  string
	localPwd    string
	remoteUfrag string
	remotePwd   string
	tos         byte
	portMin     uint16
	portMax     uint16
	maxPairs    int
	gathering   bool
	closed      bool

	components map[int]*Component

	checklistEngine *checklist.Engine
	discoveryEngine *discovery.Engine

	initialRequestOnce sync.Once
}

// noteInitialBindingRequest fires EventInitialBindingRequestReceived the
// first time any component of this stream receives an inbound connectivity
// check, regardless of which component it arrived on.
func (s *Stream) noteInitialBindingRequest() {
	s.initialRequestOnce.Do(func() {
		s.agent.postEvent(Event{Kind: EventInitialBindingRequestReceived, StreamID: s.id})
	})
}

func newStream(a *Agent, nComponents int, portMin, portMax uint16, maxPairs int) (*Stream, error) {
	if nComponents < 1 {
		return nil, newError(ErrInvalidHandle, nil)
	}

	ufrag, err := randomCredential(ufragLen)
	if err != nil {
		return nil, newError(ErrSocketCreationFailed, err)
	}
	pwd, err := randomCredential(pwdLen)
	if err != nil {
		return nil, newError(ErrSocketCreationFailed, err)
	}

	s := &Stream{
		id:         uuid.New().String(),
		agent:      a,
		localUfrag: ufrag,
		localPwd:   pwd,
		portMin:    portMin,
		portMax:    portMax,
		maxPairs:   maxPairs,
		components: make(map[int]*Component),
	}
	for i := 1; i <= nComponents; i++ {
		s.components[i] = newComponent(s, i)
	}

	s.checklistEngine = checklist.New(a.wheel, a.lf, a.cfg.Ta, a, s.sendCheck, checklist.Callbacks{
		OnPeerReflexiveCandidate:       s.onPeerReflexiveLocalCandidate,
		OnPeerReflexiveRemoteCandidate: s.onPeerReflexiveRemoteCandidate,
		OnSelectedPair:                 s.onSelectedPair,
		OnComponentState:               s.onComponentState,
	})
	s.checklistEngine.SetLocalCredentials(ufrag, pwd)
	s.checklistEngine.SetMaxPairs(maxPairs)

	s.discoveryEngine = discovery.NewEngine(a.wheel, a.lf, a.cfg.Ta, s.onDiscoveredCandidate, s.onGatherDone)

	return s, nil
}

// randomCredential returns a URL-safe base64 string of exactly n characters.
func randomCredential(n int) (string, error) {
	raw := make([]byte, (n*6+7)/8)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	s := base64.RawURLEncoding.EncodeToString(raw)
	if len(s) < n {
		return s, nil
	}
	return s[:n], nil
}

func (s *Stream) component(id int) (*Component, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.components[id]
	if !ok {
		return nil, newError(ErrUnknownComponent, nil)
	}
	return c, nil
}

// gather enumerates host candidates for every component and queues
// STUN/TURN discovery entries, starting the discovery engine. Idempotent.
func (s *Stream) gather(stunServers []string, turnServers []discovery.TURNServerConfig) error {
	s.mu.Lock()
	if s.gathering {
		s.mu.Unlock()
		return nil
	}
	s.gathering = true
	portMin, portMax := s.portMin, s.portMax
	includeIPv6 := s.agent.cfg.IncludeIPv6
	comps := make([]*Component, 0, len(s.components))
	for _, c := range s.components {
		comps = append(comps, c)
	}
	s.mu.Unlock()

	for _, c := range comps {
		bindings, err := discovery.GatherHostCandidates(c.id, portMin, portMax, includeIPv6)
		if err != nil {
			s.onComponentState(c.id, ComponentFailed)
			return newError(ErrSocketCreationFailed, err)
		}

		for _, b := range bindings {
			c.addHostBinding(b)
			s.checklistEngine.AddLocalCandidate(b.Candidate)
			s.postNewCandidate(c.id, b.Candidate)

			for _, srv := range stunServers {
				s.discoveryEngine.AddSTUNServer(b, srv)
			}
			for _, turnCfg := range turnServers {
				s.discoveryEngine.AddTURNServer(b, turnCfg)
			}
		}
		s.onComponentState(c.id, Gathering)
	}

	s.discoveryEngine.Start()
	return nil
}

func (s *Stream) onDiscoveredCandidate(c *candidate.Candidate) {
	comp, err := s.component(c.Component)
	if err != nil {
		return
	}
	comp.addLocalCandidate(c)
	if c.Type == candidate.Relayed {
		if alloc := findAllocation(s.discoveryEngine, c); alloc != nil {
			comp.addRelaySocket(c, alloc.Conn())
		}
	}
	s.checklistEngine.AddLocalCandidate(c)
	s.postNewCandidate(c.Component, c)
}

func findAllocation(eng *discovery.Engine, c *candidate.Candidate) *discovery.TurnAllocation {
	for _, a := range eng.Allocations() {
		if a.Candidate == c {
			return a
		}
	}
	return nil
}

func (s *Stream) onGatherDone() {
	s.mu.Lock()
	comps := make([]*Component, 0, len(s.components))
	for _, c := range s.components {
		comps = append(comps, c)
	}
	s.mu.Unlock()

	for _, c := range comps {
		c.startHostReadLoops()
	}

	s.agent.postEvent(Event{Kind: EventCandidateGatheringDone, StreamID: s.id})
}

func (s *Stream) postNewCandidate(component int, c *candidate.Candidate) {
	s.agent.postEvent(Event{Kind: EventNewCandidate, StreamID: s.id, Component: component, Foundation: c.Foundation})
	s.agent.postEvent(Event{Kind: EventNewCandidateFull, StreamID: s.id, Component: component, Candidate: c})
}

func (s *Stream) onPeerReflexiveLocalCandidate(c *candidate.Candidate) {
	if comp, err := s.component(c.Component); err == nil {
		comp.addLocalCandidate(c)
	}
	s.postNewCandidate(c.Component, c)
}

func (s *Stream) onPeerReflexiveRemoteCandidate(c *candidate.Candidate) {
	s.agent.postEvent(Event{Kind: EventNewRemoteCandidate, StreamID: s.id, Component: c.Component, Candidate: c})
}

func (s *Stream) onSelectedPair(component int, pair *checklist.Pair) {
	comp, err := s.component(component)
	if err != nil {
		return
	}
	comp.setSelectedPair(pair)

	s.agent.postEvent(Event{Kind: EventNewSelectedPair, StreamID: s.id, Component: component, Foundation: pair.Foundation})
	s.agent.postEvent(Event{Kind: EventNewSelectedPairFull, StreamID: s.id, Component: component, Pair: &SelectedPair{Local: pair.Local, Remote: pair.Remote}})
}

func (s *Stream) onComponentState(component int, state checklist.ComponentState) {
	if comp, err := s.component(component); err == nil {
		comp.setState(ComponentState(state))
	}
	s.agent.postEvent(Event{Kind: EventComponentStateChanged, StreamID: s.id, Component: component, State: ComponentState(state)})
}

// sendCheck implements checklist.SendFunc, routing an outbound STUN message
// through whichever component owns local.
func (s *Stream) sendCheck(local *candidate.Candidate, remote *net.UDPAddr, data []byte) error {
	comp, err := s.component(local.Component)
	if err != nil {
		return err
	}
	return comp.writeTo(local, remote, data)
}

func (s *Stream) localCandidates(component int) ([]*Candidate, error) {
	c, err := s.component(component)
	if err != nil {
		return nil, err
	}
	return c.localCandidates(), nil
}

func (s *Stream) localCredentials() (ufrag, pwd string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localUfrag, s.localPwd
}

func (s *Stream) setRemoteCredentials(ufrag, pwd string) {
	s.mu.Lock()
	s.remoteUfrag, s.remotePwd = ufrag, pwd
	s.mu.Unlock()
	s.checklistEngine.SetRemoteCredentials(ufrag, pwd)
}

func (s *Stream) addRemoteCandidates(cands []*candidate.Candidate) {
	s.checklistEngine.AddRemoteCandidates(cands)
}

func (s *Stream) forceSelect(component int, local, remote *candidate.Candidate) error {
	if _, err := s.component(component); err != nil {
		return err
	}
	s.checklistEngine.ForceSelect(local, remote)
	return nil
}

func (s *Stream) forceSelectRemote(component int, remote *candidate.Candidate) error {
	if _, err := s.component(component); err != nil {
		return err
	}
	if _, err := s.checklistEngine.ForceSelectRemote(component, remote); err != nil {
		return newError(ErrRedundantCandidate, err)
	}
	return nil
}

func (s *Stream) selectedPair(component int) (*SelectedPair, error) {
	c, err := s.component(component)
	if err != nil {
		return nil, err
	}
	return c.selectedPair()
}

func (s *Stream) send(component int, data []byte) (int, error) {
	c, err := s.component(component)
	if err != nil {
		return -1, err
	}
	return c.send(data)
}

func (s *Stream) attachRecv(component int, cb func([]byte)) error {
	c, err := s.component(component)
	if err != nil {
		return err
	}
	c.attachRecv(cb)
	return nil
}

func (s *Stream) forgetRelays() {
	s.mu.Lock()
	comps := make([]*Component, 0, len(s.components))
	for _, c := range s.components {
		comps = append(comps, c)
	}
	s.mu.Unlock()
	for _, c := range comps {
		c.forgetRelays()
	}
}

// restart regenerates credentials, resets the check list, and re-triggers
// server-reflexive/relayed discovery while reusing already-bound host
// candidate sockets (SPEC_FULL §3).
func (s *Stream) restart(stunServers []string, turnServers []discovery.TURNServerConfig) error {
	ufrag, err := randomCredential(ufragLen)
	if err != nil {
		return newError(ErrSocketCreationFailed, err)
	}
	pwd, err := randomCredential(pwdLen)
	if err != nil {
		return newError(ErrSocketCreationFailed, err)
	}

	s.mu.Lock()
	s.localUfrag, s.localPwd = ufrag, pwd
	s.remoteUfrag, s.remotePwd = "", ""
	s.gathering = false
	maxPairs := s.maxPairs
	comps := make([]*Component, 0, len(s.components))
	for _, c := range s.components {
		comps = append(comps, c)
	}
	s.mu.Unlock()

	s.checklistEngine.Close()
	s.checklistEngine = checklist.New(s.agent.wheel, s.agent.lf, s.agent.cfg.Ta, s.agent, s.sendCheck, checklist.Callbacks{
		OnPeerReflexiveCandidate:       s.onPeerReflexiveLocalCandidate,
		OnPeerReflexiveRemoteCandidate: s.onPeerReflexiveRemoteCandidate,
		OnSelectedPair:                 s.onSelectedPair,
		OnComponentState:               s.onComponentState,
	})
	s.checklistEngine.SetLocalCredentials(ufrag, pwd)
	s.checklistEngine.SetMaxPairs(maxPairs)

	s.discoveryEngine.Stop()
	s.discoveryEngine = discovery.NewEngine(s.agent.wheel, s.agent.lf, s.agent.cfg.Ta, s.onDiscoveredCandidate, s.onGatherDone)

	for _, c := range comps {
		for _, hostCand := range c.resetForRestart() {
			s.checklistEngine.AddLocalCandidate(hostCand)
		}
	}

	return s.gatherReusingSockets(stunServers, turnServers)
}

// gatherReusingSockets re-queues STUN/TURN discovery against each
// component's already-bound host sockets, without rebinding them.
func (s *Stream) gatherReusingSockets(stunServers []string, turnServers []discovery.TURNServerConfig) error {
	s.mu.Lock()
	s.gathering = true
	comps := make([]*Component, 0, len(s.components))
	for _, c := range s.components {
		comps = append(comps, c)
	}
	s.mu.Unlock()

	for _, c := range comps {
		for _, b := range c.hostBindings() {
			for _, srv := range stunServers {
				s.discoveryEngine.AddSTUNServer(b, srv)
			}
			for _, turnCfg := range turnServers {
				s.discoveryEngine.AddTURNServer(b, turnCfg)
			}
		}
		s.onComponentState(c.id, Gathering)
	}
	s.discoveryEngine.Start()
	return nil
}

func (s *Stream) setTos(tos byte) {
	s.mu.Lock()
	s.tos = tos
	s.mu.Unlock()
}

func (s *Stream) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	comps := make([]*Component, 0, len(s.components))
	for _, c := range s.components {
		comps = append(comps, c)
	}
	s.mu.Unlock()

	s.discoveryEngine.Stop()
	s.checklistEngine.Close()
	for _, c := range comps {
		c.close()
	}
}
