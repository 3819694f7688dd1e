package checklist

import (
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/stun/v3"

	"github.com/ardenlabs/goice/internal/candidate"
	"github.com/ardenlabs/goice/internal/stunutil"
	"github.com/ardenlabs/goice/internal/timerwheel"
)

// ComponentState is a component's position in its lifecycle
// (data model §3: Disconnected -> Gathering -> Connecting -> Connected ->
// Ready, or Failed).
type ComponentState int

const (
	Disconnected ComponentState = iota
	Gathering
	Connecting
	Connected
	Ready
	ComponentFailed
)

// maxRetransmits is RFC 8445 §14.3's Rc: a check is abandoned after this
// many retransmissions with no response.
const maxRetransmits = 7

// RoleProvider exposes the agent-wide controlling/controlled role and
// tie-breaker to the engine, and lets it flip the role on conflict (RFC
// 8445 §7.3.1.1). It is implemented by the orchestrator's Agent, since role
// is shared across every stream, not owned by a single checklist.
type RoleProvider interface {
	Controlling() bool
	TieBreaker() uint64
	SwitchRole()
}

// SendFunc transmits an already-built STUN message from a local candidate's
// socket to a remote address. The orchestrator supplies this, since it owns
// the underlying net.UDPConn per local candidate.
type SendFunc func(local *candidate.Candidate, remote *net.UDPAddr, data []byte) error

// Callbacks receives the engine's externally-visible events. Each is called
// without the engine's internal lock held, so a callback may call back into
// the engine; callers repost to the event channel without blocking.
type Callbacks struct {
	OnPeerReflexiveCandidate func(c *candidate.Candidate)

	// OnPeerReflexiveRemoteCandidate fires when an inbound Binding request
	// arrives from a source address not matching any known remote
	// candidate (RFC 8445 §7.3.1.3), admitting a remote peer-reflexive
	// candidate. Separate from OnPeerReflexiveCandidate, which only ever
	// reports a local discovery (our own reflexive address as seen in a
	// response's XOR-MAPPED-ADDRESS).
	OnPeerReflexiveRemoteCandidate func(c *candidate.Candidate)

	OnSelectedPair   func(component int, pair *Pair)
	OnComponentState func(component int, state ComponentState)
}

// Engine is the per-stream Connectivity-Check Engine.
type Engine struct {
	log  logging.LeveledLogger
	ta   time.Duration
	role RoleProvider
	send SendFunc
	cb   Callbacks

	wheel  *timerwheel.Wheel
	tickID timerwheel.ID

	mu             sync.Mutex
	localUfrag     string
	localPwd       string
	remoteUfrag    string
	remotePwd      string
	locals         []*candidate.Candidate
	remotes        []*candidate.Candidate
	pairs          []*Pair
	nextPairID     int
	triggeredQueue []*Pair
	nextToCheck    int
	components     map[int]*componentEntry
	started        bool
	maxPairs       int
}

type componentEntry struct {
	state    ComponentState
	selected *Pair
}

// New constructs a Connectivity-Check Engine for one stream.
func New(wheel *timerwheel.Wheel, loggerFactory logging.LoggerFactory, ta time.Duration, role RoleProvider, send SendFunc, cb Callbacks) *Engine {
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Engine{
		log:        loggerFactory.NewLogger("checklist"),
		ta:         ta,
		role:       role,
		send:       send,
		cb:         cb,
		wheel:      wheel,
		components: make(map[int]*componentEntry),
	}
}

// SetMaxPairs caps the total number of pairs this stream's check list may
// hold at once (the agent's "max connectivity checks" setting, data model
// §3). 0 (the default) leaves the list unbounded. Once the cap is exceeded,
// the lowest-priority Frozen pairs (new or old) are dropped to make room;
// Waiting, in-flight and resolved pairs are never culled.
func (e *Engine) SetMaxPairs(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maxPairs = n
}

// SetLocalCredentials records this stream's local ufrag/password, used to
// authenticate inbound requests and as the USERNAME suffix in outbound ones.
func (e *Engine) SetLocalCredentials(ufrag, pwd string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.localUfrag, e.localPwd = ufrag, pwd
}

// SetRemoteCredentials records the remote peer's ufrag/password, supplied via
// set-remote-credentials before (or alongside) set-remote-candidates.
func (e *Engine) SetRemoteCredentials(ufrag, pwd string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.remoteUfrag, e.remotePwd = ufrag, pwd
}

// AddLocalCandidate registers a newly gathered local candidate and pairs it
// with every known remote candidate of the same component.
func (e *Engine) AddLocalCandidate(c *candidate.Candidate) {
	e.mu.Lock()
	e.locals = append(e.locals, c)
	e.componentFor(c.Component)
	e.addPairsLocked([]*candidate.Candidate{c}, e.remotes)
	e.mu.Unlock()
}

// AddRemoteCandidates registers remote candidates (from set-remote-candidates
// or trickle), pairs them with every known local candidate, and -- on first
// call -- builds the check list and starts the Ta-paced check timer.
func (e *Engine) AddRemoteCandidates(cs []*candidate.Candidate) {
	e.mu.Lock()
	e.remotes = append(e.remotes, cs...)
	for _, c := range cs {
		e.componentFor(c.Component)
	}
	e.addPairsLocked(e.locals, cs)
	start := !e.started
	e.started = true
	e.mu.Unlock()

	if start {
		e.tickID = e.wheel.Create(e.ta, true, e.tick, "checklist-ta")
		e.wheel.Start(e.tickID)
	}
}

func (e *Engine) componentFor(id int) *componentEntry {
	ce, ok := e.components[id]
	if !ok {
		ce = &componentEntry{state: Connecting}
		e.components[id] = ce
	}
	return ce
}

// addPairsLocked pairs every candidate in locals with every candidate in
// remotes for matching components/transports, appends the results, and
// re-sorts/prunes the whole list. Caller must hold e.mu.
func (e *Engine) addPairsLocked(locals, remotes []*candidate.Candidate) {
	controlling := e.role.Controlling()
	for _, l := range locals {
		for _, r := range remotes {
			if !candidate.CanPair(l, r) {
				continue
			}
			p := newPair(e.nextPairID, l.Component, l, r, controlling)
			e.nextPairID++
			e.pairs = append(e.pairs, p)
		}
	}
	e.pairs = sortAndPrune(e.pairs)
	e.enforceMaxPairsLocked()
}

// enforceMaxPairsLocked drops the lowest-priority Frozen pairs once the list
// exceeds maxPairs. Caller must hold e.mu; e.pairs must already be sorted by
// descending priority (sortAndPrune).
func (e *Engine) enforceMaxPairsLocked() {
	if e.maxPairs <= 0 || len(e.pairs) <= e.maxPairs {
		return
	}
	toDrop := len(e.pairs) - e.maxPairs
	drop := make(map[*Pair]bool, toDrop)
	for i := len(e.pairs) - 1; i >= 0 && len(drop) < toDrop; i-- {
		if e.pairs[i].State == Frozen {
			drop[e.pairs[i]] = true
		}
	}
	if len(drop) == 0 {
		return
	}
	kept := make([]*Pair, 0, len(e.pairs)-len(drop))
	for _, p := range e.pairs {
		if !drop[p] {
			kept = append(kept, p)
		}
	}
	e.pairs = kept
}

// tick is the Ta-paced scheduling step.
func (e *Engine) tick() {
	e.mu.Lock()
	p := e.pickNextLocked()
	if p == nil {
		if e.allTerminalLocked() {
			e.wheel.Destroy(e.tickID)
			e.evaluateCompletionLocked()
		}
		e.mu.Unlock()
		return
	}
	p.State = InProgress
	p.ControllingAtSend = e.role.Controlling()
	e.mu.Unlock()

	e.sendCheck(p, false)
}

// maybeNominate looks for the best valid, not-yet-nominated pair in
// component and, if our role is controlling and the component isn't
// already decided, issues the controlling side's explicit nominating
// resend for it (RFC 8445 §8.1.1: nomination happens via a *new* Binding
// request carrying USE-CANDIDATE, not by reusing the check that proved the
// pair valid). Called after any pair becomes valid.
func (e *Engine) maybeNominate(component int) {
	e.mu.Lock()
	if !e.role.Controlling() {
		e.mu.Unlock()
		return
	}
	ce := e.componentFor(component)
	if ce.selected != nil {
		e.mu.Unlock()
		return
	}

	var best *Pair
	for _, p := range e.pairs {
		if p.Component != component || !p.State.valid() || p.Nominated || p.awaitingNomination {
			continue
		}
		if best == nil || p.Priority > best.Priority {
			best = p
		}
	}
	if best == nil {
		e.mu.Unlock()
		return
	}

	best.awaitingNomination = true
	best.ControllingAtSend = true
	best.retransmits = 0
	best.State = InProgress
	e.mu.Unlock()

	e.sendCheck(best, true)
}

// pickNextLocked implements the tick's three-way priority: triggered queue,
// then highest-priority Waiting pair, then an unfreezable Frozen pair.
// Caller must hold e.mu.
func (e *Engine) pickNextLocked() *Pair {
	for len(e.triggeredQueue) > 0 {
		p := e.triggeredQueue[0]
		e.triggeredQueue = e.triggeredQueue[1:]
		if p.State == Waiting || p.State == Frozen {
			return p
		}
		// Already resolved by the time its triggered slot came up; skip it.
	}

	for _, p := range e.pairs {
		if p.State == Waiting {
			return p
		}
	}

	for _, p := range e.pairs {
		if p.State == Frozen && !foundationActive(e.pairs, p.Foundation) {
			p.State = Waiting
			return p
		}
	}

	return nil
}

func (e *Engine) allTerminalLocked() bool {
	for _, p := range e.pairs {
		if !p.State.terminal() && p.State != Waiting {
			return false
		}
		if p.State == Waiting {
			return false
		}
	}
	return true
}

// sendCheck builds and transmits a Binding request for p. nominate forces
// USE-CANDIDATE on the request: only maybeNominate's explicit nominating
// resend passes true, since ordinary paced/triggered checks must never
// assert it themselves (RFC 8445 §8.1.1).
func (e *Engine) sendCheck(p *Pair, nominate bool) {
	e.mu.Lock()
	controlling := p.ControllingAtSend
	localUfrag, remoteUfrag, remotePwd := e.localUfrag, e.remoteUfrag, e.remotePwd
	useCandidate := controlling && nominate
	e.mu.Unlock()

	req, err := stunutil.BuildBindingRequest(localUfrag, remoteUfrag, remotePwd, candidate.PeerReflexivePriority(p.Local.Component), controlling, e.role.TieBreaker(), useCandidate)
	if err != nil {
		e.log.Warnf("checklist: build binding request for %s: %v", p, err)
		return
	}
	p.transactionID = req.TransactionID

	if err := e.send(p.Local, p.Remote.Address, req.Raw); err != nil {
		e.log.Warnf("checklist: send check for %s: %v", p, err)
		return
	}

	e.scheduleRetransmit(p)
}

func (e *Engine) rtoLocked() time.Duration {
	n := 0
	for _, p := range e.pairs {
		if p.State == Waiting || p.State == InProgress {
			n++
		}
	}
	rto := e.ta * time.Duration(n)
	if rto < 500*time.Millisecond {
		rto = 500 * time.Millisecond
	}
	return rto
}

func (e *Engine) scheduleRetransmit(p *Pair) {
	e.mu.Lock()
	rto := e.rtoLocked()
	e.mu.Unlock()

	backoff := rto << p.retransmits
	id := e.wheel.Create(backoff, false, func() { e.onRetransmitTimeout(p) }, "checklist-retransmit")
	p.retransmitID = id
	e.wheel.Start(id)
}

func (e *Engine) onRetransmitTimeout(p *Pair) {
	e.mu.Lock()
	if p.State != InProgress {
		e.mu.Unlock()
		return
	}
	p.retransmits++
	if p.retransmits > maxRetransmits {
		p.State = Failed
		e.mu.Unlock()
		e.evaluateCompletion()
		return
	}
	nominate := p.awaitingNomination
	e.mu.Unlock()

	e.sendCheck(p, nominate)
}

// findPairLocked returns the pair matching a (local, remote-address) tuple,
// if one exists in the check list.
func (e *Engine) findPairLocked(local *candidate.Candidate, remote *net.UDPAddr) *Pair {
	for _, p := range e.pairs {
		if p.Local == local && p.Remote.Address.String() == remote.String() {
			return p
		}
	}
	return nil
}

func (e *Engine) triggerCheckLocked(p *Pair) {
	if p.State == Frozen {
		p.State = Waiting
	}
	if p.State == Waiting {
		e.triggeredQueue = append(e.triggeredQueue, p)
	}
}
