package checklist

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardenlabs/goice/internal/candidate"
	"github.com/ardenlabs/goice/internal/stunutil"
)

func TestAddRemoteCandidatesStartsPacingAndSendsChecks(t *testing.T) {
	role := &fakeRole{controlling: true, tieBreaker: 100}
	transport := &fakeTransport{}
	e := newTestEngine(t, role, transport, Callbacks{})

	local := hostCandidate(1, "10.0.0.1", 5000)
	remote := hostCandidate(1, "10.0.0.2", 6000)
	e.AddLocalCandidate(local)
	e.AddRemoteCandidates([]*candidate.Candidate{remote})

	assertEventually(t, 200*time.Millisecond, func() bool { return transport.count() >= 1 }, "expected at least one check to be sent")

	sent := transport.last()
	controlling, tb, ok := stunutil.GetRole(sent.msg)
	require.True(t, ok, "a connectivity check must carry an ICE role attribute")
	assert.True(t, controlling)
	assert.Equal(t, uint64(100), tb)
}

func TestFoundationFreezeKeepsSiblingsFrozenUntilFirstResolves(t *testing.T) {
	role := &fakeRole{controlling: true, tieBreaker: 1}
	transport := &fakeTransport{}
	e := newTestEngine(t, role, transport, Callbacks{})

	local := hostCandidate(1, "10.0.0.1", 5000)
	r1 := hostCandidate(1, "10.0.0.2", 6000)
	r2 := hostCandidate(1, "10.0.0.3", 6001)
	r1.Priority = 200
	r2.Priority = 100

	e.mu.Lock()
	e.locals = append(e.locals, local)
	e.remotes = append(e.remotes, r1, r2)
	e.componentFor(1)
	p1 := newPair(e.nextPairID, 1, local, r1, true)
	e.nextPairID++
	p2 := newPair(e.nextPairID, 1, local, r2, true)
	e.nextPairID++
	// Force both pairs to share one foundation so I4 applies between them.
	p1.Foundation = "shared"
	p2.Foundation = "shared"
	p1.State = Waiting
	p2.State = Frozen
	e.pairs = []*Pair{p1, p2}
	e.started = true
	e.mu.Unlock()
	e.tickID = e.wheel.Create(e.ta, true, e.tick, "checklist-ta")
	e.wheel.Start(e.tickID)

	assertEventually(t, 200*time.Millisecond, func() bool { return transport.count() >= 1 }, "expected the waiting pair to be checked")

	e.mu.Lock()
	frozenStillFrozen := p2.State == Frozen
	e.mu.Unlock()
	assert.True(t, frozenStillFrozen, "sibling of the same foundation must stay frozen while the first is active")
}

func TestRetransmitFailsAfterMaxRetries(t *testing.T) {
	// Drive onRetransmitTimeout directly rather than waiting on real
	// exponential-backoff timers, which at the RFC 8445 §14.3 floor of
	// 500ms would make this test take well over a minute.
	role := &fakeRole{controlling: true, tieBreaker: 1}
	transport := &fakeTransport{}
	e := newTestEngine(t, role, transport, Callbacks{})

	local := hostCandidate(1, "10.0.0.1", 5000)
	remote := hostCandidate(1, "10.0.0.2", 6000)

	e.mu.Lock()
	e.locals = append(e.locals, local)
	e.remotes = append(e.remotes, remote)
	e.componentFor(1)
	p := newPair(0, 1, local, remote, true)
	p.State = InProgress
	p.ControllingAtSend = true
	e.pairs = []*Pair{p}
	e.mu.Unlock()

	e.sendCheck(p, false)
	require.Equal(t, 1, transport.count())

	for i := 0; i < maxRetransmits; i++ {
		e.onRetransmitTimeout(p)
		e.mu.Lock()
		state := p.State
		e.mu.Unlock()
		require.Equal(t, InProgress, state, "pair must stay in-progress through retry %d", i+1)
	}
	assert.Equal(t, maxRetransmits+1, transport.count(), "expected the original send plus every retry")

	e.onRetransmitTimeout(p)
	e.mu.Lock()
	state := p.State
	e.mu.Unlock()
	assert.Equal(t, Failed, state, "pair must fail once retransmits exceed the RFC 8445 Rc limit")
}

func TestRetransmitTimeoutIgnoredIfPairAlreadyResolved(t *testing.T) {
	role := &fakeRole{controlling: true}
	transport := &fakeTransport{}
	e := newTestEngine(t, role, transport, Callbacks{})

	local := hostCandidate(1, "10.0.0.1", 5000)
	remote := hostCandidate(1, "10.0.0.2", 6000)
	p := newPair(0, 1, local, remote, true)
	p.State = Succeeded

	e.onRetransmitTimeout(p)
	assert.Equal(t, 0, transport.count(), "a stale retransmit timer for an already-resolved pair must be a no-op")
}

func TestRTOHonorsActivePairFloor(t *testing.T) {
	role := &fakeRole{controlling: true}
	transport := &fakeTransport{}
	e := newTestEngine(t, role, transport, Callbacks{})
	e.ta = 10 * time.Millisecond

	e.mu.Lock()
	rto := e.rtoLocked()
	e.mu.Unlock()
	require.Equal(t, 500*time.Millisecond, rto, "RTO must floor at 500ms regardless of Ta when no pairs are active")

	local := hostCandidate(1, "10.0.0.1", 5000)
	remote := hostCandidate(1, "10.0.0.2", 6000)
	p1 := newPair(0, 1, local, remote, true)
	p1.State = InProgress
	p2 := newPair(1, 1, local, remote, true)
	p2.State = Waiting
	e.mu.Lock()
	e.pairs = []*Pair{p1, p2}
	rto = e.rtoLocked()
	e.mu.Unlock()
	assert.Equal(t, 500*time.Millisecond, rto)
}

func TestAllTerminalLockedStopsPacingOnceEverythingResolves(t *testing.T) {
	role := &fakeRole{controlling: true}
	transport := &fakeTransport{}
	e := newTestEngine(t, role, transport, Callbacks{})

	local := hostCandidate(1, "10.0.0.1", 5000)
	remote := hostCandidate(1, "10.0.0.2", 6000)
	p := newPair(0, 1, local, remote, true)
	p.State = Succeeded

	e.mu.Lock()
	e.pairs = []*Pair{p}
	done := e.allTerminalLocked()
	e.mu.Unlock()
	assert.True(t, done)

	p.State = Waiting
	e.mu.Lock()
	done = e.allTerminalLocked()
	e.mu.Unlock()
	assert.False(t, done, "a Waiting pair means the list is not yet resolved")
}

func TestMaybeNominateSendsUseCandidateForBestValidPair(t *testing.T) {
	role := &fakeRole{controlling: true, tieBreaker: 42}
	transport := &fakeTransport{}
	e := newTestEngine(t, role, transport, Callbacks{})

	local := hostCandidate(1, "10.0.0.1", 5000)
	remote := hostCandidate(1, "10.0.0.2", 6000)

	e.mu.Lock()
	e.locals = append(e.locals, local)
	e.remotes = append(e.remotes, remote)
	e.componentFor(1)
	p := newPair(0, 1, local, remote, true)
	p.State = Succeeded
	e.pairs = []*Pair{p}
	e.mu.Unlock()

	e.maybeNominate(1)

	require.Equal(t, 1, transport.count())
	sent := transport.last()
	assert.True(t, stunutil.HasUseCandidate(sent.msg))

	e.mu.Lock()
	inProgress := p.State == InProgress
	awaiting := p.awaitingNomination
	e.mu.Unlock()
	assert.True(t, inProgress, "pair must move back to InProgress so the matching response is recognized")
	assert.True(t, awaiting)
}

func TestMaybeNominateNoOpWhenNotControlling(t *testing.T) {
	role := &fakeRole{controlling: false}
	transport := &fakeTransport{}
	e := newTestEngine(t, role, transport, Callbacks{})

	local := hostCandidate(1, "10.0.0.1", 5000)
	remote := hostCandidate(1, "10.0.0.2", 6000)
	p := newPair(0, 1, local, remote, false)
	p.State = Succeeded
	e.pairs = []*Pair{p}

	e.maybeNominate(1)
	assert.Equal(t, 0, transport.count(), "the controlled side never initiates nomination")
}

func TestMaybeNominateSkipsComponentAlreadySelected(t *testing.T) {
	role := &fakeRole{controlling: true}
	transport := &fakeTransport{}
	e := newTestEngine(t, role, transport, Callbacks{})

	local := hostCandidate(1, "10.0.0.1", 5000)
	remote := hostCandidate(1, "10.0.0.2", 6000)
	p := newPair(0, 1, local, remote, true)
	p.State = Succeeded

	e.mu.Lock()
	e.pairs = []*Pair{p}
	ce := e.componentFor(1)
	ce.selected = p
	e.mu.Unlock()

	e.maybeNominate(1)
	assert.Equal(t, 0, transport.count())
}

func TestFindPairLockedMatchesOnLocalAndRemoteAddress(t *testing.T) {
	role := &fakeRole{controlling: true}
	transport := &fakeTransport{}
	e := newTestEngine(t, role, transport, Callbacks{})

	local := hostCandidate(1, "10.0.0.1", 5000)
	remote := hostCandidate(1, "10.0.0.2", 6000)
	p := newPair(0, 1, local, remote, true)

	e.mu.Lock()
	e.pairs = []*Pair{p}
	found := e.findPairLocked(local, remote.Address)
	notFound := e.findPairLocked(local, &net.UDPAddr{IP: net.ParseIP("10.0.0.9"), Port: 1})
	e.mu.Unlock()

	assert.Equal(t, p, found)
	assert.Nil(t, notFound)
}
