package checklist

import (
	"net"
	"testing"
	"time"

	"github.com/pion/stun/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardenlabs/goice/internal/candidate"
	"github.com/ardenlabs/goice/internal/stunutil"
)

func buildInboundRequest(t *testing.T, remoteUfrag, localUfrag, localPwd string, priority uint32, controlling bool, tieBreaker uint64, useCandidate bool) *stun.Message {
	t.Helper()
	msg, err := stunutil.BuildBindingRequest(remoteUfrag, localUfrag, localPwd, priority, controlling, tieBreaker, useCandidate)
	require.NoError(t, err)
	return msg
}

func TestHandleRequestRejectsBadIntegrity(t *testing.T) {
	role := &fakeRole{controlling: true, tieBreaker: 1}
	transport := &fakeTransport{}
	e := newTestEngine(t, role, transport, Callbacks{})

	local := hostCandidate(1, "10.0.0.1", 5000)
	raddr := &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 6000}

	req := buildInboundRequest(t, "remoteufrag", "localufrag", "wrongpwd", 1000, false, 7, false)
	resp := e.HandleRequest(local, raddr, req)
	require.NotNil(t, resp)

	decoded, err := stunutil.Decode(resp)
	require.NoError(t, err)
	assert.True(t, stunutil.IsErrorResponse(decoded))
	code, ok := stunutil.GetErrorCode(decoded)
	require.True(t, ok)
	assert.Equal(t, stunutil.CodeUnauthenticated, code)
}

func TestHandleRequestRejectsUsernameMismatch(t *testing.T) {
	role := &fakeRole{controlling: true, tieBreaker: 1}
	transport := &fakeTransport{}
	e := newTestEngine(t, role, transport, Callbacks{})

	local := hostCandidate(1, "10.0.0.1", 5000)
	raddr := &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 6000}

	// USERNAME carries the wrong local ufrag but is still correctly
	// integrity-protected with our real password.
	req := buildInboundRequest(t, "remoteufrag", "someoneelse", "localpwd", 1000, false, 7, false)
	resp := e.HandleRequest(local, raddr, req)
	require.NotNil(t, resp)

	decoded, err := stunutil.Decode(resp)
	require.NoError(t, err)
	code, _ := stunutil.GetErrorCode(decoded)
	assert.Equal(t, stunutil.CodeUnauthenticated, code)
}

func TestHandleRequestCreatesPeerReflexiveRemoteAndSucceeds(t *testing.T) {
	role := &fakeRole{controlling: true, tieBreaker: 1}
	transport := &fakeTransport{}
	e := newTestEngine(t, role, transport, Callbacks{})

	local := hostCandidate(1, "10.0.0.1", 5000)
	e.mu.Lock()
	e.locals = append(e.locals, local)
	e.componentFor(1)
	e.mu.Unlock()

	raddr := &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 6000}
	req := buildInboundRequest(t, "remoteufrag", "localufrag", "localpwd", 1000, false, 7, false)

	resp := e.HandleRequest(local, raddr, req)
	require.NotNil(t, resp)
	decoded, err := stunutil.Decode(resp)
	require.NoError(t, err)
	assert.True(t, stunutil.IsSuccessResponse(decoded))

	e.mu.Lock()
	defer e.mu.Unlock()
	require.Len(t, e.remotes, 1)
	assert.Equal(t, candidate.PeerReflexive, e.remotes[0].Type)
	require.Len(t, e.pairs, 1)
	assert.Equal(t, raddr.String(), e.pairs[0].Remote.Address.String())
}

func TestHandleRequestNominatesWhenUseCandidateAndPairAlreadyValid(t *testing.T) {
	var selectedComponent int
	var selectedPair *Pair
	cb := Callbacks{
		OnSelectedPair: func(component int, pair *Pair) {
			selectedComponent = component
			selectedPair = pair
		},
	}
	role := &fakeRole{controlling: false, tieBreaker: 1}
	transport := &fakeTransport{}
	e := newTestEngine(t, role, transport, cb)

	local := hostCandidate(1, "10.0.0.1", 5000)
	raddr := &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 6000}
	remote := &candidate.Candidate{Component: 1, Transport: candidate.UDP, Address: raddr, Priority: 500}

	e.mu.Lock()
	e.locals = append(e.locals, local)
	e.remotes = append(e.remotes, remote)
	e.componentFor(1)
	p := newPair(0, 1, local, remote, false)
	p.State = Succeeded
	e.pairs = []*Pair{p}
	e.mu.Unlock()

	req := buildInboundRequest(t, "remoteufrag", "localufrag", "localpwd", 1000, true, 99, true)
	_ = e.HandleRequest(local, raddr, req)

	e.mu.Lock()
	nominated := p.Nominated
	e.mu.Unlock()
	assert.True(t, nominated)
	assert.Equal(t, 1, selectedComponent)
	assert.Equal(t, p, selectedPair)
}

func TestHandleRoleConflictBothControllingRejectsWhenOurTieBreakerWins(t *testing.T) {
	role := &fakeRole{controlling: true, tieBreaker: 100}
	transport := &fakeTransport{}
	e := newTestEngine(t, role, transport, Callbacks{})
	local := hostCandidate(1, "10.0.0.1", 5000)

	req := buildInboundRequest(t, "remoteufrag", "localufrag", "localpwd", 1000, true, 50, false)
	resp := e.handleRoleConflict(local, req, "localpwd")
	require.NotNil(t, resp)

	decoded, err := stunutil.Decode(resp)
	require.NoError(t, err)
	code, _ := stunutil.GetErrorCode(decoded)
	assert.Equal(t, stunutil.CodeRoleConflict, code)
	assert.True(t, role.Controlling(), "the winning side keeps its role")
}

func TestHandleRoleConflictBothControllingSwitchesWhenPeerTieBreakerWins(t *testing.T) {
	role := &fakeRole{controlling: true, tieBreaker: 10}
	transport := &fakeTransport{}
	e := newTestEngine(t, role, transport, Callbacks{})
	local := hostCandidate(1, "10.0.0.1", 5000)

	req := buildInboundRequest(t, "remoteufrag", "localufrag", "localpwd", 1000, true, 999, false)
	resp := e.handleRoleConflict(local, req, "localpwd")
	assert.Nil(t, resp, "the losing side switches role instead of rejecting")
	assert.False(t, role.Controlling())
}

func TestHandleRoleConflictBothControlledSwitchesWhenOurTieBreakerWins(t *testing.T) {
	role := &fakeRole{controlling: false, tieBreaker: 999}
	transport := &fakeTransport{}
	e := newTestEngine(t, role, transport, Callbacks{})
	local := hostCandidate(1, "10.0.0.1", 5000)

	req := buildInboundRequest(t, "remoteufrag", "localufrag", "localpwd", 1000, false, 10, false)
	resp := e.handleRoleConflict(local, req, "localpwd")
	assert.Nil(t, resp)
	assert.True(t, role.Controlling())
}

func TestHandleRoleConflictBothControlledRejectsWhenPeerTieBreakerWins(t *testing.T) {
	role := &fakeRole{controlling: false, tieBreaker: 10}
	transport := &fakeTransport{}
	e := newTestEngine(t, role, transport, Callbacks{})
	local := hostCandidate(1, "10.0.0.1", 5000)

	req := buildInboundRequest(t, "remoteufrag", "localufrag", "localpwd", 1000, false, 999, false)
	resp := e.handleRoleConflict(local, req, "localpwd")
	require.NotNil(t, resp)
	assert.False(t, role.Controlling())
}

func TestHandleResponseIgnoresUnmatchedTransaction(t *testing.T) {
	role := &fakeRole{controlling: true}
	transport := &fakeTransport{}
	e := newTestEngine(t, role, transport, Callbacks{})

	local := hostCandidate(1, "10.0.0.1", 5000)
	raddr := &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 6000}
	resp, err := stunutil.BuildBindingSuccessResponse(stunTransactionID(), raddr, "localpwd")
	require.NoError(t, err)

	matched := e.HandleResponse(local, raddr, resp)
	assert.False(t, matched)
}

func TestHandleResponseDiscoversPeerReflexiveLocalCandidate(t *testing.T) {
	var discovered *candidate.Candidate
	cb := Callbacks{OnPeerReflexiveCandidate: func(c *candidate.Candidate) { discovered = c }}
	role := &fakeRole{controlling: true, tieBreaker: 1}
	transport := &fakeTransport{}
	e := newTestEngine(t, role, transport, cb)

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
	e.mu.Lock()
	txID := p.transactionID
	e.mu.Unlock()

	// The server-reflexive mapped address seen by the peer differs from any
	// of our known local candidates -- a peer-reflexive local candidate.
	mapped := &net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 9999}
	resp, err := stunutil.BuildBindingSuccessResponse(txID, mapped, "remotepwd")
	require.NoError(t, err)

	matched := e.HandleResponse(local, remote.Address, resp)
	require.True(t, matched)
	require.NotNil(t, discovered)
	assert.Equal(t, candidate.PeerReflexive, discovered.Type)
	assert.Equal(t, mapped.String(), discovered.Address.String())

	e.mu.Lock()
	defer e.mu.Unlock()
	var found bool
	for _, q := range e.pairs {
		if q.State == Discovered && q.Local == discovered {
			found = true
		}
	}
	assert.True(t, found, "a Discovered pair must be inserted for the peer-reflexive local candidate")
}

func TestHandleResponseTriggersNominationOnceValid(t *testing.T) {
	var selected *Pair
	cb := Callbacks{OnSelectedPair: func(_ int, pair *Pair) { selected = pair }}
	role := &fakeRole{controlling: true, tieBreaker: 5}
	transport := &fakeTransport{}
	e := newTestEngine(t, role, transport, cb)

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
	e.mu.Lock()
	txID := p.transactionID
	e.mu.Unlock()

	resp, err := stunutil.BuildBindingSuccessResponse(txID, local.Address, "remotepwd")
	require.NoError(t, err)
	require.True(t, e.HandleResponse(local, remote.Address, resp))

	// The first response only proves the pair valid; nomination is a
	// separate resend, so no pair should be selected yet.
	assert.Nil(t, selected)
	assertEventually(t, 200*time.Millisecond, func() bool { return transport.count() >= 2 }, "maybeNominate must issue a second, nominating request")

	e.mu.Lock()
	nominatingTxID := p.transactionID
	awaiting := p.awaitingNomination
	e.mu.Unlock()
	require.True(t, awaiting)

	nomResp, err := stunutil.BuildBindingSuccessResponse(nominatingTxID, local.Address, "remotepwd")
	require.NoError(t, err)
	require.True(t, e.HandleResponse(local, remote.Address, nomResp))

	require.NotNil(t, selected)
	assert.Equal(t, p, selected)
	assert.True(t, p.Nominated)
}

func TestUsernameMatchesChecksPrefixBeforeColon(t *testing.T) {
	assert.True(t, usernameMatches("localufrag:remoteufrag", "localufrag"))
	assert.False(t, usernameMatches("other:remoteufrag", "localufrag"))
	assert.False(t, usernameMatches("nocolon", "localufrag"))
}

// stunTransactionID returns a syntactically valid but otherwise-unmatched
// transaction ID for building a standalone response in tests.
func stunTransactionID() [stun.TransactionIDSize]byte {
	var id [stun.TransactionIDSize]byte
	copy(id[:], []byte("abcdefghijkl"))
	return id
}
