package checklist

import (
	"net"

	"github.com/pion/stun/v3"

	"github.com/ardenlabs/goice/internal/candidate"
	"github.com/ardenlabs/goice/internal/stunutil"
)

// HandleResponse processes a STUN response arriving from raddr. It returns
// false if msg's transaction ID doesn't match any outstanding check,
// meaning the caller should try feeding it to discovery or treat it as
// unmatched. Matching is by transaction ID alone (a random 96-bit value,
// already unique per outstanding check): a server-reflexive candidate
// shares its base host socket, so the caller reading that socket can't
// always know in advance which of the two local candidate pointers a given
// response belongs to.
func (e *Engine) HandleResponse(local *candidate.Candidate, raddr *net.UDPAddr, msg *stun.Message) bool {
	_ = local
	e.mu.Lock()
	var p *Pair
	for _, q := range e.pairs {
		if q.transactionID == msg.TransactionID && q.State == InProgress {
			p = q
			break
		}
	}
	e.mu.Unlock()
	if p == nil {
		return false
	}

	if p.retransmitID != 0 {
		e.wheel.Destroy(p.retransmitID)
	}

	if stunutil.IsErrorResponse(msg) {
		e.handleErrorResponse(p, msg)
		return true
	}

	e.handleSuccessResponse(p, raddr, msg)
	return true
}

func (e *Engine) handleErrorResponse(p *Pair, msg *stun.Message) {
	code, _ := stunutil.GetErrorCode(msg)
	if code == stunutil.CodeRoleConflict {
		e.log.Debugf("checklist: role conflict on %s, switching role", p)
		e.role.SwitchRole()
		e.recomputeAllPriorities()
		e.mu.Lock()
		p.State = Waiting
		e.mu.Unlock()
		e.triggerRetry(p)
		return
	}

	e.mu.Lock()
	p.State = Failed
	e.mu.Unlock()
	e.evaluateCompletion()
}

func (e *Engine) triggerRetry(p *Pair) {
	e.mu.Lock()
	e.triggerCheckLocked(p)
	e.mu.Unlock()
}

// handleSuccessResponse marks p Succeeded, discovers a peer-reflexive local
// candidate (paired with p's remote as a new Discovered pair, which then
// carries any nomination) if the response's mapped address doesn't match a
// known local candidate, confirms nomination if this
// response completed our own nominating resend, and otherwise lets
// maybeNominate decide whether to kick one off now that p is valid.
func (e *Engine) handleSuccessResponse(p *Pair, raddr *net.UDPAddr, msg *stun.Message) {
	mapped, err := stunutil.GetXORMappedAddress(msg)
	if err != nil {
		e.log.Warnf("checklist: success response for %s missing mapped address: %v", p, err)
		return
	}

	e.mu.Lock()
	known := e.findLocalCandidateLocked(mapped)
	nominating := p.awaitingNomination
	p.awaitingNomination = false
	e.mu.Unlock()

	target := p
	if known == nil {
		prflx := candidate.NewPeerReflexive(p.Local.Component, mapped, p.Local.Address, p.Local.Priority)
		if e.cb.OnPeerReflexiveCandidate != nil {
			e.cb.OnPeerReflexiveCandidate(prflx)
		}

		e.mu.Lock()
		e.locals = append(e.locals, prflx)
		p.State = Succeeded
		dp := newPair(e.nextPairID, prflx.Component, prflx, p.Remote, e.role.Controlling())
		e.nextPairID++
		dp.State = Discovered
		dp.Nominated = nominating
		e.pairs = append(e.pairs, dp)
		e.pairs = sortAndPrune(e.pairs)
		e.mu.Unlock()
		target = dp
	} else {
		e.mu.Lock()
		p.State = Succeeded
		p.Nominated = nominating
		e.mu.Unlock()
	}

	if nominating {
		e.confirmNomination(target)
	}

	e.evaluateCompletion()
	if !nominating {
		e.maybeNominate(target.Component)
	}
}

func (e *Engine) findLocalCandidateLocked(addr *net.UDPAddr) *candidate.Candidate {
	for _, c := range e.locals {
		if c.Address.String() == addr.String() {
			return c
		}
	}
	return nil
}

// confirmNomination marks the component's selected pair, transitions it to
// Ready, and cancels every other Frozen, Waiting or in-progress pair of that
// component.
func (e *Engine) confirmNomination(p *Pair) {
	e.mu.Lock()
	ce := e.componentFor(p.Component)
	ce.selected = p
	for _, q := range e.pairs {
		if q.Component != p.Component || q == p {
			continue
		}
		switch q.State {
		case InProgress, Waiting, Frozen:
			q.State = Cancelled
			if q.retransmitID != 0 {
				e.wheel.Destroy(q.retransmitID)
			}
		}
	}
	e.mu.Unlock()

	if e.cb.OnSelectedPair != nil {
		e.cb.OnSelectedPair(p.Component, p)
	}
	e.setComponentState(p.Component, Ready)
}

// HandleRequest processes an inbound Binding request arriving at local from
// raddr. It returns the response bytes to send back to raddr: a 401 error
// response on a failed MESSAGE-INTEGRITY or USERNAME check, a 487 error
// response when the role conflict is resolved in our favour, and otherwise a
// success response. It returns nil only if building the success response
// fails.
func (e *Engine) HandleRequest(local *candidate.Candidate, raddr *net.UDPAddr, msg *stun.Message) []byte {
	e.mu.Lock()
	localPwd := e.localPwd
	localUfrag := e.localUfrag
	e.mu.Unlock()

	if err := stunutil.CheckMessageIntegrity(msg, localPwd); err != nil {
		resp, _ := stunutil.BuildBindingErrorResponse(msg.TransactionID, stunutil.CodeUnauthenticated, "Unauthenticated", "")
		return resp.Raw
	}
	username, ok := stunutil.GetUsername(msg)
	if !ok || !usernameMatches(username, localUfrag) {
		resp, _ := stunutil.BuildBindingErrorResponse(msg.TransactionID, stunutil.CodeUnauthenticated, "Unauthenticated", localPwd)
		return resp.Raw
	}

	if resp := e.handleRoleConflict(local, msg, localPwd); resp != nil {
		return resp
	}

	priority, _ := stunutil.GetPriority(msg)

	e.mu.Lock()
	p := e.findPairLocked(local, raddr)
	var discoveredRemote *candidate.Candidate
	if p == nil {
		prflx := candidate.NewPeerReflexive(local.Component, raddr, local.Address, priority)
		p = newPair(e.nextPairID, local.Component, local, prflx, e.role.Controlling())
		e.nextPairID++
		e.remotes = append(e.remotes, prflx)
		e.pairs = append(e.pairs, p)
		e.pairs = sortAndPrune(e.pairs)
		p.State = Waiting
		discoveredRemote = prflx
	}
	e.triggerCheckLocked(p)

	useCandidate := stunutil.HasUseCandidate(msg)
	nominateNow := useCandidate && p.State.valid()
	if nominateNow {
		p.Nominated = true
	}
	e.mu.Unlock()

	if discoveredRemote != nil && e.cb.OnPeerReflexiveRemoteCandidate != nil {
		e.cb.OnPeerReflexiveRemoteCandidate(discoveredRemote)
	}
	if nominateNow {
		e.confirmNomination(p)
	}

	resp, err := stunutil.BuildBindingSuccessResponse(msg.TransactionID, raddr, localPwd)
	if err != nil {
		e.log.Warnf("checklist: build success response: %v", err)
		return nil
	}
	return resp.Raw
}

// handleRoleConflict implements RFC 8445 §7.3.1.1 exactly: if the request's
// asserted role matches ours, tie-breaker comparison decides whether we
// switch role (and keep processing) or reject with 487 (and keep our role).
// Returns non-nil response bytes only when rejecting.
func (e *Engine) handleRoleConflict(local *candidate.Candidate, msg *stun.Message, localPwd string) []byte {
	peerControlling, peerTieBreaker, ok := stunutil.GetRole(msg)
	if !ok {
		return nil
	}

	ourControlling := e.role.Controlling()
	ourTieBreaker := e.role.TieBreaker()

	if peerControlling && ourControlling {
		if ourTieBreaker >= peerTieBreaker {
			resp, _ := stunutil.BuildBindingErrorResponse(msg.TransactionID, stunutil.CodeRoleConflict, "Role Conflict", localPwd)
			return resp.Raw
		}
		e.role.SwitchRole()
		e.recomputeAllPriorities()
		return nil
	}

	if !peerControlling && !ourControlling {
		if ourTieBreaker >= peerTieBreaker {
			e.role.SwitchRole()
			e.recomputeAllPriorities()
			return nil
		}
		resp, _ := stunutil.BuildBindingErrorResponse(msg.TransactionID, stunutil.CodeRoleConflict, "Role Conflict", localPwd)
		return resp.Raw
	}

	return nil
}

func (e *Engine) recomputeAllPriorities() {
	e.mu.Lock()
	defer e.mu.Unlock()
	controlling := e.role.Controlling()
	for _, p := range e.pairs {
		p.recomputePriority(controlling)
	}
	e.pairs = sortAndPrune(e.pairs)
}

func usernameMatches(username, localUfrag string) bool {
	// USERNAME is "<local_ufrag>:<remote_ufrag>" from our (the receiver's)
	// point of view, i.e. the fragment before the colon must equal our ufrag.
	for i := 0; i < len(username); i++ {
		if username[i] == ':' {
			return username[:i] == localUfrag
		}
	}
	return false
}
