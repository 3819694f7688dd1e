package checklist

import "github.com/ardenlabs/goice/internal/candidate"

// evaluateCompletion re-derives each component's state from its pairs and
// fires OnComponentState for any that changed (the failure model and
// Component lifecycle).
func (e *Engine) evaluateCompletion() {
	e.mu.Lock()
	changes := e.evaluateCompletionLocked()
	e.mu.Unlock()

	for component, state := range changes {
		if e.cb.OnComponentState != nil {
			e.cb.OnComponentState(component, state)
		}
	}
}

func (e *Engine) evaluateCompletionLocked() map[int]ComponentState {
	changes := make(map[int]ComponentState)

	for component, ce := range e.components {
		if ce.selected != nil {
			continue // already Ready; only restart moves it backward
		}

		hasValid := false
		hasFailed := false
		allTerminal := true
		for _, p := range e.pairs {
			if p.Component != component {
				continue
			}
			if p.State.valid() {
				hasValid = true
			}
			if p.State == Failed {
				hasFailed = true
			}
			if !p.State.terminal() {
				allTerminal = false
			}
		}

		next := ce.state
		switch {
		case hasValid && ce.state < Connected:
			next = Connected
		case allTerminal && hasFailed && !hasValid:
			next = ComponentFailed
		}

		if next != ce.state {
			ce.state = next
			changes[component] = next
		}
	}

	return changes
}

func (e *Engine) setComponentState(component int, state ComponentState) {
	e.mu.Lock()
	ce := e.componentFor(component)
	changed := ce.state != state
	ce.state = state
	e.mu.Unlock()

	if changed && e.cb.OnComponentState != nil {
		e.cb.OnComponentState(component, state)
	}
}

// Close stops the check timer and every pending retransmit timer.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tickID != 0 {
		e.wheel.Destroy(e.tickID)
	}
	for _, p := range e.pairs {
		if p.retransmitID != 0 {
			e.wheel.Destroy(p.retransmitID)
		}
	}
}

// SelectedPair returns the component's nominated pair, if any.
func (e *Engine) SelectedPair(component int) (*Pair, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ce, ok := e.components[component]
	if !ok || ce.selected == nil {
		return nil, false
	}
	return ce.selected, true
}

// ForceSelect manually designates (local, remote) as a component's selected
// pair, bypassing ordinary nomination. If the check list has no pair naming
// exactly this tuple yet, one is admitted directly in the Discovered state,
// the same way handleSuccessResponse admits a late peer-reflexive pair.
// Backs the agent's set-selected-pair API (spec §6).
func (e *Engine) ForceSelect(local, remote *candidate.Candidate) *Pair {
	e.mu.Lock()
	var p *Pair
	for _, q := range e.pairs {
		if q.Local == local && q.Remote == remote {
			p = q
			break
		}
	}
	if p == nil {
		p = newPair(e.nextPairID, local.Component, local, remote, e.role.Controlling())
		e.nextPairID++
		p.State = Discovered
		e.locals = append(e.locals, local)
		e.remotes = append(e.remotes, remote)
		e.pairs = append(e.pairs, p)
		e.pairs = sortAndPrune(e.pairs)
	}
	p.Nominated = true
	e.mu.Unlock()

	e.confirmNomination(p)
	return p
}

// ForceSelectRemote nominates the highest-priority already-valid pair whose
// remote candidate is remote, leaving the local candidate choice to
// whichever pair already proved viable. Backs the agent's
// set-selected-remote-candidate API: the caller has out-of-band
// confirmation of which remote address to use without knowing which local
// candidate paired with it.
func (e *Engine) ForceSelectRemote(component int, remote *candidate.Candidate) (*Pair, error) {
	e.mu.Lock()
	var best *Pair
	for _, q := range e.pairs {
		if q.Component != component || q.Remote.Address.String() != remote.Address.String() {
			continue
		}
		if !q.State.valid() {
			continue
		}
		if best == nil || q.Priority > best.Priority {
			best = q
		}
	}
	if best == nil {
		e.mu.Unlock()
		return nil, errNoValidPairForRemote
	}
	best.Nominated = true
	e.mu.Unlock()

	e.confirmNomination(best)
	return best, nil
}
