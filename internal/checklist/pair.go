// Package checklist implements the Connectivity-Check Engine: building the
// check list from local/remote candidates, pacing checks at Ta, handling
// inbound and outbound STUN Binding traffic (including role-conflict
// arbitration and peer-reflexive discovery), and nominating a pair per
// component. Grounded on a reference checklist.go, generalized from a
// single hard-coded component to the full per-stream, multi-component
// model of the data model.
package checklist

import (
	"fmt"

	"github.com/pion/stun/v3"

	"github.com/ardenlabs/goice/internal/candidate"
	"github.com/ardenlabs/goice/internal/timerwheel"
)

// State is a check pair's position in its state machine (data model §3).
type State int

const (
	Frozen State = iota
	Waiting
	InProgress
	Succeeded
	Failed
	Cancelled
	Discovered
)

func (s State) String() string {
	switch s {
	case Frozen:
		return "frozen"
	case Waiting:
		return "waiting"
	case InProgress:
		return "in-progress"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	case Discovered:
		return "discovered"
	default:
		return "unknown"
	}
}

// valid reports whether a pair in this state is eligible to be nominated
// (Succeeded and Discovered are both "this pair worked" outcomes; Discovered
// exists only to record that the pair was created from a peer-reflexive
// discovery rather than a scheduled check).
func (s State) valid() bool {
	return s == Succeeded || s == Discovered
}

func (s State) terminal() bool {
	return s == Succeeded || s == Failed || s == Cancelled || s == Discovered
}

// Pair is an ordered (local, remote) candidate pair undergoing connectivity
// verification (data model §3, invariants I3/I4).
type Pair struct {
	ID         int
	Component  int
	Local      *candidate.Candidate
	Remote     *candidate.Candidate
	Foundation string
	Priority   uint64
	State      State
	Nominated  bool

	// ControllingAtSend records which role this agent held when the
	// outstanding request for this pair was sent, so a late response can't
	// be misinterpreted after a role switch mid-flight.
	ControllingAtSend bool

	// awaitingNomination marks an outstanding request as the controlling
	// side's explicit nominating resend (USE-CANDIDATE), separate from its
	// ordinary connectivity check.
	awaitingNomination bool

	transactionID [stun.TransactionIDSize]byte
	retransmits   int
	retransmitID  timerwheel.ID
}

func newPair(id int, component int, local, remote *candidate.Candidate, controlling bool) *Pair {
	p := &Pair{
		ID:         id,
		Component:  component,
		Local:      local,
		Remote:     remote,
		Foundation: candidate.PairFoundation(local, remote),
		State:      Frozen,
	}
	p.recomputePriority(controlling)
	return p
}

// recomputePriority re-derives this pair's priority (I3) for the agent's
// current role. It must be re-run on every pair after a role switch, since
// I3's G/D assignment depends on which side is controlling.
func (p *Pair) recomputePriority(controlling bool) {
	var g, d uint32
	if controlling {
		g, d = p.Local.Priority, p.Remote.Priority
	} else {
		g, d = p.Remote.Priority, p.Local.Priority
	}
	p.Priority = candidate.PairPriority(g, d)
}

func (p *Pair) String() string {
	return fmt.Sprintf("pair#%d[%d] %s -> %s (%s)", p.ID, p.Component, p.Local.Address, p.Remote.Address, p.State)
}
