package goice

import "github.com/ardenlabs/goice/internal/checklist"

// ComponentState is a component's position in its lifecycle (data model
// §3): Disconnected -> Gathering -> Connecting -> Connected -> Ready, or
// Failed.
type ComponentState = checklist.ComponentState

const (
	Disconnected    = checklist.Disconnected
	Gathering       = checklist.Gathering
	Connecting      = checklist.Connecting
	Connected       = checklist.Connected
	ComponentReady  = checklist.Ready
	ComponentFailed = checklist.ComponentFailed
)

// EventKind discriminates the variants of Event. The fields meaningful for
// each kind are listed alongside each constant (§4.6).
type EventKind int

const (
	// CandidateGatheringDone fires once per stream per gather cycle, once
	// every discovery entry for the stream has reached a terminal state.
	// Fields: StreamID.
	EventCandidateGatheringDone EventKind = iota

	// EventNewCandidate reports a newly gathered local candidate's
	// (stream, component, foundation) identity.
	// Fields: StreamID, Component, Foundation.
	EventNewCandidate

	// EventNewCandidateFull carries the full local Candidate value for the
	// same event EventNewCandidate summarizes.
	// Fields: StreamID, Component, Candidate.
	EventNewCandidateFull

	// EventNewRemoteCandidate reports a remote candidate learned from the
	// source address of an inbound connectivity check (peer-reflexive
	// discovery).
	// Fields: StreamID, Component, Candidate.
	EventNewRemoteCandidate

	// EventNewSelectedPair reports a component's newly nominated pair by
	// foundation; it always precedes the component's first
	// EventComponentStateChanged(Ready) (§5 ordering guarantee).
	// Fields: StreamID, Component, Foundation.
	EventNewSelectedPair

	// EventNewSelectedPairFull carries the full local/remote Candidate
	// values for the same event EventNewSelectedPair summarizes.
	// Fields: StreamID, Component, Pair.
	EventNewSelectedPairFull

	// EventComponentStateChanged reports a component's lifecycle
	// transition.
	// Fields: StreamID, Component, State.
	EventComponentStateChanged

	// EventInitialBindingRequestReceived fires the first time any component
	// of a stream receives an inbound connectivity check, a signal that the
	// remote peer has started checking before local gathering may have
	// finished.
	// Fields: StreamID.
	EventInitialBindingRequestReceived

	// EventReliableTransportWritable fires when a component's Pseudo-TCP
	// socket becomes able to accept more buffered data.
	// Fields: StreamID, Component.
	EventReliableTransportWritable
)

func (k EventKind) String() string {
	switch k {
	case EventCandidateGatheringDone:
		return "candidate-gathering-done"
	case EventNewCandidate:
		return "new-candidate"
	case EventNewCandidateFull:
		return "new-candidate-full"
	case EventNewRemoteCandidate:
		return "new-remote-candidate"
	case EventNewSelectedPair:
		return "new-selected-pair"
	case EventNewSelectedPairFull:
		return "new-selected-pair-full"
	case EventComponentStateChanged:
		return "component-state-changed"
	case EventInitialBindingRequestReceived:
		return "initial-binding-request-received"
	case EventReliableTransportWritable:
		return "reliable-transport-writable"
	default:
		return "unknown"
	}
}

// Event is the single typed payload posted to Agent's event channel (§4.6,
// §5). Consumers switch on Kind and read the fields that kind documents.
type Event struct {
	Kind       EventKind
	StreamID   string
	Component  int
	Foundation string
	Candidate  *Candidate
	Pair       *SelectedPair
	State      ComponentState
}

// eventQueueSize bounds the agent's event channel (§5: "bounded but large
// enough that normal callbacks never block").
const eventQueueSize = 256

func (a *Agent) postEvent(ev Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}

	select {
	case a.events <- ev:
	default:
		a.log.Warnf("goice: event channel full, dropping %s for stream %s", ev.Kind, ev.StreamID)
	}
}

// Events returns the agent's event channel. Events for the same
// (stream, component) are delivered in posting order.
func (a *Agent) Events() <-chan Event {
	return a.events
}
