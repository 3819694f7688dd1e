package goice

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ardenlabs/goice/internal/candidate"
	"github.com/ardenlabs/goice/internal/discovery"
)

func newTestStreamComponent(t *testing.T) (*Stream, *Component) {
	t.Helper()
	a := newLoopbackAgent(t, true)
	streamID, err := a.AddStream(1)
	require.NoError(t, err)
	s, err := a.stream(streamID)
	require.NoError(t, err)
	c, err := s.component(1)
	require.NoError(t, err)
	return s, c
}

// TestComponentPendingQueueDrainsOnNomination confirms data arriving before
// a component has a selected pair queues rather than delivers, and is
// replayed through the same path once nomination selects one.
func TestComponentPendingQueueDrainsOnNomination(t *testing.T) {
	s, c := newTestStreamComponent(t)

	bindings, err := discovery.GatherHostCandidates(1, 0, 0, false)
	require.NoError(t, err)
	require.NotEmpty(t, bindings)
	c.addHostBinding(bindings[0])

	remote := candidate.NewHost(1, bindings[0].Candidate.Address, candidate.UDP)

	c.deliverData([]byte("early"))

	delivered := make(chan []byte, 1)
	c.attachRecv(func(data []byte) { delivered <- data })

	// ForceSelect's nomination callback chain runs synchronously into
	// Component.setSelectedPair, draining the queued datagram above.
	s.checklistEngine.ForceSelect(bindings[0].Candidate, remote)

	select {
	case data := <-delivered:
		require.Equal(t, "early", string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("expected queued datagram to be delivered once a pair was selected")
	}
}

func TestComponentSocketForUnknownCandidateErrors(t *testing.T) {
	_, c := newTestStreamComponent(t)

	stray := candidate.NewHost(1, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}, candidate.UDP)
	_, err := c.socketFor(stray)
	require.Error(t, err)
	var agentErr *AgentError
	require.ErrorAs(t, err, &agentErr)
	require.Equal(t, ErrUnknownComponent, agentErr.Kind)
}

func TestComponentForgetRelaysDropsOnlyRelayedCandidates(t *testing.T) {
	_, c := newTestStreamComponent(t)

	bindings, err := discovery.GatherHostCandidates(1, 0, 0, false)
	require.NoError(t, err)
	c.addHostBinding(bindings[0])

	relayed := candidate.NewRelayed(1, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 65000}, bindings[0].Candidate.Address, "turn.example:3478", "user", "pass")
	pc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	c.addRelaySocket(relayed, pc)

	require.Len(t, c.localCandidates(), 2)
	c.forgetRelays()

	remaining := c.localCandidates()
	require.Len(t, remaining, 1)
	require.Equal(t, candidate.Host, remaining[0].Type)
}
