package goice

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// awaitEvent drains ch until one matches kind or the deadline passes,
// returning the matching event.
func awaitEvent(t *testing.T, ch <-chan Event, kind EventKind, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %s", kind)
		}
	}
}

func newLoopbackAgent(t *testing.T, controlling bool) *Agent {
	t.Helper()
	a, err := NewAgent(AgentConfig{
		Controlling: controlling,
		PortMin:     0,
		PortMax:     0,
	})
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

// TestAgentHostOnlyHandshake exercises the full loopback path with no
// STUN/TURN servers configured: gather host candidates, exchange them
// directly (bypassing real signaling), and confirm both sides reach a
// selected pair and can exchange data.
func TestAgentHostOnlyHandshake(t *testing.T) {
	a := newLoopbackAgent(t, true)
	b := newLoopbackAgent(t, false)

	streamA, err := a.AddStream(1)
	require.NoError(t, err)
	streamB, err := b.AddStream(1)
	require.NoError(t, err)

	require.NoError(t, a.GatherCandidates(streamA))
	require.NoError(t, b.GatherCandidates(streamB))

	awaitEvent(t, a.Events(), EventCandidateGatheringDone, 2*time.Second)
	awaitEvent(t, b.Events(), EventCandidateGatheringDone, 2*time.Second)

	candsA, err := a.GetLocalCandidates(streamA, 1)
	require.NoError(t, err)
	require.NotEmpty(t, candsA)
	candsB, err := b.GetLocalCandidates(streamB, 1)
	require.NoError(t, err)
	require.NotEmpty(t, candsB)

	ufragA, pwdA, err := a.GetLocalCredentials(streamA)
	require.NoError(t, err)
	ufragB, pwdB, err := b.GetLocalCredentials(streamB)
	require.NoError(t, err)

	require.NoError(t, a.SetRemoteCredentials(streamA, ufragB, pwdB))
	require.NoError(t, b.SetRemoteCredentials(streamB, ufragA, pwdA))

	require.NoError(t, a.SetRemoteCandidates(streamA, candsB))
	require.NoError(t, b.SetRemoteCandidates(streamB, candsA))

	awaitEvent(t, a.Events(), EventNewSelectedPairFull, 5*time.Second)
	awaitEvent(t, b.Events(), EventNewSelectedPairFull, 5*time.Second)

	pairA, err := a.GetSelectedPair(streamA, 1)
	require.NoError(t, err)
	require.NotNil(t, pairA)
	pairB, err := b.GetSelectedPair(streamB, 1)
	require.NoError(t, err)
	require.NotNil(t, pairB)

	recvCh := make(chan []byte, 1)
	require.NoError(t, b.AttachRecv(streamB, 1, func(data []byte) {
		recvCh <- data
	}))

	require.Eventually(t, func() bool {
		_, err := a.Send(streamA, 1, []byte("hello"))
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)

	select {
	case data := <-recvCh:
		require.Equal(t, "hello", string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for application data")
	}
}

func TestAgentAddStreamRejectsZeroComponents(t *testing.T) {
	a := newLoopbackAgent(t, true)
	_, err := a.AddStream(0)
	require.Error(t, err)
	var agentErr *AgentError
	require.ErrorAs(t, err, &agentErr)
	require.Equal(t, ErrInvalidHandle, agentErr.Kind)
}

func TestAgentRemoveUnknownStream(t *testing.T) {
	a := newLoopbackAgent(t, true)
	err := a.RemoveStream("does-not-exist")
	require.Error(t, err)
	var agentErr *AgentError
	require.ErrorAs(t, err, &agentErr)
	require.Equal(t, ErrUnknownStream, agentErr.Kind)
}

func TestAgentCloseIsIdempotentAndStopsEvents(t *testing.T) {
	a := newLoopbackAgent(t, true)
	streamID, err := a.AddStream(1)
	require.NoError(t, err)
	require.NoError(t, a.GatherCandidates(streamID))
	awaitEvent(t, a.Events(), EventCandidateGatheringDone, 2*time.Second)

	a.Close()
	a.Close() // must not panic or block

	_, ok := <-a.Events()
	require.False(t, ok, "event channel should be closed")
}
