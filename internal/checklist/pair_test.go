package checklist

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ardenlabs/goice/internal/candidate"
)

func TestRecomputePriorityFlipsGDByRole(t *testing.T) {
	local := hostCandidate(1, "10.0.0.1", 5000)
	remote := hostCandidate(1, "10.0.0.2", 6000)
	// Different priorities so swapping G/D actually changes the result.
	local.Priority = 100
	remote.Priority = 50

	p := newPair(0, 1, local, remote, true)
	controlling := p.Priority

	p.recomputePriority(false)
	controlled := p.Priority

	assert.NotEqual(t, controlling, controlled, "priority must depend on role, per I3's G/D assignment")
	assert.Equal(t, candidate.PairPriority(local.Priority, remote.Priority), controlling)
	assert.Equal(t, candidate.PairPriority(remote.Priority, local.Priority), controlled)
}

func TestStateValidAndTerminal(t *testing.T) {
	assert.True(t, Succeeded.valid())
	assert.True(t, Discovered.valid())
	assert.False(t, Waiting.valid())
	assert.False(t, Frozen.valid())

	for _, s := range []State{Succeeded, Failed, Cancelled, Discovered} {
		assert.True(t, s.terminal(), "%s should be terminal", s)
	}
	for _, s := range []State{Frozen, Waiting, InProgress} {
		assert.False(t, s.terminal(), "%s should not be terminal", s)
	}
}

func TestSortAndPruneOrdersByDescendingPriority(t *testing.T) {
	local := hostCandidate(1, "10.0.0.1", 5000)
	r1 := hostCandidate(1, "10.0.0.2", 6000)
	r2 := hostCandidate(1, "10.0.0.3", 6001)
	r1.Priority = 10
	r2.Priority = 20

	p1 := newPair(0, 1, local, r1, true)
	p2 := newPair(1, 1, local, r2, true)

	sorted := sortAndPrune([]*Pair{p1, p2})
	assert.Equal(t, p2, sorted[0], "higher-priority pair must sort first")
	assert.Equal(t, p1, sorted[1])
}

func TestSortAndPrunePreservesInFlightPairsOverRedundantOnes(t *testing.T) {
	local := hostCandidate(1, "10.0.0.1", 5000)
	// Two locals sharing the same base -- the second would normally be
	// pruned as redundant, except it's already InProgress.
	localAlt := hostCandidate(1, "10.0.0.1", 5000)
	remote := hostCandidate(1, "10.0.0.2", 6000)

	p1 := newPair(0, 1, local, remote, true)
	p2 := newPair(1, 1, localAlt, remote, true)
	p2.Priority = p1.Priority // force a tie so ordering doesn't mask pruning
	p2.State = InProgress

	kept := sortAndPrune([]*Pair{p1, p2})
	assert.Contains(t, kept, p2, "an in-progress pair must never be pruned as redundant")
}

func TestFoundationActiveTracksSiblingState(t *testing.T) {
	local := hostCandidate(1, "10.0.0.1", 5000)
	remote := hostCandidate(1, "10.0.0.2", 6000)
	p := newPair(0, 1, local, remote, true)
	p.State = Frozen

	assert.False(t, foundationActive([]*Pair{p}, p.Foundation))

	p.State = Waiting
	assert.True(t, foundationActive([]*Pair{p}, p.Foundation))

	p.State = Cancelled
	assert.False(t, foundationActive([]*Pair{p}, p.Foundation))
}
