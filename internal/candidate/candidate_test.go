package candidate

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputePriorityOrdering(t *testing.T) {
	host := ComputePriority(Host, 1)
	srflx := ComputePriority(ServerReflexive, 1)
	prflx := ComputePriority(PeerReflexive, 1)
	relay := ComputePriority(Relayed, 1)

	assert.Greater(t, host, prflx)
	assert.Greater(t, prflx, srflx)
	assert.Greater(t, srflx, relay)
}

func TestComputePriorityComponentOffset(t *testing.T) {
	p1 := ComputePriority(Host, 1)
	p2 := ComputePriority(Host, 2)
	// Lower component numbers get higher priority: (256 - component).
	assert.Greater(t, p1, p2)
}

func TestFoundationEqualForSameTypeAndBase(t *testing.T) {
	base := &net.UDPAddr{IP: net.ParseIP("192.168.1.1"), Port: 5000}
	f1 := ComputeFoundation(Host, base, UDP, "")
	f2 := ComputeFoundation(Host, base, UDP, "")
	assert.Equal(t, f1, f2)
}

func TestFoundationDiffersByType(t *testing.T) {
	base := &net.UDPAddr{IP: net.ParseIP("192.168.1.1"), Port: 5000}
	hostF := ComputeFoundation(Host, base, UDP, "")
	srflxF := ComputeFoundation(ServerReflexive, base, UDP, "")
	assert.NotEqual(t, hostF, srflxF)
}

func TestFoundationDiffersByServerForRelay(t *testing.T) {
	base := &net.UDPAddr{IP: net.ParseIP("192.168.1.1"), Port: 5000}
	f1 := ComputeFoundation(Relayed, base, UDP, "turn1.example.com:3478")
	f2 := ComputeFoundation(Relayed, base, UDP, "turn2.example.com:3478")
	assert.NotEqual(t, f1, f2)
}

func TestCanPairRequiresSameComponentAndFamily(t *testing.T) {
	local := NewHost(1, &net.UDPAddr{IP: net.ParseIP("192.168.1.1"), Port: 5000}, UDP)
	remoteSameComponent := &Candidate{Component: 1, Transport: UDP, Address: &net.UDPAddr{IP: net.ParseIP("192.168.1.2"), Port: 6000}}
	remoteOtherComponent := &Candidate{Component: 2, Transport: UDP, Address: &net.UDPAddr{IP: net.ParseIP("192.168.1.2"), Port: 6000}}
	remoteV6 := &Candidate{Component: 1, Transport: UDP, Address: &net.UDPAddr{IP: net.ParseIP("fe80::1"), Port: 6000}}

	assert.True(t, CanPair(local, remoteSameComponent))
	assert.False(t, CanPair(local, remoteOtherComponent))
	assert.False(t, CanPair(local, remoteV6))
}

func TestParseType(t *testing.T) {
	for _, s := range []string{"host", "srflx", "prflx", "relay"} {
		typ, err := ParseType(s)
		assert.NoError(t, err)
		assert.Equal(t, s, typ.String())
	}

	_, err := ParseType("bogus")
	assert.Error(t, err)
}
