// Package candidate implements the ICE candidate model: value types for
// local/remote candidates and candidate pairs, and the priority/foundation
// arithmetic of RFC 8445 §5.1 and §5.3.
package candidate

import (
	"encoding/base32"
	"fmt"
	"hash/fnv"
	"net"
)

// Type identifies how a candidate was obtained.
type Type int

const (
	Host Type = iota
	PeerReflexive
	ServerReflexive
	Relayed
)

func (t Type) String() string {
	switch t {
	case Host:
		return "host"
	case PeerReflexive:
		return "prflx"
	case ServerReflexive:
		return "srflx"
	case Relayed:
		return "relay"
	default:
		return "unknown"
	}
}

// ParseType maps an SDP-ish candidate type string to a Type.
func ParseType(s string) (Type, error) {
	switch s {
	case "host":
		return Host, nil
	case "prflx":
		return PeerReflexive, nil
	case "srflx":
		return ServerReflexive, nil
	case "relay":
		return Relayed, nil
	default:
		return 0, fmt.Errorf("candidate: unknown type %q", s)
	}
}

// typePreference implements the type preferences of RFC 8445 §5.1.2.1.
func (t Type) preference() uint32 {
	switch t {
	case Host:
		return 126
	case PeerReflexive:
		return 110
	case ServerReflexive:
		return 100
	case Relayed:
		return 0
	default:
		panic(fmt.Sprintf("candidate: illegal type %d", t))
	}
}

// Transport is the transport protocol a candidate is reachable over.
type Transport int

const (
	UDP Transport = iota
	TCPActive
	TCPPassive
	TCPSO
)

func (p Transport) String() string {
	switch p {
	case UDP:
		return "udp"
	case TCPActive:
		return "tcp-active"
	case TCPPassive:
		return "tcp-passive"
	case TCPSO:
		return "tcp-so"
	default:
		return "unknown"
	}
}

// Candidate is a transport address the agent may use or accept, per
// RFC 8445 §5.3.
type Candidate struct {
	Type      Type
	Transport Transport

	// Component is the 1-based component ID this candidate belongs to.
	Component int

	// Priority is the 32-bit candidate priority (RFC 8445 §5.1.2).
	Priority uint32

	// Foundation groups candidates that share (type, base, server); see
	// ComputeFoundation. Pairs with equal foundations are frozen together.
	Foundation string

	// Address is the candidate's own transport address.
	Address *net.UDPAddr

	// BaseAddress is the local address the candidate was derived from. For
	// host candidates it equals Address. For server-reflexive and relayed
	// candidates it is the address of the host socket used to obtain them.
	BaseAddress *net.UDPAddr

	// RelatedAddress (IP and port) surfaces the "raddr"/"rport" SDP attributes
	// RFC 5245 §15.1 requires for non-host candidates.
	RelatedAddress *net.UDPAddr

	// Server is the STUN/TURN server that produced a reflexive/relayed
	// candidate, or "" for host and peer-reflexive candidates. It is part of
	// the foundation computation for relayed candidates.
	Server string

	// Username/Password carry the long-term-credential identity a relayed
	// candidate was allocated under. Empty for every other type.
	Username string
	Password string
}

// LocalPreference is the local-preference term of RFC 8445 §5.1.2.1. Since
// this agent gathers at most one candidate of a given type per base, the
// value is constant; it is broken out as a named constant (rather than
// inlined in ComputePriority) so a future multi-homed local-preference
// policy has a single place to change.
const LocalPreference = 65535

// ComputePriority implements RFC 8445 §5.1.2.1:
//
//	priority = 2^24 * type_pref + 2^8 * local_pref + (256 - component_id)
func ComputePriority(t Type, component int) uint32 {
	return t.preference()<<24 | uint32(LocalPreference)<<8 | uint32(256-component)
}

// PeerReflexivePriority is the priority a local candidate would have if it
// were discovered as peer-reflexive instead; used as the PRIORITY attribute
// value on outbound connectivity checks (RFC 8445 §7.1.1).
func PeerReflexivePriority(component int) uint32 {
	return ComputePriority(PeerReflexive, component)
}

// ComputeFoundation implements RFC 8445 §5.1.1.3: the foundation is unique
// per (type, base IP, protocol, STUN/TURN server). Two candidates with
// differing foundations in this implementation are, by construction, never
// considered "the same combination of type and base" (invariant I4).
func ComputeFoundation(t Type, base *net.UDPAddr, transport Transport, server string) string {
	fingerprint := fmt.Sprintf("%s/%s/%s", t, transport, base.IP.String())
	if server != "" {
		fingerprint += "/" + server
	}
	h := fnv.New64a()
	h.Write([]byte(fingerprint))
	return base32.StdEncoding.EncodeToString(h.Sum(nil))[:8]
}

// NewHost builds a host candidate for the given base socket address.
func NewHost(component int, base *net.UDPAddr, transport Transport) *Candidate {
	return &Candidate{
		Type:        Host,
		Transport:   transport,
		Component:   component,
		Priority:    ComputePriority(Host, component),
		Foundation:  ComputeFoundation(Host, base, transport, ""),
		Address:     base,
		BaseAddress: base,
	}
}

// NewServerReflexive builds a server-reflexive candidate discovered via a
// STUN Binding exchange through the given base socket.
func NewServerReflexive(component int, mapped, base *net.UDPAddr, stunServer string) *Candidate {
	return &Candidate{
		Type:           ServerReflexive,
		Transport:      UDP,
		Component:      component,
		Priority:       ComputePriority(ServerReflexive, component),
		Foundation:     ComputeFoundation(ServerReflexive, base, UDP, stunServer),
		Address:        mapped,
		BaseAddress:    base,
		RelatedAddress: base,
		Server:         stunServer,
	}
}

// NewRelayed builds a relayed candidate allocated from a TURN server.
func NewRelayed(component int, relayed, base *net.UDPAddr, turnServer, username, password string) *Candidate {
	return &Candidate{
		Type:           Relayed,
		Transport:      UDP,
		Component:      component,
		Priority:       ComputePriority(Relayed, component),
		Foundation:     ComputeFoundation(Relayed, base, UDP, turnServer),
		Address:        relayed,
		BaseAddress:    base,
		RelatedAddress: base,
		Server:         turnServer,
		Username:       username,
		Password:       password,
	}
}

// NewPeerReflexive builds a candidate learned from the source address of an
// inbound connectivity check (RFC 8445 §7.3.1.3-4).
func NewPeerReflexive(component int, addr, base *net.UDPAddr, priority uint32) *Candidate {
	return &Candidate{
		Type:           PeerReflexive,
		Transport:      UDP,
		Component:      component,
		Priority:       priority,
		Foundation:     ComputeFoundation(PeerReflexive, addr, UDP, ""),
		Address:        addr,
		BaseAddress:    base,
		RelatedAddress: base,
	}
}

// CanPair reports whether local and remote may form a valid check pair:
// same component and transport-compatible addresses (RFC 8445 §6.1.2.2).
func CanPair(local, remote *Candidate) bool {
	if local.Component != remote.Component {
		return false
	}
	if local.Transport != remote.Transport {
		return false
	}
	localIs4 := local.Address.IP.To4() != nil
	remoteIs4 := remote.Address.IP.To4() != nil
	return localIs4 == remoteIs4
}

// SDPString renders the candidate as comma-separated fields:
// "{foundation},{component},{protocol},{priority},{address},{port},{type}".
func (c *Candidate) SDPString() string {
	s := fmt.Sprintf("%s,%d,%s,%d,%s,%d,%s",
		c.Foundation, c.Component, c.Transport, c.Priority, c.Address.IP, c.Address.Port, c.Type)
	return s
}

func (c *Candidate) String() string {
	return c.SDPString()
}
