// Package discovery implements the gathering half of ICE candidate
// collection: enumerating local interfaces into host candidates, querying
// STUN servers for server-reflexive candidates, and running TURN
// Allocate/Refresh exchanges for relayed candidates. It is grounded on a
// reference internal/ice/base.go, which bound one UDP socket per local
// interface address ("base") and drove the same STUN query from it.
package discovery

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net"

	"github.com/ardenlabs/goice/internal/candidate"
)

// HostBinding pairs a gathered host candidate with the socket it was
// gathered from. The same socket is reused for server-reflexive and
// connectivity-check traffic for that candidate's component.
type HostBinding struct {
	Candidate *candidate.Candidate
	Conn      *net.UDPConn
}

// GatherHostCandidates enumerates non-loopback, up interfaces and binds one
// UDP socket per address, honoring an optional port range. It mirrors a
// reference initializeBases, generalized to a configurable port range
// that may be exhausted.
func GatherHostCandidates(component int, portMin, portMax uint16, includeIPv6 bool) ([]*HostBinding, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("discovery: enumerate interfaces: %w", err)
	}

	var bindings []*HostBinding
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipnet.IP
			if ip.IsLinkLocalUnicast() {
				continue
			}
			if !includeIPv6 && ip.To4() == nil {
				continue
			}

			conn, err := listenHostUDP(ip, portMin, portMax)
			if err != nil {
				// Likely the range is exhausted on this address; skip it,
				// other addresses may still succeed.
				continue
			}

			base := conn.LocalAddr().(*net.UDPAddr)
			c := candidate.NewHost(component, base, candidate.UDP)
			bindings = append(bindings, &HostBinding{Candidate: c, Conn: conn})
		}
	}

	if len(bindings) == 0 {
		return nil, errCantCreateSocket
	}
	return bindings, nil
}

// listenHostUDP binds a UDP socket on ip. If portMin/portMax are both zero
// the OS picks an ephemeral port; otherwise a uniformly random starting
// port within [portMin, portMax] is tried first and the range is scanned
// from there, wrapping once, so that concurrently-gathering components
// don't collide on the same first port every time (grounded on
// original_source/random/random-glib.c's random port selection, reimplemented
// with crypto/rand since math/rand is unseeded determinism the original
// explicitly avoids).
func listenHostUDP(ip net.IP, portMin, portMax uint16) (*net.UDPConn, error) {
	if portMin == 0 && portMax == 0 {
		return net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: 0})
	}
	if portMin > portMax {
		return nil, fmt.Errorf("discovery: invalid port range [%d, %d]", portMin, portMax)
	}

	span := int(portMax) - int(portMin) + 1
	start, err := pickRandomPort(span)
	if err != nil {
		return nil, err
	}

	for i := 0; i < span; i++ {
		port := int(portMin) + (start+i)%span
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: port})
		if err == nil {
			return conn, nil
		}
	}
	return nil, errCantCreateSocket
}

// pickRandomPort returns a uniformly random offset in [0, span).
func pickRandomPort(span int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(span)))
	if err != nil {
		return 0, fmt.Errorf("discovery: generate random port offset: %w", err)
	}
	return int(n.Int64()), nil
}
