// Package mux classifies inbound datagrams for the ICE agent: a cheap
// structural check separates STUN traffic from opaque data/pseudo-TCP
// payloads before the (more expensive) full STUN decode is attempted. It
// is adapted from a demultiplexing package that solved the same "which
// protocol is this packet" problem by routing datagrams to per-protocol
// Endpoints; here the same circular-buffer idea backs the bounded
// pending-packet queue used while a component has no selected pair yet.
package mux

import "encoding/binary"

const stunHeaderLength = 20
const stunMagicCookie = 0x2112A442

// IsSTUN performs the fast, allocation-free structural check of RFC 5389
// §6: the top two bits of the message-type field must be zero and the
// magic cookie must be present at the expected offset. A positive result
// does not guarantee the packet is a valid STUN message (MESSAGE-INTEGRITY
// still needs checking); it is only cheap enough to run on every inbound
// datagram before paying for the real decode.
func IsSTUN(data []byte) bool {
	if len(data) < stunHeaderLength {
		return false
	}
	messageType := binary.BigEndian.Uint16(data[0:2])
	if messageType&0xC000 != 0 {
		return false
	}
	return binary.BigEndian.Uint32(data[4:8]) == stunMagicCookie
}
