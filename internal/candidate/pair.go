package candidate

// PairPriority implements RFC 8445 §6.1.2.3:
//
//	priority = 2^32 * min(G,D) + 2*max(G,D) + (G>D ? 1 : 0)
//
// where G is the priority of the controlling agent's candidate and D is the
// priority of the controlled agent's candidate.
func PairPriority(controllingPriority, controlledPriority uint32) uint64 {
	g := uint64(controllingPriority)
	d := uint64(controlledPriority)

	lo, hi := g, d
	if lo > hi {
		lo, hi = hi, lo
	}

	var b uint64
	if g > d {
		b = 1
	}
	return lo<<32 + hi<<1 + b
}

// PairFoundation concatenates a local/remote candidate pair's individual
// foundations, as used for check-list freeze grouping (RFC 8445 §6.1.2.6).
func PairFoundation(local, remote *Candidate) string {
	return local.Foundation + "/" + remote.Foundation
}

// Redundant reports whether two pairs have the same local base and the same
// remote candidate address, i.e. are redundant per RFC 8445 §6.1.2.4.
func Redundant(aLocal, aRemote, bLocal, bRemote *Candidate) bool {
	return addrEqual(aLocal.BaseAddress, bLocal.BaseAddress) && addrEqual(aRemote.Address, bRemote.Address)
}

func addrEqual(a, b interface {
	String() string
}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.String() == b.String()
}
