package checklist

import (
	"sort"

	"github.com/ardenlabs/goice/internal/candidate"
)

// sortAndPrune orders pairs by descending priority, breaking ties by local
// then remote candidate address, and removes redundant pairs per RFC 8445
// §6.1.2.4 -- unless a check is already in flight or resolved for it.
// Generalized from a single-component sortAndPrune/isRedundant pair to
// multiple components sharing one list.
func sortAndPrune(pairs []*Pair) []*Pair {
	sort.SliceStable(pairs, func(i, j int) bool {
		if pairs[i].Priority != pairs[j].Priority {
			return pairs[i].Priority > pairs[j].Priority
		}
		li, lj := pairs[i].Local.Address.String(), pairs[j].Local.Address.String()
		if li != lj {
			return li < lj
		}
		return pairs[i].Remote.Address.String() < pairs[j].Remote.Address.String()
	})

	var kept []*Pair
	for _, p := range pairs {
		if p.State == InProgress || p.State == Succeeded || p.State == Discovered {
			kept = append(kept, p)
			continue
		}
		redundant := false
		for _, q := range kept {
			if isRedundant(p, q) {
				redundant = true
				break
			}
		}
		if !redundant {
			kept = append(kept, p)
		}
	}
	return kept
}

// isRedundant reports whether two pairs share the same remote candidate and
// the same local base address (RFC 8445 §6.1.2.4).
func isRedundant(a, b *Pair) bool {
	if a.Component != b.Component {
		return false
	}
	return candidate.Redundant(a.Local, a.Remote, b.Local, b.Remote)
}

// foundationActive reports whether any pair sharing foundation f is
// currently Waiting, InProgress, Succeeded, or Discovered anywhere in the
// list -- the condition under which sibling Frozen pairs of the same
// foundation must stay frozen (invariant I4).
func foundationActive(pairs []*Pair, f string) bool {
	for _, p := range pairs {
		if p.Foundation != f {
			continue
		}
		switch p.State {
		case Waiting, InProgress, Succeeded, Discovered:
			return true
		}
	}
	return false
}
