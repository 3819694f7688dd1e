// Package goice implements an ICE (Interactive Connectivity Establishment)
// agent: candidate gathering over STUN/TURN, connectivity-check pairing and
// nomination, controlling/controlled role arbitration, and an optional
// Pseudo-TCP reliable stream carried over the winning pair.
//
// An Agent owns one or more Streams, each with one or more Components. A
// typical session looks like:
//
//	a, _ := goice.NewAgent(goice.AgentConfig{Urls: []string{"stun:stun.l.google.com:19302"}})
//	id, _ := a.AddStream(1)
//	a.GatherCandidates(id)
//	// ... exchange ufrag/pwd/candidates with the peer out of band ...
//	a.SetRemoteCredentials(id, remoteUfrag, remotePwd)
//	a.SetRemoteCandidates(id, remoteCandidates)
//	for ev := range a.Events() {
//		// react to ev.Kind
//	}
package goice
