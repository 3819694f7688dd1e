// Package pseudotcp implements the Pseudo-TCP Engine: a user-space,
// TCP-equivalent reliable byte stream carried as the payload of UDP
// datagrams over a single selected ICE candidate pair.
//
// The engine is purely reactive, with its wire format coded as a header
// struct over this module's internal/packet Reader/Writer, rather than
// owning any goroutines or timers of its own:
// NotifyPacket ingests a received segment, Send/Recv move application
// bytes in and out, and NotifyClock/GetNextClock let the caller (the
// orchestrator's per-component tcp_clock) drive retransmission, delayed
// ACKs, and the connection handshake without this package ever blocking
// or spawning anything.
package pseudotcp
