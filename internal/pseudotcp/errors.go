package pseudotcp

import "errors"

var (
	// ErrWouldBlock is returned by Recv when no data is currently available,
	// and by Send-adjacent paths that would otherwise have to block.
	ErrWouldBlock = errors.New("pseudotcp: would block")

	// ErrNotConnected is returned by Send when the engine isn't in a
	// state that can carry application data.
	ErrNotConnected = errors.New("pseudotcp: not connected")

	// ErrAlreadyOpen is returned by Open on a connection past Listen.
	ErrAlreadyOpen = errors.New("pseudotcp: already open")

	// errConnReset is the internal closeErr used when a peer RST arrives.
	errConnReset = errors.New("pseudotcp: connection reset by peer")

	// errHandshakeTimeout is the internal closeErr used when the SYN
	// handshake exhausts its retries without a response.
	errHandshakeTimeout = errors.New("pseudotcp: handshake timed out")
)
