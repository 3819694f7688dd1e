package checklist

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/stun/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardenlabs/goice/internal/candidate"
	"github.com/ardenlabs/goice/internal/stunutil"
	"github.com/ardenlabs/goice/internal/timerwheel"
)

// fakeRole is a RoleProvider test double with a fixed tie-breaker and a
// role flag that SwitchRole flips, mirroring how the orchestrator's Agent
// will own this state for real.
type fakeRole struct {
	mu          sync.Mutex
	controlling bool
	tieBreaker  uint64
	switches    int32
}

func (r *fakeRole) Controlling() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.controlling
}

func (r *fakeRole) TieBreaker() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tieBreaker
}

func (r *fakeRole) SwitchRole() {
	r.mu.Lock()
	r.controlling = !r.controlling
	r.mu.Unlock()
	atomic.AddInt32(&r.switches, 1)
}

// sentMsg records one outbound STUN message for assertions.
type sentMsg struct {
	local  *candidate.Candidate
	remote *net.UDPAddr
	msg    *stun.Message
}

// fakeTransport is a SendFunc test double that decodes and records every
// outbound message instead of touching a real socket.
type fakeTransport struct {
	mu   sync.Mutex
	sent []sentMsg
}

func (f *fakeTransport) send(local *candidate.Candidate, remote *net.UDPAddr, data []byte) error {
	msg, err := stunutil.Decode(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, sentMsg{local: local, remote: remote, msg: msg})
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) last() sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestWheel(t *testing.T) *timerwheel.Wheel {
	t.Helper()
	w := timerwheel.New(logging.NewDefaultLoggerFactory().NewLogger("test"))
	go w.Run()
	t.Cleanup(w.Close)
	return w
}

func hostCandidate(component int, ip string, port int) *candidate.Candidate {
	return candidate.NewHost(component, &net.UDPAddr{IP: net.ParseIP(ip), Port: port}, candidate.UDP)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func newTestEngine(t *testing.T, role *fakeRole, transport *fakeTransport, cb Callbacks) *Engine {
	t.Helper()
	e := New(newTestWheel(t), logging.NewDefaultLoggerFactory(), 20*time.Millisecond, role, transport.send, cb)
	e.SetLocalCredentials("localufrag", "localpwd")
	e.SetRemoteCredentials("remoteufrag", "remotepwd")
	return e
}

func assertEventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	assert.Fail(t, msg)
}
