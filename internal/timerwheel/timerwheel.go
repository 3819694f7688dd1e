// Package timerwheel implements a single monotonic-clock-driven timer
// dispatcher. It is the leaf component every clock in the system
// (discovery pacing, connectivity-check pacing, keepalives, the
// pseudo-TCP clock) is built on.
package timerwheel

import (
	"sync"
	"time"

	"github.com/pion/logging"
)

// ScanInterval is the granularity at which the wheel scans for due timers.
// 10ms, per §4.1: coarser would be wasteful, finer would waste CPU without
// the protocol needing the precision.
const ScanInterval = 10 * time.Millisecond

// ID identifies a timer created by the wheel.
type ID uint64

type timer struct {
	id        ID
	label     string
	interval  time.Duration
	repeating bool
	next      time.Time
	cb        func()
	stopped   bool
}

// Wheel dispatches callbacks at scheduled monotonic deadlines. A single
// background goroutine scans all live timers every ScanInterval. Timer
// callbacks run sequentially on that goroutine; per §4.1 they must not
// block for long, and per §5 they are expected to acquire the agent lock
// themselves (the wheel has no knowledge of it).
type Wheel struct {
	mu     sync.Mutex
	timers map[ID]*timer
	nextID ID

	log logging.LeveledLogger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a Wheel. Call Run to start the background scan goroutine.
func New(log logging.LeveledLogger) *Wheel {
	return &Wheel{
		timers: make(map[ID]*timer),
		log:    log,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Create registers a new timer with the given interval, once/repeating
// mode, callback and identifying label (used only for logging). The timer
// is not started; call Start.
func (w *Wheel) Create(interval time.Duration, repeating bool, cb func(), label string) ID {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.nextID++
	id := w.nextID
	w.timers[id] = &timer{
		id:        id,
		label:     label,
		interval:  interval,
		repeating: repeating,
		cb:        cb,
		stopped:   true,
	}
	return id
}

// Start arms a timer to first fire after its configured interval elapses
// from now.
func (w *Wheel) Start(id ID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[id]; ok {
		t.stopped = false
		t.next = time.Now().Add(t.interval)
	}
}

// Stop disarms a timer without destroying it; Start can re-arm it later.
func (w *Wheel) Stop(id ID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[id]; ok {
		t.stopped = true
	}
}

// SetInterval changes a timer's interval. If the timer is currently armed,
// its next fire time is recomputed relative to now.
func (w *Wheel) SetInterval(id ID, interval time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.timers[id]
	if !ok {
		return
	}
	t.interval = interval
	if !t.stopped {
		t.next = time.Now().Add(interval)
	}
}

// SetNextFireTime arms the timer to fire at an absolute deadline, bypassing
// its configured interval for this one firing (repeating timers resume
// their normal interval after). This backs pseudo-TCP's
// get_next_clock()-driven rescheduling.
func (w *Wheel) SetNextFireTime(id ID, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[id]; ok {
		t.stopped = false
		t.next = at
	}
}

// Destroy removes a timer permanently.
func (w *Wheel) Destroy(id ID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.timers, id)
}

// Run scans for due timers every ScanInterval until Close is called. It is
// meant to be run in its own goroutine; it blocks until stopped.
func (w *Wheel) Run() {
	defer close(w.doneCh)

	ticker := time.NewTicker(ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case now := <-ticker.C:
			w.fireDue(now)
		}
	}
}

// fireDue compares each live timer's absolute deadline against now, rather
// than stepping some elapsed-time counter forward: a wall-clock jump,
// suspended process, or paused debugger just means the next scan sees a
// bigger now, not a backlog of "overdue" repeating timers to catch up on
// (§4.1).
func (w *Wheel) fireDue(now time.Time) {
	var due []*timer

	w.mu.Lock()
	for _, t := range w.timers {
		if t.stopped {
			continue
		}
		if !now.Before(t.next) {
			due = append(due, t)
			if t.repeating {
				t.next = now.Add(t.interval)
			} else {
				t.stopped = true
			}
		}
	}
	w.mu.Unlock()

	for _, t := range due {
		if w.log != nil {
			w.log.Tracef("timerwheel: firing %s (id=%d)", t.label, t.id)
		}
		t.cb()
	}
}

// Close stops the scan goroutine and waits for it to exit.
func (w *Wheel) Close() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	<-w.doneCh
}
