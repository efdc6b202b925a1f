package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/amoylab/polyroom/internal/common/cnst"
	"github.com/amoylab/polyroom/internal/protocol"
)

// manualClock fires AfterFunc callbacks only when advanced
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward and runs due callbacks in order on the caller's goroutine
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*manualTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// Pending returns the delays of timers not yet fired or stopped
func (c *manualClock) Pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.at.Sub(c.now))
		}
	}
	return out
}

// fakeConn records frames and lets tests drive callbacks
type fakeConn struct {
	mu         sync.Mutex
	onMessage  func([]byte)
	onClose    func(int, string)
	sent       [][]byte
	closed     bool
	closeCode  int
	closeMsg   string
	notReady   bool
	closeFired bool
}

func (c *fakeConn) Start(onMessage func([]byte), onClose func(int, string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = onMessage
	c.onClose = onClose
}

func (c *fakeConn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return cnst.ErrNotOpen
	}
	c.sent = append(c.sent, frame)
	return nil
}

func (c *fakeConn) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && !c.notReady
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	c.closed = true
	c.closeCode = code
	c.closeMsg = reason
	c.mu.Unlock()
	// callbacks never run on the caller's goroutine, like a real read loop
	go c.fireClose(code, reason)
	return nil
}

// receive delivers an inbound frame as the read loop would
func (c *fakeConn) receive(frame string) {
	c.mu.Lock()
	fn := c.onMessage
	c.mu.Unlock()
	fn([]byte(frame))
}

// drop simulates the remote side closing with code
func (c *fakeConn) drop(code int) {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.fireClose(code, "")
}

func (c *fakeConn) fireClose(code int, reason string) {
	c.mu.Lock()
	fn := c.onClose
	fired := c.closeFired
	c.closeFired = true
	c.mu.Unlock()
	if fn != nil && !fired {
		fn(code, reason)
	}
}

func (c *fakeConn) frames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	for i, f := range c.sent {
		out[i] = string(f)
	}
	return out
}

func (c *fakeConn) isClosed() (bool, int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode, c.closeMsg
}

// fakeDialer hands out a new fakeConn per dial, or fails while failing is set
type fakeDialer struct {
	mu      sync.Mutex
	conns   []*fakeConn
	rooms   []string
	failing bool
}

func (d *fakeDialer) Dial(_ context.Context, roomID string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rooms = append(d.rooms, roomID)
	if d.failing {
		return nil, errors.New("connection refused")
	}
	c := &fakeConn{}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setFailing(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failing = v
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.rooms)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// fakeFetcher answers roster fetches with a fixed result, optionally held
// until release is closed
type fakeFetcher struct {
	mu      sync.Mutex
	users   []protocol.RoomUser
	ok      bool
	err     error
	release chan struct{}
	calls   int
}

func (f *fakeFetcher) ListUsers(ctx context.Context, _ string) ([]protocol.RoomUser, bool, error) {
	f.mu.Lock()
	f.calls++
	release := f.release
	users, ok, err := f.users, f.ok, f.err
	f.mu.Unlock()
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
	return users, ok, err
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
