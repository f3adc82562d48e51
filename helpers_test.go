package msgcenter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// Fake clock
// ============================================================================

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*fakeTimer
}

type fakeTimer struct {
	c    *fakeClock
	at   time.Time
	seq  int
	f    func()
	done bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{c: c, at: c.now.Add(d), seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

// Advance moves time forward, firing due timers in deadline order. Timers
// armed by a callback fire in the same call when they fall due before the
// target.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.done || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) || (t.at.Equal(next.at) && t.seq < next.seq) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.compactLocked()
			c.mu.Unlock()
			return
		}
		if next.at.After(c.now) {
			c.now = next.at
		}
		next.done = true
		c.mu.Unlock()
		next.f()
	}
}

// Pending counts armed timers.
func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.done {
			n++
		}
	}
	return n
}

func (c *fakeClock) compactLocked() {
	live := c.timers[:0]
	for _, t := range c.timers {
		if !t.done {
			live = append(live, t)
		}
	}
	c.timers = live
}

// ============================================================================
// Fake connection
// ============================================================================

var errConnClosed = errors.New("connection closed")

type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-c.closed:
		return nil, errConnClosed
	default:
	}
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, errConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	select {
	case c.out <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Close(string) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// push sends a server frame to the client.
func (c *fakeConn) push(t *testing.T, typ string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	data, err := json.Marshal(Envelope{Type: typ, Payload: raw})
	require.NoError(t, err)
	c.in <- data
}

// next returns the next frame the client wrote.
func (c *fakeConn) next(t *testing.T) Envelope {
	t.Helper()
	select {
	case data := <-c.out:
		var env Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no frame written")
		return Envelope{}
	}
}

// nextOfType skips frames until one of typ arrives.
func (c *fakeConn) nextOfType(t *testing.T, typ string) Envelope {
	t.Helper()
	for {
		env := c.next(t)
		if env.Type == typ {
			return env
		}
	}
}

// quiet asserts nothing is written for a short while.
func (c *fakeConn) quiet(t *testing.T) {
	t.Helper()
	select {
	case data := <-c.out:
		t.Fatalf("unexpected frame written: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

// ============================================================================
// Fake dialer
// ============================================================================

type fakeDialer struct {
	mu      sync.Mutex
	userID  string
	conns   []*fakeConn
	dials   int
	failN   int
	failAll bool
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{userID: "me"}
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failAll || d.failN > 0 {
		if d.failN > 0 {
			d.failN--
		}
		return nil, errors.New("dial refused")
	}
	c := newFakeConn()
	payload, _ := json.Marshal(AuthenticatedPayload{UserID: d.userID, Username: d.userID})
	data, _ := json.Marshal(Envelope{Type: FrameAuthenticated, Payload: payload})
	c.in <- data
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setFailAll(v bool) {
	d.mu.Lock()
	d.failAll = v
	d.mu.Unlock()
}

func (d *fakeDialer) setFailN(n int) {
	d.mu.Lock()
	d.failN = n
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last(t *testing.T) *fakeConn {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NotEmpty(t, d.conns, "no connection dialed")
	return d.conns[len(d.conns)-1]
}

// ============================================================================
// Fake conversation source
// ============================================================================

type fakeSource struct {
	mu    sync.Mutex
	page  *ConversationPage
	err   error
	calls int
	// hook runs inside FetchConversations before it returns.
	hook func()
}

func (s *fakeSource) FetchConversations(ctx context.Context) (*ConversationPage, error) {
	s.mu.Lock()
	s.calls++
	page, err, hook := s.page, s.err, s.hook
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	if page == nil {
		return &ConversationPage{}, nil
	}
	cp := *page
	cp.Conversations = append([]Conversation(nil), page.Conversations...)
	return &cp, nil
}

func (s *fakeSource) set(page *ConversationPage, err error) {
	s.mu.Lock()
	s.page, s.err = page, err
	s.mu.Unlock()
}

func (s *fakeSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// ============================================================================
// Recorders
// ============================================================================

type stateRecorder struct {
	mu      sync.Mutex
	changes []StateChange
}

func (r *stateRecorder) record(sc StateChange) {
	r.mu.Lock()
	r.changes = append(r.changes, sc)
	r.mu.Unlock()
}

func (r *stateRecorder) all() []StateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StateChange(nil), r.changes...)
}

func (r *stateRecorder) states() []State {
	var out []State
	for _, sc := range r.all() {
		out = append(out, sc.State)
	}
	return out
}

func (r *stateRecorder) last() StateChange {
	all := r.all()
	if len(all) == 0 {
		return StateChange{}
	}
	return all[len(all)-1]
}

func ptr[T any](v T) *T { return &v }
