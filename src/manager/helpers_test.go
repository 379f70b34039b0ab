package manager_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/orchestra-mcp/chatlink/src/manager"
	"github.com/orchestra-mcp/chatlink/src/realtime/realtimetest"
	"github.com/orchestra-mcp/chatlink/src/streaming"
	"github.com/orchestra-mcp/chatlink/src/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const wait = 2 * time.Second
const tick = 2 * time.Millisecond

// fakeClock fires timers only when advanced.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) manager.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward and runs the timers that became due, in
// deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && t.at <= c.now {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at < due[j].at })
	for _, t := range due {
		t.f()
	}
}

// Pending returns the delays, relative to now, of timers not yet run.
func (c *fakeClock) Pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.at-c.now)
		}
	}
	return out
}

// fakeStreamer records fallback requests; tests drive their results.
type fakeStreamer struct {
	mu   sync.Mutex
	reqs []*fakeRequest
}

type fakeRequest struct {
	id        string
	text      string
	history   []types.Message
	h         streaming.Handlers
	mu        sync.Mutex
	cancelled bool
}

func (f *fakeStreamer) Request(_ context.Context, text string, history []types.Message, h streaming.Handlers) (string, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := &fakeRequest{id: fmt.Sprintf("req-%d", len(f.reqs)+1), text: text, history: history, h: h}
	f.reqs = append(f.reqs, r)
	return r.id, func() {
		r.mu.Lock()
		r.cancelled = true
		r.mu.Unlock()
	}
}

func (f *fakeStreamer) Cancel() {}

func (f *fakeStreamer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func (f *fakeStreamer) get(i int) *fakeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[i]
}

func (r *fakeRequest) emit(kind types.FragmentKind, payload string) {
	r.h.OnFragment(r.id, types.Fragment{Kind: kind, Payload: payload})
}

func (r *fakeRequest) finish(err error) {
	r.h.OnDone(r.id, err)
}

func (r *fakeRequest) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

type harness struct {
	m      *manager.Manager
	dialer *realtimetest.Dialer
	stream *fakeStreamer
	clock  *fakeClock
}

func newHarness(t *testing.T, opts ...manager.Option) *harness {
	t.Helper()
	h := &harness{
		dialer: realtimetest.NewDialer(),
		stream: &fakeStreamer{},
		clock:  &fakeClock{},
	}
	opts = append([]manager.Option{manager.WithClock(h.clock)}, opts...)
	h.m = manager.New("ws://test/ws/citizen/", h.dialer, h.stream, zerolog.Nop(), opts...)
	go h.m.Run()
	t.Cleanup(h.m.Close)
	return h
}

func (h *harness) waitState(t *testing.T, want types.ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool { return h.m.State() == want }, wait, tick,
		"want state %s, have %s", want, h.m.State())
}

func (h *harness) connect(t *testing.T) *realtimetest.MockConn {
	t.Helper()
	require.NoError(t, h.m.Start())
	h.waitState(t, types.StateConnected)
	return h.dialer.Last()
}

func (h *harness) waitMessages(t *testing.T, cond func([]types.Message) bool) []types.Message {
	t.Helper()
	var msgs []types.Message
	require.Eventually(t, func() bool {
		msgs = h.m.Messages()
		return cond(msgs)
	}, wait, tick)
	return msgs
}

func (h *harness) waitRequests(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.stream.count() == n }, wait, tick)
}
