package storesync

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	clocktesting "k8s.io/utils/clock/testing"
)

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func newFakeClock() *clocktesting.FakeClock {
	return clocktesting.NewFakeClock(testEpoch)
}

// fakeFetcher counts fetches per kind. While hold is set every fetch blocks
// until release is called.
type fakeFetcher struct {
	mu      sync.Mutex
	calls   map[ResourceKind]int
	err     error
	panicOn ResourceKind
	gate    chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{calls: map[ResourceKind]int{}}
}

func (f *fakeFetcher) hold() {
	f.mu.Lock()
	f.gate = make(chan struct{})
	f.mu.Unlock()
}

func (f *fakeFetcher) release() {
	f.mu.Lock()
	if f.gate != nil {
		close(f.gate)
		f.gate = nil
	}
	f.mu.Unlock()
}

func (f *fakeFetcher) failWith(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeFetcher) Fetch(ctx context.Context, kind ResourceKind) (Payload, error) {
	f.mu.Lock()
	f.calls[kind]++
	gate, err, panicOn := f.gate, f.err, f.panicOn
	f.mu.Unlock()

	if panicOn == kind {
		panic("boom")
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return Payload{}, ctx.Err()
		}
	}
	if err != nil {
		return Payload{}, err
	}
	return Payload{Kind: kind, Body: []byte(`{"kind":"` + string(kind) + `"}`), Version: "v1", Status: 200}, nil
}

func (f *fakeFetcher) Calls(kind ResourceKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[kind]
}

func (f *fakeFetcher) Total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

type rendered struct {
	kind ResourceKind
	res  RefreshResult
}

type recordingRenderer struct {
	mu  sync.Mutex
	got []rendered
}

func (r *recordingRenderer) OnResourceRefreshed(kind ResourceKind, res RefreshResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, rendered{kind, res})
}

func (r *recordingRenderer) all() []rendered {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]rendered(nil), r.got...)
}

func (r *recordingRenderer) count(kind ResourceKind) int {
	n := 0
	for _, g := range r.all() {
		if g.kind == kind {
			n++
		}
	}
	return n
}

// eventLog collects emitted events.
type eventLog struct {
	mu  sync.Mutex
	evs []InvalidationEvent
}

func (l *eventLog) emit(ev InvalidationEvent) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evs = append(l.evs, ev)
	return true
}

func (l *eventLog) all() []InvalidationEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]InvalidationEvent(nil), l.evs...)
}

func (l *eventLog) count(t EventType) int {
	n := 0
	for _, ev := range l.all() {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (l *eventLog) countKind(t EventType, k ResourceKind) int {
	n := 0
	for _, ev := range l.all() {
		if ev.Type == t && ev.Kind == k {
			n++
		}
	}
	return n
}

// fakeConn is a push channel fed by the test.
type fakeConn struct {
	frames    chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written []any
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case b, ok := <-c.frames:
		if !ok {
			return 0, nil, io.EOF
		}
		return websocket.TextMessage, b, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, v)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) send(frame string) {
	c.frames <- []byte(frame)
}

type dialResult struct {
	conn Conn
	err  error
}

// fakeDialer hands out whatever the test pushes into results.
type fakeDialer struct {
	results chan dialResult
	dials   atomic.Int32
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{results: make(chan dialResult, 4)}
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	d.dials.Add(1)
	select {
	case r := <-d.results:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *fakeDialer) open() *fakeConn {
	c := newFakeConn()
	d.results <- dialResult{conn: c}
	return c
}

// coordHarness drives a Coordinator the way the event loop does: the test
// goroutine plays the loop and completes posted results itself.
type coordHarness struct {
	c        *Coordinator
	store    *StatusStore
	fetcher  *fakeFetcher
	renderer *recordingRenderer
	clock    *clocktesting.FakeClock
	posted   chan message
}

func newCoordHarness(t *testing.T, strict bool) *coordHarness {
	t.Helper()
	reg := MustDefaultRegistry()
	h := &coordHarness{
		store:    newStatusStore(reg),
		fetcher:  newFakeFetcher(),
		renderer: &recordingRenderer{},
		clock:    newFakeClock(),
		posted:   make(chan message, 64),
	}
	post := func(m message) bool {
		h.posted <- m
		return true
	}
	h.c = newCoordinator(reg, h.store, h.fetcher, h.renderer, h.clock, post,
		coordinatorConfig{fetchTimeout: time.Second, strict: strict}, zap.NewNop(), nil)
	t.Cleanup(func() {
		h.fetcher.release()
		h.c.shutdown()
		h.c.wait()
	})
	return h
}

// completeNext applies the next posted fetch result.
func (h *coordHarness) completeNext(t *testing.T) refreshDone {
	t.Helper()
	select {
	case m := <-h.posted:
		d, ok := m.(refreshDone)
		require.True(t, ok, "posted %T", m)
		h.c.complete(d)
		return d
	case <-time.After(waitFor):
		t.Fatal("no fetch result posted")
		return refreshDone{}
	}
}

// drain completes every posted result until the coordinator is idle.
func (h *coordHarness) drain(t *testing.T) {
	t.Helper()
	for {
		select {
		case m := <-h.posted:
			h.c.complete(m.(refreshDone))
		case <-time.After(50 * time.Millisecond):
			return
		}
	}
}
