package mux

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/matst80/muxgate/internal/frame"
	"github.com/matst80/muxgate/internal/transport"
)

const waitFor = 2 * time.Second

type fakeSocket struct {
	mu      sync.Mutex
	sent    []string
	handler transport.Handler
	closed  bool
	ready   chan struct{}
	done    chan struct{}
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{ready: make(chan struct{}), done: make(chan struct{})}
}

func (s *fakeSocket) Send(data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transport.ErrClosed
	}
	s.sent = append(s.sent, data)
	return nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

func (s *fakeSocket) Run(h transport.Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
	close(s.ready)
	<-s.done
	h.HandleClose(transport.ErrClosed)
}

func (s *fakeSocket) waitReady(t *testing.T) {
	t.Helper()
	select {
	case <-s.ready:
	case <-time.After(waitFor):
		t.Fatal("socket never started reading")
	}
}

// Deliver feeds one raw frame through the connection on the calling goroutine.
func (s *fakeSocket) Deliver(t *testing.T, raw string) {
	t.Helper()
	s.waitReady(t)
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	h.HandleMessage(raw)
}

// Drop simulates the peer going away.
func (s *fakeSocket) Drop(t *testing.T, err error) {
	t.Helper()
	s.waitReady(t)
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	h.HandleClose(err)
}

func (s *fakeSocket) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

// Count returns how many times msg was written, quoted.
func (s *fakeSocket) Count(msg string) int {
	n := 0
	for _, f := range s.Sent() {
		if f == frame.Quote(msg) {
			n++
		}
	}
	return n
}

func (s *fakeSocket) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeDialer struct {
	mu      sync.Mutex
	urls    []string
	err     error
	sockets chan *fakeSocket
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{sockets: make(chan *fakeSocket, 16)}
}

func (d *fakeDialer) Dial(_ context.Context, url string) (transport.Socket, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	err := d.err
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s := newFakeSocket()
	d.sockets <- s
	return s, nil
}

func (d *fakeDialer) URLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

func (d *fakeDialer) next(t *testing.T) *fakeSocket {
	t.Helper()
	select {
	case s := <-d.sockets:
		s.waitReady(t)
		return s
	case <-time.After(waitFor):
		t.Fatal("no socket dialed")
		return nil
	}
}

// open completes the socket handshake.
func open(t *testing.T, d *fakeDialer) *fakeSocket {
	t.Helper()
	s := d.next(t)
	s.Deliver(t, "o")
	return s
}

type recorder struct {
	mu     sync.Mutex
	events []ChannelEvent
}

func record(ch *Channel) *recorder {
	r := &recorder{}
	ch.Subscribe(func(ev ChannelEvent) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) Events() []ChannelEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ChannelEvent(nil), r.events...)
}

func (r *recorder) Kind(k ChannelEventKind) []ChannelEvent {
	var out []ChannelEvent
	for _, ev := range r.Events() {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, *fakeDialer) {
	t.Helper()
	d := newFakeDialer()
	m := NewManager(append([]Option{WithDialer(d)}, opts...)...)
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m, d
}

func timeout() <-chan time.Time { return time.After(waitFor) }

var errClosedByTest = errors.New("closed by test")

func waitClosed(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-timeout():
		t.Fatal("callback never ran")
	}
}
